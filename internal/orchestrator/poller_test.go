package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/orchd/internal/config"
	"github.com/fyrsmithlabs/orchd/internal/github"
	"github.com/fyrsmithlabs/orchd/internal/hub"
	"github.com/fyrsmithlabs/orchd/internal/worktree"
)

// fakeRunner simulates one agent turn. When writeFile is set it drops a
// file in the worktree so the commit path has something to pick up.
type fakeRunner struct {
	writeFile string
	output    string
	fail      bool
	calls     int
	lastBrief string
}

func (r *fakeRunner) RunTurn(_ context.Context, issue github.Issue, workdir, brief string) (TurnResult, error) {
	r.calls++
	r.lastBrief = brief
	if r.fail {
		return TurnResult{}, fmt.Errorf("agent exited with code 1")
	}
	changed := false
	if r.writeFile != "" {
		if err := os.WriteFile(filepath.Join(workdir, r.writeFile), []byte("agent output\n"), 0644); err != nil {
			return TurnResult{}, err
		}
		changed = true
	}
	return TurnResult{Changed: changed, OK: true, Output: r.output}, nil
}

type fixture struct {
	host     *fakeHost
	runner   *fakeRunner
	poller   *Poller
	states   *hub.StateStore
	sched    *hub.Scheduler
	registry *hub.Hub
	mailbox  *hub.Mailbox
	digest   *hub.Digest
	cfg      config.Config
	root     string
	now      time.Time
}

func initRepo(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	repo, err := git.PlainInit(root, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("# widgets\n"), 0644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("initial commit", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return root
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := initRepo(t)

	cfg := config.Default()
	cfg.GitHub.Owner = "widgets"
	cfg.GitHub.Repo = "widgets"
	cfg.GitHub.BaseBranch = "master"

	states, err := hub.NewStateStore(filepath.Join(root, ".orch"))
	require.NoError(t, err)

	host := newFakeHost()
	runner := &fakeRunner{}
	sched := hub.NewScheduler(cfg.Poller.WIPCap)
	events := hub.NewEventLog("")
	digest := hub.NewDigest()
	mailbox := hub.NewMailbox()
	registry := hub.New(hub.NewMailboxLauncher(mailbox), events, digest, hub.Options{}, nil)

	p := NewPoller(cfg, Deps{
		Host:      host,
		Trees:     worktree.NewManager(root, cfg.GitHub.BaseBranch, ""),
		Runner:    runner,
		Registry:  registry,
		Scheduler: sched,
		States:    states,
		Merge:     NewMergeEngine(host, cfg.Labels.ChecksGreen, cfg.Labels.ReadyHuman, cfg.Labels.SafeLane),
		Digest:    digest,
		Events:    events,
		Status:    NewStatusPublisher(host, states),
		Mailbox:   mailbox,
	}, nil)
	registry.SetRecovery(p.RecoverIssue)

	f := &fixture{
		host:     host,
		runner:   runner,
		poller:   p,
		states:   states,
		sched:    sched,
		registry: registry,
		mailbox:  mailbox,
		digest:   digest,
		cfg:      cfg,
		root:     root,
		now:      time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
	}
	p.clock = func() time.Time { return f.now }
	return f
}

func (f *fixture) queuedIssue(number int, title string, extraLabels ...string) github.Issue {
	issue := github.Issue{
		Number: number,
		Title:  title,
		State:  "open",
		Labels: append([]string{"orchestrate", f.cfg.Labels.Ready}, extraLabels...),
	}
	f.host.addIssue(issue)
	return issue
}

func greenRollup() github.CheckRollup {
	return github.CheckRollup{Checks: []github.Check{
		{Name: "build", Status: "completed", Conclusion: "success"},
		{Name: "test", Status: "completed", Conclusion: "success"},
	}}
}

func TestCycleStartsQueuedIssue(t *testing.T) {
	f := newFixture(t)
	f.queuedIssue(42, "Add caching layer")
	f.runner.writeFile = "cache.go"

	require.NoError(t, f.poller.Cycle(context.Background()))

	// Worktree and branch exist.
	wtPath := filepath.Join(f.root, ".worktrees", "iss-42")
	_, err := os.Stat(filepath.Join(wtPath, "cache.go"))
	require.NoError(t, err)

	// One turn ran.
	assert.Equal(t, 1, f.runner.calls)

	// Labels moved ready -> {in-progress, pr-draft}.
	labels := f.host.labels(42)
	assert.Contains(t, labels, f.cfg.Labels.InProgress)
	assert.Contains(t, labels, f.cfg.Labels.Draft)
	assert.NotContains(t, labels, f.cfg.Labels.Ready)

	// A draft PR referencing the issue exists.
	prs, err := f.host.ListOpenPRs(context.Background())
	require.NoError(t, err)
	require.Len(t, prs, 1)
	assert.True(t, prs[0].Draft)
	assert.Equal(t, "ai/iss-42-add-caching-layer", prs[0].HeadRef)
	assert.Contains(t, prs[0].Body, "Closes #42")

	// The commit landed with the deterministic message.
	repo, err := git.PlainOpen(wtPath)
	require.NoError(t, err)
	head, err := repo.Head()
	require.NoError(t, err)
	commit, err := repo.CommitObject(head.Hash())
	require.NoError(t, err)
	assert.Equal(t, "orchd: apply agent changes for issue #42", commit.Message)
}

func TestCyclePromotesWithoutSafeLane(t *testing.T) {
	f := newFixture(t)
	f.host.addIssue(github.Issue{
		Number: 42, Title: "Add caching layer", State: "open",
		Labels: []string{"orchestrate", f.cfg.Labels.InProgress, f.cfg.Labels.Draft},
	})
	f.host.addPR(github.PullRequest{
		Number: 7, State: "open", HeadRef: "ai/iss-42-add-caching-layer", HeadSHA: "sha7", Draft: true,
	})
	f.host.setRollup("sha7", greenRollup())

	require.NoError(t, f.poller.Cycle(context.Background()))

	labels := f.host.labels(42)
	assert.Contains(t, labels, f.cfg.Labels.ChecksGreen)
	assert.Contains(t, labels, f.cfg.Labels.ReadyHuman)
	assert.Empty(t, f.host.mergeRequests)
}

func TestCycleAutoMergesWithSafeLaneExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.host.addIssue(github.Issue{
		Number: 55, Title: "Bump dependency", State: "open",
		Labels: []string{"orchestrate", f.cfg.Labels.InProgress, f.cfg.Labels.Draft, f.cfg.Labels.SafeLane},
	})
	f.host.addPR(github.PullRequest{
		Number: 8, Title: "Bump dependency", State: "open",
		HeadRef: "ai/iss-55-bump-dependency", HeadSHA: "sha8", Draft: true,
	})
	f.host.setRollup("sha8", greenRollup())

	require.NoError(t, f.poller.Cycle(context.Background()))

	labels := f.host.labels(55)
	assert.Contains(t, labels, f.cfg.Labels.ChecksGreen)
	assert.NotContains(t, labels, f.cfg.Labels.ReadyHuman)
	assert.Equal(t, []int{8}, f.host.mergeRequests)

	// Re-running with no external change issues no second request.
	require.NoError(t, f.poller.Cycle(context.Background()))
	assert.Equal(t, []int{8}, f.host.mergeRequests)
}

func TestCycleRetriesAutoMergeAfterTransientFailure(t *testing.T) {
	f := newFixture(t)
	f.host.addIssue(github.Issue{
		Number: 55, Title: "Bump dependency", State: "open",
		Labels: []string{"orchestrate", f.cfg.Labels.InProgress, f.cfg.Labels.Draft, f.cfg.Labels.SafeLane},
	})
	f.host.addPR(github.PullRequest{
		Number: 8, Title: "Bump dependency", State: "open",
		HeadRef: "ai/iss-55-bump-dependency", HeadSHA: "sha8", Draft: true,
	})
	f.host.setRollup("sha8", greenRollup())

	// The label lands but the merge request bounces off the API.
	f.host.mergeErr = errors.New("502 bad gateway")
	require.NoError(t, f.poller.Cycle(context.Background()))
	assert.Contains(t, f.host.labels(55), f.cfg.Labels.ChecksGreen)
	assert.Empty(t, f.host.mergeRequests)

	// Next cycle reissues the request; the PR must not stay open forever.
	f.host.mergeErr = nil
	require.NoError(t, f.poller.Cycle(context.Background()))
	assert.Equal(t, []int{8}, f.host.mergeRequests)
}

func TestCycleHoldsOnEmptyRollup(t *testing.T) {
	f := newFixture(t)
	f.host.addIssue(github.Issue{
		Number: 42, State: "open", Title: "Anything",
		Labels: []string{"orchestrate", f.cfg.Labels.InProgress, f.cfg.Labels.Draft, f.cfg.Labels.SafeLane},
	})
	f.host.addPR(github.PullRequest{
		Number: 7, State: "open", HeadRef: "ai/iss-42-anything", HeadSHA: "sha7",
	})

	require.NoError(t, f.poller.Cycle(context.Background()))

	assert.NotContains(t, f.host.labels(42), f.cfg.Labels.ChecksGreen)
	assert.Empty(t, f.host.mergeRequests)
}

func TestCycleIdempotentWithNoExternalChange(t *testing.T) {
	f := newFixture(t)
	f.host.addIssue(github.Issue{
		Number: 42, Title: "Add caching layer", State: "open",
		Labels: []string{"orchestrate", f.cfg.Labels.InProgress, f.cfg.Labels.Draft},
	})
	f.host.addPR(github.PullRequest{
		Number: 7, State: "open", HeadRef: "ai/iss-42-add-caching-layer", HeadSHA: "sha7",
	})
	f.host.setRollup("sha7", greenRollup())

	require.NoError(t, f.poller.Cycle(context.Background()))
	labelWrites := f.host.labelWrites
	commentWrites := f.host.commentWrites

	require.NoError(t, f.poller.Cycle(context.Background()))
	assert.Equal(t, labelWrites, f.host.labelWrites)
	assert.Equal(t, commentWrites, f.host.commentWrites)
}

func TestCycleMarksMergedWhenPRLeavesOpenSet(t *testing.T) {
	f := newFixture(t)
	f.host.addIssue(github.Issue{
		Number: 55, Title: "Bump dependency", State: "open",
		Labels: []string{"orchestrate", f.cfg.Labels.InProgress, f.cfg.Labels.Draft, f.cfg.Labels.ChecksGreen},
	})
	f.host.addPR(github.PullRequest{
		Number: 8, Title: "Bump dependency", State: "closed", Merged: true,
		HeadRef: "ai/iss-55-bump-dependency", HeadSHA: "sha8",
	})

	require.NoError(t, f.poller.Cycle(context.Background()))

	labels := f.host.labels(55)
	assert.Contains(t, labels, f.cfg.Labels.Merged)
	assert.Equal(t, StateAutoMerged, StateFromLabels(labels, f.cfg.Labels))
}

func TestCycleClosedUnmergedPRIsNotMarkedMerged(t *testing.T) {
	f := newFixture(t)
	f.host.addIssue(github.Issue{
		Number: 55, Title: "Bump dependency", State: "open",
		Labels: []string{"orchestrate", f.cfg.Labels.InProgress, f.cfg.Labels.Draft, f.cfg.Labels.ChecksGreen},
	})
	// A human closed the PR without merging.
	f.host.addPR(github.PullRequest{
		Number: 8, Title: "Bump dependency", State: "closed",
		HeadRef: "ai/iss-55-bump-dependency", HeadSHA: "sha8",
	})

	require.NoError(t, f.poller.Cycle(context.Background()))

	labels := f.host.labels(55)
	assert.NotContains(t, labels, f.cfg.Labels.Merged)
	assert.Equal(t, StateChecksGreen, StateFromLabels(labels, f.cfg.Labels))
}

func TestCycleStallDetection(t *testing.T) {
	f := newFixture(t)
	f.host.addIssue(github.Issue{
		Number: 128, Title: "Long task", State: "open",
		Labels: []string{"orchestrate", f.cfg.Labels.InProgress},
	})
	require.NoError(t, f.states.Save(hub.IssueState{
		Issue:       128,
		Agent:       "iss128",
		LastEventAt: f.now.Add(-45 * time.Minute).Unix(),
	}))

	// The agent stays silent this turn: no output, no changes.
	require.NoError(t, f.poller.Cycle(context.Background()))

	labels := f.host.labels(128)
	assert.Contains(t, labels, f.cfg.Labels.Stalled)

	comments, err := f.host.ListComments(context.Background(), 128)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0].Body, "silent")
	assert.Contains(t, comments[0].Body, f.cfg.Labels.Stalled)

	// Already stalled: the next cycle adds nothing and runs no turn.
	turns := f.runner.calls
	require.NoError(t, f.poller.Cycle(context.Background()))
	assert.Equal(t, turns, f.runner.calls)
	comments, _ = f.host.ListComments(context.Background(), 128)
	assert.Len(t, comments, 1)
}

func TestCycleStallNotBeforeThreshold(t *testing.T) {
	f := newFixture(t)
	f.host.addIssue(github.Issue{
		Number: 128, Title: "Long task", State: "open",
		Labels: []string{"orchestrate", f.cfg.Labels.InProgress},
	})
	// Exactly at the threshold is not yet a stall.
	require.NoError(t, f.states.Save(hub.IssueState{
		Issue:       128,
		LastEventAt: f.now.Add(-30 * time.Minute).Unix(),
	}))

	require.NoError(t, f.poller.Cycle(context.Background()))
	assert.NotContains(t, f.host.labels(128), f.cfg.Labels.Stalled)
}

func TestCycleStallClearResumesTurns(t *testing.T) {
	f := newFixture(t)
	f.host.addIssue(github.Issue{
		Number: 128, Title: "Long task", State: "open",
		Labels: []string{"orchestrate", f.cfg.Labels.InProgress, f.cfg.Labels.Stalled},
	})

	require.NoError(t, f.poller.Cycle(context.Background()))
	assert.Zero(t, f.runner.calls)

	// A human clears the stall label: the sanctioned backward edge.
	require.NoError(t, f.host.EditLabels(context.Background(), 128, nil, []string{f.cfg.Labels.Stalled}))
	f.runner.output = "back at it"

	require.NoError(t, f.poller.Cycle(context.Background()))
	assert.Equal(t, 1, f.runner.calls)
}

func TestCycleStallClearResetsIdleClock(t *testing.T) {
	f := newFixture(t)
	f.host.addIssue(github.Issue{
		Number: 128, Title: "Long task", State: "open",
		Labels: []string{"orchestrate", f.cfg.Labels.InProgress},
	})
	require.NoError(t, f.states.Save(hub.IssueState{
		Issue:       128,
		Agent:       "iss128",
		LastEventAt: f.now.Add(-45 * time.Minute).Unix(),
	}))

	require.NoError(t, f.poller.Cycle(context.Background()))
	require.Contains(t, f.host.labels(128), f.cfg.Labels.Stalled)

	// The human clears the label but the agent stays quiet on its next
	// turn. Recovery restarts the idle timer, so no immediate re-stall.
	require.NoError(t, f.host.EditLabels(context.Background(), 128, nil, []string{f.cfg.Labels.Stalled}))
	f.runner.output = ""

	require.NoError(t, f.poller.Cycle(context.Background()))
	assert.NotContains(t, f.host.labels(128), f.cfg.Labels.Stalled)

	st, ok, err := f.states.Load(128)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, st.Stalled)
	assert.Equal(t, f.now.Unix(), st.LastEventAt)
}

func TestSendRecoversStalledIssueAndBriefsAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.host.addIssue(github.Issue{
		Number: 128, Title: "Long task", State: "open",
		Labels: []string{"orchestrate", f.cfg.Labels.InProgress},
	})
	require.NoError(t, f.states.Save(hub.IssueState{
		Issue:       128,
		Agent:       "iss128",
		LastEventAt: f.now.Add(-45 * time.Minute).Unix(),
	}))
	require.NoError(t, f.registry.Spawn(ctx, "iss128", "Long task", filepath.Join(f.root, ".worktrees", "iss-128")))
	require.NoError(t, f.registry.Bind("iss128", 128, 0, 0))

	require.NoError(t, f.poller.Cycle(ctx))
	require.Contains(t, f.host.labels(128), f.cfg.Labels.Stalled)

	// The orchestrator reaches the agent: the stall label comes off, the
	// idle clock restarts, and the text rides the next turn brief.
	require.NoError(t, f.registry.Send(ctx, "iss128", "Post a progress update"))

	assert.NotContains(t, f.host.labels(128), f.cfg.Labels.Stalled)
	st, ok, err := f.states.Load(128)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, st.Stalled)
	assert.Equal(t, f.now.Unix(), st.LastEventAt)

	require.NoError(t, f.poller.Cycle(ctx))
	assert.Equal(t, 2, f.runner.calls)
	assert.Contains(t, f.runner.lastBrief, "Post a progress update")

	// Delivered once; the next brief carries no stale copy.
	require.NoError(t, f.poller.Cycle(ctx))
	assert.NotContains(t, f.runner.lastBrief, "Post a progress update")
}

func TestCycleDeliversPendingDigestInBrief(t *testing.T) {
	f := newFixture(t)
	f.host.addIssue(github.Issue{
		Number: 42, Title: "Add caching layer", State: "open",
		Labels: []string{"orchestrate", f.cfg.Labels.InProgress},
	})
	f.digest.AppendEvent(map[string]any{
		"type": "FETCH_RESULT", "id": "a1", "body": "stored agent output",
	})

	require.NoError(t, f.poller.Cycle(context.Background()))

	assert.Contains(t, f.runner.lastBrief, "Decision-ready digest:")
	assert.Contains(t, f.runner.lastBrief, "stored agent output")

	// Drained on delivery: the next brief carries no digest.
	require.NoError(t, f.poller.Cycle(context.Background()))
	assert.NotContains(t, f.runner.lastBrief, "stored agent output")
}

func TestCycleWIPCapParksExcessIssues(t *testing.T) {
	f := newFixture(t)
	f.cfg.Poller.WIPCap = 1
	f.poller.cfg = f.cfg
	f.poller.sched = hub.NewScheduler(1)

	for i := 1; i <= 4; i++ {
		f.queuedIssue(i, fmt.Sprintf("Task %d", i))
	}
	// Turns finish without opening a PR, so the admitted issue keeps its
	// slot for the whole cycle.
	f.runner.output = "still thinking"

	require.NoError(t, f.poller.Cycle(context.Background()))

	running := 0
	for i := 1; i <= 4; i++ {
		labels := f.host.labels(i)
		if StateFromLabels(labels, f.cfg.Labels) == StateTurnRunning {
			running++
		} else {
			assert.Contains(t, labels, f.cfg.Labels.Ready)
		}
	}
	assert.Equal(t, 1, running)
	assert.Equal(t, 1, f.runner.calls)
}

func TestCycleBlockedIssueStaysQueued(t *testing.T) {
	f := newFixture(t)
	blocker := f.queuedIssue(10, "Blocker")
	_ = blocker
	f.host.addIssue(github.Issue{
		Number: 11, Title: "Dependent", State: "open",
		Body:   "Blocked by: #10",
		Labels: []string{"orchestrate", f.cfg.Labels.Ready},
	})
	f.runner.output = "work"

	require.NoError(t, f.poller.Cycle(context.Background()))

	// Issue 10 started, issue 11 stayed queued behind it.
	assert.Contains(t, f.host.labels(10), f.cfg.Labels.InProgress)
	assert.Contains(t, f.host.labels(11), f.cfg.Labels.Ready)

	// Closing the blocker releases the dependent.
	f.host.mu.Lock()
	f.host.issues[10].State = "closed"
	f.host.mu.Unlock()

	require.NoError(t, f.poller.Cycle(context.Background()))
	assert.Contains(t, f.host.labels(11), f.cfg.Labels.InProgress)
}

func TestCycleAgentFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.queuedIssue(42, "Add caching layer")
	f.runner.fail = true

	require.NoError(t, f.poller.Cycle(context.Background()))

	// Turn failed, no PR, but the cycle completed and the item is running.
	assert.Contains(t, f.host.labels(42), f.cfg.Labels.InProgress)
	prs, _ := f.host.ListOpenPRs(context.Background())
	assert.Empty(t, prs)
}

func TestCycleTerminalIssuesUntouched(t *testing.T) {
	f := newFixture(t)
	f.host.addIssue(github.Issue{
		Number: 42, Title: "Done", State: "open",
		Labels: []string{"orchestrate", f.cfg.Labels.ReadyHuman},
	})

	require.NoError(t, f.poller.Cycle(context.Background()))
	assert.Zero(t, f.runner.calls)
	assert.Zero(t, f.host.labelWrites)
}

func TestStatusCommentCreatedOnStart(t *testing.T) {
	f := newFixture(t)
	f.queuedIssue(42, "Add caching layer")
	f.runner.output = "starting"

	require.NoError(t, f.poller.Cycle(context.Background()))

	comments, err := f.host.ListComments(context.Background(), 42)
	require.NoError(t, err)
	require.NotEmpty(t, comments)
	assert.Contains(t, comments[0].Body, "<!-- orch:status -->")

	// The comment id is remembered for reuse.
	st, ok, err := f.states.Load(42)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, comments[0].ID, st.StatusCommentID)
}
