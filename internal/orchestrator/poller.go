package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/orchd/internal/artifact"
	"github.com/fyrsmithlabs/orchd/internal/config"
	"github.com/fyrsmithlabs/orchd/internal/control"
	"github.com/fyrsmithlabs/orchd/internal/github"
	httpapi "github.com/fyrsmithlabs/orchd/internal/http"
	"github.com/fyrsmithlabs/orchd/internal/hub"
	"github.com/fyrsmithlabs/orchd/internal/logging"
	"github.com/fyrsmithlabs/orchd/internal/worktree"
)

// Poller is the top-level driver. Each cycle it re-reads repository state,
// reconciles every tracked issue and open PR against the label state
// machine, and sweeps for stalled agents. It holds no lifecycle position in
// memory between cycles; a crash at any point resumes cleanly from labels.
type Poller struct {
	cfg      config.Config
	host     github.Host
	trees    *worktree.Manager
	runner   TurnRunner
	registry *hub.Hub
	sched    *hub.Scheduler
	states   *hub.StateStore
	engine   *control.Engine
	merge    *MergeEngine
	store    *artifact.Store
	digest   *hub.Digest
	events   *hub.EventLog
	watchdog *hub.Watchdog
	status   *StatusPublisher
	mailbox  *hub.Mailbox
	clock    func() time.Time
	log      *logging.Logger

	viewMu sync.Mutex
	views  []httpapi.ItemView
}

// Deps bundles the collaborators a Poller drives.
type Deps struct {
	Host      github.Host
	Trees     *worktree.Manager
	Runner    TurnRunner
	Registry  *hub.Hub
	Scheduler *hub.Scheduler
	States    *hub.StateStore
	Engine    *control.Engine
	Merge     *MergeEngine
	Artifacts *artifact.Store
	Digest    *hub.Digest
	Events    *hub.EventLog
	Watchdog  *hub.Watchdog
	Status    *StatusPublisher
	Mailbox   *hub.Mailbox
}

func NewPoller(cfg config.Config, deps Deps, log *logging.Logger) *Poller {
	if log == nil {
		log = logging.NewNop()
	}
	return &Poller{
		cfg:      cfg,
		host:     deps.Host,
		trees:    deps.Trees,
		runner:   deps.Runner,
		registry: deps.Registry,
		sched:    deps.Scheduler,
		states:   deps.States,
		engine:   deps.Engine,
		merge:    deps.Merge,
		store:    deps.Artifacts,
		digest:   deps.Digest,
		events:   deps.Events,
		watchdog: deps.Watchdog,
		status:   deps.Status,
		mailbox:  deps.Mailbox,
		clock:    time.Now,
		log:      log.Named("poller"),
	}
}

// Run executes cycles on the configured interval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	interval := p.cfg.Poller.Interval.Duration()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		start := p.clock()
		if err := p.Cycle(ctx); err != nil {
			CyclesTotal.WithLabelValues("error").Inc()
			p.log.Error(ctx, "poll cycle failed", zap.Error(err))
		} else {
			CyclesTotal.WithLabelValues("success").Inc()
		}
		CycleDuration.Observe(p.clock().Sub(start).Seconds())

		if p.watchdog != nil {
			p.applySweep(ctx, p.watchdog.Sweep(ctx, p.clock()))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cycle runs one reconciliation pass. Per-item failures are logged and
// isolated; only a failure to enumerate repository state fails the cycle.
func (p *Poller) Cycle(ctx context.Context) error {
	issues, err := p.host.ListTrackedIssues(ctx)
	if err != nil {
		return fmt.Errorf("list tracked issues: %w", err)
	}
	prs, err := p.host.ListOpenPRs(ctx)
	if err != nil {
		return fmt.Errorf("list open pull requests: %w", err)
	}

	prByIssue := map[int]github.PullRequest{}
	for _, pr := range prs {
		if issue, ok := worktree.IssueFromBranch(pr.HeadRef); ok {
			prByIssue[issue] = pr
		}
	}
	openSet := map[int]struct{}{}
	for _, issue := range issues {
		openSet[issue.Number] = struct{}{}
	}

	// Turn execution is parallel across isolated worktrees up to the WIP
	// cap. Label writes stay per-issue inside each goroutine, so no two
	// writers race on the same issue.
	limit := p.cfg.Poller.WIPCap
	if limit <= 0 {
		limit = len(issues) + 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, issue := range issues {
		issue := issue
		pr, hasPR := prByIssue[issue.Number]
		g.Go(func() error {
			var prRef *github.PullRequest
			if hasPR {
				prRef = &pr
			}
			if err := p.reconcileIssue(gctx, issue, prRef, openSet); err != nil {
				p.log.Error(gctx, "issue reconciliation failed",
					zap.Int("issue", issue.Number), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, pr := range prs {
		issueNum, ok := worktree.IssueFromBranch(pr.HeadRef)
		if !ok {
			continue
		}
		if err := p.reconcilePR(ctx, pr, issueNum); err != nil {
			p.log.Error(ctx, "pull request reconciliation failed",
				zap.Int("pr", pr.Number), zap.Error(err))
		}
	}

	p.sweepStalls(ctx, issues)
	p.updateViews(issues, prByIssue)
	RunningItems.Set(float64(p.sched.Running()))
	return nil
}

func (p *Poller) reconcileIssue(ctx context.Context, issue github.Issue, pr *github.PullRequest, openSet map[int]struct{}) error {
	ctx = logging.WithIssue(ctx, issue.Number)
	state := StateFromLabels(issue.Labels, p.cfg.Labels)

	switch state {
	case StateAutoMerged, StatePromoted:
		p.sched.Release(issue.Number)
		return nil

	case StateStalled:
		// Recovery is explicit: a human removes the stall label or the
		// orchestrator sends to the agent. No turn starts here.
		return nil

	case StateChecksGreen:
		// The PR left the open set. Confirm it actually merged before
		// recording completion; a PR closed without merging needs a human,
		// not a terminal label.
		if pr == nil {
			branch := worktree.BranchName(issue.Number, issue.Title)
			closed, ok, err := p.host.PullRequestForBranch(ctx, branch)
			if err != nil {
				return fmt.Errorf("resolve pull request for %s: %w", branch, err)
			}
			if !ok || !closed.Merged {
				p.log.Warn(ctx, "checks-green PR closed without merging",
					zap.Int("issue", issue.Number), zap.String("branch", branch))
				return nil
			}
			if err := p.host.EditLabels(ctx, issue.Number, []string{p.cfg.Labels.Merged}, nil); err != nil {
				return err
			}
			TransitionsTotal.WithLabelValues(string(StateAutoMerged)).Inc()
			p.sched.Release(issue.Number)
			_ = p.states.Delete(issue.Number)
		}
		return nil

	case StateNone:
		return nil

	case StateQueued:
		if p.blocked(ctx, issue, openSet) {
			return nil
		}
		if !p.sched.TryAdmit(issue.Number) {
			p.log.Debug(ctx, "WIP cap reached, issue stays queued")
			return nil
		}
		return p.startWork(ctx, issue, pr)

	case StateTurnRunning, StatePRDraft:
		p.clearStallRecovery(ctx, issue.Number)
		if !p.sched.TryAdmit(issue.Number) {
			return nil
		}
		if state == StatePRDraft && pr == nil {
			// Draft label present but the PR is gone (closed by a human).
			// Keep polling; a new turn may reopen one.
			return p.runTurn(ctx, issue, nil)
		}
		if state == StatePRDraft {
			// Turn work is done; the slot belongs to checks now.
			p.sched.Release(issue.Number)
			return nil
		}
		return p.runTurn(ctx, issue, pr)
	}
	return nil
}

// startWork takes a queued issue through worktree creation and its first
// turn. The ready label is swapped for in-progress before the turn so a
// crash mid-turn resumes as TURN_RUNNING, never double-queues.
func (p *Poller) startWork(ctx context.Context, issue github.Issue, pr *github.PullRequest) error {
	if _, err := p.trees.Ensure(ctx, issue.Number, issue.Title); err != nil {
		p.sched.Release(issue.Number)
		return fmt.Errorf("ensure worktree: %w", err)
	}

	if err := p.host.EditLabels(ctx, issue.Number,
		[]string{p.cfg.Labels.InProgress}, []string{p.cfg.Labels.Ready}); err != nil {
		p.sched.Release(issue.Number)
		return fmt.Errorf("mark in progress: %w", err)
	}
	TransitionsTotal.WithLabelValues(string(StateTurnRunning)).Inc()

	now := p.clock().Unix()
	sla := SLAFromLabels(issue.Labels)
	st := hub.IssueState{
		Issue:       issue.Number,
		Agent:       fmt.Sprintf("iss%d", issue.Number),
		Branch:      worktree.BranchName(issue.Number, issue.Title),
		Worktree:    p.trees.PathFor(issue.Number),
		StartedAt:   now,
		LastEventAt: now,
	}
	if err := p.states.Save(st); err != nil {
		p.log.Warn(ctx, "heartbeat state save failed", zap.Error(err))
	}
	if p.registry != nil {
		if err := p.registry.Spawn(ctx, st.Agent, issue.Title, st.Worktree); err != nil {
			p.log.Warn(ctx, "agent registration failed", zap.Error(err))
		} else if err := p.registry.Bind(st.Agent, issue.Number, sla.Checkin, sla.Budget); err != nil {
			p.log.Warn(ctx, "agent bind failed", zap.Error(err))
		}
	}
	if p.status != nil {
		if _, err := p.status.Ensure(ctx, issue.Number); err != nil {
			p.log.Warn(ctx, "status comment setup failed", zap.Error(err))
		}
	}

	return p.runTurn(ctx, issue, pr)
}

// runTurn executes one agent turn in the issue's worktree, commits and
// pushes any resulting changes, and opens a draft PR on the first change.
func (p *Poller) runTurn(ctx context.Context, issue github.Issue, pr *github.PullRequest) error {
	path, err := p.trees.Ensure(ctx, issue.Number, issue.Title)
	if err != nil {
		return fmt.Errorf("ensure worktree: %w", err)
	}

	brief := p.composeBrief(issue)
	res, err := p.runner.RunTurn(ctx, issue, path, brief)
	if err != nil {
		// A failed agent process is "no changes produced", not a crash.
		TurnsTotal.WithLabelValues("failed").Inc()
		p.log.Warn(ctx, "agent turn failed", zap.Error(err))
		res = TurnResult{}
	} else if res.Changed {
		TurnsTotal.WithLabelValues("changed").Inc()
	} else {
		TurnsTotal.WithLabelValues("unchanged").Inc()
	}

	// Activity means observed output or filesystem changes. A silent,
	// unchanged turn refreshes nothing, so the stall sweep still sees the
	// agent's true idle time.
	if res.OK && (res.Changed || res.Output != "") {
		p.recordActivity(ctx, issue.Number, res.Output)
	}

	if res.Output != "" && p.engine != nil {
		for _, outcome := range p.engine.Apply(ctx, res.Output) {
			p.mirror(ctx, issue.Number, outcome)
		}
	}

	if !res.Changed {
		return nil
	}

	committed, err := p.trees.CommitAll(path, fmt.Sprintf("orchd: apply agent changes for issue #%d", issue.Number))
	if err != nil {
		return fmt.Errorf("commit agent changes: %w", err)
	}
	if !committed {
		return nil
	}
	if err := p.trees.Push(ctx, path); err != nil {
		return fmt.Errorf("push branch: %w", err)
	}

	if pr == nil {
		branch := worktree.BranchName(issue.Number, issue.Title)
		title := fmt.Sprintf("%s (#%d)", issue.Title, issue.Number)
		body := fmt.Sprintf("Closes #%d\n\nOpened by orchd from branch `%s`.", issue.Number, branch)
		created, err := p.host.CreateDraftPR(ctx, branch, p.cfg.GitHub.BaseBranch, title, body)
		if err != nil {
			return fmt.Errorf("open draft PR: %w", err)
		}
		if err := p.host.EditLabels(ctx, issue.Number, []string{p.cfg.Labels.Draft}, nil); err != nil {
			return fmt.Errorf("mark pr draft: %w", err)
		}
		TransitionsTotal.WithLabelValues(string(StatePRDraft)).Inc()
		p.record(issue.Number, "pr_opened", map[string]any{"pr": created.Number, "branch": branch})
		p.sched.Release(issue.Number)
		pr = &created
	}
	p.refreshStatus(ctx, issue, pr, StatePRDraft)
	return nil
}

// composeBrief renders the turn brief: the charter, then any orchestrator
// messages queued for the agent since its last turn, then the pending digest
// with its fetch bodies. The queue and the digest drain on read.
func (p *Poller) composeBrief(issue github.Issue) string {
	brief := FormatBrief(issue, ParseCharter(issue.Body))
	if p.mailbox != nil {
		if msgs := p.mailbox.Drain(p.agentFor(issue.Number)); len(msgs) > 0 {
			var b strings.Builder
			b.WriteString(brief)
			b.WriteString("\n\nMessages from the orchestrator:")
			for _, msg := range msgs {
				b.WriteString("\n- ")
				b.WriteString(msg)
			}
			brief = b.String()
		}
	}
	if p.digest != nil && p.registry != nil && p.digest.Pending() {
		brief += "\n\n" + p.digest.Build(p.registry.Get)
	}
	return brief
}

func (p *Poller) agentFor(issueNum int) string {
	if st, ok, err := p.states.Load(issueNum); err == nil && ok && st.Agent != "" {
		return st.Agent
	}
	return fmt.Sprintf("iss%d", issueNum)
}

// RecoverIssue clears the stall label and restarts the idle clock after the
// orchestrator reaches the issue's agent again. Safe to call for issues that
// are not stalled. Wired as the registry's recovery callback.
func (p *Poller) RecoverIssue(ctx context.Context, issueNum int) {
	issue, err := p.host.GetIssue(ctx, issueNum)
	if err == nil && issue.HasLabel(p.cfg.Labels.Stalled) {
		if err := p.host.EditLabels(ctx, issueNum, nil, []string{p.cfg.Labels.Stalled}); err != nil {
			p.log.Error(ctx, "stall label removal failed", zap.Int("issue", issueNum), zap.Error(err))
			return
		}
		p.record(issueNum, "stall_cleared", map[string]any{"via": "send"})
	}
	st, ok, err := p.states.Load(issueNum)
	if err != nil || !ok {
		return
	}
	st.Stalled = false
	st.LastEventAt = p.clock().Unix()
	if err := p.states.Save(st); err != nil {
		p.log.Warn(ctx, "heartbeat state save failed", zap.Error(err))
	}
}

// refreshStatus rewrites the issue's sticky status comment. Called only when
// something observable happened this cycle, so quiet items cost no writes.
func (p *Poller) refreshStatus(ctx context.Context, issue github.Issue, pr *github.PullRequest, state State) {
	if p.status == nil {
		return
	}
	item := WorkItem{
		Issue:    issue.Number,
		Title:    issue.Title,
		Branch:   worktree.BranchName(issue.Number, issue.Title),
		Worktree: p.trees.PathFor(issue.Number),
		State:    state,
		SafeLane: issue.HasLabel(p.cfg.Labels.SafeLane),
	}
	if pr != nil {
		item.PR = pr.Number
	}
	var agent *hub.Agent
	if p.registry != nil {
		if a, ok := p.registry.ByIssue(issue.Number); ok {
			agent = &a
		}
	}
	if err := p.status.Update(ctx, issue.Number, item, agent, p.clock()); err != nil {
		p.log.Warn(ctx, "status comment update failed", zap.Error(err))
	}
}

func (p *Poller) reconcilePR(ctx context.Context, pr github.PullRequest, issueNum int) error {
	issue, err := p.host.GetIssue(ctx, issueNum)
	if err != nil {
		return fmt.Errorf("get issue #%d: %w", issueNum, err)
	}
	state := StateFromLabels(issue.Labels, p.cfg.Labels)
	if state.Terminal() {
		return nil
	}

	rollup, err := p.host.CheckRollup(ctx, pr.HeadSHA)
	if err != nil {
		return fmt.Errorf("check rollup for PR #%d: %w", pr.Number, err)
	}

	decision, err := p.merge.Apply(ctx, pr, issue, rollup)
	MergeDecisions.WithLabelValues(string(decision)).Inc()
	if err != nil {
		return err
	}
	if decision != DecisionHold && state != StateChecksGreen {
		TransitionsTotal.WithLabelValues(string(StateChecksGreen)).Inc()
		p.record(issueNum, "merge_decision", map[string]any{"pr": pr.Number, "decision": string(decision)})
	}
	return nil
}

// sweepStalls detects agents whose silence strictly exceeds the stall
// threshold and applies the stall label with one triage comment. The label
// presence is the idempotence guard; re-observing a stalled item writes
// nothing.
func (p *Poller) sweepStalls(ctx context.Context, issues []github.Issue) {
	threshold := p.cfg.Poller.StallThreshold.Duration()
	if threshold <= 0 {
		return
	}
	now := p.clock()
	for _, issue := range issues {
		state := StateFromLabels(issue.Labels, p.cfg.Labels)
		if state != StateTurnRunning {
			continue
		}
		st, ok, err := p.states.Load(issue.Number)
		if err != nil || !ok || st.LastEventAt == 0 {
			continue
		}
		idle := now.Sub(time.Unix(st.LastEventAt, 0))
		if idle <= threshold {
			continue
		}

		if err := p.host.EditLabels(ctx, issue.Number, []string{p.cfg.Labels.Stalled}, nil); err != nil {
			p.log.Error(ctx, "stall label failed", zap.Int("issue", issue.Number), zap.Error(err))
			continue
		}
		triage := fmt.Sprintf("orchd: agent for this issue has been silent for %s (threshold %s). "+
			"Remove the `%s` label to resume, or close the agent and requeue.",
			idle.Round(time.Minute), threshold, p.cfg.Labels.Stalled)
		if _, err := p.host.CreateComment(ctx, issue.Number, triage); err != nil {
			p.log.Error(ctx, "triage comment failed", zap.Int("issue", issue.Number), zap.Error(err))
		}
		st.Stalled = true
		if err := p.states.Save(st); err != nil {
			p.log.Warn(ctx, "heartbeat state save failed", zap.Error(err))
		}
		StallsTotal.Inc()
		TransitionsTotal.WithLabelValues(string(StateStalled)).Inc()
		p.record(issue.Number, "stalled", map[string]any{"idle_seconds": int(idle.Seconds())})
		// Triage already notified; only refresh a status comment that exists.
		if st.StatusCommentID != 0 {
			p.refreshStatus(ctx, issue, nil, StateStalled)
		}
	}
}

// applySweep maps watchdog decisions about live agents onto issue labels.
func (p *Poller) applySweep(ctx context.Context, actions []hub.SweepAction) {
	for _, action := range actions {
		if action.Issue == 0 {
			continue
		}
		switch action.Kind {
		case hub.SweepStalled:
			issue, err := p.host.GetIssue(ctx, action.Issue)
			if err != nil || issue.HasLabel(p.cfg.Labels.Stalled) {
				continue
			}
			if err := p.host.EditLabels(ctx, action.Issue, []string{p.cfg.Labels.Stalled}, nil); err != nil {
				p.log.Error(ctx, "stall label failed", zap.Int("issue", action.Issue), zap.Error(err))
				continue
			}
			if st, ok, err := p.states.Load(action.Issue); err == nil && ok {
				st.Stalled = true
				_ = p.states.Save(st)
			}
		case hub.SweepClosed:
			p.sched.Release(action.Issue)
		}
	}
}

// blocked reports whether any referenced blocker issue is still open.
func (p *Poller) blocked(ctx context.Context, issue github.Issue, openSet map[int]struct{}) bool {
	for _, blocker := range ParseBlockers(issue.Body, issue.Labels) {
		if _, open := openSet[blocker]; open {
			return true
		}
		other, err := p.host.GetIssue(ctx, blocker)
		if err != nil {
			// Unknown blocker state holds the issue back; next cycle retries.
			return true
		}
		if other.State != "closed" {
			return true
		}
	}
	return false
}

// clearStallRecovery resets the heartbeat clock when a previously stalled
// issue is seen running again. The stall label is the source of truth, so
// its removal is the recovery event and the idle timer restarts from it.
func (p *Poller) clearStallRecovery(ctx context.Context, issueNum int) {
	st, ok, err := p.states.Load(issueNum)
	if err != nil || !ok || !st.Stalled {
		return
	}
	st.Stalled = false
	st.LastEventAt = p.clock().Unix()
	if err := p.states.Save(st); err != nil {
		p.log.Warn(ctx, "heartbeat state save failed", zap.Error(err))
	}
	p.record(issueNum, "stall_cleared", nil)
}

// recordActivity refreshes heartbeat state after observed agent output and
// stores the output as an artifact.
func (p *Poller) recordActivity(ctx context.Context, issueNum int, output string) {
	st, ok, err := p.states.Load(issueNum)
	if err != nil || !ok {
		st = hub.IssueState{Issue: issueNum}
	}
	st.LastEventAt = p.clock().Unix()
	if err := p.states.Save(st); err != nil {
		p.log.Warn(ctx, "heartbeat state save failed", zap.Error(err))
	}

	artifactID := ""
	if output != "" && p.store != nil {
		if id, err := p.store.StoreText("agent_message", output, map[string]string{"issue": fmt.Sprint(issueNum)}); err == nil {
			artifactID = id
		}
	}
	if p.registry != nil && st.Agent != "" {
		p.registry.Heartbeat(st.Agent, output, artifactID)
	}
}

func (p *Poller) mirror(ctx context.Context, issueNum int, outcome control.Outcome) {
	p.record(issueNum, "control_outcome", map[string]any{
		"kind":   string(outcome.Block.Kind),
		"ok":     outcome.OK,
		"mirror": outcome.Mirror,
	})
	if outcome.Fetch != nil && p.digest != nil {
		ev := map[string]any{"type": outcome.Fetch.Type, "id": outcome.Fetch.ArtifactID}
		if outcome.Fetch.Error != "" {
			ev["error"] = outcome.Fetch.Error
		} else {
			ev["chars"] = outcome.Fetch.Chars
			ev["total"] = outcome.Fetch.Total
			ev["body"] = outcome.Fetch.Body
		}
		p.digest.AppendEvent(ev)
	}
	if outcome.Denied != nil {
		p.log.Info(ctx, "control block denied", zap.Int("issue", issueNum), zap.String("mirror", outcome.Mirror))
	}
}

func (p *Poller) record(issueNum int, eventType string, payload map[string]any) {
	if p.events == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["issue"] = issueNum
	p.events.Append(hub.Event{Who: "poller", Type: eventType, Payload: payload})
}
