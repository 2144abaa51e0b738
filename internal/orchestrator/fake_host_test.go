package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/orchd/internal/github"
)

// fakeHost is an in-memory repository host. It counts writes so tests can
// assert idempotence across cycles.
type fakeHost struct {
	mu sync.Mutex

	issues   map[int]*github.Issue
	prs      map[int]*github.PullRequest
	comments map[int][]github.Comment
	rollups  map[string]github.CheckRollup

	nextPR        int
	nextCommentID int64

	labelWrites   int
	commentWrites int
	mergeRequests []int
	mergeErr      error
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		issues:   map[int]*github.Issue{},
		prs:      map[int]*github.PullRequest{},
		comments: map[int][]github.Comment{},
		rollups:  map[string]github.CheckRollup{},
		nextPR:   1,
	}
}

func (f *fakeHost) addIssue(issue github.Issue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := issue
	f.issues[issue.Number] = &copied
}

func (f *fakeHost) addPR(pr github.PullRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := pr
	f.prs[pr.Number] = &copied
	if pr.Number >= f.nextPR {
		f.nextPR = pr.Number + 1
	}
}

func (f *fakeHost) setRollup(sha string, rollup github.CheckRollup) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollups[sha] = rollup
}

func (f *fakeHost) labels(issue int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.issues[issue].Labels...)
}

func (f *fakeHost) ListTrackedIssues(context.Context) ([]github.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []github.Issue
	for _, issue := range f.issues {
		if issue.State == "open" && issue.HasLabel("orchestrate") {
			out = append(out, *issue)
		}
	}
	return out, nil
}

func (f *fakeHost) GetIssue(_ context.Context, number int) (github.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[number]
	if !ok {
		return github.Issue{}, fmt.Errorf("issue #%d not found", number)
	}
	return *issue, nil
}

func (f *fakeHost) EditLabels(_ context.Context, number int, add, remove []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[number]
	if !ok {
		return fmt.Errorf("issue #%d not found", number)
	}
	f.labelWrites++
	for _, label := range add {
		if !issue.HasLabel(label) {
			issue.Labels = append(issue.Labels, label)
		}
	}
	for _, label := range remove {
		kept := issue.Labels[:0]
		for _, l := range issue.Labels {
			if l != label {
				kept = append(kept, l)
			}
		}
		issue.Labels = kept
	}
	return nil
}

func (f *fakeHost) CreateComment(_ context.Context, number int, body string) (github.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commentWrites++
	f.nextCommentID++
	c := github.Comment{ID: f.nextCommentID, Body: body}
	f.comments[number] = append(f.comments[number], c)
	return c, nil
}

func (f *fakeHost) ListComments(_ context.Context, number int) ([]github.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]github.Comment(nil), f.comments[number]...), nil
}

func (f *fakeHost) UpdateComment(_ context.Context, commentID int64, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for number, list := range f.comments {
		for i, c := range list {
			if c.ID == commentID {
				f.comments[number][i].Body = body
				return nil
			}
		}
	}
	return fmt.Errorf("comment %d not found", commentID)
}

func (f *fakeHost) ListOpenPRs(context.Context) ([]github.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []github.PullRequest
	for _, pr := range f.prs {
		if pr.State == "open" {
			out = append(out, *pr)
		}
	}
	return out, nil
}

func (f *fakeHost) CreateDraftPR(_ context.Context, head, base, title, body string) (github.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr := github.PullRequest{
		Number:  f.nextPR,
		Title:   title,
		State:   "open",
		Body:    body,
		HeadRef: head,
		HeadSHA: fmt.Sprintf("sha-%s", head),
		BaseRef: base,
		Draft:   true,
	}
	f.nextPR++
	f.prs[pr.Number] = &pr
	return pr, nil
}

func (f *fakeHost) PullRequestForBranch(_ context.Context, branch string) (github.PullRequest, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var found *github.PullRequest
	for _, pr := range f.prs {
		if pr.HeadRef == branch && (found == nil || pr.Number > found.Number) {
			found = pr
		}
	}
	if found == nil {
		return github.PullRequest{}, false, nil
	}
	return *found, true, nil
}

func (f *fakeHost) CheckRollup(_ context.Context, headSHA string) (github.CheckRollup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rollups[headSHA], nil
}

func (f *fakeHost) RequestSquashMerge(_ context.Context, number int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mergeErr != nil {
		return f.mergeErr
	}
	f.mergeRequests = append(f.mergeRequests, number)
	// An accepted squash request merges and closes the PR.
	if pr, ok := f.prs[number]; ok {
		pr.State = "closed"
		pr.Merged = true
	}
	return nil
}
