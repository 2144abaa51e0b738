// Package github is the repository-host boundary for orchd.
//
// The orchestration core never talks to the GitHub API directly; it consumes
// the narrow Host interface so the reconciliation logic stays testable
// without a live repository. Label and check state is always read fresh,
// never cached across poll cycles.
package github

import (
	"context"
)

// Issue is a tracked unit of requested work in the host repository.
type Issue struct {
	Number int
	Title  string
	State  string
	URL    string
	Body   string
	Labels []string
}

// HasLabel reports whether the issue currently carries the given label.
func (i Issue) HasLabel(label string) bool {
	for _, l := range i.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// PullRequest is a proposed branch merge tracked against an issue.
type PullRequest struct {
	Number  int
	Title   string
	State   string
	URL     string
	Body    string
	HeadRef string
	HeadSHA string
	BaseRef string
	Draft   bool
	Merged  bool
}

// Comment is an issue or PR comment.
type Comment struct {
	ID   int64
	Body string
}

// Check is one required-check conclusion on a commit.
type Check struct {
	Name       string
	Status     string // queued, in_progress, completed
	Conclusion string // success, failure, neutral, cancelled, ...
}

// CheckRollup is a point-in-time snapshot of a PR's check conclusions.
// It must be fetched fresh on every evaluation; conclusions change
// asynchronously outside this system's control.
type CheckRollup struct {
	Checks []Check
}

// Empty reports whether no checks have been reported yet.
func (r CheckRollup) Empty() bool {
	return len(r.Checks) == 0
}

// AllSuccess reports whether at least one check exists and every check has
// completed with a success conclusion.
func (r CheckRollup) AllSuccess() bool {
	if r.Empty() {
		return false
	}
	for _, c := range r.Checks {
		if c.Status != "completed" || c.Conclusion != "success" {
			return false
		}
	}
	return true
}

// Host is the repository-host boundary consumed by the orchestration core.
type Host interface {
	// ListTrackedIssues returns open issues carrying the tracking label.
	ListTrackedIssues(ctx context.Context) ([]Issue, error)

	// GetIssue fetches a single issue with its current label set.
	GetIssue(ctx context.Context, number int) (Issue, error)

	// EditLabels adds and removes labels on an issue in one logical step.
	// Removing an absent label is not an error.
	EditLabels(ctx context.Context, number int, add, remove []string) error

	// CreateComment posts a comment on an issue or PR.
	CreateComment(ctx context.Context, number int, body string) (Comment, error)

	// ListComments returns the comments on an issue, oldest first.
	ListComments(ctx context.Context, number int) ([]Comment, error)

	// UpdateComment replaces the body of an existing comment.
	UpdateComment(ctx context.Context, commentID int64, body string) error

	// ListOpenPRs returns all open pull requests.
	ListOpenPRs(ctx context.Context) ([]PullRequest, error)

	// PullRequestForBranch returns the newest pull request, in any state,
	// whose head is the given branch. ok is false when no pull request has
	// ever referenced the branch.
	PullRequestForBranch(ctx context.Context, branch string) (pr PullRequest, ok bool, err error)

	// CreateDraftPR opens a draft pull request for head onto base.
	CreateDraftPR(ctx context.Context, head, base, title, body string) (PullRequest, error)

	// CheckRollup fetches the live check conclusions for a commit.
	CheckRollup(ctx context.Context, headSHA string) (CheckRollup, error)

	// RequestSquashMerge requests a squash merge for the PR. The request
	// defers to branch protection; it never bypasses required checks.
	RequestSquashMerge(ctx context.Context, number int, commitTitle string) error
}
