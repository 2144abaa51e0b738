package orchestrator

import (
	"context"

	"github.com/fyrsmithlabs/orchd/internal/github"
)

// WorkItem is one unit of work bound to exactly one issue. Branch and
// worktree names are deterministic functions of the issue number, so a
// restarted daemon rebuilds the same item from labels alone.
type WorkItem struct {
	Issue    int
	Title    string
	Branch   string
	Worktree string
	State    State
	PR       int
	SafeLane bool
}

// TurnResult is the outcome of one agent turn.
type TurnResult struct {
	// Changed reports whether the working copy has uncommitted changes
	// after the turn.
	Changed bool
	// OK is false when the agent process exited non-zero. Not fatal; the
	// cycle continues.
	OK bool
	// Output is the agent's final text, scanned for control blocks.
	Output string
}

// TurnRunner invokes the opaque coding-agent process for one turn.
type TurnRunner interface {
	RunTurn(ctx context.Context, issue github.Issue, workdir, brief string) (TurnResult, error)
}
