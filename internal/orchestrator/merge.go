package orchestrator

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/orchd/internal/github"
)

// Decision is the merge engine's verdict for one PR evaluation.
type Decision string

const (
	// DecisionHold means checks are absent or not fully successful.
	DecisionHold Decision = "hold"
	// DecisionPromote means checks are green but the issue lacks the
	// safe-lane label; relabel for human attention, no merge action.
	DecisionPromote Decision = "promote"
	// DecisionAutoMerge means checks are green and the issue carries the
	// safe-lane label; request a squash merge.
	DecisionAutoMerge Decision = "auto_merge"
)

// Evaluate applies the promotion policy to a fresh check rollup. An empty
// rollup holds: auto-merging before any check reports would bypass the
// entire point of required checks.
func Evaluate(rollup github.CheckRollup, safeLane bool) Decision {
	if !rollup.AllSuccess() {
		return DecisionHold
	}
	if safeLane {
		return DecisionAutoMerge
	}
	return DecisionPromote
}

// MergeEngine turns decisions into label writes and merge requests.
// Idempotence rides on the checks-green label for label writes, and on the
// PR's merged state for the merge request itself.
type MergeEngine struct {
	host   github.Host
	labels labelSet
}

type labelSet struct {
	ChecksGreen string
	ReadyHuman  string
	SafeLane    string
}

func NewMergeEngine(host github.Host, checksGreen, readyHuman, safeLane string) *MergeEngine {
	return &MergeEngine{host: host, labels: labelSet{
		ChecksGreen: checksGreen,
		ReadyHuman:  readyHuman,
		SafeLane:    safeLane,
	}}
}

// Apply evaluates pr against its linked issue and applies the decision.
// The issue's labels must be freshly read by the caller.
func (m *MergeEngine) Apply(ctx context.Context, pr github.PullRequest, issue github.Issue, rollup github.CheckRollup) (Decision, error) {
	decision := Evaluate(rollup, issue.HasLabel(m.labels.SafeLane))
	if decision == DecisionHold {
		return decision, nil
	}

	// Decided on a previous cycle. A safe-lane PR that is still open and
	// unmerged means the merge request itself never landed (transient API
	// failure, or a crash between the label write and the request), so it
	// is reissued. Promote writes only labels; nothing to retry.
	if issue.HasLabel(m.labels.ChecksGreen) {
		if decision == DecisionAutoMerge && !pr.Merged {
			return decision, m.requestMerge(ctx, pr)
		}
		return decision, nil
	}

	switch decision {
	case DecisionPromote:
		if err := m.host.EditLabels(ctx, issue.Number, []string{m.labels.ChecksGreen, m.labels.ReadyHuman}, nil); err != nil {
			return decision, fmt.Errorf("promote issue #%d: %w", issue.Number, err)
		}
	case DecisionAutoMerge:
		if err := m.host.EditLabels(ctx, issue.Number, []string{m.labels.ChecksGreen}, nil); err != nil {
			return decision, fmt.Errorf("mark checks green on issue #%d: %w", issue.Number, err)
		}
		if err := m.requestMerge(ctx, pr); err != nil {
			return decision, err
		}
	}
	return decision, nil
}

func (m *MergeEngine) requestMerge(ctx context.Context, pr github.PullRequest) error {
	title := fmt.Sprintf("%s (#%d)", pr.Title, pr.Number)
	if err := m.host.RequestSquashMerge(ctx, pr.Number, title); err != nil {
		return fmt.Errorf("request squash merge for PR #%d: %w", pr.Number, err)
	}
	return nil
}
