package orchestrator

import "github.com/fyrsmithlabs/orchd/internal/config"

// State is a work item's lifecycle position.
type State string

const (
	// StateNone means the issue is tracked but carries no lifecycle label.
	StateNone State = "none"

	StateQueued        State = "queued"
	StateTurnRunning   State = "turn_running"
	StatePRDraft       State = "pr_draft"
	StateChecksPending State = "checks_pending"
	StateChecksGreen   State = "checks_green"
	StateStalled       State = "stalled"
	StatePromoted      State = "promoted"
	StateAutoMerged    State = "auto_merged"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StatePromoted || s == StateAutoMerged
}

// StateFromLabels derives lifecycle position from an issue's current label
// set. Later lifecycle positions win when multiple markers are present, so a
// crashed poll that applied only part of a transition still resolves to the
// furthest position reached. CHECKS_PENDING never appears here: it is
// derived at evaluation time from an open PR with an incomplete rollup.
func StateFromLabels(labels []string, cfg config.LabelsConfig) State {
	has := func(want string) bool {
		for _, l := range labels {
			if l == want {
				return true
			}
		}
		return false
	}

	switch {
	case has(cfg.Merged):
		return StateAutoMerged
	case has(cfg.ReadyHuman):
		return StatePromoted
	case has(cfg.ChecksGreen):
		return StateChecksGreen
	case has(cfg.Stalled):
		return StateStalled
	case has(cfg.Draft):
		return StatePRDraft
	case has(cfg.InProgress):
		return StateTurnRunning
	case has(cfg.Ready):
		return StateQueued
	default:
		return StateNone
	}
}
