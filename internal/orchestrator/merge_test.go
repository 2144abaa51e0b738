package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/orchd/internal/config"
	"github.com/fyrsmithlabs/orchd/internal/github"
)

func testLabels() config.LabelsConfig {
	return config.Default().Labels
}

func rollupOf(pairs ...[2]string) github.CheckRollup {
	var r github.CheckRollup
	for _, p := range pairs {
		r.Checks = append(r.Checks, github.Check{Name: "check", Status: p[0], Conclusion: p[1]})
	}
	return r
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name     string
		rollup   github.CheckRollup
		safeLane bool
		want     Decision
	}{
		{"empty rollup holds even on safe lane", github.CheckRollup{}, true, DecisionHold},
		{"pending check holds", rollupOf([2]string{"in_progress", ""}), false, DecisionHold},
		{"failed check holds", rollupOf([2]string{"completed", "success"}, [2]string{"completed", "failure"}), true, DecisionHold},
		{"neutral conclusion holds", rollupOf([2]string{"completed", "neutral"}), false, DecisionHold},
		{"green without safe lane promotes", rollupOf([2]string{"completed", "success"}), false, DecisionPromote},
		{"green with safe lane auto-merges", rollupOf([2]string{"completed", "success"}, [2]string{"completed", "success"}), true, DecisionAutoMerge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.rollup, tt.safeLane))
		})
	}
}

func TestStateFromLabels(t *testing.T) {
	cfg := testLabels()
	tests := []struct {
		name   string
		labels []string
		want   State
	}{
		{"no lifecycle labels", []string{"orchestrate"}, StateNone},
		{"queued", []string{"orchestrate", cfg.Ready}, StateQueued},
		{"running", []string{cfg.InProgress}, StateTurnRunning},
		{"draft wins over running", []string{cfg.InProgress, cfg.Draft}, StatePRDraft},
		{"stalled wins over draft", []string{cfg.InProgress, cfg.Draft, cfg.Stalled}, StateStalled},
		{"checks green wins over stalled", []string{cfg.Stalled, cfg.ChecksGreen}, StateChecksGreen},
		{"ready human wins over checks green", []string{cfg.ChecksGreen, cfg.ReadyHuman}, StatePromoted},
		{"merged wins over everything", []string{cfg.Ready, cfg.ReadyHuman, cfg.Merged}, StateAutoMerged},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StateFromLabels(tt.labels, cfg))
		})
	}
}

func TestStateTerminal(t *testing.T) {
	assert.True(t, StatePromoted.Terminal())
	assert.True(t, StateAutoMerged.Terminal())
	assert.False(t, StateTurnRunning.Terminal())
	assert.False(t, StateStalled.Terminal())
}
