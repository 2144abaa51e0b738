package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/orchd/internal/github"
)

const sampleBody = `Some preamble text.

## Goal
Make the cache layer resilient
to restarts.

## Acceptance checklist
- [ ] cache survives a restart
- [x] hit rate metric exported
* stale entries evicted

## Scope
- only the in-process cache
- no distributed invalidation

## Validation
Run the cache suite with -race.
`

func TestParseCharter(t *testing.T) {
	c := ParseCharter(sampleBody)

	assert.Equal(t, "Make the cache layer resilient to restarts.", c.Goal)
	assert.Equal(t, []string{
		"cache survives a restart",
		"hit rate metric exported",
		"stale entries evicted",
	}, c.Acceptance)
	assert.Equal(t, []string{"only the in-process cache", "no distributed invalidation"}, c.ScopeNotes)
	assert.Equal(t, "Run the cache suite with -race.", c.Validation)
}

func TestParseCharterLooseHeadingMatch(t *testing.T) {
	c := ParseCharter("## Goal and background\nShip it.\n\n## Test plan\ngo test ./...\n")
	assert.Equal(t, "Ship it.", c.Goal)
	assert.Equal(t, "go test ./...", c.Validation)
}

func TestParseCharterEmptyBody(t *testing.T) {
	c := ParseCharter("")
	assert.Empty(t, c.Goal)
	assert.Empty(t, c.Acceptance)
}

func TestFormatBrief(t *testing.T) {
	issue := github.Issue{
		Number: 42,
		Title:  "Add caching layer",
		URL:    "https://github.com/widgets/widgets/issues/42",
		Labels: []string{"orchestrate", "agent:queued"},
	}
	brief := FormatBrief(issue, ParseCharter(sampleBody))

	assert.Contains(t, brief, "Work on Issue #42: Add caching layer")
	assert.Contains(t, brief, "Goal: Make the cache layer resilient to restarts.")
	assert.Contains(t, brief, "1. cache survives a restart")
	assert.Contains(t, brief, "Scope: only the in-process cache; no distributed invalidation")
	assert.Contains(t, brief, "Validation: Run the cache suite with -race.")
	assert.Contains(t, brief, "Labels: agent:queued, orchestrate")
	assert.Contains(t, brief, "reference issue #42")
}

func TestParseBlockers(t *testing.T) {
	blockers := ParseBlockers(
		"Intro.\nBlocked by: #10 and #12\nblocked-by: #10\nUnrelated #99 mention.",
		[]string{"blocked-by:#7", "orchestrate"},
	)
	assert.Equal(t, []int{7, 10, 12}, blockers)
}

func TestParseBlockersNone(t *testing.T) {
	assert.Empty(t, ParseBlockers("Just a normal body referencing #5.", []string{"orchestrate"}))
}

func TestSLAFromLabels(t *testing.T) {
	sla := SLAFromLabels([]string{"checkin:5m", "budget:2h", "orchestrate"})
	assert.Equal(t, 5*time.Minute, sla.Checkin)
	assert.Equal(t, 2*time.Hour, sla.Budget)

	empty := SLAFromLabels([]string{"orchestrate"})
	assert.Zero(t, empty.Checkin)
	assert.Zero(t, empty.Budget)
}

func TestSLAFromLabelsUnits(t *testing.T) {
	require.Equal(t, 30*time.Second, SLAFromLabels([]string{"checkin:30s"}).Checkin)
	require.Equal(t, 24*time.Hour, SLAFromLabels([]string{"budget:1d"}).Budget)
}
