// Package orchestrator drives tracked GitHub issues through their lifecycle.
//
// # Overview
//
// The poller is the only writer. Each cycle it re-reads repository state,
// derives every issue's position from its labels, and reconciles:
//
//	queued → turn running → PR draft → checks green → promoted / auto-merged
//
// Labels are the durable state. There is no database of lifecycle positions;
// a restarted daemon resumes from whatever the repository says, and every
// transition is idempotent so re-observing a state writes nothing.
//
// # Key Components
//
// ## Poller
//
// Runs reconciliation cycles on a fixed interval. Turn execution is parallel
// across isolated worktrees up to the WIP cap; pull request reconciliation
// and stall sweeps run serially after the turns.
//
// ## MergeEngine
//
// Evaluates a pull request's check rollup and either holds, promotes to
// human review, or requests a squash merge on the safe lane.
//
// ## StatusPublisher
//
// Maintains one sticky status comment per tracked issue, edited in place,
// plus free-form status comments posted on behalf of agents.
package orchestrator
