package hub

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchd/internal/logging"
)

const (
	nudgeMessage = "Quick check-in:\n" +
		"- What is the next small step?\n" +
		"- Is anything blocking you?\n" +
		"- ETA to a minimal PR or result?"

	wrapUpMessage = "Time budget reached. Please summarise status, remaining work, " +
		"and immediate next actions. If you have a branch or partial PR, share links now."

	// Grace after a wrap-up request before the agent is closed.
	wrapUpGrace = time.Minute
)

// SweepKind classifies one watchdog decision.
type SweepKind string

const (
	SweepStalled SweepKind = "stalled"
	SweepNudged  SweepKind = "nudged"
	SweepWrapUp  SweepKind = "wrap_up"
	SweepClosed  SweepKind = "closed"
)

// SweepAction is one decision taken during a watchdog pass. The caller uses
// these to drive issue relabeling.
type SweepAction struct {
	Kind  SweepKind
	Agent string
	Issue int
	// Idle is how long the agent had been silent when the decision fired.
	Idle time.Duration
}

// Watchdog periodically inspects the registry for silent and over-budget
// agents. An agent whose silence strictly exceeds its check-in interval is
// marked stalled and nudged up to the configured maximum; an agent past its
// time budget is asked to wrap up and closed after a final grace period.
type Watchdog struct {
	hub       *Hub
	digest    *Digest
	maxNudges int
	log       *logging.Logger
}

func NewWatchdog(h *Hub, digest *Digest, maxNudges int, log *logging.Logger) *Watchdog {
	if maxNudges <= 0 {
		maxNudges = 2
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Watchdog{hub: h, digest: digest, maxNudges: maxNudges, log: log.Named("watchdog")}
}

// Sweep runs one watchdog pass at the given instant and returns the actions
// taken. Failures delivering a nudge are logged and do not stop the pass.
func (w *Watchdog) Sweep(ctx context.Context, now time.Time) []SweepAction {
	var actions []SweepAction
	for _, agent := range w.hub.List() {
		idle := now.Sub(agent.LastActivity)
		overBudget := agent.Budget > 0 && now.Sub(agent.StartedAt) > agent.Budget

		if agent.WrappingUp && idle > wrapUpGrace {
			if err := w.hub.Close(ctx, agent.Name); err == nil {
				actions = append(actions, SweepAction{Kind: SweepClosed, Agent: agent.Name, Issue: agent.Issue, Idle: idle})
			}
			continue
		}

		if agent.Checkin > 0 && idle > agent.Checkin {
			if agent.State != StateStalled {
				w.hub.setState(agent.Name, StateStalled)
				actions = append(actions, SweepAction{Kind: SweepStalled, Agent: agent.Name, Issue: agent.Issue, Idle: idle})
				if w.digest != nil {
					ev := map[string]any{"type": "TIMEOUT_CHECKIN", "agent": agent.Name, "seconds": int(idle.Seconds())}
					if agent.Issue != 0 {
						ev["issue"] = agent.Issue
					}
					w.digest.AppendEvent(ev)
				}
			}
			if agent.Nudges < w.maxNudges {
				if err := w.deliver(ctx, agent, nudgeMessage); err != nil {
					w.log.Warn(ctx, "nudge delivery failed", zap.String("agent", agent.Name), zap.Error(err))
				} else {
					w.hub.recordNudge(agent.Name)
					actions = append(actions, SweepAction{Kind: SweepNudged, Agent: agent.Name, Issue: agent.Issue, Idle: idle})
				}
			}
		}

		if overBudget && !agent.WrappingUp {
			if err := w.deliver(ctx, agent, wrapUpMessage); err != nil {
				w.log.Warn(ctx, "wrap-up delivery failed", zap.String("agent", agent.Name), zap.Error(err))
				continue
			}
			w.hub.markWrappingUp(agent.Name)
			actions = append(actions, SweepAction{Kind: SweepWrapUp, Agent: agent.Name, Issue: agent.Issue, Idle: idle})
		}
	}
	return actions
}

func (w *Watchdog) deliver(ctx context.Context, agent Agent, text string) error {
	if w.hub.launcher == nil {
		return nil
	}
	return w.hub.launcher.Deliver(ctx, agent, text)
}

// recordNudge bumps the nudge counter without touching the activity clock;
// a nudge is not agent activity.
func (h *Hub) recordNudge(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if agent, ok := h.agents[name]; ok {
		agent.Nudges++
	}
}

func (h *Hub) markWrappingUp(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if agent, ok := h.agents[name]; ok {
		agent.WrappingUp = true
	}
}
