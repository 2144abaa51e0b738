package hub

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Digest accumulates per-agent updates and out-of-band event blocks, then
// renders a decision-ready summary for the orchestrator's next context.
// Agents are added to the dirty set on any state change; Build consumes the
// set so each update is reported once.
type Digest struct {
	mu    sync.Mutex
	dirty map[string]struct{}
	extra []map[string]any
	clock func() time.Time
}

func NewDigest() *Digest {
	return &Digest{dirty: map[string]struct{}{}, clock: time.Now}
}

// MarkDirty queues an agent for the next digest.
func (d *Digest) MarkDirty(agent string) {
	if agent == "" || agent == "orchestrator" {
		return
	}
	d.mu.Lock()
	d.dirty[agent] = struct{}{}
	d.mu.Unlock()
}

// AppendEvent queues an out-of-band structured block, such as a fetched
// artifact body or a check-in timeout.
func (d *Digest) AppendEvent(ev map[string]any) {
	d.mu.Lock()
	d.extra = append(d.extra, ev)
	d.mu.Unlock()
}

// Pending reports whether Build would produce updates.
func (d *Digest) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dirty) > 0 || len(d.extra) > 0
}

// Build renders and drains the pending digest. Lookup resolves dirty agent
// names to current snapshots; unknown names are reported as removed.
func (d *Digest) Build(lookup func(name string) (Agent, bool)) string {
	d.mu.Lock()
	names := make([]string, 0, len(d.dirty))
	for name := range d.dirty {
		names = append(names, name)
	}
	d.dirty = map[string]struct{}{}
	extras := d.extra
	d.extra = nil
	d.mu.Unlock()

	sort.Strings(names)
	now := d.clock()

	lines := []string{"Decision-ready digest:"}
	events := make([]map[string]any, 0, len(names))
	for _, name := range names {
		agent, ok := lookup(name)
		if !ok {
			lines = append(lines, fmt.Sprintf("- %s [closed]", name))
			events = append(events, map[string]any{"type": "AGENT_UPDATE", "agent": name, "state": string(StateClosed)})
			continue
		}
		last := "n/a"
		if !agent.LastActivity.IsZero() {
			last = fmt.Sprintf("%ds", int(now.Sub(agent.LastActivity).Seconds()))
		}
		lines = append(lines, fmt.Sprintf("- %s [%s, last check-in %s]", agent.Name, agent.State, last))
		if agent.LastSummary != "" {
			lines = append(lines, fmt.Sprintf("  %q", agent.LastSummary))
		}
		ev := map[string]any{"type": "AGENT_UPDATE", "agent": agent.Name, "state": string(agent.State)}
		if agent.Issue != 0 {
			ev["issue"] = agent.Issue
		}
		if agent.LastArtifact != "" {
			ev["artifacts"] = map[string]string{"last_message": agent.LastArtifact}
		}
		events = append(events, ev)
	}

	if len(lines) == 1 {
		lines = append(lines, "- No agent updates; awaiting check-ins.")
	}

	var b strings.Builder
	b.WriteString(strings.Join(lines, "\n"))
	for _, ev := range append(events, extras...) {
		if raw, err := json.Marshal(ev); err == nil {
			b.WriteString("\n\n```event\n")
			b.Write(raw)
			b.WriteString("\n```")
		}
	}
	return b.String()
}
