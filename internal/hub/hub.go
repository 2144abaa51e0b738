// Package hub tracks the live agent population: which agent is bound to
// which worktree, when each last reported activity, and how far along its
// check-in and time budgets it is. The registry is the authority for the
// one-agent-per-worktree invariant.
package hub

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchd/internal/logging"
)

var (
	// ErrConflict is returned when a spawn targets a worktree that already
	// has a live agent bound to it.
	ErrConflict = errors.New("worktree already bound to a live agent")

	// ErrNotFound is returned when an operation names an unknown agent.
	ErrNotFound = errors.New("no such agent")

	nameRe = regexp.MustCompile(`[^a-z0-9]+`)
)

// State is an agent lifecycle tag.
type State string

const (
	StateWorking State = "working"
	StateStalled State = "stalled"
	StateClosed  State = "closed"
)

// Agent is a live worker bound to exactly one worktree.
type Agent struct {
	Name         string    `json:"name"`
	Worktree     string    `json:"worktree"`
	Issue        int       `json:"issue,omitempty"`
	State        State     `json:"state"`
	Task         string    `json:"task,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
	LastSummary  string    `json:"last_summary,omitempty"`
	LastArtifact string    `json:"last_artifact,omitempty"`
	Nudges       int           `json:"nudges"`
	Checkin      time.Duration `json:"checkin"`
	Budget       time.Duration `json:"budget"`
	WrappingUp   bool          `json:"wrapping_up,omitempty"`
}

// Launcher starts and messages the underlying agent process or conversation.
// The hub owns bookkeeping; the launcher owns the transport.
type Launcher interface {
	Launch(ctx context.Context, agent Agent) error
	Deliver(ctx context.Context, agent Agent, text string) error
	Terminate(ctx context.Context, agent Agent) error
}

// Options configure a new Hub.
type Options struct {
	DefaultCheckin time.Duration
	DefaultBudget  time.Duration
	MaxNudges      int
	DefaultCwd     string
}

// Hub is the in-memory agent registry. Safe for concurrent use.
type Hub struct {
	mu       sync.Mutex
	agents   map[string]*Agent
	byTree   map[string]string
	byIssue  map[int]string
	launcher Launcher
	opts     Options
	events   *EventLog
	digest   *Digest
	recovery func(ctx context.Context, issue int)
	clock    func() time.Time
	log      *logging.Logger
}

func New(launcher Launcher, events *EventLog, digest *Digest, opts Options, log *logging.Logger) *Hub {
	if opts.DefaultCheckin <= 0 {
		opts.DefaultCheckin = 10 * time.Minute
	}
	if opts.DefaultBudget <= 0 {
		opts.DefaultBudget = 45 * time.Minute
	}
	if opts.MaxNudges <= 0 {
		opts.MaxNudges = 2
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Hub{
		agents:   map[string]*Agent{},
		byTree:   map[string]string{},
		byIssue:  map[int]string{},
		launcher: launcher,
		opts:     opts,
		events:   events,
		digest:   digest,
		clock:    time.Now,
		log:      log.Named("hub"),
	}
}

// NormalizeName lowercases and squashes a requested agent name to a stable
// registry key.
func NormalizeName(name string) string {
	token := strings.Trim(nameRe.ReplaceAllString(strings.ToLower(name), "_"), "_")
	if token == "" {
		return "agent"
	}
	return token
}

// Spawn registers and launches a new agent bound to cwd. Spawning against a
// worktree that already holds a live agent fails with ErrConflict. Spawning
// an existing name forwards the task to that agent instead.
func (h *Hub) Spawn(ctx context.Context, name, task, cwd string) error {
	key := NormalizeName(name)
	if cwd == "" {
		cwd = h.opts.DefaultCwd
	}

	h.mu.Lock()
	if existing, ok := h.agents[key]; ok && existing.State != StateClosed {
		agent := *existing
		h.mu.Unlock()
		return h.Send(ctx, agent.Name, task)
	}
	if holder, ok := h.byTree[cwd]; ok && holder != key {
		h.mu.Unlock()
		return fmt.Errorf("spawn %s in %s: held by %s: %w", key, cwd, holder, ErrConflict)
	}
	now := h.clock()
	agent := &Agent{
		Name:         key,
		Worktree:     cwd,
		State:        StateWorking,
		Task:         task,
		StartedAt:    now,
		LastActivity: now,
		Checkin:      h.opts.DefaultCheckin,
		Budget:       h.opts.DefaultBudget,
	}
	h.agents[key] = agent
	h.byTree[cwd] = key
	snapshot := *agent
	h.mu.Unlock()

	if h.launcher != nil {
		if err := h.launcher.Launch(ctx, snapshot); err != nil {
			h.mu.Lock()
			delete(h.agents, key)
			delete(h.byTree, cwd)
			h.mu.Unlock()
			return fmt.Errorf("launch agent %s: %w", key, err)
		}
	}

	h.log.Info(ctx, "agent spawned", zap.String("agent", key), zap.String("worktree", cwd))
	h.record(Event{Who: key, Type: "agent_added", Payload: map[string]any{"agent": key, "worktree": cwd}})
	h.markDirty(key)
	return nil
}

// Bind associates an agent with an issue and applies per-issue SLA overrides.
func (h *Hub) Bind(name string, issue int, checkin, budget time.Duration) error {
	key := NormalizeName(name)
	h.mu.Lock()
	defer h.mu.Unlock()
	agent, ok := h.agents[key]
	if !ok {
		return fmt.Errorf("bind %s: %w", key, ErrNotFound)
	}
	agent.Issue = issue
	if checkin > 0 {
		agent.Checkin = checkin
	}
	if budget > 0 {
		agent.Budget = budget
	}
	h.byIssue[issue] = key
	return nil
}

// SetRecovery registers a callback invoked with the bound issue number each
// time a send reaches that agent. The poller uses it to clear durable stall
// state the registry does not own: the stall label and the persisted clock.
func (h *Hub) SetRecovery(fn func(ctx context.Context, issue int)) {
	h.mu.Lock()
	h.recovery = fn
	h.mu.Unlock()
}

// Send delivers a follow-up instruction to a live agent and resets its
// activity clock. A stalled agent returns to working, and the recovery
// callback propagates that to the bound issue.
func (h *Hub) Send(ctx context.Context, to, task string) error {
	key := NormalizeName(to)
	h.mu.Lock()
	agent, ok := h.agents[key]
	if !ok || agent.State == StateClosed {
		h.mu.Unlock()
		return fmt.Errorf("send to %s: %w", key, ErrNotFound)
	}
	agent.LastActivity = h.clock()
	if agent.State == StateStalled {
		agent.State = StateWorking
	}
	snapshot := *agent
	notify := h.recovery
	h.mu.Unlock()

	if h.launcher != nil {
		if err := h.launcher.Deliver(ctx, snapshot, task); err != nil {
			return fmt.Errorf("deliver to %s: %w", key, err)
		}
	}
	if notify != nil && snapshot.Issue != 0 {
		notify(ctx, snapshot.Issue)
	}
	h.record(Event{Who: key, Type: "orch_to_agent", Payload: map[string]any{"action": "send", "agent": key}})
	return nil
}

// Close removes an agent from the registry and releases its worktree and
// issue bindings.
func (h *Hub) Close(ctx context.Context, name string) error {
	key := NormalizeName(name)
	h.mu.Lock()
	agent, ok := h.agents[key]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("close %s: %w", key, ErrNotFound)
	}
	agent.State = StateClosed
	delete(h.agents, key)
	delete(h.byTree, agent.Worktree)
	if agent.Issue != 0 {
		delete(h.byIssue, agent.Issue)
	}
	snapshot := *agent
	h.mu.Unlock()

	if h.launcher != nil {
		if err := h.launcher.Terminate(ctx, snapshot); err != nil {
			h.log.Warn(ctx, "agent terminate failed", zap.String("agent", key), zap.Error(err))
		}
	}
	h.log.Info(ctx, "agent closed", zap.String("agent", key))
	h.record(Event{Who: key, Type: "agent_removed", Payload: map[string]any{"agent": key}})
	return nil
}

// Heartbeat records activity from an agent: a check-in, an artifact, or a
// completed turn. It clears stall and refreshes the activity clock.
func (h *Hub) Heartbeat(name, summary, artifactID string) {
	key := NormalizeName(name)
	h.mu.Lock()
	agent, ok := h.agents[key]
	if !ok {
		h.mu.Unlock()
		return
	}
	agent.LastActivity = h.clock()
	if agent.State == StateStalled {
		agent.State = StateWorking
	}
	if summary != "" {
		agent.LastSummary = firstLine(summary, 300)
	}
	if artifactID != "" {
		agent.LastArtifact = artifactID
	}
	h.mu.Unlock()
	h.markDirty(key)
}

// Get returns a snapshot of an agent by name.
func (h *Hub) Get(name string) (Agent, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	agent, ok := h.agents[NormalizeName(name)]
	if !ok {
		return Agent{}, false
	}
	return *agent, true
}

// ByIssue returns the agent bound to an issue, if any.
func (h *Hub) ByIssue(issue int) (Agent, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key, ok := h.byIssue[issue]
	if !ok {
		return Agent{}, false
	}
	agent, ok := h.agents[key]
	if !ok {
		return Agent{}, false
	}
	return *agent, true
}

// List returns snapshots of all live agents, sorted by name.
func (h *Hub) List() []Agent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Agent, 0, len(h.agents))
	for _, agent := range h.agents {
		out = append(out, *agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len reports the number of live agents.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.agents)
}

func (h *Hub) setState(name string, state State) {
	h.mu.Lock()
	agent, ok := h.agents[name]
	if !ok || agent.State == state {
		h.mu.Unlock()
		return
	}
	agent.State = state
	h.mu.Unlock()
	h.record(Event{Who: name, Type: "agent_state", Payload: map[string]any{"agent": name, "state": string(state)}})
	h.markDirty(name)
}

func (h *Hub) record(ev Event) {
	if h.events != nil {
		h.events.Append(ev)
	}
}

func (h *Hub) markDirty(name string) {
	if h.digest != nil {
		h.digest.MarkDirty(name)
	}
}

func firstLine(s string, max int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > max {
		s = s[:max]
	}
	return s
}
