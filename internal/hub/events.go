package hub

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const defaultRingSize = 200

// Event is one audit record. Every state change, control outcome, and
// digest send appends one.
type Event struct {
	Seq     int            `json:"seq"`
	TS      int64          `json:"ts"`
	Who     string         `json:"who"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// EventLog is an append-only JSON-lines audit trail with an in-memory ring
// for the status API. Write failures are swallowed; the log is an audit
// surface, not a dependency of the control loop.
type EventLog struct {
	mu   sync.Mutex
	path string
	seq  int
	ring []Event
	max  int
	now  func() time.Time
}

// NewEventLog writes to stateDir/state.jsonl. An empty stateDir keeps the
// log memory-only.
func NewEventLog(stateDir string) *EventLog {
	path := ""
	if stateDir != "" {
		path = filepath.Join(stateDir, "state.jsonl")
	}
	return &EventLog{path: path, max: defaultRingSize, now: time.Now}
}

// Append stamps and records an event.
func (l *EventLog) Append(ev Event) Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	ev.Seq = l.seq
	if ev.TS == 0 {
		ev.TS = l.now().Unix()
	}

	l.ring = append(l.ring, ev)
	if len(l.ring) > l.max {
		l.ring = l.ring[len(l.ring)-l.max:]
	}

	if l.path != "" {
		if line, err := json.Marshal(ev); err == nil {
			if f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				_, _ = f.Write(append(line, '\n'))
				_ = f.Close()
			}
		}
	}
	return ev
}

// Recent returns up to n most recent events, oldest first.
func (l *EventLog) Recent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || len(l.ring) == 0 {
		return nil
	}
	if n > len(l.ring) {
		n = len(l.ring)
	}
	out := make([]Event, n)
	copy(out, l.ring[len(l.ring)-n:])
	return out
}
