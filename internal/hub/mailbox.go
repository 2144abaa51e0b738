package hub

import (
	"context"
	"sync"
)

// Mailbox queues orchestrator text for poll-driven agents. There is no
// long-lived process to write into, so a queued message rides the agent's
// next turn brief instead.
type Mailbox struct {
	mu      sync.Mutex
	pending map[string][]string
}

func NewMailbox() *Mailbox {
	return &Mailbox{pending: map[string][]string{}}
}

// Add queues text for the named agent.
func (m *Mailbox) Add(agent, text string) {
	if text == "" {
		return
	}
	key := NormalizeName(agent)
	m.mu.Lock()
	m.pending[key] = append(m.pending[key], text)
	m.mu.Unlock()
}

// Drain returns and clears the queued messages for the named agent, oldest
// first.
func (m *Mailbox) Drain(agent string) []string {
	key := NormalizeName(agent)
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.pending[key]
	delete(m.pending, key)
	return msgs
}

// MailboxLauncher implements Launcher over a Mailbox. Launch and Terminate
// are registry-only events for poll-driven agents; Deliver queues the text
// for the agent's next turn.
type MailboxLauncher struct {
	box *Mailbox
}

func NewMailboxLauncher(box *Mailbox) *MailboxLauncher {
	return &MailboxLauncher{box: box}
}

func (l *MailboxLauncher) Launch(context.Context, Agent) error { return nil }

func (l *MailboxLauncher) Deliver(_ context.Context, agent Agent, text string) error {
	l.box.Add(agent.Name, text)
	return nil
}

// Terminate drops any undelivered messages; a closed agent has no next turn.
func (l *MailboxLauncher) Terminate(_ context.Context, agent Agent) error {
	l.box.Drain(agent.Name)
	return nil
}
