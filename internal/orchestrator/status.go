package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/orchd/internal/github"
	"github.com/fyrsmithlabs/orchd/internal/hub"
)

// statusMarker identifies the sticky per-issue status comment. The comment
// is created once and edited in place on later cycles.
const statusMarker = "<!-- orch:status -->"

// StatusPublisher maintains one marker-tagged status comment per issue.
type StatusPublisher struct {
	host  github.Host
	store *hub.StateStore
}

func NewStatusPublisher(host github.Host, store *hub.StateStore) *StatusPublisher {
	return &StatusPublisher{host: host, store: store}
}

// Ensure returns the id of the issue's status comment, creating it when
// absent. The id is persisted so restarts reuse the same comment.
func (p *StatusPublisher) Ensure(ctx context.Context, issue int) (int64, error) {
	if st, ok, err := p.store.Load(issue); err == nil && ok && st.StatusCommentID != 0 {
		return st.StatusCommentID, nil
	}

	comments, err := p.host.ListComments(ctx, issue)
	if err != nil {
		return 0, fmt.Errorf("list comments on issue #%d: %w", issue, err)
	}
	for _, c := range comments {
		if strings.Contains(c.Body, statusMarker) {
			p.remember(issue, c.ID)
			return c.ID, nil
		}
	}

	created, err := p.host.CreateComment(ctx, issue, statusMarker+"\norchd is tracking this issue.")
	if err != nil {
		return 0, fmt.Errorf("create status comment on issue #%d: %w", issue, err)
	}
	p.remember(issue, created.ID)
	return created.ID, nil
}

// Update rewrites the issue's status comment with the current snapshot.
func (p *StatusPublisher) Update(ctx context.Context, issue int, item WorkItem, agent *hub.Agent, now time.Time) error {
	id, err := p.Ensure(ctx, issue)
	if err != nil {
		return err
	}
	body := renderStatus(item, agent, now)
	if err := p.host.UpdateComment(ctx, id, body); err != nil {
		return fmt.Errorf("update status comment on issue #%d: %w", issue, err)
	}
	return nil
}

// PostStatus posts free text as a fresh comment. Used by status control
// blocks, which are one-shot messages rather than edits to the sticky
// status comment.
func (p *StatusPublisher) PostStatus(ctx context.Context, issue int, text string) error {
	_, err := p.host.CreateComment(ctx, issue, text)
	return err
}

func (p *StatusPublisher) remember(issue int, commentID int64) {
	st, ok, err := p.store.Load(issue)
	if err != nil || !ok {
		st = hub.IssueState{Issue: issue}
	}
	st.StatusCommentID = commentID
	_ = p.store.Save(st)
}

func renderStatus(item WorkItem, agent *hub.Agent, now time.Time) string {
	var b strings.Builder
	b.WriteString(statusMarker)
	b.WriteString("\n### orchd status\n\n")
	fmt.Fprintf(&b, "| field | value |\n|---|---|\n")
	fmt.Fprintf(&b, "| state | `%s` |\n", item.State)
	if item.Branch != "" {
		fmt.Fprintf(&b, "| branch | `%s` |\n", item.Branch)
	}
	if item.PR != 0 {
		fmt.Fprintf(&b, "| pull request | #%d |\n", item.PR)
	}
	if agent != nil {
		fmt.Fprintf(&b, "| agent | `%s` (%s) |\n", agent.Name, agent.State)
		if !agent.LastActivity.IsZero() {
			fmt.Fprintf(&b, "| last activity | %s ago |\n", now.Sub(agent.LastActivity).Round(time.Second))
		}
		fmt.Fprintf(&b, "| nudges | %d |\n", agent.Nudges)
	}
	fmt.Fprintf(&b, "\n_Updated %s_\n", now.UTC().Format(time.RFC3339))
	return b.String()
}
