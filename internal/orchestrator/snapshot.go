package orchestrator

import (
	"github.com/fyrsmithlabs/orchd/internal/github"
	httpapi "github.com/fyrsmithlabs/orchd/internal/http"
	"github.com/fyrsmithlabs/orchd/internal/hub"
)

// Agents returns the live agent registry for the status API.
func (p *Poller) Agents() []hub.Agent {
	if p.registry == nil {
		return nil
	}
	return p.registry.List()
}

// Items returns the tracked-issue view captured by the last poll cycle.
func (p *Poller) Items() []httpapi.ItemView {
	p.viewMu.Lock()
	defer p.viewMu.Unlock()
	out := make([]httpapi.ItemView, len(p.views))
	copy(out, p.views)
	return out
}

// Events returns the most recent audit events, newest last.
func (p *Poller) Events(n int) []hub.Event {
	if p.events == nil {
		return nil
	}
	return p.events.Recent(n)
}

func (p *Poller) updateViews(issues []github.Issue, prByIssue map[int]github.PullRequest) {
	views := make([]httpapi.ItemView, 0, len(issues))
	for _, issue := range issues {
		v := httpapi.ItemView{
			Issue: issue.Number,
			Title: issue.Title,
			State: string(StateFromLabels(issue.Labels, p.cfg.Labels)),
		}
		if st, ok, err := p.states.Load(issue.Number); err == nil && ok {
			v.Branch = st.Branch
		}
		if pr, ok := prByIssue[issue.Number]; ok {
			v.PR = pr.Number
		}
		views = append(views, v)
	}
	p.viewMu.Lock()
	p.views = views
	p.viewMu.Unlock()
}
