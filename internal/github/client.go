package github

import (
	"context"
	"fmt"
	"net/http"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/orchd/internal/config"
)

// Scrubber removes credential material from outbound text. All comment and
// PR bodies pass through it before they reach the API.
type Scrubber interface {
	Clean(text string) string
}

// Client implements Host against the GitHub REST API.
type Client struct {
	gh    *gh.Client
	owner string
	repo  string
	track string
	scrub Scrubber
}

// NewClient creates a GitHub client with proper authentication. A nil
// scrubber disables outbound redaction.
func NewClient(ctx context.Context, cfg config.GitHubConfig, trackLabel string, scrub Scrubber) (*Client, error) {
	if !cfg.Token.IsSet() {
		return nil, fmt.Errorf("GitHub token not set")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()})
	tc := oauth2.NewClient(ctx, ts)

	return &Client{
		gh:    gh.NewClient(tc),
		owner: cfg.Owner,
		repo:  cfg.Repo,
		track: trackLabel,
		scrub: scrub,
	}, nil
}

func (c *Client) clean(text string) string {
	if c.scrub == nil {
		return text
	}
	return c.scrub.Clean(text)
}

// Ping verifies the repository is reachable with the configured credentials.
// Called once at startup; an unreachable repository is fatal.
func (c *Client) Ping(ctx context.Context) error {
	_, _, err := c.gh.Repositories.Get(ctx, c.owner, c.repo)
	if err != nil {
		return fmt.Errorf("repository %s/%s unreachable: %w", c.owner, c.repo, err)
	}
	return nil
}

func (c *Client) ListTrackedIssues(ctx context.Context) ([]Issue, error) {
	opts := &gh.IssueListByRepoOptions{
		State:       "open",
		Labels:      []string{c.track},
		ListOptions: gh.ListOptions{PerPage: 100},
	}

	var out []Issue
	for {
		issues, resp, err := c.gh.Issues.ListByRepo(ctx, c.owner, c.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list issues: %w", err)
		}
		for _, is := range issues {
			// The issues API returns PRs too; skip them.
			if is.IsPullRequest() {
				continue
			}
			out = append(out, convertIssue(is))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *Client) GetIssue(ctx context.Context, number int) (Issue, error) {
	is, _, err := c.gh.Issues.Get(ctx, c.owner, c.repo, number)
	if err != nil {
		return Issue{}, fmt.Errorf("failed to fetch issue #%d: %w", number, err)
	}
	return convertIssue(is), nil
}

func (c *Client) EditLabels(ctx context.Context, number int, add, remove []string) error {
	if len(add) > 0 {
		if _, _, err := c.gh.Issues.AddLabelsToIssue(ctx, c.owner, c.repo, number, add); err != nil {
			return fmt.Errorf("failed to add labels %v to #%d: %w", add, number, err)
		}
	}
	for _, label := range remove {
		resp, err := c.gh.Issues.RemoveLabelForIssue(ctx, c.owner, c.repo, number, label)
		if err != nil {
			// Removing an absent label is fine; the poller re-derives
			// everything from the live set next cycle anyway.
			if resp != nil && resp.StatusCode == http.StatusNotFound {
				continue
			}
			return fmt.Errorf("failed to remove label %q from #%d: %w", label, number, err)
		}
	}
	return nil
}

func (c *Client) CreateComment(ctx context.Context, number int, body string) (Comment, error) {
	cm, _, err := c.gh.Issues.CreateComment(ctx, c.owner, c.repo, number, &gh.IssueComment{
		Body: gh.String(c.clean(body)),
	})
	if err != nil {
		return Comment{}, fmt.Errorf("failed to comment on #%d: %w", number, err)
	}
	return Comment{ID: cm.GetID(), Body: cm.GetBody()}, nil
}

func (c *Client) ListComments(ctx context.Context, number int) ([]Comment, error) {
	opts := &gh.IssueListCommentsOptions{
		ListOptions: gh.ListOptions{PerPage: 100},
	}

	var out []Comment
	for {
		comments, resp, err := c.gh.Issues.ListComments(ctx, c.owner, c.repo, number, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list comments on #%d: %w", number, err)
		}
		for _, cm := range comments {
			out = append(out, Comment{ID: cm.GetID(), Body: cm.GetBody()})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *Client) UpdateComment(ctx context.Context, commentID int64, body string) error {
	_, _, err := c.gh.Issues.EditComment(ctx, c.owner, c.repo, commentID, &gh.IssueComment{
		Body: gh.String(c.clean(body)),
	})
	if err != nil {
		return fmt.Errorf("failed to update comment %d: %w", commentID, err)
	}
	return nil
}

func (c *Client) ListOpenPRs(ctx context.Context) ([]PullRequest, error) {
	opts := &gh.PullRequestListOptions{
		State:       "open",
		ListOptions: gh.ListOptions{PerPage: 100},
	}

	var out []PullRequest
	for {
		prs, resp, err := c.gh.PullRequests.List(ctx, c.owner, c.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list pull requests: %w", err)
		}
		for _, pr := range prs {
			out = append(out, convertPR(pr))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *Client) PullRequestForBranch(ctx context.Context, branch string) (PullRequest, bool, error) {
	opts := &gh.PullRequestListOptions{
		State:       "all",
		Head:        fmt.Sprintf("%s:%s", c.owner, branch),
		Sort:        "created",
		Direction:   "desc",
		ListOptions: gh.ListOptions{PerPage: 1},
	}
	prs, _, err := c.gh.PullRequests.List(ctx, c.owner, c.repo, opts)
	if err != nil {
		return PullRequest{}, false, fmt.Errorf("failed to find pull request for %s: %w", branch, err)
	}
	if len(prs) == 0 {
		return PullRequest{}, false, nil
	}
	return convertPR(prs[0]), true, nil
}

func (c *Client) CreateDraftPR(ctx context.Context, head, base, title, body string) (PullRequest, error) {
	pr, _, err := c.gh.PullRequests.Create(ctx, c.owner, c.repo, &gh.NewPullRequest{
		Title: gh.String(title),
		Head:  gh.String(head),
		Base:  gh.String(base),
		Body:  gh.String(c.clean(body)),
		Draft: gh.Bool(true),
	})
	if err != nil {
		return PullRequest{}, fmt.Errorf("failed to create draft PR for %s: %w", head, err)
	}
	return convertPR(pr), nil
}

func (c *Client) CheckRollup(ctx context.Context, headSHA string) (CheckRollup, error) {
	opts := &gh.ListCheckRunsOptions{
		ListOptions: gh.ListOptions{PerPage: 100},
	}

	var rollup CheckRollup
	for {
		runs, resp, err := c.gh.Checks.ListCheckRunsForRef(ctx, c.owner, c.repo, headSHA, opts)
		if err != nil {
			return CheckRollup{}, fmt.Errorf("failed to list check runs for %s: %w", headSHA, err)
		}
		for _, run := range runs.CheckRuns {
			rollup.Checks = append(rollup.Checks, Check{
				Name:       run.GetName(),
				Status:     run.GetStatus(),
				Conclusion: run.GetConclusion(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return rollup, nil
}

func (c *Client) RequestSquashMerge(ctx context.Context, number int, commitTitle string) error {
	_, _, err := c.gh.PullRequests.Merge(ctx, c.owner, c.repo, number, "", &gh.PullRequestOptions{
		CommitTitle: commitTitle,
		MergeMethod: "squash",
	})
	if err != nil {
		return fmt.Errorf("failed to request squash merge of #%d: %w", number, err)
	}
	return nil
}

func convertIssue(is *gh.Issue) Issue {
	labels := make([]string, 0, len(is.Labels))
	for _, l := range is.Labels {
		if name := l.GetName(); name != "" {
			labels = append(labels, name)
		}
	}
	return Issue{
		Number: is.GetNumber(),
		Title:  is.GetTitle(),
		State:  is.GetState(),
		URL:    is.GetHTMLURL(),
		Body:   is.GetBody(),
		Labels: labels,
	}
}

func convertPR(pr *gh.PullRequest) PullRequest {
	return PullRequest{
		Number:  pr.GetNumber(),
		Title:   pr.GetTitle(),
		State:   pr.GetState(),
		URL:     pr.GetHTMLURL(),
		Body:    pr.GetBody(),
		HeadRef: pr.GetHead().GetRef(),
		HeadSHA: pr.GetHead().GetSHA(),
		BaseRef: pr.GetBase().GetRef(),
		Draft:   pr.GetDraft(),
		// The list API omits the merged flag but always sets merged_at.
		Merged: pr.GetMerged() || pr.MergedAt != nil,
	}
}
