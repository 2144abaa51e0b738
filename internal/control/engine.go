package control

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchd/internal/localexec"
	"github.com/fyrsmithlabs/orchd/internal/logging"
)

const (
	defaultFetchChars = 4000
	mirrorStreamMax   = 4000
)

// AgentManager is the subset of agent lifecycle operations the engine acts
// through. One live agent per worktree is enforced behind Spawn.
type AgentManager interface {
	Spawn(ctx context.Context, name, task, cwd string) error
	Send(ctx context.Context, to, task string) error
	Close(ctx context.Context, name string) error
}

// StatusPoster publishes free text against an issue.
type StatusPoster interface {
	PostStatus(ctx context.Context, issue int, text string) error
}

// ArtifactLoader reads back a stored artifact, truncated to maxChars.
type ArtifactLoader interface {
	LoadText(id string, maxChars int) (body string, total int, err error)
}

// Execer runs a local command under the allow-list.
type Execer interface {
	Run(ctx context.Context, cwd string, argv []string) localexec.Result
}

// FetchEvent is the payload queued for the next digest after a fetch block.
type FetchEvent struct {
	Type       string `json:"type"`
	ArtifactID string `json:"id"`
	Chars      int    `json:"chars,omitempty"`
	Total      int    `json:"total,omitempty"`
	Body       string `json:"body,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Outcome is the result of applying one block, always mirrorable as text.
type Outcome struct {
	Block  Block
	OK     bool
	Denied *DenialError
	Err    error
	// Mirror is the plain-text audit line for this outcome.
	Mirror string
	// Fetch carries the digest event for fetch blocks.
	Fetch *FetchEvent
}

// Engine applies parsed control blocks against the hub's side-effect
// surfaces. Every block yields exactly one Outcome; nothing succeeds or
// fails silently.
type Engine struct {
	policy    Policy
	agents    AgentManager
	exec      Execer
	artifacts ArtifactLoader
	status    StatusPoster
	fetchMax  int
	log       *logging.Logger
}

func NewEngine(policy Policy, agents AgentManager, exec Execer, artifacts ArtifactLoader, status StatusPoster, fetchMax int, log *logging.Logger) *Engine {
	if fetchMax <= 0 {
		fetchMax = defaultFetchChars
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Engine{
		policy:    policy,
		agents:    agents,
		exec:      exec,
		artifacts: artifacts,
		status:    status,
		fetchMax:  fetchMax,
		log:       log.Named("control"),
	}
}

// Apply parses text and executes every block it carries. Malformed blocks
// surface as failed Outcomes with no Block kind.
func (e *Engine) Apply(ctx context.Context, text string) []Outcome {
	blocks, malformed := Parse(text)
	outcomes := make([]Outcome, 0, len(blocks)+len(malformed))
	for _, bad := range malformed {
		e.log.Warn(ctx, "malformed control block", zap.String("reason", bad.Reason))
		outcomes = append(outcomes, Outcome{
			Err:    bad,
			Mirror: fmt.Sprintf("control: %s", bad.Error()),
		})
	}
	for _, b := range blocks {
		outcomes = append(outcomes, e.applyOne(ctx, b))
	}
	return outcomes
}

func (e *Engine) applyOne(ctx context.Context, b Block) Outcome {
	if denial := e.policy.Check(b); denial != nil {
		e.log.Info(ctx, "control block denied",
			zap.String("kind", string(b.Kind)),
			zap.String("gate", string(denial.Gate)))
		return Outcome{Block: b, Denied: denial, Mirror: denial.Error()}
	}

	switch b.Kind {
	case KindSpawn:
		if err := e.agents.Spawn(ctx, b.Spawn.Name, b.Spawn.Task, b.Spawn.Cwd); err != nil {
			return Outcome{Block: b, Err: err, Mirror: fmt.Sprintf("spawn %s failed: %v", b.Spawn.Name, err)}
		}
		return Outcome{Block: b, OK: true, Mirror: fmt.Sprintf("spawned agent %s", b.Spawn.Name)}

	case KindSend:
		if err := e.agents.Send(ctx, b.Send.To, b.Send.Task); err != nil {
			return Outcome{Block: b, Err: err, Mirror: fmt.Sprintf("send to %s failed: %v", b.Send.To, err)}
		}
		return Outcome{Block: b, OK: true, Mirror: fmt.Sprintf("sent task to agent %s", b.Send.To)}

	case KindClose:
		if err := e.agents.Close(ctx, b.Close.Agent); err != nil {
			return Outcome{Block: b, Err: err, Mirror: fmt.Sprintf("close %s failed: %v", b.Close.Agent, err)}
		}
		return Outcome{Block: b, OK: true, Mirror: fmt.Sprintf("closed agent %s", b.Close.Agent)}

	case KindExec:
		res := e.exec.Run(ctx, b.Exec.Cwd, b.Exec.Argv)
		out := Outcome{Block: b, OK: res.OK, Mirror: mirrorExec(res)}
		if !res.OK {
			out.Err = fmt.Errorf("exec exited with code %d", res.Code)
		}
		return out

	case KindStatus:
		if b.Status.Issue <= 0 {
			return Outcome{Block: b, OK: true, Mirror: fmt.Sprintf("status (project): %s", firstLine(b.Status.Text))}
		}
		if err := e.status.PostStatus(ctx, b.Status.Issue, b.Status.Text); err != nil {
			return Outcome{Block: b, Err: err, Mirror: fmt.Sprintf("status post to issue #%d failed: %v", b.Status.Issue, err)}
		}
		return Outcome{Block: b, OK: true, Mirror: fmt.Sprintf("status posted to issue #%d", b.Status.Issue)}

	case KindFetch:
		max := b.Fetch.MaxChars
		if max <= 0 {
			max = e.fetchMax
		}
		body, total, err := e.artifacts.LoadText(b.Fetch.Artifact, max)
		if err != nil {
			return Outcome{
				Block:  b,
				Err:    err,
				Mirror: fmt.Sprintf("artifact %s not available (%v)", b.Fetch.Artifact, err),
				Fetch:  &FetchEvent{Type: "ARTIFACT_ERROR", ArtifactID: b.Fetch.Artifact, Error: err.Error()},
			}
		}
		return Outcome{
			Block:  b,
			OK:     true,
			Mirror: fmt.Sprintf("fetched artifact %s (%d/%d chars)", b.Fetch.Artifact, len(body), total),
			Fetch:  &FetchEvent{Type: "ARTIFACT", ArtifactID: b.Fetch.Artifact, Chars: len(body), Total: total, Body: body},
		}
	}

	return Outcome{Block: b, Err: fmt.Errorf("unhandled control kind %q", b.Kind), Mirror: fmt.Sprintf("unhandled control kind %q", b.Kind)}
}

func mirrorExec(res localexec.Result) string {
	return fmt.Sprintf("exec> %s\ncwd: %s\ncode: %d\n\nstdout:\n%s\n\nstderr:\n%s",
		res.Cmd, res.Cwd, res.Code, truncate(res.Stdout, mirrorStreamMax), truncate(res.Stderr, mirrorStreamMax))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n[truncated]"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
