package control

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/orchd/internal/localexec"
)

type fakeAgents struct {
	spawned []string
	sent    []string
	closed  []string
	err     error
}

func (f *fakeAgents) Spawn(_ context.Context, name, task, cwd string) error {
	if f.err != nil {
		return f.err
	}
	f.spawned = append(f.spawned, name)
	return nil
}

func (f *fakeAgents) Send(_ context.Context, to, task string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, to)
	return nil
}

func (f *fakeAgents) Close(_ context.Context, name string) error {
	if f.err != nil {
		return f.err
	}
	f.closed = append(f.closed, name)
	return nil
}

type fakeExec struct {
	calls  int
	result localexec.Result
}

func (f *fakeExec) Run(_ context.Context, cwd string, argv []string) localexec.Result {
	f.calls++
	res := f.result
	res.Cwd = cwd
	return res
}

type fakeArtifacts struct {
	body  string
	total int
	err   error
}

func (f *fakeArtifacts) LoadText(id string, maxChars int) (string, int, error) {
	if f.err != nil {
		return "", 0, f.err
	}
	body := f.body
	if len(body) > maxChars {
		body = body[:maxChars]
	}
	return body, f.total, nil
}

type fakeStatus struct {
	posts map[int]string
	err   error
}

func (f *fakeStatus) PostStatus(_ context.Context, issue int, text string) error {
	if f.err != nil {
		return f.err
	}
	if f.posts == nil {
		f.posts = map[int]string{}
	}
	f.posts[issue] = text
	return nil
}

func newTestEngine(policy Policy, agents *fakeAgents, exec *fakeExec, arts *fakeArtifacts, status *fakeStatus) *Engine {
	if agents == nil {
		agents = &fakeAgents{}
	}
	if exec == nil {
		exec = &fakeExec{result: localexec.Result{OK: true}}
	}
	if arts == nil {
		arts = &fakeArtifacts{}
	}
	if status == nil {
		status = &fakeStatus{}
	}
	return NewEngine(policy, agents, exec, arts, status, 0, nil)
}

func autopilotPolicy() Policy {
	return Policy{Autopilot: true, Dangerous: true, Allow: stubAllow(true)}
}

func TestApplySpawnSendClose(t *testing.T) {
	agents := &fakeAgents{}
	e := newTestEngine(autopilotPolicy(), agents, nil, nil, nil)

	text := "```control\n{\"spawn\": {\"name\": \"w\", \"task\": \"t\"}}\n```\n" +
		"```control\n{\"send\": {\"to\": \"w\", \"task\": \"next\"}}\n```\n" +
		"```control\n{\"close\": {\"agent\": \"w\"}}\n```"

	outcomes := e.Apply(context.Background(), text)
	require.Len(t, outcomes, 3)
	for _, o := range outcomes {
		assert.True(t, o.OK, o.Mirror)
		assert.NotEmpty(t, o.Mirror)
	}
	assert.Equal(t, []string{"w"}, agents.spawned)
	assert.Equal(t, []string{"w"}, agents.sent)
	assert.Equal(t, []string{"w"}, agents.closed)
}

func TestApplySpawnConflictMirrored(t *testing.T) {
	agents := &fakeAgents{err: errors.New("worktree already bound to agent w")}
	e := newTestEngine(autopilotPolicy(), agents, nil, nil, nil)

	outcomes := e.Apply(context.Background(), "```control\n{\"spawn\": {\"name\": \"x\", \"task\": \"t\"}}\n```")
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].OK)
	require.Error(t, outcomes[0].Err)
	assert.Contains(t, outcomes[0].Mirror, "spawn x failed")
	assert.Contains(t, outcomes[0].Mirror, "already bound")
}

func TestApplyExecRunsOnlyWhenAllGatesPass(t *testing.T) {
	text := "```control\n{\"exec\": {\"cwd\": \".\", \"argv\": [\"git\", \"status\"]}}\n```"

	for _, tt := range []struct {
		name      string
		autopilot bool
		dangerous bool
		allowed   bool
		wantRun   bool
	}{
		{"denied without autopilot", false, true, true, false},
		{"denied without dangerous", true, false, true, false},
		{"denied off allow-list", true, true, false, false},
		{"runs with all gates", true, true, true, true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			exec := &fakeExec{result: localexec.Result{OK: true, Cmd: "git status", Stdout: "clean"}}
			p := Policy{Autopilot: tt.autopilot, Dangerous: tt.dangerous, Allow: stubAllow(tt.allowed)}
			outcomes := newTestEngine(p, nil, exec, nil, nil).Apply(context.Background(), text)

			require.Len(t, outcomes, 1)
			if tt.wantRun {
				assert.Equal(t, 1, exec.calls)
				assert.True(t, outcomes[0].OK)
				assert.Contains(t, outcomes[0].Mirror, "exec> git status")
				assert.Contains(t, outcomes[0].Mirror, "stdout:\nclean")
			} else {
				assert.Zero(t, exec.calls)
				require.NotNil(t, outcomes[0].Denied)
				assert.Contains(t, outcomes[0].Mirror, "denied exec")
			}
		})
	}
}

func TestApplyExecFailureMirrorsExitCode(t *testing.T) {
	exec := &fakeExec{result: localexec.Result{OK: false, Code: 128, Cmd: "git push", Stderr: "remote rejected"}}
	e := newTestEngine(autopilotPolicy(), nil, exec, nil, nil)

	outcomes := e.Apply(context.Background(), "```control\n{\"exec\": {\"cwd\": \".\", \"argv\": [\"git\", \"push\"]}}\n```")
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].OK)
	assert.Contains(t, outcomes[0].Mirror, "code: 128")
	assert.Contains(t, outcomes[0].Mirror, "remote rejected")
	require.Error(t, outcomes[0].Err)
}

func TestApplyStatusPostsComment(t *testing.T) {
	status := &fakeStatus{}
	e := newTestEngine(autopilotPolicy(), nil, nil, nil, status)

	outcomes := e.Apply(context.Background(), "```control\n{\"status\": {\"issue\": 42, \"text\": \"tests passing, opening PR\"}}\n```")
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].OK)
	assert.Equal(t, "tests passing, opening PR", status.posts[42])
}

func TestApplyStatusWithoutIssueIsProjectScoped(t *testing.T) {
	status := &fakeStatus{}
	e := newTestEngine(autopilotPolicy(), nil, nil, nil, status)

	outcomes := e.Apply(context.Background(), "```control\n{\"status\": {\"text\": \"sweep complete\"}}\n```")
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].OK)
	assert.Empty(t, status.posts)
	assert.Contains(t, outcomes[0].Mirror, "project")
}

func TestApplyFetchProducesDigestEvent(t *testing.T) {
	arts := &fakeArtifacts{body: "full artifact body", total: 18}
	e := newTestEngine(autopilotPolicy(), nil, nil, arts, nil)

	outcomes := e.Apply(context.Background(), "```control\n{\"fetch\": {\"artifact\": \"1756500000-deadbeef\", \"max_chars\": 8}}\n```")
	require.Len(t, outcomes, 1)
	require.NotNil(t, outcomes[0].Fetch)
	assert.Equal(t, "ARTIFACT", outcomes[0].Fetch.Type)
	assert.Equal(t, "full art", outcomes[0].Fetch.Body)
	assert.Equal(t, 18, outcomes[0].Fetch.Total)
}

func TestApplyFetchMissingArtifact(t *testing.T) {
	arts := &fakeArtifacts{err: fmt.Errorf("artifact not found")}
	e := newTestEngine(autopilotPolicy(), nil, nil, arts, nil)

	outcomes := e.Apply(context.Background(), "```control\n{\"fetch\": {\"artifact\": \"1-aaaaaaaa\"}}\n```")
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].OK)
	require.NotNil(t, outcomes[0].Fetch)
	assert.Equal(t, "ARTIFACT_ERROR", outcomes[0].Fetch.Type)
	assert.Contains(t, outcomes[0].Mirror, "not available")
}

func TestApplyMalformedBlockMirroredNotFatal(t *testing.T) {
	agents := &fakeAgents{}
	e := newTestEngine(autopilotPolicy(), agents, nil, nil, nil)

	text := "```control\n{\"spawn\": {\"name\": \"a\"}}\n```\n" +
		"```control\n{\"spawn\": {\"name\": \"b\", \"task\": \"t\"}}\n```"
	outcomes := e.Apply(context.Background(), text)
	require.Len(t, outcomes, 2)

	var malformed, ok int
	for _, o := range outcomes {
		var mErr *MalformedError
		if errors.As(o.Err, &mErr) {
			malformed++
			assert.Contains(t, o.Mirror, "malformed")
		} else if o.OK {
			ok++
		}
	}
	assert.Equal(t, 1, malformed)
	assert.Equal(t, 1, ok)
	assert.Equal(t, []string{"b"}, agents.spawned)
}

func TestApplyDenialMirroredVerbatim(t *testing.T) {
	e := newTestEngine(Policy{Autopilot: false}, nil, nil, nil, nil)

	outcomes := e.Apply(context.Background(), "```control\n{\"close\": {\"agent\": \"w\"}}\n```")
	require.Len(t, outcomes, 1)
	require.NotNil(t, outcomes[0].Denied)
	assert.Equal(t, outcomes[0].Denied.Error(), outcomes[0].Mirror)
	assert.Equal(t, GateAutopilot, outcomes[0].Denied.Gate)
}
