package config

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := &Config{}
	cfg.GitHub.Owner = "fyrsmithlabs"
	cfg.GitHub.Repo = "widgets"
	cfg.GitHub.Token = "ghp_test"
	cfg.Agent.Command = []string{"codex", "exec"}
	applyDefaults(cfg)
	return cfg
}

func TestApplyDefaults(t *testing.T) {
	cfg := validConfig()

	assert.Equal(t, "main", cfg.GitHub.BaseBranch)
	assert.Equal(t, "orchestrate", cfg.Labels.Track)
	assert.Equal(t, "agent:queued", cfg.Labels.Ready)
	assert.Equal(t, "agent:running", cfg.Labels.InProgress)
	assert.Equal(t, "agent:stalled", cfg.Labels.Stalled)
	assert.Equal(t, "auto:safe-lane", cfg.Labels.SafeLane)
	assert.Equal(t, 25*time.Second, cfg.Poller.Interval.Duration())
	assert.Equal(t, 30*time.Minute, cfg.Poller.StallThreshold.Duration())
	assert.Equal(t, 3, cfg.Poller.WIPCap)
	assert.Equal(t, 2, cfg.Poller.MaxNudges)
	assert.Equal(t, 4000, cfg.Control.FetchMaxChars)
	assert.Equal(t, ".orch", cfg.State.Dir)
	assert.Contains(t, cfg.Control.ExecAllow, "git")
	assert.Contains(t, cfg.Control.ExecAllow, "gh")
}

func TestValidate_Valid(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidate_MissingRepo(t *testing.T) {
	cfg := validConfig()
	cfg.GitHub.Repo = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "github.owner and github.repo")
}

func TestValidate_MissingToken(t *testing.T) {
	cfg := validConfig()
	cfg.GitHub.Token = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "github.token")
}

func TestValidate_MissingAgentCommand(t *testing.T) {
	cfg := validConfig()
	cfg.Agent.Command = nil

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent.command")
}

func TestValidate_NegativeWIPCap(t *testing.T) {
	cfg := validConfig()
	cfg.Poller.WIPCap = -1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wip_cap")
}

func TestGitHubConfig_Slug(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, "fyrsmithlabs/widgets", cfg.GitHub.Slug())
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("ghp_supersecret")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "ghp_supersecret", s.Value())
	assert.True(t, s.IsSet())

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(data))

	assert.False(t, Secret("").IsSet())
	assert.Equal(t, "", Secret("").String())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("45m")))
	assert.Equal(t, 45*time.Minute, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("bogus")))
}
