// Package config provides configuration loading for orchd.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the orchd daemon.
type Config struct {
	GitHub  GitHubConfig  `koanf:"github"`
	Labels  LabelsConfig  `koanf:"labels"`
	Poller  PollerConfig  `koanf:"poller"`
	Agent   AgentConfig   `koanf:"agent"`
	Control ControlConfig `koanf:"control"`
	Redact  RedactConfig  `koanf:"redact"`
	State   StateConfig   `koanf:"state"`
	Server  ServerConfig  `koanf:"server"`
	Log     LogConfig     `koanf:"log"`
}

// GitHubConfig identifies the repository orchd drives and how to reach it.
type GitHubConfig struct {
	Owner      string `koanf:"owner"`
	Repo       string `koanf:"repo"`
	Token      Secret `koanf:"token"`
	BaseBranch string `koanf:"base_branch"`
}

// Slug returns "owner/repo".
func (g GitHubConfig) Slug() string {
	return g.Owner + "/" + g.Repo
}

// LabelsConfig names the labels the state machine reads and writes.
// The label set on an issue is the durable representation of its lifecycle
// position; there is no separate state store for it.
type LabelsConfig struct {
	Track       string `koanf:"track"`
	Ready       string `koanf:"ready"`
	InProgress  string `koanf:"in_progress"`
	Draft       string `koanf:"draft"`
	ChecksGreen string `koanf:"checks_green"`
	ReadyHuman  string `koanf:"ready_human"`
	Stalled     string `koanf:"stalled"`
	Merged      string `koanf:"merged"`
	SafeLane    string `koanf:"safe_lane"`
}

// PollerConfig controls the reconciliation loop and liveness thresholds.
type PollerConfig struct {
	Interval       Duration `koanf:"interval"`
	StallThreshold Duration `koanf:"stall_threshold"`
	WIPCap         int      `koanf:"wip_cap"`
	DefaultCheckin Duration `koanf:"default_checkin"`
	DefaultBudget  Duration `koanf:"default_budget"`
	MaxNudges      int      `koanf:"max_nudges"`
}

// AgentConfig describes the opaque coding-agent command.
type AgentConfig struct {
	// Command is invoked once per turn with the brief on stdin and the
	// worktree as working directory.
	Command []string `koanf:"command"`
	Model   string   `koanf:"model"`
}

// ControlConfig gates what orchestrator control blocks may do.
type ControlConfig struct {
	Autopilot     bool                `koanf:"autopilot"`
	Dangerous     bool                `koanf:"dangerous"`
	ExecAllow     map[string][]string `koanf:"exec_allow"`
	FetchMaxChars int                 `koanf:"fetch_max_chars"`
}

// RedactConfig controls credential redaction on text leaving the process
// (comments, PR bodies, stored artifacts).
// Redaction is on unless explicitly disabled, so the zero value is safe.
type RedactConfig struct {
	Disabled      bool     `koanf:"disabled"`
	Replacement   string   `koanf:"replacement"`
	ExtraPatterns []string `koanf:"extra_patterns"`
	AllowList     []string `koanf:"allow_list"`
}

// StateConfig locates durable local state (heartbeats, artifacts, event log).
type StateConfig struct {
	Dir string `koanf:"dir"`
}

// ServerConfig configures the read-only status HTTP server.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns a configuration with every default applied and no
// repository binding. Callers still need to set GitHub and Agent values
// before Validate passes.
func Default() Config {
	var cfg Config
	applyDefaults(&cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.GitHub.BaseBranch == "" {
		cfg.GitHub.BaseBranch = "main"
	}

	if cfg.Labels.Track == "" {
		cfg.Labels.Track = "orchestrate"
	}
	if cfg.Labels.Ready == "" {
		cfg.Labels.Ready = "agent:queued"
	}
	if cfg.Labels.InProgress == "" {
		cfg.Labels.InProgress = "agent:running"
	}
	if cfg.Labels.Draft == "" {
		cfg.Labels.Draft = "agent:pr-draft"
	}
	if cfg.Labels.ChecksGreen == "" {
		cfg.Labels.ChecksGreen = "agent:checks-green"
	}
	if cfg.Labels.ReadyHuman == "" {
		cfg.Labels.ReadyHuman = "agent:ready-human"
	}
	if cfg.Labels.Stalled == "" {
		cfg.Labels.Stalled = "agent:stalled"
	}
	if cfg.Labels.Merged == "" {
		cfg.Labels.Merged = "agent:merged"
	}
	if cfg.Labels.SafeLane == "" {
		cfg.Labels.SafeLane = "auto:safe-lane"
	}

	if cfg.Poller.Interval == 0 {
		cfg.Poller.Interval = Duration(25 * time.Second)
	}
	if cfg.Poller.StallThreshold == 0 {
		cfg.Poller.StallThreshold = Duration(30 * time.Minute)
	}
	if cfg.Poller.WIPCap == 0 {
		cfg.Poller.WIPCap = 3
	}
	if cfg.Poller.DefaultCheckin == 0 {
		cfg.Poller.DefaultCheckin = Duration(10 * time.Minute)
	}
	if cfg.Poller.DefaultBudget == 0 {
		cfg.Poller.DefaultBudget = Duration(45 * time.Minute)
	}
	if cfg.Poller.MaxNudges == 0 {
		cfg.Poller.MaxNudges = 2
	}

	if cfg.Control.ExecAllow == nil {
		cfg.Control.ExecAllow = map[string][]string{
			"git": {"status", "rev-parse", "checkout", "switch", "add", "commit", "push", "fetch", "pull", "merge", "worktree"},
			"gh":  {"issue", "pr", "repo", "auth"},
		}
	}
	if cfg.Control.FetchMaxChars == 0 {
		cfg.Control.FetchMaxChars = 4000
	}

	if cfg.Redact.Replacement == "" {
		cfg.Redact.Replacement = "[REDACTED]"
	}

	if cfg.State.Dir == "" {
		cfg.State.Dir = ".orch"
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9180
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// Validate checks the configuration for fatal problems. A daemon started with
// an invalid configuration cannot make progress, so these surface immediately.
func (c *Config) Validate() error {
	if c.GitHub.Owner == "" || c.GitHub.Repo == "" {
		return fmt.Errorf("github.owner and github.repo are required")
	}
	if !c.GitHub.Token.IsSet() {
		return fmt.Errorf("github.token is required")
	}
	if c.GitHub.BaseBranch == "" {
		return fmt.Errorf("github.base_branch is required")
	}
	if len(c.Agent.Command) == 0 {
		return fmt.Errorf("agent.command is required")
	}
	if c.Poller.Interval.Duration() <= 0 {
		return fmt.Errorf("poller.interval must be positive, got %s", c.Poller.Interval.Duration())
	}
	if c.Poller.StallThreshold.Duration() <= 0 {
		return fmt.Errorf("poller.stall_threshold must be positive, got %s", c.Poller.StallThreshold.Duration())
	}
	if c.Poller.WIPCap < 0 {
		return fmt.Errorf("poller.wip_cap must be >= 0, got %d", c.Poller.WIPCap)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	return nil
}
