package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/orchd/internal/artifact"
	"github.com/fyrsmithlabs/orchd/internal/config"
	"github.com/fyrsmithlabs/orchd/internal/control"
	"github.com/fyrsmithlabs/orchd/internal/github"
	httpapi "github.com/fyrsmithlabs/orchd/internal/http"
	"github.com/fyrsmithlabs/orchd/internal/hub"
	"github.com/fyrsmithlabs/orchd/internal/localexec"
	"github.com/fyrsmithlabs/orchd/internal/logging"
	"github.com/fyrsmithlabs/orchd/internal/orchestrator"
	"github.com/fyrsmithlabs/orchd/internal/redact"
	"github.com/fyrsmithlabs/orchd/internal/runner"
	"github.com/fyrsmithlabs/orchd/internal/worktree"
)

// runDaemon wires every component and blocks until the context is cancelled
// or a fatal startup error occurs.
//
// Startup order:
//  1. Load and validate configuration
//  2. Initialize the logger
//  3. Verify GitHub repository access (fatal on failure)
//  4. Build durable local state (heartbeats, artifacts, event log)
//  5. Build the agent hub, watchdog, control engine, and merge engine
//  6. Start the status HTTP server
//  7. Run poll cycles until interrupted, then shut down gracefully
func runDaemon(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() {
		_ = log.Sync()
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info(ctx, "starting orchd",
		zap.String("repo", cfg.GitHub.Slug()),
		zap.String("base_branch", cfg.GitHub.BaseBranch),
		zap.Duration("poll_interval", cfg.Poller.Interval.Duration()),
		zap.Int("wip_cap", cfg.Poller.WIPCap))

	scrub, err := redact.New(redact.Config{
		Enabled:       !cfg.Redact.Disabled,
		Replacement:   cfg.Redact.Replacement,
		ExtraPatterns: cfg.Redact.ExtraPatterns,
		AllowList:     cfg.Redact.AllowList,
	})
	if err != nil {
		return fmt.Errorf("compile redaction rules: %w", err)
	}

	// Repository access is a startup requirement; a daemon that cannot
	// reach its repository cannot make progress.
	host, err := github.NewClient(ctx, cfg.GitHub, cfg.Labels.Track, scrub)
	if err != nil {
		return fmt.Errorf("create GitHub client: %w", err)
	}
	if err := host.Ping(ctx); err != nil {
		return fmt.Errorf("verify repository access to %s: %w", cfg.GitHub.Slug(), err)
	}

	repoRoot, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve working directory: %w", err)
	}

	states, err := hub.NewStateStore(cfg.State.Dir)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	events := hub.NewEventLog(cfg.State.Dir)
	digest := hub.NewDigest()
	artifacts := artifact.NewStore(cfg.State.Dir)

	// Agents are poll-driven processes, so orchestrator sends and watchdog
	// nudges queue in a mailbox and ride each agent's next turn brief.
	mailbox := hub.NewMailbox()
	registry := hub.New(hub.NewMailboxLauncher(mailbox), events, digest, hub.Options{
		DefaultCheckin: cfg.Poller.DefaultCheckin.Duration(),
		DefaultBudget:  cfg.Poller.DefaultBudget.Duration(),
		MaxNudges:      cfg.Poller.MaxNudges,
		DefaultCwd:     repoRoot,
	}, log)
	watchdog := hub.NewWatchdog(registry, digest, cfg.Poller.MaxNudges, log)

	status := orchestrator.NewStatusPublisher(host, states)
	execRunner := localexec.NewRunner(cfg.Control.ExecAllow)
	engine := control.NewEngine(control.Policy{
		Autopilot: cfg.Control.Autopilot,
		Dangerous: cfg.Control.Dangerous,
		Allow:     execRunner,
	}, registry, execRunner, artifacts, status, cfg.Control.FetchMaxChars, log)

	turns, err := runner.New(cfg.Agent, log)
	if err != nil {
		return fmt.Errorf("create agent runner: %w", err)
	}

	poller := orchestrator.NewPoller(*cfg, orchestrator.Deps{
		Host:      host,
		Trees:     worktree.NewManager(repoRoot, cfg.GitHub.BaseBranch, cfg.GitHub.Token),
		Runner:    turns,
		Registry:  registry,
		Scheduler: hub.NewScheduler(cfg.Poller.WIPCap),
		States:    states,
		Engine:    engine,
		Merge:     orchestrator.NewMergeEngine(host, cfg.Labels.ChecksGreen, cfg.Labels.ReadyHuman, cfg.Labels.SafeLane),
		Artifacts: artifacts,
		Digest:    digest,
		Events:    events,
		Watchdog:  watchdog,
		Status:    status,
		Mailbox:   mailbox,
	}, log)
	registry.SetRecovery(poller.RecoverIssue)

	srv, err := httpapi.NewServer(poller, log, httpapi.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("create status server: %w", err)
	}
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(ctx, "status server failed", zap.Error(err))
		}
	}()
	log.Info(ctx, "status server listening",
		zap.String("addr", fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)))

	err = poller.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Warn(shutdownCtx, "status server shutdown failed", zap.Error(serr))
	}

	log.Info(context.Background(), "orchd shutdown complete")
	return err
}

// newLogger builds the structured logger from the log section of the config.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Log.Level, err)
	}
	logCfg := logging.NewDefaultConfig()
	logCfg.Level = level
	logCfg.Format = cfg.Log.Format
	return logging.NewLogger(logCfg)
}
