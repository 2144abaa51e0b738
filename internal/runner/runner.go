// Package runner invokes the opaque coding-agent command for one turn.
// The agent is an external collaborator: it reads a task brief on stdin,
// may mutate its working directory, and prints its final message to stdout.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchd/internal/config"
	"github.com/fyrsmithlabs/orchd/internal/github"
	"github.com/fyrsmithlabs/orchd/internal/logging"
	"github.com/fyrsmithlabs/orchd/internal/orchestrator"
)

// Runner shells out to the configured agent command once per turn.
type Runner struct {
	command []string
	model   string
	log     *logging.Logger
}

func New(cfg config.AgentConfig, log *logging.Logger) (*Runner, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("agent command is empty")
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Runner{
		command: append([]string(nil), cfg.Command...),
		model:   cfg.Model,
		log:     log.Named("runner"),
	}, nil
}

// RunTurn executes one agent turn in workdir. A non-zero exit is reported
// as a failed, unchanged turn rather than an error that would abort the
// poll cycle; only inability to start the process at all is an error.
func (r *Runner) RunTurn(ctx context.Context, issue github.Issue, workdir, brief string) (orchestrator.TurnResult, error) {
	argv := append([]string(nil), r.command...)
	if r.model != "" {
		argv = append(argv, "--model", r.model)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = workdir
	cmd.Stdin = strings.NewReader(brief)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.log.Info(ctx, "agent turn starting",
		zap.Int("issue", issue.Number),
		zap.String("workdir", workdir))

	before := headHash(workdir)
	err := cmd.Run()
	output := stdout.String()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return orchestrator.TurnResult{Changed: changed(workdir, before), OK: true, Output: output}, nil
	case errors.As(err, &exitErr):
		r.log.Warn(ctx, "agent turn exited non-zero",
			zap.Int("issue", issue.Number),
			zap.Int("code", exitErr.ExitCode()),
			zap.String("stderr", tail(stderr.String(), 2000)))
		return orchestrator.TurnResult{Changed: false, OK: false, Output: output}, nil
	default:
		return orchestrator.TurnResult{}, fmt.Errorf("start agent command: %w", err)
	}
}

// changed reports whether the turn left filesystem evidence behind: a dirty
// working copy, or commits the agent made itself. A workdir that is not a
// repository is reported changed and left for the commit step to judge.
func changed(workdir string, before plumbing.Hash) bool {
	repo, err := git.PlainOpen(workdir)
	if err != nil {
		return true
	}
	wt, err := repo.Worktree()
	if err != nil {
		return true
	}
	status, err := wt.Status()
	if err != nil {
		return true
	}
	if !status.IsClean() {
		return true
	}
	return headHash(workdir) != before
}

func headHash(workdir string) plumbing.Hash {
	repo, err := git.PlainOpen(workdir)
	if err != nil {
		return plumbing.ZeroHash
	}
	ref, err := repo.Head()
	if err != nil {
		return plumbing.ZeroHash
	}
	return ref.Hash()
}

func tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
