// Package localexec runs allow-listed local commands on behalf of the
// orchestrating agent's exec control blocks.
//
// The allow-list is keyed by program basename and constrains the first
// subcommand argument, so only version-control and repository-host CLI
// operations can be reached. Everything else is denied with the shell
// convention exit code 126, command-not-found with 127.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Result captures one command execution or denial.
type Result struct {
	OK     bool   `json:"ok"`
	Code   int    `json:"code"`
	Cmd    string `json:"cmd"`
	Cwd    string `json:"cwd"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// Runner executes commands subject to an allow-list.
type Runner struct {
	allow map[string][]string
}

// NewRunner creates a runner with the given allow-list. The map is keyed by
// program basename; values are the permitted first subcommands.
func NewRunner(allow map[string][]string) *Runner {
	return &Runner{allow: allow}
}

// Allowed reports whether the argv passes the allow-list.
func (r *Runner) Allowed(argv []string) bool {
	if len(argv) == 0 {
		return false
	}
	subs, ok := r.allow[filepath.Base(argv[0])]
	if !ok {
		return false
	}
	if len(argv) == 1 {
		return true
	}
	first := argv[1]
	if strings.HasPrefix(first, "-") {
		return true
	}
	for _, s := range subs {
		if s == first {
			return true
		}
	}
	return false
}

// Run executes argv in cwd. Denials and failures are reported in the Result,
// never as an error: the caller mirrors every outcome either way.
func (r *Runner) Run(ctx context.Context, cwd string, argv []string) Result {
	cmdText := strings.Join(argv, " ")
	if cwd == "" {
		cwd, _ = os.Getwd()
	}

	if !r.Allowed(argv) {
		return Result{
			OK:     false,
			Code:   126,
			Cmd:    cmdText,
			Cwd:    cwd,
			Stderr: "denied: " + nonEmpty(cmdText, "empty command"),
		}
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			code = exitErr.ExitCode()
		case errors.Is(err, exec.ErrNotFound):
			return Result{OK: false, Code: 127, Cmd: cmdText, Cwd: cwd, Stderr: err.Error()}
		default:
			return Result{OK: false, Code: 127, Cmd: cmdText, Cwd: cwd, Stderr: err.Error()}
		}
	}

	return Result{
		OK:     code == 0,
		Code:   code,
		Cmd:    cmdText,
		Cwd:    cwd,
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
