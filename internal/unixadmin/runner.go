// Package unixadmin performs privileged Unix operations for filesystem
// isolation: creating users and groups, managing memberships, setting ACLs,
// and rotating passwords. All operations go through a Runner so the daemon
// works both when it runs as root and when it escalates through sudo.
package unixadmin

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agor-sh/agor/internal/common/logger"
)

const (
	// commandTimeout bounds ordinary admin commands.
	commandTimeout = 30 * time.Second

	// probeTimeout bounds capability probes at startup.
	probeTimeout = 5 * time.Second
)

// Result captures one privileged command's outcome.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes privileged commands. Stdin is passed through so secrets
// never appear in argv.
type Runner interface {
	Run(ctx context.Context, stdin string, name string, args ...string) (*Result, error)

	// Available reports whether the runner can actually escalate.
	Available(ctx context.Context) bool
}

// DirectRunner executes commands as the daemon's own user. Used when the
// daemon already runs as root.
type DirectRunner struct {
	log *logger.Logger
}

// NewDirectRunner builds a runner that executes without escalation.
func NewDirectRunner(log *logger.Logger) *DirectRunner {
	return &DirectRunner{log: log}
}

// Run executes the command directly.
func (r *DirectRunner) Run(ctx context.Context, stdin string, name string, args ...string) (*Result, error) {
	return runCommand(ctx, r.log, stdin, name, args...)
}

// Available always reports true; direct execution needs no escalation.
func (r *DirectRunner) Available(ctx context.Context) bool { return true }

// SudoRunner escalates through sudo. Always non-interactive: -n fails fast
// instead of prompting, and no TTY is ever allocated.
type SudoRunner struct {
	sudoPath string
	log      *logger.Logger
}

// NewSudoRunner builds a runner that escalates through the given sudo binary.
// An empty path defaults to "sudo" resolved from PATH.
func NewSudoRunner(sudoPath string, log *logger.Logger) *SudoRunner {
	if sudoPath == "" {
		sudoPath = "sudo"
	}
	return &SudoRunner{sudoPath: sudoPath, log: log}
}

// Run executes the command under sudo -n.
func (r *SudoRunner) Run(ctx context.Context, stdin string, name string, args ...string) (*Result, error) {
	sudoArgs := append([]string{"-n", name}, args...)
	return runCommand(ctx, r.log, stdin, r.sudoPath, sudoArgs...)
}

// Available probes sudo -n true. A password prompt or missing rule makes the
// probe fail, which downgrades the daemon to noop mode.
func (r *SudoRunner) Available(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	res, err := runCommand(probeCtx, r.log, "", r.sudoPath, "-n", "true")
	return err == nil && res.ExitCode == 0
}

// NoopRunner records that isolation is unavailable and succeeds vacuously.
// Worktrees still work, they just share the daemon's Unix identity.
type NoopRunner struct {
	log *logger.Logger
}

// NewNoopRunner builds a runner that skips all privileged operations.
func NewNoopRunner(log *logger.Logger) *NoopRunner {
	return &NoopRunner{log: log}
}

// Run logs and succeeds without executing anything.
func (r *NoopRunner) Run(ctx context.Context, stdin string, name string, args ...string) (*Result, error) {
	r.log.Debug("Skipping privileged command (isolation disabled)",
		zap.String("command", name),
		zap.Strings("args", args))
	return &Result{}, nil
}

// Available always reports true; a noop cannot fail.
func (r *NoopRunner) Available(ctx context.Context) bool { return true }

func runCommand(ctx context.Context, log *logger.Logger, stdin string, name string, args ...string) (*Result, error) {
	runCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, commandTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: cmd.ProcessState.ExitCode(),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return res, fmt.Errorf("command %s timed out", name)
	}
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			// Non-zero exit is reported through ExitCode, not as error.
			log.Debug("Privileged command exited non-zero",
				zap.String("command", name),
				zap.Int("exit_code", res.ExitCode),
				zap.String("stderr", truncate(res.Stderr, 512)))
			return res, nil
		}
		return res, fmt.Errorf("failed to run %s: %w", name, err)
	}
	return res, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
