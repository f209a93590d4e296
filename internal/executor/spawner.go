package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agor-sh/agor/internal/common/config"
	"github.com/agor-sh/agor/internal/common/logger"
)

// stderrCaptureLimit bounds how much executor stderr is retained for error
// reporting.
const stderrCaptureLimit = 4 * 1024

// ErrAborted is returned when a running executor was stopped through its
// abort handle.
var ErrAborted = errors.New("executor aborted")

// AbortHandle cancels one running executor. Firing it twice is harmless.
type AbortHandle struct {
	once   sync.Once
	cancel context.CancelFunc
}

// Abort fires the handle.
func (h *AbortHandle) Abort() {
	h.once.Do(h.cancel)
}

// Spawner launches executor subprocesses under the configured Unix identity
// and tracks running ones so they can be aborted by (session, task) key.
type Spawner struct {
	cfg       config.ExecutionConfig
	daemonURL string
	log       *logger.Logger

	mu      sync.Mutex
	running map[string]*AbortHandle
}

// NewSpawner builds a spawner.
func NewSpawner(cfg config.ExecutionConfig, daemonURL string, log *logger.Logger) *Spawner {
	return &Spawner{
		cfg:       cfg,
		daemonURL: daemonURL,
		log:       log,
		running:   make(map[string]*AbortHandle),
	}
}

func abortKey(sessionID, taskID string) string { return sessionID + "/" + taskID }

// Abort cancels the executor registered for (sessionID, taskID). Returns
// false when nothing is running under that key.
func (s *Spawner) Abort(sessionID, taskID string) bool {
	s.mu.Lock()
	handle, ok := s.running[abortKey(sessionID, taskID)]
	s.mu.Unlock()
	if !ok {
		return false
	}
	handle.Abort()
	return true
}

// executorBin resolves the agor-exec binary: configured path first, then
// next to the daemon binary.
func (s *Spawner) executorBin() string {
	if s.cfg.ExecutorBin != "" {
		return s.cfg.ExecutorBin
	}
	self, err := os.Executable()
	if err != nil {
		return "agor-exec"
	}
	return filepath.Join(filepath.Dir(self), "agor-exec")
}

// resolveCommand maps the impersonation decision to the argv actually
// executed. Impersonation always goes through sudo -n -u so initgroups runs
// and fresh group memberships are visible; no TTY is ever allocated.
func (s *Spawner) resolveCommand(unixUser string) (string, []string) {
	bin := s.executorBin()
	if unixUser == "" {
		return bin, nil
	}
	sudo := s.cfg.SudoPath
	if sudo == "" {
		sudo = "sudo"
	}
	return sudo, []string{"-n", "-u", unixUser, bin}
}

// ResolveUnixUser applies the impersonation mode for a requesting user's
// Unix account. Git operations pass gitOp=true and always run as the daemon
// user, with sudo still interposed so initgroups picks up new groups.
func (s *Spawner) ResolveUnixUser(requestingUnixUser string, gitOp bool) string {
	switch s.cfg.ImpersonationMode() {
	case config.ImpersonationSimple:
		return ""
	case config.ImpersonationInsulated:
		return s.cfg.ExecutorUser
	case config.ImpersonationStrict:
		if gitOp {
			// Shared parent directories belong to the daemon user.
			return ""
		}
		return requestingUnixUser
	}
	return ""
}

// SpawnResult carries the executor's outcome back to the caller.
type SpawnResult struct {
	Result   *Result
	ExitCode int
	Stderr   string
	Aborted  bool
}

// Spawn runs one executor to completion: payload on stdin, Result envelope
// from stdout, stderr capped for diagnostics. If sessionID and taskID are
// set the run is registered for aborting; an abort escalates SIGTERM after
// the grace period and SIGKILL after the kill timeout.
func (s *Spawner) Spawn(ctx context.Context, sessionID, taskID, unixUser string, payload []byte) (*SpawnResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	name, args := s.resolveCommand(unixUser)
	cmd := exec.Command(name, args...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(), "AGOR_DAEMON_URL="+s.daemonURL)
	// Detach from the daemon's process group so signals target the executor.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout bytes.Buffer
	stderr := &cappedBuffer{limit: stderrCaptureLimit}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start executor: %w", err)
	}

	aborted := false
	if sessionID != "" && taskID != "" {
		handle := &AbortHandle{cancel: cancel}
		key := abortKey(sessionID, taskID)
		s.mu.Lock()
		s.running[key] = handle
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.running, key)
			s.mu.Unlock()
		}()
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-runCtx.Done():
		aborted = true
		waitErr = s.escalate(cmd, done)
	}

	res := &SpawnResult{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stderr:   stderr.String(),
		Aborted:  aborted,
	}

	if out := bytes.TrimSpace(stdout.Bytes()); len(out) > 0 {
		var parsed Result
		if err := json.Unmarshal(lastLine(out), &parsed); err == nil {
			res.Result = &parsed
		}
	}

	if aborted {
		s.log.Info("Executor aborted",
			zap.String("session_id", sessionID),
			zap.String("task_id", taskID))
		return res, ErrAborted
	}
	if waitErr != nil && res.Result == nil {
		return res, fmt.Errorf("executor exited %d: %s", res.ExitCode, stderr.String())
	}
	return res, nil
}

// escalate delivers SIGTERM after the grace period, SIGKILL after the kill
// timeout, and waits for the process to reap.
func (s *Spawner) escalate(cmd *exec.Cmd, done chan error) error {
	grace := time.NewTimer(s.cfg.TermGraceDuration())
	defer grace.Stop()

	select {
	case err := <-done:
		return err
	case <-grace.C:
	}

	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)

	kill := time.NewTimer(s.cfg.KillTimeoutDuration())
	defer kill.Stop()

	select {
	case err := <-done:
		return err
	case <-kill.C:
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		return <-done
	}
}

// lastLine returns the final non-empty line; executors may emit progress
// noise on stdout before the result envelope.
func lastLine(data []byte) []byte {
	lines := bytes.Split(data, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		if line := bytes.TrimSpace(lines[i]); len(line) > 0 {
			return line
		}
	}
	return data
}

// cappedBuffer keeps at most limit bytes, discarding the tail.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if remaining := b.limit - b.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			p = p[:remaining]
		}
		b.buf.Write(p)
	}
	return n, nil
}

func (b *cappedBuffer) String() string { return b.buf.String() }

var _ io.Writer = (*cappedBuffer)(nil)
