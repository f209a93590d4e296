package tool

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/agor-sh/agor/internal/common/logger"
)

// maxLineSize bounds a single stream-json line from an agent CLI. Large tool
// results can produce long lines.
const maxLineSize = 10 * 1024 * 1024

// cliRunner runs agent CLI subprocesses and tracks them per (session, task)
// so StopTask can interrupt cooperatively.
type cliRunner struct {
	log *logger.Logger

	mu      sync.Mutex
	running map[string]*exec.Cmd
}

func newCLIRunner(log *logger.Logger) *cliRunner {
	return &cliRunner{log: log, running: make(map[string]*exec.Cmd)}
}

func runKey(sessionID, taskID string) string { return sessionID + "/" + taskID }

// stop sends SIGINT to the process group of the tracked run. Unknown keys
// are ignored.
func (r *cliRunner) stop(sessionID, taskID string) {
	r.mu.Lock()
	cmd := r.running[runKey(sessionID, taskID)]
	r.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGINT)
}

// stream runs the CLI, feeding stdin (may be empty) and invoking onLine for
// every stdout line. Returns stderr content alongside any run error.
func (r *cliRunner) stream(ctx context.Context, sessionID, taskID string, stdin []byte, env map[string]string, cwd string, onLine func(line []byte), name string, args ...string) (stderr string, err error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = applyEnv(os.Environ(), env)
	cmd.Dir = cwd
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if len(stdin) > 0 {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	var errBuf bytes.Buffer
	cmd.Stderr = &errBuf

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start %s: %w", name, err)
	}

	key := runKey(sessionID, taskID)
	r.mu.Lock()
	r.running[key] = cmd
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.running, key)
		r.mu.Unlock()
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		onLine(line)
	}
	if scanErr := scanner.Err(); scanErr != nil && scanErr != io.EOF {
		r.log.Warn("Agent CLI stdout scan error",
			zap.String("tool", name), zap.Error(scanErr))
	}

	waitErr := cmd.Wait()
	return errBuf.String(), waitErr
}

// applyEnv renders the request environment onto the command environment.
func applyEnv(base []string, extra map[string]string) []string {
	for k, v := range extra {
		base = append(base, k+"="+v)
	}
	return base
}
