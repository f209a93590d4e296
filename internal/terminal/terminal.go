package terminal

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/agor-sh/agor/internal/common/logger"
	"github.com/agor-sh/agor/internal/rpc"
)

// Recent output kept for re-attaching clients.
const maxReplayBuffer = 16 * 1024

// outputEvent is the wire shape of one terminal output notification.
type outputEvent struct {
	Channel string `json:"channel"`
	Data    string `json:"data"` // base64, PTY bytes are not valid JSON text
	Closed  bool   `json:"closed,omitempty"`
}

// Terminal is one live PTY pumping output to a hub channel.
type Terminal struct {
	channel     string
	sessionName string
	mode        string

	pty *os.File
	cmd *exec.Cmd

	mu      sync.RWMutex
	running bool

	bufMu  sync.RWMutex
	replay []byte

	sink   Sink
	log    *logger.Logger
	doneCh chan struct{}
}

func newTerminal(req *AttachRequest, sink Sink, channel string, log *logger.Logger) (*Terminal, error) {
	cmd, err := buildCommand(req)
	if err != nil {
		return nil, err
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(req.Cols),
		Rows: uint16(req.Rows),
	})
	if err != nil {
		return nil, rpc.NewError(rpc.CodeExecutorSpawn, "failed to start terminal: %v", err)
	}

	t := &Terminal{
		channel:     channel,
		sessionName: req.SessionName,
		mode:        req.Mode,
		pty:         ptmx,
		cmd:         cmd,
		running:     true,
		sink:        sink,
		log:         log.WithFields(zap.String("channel", channel)),
		doneCh:      make(chan struct{}),
	}
	go t.pumpOutput()
	go t.waitForExit()
	return t, nil
}

// Running reports whether the PTY process is still alive.
func (t *Terminal) Running() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.running
}

// Write sends input bytes to the PTY.
func (t *Terminal) Write(data []byte) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.running {
		return rpc.NewError(rpc.CodeNotFound, "terminal is closed")
	}
	if _, err := t.pty.Write(data); err != nil {
		return fmt.Errorf("terminal write: %w", err)
	}
	return nil
}

// Resize adjusts the PTY window size.
func (t *Terminal) Resize(cols, rows int) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.running {
		return rpc.NewError(rpc.CodeNotFound, "terminal is closed")
	}
	if err := pty.Setsize(t.pty, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return fmt.Errorf("terminal resize: %w", err)
	}
	return nil
}

// FocusTab creates or focuses a named tab in the underlying zellij session.
func (t *Terminal) FocusTab(ctx context.Context, tabName, cwd string) error {
	if t.mode != ModeZellij {
		return rpc.NewError(rpc.CodeValidationFailed, "tabs require zellij mode")
	}
	action := []string{"go-to-tab-name", "--create", tabName}
	if err := zellijAction(ctx, t.sessionName, action...); err != nil {
		return err
	}
	if cwd != "" {
		// New tabs inherit the session cwd; steer the fresh tab explicitly.
		return zellijAction(ctx, t.sessionName, "write-chars", "cd "+cwd+"\n")
	}
	return nil
}

// BufferedOutput returns recent output so re-attaching clients can repaint.
func (t *Terminal) BufferedOutput() string {
	t.bufMu.RLock()
	defer t.bufMu.RUnlock()
	if len(t.replay) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(t.replay)
}

// Close detaches from the PTY. SIGTERM first, SIGKILL if the process
// lingers. In zellij mode this only kills the attach client; the multiplexer
// session survives for the next Attach.
func (t *Terminal) Close() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.mu.Unlock()

	if t.cmd.Process != nil {
		_ = t.cmd.Process.Signal(syscall.SIGTERM)
	}
	_ = t.pty.Close()

	select {
	case <-t.doneCh:
	case <-time.After(2 * time.Second):
		if t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
		select {
		case <-t.doneCh:
		case <-time.After(5 * time.Second):
			t.log.Warn("Terminal process did not exit after kill")
		}
	}
}

// pumpOutput reads the PTY and forwards chunks to the hub channel.
func (t *Terminal) pumpOutput() {
	buf := make([]byte, 4096)
	for {
		n, err := t.pty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.appendReplay(chunk)
			t.send(chunk, false)
		}
		if err != nil {
			if err != io.EOF {
				t.log.Debug("Terminal read ended", zap.Error(err))
			}
			return
		}
	}
}

func (t *Terminal) send(data []byte, closed bool) {
	msg, err := rpc.NewNotification("terminal.output", &outputEvent{
		Channel: t.channel,
		Data:    base64.StdEncoding.EncodeToString(data),
		Closed:  closed,
	})
	if err != nil {
		return
	}
	t.sink.Send(t.channel, msg)
}

func (t *Terminal) appendReplay(data []byte) {
	t.bufMu.Lock()
	defer t.bufMu.Unlock()
	t.replay = append(t.replay, data...)
	if len(t.replay) > maxReplayBuffer {
		t.replay = t.replay[len(t.replay)-maxReplayBuffer:]
	}
}

func (t *Terminal) waitForExit() {
	_ = t.cmd.Wait()

	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
	close(t.doneCh)

	t.send(nil, true)
	t.log.Info("Terminal process exited")
}

// detectShell picks the bare-shell command for shell mode.
func detectShell() (string, []string) {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell, []string{"-l"}
	}
	for _, sh := range []string{"/bin/bash", "/bin/zsh", "/bin/sh"} {
		if _, err := os.Stat(sh); err == nil {
			return sh, []string{"-l"}
		}
	}
	return "/bin/sh", nil
}

// terminalEnv builds the PTY environment. An env file, when given, is
// sourced by pointing the shell at it rather than parsing it in-process.
func terminalEnv(cwd, envFile string) []string {
	env := os.Environ()
	env = append(env, "PWD="+cwd)
	env = append(env, "TERM=xterm-256color")
	env = append(env, "LANG=C.UTF-8")
	env = append(env, "LC_ALL=C.UTF-8")
	if envFile != "" {
		env = append(env, "AGOR_ENV_FILE="+envFile)
	}
	return env
}
