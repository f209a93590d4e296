// Package terminal bridges PTY-backed terminals to websocket clients. A
// terminal is keyed by (user, worktree): one PTY per key, output fanned out
// on the matching hub channel, input and resizes accepted from any client
// attached to it. In zellij mode the PTY runs `zellij attach` so the
// multiplexer session survives reconnects; shell mode spawns a bare shell
// with no persistence.
package terminal

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agor-sh/agor/internal/common/logger"
	"github.com/agor-sh/agor/internal/rpc"
	"github.com/agor-sh/agor/internal/store"
)

const (
	ModeZellij = "zellij"
	ModeShell  = "shell"
)

// Sink receives terminal output messages for a channel. The websocket hub
// implements this.
type Sink interface {
	Send(channel string, msg *rpc.Message)
}

// AttachRequest opens or re-attaches a terminal.
type AttachRequest struct {
	UserID      string `json:"user_id"`
	WorktreeID  string `json:"worktree_id,omitempty"`
	SessionName string `json:"session_name"`
	Cwd         string `json:"cwd"`
	TabName     string `json:"tab_name,omitempty"`
	Cols        int    `json:"cols"`
	Rows        int    `json:"rows"`
	EnvFile     string `json:"env_file,omitempty"`
	Mode        string `json:"mode"`
}

// TabRequest creates or focuses a tab in a running zellij session.
type TabRequest struct {
	UserID     string `json:"user_id"`
	WorktreeID string `json:"worktree_id,omitempty"`
	TabName    string `json:"tab_name"`
	Cwd        string `json:"cwd,omitempty"`
}

// ResizeRequest adjusts the PTY window.
type ResizeRequest struct {
	UserID     string `json:"user_id"`
	WorktreeID string `json:"worktree_id,omitempty"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

// InputRequest carries keystrokes to the PTY.
type InputRequest struct {
	UserID     string `json:"user_id"`
	WorktreeID string `json:"worktree_id,omitempty"`
	Data       string `json:"data"`
}

// AttachResult reports the opened terminal back to the caller.
type AttachResult struct {
	Channel     string `json:"channel"`
	SessionName string `json:"session_name"`
	Mode        string `json:"mode"`
	Created     bool   `json:"created"`
	Replay      string `json:"replay,omitempty"`
}

// Bridge owns every live terminal in the daemon.
type Bridge struct {
	mu        sync.Mutex
	terminals map[string]*Terminal
	sink      Sink
	log       *logger.Logger
}

// NewBridge builds an empty bridge over the output sink.
func NewBridge(sink Sink, log *logger.Logger) *Bridge {
	return &Bridge{
		terminals: make(map[string]*Terminal),
		sink:      sink,
		log:       log.WithFields(zap.String("component", "terminal")),
	}
}

// Channel names the hub channel a terminal streams on.
func Channel(userID, worktreeID string) string {
	if worktreeID == "" {
		return "terminal:" + userID
	}
	return "terminal:" + userID + ":" + worktreeID
}

// requireOperator gates every bridge entry point. Terminals reach the host
// filesystem directly, so only owners and admins may open them.
func requireOperator(user *store.User) error {
	if user == nil {
		return rpc.NewError(rpc.CodeNotAuthenticated, "authentication required")
	}
	if user.Role != store.RoleOwner && user.Role != store.RoleAdmin {
		return rpc.NewError(rpc.CodeForbidden, "terminals require an admin role")
	}
	return nil
}

// Attach opens a terminal for (user, worktree), or re-attaches to a live
// one. Re-attaching to a zellij terminal with a tab name creates or focuses
// that tab instead of spawning a second PTY.
func (b *Bridge) Attach(ctx context.Context, user *store.User, req *AttachRequest) (*AttachResult, error) {
	if err := requireOperator(user); err != nil {
		return nil, err
	}
	if req.UserID == "" || req.SessionName == "" {
		return nil, rpc.NewError(rpc.CodeValidationFailed, "user_id and session_name are required")
	}
	switch req.Mode {
	case ModeZellij, ModeShell:
	case "":
		req.Mode = ModeZellij
	default:
		return nil, rpc.NewError(rpc.CodeValidationFailed, "unknown terminal mode %q", req.Mode)
	}
	if req.Cols <= 0 {
		req.Cols = 80
	}
	if req.Rows <= 0 {
		req.Rows = 24
	}

	key := Channel(req.UserID, req.WorktreeID)

	b.mu.Lock()
	if existing, ok := b.terminals[key]; ok && existing.Running() {
		b.mu.Unlock()
		if req.Mode == ModeZellij && req.TabName != "" {
			if err := existing.FocusTab(ctx, req.TabName, req.Cwd); err != nil {
				return nil, err
			}
		}
		return &AttachResult{
			Channel:     key,
			SessionName: existing.sessionName,
			Mode:        existing.mode,
			Created:     false,
			Replay:      existing.BufferedOutput(),
		}, nil
	}
	b.mu.Unlock()

	term, err := newTerminal(req, b.sink, key, b.log)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	// Someone may have attached while we were spawning; the later PTY wins
	// and the earlier one is shut down.
	if prior, ok := b.terminals[key]; ok && prior.Running() {
		b.mu.Unlock()
		term.Close()
		return nil, rpc.NewError(rpc.CodeConflict, "terminal already open for %s", key)
	}
	b.terminals[key] = term
	b.mu.Unlock()

	b.log.Info("Terminal attached",
		zap.String("channel", key),
		zap.String("mode", req.Mode),
		zap.String("session", req.SessionName))
	return &AttachResult{
		Channel:     key,
		SessionName: req.SessionName,
		Mode:        req.Mode,
		Created:     true,
	}, nil
}

// Tab creates or focuses a tab in a running zellij terminal.
func (b *Bridge) Tab(ctx context.Context, user *store.User, req *TabRequest) error {
	if err := requireOperator(user); err != nil {
		return err
	}
	if req.TabName == "" {
		return rpc.NewError(rpc.CodeValidationFailed, "tab_name is required")
	}
	term, err := b.lookup(req.UserID, req.WorktreeID)
	if err != nil {
		return err
	}
	return term.FocusTab(ctx, req.TabName, req.Cwd)
}

// Input writes keystrokes to the PTY.
func (b *Bridge) Input(user *store.User, req *InputRequest) error {
	if err := requireOperator(user); err != nil {
		return err
	}
	term, err := b.lookup(req.UserID, req.WorktreeID)
	if err != nil {
		return err
	}
	return term.Write([]byte(req.Data))
}

// Resize adjusts the PTY window to the client's dimensions.
func (b *Bridge) Resize(user *store.User, req *ResizeRequest) error {
	if err := requireOperator(user); err != nil {
		return err
	}
	if req.Cols <= 0 || req.Rows <= 0 {
		return rpc.NewError(rpc.CodeValidationFailed, "cols and rows must be positive")
	}
	term, err := b.lookup(req.UserID, req.WorktreeID)
	if err != nil {
		return err
	}
	return term.Resize(req.Cols, req.Rows)
}

// Detach closes the terminal for (user, worktree). In zellij mode the
// multiplexer session itself keeps running and a later Attach resumes it.
func (b *Bridge) Detach(user *store.User, userID, worktreeID string) error {
	if err := requireOperator(user); err != nil {
		return err
	}
	key := Channel(userID, worktreeID)

	b.mu.Lock()
	term, ok := b.terminals[key]
	delete(b.terminals, key)
	b.mu.Unlock()

	if !ok {
		return nil
	}
	term.Close()
	b.log.Info("Terminal detached", zap.String("channel", key))
	return nil
}

// Shutdown closes every terminal. Called on daemon stop.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	terms := make([]*Terminal, 0, len(b.terminals))
	for _, t := range b.terminals {
		terms = append(terms, t)
	}
	b.terminals = make(map[string]*Terminal)
	b.mu.Unlock()

	for _, t := range terms {
		t.Close()
	}
}

func (b *Bridge) lookup(userID, worktreeID string) (*Terminal, error) {
	key := Channel(userID, worktreeID)
	b.mu.Lock()
	term, ok := b.terminals[key]
	b.mu.Unlock()
	if !ok || !term.Running() {
		return nil, rpc.NewError(rpc.CodeNotFound, "no terminal open for %s", key)
	}
	return term, nil
}

// buildCommand assembles the process the PTY will run.
func buildCommand(req *AttachRequest) (*exec.Cmd, error) {
	switch req.Mode {
	case ModeZellij:
		args := []string{"attach", "--create", req.SessionName}
		cmd := exec.Command("zellij", args...)
		cmd.Dir = req.Cwd
		cmd.Env = terminalEnv(req.Cwd, req.EnvFile)
		return cmd, nil
	case ModeShell:
		shell, shellArgs := detectShell()
		cmd := exec.Command(shell, shellArgs...)
		cmd.Dir = req.Cwd
		cmd.Env = terminalEnv(req.Cwd, req.EnvFile)
		return cmd, nil
	default:
		return nil, fmt.Errorf("unknown terminal mode %q", req.Mode)
	}
}

// zellijAction runs a control command against a named zellij session, e.g.
// creating or focusing a tab. Each action gets a short deadline so a wedged
// multiplexer cannot stall the daemon.
func zellijAction(ctx context.Context, sessionName string, action ...string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	args := append([]string{"--session", sessionName, "action"}, action...)
	out, err := exec.CommandContext(ctx, "zellij", args...).CombinedOutput()
	if err != nil {
		return rpc.NewError(rpc.CodeUnixOpFailed, "zellij action failed: %v: %s", err, truncate(string(out), 256))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
