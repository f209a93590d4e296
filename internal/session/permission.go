package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/agor-sh/agor/internal/events"
	"github.com/agor-sh/agor/internal/rpc"
	"github.com/agor-sh/agor/internal/store"
	"github.com/agor-sh/agor/internal/tool"
)

// PendingPermission is a tool call waiting for a user decision. The executor
// blocks until Decide resolves it or the task is stopped.
type PendingPermission struct {
	RequestID string          `json:"request_id"`
	SessionID string          `json:"session_id"`
	TaskID    string          `json:"task_id"`
	ToolName  string          `json:"tool_name"`
	Input     json.RawMessage `json:"input,omitempty"`

	decided chan tool.PermissionDecision
}

type permissionRegistry struct {
	mu      sync.Mutex
	pending map[string]*PendingPermission
}

func newPermissionRegistry() *permissionRegistry {
	return &permissionRegistry{pending: make(map[string]*PendingPermission)}
}

func (r *permissionRegistry) add(p *PendingPermission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[p.RequestID] = p
}

func (r *permissionRegistry) take(requestID string) (*PendingPermission, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[requestID]
	if ok {
		delete(r.pending, requestID)
	}
	return p, ok
}

func (r *permissionRegistry) forSession(sessionID string) []*PendingPermission {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*PendingPermission
	for _, p := range r.pending {
		if p.SessionID == sessionID {
			out = append(out, p)
		}
	}
	return out
}

// RequestPermission registers a pending tool call, moves the task to
// awaiting_permission, and blocks until a decision arrives or ctx is done.
// Context cancellation denies the call once without recording a scope.
func (e *Engine) RequestPermission(ctx context.Context, sessionID, taskID, toolName string, input json.RawMessage) (tool.PermissionDecision, error) {
	p := &PendingPermission{
		RequestID: store.NewID(),
		SessionID: sessionID,
		TaskID:    taskID,
		ToolName:  toolName,
		Input:     input,
		decided:   make(chan tool.PermissionDecision, 1),
	}
	e.permissions.add(p)

	if err := e.transitionTask(ctx, sessionID, taskID, store.TaskAwaitingPermission, ""); err != nil {
		return tool.PermissionDecision{}, err
	}
	e.syncSessionStatus(ctx, sessionID, store.TaskAwaitingPermission)
	e.publish(sessionID, events.PermissionRequested, map[string]any{
		"request_id": p.RequestID,
		"task_id":    taskID,
		"tool_name":  toolName,
	})

	select {
	case decision := <-p.decided:
		return decision, nil
	case <-ctx.Done():
		e.permissions.take(p.RequestID)
		return tool.PermissionDecision{Allow: false, Scope: "once"}, nil
	}
}

// DecisionRequest carries a sessions/:id/permission decision.
type DecisionRequest struct {
	RequestID string `json:"requestId"`
	Allow     bool   `json:"allow"`
	Scope     string `json:"scope,omitempty"` // once | session | project
}

// Decide resolves a pending permission request. An allow with session or
// project scope also records the tool in the matching allow-list so future
// calls skip the prompt. Deciding an unknown request is an error; requests
// are one-shot.
func (e *Engine) Decide(ctx context.Context, req *DecisionRequest) error {
	switch req.Scope {
	case "", "once", "session", "project":
	default:
		return rpc.NewError(rpc.CodeValidationFailed, "unknown permission scope %q", req.Scope)
	}

	p, ok := e.permissions.take(req.RequestID)
	if !ok {
		return rpc.NewError(rpc.CodeNotFound, "no pending permission request %s", req.RequestID)
	}

	if req.Allow {
		if err := e.recordScope(ctx, p, req.Scope); err != nil {
			e.log.Warn("Failed to record permission scope", zap.Error(err))
		}
	}

	if err := e.transitionTask(ctx, p.SessionID, p.TaskID, store.TaskRunning, ""); err != nil {
		e.log.Error("Failed to resume task after decision", zap.Error(err))
	}
	e.publish(p.SessionID, events.PermissionDecided, map[string]any{
		"request_id": p.RequestID,
		"task_id":    p.TaskID,
		"allow":      req.Allow,
		"scope":      req.Scope,
	})

	scope := req.Scope
	if scope == "" {
		scope = "once"
	}
	p.decided <- tool.PermissionDecision{Allow: req.Allow, Scope: scope}
	return nil
}

// recordScope persists an allowed tool beyond the single call.
func (e *Engine) recordScope(ctx context.Context, p *PendingPermission, scope string) error {
	switch scope {
	case "session":
		sess, err := e.store.GetSession(ctx, p.SessionID)
		if err != nil {
			return err
		}
		allowed := appendAllowedTool(sess.PermissionConfig, p.ToolName)
		_, err = e.store.PatchSession(ctx, p.SessionID, map[string]any{
			"permission_config": map[string]any{"allowedTools": allowed},
		})
		return err
	case "project":
		sess, err := e.store.GetSession(ctx, p.SessionID)
		if err != nil {
			return err
		}
		wt, err := e.store.GetWorktree(ctx, sess.WorktreeID)
		if err != nil {
			return err
		}
		allowed := appendAllowedTool(wt.ProjectConfig, p.ToolName)
		if _, err := e.store.PatchWorktree(ctx, wt.WorktreeID, map[string]any{
			"project_config": map[string]any{"allowedTools": allowed},
		}); err != nil {
			return err
		}
		// Agent CLIs read the project allow-list from the worktree, not
		// from the database.
		if err := writeProjectPermissions(wt.Path, allowed); err != nil {
			e.log.Warn("Failed to write project permission file",
				zap.String("worktree_id", wt.WorktreeID), zap.Error(err))
		}
		return nil
	}
	return nil
}

// writeProjectPermissions materializes the project-scoped allow-list as
// .agor/permissions.yaml inside the worktree.
func writeProjectPermissions(worktreePath string, allowed []string) error {
	if worktreePath == "" {
		return nil
	}
	data, err := yaml.Marshal(map[string]any{"allowedTools": allowed})
	if err != nil {
		return err
	}
	dir := filepath.Join(worktreePath, ".agor")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "permissions.yaml"), data, 0o644)
}

// appendAllowedTool adds name to the allowedTools list of a permission
// config blob, deduplicating.
func appendAllowedTool(raw json.RawMessage, name string) []string {
	var cfg struct {
		AllowedTools []string `json:"allowedTools"`
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &cfg)
	}
	for _, t := range cfg.AllowedTools {
		if t == name {
			return cfg.AllowedTools
		}
	}
	return append(cfg.AllowedTools, name)
}

// PendingPermissions lists unresolved requests for a session.
func (e *Engine) PendingPermissions(sessionID string) []*PendingPermission {
	return e.permissions.forSession(sessionID)
}
