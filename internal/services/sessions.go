package services

import (
	"encoding/json"

	"github.com/agor-sh/agor/internal/rpc"
	"github.com/agor-sh/agor/internal/store"
)

// Sessions exposes agent sessions. Prompting, stopping, and permission
// decisions live on custom routes; the verbs cover CRUD and forking.
type Sessions struct {
	deps Deps
}

func NewSessions(deps Deps) *Sessions { return &Sessions{deps: deps} }

func (s *Sessions) ServiceName() string { return "sessions" }

func (s *Sessions) Find(ctx *rpc.Ctx, q store.ListQuery) (any, error) {
	// Archived sessions are excluded unless asked for explicitly.
	if _, ok := q.Filters["archived"]; !ok {
		if q.Filters == nil {
			q.Filters = map[string]any{}
		}
		q.Filters["archived"] = false
	}
	sessions, err := s.deps.Store.FindSessions(ctx.Context, q)
	if err != nil {
		return nil, err
	}
	return project(sessions, q.Select), nil
}

func (s *Sessions) Get(ctx *rpc.Ctx, id string) (any, error) {
	return s.deps.Store.GetSession(ctx.Context, id)
}

type createSessionRequest struct {
	WorktreeID       string          `json:"worktree_id"`
	AgenticTool      string          `json:"agentic_tool"`
	PermissionConfig json.RawMessage `json:"permission_config,omitempty"`
	ModelConfig      json.RawMessage `json:"model_config,omitempty"`
	ParentSessionID  string          `json:"parent_session_id,omitempty"`
	ForkedFrom       string          `json:"forked_from_session_id,omitempty"`
}

func (s *Sessions) Create(ctx *rpc.Ctx, data json.RawMessage) (any, error) {
	var req createSessionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, rpc.NewError(rpc.CodeValidationFailed, "malformed session: %v", err)
	}
	if req.WorktreeID == "" || req.AgenticTool == "" {
		return nil, rpc.NewError(rpc.CodeValidationFailed, "worktree_id and agentic_tool are required")
	}
	wt, err := s.deps.Store.GetWorktree(ctx.Context, req.WorktreeID)
	if err != nil {
		return nil, err
	}

	sess := &store.Session{
		WorktreeID:       wt.WorktreeID,
		AgenticTool:      req.AgenticTool,
		PermissionConfig: req.PermissionConfig,
		ModelConfig:      req.ModelConfig,
		ParentSessionID:  req.ParentSessionID,
	}
	if ctx.User != nil {
		sess.CreatedBy = ctx.User.UserID
		// Snapshot at creation: later account changes do not follow.
		sess.UnixUsername = ctx.User.UnixUsername
	}
	if err := s.deps.Store.CreateSession(ctx.Context, sess); err != nil {
		return nil, err
	}

	// Forking copies the source conversation into the new session.
	if req.ForkedFrom != "" {
		src, err := s.deps.Store.GetSession(ctx.Context, req.ForkedFrom)
		if err != nil {
			return nil, err
		}
		if _, err := s.deps.Store.CopySessionMessages(ctx.Context, src.SessionID, sess.SessionID); err != nil {
			return nil, err
		}
		sess, err = s.deps.Store.PatchSession(ctx.Context, sess.SessionID, map[string]any{
			"forked_from_session_id": src.SessionID,
		})
		if err != nil {
			return nil, err
		}
	}
	return sess, nil
}

func (s *Sessions) Patch(ctx *rpc.Ctx, id string, patch map[string]any) (any, error) {
	// Status is engine-owned.
	delete(patch, "status")
	delete(patch, "task_ids")
	delete(patch, "message_count")
	return s.deps.Store.PatchSession(ctx.Context, id, patch)
}

func (s *Sessions) Remove(ctx *rpc.Ctx, id string) (any, error) {
	sess, err := s.deps.Store.GetSession(ctx.Context, id)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Engine.StopTask(ctx.Context, sess.SessionID, ""); err != nil {
		s.deps.Log.Warn("Failed to stop task before session removal")
	}
	if err := s.deps.Store.RemoveSession(ctx.Context, sess.SessionID); err != nil {
		return nil, err
	}
	return sess, nil
}

// Channels routes session events to the session, its worktree, and its
// creator.
func (s *Sessions) Channels(_ string, record any) []string {
	sess, ok := record.(*store.Session)
	if !ok {
		return []string{"service:sessions"}
	}
	channels := []string{
		"session:" + sess.SessionID,
		"worktree:" + sess.WorktreeID,
		"service:sessions",
	}
	if sess.CreatedBy != "" {
		channels = append(channels, "user:"+sess.CreatedBy)
	}
	return channels
}

// sessionsHooks: authenticated throughout; prompting others' sessions is
// governed by the worktree's others_can level.
func sessionsHooks(deps Deps) *rpc.Hooks {
	h := rpc.NewHooks().BeforeAll(rpc.RequireAuthenticated())
	creatorOrShared := func(ctx *rpc.Ctx, call *rpc.Call) error {
		if ctx.Internal || ctx.User == nil {
			return nil
		}
		if ctx.User.Role == store.RoleOwner || ctx.User.Role == store.RoleAdmin {
			return nil
		}
		sess, err := deps.Store.GetSession(ctx.Context, call.ID)
		if err != nil {
			return err
		}
		if sess.CreatedBy == ctx.User.UserID {
			return nil
		}
		wt, err := deps.Store.GetWorktree(ctx.Context, sess.WorktreeID)
		if err != nil {
			return err
		}
		if wt.OthersCan == store.OthersCanAll {
			return nil
		}
		return rpc.NewError(rpc.CodeForbidden, "session belongs to another user")
	}
	h.BeforeMethod(rpc.MethodPatch, creatorOrShared)
	h.BeforeMethod(rpc.MethodRemove, creatorOrShared)
	return h
}

func sessionsSchema() *rpc.QuerySchema {
	return &rpc.QuerySchema{Fields: map[string]rpc.FieldType{
		"worktree_id":  rpc.FieldString,
		"created_by":   rpc.FieldString,
		"agentic_tool": rpc.FieldString,
		"status":       rpc.FieldString,
		"archived":     rpc.FieldBool,
	}}
}
