package services

import (
	"encoding/json"

	"github.com/agor-sh/agor/internal/rpc"
	"github.com/agor-sh/agor/internal/store"
	"github.com/agor-sh/agor/internal/worktree"
)

// Worktrees exposes worktree lifecycle through the manager so creation and
// removal carry their filesystem side effects.
type Worktrees struct {
	deps Deps
}

func NewWorktrees(deps Deps) *Worktrees { return &Worktrees{deps: deps} }

func (s *Worktrees) ServiceName() string { return "worktrees" }

func (s *Worktrees) Find(ctx *rpc.Ctx, q store.ListQuery) (any, error) {
	worktrees, err := s.deps.Store.FindWorktrees(ctx.Context, q)
	if err != nil {
		return nil, err
	}
	return project(worktrees, q.Select), nil
}

func (s *Worktrees) Get(ctx *rpc.Ctx, id string) (any, error) {
	return s.deps.Store.GetWorktree(ctx.Context, id)
}

type createWorktreeRequest struct {
	RepoID    string          `json:"repo_id"`
	Name      string          `json:"name"`
	Ref       string          `json:"ref,omitempty"`
	RefType   store.RefType   `json:"ref_type,omitempty"`
	BaseRef   string          `json:"base_ref,omitempty"`
	NewBranch bool            `json:"new_branch,omitempty"`
	BoardID   string          `json:"board_id,omitempty"`
	OthersCan store.OthersCan `json:"others_can,omitempty"`
	FSAccess  store.FSAccess  `json:"others_fs_access,omitempty"`
}

func (s *Worktrees) Create(ctx *rpc.Ctx, data json.RawMessage) (any, error) {
	var req createWorktreeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, rpc.NewError(rpc.CodeValidationFailed, "malformed worktree: %v", err)
	}
	if req.RepoID == "" || req.Name == "" {
		return nil, rpc.NewError(rpc.CodeValidationFailed, "repo_id and name are required")
	}
	createdBy := ""
	if ctx.User != nil {
		createdBy = ctx.User.UserID
	}
	return s.deps.Worktrees.Create(ctx.Context, worktree.CreateRequest{
		RepoID:    req.RepoID,
		Name:      req.Name,
		Ref:       req.Ref,
		RefType:   req.RefType,
		BaseRef:   req.BaseRef,
		NewBranch: req.NewBranch,
		BoardID:   req.BoardID,
		CreatedBy: createdBy,
		OthersCan: req.OthersCan,
		FSAccess:  req.FSAccess,
	})
}

func (s *Worktrees) Patch(ctx *rpc.Ctx, id string, patch map[string]any) (any, error) {
	wt, err := s.deps.Store.PatchWorktree(ctx.Context, id, patch)
	if err != nil {
		return nil, err
	}
	if _, ok := patch["others_fs_access"]; ok {
		// ACLs on disk must follow the new access level.
		s.deps.syncUnix("worktree-access", func() error {
			return s.deps.Unix.SyncWorktree(ctx.Context, wt.WorktreeID, false)
		})
	}
	return wt, nil
}

func (s *Worktrees) Remove(ctx *rpc.Ctx, id string) (any, error) {
	wt, err := s.deps.Store.GetWorktree(ctx.Context, id)
	if err != nil {
		return nil, err
	}
	requestedBy := ""
	if ctx.User != nil {
		requestedBy = ctx.User.UserID
	}
	if err := s.deps.Worktrees.Remove(ctx.Context, wt.WorktreeID, requestedBy); err != nil {
		return nil, err
	}
	return wt, nil
}

// Channels routes worktree events to the worktree channel and its board.
func (s *Worktrees) Channels(_ string, record any) []string {
	wt, ok := record.(*store.Worktree)
	if !ok {
		return []string{"service:worktrees"}
	}
	channels := []string{"worktree:" + wt.WorktreeID, "service:worktrees"}
	if wt.BoardID != "" {
		channels = append(channels, "board:"+wt.BoardID)
	}
	return channels
}

// worktreesHooks: authenticated reads and creates; mutation restricted to a
// worktree owner or an admin.
func worktreesHooks(deps Deps) *rpc.Hooks {
	h := rpc.NewHooks().BeforeAll(rpc.RequireAuthenticated())
	ownerOrAdmin := func(ctx *rpc.Ctx, call *rpc.Call) error {
		if ctx.Internal {
			return nil
		}
		if ctx.User == nil {
			return rpc.NewError(rpc.CodeNotAuthenticated, "authentication required")
		}
		if ctx.User.Role == store.RoleOwner || ctx.User.Role == store.RoleAdmin {
			return nil
		}
		wt, err := deps.Store.GetWorktree(ctx.Context, call.ID)
		if err != nil {
			return err
		}
		isOwner, err := deps.Store.IsWorktreeOwner(ctx.Context, wt.WorktreeID, ctx.User.UserID)
		if err != nil {
			return err
		}
		if !isOwner {
			return rpc.NewError(rpc.CodeForbidden, "only a worktree owner may do that")
		}
		return nil
	}
	h.BeforeMethod(rpc.MethodPatch, ownerOrAdmin)
	h.BeforeMethod(rpc.MethodRemove, ownerOrAdmin)
	return h
}

func worktreesSchema() *rpc.QuerySchema {
	return &rpc.QuerySchema{Fields: map[string]rpc.FieldType{
		"repo_id":           rpc.FieldString,
		"name":              rpc.FieldString,
		"board_id":          rpc.FieldString,
		"created_by":        rpc.FieldString,
		"filesystem_status": rpc.FieldString,
		"others_can":        rpc.FieldString,
	}}
}
