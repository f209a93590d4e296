// Package services exposes the Agor entities over the RPC framework: one
// service per entity, each registered with its query schema and auth hooks.
package services

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/agor-sh/agor/internal/auth"
	"github.com/agor-sh/agor/internal/common/logger"
	"github.com/agor-sh/agor/internal/msggateway"
	"github.com/agor-sh/agor/internal/rpc"
	"github.com/agor-sh/agor/internal/session"
	"github.com/agor-sh/agor/internal/store"
	"github.com/agor-sh/agor/internal/terminal"
	"github.com/agor-sh/agor/internal/worktree"
)

// Deps carries the shared dependencies every service draws from.
type Deps struct {
	Store     *store.Store
	Engine    *session.Engine
	Worktrees *worktree.Manager
	Auth      *auth.Service
	Gateway   *msggateway.Router
	Terminal  *terminal.Bridge
	SSH       *terminal.SSHRegistry
	Unix      worktree.UnixReconciler
	Log       *logger.Logger
}

// syncUnix runs a reconciliation best-effort. Unix state converges on the
// next sync; a provisioning hiccup must not fail the database write that
// already happened.
func (d Deps) syncUnix(op string, fn func() error) {
	if d.Unix == nil {
		return
	}
	if err := fn(); err != nil {
		d.Log.Warn("Unix sync failed", zap.String("op", op), zap.Error(err))
	}
}

// RegisterAll wires every entity service into the registry.
func RegisterAll(reg *rpc.Registry, deps Deps) {
	reg.Register(NewUsers(deps), usersHooks(), usersSchema())
	reg.Register(NewRepos(deps), reposHooks(), reposSchema())
	reg.Register(NewWorktrees(deps), worktreesHooks(deps), worktreesSchema())
	reg.Register(NewSessions(deps), sessionsHooks(deps), sessionsSchema())
	reg.Register(NewTasks(deps), readOnlyHooks(), tasksSchema())
	reg.Register(NewMessages(deps), readOnlyHooks(), messagesSchema())
	reg.Register(NewBoards(deps), authenticatedHooks(), boardsSchema())
	reg.Register(NewBoardObjects(deps), authenticatedHooks(), boardObjectsSchema())
	reg.Register(NewMCPServers(deps), adminWriteHooks(), mcpServersSchema())
	reg.Register(NewGatewayChannels(deps), adminWriteHooks(), gatewayChannelsSchema())
}

// RegisterRoutes wires the custom (non-verb) routes into the dispatcher.
func RegisterRoutes(d *rpc.Dispatcher, deps Deps) {
	d.RegisterCustom("sessions.prompt", func(ctx *rpc.Ctx, payload json.RawMessage) (any, error) {
		var req session.PromptRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, rpc.NewError(rpc.CodeValidationFailed, "malformed prompt request: %v", err)
		}
		if ctx.User == nil && !ctx.Internal {
			return nil, rpc.NewError(rpc.CodeNotAuthenticated, "authentication required")
		}
		return deps.Engine.Prompt(ctx.Context, &req)
	})

	d.RegisterCustom("sessions.stop", func(ctx *rpc.Ctx, payload json.RawMessage) (any, error) {
		var req struct {
			SessionID string `json:"sessionId"`
			TaskID    string `json:"taskId,omitempty"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, rpc.NewError(rpc.CodeValidationFailed, "malformed stop request: %v", err)
		}
		if ctx.User == nil && !ctx.Internal {
			return nil, rpc.NewError(rpc.CodeNotAuthenticated, "authentication required")
		}
		if err := deps.Engine.StopTask(ctx.Context, req.SessionID, req.TaskID); err != nil {
			return nil, err
		}
		return map[string]any{"stopped": true}, nil
	})

	d.RegisterCustom("sessions.permission", func(ctx *rpc.Ctx, payload json.RawMessage) (any, error) {
		var req session.DecisionRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, rpc.NewError(rpc.CodeValidationFailed, "malformed decision: %v", err)
		}
		if ctx.User == nil && !ctx.Internal {
			return nil, rpc.NewError(rpc.CodeNotAuthenticated, "authentication required")
		}
		if err := deps.Engine.Decide(ctx.Context, &req); err != nil {
			return nil, err
		}
		return map[string]any{"decided": true}, nil
	})

	// sessions.request-permission is the executor's blocking ask: it returns
	// once a user decides or the executor's context ends.
	d.RegisterCustom("sessions.request-permission", func(ctx *rpc.Ctx, payload json.RawMessage) (any, error) {
		if !ctx.Internal {
			return nil, rpc.NewError(rpc.CodeForbidden, "permission requests are executor-only")
		}
		var req struct {
			SessionID string          `json:"sessionId"`
			TaskID    string          `json:"taskId"`
			ToolName  string          `json:"toolName"`
			Input     json.RawMessage `json:"input,omitempty"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, rpc.NewError(rpc.CodeValidationFailed, "malformed permission request: %v", err)
		}
		decision, err := deps.Engine.RequestPermission(ctx.Context, req.SessionID, req.TaskID, req.ToolName, req.Input)
		if err != nil {
			return nil, err
		}
		return decision, nil
	})

	// messages.streaming is the executor's relay path for live agent output.
	// Only internal callers (executors holding a minted token) may use it.
	d.RegisterCustom("messages.streaming", func(ctx *rpc.Ctx, payload json.RawMessage) (any, error) {
		if !ctx.Internal {
			return nil, rpc.NewError(rpc.CodeForbidden, "streaming ingest is executor-only")
		}
		var ev session.StreamEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, rpc.NewError(rpc.CodeValidationFailed, "malformed stream event: %v", err)
		}
		if err := deps.Engine.HandleStream(ctx.Context, &ev); err != nil {
			return nil, err
		}
		return map[string]any{"accepted": true}, nil
	})

	d.RegisterCustom("config.resolve-api-key", func(ctx *rpc.Ctx, payload json.RawMessage) (any, error) {
		if !ctx.Internal {
			return nil, rpc.NewError(rpc.CodeForbidden, "api key resolution is executor-only")
		}
		var req struct {
			SessionID string `json:"sessionId"`
			Tool      string `json:"tool"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, rpc.NewError(rpc.CodeValidationFailed, "malformed request: %v", err)
		}
		sess, err := deps.Store.GetSession(ctx.Context, req.SessionID)
		if err != nil {
			return nil, err
		}
		owner, err := deps.Store.GetUser(ctx.Context, sess.CreatedBy)
		if err != nil {
			return nil, err
		}
		key, err := deps.Auth.Vault().OpenKey(owner.EncryptedAPIKeys, req.Tool)
		if err != nil {
			return nil, err
		}
		return map[string]string{"apiKey": key}, nil
	})

	// worktrees.forget drops the row after an executor has already removed
	// the filesystem. The public worktrees.remove verb dispatches the
	// executor; routing the executor's own callback through it would loop.
	d.RegisterCustom("worktrees.forget", func(ctx *rpc.Ctx, payload json.RawMessage) (any, error) {
		if !ctx.Internal {
			return nil, rpc.NewError(rpc.CodeForbidden, "row finalization is executor-only")
		}
		var req struct {
			WorktreeID string `json:"worktreeId"`
		}
		if err := json.Unmarshal(payload, &req); err != nil || req.WorktreeID == "" {
			return nil, rpc.NewError(rpc.CodeValidationFailed, "worktreeId is required")
		}
		if err := deps.Store.RemoveWorktree(ctx.Context, req.WorktreeID); err != nil {
			return nil, err
		}
		return map[string]any{"removed": true}, nil
	})

	// users.set-password rehashes, stores, and pushes the new password to the
	// Unix account. The plaintext travels stdin-to-stdin; it is never logged
	// and never an argv.
	d.RegisterCustom("users.set-password", func(ctx *rpc.Ctx, payload json.RawMessage) (any, error) {
		var req struct {
			UserID   string `json:"user_id"`
			Password string `json:"password"`
		}
		if err := json.Unmarshal(payload, &req); err != nil || req.UserID == "" || req.Password == "" {
			return nil, rpc.NewError(rpc.CodeValidationFailed, "user_id and password are required")
		}
		if err := requireAdminOrSelf(ctx, req.UserID); err != nil {
			return nil, err
		}
		u, err := deps.Store.GetUser(ctx.Context, req.UserID)
		if err != nil {
			return nil, err
		}
		hash, err := deps.Auth.HashPassword(req.Password)
		if err != nil {
			return nil, err
		}
		if err := deps.Store.SetUserPassword(ctx.Context, u.UserID, hash); err != nil {
			return nil, err
		}
		deps.syncUnix("user-password", func() error {
			return deps.Unix.SyncUser(ctx.Context, u.UserID, req.Password, false)
		})
		return map[string]any{"updated": true}, nil
	})

	d.RegisterCustom("worktrees.owners.add", func(ctx *rpc.Ctx, payload json.RawMessage) (any, error) {
		return mutateOwners(ctx, deps, payload, true)
	})
	d.RegisterCustom("worktrees.owners.remove", func(ctx *rpc.Ctx, payload json.RawMessage) (any, error) {
		return mutateOwners(ctx, deps, payload, false)
	})

	if deps.Terminal != nil {
		registerTerminalRoutes(d, deps)
	}

	if deps.Gateway != nil {
		d.RegisterCustom("gateway.post-message", func(ctx *rpc.Ctx, payload json.RawMessage) (any, error) {
			var req msggateway.InboundMessage
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, rpc.NewError(rpc.CodeValidationFailed, "malformed gateway message: %v", err)
			}
			// Authenticated by channel_key inside the router, not by JWT.
			return deps.Gateway.PostMessage(ctx.Context, &req)
		})
	}
}

// requireAdminOrSelf passes internal callers, admins, and the user named by
// userID (full ID or short-ID prefix).
func requireAdminOrSelf(ctx *rpc.Ctx, userID string) error {
	if ctx.Internal {
		return nil
	}
	if ctx.User == nil {
		return rpc.NewError(rpc.CodeNotAuthenticated, "authentication required")
	}
	if ctx.User.Role == store.RoleOwner || ctx.User.Role == store.RoleAdmin {
		return nil
	}
	if matchesID(ctx.User.UserID, userID) {
		return nil
	}
	return rpc.NewError(rpc.CodeForbidden, "insufficient role")
}

// mutateOwners adds or removes a worktree owner and reconciles the affected
// Unix group memberships.
func mutateOwners(ctx *rpc.Ctx, deps Deps, payload json.RawMessage, add bool) (any, error) {
	var req struct {
		WorktreeID string `json:"worktree_id"`
		UserID     string `json:"user_id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.WorktreeID == "" || req.UserID == "" {
		return nil, rpc.NewError(rpc.CodeValidationFailed, "worktree_id and user_id are required")
	}
	wt, err := deps.Store.GetWorktree(ctx.Context, req.WorktreeID)
	if err != nil {
		return nil, err
	}
	if err := requireWorktreeOwner(ctx, deps, wt.WorktreeID); err != nil {
		return nil, err
	}
	u, err := deps.Store.GetUser(ctx.Context, req.UserID)
	if err != nil {
		return nil, err
	}

	if add {
		err = deps.Store.AddWorktreeOwner(ctx.Context, wt.WorktreeID, u.UserID)
	} else {
		err = deps.Store.RemoveWorktreeOwner(ctx.Context, wt.WorktreeID, u.UserID)
	}
	if err != nil {
		return nil, err
	}

	deps.syncUnix("worktree-owners", func() error {
		return deps.Unix.SyncWorktree(ctx.Context, wt.WorktreeID, false)
	})
	if !add {
		// Group membership is granted by the worktree sync; revocation needs
		// the user-side sweep.
		deps.syncUnix("owner-revoke", func() error {
			return deps.Unix.SyncUser(ctx.Context, u.UserID, "", false)
		})
	}
	owners, err := deps.Store.ListWorktreeOwners(ctx.Context, wt.WorktreeID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"worktree_id": wt.WorktreeID, "owners": owners}, nil
}

// requireWorktreeOwner passes internal callers, admins, and owners of the
// worktree.
func requireWorktreeOwner(ctx *rpc.Ctx, deps Deps, worktreeID string) error {
	if ctx.Internal {
		return nil
	}
	if ctx.User == nil {
		return rpc.NewError(rpc.CodeNotAuthenticated, "authentication required")
	}
	if ctx.User.Role == store.RoleOwner || ctx.User.Role == store.RoleAdmin {
		return nil
	}
	isOwner, err := deps.Store.IsWorktreeOwner(ctx.Context, worktreeID, ctx.User.UserID)
	if err != nil {
		return err
	}
	if !isOwner {
		return rpc.NewError(rpc.CodeForbidden, "only a worktree owner may do that")
	}
	return nil
}

// authenticatedHooks requires a logged-in caller for every verb.
func authenticatedHooks() *rpc.Hooks {
	return rpc.NewHooks().BeforeAll(rpc.RequireAuthenticated())
}

// readOnlyHooks is authenticatedHooks for services that only expose reads.
func readOnlyHooks() *rpc.Hooks {
	return authenticatedHooks()
}

// adminWriteHooks lets any authenticated caller read but restricts mutation
// to owners and admins.
func adminWriteHooks() *rpc.Hooks {
	h := rpc.NewHooks().BeforeAll(rpc.RequireAuthenticated())
	h.BeforeMethod(rpc.MethodCreate, rpc.RequireAdmin())
	h.BeforeMethod(rpc.MethodPatch, rpc.RequireAdmin())
	h.BeforeMethod(rpc.MethodRemove, rpc.RequireAdmin())
	return h
}

// project applies a $select projection after the fetch. The SQL layer always
// selects full rows; trimming happens here so schemas stay simple.
func project(result any, fields []string) any {
	if len(fields) == 0 {
		return result
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return result
	}

	keep := make(map[string]bool, len(fields))
	for _, f := range fields {
		keep[f] = true
	}
	trim := func(doc map[string]any) map[string]any {
		out := make(map[string]any, len(keep))
		for k, v := range doc {
			if keep[k] {
				out[k] = v
			}
		}
		return out
	}

	var list []map[string]any
	if err := json.Unmarshal(encoded, &list); err == nil {
		for i := range list {
			list[i] = trim(list[i])
		}
		return list
	}
	var doc map[string]any
	if err := json.Unmarshal(encoded, &doc); err == nil {
		return trim(doc)
	}
	return result
}
