package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/agor-sh/agor/internal/executor"
	"github.com/agor-sh/agor/internal/store"
	"github.com/agor-sh/agor/internal/unixadmin"
	"github.com/agor-sh/agor/internal/unixid"
)

// The sync commands mirror the daemon's in-process reconciliation, but run
// from denormalized params so the executor never opens the database. Every
// handler is idempotent; a retried sync converges to the same state.

func (r *Runner) runSyncWorktree(ctx context.Context, p *executor.Payload) (any, error) {
	params, err := executor.DecodeParams[executor.SyncWorktreeParams](p)
	if err != nil {
		return nil, err
	}
	return r.applySyncWorktree(ctx, r.admin(ctx), params)
}

func (r *Runner) applySyncWorktree(ctx context.Context, admin *unixadmin.Admin, params *executor.SyncWorktreeParams) (any, error) {
	group := params.UnixGroup
	if group == "" {
		group = unixid.WorktreeGroup(params.WorktreeID)
	}

	if params.Delete {
		for _, username := range params.OwnerUsernames {
			removeOwnerSymlink(username, params.WorktreeName)
		}
		if err := admin.RemoveGroup(ctx, group); err != nil {
			return nil, err
		}
		return map[string]any{"worktreeId": params.WorktreeID, "removed": true}, nil
	}

	if err := admin.EnsureGroup(ctx, group); err != nil {
		return nil, err
	}
	if params.WorktreePath != "" {
		if err := admin.SetGroupOwnership(ctx, params.WorktreePath, group); err != nil {
			return nil, err
		}
		if err := applyOthersAccess(ctx, admin, params.WorktreePath, params.OthersAccess, usersGroupOr(params.UsersGroup)); err != nil {
			return nil, err
		}
	}
	// The worktree's git metadata (HEAD, index) lives under the parent
	// repo's .git/worktrees; without group access there git commands fail
	// inside an otherwise accessible checkout.
	if params.GitAdminDir != "" {
		if err := admin.SetGroupOwnership(ctx, params.GitAdminDir, group); err != nil {
			return nil, err
		}
	}
	for _, username := range params.OwnerUsernames {
		if err := admin.AddUserToGroup(ctx, username, group); err != nil {
			return nil, err
		}
		if err := ensureOwnerSymlink(username, params.WorktreeName, params.WorktreePath); err != nil {
			r.log.Warn("Failed to create worktree symlink",
				zap.String("username", username),
				zap.Error(err))
		}
	}
	if params.DaemonUser != "" {
		if err := admin.AddUserToGroup(ctx, params.DaemonUser, group); err != nil {
			return nil, err
		}
	}
	return map[string]any{"worktreeId": params.WorktreeID, "group": group}, nil
}

func (r *Runner) runSyncRepo(ctx context.Context, p *executor.Payload) (any, error) {
	params, err := executor.DecodeParams[executor.SyncRepoParams](p)
	if err != nil {
		return nil, err
	}
	admin := r.admin(ctx)

	group := params.UnixGroup
	if group == "" {
		group = unixid.RepoGroup(params.RepoID)
	}

	if params.Delete {
		if err := admin.RemoveGroup(ctx, group); err != nil {
			return nil, err
		}
		return map[string]any{"repoId": params.RepoID, "removed": true}, nil
	}

	if err := admin.EnsureGroup(ctx, group); err != nil {
		return nil, err
	}
	if params.RepoPath != "" {
		if err := admin.SetGroupOwnership(ctx, params.RepoPath, group); err != nil {
			return nil, err
		}
	}
	if params.DaemonUser != "" {
		if err := admin.AddUserToGroup(ctx, params.DaemonUser, group); err != nil {
			return nil, err
		}
	}
	return map[string]any{"repoId": params.RepoID, "group": group}, nil
}

func (r *Runner) runSyncUser(ctx context.Context, p *executor.Payload) (any, error) {
	params, err := executor.DecodeParams[executor.SyncUserParams](p)
	if err != nil {
		return nil, err
	}
	admin := r.admin(ctx)

	usersGroup := usersGroupOr(params.UsersGroup)

	if params.Delete {
		// Account removal stays out of scope; memberships are dropped so the
		// account loses access without destroying home data.
		if err := admin.RemoveUserFromGroup(ctx, params.Username, usersGroup); err != nil {
			return nil, err
		}
		for _, wt := range params.Worktrees {
			if err := admin.RemoveUserFromGroup(ctx, params.Username, wt.Group); err != nil {
				return nil, err
			}
			removeOwnerSymlink(params.Username, wt.Name)
		}
		return map[string]any{"userId": params.UserID, "removed": true}, nil
	}

	shell := params.Shell
	if shell == "" {
		shell = "/bin/bash"
	}
	if err := admin.EnsureGroup(ctx, usersGroup); err != nil {
		return nil, err
	}
	if err := admin.EnsureUser(ctx, params.Username, shell, usersGroup); err != nil {
		return nil, err
	}
	if params.Password != "" {
		// The secret arrived on this process's stdin and leaves through
		// chpasswd's stdin; it never touches argv.
		if err := admin.SetPassword(ctx, params.Username, params.Password); err != nil {
			return nil, err
		}
	}
	for _, wt := range params.Worktrees {
		if err := admin.AddUserToGroup(ctx, params.Username, wt.Group); err != nil {
			return nil, err
		}
		if err := ensureOwnerSymlink(params.Username, wt.Name, wt.Path); err != nil {
			r.log.Warn("Failed to create worktree symlink",
				zap.String("username", params.Username),
				zap.Error(err))
		}
	}
	return map[string]any{"userId": params.UserID, "username": params.Username}, nil
}

func usersGroupOr(group string) string {
	if group != "" {
		return group
	}
	return unixid.UsersGroup
}

// applyOthersAccess maps the non-owner access level onto ACLs for the shared
// users group.
func applyOthersAccess(ctx context.Context, admin *unixadmin.Admin, path, access, usersGroup string) error {
	switch store.FSAccess(access) {
	case store.FSAccessRead:
		return admin.GrantReadACL(ctx, path, usersGroup)
	case store.FSAccessWrite:
		return admin.GrantWriteACL(ctx, path, usersGroup)
	default:
		return admin.RevokeACL(ctx, path, usersGroup)
	}
}

// ensureOwnerSymlink creates ~<user>/agor/<name> -> path, replacing a stale
// link.
func ensureOwnerSymlink(username, name, path string) error {
	if path == "" || name == "" {
		return nil
	}
	linkDir := filepath.Join("/home", username, "agor")
	if err := os.MkdirAll(linkDir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", linkDir, err)
	}
	link := filepath.Join(linkDir, name)
	if target, err := os.Readlink(link); err == nil {
		if target == path {
			return nil
		}
		if err := os.Remove(link); err != nil {
			return err
		}
	}
	return os.Symlink(path, link)
}

func removeOwnerSymlink(username, name string) {
	if username == "" || name == "" {
		return
	}
	_ = os.Remove(filepath.Join("/home", username, "agor", name))
}
