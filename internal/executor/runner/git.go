package runner

import (
	"context"

	"go.uber.org/zap"

	"github.com/agor-sh/agor/internal/executor"
	"github.com/agor-sh/agor/internal/rpc"
	"github.com/agor-sh/agor/internal/store"
	"github.com/agor-sh/agor/internal/unixid"
)

// runGitClone clones a registered repository and patches its row with the
// detected default branch.
func (r *Runner) runGitClone(ctx context.Context, p *executor.Payload) (any, error) {
	params, err := executor.DecodeParams[executor.GitCloneParams](p)
	if err != nil {
		return nil, err
	}
	client, err := r.connect(ctx, p)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	if err := r.git.Clone(ctx, params.RemoteURL, params.LocalPath); err != nil {
		return nil, rpc.NewError(rpc.CodeGitError, "%v", err)
	}
	branch := r.git.DefaultBranch(ctx, params.LocalPath)

	err = client.Call(ctx, "repos.patch", map[string]any{
		"id":    params.RepoID,
		"patch": map[string]any{"default_branch": branch},
	}, nil)
	if err != nil {
		return nil, err
	}
	return map[string]any{"repoId": params.RepoID, "defaultBranch": branch}, nil
}

// runWorktreeAdd creates the git worktree, applies its Unix group state, and
// flips the row to ready. On failure the row records the reason so the UI can
// surface it.
func (r *Runner) runWorktreeAdd(ctx context.Context, p *executor.Payload) (any, error) {
	params, err := executor.DecodeParams[executor.WorktreeAddParams](p)
	if err != nil {
		return nil, err
	}
	client, err := r.connect(ctx, p)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	if err := r.git.AddWorktree(ctx, params.RepoPath, params.WorktreePath, params.Branch, params.SourceBranch, params.CreateBranch); err != nil {
		r.failWorktree(ctx, client, params.WorktreeID, err)
		return nil, rpc.NewError(rpc.CodeGitError, "%v", err)
	}

	patch := map[string]any{
		"filesystem_status": string(store.FilesystemReady),
		"filesystem_error":  "",
	}

	if params.InitUnixGroup {
		admin := r.admin(ctx)
		group := unixid.WorktreeGroup(params.WorktreeID)
		if err := admin.EnsureGroup(ctx, group); err != nil {
			r.failWorktree(ctx, client, params.WorktreeID, err)
			return nil, err
		}
		if err := admin.SetGroupOwnership(ctx, params.WorktreePath, group); err != nil {
			r.failWorktree(ctx, client, params.WorktreeID, err)
			return nil, err
		}
		if err := applyOthersAccess(ctx, admin, params.WorktreePath, params.OthersAccess, unixid.UsersGroup); err != nil {
			r.failWorktree(ctx, client, params.WorktreeID, err)
			return nil, err
		}
		if params.DaemonUser != "" {
			if err := admin.AddUserToGroup(ctx, params.DaemonUser, group); err != nil {
				r.failWorktree(ctx, client, params.WorktreeID, err)
				return nil, err
			}
			if params.RepoUnixGroup != "" {
				if err := admin.AddUserToGroup(ctx, params.DaemonUser, params.RepoUnixGroup); err != nil {
					r.log.Warn("Failed to join repo group", zap.Error(err))
				}
			}
		}
		patch["unix_group"] = group
	}

	err = client.Call(ctx, "worktrees.patch", map[string]any{
		"id":    params.WorktreeID,
		"patch": patch,
	}, nil)
	if err != nil {
		return nil, err
	}
	return map[string]any{"worktreeId": params.WorktreeID, "path": params.WorktreePath}, nil
}

// runWorktreeRemove removes the git worktree, tears down its group, and
// drops the row.
func (r *Runner) runWorktreeRemove(ctx context.Context, p *executor.Payload) (any, error) {
	params, err := executor.DecodeParams[executor.WorktreeRemoveParams](p)
	if err != nil {
		return nil, err
	}
	client, err := r.connect(ctx, p)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	if err := r.git.RemoveWorktree(ctx, params.RepoPath, params.WorktreePath); err != nil {
		return nil, rpc.NewError(rpc.CodeGitError, "%v", err)
	}

	admin := r.admin(ctx)
	if err := admin.RemoveGroup(ctx, unixid.WorktreeGroup(params.WorktreeID)); err != nil {
		// The filesystem is gone; a stale group is not worth failing over.
		r.log.Warn("Failed to remove worktree group", zap.Error(err))
	}

	err = client.Call(ctx, "worktrees.forget", map[string]string{"worktreeId": params.WorktreeID}, nil)
	if err != nil {
		return nil, err
	}
	return map[string]any{"worktreeId": params.WorktreeID, "removed": true}, nil
}

// runWorktreeClean discards uncommitted changes and untracked files.
func (r *Runner) runWorktreeClean(ctx context.Context, p *executor.Payload) (any, error) {
	params, err := executor.DecodeParams[executor.WorktreeCleanParams](p)
	if err != nil {
		return nil, err
	}
	if err := r.git.Clean(ctx, params.WorktreePath); err != nil {
		return nil, rpc.NewError(rpc.CodeGitError, "%v", err)
	}
	return map[string]any{"worktreeId": params.WorktreeID, "cleaned": true}, nil
}

func (r *Runner) failWorktree(ctx context.Context, client *Client, worktreeID string, cause error) {
	err := client.Call(ctx, "worktrees.patch", map[string]any{
		"id": worktreeID,
		"patch": map[string]any{
			"filesystem_status": string(store.FilesystemFailed),
			"filesystem_error":  cause.Error(),
		},
	}, nil)
	if err != nil {
		r.log.Error("Failed to record worktree failure",
			zap.String("worktree_id", worktreeID),
			zap.Error(err))
	}
}
