package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/agor-sh/agor/internal/common/config"
	"github.com/agor-sh/agor/internal/common/logger"
	"github.com/agor-sh/agor/internal/store"
	"github.com/agor-sh/agor/internal/unixadmin"
	"github.com/agor-sh/agor/internal/unixid"
)

// Syncer reconciles database ownership with Unix groups, ACLs, and home
// directory symlinks. Every entry point is idempotent; a retry after partial
// failure converges to the same end state.
type Syncer struct {
	store *store.Store
	admin *unixadmin.Admin
	rbac  config.RBACConfig
	log   *logger.Logger
}

// NewSyncer builds a syncer over the store and admin runner.
func NewSyncer(st *store.Store, admin *unixadmin.Admin, rbac config.RBACConfig, log *logger.Logger) *Syncer {
	return &Syncer{store: st, admin: admin, rbac: rbac, log: log}
}

// SyncWorktree reconciles one worktree's group, ACLs, memberships, and
// symlinks. With remove it tears the group and symlinks down instead.
func (s *Syncer) SyncWorktree(ctx context.Context, worktreeID string, remove bool) error {
	wt, err := s.store.GetWorktree(ctx, worktreeID)
	if err != nil {
		return err
	}
	group := unixid.WorktreeGroup(wt.WorktreeID)

	if remove {
		if err := s.removeOwnerSymlinks(ctx, wt); err != nil {
			s.log.Warn("Failed to remove worktree symlinks", zap.Error(err))
		}
		return s.admin.RemoveGroup(ctx, group)
	}

	if err := s.admin.EnsureGroup(ctx, group); err != nil {
		return err
	}
	if wt.UnixGroup != group {
		if _, err := s.store.PatchWorktree(ctx, wt.WorktreeID, map[string]any{"unix_group": group}); err != nil {
			return err
		}
	}

	if wt.Path != "" {
		if err := s.admin.SetGroupOwnership(ctx, wt.Path, group); err != nil {
			return err
		}
		if err := s.applyOthersAccess(ctx, wt); err != nil {
			return err
		}
	}
	// The worktree's git metadata (HEAD, index) lives under the parent
	// repo's .git/worktrees; without group access there git commands fail
	// inside an otherwise accessible checkout.
	if repo, err := s.store.GetRepo(ctx, wt.RepoID); err != nil {
		return err
	} else if dir := gitAdminDir(repo.LocalPath, wt.Path); dir != "" {
		if err := s.admin.SetGroupOwnership(ctx, dir, group); err != nil {
			return err
		}
	}

	owners, err := s.store.ListWorktreeOwners(ctx, wt.WorktreeID)
	if err != nil {
		return err
	}
	for _, userID := range owners {
		u, err := s.store.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		username := u.UnixUsername
		if username == "" {
			continue
		}
		if err := s.admin.AddUserToGroup(ctx, username, group); err != nil {
			return err
		}
		if err := s.ensureOwnerSymlink(username, wt); err != nil {
			s.log.Warn("Failed to create worktree symlink",
				zap.String("username", username),
				zap.String("worktree_id", wt.WorktreeID),
				zap.Error(err))
		}
	}
	if s.rbac.DaemonUser != "" {
		if err := s.admin.AddUserToGroup(ctx, s.rbac.DaemonUser, group); err != nil {
			return err
		}
	}

	s.log.Debug("Synced worktree unix state",
		zap.String("worktree_id", wt.WorktreeID),
		zap.String("group", group),
		zap.Int("owners", len(owners)))
	return nil
}

// SyncRepo reconciles a repo's group, which gates .git access for derived
// worktrees. With remove the group is removed.
func (s *Syncer) SyncRepo(ctx context.Context, repoID string, remove bool) error {
	repo, err := s.store.GetRepo(ctx, repoID)
	if err != nil {
		return err
	}
	group := unixid.RepoGroup(repo.RepoID)

	if remove {
		return s.admin.RemoveGroup(ctx, group)
	}

	if err := s.admin.EnsureGroup(ctx, group); err != nil {
		return err
	}
	if repo.UnixGroup != group {
		if _, err := s.store.PatchRepo(ctx, repo.RepoID, map[string]any{"unix_group": group}); err != nil {
			return err
		}
	}
	if repo.LocalPath != "" {
		if err := s.admin.SetGroupOwnership(ctx, repo.LocalPath, group); err != nil {
			return err
		}
	}
	if s.rbac.DaemonUser != "" {
		if err := s.admin.AddUserToGroup(ctx, s.rbac.DaemonUser, group); err != nil {
			return err
		}
	}
	return nil
}

// SyncUser ensures a user's Unix account, memberships, password, and
// worktree symlinks. The password travels via stdin inside the admin layer.
func (s *Syncer) SyncUser(ctx context.Context, userID, password string, remove bool) error {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}

	username := u.UnixUsername
	if username == "" {
		username = unixid.UsernameFromEmail(u.Email)
		if _, err := s.store.PatchUser(ctx, u.UserID, map[string]any{"unix_username": username}); err != nil {
			return err
		}
	}

	if remove {
		// Account removal is intentionally out of scope; drop memberships only.
		return s.admin.RemoveUserFromGroup(ctx, username, s.usersGroup())
	}

	shell := s.rbac.UserShell
	if shell == "" {
		shell = "/bin/bash"
	}
	if err := s.admin.EnsureUser(ctx, username, shell, s.usersGroup()); err != nil {
		return err
	}
	if password != "" {
		if err := s.admin.SetPassword(ctx, username, password); err != nil {
			return err
		}
	}

	// Sweep every worktree: owned ones gain membership and a symlink, the
	// rest lose them. Revoked ownership converges here.
	worktrees, err := s.store.FindWorktrees(ctx, store.ListQuery{Limit: store.MaxListLimit})
	if err != nil {
		return err
	}
	for i := range worktrees {
		wt := &worktrees[i]
		owner, err := s.store.IsWorktreeOwner(ctx, wt.WorktreeID, u.UserID)
		if err != nil {
			return err
		}
		group := unixid.WorktreeGroup(wt.WorktreeID)
		if !owner {
			if err := s.admin.RemoveUserFromGroup(ctx, username, group); err != nil {
				return err
			}
			s.removeOwnerSymlink(username, wt)
			continue
		}
		if err := s.admin.AddUserToGroup(ctx, username, group); err != nil {
			return err
		}
		if err := s.ensureOwnerSymlink(username, wt); err != nil {
			s.log.Warn("Failed to create worktree symlink",
				zap.String("username", username),
				zap.Error(err))
		}
	}
	return nil
}

// removeOwnerSymlink drops ~<user>/agor/<name> when it points at the
// worktree. A link the user repointed elsewhere is left alone.
func (s *Syncer) removeOwnerSymlink(username string, wt *store.Worktree) {
	link := filepath.Join("/home", username, "agor", wt.Name)
	if target, err := os.Readlink(link); err != nil || target != wt.Path {
		return
	}
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		s.log.Warn("Failed to remove worktree symlink",
			zap.String("username", username),
			zap.Error(err))
	}
}

// gitAdminDir locates the worktree's admin directory under the parent
// repo's .git. git names it after the checkout's directory basename.
func gitAdminDir(repoPath, worktreePath string) string {
	if repoPath == "" || worktreePath == "" {
		return ""
	}
	return filepath.Join(repoPath, ".git", "worktrees", filepath.Base(worktreePath))
}

func (s *Syncer) usersGroup() string {
	if s.rbac.UsersGroup != "" {
		return s.rbac.UsersGroup
	}
	return unixid.UsersGroup
}

// applyOthersAccess maps the worktree's non-owner filesystem access level to
// ACLs for the shared users group.
func (s *Syncer) applyOthersAccess(ctx context.Context, wt *store.Worktree) error {
	group := s.usersGroup()
	switch wt.OthersFSAccess {
	case store.FSAccessRead:
		return s.admin.GrantReadACL(ctx, wt.Path, group)
	case store.FSAccessWrite:
		return s.admin.GrantWriteACL(ctx, wt.Path, group)
	default:
		return s.admin.RevokeACL(ctx, wt.Path, group)
	}
}

// ensureOwnerSymlink creates ~<user>/agor/<worktree-name> -> worktree path.
// Replacing a stale link is part of idempotence.
func (s *Syncer) ensureOwnerSymlink(username string, wt *store.Worktree) error {
	if wt.Path == "" {
		return nil
	}
	home := filepath.Join("/home", username)
	linkDir := filepath.Join(home, "agor")
	if err := os.MkdirAll(linkDir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", linkDir, err)
	}
	link := filepath.Join(linkDir, wt.Name)
	if target, err := os.Readlink(link); err == nil {
		if target == wt.Path {
			return nil
		}
		if err := os.Remove(link); err != nil {
			return err
		}
	}
	return os.Symlink(wt.Path, link)
}

func (s *Syncer) removeOwnerSymlinks(ctx context.Context, wt *store.Worktree) error {
	owners, err := s.store.ListWorktreeOwners(ctx, wt.WorktreeID)
	if err != nil {
		return err
	}
	for _, userID := range owners {
		u, err := s.store.GetUser(ctx, userID)
		if err != nil || u.UnixUsername == "" {
			continue
		}
		link := filepath.Join("/home", u.UnixUsername, "agor", wt.Name)
		if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
