package worktree

import (
	"context"
	"fmt"
	"time"

	"github.com/agor-sh/agor/internal/executor"
	"github.com/agor-sh/agor/internal/store"
	"github.com/agor-sh/agor/internal/unixid"
)

const syncDispatchTimeout = 2 * time.Minute

// UnixReconciler converges Unix accounts, groups, ACLs, and symlinks with
// the database. The in-process Syncer and the Manager's executor dispatch
// both satisfy it; the daemon picks one based on the execution mode.
type UnixReconciler interface {
	SyncWorktree(ctx context.Context, worktreeID string, remove bool) error
	SyncRepo(ctx context.Context, repoID string, remove bool) error
	SyncUser(ctx context.Context, userID, password string, remove bool) error
}

// CloneRepo dispatches git.clone through an executor. The executor patches
// default_branch once the clone lands. The local path is assigned here if
// the row does not carry one yet.
func (m *Manager) CloneRepo(ctx context.Context, repo *store.Repo, requestedBy string) error {
	if repo.LocalPath == "" {
		localPath := m.env.RepoPath(repo.Slug)
		if _, err := m.store.PatchRepo(ctx, repo.RepoID, map[string]any{"local_path": localPath}); err != nil {
			return err
		}
		repo.LocalPath = localPath
	}

	token, err := m.tokenFor(requestedBy)
	if err != nil {
		return err
	}
	payload, err := executor.EncodePayload(executor.CommandGitClone, token, m.daemonURL, &executor.GitCloneParams{
		RepoID:    repo.RepoID,
		RemoteURL: repo.RemoteURL,
		LocalPath: repo.LocalPath,
	})
	if err != nil {
		return err
	}
	return m.dispatch(ctx, payload, "repo clone")
}

// SyncWorktree reconciles a worktree's Unix state through an executor. All
// parameters are denormalized from the store because the executor holds no
// database connection.
func (m *Manager) SyncWorktree(ctx context.Context, worktreeID string, remove bool) error {
	wt, err := m.store.GetWorktree(ctx, worktreeID)
	if err != nil {
		return err
	}
	usernames, err := m.ownerUsernames(ctx, wt.WorktreeID)
	if err != nil {
		return err
	}
	repo, err := m.store.GetRepo(ctx, wt.RepoID)
	if err != nil {
		return err
	}

	token, err := m.tokenFor(wt.CreatedBy)
	if err != nil {
		return err
	}
	payload, err := executor.EncodePayload(executor.CommandSyncWorktree, token, m.daemonURL, &executor.SyncWorktreeParams{
		WorktreeID:     wt.WorktreeID,
		WorktreeName:   wt.Name,
		WorktreePath:   wt.Path,
		GitAdminDir:    gitAdminDir(repo.LocalPath, wt.Path),
		UnixGroup:      unixid.WorktreeGroup(wt.WorktreeID),
		UsersGroup:     m.rbac.UsersGroup,
		OthersAccess:   string(wt.OthersFSAccess),
		OwnerUsernames: usernames,
		DaemonUser:     m.rbac.DaemonUser,
		Delete:         remove,
	})
	if err != nil {
		return err
	}
	return m.dispatch(ctx, payload, "worktree sync")
}

// SyncRepo reconciles a repo's Unix group through an executor.
func (m *Manager) SyncRepo(ctx context.Context, repoID string, remove bool) error {
	repo, err := m.store.GetRepo(ctx, repoID)
	if err != nil {
		return err
	}
	token, err := m.tokenFor("")
	if err != nil {
		return err
	}
	payload, err := executor.EncodePayload(executor.CommandSyncRepo, token, m.daemonURL, &executor.SyncRepoParams{
		RepoID:     repo.RepoID,
		RepoPath:   repo.LocalPath,
		UnixGroup:  unixid.RepoGroup(repo.RepoID),
		DaemonUser: m.rbac.DaemonUser,
		Delete:     remove,
	})
	if err != nil {
		return err
	}
	return m.dispatch(ctx, payload, "repo sync")
}

// SyncUser reconciles a user's Unix account through an executor. The
// password rides inside the stdin payload, never in argv.
func (m *Manager) SyncUser(ctx context.Context, userID, password string, remove bool) error {
	u, err := m.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	username := u.UnixUsername
	if username == "" {
		username = unixid.UsernameFromEmail(u.Email)
	}

	memberships, err := m.ownedMemberships(ctx, u.UserID)
	if err != nil {
		return err
	}

	token, err := m.tokenFor(u.UserID)
	if err != nil {
		return err
	}
	payload, err := executor.EncodePayload(executor.CommandSyncUser, token, m.daemonURL, &executor.SyncUserParams{
		UserID:     u.UserID,
		Username:   username,
		Shell:      m.rbac.UserShell,
		UsersGroup: m.rbac.UsersGroup,
		Password:   password,
		Worktrees:  memberships,
		Delete:     remove,
	})
	if err != nil {
		return err
	}
	return m.dispatch(ctx, payload, "user sync")
}

func (m *Manager) ownerUsernames(ctx context.Context, worktreeID string) ([]string, error) {
	ownerIDs, err := m.store.ListWorktreeOwners(ctx, worktreeID)
	if err != nil {
		return nil, err
	}
	usernames := make([]string, 0, len(ownerIDs))
	for _, userID := range ownerIDs {
		u, err := m.store.GetUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		if u.UnixUsername != "" {
			usernames = append(usernames, u.UnixUsername)
		}
	}
	return usernames, nil
}

func (m *Manager) ownedMemberships(ctx context.Context, userID string) ([]executor.WorktreeMembership, error) {
	worktrees, err := m.store.FindWorktrees(ctx, store.ListQuery{Limit: store.MaxListLimit})
	if err != nil {
		return nil, err
	}
	var memberships []executor.WorktreeMembership
	for i := range worktrees {
		wt := &worktrees[i]
		owner, err := m.store.IsWorktreeOwner(ctx, wt.WorktreeID, userID)
		if err != nil {
			return nil, err
		}
		if !owner {
			continue
		}
		memberships = append(memberships, executor.WorktreeMembership{
			Group: unixid.WorktreeGroup(wt.WorktreeID),
			Path:  wt.Path,
			Name:  wt.Name,
		})
	}
	return memberships, nil
}

// dispatch spawns one executor as the daemon user and surfaces envelope
// failures as errors.
func (m *Manager) dispatch(ctx context.Context, payload []byte, op string) error {
	runCtx, cancel := context.WithTimeout(ctx, syncDispatchTimeout)
	defer cancel()

	unixUser := m.spawner.ResolveUnixUser("", true)
	res, err := m.spawner.Spawn(runCtx, "", "", unixUser, payload)
	if err != nil {
		return err
	}
	if res.Result != nil && !res.Result.Success {
		if res.Result.Error != nil {
			return fmt.Errorf("%s failed: %s", op, res.Result.Error.Message)
		}
		return fmt.Errorf("%s failed", op)
	}
	return nil
}
