package worktree

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agor-sh/agor/internal/common/config"
	"github.com/agor-sh/agor/internal/common/logger"
	"github.com/agor-sh/agor/internal/executor"
	"github.com/agor-sh/agor/internal/store"
	"github.com/agor-sh/agor/internal/tracing"
	"github.com/agor-sh/agor/internal/unixid"
)

// creatingSweepAge is how long a worktree may sit in creating before the
// startup sweep declares it failed.
const creatingSweepAge = 10 * time.Minute

// Manager drives the worktree lifecycle from the daemon side. Filesystem
// work is delegated to executor subprocesses; the manager owns the rows and
// dispatch.
type Manager struct {
	store   *store.Store
	spawner *executor.Spawner
	env     *config.Env
	rbac    config.RBACConfig
	log     *logger.Logger

	daemonURL string

	// tokenFor mints a short-lived executor token for dial-back.
	tokenFor func(userID string) (string, error)
}

// NewManager builds a worktree manager.
func NewManager(st *store.Store, spawner *executor.Spawner, env *config.Env, rbac config.RBACConfig, daemonURL string, tokenFor func(string) (string, error), log *logger.Logger) *Manager {
	return &Manager{
		store:     st,
		spawner:   spawner,
		env:       env,
		rbac:      rbac,
		daemonURL: daemonURL,
		tokenFor:  tokenFor,
		log:       log,
	}
}

// CreateRequest carries the client-facing worktree creation parameters.
type CreateRequest struct {
	RepoID    string
	Name      string
	Ref       string
	RefType   store.RefType
	BaseRef   string
	NewBranch bool
	BoardID   string
	CreatedBy string
	OthersCan store.OthersCan
	FSAccess  store.FSAccess
}

// Create inserts the row in creating state and dispatches the filesystem
// work to an executor. The returned worktree is still creating; the executor
// patches it to ready or failed.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*store.Worktree, error) {
	repo, err := m.store.GetRepo(ctx, req.RepoID)
	if err != nil {
		return nil, err
	}

	ref := req.Ref
	if ref == "" {
		ref = req.Name
	}
	refType := req.RefType
	if refType == "" {
		refType = store.RefTypeBranch
	}

	wt := &store.Worktree{
		RepoID:           repo.RepoID,
		Name:             req.Name,
		Ref:              ref,
		RefType:          refType,
		Path:             m.env.WorktreePath(repo.Slug, req.Name),
		BaseRef:          req.BaseRef,
		NewBranch:        req.NewBranch,
		BoardID:          req.BoardID,
		CreatedBy:        req.CreatedBy,
		FilesystemStatus: store.FilesystemCreating,
		OthersCan:        req.OthersCan,
		OthersFSAccess:   req.FSAccess,
	}
	if err := m.store.CreateWorktree(ctx, wt); err != nil {
		return nil, err
	}

	go m.dispatchAdd(wt, repo)
	return wt, nil
}

// dispatchAdd runs git.worktree.add through an executor and patches the row
// on dispatch failure. The executor itself patches ready/failed on the
// normal path.
func (m *Manager) dispatchAdd(wt *store.Worktree, repo *store.Repo) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	ctx, span := tracing.TraceWorktreeOp(ctx, "add", wt.WorktreeID)
	defer span.End()

	token, err := m.tokenFor(wt.CreatedBy)
	if err != nil {
		m.failCreate(ctx, wt.WorktreeID, fmt.Sprintf("token mint failed: %v", err))
		return
	}

	sourceBranch := wt.BaseRef
	if wt.NewBranch && sourceBranch == "" {
		sourceBranch = repo.DefaultBranch
	}
	payload, err := executor.EncodePayload(executor.CommandWorktreeAdd, token, m.daemonURL, &executor.WorktreeAddParams{
		WorktreeID:    wt.WorktreeID,
		RepoID:        repo.RepoID,
		RepoPath:      repo.LocalPath,
		WorktreeName:  wt.Name,
		WorktreePath:  wt.Path,
		Branch:        wt.Ref,
		SourceBranch:  sourceBranch,
		CreateBranch:  wt.NewBranch,
		InitUnixGroup: m.rbac.Enabled,
		OthersAccess:  string(wt.OthersFSAccess),
		DaemonUser:    m.rbac.DaemonUser,
		RepoUnixGroup: unixid.RepoGroup(repo.RepoID),
	})
	if err != nil {
		m.failCreate(ctx, wt.WorktreeID, err.Error())
		return
	}

	// Git operations always run as the daemon user.
	unixUser := m.spawner.ResolveUnixUser("", true)
	res, err := m.spawner.Spawn(ctx, "", "", unixUser, payload)
	if err != nil {
		m.failCreate(ctx, wt.WorktreeID, err.Error())
		return
	}
	if res.Result != nil && !res.Result.Success {
		msg := "worktree add failed"
		if res.Result.Error != nil {
			msg = res.Result.Error.Message
		}
		m.failCreate(ctx, wt.WorktreeID, msg)
	}
}

func (m *Manager) failCreate(ctx context.Context, worktreeID, reason string) {
	m.log.Error("Worktree creation failed",
		zap.String("worktree_id", worktreeID),
		zap.String("reason", reason))
	if err := m.store.SetWorktreeFilesystemStatus(ctx, worktreeID, store.FilesystemFailed, reason); err != nil {
		m.log.Error("Failed to record worktree failure", zap.Error(err))
	}
}

// Remove dispatches git.worktree.remove. The executor removes the
// filesystem, deletes the row, and tears down the Unix group.
func (m *Manager) Remove(ctx context.Context, worktreeID, requestedBy string) error {
	wt, err := m.store.GetWorktree(ctx, worktreeID)
	if err != nil {
		return err
	}
	repo, err := m.store.GetRepo(ctx, wt.RepoID)
	if err != nil {
		return err
	}
	token, err := m.tokenFor(requestedBy)
	if err != nil {
		return err
	}

	payload, err := executor.EncodePayload(executor.CommandWorktreeRemove, token, m.daemonURL, &executor.WorktreeRemoveParams{
		WorktreeID:   wt.WorktreeID,
		RepoPath:     repo.LocalPath,
		WorktreePath: wt.Path,
	})
	if err != nil {
		return err
	}

	unixUser := m.spawner.ResolveUnixUser("", true)
	res, err := m.spawner.Spawn(ctx, "", "", unixUser, payload)
	if err != nil {
		return err
	}
	if res.Result != nil && !res.Result.Success {
		if res.Result.Error != nil {
			return fmt.Errorf("worktree remove failed: %s", res.Result.Error.Message)
		}
		return fmt.Errorf("worktree remove failed")
	}
	return nil
}

// Ports returns the deterministic host ports for a worktree.
func (m *Manager) Ports(wt *store.Worktree) (Ports, error) {
	return DerivePorts(m.rbac.SSHPortBase, m.rbac.AppPortBase, wt.WorktreeUniqueID)
}

// SweepCreating fails worktree rows stuck in creating longer than the sweep
// age. Run once at daemon startup; a crash mid-create leaves such rows.
func (m *Manager) SweepCreating(ctx context.Context) (int, error) {
	stuck, err := m.store.FindWorktrees(ctx, store.ListQuery{
		Filters: map[string]any{"filesystem_status": store.FilesystemCreating},
		Limit:   store.MaxListLimit,
	})
	if err != nil {
		return 0, err
	}
	swept := 0
	cutoff := time.Now().UTC().Add(-creatingSweepAge)
	for i := range stuck {
		wt := &stuck[i]
		if wt.CreatedAt.After(cutoff) {
			continue
		}
		if err := m.store.SetWorktreeFilesystemStatus(ctx, wt.WorktreeID, store.FilesystemFailed,
			"creation interrupted by daemon restart"); err != nil {
			return swept, err
		}
		m.log.Warn("Swept stuck worktree",
			zap.String("worktree_id", wt.WorktreeID),
			zap.String("name", wt.Name))
		swept++
	}
	return swept, nil
}
