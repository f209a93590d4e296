package worktree

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agor-sh/agor/internal/common/config"
	"github.com/agor-sh/agor/internal/common/logger"
	"github.com/agor-sh/agor/internal/db"
	"github.com/agor-sh/agor/internal/store"
	"github.com/agor-sh/agor/internal/unixadmin"
	"github.com/agor-sh/agor/internal/unixid"
)

func newTestStore(t *testing.T) (*store.Store, *sqlx.DB) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "agor.db")
	conn, err := db.OpenSQLite(path)
	require.NoError(t, err)

	sdb := sqlx.NewDb(conn, "sqlite3")
	st, err := store.New(db.NewPool(sdb, sdb))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st, sdb
}

func TestDerivePorts(t *testing.T) {
	p, err := DerivePorts(22000, 33000, 5)
	require.NoError(t, err)
	assert.Equal(t, 22005, p.SSH)
	assert.Equal(t, 33005, p.App)
}

func TestDerivePortsRejectsOverflow(t *testing.T) {
	_, err := DerivePorts(65000, 33000, 600)
	require.Error(t, err)

	_, err = DerivePorts(22000, 33000, 0)
	require.Error(t, err)
}

// recordingRunner captures every admin command instead of executing it.
type recordingRunner struct {
	calls  [][]string
	stdins []string
}

func (r *recordingRunner) Run(_ context.Context, stdin, name string, args ...string) (*unixadmin.Result, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	r.stdins = append(r.stdins, stdin)
	return &unixadmin.Result{}, nil
}

func (r *recordingRunner) Available(context.Context) bool { return true }

func (r *recordingRunner) commandNames() []string {
	names := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		names = append(names, c[0])
	}
	return names
}

func testRBAC() config.RBACConfig {
	return config.RBACConfig{
		Enabled:     true,
		DaemonUser:  "agor",
		UsersGroup:  "agor_users",
		SSHPortBase: 22000,
		AppPortBase: 33000,
	}
}

func seedUser(t *testing.T, st *store.Store) *store.User {
	t.Helper()
	u := &store.User{Email: "alice@example.com", PasswordHash: "hash", UnixUsername: "alice"}
	require.NoError(t, st.CreateUser(ctx(), u))
	return u
}

func seedWorktree(t *testing.T, st *store.Store, owner *store.User) (*store.Repo, *store.Worktree) {
	t.Helper()

	repo := &store.Repo{
		Slug:          "acme/api",
		RemoteURL:     "git@github.com:acme/api.git",
		LocalPath:     filepath.Join(t.TempDir(), "repos", "acme", "api"),
		DefaultBranch: "main",
	}
	require.NoError(t, st.CreateRepo(ctx(), repo))

	wt := &store.Worktree{
		RepoID:           repo.RepoID,
		Name:             "feat-x",
		Ref:              "feat-x",
		RefType:          store.RefTypeBranch,
		Path:             filepath.Join(t.TempDir(), "worktrees", "feat-x"),
		CreatedBy:        owner.UserID,
		FilesystemStatus: store.FilesystemReady,
		OthersCan:        store.OthersCanView,
		OthersFSAccess:   store.FSAccessNone,
	}
	require.NoError(t, st.CreateWorktree(ctx(), wt))
	return repo, wt
}

func ctx() context.Context { return context.Background() }

func TestSyncWorktreeProvisionsGroupAndMemberships(t *testing.T) {
	st, _ := newTestStore(t)
	owner := seedUser(t, st)
	_, wt := seedWorktree(t, st, owner)

	runner := &recordingRunner{}
	syncer := NewSyncer(st, unixadmin.NewAdmin(runner, logger.Default()), testRBAC(), logger.Default())

	require.NoError(t, syncer.SyncWorktree(ctx(), wt.WorktreeID, false))

	names := runner.commandNames()
	assert.Contains(t, names, "groupadd")
	assert.Contains(t, names, "gpasswd")

	got, err := st.GetWorktree(ctx(), wt.WorktreeID)
	require.NoError(t, err)
	assert.Equal(t, unixid.WorktreeGroup(wt.WorktreeID), got.UnixGroup)
}

func TestSyncWorktreeCoversGitAdminDir(t *testing.T) {
	st, _ := newTestStore(t)
	owner := seedUser(t, st)
	repo, wt := seedWorktree(t, st, owner)

	runner := &recordingRunner{}
	syncer := NewSyncer(st, unixadmin.NewAdmin(runner, logger.Default()), testRBAC(), logger.Default())

	require.NoError(t, syncer.SyncWorktree(ctx(), wt.WorktreeID, false))

	// The checkout alone is not enough: git keeps HEAD and the index in
	// the parent repo's .git/worktrees, so that directory needs the group
	// ownership too.
	adminDir := filepath.Join(repo.LocalPath, ".git", "worktrees", filepath.Base(wt.Path))
	var chgrped []string
	for _, call := range runner.calls {
		if call[0] == "chgrp" {
			chgrped = append(chgrped, call[len(call)-1])
		}
	}
	assert.Contains(t, chgrped, wt.Path)
	assert.Contains(t, chgrped, adminDir)
}

func TestSyncWorktreeIsIdempotent(t *testing.T) {
	st, _ := newTestStore(t)
	owner := seedUser(t, st)
	_, wt := seedWorktree(t, st, owner)

	runner := &recordingRunner{}
	syncer := NewSyncer(st, unixadmin.NewAdmin(runner, logger.Default()), testRBAC(), logger.Default())

	require.NoError(t, syncer.SyncWorktree(ctx(), wt.WorktreeID, false))
	first := len(runner.calls)
	require.NoError(t, syncer.SyncWorktree(ctx(), wt.WorktreeID, false))

	// A second pass replays the same idempotent commands.
	assert.Equal(t, first, len(runner.calls)-first)
}

func TestSyncWorktreeRemoveTearsDownGroup(t *testing.T) {
	st, _ := newTestStore(t)
	owner := seedUser(t, st)
	_, wt := seedWorktree(t, st, owner)

	runner := &recordingRunner{}
	syncer := NewSyncer(st, unixadmin.NewAdmin(runner, logger.Default()), testRBAC(), logger.Default())

	require.NoError(t, syncer.SyncWorktree(ctx(), wt.WorktreeID, true))

	assert.Contains(t, runner.commandNames(), "groupdel")
}

func TestSyncUserDerivesUnixUsername(t *testing.T) {
	st, _ := newTestStore(t)
	u := &store.User{Email: "bob.smith@example.com", PasswordHash: "hash"}
	require.NoError(t, st.CreateUser(ctx(), u))

	runner := &recordingRunner{}
	syncer := NewSyncer(st, unixadmin.NewAdmin(runner, logger.Default()), testRBAC(), logger.Default())

	require.NoError(t, syncer.SyncUser(ctx(), u.UserID, "", false))

	got, err := st.GetUser(ctx(), u.UserID)
	require.NoError(t, err)
	assert.Equal(t, unixid.UsernameFromEmail("bob.smith@example.com"), got.UnixUsername)
}

func TestSyncUserPasswordGoesThroughStdin(t *testing.T) {
	st, _ := newTestStore(t)
	u := seedUser(t, st)

	runner := &recordingRunner{}
	syncer := NewSyncer(st, unixadmin.NewAdmin(runner, logger.Default()), testRBAC(), logger.Default())

	require.NoError(t, syncer.SyncUser(ctx(), u.UserID, "s3cret", false))

	sawChpasswd := false
	for i, call := range runner.calls {
		if call[0] == "chpasswd" {
			sawChpasswd = true
			assert.Contains(t, runner.stdins[i], "s3cret")
		}
		for _, arg := range call {
			assert.NotContains(t, arg, "s3cret")
		}
	}
	assert.True(t, sawChpasswd)
}

func TestSweepCreatingFailsStaleRows(t *testing.T) {
	st, sdb := newTestStore(t)
	owner := seedUser(t, st)
	repo, _ := seedWorktree(t, st, owner)

	stale := &store.Worktree{
		RepoID:           repo.RepoID,
		Name:             "stale",
		Ref:              "stale",
		RefType:          store.RefTypeBranch,
		CreatedBy:        owner.UserID,
		FilesystemStatus: store.FilesystemCreating,
	}
	require.NoError(t, st.CreateWorktree(ctx(), stale))
	// Backdate past the sweep age; created_at is immutable through Patch.
	_, err := sdb.Exec(`UPDATE worktrees SET created_at = ? WHERE worktree_id = ?`,
		time.Now().UTC().Add(-time.Hour), stale.WorktreeID)
	require.NoError(t, err)

	m := NewManager(st, nil, config.NewEnvAt(t.TempDir()), testRBAC(), "", nil, logger.Default())
	swept, err := m.SweepCreating(ctx())
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	got, err := st.GetWorktree(ctx(), stale.WorktreeID)
	require.NoError(t, err)
	assert.Equal(t, store.FilesystemFailed, got.FilesystemStatus)
	assert.Equal(t, "creation interrupted by daemon restart", got.FilesystemError)
}

func TestSweepCreatingSkipsFreshRows(t *testing.T) {
	st, _ := newTestStore(t)
	owner := seedUser(t, st)
	repo, _ := seedWorktree(t, st, owner)

	fresh := &store.Worktree{
		RepoID:           repo.RepoID,
		Name:             "fresh",
		Ref:              "fresh",
		RefType:          store.RefTypeBranch,
		CreatedBy:        owner.UserID,
		FilesystemStatus: store.FilesystemCreating,
	}
	require.NoError(t, st.CreateWorktree(ctx(), fresh))

	m := NewManager(st, nil, config.NewEnvAt(t.TempDir()), testRBAC(), "", nil, logger.Default())
	swept, err := m.SweepCreating(ctx())
	require.NoError(t, err)
	assert.Zero(t, swept)
}
