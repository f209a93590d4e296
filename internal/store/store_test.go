package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agor-sh/agor/internal/db"
	"github.com/agor-sh/agor/internal/db/dialect"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	raw, err := db.OpenSQLite(filepath.Join(t.TempDir(), "agor.db"))
	require.NoError(t, err)
	conn := sqlx.NewDb(raw, dialect.SQLite3)
	t.Cleanup(func() { _ = conn.Close() })

	s, err := New(db.NewPool(conn, conn))
	require.NoError(t, err)
	return s
}

func TestNewInitializesFreshDatabase(t *testing.T) {
	s := newTestStore(t)
	count, err := s.CountUsers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestNewRejectsOlderSchema(t *testing.T) {
	raw, err := db.OpenSQLite(filepath.Join(t.TempDir(), "agor.db"))
	require.NoError(t, err)
	conn := sqlx.NewDb(raw, dialect.SQLite3)
	t.Cleanup(func() { _ = conn.Close() })

	// Simulate a database recorded at a pre-release schema version.
	_, err = conn.Exec(`CREATE TABLE schema_migrations (version INTEGER NOT NULL)`)
	require.NoError(t, err)
	_, err = conn.Exec(`INSERT INTO schema_migrations (version) VALUES (-1)`)
	require.NoError(t, err)

	_, err = New(db.NewPool(conn, conn))
	require.ErrorIs(t, err, ErrMigrationPending)
}

func TestFirstUserBecomesOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &User{Email: "alice@example.com", Role: RoleMember}
	require.NoError(t, s.CreateUser(ctx, first))
	assert.Equal(t, RoleOwner, first.Role)

	second := &User{Email: "bob@example.com"}
	require.NoError(t, s.CreateUser(ctx, second))
	assert.Equal(t, RoleMember, second.Role)
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, &User{Email: "alice@example.com"}))
	err := s.CreateUser(ctx, &User{Email: "alice@example.com"})
	require.ErrorIs(t, err, ErrConflict)
}

func TestShortIDResolution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &User{Email: "alice@example.com"}
	require.NoError(t, s.CreateUser(ctx, u))

	got, err := s.GetUser(ctx, u.UserID[:8])
	require.NoError(t, err)
	assert.Equal(t, u.UserID, got.UserID)

	_, err = s.GetUser(ctx, "zz")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetUser(ctx, "ffffffff")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestShortIDAmbiguousPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// UUIDv7 IDs created in the same millisecond share a long common prefix,
	// so a short prefix is almost certainly ambiguous.
	a := &User{Email: "a@example.com"}
	b := &User{Email: "b@example.com"}
	require.NoError(t, s.CreateUser(ctx, a))
	require.NoError(t, s.CreateUser(ctx, b))

	common := 0
	for common < len(a.UserID) && a.UserID[common] == b.UserID[common] {
		common++
	}
	if common < 3 {
		t.Skip("ids diverged before a usable prefix")
	}

	_, err := s.GetUser(ctx, a.UserID[:common])
	require.Error(t, err)
	assert.True(t, IsAmbiguousID(err))
}

func TestDeepMerge(t *testing.T) {
	base := map[string]any{
		"mode": "acceptEdits",
		"codex": map[string]any{
			"sandboxMode":   "workspace-write",
			"networkAccess": true,
		},
	}
	patch := map[string]any{
		"codex": map[string]any{"sandboxMode": "read-only"},
	}
	merged := DeepMerge(base, patch)
	assert.Equal(t, "acceptEdits", merged["mode"])
	codex := merged["codex"].(map[string]any)
	assert.Equal(t, "read-only", codex["sandboxMode"])
	assert.Equal(t, true, codex["networkAccess"])
}

func TestDeepMergeNilDeletesKey(t *testing.T) {
	merged := DeepMerge(
		map[string]any{"a": 1, "b": 2},
		map[string]any{"b": nil},
	)
	assert.Equal(t, map[string]any{"a": 1}, merged)
}

func TestPatchUserPreservesCredentials(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &User{Email: "alice@example.com", PasswordHash: "$2a$10$hash"}
	require.NoError(t, s.CreateUser(ctx, u))

	patched, err := s.PatchUser(ctx, u.UserID, map[string]any{
		"unix_username": "alice",
		"password_hash": "injected",
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", patched.UnixUsername)

	reloaded, err := s.GetUser(ctx, u.UserID)
	require.NoError(t, err)
	assert.Equal(t, "$2a$10$hash", reloaded.PasswordHash)
}

func TestFindUsersRejectsUnknownField(t *testing.T) {
	s := newTestStore(t)
	_, err := s.FindUsers(context.Background(), ListQuery{
		Filters: map[string]any{"password_hash": "x"},
	})
	require.ErrorIs(t, err, ErrInvalidQueryField)
}

func TestWorktreeUniqueIDMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	owner := &User{Email: "alice@example.com"}
	require.NoError(t, s.CreateUser(ctx, owner))
	repo := &Repo{Slug: "acme/api"}
	require.NoError(t, s.CreateRepo(ctx, repo))

	first := &Worktree{RepoID: repo.RepoID, Name: "feature-a", CreatedBy: owner.UserID}
	require.NoError(t, s.CreateWorktree(ctx, first))
	assert.Equal(t, 1, first.WorktreeUniqueID)

	second := &Worktree{RepoID: repo.RepoID, Name: "feature-b", CreatedBy: owner.UserID}
	require.NoError(t, s.CreateWorktree(ctx, second))
	assert.Equal(t, 2, second.WorktreeUniqueID)

	// Numbers are not reclaimed after removal.
	require.NoError(t, s.RemoveWorktree(ctx, second.WorktreeID))
	third := &Worktree{RepoID: repo.RepoID, Name: "feature-c", CreatedBy: owner.UserID}
	require.NoError(t, s.CreateWorktree(ctx, third))
	assert.Equal(t, 3, third.WorktreeUniqueID)
}

func TestWorktreeCreatorBecomesOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	owner := &User{Email: "alice@example.com"}
	require.NoError(t, s.CreateUser(ctx, owner))
	repo := &Repo{Slug: "acme/api"}
	require.NoError(t, s.CreateRepo(ctx, repo))

	wt := &Worktree{RepoID: repo.RepoID, Name: "feature", CreatedBy: owner.UserID}
	require.NoError(t, s.CreateWorktree(ctx, wt))

	owners, err := s.ListWorktreeOwners(ctx, wt.WorktreeID)
	require.NoError(t, err)
	assert.Equal(t, []string{owner.UserID}, owners)

	ok, err := s.IsWorktreeOwner(ctx, wt.WorktreeID, owner.UserID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLastOwnerCannotBeRemoved(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	owner := &User{Email: "alice@example.com"}
	require.NoError(t, s.CreateUser(ctx, owner))
	repo := &Repo{Slug: "acme/api"}
	require.NoError(t, s.CreateRepo(ctx, repo))
	wt := &Worktree{RepoID: repo.RepoID, Name: "feature", CreatedBy: owner.UserID}
	require.NoError(t, s.CreateWorktree(ctx, wt))

	err := s.RemoveWorktreeOwner(ctx, wt.WorktreeID, owner.UserID)
	require.ErrorIs(t, err, ErrConflict)

	second := &User{Email: "bob@example.com"}
	require.NoError(t, s.CreateUser(ctx, second))
	require.NoError(t, s.AddWorktreeOwner(ctx, wt.WorktreeID, second.UserID))
	require.NoError(t, s.RemoveWorktreeOwner(ctx, wt.WorktreeID, owner.UserID))
}

func newTestSession(t *testing.T, s *Store) *Session {
	t.Helper()
	ctx := context.Background()

	owner := &User{Email: "owner-" + NewID()[:8] + "@example.com"}
	require.NoError(t, s.CreateUser(ctx, owner))
	repo := &Repo{Slug: "acme/" + NewID()[:8]}
	require.NoError(t, s.CreateRepo(ctx, repo))
	wt := &Worktree{RepoID: repo.RepoID, Name: "feature", CreatedBy: owner.UserID}
	require.NoError(t, s.CreateWorktree(ctx, wt))

	sess := &Session{WorktreeID: wt.WorktreeID, CreatedBy: owner.UserID, AgenticTool: "mock"}
	require.NoError(t, s.CreateSession(ctx, sess))
	return sess
}

func TestCreateTaskAppendsToSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)

	task := &Task{SessionID: sess.SessionID, FullPrompt: "do the thing"}
	require.NoError(t, s.CreateTask(ctx, task))

	reloaded, err := s.GetSession(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StringList{task.TaskID}, reloaded.TaskIDs)
}

func TestPendingTaskReadsBackBeforeResponses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)

	// A fresh task has no SDK responses yet; every read path must still
	// work on the NULL columns.
	task := &Task{SessionID: sess.SessionID, FullPrompt: "hello"}
	require.NoError(t, s.CreateTask(ctx, task))

	got, err := s.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, TaskPending, got.Status)
	assert.Empty(t, got.RawSDKResponse)
	assert.Empty(t, got.NormalizedSDKResponse)

	active, err := s.GetActiveTask(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, task.TaskID, active.TaskID)

	listed, err := s.FindTasks(ctx, ListQuery{Filters: map[string]any{"session_id": sess.SessionID}})
	require.NoError(t, err)
	require.Len(t, listed, 1)

	patched, err := s.PatchTask(ctx, task.TaskID, map[string]any{
		"raw_sdk_response": map[string]any{"model": "mock-1"},
	})
	require.NoError(t, err)
	assert.Contains(t, string(patched.RawSDKResponse), "mock-1")

	got, err = s.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Contains(t, string(got.RawSDKResponse), "mock-1")
	assert.Empty(t, got.NormalizedSDKResponse)
}

func TestGetActiveTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)

	_, err := s.GetActiveTask(ctx, sess.SessionID)
	require.ErrorIs(t, err, ErrNotFound)

	task := &Task{SessionID: sess.SessionID, FullPrompt: "hello", Status: TaskRunning}
	require.NoError(t, s.CreateTask(ctx, task))

	active, err := s.GetActiveTask(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, task.TaskID, active.TaskID)

	require.NoError(t, s.CompleteTask(ctx, task.TaskID, TaskCompleted, ""))
	_, err = s.GetActiveTask(ctx, sess.SessionID)
	require.ErrorIs(t, err, ErrNotFound)

	done, err := s.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)
}

func TestCompleteTaskRejectsNonTerminalStatus(t *testing.T) {
	s := newTestStore(t)
	sess := newTestSession(t, s)
	task := &Task{SessionID: sess.SessionID, FullPrompt: "x"}
	require.NoError(t, s.CreateTask(context.Background(), task))

	err := s.CompleteTask(context.Background(), task.TaskID, TaskRunning, "")
	require.Error(t, err)
}

func TestAppendMessageIndexesAndCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)

	idx, err := s.AppendMessage(ctx, &Message{
		SessionID: sess.SessionID,
		Role:      RoleUser,
		Content:   JSON([]ContentBlock{{Type: "text", Text: "hi"}}),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	idx, err = s.AppendMessage(ctx, &Message{
		SessionID: sess.SessionID,
		Role:      RoleAssistant,
		Content:   JSON([]ContentBlock{{Type: "text", Text: "hello"}}),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, idx)

	reloaded, err := s.GetSession(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.MessageCount)

	messages, err := s.ListSessionMessages(ctx, sess.SessionID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, RoleUser, messages[0].Role)
	assert.Equal(t, "hi", messages[0].Content.V[0].Text)
}

func TestCopySessionMessagesForFork(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	src := newTestSession(t, s)

	for i := 0; i < 3; i++ {
		_, err := s.AppendMessage(ctx, &Message{
			SessionID: src.SessionID,
			Role:      RoleUser,
			Content:   JSON([]ContentBlock{{Type: "text", Text: "m"}}),
		})
		require.NoError(t, err)
	}

	dst := &Session{
		WorktreeID:          src.WorktreeID,
		CreatedBy:           src.CreatedBy,
		AgenticTool:         src.AgenticTool,
		ForkedFromSessionID: src.SessionID,
	}
	require.NoError(t, s.CreateSession(ctx, dst))

	n, err := s.CopySessionMessages(ctx, src.SessionID, dst.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	reloaded, err := s.GetSession(ctx, dst.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 3, reloaded.MessageCount)
}

func TestFindSessionsExcludesArchivedByDefault(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)

	_, err := s.PatchSession(ctx, sess.SessionID, map[string]any{"archived": true})
	require.NoError(t, err)

	visible, err := s.FindSessions(ctx, ListQuery{})
	require.NoError(t, err)
	assert.Empty(t, visible)

	archived, err := s.FindSessions(ctx, ListQuery{Filters: map[string]any{"archived": true}})
	require.NoError(t, err)
	assert.Len(t, archived, 1)
}

func TestThreadSessionMapping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)

	ch := &GatewayChannel{
		ChannelType:      "telegram",
		ChannelKey:       "chat-42",
		AgorUserID:       sess.CreatedBy,
		TargetWorktreeID: sess.WorktreeID,
		Enabled:          true,
	}
	require.NoError(t, s.CreateGatewayChannel(ctx, ch))

	resolved, err := s.GetGatewayChannelByKey(ctx, "telegram", "chat-42")
	require.NoError(t, err)
	assert.Equal(t, ch.ChannelID, resolved.ChannelID)

	_, err = s.GetGatewayChannelByKey(ctx, "telegram", "chat-unknown")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.UpsertThreadSessionMap(ctx, &ThreadSessionMap{
		ChannelID: ch.ChannelID,
		ThreadID:  "thread-1",
		SessionID: sess.SessionID,
	}))

	m, err := s.GetThreadSessionMap(ctx, ch.ChannelID, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, sess.SessionID, m.SessionID)

	active, err := s.HasActiveThreadMappings(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.True(t, active)

	// Disabling the channel turns off the fast path.
	_, err = s.PatchGatewayChannel(ctx, ch.ChannelID, map[string]any{"enabled": false})
	require.NoError(t, err)
	active, err = s.HasActiveThreadMappings(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestRemoveWorktreeCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s)

	task := &Task{SessionID: sess.SessionID, FullPrompt: "x"}
	require.NoError(t, s.CreateTask(ctx, task))

	require.NoError(t, s.RemoveWorktree(ctx, sess.WorktreeID))
	_, err := s.GetSession(ctx, sess.SessionID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetTask(ctx, task.TaskID)
	require.ErrorIs(t, err, ErrNotFound)
}
