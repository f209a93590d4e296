package services

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agor-sh/agor/internal/auth"
	"github.com/agor-sh/agor/internal/common/config"
	"github.com/agor-sh/agor/internal/common/logger"
	"github.com/agor-sh/agor/internal/db"
	"github.com/agor-sh/agor/internal/db/dialect"
	"github.com/agor-sh/agor/internal/rpc"
	"github.com/agor-sh/agor/internal/session"
	"github.com/agor-sh/agor/internal/store"
	"github.com/agor-sh/agor/internal/tool"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	raw, err := db.OpenSQLite(filepath.Join(t.TempDir(), "agor.db"))
	require.NoError(t, err)
	conn := sqlx.NewDb(raw, dialect.SQLite3)
	t.Cleanup(func() { _ = conn.Close() })

	s, err := store.New(db.NewPool(conn, conn))
	require.NoError(t, err)
	return s
}

type instantRunner struct{}

func (instantRunner) RunPrompt(_ context.Context, _ *store.Session, _ *store.Task, _ string) (*session.PromptOutcome, error) {
	return &session.PromptOutcome{}, nil
}

func (instantRunner) Abort(_, _ string) bool { return false }

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	s := newTestStore(t)
	reg := tool.NewRegistry()
	reg.Register(tool.NewMock("done"))
	engine := session.NewEngine(s, reg, instantRunner{}, nil, nil, logger.Default())
	authSvc := auth.NewService(config.AuthConfig{JWTSecret: "test-secret", TokenDuration: 3600})
	return Deps{Store: s, Engine: engine, Auth: authSvc, Log: logger.Default()}
}

func asMember(u *store.User) *rpc.Ctx {
	return &rpc.Ctx{Context: context.Background(), User: u}
}

func seedAdmin(t *testing.T, s *store.Store) *store.User {
	t.Helper()
	// The first user is promoted to owner.
	u := &store.User{Email: "root@example.com", PasswordHash: "hash"}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func TestUsersCreateHashesAndDerivesUnixName(t *testing.T) {
	deps := newTestDeps(t)
	admin := seedAdmin(t, deps.Store)
	svc := NewUsers(deps)

	result, err := svc.Create(asMember(admin), json.RawMessage(
		`{"email":"jane.doe@example.com","password":"hunter22"}`))
	require.NoError(t, err)

	u := result.(*store.User)
	assert.NotEqual(t, "hunter22", u.PasswordHash)
	require.NoError(t, deps.Auth.VerifyPassword(u.PasswordHash, "hunter22"))
	assert.NotEmpty(t, u.UnixUsername)
}

func TestUsersCreateRejectsMissingFields(t *testing.T) {
	deps := newTestDeps(t)
	admin := seedAdmin(t, deps.Store)

	_, err := NewUsers(deps).Create(asMember(admin), json.RawMessage(`{"email":"x@example.com"}`))
	require.Error(t, err)
	assert.Equal(t, rpc.CodeValidationFailed, rpc.CodeOf(err))
}

func TestUsersHooksAllowSelfPatchOnly(t *testing.T) {
	deps := newTestDeps(t)
	seedAdmin(t, deps.Store)
	member := &store.User{Email: "bob@example.com", PasswordHash: "hash"}
	require.NoError(t, deps.Store.CreateUser(context.Background(), member))

	reg := rpc.NewRegistry(nil, logger.Default())
	RegisterAll(reg, deps)

	// A member may patch their own record.
	_, err := reg.Patch(asMember(member), "users", member.UserID, map[string]any{"must_change_password": true})
	require.NoError(t, err)

	// But not someone else's.
	other := &store.User{Email: "carol@example.com", PasswordHash: "hash"}
	require.NoError(t, deps.Store.CreateUser(context.Background(), other))
	_, err = reg.Patch(asMember(member), "users", other.UserID, map[string]any{"must_change_password": true})
	require.Error(t, err)
	assert.Equal(t, rpc.CodeForbidden, rpc.CodeOf(err))
}

func TestSessionsFindExcludesArchivedByDefault(t *testing.T) {
	deps := newTestDeps(t)
	u := seedAdmin(t, deps.Store)
	ctx := context.Background()

	repo := &store.Repo{Slug: "acme/api", RemoteURL: "git@example.com:acme/api.git", LocalPath: "/tmp/api"}
	require.NoError(t, deps.Store.CreateRepo(ctx, repo))
	wt := &store.Worktree{RepoID: repo.RepoID, Name: "main", CreatedBy: u.UserID}
	require.NoError(t, deps.Store.CreateWorktree(ctx, wt))

	live := &store.Session{WorktreeID: wt.WorktreeID, CreatedBy: u.UserID, AgenticTool: "mock"}
	require.NoError(t, deps.Store.CreateSession(ctx, live))
	archived := &store.Session{WorktreeID: wt.WorktreeID, CreatedBy: u.UserID, AgenticTool: "mock", Archived: true}
	require.NoError(t, deps.Store.CreateSession(ctx, archived))

	svc := NewSessions(deps)
	result, err := svc.Find(asMember(u), store.ListQuery{})
	require.NoError(t, err)
	sessions := result.([]store.Session)
	require.Len(t, sessions, 1)
	assert.Equal(t, live.SessionID, sessions[0].SessionID)

	// Asking for archived explicitly still works.
	result, err = svc.Find(asMember(u), store.ListQuery{Filters: map[string]any{"archived": true}})
	require.NoError(t, err)
	assert.Len(t, result.([]store.Session), 1)
}

func TestSessionChannelsIncludeWorktreeAndCreator(t *testing.T) {
	deps := newTestDeps(t)
	svc := NewSessions(deps)

	channels := svc.Channels(rpc.EventPatched, &store.Session{
		SessionID:  "s-1",
		WorktreeID: "w-1",
		CreatedBy:  "u-1",
	})
	assert.ElementsMatch(t, []string{"session:s-1", "worktree:w-1", "user:u-1", "service:sessions"}, channels)
}

func TestSessionCreateSnapshotsUnixUsername(t *testing.T) {
	deps := newTestDeps(t)
	u := seedAdmin(t, deps.Store)
	ctx := context.Background()

	_, err := deps.Store.PatchUser(ctx, u.UserID, map[string]any{"unix_username": "root1"})
	require.NoError(t, err)
	u, err = deps.Store.GetUser(ctx, u.UserID)
	require.NoError(t, err)

	repo := &store.Repo{Slug: "acme/api", RemoteURL: "git@example.com:acme/api.git", LocalPath: "/tmp/api"}
	require.NoError(t, deps.Store.CreateRepo(ctx, repo))
	wt := &store.Worktree{RepoID: repo.RepoID, Name: "main", CreatedBy: u.UserID}
	require.NoError(t, deps.Store.CreateWorktree(ctx, wt))

	result, err := NewSessions(deps).Create(asMember(u), json.RawMessage(
		`{"worktree_id":"`+wt.WorktreeID+`","agentic_tool":"mock"}`))
	require.NoError(t, err)
	sess := result.(*store.Session)
	assert.Equal(t, "root1", sess.UnixUsername)
}

func TestProjectTrimsFields(t *testing.T) {
	users := []store.User{{UserID: "u-1", Email: "a@example.com", Role: store.RoleMember}}
	result := project(users, []string{"user_id", "email"})

	list, ok := result.([]map[string]any)
	require.True(t, ok)
	require.Len(t, list, 1)
	assert.Equal(t, "u-1", list[0]["user_id"])
	assert.Equal(t, "a@example.com", list[0]["email"])
	assert.NotContains(t, list[0], "role")
}

func TestGatewayChannelCreateValidatesReferences(t *testing.T) {
	deps := newTestDeps(t)
	u := seedAdmin(t, deps.Store)

	_, err := NewGatewayChannels(deps).Create(asMember(u), json.RawMessage(
		`{"channel_type":"telegram","channel_key":"k","agor_user_id":"`+u.UserID+`","target_worktree_id":"missing"}`))
	require.Error(t, err)
	assert.Equal(t, rpc.CodeNotFound, rpc.CodeOf(err))
}

func TestMCPServerCreateValidatesTransport(t *testing.T) {
	deps := newTestDeps(t)
	u := seedAdmin(t, deps.Store)
	svc := NewMCPServers(deps)

	_, err := svc.Create(asMember(u), json.RawMessage(`{"name":"fs","transport":"stdio"}`))
	require.Error(t, err)

	result, err := svc.Create(asMember(u), json.RawMessage(
		`{"name":"fs","transport":"stdio","command":"mcp-fs"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, result.(*store.MCPServer).MCPServerID)
}

func TestCustomRouteStreamingIsInternalOnly(t *testing.T) {
	deps := newTestDeps(t)
	u := seedAdmin(t, deps.Store)

	reg := rpc.NewRegistry(nil, logger.Default())
	RegisterAll(reg, deps)
	d := rpc.NewDispatcher(reg)
	RegisterRoutes(d, deps)

	resp := d.Dispatch(asMember(u), &rpc.Message{
		ID: "1", Type: rpc.MessageTypeRequest, Action: "messages.streaming",
		Payload: json.RawMessage(`{"session_id":"s","message_id":"m","kind":"stream_start"}`),
	})
	assert.Equal(t, rpc.MessageTypeError, resp.Type)

	var errPayload rpc.ErrorPayload
	require.NoError(t, resp.ParsePayload(&errPayload))
	assert.Equal(t, rpc.CodeForbidden, errPayload.Code)
}
