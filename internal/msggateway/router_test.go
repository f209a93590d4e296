package msggateway

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

// instantRunner completes every prompt immediately.
type instantRunner struct{}

func (instantRunner) RunPrompt(_ context.Context, _ *store.Session, _ *store.Task, _ string) (*session.PromptOutcome, error) {
	return &session.PromptOutcome{}, nil
}

func (instantRunner) Abort(_, _ string) bool { return false }

type fakeConnector struct {
	mu   sync.Mutex
	sent []string
}

func (c *fakeConnector) ChannelType() string { return "telegram" }

func (c *fakeConnector) SendMessage(_ context.Context, _ *store.GatewayChannel, threadID, text string, _ map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, threadID+": "+text)
	return nil
}

type fixture struct {
	router  *Router
	store   *store.Store
	channel *store.GatewayChannel
	conn    *fakeConnector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := newTestStore(t)
	ctx := context.Background()

	reg := tool.NewRegistry()
	reg.Register(tool.NewMock("done"))
	engine := session.NewEngine(s, reg, instantRunner{}, nil, nil, logger.Default())

	u := &store.User{Email: "alice@example.com", PasswordHash: "hash", UnixUsername: "alice"}
	require.NoError(t, s.CreateUser(ctx, u))
	repo := &store.Repo{Slug: "acme/api", RemoteURL: "git@example.com:acme/api.git", LocalPath: "/srv/repos/acme/api"}
	require.NoError(t, s.CreateRepo(ctx, repo))
	wt := &store.Worktree{RepoID: repo.RepoID, Name: "feature", CreatedBy: u.UserID}
	require.NoError(t, s.CreateWorktree(ctx, wt))

	channel := &store.GatewayChannel{
		ChannelType:      "telegram",
		ChannelKey:       "secret-key",
		AgorUserID:       u.UserID,
		TargetWorktreeID: wt.WorktreeID,
		Enabled:          true,
		AgenticConfig:    json.RawMessage(`{"tool":"mock"}`),
	}
	require.NoError(t, s.CreateGatewayChannel(ctx, channel))

	router := NewRouter(s, engine, logger.Default())
	conn := &fakeConnector{}
	router.RegisterConnector(conn)
	return &fixture{router: router, store: s, channel: channel, conn: conn}
}

func TestPostMessageRejectsUnknownKey(t *testing.T) {
	f := newFixture(t)
	_, err := f.router.PostMessage(context.Background(), &InboundMessage{
		ChannelType: "telegram", ChannelKey: "wrong", ThreadID: "t-1", Text: "hi",
	})
	require.Error(t, err)
	assert.Equal(t, rpc.CodeNotAuthenticated, rpc.CodeOf(err))
}

func TestPostMessageRejectsDisabledChannel(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.PatchGatewayChannel(context.Background(), f.channel.ChannelID, map[string]any{"enabled": false})
	require.NoError(t, err)

	_, err = f.router.PostMessage(context.Background(), &InboundMessage{
		ChannelType: "telegram", ChannelKey: "secret-key", ThreadID: "t-1", Text: "hi",
	})
	require.Error(t, err)
	assert.Equal(t, rpc.CodeForbidden, rpc.CodeOf(err))
}

func TestPostMessageCreatesAndReusesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.router.PostMessage(ctx, &InboundMessage{
		ChannelType: "telegram", ChannelKey: "secret-key", ThreadID: "t-42", Text: "deploy please",
	})
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.NotEmpty(t, first.TaskID)

	sess, err := f.store.GetSession(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.UnixUsername)
	assert.Contains(t, string(sess.CustomContext), "gateway_source")
	assert.Contains(t, string(sess.CustomContext), "t-42")

	second, err := f.router.PostMessage(ctx, &InboundMessage{
		ChannelType: "telegram", ChannelKey: "secret-key", ThreadID: "t-42", Text: "and again",
	})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.SessionID, second.SessionID)
}

func TestPostMessageBlocksUnmappedVerifiedThreads(t *testing.T) {
	f := newFixture(t)
	_, err := f.router.PostMessage(context.Background(), &InboundMessage{
		ChannelType: "telegram",
		ChannelKey:  "secret-key",
		ThreadID:    "drive-by",
		Text:        "hi bot",
		Metadata:    map[string]any{"requires_mapping_verification": true},
	})
	require.Error(t, err)
	assert.Equal(t, rpc.CodeForbidden, rpc.CodeOf(err))

	// The sender is told why the thread stays silent.
	require.Len(t, f.conn.sent, 1)
	assert.Contains(t, f.conn.sent[0], "drive-by: ")
	assert.Contains(t, f.conn.sent[0], "No session is mapped to this thread")

	// No session or task came out of the rejected message.
	sessions, err := f.store.FindSessions(context.Background(), store.ListQuery{})
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestRouteMessageFastPathAndDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// No mapping anywhere: fast path returns unrouted without touching the
	// connector.
	res, err := f.router.RouteMessage(ctx, "no-such-session", "hello", nil)
	require.NoError(t, err)
	assert.False(t, res.Routed)
	assert.Empty(t, f.conn.sent)

	posted, err := f.router.PostMessage(ctx, &InboundMessage{
		ChannelType: "telegram", ChannelKey: "secret-key", ThreadID: "t-7", Text: "run tests",
	})
	require.NoError(t, err)

	res, err = f.router.RouteMessage(ctx, posted.SessionID, "all green", nil)
	require.NoError(t, err)
	assert.True(t, res.Routed)
	require.Len(t, f.conn.sent, 1)
	assert.Equal(t, "t-7: all green", f.conn.sent[0])
}

func TestRefreshActiveSessionsWarmsCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	posted, err := f.router.PostMessage(ctx, &InboundMessage{
		ChannelType: "telegram", ChannelKey: "secret-key", ThreadID: "t-9", Text: "hi",
	})
	require.NoError(t, err)

	// A fresh router (daemon restart) knows nothing until the refresh.
	restarted := NewRouter(f.store, nil, logger.Default())
	restarted.RegisterConnector(f.conn)
	res, err := restarted.RouteMessage(ctx, posted.SessionID, "late reply", nil)
	require.NoError(t, err)
	assert.False(t, res.Routed)

	require.NoError(t, restarted.RefreshActiveSessions(ctx))
	res, err = restarted.RouteMessage(ctx, posted.SessionID, "late reply", nil)
	require.NoError(t, err)
	assert.True(t, res.Routed)
}
