package session

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agor-sh/agor/internal/common/logger"
	"github.com/agor-sh/agor/internal/db"
	"github.com/agor-sh/agor/internal/db/dialect"
	"github.com/agor-sh/agor/internal/rpc"
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

// fakeRunner stands in for the executor. With a release channel set it
// blocks until released or aborted.
type fakeRunner struct {
	mu      sync.Mutex
	outcome *PromptOutcome
	err     error
	release chan struct{}
	once    sync.Once
	aborted bool
	started chan struct{}
}

func (r *fakeRunner) RunPrompt(_ context.Context, _ *store.Session, _ *store.Task, _ string) (*PromptOutcome, error) {
	if r.started != nil {
		select {
		case r.started <- struct{}{}:
		default:
		}
	}
	if r.release != nil {
		<-r.release
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aborted {
		return &PromptOutcome{WasStopped: true}, nil
	}
	if r.outcome != nil {
		return r.outcome, r.err
	}
	return &PromptOutcome{}, r.err
}

func (r *fakeRunner) Abort(_, _ string) bool {
	r.mu.Lock()
	r.aborted = true
	r.mu.Unlock()
	if r.release != nil {
		r.once.Do(func() { close(r.release) })
	}
	return true
}

func newTestEngine(t *testing.T, runner PromptRunner) (*Engine, *store.Store) {
	t.Helper()
	s := newTestStore(t)
	reg := tool.DefaultRegistry(logger.Default())
	reg.Register(tool.NewMock("done"))
	return NewEngine(s, reg, runner, nil, nil, logger.Default()), s
}

func seedSession(t *testing.T, s *store.Store, agenticTool string) *store.Session {
	t.Helper()
	ctx := context.Background()

	u := &store.User{Email: "alice@example.com", PasswordHash: "hash", UnixUsername: "alice"}
	require.NoError(t, s.CreateUser(ctx, u))

	repo := &store.Repo{Slug: "acme/api", RemoteURL: "git@example.com:acme/api.git", LocalPath: "/srv/repos/acme/api"}
	require.NoError(t, s.CreateRepo(ctx, repo))

	wt := &store.Worktree{RepoID: repo.RepoID, Name: "feature", Ref: "feature", CreatedBy: u.UserID, Path: "/srv/worktrees/feature"}
	require.NoError(t, s.CreateWorktree(ctx, wt))

	sess := &store.Session{WorktreeID: wt.WorktreeID, CreatedBy: u.UserID, UnixUsername: "alice", AgenticTool: agenticTool}
	require.NoError(t, s.CreateSession(ctx, sess))
	return sess
}

func waitForTask(t *testing.T, s *store.Store, taskID string, status store.TaskStatus) *store.Task {
	t.Helper()
	var task *store.Task
	require.Eventually(t, func() bool {
		got, err := s.GetTask(context.Background(), taskID)
		if err != nil {
			return false
		}
		task = got
		return got.Status == status
	}, 5*time.Second, 10*time.Millisecond)
	return task
}

func TestPromptRejectsWhileBusy(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{}), started: make(chan struct{}, 1)}
	e, s := newTestEngine(t, runner)
	sess := seedSession(t, s, "mock")
	ctx := context.Background()

	task, err := e.Prompt(ctx, &PromptRequest{SessionID: sess.SessionID, Prompt: "first"})
	require.NoError(t, err)
	<-runner.started

	_, err = e.Prompt(ctx, &PromptRequest{SessionID: sess.SessionID, Prompt: "second"})
	require.Error(t, err)
	assert.Equal(t, rpc.CodeSessionBusy, rpc.CodeOf(err))

	runner.once.Do(func() { close(runner.release) })
	waitForTask(t, s, task.TaskID, store.TaskCompleted)

	// The gate reopens once the first task is terminal.
	_, err = e.Prompt(ctx, &PromptRequest{SessionID: sess.SessionID, Prompt: "third"})
	require.NoError(t, err)
}

func TestPromptHappyPath(t *testing.T) {
	runner := &fakeRunner{outcome: &PromptOutcome{
		RawSDKResponse: json.RawMessage(`{"usage":{"input":10,"output":5,"total":15},"model":"mock-1"}`),
		ResumeToken:    "resume-1",
	}}
	e, s := newTestEngine(t, runner)
	sess := seedSession(t, s, "mock")
	ctx := context.Background()

	task, err := e.Prompt(ctx, &PromptRequest{SessionID: sess.SessionID, Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, task.Status)

	done := waitForTask(t, s, task.TaskID, store.TaskCompleted)
	assert.Equal(t, "hello", done.FullPrompt)
	assert.NotNil(t, done.CompletedAt)
	assert.JSONEq(t, string(runner.outcome.RawSDKResponse), string(done.RawSDKResponse))
	assert.NotEmpty(t, done.NormalizedSDKResponse)
	assert.Equal(t, 0, done.MessageRange.V.StartIndex)

	messages, err := s.ListTaskMessages(ctx, task.TaskID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, store.RoleUser, messages[0].Role)
	assert.Equal(t, "hello", messages[0].Content.V[0].Text)

	got, err := s.GetSession(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionIdle, got.Status)
	// Exactly one append: the store records the ID at create time, the
	// engine must not add it again.
	assert.Equal(t, store.StringList{task.TaskID}, got.TaskIDs)
	assert.Contains(t, string(got.CustomContext), "resume-1")
}

func TestPromptTaskReadableWhileInFlight(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{}), started: make(chan struct{}, 1)}
	e, s := newTestEngine(t, runner)
	sess := seedSession(t, s, "mock")
	ctx := context.Background()

	task, err := e.Prompt(ctx, &PromptRequest{SessionID: sess.SessionID, Prompt: "slow"})
	require.NoError(t, err)
	<-runner.started

	// Reads must work before the executor has produced any SDK response.
	got, err := s.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Empty(t, got.RawSDKResponse)
	assert.Empty(t, got.NormalizedSDKResponse)

	active, err := s.GetActiveTask(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, task.TaskID, active.TaskID)

	runner.once.Do(func() { close(runner.release) })
	waitForTask(t, s, task.TaskID, store.TaskCompleted)

	mid, err := s.GetSession(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.StringList{task.TaskID}, mid.TaskIDs)
}

func TestPromptRejectsUnsupportedPermissionMode(t *testing.T) {
	e, s := newTestEngine(t, &fakeRunner{})
	sess := seedSession(t, s, "codex")

	_, err := e.Prompt(context.Background(), &PromptRequest{
		SessionID:      sess.SessionID,
		Prompt:         "hello",
		PermissionMode: "plan",
	})
	require.Error(t, err)
	assert.Equal(t, rpc.CodeToolPermanent, rpc.CodeOf(err))
}

func TestPromptFailureRecordsReason(t *testing.T) {
	runner := &fakeRunner{err: tool.NewTransientFailure("executor exploded")}
	e, s := newTestEngine(t, runner)
	sess := seedSession(t, s, "mock")

	task, err := e.Prompt(context.Background(), &PromptRequest{SessionID: sess.SessionID, Prompt: "hello"})
	require.NoError(t, err)

	failed := waitForTask(t, s, task.TaskID, store.TaskFailed)
	assert.Equal(t, "executor exploded", failed.FailureReason)

	got, err := s.GetSession(context.Background(), sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionIdle, got.Status)
}

func TestStopTaskIsIdempotent(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{}), started: make(chan struct{}, 1)}
	e, s := newTestEngine(t, runner)
	sess := seedSession(t, s, "mock")
	ctx := context.Background()

	// No active task: a no-op, not an error.
	require.NoError(t, e.StopTask(ctx, sess.SessionID, ""))

	task, err := e.Prompt(ctx, &PromptRequest{SessionID: sess.SessionID, Prompt: "long"})
	require.NoError(t, err)
	<-runner.started

	require.NoError(t, e.StopTask(ctx, sess.SessionID, ""))
	stopped := waitForTask(t, s, task.TaskID, store.TaskStopped)

	// Stopping a terminal task stays a no-op.
	require.NoError(t, e.StopTask(ctx, sess.SessionID, stopped.TaskID))
}

func TestSweepPendingFailsOrphans(t *testing.T) {
	e, s := newTestEngine(t, &fakeRunner{})
	sess := seedSession(t, s, "mock")
	ctx := context.Background()

	orphan := &store.Task{SessionID: sess.SessionID, FullPrompt: "lost", Status: store.TaskPending}
	require.NoError(t, s.CreateTask(ctx, orphan))
	require.NoError(t, s.SetSessionStatus(ctx, sess.SessionID, store.SessionRunning))

	swept, err := e.SweepPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	task, err := s.GetTask(ctx, orphan.TaskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, task.Status)
	assert.Equal(t, "executor-never-started", task.FailureReason)

	got, err := s.GetSession(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionIdle, got.Status)
}

func TestHandleStreamPersistsAssistantMessage(t *testing.T) {
	e, s := newTestEngine(t, &fakeRunner{})
	sess := seedSession(t, s, "mock")
	ctx := context.Background()

	task := &store.Task{SessionID: sess.SessionID, FullPrompt: "hi", Status: store.TaskRunning}
	require.NoError(t, s.CreateTask(ctx, task))

	msgID := store.NewID()
	send := func(kind string, ev StreamEvent) {
		ev.SessionID = sess.SessionID
		ev.TaskID = task.TaskID
		ev.MessageID = msgID
		ev.Kind = kind
		require.NoError(t, e.HandleStream(ctx, &ev))
	}

	send(StreamStart, StreamEvent{})
	send(StreamChunk, StreamEvent{Text: "Hello, "})
	send(StreamChunk, StreamEvent{Text: "world."})
	send(ToolUse, StreamEvent{ToolUseID: "tu-1", ToolName: "Bash", Input: json.RawMessage(`{"command":"ls"}`)})
	send(ToolResult, StreamEvent{ToolUseID: "tu-1", Content: json.RawMessage(`"ok"`)})
	send(StreamEnd, StreamEvent{})

	messages, err := s.ListTaskMessages(ctx, task.TaskID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, store.RoleAssistant, messages[0].Role)

	blocks := messages[0].Content.V
	require.Len(t, blocks, 3)
	assert.Equal(t, "Hello, world.", blocks[0].Text)
	assert.Equal(t, "tool_use", blocks[1].Type)
	assert.Equal(t, "Bash", blocks[1].ToolName)
	assert.Equal(t, "tool_result", blocks[2].Type)
	assert.Equal(t, "tu-1", blocks[2].ForToolUseID)

	got, err := s.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ToolUseCount)
	assert.Equal(t, 0, got.MessageRange.V.EndIndex)
}

func TestHandleStreamRejectsUnknownKind(t *testing.T) {
	e, s := newTestEngine(t, &fakeRunner{})
	sess := seedSession(t, s, "mock")

	err := e.HandleStream(context.Background(), &StreamEvent{
		SessionID: sess.SessionID,
		MessageID: "m-1",
		Kind:      "telepathy",
	})
	require.Error(t, err)
	assert.Equal(t, rpc.CodeValidationFailed, rpc.CodeOf(err))
}

func TestPermissionDecisionRoundTrip(t *testing.T) {
	e, s := newTestEngine(t, &fakeRunner{})
	sess := seedSession(t, s, "mock")
	ctx := context.Background()

	task := &store.Task{SessionID: sess.SessionID, FullPrompt: "hi", Status: store.TaskRunning}
	require.NoError(t, s.CreateTask(ctx, task))

	decisions := make(chan tool.PermissionDecision, 1)
	go func() {
		d, err := e.RequestPermission(ctx, sess.SessionID, task.TaskID, "Bash", json.RawMessage(`{"command":"rm"}`))
		if err == nil {
			decisions <- d
		}
	}()

	var pending []*PendingPermission
	require.Eventually(t, func() bool {
		pending = e.PendingPermissions(sess.SessionID)
		return len(pending) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// While the request is open the task and session both report the wait.
	waiting, err := s.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskAwaitingPermission, waiting.Status)
	got, err := s.GetSession(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionAwaitingPermission, got.Status)

	require.NoError(t, e.Decide(ctx, &DecisionRequest{
		RequestID: pending[0].RequestID,
		Allow:     true,
		Scope:     "session",
	}))

	select {
	case d := <-decisions:
		assert.True(t, d.Allow)
		assert.Equal(t, "session", d.Scope)
	case <-time.After(5 * time.Second):
		t.Fatal("decision never reached the requester")
	}

	got, err = s.GetSession(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Contains(t, string(got.PermissionConfig), "Bash")

	resumed, err := s.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskRunning, resumed.Status)
}

func TestDecideProjectScopePersistsOnWorktree(t *testing.T) {
	e, s := newTestEngine(t, &fakeRunner{})
	sess := seedSession(t, s, "mock")
	ctx := context.Background()

	task := &store.Task{SessionID: sess.SessionID, FullPrompt: "hi", Status: store.TaskRunning}
	require.NoError(t, s.CreateTask(ctx, task))

	go func() {
		_, _ = e.RequestPermission(ctx, sess.SessionID, task.TaskID, "WebFetch", nil)
	}()
	require.Eventually(t, func() bool {
		return len(e.PendingPermissions(sess.SessionID)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	pending := e.PendingPermissions(sess.SessionID)
	require.NoError(t, e.Decide(ctx, &DecisionRequest{RequestID: pending[0].RequestID, Allow: true, Scope: "project"}))

	wt, err := s.GetWorktree(ctx, sess.WorktreeID)
	require.NoError(t, err)
	assert.Contains(t, string(wt.ProjectConfig), "WebFetch")
}

func TestDecideUnknownRequest(t *testing.T) {
	e, _ := newTestEngine(t, &fakeRunner{})
	err := e.Decide(context.Background(), &DecisionRequest{RequestID: "nope", Allow: true})
	require.Error(t, err)
	assert.Equal(t, rpc.CodeNotFound, rpc.CodeOf(err))
}
