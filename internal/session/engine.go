// Package session implements the task engine: the per-session prompt gate,
// the prompt pipeline, stop escalation, permission decisions, and the
// startup sweep for tasks orphaned by a daemon crash.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/agor-sh/agor/internal/common/logger"
	"github.com/agor-sh/agor/internal/events"
	"github.com/agor-sh/agor/internal/events/bus"
	"github.com/agor-sh/agor/internal/rpc"
	"github.com/agor-sh/agor/internal/store"
	"github.com/agor-sh/agor/internal/tool"
	"github.com/agor-sh/agor/internal/tracing"
	"github.com/agor-sh/agor/internal/worktree"
)

// ErrSessionBusy is returned when a prompt arrives while the session already
// has an active task. A session awaiting a permission decision counts as
// busy.
var ErrSessionBusy = rpc.NewError(rpc.CodeSessionBusy, "session already has an active task")

// PromptOutcome is what a prompt run reports back to the engine.
type PromptOutcome struct {
	UserMessageID       string          `json:"userMessageId,omitempty"`
	AssistantMessageIDs []string        `json:"assistantMessageIds,omitempty"`
	WasStopped          bool            `json:"wasStopped,omitempty"`
	RawSDKResponse      json.RawMessage `json:"rawSdkResponse,omitempty"`
	ResumeToken         string          `json:"resumeToken,omitempty"`
}

// PromptRunner executes the spawned phase of the pipeline. The production
// implementation wraps the executor spawner; tests drive a tool in-process.
type PromptRunner interface {
	RunPrompt(ctx context.Context, sess *store.Session, task *store.Task, permissionMode string) (*PromptOutcome, error)
	Abort(sessionID, taskID string) bool
}

// Engine drives sessions and tasks.
type Engine struct {
	store  *store.Store
	tools  *tool.Registry
	runner PromptRunner
	git    *worktree.Git
	bus    bus.EventBus
	log    *logger.Logger

	// gates serializes task creation per session.
	gates sync.Map // sessionID -> *sync.Mutex

	permissions *permissionRegistry
	streams     *streamState
}

// NewEngine builds the engine.
func NewEngine(st *store.Store, tools *tool.Registry, runner PromptRunner, git *worktree.Git, eventBus bus.EventBus, log *logger.Logger) *Engine {
	return &Engine{
		store:       st,
		tools:       tools,
		runner:      runner,
		git:         git,
		bus:         eventBus,
		log:         log,
		permissions: newPermissionRegistry(),
		streams:     newStreamState(),
	}
}

func (e *Engine) gate(sessionID string) *sync.Mutex {
	mu, _ := e.gates.LoadOrStore(sessionID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// PromptRequest carries a sessions/:id/prompt call.
type PromptRequest struct {
	SessionID      string `json:"sessionId"`
	Prompt         string `json:"prompt"`
	PermissionMode string `json:"permissionMode,omitempty"`
}

// Prompt runs pipeline steps 1 through 3 durably, then dispatches the
// executor phase in the background and returns the pending task.
func (e *Engine) Prompt(ctx context.Context, req *PromptRequest) (task *store.Task, err error) {
	if req.Prompt == "" {
		return nil, rpc.NewError(rpc.CodeValidationFailed, "prompt is required")
	}
	sess, err := e.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.TracePrompt(ctx, sess.SessionID, sess.AgenticTool)
	defer func() { tracing.EndSpan(span, err) }()

	t, err := e.tools.Get(sess.AgenticTool)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeValidationFailed, "session tool: %v", err)
	}
	mode := e.effectiveMode(sess, req.PermissionMode)
	if err := tool.ValidatePermissionMode(t, mode); err != nil {
		return nil, rpc.NewError(rpc.CodeToolPermanent, "%v", err)
	}

	// Step 1: the gate. Exactly one active task per session.
	mu := e.gate(sess.SessionID)
	mu.Lock()
	active, err := e.store.GetActiveTask(ctx, sess.SessionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		mu.Unlock()
		return nil, err
	}
	if active != nil {
		mu.Unlock()
		return nil, ErrSessionBusy
	}

	task = &store.Task{
		SessionID:  sess.SessionID,
		Status:     store.TaskPending,
		FullPrompt: req.Prompt,
	}
	// CreateTask appends the ID to the session's task list in the same
	// transaction.
	if err := e.store.CreateTask(ctx, task); err != nil {
		mu.Unlock()
		return nil, err
	}
	mu.Unlock()

	// Step 2: git snapshot.
	wt, err := e.store.GetWorktree(ctx, sess.WorktreeID)
	if err != nil {
		e.failTask(context.Background(), task.TaskID, "worktree lookup failed: "+err.Error())
		return nil, err
	}
	sha := e.headSHA(ctx, wt.Path)
	task, err = e.store.PatchTask(ctx, task.TaskID, map[string]any{
		"git_state": map[string]any{"sha_at_start": sha},
	})
	if err != nil {
		return nil, err
	}

	// Step 3: the user message, durable before spawn.
	userMsg := &store.Message{
		SessionID: sess.SessionID,
		TaskID:    task.TaskID,
		Role:      store.RoleUser,
		Content:   store.JSON([]store.ContentBlock{{Type: "text", Text: req.Prompt}}),
	}
	startIndex, err := e.store.AppendMessage(ctx, userMsg)
	if err != nil {
		return nil, err
	}
	task, err = e.store.PatchTask(ctx, task.TaskID, map[string]any{
		"message_range": map[string]any{"start_index": startIndex, "end_index": startIndex},
	})
	if err != nil {
		return nil, err
	}

	// Step 4 onward runs detached; the RPC returns the pending task.
	go e.runTask(sess, task, wt, mode)
	return task, nil
}

// effectiveMode applies session defaults to an explicit request mode.
func (e *Engine) effectiveMode(sess *store.Session, requested string) string {
	if requested != "" {
		return requested
	}
	var cfg struct {
		Mode string `json:"mode"`
	}
	if len(sess.PermissionConfig) > 0 {
		_ = json.Unmarshal(sess.PermissionConfig, &cfg)
	}
	return cfg.Mode
}

func (e *Engine) headSHA(ctx context.Context, path string) string {
	if e.git == nil || path == "" {
		return "unknown"
	}
	return e.git.HeadSHA(ctx, path)
}

// runTask owns pipeline steps 4 through 7 for one task.
func (e *Engine) runTask(sess *store.Session, task *store.Task, wt *store.Worktree, mode string) {
	ctx := context.Background()

	if err := e.transitionTask(ctx, sess.SessionID, task.TaskID, store.TaskRunning, ""); err != nil {
		e.log.Error("Failed to mark task running", zap.Error(err))
		return
	}

	outcome, err := e.runner.RunPrompt(ctx, sess, task, mode)

	// Step 6/7: sha_at_end is captured best-effort on every path.
	endSHA := e.headSHA(ctx, wt.Path)
	patch := map[string]any{
		"git_state": map[string]any{"sha_at_end": endSHA},
	}

	if err != nil {
		var failure *tool.ToolFailure
		reason := err.Error()
		if errors.As(err, &failure) {
			reason = failure.Reason
		}
		if _, patchErr := e.store.PatchTask(ctx, task.TaskID, patch); patchErr != nil {
			e.log.Error("Failed to record git state", zap.Error(patchErr))
		}
		e.DiscardStreams(task.TaskID)
		e.failTask(ctx, task.TaskID, reason)
		e.syncSessionStatus(ctx, sess.SessionID, store.TaskFailed)
		return
	}

	if len(outcome.RawSDKResponse) > 0 {
		patch["raw_sdk_response"] = json.RawMessage(outcome.RawSDKResponse)
		e.storeNormalized(ctx, sess, task.TaskID, outcome.RawSDKResponse, patch)
	}
	if outcome.ResumeToken != "" {
		if _, err := e.store.PatchSession(ctx, sess.SessionID, map[string]any{
			"custom_context": map[string]any{"resume_token": outcome.ResumeToken},
		}); err != nil {
			e.log.Warn("Failed to persist resume token", zap.Error(err))
		}
	}
	if _, err := e.store.PatchTask(ctx, task.TaskID, patch); err != nil {
		e.log.Error("Failed to finalize task", zap.Error(err))
	}

	status := store.TaskCompleted
	if outcome.WasStopped {
		status = store.TaskStopped
	}
	if err := e.transitionTask(ctx, sess.SessionID, task.TaskID, status, ""); err != nil {
		e.log.Error("Failed to complete task", zap.Error(err))
	}
	e.syncSessionStatus(ctx, sess.SessionID, status)

	if status == store.TaskStopped {
		// Emitted only after executor streaming has drained.
		e.publish(sess.SessionID, events.TaskStopped, map[string]any{
			"task_id": task.TaskID,
			"event":   "task_stopped_complete",
		})
	}
}

// storeNormalized runs the tool normalizer with cross-task context and adds
// the results to the task patch.
func (e *Engine) storeNormalized(ctx context.Context, sess *store.Session, taskID string, raw json.RawMessage, patch map[string]any) {
	t, err := e.tools.Get(sess.AgenticTool)
	if err != nil {
		return
	}
	nctx := tool.NormalizeContext{PreviousCumulative: e.previousCumulative(ctx, sess, t, taskID)}
	normalized, err := t.Normalize(raw, nctx)
	if err != nil {
		e.log.Warn("Tool normalization failed",
			zap.String("tool", sess.AgenticTool), zap.Error(err))
		return
	}
	if encoded, err := json.Marshal(normalized); err == nil {
		patch["normalized_sdk_response"] = json.RawMessage(encoded)
	}
	if computer, ok := t.(tool.ContextWindowComputer); ok {
		if tokens, ok := computer.ComputeContextWindow(raw); ok {
			patch["computed_context_window"] = tokens
		}
	}
}

// previousCumulative finds the most recent terminal task's cumulative usage
// for tools that report cumulatively.
func (e *Engine) previousCumulative(ctx context.Context, sess *store.Session, t tool.Tool, currentTaskID string) *tool.TokenUsage {
	reporter, ok := t.(interface {
		CumulativeUsage(raw json.RawMessage) (*tool.TokenUsage, error)
	})
	if !ok {
		return nil
	}
	tasks, err := e.store.FindTasks(ctx, store.ListQuery{
		Filters: map[string]any{"session_id": sess.SessionID},
		Sort:    []store.SortField{{Field: "created_at", Desc: true}},
		Limit:   store.MaxListLimit,
	})
	if err != nil {
		return nil
	}
	for i := range tasks {
		task := &tasks[i]
		if task.TaskID == currentTaskID || !task.Status.IsTerminal() || len(task.RawSDKResponse) == 0 {
			continue
		}
		usage, err := reporter.CumulativeUsage(json.RawMessage(task.RawSDKResponse))
		if err != nil {
			return nil
		}
		return usage
	}
	return nil
}

func (e *Engine) failTask(ctx context.Context, taskID, reason string) {
	if err := e.store.CompleteTask(ctx, taskID, store.TaskFailed, reason); err != nil {
		e.log.Error("Failed to fail task", zap.String("task_id", taskID), zap.Error(err))
	}
}

// transitionTask moves a task and publishes the status change.
func (e *Engine) transitionTask(ctx context.Context, sessionID, taskID string, status store.TaskStatus, reason string) error {
	var err error
	if status.IsTerminal() {
		err = e.store.CompleteTask(ctx, taskID, status, reason)
	} else {
		err = e.store.SetTaskStatus(ctx, taskID, status)
	}
	if err != nil {
		return err
	}
	e.publish(sessionID, events.TaskStatusChanged, map[string]any{
		"task_id": taskID,
		"status":  string(status),
	})
	if status == store.TaskRunning {
		e.syncSessionStatus(ctx, sessionID, status)
	}
	return nil
}

// syncSessionStatus derives the session state from its latest task state.
func (e *Engine) syncSessionStatus(ctx context.Context, sessionID string, taskStatus store.TaskStatus) {
	var status store.SessionStatus
	switch taskStatus {
	case store.TaskRunning, store.TaskPending:
		status = store.SessionRunning
	case store.TaskAwaitingPermission:
		status = store.SessionAwaitingPermission
	default:
		status = store.SessionIdle
	}
	if err := e.store.SetSessionStatus(ctx, sessionID, status); err != nil {
		e.log.Error("Failed to update session status", zap.Error(err))
		return
	}
	e.publish(sessionID, events.SessionStatusChanged, map[string]any{
		"session_id": sessionID,
		"status":     string(status),
	})
}

// StopTask cancels the active task. With an empty taskID the most recent
// non-terminal task is resolved. Calling it on a terminal task is a no-op.
func (e *Engine) StopTask(ctx context.Context, sessionID, taskID string) error {
	var task *store.Task
	var err error
	if taskID != "" {
		task, err = e.store.GetTask(ctx, taskID)
	} else {
		task, err = e.store.GetActiveTask(ctx, sessionID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
	}
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return nil
	}

	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	// Cooperative stop first; the runner escalates SIGTERM/SIGKILL on its
	// own timers.
	if t, terr := e.tools.Get(sess.AgenticTool); terr == nil {
		if err := t.StopTask(ctx, sessionID, task.TaskID); err != nil {
			e.log.Warn("Cooperative stop failed", zap.Error(err))
		}
	}
	e.runner.Abort(sessionID, task.TaskID)
	return nil
}

// SweepPending fails tasks left pending by a daemon crash between the
// durable pipeline steps and executor spawn. Run once at startup.
func (e *Engine) SweepPending(ctx context.Context) (int, error) {
	stuck, err := e.store.ListTasksByStatus(ctx, store.TaskPending, store.TaskRunning, store.TaskAwaitingPermission)
	if err != nil {
		return 0, err
	}
	swept := 0
	for i := range stuck {
		task := &stuck[i]
		if err := e.store.CompleteTask(ctx, task.TaskID, store.TaskFailed, "executor-never-started"); err != nil {
			return swept, err
		}
		e.syncSessionStatus(ctx, task.SessionID, store.TaskFailed)
		swept++
	}
	return swept, nil
}

// Shutdown aborts every running executor. Called on daemon stop.
func (e *Engine) Shutdown(ctx context.Context) {
	running, err := e.store.ListTasksByStatus(ctx, store.TaskRunning, store.TaskAwaitingPermission)
	if err != nil {
		e.log.Error("Failed to list running tasks on shutdown", zap.Error(err))
		return
	}
	for i := range running {
		e.runner.Abort(running[i].SessionID, running[i].TaskID)
	}
}

func (e *Engine) publish(sessionID, eventType string, data map[string]any) {
	if e.bus == nil {
		return
	}
	if data == nil {
		data = make(map[string]any)
	}
	// Every session event carries its session ID so bus consumers can
	// route without parsing the subject.
	data["session_id"] = sessionID
	evt := bus.NewEvent(eventType, "session-engine", data)
	if err := e.bus.Publish(context.Background(), events.SessionSubject(sessionID), evt); err != nil {
		e.log.Warn("Failed to publish event",
			zap.String("type", eventType), zap.Error(err))
	}
}
