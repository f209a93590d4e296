package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agor-sh/agor/internal/executor"
	"github.com/agor-sh/agor/internal/store"
	"github.com/agor-sh/agor/internal/tool"
	"github.com/agor-sh/agor/internal/tracing"
)

// executorRunner dispatches prompt turns through spawned executor processes.
// The daemon decides the Unix user here; the payload never names one.
type executorRunner struct {
	spawner   *executor.Spawner
	store     *store.Store
	daemonURL string
	tokenFor  func(sessionID string) (string, error)
}

// NewExecutorRunner builds the production prompt runner.
func NewExecutorRunner(spawner *executor.Spawner, st *store.Store, daemonURL string, tokenFor func(string) (string, error)) PromptRunner {
	return &executorRunner{spawner: spawner, store: st, daemonURL: daemonURL, tokenFor: tokenFor}
}

func (r *executorRunner) RunPrompt(ctx context.Context, sess *store.Session, task *store.Task, permissionMode string) (*PromptOutcome, error) {
	token, err := r.tokenFor(sess.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to mint executor token: %w", err)
	}

	wt, err := r.store.GetWorktree(ctx, sess.WorktreeID)
	if err != nil {
		return nil, err
	}

	params := &executor.PromptParams{
		TaskID:         task.TaskID,
		SessionID:      sess.SessionID,
		Tool:           sess.AgenticTool,
		Prompt:         task.FullPrompt,
		Cwd:            wt.Path,
		PermissionMode: permissionMode,
		ResumeToken:    resumeToken(sess),
	}
	payload, err := executor.EncodePayload(executor.CommandPrompt, token, r.daemonURL, params)
	if err != nil {
		return nil, err
	}

	unixUser := r.spawner.ResolveUnixUser(sess.UnixUsername, false)
	ctx, span := tracing.TraceExecutorSpawn(ctx, sess.SessionID, task.TaskID, unixUser)
	spawned, err := r.spawner.Spawn(ctx, sess.SessionID, task.TaskID, unixUser, payload)
	tracing.EndSpan(span, err)
	if errors.Is(err, executor.ErrAborted) {
		outcome := outcomeFromResult(spawned)
		outcome.WasStopped = true
		return outcome, nil
	}
	if err != nil {
		return nil, tool.NewTransientFailure("executor failed: %v", err)
	}
	if spawned.Result == nil {
		return nil, tool.NewTransientFailure("executor exited %d without a result: %s", spawned.ExitCode, spawned.Stderr)
	}
	if !spawned.Result.Success {
		msg := "executor reported failure"
		if spawned.Result.Error != nil {
			msg = spawned.Result.Error.Message
		}
		return nil, tool.NewPermanentFailure("%s", msg)
	}
	return outcomeFromResult(spawned), nil
}

func (r *executorRunner) Abort(sessionID, taskID string) bool {
	return r.spawner.Abort(sessionID, taskID)
}

// outcomeFromResult decodes the executor's result data. A missing or
// malformed body degrades to an empty outcome rather than an error; the git
// and status bookkeeping still applies.
func outcomeFromResult(spawned *executor.SpawnResult) *PromptOutcome {
	outcome := &PromptOutcome{}
	if spawned == nil || spawned.Result == nil || len(spawned.Result.Data) == 0 {
		return outcome
	}
	_ = json.Unmarshal(spawned.Result.Data, outcome)
	return outcome
}

func resumeToken(sess *store.Session) string {
	var cc struct {
		ResumeToken string `json:"resume_token"`
	}
	if len(sess.CustomContext) > 0 {
		_ = json.Unmarshal(sess.CustomContext, &cc)
	}
	return cc.ResumeToken
}
