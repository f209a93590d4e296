package runner

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/agor-sh/agor/internal/executor"
	"github.com/agor-sh/agor/internal/session"
	"github.com/agor-sh/agor/internal/store"
	"github.com/agor-sh/agor/internal/tool"
)

// stopGrace bounds the cooperative StopTask call fired when the run context
// is cancelled (SIGTERM from the daemon).
const stopGrace = 10 * time.Second

// apiKeyEnv maps a tool name to the environment variable its CLI reads.
var apiKeyEnv = map[string]string{
	"claude-code": "ANTHROPIC_API_KEY",
	"codex":       "OPENAI_API_KEY",
	"gemini":      "GEMINI_API_KEY",
	"opencode":    "ANTHROPIC_API_KEY",
}

// runPrompt drives one agent turn: it resolves the session's permission and
// model config from the daemon, executes the adapter, relays stream events,
// and returns the prompt outcome as the result data.
func (r *Runner) runPrompt(ctx context.Context, p *executor.Payload) (any, error) {
	params, err := executor.DecodeParams[executor.PromptParams](p)
	if err != nil {
		return nil, err
	}

	client, err := r.connect(ctx, p)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	t, err := r.tools.Get(params.Tool)
	if err != nil {
		return nil, err
	}

	var sess store.Session
	if err := client.Call(ctx, "sessions.get", map[string]any{"id": params.SessionID}, &sess); err != nil {
		return nil, err
	}

	env := make(map[string]string, len(p.Env)+1)
	for k, v := range p.Env {
		env[k] = v
	}
	if name := apiKeyEnv[params.Tool]; name != "" && env[name] == "" {
		var resp struct {
			APIKey string `json:"apiKey"`
		}
		err := client.Call(ctx, "config.resolve-api-key", map[string]string{
			"sessionId": params.SessionID,
			"tool":      params.Tool,
		}, &resp)
		if err != nil {
			// The CLI may hold its own credentials; proceed without a key.
			r.log.Debug("No stored API key for tool", zap.String("tool", params.Tool), zap.Error(err))
		} else if resp.APIKey != "" {
			env[name] = resp.APIKey
		}
	}

	req := &tool.ExecuteRequest{
		SessionID:        params.SessionID,
		TaskID:           params.TaskID,
		Prompt:           params.Prompt,
		PermissionMode:   params.PermissionMode,
		Cwd:              params.Cwd,
		Model:            modelFrom(sess.ModelConfig),
		ResumeToken:      params.ResumeToken,
		Env:              env,
		PermissionConfig: sess.PermissionConfig,
	}

	// Cancellation (daemon abort, SIGTERM) interrupts the turn cooperatively
	// before the process group is torn down.
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), stopGrace)
			defer cancel()
			_ = t.StopTask(stopCtx, params.SessionID, params.TaskID)
		case <-finished:
		}
	}()

	res, err := t.ExecutePrompt(ctx, req, r.callbacks(ctx, client, params))
	if err != nil {
		return nil, err
	}

	return &session.PromptOutcome{
		UserMessageID:       res.UserMessageID,
		AssistantMessageIDs: res.AssistantMessageIDs,
		WasStopped:          res.WasStopped,
		RawSDKResponse:      res.RawSDKResponse,
		ResumeToken:         res.ResumeToken,
	}, nil
}

// callbacks relays adapter events to the daemon. Stream events ride on
// fire-and-forget notifies; permission requests block on a Call until a user
// decides.
func (r *Runner) callbacks(ctx context.Context, client *Client, params *executor.PromptParams) *tool.Callbacks {
	emit := func(ev *session.StreamEvent) {
		ev.SessionID = params.SessionID
		ev.TaskID = params.TaskID
		if err := client.Notify("messages.streaming", ev); err != nil {
			r.log.Warn("Failed to relay stream event",
				zap.String("kind", ev.Kind),
				zap.Error(err))
		}
	}

	return &tool.Callbacks{
		OnStreamStart: func(messageID string, _ map[string]any) {
			emit(&session.StreamEvent{MessageID: messageID, Kind: session.StreamStart})
		},
		OnStreamChunk: func(messageID, text string) {
			emit(&session.StreamEvent{MessageID: messageID, Kind: session.StreamChunk, Text: text})
		},
		OnStreamEnd: func(messageID string) {
			emit(&session.StreamEvent{MessageID: messageID, Kind: session.StreamEnd})
		},
		OnStreamError: func(messageID string, err error) {
			emit(&session.StreamEvent{MessageID: messageID, Kind: session.StreamError, Text: err.Error()})
		},
		OnThinkingStart: func(messageID string) {
			emit(&session.StreamEvent{MessageID: messageID, Kind: session.ThinkingStart})
		},
		OnThinkingChunk: func(messageID, text string) {
			emit(&session.StreamEvent{MessageID: messageID, Kind: session.ThinkingChunk, Text: text})
		},
		OnThinkingEnd: func(messageID string) {
			emit(&session.StreamEvent{MessageID: messageID, Kind: session.ThinkingEnd})
		},
		OnToolUse: func(messageID, toolUseID, name string, input json.RawMessage) {
			emit(&session.StreamEvent{
				MessageID: messageID,
				Kind:      session.ToolUse,
				ToolUseID: toolUseID,
				ToolName:  name,
				Input:     input,
			})
		},
		OnToolResult: func(messageID, toolUseID string, content json.RawMessage) {
			emit(&session.StreamEvent{
				MessageID: messageID,
				Kind:      session.ToolResult,
				ToolUseID: toolUseID,
				Content:   content,
			})
		},
		OnPermissionRequest: func(preq *tool.PermissionRequest) tool.PermissionDecision {
			var decision tool.PermissionDecision
			err := client.Call(ctx, "sessions.request-permission", map[string]any{
				"sessionId": params.SessionID,
				"taskId":    params.TaskID,
				"toolName":  preq.ToolName,
				"input":     preq.Input,
			}, &decision)
			if err != nil {
				r.log.Warn("Permission request failed, denying",
					zap.String("tool_name", preq.ToolName),
					zap.Error(err))
				return tool.PermissionDecision{Allow: false}
			}
			return decision
		},
	}
}

// modelFrom extracts the model override from a session's model config.
func modelFrom(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var mc struct {
		Model string `json:"model"`
	}
	_ = json.Unmarshal(raw, &mc)
	return mc.Model
}
