package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agor-sh/agor/internal/common/logger"
)

const opencodeDefaultContextWindow = 200000

// OpenCode drives the opencode CLI in JSON event mode.
type OpenCode struct {
	log    *logger.Logger
	runner *cliRunner

	binPath string
}

// NewOpenCode builds the opencode adapter.
func NewOpenCode(log *logger.Logger) *OpenCode {
	l := log.WithFields(zap.String("tool", "opencode"))
	return &OpenCode{log: l, runner: newCLIRunner(l), binPath: "opencode"}
}

func (o *OpenCode) Name() string { return "opencode" }

func (o *OpenCode) PermissionModes() []string {
	return []string{"default", "acceptEdits"}
}

// opencodeEvent is one JSON line from opencode run --format json.
type opencodeEvent struct {
	Type string `json:"type"`
	Part *struct {
		ID        string `json:"id"`
		MessageID string `json:"messageID"`
		Type      string `json:"type"`
		Text      string `json:"text,omitempty"`
		Tool      string `json:"tool,omitempty"`
		State     *struct {
			Status string          `json:"status"`
			Input  json.RawMessage `json:"input,omitempty"`
			Output json.RawMessage `json:"output,omitempty"`
		} `json:"state,omitempty"`
	} `json:"part,omitempty"`
	SessionID string `json:"sessionID,omitempty"`
	Model     string `json:"modelID,omitempty"`
	Tokens    *struct {
		Input  int64 `json:"input"`
		Output int64 `json:"output"`
		Cache  struct {
			Read  int64 `json:"read"`
			Write int64 `json:"write"`
		} `json:"cache"`
	} `json:"tokens,omitempty"`
	Cost float64 `json:"cost,omitempty"`
}

// opencodeRaw is the stored raw response for an opencode turn.
type opencodeRaw struct {
	SessionID string     `json:"sessionID,omitempty"`
	Model     string     `json:"modelID,omitempty"`
	Usage     TokenUsage `json:"usage"`
	Cost      float64    `json:"cost,omitempty"`
}

// ExecutePrompt runs one opencode turn.
func (o *OpenCode) ExecutePrompt(ctx context.Context, req *ExecuteRequest, cb *Callbacks) (*ExecuteResult, error) {
	if err := ValidatePermissionMode(o, req.PermissionMode); err != nil {
		return nil, err
	}

	args := []string{"run", "--format", "json", "--no-color"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.ResumeToken != "" {
		args = append(args, "--session", req.ResumeToken)
	}
	args = append(args, req.Prompt)

	res := &ExecuteResult{UserMessageID: uuid.Must(uuid.NewV7()).String()}
	raw := opencodeRaw{}

	stderr, runErr := o.runner.stream(ctx, req.SessionID, req.TaskID, nil, req.Env, req.Cwd, func(line []byte) {
		var ev opencodeEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			o.log.Debug("Skipping unparseable opencode line", zap.Error(err))
			return
		}
		if ev.SessionID != "" {
			raw.SessionID = ev.SessionID
			res.ResumeToken = ev.SessionID
		}
		if ev.Model != "" {
			raw.Model = ev.Model
		}
		if ev.Tokens != nil {
			raw.Usage = sumTotal(TokenUsage{
				Input:         ev.Tokens.Input,
				Output:        ev.Tokens.Output,
				CacheRead:     ev.Tokens.Cache.Read,
				CacheCreation: ev.Tokens.Cache.Write,
			})
			raw.Cost = ev.Cost
		}
		o.emitPart(&ev, res, cb)
	}, o.binPath, args...)

	if ctx.Err() == context.Canceled {
		res.WasStopped = true
	}
	if runErr != nil && !res.WasStopped {
		return nil, NewTransientFailure("opencode exited: %v: %s", runErr, stderr)
	}

	if encoded, err := json.Marshal(raw); err == nil {
		res.RawSDKResponse = encoded
	}
	if raw.Usage.Total > 0 {
		usage := raw.Usage
		res.TokenUsage = &usage
	}
	return res, nil
}

func (o *OpenCode) emitPart(ev *opencodeEvent, res *ExecuteResult, cb *Callbacks) {
	if ev.Part == nil {
		return
	}
	msgID := ev.Part.MessageID
	if msgID == "" {
		msgID = uuid.Must(uuid.NewV7()).String()
	}
	switch ev.Part.Type {
	case "text":
		res.AssistantMessageIDs = appendUnique(res.AssistantMessageIDs, msgID)
		if cb != nil && cb.OnStreamChunk != nil && ev.Part.Text != "" {
			cb.OnStreamChunk(msgID, ev.Part.Text)
		}
	case "reasoning":
		if cb != nil && cb.OnThinkingChunk != nil && ev.Part.Text != "" {
			cb.OnThinkingChunk(msgID, ev.Part.Text)
		}
	case "tool":
		if cb == nil || ev.Part.State == nil {
			return
		}
		switch ev.Part.State.Status {
		case "running":
			if cb.OnToolUse != nil {
				cb.OnToolUse(msgID, ev.Part.ID, ev.Part.Tool, ev.Part.State.Input)
			}
		case "completed", "error":
			if cb.OnToolResult != nil {
				cb.OnToolResult(msgID, ev.Part.ID, ev.Part.State.Output)
			}
		}
	}
}

// StopTask interrupts the opencode CLI. Idempotent.
func (o *OpenCode) StopTask(_ context.Context, sessionID, taskID string) error {
	o.runner.stop(sessionID, taskID)
	return nil
}

// Normalize passes per-call usage through.
func (o *OpenCode) Normalize(raw json.RawMessage, _ NormalizeContext) (*Normalized, error) {
	var r opencodeRaw
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("malformed opencode result: %w", err)
	}
	return &Normalized{
		TokenUsage:         sumTotal(r.Usage),
		PrimaryModel:       r.Model,
		ContextWindowLimit: opencodeDefaultContextWindow,
		CostUSD:            r.Cost,
	}, nil
}
