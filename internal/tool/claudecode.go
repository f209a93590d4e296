package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agor-sh/agor/internal/common/logger"
)

// claudeDefaultContextWindow is the fallback when the result carries no
// per-model context window.
const claudeDefaultContextWindow = 200000

// ClaudeCode drives the claude CLI in stream-json mode. Usage is reported
// per call, so normalization is a pass-through.
type ClaudeCode struct {
	log    *logger.Logger
	runner *cliRunner

	// binPath is overridable for tests.
	binPath string
}

// NewClaudeCode builds the claude-code adapter.
func NewClaudeCode(log *logger.Logger) *ClaudeCode {
	l := log.WithFields(zap.String("tool", "claude-code"))
	return &ClaudeCode{log: l, runner: newCLIRunner(l), binPath: "claude"}
}

func (c *ClaudeCode) Name() string { return "claude-code" }

func (c *ClaudeCode) PermissionModes() []string {
	return []string{"default", "acceptEdits", "bypassPermissions", "plan"}
}

// claudeStreamEvent is one line of claude --output-format stream-json.
type claudeStreamEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Message   *struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Content []struct {
			Type      string          `json:"type"`
			Text      string          `json:"text,omitempty"`
			Thinking  string          `json:"thinking,omitempty"`
			ID        string          `json:"id,omitempty"`
			Name      string          `json:"name,omitempty"`
			Input     json.RawMessage `json:"input,omitempty"`
			ToolUseID string          `json:"tool_use_id,omitempty"`
			Content   json.RawMessage `json:"content,omitempty"`
		} `json:"content"`
	} `json:"message,omitempty"`
	Result     string  `json:"result,omitempty"`
	IsError    bool    `json:"is_error,omitempty"`
	DurationMS int64   `json:"duration_ms,omitempty"`
	TotalCost  float64 `json:"total_cost_usd,omitempty"`
	Usage      *struct {
		InputTokens              int64 `json:"input_tokens"`
		OutputTokens             int64 `json:"output_tokens"`
		CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
		CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	} `json:"usage,omitempty"`
	ModelUsage map[string]struct {
		ContextWindow int64 `json:"contextWindow"`
	} `json:"modelUsage,omitempty"`
}

// ExecutePrompt runs one claude turn. The prompt goes in argv (it is not a
// secret); resume tokens map to --resume.
func (c *ClaudeCode) ExecutePrompt(ctx context.Context, req *ExecuteRequest, cb *Callbacks) (*ExecuteResult, error) {
	if err := ValidatePermissionMode(c, req.PermissionMode); err != nil {
		return nil, err
	}

	args := []string{"-p", req.Prompt, "--output-format", "stream-json", "--verbose"}
	if req.PermissionMode != "" {
		args = append(args, "--permission-mode", req.PermissionMode)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.ResumeToken != "" {
		args = append(args, "--resume", req.ResumeToken)
	}

	res := &ExecuteResult{UserMessageID: uuid.Must(uuid.NewV7()).String()}
	var raw claudeStreamEvent
	sawResult := false

	stderr, runErr := c.runner.stream(ctx, req.SessionID, req.TaskID, nil, req.Env, req.Cwd, func(line []byte) {
		var ev claudeStreamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			c.log.Debug("Skipping unparseable stream line", zap.Error(err))
			return
		}
		switch ev.Type {
		case "system":
			if ev.Subtype == "init" && ev.SessionID != "" {
				res.ResumeToken = ev.SessionID
			}
		case "assistant":
			c.emitAssistant(&ev, res, cb)
		case "user":
			c.emitToolResults(&ev, cb)
		case "result":
			sawResult = true
			raw = ev
			if ev.SessionID != "" {
				res.ResumeToken = ev.SessionID
			}
		}
	}, c.binPath, args...)

	if ctx.Err() == context.Canceled {
		res.WasStopped = true
	}
	if runErr != nil && !sawResult && !res.WasStopped {
		return nil, NewTransientFailure("claude exited: %v: %s", runErr, stderr)
	}
	if sawResult {
		if raw.IsError && !res.WasStopped {
			return nil, NewPermanentFailure("claude reported error: %s", raw.Result)
		}
		encoded, err := json.Marshal(raw)
		if err == nil {
			res.RawSDKResponse = encoded
		}
		if raw.Usage != nil {
			res.TokenUsage = &TokenUsage{
				Input:         raw.Usage.InputTokens,
				Output:        raw.Usage.OutputTokens,
				CacheRead:     raw.Usage.CacheReadInputTokens,
				CacheCreation: raw.Usage.CacheCreationInputTokens,
			}
			*res.TokenUsage = sumTotal(*res.TokenUsage)
		}
	}
	return res, nil
}

func (c *ClaudeCode) emitAssistant(ev *claudeStreamEvent, res *ExecuteResult, cb *Callbacks) {
	if ev.Message == nil {
		return
	}
	msgID := ev.Message.ID
	if msgID == "" {
		msgID = uuid.Must(uuid.NewV7()).String()
	}
	res.AssistantMessageIDs = appendUnique(res.AssistantMessageIDs, msgID)

	if cb == nil {
		return
	}
	if cb.OnStreamStart != nil {
		cb.OnStreamStart(msgID, map[string]any{"model": ev.Message.Model})
	}
	for _, block := range ev.Message.Content {
		switch block.Type {
		case "text":
			if cb.OnStreamChunk != nil {
				cb.OnStreamChunk(msgID, block.Text)
			}
		case "thinking":
			if cb.OnThinkingStart != nil {
				cb.OnThinkingStart(msgID)
			}
			if cb.OnThinkingChunk != nil {
				cb.OnThinkingChunk(msgID, block.Thinking)
			}
			if cb.OnThinkingEnd != nil {
				cb.OnThinkingEnd(msgID)
			}
		case "tool_use":
			if cb.OnToolUse != nil {
				cb.OnToolUse(msgID, block.ID, block.Name, block.Input)
			}
		}
	}
	if cb.OnStreamEnd != nil {
		cb.OnStreamEnd(msgID)
	}
}

func (c *ClaudeCode) emitToolResults(ev *claudeStreamEvent, cb *Callbacks) {
	if ev.Message == nil || cb == nil || cb.OnToolResult == nil {
		return
	}
	for _, block := range ev.Message.Content {
		if block.Type == "tool_result" {
			cb.OnToolResult(ev.Message.ID, block.ToolUseID, block.Content)
		}
	}
}

// StopTask interrupts the CLI with SIGINT; claude flushes a result event on
// interrupt, so the turn finishes as stopped rather than failed.
func (c *ClaudeCode) StopTask(_ context.Context, sessionID, taskID string) error {
	c.runner.stop(sessionID, taskID)
	return nil
}

// Normalize passes per-call usage through and picks the context window from
// the result's model usage map.
func (c *ClaudeCode) Normalize(raw json.RawMessage, _ NormalizeContext) (*Normalized, error) {
	var ev claudeStreamEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("malformed claude result: %w", err)
	}
	n := &Normalized{
		ContextWindowLimit: claudeDefaultContextWindow,
		CostUSD:            ev.TotalCost,
		DurationMS:         ev.DurationMS,
	}
	if ev.Usage != nil {
		n.TokenUsage = sumTotal(TokenUsage{
			Input:         ev.Usage.InputTokens,
			Output:        ev.Usage.OutputTokens,
			CacheRead:     ev.Usage.CacheReadInputTokens,
			CacheCreation: ev.Usage.CacheCreationInputTokens,
		})
	}
	for model, mu := range ev.ModelUsage {
		if n.PrimaryModel == "" {
			n.PrimaryModel = model
		}
		if mu.ContextWindow > 0 {
			n.ContextWindowLimit = mu.ContextWindow
		}
	}
	return n, nil
}

// ComputeContextWindow reports occupancy as the last turn's full input side
// plus output; claude counts cache reads toward the window.
func (c *ClaudeCode) ComputeContextWindow(raw json.RawMessage) (int64, bool) {
	var ev claudeStreamEvent
	if err := json.Unmarshal(raw, &ev); err != nil || ev.Usage == nil {
		return 0, false
	}
	return ev.Usage.InputTokens + ev.Usage.CacheReadInputTokens +
		ev.Usage.CacheCreationInputTokens + ev.Usage.OutputTokens, true
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
