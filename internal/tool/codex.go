package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agor-sh/agor/internal/common/logger"
)

// codexDefaultContextWindow is used when the CLI does not report a window.
const codexDefaultContextWindow = 272000

// Codex drives codex exec in JSONL mode. The CLI reports cumulative token
// usage for the underlying CLI session, so the normalizer computes deltas
// against the previous terminal task.
type Codex struct {
	log    *logger.Logger
	runner *cliRunner

	binPath string
}

// NewCodex builds the codex adapter.
func NewCodex(log *logger.Logger) *Codex {
	l := log.WithFields(zap.String("tool", "codex"))
	return &Codex{log: l, runner: newCLIRunner(l), binPath: "codex"}
}

func (c *Codex) Name() string { return "codex" }

func (c *Codex) PermissionModes() []string {
	return []string{"default", "full-auto"}
}

// codexPermissionConfig is the codex block of a session's permission config.
type codexPermissionConfig struct {
	Codex *struct {
		SandboxMode    string `json:"sandboxMode,omitempty"`
		ApprovalPolicy string `json:"approvalPolicy,omitempty"`
		NetworkAccess  bool   `json:"networkAccess,omitempty"`
	} `json:"codex,omitempty"`
}

// codexEvent is one JSONL line from codex exec --json.
type codexEvent struct {
	Type string `json:"type"`
	// thread.started
	ThreadID string `json:"thread_id,omitempty"`
	// item.* events
	Item *struct {
		ID       string          `json:"id"`
		Type     string          `json:"item_type"`
		Text     string          `json:"text,omitempty"`
		Command  string          `json:"command,omitempty"`
		Output   json.RawMessage `json:"aggregated_output,omitempty"`
		ExitCode *int            `json:"exit_code,omitempty"`
	} `json:"item,omitempty"`
	// turn.completed
	Usage *struct {
		InputTokens       int64 `json:"input_tokens"`
		CachedInputTokens int64 `json:"cached_input_tokens"`
		OutputTokens      int64 `json:"output_tokens"`
	} `json:"usage,omitempty"`
	// error
	Message string `json:"message,omitempty"`
}

// codexRaw is the stored raw SDK response for a codex turn: the cumulative
// usage snapshot plus turn metadata.
type codexRaw struct {
	ThreadID   string `json:"thread_id,omitempty"`
	Model      string `json:"model,omitempty"`
	Cumulative struct {
		InputTokens       int64 `json:"input_tokens"`
		CachedInputTokens int64 `json:"cached_input_tokens"`
		OutputTokens      int64 `json:"output_tokens"`
	} `json:"cumulative"`
}

// ExecutePrompt runs one codex turn.
func (c *Codex) ExecutePrompt(ctx context.Context, req *ExecuteRequest, cb *Callbacks) (*ExecuteResult, error) {
	if err := ValidatePermissionMode(c, req.PermissionMode); err != nil {
		return nil, err
	}

	args := []string{"exec", "--json", "--skip-git-repo-check"}
	if req.PermissionMode == "full-auto" {
		args = append(args, "--full-auto")
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	args = append(args, c.sandboxArgs(req.PermissionConfig)...)
	if req.ResumeToken != "" {
		args = append(args, "resume", req.ResumeToken)
	}
	args = append(args, req.Prompt)

	res := &ExecuteResult{UserMessageID: uuid.Must(uuid.NewV7()).String()}
	raw := codexRaw{Model: req.Model}
	var failure *ToolFailure

	stderr, runErr := c.runner.stream(ctx, req.SessionID, req.TaskID, nil, req.Env, req.Cwd, func(line []byte) {
		var ev codexEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			c.log.Debug("Skipping unparseable codex line", zap.Error(err))
			return
		}
		switch ev.Type {
		case "thread.started":
			raw.ThreadID = ev.ThreadID
			res.ResumeToken = ev.ThreadID
		case "item.started", "item.completed":
			c.emitItem(&ev, res, cb)
		case "turn.completed":
			if ev.Usage != nil {
				raw.Cumulative.InputTokens = ev.Usage.InputTokens
				raw.Cumulative.CachedInputTokens = ev.Usage.CachedInputTokens
				raw.Cumulative.OutputTokens = ev.Usage.OutputTokens
			}
		case "error":
			failure = NewPermanentFailure("codex error: %s", ev.Message)
		}
	}, c.binPath, args...)

	if ctx.Err() == context.Canceled {
		res.WasStopped = true
	}
	if failure != nil && !res.WasStopped {
		return nil, failure
	}
	if runErr != nil && !res.WasStopped {
		return nil, NewTransientFailure("codex exited: %v: %s", runErr, stderr)
	}

	if encoded, err := json.Marshal(raw); err == nil {
		res.RawSDKResponse = encoded
	}
	res.TokenUsage = &TokenUsage{
		Input:     raw.Cumulative.InputTokens,
		Output:    raw.Cumulative.OutputTokens,
		CacheRead: raw.Cumulative.CachedInputTokens,
	}
	*res.TokenUsage = sumTotal(*res.TokenUsage)
	return res, nil
}

func (c *Codex) sandboxArgs(permissionConfig json.RawMessage) []string {
	if len(permissionConfig) == 0 {
		return nil
	}
	var cfg codexPermissionConfig
	if err := json.Unmarshal(permissionConfig, &cfg); err != nil || cfg.Codex == nil {
		return nil
	}
	var args []string
	if cfg.Codex.SandboxMode != "" {
		args = append(args, "--sandbox", cfg.Codex.SandboxMode)
	}
	if cfg.Codex.ApprovalPolicy != "" {
		args = append(args, "-c", "approval_policy="+cfg.Codex.ApprovalPolicy)
	}
	if cfg.Codex.NetworkAccess {
		args = append(args, "-c", "sandbox_workspace_write.network_access=true")
	}
	return args
}

func (c *Codex) emitItem(ev *codexEvent, res *ExecuteResult, cb *Callbacks) {
	if ev.Item == nil {
		return
	}
	msgID := ev.Item.ID
	if msgID == "" {
		msgID = uuid.Must(uuid.NewV7()).String()
	}
	switch ev.Item.Type {
	case "agent_message":
		res.AssistantMessageIDs = appendUnique(res.AssistantMessageIDs, msgID)
		if cb == nil {
			return
		}
		if ev.Type == "item.started" && cb.OnStreamStart != nil {
			cb.OnStreamStart(msgID, nil)
		}
		if ev.Type == "item.completed" {
			if cb.OnStreamChunk != nil && ev.Item.Text != "" {
				cb.OnStreamChunk(msgID, ev.Item.Text)
			}
			if cb.OnStreamEnd != nil {
				cb.OnStreamEnd(msgID)
			}
		}
	case "reasoning":
		if cb == nil {
			return
		}
		if cb.OnThinkingStart != nil {
			cb.OnThinkingStart(msgID)
		}
		if cb.OnThinkingChunk != nil && ev.Item.Text != "" {
			cb.OnThinkingChunk(msgID, ev.Item.Text)
		}
		if cb.OnThinkingEnd != nil {
			cb.OnThinkingEnd(msgID)
		}
	case "command_execution":
		if cb == nil {
			return
		}
		if ev.Type == "item.started" && cb.OnToolUse != nil {
			input, _ := json.Marshal(map[string]string{"command": ev.Item.Command})
			cb.OnToolUse(msgID, msgID, "command_execution", input)
		}
		if ev.Type == "item.completed" && cb.OnToolResult != nil {
			cb.OnToolResult(msgID, msgID, ev.Item.Output)
		}
	}
}

// StopTask interrupts the codex CLI. Idempotent.
func (c *Codex) StopTask(_ context.Context, sessionID, taskID string) error {
	c.runner.stop(sessionID, taskID)
	return nil
}

// Normalize computes the per-task delta from cumulative usage. A drop in the
// cumulative counters means the CLI session restarted and the current values
// are used verbatim.
func (c *Codex) Normalize(raw json.RawMessage, nctx NormalizeContext) (*Normalized, error) {
	var r codexRaw
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("malformed codex result: %w", err)
	}
	cumulative := sumTotal(TokenUsage{
		Input:     r.Cumulative.InputTokens,
		Output:    r.Cumulative.OutputTokens,
		CacheRead: r.Cumulative.CachedInputTokens,
	})
	return &Normalized{
		TokenUsage:         deltaUsage(cumulative, nctx.PreviousCumulative),
		PrimaryModel:       r.Model,
		ContextWindowLimit: codexDefaultContextWindow,
	}, nil
}

// CumulativeUsage extracts the cumulative snapshot from a stored raw codex
// response. The engine feeds this into the next task's NormalizeContext.
func (c *Codex) CumulativeUsage(raw json.RawMessage) (*TokenUsage, error) {
	var r codexRaw
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	u := sumTotal(TokenUsage{
		Input:     r.Cumulative.InputTokens,
		Output:    r.Cumulative.OutputTokens,
		CacheRead: r.Cumulative.CachedInputTokens,
	})
	return &u, nil
}

// ComputeContextWindow reports cumulative occupancy for the CLI session.
func (c *Codex) ComputeContextWindow(raw json.RawMessage) (int64, bool) {
	var r codexRaw
	if err := json.Unmarshal(raw, &r); err != nil {
		return 0, false
	}
	return r.Cumulative.InputTokens + r.Cumulative.CachedInputTokens +
		r.Cumulative.OutputTokens, true
}
