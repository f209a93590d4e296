package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agor-sh/agor/internal/common/logger"
)

const geminiDefaultContextWindow = 1048576

// Gemini drives the gemini CLI in JSON output mode. The CLI buffers the
// whole turn, so streaming callbacks collapse to a single chunk.
type Gemini struct {
	log    *logger.Logger
	runner *cliRunner

	binPath string
}

// NewGemini builds the gemini adapter.
func NewGemini(log *logger.Logger) *Gemini {
	l := log.WithFields(zap.String("tool", "gemini"))
	return &Gemini{log: l, runner: newCLIRunner(l), binPath: "gemini"}
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) PermissionModes() []string {
	return []string{"default", "auto_edit", "yolo"}
}

// geminiResult is the final JSON object from gemini --output-format json.
type geminiResult struct {
	Response string `json:"response"`
	Stats    *struct {
		Models map[string]struct {
			Tokens struct {
				Prompt     int64 `json:"prompt"`
				Candidates int64 `json:"candidates"`
				Cached     int64 `json:"cached"`
				Total      int64 `json:"total"`
			} `json:"tokens"`
		} `json:"models"`
	} `json:"stats,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// ExecutePrompt runs one gemini turn.
func (g *Gemini) ExecutePrompt(ctx context.Context, req *ExecuteRequest, cb *Callbacks) (*ExecuteResult, error) {
	if err := ValidatePermissionMode(g, req.PermissionMode); err != nil {
		return nil, err
	}

	args := []string{"--output-format", "json", "--prompt", req.Prompt}
	switch req.PermissionMode {
	case "yolo":
		args = append(args, "--yolo")
	case "auto_edit":
		args = append(args, "--approval-mode", "auto_edit")
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}

	res := &ExecuteResult{UserMessageID: uuid.Must(uuid.NewV7()).String()}
	var payload []byte

	stderr, runErr := g.runner.stream(ctx, req.SessionID, req.TaskID, nil, req.Env, req.Cwd, func(line []byte) {
		// The JSON result is the last stdout line; log lines precede it.
		if len(line) > 0 && line[0] == '{' {
			payload = append([]byte(nil), line...)
		}
	}, g.binPath, args...)

	if ctx.Err() == context.Canceled {
		res.WasStopped = true
	}
	if runErr != nil && len(payload) == 0 && !res.WasStopped {
		return nil, NewTransientFailure("gemini exited: %v: %s", runErr, stderr)
	}

	var parsed geminiResult
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &parsed); err != nil {
			return nil, NewTransientFailure("malformed gemini output: %v", err)
		}
		if parsed.Error != nil && !res.WasStopped {
			return nil, NewPermanentFailure("gemini error (%s): %s", parsed.Error.Type, parsed.Error.Message)
		}
		res.RawSDKResponse = payload

		msgID := uuid.Must(uuid.NewV7()).String()
		res.AssistantMessageIDs = append(res.AssistantMessageIDs, msgID)
		if cb != nil {
			if cb.OnStreamStart != nil {
				cb.OnStreamStart(msgID, nil)
			}
			if cb.OnStreamChunk != nil && parsed.Response != "" {
				cb.OnStreamChunk(msgID, parsed.Response)
			}
			if cb.OnStreamEnd != nil {
				cb.OnStreamEnd(msgID)
			}
		}
		if usage := geminiUsage(&parsed); usage != nil {
			res.TokenUsage = usage
		}
	}
	return res, nil
}

func geminiUsage(r *geminiResult) *TokenUsage {
	if r.Stats == nil {
		return nil
	}
	var u TokenUsage
	for _, m := range r.Stats.Models {
		u.Input += m.Tokens.Prompt
		u.Output += m.Tokens.Candidates
		u.CacheRead += m.Tokens.Cached
		u.Total += m.Tokens.Total
	}
	u = sumTotal(u)
	return &u
}

// StopTask interrupts the gemini CLI. Idempotent.
func (g *Gemini) StopTask(_ context.Context, sessionID, taskID string) error {
	g.runner.stop(sessionID, taskID)
	return nil
}

// Normalize passes per-call usage through.
func (g *Gemini) Normalize(raw json.RawMessage, _ NormalizeContext) (*Normalized, error) {
	var r geminiResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("malformed gemini result: %w", err)
	}
	n := &Normalized{ContextWindowLimit: geminiDefaultContextWindow}
	if usage := geminiUsage(&r); usage != nil {
		n.TokenUsage = *usage
	}
	if r.Stats != nil {
		for model := range r.Stats.Models {
			n.PrimaryModel = model
			break
		}
	}
	return n, nil
}
