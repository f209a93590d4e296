// Package tool provides the adapter layer over agent CLIs (claude-code,
// codex, gemini, opencode). Each adapter drives its SDK subprocess, streams
// normalized callbacks, and owns its token-usage normalizer.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
)

// TokenUsage is the normalized token accounting shared by every adapter.
type TokenUsage struct {
	Input         int64 `json:"input"`
	Output        int64 `json:"output"`
	CacheRead     int64 `json:"cacheRead"`
	CacheCreation int64 `json:"cacheCreation"`
	Total         int64 `json:"total"`
}

// Normalized is the per-task usage record derived from a raw SDK response.
type Normalized struct {
	TokenUsage         TokenUsage `json:"tokenUsage"`
	PrimaryModel       string     `json:"primaryModel,omitempty"`
	ContextWindowLimit int64      `json:"contextWindowLimit,omitempty"`
	CostUSD            float64    `json:"costUsd,omitempty"`
	DurationMS         int64      `json:"durationMs,omitempty"`
}

// NormalizeContext carries cross-task state into a normalizer. Tools whose
// SDK reports cumulative usage need the previous terminal task's cumulative
// figures to compute a delta.
type NormalizeContext struct {
	PreviousCumulative *TokenUsage
}

// Callbacks receives streaming events during ExecutePrompt. All fields are
// optional; adapters skip nil callbacks. Per-message ordering is preserved;
// ordering across messages is not guaranteed.
type Callbacks struct {
	OnStreamStart func(messageID string, meta map[string]any)
	OnStreamChunk func(messageID, text string)
	OnStreamEnd   func(messageID string)
	OnStreamError func(messageID string, err error)

	OnThinkingStart func(messageID string)
	OnThinkingChunk func(messageID, text string)
	OnThinkingEnd   func(messageID string)

	OnToolUse    func(messageID, toolUseID, name string, input json.RawMessage)
	OnToolResult func(messageID, toolUseID string, content json.RawMessage)

	// OnPermissionRequest blocks until a decision arrives from the daemon.
	OnPermissionRequest func(req *PermissionRequest) PermissionDecision
}

// PermissionRequest surfaces a tool call the agent wants approved.
type PermissionRequest struct {
	ToolName string          `json:"toolName"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// PermissionDecision is the answer to a permission request.
type PermissionDecision struct {
	Allow bool   `json:"allow"`
	Scope string `json:"scope,omitempty"` // once | session | project
}

// ExecuteRequest carries one prompt turn into an adapter.
type ExecuteRequest struct {
	SessionID      string
	TaskID         string
	Prompt         string
	PermissionMode string
	Cwd            string
	Model          string
	ResumeToken    string
	Env            map[string]string

	// PermissionConfig holds tool-specific settings (codex sandbox mode,
	// approval policy, allowed tools).
	PermissionConfig json.RawMessage
}

// ExecuteResult is the outcome of one prompt turn.
type ExecuteResult struct {
	UserMessageID       string
	AssistantMessageIDs []string
	TokenUsage          *TokenUsage
	WasStopped          bool
	RawSDKResponse      json.RawMessage

	// ResumeToken identifies the underlying CLI session for follow-up turns.
	ResumeToken string
}

// ToolFailure is the adapter error taxonomy. Transient failures may be
// retried; permanent ones (bad permission mode, auth) may not.
type ToolFailure struct {
	Transient bool
	Reason    string
}

func (f *ToolFailure) Error() string {
	kind := "permanent"
	if f.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("tool failure (%s): %s", kind, f.Reason)
}

// NewPermanentFailure builds a non-retryable tool failure.
func NewPermanentFailure(format string, args ...any) *ToolFailure {
	return &ToolFailure{Transient: false, Reason: fmt.Sprintf(format, args...)}
}

// NewTransientFailure builds a retryable tool failure.
func NewTransientFailure(format string, args ...any) *ToolFailure {
	return &ToolFailure{Transient: true, Reason: fmt.Sprintf(format, args...)}
}

// Tool is the uniform contract every agent adapter satisfies.
type Tool interface {
	// Name returns the registry key (claude-code, codex, gemini, opencode).
	Name() string

	// PermissionModes returns the subset of the permission-mode union this
	// tool accepts. ExecutePrompt with a mode outside the subset fails with
	// a permanent ToolFailure.
	PermissionModes() []string

	// ExecutePrompt runs one agent turn to completion, streaming through cb.
	ExecutePrompt(ctx context.Context, req *ExecuteRequest, cb *Callbacks) (*ExecuteResult, error)

	// StopTask cooperatively interrupts a running turn. Idempotent; stopping
	// an unknown or finished task is not an error.
	StopTask(ctx context.Context, sessionID, taskID string) error

	// Normalize converts a raw SDK response into per-task usage.
	Normalize(raw json.RawMessage, nctx NormalizeContext) (*Normalized, error)
}

// ContextWindowComputer is implemented by tools that can report cumulative
// context occupancy for a session.
type ContextWindowComputer interface {
	ComputeContextWindow(raw json.RawMessage) (int64, bool)
}

// ValidatePermissionMode checks a requested mode against the tool's declared
// subset. An empty mode always passes (adapters apply their default).
func ValidatePermissionMode(t Tool, mode string) error {
	if mode == "" {
		return nil
	}
	for _, m := range t.PermissionModes() {
		if m == mode {
			return nil
		}
	}
	return NewPermanentFailure("tool %s does not support permission mode %q", t.Name(), mode)
}
