package tool

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// Mock is an in-process tool for tests and the mock agent mode. It replays a
// scripted response through the streaming callbacks without spawning
// anything.
type Mock struct {
	// Response is the assistant text streamed back for every prompt.
	Response string

	// Usage is reported as the turn's token usage.
	Usage TokenUsage

	// Fail, when set, is returned from ExecutePrompt.
	Fail error

	// Cumulative makes Normalize apply delta semantics like codex.
	Cumulative bool

	mu       sync.Mutex
	prompts  []string
	stopped  map[string]bool
	blocking map[string]chan struct{}
}

// NewMock builds a mock tool with a canned response.
func NewMock(response string) *Mock {
	return &Mock{
		Response: response,
		Usage:    TokenUsage{Input: 10, Output: 5, Total: 15},
		stopped:  make(map[string]bool),
		blocking: make(map[string]chan struct{}),
	}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) PermissionModes() []string {
	return []string{"default", "acceptEdits", "bypassPermissions", "plan"}
}

// Prompts returns every prompt the mock has seen.
func (m *Mock) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

// Block makes the next ExecutePrompt for the task wait until StopTask or
// context cancellation. Used to test the busy gate and stop flow.
func (m *Mock) Block(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocking[taskID] = make(chan struct{})
}

func (m *Mock) ExecutePrompt(ctx context.Context, req *ExecuteRequest, cb *Callbacks) (*ExecuteResult, error) {
	if err := ValidatePermissionMode(m, req.PermissionMode); err != nil {
		return nil, err
	}
	if m.Fail != nil {
		return nil, m.Fail
	}

	m.mu.Lock()
	m.prompts = append(m.prompts, req.Prompt)
	gate := m.blocking[req.TaskID]
	m.mu.Unlock()

	res := &ExecuteResult{
		UserMessageID: uuid.Must(uuid.NewV7()).String(),
		ResumeToken:   "mock-" + req.SessionID,
	}

	if gate != nil {
		select {
		case <-gate:
			res.WasStopped = true
		case <-ctx.Done():
			res.WasStopped = true
		}
	}

	msgID := uuid.Must(uuid.NewV7()).String()
	res.AssistantMessageIDs = append(res.AssistantMessageIDs, msgID)
	if cb != nil {
		if cb.OnStreamStart != nil {
			cb.OnStreamStart(msgID, map[string]any{"model": "mock-model"})
		}
		if cb.OnStreamChunk != nil {
			cb.OnStreamChunk(msgID, m.Response)
		}
		if cb.OnStreamEnd != nil {
			cb.OnStreamEnd(msgID)
		}
	}

	usage := m.Usage
	res.TokenUsage = &usage
	res.RawSDKResponse, _ = json.Marshal(map[string]any{
		"usage": usage,
		"model": "mock-model",
	})
	return res, nil
}

// StopTask releases a blocked task. Idempotent.
func (m *Mock) StopTask(_ context.Context, _, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped[taskID] {
		return nil
	}
	m.stopped[taskID] = true
	if gate, ok := m.blocking[taskID]; ok {
		close(gate)
		delete(m.blocking, taskID)
	}
	return nil
}

func (m *Mock) Normalize(raw json.RawMessage, nctx NormalizeContext) (*Normalized, error) {
	var r struct {
		Usage TokenUsage `json:"usage"`
		Model string     `json:"model"`
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	usage := sumTotal(r.Usage)
	if m.Cumulative {
		usage = deltaUsage(usage, nctx.PreviousCumulative)
	}
	return &Normalized{
		TokenUsage:         usage,
		PrimaryModel:       r.Model,
		ContextWindowLimit: 100000,
	}, nil
}
