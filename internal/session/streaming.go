package session

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/agor-sh/agor/internal/events"
	"github.com/agor-sh/agor/internal/rpc"
	"github.com/agor-sh/agor/internal/store"
)

// Stream event kinds, mirroring the adapter callback surface.
const (
	StreamStart   = "stream_start"
	StreamChunk   = "stream_chunk"
	StreamEnd     = "stream_end"
	StreamError   = "stream_error"
	ThinkingStart = "thinking_start"
	ThinkingChunk = "thinking_chunk"
	ThinkingEnd   = "thinking_end"
	ToolUse       = "tool_use"
	ToolResult    = "tool_result"
)

// StreamEvent is one streaming callback relayed from the executor. Events for
// the same message arrive in order; ordering across messages is not
// guaranteed.
type StreamEvent struct {
	SessionID string `json:"session_id"`
	TaskID    string `json:"task_id"`
	MessageID string `json:"message_id"`
	Kind      string `json:"kind"`
	Text      string `json:"text,omitempty"`

	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// messageAccumulator assembles one assistant message from its stream events.
type messageAccumulator struct {
	sessionID string
	taskID    string
	blocks    []store.ContentBlock
	toolUses  int
}

func (a *messageAccumulator) appendText(text string) {
	if n := len(a.blocks); n > 0 && a.blocks[n-1].Type == "text" {
		a.blocks[n-1].Text += text
		return
	}
	a.blocks = append(a.blocks, store.ContentBlock{Type: "text", Text: text})
}

type streamState struct {
	mu       sync.Mutex
	messages map[string]*messageAccumulator // keyed by message ID
}

func newStreamState() *streamState {
	return &streamState{messages: make(map[string]*messageAccumulator)}
}

// HandleStream ingests one executor stream event: it forwards the live chunk
// to subscribers and, on stream end, persists the assembled assistant message.
func (e *Engine) HandleStream(ctx context.Context, ev *StreamEvent) error {
	if ev.SessionID == "" || ev.MessageID == "" {
		return rpc.NewError(rpc.CodeValidationFailed, "stream event requires session_id and message_id")
	}

	switch ev.Kind {
	case StreamStart, ThinkingStart:
		e.streams.mu.Lock()
		if _, ok := e.streams.messages[ev.MessageID]; !ok {
			e.streams.messages[ev.MessageID] = &messageAccumulator{
				sessionID: ev.SessionID,
				taskID:    ev.TaskID,
			}
		}
		e.streams.mu.Unlock()

	case StreamChunk:
		e.withAccumulator(ev, func(acc *messageAccumulator) {
			acc.appendText(ev.Text)
		})

	case ThinkingChunk:
		// Thinking text streams live but is not persisted.

	case ToolUse:
		e.withAccumulator(ev, func(acc *messageAccumulator) {
			acc.blocks = append(acc.blocks, store.ContentBlock{
				Type:      "tool_use",
				ToolUseID: ev.ToolUseID,
				ToolName:  ev.ToolName,
				ToolInput: ev.Input,
			})
			acc.toolUses++
		})

	case ToolResult:
		e.withAccumulator(ev, func(acc *messageAccumulator) {
			acc.blocks = append(acc.blocks, store.ContentBlock{
				Type:         "tool_result",
				ForToolUseID: ev.ToolUseID,
				Result:       ev.Content,
				IsError:      ev.IsError,
			})
		})

	case StreamEnd:
		if err := e.finishMessage(ctx, ev); err != nil {
			return err
		}

	case ThinkingEnd, StreamError:
		// Relayed below; stream_error leaves the partial accumulator for the
		// task finalizer to discard.

	default:
		return rpc.NewError(rpc.CodeValidationFailed, "unknown stream kind %q", ev.Kind)
	}

	e.publish(ev.SessionID, events.StreamingChunk, map[string]any{
		"task_id":    ev.TaskID,
		"message_id": ev.MessageID,
		"kind":       ev.Kind,
		"text":       ev.Text,
	})
	return nil
}

func (e *Engine) withAccumulator(ev *StreamEvent, fn func(*messageAccumulator)) {
	e.streams.mu.Lock()
	defer e.streams.mu.Unlock()
	acc, ok := e.streams.messages[ev.MessageID]
	if !ok {
		// Chunk before start; tolerate out-of-order executors.
		acc = &messageAccumulator{sessionID: ev.SessionID, taskID: ev.TaskID}
		e.streams.messages[ev.MessageID] = acc
	}
	fn(acc)
}

// finishMessage persists the accumulated assistant message and extends the
// owning task's message range.
func (e *Engine) finishMessage(ctx context.Context, ev *StreamEvent) error {
	e.streams.mu.Lock()
	acc, ok := e.streams.messages[ev.MessageID]
	delete(e.streams.messages, ev.MessageID)
	e.streams.mu.Unlock()
	if !ok || len(acc.blocks) == 0 {
		return nil
	}

	msg := &store.Message{
		MessageID: ev.MessageID,
		SessionID: acc.sessionID,
		TaskID:    acc.taskID,
		Role:      store.RoleAssistant,
		Content:   store.JSON(acc.blocks),
	}
	index, err := e.store.AppendMessage(ctx, msg)
	if err != nil {
		return err
	}

	if acc.taskID != "" {
		patch := map[string]any{
			"message_range": map[string]any{"end_index": index},
		}
		if acc.toolUses > 0 {
			task, err := e.store.GetTask(ctx, acc.taskID)
			if err == nil {
				patch["tool_use_count"] = task.ToolUseCount + acc.toolUses
			}
		}
		if _, err := e.store.PatchTask(ctx, acc.taskID, patch); err != nil {
			e.log.Warn("Failed to extend task message range", zap.Error(err))
		}
	}
	return nil
}

// DiscardStreams drops any partial accumulators for a task. Called when a
// task fails or is stopped mid-stream.
func (e *Engine) DiscardStreams(taskID string) {
	e.streams.mu.Lock()
	defer e.streams.mu.Unlock()
	for id, acc := range e.streams.messages {
		if acc.taskID == taskID {
			delete(e.streams.messages, id)
		}
	}
}
