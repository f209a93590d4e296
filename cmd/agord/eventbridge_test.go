package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agor-sh/agor/internal/common/logger"
	"github.com/agor-sh/agor/internal/events"
	"github.com/agor-sh/agor/internal/events/bus"
	"github.com/agor-sh/agor/internal/msggateway"
	"github.com/agor-sh/agor/internal/rpc"
	"github.com/agor-sh/agor/internal/store"
)

type recordedBroadcast struct {
	channels []string
	event    *rpc.Event
}

type fakeHub struct {
	broadcasts []recordedBroadcast
}

func (h *fakeHub) Broadcast(channels []string, event *rpc.Event) {
	h.broadcasts = append(h.broadcasts, recordedBroadcast{channels: channels, event: event})
}

type fakeLister struct {
	messages []store.Message
}

func (l *fakeLister) ListTaskMessages(context.Context, string) ([]store.Message, error) {
	return l.messages, nil
}

type recordedRoute struct {
	sessionID string
	text      string
	metadata  map[string]any
}

type fakeRouter struct {
	routes []recordedRoute
}

func (r *fakeRouter) RouteMessage(_ context.Context, sessionID, text string, metadata map[string]any) (*msggateway.RouteResult, error) {
	r.routes = append(r.routes, recordedRoute{sessionID: sessionID, text: text, metadata: metadata})
	return &msggateway.RouteResult{Routed: true}, nil
}

func assistantMessage(blocks ...store.ContentBlock) store.Message {
	return store.Message{Role: store.RoleAssistant, Content: store.JSON(blocks)}
}

func TestBridgeForwardsSessionEventsToHub(t *testing.T) {
	hub := &fakeHub{}
	bridge := newSessionEventBridge(hub, &fakeLister{}, nil, logger.Default())

	evt := bus.NewEvent(events.SessionStatusChanged, "session-engine", map[string]any{
		"session_id": "s-1",
		"status":     "working",
	})
	require.NoError(t, bridge.handle(context.Background(), evt))

	require.Len(t, hub.broadcasts, 1)
	assert.Contains(t, hub.broadcasts[0].channels, "session:s-1")
	assert.Equal(t, "sessions", hub.broadcasts[0].event.Service)
	assert.Equal(t, events.SessionStatusChanged, hub.broadcasts[0].event.Kind)
}

type channelHub struct {
	broadcasts chan recordedBroadcast
}

func (h *channelHub) Broadcast(channels []string, event *rpc.Event) {
	h.broadcasts <- recordedBroadcast{channels: channels, event: event}
}

func TestBridgeDeliversBusEventsEndToEnd(t *testing.T) {
	hub := &channelHub{broadcasts: make(chan recordedBroadcast, 1)}
	bridge := newSessionEventBridge(hub, &fakeLister{}, nil, logger.Default())

	b := bus.NewMemoryEventBus(logger.Default())
	defer b.Close()
	_, err := bridge.Attach(b)
	require.NoError(t, err)

	evt := bus.NewEvent(events.TaskStatusChanged, "session-engine", map[string]any{
		"session_id": "s-2",
		"task_id":    "t-1",
		"status":     "running",
	})
	require.NoError(t, b.Publish(context.Background(), events.SessionSubject("s-2"), evt))

	select {
	case got := <-hub.broadcasts:
		assert.Contains(t, got.channels, "session:s-2")
		assert.Equal(t, events.TaskStatusChanged, got.event.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached the hub")
	}
}

func TestBridgeRoutesCompletedTaskResult(t *testing.T) {
	hub := &fakeHub{}
	lister := &fakeLister{messages: []store.Message{
		assistantMessage(store.ContentBlock{Type: "text", Text: "draft"}),
		{Role: store.RoleUser, Content: store.JSON([]store.ContentBlock{{Type: "text", Text: "thanks"}})},
		assistantMessage(
			store.ContentBlock{Type: "text", Text: "All tests pass."},
			store.ContentBlock{Type: "tool_use", ToolName: "Bash"},
			store.ContentBlock{Type: "text", Text: "Done."},
		),
	}}
	router := &fakeRouter{}
	bridge := newSessionEventBridge(hub, lister, router, logger.Default())

	evt := bus.NewEvent(events.TaskStatusChanged, "session-engine", map[string]any{
		"session_id": "s-3",
		"task_id":    "t-9",
		"status":     string(store.TaskCompleted),
	})
	require.NoError(t, bridge.handle(context.Background(), evt))

	require.Len(t, router.routes, 1)
	assert.Equal(t, "s-3", router.routes[0].sessionID)
	assert.Equal(t, "All tests pass.\nDone.", router.routes[0].text)
	assert.Equal(t, "t-9", router.routes[0].metadata["task_id"])
}

func TestBridgeSkipsGatewayForNonTerminalStatus(t *testing.T) {
	router := &fakeRouter{}
	bridge := newSessionEventBridge(&fakeHub{}, &fakeLister{}, router, logger.Default())

	for _, status := range []store.TaskStatus{store.TaskRunning, store.TaskFailed, store.TaskStopped} {
		evt := bus.NewEvent(events.TaskStatusChanged, "session-engine", map[string]any{
			"session_id": "s-4",
			"task_id":    "t-1",
			"status":     string(status),
		})
		require.NoError(t, bridge.handle(context.Background(), evt))
	}
	assert.Empty(t, router.routes)
}

func TestBridgeIgnoresEventsWithoutSessionID(t *testing.T) {
	hub := &fakeHub{}
	bridge := newSessionEventBridge(hub, &fakeLister{}, nil, logger.Default())

	evt := bus.NewEvent(events.TaskStatusChanged, "session-engine", map[string]any{"task_id": "t-1"})
	require.NoError(t, bridge.handle(context.Background(), evt))
	assert.Empty(t, hub.broadcasts)
}
