package main

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/agor-sh/agor/internal/common/logger"
	"github.com/agor-sh/agor/internal/events"
	"github.com/agor-sh/agor/internal/events/bus"
	"github.com/agor-sh/agor/internal/msggateway"
	"github.com/agor-sh/agor/internal/rpc"
	"github.com/agor-sh/agor/internal/store"
)

// sessionBroadcaster is the hub surface the bridge needs.
type sessionBroadcaster interface {
	Broadcast(channels []string, event *rpc.Event)
}

type taskMessageLister interface {
	ListTaskMessages(ctx context.Context, taskID string) ([]store.Message, error)
}

type resultRouter interface {
	RouteMessage(ctx context.Context, sessionID, text string, metadata map[string]any) (*msggateway.RouteResult, error)
}

// sessionEventBridge relays session engine events from the bus to WebSocket
// subscribers, and hands completed-task results to the message gateway so
// chat threads hear back from the agent.
type sessionEventBridge struct {
	hub     sessionBroadcaster
	store   taskMessageLister
	gateway resultRouter
	log     *logger.Logger
}

func newSessionEventBridge(hub sessionBroadcaster, st taskMessageLister, gateway resultRouter, log *logger.Logger) *sessionEventBridge {
	return &sessionEventBridge{hub: hub, store: st, gateway: gateway, log: log.Named("eventbridge")}
}

// Attach subscribes the bridge to every session subject on the bus.
func (b *sessionEventBridge) Attach(eventBus bus.EventBus) (bus.Subscription, error) {
	return eventBus.Subscribe(events.SessionWildcard, b.handle)
}

func (b *sessionEventBridge) handle(ctx context.Context, evt *bus.Event) error {
	sessionID, _ := evt.Data["session_id"].(string)
	if sessionID == "" {
		b.log.Warn("Session event without session ID", zap.String("type", evt.Type))
		return nil
	}

	b.hub.Broadcast([]string{"session:" + sessionID, "service:sessions"}, &rpc.Event{
		Service: "sessions",
		Kind:    evt.Type,
		Data:    evt.Data,
	})

	if b.gateway != nil && evt.Type == events.TaskStatusChanged {
		if status, _ := evt.Data["status"].(string); status == string(store.TaskCompleted) {
			b.routeTaskResult(ctx, sessionID, evt.Data)
		}
	}
	return nil
}

// routeTaskResult forwards the final assistant text of a completed task to
// the gateway thread mapped to the session, if any.
func (b *sessionEventBridge) routeTaskResult(ctx context.Context, sessionID string, data map[string]any) {
	taskID, _ := data["task_id"].(string)
	if taskID == "" {
		return
	}
	text, err := b.lastAssistantText(ctx, taskID)
	if err != nil {
		b.log.Warn("Failed to load task result for gateway",
			zap.String("task_id", taskID), zap.Error(err))
		return
	}
	if text == "" {
		return
	}
	if _, err := b.gateway.RouteMessage(ctx, sessionID, text, map[string]any{"task_id": taskID}); err != nil {
		b.log.Warn("Failed to route task result",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

// lastAssistantText joins the text blocks of the task's final assistant
// message.
func (b *sessionEventBridge) lastAssistantText(ctx context.Context, taskID string) (string, error) {
	msgs, err := b.store.ListTaskMessages(ctx, taskID)
	if err != nil {
		return "", err
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != store.RoleAssistant {
			continue
		}
		var parts []string
		for _, block := range msgs[i].Content.V {
			if block.Type == "text" && block.Text != "" {
				parts = append(parts, block.Text)
			}
		}
		return strings.Join(parts, "\n"), nil
	}
	return "", nil
}
