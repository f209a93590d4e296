// Package msggateway routes messages between external chat platforms and
// sessions. Inbound platform messages become prompts; outbound agent
// responses are delivered back to the originating thread.
package msggateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agor-sh/agor/internal/common/logger"
	"github.com/agor-sh/agor/internal/rpc"
	"github.com/agor-sh/agor/internal/session"
	"github.com/agor-sh/agor/internal/store"
)

// Connector delivers messages to one platform. SendMessage is required;
// push-mode connectors additionally implement Listener.
type Connector interface {
	// ChannelType names the platform (telegram, slack, ...).
	ChannelType() string

	SendMessage(ctx context.Context, channel *store.GatewayChannel, threadID, text string, metadata map[string]any) error
}

// Formatter converts raw platform payloads to plain prompt text. Optional.
type Formatter interface {
	FormatMessage(raw json.RawMessage) (string, error)
}

// Listener is implemented by push-mode connectors that hold a long-lived
// platform connection. Started for enabled channels carrying an app_token.
type Listener interface {
	StartListening(ctx context.Context, channel *store.GatewayChannel, deliver func(threadID, text string, metadata map[string]any)) error
	StopListening(channelID string)
}

// InboundMessage is a platform message arriving at the gateway.
type InboundMessage struct {
	ChannelType string          `json:"channel_type"`
	ChannelKey  string          `json:"channel_key"`
	ThreadID    string          `json:"thread_id"`
	Text        string          `json:"text"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// PostResult reports what the gateway did with an inbound message.
type PostResult struct {
	SessionID string `json:"session_id"`
	TaskID    string `json:"task_id,omitempty"`
	Created   bool   `json:"session_created"`
}

// Router is the C9 gateway: channel-key auth, thread-to-session mapping, and
// bidirectional message flow.
type Router struct {
	store      *store.Store
	engine     *session.Engine
	log        *logger.Logger
	connectors map[string]Connector

	mu sync.RWMutex
	// activeSessions caches session IDs with live thread mappings so the
	// outbound path can skip the store on the common no-gateway case.
	activeSessions map[string]bool
	listening      map[string]context.CancelFunc
}

// NewRouter builds a gateway router. Connectors register per channel type.
func NewRouter(st *store.Store, engine *session.Engine, log *logger.Logger) *Router {
	return &Router{
		store:          st,
		engine:         engine,
		log:            log,
		connectors:     make(map[string]Connector),
		activeSessions: make(map[string]bool),
		listening:      make(map[string]context.CancelFunc),
	}
}

// RegisterConnector adds a platform connector.
func (r *Router) RegisterConnector(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.ChannelType()] = c
}

// RefreshActiveSessions rebuilds the fast-path cache from the thread map.
// Called at startup and after channel mutations.
func (r *Router) RefreshActiveSessions(ctx context.Context) error {
	maps, err := r.store.ListThreadSessionMaps(ctx)
	if err != nil {
		return err
	}
	active := make(map[string]bool, len(maps))
	for i := range maps {
		active[maps[i].SessionID] = true
	}
	r.mu.Lock()
	r.activeSessions = active
	r.mu.Unlock()
	return nil
}

// PostMessage handles one inbound platform message.
func (r *Router) PostMessage(ctx context.Context, msg *InboundMessage) (*PostResult, error) {
	if msg.ChannelKey == "" || msg.ThreadID == "" {
		return nil, rpc.NewError(rpc.CodeValidationFailed, "channel_key and thread_id are required")
	}

	channel, err := r.store.GetGatewayChannelByKey(ctx, msg.ChannelType, msg.ChannelKey)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeNotAuthenticated, "unknown channel key")
	}
	if !channel.Enabled {
		return nil, rpc.NewError(rpc.CodeForbidden, "channel is disabled")
	}

	text := msg.Text
	if text == "" && len(msg.Raw) > 0 {
		if f, ok := r.connectorFor(channel.ChannelType).(Formatter); ok {
			if formatted, err := f.FormatMessage(msg.Raw); err == nil {
				text = formatted
			}
		}
	}
	if text == "" {
		return nil, rpc.NewError(rpc.CodeValidationFailed, "message text is empty")
	}

	mapping, err := r.store.GetThreadSessionMap(ctx, channel.ChannelID, msg.ThreadID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if errors.Is(err, store.ErrNotFound) {
		mapping = nil
	}

	// Thread replies that merely mention the bot must not create sessions.
	// The sender gets told why nothing happened; without the notice the
	// thread just goes silent.
	if mapping == nil && metadataFlag(msg.Metadata, "requires_mapping_verification") {
		r.log.Debug("Dropping unmapped thread reply",
			zap.String("channel_id", channel.ChannelID),
			zap.String("thread_id", msg.ThreadID))
		const notice = "No session is mapped to this thread. Start one by addressing the bot directly."
		if connector := r.connectorFor(channel.ChannelType); connector != nil {
			if err := connector.SendMessage(ctx, channel, msg.ThreadID, notice, nil); err != nil {
				r.log.Warn("Failed to send mapping notice",
					zap.String("channel_id", channel.ChannelID), zap.Error(err))
			}
		}
		return nil, rpc.NewError(rpc.CodeForbidden,
			"no session is mapped to this thread; start one by addressing the bot directly")
	}

	created := false
	var sess *store.Session
	if mapping != nil {
		sess, err = r.store.GetSession(ctx, mapping.SessionID)
		if err != nil {
			return nil, err
		}
		if err := r.store.TouchThreadSessionMap(ctx, channel.ChannelID, msg.ThreadID); err != nil {
			r.log.Warn("Failed to touch thread mapping", zap.Error(err))
		}
	} else {
		sess, err = r.createMappedSession(ctx, channel, msg.ThreadID)
		if err != nil {
			return nil, err
		}
		created = true
	}

	// Internal dispatch: the channel owner acts, auth hooks are bypassed.
	task, err := r.engine.Prompt(ctx, &session.PromptRequest{
		SessionID: sess.SessionID,
		Prompt:    text,
	})
	if err != nil {
		return nil, err
	}
	if err := r.store.TouchGatewayChannel(ctx, channel.ChannelID); err != nil {
		r.log.Warn("Failed to touch channel", zap.Error(err))
	}

	return &PostResult{SessionID: sess.SessionID, TaskID: task.TaskID, Created: created}, nil
}

// createMappedSession creates the session and thread mapping for a fresh
// thread.
func (r *Router) createMappedSession(ctx context.Context, channel *store.GatewayChannel, threadID string) (*store.Session, error) {
	owner, err := r.store.GetUser(ctx, channel.AgorUserID)
	if err != nil {
		return nil, err
	}

	source := map[string]any{
		"gateway_source": map[string]any{
			"channel_id":   channel.ChannelID,
			"channel_type": channel.ChannelType,
			"thread_id":    threadID,
		},
	}
	customContext, err := json.Marshal(source)
	if err != nil {
		return nil, err
	}

	sess := &store.Session{
		WorktreeID:       channel.TargetWorktreeID,
		CreatedBy:        owner.UserID,
		UnixUsername:     owner.UnixUsername,
		AgenticTool:      agenticTool(channel),
		PermissionConfig: permissionConfig(channel),
		CustomContext:    customContext,
	}
	if err := r.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	if err := r.store.UpsertThreadSessionMap(ctx, &store.ThreadSessionMap{
		ChannelID: channel.ChannelID,
		ThreadID:  threadID,
		SessionID: sess.SessionID,
	}); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.activeSessions[sess.SessionID] = true
	r.mu.Unlock()
	return sess, nil
}

// RouteResult reports the outbound delivery outcome.
type RouteResult struct {
	Routed bool `json:"routed"`
}

// RouteMessage delivers an agent response back to the platform thread the
// session originated from. Sessions without a mapping are a silent no-op.
func (r *Router) RouteMessage(ctx context.Context, sessionID, text string, metadata map[string]any) (*RouteResult, error) {
	r.mu.RLock()
	active := r.activeSessions[sessionID]
	r.mu.RUnlock()
	if !active {
		return &RouteResult{Routed: false}, nil
	}

	mapping, err := r.store.GetThreadBySession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return &RouteResult{Routed: false}, nil
	}
	if err != nil {
		return nil, err
	}

	channel, err := r.store.GetGatewayChannel(ctx, mapping.ChannelID)
	if err != nil {
		return nil, err
	}
	connector := r.connectorFor(channel.ChannelType)
	if connector == nil {
		return nil, fmt.Errorf("no connector registered for channel type %q", channel.ChannelType)
	}

	if err := connector.SendMessage(ctx, channel, mapping.ThreadID, text, metadata); err != nil {
		return nil, fmt.Errorf("failed to deliver to %s thread %s: %w", channel.ChannelType, mapping.ThreadID, err)
	}
	if err := r.store.TouchThreadSessionMap(ctx, mapping.ChannelID, mapping.ThreadID); err != nil {
		r.log.Warn("Failed to touch thread mapping", zap.Error(err))
	}
	if err := r.store.TouchGatewayChannel(ctx, channel.ChannelID); err != nil {
		r.log.Warn("Failed to touch channel", zap.Error(err))
	}
	return &RouteResult{Routed: true}, nil
}

// StartListeners spins up push-mode listeners for every enabled channel
// whose config carries an app_token and whose connector supports listening.
func (r *Router) StartListeners(ctx context.Context) error {
	channels, err := r.store.FindGatewayChannels(ctx, store.ListQuery{
		Filters: map[string]any{"enabled": true},
		Limit:   store.MaxListLimit,
	})
	if err != nil {
		return err
	}
	for i := range channels {
		r.startListener(ctx, &channels[i])
	}
	return nil
}

func (r *Router) startListener(ctx context.Context, channel *store.GatewayChannel) {
	if !hasAppToken(channel) {
		return
	}
	listener, ok := r.connectorFor(channel.ChannelType).(Listener)
	if !ok {
		return
	}

	listenCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if _, exists := r.listening[channel.ChannelID]; exists {
		r.mu.Unlock()
		cancel()
		return
	}
	r.listening[channel.ChannelID] = cancel
	r.mu.Unlock()

	ch := *channel
	deliver := func(threadID, text string, metadata map[string]any) {
		_, err := r.PostMessage(listenCtx, &InboundMessage{
			ChannelType: ch.ChannelType,
			ChannelKey:  ch.ChannelKey,
			ThreadID:    threadID,
			Text:        text,
			Metadata:    metadata,
		})
		if err != nil {
			r.log.Warn("Push-mode message rejected",
				zap.String("channel_id", ch.ChannelID), zap.Error(err))
		}
	}
	if err := listener.StartListening(listenCtx, &ch, deliver); err != nil {
		r.log.Error("Failed to start push listener",
			zap.String("channel_id", ch.ChannelID), zap.Error(err))
		r.StopListener(ch.ChannelID)
	}
}

// StopListener stops the push listener for one channel. Called on disable,
// delete, and shutdown.
func (r *Router) StopListener(channelID string) {
	r.mu.Lock()
	cancel, ok := r.listening[channelID]
	if ok {
		delete(r.listening, channelID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	cancel()
}

// Shutdown stops every push listener.
func (r *Router) Shutdown() {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.listening))
	for id, cancel := range r.listening {
		cancels = append(cancels, cancel)
		delete(r.listening, id)
	}
	r.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (r *Router) connectorFor(channelType string) Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connectors[channelType]
}

func metadataFlag(metadata map[string]any, key string) bool {
	v, ok := metadata[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func agenticTool(channel *store.GatewayChannel) string {
	var cfg struct {
		Tool string `json:"tool"`
	}
	if len(channel.AgenticConfig) > 0 {
		_ = json.Unmarshal(channel.AgenticConfig, &cfg)
	}
	if cfg.Tool == "" {
		return "claude-code"
	}
	return cfg.Tool
}

func permissionConfig(channel *store.GatewayChannel) json.RawMessage {
	var cfg struct {
		PermissionConfig json.RawMessage `json:"permission_config"`
	}
	if len(channel.AgenticConfig) > 0 {
		_ = json.Unmarshal(channel.AgenticConfig, &cfg)
	}
	return cfg.PermissionConfig
}

func hasAppToken(channel *store.GatewayChannel) bool {
	var cfg struct {
		AppToken string `json:"app_token"`
	}
	if len(channel.Config) > 0 {
		_ = json.Unmarshal(channel.Config, &cfg)
	}
	return cfg.AppToken != ""
}
