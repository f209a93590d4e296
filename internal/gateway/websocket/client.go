package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agor-sh/agor/internal/common/logger"
	"github.com/agor-sh/agor/internal/rpc"
	"github.com/agor-sh/agor/internal/store"
)

const (
	writeWait = 10 * time.Second

	// A peer that misses pongWait without answering a ping is dead.
	// pingPeriod must stay under pongWait.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 512 * 1024

	// sendQueueSize bounds the per-client outbound queue.
	sendQueueSize = 256
)

// Client represents a single WebSocket connection.
type Client struct {
	ID   string
	User *store.User

	// Internal marks executor connections; their calls bypass the auth
	// hooks the way in-process dispatches do.
	Internal bool

	conn          *websocket.Conn
	hub           *Hub
	send          chan []byte
	subscriptions map[string]bool

	mu  sync.RWMutex
	log *logger.Logger
}

// NewClient creates a client for an upgraded connection. user may be nil
// until authentication completes.
func NewClient(id string, conn *websocket.Conn, hub *Hub, user *store.User, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		User:          user,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, sendQueueSize),
		subscriptions: make(map[string]bool),
		log:           log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump pumps messages from the connection into the dispatcher.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var msg rpc.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendMessage(rpc.NewErrorMessage("", "", rpc.CodeValidationFailed, "invalid message format", nil))
			continue
		}
		c.handleMessage(ctx, &msg)
	}
}

// subscribeRequest is the payload for channel subscribe/unsubscribe.
type subscribeRequest struct {
	Channel string `json:"channel"`
}

func (c *Client) handleMessage(ctx context.Context, msg *rpc.Message) {
	switch msg.Action {
	case "channel.subscribe":
		c.handleSubscription(msg, true)
		return
	case "channel.unsubscribe":
		c.handleSubscription(msg, false)
		return
	}

	callCtx := &rpc.Ctx{Context: ctx, User: c.User, Internal: c.Internal, ConnectionID: c.ID}
	c.sendMessage(c.hub.dispatcher.Dispatch(callCtx, msg))
}

func (c *Client) handleSubscription(msg *rpc.Message, subscribe bool) {
	var req subscribeRequest
	if err := msg.ParsePayload(&req); err != nil || req.Channel == "" {
		c.sendMessage(rpc.NewErrorMessage(msg.ID, msg.Action, rpc.CodeValidationFailed, "channel is required", nil))
		return
	}
	if subscribe {
		c.hub.Subscribe(c, req.Channel)
	} else {
		c.hub.Unsubscribe(c, req.Channel)
	}
	resp, _ := rpc.NewResponse(msg.ID, msg.Action, map[string]any{
		"success": true,
		"channel": req.Channel,
	})
	c.sendMessage(resp)
}

func (c *Client) sendMessage(msg *rpc.Message) {
	if msg == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("Failed to marshal message", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("Client send buffer full")
	}
}

// WritePump pumps queued messages to the connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Batch additional queued messages.
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
