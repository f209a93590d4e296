package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agor-sh/agor/internal/common/logger"
	"github.com/agor-sh/agor/internal/rpc"
	"github.com/agor-sh/agor/internal/store"
)

// dialTimeout bounds the websocket handshake back to the daemon.
const dialTimeout = 10 * time.Second

// Client is the executor's RPC connection back to the daemon. One executor
// process holds one connection for its whole run; the session token from the
// payload authenticates it as an internal caller.
type Client struct {
	conn *websocket.Conn
	log  *logger.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *rpc.Message

	done     chan struct{}
	doneOnce sync.Once
	doneErr  error
}

// Dial connects to the daemon websocket endpoint with the minted session
// token.
func Dial(ctx context.Context, daemonURL, token string, log *logger.Logger) (*Client, error) {
	endpoint, err := wsEndpoint(daemonURL)
	if err != nil {
		return nil, err
	}
	q := endpoint.Query()
	q.Set("token", token)
	endpoint.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, endpoint.String(), nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, rpc.NewError(rpc.CodeNetworkError, "failed to dial daemon at %s (status %d): %v", endpoint.Host, status, err)
	}

	c := &Client{
		conn:    conn,
		log:     log,
		pending: make(map[string]chan *rpc.Message),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// wsEndpoint converts a daemon base URL into the websocket endpoint.
func wsEndpoint(daemonURL string) (*url.URL, error) {
	if daemonURL == "" {
		return nil, rpc.NewError(rpc.CodeValidationFailed, "daemon url is required")
	}
	u, err := url.Parse(daemonURL)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeValidationFailed, "invalid daemon url %q: %v", daemonURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, rpc.NewError(rpc.CodeValidationFailed, "unsupported daemon url scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u, nil
}

// Call sends a request and blocks for its correlated response. A non-nil out
// receives the response payload.
func (c *Client) Call(ctx context.Context, action string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", action, err)
	}
	msg := &rpc.Message{
		ID:        store.NewID(),
		Type:      rpc.MessageTypeRequest,
		Action:    action,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}

	ch := make(chan *rpc.Message, 1)
	c.mu.Lock()
	c.pending[msg.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}()

	if err := c.write(msg); err != nil {
		return err
	}

	select {
	case resp := <-ch:
		if resp.Type == rpc.MessageTypeError {
			var ep rpc.ErrorPayload
			if err := json.Unmarshal(resp.Payload, &ep); err != nil {
				return rpc.NewError(rpc.CodeInternal, "%s failed with unreadable error", action)
			}
			return &rpc.Error{Code: ep.Code, Message: ep.Message, Details: ep.Details}
		}
		if out != nil && len(resp.Payload) > 0 {
			if err := json.Unmarshal(resp.Payload, out); err != nil {
				return fmt.Errorf("failed to decode %s response: %w", action, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return rpc.NewError(rpc.CodeNetworkError, "daemon connection lost: %v", c.doneErr)
	}
}

// Notify sends a request without waiting for its response. The daemon's
// reply carries no ID and is dropped by the read loop; stream events use this
// so slow persistence never stalls the agent.
func (c *Client) Notify(action string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", action, err)
	}
	return c.write(&rpc.Message{
		Type:      rpc.MessageTypeRequest,
		Action:    action,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	})
}

// Close tears the connection down.
func (c *Client) Close() {
	_ = c.conn.Close()
}

func (c *Client) write(msg *rpc.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return rpc.NewError(rpc.CodeNetworkError, "daemon write failed: %v", err)
	}
	return nil
}

func (c *Client) readLoop() {
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		for _, msg := range parseFrame(frame) {
			c.deliver(msg)
		}
	}
}

// parseFrame splits one websocket frame into messages. The daemon batches
// queued messages into a single frame separated by newlines.
func parseFrame(frame []byte) []*rpc.Message {
	dec := json.NewDecoder(bytes.NewReader(frame))
	var out []*rpc.Message
	for {
		var msg rpc.Message
		if err := dec.Decode(&msg); err != nil {
			return out
		}
		out = append(out, &msg)
	}
}

func (c *Client) deliver(msg *rpc.Message) {
	if msg.ID == "" {
		// Broadcast notification or an ack for a Notify; nothing waits on it.
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	c.mu.Unlock()
	if !ok {
		c.log.Debug("Dropping uncorrelated response", zap.String("action", msg.Action))
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

func (c *Client) fail(err error) {
	c.doneOnce.Do(func() {
		c.doneErr = err
		close(c.done)
	})
}
