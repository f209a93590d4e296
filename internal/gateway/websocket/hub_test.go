package websocket

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agor-sh/agor/internal/common/logger"
	"github.com/agor-sh/agor/internal/rpc"
)

func newTestClient(id string) *Client {
	return &Client{
		ID:            id,
		send:          make(chan []byte, 4),
		subscriptions: make(map[string]bool),
		log:           logger.Default(),
	}
}

func newTestHub() *Hub {
	return NewHub(rpc.NewDispatcher(rpc.NewRegistry(nil, logger.Default())), logger.Default())
}

func addClient(h *Hub, c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func TestBroadcastReachesOnlySubscribers(t *testing.T) {
	h := newTestHub()
	subscribed := newTestClient("c-1")
	other := newTestClient("c-2")
	addClient(h, subscribed)
	addClient(h, other)

	h.Subscribe(subscribed, "session:s-1")
	h.Broadcast([]string{"session:s-1"}, &rpc.Event{Service: "sessions", Kind: rpc.EventPatched, Data: "x"})

	require.Len(t, subscribed.send, 1)
	assert.Empty(t, other.send)

	var msg rpc.Message
	require.NoError(t, json.Unmarshal(<-subscribed.send, &msg))
	assert.Equal(t, rpc.MessageTypeNotification, msg.Type)
	assert.Equal(t, "event.sessions.patched", msg.Action)
}

func TestBroadcastDeduplicatesAcrossChannels(t *testing.T) {
	h := newTestHub()
	c := newTestClient("c-1")
	addClient(h, c)

	h.Subscribe(c, "session:s-1")
	h.Subscribe(c, "user:u-1")
	h.Broadcast([]string{"session:s-1", "user:u-1"}, &rpc.Event{Service: "sessions", Kind: rpc.EventCreated})

	assert.Len(t, c.send, 1)
}

func TestSlowSubscriberIsDisconnected(t *testing.T) {
	h := newTestHub()
	slow := newTestClient("c-slow")
	addClient(h, slow)
	h.Subscribe(slow, "session:s-1")

	// Fill the queue past capacity; the overflowing event drops the client.
	for i := 0; i < cap(slow.send)+1; i++ {
		h.Broadcast([]string{"session:s-1"}, &rpc.Event{Service: "messages", Kind: rpc.EventCreated})
	}

	assert.Zero(t, h.ClientCount())
	assert.Zero(t, h.SubscriberCount("session:s-1"))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := newTestHub()
	c := newTestClient("c-1")
	addClient(h, c)

	h.Subscribe(c, "board:b-1")
	h.Unsubscribe(c, "board:b-1")
	h.Broadcast([]string{"board:b-1"}, &rpc.Event{Service: "boards", Kind: rpc.EventPatched})

	assert.Empty(t, c.send)
}
