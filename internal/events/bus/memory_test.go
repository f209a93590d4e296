package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agor-sh/agor/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	b := NewMemoryEventBus(log)
	t.Cleanup(b.Close)
	return b
}

func waitEvent(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestSubjectMatches(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"agor.sessions.abc", "agor.sessions.abc", true},
		{"agor.sessions.abc", "agor.sessions.def", false},
		{"agor.sessions.*", "agor.sessions.abc", true},
		{"agor.sessions.*", "agor.sessions.abc.status", false},
		{"agor.*.abc", "agor.tasks.abc", true},
		{"agor.>", "agor.sessions.abc.status", true},
		{"agor.>", "agor", false},
		{"agor.sessions.>", "agor.tasks.abc", false},
		{"agor.sessions.abc", "agor.sessions", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, subjectMatches(tt.pattern, tt.subject),
			"pattern %q subject %q", tt.pattern, tt.subject)
	}
}

func TestMemoryBusDeliversToMatchingSubscribers(t *testing.T) {
	b := newTestBus(t)

	exact := make(chan *Event, 1)
	wild := make(chan *Event, 1)
	other := make(chan *Event, 1)

	_, err := b.Subscribe("agor.sessions.s1", func(_ context.Context, e *Event) error {
		exact <- e
		return nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe("agor.sessions.*", func(_ context.Context, e *Event) error {
		wild <- e
		return nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe("agor.tasks.*", func(_ context.Context, e *Event) error {
		other <- e
		return nil
	})
	require.NoError(t, err)

	evt := NewEvent("session.status_changed", "test", map[string]any{"status": "running"})
	require.NoError(t, b.Publish(context.Background(), "agor.sessions.s1", evt))

	got := waitEvent(t, exact)
	assert.Equal(t, evt.ID, got.ID)
	assert.Equal(t, "running", got.Data["status"])
	assert.Equal(t, evt.ID, waitEvent(t, wild).ID)

	select {
	case <-other:
		t.Fatal("event leaked to a non-matching subscriber")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusQueueGroupRoundRobin(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	counts := make(map[string]int)
	var wg sync.WaitGroup

	for _, name := range []string{"a", "b", "c"} {
		_, err := b.QueueSubscribe("agor.tasks.*", "workers", func(_ context.Context, _ *Event) error {
			mu.Lock()
			counts[name]++
			mu.Unlock()
			wg.Done()
			return nil
		})
		require.NoError(t, err)
	}

	const n = 9
	wg.Add(n)
	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(context.Background(), "agor.tasks.t1",
			NewEvent("task.created", "test", nil)))
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	total := 0
	for name, c := range counts {
		assert.Equal(t, n/3, c, "member %s", name)
		total += c
	}
	assert.Equal(t, n, total)
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := newTestBus(t)

	got := make(chan *Event, 4)
	sub, err := b.Subscribe("agor.repos.*", func(_ context.Context, e *Event) error {
		got <- e
		return nil
	})
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "agor.repos.r1", NewEvent("repo.created", "test", nil)))
	waitEvent(t, got)

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "agor.repos.r1", NewEvent("repo.updated", "test", nil)))
	select {
	case <-got:
		t.Fatal("received event after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusRequestReply(t *testing.T) {
	b := newTestBus(t)

	_, err := b.Subscribe("agor.ping", func(ctx context.Context, e *Event) error {
		inbox, _ := e.Data["_reply"].(string)
		require.NotEmpty(t, inbox)
		return b.Publish(ctx, inbox, NewEvent("pong", "responder", map[string]any{"echo": e.ID}))
	})
	require.NoError(t, err)

	req := NewEvent("ping", "test", nil)
	reply, err := b.Request(context.Background(), "agor.ping", req, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", reply.Type)
	assert.Equal(t, req.ID, reply.Data["echo"])
}

func TestMemoryBusRequestTimeout(t *testing.T) {
	b := newTestBus(t)

	_, err := b.Request(context.Background(), "agor.nobody.home",
		NewEvent("ping", "test", nil), 50*time.Millisecond)
	assert.Error(t, err)
}

func TestMemoryBusClose(t *testing.T) {
	b := newTestBus(t)

	sub, err := b.Subscribe("agor.sessions.*", func(_ context.Context, _ *Event) error { return nil })
	require.NoError(t, err)

	b.Close()

	assert.False(t, b.IsConnected())
	assert.False(t, sub.IsValid())
	assert.ErrorIs(t, b.Publish(context.Background(), "agor.sessions.s1", NewEvent("x", "test", nil)), ErrBusClosed)
	_, err = b.Subscribe("agor.sessions.*", func(_ context.Context, _ *Event) error { return nil })
	assert.ErrorIs(t, err, ErrBusClosed)
}
