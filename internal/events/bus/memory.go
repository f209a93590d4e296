package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agor-sh/agor/internal/common/logger"
)

// MemoryEventBus delivers events between goroutines in one process. It is
// the default backend when no NATS URL is configured and mirrors NATS
// subject semantics so the two backends stay interchangeable.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   []*memorySubscription
	queues map[string]*queueGroup
	closed bool
	log    *logger.Logger
}

func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		queues: make(map[string]*queueGroup),
		log:    log,
	}
}

type memorySubscription struct {
	bus     *MemoryEventBus
	pattern string
	queue   string
	handler EventHandler
	active  atomic.Bool
}

func (s *memorySubscription) Unsubscribe() error {
	s.active.Store(false)
	s.bus.drop(s)
	return nil
}

func (s *memorySubscription) IsValid() bool { return s.active.Load() }

// queueGroup rotates deliveries across its members so each published
// event lands on exactly one of them. The group mutex guards only the
// rotation cursor; membership changes happen under the bus write lock.
type queueGroup struct {
	mu      sync.Mutex
	members []*memorySubscription
	next    int
}

func (g *queueGroup) take() *memorySubscription {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := len(g.members)
	for i := 0; i < n; i++ {
		m := g.members[(g.next+i)%n]
		if m.active.Load() {
			g.next = (g.next + i + 1) % n
			return m
		}
	}
	return nil
}

func (b *MemoryEventBus) Subscribe(pattern string, handler EventHandler) (Subscription, error) {
	return b.subscribe(pattern, "", handler)
}

func (b *MemoryEventBus) QueueSubscribe(pattern, queue string, handler EventHandler) (Subscription, error) {
	return b.subscribe(pattern, queue, handler)
}

func (b *MemoryEventBus) subscribe(pattern, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	sub := &memorySubscription{bus: b, pattern: pattern, queue: queue, handler: handler}
	sub.active.Store(true)
	b.subs = append(b.subs, sub)

	if queue != "" {
		key := queueKey(queue, pattern)
		g := b.queues[key]
		if g == nil {
			g = &queueGroup{}
			b.queues[key] = g
		}
		g.members = append(g.members, sub)
	}

	b.log.Debug("Subscribed",
		zap.String("pattern", pattern),
		zap.String("queue", queue))
	return sub, nil
}

// Publish fans the event out to every matching plain subscriber and to
// one member of each matching queue group. Handlers run on their own
// goroutines so a slow consumer never stalls the publisher.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}

	var targets []*memorySubscription
	groupsSeen := make(map[string]bool)
	for _, sub := range b.subs {
		if !sub.active.Load() || !subjectMatches(sub.pattern, subject) {
			continue
		}
		if sub.queue == "" {
			targets = append(targets, sub)
			continue
		}
		key := queueKey(sub.queue, sub.pattern)
		if groupsSeen[key] {
			continue
		}
		groupsSeen[key] = true
		if m := b.queues[key].take(); m != nil {
			targets = append(targets, m)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		go b.deliver(ctx, sub, subject, event)
	}
	return nil
}

func (b *MemoryEventBus) deliver(ctx context.Context, sub *memorySubscription, subject string, event *Event) {
	if err := sub.handler(ctx, event); err != nil {
		b.log.Error("Event handler failed",
			zap.String("subject", subject),
			zap.String("event_type", event.Type),
			zap.Error(err))
	}
}

// Request publishes the event with a reply inbox in its data and waits
// for the first event on that inbox.
func (b *MemoryEventBus) Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error) {
	inbox := "_INBOX." + event.ID
	replies := make(chan *Event, 1)

	sub, err := b.Subscribe(inbox, func(ctx context.Context, e *Event) error {
		select {
		case replies <- e:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Unsubscribe() }()

	if event.Data == nil {
		event.Data = make(map[string]any)
	}
	event.Data["_reply"] = inbox

	if err := b.Publish(ctx, subject, event); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("no reply on %s after %v", subject, timeout)
	}
}

func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, sub := range b.subs {
		sub.active.Store(false)
	}
	b.subs = nil
	b.queues = make(map[string]*queueGroup)
}

func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (b *MemoryEventBus) drop(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = removeSub(b.subs, sub)
	if sub.queue != "" {
		key := queueKey(sub.queue, sub.pattern)
		if g := b.queues[key]; g != nil {
			g.members = removeSub(g.members, sub)
			if len(g.members) == 0 {
				delete(b.queues, key)
			}
		}
	}
}

func removeSub(list []*memorySubscription, sub *memorySubscription) []*memorySubscription {
	for i, s := range list {
		if s == sub {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
