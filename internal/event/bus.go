// Package event implements the in-process event bus modules use to talk to
// each other and to streaming consumers.
package event

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/HerbHall/iotscan/pkg/plugin"
)

// Compile-time interface guard.
var _ plugin.EventBus = (*Bus)(nil)

type subscription struct {
	id      uint64
	handler plugin.EventHandler
}

// Bus is a topic-based publish/subscribe bus. Handlers run on the publishing
// goroutine for Publish and on a fresh goroutine for PublishAsync.
type Bus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	nextID uint64
	topics map[string][]subscription
	all    []subscription
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger: logger,
		topics: make(map[string][]subscription),
	}
}

// Publish delivers event to every handler subscribed to its topic and to every
// SubscribeAll handler. A panicking handler is logged and skipped.
func (b *Bus) Publish(ctx context.Context, event plugin.Event) error {
	for _, h := range b.handlersFor(event.Topic) {
		b.safeCall(ctx, h, event)
	}
	return nil
}

// PublishAsync delivers event without blocking the caller.
func (b *Bus) PublishAsync(ctx context.Context, event plugin.Event) {
	handlers := b.handlersFor(event.Topic)
	if len(handlers) == 0 {
		return
	}
	go func() {
		for _, h := range handlers {
			b.safeCall(ctx, h, event)
		}
	}()
}

// Subscribe registers handler for topic.
func (b *Bus) Subscribe(topic string, handler plugin.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.topics[topic] = append(b.topics[topic], subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.topics[topic] = removeSubscription(b.topics[topic], id)
		if len(b.topics[topic]) == 0 {
			delete(b.topics, topic)
		}
	}
}

// SubscribeAll registers handler for every topic.
func (b *Bus) SubscribeAll(handler plugin.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = removeSubscription(b.all, id)
	}
}

// handlersFor snapshots the handlers for topic so delivery happens outside the lock.
func (b *Bus) handlersFor(topic string) []plugin.EventHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := b.topics[topic]
	out := make([]plugin.EventHandler, 0, len(subs)+len(b.all))
	for _, s := range subs {
		out = append(out, s.handler)
	}
	for _, s := range b.all {
		out = append(out, s.handler)
	}
	return out
}

func (b *Bus) safeCall(ctx context.Context, h plugin.EventHandler, event plugin.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("topic", event.Topic),
				zap.Any("panic", r),
			)
		}
	}()
	h(ctx, event)
}

func removeSubscription(subs []subscription, id uint64) []subscription {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}
