// Package events carries feed lifecycle notifications from the generator to
// whoever needs to react to them (remote catalog notifier, NATS forwarder).
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type Event struct {
	Name       string    `json:"event"`
	FeedType   string    `json:"feed_type"`
	OccurredAt time.Time `json:"occurred_at"`
}

type Handler func(ctx context.Context, event Event) error

// GenerationCompleted names the event fired after a feed file was promoted.
func GenerationCompleted(feedType string) string {
	return fmt.Sprintf("%s_feed_generation_completed", feedType)
}

// Bus dispatches events synchronously, in subscription order. A failing
// handler is logged and does not stop the others.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	all      []Handler
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

func (b *Bus) Subscribe(name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], handler)
}

// SubscribeAll registers a handler for every event name.
func (b *Bus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, handler)
}

func (b *Bus) Emit(ctx context.Context, event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Name])+len(b.all))
	handlers = append(handlers, b.handlers[event.Name]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	slog.Debug("Emitting event", "event", event.Name, "feed", event.FeedType, "handlers", len(handlers))

	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			slog.Error("Event handler failed", "event", event.Name, "feed", event.FeedType, "error", err)
		}
	}
}
