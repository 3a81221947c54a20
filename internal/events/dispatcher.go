package events

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/spec-kit/as-dispatch/internal/domain"
)

// EventHandler handles a committed event.
type EventHandler func(context.Context, domain.Event) error

// Dispatcher fans committed events out to in-process subscribers.
type Dispatcher interface {
	Publish(ctx context.Context, event domain.Event) error
	Subscribe(kind domain.EventKind, handler EventHandler)
	SubscribeAll(handler EventHandler)
}

// inMemoryDispatcher is a simple synchronous dispatcher.
type inMemoryDispatcher struct {
	mu        sync.RWMutex
	listeners map[domain.EventKind][]EventHandler
	all       []EventHandler
	logger    *zap.Logger
}

// NewInMemoryDispatcher creates a dispatcher instance.
func NewInMemoryDispatcher(logger *zap.Logger) Dispatcher {
	return &inMemoryDispatcher{
		listeners: make(map[domain.EventKind][]EventHandler),
		logger:    logger,
	}
}

// Publish synchronously invokes handlers for the given event. A failing
// handler is logged and never stops the others; the event is already durable.
func (d *inMemoryDispatcher) Publish(ctx context.Context, event domain.Event) error {
	d.mu.RLock()
	handlers := append([]EventHandler{}, d.all...)
	handlers = append(handlers, d.listeners[event.Kind]...)
	d.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			d.logger.Warn("event handler failed",
				zap.String("kind", string(event.Kind)),
				zap.String("request_id", event.RequestID),
				zap.Int64("sequence", event.Sequence),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Subscribe registers a handler for the given event kind.
func (d *inMemoryDispatcher) Subscribe(kind domain.EventKind, handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners[kind] = append(d.listeners[kind], handler)
}

// SubscribeAll registers a handler for every event kind.
func (d *inMemoryDispatcher) SubscribeAll(handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.all = append(d.all, handler)
}
