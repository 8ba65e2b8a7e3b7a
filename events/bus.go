package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Handler consumes one event.
type Handler func(ctx context.Context, env Envelope) error

// MemoryBus is an in-process FIFO event bus. Published events are queued and
// delivered by Drain, so an event emitted while handling another one is
// processed after it instead of recursing.
type MemoryBus struct {
	mu       sync.Mutex
	queue    []Envelope
	history  []Envelope
	handlers []Handler
	draining bool
	logger   *slog.Logger
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{logger: logger}
}

// Subscribe registers a handler for every event.
func (b *MemoryBus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish queues env for delivery.
func (b *MemoryBus) Publish(_ context.Context, env Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, env)
	b.history = append(b.history, env)
	return nil
}

// Drain delivers queued events until the queue is empty. A nested call made
// from inside a handler returns immediately; the outer call picks up
// whatever the handler published.
func (b *MemoryBus) Drain(ctx context.Context) error {
	b.mu.Lock()
	if b.draining {
		b.mu.Unlock()
		return nil
	}
	b.draining = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.draining = false
		b.mu.Unlock()
	}()

	var errs []error
	for {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}

		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return errors.Join(errs...)
		}
		env := b.queue[0]
		b.queue = b.queue[1:]
		handlers := append([]Handler(nil), b.handlers...)
		b.mu.Unlock()

		for _, h := range handlers {
			if err := h(ctx, env); err != nil {
				b.logger.Warn("event handler failed",
					"event_id", env.EventID,
					"event_type", env.EventType,
					"error", err,
				)
				errs = append(errs, err)
			}
		}
	}
}

// Pending returns the number of queued events.
func (b *MemoryBus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Published returns every event ever published, oldest first.
func (b *MemoryBus) Published() []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Envelope(nil), b.history...)
}
