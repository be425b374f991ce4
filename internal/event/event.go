package event

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

const (
	defaultQueueSize = 1024
	defaultTimeout   = 30 * time.Second
)

type Event interface {
	Name() string
}

type Handler func(ctx context.Context, e Event) error

// Bus is an in-memory event bus.
//
// Every subscription owns a queue drained by a single worker, so a handler sees
// events in publish order and a slow handler only delays itself. Publish never
// blocks: when a queue is full the event is dropped for that handler.
type Bus struct {
	queueSize int
	timeout   time.Duration
	onDrop    func(e Event)

	wg     sync.WaitGroup
	mu     sync.RWMutex
	subs   map[string][]*subscription
	closed bool
}

type subscription struct {
	h     Handler
	queue chan delivery
}

type delivery struct {
	ctx context.Context
	e   Event
}

type Option func(b *Bus)

// WithQueueSize sets how many events a subscription buffers before dropping.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithTimeout bounds a single handler call.
func WithTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithDropHandler is called for every event a full queue rejects.
func WithDropHandler(f func(e Event)) Option {
	return func(b *Bus) {
		b.onDrop = f
	}
}

// NewBus create a new event bus. Caller should call Stop for graceful shutdown the bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		queueSize: defaultQueueSize,
		timeout:   defaultTimeout,
		subs:      make(map[string][]*subscription),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Subscribe to an event
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	sub := &subscription{h: h, queue: make(chan delivery, b.queueSize)}
	b.subs[name] = append(b.subs[name], sub)

	b.wg.Add(1)
	go b.work(sub)
}

// Publish an event
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs[e.Name()] {
		select {
		case sub.queue <- delivery{ctx: context.WithoutCancel(ctx), e: e}:
		default:
			slog.WarnContext(ctx, "event: queue full, event dropped", "event", e.Name())
			if b.onDrop != nil {
				b.onDrop(e)
			}
		}
	}
}

func (b *Bus) work(sub *subscription) {
	defer b.wg.Done()

	for d := range sub.queue {
		b.handle(sub.h, d)
	}
}

func (b *Bus) handle(h Handler, d delivery) {
	ctx, cancel := context.WithTimeout(d.ctx, b.timeout)
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "event: handler panic",
				"event", d.e.Name(),
				"error", fmt.Errorf("%v, stack: %s", r, debug.Stack()),
			)
		}

		cancel()
	}()

	if err := h(ctx, d.e); err != nil {
		slog.ErrorContext(ctx, "event: handle event failed",
			"event", d.e.Name(),
			"error", err,
		)
	}
}

// Stop stops accepting events and waits for the queued ones to be handled.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		for _, subs := range b.subs {
			for _, sub := range subs {
				close(sub.queue)
			}
		}
	}
	b.mu.Unlock()

	b.wg.Wait()
}
