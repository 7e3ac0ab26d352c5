// Package bus carries session lifecycle notifications from the gateway to the
// components that react to them (presence, hello responder, inbound router).
package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/luciancaetano/chatgate"
	"github.com/luciancaetano/chatgate/internal/protocol"
)

// Connected is published when a session starts running on a transport.
type Connected struct {
	Session  chatgate.Session
	Presence chatgate.Presence
}

// Disconnected is published after both loops of a session ended.
type Disconnected struct {
	Session chatgate.Session
}

// Ready is published once per session, on its first successful run.
type Ready struct {
	Session  chatgate.Session
	Presence chatgate.Presence
}

// PayloadReceived carries one decoded inbound envelope.
type PayloadReceived struct {
	Session  chatgate.Session
	Envelope protocol.Envelope
}

// Topic is a synchronous fan-in point for one notification type. Handlers run
// on the publisher's goroutine in subscription order.
type Topic[T any] struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[uint64]func(context.Context, T)
	order    []uint64
	logger   *zap.Logger
	name     string
}

// NewTopic creates an empty topic. name is only used in logs.
func NewTopic[T any](name string, logger *zap.Logger) *Topic[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Topic[T]{
		handlers: make(map[uint64]func(context.Context, T)),
		logger:   logger,
		name:     name,
	}
}

// Subscribe registers fn and returns a function that removes it.
func (t *Topic[T]) Subscribe(fn func(context.Context, T)) (unsubscribe func()) {
	t.mu.Lock()
	id := t.next
	t.next++
	t.handlers[id] = fn
	t.order = append(t.order, id)
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			delete(t.handlers, id)
			for i, v := range t.order {
				if v == id {
					t.order = append(t.order[:i], t.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish delivers msg to every handler. A panicking handler is logged and
// does not affect the others or the publisher.
func (t *Topic[T]) Publish(ctx context.Context, msg T) {
	t.mu.RLock()
	fns := make([]func(context.Context, T), 0, len(t.order))
	for _, id := range t.order {
		fns = append(fns, t.handlers[id])
	}
	t.mu.RUnlock()

	for _, fn := range fns {
		t.call(ctx, fn, msg)
	}
}

// Len returns the number of subscribers.
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}

func (t *Topic[T]) call(ctx context.Context, fn func(context.Context, T), msg T) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("notification handler panicked",
				zap.String("topic", t.name),
				zap.Any("panic", r),
			)
		}
	}()
	fn(ctx, msg)
}

// Bus groups the gateway's notification topics.
type Bus struct {
	Connected       *Topic[Connected]
	Disconnected    *Topic[Disconnected]
	Ready           *Topic[Ready]
	PayloadReceived *Topic[PayloadReceived]
}

// New creates a bus with empty topics.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "bus"))
	return &Bus{
		Connected:       NewTopic[Connected]("connected", logger),
		Disconnected:    NewTopic[Disconnected]("disconnected", logger),
		Ready:           NewTopic[Ready]("ready", logger),
		PayloadReceived: NewTopic[PayloadReceived]("payload_received", logger),
	}
}
