// Package events carries domain events from the REST side of the chat
// service into the gateway over Redis pub/sub.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/luciancaetano/chatgate"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "chatgate:events"

var (
	ErrInvalidEvent = errors.New("invalid domain event")
	// ErrSubscriptionClosed is returned by Run when the subscription ends
	// while ctx is still live.
	ErrSubscriptionClosed = errors.New("event subscription closed")
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Sink consumes decoded events. fanout.Handlers implements it.
type Sink interface {
	Publish(ctx context.Context, ev chatgate.Event) error
}

// RedisSource subscribes to a channel and feeds every event to a Sink.
type RedisSource struct {
	client  redis.UniversalClient
	channel string
	sink    Sink
	logger  *zap.Logger
	ready   chan struct{}
	once    sync.Once
	// backOff paces Serve's resubscriptions.
	backOff func() backoff.BackOff
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// NewRedisSource returns a source for channel, or DefaultChannel when channel
// is empty. Nothing is subscribed until Run.
func NewRedisSource(client redis.UniversalClient, channel string, sink Sink, logger *zap.Logger) *RedisSource {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisSource{
		client:  client,
		channel: channel,
		sink:    sink,
		logger:  logger.With(zap.String("component", "events"), zap.String("channel", channel)),
		ready:   make(chan struct{}),
		backOff: defaultBackOff,
	}
}

// Ready is closed once the first subscription is confirmed by the server.
func (s *RedisSource) Ready() <-chan struct{} {
	return s.ready
}

// Run blocks until ctx is done or the subscription breaks. Malformed
// messages and events the sink rejects are logged and skipped.
func (s *RedisSource) Run(ctx context.Context) error {
	return s.run(ctx, func() {})
}

// Serve runs the subscription until ctx is done, resubscribing with
// exponential backoff whenever it fails or ends. It only returns once ctx is
// done.
func (s *RedisSource) Serve(ctx context.Context) error {
	b := s.backOff()
	op := func() error {
		err := s.run(ctx, b.Reset)
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("event subscription failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (s *RedisSource) run(ctx context.Context, subscribed func()) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	s.once.Do(func() { close(s.ready) })
	subscribed()
	s.logger.Info("listening for domain events")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return ErrSubscriptionClosed
			}
			s.handle(ctx, msg.Payload)
		}
	}
}

func (s *RedisSource) handle(ctx context.Context, payload string) {
	ev, err := Decode([]byte(payload))
	if err != nil {
		s.logger.Warn("dropping malformed event", zap.Error(err))
		return
	}
	if err := s.sink.Publish(ctx, ev); err != nil {
		s.logger.Warn("event rejected", zap.String("event", ev.Type), zap.Error(err))
	}
}

// Decode parses one event as published by Publish.
func Decode(data []byte) (chatgate.Event, error) {
	var ev chatgate.Event
	if err := codec.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if ev.Type == "" {
		return ev, fmt.Errorf("%w: missing type", ErrInvalidEvent)
	}
	return ev, nil
}

// Publish sends ev on channel.
func Publish(ctx context.Context, client redis.UniversalClient, channel string, ev chatgate.Event) error {
	if ev.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidEvent)
	}
	data, err := codec.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if channel == "" {
		channel = DefaultChannel
	}
	if err := client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}
