package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/chatgate"
)

type sinkFunc func(context.Context, chatgate.Event) error

func (f sinkFunc) Publish(ctx context.Context, ev chatgate.Event) error { return f(ctx, ev) }

func newClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisSourceDeliversEvents(t *testing.T) {
	client := newClient(t)
	got := make(chan chatgate.Event, 4)
	src := NewRedisSource(client, "", sinkFunc(func(_ context.Context, ev chatgate.Event) error {
		if ev.Type == "NOPE" {
			return errors.New(chatgate.ErrUnknownEventType)
		}
		got <- ev
		return nil
	}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	select {
	case <-src.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not confirmed")
	}

	require.NoError(t, client.Publish(ctx, DefaultChannel, "not json").Err())
	require.NoError(t, Publish(ctx, client, "", chatgate.Event{Type: "NOPE"}))
	require.NoError(t, Publish(ctx, client, "", chatgate.Event{
		Type: chatgate.EventRoomCreated,
		Data: json.RawMessage(`{"id":"r1"}`),
	}))

	select {
	case ev := <-got:
		assert.Equal(t, chatgate.EventRoomCreated, ev.Type)
		assert.JSONEq(t, `{"id":"r1"}`, string(ev.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Empty(t, got)
}

func TestServeResubscribesUntilRedisIsBack(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	got := make(chan chatgate.Event, 1)
	src := NewRedisSource(client, "", sinkFunc(func(_ context.Context, ev chatgate.Event) error {
		got <- ev
		return nil
	}), nil)
	src.backOff = func() backoff.BackOff { return backoff.NewConstantBackOff(10 * time.Millisecond) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-src.Ready():
		t.Fatal("subscribed while redis was down")
	default:
	}

	require.NoError(t, mr.Restart())
	select {
	case <-src.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("never resubscribed")
	}

	require.NoError(t, Publish(ctx, client, "", chatgate.Event{Type: chatgate.EventRoomRemoved}))
	select {
	case ev := <-got:
		assert.Equal(t, chatgate.EventRoomRemoved, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered after resubscribing")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"valid", `{"type":"USER_UPDATED","data":{"id":"u1"}}`, false},
		{"no data", `{"type":"ROOM_REMOVED"}`, false},
		{"missing type", `{"data":{}}`, true},
		{"garbage", `{`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.in))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEvent)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPublishRequiresType(t *testing.T) {
	client := newClient(t)
	err := Publish(context.Background(), client, "", chatgate.Event{})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}
