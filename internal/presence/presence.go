// Package presence keeps a user's persisted presence consistent while the
// user holds any number of concurrent sessions.
//
// Connects, disconnects and explicit updates for one user all pass through
// the same per-user gate. Only the persistence write happens while the gate
// is held; change notifications run after it is released.
package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/luciancaetano/chatgate"
	"github.com/luciancaetano/chatgate/internal/bus"
	"github.com/luciancaetano/chatgate/internal/metrics"
	"github.com/luciancaetano/chatgate/internal/store"
)

const defaultMaxElapsed = 5 * time.Second

// ChangeFunc is called after a write changed a user's presence.
type ChangeFunc func(ctx context.Context, userID string, p chatgate.Presence)

// Options configures a Coordinator. Zero values are valid.
type Options struct {
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	OnChange ChangeFunc
	// MaxElapsed bounds the optimistic retry loop of a single write.
	MaxElapsed time.Duration
}

type entry struct {
	gate chan struct{}
	// refs and waiters are guarded by Coordinator.mu.
	refs    int
	waiters int
}

// Coordinator derives a user's persisted presence from the number of their
// running sessions. Operations on the same user are serialized; different
// users proceed in parallel.
type Coordinator struct {
	store      store.Store
	logger     *zap.Logger
	metrics    *metrics.Metrics
	onChange   ChangeFunc
	maxElapsed time.Duration

	mu    sync.Mutex
	users map[string]*entry
}

// NewCoordinator returns a Coordinator persisting presence to st.
func NewCoordinator(st store.Store, opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = defaultMaxElapsed
	}
	return &Coordinator{
		store:      st,
		logger:     opts.Logger.With(zap.String("component", "presence")),
		metrics:    opts.Metrics,
		onChange:   opts.OnChange,
		maxElapsed: opts.MaxElapsed,
		users:      make(map[string]*entry),
	}
}

// Attach subscribes the coordinator to session lifecycle notifications.
func (c *Coordinator) Attach(b *bus.Bus) (detach func()) {
	offConnected := b.Connected.Subscribe(func(ctx context.Context, m bus.Connected) {
		if err := c.Connected(ctx, m.Session.UserID(), m.Presence); err != nil {
			c.logger.Warn("presence on connect", zap.String("user_id", m.Session.UserID()), zap.Error(err))
		}
	})
	offDisconnected := b.Disconnected.Subscribe(func(ctx context.Context, m bus.Disconnected) {
		if err := c.Disconnected(ctx, m.Session.UserID()); err != nil {
			c.logger.Warn("presence on disconnect", zap.String("user_id", m.Session.UserID()), zap.Error(err))
		}
	})
	return func() {
		offConnected()
		offDisconnected()
	}
}

// Connected counts a new running session and, if it is the user's first,
// persists p.
func (c *Coordinator) Connected(ctx context.Context, userID string, p chatgate.Presence) error {
	e, err := c.acquire(ctx, userID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	e.refs++
	first := e.refs == 1
	c.mu.Unlock()

	changed := false
	if first {
		changed, err = c.write(ctx, userID, p)
	}
	c.release(userID, e)
	c.notify(ctx, userID, p, changed)
	return err
}

// Disconnected drops one session and marks the user offline when it was the
// last one.
func (c *Coordinator) Disconnected(ctx context.Context, userID string) error {
	e, err := c.acquire(ctx, userID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if e.refs > 0 {
		e.refs--
	}
	last := e.refs == 0
	c.mu.Unlock()

	changed := false
	if last {
		changed, err = c.write(ctx, userID, chatgate.PresenceOffline)
	}
	c.release(userID, e)
	c.notify(ctx, userID, chatgate.PresenceOffline, changed)
	return err
}

// Update persists a presence explicitly requested by the user.
func (c *Coordinator) Update(ctx context.Context, userID string, p chatgate.Presence) error {
	if !p.Valid() {
		return errors.New(chatgate.ErrInvalidPresence)
	}
	e, err := c.acquire(ctx, userID)
	if err != nil {
		return err
	}
	changed, err := c.write(ctx, userID, p)
	c.release(userID, e)
	c.notify(ctx, userID, p, changed)
	return err
}

// Refs returns the number of running sessions counted for userID.
func (c *Coordinator) Refs(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.users[userID]; ok {
		return e.refs
	}
	return 0
}

// tracked returns the number of users with per-user state.
func (c *Coordinator) tracked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.users)
}

func (c *Coordinator) acquire(ctx context.Context, userID string) (*entry, error) {
	c.mu.Lock()
	e, ok := c.users[userID]
	if !ok {
		e = &entry{gate: make(chan struct{}, 1)}
		c.users[userID] = e
	}
	e.waiters++
	c.mu.Unlock()

	select {
	case e.gate <- struct{}{}:
		return e, nil
	case <-ctx.Done():
		c.mu.Lock()
		e.waiters--
		c.discard(userID, e)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *Coordinator) release(userID string, e *entry) {
	c.mu.Lock()
	e.waiters--
	c.discard(userID, e)
	c.mu.Unlock()
	<-e.gate
}

// discard forgets e when no session is counted and nobody waits on it.
// c.mu must be held.
func (c *Coordinator) discard(userID string, e *entry) {
	if e.refs == 0 && e.waiters == 0 && c.users[userID] == e {
		delete(c.users, userID)
	}
}

// write stores p for userID, re-reading and reapplying on concurrent
// modification. It reports whether the stored value changed.
func (c *Coordinator) write(ctx context.Context, userID string, p chatgate.Presence) (bool, error) {
	changed := false
	op := func() error {
		u, err := c.store.User(ctx, userID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			u = store.User{ID: userID}
		case err != nil:
			return backoff.Permanent(err)
		}
		if u.Presence == p {
			changed = false
			return nil
		}
		u.Presence = p
		if _, err := c.store.SaveUser(ctx, u); err != nil {
			if errors.Is(err, store.ErrConflict) {
				c.metrics.PresenceConflict()
				c.logger.Debug("presence write conflict, retrying", zap.String("user_id", userID))
				return err
			}
			return backoff.Permanent(err)
		}
		changed = true
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = c.maxElapsed
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return false, err
	}
	return changed, nil
}

func (c *Coordinator) notify(ctx context.Context, userID string, p chatgate.Presence, changed bool) {
	if changed && c.onChange != nil {
		c.onChange(ctx, userID, p)
	}
}
