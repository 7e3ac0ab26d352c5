package websocket

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luciancaetano/chatgate"
)

const (
	defaultSessionExpiry = 60 * time.Second
	defaultSweepInterval = 10 * time.Second
)

// RegistryConfig controls session resumption and expiry.
type RegistryConfig struct {
	// Expiry is how long a stopped session may still be resumed.
	Expiry time.Duration
	// SweepInterval is how often Run removes expired sessions. It is capped
	// to Expiry.
	SweepInterval time.Duration
	Clock         func() time.Time
}

// DefaultRegistryConfig returns a 60s resumption window swept every 10s.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Expiry:        defaultSessionExpiry,
		SweepInterval: defaultSweepInterval,
		Clock:         time.Now,
	}
}

func (c *RegistryConfig) norm() {
	if c.Expiry <= 0 {
		c.Expiry = defaultSessionExpiry
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.SweepInterval > c.Expiry {
		c.SweepInterval = c.Expiry
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Registry owns every live session of a gateway instance.
type Registry struct {
	cfg      RegistryConfig
	opts     SessionOptions
	logger   *zap.Logger
	sessions sync.Map // map[string]*Session

	// Create and the sweep's removal both go through mu so a session is
	// never handed out while it is being torn down.
	mu sync.Mutex
}

// NewRegistry creates an empty registry. Sessions it creates share opts.
func NewRegistry(cfg RegistryConfig, opts SessionOptions) *Registry {
	cfg.norm()
	if opts.Clock == nil {
		opts.Clock = cfg.Clock
	}
	opts.norm()
	return &Registry{
		cfg:    cfg,
		opts:   opts,
		logger: opts.Logger.With(zap.String("component", "registry")),
	}
}

// Options returns the options sessions are created with.
func (r *Registry) Options() SessionOptions {
	return r.opts
}

// Config returns the effective registry configuration.
func (r *Registry) Config() RegistryConfig {
	return r.cfg
}

// Create registers a new idle session for userID.
func (r *Registry) Create(userID string, intents chatgate.Intents) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		id := newSessionID()
		s := NewSession(id, userID, intents, r.opts)
		if _, loaded := r.sessions.LoadOrStore(id, s); !loaded {
			r.logger.Debug("session created", zap.String("session_id", id), zap.String("user_id", userID))
			return s
		}
	}
}

// Resume returns the session id if it exists, belongs to userID, is not
// running or already being resumed, still has its queue and stopped less
// than Expiry ago.
//
// A successful Resume claims the session: the sweep skips it and further
// resumes fail with ErrSessionRunning until the caller runs it or calls
// Release.
func (r *Registry) Resume(id, userID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.UserID() != userID {
		return nil, ErrSessionOwner
	}
	if s.queue.isClosed() {
		return nil, ErrSessionExpired
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning || s.claimed {
		return nil, ErrSessionRunning
	}
	if r.cfg.Clock().Sub(s.closedAt) >= r.cfg.Expiry {
		return nil, ErrSessionExpired
	}
	s.claimed = true
	return s, nil
}

// Release gives up the claim taken by Resume when the session is not going
// to run, e.g. because the upgrade failed.
func (r *Registry) Release(s *Session) {
	s.release()
}

// Get looks a session up by id.
func (r *Registry) Get(id string) (*Session, bool) {
	v, ok := r.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	n := 0
	r.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Snapshot returns the dispatchable sessions. Each session appears at most
// once; sessions added or removed concurrently may or may not be included.
func (r *Registry) Snapshot() []chatgate.Session {
	out := make([]chatgate.Session, 0)
	r.sessions.Range(func(_, v any) bool {
		if s := v.(*Session); s.Dispatchable() {
			out = append(out, s)
		}
		return true
	})
	return out
}

// SessionsOf returns every registered session owned by userID.
func (r *Registry) SessionsOf(userID string) []*Session {
	var out []*Session
	r.sessions.Range(func(_, v any) bool {
		if s := v.(*Session); s.UserID() == userID {
			out = append(out, s)
		}
		return true
	})
	return out
}

// SweepExpired removes sessions that stopped more than Expiry ago and tears
// their queues down. Running and claimed sessions are never removed.
func (r *Registry) SweepExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.cfg.Clock().Add(-r.cfg.Expiry)
	removed := 0
	r.sessions.Range(func(k, v any) bool {
		s := v.(*Session)
		s.mu.Lock()
		expired := s.state != StateRunning && !s.claimed && s.closedAt.Before(cutoff)
		s.mu.Unlock()
		if expired {
			r.sessions.Delete(k)
			s.teardown()
			removed++
		}
		return true
	})

	if removed > 0 {
		r.opts.Metrics.SessionsExpired(removed)
		r.logger.Debug("expired sessions swept", zap.Int("removed", removed))
	}
	return removed
}

// Run sweeps expired sessions until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepExpired()
		}
	}
}

// Close stops every running session with "going away" and tears every queue
// down. The registry is empty afterwards.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions.Range(func(k, v any) bool {
		s := v.(*Session)
		s.Stop(chatgate.CloseGoingAway, chatgate.ErrGatewayShutdown)
		s.teardown()
		r.sessions.Delete(k)
		return ctx.Err() == nil
	})
}

// newSessionID renders 128 random bits as 32 lowercase hex characters.
func newSessionID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
