package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/luciancaetano/chatgate"
	"github.com/luciancaetano/chatgate/internal/auth"
	"github.com/luciancaetano/chatgate/internal/bus"
	"github.com/luciancaetano/chatgate/internal/fanout"
	"github.com/luciancaetano/chatgate/internal/handshake"
	"github.com/luciancaetano/chatgate/internal/metrics"
	"github.com/luciancaetano/chatgate/internal/presence"
	"github.com/luciancaetano/chatgate/internal/ratelimit"
	"github.com/luciancaetano/chatgate/internal/store"
	"github.com/luciancaetano/chatgate/internal/websocket"
)

type RateLimitConfig = ratelimit.Config
type CheckOriginFn = websocket.CheckOriginFn
type RegistryConfig = websocket.RegistryConfig
type Authenticator = auth.Authenticator
type Store = store.Store
type User = store.User

// Options configures a Gateway. Zero values use the package defaults, except
// RateLimit: nil disables inbound limiting.
type Options struct {
	// Addr is the listen address used by Start (e.g. ":8080").
	Addr string
	// Store holds presence, room and permission state. Defaults to an
	// in-memory store.
	Store Store
	// Authenticator resolves the user of an upgrade request. Defaults to
	// trusting the X-User-Id header, which is only suitable for development.
	Authenticator Authenticator
	// CheckOrigin validates the Origin header. nil allows same-origin
	// requests only; use AllOrigins() to accept every origin (dev only).
	CheckOrigin CheckOriginFn
	// TrustedProxies are the reverse proxies allowed to set X-Forwarded-For.
	// Empty means the client IP is always the socket peer.
	TrustedProxies []string
	// RateLimit bounds inbound messages per session.
	RateLimit *RateLimitConfig
	// Admission bounds connection attempts per user id or client IP.
	Admission *RateLimitConfig
	Registry  RegistryConfig
	// MaxMessageSize caps a single inbound message in bytes.
	MaxMessageSize int
	// QueueLimit caps a session's outbound backlog. Zero means unbounded.
	QueueLimit int
	// MaxHandshakeSize bounds the decoded h_ sub-protocol document.
	MaxHandshakeSize int
	// EventIngress exposes POST /internal/events, guarded by EventsToken
	// when it is set.
	EventIngress bool
	EventsToken  string
	// Registerer receives the gateway's Prometheus collectors. nil disables
	// metrics.
	Registerer prometheus.Registerer
	Logger     *zap.Logger
}

// DefaultOptions returns options suitable for local development.
func DefaultOptions() Options {
	return Options{
		Addr:           ":8080",
		RateLimit:      DefaultRateLimitConfig(),
		Admission:      ratelimit.DefaultAdmissionConfig(),
		Registry:       websocket.DefaultRegistryConfig(),
		MaxMessageSize: chatgate.MaxMessageSize,
		QueueLimit:     1024,
	}
}

// Gateway wires sessions, presence and fan-out behind one HTTP server.
type Gateway struct {
	server   *websocket.Server
	registry *websocket.Registry
	store    store.Store
	events   *fanout.Handlers
	presence *presence.Coordinator
	router   *router
	logger   *zap.Logger
}

var _ chatgate.Gateway = (*Gateway)(nil)

// New assembles a Gateway.
//
// Example:
//
//	opts := ws.DefaultOptions()
//	opts.Authenticator = ws.JWTAuthenticator(secret, 30*time.Second)
//	gw, err := ws.New(opts)
func New(opts Options) (*Gateway, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	st := opts.Store
	if st == nil {
		st = store.NewMemory()
	}

	var m *metrics.Metrics
	if opts.Registerer != nil {
		var err error
		if m, err = metrics.New(opts.Registerer); err != nil {
			return nil, err
		}
	}

	b := bus.New(logger)
	registry := websocket.NewRegistry(opts.Registry, websocket.SessionOptions{
		Bus:            b,
		Logger:         logger,
		Metrics:        m,
		MaxMessageSize: opts.MaxMessageSize,
		QueueLimit:     opts.QueueLimit,
		RateLimit:      opts.RateLimit,
	})

	events := fanout.NewHandlers(fanout.NewDispatcher(registry, st, fanout.Options{Logger: logger, Metrics: m}))
	g := &Gateway{
		registry: registry,
		store:    st,
		events:   events,
		logger:   logger.With(zap.String("component", "gateway")),
	}
	g.presence = presence.NewCoordinator(st, presence.Options{
		Logger:   logger,
		Metrics:  m,
		OnChange: g.announcePresence,
	})
	g.presence.Attach(b)
	g.router = newRouter(st, g.presence, events, logger)
	b.PayloadReceived.Subscribe(g.router.handle)
	b.Ready.Subscribe(g.sendHello)

	cfg := websocket.ServerConfig{
		Addr:           opts.Addr,
		Registry:       registry,
		Authenticator:  opts.Authenticator,
		Admission:      opts.Admission,
		CheckOrigin:    opts.CheckOrigin,
		TrustedProxies: opts.TrustedProxies,
		Handshake:      handshake.Options{MaxDecodedSize: opts.MaxHandshakeSize},
		EventsToken:    opts.EventsToken,
		Metrics:        m,
		Logger:         logger,
	}
	if opts.EventIngress {
		cfg.Events = events
	}
	srv, err := websocket.NewServer(cfg)
	if err != nil {
		return nil, err
	}
	g.server = srv
	return g, nil
}

// Start binds Addr and starts serving.
func (g *Gateway) Start(ctx context.Context) error {
	return g.server.Start(ctx)
}

// Stop closes every session with "going away" and shuts the server down.
func (g *Gateway) Stop(ctx context.Context) error {
	return g.server.Stop(ctx)
}

// Publish fans ev out to the sessions entitled to it.
func (g *Gateway) Publish(ctx context.Context, ev chatgate.Event) error {
	res, err := g.events.Handle(ctx, ev)
	if err != nil {
		return err
	}
	g.logger.Debug("event dispatched",
		zap.String("event", ev.Type),
		zap.Int("delivered", res.Delivered),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
	)
	return nil
}

// Handler returns the HTTP handler serving /gateway, /healthz, /metrics and,
// when enabled, /internal/events.
func (g *Gateway) Handler() http.Handler {
	return g.server.Handler()
}

// Sessions returns the number of registered sessions, running or resumable.
func (g *Gateway) Sessions() int {
	return g.registry.Len()
}

// UpdatePresence sets a user's presence from outside a session, e.g. an
// admin tool. It serializes with the user's connects and disconnects.
func (g *Gateway) UpdatePresence(ctx context.Context, userID string, p chatgate.Presence) error {
	return g.presence.Update(ctx, userID, p)
}

func (g *Gateway) announcePresence(ctx context.Context, userID string, p chatgate.Presence) {
	if _, err := g.events.PresenceUpdated(ctx, userID, p); err != nil {
		g.logger.Warn("presence fan-out failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// AllOrigins returns the default checkOrigin function that allows all origins
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// JWTAuthenticator accepts "Authorization: Bearer <token>" signed with HS256,
// using the sub claim as the user id.
func JWTAuthenticator(secret []byte, leeway time.Duration) Authenticator {
	return auth.JWT{Secret: secret, Leeway: leeway}
}

// DefaultRateLimitConfig returns the default inbound message limit
func DefaultRateLimitConfig() *RateLimitConfig {
	return ratelimit.DefaultConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return ratelimit.NoLimit()
}
