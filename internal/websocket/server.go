package websocket

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/luciancaetano/chatgate"
	"github.com/luciancaetano/chatgate/internal/auth"
	"github.com/luciancaetano/chatgate/internal/handshake"
	"github.com/luciancaetano/chatgate/internal/metrics"
	"github.com/luciancaetano/chatgate/internal/ratelimit"
)

// CheckOriginFn is a function that validates the origin of a WebSocket connection request.
// It receives the HTTP request and returns true if the origin is allowed, false otherwise.
type CheckOriginFn = func(r *http.Request) bool

// EventSink receives domain events posted to the internal ingress route.
type EventSink interface {
	Publish(ctx context.Context, event chatgate.Event) error
}

// ServerConfig configures the HTTP side of the gateway.
type ServerConfig struct {
	Addr          string
	Registry      *Registry
	Authenticator auth.Authenticator
	// Admission limits connection attempts per user id, or per client IP
	// when authentication fails. nil uses ratelimit.DefaultAdmissionConfig.
	Admission   *ratelimit.Config
	CheckOrigin CheckOriginFn
	// TrustedProxies lists the proxy addresses or CIDRs whose forwarding
	// headers are believed when deriving the client IP. Empty means the IP
	// is always the socket peer.
	TrustedProxies []string
	Handshake      handshake.Options
	// Events enables POST /internal/events when set.
	Events      EventSink
	EventsToken string
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// Server hosts the gateway endpoint and its companion routes.
type Server struct {
	addr      string
	cfg       ServerConfig
	registry  *Registry
	auth      auth.Authenticator
	admission *ratelimit.Keyed
	upgrader  websocket.Upgrader
	engine    *gin.Engine
	logger    *zap.Logger

	mu       sync.Mutex
	running  bool
	server   *http.Server
	ctx      context.Context
	cancel   context.CancelFunc
	sessions sync.WaitGroup
}

// NewServer builds the gin engine. The handler is usable immediately; Start
// additionally binds Addr and runs the background sweeps. It fails only on an
// invalid TrustedProxies entry.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry(DefaultRegistryConfig(), SessionOptions{Logger: cfg.Logger, Metrics: cfg.Metrics})
	}
	if cfg.Authenticator == nil {
		cfg.Authenticator = auth.Header{}
	}
	if cfg.Admission == nil {
		cfg.Admission = ratelimit.DefaultAdmissionConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:      cfg.Addr,
		cfg:       cfg,
		registry:  cfg.Registry,
		auth:      cfg.Authenticator,
		admission: ratelimit.NewKeyed(cfg.Admission),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		logger: cfg.Logger.With(zap.String("component", "server")),
		ctx:    ctx,
		cancel: cancel,
	}
	engine, err := s.routes()
	if err != nil {
		cancel()
		return nil, err
	}
	s.engine = engine
	return s, nil
}

var ginMode sync.Once

func (s *Server) routes() (*gin.Engine, error) {
	ginMode.Do(func() { gin.SetMode(gin.ReleaseMode) })
	r := gin.New()
	if err := r.SetTrustedProxies(s.cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	r.Use(gin.Recovery())

	r.GET("/gateway", s.handleGateway)
	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(s.cfg.Metrics.Handler()))
	if s.cfg.Events != nil {
		r.POST("/internal/events", s.handleEvent)
	}
	return r, nil
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Registry returns the session registry backing the server.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Start starts the HTTP server and the expiry sweep.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServerAlreadyRunning
	}
	s.running = true
	if s.ctx.Err() != nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	runCtx := s.ctx
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	go s.registry.Run(runCtx)
	go s.sweepAdmission(runCtx)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Check for immediate startup errors with a small timeout
	select {
	case err := <-errChan:
		s.mu.Lock()
		s.running = false
		s.cancel()
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(stopCtx)
	case <-time.After(100 * time.Millisecond):
		s.logger.Info("gateway listening", zap.String("addr", s.addr))
		return nil
	}
}

// Stop closes every session with "going away", waits for their loops to end
// and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	srv := s.server
	s.server = nil
	cancel := s.cancel
	s.mu.Unlock()

	s.registry.Close(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("sessions still draining at shutdown deadline")
	}

	if wasRunning && srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) sweepAdmission(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.admission.Sweep(5 * time.Minute)
		}
	}
}

// handleGateway authenticates, admits and upgrades a connection, then binds
// it to a new or resumed session.
func (s *Server) handleGateway(c *gin.Context) {
	r := c.Request

	hs := handshake.Extract(r, s.cfg.Handshake)
	if hs.Err != nil {
		s.logger.Debug("ignoring smuggled headers", zap.Error(hs.Err))
	}
	if hs.Refused > 0 {
		s.logger.Debug("refused reserved smuggled headers", zap.Int("refused", hs.Refused))
	}

	userID, authErr := s.auth.Authenticate(r)
	key := "user:" + userID
	if authErr != nil {
		key = "ip:" + c.ClientIP()
	}
	if !s.admission.Allow(key) {
		s.reject(c, http.StatusTooManyRequests, "rate_limited", chatgate.ErrTooManyRequests)
		return
	}
	if authErr != nil {
		s.reject(c, http.StatusUnauthorized, "unauthorized", chatgate.ErrUnauthorized)
		return
	}

	intents, err := chatgate.ParseIntents(r.Header.Get(chatgate.HeaderIntents))
	if err != nil {
		s.reject(c, http.StatusBadRequest, "invalid_intents", err.Error())
		return
	}
	presence, err := chatgate.ParsePresence(r.Header.Get(chatgate.HeaderPresence))
	if err != nil || presence == chatgate.PresenceOffline {
		s.reject(c, http.StatusBadRequest, "invalid_presence", chatgate.ErrInvalidPresence)
		return
	}

	var (
		sess    *Session
		resumed bool
	)
	if id := strings.TrimSpace(r.Header.Get(chatgate.HeaderSessionID)); id != "" {
		sess, err = s.registry.Resume(id, userID)
		if err != nil {
			s.logger.Debug("resume rejected", zap.String("session_id", id), zap.String("user_id", userID), zap.Error(err))
			s.reject(c, http.StatusConflict, "resume_rejected", chatgate.ErrSessionRejected)
			return
		}
		resumed = true
	} else {
		sess = s.registry.Create(userID, intents)
	}

	conn, err := s.upgrader.Upgrade(c.Writer, r, handshake.ResponseHeader(hs))
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.logger.Debug(chatgate.ErrFailedToUpgrade, zap.Error(err))
		s.registry.Release(sess)
		return
	}

	if err := sess.BindTransport(conn); err != nil {
		s.registry.Release(sess)
		s.closeConn(conn, chatgate.ClosePolicyViolation, chatgate.ErrSessionRejected)
		return
	}
	s.cfg.Metrics.SessionAccepted(resumed)

	s.mu.Lock()
	ctx := s.ctx
	s.sessions.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.sessions.Done()
		err := sess.Run(ctx, presence)
		switch {
		case errors.Is(err, ErrQueueClosed):
			// Swept or overflowed between admission and run.
			s.closeConn(conn, chatgate.ClosePolicyViolation, chatgate.ErrSessionRejected)
		case errors.Is(err, ErrSessionRunning), errors.Is(err, ErrTransportNotOpen):
			s.registry.Release(sess)
			if !sess.bound(conn) {
				s.closeConn(conn, chatgate.ClosePolicyViolation, chatgate.ErrSessionRejected)
			}
		case err != nil:
			s.logger.Warn("session failed", zap.String("session_id", sess.ID()), zap.Error(err))
		}
	}()
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": s.registry.Len(),
	})
}

func (s *Server) handleEvent(c *gin.Context) {
	if s.cfg.EventsToken != "" {
		got := strings.TrimPrefix(c.GetHeader(chatgate.HeaderAuthorization), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.EventsToken)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": chatgate.ErrUnauthorized})
			return
		}
	}

	var ev chatgate.Event
	if err := c.ShouldBindJSON(&ev); err != nil || ev.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event"})
		return
	}
	if err := s.cfg.Events.Publish(c.Request.Context(), ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) reject(c *gin.Context, status int, reason, message string) {
	s.cfg.Metrics.AdmissionRejected(reason)
	c.String(status, message)
}

func (s *Server) closeConn(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}
