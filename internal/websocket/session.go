package websocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/chatgate"
	"github.com/luciancaetano/chatgate/internal/bus"
	"github.com/luciancaetano/chatgate/internal/metrics"
	"github.com/luciancaetano/chatgate/internal/protocol"
	"github.com/luciancaetano/chatgate/internal/ratelimit"
)

const (
	defaultWriteWait    = 10 * time.Second
	defaultPongWait     = 60 * time.Second
	defaultPingInterval = 54 * time.Second
)

// Transport is the subset of *websocket.Conn a session drives.
type Transport interface {
	NextReader() (messageType int, r io.Reader, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	SetCloseHandler(h func(code int, text string) error)
	RemoteAddr() net.Addr
	Close() error
}

var _ Transport = (*websocket.Conn)(nil)

// State is the lifecycle state of a session.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SessionOptions are shared by every session a registry creates.
type SessionOptions struct {
	Bus            *bus.Bus
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
	MaxMessageSize int
	// QueueLimit caps the outbound backlog. Zero means unbounded.
	QueueLimit   int
	RateLimit    *ratelimit.Config
	WriteWait    time.Duration
	PongWait     time.Duration
	PingInterval time.Duration
	Clock        func() time.Time
}

func (o *SessionOptions) norm() {
	if o.Bus == nil {
		o.Bus = bus.New(o.Logger)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = chatgate.MaxMessageSize
	}
	if o.QueueLimit < 0 {
		o.QueueLimit = 0
	}
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Session is one resumable logical connection. It outlives the sockets bound
// to it: after a disconnect the queue keeps filling until the client resumes
// or the registry sweeps the session.
type Session struct {
	id      string
	userID  string
	intents chatgate.Intents
	opts    SessionOptions
	logger  *zap.Logger
	queue   *queue
	limiter *rate.Limiter

	mu            sync.Mutex
	state         State
	transport     Transport
	closedAt      time.Time
	handshakeDone bool
	dispatchable  bool
	stopping      bool
	// claimed is set by Registry.Resume and cleared by Run or release. A
	// claimed session is neither swept nor handed to a second resume.
	claimed bool
}

var _ chatgate.Session = (*Session)(nil)

// NewSession creates an idle session. Its closedAt is the creation time, so a
// session that is never run still expires.
func NewSession(id, userID string, intents chatgate.Intents, opts SessionOptions) *Session {
	opts.norm()
	return &Session{
		id:      id,
		userID:  userID,
		intents: intents,
		opts:    opts,
		logger: opts.Logger.With(
			zap.String("session_id", id),
			zap.String("user_id", userID),
		),
		queue:    newQueue(opts.QueueLimit),
		limiter:  ratelimit.NewLimiter(opts.RateLimit),
		state:    StateIdle,
		closedAt: opts.Clock(),
	}
}

// ID returns the 32 hex character session id handed to the client in the
// hello and sent back in X-Session-Id to resume.
func (s *Session) ID() string { return s.id }

// UserID returns the authenticated owner. Only the owner may resume.
func (s *Session) UserID() string { return s.userID }

// Intents returns the intents declared when the session was created. A
// resume keeps them.
func (s *Session) Intents() chatgate.Intents { return s.intents }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsRunning returns true while both loops are active.
func (s *Session) IsRunning() bool {
	return s.State() == StateRunning
}

// ClosedAt returns when the session last stopped running. It is zero while
// the session runs.
func (s *Session) ClosedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedAt
}

// HasCompletedHandshake reports whether Ready has been published.
func (s *Session) HasCompletedHandshake() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakeDone
}

// Dispatchable reports whether fan-out may enqueue to this session. It turns
// true once the Ready subscribers ran, so the hello payload is always first.
func (s *Session) Dispatchable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatchable && !s.queue.isClosed()
}

// RemoteAddr returns the peer address of the bound transport, or "" when
// none is bound.
func (s *Session) RemoteAddr() string {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return ""
	}
	if addr := t.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Pending returns the number of queued outbound payloads.
func (s *Session) Pending() int {
	return s.queue.len()
}

// BindTransport attaches t, closing any previously bound transport. It fails
// once the queue has been torn down.
func (s *Session) BindTransport(t Transport) error {
	if s.queue.isClosed() {
		return ErrQueueClosed
	}
	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		return ErrSessionRunning
	}
	old := s.transport
	s.transport = t
	s.mu.Unlock()

	if old != nil && old != t {
		_ = old.Close()
	}
	return nil
}

// Enqueue appends a serialized payload. Exceeding the queue limit discards
// the backlog and makes the session unresumable, so a client never resumes
// into a stream with a hole in it. A running session is also stopped with
// "try again later".
func (s *Session) Enqueue(payload []byte) error {
	err := s.queue.push(payload)
	if errors.Is(err, ErrQueueOverflow) {
		s.logger.Warn("outbound queue overflow", zap.Int("limit", s.opts.QueueLimit))
		s.teardown()
		s.Stop(chatgate.CloseTryAgainLater, chatgate.ErrQueueOverflow)
	}
	return err
}

// Stop writes a close frame with code and closes the transport. It is a
// no-op unless the session is running.
func (s *Session) Stop(code int, reason string) {
	s.mu.Lock()
	if s.state != StateRunning || s.transport == nil || s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	t := s.transport
	s.mu.Unlock()

	s.logger.Debug("stopping session", zap.Int("code", code), zap.String("reason", reason))
	s.opts.Metrics.Closed(code)

	msg := websocket.FormatCloseMessage(code, reason)
	_ = t.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.opts.WriteWait))
	_ = t.Close()
}

// Run drives the bound transport until either loop ends. It returns only
// fatal send errors; protocol violations and disconnects end it cleanly. A
// session whose queue was torn down (swept or overflowed) cannot run again.
func (s *Session) Run(ctx context.Context, presence chatgate.Presence) error {
	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		return ErrSessionRunning
	}
	if s.queue.isClosed() {
		s.claimed = false
		s.mu.Unlock()
		return ErrQueueClosed
	}
	t := s.transport
	if t == nil {
		s.mu.Unlock()
		return ErrTransportNotOpen
	}
	first := !s.handshakeDone
	s.claimed = false
	s.state = StateRunning
	s.stopping = false
	s.closedAt = time.Time{}
	s.handshakeDone = true
	s.mu.Unlock()

	s.opts.Metrics.SessionStarted()
	s.logger.Info("session running", zap.Bool("resumed", !first))

	s.opts.Bus.Connected.Publish(ctx, bus.Connected{Session: s, Presence: presence})
	if first {
		s.opts.Bus.Ready.Publish(ctx, bus.Ready{Session: s, Presence: presence})
	}
	s.mu.Lock()
	s.dispatchable = true
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	unblock := context.AfterFunc(gctx, func() { _ = t.Close() })

	g.Go(func() error {
		defer cancel()
		s.receiveLoop(gctx, t)
		return nil
	})
	g.Go(func() error {
		return s.sendLoop(gctx, t)
	})
	err := g.Wait()
	unblock()

	s.mu.Lock()
	if s.transport == t {
		s.transport = nil
	}
	s.mu.Unlock()
	_ = t.Close()

	s.opts.Bus.Disconnected.Publish(context.WithoutCancel(ctx), bus.Disconnected{Session: s})

	s.mu.Lock()
	s.closedAt = s.opts.Clock()
	s.state = StateClosed
	s.stopping = false
	s.mu.Unlock()

	s.opts.Metrics.SessionStopped()
	if err != nil {
		s.logger.Error("session ended with send failure", zap.Error(err))
	} else {
		s.logger.Info("session ended", zap.Int("pending", s.queue.len()))
	}
	return err
}

func (s *Session) receiveLoop(ctx context.Context, t Transport) {
	pongWait := s.opts.PongWait
	_ = t.SetReadDeadline(time.Now().Add(pongWait))
	t.SetPongHandler(func(string) error {
		return t.SetReadDeadline(time.Now().Add(pongWait))
	})
	// Replying to the peer's close frame is done by Stop.
	t.SetCloseHandler(func(int, string) error { return nil })

	limit := int64(s.opts.MaxMessageSize)
	for {
		messageType, r, err := t.NextReader()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code != websocket.CloseAbnormalClosure {
				s.Stop(chatgate.CloseNormal, "")
			} else if !isAbrupt(err) {
				s.logger.Debug("read failed", zap.Error(err))
			}
			return
		}

		if messageType != websocket.TextMessage {
			s.Stop(chatgate.CloseInvalidMessageType, chatgate.ErrInvalidMessageType)
			return
		}

		data, err := io.ReadAll(io.LimitReader(r, limit+1))
		if err != nil {
			if !isAbrupt(err) {
				s.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		if int64(len(data)) > limit {
			s.Stop(chatgate.CloseMessageTooBig, chatgate.ErrMessageTooBig)
			return
		}
		_ = t.SetReadDeadline(time.Now().Add(pongWait))

		if s.limiter != nil && !s.limiter.Allow() {
			s.logger.Warn("inbound rate limit exceeded", zap.String("remote_addr", s.RemoteAddr()))
			s.Stop(chatgate.ClosePolicyViolation, chatgate.ErrRateLimited)
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			s.logger.Debug("invalid payload", zap.Error(err))
			s.Stop(chatgate.CloseInvalidPayloadData, chatgate.ErrInvalidPayload)
			return
		}

		s.opts.Metrics.PayloadReceived()
		s.opts.Bus.PayloadReceived.Publish(ctx, bus.PayloadReceived{Session: s, Envelope: env})
	}
}

func (s *Session) sendLoop(ctx context.Context, t Transport) error {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if payload, ok := s.queue.front(); ok {
			_ = t.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := t.WriteMessage(websocket.TextMessage, payload); err != nil {
				return s.sendFailed(err)
			}
			s.queue.drop()
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.queue.ready:
		case <-ticker.C:
			deadline := time.Now().Add(s.opts.WriteWait)
			if err := t.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return s.sendFailed(err)
			}
		}
	}
}

func (s *Session) sendFailed(err error) error {
	if isAbrupt(err) {
		return nil
	}
	s.Stop(chatgate.CloseInternalError, chatgate.ErrInternalError)
	return fmt.Errorf("send: %w", err)
}

// teardown discards the queue. The session can no longer receive payloads.
func (s *Session) teardown() {
	s.queue.close()
}

// release drops a claim taken by Registry.Resume when the resumed session
// will not run after all.
func (s *Session) release() {
	s.mu.Lock()
	s.claimed = false
	s.mu.Unlock()
}

// bound reports whether t is the currently bound transport.
func (s *Session) bound(t Transport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport == t
}
