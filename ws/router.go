package ws

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/luciancaetano/chatgate"
	"github.com/luciancaetano/chatgate/internal/bus"
	"github.com/luciancaetano/chatgate/internal/fanout"
	"github.com/luciancaetano/chatgate/internal/presence"
	"github.com/luciancaetano/chatgate/internal/protocol"
	"github.com/luciancaetano/chatgate/internal/store"
)

type presencePayload struct {
	Presence string `json:"presence"`
}

type typingPayload struct {
	RoomID string `json:"room_id"`
}

// router handles client actions arriving as dispatch envelopes.
type router struct {
	store    store.Store
	presence *presence.Coordinator
	events   *fanout.Handlers
	logger   *zap.Logger
}

func newRouter(st store.Store, p *presence.Coordinator, events *fanout.Handlers, logger *zap.Logger) *router {
	return &router{
		store:    st,
		presence: p,
		events:   events,
		logger:   logger.With(zap.String("component", "router")),
	}
}

// handle runs on the session's receive loop, so actions of one session are
// processed in arrival order. Bad actions are dropped without closing the
// session.
func (r *router) handle(ctx context.Context, m bus.PayloadReceived) {
	env := m.Envelope
	if env.Operation != protocol.Dispatch {
		return
	}
	log := r.logger.With(
		zap.String("session_id", m.Session.ID()),
		zap.String("user_id", m.Session.UserID()),
		zap.String("action", env.Event),
	)

	var err error
	switch env.Event {
	case chatgate.ActionUpdatePresence:
		err = r.updatePresence(ctx, m.Session, env)
	case chatgate.ActionStartTyping, chatgate.ActionStopTyping:
		err = r.typing(ctx, m.Session, env)
	default:
		log.Debug("ignoring unknown action")
		return
	}
	if err != nil {
		log.Debug("action failed", zap.Error(err))
	}
}

func (r *router) updatePresence(ctx context.Context, s chatgate.Session, env protocol.Envelope) error {
	var p presencePayload
	if err := protocol.DecodeData(env, &p); err != nil {
		return err
	}
	if p.Presence == "" {
		return errors.New(chatgate.ErrInvalidPresence)
	}
	status, err := chatgate.ParsePresence(p.Presence)
	if err != nil {
		return err
	}
	return r.presence.Update(ctx, s.UserID(), status)
}

func (r *router) typing(ctx context.Context, s chatgate.Session, env protocol.Envelope) error {
	var p typingPayload
	if len(env.Data) > 0 {
		if err := protocol.DecodeData(env, &p); err != nil {
			return err
		}
	}
	if p.RoomID == "" {
		u, err := r.store.User(ctx, s.UserID())
		if err != nil {
			return err
		}
		p.RoomID = u.RoomID
	}
	if p.RoomID == "" {
		return errors.New("typing outside of a room")
	}
	_, err := r.events.Typing(ctx, env.Event == chatgate.ActionStartTyping, fanout.Typing{
		UserID: s.UserID(),
		RoomID: p.RoomID,
	})
	return err
}
