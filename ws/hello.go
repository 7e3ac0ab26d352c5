package ws

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/luciancaetano/chatgate"
	"github.com/luciancaetano/chatgate/internal/bus"
	"github.com/luciancaetano/chatgate/internal/protocol"
	"github.com/luciancaetano/chatgate/internal/store"
)

// sendHello queues the one-time hello of a new session. Presence has already
// been persisted by the time Ready is published, so the stored snapshot is
// authoritative; the requested presence only fills in when the store has no
// record yet.
func (g *Gateway) sendHello(ctx context.Context, r bus.Ready) {
	hello := chatgate.Hello{
		SessionID:         r.Session.ID(),
		UserID:            r.Session.UserID(),
		Presence:          r.Presence,
		Intents:           r.Session.Intents(),
		HeartbeatInterval: g.registry.Options().PingInterval.Milliseconds(),
	}

	u, err := g.store.User(ctx, r.Session.UserID())
	switch {
	case err == nil:
		hello.Name = u.Name
		hello.RoomID = u.RoomID
		hello.Permissions = u.Permissions
		if u.Presence.Valid() {
			hello.Presence = u.Presence
		}
	case !errors.Is(err, store.ErrNotFound):
		g.logger.Warn("hello without user snapshot", zap.String("user_id", r.Session.UserID()), zap.Error(err))
	}

	env, err := protocol.NewHello(hello)
	if err == nil {
		var payload []byte
		if payload, err = protocol.Encode(env); err == nil {
			err = r.Session.Enqueue(payload)
		}
	}
	if err != nil {
		g.logger.Warn("hello not sent", zap.String("session_id", r.Session.ID()), zap.Error(err))
	}
}
