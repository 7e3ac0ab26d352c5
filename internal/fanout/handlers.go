package fanout

import (
	"context"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/luciancaetano/chatgate"
	"github.com/luciancaetano/chatgate/internal/store"
)

var (
	ErrUnknownEvent = errors.New(chatgate.ErrUnknownEventType)
	ErrMissingField = errors.New("event data is missing a required field")
)

// Typing is the payload of TYPING_STARTED and TYPING_STOPPED.
type Typing struct {
	UserID string `json:"user_id"`
	RoomID string `json:"room_id"`
}

// PresenceChange is the payload of PRESENCE_UPDATED.
type PresenceChange struct {
	UserID   string            `json:"user_id"`
	Presence chatgate.Presence `json:"presence"`
}

// Routing fields read from raw domain events. The rest of the data is
// forwarded untouched.
type (
	banRef struct {
		UserID string `json:"user_id"`
	}
	roomRef struct {
		RoomID string `json:"room_id"`
	}
)

var (
	roomRule = Rule{Intents: chatgate.IntentRooms}
	userRule = Rule{Intents: chatgate.IntentUsers}
	// Holding PermissionBanUsers is not enough: moderators opt in through
	// the moderation intent.
	banRule = Rule{Intents: chatgate.IntentModeration}
)

// messageRule lets through viewers of the room and users allowed to manage
// messages anywhere.
func messageRule(roomID string) Rule {
	return Rule{
		Intents: chatgate.IntentMessages,
		Allow: func(_ chatgate.Session, v store.User) bool {
			return v.RoomID == roomID || v.Permissions.Has(chatgate.PermissionManageMessages)
		},
	}
}

// typingRule never echoes the indicator back to the typer's own sessions.
func typingRule(t Typing) Rule {
	return Rule{
		Intents: chatgate.IntentMessages,
		Allow: func(s chatgate.Session, v store.User) bool {
			if s.UserID() == t.UserID {
				return false
			}
			return v.RoomID == t.RoomID || v.Permissions.IsAdministrator()
		},
	}
}

// Handlers maps every domain event to its eligibility rule.
type Handlers struct {
	d        *Dispatcher
	sessions Sessions
}

func NewHandlers(d *Dispatcher) *Handlers {
	return &Handlers{d: d, sessions: d.sessions}
}

// Dispatcher returns the underlying dispatcher.
func (h *Handlers) Dispatcher() *Dispatcher {
	return h.d
}

// Handle routes a raw domain event to its handler.
func (h *Handlers) Handle(ctx context.Context, ev chatgate.Event) (Result, error) {
	switch ev.Type {
	case chatgate.EventBanCreated:
		var ref banRef
		if err := decodeRef(ev, &ref); err != nil {
			return Result{}, err
		}
		if ref.UserID == "" {
			return Result{}, fmt.Errorf("%s: user_id: %w", ev.Type, ErrMissingField)
		}
		return h.BanCreated(ctx, ref.UserID, ev.Data)
	case chatgate.EventBanRemoved:
		return h.d.Dispatch(ctx, ev.Type, ev.Data, banRule)
	case chatgate.EventRoomCreated, chatgate.EventRoomUpdated, chatgate.EventRoomRemoved:
		return h.d.Dispatch(ctx, ev.Type, ev.Data, roomRule)
	case chatgate.EventMessageCreated, chatgate.EventMessageUpdated, chatgate.EventMessageRemoved:
		var ref roomRef
		if err := decodeRef(ev, &ref); err != nil {
			return Result{}, err
		}
		if ref.RoomID == "" {
			return Result{}, fmt.Errorf("%s: room_id: %w", ev.Type, ErrMissingField)
		}
		return h.d.Dispatch(ctx, ev.Type, ev.Data, messageRule(ref.RoomID))
	case chatgate.EventUserUpdated:
		return h.d.Dispatch(ctx, ev.Type, ev.Data, userRule)
	case chatgate.EventPresenceUpdated:
		var p PresenceChange
		if err := decodeRef(ev, &p); err != nil {
			return Result{}, err
		}
		if p.UserID == "" || !p.Presence.Valid() {
			return Result{}, fmt.Errorf("%s: %w", ev.Type, ErrMissingField)
		}
		return h.PresenceUpdated(ctx, p.UserID, p.Presence)
	case chatgate.EventTypingStarted, chatgate.EventTypingStopped:
		var t Typing
		if err := decodeRef(ev, &t); err != nil {
			return Result{}, err
		}
		if t.UserID == "" || t.RoomID == "" {
			return Result{}, fmt.Errorf("%s: %w", ev.Type, ErrMissingField)
		}
		return h.Typing(ctx, ev.Type == chatgate.EventTypingStarted, t)
	}
	return Result{}, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
}

// Publish adapts Handle to the websocket.EventSink interface.
func (h *Handlers) Publish(ctx context.Context, ev chatgate.Event) error {
	_, err := h.Handle(ctx, ev)
	return err
}

// BanCreated notifies moderators and then closes every running session of
// the banned user.
func (h *Handlers) BanCreated(ctx context.Context, userID string, data any) (Result, error) {
	res, err := h.d.Dispatch(ctx, chatgate.EventBanCreated, data, banRule)
	if err != nil {
		return res, err
	}
	for _, s := range h.sessions.Snapshot() {
		if s.UserID() == userID && s.IsRunning() {
			h.d.logger.Info("closing session of banned user",
				zap.String("session_id", s.ID()),
				zap.String("user_id", userID),
			)
			s.Stop(chatgate.CloseBanned, chatgate.ErrBanned)
		}
	}
	return res, nil
}

func (h *Handlers) PresenceUpdated(ctx context.Context, userID string, p chatgate.Presence) (Result, error) {
	return h.d.Dispatch(ctx, chatgate.EventPresenceUpdated, PresenceChange{UserID: userID, Presence: p}, userRule)
}

// Typing fans a typing indicator out to the other viewers of t.RoomID.
func (h *Handlers) Typing(ctx context.Context, started bool, t Typing) (Result, error) {
	event := chatgate.EventTypingStopped
	if started {
		event = chatgate.EventTypingStarted
	}
	return h.d.Dispatch(ctx, event, t, typingRule(t))
}

func decodeRef(ev chatgate.Event, v any) error {
	if len(ev.Data) == 0 {
		return fmt.Errorf("%s: %w", ev.Type, ErrMissingField)
	}
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(ev.Data, v); err != nil {
		return fmt.Errorf("decode %s data: %w", ev.Type, err)
	}
	return nil
}
