package chatgate

import (
	"context"
	"encoding/json"
	"net/http"
)

// Gateway defines the interface for the real-time chat gateway.
//
// A gateway accepts WebSocket upgrades, keeps resumable per-user sessions and
// fans out domain events to the sessions entitled to see them.
//
// Example usage:
//
//	import "github.com/luciancaetano/chatgate/ws"
//
//	gw, err := ws.New(ws.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	if err := gw.Start(ctx); err != nil {
//	    return err
//	}
//	defer gw.Stop(context.Background())
//
//	// Announce a new message to everyone in the room
//	gw.Publish(ctx, chatgate.Event{Type: chatgate.EventMessageCreated, Data: data})
type Gateway interface {
	// Start starts the HTTP server hosting the gateway endpoint and the
	// background expiry sweep.
	//
	// Returns an error if the gateway is already running or if there's a
	// problem binding to the network address.
	Start(ctx context.Context) error

	// Stop closes every running session with "going away", tears down all
	// outbound queues and shuts the HTTP server down.
	Stop(ctx context.Context) error

	// Publish fans a domain event out to every eligible session.
	//
	// Delivery failures for individual sessions are isolated and never
	// returned; an error means the event itself could not be handled
	// (unknown type or malformed data).
	Publish(ctx context.Context, event Event) error

	// Handler returns the HTTP handler serving the gateway routes. Useful for
	// embedding the gateway into an existing server or an httptest.Server.
	Handler() http.Handler
}

// Session represents one resumable logical connection for a user.
//
// The session outlives individual sockets: a client that reconnects with the
// same session id before it expires gets the same Session back, including any
// payloads that were queued while it was away.
type Session interface {
	// ID returns the opaque session token. It is stable across reconnects.
	ID() string

	// UserID returns the owning user's identifier.
	UserID() string

	// Intents returns the interest bitmask chosen by the client at connect time.
	Intents() Intents

	// Enqueue appends a serialized payload to the outbound queue.
	//
	// Enqueue never blocks. It fails once the session has been removed from
	// its registry or when the queue exceeds its configured limit.
	Enqueue(payload []byte) error

	// Stop closes the bound transport with the given WebSocket close code.
	// It is a no-op when the session is not running.
	Stop(code int, reason string)

	// IsRunning returns true while both loops of the session are active.
	IsRunning() bool

	// RemoteAddr returns the remote address of the bound transport, or an
	// empty string when none is bound.
	RemoteAddr() string
}

// Event is a domain event produced outside the gateway (REST handlers,
// moderation tools) that must be fanned out to connected sessions.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Hello is the data of the one-time hello envelope a session receives on
// its first successful connect.
type Hello struct {
	SessionID   string      `json:"session_id"`
	UserID      string      `json:"user_id"`
	Name        string      `json:"name,omitempty"`
	RoomID      string      `json:"room_id,omitempty"`
	Permissions Permissions `json:"permissions"`
	Presence    Presence    `json:"presence"`
	Intents     Intents     `json:"intents"`
	// HeartbeatInterval is the server ping period in milliseconds.
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}
