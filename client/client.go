// Package client is a Go client for the chat gateway.
//
// Dial sends the connection metadata the way browsers have to: encoded in a
// single h_ sub-protocol value. Set Options.UseHeaders to send real HTTP
// headers instead.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luciancaetano/chatgate"
	"github.com/luciancaetano/chatgate/internal/handshake"
	"github.com/luciancaetano/chatgate/internal/protocol"
)

// Envelope is a decoded wire message.
type Envelope = protocol.Envelope

// ErrClosed wraps the close frame received from the gateway.
var ErrClosed = errors.New("connection closed")

type Options struct {
	// Token is sent as "Authorization: Bearer <Token>".
	Token string
	// UserID is sent as X-User-Id for gateways using header authentication.
	UserID string
	// SessionID resumes an existing session.
	SessionID string
	Intents   chatgate.Intents
	Presence  chatgate.Presence
	// Headers are extra metadata sent alongside the fields above.
	Headers map[string]string
	// UseHeaders sends the metadata as HTTP headers instead of a
	// sub-protocol.
	UseHeaders bool
	Dialer     *websocket.Dialer
}

func (o Options) metadata() map[string]string {
	md := make(map[string]string, len(o.Headers)+5)
	for k, v := range o.Headers {
		md[k] = v
	}
	if o.Token != "" {
		md[chatgate.HeaderAuthorization] = "Bearer " + o.Token
	}
	if o.UserID != "" {
		md[chatgate.HeaderUserID] = o.UserID
	}
	if o.SessionID != "" {
		md[chatgate.HeaderSessionID] = o.SessionID
	}
	if o.Intents != chatgate.IntentsNone {
		md[chatgate.HeaderIntents] = strconv.FormatUint(uint64(o.Intents), 10)
	}
	if o.Presence != "" {
		md[chatgate.HeaderPresence] = string(o.Presence)
	}
	return md
}

// Conn is a client connection. Reads must come from a single goroutine;
// writes are serialized internally.
type Conn struct {
	conn *websocket.Conn
	wmu  sync.Mutex

	mu        sync.Mutex
	sessionID string
}

// Dial connects to the gateway at url (ws:// or wss://). The response is
// returned on handshake failures so callers can inspect the status code.
func Dial(ctx context.Context, url string, opts Options) (*Conn, *http.Response, error) {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	d := *dialer

	header := http.Header{}
	md := opts.metadata()
	if opts.UseHeaders {
		for k, v := range md {
			header.Set(k, v)
		}
	} else if len(md) > 0 {
		marker, err := handshake.Encode(md)
		if err != nil {
			return nil, nil, err
		}
		d.Subprotocols = append([]string{marker}, d.Subprotocols...)
	}

	conn, resp, err := d.DialContext(ctx, url, header)
	if err != nil {
		return nil, resp, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Conn{conn: conn, sessionID: opts.SessionID}, resp, nil
}

// SessionID returns the id announced in the hello, or the id the connection
// resumed.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// ReadEnvelope reads the next message. ctx bounds the read through the
// connection's read deadline.
func (c *Conn) ReadEnvelope(ctx context.Context) (Envelope, error) {
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return Envelope{}, err
	}

	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return Envelope{}, fmt.Errorf("%w: %w", ErrClosed, err)
		}
		return Envelope{}, err
	}
	if mt != websocket.TextMessage {
		return Envelope{}, fmt.Errorf("unexpected message type %d", mt)
	}
	env, err := protocol.Decode(data)
	if err != nil {
		return Envelope{}, err
	}
	if env.Operation == protocol.Hello {
		var h chatgate.Hello
		if err := protocol.DecodeData(env, &h); err == nil && h.SessionID != "" {
			c.mu.Lock()
			c.sessionID = h.SessionID
			c.mu.Unlock()
		}
	}
	return env, nil
}

// Hello waits for the hello envelope, skipping any dispatch queued before it.
func (c *Conn) Hello(ctx context.Context) (chatgate.Hello, error) {
	for {
		env, err := c.ReadEnvelope(ctx)
		if err != nil {
			return chatgate.Hello{}, err
		}
		if env.Operation != protocol.Hello {
			continue
		}
		var h chatgate.Hello
		if err := protocol.DecodeData(env, &h); err != nil {
			return chatgate.Hello{}, err
		}
		return h, nil
	}
}

// Next reads until a dispatch arrives.
func (c *Conn) Next(ctx context.Context) (Envelope, error) {
	for {
		env, err := c.ReadEnvelope(ctx)
		if err != nil {
			return Envelope{}, err
		}
		if env.Operation == protocol.Dispatch {
			return env, nil
		}
	}
}

// WriteEnvelope sends env as a text frame.
func (c *Conn) WriteEnvelope(env Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Send dispatches an inbound action such as UPDATE_PRESENCE.
func (c *Conn) Send(action string, data any) error {
	env, err := protocol.NewDispatch(action, data)
	if err != nil {
		return err
	}
	return c.WriteEnvelope(env)
}

// UpdatePresence asks the gateway to persist p for the current user.
func (c *Conn) UpdatePresence(p chatgate.Presence) error {
	return c.Send(chatgate.ActionUpdatePresence, map[string]chatgate.Presence{"presence": p})
}

// Typing starts or stops the typing indicator in roomID. An empty roomID
// lets the gateway use the room the user is currently viewing.
func (c *Conn) Typing(started bool, roomID string) error {
	action := chatgate.ActionStopTyping
	if started {
		action = chatgate.ActionStartTyping
	}
	data := map[string]string{}
	if roomID != "" {
		data["room_id"] = roomID
	}
	return c.Send(action, data)
}

// Close sends a normal closure and closes the socket.
func (c *Conn) Close() error {
	c.wmu.Lock()
	msg := websocket.FormatCloseMessage(chatgate.CloseNormal, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.conn.Close()
}

// Raw exposes the underlying connection.
func (c *Conn) Raw() *websocket.Conn {
	return c.conn
}
