// Package chatgate provides a real-time gateway for a chat service: it keeps
// resumable WebSocket sessions per user, tracks their presence and fans
// domain events (messages, rooms, bans, typing) out to the sessions allowed
// to see them.
//
// This package holds the shared vocabulary (intents, permissions, presence,
// wire constants). The gateway itself is assembled by package ws, and package
// client is a Go client for it.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/chatgate"
//	    "github.com/luciancaetano/chatgate/ws"
//	)
//
//	opts := ws.DefaultOptions()
//	opts.Authenticator = ws.JWTAuthenticator(secret, 30*time.Second)
//	gw, err := ws.New(opts)
//	if err != nil {
//	    return err
//	}
//	if err := gw.Start(ctx); err != nil {
//	    return err
//	}
//	defer gw.Stop(context.Background())
//
//	// From a REST handler, after persisting a message:
//	gw.Publish(ctx, chatgate.Event{Type: chatgate.EventMessageCreated, Data: data})
//
// # Protocol Format
//
// Every message is a UTF-8 JSON text frame:
//
//	{"operation": 0, "event": "MESSAGE_CREATED", "data": {...}}
//
// Operation 0 is a dispatch: a server event, or a client action such as
// UPDATE_PRESENCE, START_TYPING and STOP_TYPING. Operation 1 is the hello,
// sent once per session with the session id and a snapshot of the user.
//
// Binary frames close the session with 1003, messages above 4096 bytes with
// 1009 and malformed JSON with 1007.
//
// # Connecting
//
// A client chooses what it receives with the X-Intents header (users=1,
// rooms=2, messages=4, moderation=8) and its initial presence with
// X-Presence. Browsers cannot set headers on an upgrade, so the same values
// can be sent as a single sub-protocol:
//
//	h_<base64url({"X-Intents":"6","Authorization":"Bearer ..."})>
//
// Reconnecting with X-Session-Id within the expiry window (60s by default)
// resumes the session, including every payload queued while it was away.
//
// # Rate Limiting
//
// Connection attempts are limited per user id, or per client IP when
// authentication fails (HTTP 429). Inbound messages are limited per session;
// exceeding the limit closes it with 1008.
//
//	opts.RateLimit = ws.DefaultRateLimitConfig() // 20 msgs/s, burst 40
//	opts.RateLimit = ws.NoRateLimit()
//
// # Important
//
//   - Configure CheckOrigin in production (never use ws.AllOrigins() in production)
//   - The default Authenticator trusts X-User-Id and is meant for development only
//   - Sessions of a banned user are closed with 4003 when BAN_CREATED is published
package chatgate
