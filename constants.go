package chatgate

// Operation values of the wire envelope.
const (
	// OpDispatch carries a server event or a client action
	OpDispatch = 0
	// OpHello is sent once per session lifetime, on the first successful connect
	OpHello = 1
)

// Dispatch event names (server -> client).
const (
	EventBanCreated      = "BAN_CREATED"
	EventBanRemoved      = "BAN_REMOVED"
	EventRoomCreated     = "ROOM_CREATED"
	EventRoomUpdated     = "ROOM_UPDATED"
	EventRoomRemoved     = "ROOM_REMOVED"
	EventMessageCreated  = "MESSAGE_CREATED"
	EventMessageUpdated  = "MESSAGE_UPDATED"
	EventMessageRemoved  = "MESSAGE_REMOVED"
	EventUserUpdated     = "USER_UPDATED"
	EventPresenceUpdated = "PRESENCE_UPDATED"
	EventTypingStarted   = "TYPING_STARTED"
	EventTypingStopped   = "TYPING_STOPPED"
)

// Inbound action names (client -> server).
const (
	ActionUpdatePresence = "UPDATE_PRESENCE"
	ActionStartTyping    = "START_TYPING"
	ActionStopTyping     = "STOP_TYPING"
)

// Handshake metadata. Browsers can't set these on an upgrade request, so they
// may also travel inside a sub-protocol value prefixed with ProtocolHeaderPrefix.
const (
	HeaderSessionID     = "X-Session-Id"
	HeaderIntents       = "X-Intents"
	HeaderPresence      = "X-Presence"
	HeaderAuthorization = "Authorization"
	HeaderUserID        = "X-User-Id"

	ProtocolHeaderPrefix = "h_"
)

// WebSocket close codes used by the gateway.
const (
	CloseNormal             = 1000
	CloseGoingAway          = 1001
	CloseInvalidMessageType = 1003
	CloseInvalidPayloadData = 1007
	ClosePolicyViolation    = 1008
	CloseMessageTooBig      = 1009
	CloseInternalError      = 1011
	CloseTryAgainLater      = 1013
	// CloseBanned is sent to every session of a user that just got banned
	CloseBanned = 4003
)

// MaxMessageSize is the default cap for a single inbound message.
const MaxMessageSize = 4096

// Standard error messages
const (
	// Protocol errors
	ErrInvalidMessageType = "binary messages are not supported"
	ErrMessageTooBig      = "message too big"
	ErrInvalidPayload     = "invalid payload data"
	ErrRateLimited        = "rate limit exceeded"
	ErrQueueOverflow      = "outbound queue overflow"
	ErrBanned             = "banned"

	// Connection errors
	ErrUnauthorized     = "unauthorized"
	ErrTooManyRequests  = "too many connection attempts"
	ErrInvalidIntents   = "invalid intents"
	ErrInvalidPresence  = "invalid presence"
	ErrSessionRejected  = "session cannot be resumed"
	ErrGatewayShutdown  = "gateway shutting down"
	ErrFailedToUpgrade  = "failed to upgrade connection"
	ErrInternalError    = "internal error"
	ErrUnknownEventType = "unknown event type"
)
