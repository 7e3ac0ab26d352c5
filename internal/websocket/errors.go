package websocket

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/gorilla/websocket"
)

var (
	ErrSessionRunning       = errors.New("session is already running")
	ErrTransportNotOpen     = errors.New("no open transport bound to session")
	ErrQueueClosed          = errors.New("outbound queue has been torn down")
	ErrQueueOverflow        = errors.New("outbound queue limit exceeded")
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionOwner         = errors.New("session belongs to another user")
	ErrSessionExpired       = errors.New("session resumption window has passed")
	ErrServerAlreadyRunning = errors.New("server is already running")
)

// isAbrupt reports whether err means the peer went away rather than that
// something is wrong on our side.
func isAbrupt(err error) bool {
	if err == nil {
		return false
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
