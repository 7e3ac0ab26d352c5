// Package handshake lets browser clients, which cannot set arbitrary headers
// on a WebSocket upgrade, smuggle them inside a Sec-WebSocket-Protocol value.
//
// The client offers a sub-protocol of the form h_<base64url(json)> where the
// JSON document is an object of header name to header value. Extract decodes
// the first such value, sets the headers on the request and removes the value
// from the offered list.
package handshake

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/luciancaetano/chatgate"
)

const (
	protocolHeader = "Sec-Websocket-Protocol"

	// DefaultMaxDecodedSize bounds the decoded JSON document.
	DefaultMaxDecodedSize = 4096
)

var (
	ErrTooLarge      = errors.New("smuggled headers exceed size limit")
	ErrMalformed     = errors.New("smuggled headers are malformed")
	ErrNoHeaderValue = errors.New("no headers to encode")
)

// Options tunes extraction.
type Options struct {
	MaxDecodedSize int
}

// Result describes what Extract did to the request.
type Result struct {
	// Injected is the number of headers set on the request.
	Injected int
	// Refused is the number of smuggled headers dropped by Allowed.
	Refused int
	// Selected is the consumed marker value when it was the only protocol
	// offered. The upgrade response has to echo it or browsers abort.
	Selected string
	// Err is set when a marker was found but could not be decoded.
	Err error
}

// Extract consumes the first h_ sub-protocol offered on r. Decoding failures
// never abort the request: the marker is still removed and Result.Err is set.
func Extract(r *http.Request, opts Options) Result {
	offered := websocket.Subprotocols(r)
	if len(offered) == 0 {
		return Result{}
	}

	idx := -1
	for i, p := range offered {
		if strings.HasPrefix(p, chatgate.ProtocolHeaderPrefix) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Result{}
	}

	marker := offered[idx]
	remaining := make([]string, 0, len(offered)-1)
	remaining = append(remaining, offered[:idx]...)
	remaining = append(remaining, offered[idx+1:]...)
	if len(remaining) == 0 {
		r.Header.Del(protocolHeader)
	} else {
		r.Header.Set(protocolHeader, strings.Join(remaining, ", "))
	}

	res := Result{}
	if len(remaining) == 0 {
		res.Selected = marker
	}

	headers, err := decode(strings.TrimPrefix(marker, chatgate.ProtocolHeaderPrefix), opts.maxSize())
	if err != nil {
		res.Err = err
		return res
	}
	for name, value := range headers {
		if name == "" {
			continue
		}
		if !Allowed(name) {
			res.Refused++
			continue
		}
		r.Header.Set(name, value)
		res.Injected++
	}
	return res
}

// reserved headers are owned by the transport or by proxies in front of the
// gateway. Origin in particular is what CheckOrigin validates.
var reserved = map[string]bool{
	"Host":                true,
	"Origin":              true,
	"Connection":          true,
	"Upgrade":             true,
	"Keep-Alive":          true,
	"Proxy-Connection":    true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Content-Length":      true,
	"Forwarded":           true,
	"X-Real-Ip":           true,
	"Cookie":              true,
}

// Allowed reports whether a smuggled header name may be set on the request.
func Allowed(name string) bool {
	name = http.CanonicalHeaderKey(strings.TrimSpace(name))
	if name == "" || reserved[name] {
		return false
	}
	return !strings.HasPrefix(name, "Sec-Websocket-") && !strings.HasPrefix(name, "X-Forwarded-")
}

// ResponseHeader returns the header to pass to Upgrader.Upgrade so the
// selected marker is echoed back. It returns nil when nothing was selected.
func ResponseHeader(res Result) http.Header {
	if res.Selected == "" {
		return nil
	}
	h := http.Header{}
	h.Set(protocolHeader, res.Selected)
	return h
}

// Encode builds the sub-protocol value carrying headers.
func Encode(headers map[string]string) (string, error) {
	if len(headers) == 0 {
		return "", ErrNoHeaderValue
	}
	doc, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(headers)
	if err != nil {
		return "", fmt.Errorf("encode headers: %w", err)
	}
	return chatgate.ProtocolHeaderPrefix + base64.RawURLEncoding.EncodeToString(doc), nil
}

func decode(encoded string, maxSize int) (map[string]string, error) {
	trimmed := strings.TrimRight(encoded, "=")
	if base64.RawURLEncoding.DecodedLen(len(trimmed)) > maxSize {
		return nil, ErrTooLarge
	}
	doc, err := base64.RawURLEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var headers map[string]string
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(doc, &headers); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if headers == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformed)
	}
	return headers, nil
}

func (o Options) maxSize() int {
	if o.MaxDecodedSize <= 0 {
		return DefaultMaxDecodedSize
	}
	return o.MaxDecodedSize
}
