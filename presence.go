package chatgate

import (
	"fmt"
	"strings"
)

// Presence is the externally visible status of a user.
type Presence string

const (
	PresenceOffline Presence = "offline"
	PresenceOnline  Presence = "online"
	PresenceAway    Presence = "away"
	PresenceBusy    Presence = "busy"
)

// Valid reports whether p is one of the known values.
func (p Presence) Valid() bool {
	switch p {
	case PresenceOffline, PresenceOnline, PresenceAway, PresenceBusy:
		return true
	}
	return false
}

// ParsePresence parses a presence requested by a client. An empty value means
// online.
func ParsePresence(s string) (Presence, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PresenceOnline, nil
	}
	p := Presence(s)
	if !p.Valid() {
		return "", fmt.Errorf("%s: %q", ErrInvalidPresence, s)
	}
	return p, nil
}
