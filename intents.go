package chatgate

import (
	"fmt"
	"strconv"
	"strings"
)

// Intents is the interest bitmask a client declares at connect time. A session
// only receives dispatches whose required flags intersect its intents.
type Intents uint32

const (
	IntentUsers Intents = 1 << iota
	IntentRooms
	IntentMessages
	IntentModeration

	IntentsNone Intents = 0
	IntentsAll          = IntentUsers | IntentRooms | IntentMessages | IntentModeration
)

// Has reports whether i intersects flags.
func (i Intents) Has(flags Intents) bool {
	return i&flags != 0
}

func (i Intents) String() string {
	if i == IntentsNone {
		return "none"
	}
	names := make([]string, 0, 4)
	for _, f := range []struct {
		flag Intents
		name string
	}{
		{IntentUsers, "users"},
		{IntentRooms, "rooms"},
		{IntentMessages, "messages"},
		{IntentModeration, "moderation"},
	} {
		if i&f.flag != 0 {
			names = append(names, f.name)
		}
	}
	return strings.Join(names, "|")
}

// ParseIntents parses the decimal form sent in the X-Intents header. An empty
// value means no intents.
func ParseIntents(s string) (Intents, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return IntentsNone, nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return IntentsNone, fmt.Errorf("%s: %w", ErrInvalidIntents, err)
	}
	i := Intents(v)
	if i&^IntentsAll != 0 {
		return IntentsNone, fmt.Errorf("%s: unknown bits %#x", ErrInvalidIntents, uint32(i&^IntentsAll))
	}
	return i, nil
}
