// Package store persists the per-user state the gateway needs: presence, the
// room a user is viewing and the permission mask used by eligibility checks.
//
// Writes are optimistic. SaveUser only succeeds when the caller read the
// latest version; otherwise it returns ErrConflict and the caller re-reads.
package store

import (
	"context"
	"errors"

	"github.com/luciancaetano/chatgate"
)

var (
	ErrNotFound = errors.New("user not found")
	ErrConflict = errors.New("user was modified concurrently")
)

// User is the persisted view of a user.
type User struct {
	ID          string               `json:"id"`
	Name        string               `json:"name,omitempty"`
	Presence    chatgate.Presence    `json:"presence"`
	RoomID      string               `json:"room_id,omitempty"`
	Permissions chatgate.Permissions `json:"permissions"`
	Version     int64                `json:"-"`
}

// Store is implemented by Memory, Redis and Postgres.
type Store interface {
	// User loads one user. Missing users return ErrNotFound.
	User(ctx context.Context, id string) (User, error)
	// Users loads many users in one round trip. Missing ids are absent from
	// the result.
	Users(ctx context.Context, ids []string) (map[string]User, error)
	// SaveUser writes u if u.Version matches the stored version (0 for a new
	// user) and returns it with the incremented version.
	SaveUser(ctx context.Context, u User) (User, error)
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
