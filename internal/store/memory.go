package store

import (
	"context"
	"sync"
)

// Memory is an in-process Store for development and tests.
type Memory struct {
	mu    sync.RWMutex
	users map[string]User
}

func NewMemory() *Memory {
	return &Memory{users: make(map[string]User)}
}

// Put seeds or overwrites a user without a version check. The stored version
// is bumped so pending optimistic writers observe a conflict.
func (m *Memory) Put(u User) User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.users[u.ID]; ok {
		u.Version = cur.Version + 1
	} else {
		u.Version = 1
	}
	m.users[u.ID] = u
	return u
}

func (m *Memory) User(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *Memory) Users(ctx context.Context, ids []string) (map[string]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]User, len(ids))
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

func (m *Memory) SaveUser(ctx context.Context, u User) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.users[u.ID]
	switch {
	case ok && cur.Version != u.Version:
		return User{}, ErrConflict
	case !ok && u.Version != 0:
		return User{}, ErrConflict
	}
	u.Version++
	m.users[u.ID] = u
	return u, nil
}
