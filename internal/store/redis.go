package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/luciancaetano/chatgate"
)

const (
	defaultKeyPrefix = "chatgate:user:"

	fieldName        = "name"
	fieldPresence    = "presence"
	fieldRoom        = "room_id"
	fieldPermissions = "permissions"
	fieldVersion     = "version"
)

// Redis stores each user as a hash. SaveUser uses WATCH/MULTI so a concurrent
// writer aborts the transaction and surfaces as ErrConflict.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client, prefix: defaultKeyPrefix}
}

func (r *Redis) key(id string) string {
	return r.prefix + id
}

func (r *Redis) User(ctx context.Context, id string) (User, error) {
	vals, err := r.client.HGetAll(ctx, r.key(id)).Result()
	if err != nil {
		return User{}, fmt.Errorf("load user %s: %w", id, err)
	}
	if len(vals) == 0 {
		return User{}, ErrNotFound
	}
	return userFromHash(id, vals)
}

func (r *Redis) Users(ctx context.Context, ids []string) (map[string]User, error) {
	ids = uniqueIDs(ids)
	out := make(map[string]User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, r.key(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}

	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue
		}
		u, err := userFromHash(ids[i], vals)
		if err != nil {
			return nil, err
		}
		out[ids[i]] = u
	}
	return out, nil
}

func (r *Redis) SaveUser(ctx context.Context, u User) (User, error) {
	key := r.key(u.ID)
	saved := u
	saved.Version = u.Version + 1

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, key, fieldVersion).Int64()
		switch {
		case errors.Is(err, redis.Nil):
			cur = 0
		case err != nil:
			return err
		}
		if cur != u.Version {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key,
				fieldName, saved.Name,
				fieldPresence, string(saved.Presence),
				fieldRoom, saved.RoomID,
				fieldPermissions, uint32(saved.Permissions),
				fieldVersion, saved.Version,
			)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return saved, nil
	case errors.Is(err, ErrConflict), errors.Is(err, redis.TxFailedErr):
		return User{}, ErrConflict
	default:
		return User{}, fmt.Errorf("save user %s: %w", u.ID, err)
	}
}

func userFromHash(id string, vals map[string]string) (User, error) {
	u := User{
		ID:       id,
		Name:     vals[fieldName],
		Presence: chatgate.Presence(vals[fieldPresence]),
		RoomID:   vals[fieldRoom],
	}
	if v := vals[fieldPermissions]; v != "" {
		p, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return User{}, fmt.Errorf("user %s: bad permissions %q: %w", id, v, err)
		}
		u.Permissions = chatgate.Permissions(p)
	}
	if v := vals[fieldVersion]; v != "" {
		ver, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return User{}, fmt.Errorf("user %s: bad version %q: %w", id, v, err)
		}
		u.Version = ver
	}
	return u, nil
}
