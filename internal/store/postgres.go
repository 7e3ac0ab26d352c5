package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/luciancaetano/chatgate"
)

const schema = `
CREATE TABLE IF NOT EXISTS chat_users (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	presence    TEXT NOT NULL DEFAULT 'offline',
	room_id     TEXT NOT NULL DEFAULT '',
	permissions BIGINT NOT NULL DEFAULT 0,
	version     BIGINT NOT NULL DEFAULT 1
)`

// Postgres stores users in the chat_users table, guarding writes with the
// version column.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects a pool to dsn.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Migrate creates the users table if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) User(ctx context.Context, id string) (User, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, name, presence, room_id, permissions, version FROM chat_users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("load user %s: %w", id, err)
	}
	return u, nil
}

func (p *Postgres) Users(ctx context.Context, ids []string) (map[string]User, error) {
	ids = uniqueIDs(ids)
	out := make(map[string]User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id, name, presence, room_id, permissions, version FROM chat_users WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	return out, nil
}

func (p *Postgres) SaveUser(ctx context.Context, u User) (User, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	if u.Version == 0 {
		tag, err = p.pool.Exec(ctx,
			`INSERT INTO chat_users (id, name, presence, room_id, permissions, version)
			 VALUES ($1, $2, $3, $4, $5, 1)
			 ON CONFLICT (id) DO NOTHING`,
			u.ID, u.Name, string(u.Presence), u.RoomID, int64(u.Permissions))
	} else {
		tag, err = p.pool.Exec(ctx,
			`UPDATE chat_users
			 SET name = $2, presence = $3, room_id = $4, permissions = $5, version = version + 1
			 WHERE id = $1 AND version = $6`,
			u.ID, u.Name, string(u.Presence), u.RoomID, int64(u.Permissions), u.Version)
	}
	if err != nil {
		return User{}, fmt.Errorf("save user %s: %w", u.ID, err)
	}
	if tag.RowsAffected() != 1 {
		return User{}, ErrConflict
	}
	u.Version++
	return u, nil
}

func scanUser(row pgx.Row) (User, error) {
	var (
		u        User
		presence string
		perms    int64
	)
	if err := row.Scan(&u.ID, &u.Name, &presence, &u.RoomID, &perms, &u.Version); err != nil {
		return User{}, err
	}
	u.Presence = chatgate.Presence(presence)
	u.Permissions = chatgate.Permissions(perms)
	return u, nil
}
