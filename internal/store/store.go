// Package store persists relay messages. Store is backed by Postgres; Memory
// is a drop-in for development and tests.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Message is a stored chat message.
type Message struct {
	ID             int64
	Channel        string
	Author         string
	Body           string
	SentAt         time.Time
	IdempotencyKey string
}

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS chat_messages (
	id              BIGSERIAL PRIMARY KEY,
	channel         TEXT NOT NULL,
	author          TEXT NOT NULL,
	body            TEXT NOT NULL,
	sent_at         TIMESTAMPTZ NOT NULL,
	idempotency_key TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS chat_messages_idempotency
	ON chat_messages (author, idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS chat_messages_channel_sent_at
	ON chat_messages (channel, sent_at);
`

// EnsureSchema creates the messages table and its indexes if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Append stores m. When m carries an idempotency key already used by the
// same author, nothing is written and the original row is returned with
// created false.
func (s *Store) Append(ctx context.Context, m Message) (Message, bool, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO chat_messages (channel, author, body, sent_at, idempotency_key)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))
		ON CONFLICT (author, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		RETURNING id`,
		m.Channel, m.Author, m.Body, m.SentAt, m.IdempotencyKey,
	).Scan(&m.ID)
	if err == nil {
		return m, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Message{}, false, fmt.Errorf("insert message: %w", err)
	}

	var existing Message
	err = s.pool.QueryRow(ctx, `
		SELECT id, channel, author, body, sent_at, idempotency_key
		FROM chat_messages
		WHERE author = $1 AND idempotency_key = $2`,
		m.Author, m.IdempotencyKey,
	).Scan(&existing.ID, &existing.Channel, &existing.Author, &existing.Body, &existing.SentAt, &existing.IdempotencyKey)
	if err != nil {
		return Message{}, false, fmt.Errorf("load duplicate message: %w", err)
	}
	return existing, false, nil
}

// Recent returns the newest limit messages of channel, oldest first.
func (s *Store) Recent(ctx context.Context, channel string, limit int) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, channel, author, body, sent_at, COALESCE(idempotency_key, '')
		FROM (
			SELECT * FROM chat_messages
			WHERE channel = $1
			ORDER BY sent_at DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY sent_at, id`,
		channel, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Channel, &m.Author, &m.Body, &m.SentAt, &m.IdempotencyKey); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}
