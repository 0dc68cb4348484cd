// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/jeranaias/fern/internal/model"
)

// =============================================================================
// POSTGRES STORE
// =============================================================================

const postgresSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id            TEXT PRIMARY KEY,
	title         TEXT NOT NULL,
	pinned        BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	system_prompt TEXT NOT NULL DEFAULT '',
	temperature   DOUBLE PRECISION,
	top_p         DOUBLE PRECISION,
	messages      JSONB NOT NULL DEFAULT '[]'::jsonb
);
CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at DESC);
`

// PostgresStore persists conversations in PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// OpenPostgres connects to databaseURL and ensures the schema exists.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse database config")
	}
	config.MaxConns = 10
	config.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, errors.Wrap(err, "create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "initialize schema")
	}
	return &PostgresStore{pool: pool, now: time.Now}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, req NewConversation) (*model.Conversation, error) {
	conv := req.Build(s.now())
	msgs, err := json.Marshal(conv.Messages)
	if err != nil {
		return nil, errors.Wrap(err, "encode messages")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO conversations (id, title, pinned, created_at, updated_at, system_prompt, temperature, top_p, messages)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		conv.ID, conv.Title, conv.Pinned, conv.CreatedAt, conv.UpdatedAt,
		conv.SystemPrompt, conv.Temperature, conv.TopP, msgs)
	if err != nil {
		return nil, errors.Wrapf(err, "insert conversation %s", conv.ID)
	}
	return conv, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (*model.Conversation, error) {
	return scanConversation(s.pool.QueryRow(ctx, selectConversation+` WHERE id = $1`, id), id)
}

// Patch implements Store. The row is locked for the read-modify-write.
func (s *PostgresStore) Patch(ctx context.Context, id string, p Patch) (*model.Conversation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback(ctx)

	conv, err := scanConversation(tx.QueryRow(ctx, selectConversation+` WHERE id = $1 FOR UPDATE`, id), id)
	if err != nil {
		return nil, err
	}
	p.Apply(conv, s.now())

	msgs, err := json.Marshal(conv.Messages)
	if err != nil {
		return nil, errors.Wrap(err, "encode messages")
	}
	_, err = tx.Exec(ctx, `
		UPDATE conversations
		SET title = $2, pinned = $3, updated_at = $4, system_prompt = $5, temperature = $6, top_p = $7, messages = $8
		WHERE id = $1`,
		id, conv.Title, conv.Pinned, conv.UpdatedAt, conv.SystemPrompt, conv.Temperature, conv.TopP, msgs)
	if err != nil {
		return nil, errors.Wrapf(err, "update conversation %s", id)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit transaction")
	}
	return conv, nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id); err != nil {
		return errors.Wrapf(err, "delete conversation %s", id)
	}
	return nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context) ([]model.Summary, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, title, pinned, updated_at FROM conversations`)
	if err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}
	defer rows.Close()

	items := []model.Summary{}
	for rows.Next() {
		var sum model.Summary
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.Pinned, &sum.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan conversation")
		}
		items = append(items, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate conversations")
	}
	SortSummaries(items)
	return items, nil
}

const selectConversation = `
	SELECT id, title, pinned, created_at, updated_at, system_prompt, temperature, top_p, messages
	FROM conversations`

func scanConversation(row pgx.Row, id string) (*model.Conversation, error) {
	var (
		conv model.Conversation
		msgs []byte
	)
	err := row.Scan(&conv.ID, &conv.Title, &conv.Pinned, &conv.CreatedAt, &conv.UpdatedAt,
		&conv.SystemPrompt, &conv.Temperature, &conv.TopP, &msgs)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get conversation %s", id)
	}
	if err := json.Unmarshal(msgs, &conv.Messages); err != nil {
		return nil, errors.Wrapf(err, "decode messages of %s", id)
	}
	if conv.Messages == nil {
		conv.Messages = []model.Message{}
	}
	return &conv, nil
}
