// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/jeranaias/fern/internal/model"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// SQLITE STORE
// =============================================================================

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id            TEXT PRIMARY KEY,
	title         TEXT NOT NULL,
	pinned        INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	system_prompt TEXT NOT NULL DEFAULT '',
	temperature   REAL,
	top_p         REAL,
	messages      TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);
`

// SQLiteStore persists conversations in a single SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path. Use ":memory:" for
// a throwaway store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, errors.Wrap(err, "failed to create database directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "failed to set pragma %q", pragma)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to initialize schema")
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Create implements Store.
func (s *SQLiteStore) Create(ctx context.Context, req NewConversation) (*model.Conversation, error) {
	conv := req.Build(s.now())
	msgs, err := json.Marshal(conv.Messages)
	if err != nil {
		return nil, errors.Wrap(err, "encode messages")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, pinned, created_at, updated_at, system_prompt, temperature, top_p, messages)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.Title, conv.Pinned,
		formatTime(conv.CreatedAt), formatTime(conv.UpdatedAt),
		conv.SystemPrompt, nullFloat(conv.Temperature), nullFloat(conv.TopP), string(msgs))
	if err != nil {
		return nil, errors.Wrapf(err, "insert conversation %s", conv.ID)
	}
	return conv, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Conversation, error) {
	return s.get(ctx, s.db, id)
}

// Patch implements Store. The read-modify-write runs in one transaction.
func (s *SQLiteStore) Patch(ctx context.Context, id string, p Patch) (*model.Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	conv, err := s.get(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	p.Apply(conv, s.now())

	msgs, err := json.Marshal(conv.Messages)
	if err != nil {
		return nil, errors.Wrap(err, "encode messages")
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE conversations
		SET title = ?, pinned = ?, updated_at = ?, system_prompt = ?, temperature = ?, top_p = ?, messages = ?
		WHERE id = ?`,
		conv.Title, conv.Pinned, formatTime(conv.UpdatedAt), conv.SystemPrompt,
		nullFloat(conv.Temperature), nullFloat(conv.TopP), string(msgs), id)
	if err != nil {
		return nil, errors.Wrapf(err, "update conversation %s", id)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit transaction")
	}
	return conv, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return errors.Wrapf(err, "delete conversation %s", id)
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context) ([]model.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, pinned, updated_at FROM conversations`)
	if err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}
	defer rows.Close()

	items := []model.Summary{}
	for rows.Next() {
		var (
			sum     model.Summary
			updated string
		)
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.Pinned, &updated); err != nil {
			return nil, errors.Wrap(err, "scan conversation")
		}
		sum.UpdatedAt = parseTime(updated)
		items = append(items, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate conversations")
	}
	SortSummaries(items)
	return items, nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) get(ctx context.Context, q queryer, id string) (*model.Conversation, error) {
	var (
		conv             model.Conversation
		created, updated string
		temp, topP       sql.NullFloat64
		msgs             string
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, title, pinned, created_at, updated_at, system_prompt, temperature, top_p, messages
		FROM conversations WHERE id = ?`, id).
		Scan(&conv.ID, &conv.Title, &conv.Pinned, &created, &updated, &conv.SystemPrompt, &temp, &topP, &msgs)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get conversation %s", id)
	}

	conv.CreatedAt = parseTime(created)
	conv.UpdatedAt = parseTime(updated)
	conv.Temperature = floatPtr(temp)
	conv.TopP = floatPtr(topP)
	if err := json.Unmarshal([]byte(msgs), &conv.Messages); err != nil {
		return nil, errors.Wrapf(err, "decode messages of %s", id)
	}
	if conv.Messages == nil {
		conv.Messages = []model.Message{}
	}
	return &conv, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}
