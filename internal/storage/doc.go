// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides conversation persistence for fern.
//
// Every backend implements Store:
//
//   - FileStore: one JSON file per conversation (default ~/.fern/conversations)
//   - SQLiteStore: a single-file database through modernc.org/sqlite
//   - PostgresStore: a shared database through a pgx pool
//   - RemoteStore: the HTTP API of a running fern server
//
// Writes are whole-record: a Patch replaces the fields it sets, and the
// messages field always replaces the full transcript.
//
// # Usage
//
//	store, err := storage.NewFileStore(dir)
//	conv, err := store.Create(ctx, storage.NewConversation{})
//	conv, err = store.Patch(ctx, conv.ID, storage.SetMessages(msgs))
//	items, err := store.List(ctx)
package storage
