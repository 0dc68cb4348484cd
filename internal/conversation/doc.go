// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package conversation manages the active conversation of a chat client.
//
// A Manager holds the ordered transcript, runs at most one streamed turn
// at a time, and writes every committed change through to a storage.Store
// as a single replace-messages patch. When the streaming connection cannot
// be used and nothing has been shown yet, the turn is retried once through
// the non-streaming Completer with the same message list.
//
// # Usage
//
//	mgr := conversation.NewManager(store, dialer, completer, cfg, onEvent)
//	turn, err := mgr.SendTurn(ctx, "Hello")
//	outcome, err := turn.Wait(ctx)
//
// Cancel a turn with turn.Cancel(); the partial answer is committed.
package conversation
