// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/fern/internal/model"
)

// =============================================================================
// SHARED CONTRACT
// =============================================================================

// clock hands out strictly increasing timestamps.
type clock struct{ t time.Time }

func (c *clock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newClock() *clock {
	return &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func storeBackends(t *testing.T) map[string]Store {
	t.Helper()

	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	fs.now = newClock().now

	db, err := OpenSQLite(filepath.Join(t.TempDir(), "fern.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.now = newClock().now

	stores := map[string]Store{"file": fs, "sqlite": db}

	// Postgres joins the contract when a scratch database is provided.
	if url := os.Getenv("FERN_TEST_DATABASE_URL"); url != "" {
		ctx := context.Background()
		pg, err := OpenPostgres(ctx, url)
		require.NoError(t, err)
		t.Cleanup(pg.Close)
		_, err = pg.pool.Exec(ctx, "TRUNCATE conversations")
		require.NoError(t, err)
		pg.now = newClock().now
		stores["postgres"] = pg
	}
	return stores
}

func TestStore_CreateDefaults(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv, err := store.Create(ctx, NewConversation{})
			require.NoError(t, err)
			assert.NotEmpty(t, conv.ID)
			assert.Equal(t, model.DefaultTitle, conv.Title)
			assert.NotNil(t, conv.Messages)
			assert.Empty(t, conv.Messages)

			got, err := store.Get(ctx, conv.ID)
			require.NoError(t, err)
			assert.Equal(t, conv.ID, got.ID)
			assert.Equal(t, model.DefaultTitle, got.Title)
			assert.True(t, conv.CreatedAt.Equal(got.CreatedAt))
		})
	}
}

func TestStore_CreateWithFields(t *testing.T) {
	temp := 0.3
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv, err := store.Create(ctx, NewConversation{
				Title:        "  Trip plans ",
				SystemPrompt: "Be brief.",
				Temperature:  &temp,
			})
			require.NoError(t, err)

			got, err := store.Get(ctx, conv.ID)
			require.NoError(t, err)
			assert.Equal(t, "Trip plans", got.Title)
			assert.Equal(t, "Be brief.", got.SystemPrompt)
			require.NotNil(t, got.Temperature)
			assert.InDelta(t, 0.3, *got.Temperature, 1e-9)
			assert.Nil(t, got.TopP)
		})
	}
}

func TestStore_GetMissing(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(context.Background(), "does-not-exist")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_PatchMessages(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv, err := store.Create(ctx, NewConversation{})
			require.NoError(t, err)

			msgs := []model.Message{
				model.NewSystemMessage(model.DefaultSystemPrompt),
				model.NewUserMessage("6x7?"),
				model.NewAssistantMessage("42", "multiplied"),
				{Role: model.Role("tool"), Content: "dropped"},
			}
			updated, err := store.Patch(ctx, conv.ID, SetMessages(msgs))
			require.NoError(t, err)
			assert.Len(t, updated.Messages, 3)
			assert.True(t, updated.UpdatedAt.After(conv.UpdatedAt))

			got, err := store.Get(ctx, conv.ID)
			require.NoError(t, err)
			require.Len(t, got.Messages, 3)
			assert.Equal(t, model.RoleAssistant, got.Messages[2].Role)
			assert.Equal(t, "42", got.Messages[2].Content)
			assert.Equal(t, "multiplied", got.Messages[2].Reasoning)
		})
	}
}

func TestStore_PatchTitleAndPin(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv, err := store.Create(ctx, NewConversation{})
			require.NoError(t, err)

			title, pinned := "Groceries", true
			got, err := store.Patch(ctx, conv.ID, Patch{Title: &title, Pinned: &pinned})
			require.NoError(t, err)
			assert.Equal(t, "Groceries", got.Title)
			assert.True(t, got.Pinned)

			blank := "   "
			got, err = store.Patch(ctx, conv.ID, Patch{Title: &blank})
			require.NoError(t, err)
			assert.Equal(t, "Groceries", got.Title, "blank title is ignored")
		})
	}
}

func TestStore_PatchMissing(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Patch(context.Background(), "nope", SetMessages(nil))
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_Delete(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv, err := store.Create(ctx, NewConversation{})
			require.NoError(t, err)

			require.NoError(t, store.Delete(ctx, conv.ID))
			_, err = store.Get(ctx, conv.ID)
			assert.ErrorIs(t, err, ErrNotFound)

			assert.NoError(t, store.Delete(ctx, conv.ID), "deleting twice is fine")
		})
	}
}

func TestStore_ListOrdering(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a, err := store.Create(ctx, NewConversation{Title: "a"})
			require.NoError(t, err)
			b, err := store.Create(ctx, NewConversation{Title: "b"})
			require.NoError(t, err)
			c, err := store.Create(ctx, NewConversation{Title: "c"})
			require.NoError(t, err)

			pinned := true
			_, err = store.Patch(ctx, a.ID, Patch{Pinned: &pinned})
			require.NoError(t, err)
			// c is now the most recently updated unpinned row.
			_, err = store.Patch(ctx, c.ID, SetMessages([]model.Message{model.NewUserMessage("hi")}))
			require.NoError(t, err)

			items, err := store.List(ctx)
			require.NoError(t, err)
			require.Len(t, items, 3)
			assert.Equal(t, a.ID, items[0].ID)
			assert.Equal(t, c.ID, items[1].ID)
			assert.Equal(t, b.ID, items[2].ID)
		})
	}
}

// =============================================================================
// FILE STORE SPECIFICS
// =============================================================================

func TestFileStore_RejectsUnsafeIDs(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Create(context.Background(), NewConversation{ID: "../escape"})
	assert.Error(t, err)

	_, err = store.Get(context.Background(), "../../etc/passwd")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_ListSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	_, err = store.Create(context.Background(), NewConversation{Title: "ok"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0600))

	items, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "ok", items[0].Title)
}

func TestFileStore_FilePermissions(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	conv, err := store.Create(context.Background(), NewConversation{})
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, conv.ID+".json"))
	require.NoError(t, err)
	if runtime.GOOS != "windows" {
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}
}

// =============================================================================
// PURE HELPERS
// =============================================================================

func TestSortSummaries(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []model.Summary{
		{ID: "old", UpdatedAt: base},
		{ID: "pinned-old", Pinned: true, UpdatedAt: base.Add(time.Minute)},
		{ID: "new", UpdatedAt: base.Add(3 * time.Minute)},
		{ID: "pinned-new", Pinned: true, UpdatedAt: base.Add(2 * time.Minute)},
	}
	SortSummaries(items)

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	assert.Equal(t, []string{"pinned-new", "pinned-old", "new", "old"}, ids)
}

func TestPatch_Empty(t *testing.T) {
	assert.True(t, Patch{}.Empty())
	assert.False(t, SetMessages(nil).Empty())
}

func TestSetMessages_Copies(t *testing.T) {
	msgs := []model.Message{model.NewUserMessage("a")}
	p := SetMessages(msgs)
	msgs[0].Content = "changed"
	assert.Equal(t, "a", (*p.Messages)[0].Content)
}

func TestValidID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"3f1c2b9e-1111-4a4a-9c9c-000000000000", true},
		{"conv_20250101", true},
		{"", false},
		{"../x", false},
		{"a/b", false},
		{"a.json", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidID(tt.id), tt.id)
	}
}
