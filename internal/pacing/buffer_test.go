// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package pacing

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// PACING BUFFER TESTS
// =============================================================================

func TestBuffer_Defaults(t *testing.T) {
	b := New(Options{})
	assert.Equal(t, DefaultPeriod, b.opts.Period)
	assert.Equal(t, DefaultSlice, b.opts.Slice)
	assert.Nil(t, b.C())
	assert.False(t, b.Armed())
}

func TestBuffer_RevealsOneRunePerTick(t *testing.T) {
	b := New(Options{Period: time.Hour})
	defer b.Stop()

	b.Enqueue("héy")
	require.True(t, b.Armed())
	assert.NotNil(t, b.C())

	want := []string{"h", "hé", "héy"}
	for _, w := range want {
		assert.True(t, b.Tick())
		assert.Equal(t, w, b.Visible())
	}
	assert.Empty(t, b.Pending())
}

func TestBuffer_Slice(t *testing.T) {
	b := New(Options{Period: time.Hour, Slice: 3})
	defer b.Stop()

	b.Enqueue("abcdefg")
	b.Tick()
	assert.Equal(t, "abc", b.Visible())
	b.Tick()
	b.Tick()
	assert.Equal(t, "abcdefg", b.Visible())
}

func TestBuffer_InvariantHoldsAcrossEnqueueAndTick(t *testing.T) {
	b := New(Options{Period: time.Hour})
	defer b.Stop()

	var enqueued strings.Builder
	fragments := []string{"Hel", "", "lo, ", "wörld", "!"}
	for _, f := range fragments {
		b.Enqueue(f)
		enqueued.WriteString(f)
		assert.Equal(t, enqueued.String(), b.Visible()+b.Pending())

		b.Tick()
		assert.Equal(t, enqueued.String(), b.Visible()+b.Pending())
	}
	for b.Tick() {
		assert.Equal(t, enqueued.String(), b.Visible()+b.Pending())
	}
	assert.Equal(t, "Hello, wörld!", b.Visible())
}

func TestBuffer_InvalidUTF8KeptByteForByte(t *testing.T) {
	b := New(Options{Period: time.Hour})
	defer b.Stop()

	text := "a\xffb\xe2\x82"
	b.Enqueue(text)
	b.End()
	for i := 0; i < 10 && !b.Drained(); i++ {
		b.Tick()
		assert.Equal(t, text, b.Visible()+b.Pending())
	}
	assert.True(t, b.Drained())
	assert.Equal(t, text, b.Visible(), "no replacement characters")
	assert.NotContains(t, b.Visible(), "\uFFFD")
}

func TestBuffer_SplitRuneWaitsForItsTail(t *testing.T) {
	b := New(Options{Period: time.Hour})
	defer b.Stop()

	euro := "\u20ac"
	b.Enqueue("x" + euro[:2])
	assert.True(t, b.Tick())
	assert.Equal(t, "x", b.Visible())
	assert.False(t, b.Tick(), "incomplete rune is held back")
	assert.True(t, b.Armed())

	b.Enqueue(euro[2:])
	assert.True(t, b.Tick())
	assert.Equal(t, "x"+euro, b.Visible())
	assert.Empty(t, b.Pending())
}

func TestBuffer_StallKeepsTickerArmed(t *testing.T) {
	b := New(Options{Period: time.Hour})
	defer b.Stop()

	b.Enqueue("a")
	b.Tick()
	assert.False(t, b.Tick(), "empty queue does not advance")
	assert.True(t, b.Armed(), "stall keeps the ticker armed")
	assert.False(t, b.Drained())

	b.Enqueue("b")
	assert.True(t, b.Tick())
	assert.Equal(t, "ab", b.Visible())
}

func TestBuffer_EndDrainsThenStops(t *testing.T) {
	b := New(Options{Period: time.Hour})
	defer b.Stop()

	b.Enqueue("ok")
	b.End()
	assert.False(t, b.Drained())
	assert.True(t, b.Armed())

	b.Tick()
	b.Tick()
	assert.True(t, b.Drained())
	assert.False(t, b.Armed())
	assert.Nil(t, b.C())
}

func TestBuffer_EndWhenEmptyIsDrained(t *testing.T) {
	b := New(Options{})
	b.End()
	assert.True(t, b.Drained())
	assert.False(t, b.Armed())
}

func TestBuffer_FlushRevealsEverything(t *testing.T) {
	b := New(Options{Period: time.Hour})
	b.Enqueue("Partial")
	b.Tick()

	assert.True(t, b.Flush())
	assert.Equal(t, "Partial", b.Visible())
	assert.Empty(t, b.Pending())
	assert.False(t, b.Armed())
	assert.True(t, b.Drained())
	assert.False(t, b.Flush(), "second flush is a no-op")
}

func TestBuffer_Rebase(t *testing.T) {
	t.Run("keeps visible prefix", func(t *testing.T) {
		b := New(Options{Period: time.Hour})
		defer b.Stop()
		b.Enqueue("Hello")
		b.Tick()
		b.Tick()

		changed := b.Rebase("Hello world")
		assert.False(t, changed)
		assert.Equal(t, "He", b.Visible())
		assert.Equal(t, "llo world", b.Pending())
	})

	t.Run("resets diverging text", func(t *testing.T) {
		b := New(Options{Period: time.Hour})
		defer b.Stop()
		b.Enqueue("Sure. ")
		b.Tick()
		b.Tick()

		changed := b.Rebase("think")
		assert.True(t, changed)
		assert.Empty(t, b.Visible())
		assert.Equal(t, "think", b.Pending())
	})

	t.Run("shorter target after end drains", func(t *testing.T) {
		b := New(Options{Period: time.Hour})
		defer b.Stop()
		b.Enqueue("42\n")
		b.Tick()
		b.Tick()
		b.End()

		b.Rebase("42")
		assert.Equal(t, "42", b.Visible())
		assert.True(t, b.Drained())
	})
}

func TestBuffer_TickerDrivesDrain(t *testing.T) {
	b := New(Options{Period: time.Millisecond, Slice: 2})
	defer b.Stop()

	b.Enqueue("streaming")
	b.End()

	deadline := time.After(2 * time.Second)
	for !b.Drained() {
		select {
		case <-b.C():
			b.Tick()
		case <-deadline:
			t.Fatal("buffer never drained")
		}
	}
	assert.Equal(t, "streaming", b.Visible())
}
