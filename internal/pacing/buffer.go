// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package pacing

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

const (
	// DefaultPeriod is the reveal interval (~60 reveals per second).
	DefaultPeriod = 16 * time.Millisecond

	// DefaultSlice is the number of runes revealed per tick.
	DefaultSlice = 1
)

// Options configures a Buffer.
type Options struct {
	// Period between reveals. Zero means DefaultPeriod.
	Period time.Duration

	// Slice is how many runes each tick reveals. Zero means DefaultSlice.
	Slice int
}

func (o Options) withDefaults() Options {
	if o.Period <= 0 {
		o.Period = DefaultPeriod
	}
	if o.Slice <= 0 {
		o.Slice = DefaultSlice
	}
	return o
}

// =============================================================================
// PACING BUFFER
// =============================================================================

// Buffer reveals enqueued text a few runes per tick, in FIFO order.
//
// Invariant: Visible() + Pending() is exactly the text enqueued since the
// last Rebase, byte for byte. Nothing is skipped or repeated. Invalid UTF-8
// is revealed one byte per rune step and never replaced. A multi-byte rune
// cut across two Enqueue calls is held back until it is complete.
//
// The drain ticker is created lazily on the first Enqueue and exposed through
// C() so the owning goroutine can select on it. While the stream is live an
// empty queue keeps the ticker armed (a stall); once End has been called and
// the queue empties, the ticker is released and Drained reports true.
//
// Thread-safety: all methods lock, but ticks are meant to be driven by a
// single owner.
type Buffer struct {
	mu      sync.Mutex
	opts    Options
	visible strings.Builder
	pending string
	ticker  *time.Ticker
	ended   bool
	drained bool
}

// New creates a Buffer.
func New(opts Options) *Buffer {
	return &Buffer{opts: opts.withDefaults()}
}

// Enqueue appends text to the pending queue and arms the drain ticker.
func (b *Buffer) Enqueue(text string) {
	if text == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending += text
	b.drained = false
	b.armLocked()
}

// Tick moves up to one slice of runes from pending to visible.
// Returns true when the visible text changed.
func (b *Buffer) Tick() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		if b.ended {
			b.disarmLocked()
			b.drained = true
		}
		return false
	}

	n := b.cutLocked()
	if n == 0 {
		return false
	}
	b.visible.WriteString(b.pending[:n])
	b.pending = b.pending[n:]

	if len(b.pending) == 0 && b.ended {
		b.disarmLocked()
		b.drained = true
	}
	return true
}

// cutLocked returns the byte length of the next slice of pending. Each step
// takes one rune, or one byte of invalid UTF-8. A trailing incomplete rune
// is left for the next Enqueue unless the stream has ended.
func (b *Buffer) cutLocked() int {
	cut := 0
	for i := 0; i < b.opts.Slice && cut < len(b.pending); i++ {
		rest := b.pending[cut:]
		if !b.ended && !utf8.FullRuneInString(rest) {
			break
		}
		_, size := utf8.DecodeRuneInString(rest)
		cut += size
	}
	return cut
}

// End marks the stream as complete. The ticker stops once pending empties.
func (b *Buffer) End() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ended = true
	if len(b.pending) == 0 {
		b.disarmLocked()
		b.drained = true
	}
}

// Flush moves all pending text to visible immediately and stops the ticker.
// Returns true when the visible text changed.
func (b *Buffer) Flush() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	changed := len(b.pending) > 0
	b.visible.WriteString(b.pending)
	b.pending = ""
	b.disarmLocked()
	b.ended = true
	b.drained = true
	return changed
}

// Rebase replaces the enqueued text with target. Visible text is kept when it
// is still a prefix of target and the remainder is queued; otherwise the
// buffer restarts from empty.
// Returns true when the visible text changed.
func (b *Buffer) Rebase(target string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	vis := b.visible.String()
	changed := false
	if !strings.HasPrefix(target, vis) {
		b.visible.Reset()
		vis = ""
		changed = true
	}
	b.pending = target[len(vis):]
	if len(b.pending) > 0 {
		b.drained = false
		b.armLocked()
	} else if b.ended {
		b.disarmLocked()
		b.drained = true
	}
	return changed
}

// Stop releases the ticker without revealing anything. Safe to call twice.
func (b *Buffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disarmLocked()
}

// C returns the drain ticker channel, or nil when the buffer is idle.
// A nil channel blocks forever in a select, which is the desired behavior.
func (b *Buffer) C() <-chan time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ticker == nil {
		return nil
	}
	return b.ticker.C
}

// Visible returns the text revealed so far.
func (b *Buffer) Visible() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.visible.String()
}

// Pending returns the text not yet revealed.
func (b *Buffer) Pending() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// Drained reports whether End was called and nothing is pending.
func (b *Buffer) Drained() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drained
}

// Armed reports whether the drain ticker is running.
func (b *Buffer) Armed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ticker != nil
}

func (b *Buffer) armLocked() {
	if b.ticker == nil {
		b.ticker = time.NewTicker(b.opts.Period)
	}
}

func (b *Buffer) disarmLocked() {
	if b.ticker != nil {
		b.ticker.Stop()
		b.ticker = nil
	}
}
