// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package conversation

import (
	"context"
	"fmt"
	"sync"

	"github.com/jeranaias/fern/internal/model"
	"github.com/jeranaias/fern/internal/stream"
)

// =============================================================================
// TURN
// =============================================================================

// Outcome describes how a turn ended and what, if anything, was committed.
type Outcome struct {
	// State is the terminal state of the stream session.
	State stream.State

	// Message is the committed assistant message. When Committed is false it
	// is the partial output the user saw, if any.
	Message model.Message

	// Committed reports whether Message was appended to the transcript.
	Committed bool

	// Fallback reports that the non-streaming path produced Message.
	Fallback bool

	// Err is the turn failure: a connection error whose fallback also
	// failed, or an interrupted stream that had already shown output.
	Err error

	// PersistErr is set when the message was committed in memory but the
	// write-through failed. Manager.RetryPersist re-issues it.
	PersistErr error

	// Warning carries a non-fatal condition such as malformed markers.
	Warning error
}

// Failed reports whether the turn produced nothing usable.
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// Turn is a handle on one in-flight assistant turn.
type Turn struct {
	ConversationID string

	session *stream.Session
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	outcome Outcome
}

func newTurn(convID string, session *stream.Session, cancel context.CancelFunc) *Turn {
	return &Turn{
		ConversationID: convID,
		session:        session,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
}

// Done is closed after the turn's outcome is committed.
func (t *Turn) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the turn is committed or ctx is done.
func (t *Turn) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-t.done:
		return t.Outcome(), nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Cancel stops the turn and returns once the partial output is committed.
func (t *Turn) Cancel() Outcome {
	t.session.Cancel()
	// A turn past its stream (fallback in flight) stops here.
	t.cancel()
	<-t.done
	return t.Outcome()
}

// Snapshot returns the live render state of the stream.
func (t *Turn) Snapshot() stream.Snapshot {
	return t.session.Snapshot()
}

// Outcome returns the final outcome. Only meaningful after Done.
func (t *Turn) Outcome() Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome
}

func (t *Turn) complete(o Outcome) {
	t.mu.Lock()
	t.outcome = o
	t.mu.Unlock()
	t.cancel()
	close(t.done)
}

// =============================================================================
// ERRORS
// =============================================================================

// PersistError reports a failed write-through. The in-memory transcript
// keeps the change; errors.Is(err, stream.ErrPersistence) matches it.
type PersistError struct {
	ConversationID string
	Cause          error
}

// Error implements the error interface.
func (e *PersistError) Error() string {
	return fmt.Sprintf("save conversation %s: %v", e.ConversationID, e.Cause)
}

// Unwrap returns the store error.
func (e *PersistError) Unwrap() error {
	return e.Cause
}

// Is matches stream.ErrPersistence.
func (e *PersistError) Is(target error) bool {
	return stream.KindOf(target) == stream.KindPersistence
}
