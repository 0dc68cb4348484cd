// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/jeranaias/fern/internal/model"
	"github.com/jeranaias/fern/internal/pacing"
	"github.com/jeranaias/fern/internal/phase"
)

// =============================================================================
// STATE
// =============================================================================

// State is a stage of a stream session's lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateDraining
	StateFinalized
	StateCancelled
	StateErrored
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateFinalized:
		return "finalized"
	case StateCancelled:
		return "cancelled"
	case StateErrored:
		return "errored"
	default:
		return "invalid"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateFinalized || s == StateCancelled || s == StateErrored
}

// =============================================================================
// OPTIONS AND RESULTS
// =============================================================================

// Options selects the provider and sampling for one turn.
type Options struct {
	Provider       string
	Model          string
	ConversationID string
	Reasoning      bool
	Temperature    *float64
	TopP           *float64
}

// Config holds session tuning shared by every turn.
type Config struct {
	// Pacing configures both typewriter buffers.
	Pacing pacing.Options

	// Logger receives session diagnostics (default: logrus standard logger).
	Logger *log.Entry
}

// Snapshot is what the UI renders for an in-flight turn.
type Snapshot struct {
	State        State
	Phase        phase.Phase
	Reasoning    string
	Answer       string
	Chars        int
	TokensPerSec float64
	Elapsed      time.Duration
}

// Result is the outcome of a session once it reaches a terminal state.
type Result struct {
	State State

	// Message is the assistant message built from everything received.
	// For StateErrored it is the partial output and must not be committed
	// automatically.
	Message model.Message

	// Accumulated is the raw text received before the sentinel.
	Accumulated string

	// Received counts characters received.
	Received int

	// Err is set for StateErrored.
	Err error

	// Warning carries a non-fatal MalformedMarkers condition.
	Warning error
}

// =============================================================================
// SESSION
// =============================================================================

// Session owns one duplex connection for one assistant turn.
//
// After Start succeeds a single goroutine owns the accumulated text, the
// phase and both pacing buffers; Cancel and context cancellation are
// requests to that goroutine. Observers are called from it, in order.
type Session struct {
	dialer   Dialer
	log      *log.Entry
	observer func(Snapshot)
	splitter phase.Splitter

	reason *pacing.Buffer
	answer *pacing.Buffer

	// Owned by the run goroutine.
	acc        strings.Builder
	fedReason  string
	fedAnswer  string
	final      phase.Split
	warning    error
	phaseState phase.Phase

	mu         sync.Mutex
	state      State
	started    time.Time
	chars      int
	snap       Snapshot
	result     Result
	dialCancel context.CancelFunc
	cancelled  bool
	cancelReq  chan struct{}
	done       chan struct{}
}

// NewSession creates an idle session. observer may be nil.
func NewSession(dialer Dialer, cfg Config, observer func(Snapshot)) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Session{
		dialer:    dialer,
		log:       logger,
		observer:  observer,
		reason:    pacing.New(cfg.Pacing),
		answer:    pacing.New(cfg.Pacing),
		cancelReq: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start dials the backend, sends the control frame and begins streaming.
// It blocks only for the dial. A dial or handshake failure returns a
// KindConnection *Error and leaves the session Errored.
func (s *Session) Start(ctx context.Context, msgs []model.Message, opts Options) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return errors.Errorf("session already %s", s.state)
	}
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.dialCancel = cancel
	s.state = StateConnecting
	s.started = time.Now()
	s.mu.Unlock()

	s.splitter = phase.Splitter{HoldUnknown: opts.Reasoning}
	s.log = s.log.WithFields(log.Fields{
		"conversation_id": opts.ConversationID,
		"provider":        opts.Provider,
		"model":           opts.Model,
	})
	s.publish()

	frame := model.ChatRequest{
		Messages:       model.WireMessages(msgs),
		Provider:       opts.Provider,
		Model:          opts.Model,
		ConversationID: opts.ConversationID,
		Reasoning:      opts.Reasoning,
		Temperature:    opts.Temperature,
		TopP:           opts.TopP,
	}

	conn, err := s.dialer.Dial(dialCtx)
	if err == nil {
		if werr := conn.WriteJSON(frame); werr != nil {
			conn.Close()
			conn, err = nil, errors.Wrap(werr, "send control frame")
		}
	}

	s.mu.Lock()
	s.dialCancel = nil
	if s.cancelled {
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		s.finish(Result{State: StateCancelled, Message: model.NewAssistantMessage("", "")})
		return nil
	}
	if err != nil {
		s.mu.Unlock()
		cerr := newError(KindConnection, "cannot reach streaming backend", err)
		s.log.WithError(err).Warn("stream connection failed")
		s.finish(Result{State: StateErrored, Err: cerr})
		return cerr
	}
	s.state = StateStreaming
	s.mu.Unlock()

	s.log.Debug("stream started")
	s.publish()
	go s.run(ctx, conn)
	return nil
}

// Cancel stops the turn. Pending text is flushed to visible before Cancel
// returns, and the result carries everything received so far. Cancelling
// while draining skips the remaining reveal and finalizes normally.
func (s *Session) Cancel() Result {
	s.mu.Lock()
	switch {
	case s.state.Terminal():
		s.mu.Unlock()
	case s.state == StateIdle:
		s.mu.Unlock()
		s.finish(Result{State: StateCancelled, Message: model.NewAssistantMessage("", "")})
	case s.state == StateConnecting:
		s.cancelled = true
		if s.dialCancel != nil {
			s.dialCancel()
		}
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		select {
		case s.cancelReq <- struct{}{}:
		default:
		}
	}
	<-s.done
	return s.Result()
}

// Done is closed once the session is terminal.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session is terminal or ctx is done.
func (s *Session) Wait(ctx context.Context) (Result, error) {
	select {
	case <-s.done:
		return s.Result(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the terminal result. Only meaningful after Done.
func (s *Session) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the latest render state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// =============================================================================
// RUN LOOP
// =============================================================================

type inbound struct {
	text string
	err  error
}

func (s *Session) run(ctx context.Context, conn Conn) {
	frags := make(chan inbound)
	quit := make(chan struct{})
	go readLoop(conn, frags, quit)
	defer close(quit)
	defer s.reason.Stop()
	defer s.answer.Stop()

	for {
		select {
		case in := <-frags:
			switch {
			case in.err != nil:
				s.interrupt(conn, newError(KindInterrupted, "connection closed before end of stream", in.err))
				return
			case in.text == model.EndOfStream:
				frags = nil
				s.drain(conn)
				if s.drained() {
					s.finalize()
					return
				}
			case strings.HasPrefix(in.text, model.ErrorFramePrefix):
				msg := strings.TrimSuffix(strings.TrimSpace(strings.TrimPrefix(in.text, model.ErrorFramePrefix)), "]")
				s.interrupt(conn, newError(KindInterrupted, "backend error: "+strings.TrimSpace(msg), nil))
				return
			default:
				s.accept(in.text)
			}

		case <-s.reason.C():
			if s.tick(s.reason) {
				return
			}

		case <-s.answer.C():
			if s.tick(s.answer) {
				return
			}

		case <-s.cancelReq:
			s.stop(conn)
			return

		case <-ctx.Done():
			s.stop(conn)
			return
		}
	}
}

// readLoop forwards frames in receipt order until the sentinel or an error.
func readLoop(conn Conn, out chan<- inbound, quit <-chan struct{}) {
	for {
		_, p, err := conn.ReadMessage()
		in := inbound{text: string(p), err: err}
		select {
		case out <- in:
		case <-quit:
			return
		}
		if err != nil || in.text == model.EndOfStream {
			return
		}
	}
}

// tick advances buf and reports whether the session finalized.
func (s *Session) tick(buf *pacing.Buffer) bool {
	if buf.Tick() {
		s.publish()
	}
	if s.State() == StateDraining && s.drained() {
		s.finalize()
		return true
	}
	return false
}

func (s *Session) accept(text string) {
	s.acc.WriteString(text)

	s.mu.Lock()
	s.chars += utf8.RuneCountInString(text)
	s.mu.Unlock()

	sp := s.splitter.Split(s.acc.String(), s.phaseState)
	s.phaseState = sp.Phase
	s.feed(s.reason, &s.fedReason, sp.Reasoning)
	s.feed(s.answer, &s.fedAnswer, sp.Answer)
	s.publish()
}

// feed queues the part of target not yet given to buf. A target that no
// longer extends what was fed (a provisional answer that turned out to be a
// reasoning preamble) rebases the buffer.
func (s *Session) feed(buf *pacing.Buffer, fed *string, target string) {
	if target == *fed {
		return
	}
	if strings.HasPrefix(target, *fed) {
		buf.Enqueue(target[len(*fed):])
	} else {
		s.log.WithField("phase", s.phaseState).Debug("rebasing pacing buffer")
		buf.Rebase(target)
	}
	*fed = target
}

// settle computes the final split and hands the final targets to the buffers.
func (s *Session) settle() {
	final, err := s.splitter.Finish(s.acc.String())
	if err != nil && s.warning == nil {
		s.warning = newError(KindMalformedMarkers, "reasoning section never ended; treating it as answer", err)
		s.log.WithError(err).Warn("malformed phase markers")
	}
	s.final = final
	s.phaseState = final.Phase
	s.feed(s.reason, &s.fedReason, final.Reasoning)
	s.feed(s.answer, &s.fedAnswer, final.Answer)
}

func (s *Session) drain(conn Conn) {
	conn.Close()
	s.setState(StateDraining)
	s.settle()
	s.reason.End()
	s.answer.End()
	s.publish()
}

func (s *Session) drained() bool {
	return s.reason.Drained() && s.answer.Drained()
}

func (s *Session) finalize() {
	s.setState(StateFinalized)
	s.publish()
	s.log.WithField("chars", s.received()).Debug("stream finalized")
	s.finish(Result{
		State:       StateFinalized,
		Message:     model.NewAssistantMessage(s.final.Answer, s.final.Reasoning),
		Accumulated: s.acc.String(),
		Received:    s.received(),
		Warning:     s.warning,
	})
}

// stop handles a cancel request or context cancellation.
func (s *Session) stop(conn Conn) {
	conn.Close()
	if s.State() == StateDraining {
		s.reason.Flush()
		s.answer.Flush()
		s.finalize()
		return
	}

	s.settle()
	s.reason.Flush()
	s.answer.Flush()
	s.setState(StateCancelled)
	s.publish()
	s.log.WithField("chars", s.received()).Info("stream cancelled")
	s.finish(Result{
		State:       StateCancelled,
		Message:     model.NewAssistantMessage(s.final.Answer, s.final.Reasoning),
		Accumulated: s.acc.String(),
		Received:    s.received(),
		Warning:     s.warning,
	})
}

// interrupt ends the session as Errored. The partial output stays visible
// but is only reported, never committed here.
func (s *Session) interrupt(conn Conn, err *Error) {
	conn.Close()
	s.settle()
	s.reason.Flush()
	s.answer.Flush()
	s.setState(StateErrored)
	s.publish()
	s.log.WithError(err).WithField("chars", s.received()).Warn("stream interrupted")
	s.finish(Result{
		State:       StateErrored,
		Message:     model.NewAssistantMessage(s.final.Answer, s.final.Reasoning),
		Accumulated: s.acc.String(),
		Received:    s.received(),
		Err:         err,
		Warning:     s.warning,
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chars
}

// publish refreshes the snapshot and notifies the observer.
func (s *Session) publish() {
	s.mu.Lock()
	elapsed := time.Since(s.started)
	secs := elapsed.Seconds()
	if secs < 0.001 {
		secs = 0.001
	}
	s.snap = Snapshot{
		State:        s.state,
		Phase:        s.phaseState,
		Reasoning:    s.reason.Visible(),
		Answer:       s.answer.Visible(),
		Chars:        s.chars,
		TokensPerSec: float64(s.chars) / model.CharsPerToken / secs,
		Elapsed:      elapsed,
	}
	snap := s.snap
	s.mu.Unlock()

	if s.observer != nil {
		s.observer(snap)
	}
}

// finish records the terminal result and releases waiters. Safe to call
// once per session.
func (s *Session) finish(r Result) {
	s.mu.Lock()
	s.state = r.State
	s.result = r
	s.snap.State = r.State
	s.mu.Unlock()
	s.reason.Stop()
	s.answer.Stop()
	close(s.done)
}
