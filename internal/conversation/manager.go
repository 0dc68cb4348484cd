// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package conversation

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/jeranaias/fern/internal/model"
	"github.com/jeranaias/fern/internal/pacing"
	"github.com/jeranaias/fern/internal/storage"
	"github.com/jeranaias/fern/internal/stream"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNoConversation is returned by operations that need an open conversation.
	ErrNoConversation = errors.New("no conversation open")

	// ErrIndexOutOfRange is returned for a message index outside the transcript.
	ErrIndexOutOfRange = errors.New("message index out of range")

	// ErrNothingToRegenerate is returned when no user message precedes the index.
	ErrNothingToRegenerate = errors.New("no user message to regenerate from")

	// ErrEmptyMessage is returned when the user text is blank.
	ErrEmptyMessage = errors.New("message is empty")
)

// =============================================================================
// EVENTS
// =============================================================================

// EventKind identifies what changed.
type EventKind int

const (
	// EventSnapshot carries a live render update of the current turn.
	EventSnapshot EventKind = iota
	// EventConversation means the active transcript or its metadata changed.
	EventConversation
	// EventList means the conversation list was refreshed.
	EventList
	// EventTurnDone carries the outcome of a finished turn.
	EventTurnDone
	// EventError reports a recoverable failure outside a turn.
	EventError
)

// Event is delivered to the manager's observer. Observers run on the
// goroutine that caused the change and must not call back into the manager.
type Event struct {
	Kind           EventKind
	ConversationID string
	Snapshot       stream.Snapshot
	Outcome        *Outcome
	Err            error
}

// =============================================================================
// MANAGER
// =============================================================================

// Settings are the per-turn request defaults.
type Settings struct {
	Provider  string
	Model     string
	Reasoning bool

	// SystemMessage is inserted into an empty transcript. Empty disables it.
	SystemMessage string
}

// Config configures a Manager.
type Config struct {
	Settings Settings
	Pacing   pacing.Options
	Logger   *log.Entry
}

// Manager owns the active conversation: its ordered transcript, the single
// live turn, and the write-through to the store.
type Manager struct {
	store    storage.Store
	dialer   stream.Dialer
	fallback stream.Completer
	pacing   pacing.Options
	log      *log.Entry
	observer func(Event)

	mu       sync.Mutex
	settings Settings
	conv     *model.Conversation
	list     []model.Summary
	turn     *Turn
	pending  *pendingWrite

	// writeMu serializes write-throughs so patches land in issue order.
	writeMu sync.Mutex
}

type pendingWrite struct {
	id    string
	patch storage.Patch
}

// NewManager creates a manager. fallback may be nil to disable the
// non-streaming retry; observer may be nil.
func NewManager(store storage.Store, dialer stream.Dialer, fallback stream.Completer, cfg Config, observer func(Event)) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Manager{
		store:    store,
		dialer:   dialer,
		fallback: fallback,
		pacing:   cfg.Pacing,
		log:      logger,
		observer: observer,
		settings: cfg.Settings,
	}
}

// =============================================================================
// ACCESSORS
// =============================================================================

// Conversation returns a copy of the active conversation, or nil.
func (m *Manager) Conversation() *model.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conv == nil {
		return nil
	}
	return m.conv.Clone()
}

// Summaries returns the last fetched conversation list.
func (m *Manager) Summaries() []model.Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Summary(nil), m.list...)
}

// ActiveTurn returns the live turn, or nil.
func (m *Manager) ActiveTurn() *Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turn
}

// Settings returns the current request defaults.
func (m *Manager) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// SetModel selects the provider and model for subsequent turns.
func (m *Manager) SetModel(provider, modelName string) {
	m.mu.Lock()
	m.settings.Provider = provider
	m.settings.Model = modelName
	m.mu.Unlock()
}

// SetReasoning toggles the reasoning section request for subsequent turns.
func (m *Manager) SetReasoning(on bool) {
	m.mu.Lock()
	m.settings.Reasoning = on
	m.mu.Unlock()
}

// HasPendingWrite reports whether a failed write-through awaits RetryPersist.
func (m *Manager) HasPendingWrite() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending != nil
}

// =============================================================================
// TURNS
// =============================================================================

// SendTurn appends text as a user message and streams the assistant reply.
// A conversation is created first when none is open. Any live turn is
// cancelled and committed before the new one starts. A conversation still
// carrying a placeholder title is retitled from its first user message
// before the reply is requested, whatever becomes of the reply.
func (m *Manager) SendTurn(ctx context.Context, text string) (*Turn, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	m.cancelLive()

	m.mu.Lock()
	noConv := m.conv == nil
	m.mu.Unlock()
	if noConv {
		if _, err := m.New(ctx); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	if m.conv == nil {
		m.mu.Unlock()
		return nil, ErrNoConversation
	}
	m.ensureSystemLocked()
	m.conv.Messages = append(m.conv.Messages, model.NewUserMessage(text))
	id := m.conv.ID
	title, titleDue := m.titleDueLocked()
	m.mu.Unlock()
	m.emitConversation()

	if titleDue {
		// On failure the patch stays pending and the commit carries the title.
		_ = m.writeThrough(ctx, id, storage.Patch{Title: &title})
	}
	return m.startTurn(ctx)
}

// Regenerate re-sends the most recent user message.
func (m *Manager) Regenerate(ctx context.Context) (*Turn, error) {
	m.cancelLive()
	m.mu.Lock()
	n := 0
	if m.conv != nil {
		n = len(m.conv.Messages)
	}
	m.mu.Unlock()
	return m.RegenerateFrom(ctx, n)
}

// RegenerateFrom re-sends the last user message before index i. The
// transcript is truncated to end at that message, so it is not duplicated,
// and the truncation is written through before the new reply is requested.
func (m *Manager) RegenerateFrom(ctx context.Context, i int) (*Turn, error) {
	m.cancelLive()

	m.mu.Lock()
	if m.conv == nil {
		m.mu.Unlock()
		return nil, ErrNoConversation
	}
	idx := m.conv.LastUserIndex(i)
	if idx < 0 {
		m.mu.Unlock()
		return nil, ErrNothingToRegenerate
	}
	m.conv.Messages = m.conv.Messages[:idx+1]
	id := m.conv.ID
	patch := storage.SetMessages(m.conv.Messages)
	m.mu.Unlock()
	m.emitConversation()

	// On failure the patch stays pending; a commit replaces the transcript anyway.
	_ = m.writeThrough(ctx, id, patch)
	return m.startTurn(ctx)
}

// startTurn streams a reply to the current transcript.
func (m *Manager) startTurn(ctx context.Context) (*Turn, error) {
	m.mu.Lock()
	if m.conv == nil {
		m.mu.Unlock()
		return nil, ErrNoConversation
	}
	convID := m.conv.ID
	msgs := model.CloneMessages(m.conv.Messages)
	opts := stream.Options{
		Provider:       m.settings.Provider,
		Model:          m.settings.Model,
		ConversationID: convID,
		Reasoning:      m.settings.Reasoning,
		Temperature:    m.conv.Temperature,
		TopP:           m.conv.TopP,
	}

	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	logger := m.log.WithField("conversation_id", convID)
	session := stream.NewSession(m.dialer, stream.Config{Pacing: m.pacing, Logger: logger}, func(s stream.Snapshot) {
		m.emit(Event{Kind: EventSnapshot, ConversationID: convID, Snapshot: s})
	})
	turn := newTurn(convID, session, cancel)
	m.turn = turn
	m.mu.Unlock()

	go m.runTurn(turnCtx, turn, msgs, opts)
	return turn, nil
}

func (m *Manager) runTurn(ctx context.Context, turn *Turn, msgs []model.Message, opts stream.Options) {
	_ = turn.session.Start(ctx, msgs, opts)
	<-turn.session.Done()
	res := turn.session.Result()

	out := Outcome{State: res.State, Message: res.Message, Warning: res.Warning}
	if res.Warning != nil {
		m.log.WithError(res.Warning).Warn("assistant output had malformed markers")
	}

	switch res.State {
	case stream.StateFinalized:
		out.Committed = true
	case stream.StateCancelled:
		out.Committed = res.Message.Content != "" || res.Message.Reasoning != ""
	case stream.StateErrored:
		kind := stream.KindOf(res.Err)
		if res.Received == 0 && (kind == stream.KindConnection || kind == stream.KindInterrupted) {
			out = m.runFallback(ctx, msgs, opts, res)
		} else {
			out.Err = res.Err
		}
	}

	if out.Committed {
		// Cancel also cancels ctx; the commit of a cancelled turn must still land.
		out.PersistErr = m.commit(context.WithoutCancel(ctx), turn.ConversationID, out.Message)
	}

	m.mu.Lock()
	if m.turn == turn {
		m.turn = nil
	}
	m.mu.Unlock()

	turn.complete(out)
	m.emit(Event{Kind: EventTurnDone, ConversationID: turn.ConversationID, Outcome: &out})
}

// runFallback makes one non-streaming request with the same message list.
func (m *Manager) runFallback(ctx context.Context, msgs []model.Message, opts stream.Options, res stream.Result) Outcome {
	out := Outcome{State: res.State, Err: res.Err}
	if m.fallback == nil {
		return out
	}

	m.log.WithError(res.Err).Info("streaming unavailable, using non-streaming fallback")
	resp, err := m.fallback.Complete(ctx, model.ChatRequest{
		Messages:       model.WireMessages(msgs),
		Provider:       opts.Provider,
		Model:          opts.Model,
		ConversationID: opts.ConversationID,
		Reasoning:      opts.Reasoning,
		Temperature:    opts.Temperature,
		TopP:           opts.TopP,
	})
	if err != nil {
		m.log.WithError(err).Warn("fallback request failed")
		out.Err = err
		return out
	}
	if resp.Answer == "" && resp.Reasoning == "" {
		out.Err = errors.Wrap(res.Err, "fallback returned an empty answer")
		return out
	}

	return Outcome{
		State:     res.State,
		Message:   model.NewAssistantMessage(resp.Answer, resp.Reasoning),
		Committed: true,
		Fallback:  true,
	}
}

// commit appends msg to the transcript and writes it through with a
// single patch. The title is included when the conversation still has a
// placeholder, which only happens when the send-time title write failed.
func (m *Manager) commit(ctx context.Context, convID string, msg model.Message) error {
	m.mu.Lock()
	if m.conv == nil || m.conv.ID != convID {
		m.mu.Unlock()
		m.log.WithField("conversation_id", convID).Warn("dropping reply for a conversation that is no longer open")
		return nil
	}
	m.conv.Messages = append(m.conv.Messages, msg)
	patch := storage.SetMessages(m.conv.Messages)
	if title, ok := m.titleDueLocked(); ok {
		patch.Title = &title
		m.conv.Title = title
	}
	m.mu.Unlock()
	m.emitConversation()

	return m.writeThrough(ctx, convID, patch)
}

// titleDueLocked returns the derived title when the active conversation
// still carries a placeholder. SendTurn leaves the in-memory title alone
// until the store confirms it, so a failed title write is retried by commit.
func (m *Manager) titleDueLocked() (string, bool) {
	if !m.conv.HasPlaceholderTitle() {
		return "", false
	}
	first, ok := m.conv.FirstUserMessage()
	if !ok {
		return "", false
	}
	title := model.DeriveTitle(first.Content)
	if title == "" {
		return "", false
	}
	return title, true
}

// cancelLive cancels the live turn, if any, and waits for its commit.
func (m *Manager) cancelLive() {
	m.mu.Lock()
	turn := m.turn
	m.mu.Unlock()
	if turn != nil {
		turn.Cancel()
	}
}

// =============================================================================
// TRANSCRIPT EDITS
// =============================================================================

// EditMessage replaces the content of message i and writes through.
func (m *Manager) EditMessage(ctx context.Context, i int, text string) error {
	m.cancelLive()

	m.mu.Lock()
	if m.conv == nil {
		m.mu.Unlock()
		return ErrNoConversation
	}
	if i < 0 || i >= len(m.conv.Messages) {
		m.mu.Unlock()
		return ErrIndexOutOfRange
	}
	m.conv.Messages[i].Content = text
	id := m.conv.ID
	patch := storage.SetMessages(m.conv.Messages)
	m.mu.Unlock()
	m.emitConversation()

	return m.writeThrough(ctx, id, patch)
}

// DeleteMessage removes message i and writes through.
func (m *Manager) DeleteMessage(ctx context.Context, i int) error {
	m.cancelLive()

	m.mu.Lock()
	if m.conv == nil {
		m.mu.Unlock()
		return ErrNoConversation
	}
	if i < 0 || i >= len(m.conv.Messages) {
		m.mu.Unlock()
		return ErrIndexOutOfRange
	}
	m.conv.Messages = append(m.conv.Messages[:i], m.conv.Messages[i+1:]...)
	id := m.conv.ID
	patch := storage.SetMessages(m.conv.Messages)
	m.mu.Unlock()
	m.emitConversation()

	return m.writeThrough(ctx, id, patch)
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// writeThrough applies patch to the store. On success the stored metadata
// is reconciled into the active conversation and the list is refreshed; on
// failure the patch is kept for RetryPersist.
func (m *Manager) writeThrough(ctx context.Context, id string, patch storage.Patch) error {
	m.writeMu.Lock()
	stored, err := m.store.Patch(ctx, id, patch)
	m.writeMu.Unlock()

	if err != nil {
		perr := &PersistError{ConversationID: id, Cause: err}
		m.log.WithError(err).WithField("conversation_id", id).Error("write-through failed")
		m.mu.Lock()
		m.pending = &pendingWrite{id: id, patch: patch}
		m.mu.Unlock()
		m.emit(Event{Kind: EventError, ConversationID: id, Err: perr})
		return perr
	}

	m.mu.Lock()
	if m.pending != nil && m.pending.id == id {
		m.pending = nil
	}
	m.reconcileLocked(stored)
	m.mu.Unlock()
	m.emitConversation()

	m.refreshList(ctx)
	return nil
}

// RetryPersist re-issues the last failed write-through. It is a no-op when
// nothing is pending.
func (m *Manager) RetryPersist(ctx context.Context) error {
	m.mu.Lock()
	p := m.pending
	m.mu.Unlock()
	if p == nil {
		return nil
	}
	return m.writeThrough(ctx, p.id, p.patch)
}

// reconcileLocked copies stored metadata into the active conversation. The
// in-memory transcript is kept; it may already be ahead of the store.
func (m *Manager) reconcileLocked(stored *model.Conversation) {
	if stored == nil || m.conv == nil || m.conv.ID != stored.ID {
		return
	}
	m.conv.Title = stored.Title
	m.conv.Pinned = stored.Pinned
	m.conv.SystemPrompt = stored.SystemPrompt
	m.conv.Temperature = stored.Temperature
	m.conv.TopP = stored.TopP
	m.conv.CreatedAt = stored.CreatedAt
	m.conv.UpdatedAt = stored.UpdatedAt
}

// =============================================================================
// CONVERSATION OPERATIONS
// =============================================================================

// List refreshes and returns the conversation list.
func (m *Manager) List(ctx context.Context) ([]model.Summary, error) {
	items, err := m.store.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}
	m.mu.Lock()
	m.list = items
	m.mu.Unlock()
	m.emit(Event{Kind: EventList})
	return append([]model.Summary(nil), items...), nil
}

// New creates a conversation in the store and makes it active.
func (m *Manager) New(ctx context.Context) (*model.Conversation, error) {
	m.cancelLive()

	conv, err := m.store.Create(ctx, storage.NewConversation{})
	if err != nil {
		return nil, errors.Wrap(err, "create conversation")
	}
	m.activate(conv)
	m.refreshList(ctx)
	return m.Conversation(), nil
}

// Open loads conversation id and makes it active.
func (m *Manager) Open(ctx context.Context, id string) (*model.Conversation, error) {
	m.cancelLive()

	conv, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "open conversation %s", id)
	}
	m.activate(conv)
	return m.Conversation(), nil
}

// Close drops the active conversation after cancelling any live turn.
func (m *Manager) Close() {
	m.cancelLive()
	m.mu.Lock()
	m.conv = nil
	m.mu.Unlock()
	m.emitConversation()
}

// Delete removes conversation id. Deleting the active one closes it.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	active := m.conv != nil && m.conv.ID == id
	m.mu.Unlock()
	if active {
		m.Close()
	}

	if err := m.store.Delete(ctx, id); err != nil {
		return errors.Wrapf(err, "delete conversation %s", id)
	}
	m.mu.Lock()
	if m.pending != nil && m.pending.id == id {
		m.pending = nil
	}
	m.mu.Unlock()
	m.refreshList(ctx)
	return nil
}

// SetPinned pins or unpins conversation id.
func (m *Manager) SetPinned(ctx context.Context, id string, pinned bool) error {
	return m.patchMeta(ctx, id, storage.Patch{Pinned: &pinned})
}

// Rename sets the title of conversation id. A blank title is ignored by
// the store.
func (m *Manager) Rename(ctx context.Context, id, title string) error {
	return m.patchMeta(ctx, id, storage.Patch{Title: &title})
}

// SetSystemPrompt sets the active conversation's system prompt.
func (m *Manager) SetSystemPrompt(ctx context.Context, prompt string) error {
	id, err := m.activeID()
	if err != nil {
		return err
	}
	return m.patchMeta(ctx, id, storage.Patch{SystemPrompt: &prompt})
}

// SetSampling sets temperature and top_p on the active conversation. Nil
// values are left unchanged.
func (m *Manager) SetSampling(ctx context.Context, temperature, topP *float64) error {
	id, err := m.activeID()
	if err != nil {
		return err
	}
	return m.patchMeta(ctx, id, storage.Patch{Temperature: temperature, TopP: topP})
}

func (m *Manager) patchMeta(ctx context.Context, id string, patch storage.Patch) error {
	m.writeMu.Lock()
	stored, err := m.store.Patch(ctx, id, patch)
	m.writeMu.Unlock()
	if err != nil {
		return &PersistError{ConversationID: id, Cause: err}
	}

	m.mu.Lock()
	m.reconcileLocked(stored)
	m.mu.Unlock()
	m.emitConversation()
	m.refreshList(ctx)
	return nil
}

func (m *Manager) activeID() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conv == nil {
		return "", ErrNoConversation
	}
	return m.conv.ID, nil
}

func (m *Manager) activate(conv *model.Conversation) {
	m.mu.Lock()
	m.conv = conv
	m.ensureSystemLocked()
	m.mu.Unlock()
	m.emitConversation()
}

// ensureSystemLocked inserts the default system message into an empty
// transcript.
func (m *Manager) ensureSystemLocked() {
	if m.conv == nil || len(m.conv.Messages) > 0 || m.settings.SystemMessage == "" {
		return
	}
	m.conv.Messages = []model.Message{model.NewSystemMessage(m.settings.SystemMessage)}
}

// refreshList re-syncs the list; failures are reported, not returned.
func (m *Manager) refreshList(ctx context.Context) {
	if _, err := m.List(ctx); err != nil {
		m.log.WithError(err).Warn("conversation list refresh failed")
		m.emit(Event{Kind: EventError, Err: err})
	}
}

// =============================================================================
// OBSERVER
// =============================================================================

func (m *Manager) emit(ev Event) {
	if m.observer != nil {
		m.observer(ev)
	}
}

func (m *Manager) emitConversation() {
	m.mu.Lock()
	id := ""
	if m.conv != nil {
		id = m.conv.ID
	}
	m.mu.Unlock()
	m.emit(Event{Kind: EventConversation, ConversationID: id})
}
