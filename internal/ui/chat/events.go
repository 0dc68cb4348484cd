// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/jeranaias/fern/internal/conversation"
)

// eventBuffer bounds queued manager events. Snapshots beyond it are dropped;
// the next snapshot supersedes them anyway.
const eventBuffer = 256

// Events forwards manager events into the bubbletea loop.
type Events struct {
	ch     chan conversation.Event
	closed chan struct{}
	once   sync.Once
}

// NewEvents creates an event queue.
func NewEvents() *Events {
	return &Events{
		ch:     make(chan conversation.Event, eventBuffer),
		closed: make(chan struct{}),
	}
}

// Observe is the manager observer. Snapshots never block the session;
// every other event is delivered until Close.
func (e *Events) Observe(ev conversation.Event) {
	if ev.Kind == conversation.EventSnapshot {
		select {
		case e.ch <- ev:
		default:
		}
		return
	}
	select {
	case e.ch <- ev:
	case <-e.closed:
	}
}

// Close stops delivery. Later events are discarded.
func (e *Events) Close() {
	e.once.Do(func() { close(e.closed) })
}

// eventMsg wraps a manager event as a tea.Msg.
type eventMsg struct {
	conversation.Event
}

// wait returns a command that delivers the next event.
func (e *Events) wait() tea.Cmd {
	return func() tea.Msg {
		select {
		case ev := <-e.ch:
			return eventMsg{ev}
		case <-e.closed:
			return nil
		}
	}
}
