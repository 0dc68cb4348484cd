// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/jeranaias/fern/internal/conversation"
	"github.com/jeranaias/fern/internal/model"
	"github.com/jeranaias/fern/internal/render"
	"github.com/jeranaias/fern/internal/stream"
)

// =============================================================================
// LINE-ORIENTED STREAM OUTPUT
// =============================================================================

// streamPrinter writes a live turn to a line-oriented writer: the reasoning
// as it is revealed, then the answer. Only the newly revealed suffix of each
// snapshot is written.
type streamPrinter struct {
	mu     sync.Mutex
	out    io.Writer
	render *render.Renderer

	convID    string
	reasoning int
	answer    int
}

func newStreamPrinter(out io.Writer, r *render.Renderer) *streamPrinter {
	return &streamPrinter{out: out, render: r}
}

// reset prepares for a new turn of conversation convID.
func (p *streamPrinter) reset(convID string) {
	p.mu.Lock()
	p.convID = convID
	p.reasoning = 0
	p.answer = 0
	p.mu.Unlock()
}

// observe is the manager observer. Snapshots of other conversations are
// ignored.
func (p *streamPrinter) observe(ev conversation.Event) {
	if ev.Kind != conversation.EventSnapshot {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.convID == "" || ev.ConversationID != p.convID {
		return
	}
	p.writeLocked(ev.Snapshot.Reasoning, ev.Snapshot.Answer)
}

// writeLocked writes what is new in reasoning and answer.
func (p *streamPrinter) writeLocked(reasoning, answer string) {
	if len(reasoning) > p.reasoning && p.answer == 0 {
		if p.reasoning == 0 {
			fmt.Fprint(p.out, p.render.Muted("Reasoning: "))
		}
		fmt.Fprint(p.out, p.render.Reasoning(reasoning[p.reasoning:]))
		p.reasoning = len(reasoning)
	}
	if len(answer) > p.answer {
		if p.answer == 0 && p.reasoning > 0 {
			fmt.Fprint(p.out, "\n\n")
		}
		fmt.Fprint(p.out, answer[p.answer:])
		p.answer = len(answer)
	}
}

// finish writes whatever the stream did not reveal, such as a fallback
// reply, and ends the line.
func (p *streamPrinter) finish(out conversation.Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	msg := out.Message
	if out.Committed || out.Fallback {
		if p.reasoning == 0 && p.answer == 0 {
			// Nothing streamed: print the stored reply with highlighting.
			if msg.Reasoning != "" {
				fmt.Fprintln(p.out, p.render.Muted("Reasoning: ")+p.render.Reasoning(msg.Reasoning))
				fmt.Fprintln(p.out)
			}
			fmt.Fprint(p.out, p.render.Plain(msg.Content))
			p.answer = len(msg.Content)
		} else {
			p.writeLocked(msg.Reasoning, msg.Content)
		}
	}
	if p.reasoning > 0 || p.answer > 0 {
		fmt.Fprintln(p.out)
	}
	if line := outcomeLine(out); line != "" {
		fmt.Fprintln(p.out, p.render.Muted(line))
	}
}

// outcomeLine summarises a finished turn that did not end normally.
func outcomeLine(out conversation.Outcome) string {
	switch {
	case out.State == stream.StateCancelled && out.Committed:
		return "[stopped; partial reply kept]"
	case out.State == stream.StateCancelled:
		return "[stopped]"
	case out.Err != nil:
		return ""
	case out.PersistErr != nil:
		return "[reply not saved: " + out.PersistErr.Error() + "]"
	case out.Fallback:
		return "[answered without streaming]"
	case out.Warning != nil:
		return "[reply had unbalanced reasoning markers]"
	}
	return ""
}

// printTranscript writes every message of conv, numbered from 1.
func printTranscript(w io.Writer, r *render.Renderer, conv *model.Conversation) {
	for i, msg := range conv.Messages {
		label := fmt.Sprintf("[%d] %s", i+1, msg.Role.DisplayName())
		fmt.Fprintln(w, r.Muted(label))
		if msg.Reasoning != "" {
			fmt.Fprintln(w, r.Reasoning(msg.Reasoning))
		}
		fmt.Fprintln(w, strings.TrimRight(r.Plain(msg.Content), "\n"))
		fmt.Fprintln(w)
	}
}
