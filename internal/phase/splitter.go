// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package phase

import (
	"errors"
	"strings"
)

// =============================================================================
// PHASE TYPE
// =============================================================================

// Phase classifies where a streamed response currently is.
type Phase int

const (
	// Unknown means no reasoning marker has been seen yet.
	Unknown Phase = iota
	// Reasoning means the reasoning section is still being written.
	Reasoning
	// Answer means the answer section has started.
	Answer
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	switch p {
	case Unknown:
		return "unknown"
	case Reasoning:
		return "reasoning"
	case Answer:
		return "answer"
	default:
		return "invalid"
	}
}

// =============================================================================
// MARKERS
// =============================================================================

const (
	// ReasoningMarker opens the reasoning section.
	ReasoningMarker = "Reasoning:"
	// AnswerMarker opens the answer section.
	AnswerMarker = "Answer:"
	// Boundary is the implicit end of reasoning for models that omit AnswerMarker.
	Boundary = "\n\n"
)

// ErrMalformedMarkers reports a reasoning section that never ended.
var ErrMalformedMarkers = errors.New("reasoning marker without answer boundary")

// =============================================================================
// SPLIT
// =============================================================================

// Split is the classification of an accumulated response.
type Split struct {
	Reasoning string
	Answer    string
	Phase     Phase
}

// Splitter divides accumulated text into reasoning and answer sections.
//
// Split is a pure function of the full text, so feeding the same text in any
// chunking yields the same result. While the stream is live, any tail that
// could still turn into a marker or a boundary is held back rather than shown
// and later retracted. The one exception is an answer cut at a blank line:
// a later AnswerMarker moves that cut, so callers must accept an answer that
// no longer extends the previous one.
type Splitter struct {
	// HoldUnknown keeps text out of the answer until a marker resolves it.
	// Set when the turn asked the model for a reasoning section.
	HoldUnknown bool
}

// Split classifies text as seen so far. The returned phase is never behind
// prev.
func (s Splitter) Split(text string, prev Phase) Split {
	out := s.scan(text)
	if out.Phase < prev {
		out.Phase = prev
	}
	return out
}

func (s Splitter) scan(text string) Split {
	r := strings.Index(text, ReasoningMarker)
	if r < 0 {
		if s.HoldUnknown {
			return Split{Phase: Unknown}
		}
		return Split{Answer: trimPartial(text, ReasoningMarker), Phase: Unknown}
	}

	body := strings.TrimLeft(text[r+len(ReasoningMarker):], whitespace)
	cut := locate(body)
	switch cut.kind {
	case cutAnswer:
		return Split{
			Reasoning: strings.TrimSpace(body[:cut.at]),
			Answer:    strings.TrimSpace(body[cut.rest:]),
			Phase:     Answer,
		}
	case cutBoundary:
		// Provisional: a later AnswerMarker moves the cut and the answer
		// is re-split.
		return Split{
			Reasoning: strings.TrimSpace(body[:cut.at]),
			Answer:    strings.TrimSpace(trimPartial(body[cut.rest:], AnswerMarker)),
			Phase:     Answer,
		}
	case cutPending:
		return Split{
			Reasoning: strings.TrimRight(body[:cut.at], whitespace),
			Phase:     Reasoning,
		}
	default:
		return Split{
			Reasoning: strings.TrimRight(trimPartial(body, AnswerMarker), whitespace),
			Phase:     Reasoning,
		}
	}
}

// Finish produces the final classification once the stream has ended.
// Text without markers is returned unmodified as the answer. A reasoning
// marker that is never closed returns the remaining text as the answer
// together with ErrMalformedMarkers; the split is still usable.
func (s Splitter) Finish(text string) (Split, error) {
	r := strings.Index(text, ReasoningMarker)
	if r < 0 {
		return Split{Answer: text, Phase: Answer}, nil
	}

	body := strings.TrimLeft(text[r+len(ReasoningMarker):], whitespace)
	cut := locate(body)
	switch cut.kind {
	case cutAnswer, cutBoundary:
		return Split{
			Reasoning: strings.TrimSpace(body[:cut.at]),
			Answer:    strings.TrimSpace(body[cut.rest:]),
			Phase:     Answer,
		}, nil
	case cutPending:
		// A blank line followed only by a partial marker: nothing more is
		// coming, so the blank line was the boundary after all.
		rest := strings.TrimSpace(body[cut.at+len(Boundary):])
		if rest != "" {
			return Split{
				Reasoning: strings.TrimSpace(body[:cut.at]),
				Answer:    rest,
				Phase:     Answer,
			}, nil
		}
	}
	return Split{Answer: strings.TrimSpace(body), Phase: Answer}, ErrMalformedMarkers
}

// =============================================================================
// HELPERS
// =============================================================================

const whitespace = " \t\r\n"

type cutKind int

const (
	cutNone cutKind = iota
	cutAnswer
	cutBoundary
	cutPending
)

// cut locates the end of the reasoning section inside body.
// Reasoning is body[:at]; the answer starts at body[rest:].
type cut struct {
	kind cutKind
	at   int
	rest int
}

// locate finds the end of the reasoning section inside body. An
// AnswerMarker anywhere in body wins. Without one the first blank line is
// the boundary, but only once the text after it is known not to be the
// start of an AnswerMarker; until then the cut is pending.
func locate(body string) cut {
	if ai := strings.Index(body, AnswerMarker); ai >= 0 {
		return cut{kind: cutAnswer, at: ai, rest: ai + len(AnswerMarker)}
	}
	bi := strings.Index(body, Boundary)
	if bi < 0 {
		return cut{kind: cutNone}
	}

	tail := strings.TrimLeft(body[bi+len(Boundary):], whitespace)
	if tail == "" || strings.HasPrefix(AnswerMarker, tail) {
		return cut{kind: cutPending, at: bi}
	}
	return cut{kind: cutBoundary, at: bi, rest: bi + len(Boundary)}
}

// trimPartial drops a suffix of s that is a proper prefix of marker, since
// the next fragment may complete it.
func trimPartial(s, marker string) string {
	max := len(marker) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(s, marker[:n]) {
			return s[:len(s)-n]
		}
	}
	return s
}
