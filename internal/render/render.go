// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package render

import (
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	chromaStyles "github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/glamour"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// =============================================================================
// TERMINAL DETECTION
// =============================================================================

const (
	// DefaultWidth is used when the terminal size is unknown.
	DefaultWidth = 80
	// MinWidth is the narrowest wrap width.
	MinWidth = 40
)

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Width returns the width of the terminal on f, clamped to MinWidth.
func Width(f *os.File) int {
	w, _, err := term.GetSize(int(f.Fd()))
	if err != nil || w <= 0 {
		return DefaultWidth
	}
	if w < MinWidth {
		return MinWidth
	}
	return w
}

// Profile returns the colour profile for output to f. Pipes and NO_COLOR
// get termenv.Ascii.
func Profile(f *os.File) termenv.Profile {
	if os.Getenv("NO_COLOR") != "" || !IsTerminal(f) {
		return termenv.Ascii
	}
	return termenv.NewOutput(f).EnvColorProfile()
}

// =============================================================================
// RENDERER
// =============================================================================

// Renderer formats replies for one terminal.
type Renderer struct {
	width   int
	profile termenv.Profile
	md      *glamour.TermRenderer
}

// New creates a renderer wrapping at width columns.
func New(width int, profile termenv.Profile) *Renderer {
	if width < MinWidth {
		width = MinWidth
	}
	r := &Renderer{width: width, profile: profile}

	style := "dark"
	if profile == termenv.Ascii {
		style = "notty"
	} else if !termenv.HasDarkBackground() {
		style = "light"
	}
	md, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(style),
		glamour.WithWordWrap(width-4),
		glamour.WithColorProfile(profile),
	)
	if err == nil {
		r.md = md
	}
	return r
}

// Width returns the wrap width.
func (r *Renderer) Width() int { return r.width }

// Colored reports whether output carries ANSI styling.
func (r *Renderer) Colored() bool { return r.profile != termenv.Ascii }

// Markdown renders text as markdown. On failure the text is returned as is.
func (r *Renderer) Markdown(text string) string {
	if r.md == nil || strings.TrimSpace(text) == "" {
		return text
	}
	out, err := r.md.Render(text)
	if err != nil {
		return text
	}
	return strings.Trim(out, "\n")
}

// Reasoning styles a reasoning section: dim and italic.
func (r *Renderer) Reasoning(text string) string {
	if !r.Colored() {
		return text
	}
	return termenv.String(text).Faint().Italic().String()
}

// Error styles an error line.
func (r *Renderer) Error(text string) string {
	if !r.Colored() {
		return text
	}
	return termenv.String(text).Foreground(r.profile.Color("1")).String()
}

// Muted styles secondary text such as status lines.
func (r *Renderer) Muted(text string) string {
	if !r.Colored() {
		return text
	}
	return termenv.String(text).Foreground(r.profile.Color("8")).String()
}

// =============================================================================
// SYNTAX HIGHLIGHTING (Chroma-based)
// =============================================================================

// Highlight applies syntax highlighting to code. The language is detected
// when lang is empty or unknown. Uncoloured renderers return code unchanged.
func (r *Renderer) Highlight(code, lang string) string {
	if !r.Colored() {
		return code
	}

	lexer := lexers.Get(lang)
	if lexer == nil {
		lexer = lexers.Analyse(code)
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	style := chromaStyles.Get("monokai")
	if style == nil {
		style = chromaStyles.Fallback
	}

	name := "terminal256"
	switch r.profile {
	case termenv.TrueColor:
		name = "terminal16m"
	case termenv.ANSI:
		name = "terminal16"
	}
	formatter := formatters.Get(name)
	if formatter == nil {
		formatter = formatters.Fallback
	}

	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code
	}
	var buf strings.Builder
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return code
	}
	return strings.TrimRight(buf.String(), "\n")
}

// =============================================================================
// FENCED CODE BLOCKS
// =============================================================================

// Block is one piece of a reply: prose, or a fenced code block.
type Block struct {
	Code bool
	Lang string
	Text string
}

// SplitFences splits text into prose and fenced code blocks. An unclosed
// fence runs to the end of the text.
func SplitFences(text string) []Block {
	var blocks []Block
	var cur []string
	inCode := false
	lang := ""

	flush := func(code bool) {
		if len(cur) == 0 && !code {
			return
		}
		blocks = append(blocks, Block{Code: code, Lang: lang, Text: strings.Join(cur, "\n")})
		cur = nil
	}

	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			if inCode {
				flush(true)
				lang = ""
				inCode = false
			} else {
				flush(false)
				lang = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "```"))
				inCode = true
			}
			continue
		}
		cur = append(cur, line)
	}
	flush(inCode)
	return blocks
}

// Plain renders text for line-oriented output: prose unchanged, code blocks
// highlighted and framed by their fences.
func (r *Renderer) Plain(text string) string {
	var out []string
	for _, b := range SplitFences(text) {
		if !b.Code {
			out = append(out, b.Text)
			continue
		}
		out = append(out, "```"+b.Lang, r.Highlight(b.Text, b.Lang), "```")
	}
	return strings.Join(out, "\n")
}
