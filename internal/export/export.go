// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/jeranaias/fern/internal/model"
	"github.com/jeranaias/fern/internal/util"
)

// =============================================================================
// EXPORT INTERFACE
// =============================================================================

// Exporter renders a conversation in one format.
type Exporter interface {
	// Export renders conv.
	Export(conv *model.Conversation) ([]byte, error)

	// FileExtension is the extension including the dot, e.g. ".md".
	FileExtension() string

	// MimeType is the content type of the output.
	MimeType() string
}

// Formats lists the names accepted by New.
var Formats = []string{"markdown", "json", "html"}

// ErrNoMessages is returned for conversations with nothing to export.
var ErrNoMessages = errors.New("conversation has no messages")

// =============================================================================
// EXPORT OPTIONS
// =============================================================================

// Options configures the exporters.
type Options struct {
	// IncludeMetadata adds the frontmatter or header block.
	IncludeMetadata bool

	// IncludeTimestamps adds per-message times.
	IncludeTimestamps bool

	// IncludeReasoning keeps assistant reasoning.
	IncludeReasoning bool

	// Theme for HTML export ("light" or "dark").
	Theme string

	// Now stamps the export time. Defaults to time.Now.
	Now func() time.Time
}

// DefaultOptions returns the options used by the CLI.
func DefaultOptions() Options {
	return Options{
		IncludeMetadata:   true,
		IncludeTimestamps: true,
		IncludeReasoning:  true,
		Theme:             "dark",
	}
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// New returns the exporter for format.
func New(format string, opts Options) (Exporter, error) {
	switch strings.ToLower(format) {
	case "markdown", "md":
		return &MarkdownExporter{options: opts}, nil
	case "json":
		return &JSONExporter{options: opts}, nil
	case "html", "htm":
		return &HTMLExporter{options: opts}, nil
	}
	return nil, errors.Errorf("unknown export format %q (want one of %s)", format, strings.Join(Formats, ", "))
}

// =============================================================================
// EXPORT FUNCTIONS
// =============================================================================

// Filename is the default file name for conv in exp's format.
func Filename(conv *model.Conversation, exp Exporter) string {
	return fmt.Sprintf("conversation_%s_%s%s",
		sanitizeFilename(conv.GetTitle()),
		conv.UpdatedAt.Format("20060102_150405"),
		exp.FileExtension())
}

// ToFile renders conv and writes it into dir under Filename. The path of the
// written file is returned.
func ToFile(conv *model.Conversation, exp Exporter, dir string) (string, error) {
	if dir == "" {
		dir = "."
	}
	return WriteFile(conv, exp, filepath.Join(dir, Filename(conv, exp)))
}

// WriteFile renders conv and writes it to path atomically.
func WriteFile(conv *model.Conversation, exp Exporter, path string) (string, error) {
	content, err := exp.Export(conv)
	if err != nil {
		return "", errors.Wrap(err, "export failed")
	}
	if err := util.AtomicWriteFileWithDir(path, content, 0644, 0755); err != nil {
		return "", errors.Wrap(err, "write export")
	}
	return path, nil
}

// validate rejects conversations that cannot be exported.
func validate(conv *model.Conversation) error {
	if conv == nil {
		return errors.New("conversation is nil")
	}
	if len(conv.Messages) == 0 {
		return ErrNoMessages
	}
	return nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// filenameReplacer maps characters that are invalid in file names on some
// platform.
var filenameReplacer = map[rune]rune{
	'/':  '-',
	'\\': '-',
	':':  '-',
	'*':  '-',
	'?':  '-',
	'"':  '-',
	'<':  '-',
	'>':  '-',
	'|':  '-',
	' ':  '_',
	'\t': '_',
	'\n': '_',
	'\r': '_',
}

// sanitizeFilename makes s safe to use as part of a file name.
func sanitizeFilename(s string) string {
	s = util.TruncateRunes(strings.TrimSpace(s), 50)

	var b strings.Builder
	for _, r := range s {
		switch repl, found := filenameReplacer[r]; {
		case found:
			b.WriteRune(repl)
		case r < 32 || r == 127:
			b.WriteRune('-')
		default:
			b.WriteRune(r)
		}
	}

	out := strings.Trim(b.String(), ".-_")
	if out == "" {
		return "conversation"
	}
	return out
}

// Open opens path in the desktop's default application.
func Open(path string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", `""`, path)
	case "darwin":
		cmd = exec.Command("open", path)
	case "linux", "freebsd", "openbsd":
		cmd = exec.Command("xdg-open", path)
	default:
		return errors.Errorf("unsupported platform: %s", runtime.GOOS)
	}
	return cmd.Start()
}
