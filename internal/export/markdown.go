// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/fern/internal/model"
)

// =============================================================================
// MARKDOWN EXPORTER
// =============================================================================

// MarkdownExporter exports conversations as Markdown.
type MarkdownExporter struct {
	options Options
}

// NewMarkdownExporter creates a Markdown exporter.
func NewMarkdownExporter(opts Options) *MarkdownExporter {
	return &MarkdownExporter{options: opts}
}

// Export renders conv as Markdown. Message bodies are written as-is since
// they already are markdown.
func (e *MarkdownExporter) Export(conv *model.Conversation) ([]byte, error) {
	if err := validate(conv); err != nil {
		return nil, err
	}

	var sb strings.Builder
	title := conv.GetTitle()

	if e.options.IncludeMetadata {
		sb.WriteString("---\n")
		fmt.Fprintf(&sb, "title: %s\n", escapeYAML(title))
		fmt.Fprintf(&sb, "id: %s\n", escapeYAML(conv.ID))
		fmt.Fprintf(&sb, "created: %s\n", conv.CreatedAt.Format(time.RFC3339))
		fmt.Fprintf(&sb, "updated: %s\n", conv.UpdatedAt.Format(time.RFC3339))
		fmt.Fprintf(&sb, "messages: %d\n", len(conv.Messages))
		if conv.Pinned {
			sb.WriteString("pinned: true\n")
		}
		fmt.Fprintf(&sb, "exported: %s\n", e.options.now().Format(time.RFC3339))
		sb.WriteString("generator: fern\n")
		sb.WriteString("---\n\n")
	}

	fmt.Fprintf(&sb, "# %s\n\n", escapeMarkdown(title))

	if conv.SystemPrompt != "" {
		sb.WriteString("> **System prompt:** ")
		sb.WriteString(strings.ReplaceAll(strings.TrimSpace(conv.SystemPrompt), "\n", "\n> "))
		sb.WriteString("\n\n")
	}

	for i, msg := range conv.Messages {
		if i > 0 {
			sb.WriteString("---\n\n")
		}
		e.writeMessage(&sb, msg)
	}

	return []byte(sb.String()), nil
}

func (e *MarkdownExporter) writeMessage(sb *strings.Builder, msg model.Message) {
	fmt.Fprintf(sb, "### %s", msg.Role.DisplayName())
	if e.options.IncludeTimestamps && !msg.CreatedAt.IsZero() {
		fmt.Fprintf(sb, " *(%s)*", msg.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	sb.WriteString("\n\n")

	if e.options.IncludeReasoning && msg.Reasoning != "" {
		sb.WriteString("<details>\n<summary>Reasoning</summary>\n\n")
		sb.WriteString(strings.TrimSpace(msg.Reasoning))
		sb.WriteString("\n\n</details>\n\n")
	}

	content := strings.TrimSpace(msg.Content)
	if content == "" {
		content = "*(empty)*"
	}
	sb.WriteString(content)
	sb.WriteString("\n\n")
}

// FileExtension returns ".md".
func (e *MarkdownExporter) FileExtension() string { return ".md" }

// MimeType returns "text/markdown".
func (e *MarkdownExporter) MimeType() string { return "text/markdown" }

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// escapeYAML quotes s as a double-quoted YAML scalar so titles cannot break
// out of the frontmatter.
func escapeYAML(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`"`, `\"`,
		"\n", `\n`,
		"\r", `\r`,
		"\t", `\t`,
	)
	return `"` + r.Replace(s) + `"`
}

// escapeMarkdown escapes characters that would turn a heading into markup.
func escapeMarkdown(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := strings.NewReplacer(
		`\`, `\\`,
		"`", "\\`",
		"*", `\*`,
		"_", `\_`,
		"[", `\[`,
		"]", `\]`,
		"<", `\<`,
		">", `\>`,
		"#", `\#`,
	)
	return r.Replace(s)
}
