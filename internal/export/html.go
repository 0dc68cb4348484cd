// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"bytes"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/jeranaias/fern/internal/model"
)

// =============================================================================
// HTML EXPORTER
// =============================================================================

// HTMLExporter exports conversations as a single page with embedded CSS.
type HTMLExporter struct {
	options Options
}

// NewHTMLExporter creates an HTML exporter.
func NewHTMLExporter(opts Options) *HTMLExporter {
	return &HTMLExporter{options: opts}
}

// markdown converts message text. Raw HTML in messages is omitted and
// dangerous link schemes are dropped since the renderer is not in unsafe
// mode.
var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// Export renders conv as HTML.
func (e *HTMLExporter) Export(conv *model.Conversation) ([]byte, error) {
	if err := validate(conv); err != nil {
		return nil, err
	}

	theme := e.options.Theme
	if theme != "light" {
		theme = "dark"
	}
	title := html.EscapeString(conv.GetTitle())

	var sb strings.Builder
	sb.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	sb.WriteString("    <meta charset=\"UTF-8\">\n")
	sb.WriteString("    <meta name=\"viewport\" content=\"width=device-width, initial-scale=1.0\">\n")
	fmt.Fprintf(&sb, "    <title>%s</title>\n", title)
	sb.WriteString("    <meta name=\"generator\" content=\"fern\">\n")
	fmt.Fprintf(&sb, "    <meta name=\"date\" content=\"%s\">\n", conv.CreatedAt.Format(time.RFC3339))
	sb.WriteString(css)
	sb.WriteString("</head>\n")
	fmt.Fprintf(&sb, "<body class=\"%s-theme\">\n<div class=\"container\">\n", theme)

	if e.options.IncludeMetadata {
		sb.WriteString("<header class=\"header\">\n")
		fmt.Fprintf(&sb, "  <h1>%s</h1>\n", title)
		sb.WriteString("  <div class=\"metadata\">\n")
		fmt.Fprintf(&sb, "    <span><strong>Created:</strong> %s</span>\n", conv.CreatedAt.Local().Format("2006-01-02 15:04"))
		fmt.Fprintf(&sb, "    <span><strong>Messages:</strong> %d</span>\n", len(conv.Messages))
		sb.WriteString("    <button class=\"theme-toggle\" onclick=\"toggleTheme()\">Theme</button>\n")
		sb.WriteString("  </div>\n</header>\n")
	}

	sb.WriteString("<main class=\"conversation\">\n")
	if conv.SystemPrompt != "" {
		fmt.Fprintf(&sb, "<div class=\"system-prompt\"><strong>System prompt:</strong> %s</div>\n",
			html.EscapeString(conv.SystemPrompt))
	}
	for _, msg := range conv.Messages {
		if err := e.writeMessage(&sb, msg); err != nil {
			return nil, err
		}
	}
	sb.WriteString("</main>\n")

	fmt.Fprintf(&sb, "<footer class=\"footer\">Exported from fern on %s</footer>\n",
		e.options.now().Format("January 2, 2006 at 3:04 PM"))
	sb.WriteString("</div>\n")
	sb.WriteString(script)
	sb.WriteString("</body>\n</html>\n")

	return []byte(sb.String()), nil
}

func (e *HTMLExporter) writeMessage(sb *strings.Builder, msg model.Message) error {
	role := string(msg.Role)
	if !msg.Role.Valid() {
		role = "unknown"
	}
	fmt.Fprintf(sb, "<div class=\"message %s-message\">\n", role)
	fmt.Fprintf(sb, "  <div class=\"message-header\"><span class=\"role\">%s</span>", html.EscapeString(msg.Role.DisplayName()))
	if e.options.IncludeTimestamps && !msg.CreatedAt.IsZero() {
		fmt.Fprintf(sb, "<span class=\"time\">%s</span>", msg.CreatedAt.Format("15:04:05"))
	}
	sb.WriteString("</div>\n")

	if e.options.IncludeReasoning && msg.Reasoning != "" {
		body, err := renderMarkdown(msg.Reasoning)
		if err != nil {
			return err
		}
		fmt.Fprintf(sb, "  <details class=\"reasoning\"><summary>Reasoning</summary>\n%s</details>\n", body)
	}

	body, err := renderMarkdown(msg.Content)
	if err != nil {
		return err
	}
	fmt.Fprintf(sb, "  <div class=\"message-content\">\n%s</div>\n</div>\n", body)
	return nil
}

// renderMarkdown converts one message body to HTML.
func renderMarkdown(src string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(src), &buf); err != nil {
		return "", errors.Wrap(err, "render markdown")
	}
	return buf.String(), nil
}

// FileExtension returns ".html".
func (e *HTMLExporter) FileExtension() string { return ".html" }

// MimeType returns "text/html".
func (e *HTMLExporter) MimeType() string { return "text/html" }

// =============================================================================
// STYLES AND SCRIPT
// =============================================================================

const css = `<style>
* { margin: 0; padding: 0; box-sizing: border-box; }
:root {
    --font-sans: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Arial, sans-serif;
    --font-mono: "SF Mono", Monaco, Inconsolata, "Fira Code", monospace;
}
.dark-theme {
    --bg: #1a1b26; --bg-alt: #24283b; --bg-head: #414868;
    --text: #c0caf5; --muted: #565f89; --border: #414868;
    --user: #1f2335; --accent: #7aa2f7; --accent-alt: #9ece6a;
}
.light-theme {
    --bg: #ffffff; --bg-alt: #f7f8fa; --bg-head: #e1e4e8;
    --text: #24292e; --muted: #6a737d; --border: #e1e4e8;
    --user: #f6f8fa; --accent: #0366d6; --accent-alt: #22863a;
}
body { font-family: var(--font-sans); line-height: 1.6; color: var(--text); background: var(--bg); padding: 20px; }
.container { max-width: 900px; margin: 0 auto; background: var(--bg-alt); border-radius: 12px; overflow: hidden; }
.header { padding: 32px; background: var(--bg-head); border-bottom: 2px solid var(--border); }
.header h1 { font-size: 28px; margin-bottom: 12px; }
.metadata { display: flex; flex-wrap: wrap; gap: 16px; font-size: 14px; color: var(--muted); align-items: center; }
.theme-toggle { margin-left: auto; padding: 4px 12px; border: 1px solid var(--border); border-radius: 6px; background: var(--bg); color: var(--text); cursor: pointer; }
.conversation { padding: 24px; }
.system-prompt { margin-bottom: 24px; padding: 12px 16px; border-left: 3px solid var(--muted); color: var(--muted); white-space: pre-wrap; }
.message { margin-bottom: 24px; padding: 16px 20px; border-radius: 8px; border: 1px solid var(--border); }
.user-message { background: var(--user); }
.message-header { display: flex; justify-content: space-between; margin-bottom: 8px; font-size: 14px; }
.role { font-weight: 700; color: var(--accent); }
.assistant-message .role { color: var(--accent-alt); }
.time { color: var(--muted); }
.reasoning { margin-bottom: 12px; padding: 8px 12px; color: var(--muted); font-style: italic; border-left: 3px solid var(--border); }
.reasoning summary { cursor: pointer; font-style: normal; }
.message-content p { margin-bottom: 12px; }
.message-content ul, .message-content ol { margin: 0 0 12px 24px; }
code { font-family: var(--font-mono); font-size: 0.9em; background: var(--bg); padding: 2px 4px; border-radius: 4px; }
pre { background: var(--bg); padding: 12px; border-radius: 6px; overflow-x: auto; margin-bottom: 12px; }
pre code { padding: 0; }
table { border-collapse: collapse; margin-bottom: 12px; }
th, td { border: 1px solid var(--border); padding: 4px 8px; }
a { color: var(--accent); }
.footer { padding: 16px 32px; font-size: 13px; color: var(--muted); border-top: 1px solid var(--border); text-align: center; }
</style>
`

const script = `<script>
function toggleTheme() {
    const body = document.body;
    const next = body.classList.contains('dark-theme') ? 'light' : 'dark';
    body.classList.remove('dark-theme', 'light-theme');
    body.classList.add(next + '-theme');
    localStorage.setItem('theme', next);
}
document.addEventListener('DOMContentLoaded', function() {
    const saved = localStorage.getItem('theme');
    if (saved === 'dark' || saved === 'light') {
        document.body.classList.remove('dark-theme', 'light-theme');
        document.body.classList.add(saved + '-theme');
    }
});
</script>
`
