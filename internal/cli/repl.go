// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/pkg/errors"

	"github.com/jeranaias/fern/internal/config"
	"github.com/jeranaias/fern/internal/conversation"
	"github.com/jeranaias/fern/internal/export"
	"github.com/jeranaias/fern/internal/model"
	"github.com/jeranaias/fern/internal/render"
)

// =============================================================================
// LINE INPUT
// =============================================================================

// lineReader reads one line of input after showing a prompt.
type lineReader interface {
	Prompt(prompt string) (string, error)
	Close() error
}

// linerReader provides history and line editing on a terminal.
type linerReader struct {
	line        *liner.State
	historyFile string
}

func newLinerReader() *linerReader {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	line.SetCompleter(completeCommand)

	r := &linerReader{line: line}
	if dir, err := config.ConfigDir(); err == nil {
		r.historyFile = filepath.Join(dir, "chat_history")
		if f, err := os.Open(r.historyFile); err == nil {
			line.ReadHistory(f)
			f.Close()
		}
	}
	return r
}

func (r *linerReader) Prompt(prompt string) (string, error) {
	input, err := r.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		r.line.AppendHistory(input)
	}
	return input, nil
}

// Close saves history with owner-only permissions and restores the terminal.
func (r *linerReader) Close() error {
	if r.historyFile != "" {
		if err := os.MkdirAll(filepath.Dir(r.historyFile), 0700); err == nil {
			if f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
				r.line.WriteHistory(f)
				f.Close()
			}
		}
	}
	return r.line.Close()
}

// scanReader reads lines from a pipe; prompts are not shown.
type scanReader struct {
	s *bufio.Scanner
}

func newScanReader(in io.Reader) *scanReader {
	s := bufio.NewScanner(in)
	s.Buffer(make([]byte, 64*1024), 1<<20)
	return &scanReader{s: s}
}

func (r *scanReader) Prompt(string) (string, error) {
	if r.s.Scan() {
		return r.s.Text(), nil
	}
	if err := r.s.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (r *scanReader) Close() error { return nil }

// =============================================================================
// REPL
// =============================================================================

// replCommands lists the slash commands with their help text.
var replCommands = []struct {
	name, args, help string
}{
	{"/new", "", "Start a new conversation"},
	{"/list", "", "List conversations"},
	{"/open", "N|ID", "Open a conversation from /list, or by ID"},
	{"/history", "", "Show the open conversation"},
	{"/regen", "[N]", "Regenerate the last reply, or the reply at message N"},
	{"/edit", "N TEXT", "Replace the text of message N"},
	{"/delete", "N", "Delete message N"},
	{"/pin", "", "Pin or unpin the open conversation"},
	{"/rename", "TITLE", "Rename the open conversation"},
	{"/system", "PROMPT", "Set the system prompt of the open conversation"},
	{"/reasoning", "[on|off]", "Toggle the reasoning section"},
	{"/model", "PROVIDER [MODEL]", "Switch provider and model"},
	{"/export", "[markdown|json|html]", "Write the open conversation to a file in the current directory"},
	{"/retry", "", "Retry saving after a failed write"},
	{"/help", "", "Show this help"},
	{"/quit", "", "Exit (also Ctrl+D)"},
}

func completeCommand(line string) []string {
	if !strings.HasPrefix(line, "/") || strings.Contains(line, " ") {
		return nil
	}
	var out []string
	for _, c := range replCommands {
		if strings.HasPrefix(c.name, line) {
			out = append(out, c.name)
		}
	}
	return out
}

// repl is the line-based chat loop.
type repl struct {
	ctx     context.Context
	mgr     *conversation.Manager
	out     io.Writer
	render  *render.Renderer
	printer *streamPrinter

	// catchInterrupts makes Ctrl+C stop a live turn instead of the process.
	catchInterrupts bool

	// listed is the last /list output, for /open N.
	listed []model.Summary
}

// runREPL runs the line-based chat until EOF or /quit.
func runREPL(ctx context.Context, o *options, co chatOptions, in io.Reader, out io.Writer) error {
	r := rendererFor(out)
	printer := newStreamPrinter(out, r)
	mgr, err := o.newManager(co.turn, printer.observe)
	if err != nil {
		return err
	}
	defer mgr.Close()

	var reader lineReader
	interactive := in == os.Stdin && render.IsTerminal(os.Stdin)
	if interactive {
		reader = newLinerReader()
	} else {
		reader = newScanReader(in)
	}
	defer reader.Close()

	rp := &repl{
		ctx:             ctx,
		mgr:             mgr,
		out:             out,
		render:          r,
		printer:         printer,
		catchInterrupts: interactive,
	}
	if co.open != "" {
		if err := rp.open(co.open); err != nil {
			return err
		}
	}
	if interactive {
		s := mgr.Settings()
		fmt.Fprintln(out, r.Muted(fmt.Sprintf("fern chat · %s · type /help for commands", modelLabel(s))))
	}
	return rp.loop(reader)
}

func (rp *repl) loop(reader lineReader) error {
	for {
		line, err := reader.Prompt("> ")
		if errors.Is(err, liner.ErrPromptAborted) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read input")
		}

		quit, err := rp.handle(line)
		if err != nil {
			fmt.Fprintln(rp.out, rp.render.Error("Error: "+err.Error()))
		}
		if quit {
			return nil
		}
		if rp.ctx.Err() != nil {
			return nil
		}
	}
}

// handle runs one input line: a slash command, or a message to send.
func (rp *repl) handle(line string) (quit bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, rp.turn(rp.mgr.SendTurn(rp.ctx, line))
	}

	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(name) {
	case "/quit", "/exit", "/q":
		return true, nil

	case "/help", "/h", "/?":
		rp.help()

	case "/new":
		if _, err := rp.mgr.New(rp.ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(rp.out, rp.render.Muted("New conversation."))

	case "/list", "/ls":
		items, err := rp.mgr.List(rp.ctx)
		if err != nil {
			return false, err
		}
		rp.listed = items
		printSummaries(rp.out, rp.render, items, time.Now())

	case "/open":
		if arg == "" {
			return false, errors.New("usage: /open N|ID")
		}
		return false, rp.open(arg)

	case "/history":
		conv := rp.mgr.Conversation()
		if conv == nil {
			return false, conversation.ErrNoConversation
		}
		printTranscript(rp.out, rp.render, conv)

	case "/regen":
		if arg == "" {
			return false, rp.turn(rp.mgr.Regenerate(rp.ctx))
		}
		n, err := messageNumber(arg)
		if err != nil {
			return false, err
		}
		// Re-sends the last user message at or before message N.
		return false, rp.turn(rp.mgr.RegenerateFrom(rp.ctx, n))

	case "/edit":
		num, text, _ := strings.Cut(arg, " ")
		n, err := messageNumber(num)
		if err != nil {
			return false, err
		}
		if strings.TrimSpace(text) == "" {
			return false, errors.New("usage: /edit N TEXT")
		}
		if err := rp.mgr.EditMessage(rp.ctx, n-1, strings.TrimSpace(text)); err != nil {
			return false, err
		}
		fmt.Fprintln(rp.out, rp.render.Muted(fmt.Sprintf("Edited message %d.", n)))

	case "/delete":
		n, err := messageNumber(arg)
		if err != nil {
			return false, err
		}
		if err := rp.mgr.DeleteMessage(rp.ctx, n-1); err != nil {
			return false, err
		}
		fmt.Fprintln(rp.out, rp.render.Muted(fmt.Sprintf("Deleted message %d.", n)))

	case "/pin":
		conv := rp.mgr.Conversation()
		if conv == nil {
			return false, conversation.ErrNoConversation
		}
		if err := rp.mgr.SetPinned(rp.ctx, conv.ID, !conv.Pinned); err != nil {
			return false, err
		}
		if conv.Pinned {
			fmt.Fprintln(rp.out, rp.render.Muted("Unpinned."))
		} else {
			fmt.Fprintln(rp.out, rp.render.Muted("Pinned."))
		}

	case "/rename":
		conv := rp.mgr.Conversation()
		if conv == nil {
			return false, conversation.ErrNoConversation
		}
		if arg == "" {
			return false, errors.New("usage: /rename TITLE")
		}
		if err := rp.mgr.Rename(rp.ctx, conv.ID, arg); err != nil {
			return false, err
		}
		fmt.Fprintln(rp.out, rp.render.Muted("Renamed."))

	case "/system":
		if err := rp.mgr.SetSystemPrompt(rp.ctx, arg); err != nil {
			return false, err
		}
		fmt.Fprintln(rp.out, rp.render.Muted("System prompt set."))

	case "/reasoning":
		on := !rp.mgr.Settings().Reasoning
		switch strings.ToLower(arg) {
		case "on", "true", "1":
			on = true
		case "off", "false", "0":
			on = false
		case "":
		default:
			return false, errors.New("usage: /reasoning [on|off]")
		}
		rp.mgr.SetReasoning(on)
		if on {
			fmt.Fprintln(rp.out, rp.render.Muted("Reasoning on."))
		} else {
			fmt.Fprintln(rp.out, rp.render.Muted("Reasoning off."))
		}

	case "/model":
		fields := strings.Fields(arg)
		if len(fields) == 0 || len(fields) > 2 {
			fmt.Fprintln(rp.out, rp.render.Muted(modelLabel(rp.mgr.Settings())))
			return false, nil
		}
		modelName := ""
		if len(fields) == 2 {
			modelName = fields[1]
		}
		rp.mgr.SetModel(strings.ToLower(fields[0]), modelName)
		fmt.Fprintln(rp.out, rp.render.Muted("Using "+modelLabel(rp.mgr.Settings())+"."))

	case "/export":
		conv := rp.mgr.Conversation()
		if conv == nil {
			return false, conversation.ErrNoConversation
		}
		format := "markdown"
		if arg != "" {
			format = arg
		}
		exp, err := export.New(format, export.DefaultOptions())
		if err != nil {
			return false, err
		}
		path, err := export.ToFile(conv, exp, ".")
		if err != nil {
			return false, err
		}
		fmt.Fprintln(rp.out, rp.render.Muted("Exported to "+path+"."))

	case "/retry":
		if !rp.mgr.HasPendingWrite() {
			fmt.Fprintln(rp.out, rp.render.Muted("Nothing to retry."))
			return false, nil
		}
		if err := rp.mgr.RetryPersist(rp.ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(rp.out, rp.render.Muted("Saved."))

	default:
		return false, errors.Errorf("unknown command %s (try /help)", name)
	}
	return false, nil
}

// turn waits for a started turn and prints it.
func (rp *repl) turn(t *conversation.Turn, err error) error {
	if err != nil {
		return err
	}
	rp.printer.reset(t.ConversationID)

	outcome := rp.wait(t)
	rp.printer.finish(outcome)
	if outcome.Err != nil {
		return outcome.Err
	}
	if outcome.PersistErr != nil {
		fmt.Fprintln(rp.out, rp.render.Muted("Use /retry to save again."))
	}
	return nil
}

// wait blocks until t is done. Ctrl+C or a cancelled context stops it.
func (rp *repl) wait(t *conversation.Turn) conversation.Outcome {
	var sig chan os.Signal
	if rp.catchInterrupts {
		sig = make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt)
		defer signal.Stop(sig)
	}
	select {
	case <-t.Done():
		return t.Outcome()
	case <-sig:
		return t.Cancel()
	case <-rp.ctx.Done():
		return t.Cancel()
	}
}

// open activates a conversation by /list number or ID.
func (rp *repl) open(arg string) error {
	id := arg
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(rp.listed) {
			return errors.Errorf("no conversation %d in the last /list", n)
		}
		id = rp.listed[n-1].ID
	}
	conv, err := rp.mgr.Open(rp.ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintln(rp.out, rp.render.Muted(conversationHeading(conv)))
	return nil
}

func (rp *repl) help() {
	for _, c := range replCommands {
		usage := c.name
		if c.args != "" {
			usage += " " + c.args
		}
		fmt.Fprintf(rp.out, "  %-24s %s\n", usage, rp.render.Muted(c.help))
	}
	fmt.Fprintln(rp.out, rp.render.Muted("  Ctrl+C stops a reply; the partial text is kept."))
}

// messageNumber parses a 1-based message number.
func messageNumber(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return 0, errors.Errorf("expected a message number, got %q", s)
	}
	return n, nil
}

// modelLabel names the provider and model in use.
func modelLabel(s conversation.Settings) string {
	label := s.Provider
	if s.Model != "" {
		label += "/" + s.Model
	}
	if s.Reasoning {
		label += " · reasoning"
	}
	return label
}
