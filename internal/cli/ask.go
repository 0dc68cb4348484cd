// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/jeranaias/fern/internal/conversation"
	"github.com/jeranaias/fern/internal/render"
	"github.com/jeranaias/fern/internal/stream"
)

// askOptions are the flags of "fern ask".
type askOptions struct {
	turn     turnFlags
	open     string
	stream   bool
	jsonMode bool
}

func newAskCommand(o *options) *cobra.Command {
	var ao askOptions

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask one question and print the reply",
		Long: `Send one message, wait for the reply and print it.

The question is read from stdin when no argument is given. The turn is saved
as a new conversation unless --open names an existing one. Ctrl+C stops the
reply and keeps what arrived.`,
		Example: `  fern ask "What is a goroutine?"
  fern ask --reasoning "Is 2^31-1 prime?"
  git diff | fern ask --provider anthropic "Review this diff:"
  fern ask --json "Summarise RFC 6455" | jq .data.answer`,
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.TrimSpace(strings.Join(args, " "))
			if !render.IsTerminal(os.Stdin) {
				piped, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 1<<20))
				if err != nil {
					return errors.Wrap(err, "read stdin")
				}
				question = strings.TrimSpace(question + "\n\n" + string(piped))
			}
			if question == "" {
				return NewValidationError("question", "", "nothing to ask")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runAsk(ctx, o, ao, question, cmd.OutOrStdout())
		},
	}
	ao.turn.register(cmd)
	cmd.Flags().StringVar(&ao.open, "open", "", "Continue the conversation with this ID")
	cmd.Flags().BoolVar(&ao.stream, "stream", false, "Print the reply as it arrives")
	cmd.Flags().BoolVar(&ao.jsonMode, "json", false, "Output in JSON format")
	cmd.MarkFlagsMutuallyExclusive("stream", "json")
	return cmd
}

// runAsk sends question as one turn. Cancelling ctx stops the turn; the
// partial reply is still printed and saved.
func runAsk(ctx context.Context, o *options, ao askOptions, question string, out io.Writer) error {
	r := rendererFor(out)
	printer := newStreamPrinter(out, r)

	var observer func(conversation.Event)
	if ao.stream {
		observer = printer.observe
	}
	mgr, err := o.newManager(ao.turn, observer)
	if err != nil {
		return err
	}

	return OutputJSON(out, ao.jsonMode, "ask", func() (interface{}, error) {
		if ao.open != "" {
			if _, err := mgr.Open(ctx, ao.open); err != nil {
				return nil, err
			}
		}

		start := time.Now()
		turn, err := mgr.SendTurn(ctx, question)
		if err != nil {
			return nil, err
		}
		printer.reset(turn.ConversationID)

		var outcome conversation.Outcome
		select {
		case <-turn.Done():
			outcome = turn.Outcome()
		case <-ctx.Done():
			outcome = turn.Cancel()
		}
		snap := turn.Snapshot()

		if outcome.Err != nil && !outcome.Committed {
			return nil, outcome.Err
		}

		settings := mgr.Settings()
		data := AskData{
			ConversationID: turn.ConversationID,
			Provider:       settings.Provider,
			Model:          settings.Model,
			Answer:         outcome.Message.Content,
			Reasoning:      outcome.Message.Reasoning,
			State:          outcome.State.String(),
			Fallback:       outcome.Fallback,
			TokensPerSec:   snap.TokensPerSec,
			DurationMs:     time.Since(start).Milliseconds(),
		}

		if !ao.jsonMode {
			if ao.stream {
				printer.finish(outcome)
			} else {
				printReply(out, r, outcome)
			}
		}

		if outcome.State == stream.StateCancelled {
			return data, errInterrupted
		}
		if outcome.PersistErr != nil {
			return data, outcome.PersistErr
		}
		return data, nil
	})
}

// printReply writes a finished reply, as markdown on a colour terminal.
func printReply(w io.Writer, r *render.Renderer, outcome conversation.Outcome) {
	msg := outcome.Message
	if msg.Reasoning != "" {
		fmt.Fprintln(w, r.Muted("Reasoning: ")+r.Reasoning(msg.Reasoning))
		fmt.Fprintln(w)
	}
	if r.Colored() {
		fmt.Fprintln(w, r.Markdown(msg.Content))
	} else {
		fmt.Fprintln(w, r.Plain(msg.Content))
	}
	if line := outcomeLine(outcome); line != "" {
		fmt.Fprintln(w, r.Muted(line))
	}
}

// rendererFor returns a renderer matching w: coloured and sized when w is
// a terminal, plain otherwise.
func rendererFor(w io.Writer) *render.Renderer {
	if f, ok := w.(*os.File); ok {
		return render.New(render.Width(f), render.Profile(f))
	}
	return render.New(render.DefaultWidth, termenv.Ascii)
}
