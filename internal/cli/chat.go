// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jeranaias/fern/internal/render"
	"github.com/jeranaias/fern/internal/ui/chat"
)

// chatOptions are the flags of "fern chat".
type chatOptions struct {
	turn  turnFlags
	open  string
	plain bool
}

func newChatCommand(o *options) *cobra.Command {
	var co chatOptions

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat",
		Long: `Start an interactive chat with the backend started by "fern serve".

On a terminal this opens a full-screen chat: Enter sends, Alt+Enter adds a
line, Esc or Ctrl+C stops a reply, Ctrl+R regenerates, Ctrl+N starts a new
conversation and Ctrl+T toggles the reasoning section.

With --plain, or when stdin is not a terminal, a line-based prompt is used
instead. Type /help there for its commands.`,
		Example: `  fern chat
  fern chat --reasoning --provider ollama --model llama3.2
  fern chat --open 3f2a9c1e-...
  fern chat --plain`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if co.plain || !render.IsTerminal(os.Stdin) || !render.IsTerminal(os.Stdout) {
				return runREPL(cmd.Context(), o, co, cmd.InOrStdin(), cmd.OutOrStdout())
			}
			return runTUI(cmd.Context(), o, co)
		},
	}
	co.turn.register(cmd)
	cmd.Flags().StringVar(&co.open, "open", "", "Open the conversation with this ID")
	cmd.Flags().BoolVar(&co.plain, "plain", false, "Use the line-based prompt instead of the full-screen chat")
	return cmd
}

// runTUI runs the full-screen chat until the user quits.
func runTUI(ctx context.Context, o *options, co chatOptions) error {
	// The screen belongs to bubbletea; logs go to ~/.fern/fern.log.
	if restore, err := logToFile(o.logger); err == nil {
		defer restore()
	} else {
		o.logger.SetLevel(log.ErrorLevel)
	}

	events := chat.NewEvents()
	defer events.Close()

	mgr, err := o.newManager(co.turn, events.Observe)
	if err != nil {
		return err
	}
	defer mgr.Close()

	m := chat.New(ctx, mgr, events, chat.Options{
		ConversationID: co.open,
		Profile:        render.Profile(os.Stdout),
	})
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return errors.Wrap(err, "run chat")
	}
	return nil
}
