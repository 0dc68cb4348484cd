// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/fern/internal/export"
	"github.com/jeranaias/fern/internal/model"
	"github.com/jeranaias/fern/internal/render"
	"github.com/jeranaias/fern/internal/storage"
	"github.com/jeranaias/fern/internal/util"
)

func newConversationsCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv", "c"},
		Short:   "List and manage saved conversations",
		Example: `  fern conversations list
  fern conversations show 3f2a9c1e-...
  fern conversations pin 3f2a9c1e-...
  fern conversations rename 3f2a9c1e-... "Release notes"
  fern conversations export 3f2a9c1e-... --format html --open`,
	}
	cmd.AddCommand(
		newConversationsListCommand(o),
		newConversationsShowCommand(o),
		newConversationsDeleteCommand(o),
		newConversationsPinCommand(o),
		newConversationsRenameCommand(o),
		newConversationsExportCommand(o),
	)
	return cmd
}

func newConversationsListCommand(o *options) *cobra.Command {
	var jsonMode bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List conversations, pinned first then most recent",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return OutputJSON(out, jsonMode, "conversations list", func() (interface{}, error) {
				items, err := o.remoteStore().List(cmd.Context())
				if err != nil {
					return nil, err
				}
				if !jsonMode {
					printSummaries(out, rendererFor(out), items, time.Now())
				}
				return ConversationListData{Conversations: items}, nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonMode, "json", false, "Output in JSON format")
	return cmd
}

func newConversationsShowCommand(o *options) *cobra.Command {
	var jsonMode bool
	cmd := &cobra.Command{
		Use:   "show ID",
		Short: "Print a conversation's transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return OutputJSON(out, jsonMode, "conversations show", func() (interface{}, error) {
				conv, err := o.remoteStore().Get(cmd.Context(), args[0])
				if err != nil {
					return nil, err
				}
				if !jsonMode {
					r := rendererFor(out)
					fmt.Fprintln(out, conversationHeading(conv))
					if conv.SystemPrompt != "" {
						fmt.Fprintln(out, r.Muted("System prompt: "+conv.SystemPrompt))
					}
					fmt.Fprintln(out)
					printTranscript(out, r, conv)
				}
				return conv, nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonMode, "json", false, "Output in JSON format")
	return cmd
}

func newConversationsDeleteCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:     "delete ID...",
		Aliases: []string{"rm"},
		Short:   "Delete conversations",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := o.remoteStore()
			for _, id := range args {
				if err := store.Delete(cmd.Context(), id); err != nil {
					return &CommandError{Command: "conversations", Action: "delete", Reason: id, Err: err}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
			}
			return nil
		},
	}
}

func newConversationsPinCommand(o *options) *cobra.Command {
	var unpin bool
	cmd := &cobra.Command{
		Use:   "pin ID",
		Short: "Pin a conversation to the top of the list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pinned := !unpin
			conv, err := o.remoteStore().Patch(cmd.Context(), args[0], storage.Patch{Pinned: &pinned})
			if err != nil {
				return err
			}
			verb := "Pinned"
			if unpin {
				verb = "Unpinned"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %q\n", verb, conv.GetTitle())
			return nil
		},
	}
	cmd.Flags().BoolVar(&unpin, "off", false, "Unpin instead")
	return cmd
}

func newConversationsRenameCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "rename ID TITLE...",
		Short: "Set a conversation's title",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			title := strings.TrimSpace(strings.Join(args[1:], " "))
			if title == "" {
				return NewValidationError("title", "", "must not be blank")
			}
			conv, err := o.remoteStore().Patch(cmd.Context(), args[0], storage.Patch{Title: &title})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Renamed to %q\n", conv.GetTitle())
			return nil
		},
	}
}

// exportOptions are the flags of "conversations export".
type exportOptions struct {
	format      string
	output      string
	dir         string
	theme       string
	noReasoning bool
	open        bool
}

func newConversationsExportCommand(o *options) *cobra.Command {
	var eo exportOptions
	cmd := &cobra.Command{
		Use:   "export ID",
		Short: "Write a conversation to a Markdown, JSON or HTML file",
		Long: `Write a conversation to a file. Without --output the file is created in
--dir (default: the current directory) with a name built from the title.
Use "-o -" to print to stdout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd, o, eo, args[0])
		},
	}
	cmd.Flags().StringVarP(&eo.format, "format", "f", "markdown", "Output format: "+strings.Join(export.Formats, ", "))
	cmd.Flags().StringVarP(&eo.output, "output", "o", "", "Write to this path")
	cmd.Flags().StringVar(&eo.dir, "dir", ".", "Directory for the generated file name")
	cmd.Flags().StringVar(&eo.theme, "theme", "dark", "HTML theme: dark or light")
	cmd.Flags().BoolVar(&eo.noReasoning, "no-reasoning", false, "Leave out assistant reasoning")
	cmd.Flags().BoolVar(&eo.open, "open", false, "Open the file afterwards")
	cmd.MarkFlagsMutuallyExclusive("output", "dir")
	return cmd
}

func runExport(cmd *cobra.Command, o *options, eo exportOptions, id string) error {
	if eo.theme != "dark" && eo.theme != "light" {
		return NewValidationError("theme", eo.theme, "must be dark or light")
	}
	opts := export.DefaultOptions()
	opts.Theme = eo.theme
	opts.IncludeReasoning = !eo.noReasoning

	exp, err := export.New(eo.format, opts)
	if err != nil {
		return NewValidationError("format", eo.format, err.Error())
	}

	conv, err := o.remoteStore().Get(cmd.Context(), id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if eo.output == "-" {
		data, err := exp.Export(conv)
		if err != nil {
			return &CommandError{Command: "conversations", Action: "export", Reason: id, Err: err}
		}
		_, err = out.Write(data)
		return err
	}

	var path string
	if eo.output != "" {
		path, err = export.WriteFile(conv, exp, eo.output)
	} else {
		path, err = export.ToFile(conv, exp, eo.dir)
	}
	if err != nil {
		return &CommandError{Command: "conversations", Action: "export", Reason: id, Err: err}
	}
	fmt.Fprintf(out, "Exported %q to %s\n", conv.GetTitle(), path)

	if eo.open {
		if err := export.Open(path); err != nil {
			o.entry().WithError(err).Warn("Could not open exported file")
		}
	}
	return nil
}

// =============================================================================
// FORMATTING
// =============================================================================

// titleWidth is the column budget for titles in listings.
const titleWidth = 40

// printSummaries writes one row per conversation.
func printSummaries(w io.Writer, r *render.Renderer, items []model.Summary, now time.Time) {
	if len(items) == 0 {
		fmt.Fprintln(w, r.Muted("No conversations yet. Start one with: fern chat"))
		return
	}
	for i, s := range items {
		pin := " "
		if s.Pinned {
			pin = "*"
		}
		title := util.PadRight(util.TruncateWidth(s.Title, titleWidth), titleWidth)
		fmt.Fprintf(w, "%3d %s %s  %s  %s\n", i+1, pin, title, r.Muted(relativeTime(s.UpdatedAt, now)), r.Muted(s.ID))
	}
}

// conversationHeading is the title line of "show".
func conversationHeading(conv *model.Conversation) string {
	heading := conv.GetTitle()
	if conv.Pinned {
		heading += " (pinned)"
	}
	return fmt.Sprintf("%s · %d messages · updated %s", heading, len(conv.Messages),
		conv.UpdatedAt.Local().Format("2006-01-02 15:04"))
}

// relativeTime renders t relative to now, falling back to a date after a
// week.
func relativeTime(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
	return t.Local().Format("2006-01-02")
}
