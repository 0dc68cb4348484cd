// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/fern/internal/config"
)

func newConfigCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or edit the config file",
		Example: `  fern config show
  fern config get model.provider
  fern config set model.provider anthropic
  fern config set providers.openai.api_key sk-...`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective config with secrets redacted",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				fmt.Fprint(cmd.OutOrStdout(), o.cfg.String())
				return nil
			},
		},
		&cobra.Command{
			Use:   "path",
			Short: "Print the config file path",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				path, err := o.resolvedConfigPath()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			},
		},
		&cobra.Command{
			Use:   "keys",
			Short: "List settable keys",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				fmt.Fprintln(cmd.OutOrStdout(), strings.Join(config.Keys(), "\n"))
				return nil
			},
		},
		&cobra.Command{
			Use:   "get KEY",
			Short: "Print one effective setting",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := o.cfg.Get(args[0])
				if err != nil {
					return NewValidationError("key", args[0], err.Error())
				}
				fmt.Fprintln(cmd.OutOrStdout(), formatValue(args[0], v))
				return nil
			},
		},
		&cobra.Command{
			Use:   "set KEY VALUE",
			Short: "Change one setting in the config file",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return setConfigValue(o, args[0], args[1], cmd)
			},
		},
	)
	return cmd
}

// setConfigValue edits the file itself, so environment overrides in effect
// for this process are not persisted.
func setConfigValue(o *options, key, value string, cmd *cobra.Command) error {
	path, err := o.resolvedConfigPath()
	if err != nil {
		return &configError{err: err}
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return &configError{err: err}
	}
	if err := cfg.Set(key, value); err != nil {
		return NewValidationError("key", key, err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return &configError{err: err}
	}
	if err := config.Save(cfg, path); err != nil {
		return &configError{err: err}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Set %s in %s\n", key, path)
	return nil
}

// formatValue prints a setting, hiding secrets and nil pointers.
func formatValue(key string, v interface{}) string {
	if strings.HasSuffix(key, ".api_key") || key == "server.database_url" {
		if s, ok := v.(string); ok && s != "" {
			return "(set)"
		}
	}
	if v == nil {
		return "(unset)"
	}
	return fmt.Sprint(v)
}
