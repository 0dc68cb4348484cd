// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jeranaias/fern/internal/config"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// options holds the global flags and the config they resolve to.
type options struct {
	configPath string
	logLevel   string
	logFormat  string
	serverURL  string
	jsonMode   bool

	cfg    *config.Config
	logger *log.Logger
}

// NewRootCommand builds the fern command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{logger: log.StandardLogger()}

	root := &cobra.Command{
		Use:   "fern",
		Short: "Streaming chat client and backend for hosted and local models",
		Long: `fern streams replies from OpenAI-compatible, Anthropic, Gemini and
Ollama models. "fern serve" runs the backend; "fern chat" and "fern ask"
talk to it, splitting reasoning from the answer as the reply arrives.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "Config file (default ~/.fern/config.toml)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (trace,debug,info,warn,error)")
	flags.StringVar(&opts.logFormat, "log-format", "", "Log format (text,json)")
	flags.StringVar(&opts.serverURL, "server", "", "Backend URL (overrides client.server_url)")

	root.AddCommand(
		newServeCommand(opts),
		newChatCommand(opts),
		newAskCommand(opts),
		newConversationsCommand(opts),
		newConfigCommand(opts),
		newVersionCommand(opts),
	)
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	root := NewRootCommand()
	cmd, err := root.ExecuteC()
	if err != nil {
		jsonMode := false
		if f := cmd.Flags().Lookup("json"); f != nil {
			jsonMode = f.Value.String() == "true"
		}
		// JSON commands already printed their error envelope.
		if !jsonMode {
			DisplayError(root.ErrOrStderr(), err, false)
		}
		return GetExitCode(err)
	}
	return ExitSuccess
}

// load reads the config file, applies flag overrides and sets up logging.
func (o *options) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return &configError{err: errors.Wrap(err, "load config")}
	}

	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Logging.Format = o.logFormat
	}
	if o.serverURL != "" {
		cfg.Client.ServerURL = strings.TrimRight(o.serverURL, "/")
		if _, err := websocketURL(cfg.Client.ServerURL); err != nil {
			return NewValidationError("server", o.serverURL, "must be an http or https URL")
		}
	}
	if err := configureLogging(o.logger, cfg.Logging, cmd.ErrOrStderr()); err != nil {
		return err
	}

	o.cfg = cfg
	o.logger.WithFields(log.Fields{
		"command": cmd.CommandPath(),
		"config":  o.configPath,
	}).Debug("Configuration loaded")
	return nil
}

// entry returns the logger for library packages.
func (o *options) entry() *log.Entry {
	return log.NewEntry(o.logger)
}

// resolvedConfigPath returns the config file in use.
func (o *options) resolvedConfigPath() (string, error) {
	if o.configPath != "" {
		return o.configPath, nil
	}
	return config.ConfigPath()
}

// configureLogging applies level and format to logger.
func configureLogging(logger *log.Logger, cfg config.LoggingConfig, out io.Writer) error {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return NewValidationError("log-level", cfg.Level, "expected trace, debug, info, warn or error")
	}
	logger.SetLevel(level)
	logger.SetOutput(out)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	case "text", "":
		// Millisecond precision helps when following a stream in the log.
		formatter := new(log.TextFormatter)
		formatter.TimestampFormat = "2006-01-02T15:04:05.999Z07:00"
		formatter.FullTimestamp = true
		logger.SetFormatter(formatter)
	default:
		return NewValidationError("log-format", cfg.Format, "expected text or json")
	}
	logger.Debug("debug logging enabled")
	return nil
}

// logToFile redirects logger to a file in the config directory, for
// full-screen commands that own the terminal. The returned func restores
// the previous output.
func logToFile(logger *log.Logger) (func(), error) {
	dir, err := config.ConfigDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrap(err, "create config directory")
	}
	f, err := os.OpenFile(dir+string(os.PathSeparator)+"fern.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "open log file")
	}
	prev := logger.Out
	logger.SetOutput(f)
	return func() {
		logger.SetOutput(prev)
		f.Close()
	}, nil
}

// =============================================================================
// VERSION
// =============================================================================

func newVersionCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data := VersionData{
				Version:   Version,
				GitCommit: GitCommit,
				BuildDate: BuildDate,
				GoVersion: runtime.Version(),
			}
			return OutputJSON(cmd.OutOrStdout(), o.jsonMode, "version", func() (interface{}, error) {
				if !o.jsonMode {
					fmt.Fprintf(cmd.OutOrStdout(), "fern %s (%s, built %s, %s)\n",
						data.Version, data.GitCommit, data.BuildDate, data.GoVersion)
				}
				return data, nil
			})
		},
	}
	cmd.Flags().BoolVar(&o.jsonMode, "json", false, "Output in JSON format")
	return cmd
}
