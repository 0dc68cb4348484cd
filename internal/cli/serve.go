// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jeranaias/fern/internal/config"
	"github.com/jeranaias/fern/internal/provider"
	"github.com/jeranaias/fern/internal/server"
	"github.com/jeranaias/fern/internal/storage"
)

// shutdownTimeout bounds graceful shutdown of open streams.
const shutdownTimeout = 10 * time.Second

func newServeCommand(o *options) *cobra.Command {
	var addr string
	var noWatch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat backend",
		Long: `Run the HTTP and websocket backend that fern clients talk to.

The backend streams provider output over /ws/chat, answers non-streaming
requests on /api/chat and stores conversations in the configured store
(file, sqlite or postgres). Provider keys and defaults are reloaded when the
config file changes.`,
		Example: `  fern serve
  fern serve --addr 0.0.0.0:8000
  FERN_SERVER_STORE=sqlite fern serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				if _, _, err := net.SplitHostPort(addr); err != nil {
					return NewValidationError("addr", addr, "expected host:port")
				}
				o.cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, o, !noWatch)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not reload the config file on change")
	return cmd
}

// runServe serves until ctx is cancelled.
func runServe(ctx context.Context, o *options, watch bool) error {
	cfg := o.cfg
	logger := o.entry()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return &CommandError{Command: "serve", Action: "open store", Reason: cfg.Server.Store, Err: err}
	}
	defer closeStore()

	registry := provider.NewRegistry(cfg.ProviderSettings(), logger)
	srv := server.New(server.Config{
		Addr:            cfg.Server.Addr,
		Store:           store,
		Providers:       registry,
		DefaultProvider: cfg.Model.Provider,
		DefaultModel:    cfg.Model.Name,
		RateLimit:       cfg.Server.RateLimit,
		RateBurst:       cfg.Server.RateBurst,
		Logger:          logger,
	})

	if watch {
		if path, err := o.resolvedConfigPath(); err == nil {
			err := config.Watch(ctx, path, logger, func(next *config.Config) {
				registry.Update(next.ProviderSettings())
				srv.SetDefaults(next.Model.Provider, next.Model.Name)
				if level, err := log.ParseLevel(next.Logging.Level); err == nil {
					o.logger.SetLevel(level)
				}
				logger.WithFields(log.Fields{
					"provider": next.Model.Provider,
					"model":    next.Model.Name,
				}).Info("Config reloaded")
			})
			if err != nil {
				logger.WithError(err).Warn("Config reload disabled")
			}
		}
	}

	logger.WithFields(log.Fields{
		"store":    cfg.Server.Store,
		"provider": cfg.Model.Provider,
	}).Info("Starting fern backend")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	return <-errCh
}

// openStore opens the configured conversation store. The returned func
// releases it.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, func(), error) {
	switch cfg.Server.Store {
	case "postgres":
		s, err := storage.OpenPostgres(ctx, cfg.Server.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}

	dataDir, err := cfg.DataDir()
	if err != nil {
		return nil, nil, err
	}

	switch cfg.Server.Store {
	case "sqlite":
		s, err := storage.OpenSQLite(filepath.Join(dataDir, "fern.db"))
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case "file", "":
		s, err := storage.NewFileStore(filepath.Join(dataDir, "conversations"))
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	default:
		return nil, nil, errors.Errorf("unknown store %q", cfg.Server.Store)
	}
}
