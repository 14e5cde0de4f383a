package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pgmanage/dbconsole/adapters"
	"github.com/pgmanage/dbconsole/config"
	"github.com/pgmanage/dbconsole/core"
	"github.com/pgmanage/dbconsole/handler"
	"github.com/pgmanage/dbconsole/history"
	"github.com/pgmanage/dbconsole/server"
	"github.com/pgmanage/dbconsole/session"
	"github.com/pgmanage/dbconsole/tunnel"
)

// set at build time
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dbconsole",
		Short:         "Web console for SQL databases",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "dbconsole %s\n", version)
		},
	}
}

func newServeCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the console server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file")
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := cfg.Logger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	core.DefaultEqualityPolicy = core.EqualityPolicy{NullEqualsEmpty: cfg.NullEqualsEmpty}

	opts := []handler.Option{
		handler.WithConfig(cfg.HandlerConfig()),
		handler.WithLogger(logger),
	}
	if cfg.HistoryPath != "" {
		store, err := history.Open(ctx, cfg.HistoryPath, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Warn("failed closing history store", "error", err)
			}
		}()
		opts = append(opts, handler.WithHistory(store))
	}

	tunnels := tunnel.NewRegistry(logger)
	defer func() {
		if err := tunnels.CloseAll(); err != nil {
			logger.Warn("failed closing tunnels", "error", err)
		}
	}()

	mux := &adapters.Mux{}
	newSession := func(clientID, user string) *session.Session {
		sess := session.New(user, mux, tunnels,
			session.WithTunnelScope(clientID),
			session.WithLogger(logger.With("client_id", clientID)),
		)
		for i := range cfg.Connections {
			if err := sess.AddDatabase(cfg.Connections[i].Entry()); err != nil {
				logger.Error("skipping connection", "id", cfg.Connections[i].ID, "error", err)
			}
		}
		return sess
	}

	h := handler.New(handler.NewRegistry(logger), opts...)
	srv := server.New(h, newSession, server.Config{
		Addr:              cfg.Listen,
		SessionSecret:     cfg.SessionSecret,
		PollTimeout:       cfg.PollTimeout,
		ClientIdleTimeout: cfg.ClientIdleTimeout,
		ReapInterval:      cfg.ReapInterval,
	}, logger)

	logger.Info("starting dbconsole", "version", version, "adapters", mux.Types(), "connections", len(cfg.Connections))
	return srv.Serve(ctx)
}
