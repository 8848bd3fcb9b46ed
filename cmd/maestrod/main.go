// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// maestrod is the workflow orchestration daemon: it stores workflow
// revisions, executes them and serves the HTTP API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fmeurisse/maestro-sub002/internal/config"
	"github.com/fmeurisse/maestro-sub002/internal/engine"
	"github.com/fmeurisse/maestro-sub002/internal/log"
	"github.com/fmeurisse/maestro-sub002/internal/server"
	"github.com/fmeurisse/maestro-sub002/internal/store"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath string
		addr       string
		dbPath     string
		logLevel   string
	)

	root := &cobra.Command{
		Use:           "maestrod",
		Short:         "Workflow orchestration daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			if dbPath != "" {
				cfg.DatabasePath = dbPath
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			return run(cmd.Context(), cfg)
		},
	}

	root.Flags().StringVar(&configPath, "config", "", "Path to config file")
	root.Flags().StringVar(&addr, "addr", "", "TCP address to listen on")
	root.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database file")
	root.Flags().StringVar(&logLevel, "log-level", "", "Minimum log level (debug, info, warn, error)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("maestrod %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run wires the stores, engine and HTTP server together and serves until the
// context is cancelled.
func run(ctx context.Context, cfg *config.Config) error {
	logCfg := log.FromEnv()
	logCfg.Level = cfg.LogLevel
	logCfg.Format = log.Format(cfg.LogFormat)
	logger := log.New(logCfg)
	slog.SetDefault(logger)

	db, err := store.Open(store.Config{Path: cfg.DatabasePath})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	revisions := store.NewRevisionStore(db, nil)
	executions := store.NewExecutionStore(db)
	eng := engine.New(revisions, executions, nil, log.WithComponent(logger, "engine"))

	// Executions stranded by a previous crash can never make progress
	if _, err := eng.SweepOrphans(ctx, time.Now().Add(-cfg.OrphanSweepAge)); err != nil {
		return fmt.Errorf("failed to sweep orphaned executions: %w", err)
	}

	srv := server.New(revisions, executions, eng, log.WithComponent(logger, "server"))
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(cfg.RequestTimeout),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("daemon listening",
			slog.String("addr", cfg.Addr),
			slog.String("db", cfg.DatabasePath),
			slog.String("version", version),
		)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
