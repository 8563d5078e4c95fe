// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Command coordinatord runs the exchange coordinator: the durable store, the
// worker registry and session server, the scheduler, and the submission API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"

	"github.com/campusgrid/exchange/internal/api"
	"github.com/campusgrid/exchange/internal/registry"
	"github.com/campusgrid/exchange/internal/scheduler"
	"github.com/campusgrid/exchange/internal/session"
	"github.com/campusgrid/exchange/internal/store"
	"github.com/campusgrid/exchange/pkg/auth"
	"github.com/campusgrid/exchange/pkg/config"
	xcontext "github.com/campusgrid/exchange/pkg/context"
	"github.com/campusgrid/exchange/pkg/logging"
)

// shutdownTimeout bounds how long the dashboard API gets to drain in-flight
// requests once the root context is cancelled.
const shutdownTimeout = 10 * time.Second

var (
	workerAddr    string
	dashboardAddr string
	storePath     string
	useZapLogger  bool
	manOutputDir  string
)

func main() {
	root := &cobra.Command{
		Use:     "coordinatord",
		Short:   "Runs the campus compute exchange coordinator",
		Version: "dev",
		RunE:    runCoordinator,
	}
	root.Flags().StringVar(&workerAddr, "worker-addr", "", "override EXCHANGE_WORKER_ADDR")
	root.Flags().StringVar(&dashboardAddr, "dashboard-addr", "", "override EXCHANGE_DASHBOARD_ADDR")
	root.Flags().StringVar(&storePath, "store-path", "", "override EXCHANGE_STORE_PATH")
	root.Flags().BoolVar(&useZapLogger, "zap", true, "use the zap-backed production logger instead of slog")

	root.AddCommand(manCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// manCmd generates man pages for coordinatord via cobra's md2man-backed doc
// generator; it is hidden since it's a packaging-time tool, not an operator
// command.
func manCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "man",
		Short:  "Generate man pages for coordinatord",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if manOutputDir == "" {
				manOutputDir = "./man"
			}
			if err := os.MkdirAll(manOutputDir, 0o750); err != nil {
				return err
			}
			header := &doc.GenManHeader{Title: "COORDINATORD", Section: "1", Source: "campus compute exchange"}
			return doc.GenManTree(cmd.Root(), header, manOutputDir)
		},
	}
	cmd.Flags().StringVarP(&manOutputDir, "output", "o", "./man", "output directory for man pages")
	return cmd
}

func runCoordinator(cmd *cobra.Command, args []string) error {
	cfg := config.NewDefault()
	cfg.Load()
	if workerAddr != "" {
		cfg.WorkerBindAddr = workerAddr
	}
	if dashboardAddr != "" {
		cfg.DashboardBindAddr = dashboardAddr
	}
	if storePath != "" {
		cfg.StorePath = storePath
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, closeLogger := buildLogger(cfg)
	defer closeLogger()

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	issuer := auth.NewTokenIssuer(cfg.JWTSigningKey, 0)

	sched := scheduler.New(st, nil, logger, nil, scheduler.SettleOptions{
		TimeoutRefundFraction: cfg.TimeoutRefundFraction,
		RefundOnFailed:        cfg.RefundOnFailed,
	}, cfg.StallGrace, cfg.ReaperInterval)

	reg := registry.New(st, sched, logger, cfg.StallGrace)
	sched.SetNotifier(reg)

	go sched.RunReaper(ctx)

	sessCfg := session.DefaultConfig()
	sessCfg.MaxFrameBytes = int(cfg.MaxFrameBytes)
	sessCfg.HeartbeatInterval = cfg.HeartbeatInterval
	sessServer := session.New(sessCfg, reg, sched, logger)

	apiServer := api.New(st, issuer, logger, nil)

	errc := make(chan error, 2)
	go func() { errc <- sessServer.Serve(ctx, cfg.WorkerBindAddr) }()
	go func() { errc <- serveHTTP(ctx, cfg.DashboardBindAddr, apiServer) }()

	logging.LogOperation(logger, "coordinatord.start",
		"worker_addr", cfg.WorkerBindAddr, "dashboard_addr", cfg.DashboardBindAddr).Info("coordinator started")

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		return err
	}
}

// buildLogger constructs the process logger according to the --zap flag,
// returning a cleanup func that flushes it on shutdown.
func buildLogger(cfg *config.Config) (logging.Logger, func()) {
	if useZapLogger {
		level := "info"
		if cfg.Debug {
			level = "debug"
		}
		logger, err := logging.NewZapLogger("coordinatord", "dev", level)
		if err != nil {
			fmt.Fprintf(os.Stderr, "falling back to slog logger: %v\n", err)
		} else {
			cleanup := func() {
				if s, ok := logger.(interface{ Sync() error }); ok {
					_ = s.Sync()
				}
			}
			return logger, cleanup
		}
	}

	slogCfg := logging.DefaultConfig()
	slogCfg.Service = "coordinatord"
	if cfg.Debug {
		slogCfg.Level = slog.LevelDebug
	}
	return logging.NewLogger(slogCfg), func() {}
}

// serveHTTP runs handler on addr until ctx is cancelled, at which point it
// shuts the server down gracefully.
func serveHTTP(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		shutCtx, cancel := xcontext.EnsureTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		close(shutdownDone)
	}()

	err := srv.ListenAndServe()
	<-shutdownDone
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
