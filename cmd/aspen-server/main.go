package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/epa127/aspen/internal/dataset"
	"github.com/epa127/aspen/internal/metrics"
	"github.com/epa127/aspen/internal/server"
	"github.com/epa127/aspen/internal/store"
)

func main() {
	cfg := defaultConfig()
	root := &cobra.Command{
		Use:   "aspen-server",
		Short: "aspen server: a mixed-workload in-memory key/value benchmark target",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.showVersion {
				fmt.Printf("aspen-server %s (commit %s, built %s)\n", version, commit, date)
				return nil
			}
			if err := applyEnvOverrides(cfg, cmd.Flags()); err != nil {
				return err
			}
			return run(cfg)
		},
	}
	registerFlags(root.Flags(), cfg)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *appConfig) error {
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		l.Debug(fmt.Sprintf(format, args...))
	})); err != nil {
		l.Warn("maxprocs_set_failed", "error", err)
	}

	if err := cfg.validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	initial, err := dataset.Load(cfg.datasetPath)
	if err != nil {
		return fmt.Errorf("dataset load error: %w", err)
	}
	l.Info("dataset_loaded", "path", cfg.datasetPath, "rows", len(initial), "gomaxprocs", runtime.GOMAXPROCS(0))

	st := store.New(initial)
	sch := server.NewScheduler(st,
		server.WithListenAddr(cfg.listenAddr),
		server.WithShards(cfg.shards),
		server.WithLogger(l),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- sch.Serve(ctx) }()

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-sch.Ready():
			return ctx.Err() == nil
		default:
			return false
		}
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		metricsSrv := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = metricsSrv.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case err := <-serveErr:
		if err != nil {
			l.Error("tcp_server_error", "error", err)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.shutdownTO)
	defer shutdownCancel()
	if err := sch.Shutdown(shutdownCtx); err != nil {
		l.Error("shutdown_error", "error", err)
	}
	return nil
}
