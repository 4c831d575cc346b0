package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/epa127/aspen/internal/bench"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg := defaultConfig()
	root := &cobra.Command{
		Use:   "aspen-bench",
		Short: "aspen-bench: closed-loop and open-loop benchmark client",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.showVersion {
				fmt.Printf("aspen-bench %s (commit %s, built %s)\n", version, commit, date)
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
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	if err := waitReady(cfg.addr, cfg.dialTimeout); err != nil {
		return fmt.Errorf("server not reachable at %s: %w", cfg.addr, err)
	}
	l.Info("bench_start", "mode", cfg.mode, "addr", cfg.addr)

	ctx := context.Background()
	switch cfg.mode {
	case "closed":
		closedCfg := bench.ClosedLoopConfig{
			Addr:        cfg.addr,
			Workload:    cfg.workload,
			BeLcRatio:   float32(cfg.beLcRatio),
			LcWrRatio:   float32(cfg.lcWrRatio),
			NumThreads:  cfg.numThreads,
			ConnsPerThr: cfg.connsPerThr,
			Substring:   cfg.substring,
			KeySpace:    cfg.keySpace,
			Usernames:   cfg.usernames,
		}
		res, err := bench.RunClosedLoop(ctx, closedCfg)
		if err != nil {
			return fmt.Errorf("closed-loop run: %w", err)
		}
		bench.WriteClosedLoopReport(os.Stdout, closedCfg, res)

	case "open":
		openCfg := bench.OpenLoopConfig{
			Addr:        cfg.addr,
			TargetRPS:   cfg.targetRPS,
			RuntimeSecs: cfg.runtimeSecs,
			BeLcRatio:   float32(cfg.beLcRatio),
			LcWrRatio:   float32(cfg.lcWrRatio),
			NumThreads:  cfg.numThreads,
			ConnsPerThr: cfg.connsPerThr,
			Substring:   cfg.substring,
			KeySpace:    cfg.keySpace,
			Usernames:   cfg.usernames,
		}
		res, err := bench.RunOpenLoop(ctx, openCfg)
		if err != nil {
			return fmt.Errorf("open-loop run: %w", err)
		}
		bench.WriteOpenLoopReport(os.Stdout, openCfg, res, bench.DefaultQuantiles)
	}

	l.Info("bench_done")
	return nil
}

// waitReady dials addr once with a timeout, confirming the server is
// accepting connections before the run begins.
func waitReady(addr string, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}
