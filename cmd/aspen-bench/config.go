package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

type appConfig struct {
	addr        string
	mode        string // "closed" or "open"
	workload    int
	targetRPS   float64
	runtimeSecs float64
	beLcRatio   float64
	lcWrRatio   float64
	numThreads  int
	connsPerThr int
	keySpace    uint64
	substring   string
	usernames   []string
	logFormat   string
	logLevel    string
	dialTimeout time.Duration
	showVersion bool
}

func defaultConfig() *appConfig {
	return &appConfig{
		addr:        "127.0.0.1:7070",
		mode:        "closed",
		workload:    100_000,
		targetRPS:   10_000,
		runtimeSecs: 10,
		beLcRatio:   0.1,
		lcWrRatio:   0.3,
		numThreads:  4,
		connsPerThr: 8,
		keySpace:    1_000_000,
		substring:   "ae",
		usernames:   []string{"alice", "bob", "carol", "dave"},
		logFormat:   "text",
		logLevel:    "info",
		dialTimeout: 5 * time.Second,
	}
}

func registerFlags(fs *pflag.FlagSet, cfg *appConfig) {
	fs.StringVar(&cfg.addr, "addr", cfg.addr, "Server TCP address to benchmark")
	fs.StringVar(&cfg.mode, "mode", cfg.mode, "Benchmark mode: closed|open")
	fs.IntVar(&cfg.workload, "workload", cfg.workload, "Total requests to send (closed-loop mode only)")
	fs.Float64Var(&cfg.targetRPS, "target-rps", cfg.targetRPS, "Target requests/sec per client thread (open-loop mode only)")
	fs.Float64Var(&cfg.runtimeSecs, "runtime", cfg.runtimeSecs, "Run duration in seconds (open-loop mode only)")
	fs.Float64Var(&cfg.beLcRatio, "be-ratio", cfg.beLcRatio, "Probability a request is a best-effort substring scan")
	fs.Float64Var(&cfg.lcWrRatio, "write-ratio", cfg.lcWrRatio, "Probability a non-scan request is a write")
	fs.IntVar(&cfg.numThreads, "threads", cfg.numThreads, "Number of client threads")
	fs.IntVar(&cfg.connsPerThr, "conns-per-thread", cfg.connsPerThr, "Connections per client thread")
	fs.Uint64Var(&cfg.keySpace, "key-space", cfg.keySpace, "Upper bound (exclusive) on generated keys")
	fs.StringVar(&cfg.substring, "substring", cfg.substring, "Fixed substring used by generated best-effort scan requests")
	fs.StringSliceVar(&cfg.usernames, "usernames", cfg.usernames, "Candidate usernames for generated write requests")
	fs.StringVar(&cfg.logFormat, "log-format", cfg.logFormat, "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", cfg.logLevel, "Log level: debug|info|warn|error")
	fs.DurationVar(&cfg.dialTimeout, "dial-timeout", cfg.dialTimeout, "Timeout for the initial readiness dial")
	fs.BoolVar(&cfg.showVersion, "version", cfg.showVersion, "Print version and exit")
}

func (c *appConfig) validate() error {
	switch c.mode {
	case "closed", "open":
	default:
		return fmt.Errorf("invalid mode: %s", c.mode)
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.numThreads <= 0 {
		return fmt.Errorf("threads must be > 0")
	}
	if c.connsPerThr <= 0 {
		return fmt.Errorf("conns-per-thread must be > 0")
	}
	if c.keySpace == 0 {
		return fmt.Errorf("key-space must be > 0")
	}
	if c.beLcRatio < 0 || c.beLcRatio > 1 {
		return fmt.Errorf("be-ratio must be in [0, 1]")
	}
	if c.lcWrRatio < 0 || c.lcWrRatio > 1 {
		return fmt.Errorf("write-ratio must be in [0, 1]")
	}
	if c.mode == "closed" && c.workload <= 0 {
		return fmt.Errorf("workload must be > 0 for closed-loop mode")
	}
	if c.mode == "open" {
		if c.targetRPS <= 0 {
			return fmt.Errorf("target-rps must be > 0 for open-loop mode")
		}
		if c.runtimeSecs <= 0 {
			return fmt.Errorf("runtime must be > 0 for open-loop mode")
		}
	}
	return nil
}

// applyEnvOverrides maps ASPEN_BENCH_* environment variables onto cfg
// unless the corresponding flag was explicitly set.
func applyEnvOverrides(cfg *appConfig, fs *pflag.FlagSet) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	wasSet := func(name string) bool { return fs.Changed(name) }

	if !wasSet("addr") {
		if v, ok := get("ASPEN_BENCH_ADDR"); ok && v != "" {
			cfg.addr = v
		}
	}
	if !wasSet("mode") {
		if v, ok := get("ASPEN_BENCH_MODE"); ok && v != "" {
			cfg.mode = v
		}
	}
	if !wasSet("target-rps") {
		if v, ok := get("ASPEN_BENCH_TARGET_RPS"); ok && v != "" {
			if n, err := strconv.ParseFloat(v, 64); err == nil && n > 0 {
				cfg.targetRPS = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ASPEN_BENCH_TARGET_RPS: %w", err)
			}
		}
	}
	if !wasSet("log-format") {
		if v, ok := get("ASPEN_BENCH_LOG_FORMAT"); ok && v != "" {
			cfg.logFormat = v
		}
	}
	if !wasSet("log-level") {
		if v, ok := get("ASPEN_BENCH_LOG_LEVEL"); ok && v != "" {
			cfg.logLevel = v
		}
	}
	return firstErr
}
