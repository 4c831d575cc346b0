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
	listenAddr  string
	shards      int
	datasetPath string
	logFormat   string
	logLevel    string
	metricsAddr string
	shutdownTO  time.Duration
	showVersion bool
}

func defaultConfig() *appConfig {
	return &appConfig{
		listenAddr: ":7070",
		shards:     1,
		logFormat:  "text",
		logLevel:   "info",
		shutdownTO: 5 * time.Second,
	}
}

func registerFlags(fs *pflag.FlagSet, cfg *appConfig) {
	fs.StringVar(&cfg.listenAddr, "listen", cfg.listenAddr, "TCP listen address")
	fs.IntVar(&cfg.shards, "shards", cfg.shards, "Number of SO_REUSEPORT listener shards (1 disables sharding)")
	fs.StringVar(&cfg.datasetPath, "dataset", cfg.datasetPath, "CSV file of usernames to seed the store (one per row); empty starts with an empty table")
	fs.StringVar(&cfg.logFormat, "log-format", cfg.logFormat, "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", cfg.logLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", cfg.metricsAddr, "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.DurationVar(&cfg.shutdownTO, "shutdown-timeout", cfg.shutdownTO, "Grace period for draining connections on shutdown")
	fs.BoolVar(&cfg.showVersion, "version", cfg.showVersion, "Print version and exit")
}

// validate performs semantic validation of the parsed configuration. It
// does not open any listener or file.
func (c *appConfig) validate() error {
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
	if c.shards <= 0 {
		return fmt.Errorf("shards must be > 0 (got %d)", c.shards)
	}
	if c.shutdownTO <= 0 {
		return fmt.Errorf("shutdown-timeout must be > 0")
	}
	return nil
}

// applyEnvOverrides maps ASPEN_SERVER_* environment variables onto cfg
// unless the corresponding flag was explicitly set on the command line,
// mirroring the teacher's applyEnvOverrides (flag wins over env).
func applyEnvOverrides(cfg *appConfig, fs *pflag.FlagSet) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	wasSet := func(name string) bool { return fs.Changed(name) }

	if !wasSet("listen") {
		if v, ok := get("ASPEN_SERVER_LISTEN"); ok && v != "" {
			cfg.listenAddr = v
		}
	}
	if !wasSet("shards") {
		if v, ok := get("ASPEN_SERVER_SHARDS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				cfg.shards = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ASPEN_SERVER_SHARDS: %w", err)
			}
		}
	}
	if !wasSet("dataset") {
		if v, ok := get("ASPEN_SERVER_DATASET"); ok {
			cfg.datasetPath = v
		}
	}
	if !wasSet("log-format") {
		if v, ok := get("ASPEN_SERVER_LOG_FORMAT"); ok && v != "" {
			cfg.logFormat = v
		}
	}
	if !wasSet("log-level") {
		if v, ok := get("ASPEN_SERVER_LOG_LEVEL"); ok && v != "" {
			cfg.logLevel = v
		}
	}
	if !wasSet("metrics-addr") {
		if v, ok := get("ASPEN_SERVER_METRICS"); ok {
			cfg.metricsAddr = v
		}
	}
	if !wasSet("shutdown-timeout") {
		if v, ok := get("ASPEN_SERVER_SHUTDOWN_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				cfg.shutdownTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ASPEN_SERVER_SHUTDOWN_TIMEOUT: %w", err)
			}
		}
	}
	return firstErr
}
