// Command vpnmon runs the VPN tunnel health monitor.
//
// # Usage
//
//	vpnmon --config /etc/vpnmon/config.yaml
//
// # Configuration
//
// Configuration can be provided via:
// - Command-line flags
// - Environment variables (VPNMON_*)
// - Config file (--config)
//
// # Examples
//
// Run as a daemon:
//
//	vpnmon --config /etc/vpnmon/config.yaml
//
// Smoke-test a config with a single check cycle:
//
//	vpnmon --config /etc/vpnmon/config.yaml --once
//
// Override the data directory:
//
//	VPNMON_DATA_DIR=/tmp/vpnmon vpnmon --config config.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	vpnmon "github.com/pilot-net/vpnmon"
	"github.com/pilot-net/vpnmon/internal/config"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to config file")
		dataDir    = flag.String("data-dir", "", "Metrics data directory (file backend)")
		interval   = flag.Duration("interval", 0, "Check interval override")
		once       = flag.Bool("once", false, "Run a single check cycle and exit")
		clear      = flag.Bool("clear-metrics", false, "Delete all recorded metrics and exit")
		debug      = flag.Bool("debug", false, "Enable debug logging")
		version    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Printf("vpnmon %s\n", vpnmon.Version)
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg := config.DefaultConfig()
	if *configFile != "" {
		fileCfg, err := config.LoadFromFile(*configFile)
		if err != nil {
			logger.Error("failed to load config file", "error", err)
			os.Exit(1)
		}
		cfg = fileCfg
	}

	cfg.ApplyEnvOverrides()

	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}
	if *interval > 0 {
		cfg.Monitor.CheckInterval = *interval
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	m, err := vpnmon.New(cfg, nil, logger)
	if err != nil {
		logger.Error("failed to create monitor", "error", err)
		os.Exit(1)
	}

	if *clear {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.ClearMetrics(ctx); err != nil {
			logger.Error("failed to clear metrics", "error", err)
			os.Exit(1)
		}
		logger.Info("metrics cleared")
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if *once {
		if err := m.RunOnce(ctx); err != nil {
			logger.Error("check cycle failed", "error", err)
			os.Exit(1)
		}
		return
	}

	logger.Info("starting vpnmon",
		"version", vpnmon.Version,
		"tunnels", len(cfg.Tunnels),
		"interval", cfg.Monitor.CheckInterval)

	if err := m.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("monitor exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("monitor shutdown complete")
}
