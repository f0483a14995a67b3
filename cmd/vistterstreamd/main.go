// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/vistter/vistterstream/internal/app"
	"github.com/vistter/vistterstream/internal/config"
	vlog "github.com/vistter/vistterstream/internal/log"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

// Exit codes: 0 clean shutdown, 2 bad configuration, 3 startup failure,
// 4 runtime failure.
const (
	exitOK      = 0
	exitConfig  = 2
	exitStartup = 3
	exitRuntime = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		return exitOK
	}

	// Safe defaults until the config is loaded.
	vlog.Configure(vlog.Config{
		Level:   "info",
		Service: "vistterstream",
		Version: version,
	})
	logger := vlog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Explicit --config wins; otherwise auto-load ${VISTTER_DATA}/config.yaml
	// if it exists, so UI-saved config persists across restarts.
	effectivePath := strings.TrimSpace(*configPath)
	if effectivePath == "" {
		dataDir := strings.TrimSpace(os.Getenv("VISTTER_DATA"))
		if dataDir == "" {
			dataDir = "/var/lib/vistterstream"
		}
		autoPath := filepath.Join(dataDir, "config.yaml")
		if _, err := os.Stat(autoPath); err == nil {
			effectivePath = autoPath
		}
	}

	cfg, err := config.Load(effectivePath)
	if err != nil {
		logger.Error().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", effectivePath).
			Msg("failed to load configuration")
		return exitConfig
	}
	if err := cfg.Validate(); err != nil {
		logger.Error().
			Err(err).
			Str("event", "config.invalid").
			Msg("configuration rejected")
		return exitConfig
	}

	vlog.Configure(vlog.Config{
		Level:   cfg.LogLevel,
		Service: cfg.LogService,
		Version: version,
	})

	if effectivePath != "" {
		logger.Info().
			Str("event", "config.loaded").
			Str("source", "file").
			Str("path", effectivePath).
			Msg("loaded configuration from file")
	} else {
		logger.Info().
			Str("event", "config.loaded").
			Str("source", "env+defaults").
			Msg("loaded configuration from environment and defaults")
	}

	logger.Info().
		Str("event", "startup").
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Str("addr", cfg.ListenAddr).
		Msg("starting vistterstream")
	logger.Info().Msgf("→ Data dir: %s", cfg.DataDir)
	logger.Info().Msgf("→ Relay: rtmp://%s:%d", cfg.Relay.Host, cfg.Relay.Port)
	logger.Info().Msgf("→ Preview: rtmp %s:%d, hls %s:%d", cfg.Preview.Host, cfg.Preview.RTMPPort, cfg.Preview.Host, cfg.Preview.HLSPort)
	logger.Info().Msgf("→ FFmpeg: %s", cfg.FFmpegPath)

	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.Error().
			Err(err).
			Str("event", "startup.failed").
			Msg("failed to assemble control plane")
		return exitStartup
	}

	if err := a.Run(ctx); err != nil {
		logger.Error().
			Err(err).
			Str("event", "runtime.failed").
			Msg("daemon exited with error")
		return exitRuntime
	}

	logger.Info().Str("event", "shutdown").Msg("vistterstream stopped")
	return exitOK
}
