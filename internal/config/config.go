// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads the appliance configuration. Precedence is
// ENV > YAML file > defaults; the loader never fails on a missing file,
// only on values that cannot be used.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vistter/vistterstream/internal/model"
)

// Config is the fully resolved appliance configuration.
type Config struct {
	DataDir       string `yaml:"data_dir"`
	DatabasePath  string `yaml:"database_path"`
	UploadsDir    string `yaml:"uploads_dir"`
	MasterKeyFile string `yaml:"master_key_file"`

	ListenAddr       string   `yaml:"listen_addr"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`

	LogLevel   string `yaml:"log_level"`
	LogService string `yaml:"log_service"`

	FFmpegPath string `yaml:"ffmpeg_path"`
	HWEncoder  string `yaml:"hw_encoder"` // empty = autodetect

	Relay    RelayConfig    `yaml:"relay"`
	Preview  PreviewConfig  `yaml:"preview"`
	Watchdog WatchdogConfig `yaml:"watchdog"`
}

// RelayConfig is the local RTMP relay endpoint cameras fan out through.
type RelayConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// PreviewConfig locates the preview media server.
type PreviewConfig struct {
	Host     string `yaml:"host"`
	RTMPPort int    `yaml:"rtmp_port"`
	HLSPort  int    `yaml:"hls_port"`
	AdminURL string `yaml:"admin_url"`
}

// WatchdogConfig carries the appliance-wide health defaults; per
// destination overrides live in the database.
type WatchdogConfig struct {
	CheckInterval    time.Duration `yaml:"check_interval"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

func defaults() *Config {
	return &Config{
		DataDir:    "/var/lib/vistterstream",
		ListenAddr: ":8080",
		LogLevel:   "info",
		LogService: "vistterstream",
		FFmpegPath: "ffmpeg",
		Relay:      RelayConfig{Host: "127.0.0.1", Port: 1935},
		Preview:    PreviewConfig{Host: "127.0.0.1", RTMPPort: 1935, HLSPort: 8888},
		Watchdog:   WatchdogConfig{CheckInterval: 30 * time.Second, FailureThreshold: 3, Cooldown: 2 * time.Minute},
	}
}

// Load resolves the configuration from the optional YAML file at path
// plus the process environment.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	mergeEnv(cfg)
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeEnv(cfg *Config) {
	cfg.DataDir = envString("VISTTER_DATA", cfg.DataDir)
	cfg.DatabasePath = envString("DATABASE_URL", cfg.DatabasePath)
	cfg.UploadsDir = envString("UPLOADS_DIR", cfg.UploadsDir)
	cfg.MasterKeyFile = envString("VISTTER_MASTER_KEY_FILE", cfg.MasterKeyFile)
	cfg.ListenAddr = envString("VISTTER_LISTEN", cfg.ListenAddr)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.LogService = envString("LOG_SERVICE", cfg.LogService)
	cfg.FFmpegPath = envString("VISTTER_FFMPEG", cfg.FFmpegPath)
	cfg.HWEncoder = envString("VISTTER_HW_ENCODER", cfg.HWEncoder)

	cfg.Relay.Host = envString("RTMP_RELAY_HOST", cfg.Relay.Host)
	cfg.Relay.Port = envInt("RTMP_RELAY_PORT", cfg.Relay.Port)

	cfg.Preview.Host = envString("VISTTER_PREVIEW_HOST", cfg.Preview.Host)
	cfg.Preview.RTMPPort = envInt("VISTTER_PREVIEW_RTMP_PORT", cfg.Preview.RTMPPort)
	cfg.Preview.HLSPort = envInt("VISTTER_PREVIEW_HLS_PORT", cfg.Preview.HLSPort)
	cfg.Preview.AdminURL = envString("VISTTER_PREVIEW_ADMIN_URL", cfg.Preview.AdminURL)

	if v := os.Getenv("CORS_ALLOW_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.CORSAllowOrigins = origins
	}
}

// applyDerived fills paths that default relative to the data dir.
func (c *Config) applyDerived() {
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.DataDir, "vistterstream.db")
	}
	if c.UploadsDir == "" {
		c.UploadsDir = filepath.Join(c.DataDir, "uploads")
	}
	if c.MasterKeyFile == "" {
		c.MasterKeyFile = filepath.Join(c.DataDir, "master.key")
	}
	if c.Preview.AdminURL == "" {
		c.Preview.AdminURL = fmt.Sprintf("http://%s:9997/v3/paths/list", c.Preview.Host)
	}
}

// Validate rejects values the daemon cannot start with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir is required", model.ErrConfigInvalid)
	}
	if !filepath.IsAbs(c.DataDir) {
		return fmt.Errorf("%w: data_dir %q must be absolute", model.ErrConfigInvalid, c.DataDir)
	}
	if !filepath.IsAbs(c.UploadsDir) {
		return fmt.Errorf("%w: uploads_dir %q must be absolute", model.ErrConfigInvalid, c.UploadsDir)
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("%w: listen_addr %q: %v", model.ErrConfigInvalid, c.ListenAddr, err)
	}
	if c.Relay.Port <= 0 || c.Relay.Port > 65535 {
		return fmt.Errorf("%w: relay port %d out of range", model.ErrConfigInvalid, c.Relay.Port)
	}
	if c.Preview.RTMPPort <= 0 || c.Preview.HLSPort <= 0 {
		return fmt.Errorf("%w: preview ports must be positive", model.ErrConfigInvalid)
	}
	if c.FFmpegPath == "" {
		return fmt.Errorf("%w: ffmpeg_path is required", model.ErrConfigInvalid)
	}
	if c.Watchdog.CheckInterval < time.Second {
		return fmt.Errorf("%w: watchdog check_interval %v below 1s", model.ErrConfigInvalid, c.Watchdog.CheckInterval)
	}
	if c.Watchdog.FailureThreshold < 1 {
		return fmt.Errorf("%w: watchdog failure_threshold must be >= 1", model.ErrConfigInvalid)
	}
	return nil
}
