// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package preview is the thin client over the local RTMP-to-HLS muxer.
// The muxer (a stock MediaMTX deployment on the appliance) is
// configured for low-latency HLS: 1s segments, short window, CORS open
// to the appliance origin.
package preview

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Config locates the muxer's three faces: RTMP ingest, HLS playback,
// admin API.
type Config struct {
	Host     string // default "127.0.0.1"
	RTMPPort int    // default 1935
	HLSPort  int    // default 8888
	AdminURL string // default http://<host>:9997/v3/paths/list
	Timeout  time.Duration
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.RTMPPort <= 0 {
		c.RTMPPort = 1935
	}
	if c.HLSPort <= 0 {
		c.HLSPort = 8888
	}
	if c.AdminURL == "" {
		c.AdminURL = fmt.Sprintf("http://%s:9997/v3/paths/list", c.Host)
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
}

// Adapter probes the muxer and hands out its URLs.
type Adapter struct {
	cfg  Config
	http *http.Client
}

// New creates the adapter.
func New(cfg Config) *Adapter {
	cfg.applyDefaults()
	return &Adapter{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

// Health asks the muxer's admin endpoint whether it is alive. A 401 is
// alive: the muxer may gate admin calls behind auth, and answering the
// challenge at all means the process is up.
func (a *Adapter) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.AdminURL, nil)
	if err != nil {
		return err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("preview muxer unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusUnauthorized:
		return nil
	default:
		return fmt.Errorf("preview muxer admin returned %d", resp.StatusCode)
	}
}

// PublishURL is where the encoder writes the preview stream.
func (a *Adapter) PublishURL() string {
	return fmt.Sprintf("rtmp://%s:%d/preview/stream", a.cfg.Host, a.cfg.RTMPPort)
}

// PlaybackURL is what the browser player consumes.
func (a *Adapter) PlaybackURL() string {
	return fmt.Sprintf("http://%s:%d/preview/index.m3u8", a.cfg.Host, a.cfg.HLSPort)
}
