// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vistter/vistterstream/internal/config"
	"github.com/vistter/vistterstream/internal/model"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dataDir := t.TempDir()
	return &config.Config{
		DataDir:       dataDir,
		DatabasePath:  filepath.Join(dataDir, "vistterstream.db"),
		UploadsDir:    filepath.Join(dataDir, "uploads"),
		MasterKeyFile: filepath.Join(dataDir, "master.key"),
		ListenAddr:    "127.0.0.1:0",
		FFmpegPath:    "ffmpeg",
		HWEncoder:     "libx264", // skip the probe, no binary in CI
		Relay:         config.RelayConfig{Host: "127.0.0.1", Port: 1935},
		Preview: config.PreviewConfig{
			Host:     "127.0.0.1",
			RTMPPort: 1935,
			HLSPort:  8888,
			AdminURL: "http://127.0.0.1:9997/v3/paths/list",
		},
		Watchdog: config.WatchdogConfig{
			CheckInterval:    30 * time.Second,
			FailureThreshold: 3,
			Cooldown:         2 * time.Minute,
		},
	}
}

func TestNewServesAPI(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.shutdown()

	ts := httptest.NewServer(a.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Full stack behind the handler: a write lands in the store.
	body := strings.NewReader(`{"name":"dock","address":"192.168.1.40","type":"stationary","protocol":"rtsp","enabled":true}`)
	resp, err = http.Post(ts.URL+"/api/cameras/", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	cams, err := a.store.Cameras(context.Background())
	require.NoError(t, err)
	require.Len(t, cams, 1)
	require.Equal(t, "dock", cams[0].Name)

	resp, err = http.Get(ts.URL + "/api/stream/")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	var status struct {
		Mode string `json:"mode"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.Equal(t, string(model.ModeIdle), status.Mode)
}

func TestSecretsSurviveRestart(t *testing.T) {
	cfg := testConfig(t)

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	err = a.store.SaveCamera(context.Background(), &model.Camera{
		Name:     "wharf",
		Address:  "192.168.1.41",
		Password: "hunter2",
		Type:     model.CameraStationary,
		Protocol: model.ProtocolRTSP,
	})
	require.NoError(t, err)
	a.shutdown()

	// Same data dir, fresh process: the key file must still open the rows.
	b, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer b.shutdown()

	cams, err := b.store.Cameras(context.Background())
	require.NoError(t, err)
	require.Len(t, cams, 1)
	require.Equal(t, "hunter2", cams[0].Password)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
