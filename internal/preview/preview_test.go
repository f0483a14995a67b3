// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package preview

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func adminStub(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthAcceptsOK(t *testing.T) {
	srv := adminStub(t, http.StatusOK)
	a := New(Config{AdminURL: srv.URL})
	require.NoError(t, a.Health(context.Background()))
}

func TestHealthAcceptsAuthChallenge(t *testing.T) {
	srv := adminStub(t, http.StatusUnauthorized)
	a := New(Config{AdminURL: srv.URL})
	require.NoError(t, a.Health(context.Background()))
}

func TestHealthRejectsServerError(t *testing.T) {
	srv := adminStub(t, http.StatusInternalServerError)
	a := New(Config{AdminURL: srv.URL})
	require.Error(t, a.Health(context.Background()))
}

func TestHealthRejectsUnreachableMuxer(t *testing.T) {
	srv := adminStub(t, http.StatusOK)
	srv.Close()
	a := New(Config{AdminURL: srv.URL})
	require.Error(t, a.Health(context.Background()))
}

func TestURLs(t *testing.T) {
	a := New(Config{})
	require.Equal(t, "rtmp://127.0.0.1:1935/preview/stream", a.PublishURL())
	require.Equal(t, "http://127.0.0.1:8888/preview/index.m3u8", a.PlaybackURL())

	b := New(Config{Host: "10.0.0.2", RTMPPort: 2935, HLSPort: 8088})
	require.Equal(t, "rtmp://10.0.0.2:2935/preview/stream", b.PublishURL())
	require.Equal(t, "http://10.0.0.2:8088/preview/index.m3u8", b.PlaybackURL())
}
