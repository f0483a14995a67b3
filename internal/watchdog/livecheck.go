// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package watchdog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vistter/vistterstream/internal/model"
)

// maxLiveBody bounds how much of a platform page we scan for the
// is-live signal. Watch pages are megabytes; the signal sits early.
const maxLiveBody = 1 << 20

// HTTPLiveChecker fetches the destination's public live URL and looks
// for the platform's is-live marker in the page. A redirect to a
// different path usually means "this broadcast ended", which counts as
// not live.
type HTTPLiveChecker struct {
	Client *http.Client
}

// NewHTTPLiveChecker builds the default remote checker with a 5s
// budget per probe.
func NewHTTPLiveChecker() *HTTPLiveChecker {
	return &HTTPLiveChecker{Client: &http.Client{Timeout: 5 * time.Second}}
}

// CheckLive implements LiveChecker.
func (c *HTTPLiveChecker) CheckLive(ctx context.Context, dest model.Destination) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dest.Watchdog.LiveURL, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("live url returned %d", resp.StatusCode)
	}
	// The client follows redirects; landing somewhere other than the
	// configured page means the platform bounced us off the broadcast.
	if resp.Request != nil && resp.Request.URL.Path != pathOf(dest.Watchdog.LiveURL) {
		return false, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLiveBody))
	if err != nil {
		return false, err
	}
	return containsLiveSignal(dest.Platform, string(body)), nil
}

// containsLiveSignal matches the platform's own structured marker.
func containsLiveSignal(platform model.Platform, body string) bool {
	switch platform {
	case model.PlatformYouTube:
		return strings.Contains(body, `"isLive":true`) ||
			strings.Contains(body, `"isLiveNow":true`)
	case model.PlatformTwitch:
		return strings.Contains(body, `"isLiveBroadcast":true`)
	case model.PlatformFacebook:
		return strings.Contains(body, `"broadcast_status":"LIVE"`)
	default:
		// Custom RTMP endpoints: a 200 from the configured URL is the
		// best signal available.
		return true
	}
}

func pathOf(rawURL string) string {
	if i := strings.Index(rawURL, "://"); i >= 0 {
		rest := rawURL[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			path := rest[j:]
			if k := strings.IndexAny(path, "?#"); k >= 0 {
				path = path[:k]
			}
			return path
		}
		return "/"
	}
	return rawURL
}
