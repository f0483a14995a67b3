// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package watchdog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vistter/vistterstream/internal/bus"
	"github.com/vistter/vistterstream/internal/model"
)

type fakeLocal struct {
	mu      sync.Mutex
	streams map[string]string // output url -> stream id
	healthy map[string]bool
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{streams: map[string]string{}, healthy: map[string]bool{}}
}

func (f *fakeLocal) FindByOutputURL(url string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.streams[url]
	return id, ok
}

func (f *fakeLocal) Healthy(streamID string, _ time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy[streamID]
}

func (f *fakeLocal) set(url, streamID string, healthy bool) {
	f.mu.Lock()
	f.streams[url] = streamID
	f.healthy[streamID] = healthy
	f.mu.Unlock()
}

type fakeLive struct {
	mu   sync.Mutex
	live bool
}

func (f *fakeLive) CheckLive(context.Context, model.Destination) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live, nil
}

func testDest(id int64) model.Destination {
	return model.Destination{
		ID:        id,
		Name:      "yt-main",
		Platform:  model.PlatformYouTube,
		RTMPURL:   "rtmp://a.rtmp.youtube.com/live2",
		StreamKey: "key",
		Watchdog: model.WatchdogConfig{
			Enabled:          true,
			CheckInterval:    20 * time.Millisecond,
			FailureThreshold: 2,
		},
	}
}

type recoverRecorder struct {
	mu    sync.Mutex
	calls []int64
}

func (r *recoverRecorder) fn(_ context.Context, dest model.Destination, _ string) error {
	r.mu.Lock()
	r.calls = append(r.calls, dest.ID)
	r.mu.Unlock()
	return nil
}

func (r *recoverRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func testManager(local *fakeLocal, live LiveChecker, rec RecoverFunc) (*Manager, bus.Bus) {
	b := bus.NewMemoryBus()
	m := New(Config{Cooldown: 300 * time.Millisecond}, Deps{
		Local:   local,
		Live:    live,
		Bus:     b,
		Recover: rec,
	})
	return m, b
}

func TestArmedWhenNoStreamMatches(t *testing.T) {
	local := newFakeLocal()
	rec := &recoverRecorder{}
	m, _ := testManager(local, nil, rec.fn)
	defer m.NotifyStreamStopped(context.Background(), "")

	m.NotifyStreamStarted(context.Background(), []model.Destination{testDest(1)}, "exec-1")

	st := m.Status()
	require.Len(t, st, 1)
	require.Equal(t, StateArmed, st[0].State)

	// No recovery fires while armed.
	time.Sleep(100 * time.Millisecond)
	require.Zero(t, rec.count())

	// Stream appears: monitor resolves it on the next check.
	local.set("rtmp://a.rtmp.youtube.com/live2/key", "exec-1", true)
	require.Eventually(t, func() bool {
		st := m.Status()
		return len(st) == 1 && st[0].State == StateMonitoring
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisabledDestinationNotMonitored(t *testing.T) {
	local := newFakeLocal()
	m, _ := testManager(local, nil, nil)
	d := testDest(1)
	d.Watchdog.Enabled = false
	m.NotifyStreamStarted(context.Background(), []model.Destination{d}, "exec-1")
	require.Empty(t, m.Status())
}

func TestRecoveryAfterThresholdWithCooldown(t *testing.T) {
	local := newFakeLocal()
	local.set("rtmp://a.rtmp.youtube.com/live2/key", "exec-1", false) // known but unhealthy
	rec := &recoverRecorder{}
	m, b := testManager(local, nil, rec.fn)
	defer m.NotifyStreamStopped(context.Background(), "")

	sub, err := b.Subscribe(context.Background(), bus.TopicWatchdogUnhealthy)
	require.NoError(t, err)
	defer sub.Close() //nolint:errcheck
	events := make(chan bus.WatchdogEvent, 8)
	go func() {
		for msg := range sub.C() {
			events <- msg.(bus.WatchdogEvent)
		}
	}()

	m.NotifyStreamStarted(context.Background(), []model.Destination{testDest(1)}, "exec-1")

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	select {
	case ev := <-events:
		require.Equal(t, int64(1), ev.DestinationID)
		require.GreaterOrEqual(t, ev.Consecutive, 2)
	case <-time.After(time.Second):
		t.Fatal("no watchdog.unhealthy event")
	}

	// Still failing, but cooldown suppresses further recoveries.
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, 1, rec.count())

	// After cooldown expires, a second recovery may fire.
	require.Eventually(t, func() bool { return rec.count() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestSingleHealthyCheckResetsAndEmitsRecovered(t *testing.T) {
	local := newFakeLocal()
	local.set("rtmp://a.rtmp.youtube.com/live2/key", "exec-1", false)
	rec := &recoverRecorder{}
	m, b := testManager(local, nil, rec.fn)
	defer m.NotifyStreamStopped(context.Background(), "")

	sub, err := b.Subscribe(context.Background(), bus.TopicWatchdogRecovered)
	require.NoError(t, err)
	defer sub.Close() //nolint:errcheck
	recovered := make(chan bus.WatchdogEvent, 4)
	go func() {
		for msg := range sub.C() {
			recovered <- msg.(bus.WatchdogEvent)
		}
	}()

	d := testDest(1)
	d.Watchdog.FailureThreshold = 100 // keep recovery out of this test
	m.NotifyStreamStarted(context.Background(), []model.Destination{d}, "exec-1")

	require.Eventually(t, func() bool {
		st := m.Status()
		return len(st) == 1 && st[0].Consecutive >= 1
	}, 2*time.Second, 10*time.Millisecond)

	local.set("rtmp://a.rtmp.youtube.com/live2/key", "exec-1", true)

	select {
	case <-recovered:
	case <-time.After(2 * time.Second):
		t.Fatal("no watchdog.recovered event")
	}
	require.Eventually(t, func() bool {
		st := m.Status()
		return len(st) == 1 && st[0].Consecutive == 0
	}, time.Second, 10*time.Millisecond)
}

func TestRemoteCheckFailureCounts(t *testing.T) {
	local := newFakeLocal()
	local.set("rtmp://a.rtmp.youtube.com/live2/key", "exec-1", true) // local fine
	live := &fakeLive{live: false}
	rec := &recoverRecorder{}
	m, _ := testManager(local, live, rec.fn)
	defer m.NotifyStreamStopped(context.Background(), "")

	d := testDest(1)
	d.Watchdog.LiveURL = "https://youtube.com/watch?v=abc"
	m.NotifyStreamStarted(context.Background(), []model.Destination{d}, "exec-1")

	require.Eventually(t, func() bool { return rec.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestNotifyStreamStoppedTearsDownMonitors(t *testing.T) {
	local := newFakeLocal()
	local.set("rtmp://a.rtmp.youtube.com/live2/key", "exec-1", true)
	m, _ := testManager(local, nil, nil)

	m.NotifyStreamStarted(context.Background(), []model.Destination{testDest(1)}, "exec-1")
	require.Len(t, m.Status(), 1)

	m.NotifyStreamStopped(context.Background(), "exec-1")
	require.Empty(t, m.Status())
}

func TestRestartHonorsCooldown(t *testing.T) {
	local := newFakeLocal()
	local.set("rtmp://a.rtmp.youtube.com/live2/key", "exec-1", true)
	rec := &recoverRecorder{}
	m, _ := testManager(local, nil, rec.fn)
	defer m.NotifyStreamStopped(context.Background(), "")

	require.ErrorIs(t, m.Restart(context.Background(), 42), model.ErrNotFound)

	m.NotifyStreamStarted(context.Background(), []model.Destination{testDest(1)}, "exec-1")
	require.NoError(t, m.Restart(context.Background(), 1))
	require.Equal(t, 1, rec.count())

	err := m.Restart(context.Background(), 1)
	require.Error(t, err, "second restart inside cooldown must be suppressed")
}

func TestHTTPLiveCheckerSignals(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/live":
			_, _ = w.Write([]byte(`{"videoDetails":{"isLive":true}}`))
		case "/ended":
			_, _ = w.Write([]byte(`{"videoDetails":{"isLiveContentAbsent":true}}`))
		case "/redirect":
			http.Redirect(w, r, "/ended", http.StatusFound)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewHTTPLiveChecker()
	dest := func(path string) model.Destination {
		d := testDest(1)
		d.Watchdog.LiveURL = srv.URL + path
		return d
	}

	live, err := c.CheckLive(context.Background(), dest("/live"))
	require.NoError(t, err)
	require.True(t, live)

	live, err = c.CheckLive(context.Background(), dest("/ended"))
	require.NoError(t, err)
	require.False(t, live)

	live, err = c.CheckLive(context.Background(), dest("/redirect"))
	require.NoError(t, err)
	require.False(t, live, "redirect off the broadcast page means not live")

	_, err = c.CheckLive(context.Background(), dest("/missing"))
	require.Error(t, err)
}
