// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vistter/vistterstream/internal/bus"
	"github.com/vistter/vistterstream/internal/model"
)

type fakeExec struct {
	mu      sync.Mutex
	starts  [][]string
	stops   int
	nextID  int
	execIDs []string
	failErr error
}

func (f *fakeExec) Start(_ context.Context, _ int64, urls []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return "", f.failErr
	}
	f.nextID++
	id := string(rune('a' + f.nextID - 1))
	f.starts = append(f.starts, urls)
	f.execIDs = append(f.execIDs, id)
	return id, nil
}

func (f *fakeExec) Stop(context.Context, int64, model.ReasonCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeExec) Status(int64) (model.Execution, bool) { return model.Execution{}, false }

type fakePreview struct{ err error }

func (f *fakePreview) Health(context.Context) error { return f.err }
func (f *fakePreview) PublishURL() string           { return "rtmp://127.0.0.1:1935/preview/stream" }
func (f *fakePreview) PlaybackURL() string          { return "http://127.0.0.1:8888/preview/index.m3u8" }

type fakeCatalog struct{}

func (fakeCatalog) Timeline(_ context.Context, id int64) (*model.Timeline, error) {
	if id != 1 {
		return nil, model.ErrNotFound
	}
	return &model.Timeline{ID: 1, Name: "harbor"}, nil
}

func (fakeCatalog) Destination(_ context.Context, id int64) (model.Destination, error) {
	if id == 404 {
		return model.Destination{}, model.ErrNotFound
	}
	return model.Destination{
		ID:        id,
		Platform:  model.PlatformYouTube,
		RTMPURL:   "rtmp://a.rtmp.youtube.com/live2",
		StreamKey: "key",
	}, nil
}

type fakeWatchdog struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (f *fakeWatchdog) NotifyStreamStarted(_ context.Context, _ []model.Destination, streamID string) {
	f.mu.Lock()
	f.started = append(f.started, streamID)
	f.mu.Unlock()
}

func (f *fakeWatchdog) NotifyStreamStopped(_ context.Context, streamID string) {
	f.mu.Lock()
	f.stopped = append(f.stopped, streamID)
	f.mu.Unlock()
}

func testRouter() (*Router, *fakeExec, *fakePreview, *fakeWatchdog, bus.Bus) {
	exec := &fakeExec{}
	preview := &fakePreview{}
	wd := &fakeWatchdog{}
	b := bus.NewMemoryBus()
	r := New(Deps{Exec: exec, Preview: preview, Catalog: fakeCatalog{}, Watchdog: wd, Bus: b})
	return r, exec, preview, wd, b
}

func TestStartPreviewFromIdle(t *testing.T) {
	r, exec, _, _, _ := testRouter()
	ctx := context.Background()

	require.NoError(t, r.StartPreview(ctx, 1))
	st := r.Status(ctx)
	require.Equal(t, model.ModePreview, st.Mode)
	require.Equal(t, int64(1), st.TimelineID)
	require.Equal(t, "harbor", st.TimelineName)
	require.Equal(t, "http://127.0.0.1:8888/preview/index.m3u8", st.PreviewURL)

	require.Equal(t, [][]string{{"rtmp://127.0.0.1:1935/preview/stream"}}, exec.starts)

	// a second preview from PREVIEW is an invalid transition
	require.Error(t, r.StartPreview(ctx, 1))
}

func TestStartPreviewGatedOnServerHealth(t *testing.T) {
	r, exec, preview, _, _ := testRouter()
	preview.err = errors.New("connection refused")

	err := r.StartPreview(context.Background(), 1)
	require.Error(t, err)
	require.Equal(t, model.ModeIdle, r.Status(context.Background()).Mode)
	require.Empty(t, exec.starts)
}

func TestGoLiveRequiresPreview(t *testing.T) {
	r, _, _, _, _ := testRouter()
	require.Error(t, r.GoLive(context.Background(), []int64{1}))
	require.ErrorIs(t, r.GoLive(context.Background(), nil), model.ErrConfigInvalid)
}

func TestGoLiveRestartsAgainstDestinations(t *testing.T) {
	r, exec, _, wd, _ := testRouter()
	ctx := context.Background()

	require.NoError(t, r.StartPreview(ctx, 1))
	require.NoError(t, r.GoLive(ctx, []int64{10, 11}))

	st := r.Status(ctx)
	require.Equal(t, model.ModeLive, st.Mode)
	require.Equal(t, []int64{10, 11}, st.Destinations)
	require.Empty(t, st.PreviewURL, "preview URL only surfaces in PREVIEW")

	// preview stopped, live started with resolved publish URLs
	require.Equal(t, 1, exec.stops)
	require.Equal(t, []string{
		"rtmp://a.rtmp.youtube.com/live2/key",
		"rtmp://a.rtmp.youtube.com/live2/key",
	}, exec.starts[1])

	wd.mu.Lock()
	defer wd.mu.Unlock()
	require.Len(t, wd.started, 1)
}

func TestGoLiveUnknownDestinationStaysInPreview(t *testing.T) {
	r, exec, _, _, _ := testRouter()
	ctx := context.Background()

	require.NoError(t, r.StartPreview(ctx, 1))
	require.ErrorIs(t, r.GoLive(ctx, []int64{404}), model.ErrNotFound)
	require.Equal(t, model.ModePreview, r.Status(ctx).Mode)
	require.Zero(t, exec.stops, "executor must not be stopped before destinations resolve")
}

func TestStopFromLiveNotifiesWatchdog(t *testing.T) {
	r, _, _, wd, _ := testRouter()
	ctx := context.Background()

	require.NoError(t, r.StartPreview(ctx, 1))
	require.NoError(t, r.GoLive(ctx, []int64{10}))
	require.NoError(t, r.Stop(ctx))

	st := r.Status(ctx)
	require.Equal(t, model.ModeIdle, st.Mode)
	require.Zero(t, st.TimelineID)

	wd.mu.Lock()
	defer wd.mu.Unlock()
	require.Len(t, wd.stopped, 1)

	// stop from IDLE is a no-op
	require.NoError(t, r.Stop(ctx))
}

func TestStopFromIdleIsNoop(t *testing.T) {
	r, exec, _, wd, _ := testRouter()
	ctx := context.Background()

	require.NoError(t, r.Stop(ctx))
	require.NoError(t, r.Stop(ctx))
	require.Equal(t, model.ModeIdle, r.Status(ctx).Mode)
	require.Zero(t, exec.stops)

	wd.mu.Lock()
	defer wd.mu.Unlock()
	require.Empty(t, wd.stopped)
}

func TestWatchDropsToIdleOnExecutorError(t *testing.T) {
	r, exec, _, _, b := testRouter()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, r.StartPreview(ctx, 1))
	execID := exec.execIDs[0]

	// Published before Watch drains: the router subscribes at
	// construction, so the event must be queued, not dropped.
	require.NoError(t, b.Publish(ctx, bus.TopicExecutionErrored, bus.ExecutionEvent{
		ExecutionID: execID,
		TimelineID:  1,
		Status:      model.ExecError,
		Reason:      model.RRestartsExhausted,
	}))

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		_ = r.Watch(ctx)
	}()

	require.Eventually(t, func() bool {
		return r.Status(context.Background()).Mode == model.ModeIdle
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-watchDone
}
