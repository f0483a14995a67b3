// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vistter/vistterstream/internal/bus"
	"github.com/vistter/vistterstream/internal/model"
	"github.com/vistter/vistterstream/internal/state"
	"github.com/vistter/vistterstream/internal/supervisor"
)

type fakeCatalog struct {
	timeline *model.Timeline
	cameras  map[int64]model.Camera
	presets  map[int64]model.Preset
	assets   map[int64]model.Asset
}

func (f *fakeCatalog) Timeline(_ context.Context, id int64) (*model.Timeline, error) {
	if f.timeline == nil || f.timeline.ID != id {
		return nil, model.ErrNotFound
	}
	return f.timeline, nil
}

func (f *fakeCatalog) Camera(_ context.Context, id int64) (model.Camera, error) {
	c, ok := f.cameras[id]
	if !ok {
		return model.Camera{}, model.ErrNotFound
	}
	return c, nil
}

func (f *fakeCatalog) Preset(_ context.Context, id int64) (model.Preset, error) {
	p, ok := f.presets[id]
	if !ok {
		return model.Preset{}, model.ErrNotFound
	}
	return p, nil
}

func (f *fakeCatalog) Asset(_ context.Context, id int64) (model.Asset, error) {
	a, ok := f.assets[id]
	if !ok {
		return model.Asset{}, model.ErrNotFound
	}
	return a, nil
}

type fakeRelays struct {
	mu         sync.Mutex
	unhealthy  map[int64]bool
	ensured    []int64
	waitCalled []int64
}

func (f *fakeRelays) EnsureRelay(_ context.Context, cam model.Camera) (string, error) {
	f.mu.Lock()
	f.ensured = append(f.ensured, cam.ID)
	f.mu.Unlock()
	return fmt.Sprintf("rtmp://127.0.0.1:1935/vistterstream/cam%d", cam.ID), nil
}

func (f *fakeRelays) WaitHealthy(_ context.Context, cameraID int64, _ time.Duration) error {
	f.mu.Lock()
	f.waitCalled = append(f.waitCalled, cameraID)
	bad := f.unhealthy[cameraID]
	f.mu.Unlock()
	if bad {
		return model.ErrCameraUnreachable
	}
	return nil
}

type fakeMover struct {
	mu    sync.Mutex
	moves []int64
	err   error
}

func (f *fakeMover) MoveToPreset(_ context.Context, cam model.Camera, _ model.Preset) error {
	f.mu.Lock()
	f.moves = append(f.moves, cam.ID)
	f.mu.Unlock()
	return f.err
}

type fakeEncoder struct {
	mu     sync.Mutex
	starts []supervisor.StartSpec
	stops  []string
}

func (f *fakeEncoder) Start(_ context.Context, spec supervisor.StartSpec) error {
	f.mu.Lock()
	f.starts = append(f.starts, spec)
	f.mu.Unlock()
	return nil
}

func (f *fakeEncoder) Stop(_ context.Context, streamID string, _ time.Duration) error {
	f.mu.Lock()
	f.stops = append(f.stops, streamID)
	f.mu.Unlock()
	return nil
}

func (f *fakeEncoder) lastSpec() (supervisor.StartSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.starts) == 0 {
		return supervisor.StartSpec{}, false
	}
	return f.starts[len(f.starts)-1], true
}

// testTimeline: two camera cues back to back, one overlay across both.
func testTimeline(loop bool) *model.Timeline {
	return &model.Timeline{
		ID:       1,
		Name:     "harbor",
		FPS:      30,
		Width:    1920,
		Height:   1080,
		Loop:     loop,
		Duration: 0.4,
		Tracks: []model.Track{
			{
				ID: 10, TimelineID: 1, Kind: model.TrackVideo, Enabled: true,
				Cues: []model.Cue{
					{ID: 100, TrackID: 10, Start: 0, Duration: 0.2, Action: model.ShowCamera{CameraID: 1}},
					{ID: 101, TrackID: 10, Start: 0.2, Duration: 0.2, Action: model.ShowCamera{CameraID: 2}},
				},
			},
			{
				ID: 20, TimelineID: 1, Kind: model.TrackOverlay, Layer: 1, Enabled: true,
				Cues: []model.Cue{
					{ID: 200, TrackID: 20, Start: 0, Duration: 0.4, Action: model.ShowAsset{AssetID: 5, PositionX: 1, PositionY: 1, Opacity: 0.9}},
				},
			},
		},
	}
}

func testDeps(tl *model.Timeline) (Deps, *fakeCatalog, *fakeRelays, *fakeMover, *fakeEncoder) {
	catalog := &fakeCatalog{
		timeline: tl,
		cameras: map[int64]model.Camera{
			1: {ID: 1, Address: "10.0.0.8:554", Enabled: true, Type: model.CameraStationary},
			2: {ID: 2, Address: "10.0.0.9:554", Enabled: true, Type: model.CameraPTZ, ONVIFEndpoint: "http://10.0.0.9:8899"},
		},
		presets: map[int64]model.Preset{7: {ID: 7, CameraID: 2, Pan: 0.5}},
		assets:  map[int64]model.Asset{5: {ID: 5, LocalPath: "/data/uploads/logo.png"}},
	}
	relays := &fakeRelays{unhealthy: map[int64]bool{}}
	mover := &fakeMover{}
	enc := &fakeEncoder{}
	deps := Deps{
		Catalog:   catalog,
		Relays:    relays,
		Mover:     mover,
		Encoder:   enc,
		Bus:       bus.NewMemoryBus(),
		Positions: state.NewPositionStore(),
	}
	return deps, catalog, relays, mover, enc
}

func fastConfig() Config {
	return Config{
		PrepareTimeout:   20 * time.Millisecond,
		EncoderGrace:     10 * time.Millisecond,
		PositionInterval: 20 * time.Millisecond,
	}
}

func collect(t *testing.T, b bus.Bus, topic bus.Topic) *eventSink {
	t.Helper()
	sub, err := b.Subscribe(context.Background(), topic)
	require.NoError(t, err)
	s := &eventSink{}
	go func() {
		for msg := range sub.C() {
			s.mu.Lock()
			s.msgs = append(s.msgs, msg)
			s.mu.Unlock()
		}
	}()
	t.Cleanup(func() { _ = sub.Close() })
	return s
}

type eventSink struct {
	mu   sync.Mutex
	msgs []bus.Message
}

func (s *eventSink) all() []bus.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bus.Message(nil), s.msgs...)
}

func TestStartRejectsBadInput(t *testing.T) {
	tl := testTimeline(false)
	deps, _, _, _, _ := testDeps(tl)
	m := New(fastConfig(), deps)

	_, err := m.Start(context.Background(), 1, nil)
	require.ErrorIs(t, err, model.ErrConfigInvalid)

	_, err = m.Start(context.Background(), 99, []string{"rtmp://x/live/k"})
	require.ErrorIs(t, err, model.ErrNotFound)

	bad := testTimeline(false)
	bad.Duration = 0
	deps2, _, _, _, _ := testDeps(bad)
	m2 := New(fastConfig(), deps2)
	_, err = m2.Start(context.Background(), 1, []string{"rtmp://x/live/k"})
	require.ErrorIs(t, err, model.ErrConfigInvalid)
}

func TestStartRejectsSecondExecution(t *testing.T) {
	tl := testTimeline(true)
	deps, _, _, _, _ := testDeps(tl)
	m := New(fastConfig(), deps)

	_, err := m.Start(context.Background(), 1, []string{"rtmp://x/live/k"})
	require.NoError(t, err)
	defer m.Stop(context.Background(), 1, model.RClientStop) //nolint:errcheck

	_, err = m.Start(context.Background(), 1, []string{"rtmp://x/live/k"})
	require.ErrorIs(t, err, model.ErrAlreadyRunning)
}

func TestRunToCompletion(t *testing.T) {
	tl := testTimeline(false)
	deps, _, relays, _, enc := testDeps(tl)
	m := New(fastConfig(), deps)
	stopped := collect(t, deps.Bus, bus.TopicExecutionStopped)
	cues := collect(t, deps.Bus, bus.TopicCueEntered)

	execID, err := m.Start(context.Background(), 1, []string{"rtmp://x/live/k"})
	require.NoError(t, err)
	require.NotEmpty(t, execID)

	require.Eventually(t, func() bool {
		st, ok := m.Status(1)
		return ok && st.Status == model.ExecCompleted
	}, 5*time.Second, 10*time.Millisecond)

	st, _ := m.Status(1)
	require.Equal(t, model.ExecCompleted, st.Status)
	require.GreaterOrEqual(t, st.Metrics.CuesExecuted, 3) // 2 video + 1 overlay
	require.Zero(t, st.Metrics.CueFailures)

	// both cameras were prepared, encoder restarted across the camera
	// boundary, and the terminal event went out
	relays.mu.Lock()
	ensured := append([]int64(nil), relays.ensured...)
	relays.mu.Unlock()
	require.Contains(t, ensured, int64(1))
	require.Contains(t, ensured, int64(2))

	enc.mu.Lock()
	starts := len(enc.starts)
	enc.mu.Unlock()
	require.GreaterOrEqual(t, starts, 2)

	require.Eventually(t, func() bool { return len(stopped.all()) == 1 }, time.Second, 10*time.Millisecond)
	ev := stopped.all()[0].(bus.ExecutionEvent)
	require.Equal(t, model.ExecCompleted, ev.Status)
	require.NotEmpty(t, cues.all())

	// position store is cleared after completion
	_, ok := m.Position(1)
	require.False(t, ok)
}

func TestVideoCueOrderedBeforeOverlay(t *testing.T) {
	tl := testTimeline(false)
	deps, _, _, _, _ := testDeps(tl)
	m := New(fastConfig(), deps)
	cues := collect(t, deps.Bus, bus.TopicCueEntered)

	_, err := m.Start(context.Background(), 1, []string{"rtmp://x/live/k"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, ok := m.Status(1)
		return ok && st.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)

	evs := cues.all()
	require.NotEmpty(t, evs)
	first := evs[0].(bus.CueEvent)
	require.Equal(t, int64(10), first.TrackID, "video cue must be established first")
}

func TestCameraUnreachableFallsBackToBlackFill(t *testing.T) {
	tl := testTimeline(false)
	deps, _, relays, _, enc := testDeps(tl)
	relays.unhealthy[1] = true
	m := New(fastConfig(), deps)
	cues := collect(t, deps.Bus, bus.TopicCueEntered)

	_, err := m.Start(context.Background(), 1, []string{"rtmp://x/live/k"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, ok := m.Status(1)
		return ok && st.Status == model.ExecCompleted
	}, 5*time.Second, 10*time.Millisecond)

	// execution survived, first cue marked camera_unreachable
	var sawUnreachable bool
	for _, msg := range cues.all() {
		if ev := msg.(bus.CueEvent); ev.CueID == 100 && ev.Reason == model.RCameraUnreachable {
			sawUnreachable = true
		}
	}
	require.True(t, sawUnreachable)

	// first encoder invocation composited on a black fill
	enc.mu.Lock()
	firstArgv := strings.Join(enc.starts[0].Argv, " ")
	enc.mu.Unlock()
	require.Contains(t, firstArgv, "color=c=black")

	st, _ := m.Status(1)
	require.GreaterOrEqual(t, st.Metrics.CueFailures, 1)
}

func TestPTZPrePositioning(t *testing.T) {
	tl := testTimeline(false)
	presetID := int64(7)
	tl.Tracks[0].Cues[1].Action = model.ShowCamera{CameraID: 2, PresetID: &presetID}
	deps, _, _, mover, _ := testDeps(tl)
	m := New(fastConfig(), deps)

	_, err := m.Start(context.Background(), 1, []string{"rtmp://x/live/k"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, ok := m.Status(1)
		return ok && st.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)

	mover.mu.Lock()
	defer mover.mu.Unlock()
	require.Contains(t, mover.moves, int64(2))
}

func TestPTZMoveOnlyOnCueEntry(t *testing.T) {
	presetID := int64(7)
	tl := &model.Timeline{
		ID: 1, Name: "harbor", FPS: 30, Width: 1920, Height: 1080, Duration: 0.4,
		Tracks: []model.Track{
			{
				ID: 10, TimelineID: 1, Kind: model.TrackVideo, Enabled: true,
				Cues: []model.Cue{
					{ID: 100, TrackID: 10, Start: 0, Duration: 0.4, Action: model.ShowCamera{CameraID: 2, PresetID: &presetID}},
				},
			},
			{
				ID: 20, TimelineID: 1, Kind: model.TrackOverlay, Layer: 1, Enabled: true,
				Cues: []model.Cue{
					{ID: 200, TrackID: 20, Start: 0.1, Duration: 0.1, Action: model.ShowAsset{AssetID: 5, Opacity: 1}},
				},
			},
		},
	}
	deps, _, _, mover, _ := testDeps(tl)
	m := New(fastConfig(), deps)

	_, err := m.Start(context.Background(), 1, []string{"rtmp://x/live/k"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, ok := m.Status(1)
		return ok && st.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)

	// The overlay edges at 0.1 and 0.2 fall inside the camera cue; only
	// the entry at 0 repositions the camera.
	mover.mu.Lock()
	defer mover.mu.Unlock()
	require.Equal(t, []int64{2}, mover.moves)
}

func TestPTZFailureDoesNotFailCue(t *testing.T) {
	tl := testTimeline(false)
	presetID := int64(7)
	tl.Tracks[0].Cues[1].Action = model.ShowCamera{CameraID: 2, PresetID: &presetID}
	deps, _, _, mover, _ := testDeps(tl)
	mover.err = errors.New("device busy")
	m := New(fastConfig(), deps)

	_, err := m.Start(context.Background(), 1, []string{"rtmp://x/live/k"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, ok := m.Status(1)
		return ok && st.Status == model.ExecCompleted
	}, 5*time.Second, 10*time.Millisecond)

	st, _ := m.Status(1)
	require.Zero(t, st.Metrics.CueFailures)
}

func TestStopIsIdempotent(t *testing.T) {
	tl := testTimeline(true)
	deps, _, _, _, enc := testDeps(tl)
	m := New(fastConfig(), deps)

	_, err := m.Start(context.Background(), 1, []string{"rtmp://x/live/k"})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, m.Stop(context.Background(), 1, model.RClientStop))
	require.NoError(t, m.Stop(context.Background(), 1, model.RClientStop))
	require.NoError(t, m.Stop(context.Background(), 42, model.RClientStop)) // unknown timeline

	st, ok := m.Status(1)
	require.True(t, ok)
	require.Equal(t, model.ExecStopped, st.Status)
	require.Equal(t, model.RClientStop, st.Reason)

	enc.mu.Lock()
	defer enc.mu.Unlock()
	require.NotEmpty(t, enc.stops)
}

func TestLoopingIncrementsLoopCount(t *testing.T) {
	tl := testTimeline(true)
	deps, _, _, _, _ := testDeps(tl)
	m := New(fastConfig(), deps)

	_, err := m.Start(context.Background(), 1, []string{"rtmp://x/live/k"})
	require.NoError(t, err)
	defer m.Stop(context.Background(), 1, model.RClientStop) //nolint:errcheck

	require.Eventually(t, func() bool {
		st, ok := m.Status(1)
		return ok && st.Metrics.LoopCount >= 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPositionPublishedWhileRunning(t *testing.T) {
	tl := testTimeline(true)
	deps, _, _, _, _ := testDeps(tl)
	m := New(fastConfig(), deps)

	_, err := m.Start(context.Background(), 1, []string{"rtmp://x/live/k"})
	require.NoError(t, err)
	defer m.Stop(context.Background(), 1, model.RClientStop) //nolint:errcheck

	require.Eventually(t, func() bool {
		pos, ok := m.Position(1)
		return ok && pos.TimelineID == 1 && pos.CueIndex != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEncoderFatalTransitionsToError(t *testing.T) {
	tl := testTimeline(true)
	deps, _, _, _, enc := testDeps(tl)
	m := New(fastConfig(), deps)
	errored := collect(t, deps.Bus, bus.TopicExecutionErrored)

	_, err := m.Start(context.Background(), 1, []string{"rtmp://x/live/k"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := enc.lastSpec()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	spec, _ := enc.lastSpec()
	spec.OnEvent(supervisor.Event{
		StreamID: spec.StreamID,
		Kind:     supervisor.EventFatal,
		Reason:   model.RRestartsExhausted,
	})

	require.Eventually(t, func() bool {
		st, ok := m.Status(1)
		return ok && st.Status == model.ExecError
	}, 5*time.Second, 10*time.Millisecond)

	st, _ := m.Status(1)
	require.Equal(t, model.RRestartsExhausted, st.Reason)
	require.Eventually(t, func() bool { return len(errored.all()) == 1 }, time.Second, 10*time.Millisecond)
}
