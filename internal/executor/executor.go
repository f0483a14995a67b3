// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package executor runs timelines. One long-lived task per active
// timeline walks the cue graph against the wall clock, pre-positions
// PTZ cameras, gates on relay health, rebuilds the encoder invocation
// at cue boundaries and publishes playback position for the UI.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vistter/vistterstream/internal/bus"
	"github.com/vistter/vistterstream/internal/model"
	"github.com/vistter/vistterstream/internal/state"
	"github.com/vistter/vistterstream/internal/supervisor"
)

// Catalog resolves the entities a timeline references. Implemented by
// the store; faked in tests.
type Catalog interface {
	Timeline(ctx context.Context, id int64) (*model.Timeline, error)
	Camera(ctx context.Context, id int64) (model.Camera, error)
	Preset(ctx context.Context, id int64) (model.Preset, error)
	Asset(ctx context.Context, id int64) (model.Asset, error)
}

// Relays is the slice of the relay manager the executor needs.
type Relays interface {
	EnsureRelay(ctx context.Context, cam model.Camera) (string, error)
	WaitHealthy(ctx context.Context, cameraID int64, timeout time.Duration) error
}

// Mover pre-positions PTZ cameras. A move failure never fails the cue.
type Mover interface {
	MoveToPreset(ctx context.Context, cam model.Camera, preset model.Preset) error
}

// Encoder is the slice of the process supervisor the executor drives.
type Encoder interface {
	Start(ctx context.Context, spec supervisor.StartSpec) error
	Stop(ctx context.Context, streamID string, grace time.Duration) error
}

// Config tunes execution timing.
type Config struct {
	PrepareTimeout   time.Duration // relay health gate at cue entry, default 3s
	EncoderGrace     time.Duration // encoder stop grace at boundaries, default 3s
	PositionInterval time.Duration // position publish cadence, default 500ms
	HWEncoder        string        // probed video codec, empty = libx264
	StopWait         time.Duration // max wait for the task to finalize on stop, default 10s
}

func (c *Config) applyDefaults() {
	if c.PrepareTimeout <= 0 {
		c.PrepareTimeout = 3 * time.Second
	}
	if c.EncoderGrace <= 0 {
		c.EncoderGrace = 3 * time.Second
	}
	if c.PositionInterval <= 0 {
		c.PositionInterval = 500 * time.Millisecond
	}
	if c.StopWait <= 0 {
		c.StopWait = 10 * time.Second
	}
}

// Deps are the executor's collaborators.
type Deps struct {
	Catalog   Catalog
	Relays    Relays
	Mover     Mover
	Encoder   Encoder
	Bus       bus.Bus
	Positions *state.PositionStore
}

// Manager owns all running executions, at most one per timeline.
type Manager struct {
	cfg  Config
	deps Deps

	mu   sync.Mutex
	runs map[int64]*run
}

// New creates an executor Manager.
func New(cfg Config, deps Deps) *Manager {
	cfg.applyDefaults()
	return &Manager{cfg: cfg, deps: deps, runs: make(map[int64]*run)}
}

// Start validates the timeline and launches its executor task. The
// returned execution id identifies this run in events and status.
func (m *Manager) Start(ctx context.Context, timelineID int64, outputURLs []string) (string, error) {
	if len(outputURLs) == 0 {
		return "", fmt.Errorf("%w: start with no output urls", model.ErrConfigInvalid)
	}
	tl, err := m.deps.Catalog.Timeline(ctx, timelineID)
	if err != nil {
		return "", err
	}
	if err := tl.Validate(); err != nil {
		return "", err
	}

	m.mu.Lock()
	if existing, ok := m.runs[timelineID]; ok && !existing.status().Status.IsTerminal() {
		m.mu.Unlock()
		return "", fmt.Errorf("timeline %d: %w", timelineID, model.ErrAlreadyRunning)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := newRun(m.cfg, m.deps, tl, outputURLs, cancel)
	m.runs[timelineID] = r
	m.mu.Unlock()

	go r.loop(runCtx)
	return r.executionID, nil
}

// Stop cancels the timeline's execution and waits for it to finalize.
// Stopping an absent or finished execution succeeds.
func (m *Manager) Stop(ctx context.Context, timelineID int64, reason model.ReasonCode) error {
	m.mu.Lock()
	r, ok := m.runs[timelineID]
	m.mu.Unlock()
	if !ok || r.status().Status.IsTerminal() {
		return nil
	}
	r.requestStop(reason)
	select {
	case <-r.done:
		return nil
	case <-time.After(m.cfg.StopWait):
		return fmt.Errorf("timeline %d: executor did not finalize within %s", timelineID, m.cfg.StopWait)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopAll stops every live execution, used at shutdown.
func (m *Manager) StopAll(ctx context.Context, reason model.ReasonCode) {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.runs))
	for id := range m.runs {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.Stop(ctx, id, reason)
	}
}

// Status returns the execution snapshot for the timeline.
func (m *Manager) Status(timelineID int64) (model.Execution, bool) {
	m.mu.Lock()
	r, ok := m.runs[timelineID]
	m.mu.Unlock()
	if !ok {
		return model.Execution{}, false
	}
	return r.status(), true
}

// Position returns the last published playback position.
func (m *Manager) Position(timelineID int64) (model.PlaybackPosition, bool) {
	return m.deps.Positions.Get(timelineID)
}

func newExecutionID() string { return uuid.NewString() }
