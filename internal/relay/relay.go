// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package relay keeps one ingest-to-local-RTMP pipeline alive per
// camera so the composite encoder never dials a camera directly.
// Relays start eagerly at boot for enabled cameras and reconnect on
// their own; consumers only ask for the deterministic local URL and,
// when a cue needs the feed, wait for the relay to report healthy.
package relay

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/vistter/vistterstream/internal/bus"
	"github.com/vistter/vistterstream/internal/log"
	"github.com/vistter/vistterstream/internal/metrics"
	"github.com/vistter/vistterstream/internal/model"
	"github.com/vistter/vistterstream/internal/supervisor"
)

// Health state values carried in model.RelayHealth.State.
const (
	StateStarting  = "starting"
	StateHealthy   = "healthy"
	StateUnhealthy = "unhealthy"
)

// Config tunes the relay pool. Zero values select the defaults
// documented on each field.
type Config struct {
	BinPath       string        // relay binary, default "ffmpeg"
	Host          string        // local RTMP host, default "127.0.0.1"
	Port          int           // local RTMP port, default 1935
	ProbeInterval time.Duration // health probe cadence, default 3s
	HealthyAfter  int           // consecutive successful probes, default 2
	FreshWindow   time.Duration // max progress age for a probe to pass, default 10s
	FatalCooldown time.Duration // pause before re-spawning an exhausted relay, default 60s
}

func (c *Config) applyDefaults() {
	if c.BinPath == "" {
		c.BinPath = "ffmpeg"
	}
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port <= 0 {
		c.Port = 1935
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 3 * time.Second
	}
	if c.HealthyAfter <= 0 {
		c.HealthyAfter = 2
	}
	if c.FreshWindow <= 0 {
		c.FreshWindow = 10 * time.Second
	}
	if c.FatalCooldown <= 0 {
		c.FatalCooldown = 60 * time.Second
	}
}

// Manager owns the relay pool. The pool runs on its own supervisor
// instance so encoder-facing operations (status, kill_all) never touch
// relay processes.
type Manager struct {
	cfg Config
	sup *supervisor.Supervisor
	bus bus.Bus

	mu     sync.Mutex
	relays map[int64]*relayState
}

type relayState struct {
	cam      model.Camera
	streamID string
	cancel   context.CancelFunc

	mu       sync.Mutex
	health   model.RelayHealth
	probes   int
	everUp   bool
	healthyC chan struct{} // closed while the relay is healthy
}

// New creates a relay Manager publishing health transitions on b.
func New(cfg Config, b bus.Bus) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg: cfg,
		sup: supervisor.New(supervisor.Config{
			BinPath: cfg.BinPath,
			// Relays survive flaky cameras; keep the restart ceiling
			// high and let the cooldown below pace re-spawns.
			MaxRestarts: 50,
		}),
		bus:    b,
		relays: make(map[int64]*relayState),
	}
}

// LocalURL is the deterministic publish URL for a camera's relay. The
// application path doubles as the orphan-reap signature.
func (m *Manager) LocalURL(cameraID int64) string {
	return fmt.Sprintf("rtmp://%s:%d%scam%d", m.cfg.Host, m.cfg.Port, supervisor.Signature, cameraID)
}

// EnsureRelay starts (or reuses) the camera's relay and returns the
// local URL consumers should read from. The relay may still be
// starting when this returns; use WaitHealthy before cutting to it.
func (m *Manager) EnsureRelay(ctx context.Context, cam model.Camera) (string, error) {
	if cam.ID == 0 {
		return "", fmt.Errorf("%w: camera without id", model.ErrConfigInvalid)
	}
	if cam.Address == "" {
		return "", fmt.Errorf("%w: camera %d has no address", model.ErrConfigInvalid, cam.ID)
	}

	m.mu.Lock()
	if st, ok := m.relays[cam.ID]; ok {
		if st.cam.SourceURL() == cam.SourceURL() {
			m.mu.Unlock()
			return m.LocalURL(cam.ID), nil
		}
		// Source changed under us: tear the old pipeline down first.
		st.cancel()
		delete(m.relays, cam.ID)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	st := &relayState{
		cam:      cam,
		streamID: streamID(cam.ID),
		cancel:   cancel,
		health:   model.RelayHealth{State: StateStarting},
		healthyC: make(chan struct{}),
	}
	m.relays[cam.ID] = st
	m.mu.Unlock()

	go m.run(runCtx, st)
	go m.probe(runCtx, st)
	return m.LocalURL(cam.ID), nil
}

// StartAll eagerly boots relays for every enabled camera. Per-camera
// failures are logged, not fatal: one bad camera must not block boot.
func (m *Manager) StartAll(ctx context.Context, cams []model.Camera) {
	for _, cam := range cams {
		if !cam.Enabled {
			continue
		}
		if _, err := m.EnsureRelay(ctx, cam); err != nil {
			logger := log.L()
			logger.Warn().Err(err).
				Int64(log.FieldCameraID, cam.ID).
				Msg("relay boot start failed")
		}
	}
}

// Teardown stops the camera's relay. Unknown cameras are a no-op.
func (m *Manager) Teardown(ctx context.Context, cameraID int64) {
	m.mu.Lock()
	st, ok := m.relays[cameraID]
	if ok {
		delete(m.relays, cameraID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	st.cancel()
	_ = m.sup.Stop(ctx, st.streamID, 0)
	metrics.RelayHealthy.WithLabelValues(camLabel(cameraID)).Set(0)
}

// Shutdown tears down every relay.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.relays))
	for id := range m.relays {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Teardown(ctx, id)
	}
}

// Health returns the probe-derived state for one camera.
func (m *Manager) Health(cameraID int64) (model.RelayHealth, bool) {
	m.mu.Lock()
	st, ok := m.relays[cameraID]
	m.mu.Unlock()
	if !ok {
		return model.RelayHealth{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.health, true
}

// HealthAll returns the probe-derived state of every active relay.
func (m *Manager) HealthAll() map[int64]model.RelayHealth {
	m.mu.Lock()
	states := make(map[int64]*relayState, len(m.relays))
	for id, st := range m.relays {
		states[id] = st
	}
	m.mu.Unlock()

	out := make(map[int64]model.RelayHealth, len(states))
	for id, st := range states {
		st.mu.Lock()
		out[id] = st.health
		st.mu.Unlock()
	}
	return out
}

// WaitHealthy blocks until the camera's relay is healthy, the timeout
// elapses, or ctx is done. Callers use this as the cue-prepare gate.
func (m *Manager) WaitHealthy(ctx context.Context, cameraID int64, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		m.mu.Lock()
		st, ok := m.relays[cameraID]
		m.mu.Unlock()
		if !ok {
			return fmt.Errorf("camera %d: %w", cameraID, model.ErrCameraUnreachable)
		}
		st.mu.Lock()
		ch := st.healthyC
		healthy := st.health.State == StateHealthy
		st.mu.Unlock()
		if healthy {
			return nil
		}
		select {
		case <-ch:
			// re-check; the channel may be stale after a flap
		case <-deadline.C:
			return fmt.Errorf("camera %d relay not healthy after %s: %w", cameraID, timeout, model.ErrCameraUnreachable)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// run keeps a supervised relay process alive for the camera until the
// relay is torn down. A relay that exhausts its restart budget cools
// off and is spawned again from scratch.
func (m *Manager) run(ctx context.Context, st *relayState) {
	logger := log.L().With().
		Int64(log.FieldCameraID, st.cam.ID).
		Str(log.FieldStreamID, st.streamID).Logger()

	for {
		fatal := make(chan struct{})
		var fatalOnce sync.Once
		spec := supervisor.StartSpec{
			StreamID:   st.streamID,
			Argv:       Args(st.cam, m.LocalURL(st.cam.ID)),
			OutputURLs: []string{m.LocalURL(st.cam.ID)},
			OnEvent: func(ev supervisor.Event) {
				m.onEvent(st, ev, func() { fatalOnce.Do(func() { close(fatal) }) })
			},
		}
		if err := m.sup.Start(ctx, spec); err != nil {
			logger.Error().Err(err).Msg("relay start rejected")
		} else {
			logger.Info().Str("source", st.cam.Address).Msg("relay started")
			select {
			case <-ctx.Done():
				return
			case <-fatal:
			}
		}

		m.markUnhealthy(st, 0)
		logger.Warn().
			Dur("cooldown", m.cfg.FatalCooldown).
			Msg("relay exhausted restart budget, cooling off")
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.FatalCooldown):
		}
	}
}

// onEvent folds supervisor lifecycle events into the health state.
// Runs on the relay's supervision goroutine; keep it non-blocking.
func (m *Manager) onEvent(st *relayState, ev supervisor.Event, fatal func()) {
	switch ev.Kind {
	case supervisor.EventRestarting:
		metrics.RelayRestartTotal.WithLabelValues(camLabel(st.cam.ID)).Inc()
		m.markUnhealthy(st, 0)
	case supervisor.EventFatal, supervisor.EventExited:
		fatal()
	}
}

// probe runs the periodic health check: the relay's process must be
// running and its progress stream fresh. HealthyAfter consecutive
// passes flip the relay healthy.
func (m *Manager) probe(ctx context.Context, st *relayState) {
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ok := m.sup.Healthy(st.streamID, m.cfg.FreshWindow)
		var age time.Duration
		if last, found := m.sup.LastProgress(st.streamID); found && !last.IsZero() {
			age = time.Since(last)
		}
		if ok {
			m.markProbeSuccess(st, age)
		} else {
			m.markUnhealthy(st, age)
		}
	}
}

func (m *Manager) markProbeSuccess(st *relayState, age time.Duration) {
	st.mu.Lock()
	st.probes++
	st.health.Probes = st.probes
	st.health.LastFrameAge = age
	becameHealthy := st.health.State != StateHealthy && st.probes >= m.cfg.HealthyAfter
	if becameHealthy {
		st.health.State = StateHealthy
		st.everUp = true
		close(st.healthyC)
	}
	health := st.health
	st.mu.Unlock()

	if becameHealthy {
		metrics.RelayHealthy.WithLabelValues(camLabel(st.cam.ID)).Set(1)
		m.publishHealth(st.cam.ID, health)
	}
}

func (m *Manager) markUnhealthy(st *relayState, age time.Duration) {
	st.mu.Lock()
	st.probes = 0
	st.health.Probes = 0
	st.health.LastFrameAge = age
	changed := st.health.State == StateHealthy
	if changed {
		st.health.State = StateUnhealthy
		st.healthyC = make(chan struct{})
	} else if st.everUp {
		st.health.State = StateUnhealthy
	}
	health := st.health
	st.mu.Unlock()

	if changed {
		metrics.RelayHealthy.WithLabelValues(camLabel(st.cam.ID)).Set(0)
		m.publishHealth(st.cam.ID, health)
	}
}

func (m *Manager) publishHealth(cameraID int64, health model.RelayHealth) {
	if m.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = m.bus.Publish(ctx, bus.TopicRelayHealthChanged, bus.RelayHealthEvent{
		CameraID: cameraID,
		Health:   health,
		At:       time.Now(),
	})
}

func streamID(cameraID int64) string { return "relay-cam" + strconv.FormatInt(cameraID, 10) }

func camLabel(cameraID int64) string { return strconv.FormatInt(cameraID, 10) }
