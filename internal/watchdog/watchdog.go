// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package watchdog monitors live destinations end to end. The process
// supervisor's restart policy is the fast path (seconds); this is the
// slow, correct path (~90s) that catches zombies the supervisor cannot
// see: a running encoder producing no real output.
package watchdog

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vistter/vistterstream/internal/bus"
	"github.com/vistter/vistterstream/internal/log"
	"github.com/vistter/vistterstream/internal/metrics"
	"github.com/vistter/vistterstream/internal/model"
)

// Monitor states surfaced in Status.
const (
	StateMonitoring = "monitoring"
	StateArmed      = "armed_not_monitoring"
	StateStopped    = "stopped"
)

// LocalHealth is the supervisor slice used for the local-side check.
type LocalHealth interface {
	FindByOutputURL(url string) (string, bool)
	Healthy(streamID string, window time.Duration) bool
}

// LiveChecker performs the optional remote verification against the
// destination's public live URL.
type LiveChecker interface {
	CheckLive(ctx context.Context, dest model.Destination) (bool, error)
}

// RecoverFunc stops and restarts the affected stream. Invoked at most
// once per cooldown window per destination, never inline with
// destination-side broadcast state.
type RecoverFunc func(ctx context.Context, dest model.Destination, streamID string) error

// Config tunes the manager-wide policy; per-destination interval and
// threshold come from the destination's own watchdog config.
type Config struct {
	DefaultInterval  time.Duration // default 30s
	DefaultThreshold int           // default 3
	Cooldown         time.Duration // recovery suppression window, default 120s
}

func (c *Config) applyDefaults() {
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = 30 * time.Second
	}
	if c.DefaultThreshold <= 0 {
		c.DefaultThreshold = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 120 * time.Second
	}
}

// Deps are the watchdog's collaborators. Live may be nil when no
// remote verification is configured.
type Deps struct {
	Local   LocalHealth
	Live    LiveChecker
	Bus     bus.Bus
	Recover RecoverFunc
}

// DestinationStatus is one row of the operator-facing snapshot.
type DestinationStatus struct {
	DestinationID int64
	Name          string
	State         string
	StreamID      string
	Consecutive   int
	Recoveries    int
	InCooldown    bool
	LastCheck     time.Time
	LastError     string
}

// Manager runs one periodic task per monitored destination.
type Manager struct {
	cfg  Config
	deps Deps

	mu       sync.Mutex
	monitors map[int64]*monitor
}

type monitor struct {
	dest      model.Destination
	streamID  string // empty while armed
	interval  time.Duration
	threshold int
	cancel    context.CancelFunc
	done      chan struct{}

	mu            sync.Mutex
	state         string
	consecutive   int
	recoveries    int
	cooldownUntil time.Time
	lastCheck     time.Time
	lastError     string
}

// New creates a watchdog Manager.
func New(cfg Config, deps Deps) *Manager {
	cfg.applyDefaults()
	return &Manager{cfg: cfg, deps: deps, monitors: make(map[int64]*monitor)}
}

// NotifyStreamStarted arms monitoring for each enabled destination.
// Destinations whose publish URL matches no live stream are recorded
// armed-but-not-monitoring and re-resolved on every check.
func (m *Manager) NotifyStreamStarted(ctx context.Context, dests []model.Destination, streamID string) {
	for _, d := range dests {
		if !d.Watchdog.Enabled {
			continue
		}
		m.startMonitor(ctx, d)
	}
	_ = streamID // streams are resolved per destination via the supervisor registry
}

// NotifyStreamStopped tears down every monitor; the stream is gone on
// purpose, nothing left to watch.
func (m *Manager) NotifyStreamStopped(_ context.Context, _ string) {
	m.mu.Lock()
	monitors := make([]*monitor, 0, len(m.monitors))
	for _, mon := range m.monitors {
		monitors = append(monitors, mon)
	}
	m.monitors = make(map[int64]*monitor)
	m.mu.Unlock()
	for _, mon := range monitors {
		mon.cancel()
		<-mon.done
	}
}

// Start begins (or resumes) monitoring one destination.
func (m *Manager) Start(ctx context.Context, dest model.Destination) {
	m.startMonitor(ctx, dest)
}

// Stop pauses monitoring for one destination.
func (m *Manager) Stop(destinationID int64) {
	m.mu.Lock()
	mon, ok := m.monitors[destinationID]
	if ok {
		delete(m.monitors, destinationID)
	}
	m.mu.Unlock()
	if ok {
		mon.cancel()
		<-mon.done
	}
}

// Restart forces an immediate recovery for the destination, bypassing
// the failure counter but honoring the cooldown.
func (m *Manager) Restart(ctx context.Context, destinationID int64) error {
	m.mu.Lock()
	mon, ok := m.monitors[destinationID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("destination %d: %w", destinationID, model.ErrNotFound)
	}
	return m.recover(ctx, mon, "operator restart")
}

// Status returns the per-destination health snapshot.
func (m *Manager) Status() []DestinationStatus {
	m.mu.Lock()
	monitors := make([]*monitor, 0, len(m.monitors))
	for _, mon := range m.monitors {
		monitors = append(monitors, mon)
	}
	m.mu.Unlock()

	out := make([]DestinationStatus, 0, len(monitors))
	for _, mon := range monitors {
		mon.mu.Lock()
		out = append(out, DestinationStatus{
			DestinationID: mon.dest.ID,
			Name:          mon.dest.Name,
			State:         mon.state,
			StreamID:      mon.streamID,
			Consecutive:   mon.consecutive,
			Recoveries:    mon.recoveries,
			InCooldown:    time.Now().Before(mon.cooldownUntil),
			LastCheck:     mon.lastCheck,
			LastError:     mon.lastError,
		})
		mon.mu.Unlock()
	}
	return out
}

func (m *Manager) startMonitor(ctx context.Context, dest model.Destination) {
	interval := dest.Watchdog.CheckInterval
	if interval <= 0 {
		interval = m.cfg.DefaultInterval
	}
	threshold := dest.Watchdog.FailureThreshold
	if threshold <= 0 {
		threshold = m.cfg.DefaultThreshold
	}

	m.mu.Lock()
	if _, running := m.monitors[dest.ID]; running {
		m.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	mon := &monitor{
		dest:      dest,
		interval:  interval,
		threshold: threshold,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateArmed,
	}
	if id, ok := m.deps.Local.FindByOutputURL(dest.PublishURL()); ok {
		mon.streamID = id
		mon.state = StateMonitoring
	}
	m.monitors[dest.ID] = mon
	m.mu.Unlock()

	go m.run(runCtx, mon)
}

func (m *Manager) run(ctx context.Context, mon *monitor) {
	defer close(mon.done)
	logger := log.L().With().
		Int64(log.FieldDestinationID, mon.dest.ID).
		Str("destination", mon.dest.Name).Logger()
	ticker := time.NewTicker(mon.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			mon.mu.Lock()
			mon.state = StateStopped
			mon.mu.Unlock()
			return
		case <-ticker.C:
			m.check(ctx, mon, logger)
		}
	}
}

// check combines the local encoder probe with the optional remote
// live-URL probe. Either failing bumps the counter; one healthy check
// resets it.
func (m *Manager) check(ctx context.Context, mon *monitor, logger zerolog.Logger) {
	destLabel := strconv.FormatInt(mon.dest.ID, 10)

	// Re-resolve while armed: the stream may have come up since.
	if mon.streamID == "" {
		if id, ok := m.deps.Local.FindByOutputURL(mon.dest.PublishURL()); ok {
			mon.mu.Lock()
			mon.streamID = id
			mon.state = StateMonitoring
			mon.mu.Unlock()
		} else {
			mon.mu.Lock()
			mon.lastCheck = time.Now()
			mon.mu.Unlock()
			metrics.WatchdogChecksTotal.WithLabelValues(destLabel, "armed").Inc()
			return
		}
	}

	healthy := true
	detail := ""
	if !m.deps.Local.Healthy(mon.streamID, 2*mon.interval) {
		healthy = false
		detail = "local encoder unhealthy"
	}
	if healthy && m.deps.Live != nil && mon.dest.Watchdog.LiveURL != "" {
		live, err := m.deps.Live.CheckLive(ctx, mon.dest)
		if err != nil {
			healthy = false
			detail = "remote check failed: " + err.Error()
		} else if !live {
			healthy = false
			detail = "destination reports not live"
		}
	}

	mon.mu.Lock()
	mon.lastCheck = time.Now()
	wasUnhealthy := mon.consecutive > 0
	if healthy {
		mon.consecutive = 0
		mon.lastError = ""
	} else {
		mon.consecutive++
		mon.lastError = detail
	}
	consecutive := mon.consecutive
	streamID := mon.streamID
	inCooldown := time.Now().Before(mon.cooldownUntil)
	mon.mu.Unlock()

	if healthy {
		metrics.WatchdogChecksTotal.WithLabelValues(destLabel, "healthy").Inc()
		if wasUnhealthy {
			m.publish(bus.TopicWatchdogRecovered, mon, streamID, 0, "healthy check after failures")
			logger.Info().Msg("destination recovered")
		}
		return
	}

	metrics.WatchdogChecksTotal.WithLabelValues(destLabel, "unhealthy").Inc()
	logger.Warn().Int("consecutive", consecutive).Str("detail", detail).Msg("watchdog check failed")

	if consecutive >= mon.threshold && !inCooldown {
		if err := m.recover(ctx, mon, detail); err != nil {
			logger.Error().Err(err).Msg("recovery failed")
		}
	}
}

// recover fires the unhealthy event, invokes the recovery hook and
// opens the cooldown window.
func (m *Manager) recover(ctx context.Context, mon *monitor, detail string) error {
	mon.mu.Lock()
	if time.Now().Before(mon.cooldownUntil) {
		until := mon.cooldownUntil
		mon.mu.Unlock()
		return fmt.Errorf("destination %d in recovery cooldown until %s", mon.dest.ID, until.Format(time.RFC3339))
	}
	mon.cooldownUntil = time.Now().Add(m.cfg.Cooldown)
	mon.recoveries++
	consecutive := mon.consecutive
	mon.consecutive = 0
	streamID := mon.streamID
	mon.mu.Unlock()

	m.publish(bus.TopicWatchdogUnhealthy, mon, streamID, consecutive, detail)
	metrics.WatchdogRecoveriesTotal.WithLabelValues(strconv.FormatInt(mon.dest.ID, 10)).Inc()

	if m.deps.Recover == nil {
		return nil
	}
	return m.deps.Recover(ctx, mon.dest, streamID)
}

func (m *Manager) publish(topic bus.Topic, mon *monitor, streamID string, consecutive int, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = m.deps.Bus.Publish(ctx, topic, bus.WatchdogEvent{
		DestinationID: mon.dest.ID,
		StreamID:      streamID,
		Consecutive:   consecutive,
		Detail:        detail,
		At:            time.Now(),
	})
}
