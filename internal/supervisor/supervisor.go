// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package supervisor owns every external encoder process the appliance
// runs. It enforces one live process per stream id, parses the encoder's
// progress stream, applies the restart policy, and reaps orphans left by
// a previous incarnation of the daemon.
package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vistter/vistterstream/internal/metrics"
	"github.com/vistter/vistterstream/internal/model"
)

// EventKind classifies supervisor callbacks.
type EventKind string

const (
	EventStarted    EventKind = "started"
	EventStats      EventKind = "stats"
	EventRestarting EventKind = "restarting"
	EventExited     EventKind = "exited"
	EventFatal      EventKind = "fatal"
)

// Event is delivered to the stream's OnEvent callback in source order.
// No ordering holds across stream ids.
type Event struct {
	StreamID string
	Kind     EventKind
	Reason   model.ReasonCode
	Stats    model.EncoderStats
	Err      error
}

// OnEvent receives lifecycle and stats events for one stream. Callbacks
// run on the stream's supervision goroutine; they must not block.
type OnEvent func(Event)

// StartSpec describes one encoder invocation.
type StartSpec struct {
	StreamID   string
	Argv       []string // encoder arguments, binary excluded
	OutputURLs []string
	HWProfile  string
	OnEvent    OnEvent
}

// Config tunes the supervision policy. Zero values select the defaults
// documented on each field.
type Config struct {
	BinPath           string        // encoder binary, default "ffmpeg"
	GraceTimeout      time.Duration // stop: SIGTERM->SIGKILL window, default 5s
	UnresponsiveAfter time.Duration // no stderr progress while running, default 15s
	StatsInterval     time.Duration // stats emission cadence, default 1s
	MaxRestarts       int           // consecutive restart cap, default 10
	RestartResetAfter time.Duration // uptime that clears the attempt counter, default 60s
	InitialBackoff    time.Duration // default 2s
	MaxBackoff        time.Duration // default 60s
}

func (c *Config) applyDefaults() {
	if c.BinPath == "" {
		c.BinPath = "ffmpeg"
	}
	if c.GraceTimeout <= 0 {
		c.GraceTimeout = 5 * time.Second
	}
	if c.UnresponsiveAfter <= 0 {
		c.UnresponsiveAfter = 15 * time.Second
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = time.Second
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 10
	}
	if c.RestartResetAfter <= 0 {
		c.RestartResetAfter = 60 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
}

// Supervisor is the process registry. All registry operations are O(1)
// under a single mutex.
type Supervisor struct {
	cfg Config

	mu    sync.Mutex
	procs map[string]*process
}

// New creates a Supervisor. Call ReapOrphans before the first Start to
// clear processes left over from a crashed daemon.
func New(cfg Config) *Supervisor {
	cfg.applyDefaults()
	return &Supervisor{
		cfg:   cfg,
		procs: make(map[string]*process),
	}
}

// Start launches a supervised encoder for the stream id. A second start
// for the same id is rejected unless the previous process has reached
// stopped or error.
func (s *Supervisor) Start(ctx context.Context, spec StartSpec) error {
	if spec.StreamID == "" {
		return fmt.Errorf("%w: empty stream id", model.ErrConfigInvalid)
	}
	if len(spec.Argv) == 0 {
		return fmt.Errorf("%w: empty encoder argv", model.ErrConfigInvalid)
	}

	s.mu.Lock()
	if existing, ok := s.procs[spec.StreamID]; ok {
		st := existing.snapshot().State
		if st != model.ProcStopped && st != model.ProcError {
			s.mu.Unlock()
			return fmt.Errorf("stream %q already has a live process (state %s)", spec.StreamID, st)
		}
	}
	p := newProcess(s.cfg, spec)
	s.procs[spec.StreamID] = p
	s.mu.Unlock()

	metrics.ActiveStreams.Inc()
	go func() {
		defer metrics.ActiveStreams.Dec()
		p.supervise(ctx)
	}()
	return nil
}

// Stop terminates the stream's process cooperatively, escalating to a
// forced kill after grace. Stopping an absent or already-stopped stream
// succeeds (idempotent stop).
func (s *Supervisor) Stop(ctx context.Context, streamID string, grace time.Duration) error {
	s.mu.Lock()
	p, ok := s.procs[streamID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if grace <= 0 {
		grace = s.cfg.GraceTimeout
	}
	return p.stop(ctx, grace)
}

// Bounce kills the stream's current child process without deregistering
// it, so the supervision loop respawns the same argv. The kill counts
// against the stream's restart budget.
func (s *Supervisor) Bounce(streamID string) error {
	s.mu.Lock()
	p, ok := s.procs[streamID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: stream %q", model.ErrNotFound, streamID)
	}
	return p.bounce()
}

// KillAll force-stops every supervised process and returns how many were
// live. A second consecutive call returns 0.
func (s *Supervisor) KillAll(ctx context.Context) int {
	s.mu.Lock()
	procs := make([]*process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	count := 0
	for _, p := range procs {
		if !p.snapshot().State.IsLive() {
			continue
		}
		count++
		_ = p.stop(ctx, s.cfg.GraceTimeout)
	}
	return count
}

// Status returns the registry snapshot for one stream.
func (s *Supervisor) Status(streamID string) (model.StreamProcess, bool) {
	s.mu.Lock()
	p, ok := s.procs[streamID]
	s.mu.Unlock()
	if !ok {
		return model.StreamProcess{}, false
	}
	return p.snapshot(), true
}

// Processes returns a snapshot of every registered process.
func (s *Supervisor) Processes() []model.StreamProcess {
	s.mu.Lock()
	procs := make([]*process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	out := make([]model.StreamProcess, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out
}

// FindByOutputURL resolves the stream currently publishing to url.
func (s *Supervisor) FindByOutputURL(url string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.procs {
		snap := p.snapshot()
		if !snap.State.IsLive() {
			continue
		}
		for _, u := range snap.OutputURLs {
			if urlMatches(u, url) {
				return id, true
			}
		}
	}
	return "", false
}

// Healthy reports whether the stream's process is alive and its progress
// stream is fresh within the given window. Used by the watchdog's local
// check.
func (s *Supervisor) Healthy(streamID string, window time.Duration) bool {
	s.mu.Lock()
	p, ok := s.procs[streamID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	snap := p.snapshot()
	if snap.State != model.ProcRunning {
		return false
	}
	return time.Since(p.parser.LastBeat()) <= window
}

// LastProgress returns the time of the stream's most recent progress
// heartbeat.
func (s *Supervisor) LastProgress(streamID string) (time.Time, bool) {
	s.mu.Lock()
	p, ok := s.procs[streamID]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return p.parser.LastBeat(), true
}

// urlMatches compares publish URLs ignoring a trailing slash.
func urlMatches(a, b string) bool {
	trim := func(s string) string {
		for len(s) > 0 && s[len(s)-1] == '/' {
			s = s[:len(s)-1]
		}
		return s
	}
	return trim(a) == trim(b)
}
