// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/vistter/vistterstream/internal/log"
	"github.com/vistter/vistterstream/internal/metrics"
	"github.com/vistter/vistterstream/internal/model"
	"github.com/vistter/vistterstream/internal/procgroup"
)

// process is one supervised encoder: the restart loop plus the reader
// task that owns the child's stderr.
type process struct {
	cfg    Config
	spec   StartSpec
	parser *progressParser
	ring   *LineRing

	mu      sync.Mutex
	state   model.ProcessState
	pid     int
	started time.Time
	attempt int
	last    model.EncoderStats

	stopOnce sync.Once
	stopCh   chan struct{} // closed by stop()
	grace    time.Duration
	done     chan struct{} // closed when supervise returns
}

func newProcess(cfg Config, spec StartSpec) *process {
	return &process{
		cfg:    cfg,
		spec:   spec,
		parser: newProgressParser(),
		ring:   NewLineRing(256),
		state:  model.ProcStarting,
		grace:  cfg.GraceTimeout,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (p *process) snapshot() model.StreamProcess {
	p.mu.Lock()
	defer p.mu.Unlock()
	return model.StreamProcess{
		StreamID:        p.spec.StreamID,
		PID:             p.pid,
		State:           p.state,
		OutputURLs:      append([]string(nil), p.spec.OutputURLs...),
		HWProfile:       p.spec.HWProfile,
		RestartAttempts: p.attempt,
		LastStats:       p.last,
		StartedAt:       p.started,
	}
}

func (p *process) setState(st model.ProcessState) {
	p.mu.Lock()
	p.state = st
	p.mu.Unlock()
}

func (p *process) emit(kind EventKind, reason model.ReasonCode, err error) {
	if p.spec.OnEvent == nil {
		return
	}
	p.spec.OnEvent(Event{StreamID: p.spec.StreamID, Kind: kind, Reason: reason, Err: err})
}

func (p *process) emitStats(stats model.EncoderStats) {
	p.mu.Lock()
	p.last = stats
	p.mu.Unlock()
	if p.spec.OnEvent == nil {
		return
	}
	p.spec.OnEvent(Event{StreamID: p.spec.StreamID, Kind: EventStats, Stats: stats})
}

// stop requests cooperative termination and waits for the supervision
// loop to finish.
func (p *process) stop(ctx context.Context, grace time.Duration) error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.grace = grace
		p.mu.Unlock()
		close(p.stopCh)
	})
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(grace + 10*time.Second):
		return procgroup.ErrKillFailed
	}
}

// bounce kills the live child without touching stop state, handing the
// exit to the supervision loop as an ordinary crash.
func (p *process) bounce() error {
	p.mu.Lock()
	pid := p.pid
	live := p.state.IsLive()
	p.mu.Unlock()
	if !live || pid <= 0 {
		return fmt.Errorf("stream %q has no live process", p.spec.StreamID)
	}
	return procgroup.SignalPID(pid, syscall.SIGKILL)
}

// supervise runs the restart loop until the process stops, errors out
// fatally, or the context is cancelled.
func (p *process) supervise(ctx context.Context) {
	defer close(p.done)
	logger := log.WithComponent("supervisor").With().
		Str(log.FieldStreamID, p.spec.StreamID).Logger()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.InitialBackoff
	bo.Multiplier = 2
	bo.MaxInterval = p.cfg.MaxBackoff
	bo.RandomizationFactor = 0

	for {
		startAt := time.Now()
		reason, err := p.runOnce(ctx, logger)

		if ctx.Err() != nil || stopped(p.stopCh) {
			p.setState(model.ProcStopped)
			metrics.EncoderExitTotal.WithLabelValues("stopped").Inc()
			p.emit(EventExited, model.RClientStop, nil)
			return
		}

		// A long healthy run clears the budget.
		if time.Since(startAt) >= p.cfg.RestartResetAfter {
			p.mu.Lock()
			p.attempt = 0
			p.mu.Unlock()
			bo.Reset()
		}

		p.mu.Lock()
		p.attempt++
		attempt := p.attempt
		p.mu.Unlock()

		metrics.EncoderExitTotal.WithLabelValues(string(reason)).Inc()
		if attempt > p.cfg.MaxRestarts {
			logger.Error().Err(err).
				Int("attempts", attempt-1).
				Strs("stderr", p.ring.LastN(20)).
				Msg("encoder restart budget exhausted")
			p.setState(model.ProcError)
			p.emit(EventFatal, model.RRestartsExhausted, err)
			return
		}

		p.setState(model.ProcRestarting)
		p.emit(EventRestarting, model.REncoderTransient, err)
		metrics.EncoderRestartTotal.WithLabelValues(p.spec.StreamID).Inc()

		delay := bo.NextBackOff()
		logger.Warn().Err(err).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Str("reason", string(reason)).
			Msg("encoder exited, restarting")

		select {
		case <-ctx.Done():
		case <-p.stopCh:
		case <-time.After(delay):
			continue
		}
		p.setState(model.ProcStopped)
		p.emit(EventExited, model.RClientStop, nil)
		return
	}
}

// runOnce executes a single process lifecycle: spawn, drain stderr,
// watch for stalls, wait for exit or termination.
func (p *process) runOnce(ctx context.Context, logger zerolog.Logger) (model.ReasonCode, error) {
	cmd := exec.Command(p.cfg.BinPath, p.spec.Argv...) // #nosec G204 -- argv built by the compositor, never from a shell
	procgroup.Set(cmd)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return model.RSpawnFailed, fmt.Errorf("capture encoder stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		metrics.EncoderStartTotal.WithLabelValues("spawn_failed").Inc()
		return model.RSpawnFailed, fmt.Errorf("encoder start failed: %w", err)
	}
	metrics.EncoderStartTotal.WithLabelValues("ok").Inc()
	p.parser.Reset()

	p.mu.Lock()
	p.pid = cmd.Process.Pid
	p.started = time.Now()
	p.state = model.ProcRunning
	p.mu.Unlock()
	p.emit(EventStarted, model.RNone, nil)

	logger.Info().Int(log.FieldPID, cmd.Process.Pid).Msg("encoder process started")

	// Reader task: exclusive owner of the child's stderr.
	var ioWg sync.WaitGroup
	ioWg.Add(1)
	go func() {
		defer ioWg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !p.parser.ParseLine(line) {
				p.ring.Append(line)
			}
		}
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	ticker := time.NewTicker(p.cfg.StatsInterval)
	defer ticker.Stop()

	terminate := func() error {
		p.mu.Lock()
		grace := p.grace
		p.mu.Unlock()
		err := procgroup.Terminate(cmd, waitCh, grace)
		ioWg.Wait()
		return err
	}

	for {
		select {
		case <-ctx.Done():
			_ = terminate()
			return model.RClientStop, ctx.Err()

		case <-p.stopCh:
			logger.Debug().Msg("cooperative stop requested, terminating encoder")
			_ = terminate()
			return model.RClientStop, nil

		case waitErr := <-waitCh:
			ioWg.Wait()
			if waitErr == nil {
				return model.RExitedNonzero, fmt.Errorf("encoder exited unexpectedly")
			}
			return model.RExitedNonzero, fmt.Errorf("encoder exited: %w", waitErr)

		case <-ticker.C:
			if stats, fresh := p.parser.Snapshot(); fresh {
				p.emitStats(stats)
			}
			if time.Since(p.parser.LastBeat()) > p.cfg.UnresponsiveAfter {
				logger.Warn().
					Dur("idle", time.Since(p.parser.LastBeat())).
					Msg("encoder unresponsive, killing process")
				_ = terminate()
				return model.RUnresponsive, fmt.Errorf("no encoder progress for %s", p.cfg.UnresponsiveAfter)
			}
		}
	}
}

func stopped(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
