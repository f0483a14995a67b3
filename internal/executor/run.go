// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package executor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vistter/vistterstream/internal/bus"
	"github.com/vistter/vistterstream/internal/compose"
	"github.com/vistter/vistterstream/internal/log"
	"github.com/vistter/vistterstream/internal/metrics"
	"github.com/vistter/vistterstream/internal/model"
	"github.com/vistter/vistterstream/internal/supervisor"
)

// run is one execution task. All fields below mu are owned by the loop
// goroutine except exec/stopReason, which status() reads.
type run struct {
	cfg  Config
	deps Deps

	tl          *model.Timeline
	outputURLs  []string
	executionID string
	streamID    string
	cancel      context.CancelFunc
	done        chan struct{}
	fatal       chan model.ReasonCode
	logger      zerolog.Logger

	mu         sync.Mutex
	exec       model.Execution
	stopReason model.ReasonCode

	// loop-goroutine state
	lastArgv  []string
	videoURL  string // current video source, survives wait cues
	loopCount int
	started   time.Time
}

func newRun(cfg Config, deps Deps, tl *model.Timeline, outputURLs []string, cancel context.CancelFunc) *run {
	id := newExecutionID()
	return &run{
		cfg:         cfg,
		deps:        deps,
		tl:          tl,
		outputURLs:  outputURLs,
		executionID: id,
		streamID:    "exec-" + id,
		cancel:      cancel,
		done:        make(chan struct{}),
		fatal:       make(chan model.ReasonCode, 1),
		logger: log.L().With().
			Str(log.FieldExecutionID, id).
			Int64(log.FieldTimelineID, tl.ID).Logger(),
		exec: model.Execution{
			ID:         id,
			TimelineID: tl.ID,
			StartedAt:  time.Now(),
			Status:     model.ExecStarting,
		},
	}
}

func (r *run) status() model.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec
}

func (r *run) setStatus(s model.ExecutionStatus, reason model.ReasonCode, detail string) {
	r.mu.Lock()
	r.exec.Status = s
	if reason != "" {
		r.exec.Reason = reason
	}
	if detail != "" {
		r.exec.Error = detail
	}
	r.mu.Unlock()
}

func (r *run) requestStop(reason model.ReasonCode) {
	r.mu.Lock()
	if r.stopReason == "" {
		r.stopReason = reason
	}
	if !r.exec.Status.IsTerminal() {
		r.exec.Status = model.ExecStopping
	}
	r.mu.Unlock()
	r.cancel()
}

// boundary is one instant at which the composition may change.
type boundary struct{ at float64 }

// boundaries collects time zero plus every cue start and end across
// enabled tracks, deduplicated and sorted. Walking them in order means
// a late executor truncates a cue's remaining time but never skips a
// boundary outright.
func boundaries(tl *model.Timeline) []boundary {
	seen := map[float64]bool{0: true}
	add := func(v float64) {
		if v >= 0 && v < tl.Duration {
			seen[v] = true
		}
	}
	for i := range tl.Tracks {
		tr := &tl.Tracks[i]
		if !tr.Enabled {
			continue
		}
		for _, c := range tr.Cues {
			add(c.Start)
			add(c.End())
		}
	}
	out := make([]boundary, 0, len(seen))
	for v := range seen {
		out = append(out, boundary{at: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].at < out[j].at })
	return out
}

func (r *run) loop(ctx context.Context) {
	defer close(r.done)

	r.started = time.Now()
	r.mu.Lock()
	r.exec.StartedAt = r.started
	r.exec.Status = model.ExecRunning
	r.mu.Unlock()
	r.publishExecEvent(bus.TopicExecutionStarted, model.ExecRunning, model.RNone, "")
	r.logger.Info().Strs("output_urls", r.outputURLs).Msg("execution started")

	for {
		passStart := time.Now()
		for _, b := range boundaries(r.tl) {
			if !r.sleepUntil(ctx, passStart, b.at) {
				r.finalize(ctx)
				return
			}
			r.enterBoundary(ctx, b.at)
		}
		if !r.sleepUntil(ctx, passStart, r.tl.Duration) {
			r.finalize(ctx)
			return
		}
		if !r.tl.Loop {
			r.complete(ctx)
			return
		}
		r.loopCount++
		r.mu.Lock()
		r.exec.Metrics.LoopCount = r.loopCount
		r.mu.Unlock()
		metrics.ExecutionLoopsTotal.Inc()
		r.logger.Info().Int("loop", r.loopCount).Msg("timeline looped")
	}
}

// sleepUntil advances real time to the target clock offset within the
// current pass, publishing position on the way. Returns false when the
// run must finalize (stop requested or encoder fatal).
func (r *run) sleepUntil(ctx context.Context, passStart time.Time, target float64) bool {
	ticker := time.NewTicker(r.cfg.PositionInterval)
	defer ticker.Stop()
	for {
		clock := time.Since(passStart).Seconds()
		r.publishPosition(clock)
		if clock >= target {
			return true
		}
		remaining := time.Duration((target - clock) * float64(time.Second))
		wait := r.cfg.PositionInterval
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case reason := <-r.fatal:
			timer.Stop()
			r.mu.Lock()
			r.exec.Status = model.ExecError
			r.exec.Reason = reason
			r.exec.Error = "encoder restart budget exhausted"
			r.mu.Unlock()
			return false
		case <-timer.C:
		case <-ticker.C:
			timer.Stop()
		}
	}
}

// enterBoundary recomputes the composition for clock instant at and
// swaps the encoder if the invocation changed. The video cue is always
// established before overlays are made visible.
func (r *run) enterBoundary(ctx context.Context, at float64) {
	var entered []bus.CueEvent

	// Video track first.
	vt := r.tl.VideoTrack()
	videoReason := model.RNone
	if idx := vt.ActiveCue(at); idx >= 0 {
		cue := vt.Cues[idx]
		switch a := cue.Action.(type) {
		case model.ShowCamera:
			// Prepare only on cue entry. Mid-cue boundaries (overlay
			// edges) keep the established source; re-preparing would
			// re-issue the PTZ move and its settle delay.
			if cue.Start == at {
				url, reason := r.prepareCamera(ctx, a)
				r.videoURL = url
				videoReason = reason
			}
		case model.StreamControl:
			// Hook point only: surfaced on the bus, composition holds.
		case model.Wait:
			// Hold the current video source.
		}
		if cue.Start == at {
			entered = append(entered, bus.CueEvent{
				ExecutionID: r.executionID,
				TimelineID:  r.tl.ID,
				TrackID:     vt.ID,
				CueID:       cue.ID,
				CueIndex:    idx,
				Action:      cue.Action.ActionType(),
				Reason:      videoReason,
				At:          time.Now(),
			})
		}
	} else {
		r.videoURL = "" // gap in the video track: black fill
	}

	// Overlays, bottom to top.
	var overlays []compose.Overlay
	for _, tr := range r.tl.OverlayTracks() {
		idx := tr.ActiveCue(at)
		if idx < 0 {
			continue
		}
		cue := tr.Cues[idx]
		a, ok := cue.Action.(model.ShowAsset)
		if !ok {
			continue
		}
		reason := model.RNone
		asset, err := r.deps.Catalog.Asset(ctx, a.AssetID)
		if err != nil || asset.LocalPath == "" {
			reason = model.RConfigInvalid
			r.logger.Warn().Err(err).Int64("asset_id", a.AssetID).Msg("overlay asset unavailable, skipping")
		} else {
			overlays = append(overlays, compose.Overlay{
				Path:    asset.LocalPath,
				X:       a.PositionX,
				Y:       a.PositionY,
				Opacity: a.Opacity,
				Width:   pick(a.Width, asset.DefaultWidth),
				Height:  pick(a.Height, asset.DefaultHeight),
				Layer:   tr.Layer,
				TrackID: tr.ID,
			})
		}
		if cue.Start == at {
			entered = append(entered, bus.CueEvent{
				ExecutionID: r.executionID,
				TimelineID:  r.tl.ID,
				TrackID:     tr.ID,
				CueID:       cue.ID,
				CueIndex:    idx,
				Action:      cue.Action.ActionType(),
				Reason:      reason,
				At:          time.Now(),
			})
		}
	}

	r.swapEncoder(ctx, overlays)

	for _, ev := range entered {
		r.bumpCueMetrics(ev.Reason)
		r.publish(bus.TopicCueEntered, ev)
	}
}

// prepareCamera resolves the cue's camera to a healthy relay URL. A
// failed PTZ move logs and proceeds; an unhealthy relay falls back to
// black fill and marks the cue camera_unreachable.
func (r *run) prepareCamera(ctx context.Context, a model.ShowCamera) (string, model.ReasonCode) {
	cam, err := r.deps.Catalog.Camera(ctx, a.CameraID)
	if err != nil {
		r.logger.Warn().Err(err).Int64(log.FieldCameraID, a.CameraID).Msg("cue camera not found")
		return "", model.RConfigInvalid
	}

	if a.PresetID != nil && cam.Type == model.CameraPTZ {
		preset, err := r.deps.Catalog.Preset(ctx, *a.PresetID)
		if err != nil {
			r.logger.Warn().Err(err).Int64("preset_id", *a.PresetID).Msg("cue preset not found, proceeding unmoved")
		} else if err := r.deps.Mover.MoveToPreset(ctx, cam, preset); err != nil {
			r.logger.Warn().Err(err).
				Int64(log.FieldCameraID, cam.ID).
				Msg("ptz pre-position failed, proceeding with current pose")
		}
	}

	url, err := r.deps.Relays.EnsureRelay(ctx, cam)
	if err != nil {
		r.logger.Warn().Err(err).Int64(log.FieldCameraID, cam.ID).Msg("relay start failed, black fill")
		return "", model.RCameraUnreachable
	}
	if err := r.deps.Relays.WaitHealthy(ctx, cam.ID, r.cfg.PrepareTimeout); err != nil {
		r.logger.Warn().Err(err).Int64(log.FieldCameraID, cam.ID).Msg("relay unhealthy at cue entry, black fill")
		return "", model.RCameraUnreachable
	}
	return url, model.RNone
}

// swapEncoder rebuilds the invocation and restarts the encoder only
// when it actually changed. Restarting across a camera boundary costs
// a few seconds of output; identical plans keep the process running.
func (r *run) swapEncoder(ctx context.Context, overlays []compose.Overlay) {
	argv, err := compose.Build(compose.Plan{
		VideoURL:   r.videoURL,
		Overlays:   overlays,
		Profile:    model.ProfileFor(r.tl),
		Encoder:    r.cfg.HWEncoder,
		OutputURLs: r.outputURLs,
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("compositor rejected plan, keeping previous encoder")
		return
	}
	if argvEqual(argv, r.lastArgv) {
		return
	}

	if r.lastArgv != nil {
		if err := r.deps.Encoder.Stop(ctx, r.streamID, r.cfg.EncoderGrace); err != nil {
			r.logger.Warn().Err(err).Msg("encoder stop at boundary failed")
		}
	}
	spec := supervisor.StartSpec{
		StreamID:   r.streamID,
		Argv:       argv,
		OutputURLs: r.outputURLs,
		HWProfile:  r.cfg.HWEncoder,
		OnEvent:    r.onEncoderEvent,
	}
	if err := r.deps.Encoder.Start(ctx, spec); err != nil {
		r.logger.Error().Err(err).Msg("encoder start failed")
		return
	}
	r.lastArgv = argv
}

// onEncoderEvent runs on the supervision goroutine; it must not block.
func (r *run) onEncoderEvent(ev supervisor.Event) {
	switch ev.Kind {
	case supervisor.EventStats:
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		_ = r.deps.Bus.Publish(ctx, bus.TopicEncoderStats, bus.StatsEvent{
			StreamID: ev.StreamID,
			Stats:    ev.Stats,
		})
		cancel()
	case supervisor.EventRestarting:
		r.mu.Lock()
		r.exec.Metrics.EncoderRestarts++
		r.mu.Unlock()
	case supervisor.EventFatal:
		select {
		case r.fatal <- ev.Reason:
		default:
		}
	}
}

func (r *run) bumpCueMetrics(reason model.ReasonCode) {
	result := "ok"
	failed := reason != model.RNone && reason != ""
	if failed {
		result = "failed"
	}
	metrics.CueTransitionsTotal.WithLabelValues(result).Inc()
	r.mu.Lock()
	r.exec.Metrics.CuesExecuted++
	if failed {
		r.exec.Metrics.CueFailures++
	}
	r.mu.Unlock()
}

func (r *run) publishPosition(clock float64) {
	if clock > r.tl.Duration {
		clock = r.tl.Duration
	}
	cueIndex := make(map[int64]int, len(r.tl.Tracks))
	for i := range r.tl.Tracks {
		tr := &r.tl.Tracks[i]
		if !tr.Enabled {
			continue
		}
		cueIndex[tr.ID] = tr.ActiveCue(clock)
	}
	r.deps.Positions.Publish(model.PlaybackPosition{
		TimelineID:  r.tl.ID,
		CurrentTime: clock,
		CueIndex:    cueIndex,
		LoopCount:   r.loopCount,
		StartedAt:   r.started,
	})
}

// complete is the natural end of a non-looping timeline.
func (r *run) complete(ctx context.Context) {
	r.stopEncoder(ctx)
	r.setStatus(model.ExecCompleted, model.RNone, "")
	r.publishExecEvent(bus.TopicExecutionStopped, model.ExecCompleted, model.RNone, "")
	r.deps.Positions.Clear(r.tl.ID)
	r.logger.Info().Msg("execution completed")
}

// finalize handles operator stop and encoder-fatal exits.
func (r *run) finalize(ctx context.Context) {
	r.stopEncoder(ctx)
	r.deps.Positions.Clear(r.tl.ID)

	r.mu.Lock()
	fatal := r.exec.Status == model.ExecError
	reason := r.stopReason
	r.mu.Unlock()

	if fatal {
		r.mu.Lock()
		snap := r.exec
		r.mu.Unlock()
		r.publishExecEvent(bus.TopicExecutionErrored, model.ExecError, snap.Reason, snap.Error)
		r.logger.Error().Str("reason", string(snap.Reason)).Msg("execution errored")
		return
	}
	if reason == "" {
		reason = model.RClientStop
	}
	r.setStatus(model.ExecStopped, reason, "")
	r.publishExecEvent(bus.TopicExecutionStopped, model.ExecStopped, reason, "")
	r.logger.Info().Str("reason", string(reason)).Msg("execution stopped")
}

func (r *run) stopEncoder(ctx context.Context) {
	if r.lastArgv == nil {
		return
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.EncoderGrace+5*time.Second)
	defer cancel()
	if err := r.deps.Encoder.Stop(stopCtx, r.streamID, r.cfg.EncoderGrace); err != nil {
		r.logger.Warn().Err(err).Msg("final encoder stop failed")
	}
}

func (r *run) publishExecEvent(topic bus.Topic, status model.ExecutionStatus, reason model.ReasonCode, detail string) {
	r.publish(topic, bus.ExecutionEvent{
		ExecutionID: r.executionID,
		TimelineID:  r.tl.ID,
		Status:      status,
		Reason:      reason,
		Detail:      detail,
		At:          time.Now(),
	})
}

// publish uses a detached context: lifecycle events must go out even
// when the run context is already cancelled.
func (r *run) publish(topic bus.Topic, msg bus.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.deps.Bus.Publish(ctx, topic, msg); err != nil {
		r.logger.Warn().Err(err).Str("topic", string(topic)).Msg("bus publish failed")
	}
}

func argvEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func pick(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
