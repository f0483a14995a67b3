// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package router is the process-wide IDLE/PREVIEW/LIVE mode machine.
// One operator, one appliance: every mode change funnels through this
// singleton, which is what guarantees no two encoders ever publish the
// same output URL.
package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/vistter/vistterstream/internal/bus"
	"github.com/vistter/vistterstream/internal/fsm"
	"github.com/vistter/vistterstream/internal/log"
	"github.com/vistter/vistterstream/internal/metrics"
	"github.com/vistter/vistterstream/internal/model"
)

type event string

const (
	evStartPreview event = "start_preview"
	evGoLive       event = "go_live"
	evStop         event = "stop"
	evErrored      event = "executor_errored"
)

// Exec is the slice of the timeline executor the router drives.
type Exec interface {
	Start(ctx context.Context, timelineID int64, outputURLs []string) (string, error)
	Stop(ctx context.Context, timelineID int64, reason model.ReasonCode) error
	Status(timelineID int64) (model.Execution, bool)
}

// Preview is the muxer adapter consulted before entering PREVIEW.
type Preview interface {
	Health(ctx context.Context) error
	PublishURL() string
	PlaybackURL() string
}

// Catalog resolves timelines and destinations.
type Catalog interface {
	Timeline(ctx context.Context, id int64) (*model.Timeline, error)
	Destination(ctx context.Context, id int64) (model.Destination, error)
}

// Watchdog receives stream lifecycle notifications.
type Watchdog interface {
	NotifyStreamStarted(ctx context.Context, dests []model.Destination, streamID string)
	NotifyStreamStopped(ctx context.Context, streamID string)
}

// Deps are the router's collaborators.
type Deps struct {
	Exec     Exec
	Preview  Preview
	Catalog  Catalog
	Watchdog Watchdog
	Bus      bus.Bus
}

// Status is the operator-facing router snapshot.
type Status struct {
	Mode           model.RouterMode `json:"mode"`
	TimelineID     int64            `json:"timeline_id,omitempty"`
	TimelineName   string           `json:"timeline_name,omitempty"`
	ExecutionID    string           `json:"execution_id,omitempty"`
	PreviewURL     string           `json:"preview_url,omitempty"` // playback URL, PREVIEW only
	PreviewHealthy bool             `json:"preview_healthy"`
	Destinations   []int64          `json:"destinations,omitempty"`
}

// Router serializes mode changes behind one mutex; the embedded FSM
// rejects out-of-order operations (go_live from IDLE, double preview).
type Router struct {
	deps    Deps
	machine *fsm.Machine[model.RouterMode, event]
	errSub  bus.Subscriber
	subErr  error

	mu           sync.Mutex
	timelineID   int64
	timelineName string
	executionID  string
	liveDests    []model.Destination

	// pending carries per-call arguments into the FSM action.
	pendingTimeline int64
	pendingDests    []int64
}

// New creates the router in IDLE.
func New(deps Deps) *Router {
	r := &Router{deps: deps}
	machine, err := fsm.New(model.ModeIdle, []fsm.Transition[model.RouterMode, event]{
		{From: model.ModeIdle, Event: evStartPreview, To: model.ModePreview, Guard: r.guardPreviewHealthy, Action: r.actionStartPreview},
		{From: model.ModePreview, Event: evGoLive, To: model.ModeLive, Action: r.actionGoLive},
		{From: model.ModePreview, Event: evStop, To: model.ModeIdle, Action: r.actionStop},
		{From: model.ModeLive, Event: evStop, To: model.ModeIdle, Action: r.actionStop},
		{From: model.ModePreview, Event: evErrored, To: model.ModeIdle, Action: r.actionErrored},
		{From: model.ModeLive, Event: evErrored, To: model.ModeIdle, Action: r.actionErrored},
	})
	if err != nil {
		// Transition table is static; a duplicate is a programming error.
		panic(err)
	}
	r.machine = machine
	if deps.Bus != nil {
		// Subscribe at construction so executor errors published before
		// Watch starts draining are queued, not dropped.
		r.errSub, r.subErr = deps.Bus.Subscribe(context.Background(), bus.TopicExecutionErrored)
	}
	return r
}

// StartPreview starts the timeline against the preview publish URL.
// Fails unless the router is IDLE and the preview server is healthy.
func (r *Router) StartPreview(ctx context.Context, timelineID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingTimeline = timelineID
	return r.fire(ctx, evStartPreview)
}

// GoLive restarts the current timeline from time zero against the
// resolved destination URLs. Requires PREVIEW.
func (r *Router) GoLive(ctx context.Context, destinationIDs []int64) error {
	if len(destinationIDs) == 0 {
		return fmt.Errorf("%w: go_live with no destinations", model.ErrConfigInvalid)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingDests = destinationIDs
	return r.fire(ctx, evGoLive)
}

// Stop returns the router to IDLE from PREVIEW or LIVE. Stopping an
// already idle router is a successful no-op.
func (r *Router) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.machine.State() == model.ModeIdle {
		return nil
	}
	return r.fire(ctx, evStop)
}

// Status reports the current mode and context. Preview health is
// probed on demand so the UI sees the muxer's present state.
func (r *Router) Status(ctx context.Context) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{
		Mode:         r.machine.State(),
		TimelineID:   r.timelineID,
		TimelineName: r.timelineName,
		ExecutionID:  r.executionID,
	}
	st.PreviewHealthy = r.deps.Preview.Health(ctx) == nil
	if st.Mode == model.ModePreview {
		st.PreviewURL = r.deps.Preview.PlaybackURL()
	}
	for _, d := range r.liveDests {
		st.Destinations = append(st.Destinations, d.ID)
	}
	return st
}

// Watch reacts to executor errors: an errored execution for the
// router's timeline drops the mode back to IDLE. Runs until ctx ends.
func (r *Router) Watch(ctx context.Context) error {
	if r.errSub == nil {
		if r.subErr != nil {
			return r.subErr
		}
		return fmt.Errorf("router watch: no bus configured")
	}
	defer r.errSub.Close() //nolint:errcheck
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-r.errSub.C():
			if !ok {
				return nil
			}
			ev, isExec := msg.(bus.ExecutionEvent)
			if !isExec {
				continue
			}
			r.mu.Lock()
			mine := ev.TimelineID == r.timelineID && ev.ExecutionID == r.executionID
			if mine {
				if err := r.fire(ctx, evErrored); err != nil {
					logger := log.L()
					logger.Warn().Err(err).Msg("router errored transition rejected")
				}
			}
			r.mu.Unlock()
		}
	}
}

// fire runs a transition and records the mode-change metric. Caller
// holds r.mu.
func (r *Router) fire(ctx context.Context, ev event) error {
	from := r.machine.State()
	to, err := r.machine.Fire(ctx, ev)
	if err != nil {
		return err
	}
	metrics.RouterTransitions.WithLabelValues(string(from), string(to)).Inc()
	logger := log.L()
	logger.Info().
		Str(log.FieldOldState, string(from)).
		Str(log.FieldNewState, string(to)).
		Str(log.FieldEvent, string(ev)).
		Msg("router mode change")
	return nil
}

func (r *Router) guardPreviewHealthy(ctx context.Context, _ model.RouterMode, _ event) error {
	if err := r.deps.Preview.Health(ctx); err != nil {
		return fmt.Errorf("preview server unhealthy: %w", err)
	}
	return nil
}

func (r *Router) actionStartPreview(ctx context.Context, _, _ model.RouterMode, _ event) error {
	tl, err := r.deps.Catalog.Timeline(ctx, r.pendingTimeline)
	if err != nil {
		return err
	}
	execID, err := r.deps.Exec.Start(ctx, tl.ID, []string{r.deps.Preview.PublishURL()})
	if err != nil {
		return err
	}
	r.timelineID = tl.ID
	r.timelineName = tl.Name
	r.executionID = execID
	r.liveDests = nil
	return nil
}

// actionGoLive restarts the timeline from zero against the live URLs.
// Seamless hand-over is future work; restart semantics are the
// documented behavior and never silently bypassed.
func (r *Router) actionGoLive(ctx context.Context, _, _ model.RouterMode, _ event) error {
	dests := make([]model.Destination, 0, len(r.pendingDests))
	urls := make([]string, 0, len(r.pendingDests))
	for _, id := range r.pendingDests {
		d, err := r.deps.Catalog.Destination(ctx, id)
		if err != nil {
			return fmt.Errorf("resolve destination %d: %w", id, err)
		}
		dests = append(dests, d)
		urls = append(urls, d.PublishURL())
	}

	if err := r.deps.Exec.Stop(ctx, r.timelineID, model.RClientStop); err != nil {
		return fmt.Errorf("stop preview execution: %w", err)
	}
	execID, err := r.deps.Exec.Start(ctx, r.timelineID, urls)
	if err != nil {
		return err
	}
	r.executionID = execID
	r.liveDests = dests
	r.deps.Watchdog.NotifyStreamStarted(ctx, dests, execID)
	return nil
}

func (r *Router) actionStop(ctx context.Context, from, _ model.RouterMode, _ event) error {
	if err := r.deps.Exec.Stop(ctx, r.timelineID, model.RClientStop); err != nil {
		return err
	}
	if from == model.ModeLive {
		r.deps.Watchdog.NotifyStreamStopped(ctx, r.executionID)
	}
	r.clear()
	return nil
}

// actionErrored: the executor already stopped itself; only notify and
// reset.
func (r *Router) actionErrored(ctx context.Context, from, _ model.RouterMode, _ event) error {
	if from == model.ModeLive {
		r.deps.Watchdog.NotifyStreamStopped(ctx, r.executionID)
	}
	r.clear()
	return nil
}

func (r *Router) clear() {
	r.timelineID = 0
	r.timelineName = ""
	r.executionID = ""
	r.liveDests = nil
}
