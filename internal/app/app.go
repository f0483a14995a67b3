// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package app assembles the appliance control plane: one store, one
// event bus, one encoder supervisor, the camera relay manager, the
// timeline executor, the IDLE/PREVIEW/LIVE router, the destination
// watchdog and the HTTP API on top of them.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vistter/vistterstream/internal/api"
	"github.com/vistter/vistterstream/internal/assets"
	"github.com/vistter/vistterstream/internal/bus"
	"github.com/vistter/vistterstream/internal/config"
	"github.com/vistter/vistterstream/internal/crypto"
	"github.com/vistter/vistterstream/internal/executor"
	"github.com/vistter/vistterstream/internal/log"
	"github.com/vistter/vistterstream/internal/model"
	"github.com/vistter/vistterstream/internal/preview"
	"github.com/vistter/vistterstream/internal/ptz"
	"github.com/vistter/vistterstream/internal/relay"
	"github.com/vistter/vistterstream/internal/router"
	"github.com/vistter/vistterstream/internal/state"
	"github.com/vistter/vistterstream/internal/store"
	"github.com/vistter/vistterstream/internal/supervisor"
	"github.com/vistter/vistterstream/internal/watchdog"
)

// App is the assembled daemon. Build with New, drive with Run.
type App struct {
	cfg *config.Config

	store     *store.Store
	assets    *assets.Manager
	bus       *bus.MemoryBus
	positions *state.PositionStore
	encoders  *supervisor.Supervisor
	relays    *relay.Manager
	mover     *ptz.Controller
	preview   *preview.Adapter
	execMgr   *executor.Manager
	watchdog  *watchdog.Manager
	router    *router.Router
	handler   http.Handler

	logger zerolog.Logger
}

// catalog hands the executor the store's entities with assets resolved
// through the cache, so an overlay file is stat'd once per change
// instead of once per cue entry.
type catalog struct {
	store  *store.Store
	assets *assets.Manager
}

func (c catalog) Timeline(ctx context.Context, id int64) (*model.Timeline, error) {
	return c.store.Timeline(ctx, id)
}

func (c catalog) Camera(ctx context.Context, id int64) (model.Camera, error) {
	return c.store.Camera(ctx, id)
}

func (c catalog) Preset(ctx context.Context, id int64) (model.Preset, error) {
	return c.store.Preset(ctx, id)
}

func (c catalog) Asset(ctx context.Context, id int64) (model.Asset, error) {
	return c.assets.Resolve(ctx, id)
}

// liveNotifier stamps destinations as used before arming the watchdog.
type liveNotifier struct {
	store  *store.Store
	wd     *watchdog.Manager
	logger zerolog.Logger
}

func (n liveNotifier) NotifyStreamStarted(ctx context.Context, dests []model.Destination, streamID string) {
	for _, d := range dests {
		if err := n.store.TouchDestination(ctx, d.ID, time.Now()); err != nil {
			n.logger.Warn().Err(err).Int64("destination_id", d.ID).Msg("touch destination failed")
		}
	}
	n.wd.NotifyStreamStarted(ctx, dests, streamID)
}

func (n liveNotifier) NotifyStreamStopped(ctx context.Context, streamID string) {
	n.wd.NotifyStreamStopped(ctx, streamID)
}

// New builds the full component graph from a validated config. The
// context bounds startup work (key load, schema migration, hardware
// encoder probe); it does not own the app's lifetime.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := log.WithComponent("app")

	key, err := crypto.LoadOrCreateKey(cfg.MasterKeyFile)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	sealer, err := crypto.NewSealer(key)
	if err != nil {
		return nil, fmt.Errorf("sealer: %w", err)
	}

	st, err := store.Open(cfg.DatabasePath, sealer)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	// Rows left non-terminal by a crash would read as live forever.
	if n, err := st.MarkStaleExecutions(ctx); err != nil {
		logger.Warn().Err(err).Msg("stale execution sweep failed")
	} else if n > 0 {
		logger.Info().Int64("executions", n).Msg("closed execution rows from previous run")
	}

	am, err := assets.NewManager(cfg.UploadsDir, st)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("asset manager: %w", err)
	}

	b := bus.NewMemoryBus()
	positions := state.NewPositionStore()

	encoders := supervisor.New(supervisor.Config{BinPath: cfg.FFmpegPath})
	relays := relay.New(relay.Config{
		BinPath: cfg.FFmpegPath,
		Host:    cfg.Relay.Host,
		Port:    cfg.Relay.Port,
	}, b)
	mover := ptz.New(ptz.Config{})
	prev := preview.New(preview.Config{
		Host:     cfg.Preview.Host,
		RTMPPort: cfg.Preview.RTMPPort,
		HLSPort:  cfg.Preview.HLSPort,
		AdminURL: cfg.Preview.AdminURL,
	})

	hw := cfg.HWEncoder
	if hw == "" {
		probe := &supervisor.HWProbe{BinPath: cfg.FFmpegPath}
		hw = probe.Encoder(ctx)
	}
	if hw != "" {
		logger.Info().Str("encoder", hw).Msg("hardware encoder selected")
	}

	execMgr := executor.New(executor.Config{HWEncoder: hw}, executor.Deps{
		Catalog:   catalog{store: st, assets: am},
		Relays:    relays,
		Mover:     mover,
		Encoder:   encoders,
		Bus:       b,
		Positions: positions,
	})

	wd := watchdog.New(watchdog.Config{
		DefaultInterval:  cfg.Watchdog.CheckInterval,
		DefaultThreshold: cfg.Watchdog.FailureThreshold,
		Cooldown:         cfg.Watchdog.Cooldown,
	}, watchdog.Deps{
		Local: encoders,
		Live:  watchdog.NewHTTPLiveChecker(),
		Bus:   b,
		Recover: func(_ context.Context, _ model.Destination, streamID string) error {
			// The supervision loop respawns the same argv, which
			// reconnects every output of that encoder.
			return encoders.Bounce(streamID)
		},
	})

	rt := router.New(router.Deps{
		Exec:     execMgr,
		Preview:  prev,
		Catalog:  st,
		Watchdog: liveNotifier{store: st, wd: wd, logger: log.WithComponent("router")},
		Bus:      b,
	})

	srv := api.NewServer(api.Config{CORSAllowOrigins: cfg.CORSAllowOrigins}, api.Deps{
		Store:    st,
		Exec:     execMgr,
		Router:   rt,
		Relays:   relays,
		Encoders: encoders,
		Watchdog: wd,
		PTZ:      mover,
		Uploads:  am,
	})

	return &App{
		cfg:       cfg,
		store:     st,
		assets:    am,
		bus:       b,
		positions: positions,
		encoders:  encoders,
		relays:    relays,
		mover:     mover,
		preview:   prev,
		execMgr:   execMgr,
		watchdog:  wd,
		router:    rt,
		handler:   srv.Handler(),
		logger:    logger,
	}, nil
}

// Handler exposes the assembled HTTP API, mainly for tests.
func (a *App) Handler() http.Handler { return a.handler }

// Run reaps leftovers from a previous daemon, brings up the relays and
// serves the API until ctx is cancelled, then tears the pipeline down
// in reverse order.
func (a *App) Run(ctx context.Context) error {
	if n := a.encoders.ReapOrphans(); n > 0 {
		a.logger.Info().Int("processes", n).Msg("reaped orphaned encoder processes")
	}

	cams, err := a.store.Cameras(ctx)
	if err != nil {
		return fmt.Errorf("load cameras: %w", err)
	}
	enabled := make([]model.Camera, 0, len(cams))
	for _, c := range cams {
		if c.Enabled {
			enabled = append(enabled, c)
		}
	}
	a.relays.StartAll(ctx, enabled)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.router.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := a.recordExecutions(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		a.logger.Info().Str("addr", srv.Addr).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	a.shutdown()
	return err
}

// shutdown stops everything that can hold a process or file handle.
// Called after the HTTP server has drained, so no new work arrives.
func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.router.Status(ctx).Mode != model.ModeIdle {
		if err := a.router.Stop(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("router stop at shutdown")
		}
	}
	a.execMgr.StopAll(ctx, model.RClientStop)
	a.relays.Shutdown(ctx)
	if n := a.encoders.KillAll(ctx); n > 0 {
		a.logger.Warn().Int("processes", n).Msg("killed encoders still live at shutdown")
	}
	a.mover.Close()
	if err := a.assets.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("asset watcher close")
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("store close")
	}
	a.logger.Info().Msg("shutdown complete")
}

// recordExecutions mirrors execution lifecycle events into the history
// table so completed runs survive a daemon restart.
func (a *App) recordExecutions(ctx context.Context) error {
	started, err := a.bus.Subscribe(ctx, bus.TopicExecutionStarted)
	if err != nil {
		return err
	}
	defer started.Close() //nolint:errcheck
	stopped, err := a.bus.Subscribe(ctx, bus.TopicExecutionStopped)
	if err != nil {
		return err
	}
	defer stopped.Close() //nolint:errcheck
	errored, err := a.bus.Subscribe(ctx, bus.TopicExecutionErrored)
	if err != nil {
		return err
	}
	defer errored.Close() //nolint:errcheck

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-started.C():
			if !ok {
				return nil
			}
			a.onExecutionStarted(msg)
		case msg, ok := <-stopped.C():
			if !ok {
				return nil
			}
			a.onExecutionEnded(msg)
		case msg, ok := <-errored.C():
			if !ok {
				return nil
			}
			a.onExecutionEnded(msg)
		}
	}
}

func (a *App) onExecutionStarted(msg bus.Message) {
	ev, ok := msg.(bus.ExecutionEvent)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.store.RecordExecutionStart(ctx, model.Execution{
		ID:         ev.ExecutionID,
		TimelineID: ev.TimelineID,
		StartedAt:  ev.At,
		Status:     ev.Status,
		Reason:     ev.Reason,
	})
	if err != nil {
		a.logger.Warn().Err(err).Str("execution_id", ev.ExecutionID).Msg("record execution start failed")
	}
}

func (a *App) onExecutionEnded(msg bus.Message) {
	ev, ok := msg.(bus.ExecutionEvent)
	if !ok {
		return
	}
	// The run snapshot carries the metrics the event omits. Fall back
	// to the event when the executor no longer knows this run.
	e := model.Execution{
		ID:         ev.ExecutionID,
		TimelineID: ev.TimelineID,
		Status:     ev.Status,
		Reason:     ev.Reason,
		Error:      ev.Detail,
	}
	if snap, ok := a.execMgr.Status(ev.TimelineID); ok && snap.ID == ev.ExecutionID {
		e.Metrics = snap.Metrics
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.store.RecordExecutionEnd(ctx, e, ev.At); err != nil {
		a.logger.Warn().Err(err).Str("execution_id", ev.ExecutionID).Msg("record execution end failed")
	}
}
