// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ptz

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/vistter/vistterstream/internal/log"
	"github.com/vistter/vistterstream/internal/metrics"
	"github.com/vistter/vistterstream/internal/model"
)

// ErrSuperseded reports that a queued move was replaced by a newer one
// before it ran. Callers treat it as non-fatal: the head ends up where
// the newest move wanted it.
var ErrSuperseded = errors.New("ptz move superseded")

// device is the slice of the SOAP client the controller needs.
// Swapped out in tests.
type device interface {
	ProfileToken(ctx context.Context) (string, error)
	AbsoluteMove(ctx context.Context, profileToken string, pos Position) error
	GetStatus(ctx context.Context, profileToken string) (Position, error)
}

// DialFunc opens a device client for a camera.
type DialFunc func(cam model.Camera) (device, error)

// Config tunes the controller.
type Config struct {
	SettleDelay time.Duration // wait after a device accepts a move, default 3s
	Dial        DialFunc      // default dials the camera's ONVIF endpoint
}

func (c *Config) applyDefaults() {
	if c.SettleDelay <= 0 {
		c.SettleDelay = 3 * time.Second
	}
	if c.Dial == nil {
		c.Dial = func(cam model.Camera) (device, error) {
			return NewClient(cam.ONVIFEndpoint, cam.Username, cam.Password)
		}
	}
}

// Controller serializes PTZ moves per camera. Each camera gets one
// worker with a single-slot inbox: a move that arrives while another
// is queued replaces it, so a burst of cue changes drives the head
// straight to the newest target.
type Controller struct {
	cfg Config

	mu      sync.Mutex
	workers map[int64]*worker
	closed  bool
}

type moveReq struct {
	pos   Position
	ctx   context.Context
	reply chan error
}

type worker struct {
	cam   model.Camera
	inbox chan *moveReq
	stop  chan struct{}

	// device state, touched only by the worker goroutine
	dev   device
	token string
}

// New creates a Controller.
func New(cfg Config) *Controller {
	cfg.applyDefaults()
	return &Controller{cfg: cfg, workers: make(map[int64]*worker)}
}

// MoveToPreset drives the camera to the preset and blocks until the
// settle delay has passed, so the caller can cut to the feed without
// showing the head in motion. Stationary cameras succeed immediately.
func (c *Controller) MoveToPreset(ctx context.Context, cam model.Camera, preset model.Preset) error {
	if cam.Type != model.CameraPTZ {
		return nil
	}
	return c.move(ctx, cam, Position{Pan: preset.Pan, Tilt: preset.Tilt, Zoom: preset.Zoom})
}

// GoTo drives the camera to an absolute pan/tilt/zoom vector through
// the same per-camera queue as preset moves. Unlike MoveToPreset, a
// stationary camera is an error: the caller asked for motion.
func (c *Controller) GoTo(ctx context.Context, cam model.Camera, pan, tilt, zoom float64) error {
	if cam.Type != model.CameraPTZ {
		return fmt.Errorf("%w: camera %d is not ptz", model.ErrConfigInvalid, cam.ID)
	}
	return c.move(ctx, cam, Position{Pan: pan, Tilt: tilt, Zoom: zoom})
}

func (c *Controller) move(ctx context.Context, cam model.Camera, pos Position) error {
	if cam.ONVIFEndpoint == "" {
		return fmt.Errorf("%w: ptz camera %d has no onvif endpoint", model.ErrConfigInvalid, cam.ID)
	}

	w, err := c.workerFor(cam)
	if err != nil {
		return err
	}
	req := &moveReq{
		pos:   pos,
		ctx:   ctx,
		reply: make(chan error, 1),
	}
	if old := w.offer(req); old != nil {
		old.reply <- ErrSuperseded
		metrics.PTZMovesTotal.WithLabelValues(strconv.FormatInt(cam.ID, 10), "superseded").Inc()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CapturePosition reads the camera's current PTZ vector for preset
// capture. Runs outside the move queue; reads don't disturb motion.
func (c *Controller) CapturePosition(ctx context.Context, cam model.Camera) (Position, error) {
	if cam.Type != model.CameraPTZ {
		return Position{}, fmt.Errorf("%w: camera %d is not ptz", model.ErrConfigInvalid, cam.ID)
	}
	dev, err := c.cfg.Dial(cam)
	if err != nil {
		return Position{}, err
	}
	token, err := dev.ProfileToken(ctx)
	if err != nil {
		return Position{}, fmt.Errorf("camera %d: %w", cam.ID, err)
	}
	return dev.GetStatus(ctx, token)
}

// Close stops all workers. Queued moves fail with context.Canceled.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, w := range c.workers {
		close(w.stop)
	}
}

func (c *Controller) workerFor(cam model.Camera) (*worker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("ptz controller closed")
	}
	if w, ok := c.workers[cam.ID]; ok {
		return w, nil
	}
	w := &worker{
		cam:   cam,
		inbox: make(chan *moveReq, 1),
		stop:  make(chan struct{}),
	}
	c.workers[cam.ID] = w
	go c.runWorker(w)
	return w, nil
}

// offer queues the request, evicting and returning any move already
// waiting in the slot.
func (w *worker) offer(req *moveReq) (evicted *moveReq) {
	for {
		select {
		case w.inbox <- req:
			return evicted
		default:
		}
		select {
		case old := <-w.inbox:
			evicted = old
		default:
		}
	}
}

func (c *Controller) runWorker(w *worker) {
	logger := log.L().With().Int64(log.FieldCameraID, w.cam.ID).Logger()
	for {
		select {
		case <-w.stop:
			c.drain(w)
			return
		case req := <-w.inbox:
			err := c.execute(w, req)
			if err != nil {
				metrics.PTZMovesTotal.WithLabelValues(strconv.FormatInt(w.cam.ID, 10), "error").Inc()
				logger.Warn().Err(err).Msg("ptz move failed")
				// Force a re-dial next time; the session may be dead.
				w.dev, w.token = nil, ""
			} else {
				metrics.PTZMovesTotal.WithLabelValues(strconv.FormatInt(w.cam.ID, 10), "ok").Inc()
			}
			req.reply <- err
		}
	}
}

func (c *Controller) execute(w *worker, req *moveReq) error {
	ctx := req.ctx
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.dev == nil {
		dev, err := c.cfg.Dial(w.cam)
		if err != nil {
			return err
		}
		token, err := dev.ProfileToken(ctx)
		if err != nil {
			return fmt.Errorf("camera %d: %w", w.cam.ID, err)
		}
		w.dev, w.token = dev, token
	}
	if err := w.dev.AbsoluteMove(ctx, w.token, req.pos); err != nil {
		return fmt.Errorf("camera %d absolute move: %w", w.cam.ID, err)
	}
	// Let the head physically arrive before anyone cuts to the feed.
	select {
	case <-time.After(c.cfg.SettleDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) drain(w *worker) {
	for {
		select {
		case req := <-w.inbox:
			req.reply <- context.Canceled
		default:
			return
		}
	}
}
