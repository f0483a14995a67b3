// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package api is the appliance's REST surface. It is a thin layer: every
// handler validates input, calls exactly one component operation and
// maps sentinel errors onto status codes. No auth; the listener is
// appliance-local.
package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vistter/vistterstream/internal/log"
	"github.com/vistter/vistterstream/internal/model"
	"github.com/vistter/vistterstream/internal/ptz"
	"github.com/vistter/vistterstream/internal/router"
	"github.com/vistter/vistterstream/internal/store"
	"github.com/vistter/vistterstream/internal/watchdog"
)

// Exec is the timeline executor surface the API exposes.
type Exec interface {
	Start(ctx context.Context, timelineID int64, outputURLs []string) (string, error)
	Stop(ctx context.Context, timelineID int64, reason model.ReasonCode) error
	Status(timelineID int64) (model.Execution, bool)
	Position(timelineID int64) (model.PlaybackPosition, bool)
}

// StreamRouter is the IDLE/PREVIEW/LIVE control surface.
type StreamRouter interface {
	StartPreview(ctx context.Context, timelineID int64) error
	GoLive(ctx context.Context, destinationIDs []int64) error
	Stop(ctx context.Context) error
	Status(ctx context.Context) router.Status
}

// Relays is the camera relay surface.
type Relays interface {
	EnsureRelay(ctx context.Context, cam model.Camera) (string, error)
	Teardown(ctx context.Context, cameraID int64)
	Health(cameraID int64) (model.RelayHealth, bool)
	HealthAll() map[int64]model.RelayHealth
}

// Encoders is the supervisor surface.
type Encoders interface {
	Processes() []model.StreamProcess
	KillAll(ctx context.Context) int
}

// Watchdogs is the destination health surface.
type Watchdogs interface {
	Status() []watchdog.DestinationStatus
	Restart(ctx context.Context, destinationID int64) error
	Start(ctx context.Context, dest model.Destination)
	Stop(destinationID int64)
}

// PTZ is the camera motion surface.
type PTZ interface {
	MoveToPreset(ctx context.Context, cam model.Camera, preset model.Preset) error
	GoTo(ctx context.Context, cam model.Camera, pan, tilt, zoom float64) error
	CapturePosition(ctx context.Context, cam model.Camera) (ptz.Position, error)
}

// Uploads stores asset payloads and resolves records to local files.
type Uploads interface {
	SaveUpload(originalName string, src io.Reader) (string, error)
	Remove(path string) error
	Invalidate(id int64)
}

// Deps are the injected collaborators.
type Deps struct {
	Store    *store.Store
	Exec     Exec
	Router   StreamRouter
	Relays   Relays
	Encoders Encoders
	Watchdog Watchdogs
	PTZ      PTZ
	Uploads  Uploads
}

// Config tunes the HTTP layer.
type Config struct {
	CORSAllowOrigins []string
	RateLimit        int           // requests per window per IP, 0 = default
	RateWindow       time.Duration // 0 = 1m
}

// Server builds the chi handler tree.
type Server struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger
}

func NewServer(cfg Config, deps Deps) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 300
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	return &Server{cfg: cfg, deps: deps, logger: log.WithComponent("api")}
}

// Handler assembles middleware and routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)
	r.Use(s.cors)
	r.Use(httprate.Limit(
		s.cfg.RateLimit,
		s.cfg.RateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
	))

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		s.catalogRoutes(r)
		s.controlRoutes(r)
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", chimw.GetReqID(r.Context())).
			Msg("request")
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.cfg.CORSAllowOrigins) == 0 {
		return false
	}
	for _, o := range s.cfg.CORSAllowOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
