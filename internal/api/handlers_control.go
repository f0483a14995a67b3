// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vistter/vistterstream/internal/model"
)

func (s *Server) controlRoutes(r chi.Router) {
	r.Route("/executions", func(r chi.Router) {
		r.Post("/", s.startExecution)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.executionStatus)
			r.Get("/position", s.executionPosition)
			r.Delete("/", s.stopExecution)
		})
	})

	r.Route("/stream", func(r chi.Router) {
		r.Get("/", s.routerStatus)
		r.Post("/preview", s.startPreview)
		r.Post("/live", s.goLive)
		r.Post("/stop", s.stopStream)
	})

	r.Route("/relays", func(r chi.Router) {
		r.Get("/", s.relayHealthAll)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.relayHealth)
			r.Post("/", s.ensureRelay)
			r.Delete("/", s.teardownRelay)
		})
	})

	r.Route("/encoders", func(r chi.Router) {
		r.Get("/", s.encoderStatus)
		r.Post("/kill", s.killEncoders)
	})

	r.Route("/watchdog", func(r chi.Router) {
		r.Get("/", s.watchdogStatus)
		r.Post("/{id}/start", s.watchdogStart)
		r.Post("/{id}/stop", s.watchdogStop)
		r.Post("/{id}/restart", s.watchdogRestart)
	})
}

// Execution ids in the REST surface are timeline ids: at most one run
// per timeline exists at a time.

func (s *Server) startExecution(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TimelineID int64    `json:"timeline_id"`
		OutputURLs []string `json:"output_urls"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	execID, err := s.deps.Exec.Start(r.Context(), body.TimelineID, body.OutputURLs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"execution_id": execID,
		"timeline_id":  body.TimelineID,
	})
}

func (s *Server) executionStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeBadRequest(w, "invalid timeline id")
		return
	}
	exec, ok := s.deps.Exec.Status(id)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": string(model.ExecIdle)})
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) executionPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeBadRequest(w, "invalid timeline id")
		return
	}
	pos, ok := s.deps.Exec.Position(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active execution"})
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) stopExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeBadRequest(w, "invalid timeline id")
		return
	}
	if err := s.deps.Exec.Stop(r.Context(), id, model.RClientStop); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) routerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Router.Status(r.Context()))
}

func (s *Server) startPreview(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TimelineID int64 `json:"timeline_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if err := s.deps.Router.StartPreview(r.Context(), body.TimelineID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Router.Status(r.Context()))
}

func (s *Server) goLive(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DestinationIDs []int64 `json:"destination_ids"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if err := s.deps.Router.GoLive(r.Context(), body.DestinationIDs); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Router.Status(r.Context()))
}

func (s *Server) stopStream(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Router.Stop(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Router.Status(r.Context()))
}

func (s *Server) relayHealthAll(w http.ResponseWriter, r *http.Request) {
	health := s.deps.Relays.HealthAll()
	out := make(map[string]model.RelayHealth, len(health))
	for id, h := range health {
		out[strconv.FormatInt(id, 10)] = h
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) relayHealth(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeBadRequest(w, "invalid camera id")
		return
	}
	h, ok := s.deps.Relays.Health(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no relay for camera"})
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) ensureRelay(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeBadRequest(w, "invalid camera id")
		return
	}
	cam, err := s.deps.Store.Camera(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	url, err := s.deps.Relays.EnsureRelay(r.Context(), cam)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"local_url": url})
}

func (s *Server) teardownRelay(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeBadRequest(w, "invalid camera id")
		return
	}
	s.deps.Relays.Teardown(r.Context(), id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) encoderStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Encoders.Processes())
}

func (s *Server) killEncoders(w http.ResponseWriter, r *http.Request) {
	n := s.deps.Encoders.KillAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"killed": n})
}

func (s *Server) watchdogStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Watchdog.Status())
}

func (s *Server) watchdogStart(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeBadRequest(w, "invalid destination id")
		return
	}
	dest, err := s.deps.Store.Destination(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.deps.Watchdog.Start(r.Context(), dest)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) watchdogStop(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeBadRequest(w, "invalid destination id")
		return
	}
	s.deps.Watchdog.Stop(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) watchdogRestart(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeBadRequest(w, "invalid destination id")
		return
	}
	if err := s.deps.Watchdog.Restart(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// moveToPreset drives a PTZ camera to a stored position outside of cue
// execution (operator-initiated framing).
func (s *Server) moveToPreset(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeBadRequest(w, "invalid camera id")
		return
	}
	presetID, err := strconv.ParseInt(chi.URLParam(r, "presetID"), 10, 64)
	if err != nil || presetID <= 0 {
		writeBadRequest(w, "invalid preset id")
		return
	}
	cam, err := s.deps.Store.Camera(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	preset, err := s.deps.Store.Preset(r.Context(), presetID)
	if err != nil {
		writeError(w, err)
		return
	}
	if preset.CameraID != cam.ID {
		writeBadRequest(w, "preset belongs to a different camera")
		return
	}
	if err := s.deps.PTZ.MoveToPreset(r.Context(), cam, preset); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type gotoPayload struct {
	Pan  float64 `json:"pan"`
	Tilt float64 `json:"tilt"`
	Zoom float64 `json:"zoom"`
}

// ptzGoTo drives a PTZ camera to an absolute pan/tilt/zoom vector in
// normalized ONVIF space (pan/tilt -1..1, zoom 0..1).
func (s *Server) ptzGoTo(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeBadRequest(w, "invalid camera id")
		return
	}
	var p gotoPayload
	if err := decodeBody(r, &p); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if p.Pan < -1 || p.Pan > 1 || p.Tilt < -1 || p.Tilt > 1 {
		writeBadRequest(w, "pan and tilt must be within -1..1")
		return
	}
	if p.Zoom < 0 || p.Zoom > 1 {
		writeBadRequest(w, "zoom must be within 0..1")
		return
	}
	cam, err := s.deps.Store.Camera(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.PTZ.GoTo(r.Context(), cam, p.Pan, p.Tilt, p.Zoom); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
