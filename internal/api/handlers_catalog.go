// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vistter/vistterstream/internal/model"
)

func (s *Server) catalogRoutes(r chi.Router) {
	r.Route("/cameras", func(r chi.Router) {
		r.Get("/", s.listCameras)
		r.Post("/", s.createCamera)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getCamera)
			r.Put("/", s.updateCamera)
			r.Delete("/", s.deleteCamera)
			r.Get("/presets", s.listPresets)
			r.Post("/presets", s.capturePreset)
			r.Post("/ptz/preset/{presetID}", s.moveToPreset)
			r.Post("/ptz/goto", s.ptzGoTo)
		})
	})
	r.Delete("/presets/{id}", s.deletePreset)

	r.Route("/destinations", func(r chi.Router) {
		r.Get("/", s.listDestinations)
		r.Post("/", s.createDestination)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getDestination)
			r.Put("/", s.updateDestination)
			r.Delete("/", s.deleteDestination)
		})
	})

	r.Route("/timelines", func(r chi.Router) {
		r.Get("/", s.listTimelines)
		r.Post("/", s.createTimeline)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getTimeline)
			r.Put("/", s.updateTimeline)
			r.Delete("/", s.deleteTimeline)
			r.Get("/executions", s.listExecutions)
		})
	})

	r.Route("/assets", func(r chi.Router) {
		r.Get("/", s.listAssets)
		r.Post("/", s.createAsset)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getAsset)
			r.Delete("/", s.deleteAsset)
		})
	})
}

func (s *Server) listCameras(w http.ResponseWriter, r *http.Request) {
	cams, err := s.deps.Store.Cameras(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]cameraPayload, 0, len(cams))
	for _, c := range cams {
		out = append(out, cameraView(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createCamera(w http.ResponseWriter, r *http.Request) {
	var p cameraPayload
	if err := decodeBody(r, &p); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	cam := p.toModel()
	cam.ID = 0
	if err := s.deps.Store.SaveCamera(r.Context(), &cam); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cameraView(cam))
}

func (s *Server) getCamera(w http.ResponseWriter, r *http.Request) {
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
	writeJSON(w, http.StatusOK, cameraView(cam))
}

func (s *Server) updateCamera(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeBadRequest(w, "invalid camera id")
		return
	}
	var p cameraPayload
	if err := decodeBody(r, &p); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	cam := p.toModel()
	cam.ID = id
	// Blank password means "keep the stored one".
	if cam.Password == "" {
		current, err := s.deps.Store.Camera(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		cam.Password = current.Password
	}
	if err := s.deps.Store.SaveCamera(r.Context(), &cam); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cameraView(cam))
}

func (s *Server) deleteCamera(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeBadRequest(w, "invalid camera id")
		return
	}
	s.deps.Relays.Teardown(r.Context(), id)
	if err := s.deps.Store.DeleteCamera(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listPresets(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeBadRequest(w, "invalid camera id")
		return
	}
	presets, err := s.deps.Store.Presets(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]presetPayload, 0, len(presets))
	for _, p := range presets {
		out = append(out, presetPayload{ID: p.ID, CameraID: p.CameraID, Name: p.Name, Pan: p.Pan, Tilt: p.Tilt, Zoom: p.Zoom})
	}
	writeJSON(w, http.StatusOK, out)
}

// capturePreset reads the camera's current pose and stores it under the
// supplied name.
func (s *Server) capturePreset(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeBadRequest(w, "invalid camera id")
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	cam, err := s.deps.Store.Camera(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	pos, err := s.deps.PTZ.CapturePosition(r.Context(), cam)
	if err != nil {
		writeError(w, err)
		return
	}
	preset := model.Preset{CameraID: id, Name: body.Name, Pan: pos.Pan, Tilt: pos.Tilt, Zoom: pos.Zoom}
	if err := s.deps.Store.SavePreset(r.Context(), &preset); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, presetPayload{
		ID: preset.ID, CameraID: preset.CameraID, Name: preset.Name,
		Pan: preset.Pan, Tilt: preset.Tilt, Zoom: preset.Zoom,
	})
}

func (s *Server) deletePreset(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeBadRequest(w, "invalid preset id")
		return
	}
	if err := s.deps.Store.DeletePreset(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listDestinations(w http.ResponseWriter, r *http.Request) {
	dests, err := s.deps.Store.Destinations(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]destinationPayload, 0, len(dests))
	for _, d := range dests {
		out = append(out, destinationView(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createDestination(w http.ResponseWriter, r *http.Request) {
	var p destinationPayload
	if err := decodeBody(r, &p); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	d := p.toModel()
	d.ID = 0
	if err := s.deps.Store.SaveDestination(r.Context(), &d); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, destinationView(d))
}

func (s *Server) getDestination(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeBadRequest(w, "invalid destination id")
		return
	}
	d, err := s.deps.Store.Destination(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, destinationView(d))
}

func (s *Server) updateDestination(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeBadRequest(w, "invalid destination id")
		return
	}
	var p destinationPayload
	if err := decodeBody(r, &p); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	d := p.toModel()
	d.ID = id
	if d.StreamKey == "" {
		current, err := s.deps.Store.Destination(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		d.StreamKey = current.StreamKey
	}
	if err := s.deps.Store.SaveDestination(r.Context(), &d); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, destinationView(d))
}

func (s *Server) deleteDestination(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeBadRequest(w, "invalid destination id")
		return
	}
	s.deps.Watchdog.Stop(id)
	if err := s.deps.Store.DeleteDestination(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listTimelines(w http.ResponseWriter, r *http.Request) {
	tls, err := s.deps.Store.Timelines(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]timelinePayload, 0, len(tls))
	for i := range tls {
		p, err := timelineView(&tls[i])
		if err != nil {
			writeError(w, err)
			return
		}
		out = append(out, p)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createTimeline(w http.ResponseWriter, r *http.Request) {
	s.saveTimeline(w, r, 0)
}

func (s *Server) updateTimeline(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeBadRequest(w, "invalid timeline id")
		return
	}
	s.saveTimeline(w, r, id)
}

func (s *Server) saveTimeline(w http.ResponseWriter, r *http.Request, id int64) {
	var p timelinePayload
	if err := decodeBody(r, &p); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	t, err := p.toModel()
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	t.ID = id
	if err := s.deps.Store.SaveTimeline(r.Context(), t); err != nil {
		writeError(w, err)
		return
	}
	view, err := timelineView(t)
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusOK
	if id == 0 {
		code = http.StatusCreated
	}
	writeJSON(w, code, view)
}

func (s *Server) getTimeline(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeBadRequest(w, "invalid timeline id")
		return
	}
	t, err := s.deps.Store.Timeline(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	view, err := timelineView(t)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) deleteTimeline(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeBadRequest(w, "invalid timeline id")
		return
	}
	if err := s.deps.Store.DeleteTimeline(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeBadRequest(w, "invalid timeline id")
		return
	}
	execs, err := s.deps.Store.Executions(r.Context(), id, 50)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

func (s *Server) listAssets(w http.ResponseWriter, r *http.Request) {
	as, err := s.deps.Store.Assets(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]assetPayload, 0, len(as))
	for _, a := range as {
		out = append(out, assetView(a))
	}
	writeJSON(w, http.StatusOK, out)
}

// createAsset accepts a multipart form: "file" holds the payload,
// "meta" the JSON record. api_image assets may omit the file.
func (s *Server) createAsset(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeBadRequest(w, "expected multipart form")
		return
	}
	var p assetPayload
	if meta := r.FormValue("meta"); meta != "" {
		if err := json.Unmarshal([]byte(meta), &p); err != nil {
			writeBadRequest(w, err.Error())
			return
		}
	}
	a := p.toModel()
	a.ID = 0

	if file, header, err := r.FormFile("file"); err == nil {
		defer func() { _ = file.Close() }()
		path, err := s.deps.Uploads.SaveUpload(header.Filename, file)
		if err != nil {
			writeError(w, err)
			return
		}
		a.LocalPath = path
		if a.Name == "" {
			a.Name = header.Filename
		}
	}

	if err := s.deps.Store.SaveAsset(r.Context(), &a); err != nil {
		if a.LocalPath != "" {
			_ = s.deps.Uploads.Remove(a.LocalPath)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, assetView(a))
}

func (s *Server) getAsset(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeBadRequest(w, "invalid asset id")
		return
	}
	a, err := s.deps.Store.Asset(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assetView(a))
}

func (s *Server) deleteAsset(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeBadRequest(w, "invalid asset id")
		return
	}
	a, err := s.deps.Store.Asset(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Store.DeleteAsset(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.deps.Uploads.Invalidate(id)
	if a.LocalPath != "" {
		_ = s.deps.Uploads.Remove(a.LocalPath)
	}
	w.WriteHeader(http.StatusNoContent)
}
