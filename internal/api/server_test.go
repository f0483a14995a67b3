// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vistter/vistterstream/internal/crypto"
	"github.com/vistter/vistterstream/internal/model"
	"github.com/vistter/vistterstream/internal/ptz"
	"github.com/vistter/vistterstream/internal/router"
	"github.com/vistter/vistterstream/internal/store"
	"github.com/vistter/vistterstream/internal/watchdog"
)

type fakeExec struct {
	running map[int64]model.Execution
	started []int64
	stopErr error
}

func (f *fakeExec) Start(_ context.Context, id int64, urls []string) (string, error) {
	if len(urls) == 0 {
		return "", model.ErrConfigInvalid
	}
	f.started = append(f.started, id)
	return fmt.Sprintf("exec-%d", id), nil
}

func (f *fakeExec) Stop(_ context.Context, id int64, _ model.ReasonCode) error { return f.stopErr }

func (f *fakeExec) Status(id int64) (model.Execution, bool) {
	e, ok := f.running[id]
	return e, ok
}

func (f *fakeExec) Position(id int64) (model.PlaybackPosition, bool) {
	if _, ok := f.running[id]; !ok {
		return model.PlaybackPosition{}, false
	}
	return model.PlaybackPosition{TimelineID: id, CurrentTime: 4.5}, true
}

type fakeRouter struct {
	status     router.Status
	previewErr error
	liveErr    error
}

func (f *fakeRouter) StartPreview(_ context.Context, id int64) error {
	if f.previewErr != nil {
		return f.previewErr
	}
	f.status = router.Status{Mode: model.ModePreview, TimelineID: id, PreviewURL: "http://127.0.0.1:8888/preview/index.m3u8"}
	return nil
}

func (f *fakeRouter) GoLive(_ context.Context, ids []int64) error {
	if f.liveErr != nil {
		return f.liveErr
	}
	f.status = router.Status{Mode: model.ModeLive, TimelineID: f.status.TimelineID, Destinations: ids}
	return nil
}

func (f *fakeRouter) Stop(context.Context) error {
	f.status = router.Status{Mode: model.ModeIdle}
	return nil
}

func (f *fakeRouter) Status(context.Context) router.Status { return f.status }

type fakeRelays struct {
	health    map[int64]model.RelayHealth
	torn      []int64
	ensured   []int64
	ensureErr error
}

func (f *fakeRelays) EnsureRelay(_ context.Context, cam model.Camera) (string, error) {
	if f.ensureErr != nil {
		return "", f.ensureErr
	}
	f.ensured = append(f.ensured, cam.ID)
	return fmt.Sprintf("rtmp://127.0.0.1:1935/vistterstream/cam%d", cam.ID), nil
}

func (f *fakeRelays) Teardown(_ context.Context, id int64) { f.torn = append(f.torn, id) }

func (f *fakeRelays) Health(id int64) (model.RelayHealth, bool) {
	h, ok := f.health[id]
	return h, ok
}

func (f *fakeRelays) HealthAll() map[int64]model.RelayHealth { return f.health }

type fakeEncoders struct {
	procs  []model.StreamProcess
	killed int
}

func (f *fakeEncoders) Processes() []model.StreamProcess { return f.procs }
func (f *fakeEncoders) KillAll(context.Context) int      { return f.killed }

type fakeWatchdog struct {
	status     []watchdog.DestinationStatus
	restartErr error
	restarted  []int64
	started    []int64
	stopped    []int64
}

func (f *fakeWatchdog) Status() []watchdog.DestinationStatus { return f.status }
func (f *fakeWatchdog) Restart(_ context.Context, id int64) error {
	if f.restartErr != nil {
		return f.restartErr
	}
	f.restarted = append(f.restarted, id)
	return nil
}
func (f *fakeWatchdog) Start(_ context.Context, d model.Destination) {
	f.started = append(f.started, d.ID)
}
func (f *fakeWatchdog) Stop(id int64) { f.stopped = append(f.stopped, id) }

type fakePTZ struct {
	moves    []int64
	gotos    []ptz.Position
	captured ptz.Position
	moveErr  error
}

func (f *fakePTZ) MoveToPreset(_ context.Context, cam model.Camera, p model.Preset) error {
	if f.moveErr != nil {
		return f.moveErr
	}
	f.moves = append(f.moves, p.ID)
	return nil
}

func (f *fakePTZ) GoTo(_ context.Context, _ model.Camera, pan, tilt, zoom float64) error {
	if f.moveErr != nil {
		return f.moveErr
	}
	f.gotos = append(f.gotos, ptz.Position{Pan: pan, Tilt: tilt, Zoom: zoom})
	return nil
}

func (f *fakePTZ) CapturePosition(context.Context, model.Camera) (ptz.Position, error) {
	return f.captured, nil
}

type fakeUploads struct {
	dir     string
	saved   []string
	removed []string
}

func (f *fakeUploads) SaveUpload(name string, src io.Reader) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if ext != ".png" && ext != ".jpg" {
		return "", model.ErrConfigInvalid
	}
	path := filepath.Join(f.dir, "uuid"+ext)
	f.saved = append(f.saved, path)
	_, _ = io.Copy(io.Discard, src)
	return path, nil
}

func (f *fakeUploads) Remove(path string) error {
	f.removed = append(f.removed, path)
	return nil
}

func (f *fakeUploads) Invalidate(int64) {}

type testEnv struct {
	srv      *httptest.Server
	store    *store.Store
	exec     *fakeExec
	router   *fakeRouter
	relays   *fakeRelays
	encoders *fakeEncoders
	watchdog *fakeWatchdog
	ptz      *fakePTZ
	uploads  *fakeUploads
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	key, err := crypto.LoadOrCreateKey(filepath.Join(dir, "master.key"))
	require.NoError(t, err)
	sealer, err := crypto.NewSealer(key)
	require.NoError(t, err)
	st, err := store.Open(filepath.Join(dir, "db.sqlite"), sealer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	env := &testEnv{
		store:    st,
		exec:     &fakeExec{running: make(map[int64]model.Execution)},
		router:   &fakeRouter{status: router.Status{Mode: model.ModeIdle}},
		relays:   &fakeRelays{health: make(map[int64]model.RelayHealth)},
		encoders: &fakeEncoders{},
		watchdog: &fakeWatchdog{},
		ptz:      &fakePTZ{},
		uploads:  &fakeUploads{dir: dir},
	}
	s := NewServer(Config{CORSAllowOrigins: []string{"http://appliance.local"}}, Deps{
		Store: st, Exec: env.exec, Router: env.router, Relays: env.relays,
		Encoders: env.encoders, Watchdog: env.watchdog, PTZ: env.ptz, Uploads: env.uploads,
	})
	env.srv = httptest.NewServer(s.Handler())
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	require.Equal(t, "ok", body["status"])
}

func TestCameraCRUDNeverReturnsPassword(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/cameras/", cameraPayload{
		Name: "harbor", Address: "10.0.0.8:554", Username: "admin", Password: "hunter2",
		Protocol: "rtsp", Enabled: true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[cameraPayload](t, resp)
	require.NotZero(t, created.ID)
	require.Empty(t, created.Password)

	resp = env.do(t, http.MethodGet, fmt.Sprintf("/api/cameras/%d/", created.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[cameraPayload](t, resp)
	require.Equal(t, "harbor", got.Name)
	require.Empty(t, got.Password)

	// Update with blank password keeps the stored secret.
	got.Address = "10.0.0.9:554"
	resp = env.do(t, http.MethodPut, fmt.Sprintf("/api/cameras/%d/", created.ID), got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	cam, err := env.store.Camera(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, "hunter2", cam.Password)
	require.Equal(t, "10.0.0.9:554", cam.Address)
}

func TestCameraNotFoundAndValidation(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/cameras/999/", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	resp = env.do(t, http.MethodPost, "/api/cameras/", cameraPayload{Name: "no-address"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	_ = resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/api/cameras/not-a-number/", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestDeleteCameraTearsDownRelay(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/cameras/", cameraPayload{Name: "c", Address: "10.0.0.8", Enabled: true})
	created := decode[cameraPayload](t, resp)

	resp = env.do(t, http.MethodDelete, fmt.Sprintf("/api/cameras/%d/", created.ID), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()
	require.Equal(t, []int64{created.ID}, env.relays.torn)
}

func TestCapturePresetUsesPTZPose(t *testing.T) {
	env := newTestEnv(t)
	env.ptz.captured = ptz.Position{Pan: 0.4, Tilt: -0.2, Zoom: 0.7}

	resp := env.do(t, http.MethodPost, "/api/cameras/", cameraPayload{
		Name: "ptz", Address: "10.0.0.9", Type: "ptz",
		ONVIFEndpoint: "http://10.0.0.9:8899/onvif/device_service", Enabled: true,
	})
	cam := decode[cameraPayload](t, resp)

	resp = env.do(t, http.MethodPost, fmt.Sprintf("/api/cameras/%d/presets", cam.ID), map[string]string{"name": "dock"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	preset := decode[presetPayload](t, resp)
	require.Equal(t, 0.4, preset.Pan)
	require.Equal(t, 0.7, preset.Zoom)

	// Preset of another camera must be rejected for the move endpoint.
	resp = env.do(t, http.MethodPost, fmt.Sprintf("/api/cameras/%d/ptz/preset/%d", cam.ID, preset.ID), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()
	require.Equal(t, []int64{preset.ID}, env.ptz.moves)
}

func TestPTZGoToAbsoluteMove(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/cameras/", cameraPayload{
		Name: "ptz", Address: "10.0.0.9", Type: "ptz",
		ONVIFEndpoint: "http://10.0.0.9:8899/onvif/device_service", Enabled: true,
	})
	cam := decode[cameraPayload](t, resp)

	resp = env.do(t, http.MethodPost, fmt.Sprintf("/api/cameras/%d/ptz/goto", cam.ID),
		map[string]float64{"pan": 0.5, "tilt": -0.25, "zoom": 0.8})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()
	require.Equal(t, []ptz.Position{{Pan: 0.5, Tilt: -0.25, Zoom: 0.8}}, env.ptz.gotos)

	// out-of-range vector never reaches the controller
	resp = env.do(t, http.MethodPost, fmt.Sprintf("/api/cameras/%d/ptz/goto", cam.ID),
		map[string]float64{"pan": 1.5})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
	require.Len(t, env.ptz.gotos, 1)

	resp = env.do(t, http.MethodPost, "/api/cameras/404/ptz/goto",
		map[string]float64{"pan": 0})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestDestinationStreamKeyWriteOnly(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/destinations/", destinationPayload{
		Name: "yt", Platform: "youtube", RTMPURL: "rtmp://a.rtmp.youtube.com/live2", StreamKey: "secret-key",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[destinationPayload](t, resp)
	require.Empty(t, created.StreamKey)

	d, err := env.store.Destination(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, "secret-key", d.StreamKey)
}

func TestTimelineRoundTripThroughAPI(t *testing.T) {
	env := newTestEnv(t)

	payload := timelinePayload{
		Name: "harbor", FPS: 30, Width: 1920, Height: 1080, Duration: 60,
		Tracks: []trackPayload{
			{
				Kind: "video", Enabled: true,
				Cues: []cuePayload{{
					Start: 0, Duration: 60,
					Action: json.RawMessage(`{"type":"show_camera","params":{"camera_id":1}}`),
				}},
			},
		},
	}
	resp := env.do(t, http.MethodPost, "/api/timelines/", payload)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[timelinePayload](t, resp)
	require.NotZero(t, created.ID)

	resp = env.do(t, http.MethodGet, fmt.Sprintf("/api/timelines/%d/", created.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[timelinePayload](t, resp)
	require.Len(t, got.Tracks, 1)
	require.Contains(t, string(got.Tracks[0].Cues[0].Action), "show_camera")

	// Invalid timelines are rejected with 422.
	payload.Tracks[0].Cues[0].Duration = 120
	resp = env.do(t, http.MethodPost, "/api/timelines/", payload)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestAssetUploadMultipart(t *testing.T) {
	env := newTestEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "logo.png")
	require.NoError(t, err)
	_, err = part.Write([]byte("png-bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("meta", `{"name":"logo","kind":"static_image"}`))
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/assets/", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[assetPayload](t, resp)
	require.Equal(t, "logo", created.Name)
	require.NotEmpty(t, created.LocalPath)
	require.Len(t, env.uploads.saved, 1)
}

func TestExecutionLifecycle(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/executions/", map[string]any{
		"timeline_id": 7, "output_urls": []string{"rtmp://x/live"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	require.Equal(t, "exec-7", body["execution_id"])

	// No output urls → 422 via sentinel mapping.
	resp = env.do(t, http.MethodPost, "/api/executions/", map[string]any{"timeline_id": 7})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	_ = resp.Body.Close()

	env.exec.running[7] = model.Execution{ID: "exec-7", TimelineID: 7, Status: model.ExecRunning}
	resp = env.do(t, http.MethodGet, "/api/executions/7/position", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pos := decode[model.PlaybackPosition](t, resp)
	require.Equal(t, 4.5, pos.CurrentTime)

	resp = env.do(t, http.MethodDelete, "/api/executions/7/", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestStreamModeEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/stream/", nil)
	st := decode[router.Status](t, resp)
	require.Equal(t, model.ModeIdle, st.Mode)

	resp = env.do(t, http.MethodPost, "/api/stream/preview", map[string]int64{"timeline_id": 3})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st = decode[router.Status](t, resp)
	require.Equal(t, model.ModePreview, st.Mode)
	require.NotEmpty(t, st.PreviewURL)

	resp = env.do(t, http.MethodPost, "/api/stream/live", map[string][]int64{"destination_ids": {1, 2}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st = decode[router.Status](t, resp)
	require.Equal(t, model.ModeLive, st.Mode)
	require.Equal(t, []int64{1, 2}, st.Destinations)

	resp = env.do(t, http.MethodPost, "/api/stream/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st = decode[router.Status](t, resp)
	require.Equal(t, model.ModeIdle, st.Mode)
}

func TestStreamPreviewConflict(t *testing.T) {
	env := newTestEnv(t)
	env.router.previewErr = fmt.Errorf("%w: preview already active", model.ErrAlreadyRunning)

	resp := env.do(t, http.MethodPost, "/api/stream/preview", map[string]int64{"timeline_id": 3})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestRelayEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/cameras/", cameraPayload{Name: "c", Address: "10.0.0.8", Enabled: true})
	cam := decode[cameraPayload](t, resp)

	resp = env.do(t, http.MethodPost, fmt.Sprintf("/api/relays/%d/", cam.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	require.Contains(t, body["local_url"], "/vistterstream/")

	env.relays.health[cam.ID] = model.RelayHealth{State: "healthy", Probes: 5}
	resp = env.do(t, http.MethodGet, fmt.Sprintf("/api/relays/%d/", cam.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	h := decode[model.RelayHealth](t, resp)
	require.Equal(t, "healthy", h.State)

	resp = env.do(t, http.MethodGet, "/api/relays/99/", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestEncoderAndWatchdogEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.encoders.procs = []model.StreamProcess{{StreamID: "exec-1", State: model.ProcRunning}}
	env.encoders.killed = 2
	env.watchdog.status = []watchdog.DestinationStatus{{DestinationID: 1, State: "monitoring"}}

	resp := env.do(t, http.MethodGet, "/api/encoders/", nil)
	procs := decode[[]model.StreamProcess](t, resp)
	require.Len(t, procs, 1)

	resp = env.do(t, http.MethodPost, "/api/encoders/kill", nil)
	body := decode[map[string]int](t, resp)
	require.Equal(t, 2, body["killed"])

	resp = env.do(t, http.MethodGet, "/api/watchdog/", nil)
	status := decode[[]watchdog.DestinationStatus](t, resp)
	require.Len(t, status, 1)

	resp = env.do(t, http.MethodPost, "/api/watchdog/1/restart", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()
	require.Equal(t, []int64{1}, env.watchdog.restarted)

	env.watchdog.restartErr = model.ErrNotFound
	resp = env.do(t, http.MethodPost, "/api/watchdog/9/restart", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	// Manual arm/disarm resolves the destination from the store.
	dest := &model.Destination{Name: "yt", Platform: model.PlatformYouTube, RTMPURL: "rtmp://a.rtmp.youtube.com/live2", StreamKey: "k"}
	require.NoError(t, env.store.SaveDestination(context.Background(), dest))

	resp = env.do(t, http.MethodPost, fmt.Sprintf("/api/watchdog/%d/start", dest.ID), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()
	require.Equal(t, []int64{dest.ID}, env.watchdog.started)

	resp = env.do(t, http.MethodPost, fmt.Sprintf("/api/watchdog/%d/stop", dest.ID), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()
	require.Equal(t, []int64{dest.ID}, env.watchdog.stopped)

	resp = env.do(t, http.MethodPost, "/api/watchdog/404/start", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestCORSHeaders(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://appliance.local")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, "http://appliance.local", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "http://evil.example")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	require.Empty(t, resp2.Header.Get("Access-Control-Allow-Origin"))
}
