// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"encoding/json"
	"time"

	"github.com/vistter/vistterstream/internal/model"
)

// Wire shapes. Secrets go in but never come back out: camera passwords
// and stream keys are write-only fields.

type cameraPayload struct {
	ID            int64  `json:"id,omitempty"`
	Name          string `json:"name"`
	Address       string `json:"address"`
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
	Protocol      string `json:"protocol,omitempty"`
	StreamPath    string `json:"stream_path,omitempty"`
	SnapshotURL   string `json:"snapshot_url,omitempty"`
	Type          string `json:"type,omitempty"`
	ONVIFEndpoint string `json:"onvif_endpoint,omitempty"`
	Enabled       bool   `json:"enabled"`
}

func (p cameraPayload) toModel() model.Camera {
	return model.Camera{
		ID: p.ID, Name: p.Name, Address: p.Address, Username: p.Username, Password: p.Password,
		Protocol: model.Protocol(p.Protocol), StreamPath: p.StreamPath, SnapshotURL: p.SnapshotURL,
		Type: model.CameraType(p.Type), ONVIFEndpoint: p.ONVIFEndpoint, Enabled: p.Enabled,
	}
}

func cameraView(c model.Camera) cameraPayload {
	return cameraPayload{
		ID: c.ID, Name: c.Name, Address: c.Address, Username: c.Username,
		Protocol: string(c.Protocol), StreamPath: c.StreamPath, SnapshotURL: c.SnapshotURL,
		Type: string(c.Type), ONVIFEndpoint: c.ONVIFEndpoint, Enabled: c.Enabled,
	}
}

type presetPayload struct {
	ID       int64   `json:"id,omitempty"`
	CameraID int64   `json:"camera_id"`
	Name     string  `json:"name"`
	Pan      float64 `json:"pan"`
	Tilt     float64 `json:"tilt"`
	Zoom     float64 `json:"zoom"`
}

type destinationPayload struct {
	ID          int64     `json:"id,omitempty"`
	Name        string    `json:"name"`
	Platform    string    `json:"platform"`
	RTMPURL     string    `json:"rtmp_url"`
	StreamKey   string    `json:"stream_key,omitempty"`
	ChannelID   string    `json:"channel_id,omitempty"`
	StreamID    string    `json:"stream_id,omitempty"`
	BroadcastID string    `json:"broadcast_id,omitempty"`
	LastUsed    time.Time `json:"last_used,omitempty"`

	WatchdogEnabled   bool   `json:"watchdog_enabled,omitempty"`
	WatchdogIntervalS int    `json:"watchdog_interval_s,omitempty"`
	WatchdogThreshold int    `json:"watchdog_threshold,omitempty"`
	WatchdogLiveURL   string `json:"watchdog_live_url,omitempty"`
}

func (p destinationPayload) toModel() model.Destination {
	return model.Destination{
		ID: p.ID, Name: p.Name, Platform: model.Platform(p.Platform), RTMPURL: p.RTMPURL,
		StreamKey: p.StreamKey, ChannelID: p.ChannelID, StreamID: p.StreamID, BroadcastID: p.BroadcastID,
		Watchdog: model.WatchdogConfig{
			Enabled:          p.WatchdogEnabled,
			CheckInterval:    time.Duration(p.WatchdogIntervalS) * time.Second,
			FailureThreshold: p.WatchdogThreshold,
			LiveURL:          p.WatchdogLiveURL,
		},
		LastUsed: p.LastUsed,
	}
}

func destinationView(d model.Destination) destinationPayload {
	return destinationPayload{
		ID: d.ID, Name: d.Name, Platform: string(d.Platform), RTMPURL: d.RTMPURL,
		ChannelID: d.ChannelID, StreamID: d.StreamID, BroadcastID: d.BroadcastID, LastUsed: d.LastUsed,
		WatchdogEnabled:   d.Watchdog.Enabled,
		WatchdogIntervalS: int(d.Watchdog.CheckInterval.Seconds()),
		WatchdogThreshold: d.Watchdog.FailureThreshold,
		WatchdogLiveURL:   d.Watchdog.LiveURL,
	}
}

type cuePayload struct {
	ID            int64           `json:"id,omitempty"`
	Order         int             `json:"order,omitempty"`
	Start         float64         `json:"start"`
	Duration      float64         `json:"duration"`
	Action        json.RawMessage `json:"action"`
	TransitionIn  string          `json:"transition_in,omitempty"`
	TransitionOut string          `json:"transition_out,omitempty"`
}

type trackPayload struct {
	ID      int64        `json:"id,omitempty"`
	Kind    string       `json:"kind"`
	Layer   int          `json:"layer,omitempty"`
	Enabled bool         `json:"enabled"`
	Cues    []cuePayload `json:"cues"`
}

type timelinePayload struct {
	ID       int64          `json:"id,omitempty"`
	Name     string         `json:"name"`
	FPS      int            `json:"fps"`
	Width    int            `json:"width"`
	Height   int            `json:"height"`
	Loop     bool           `json:"loop"`
	Duration float64        `json:"duration"`
	Tracks   []trackPayload `json:"tracks"`
}

func (p timelinePayload) toModel() (*model.Timeline, error) {
	t := &model.Timeline{
		ID: p.ID, Name: p.Name, FPS: p.FPS, Width: p.Width, Height: p.Height,
		Loop: p.Loop, Duration: p.Duration,
	}
	for _, tp := range p.Tracks {
		tr := model.Track{ID: tp.ID, Kind: model.TrackKind(tp.Kind), Layer: tp.Layer, Enabled: tp.Enabled}
		for _, cp := range tp.Cues {
			action, err := model.UnmarshalAction(cp.Action)
			if err != nil {
				return nil, err
			}
			tr.Cues = append(tr.Cues, model.Cue{
				ID: cp.ID, Order: cp.Order, Start: cp.Start, Duration: cp.Duration,
				Action: action, TransitionIn: cp.TransitionIn, TransitionOut: cp.TransitionOut,
			})
		}
		t.Tracks = append(t.Tracks, tr)
	}
	return t, nil
}

func timelineView(t *model.Timeline) (timelinePayload, error) {
	p := timelinePayload{
		ID: t.ID, Name: t.Name, FPS: t.FPS, Width: t.Width, Height: t.Height,
		Loop: t.Loop, Duration: t.Duration,
	}
	for _, tr := range t.Tracks {
		tp := trackPayload{ID: tr.ID, Kind: string(tr.Kind), Layer: tr.Layer, Enabled: tr.Enabled}
		for _, c := range tr.Cues {
			raw, err := model.MarshalAction(c.Action)
			if err != nil {
				return timelinePayload{}, err
			}
			tp.Cues = append(tp.Cues, cuePayload{
				ID: c.ID, Order: c.Order, Start: c.Start, Duration: c.Duration,
				Action: raw, TransitionIn: c.TransitionIn, TransitionOut: c.TransitionOut,
			})
		}
		p.Tracks = append(p.Tracks, tp)
	}
	return p, nil
}

type assetPayload struct {
	ID              int64  `json:"id,omitempty"`
	Name            string `json:"name"`
	Kind            string `json:"kind"`
	LocalPath       string `json:"local_path,omitempty"`
	RemoteURL       string `json:"remote_url,omitempty"`
	RefreshInterval int    `json:"refresh_interval_s,omitempty"`
	DefaultWidth    int    `json:"default_width,omitempty"`
	DefaultHeight   int    `json:"default_height,omitempty"`
}

func (p assetPayload) toModel() model.Asset {
	return model.Asset{
		ID: p.ID, Name: p.Name, Kind: model.AssetKind(p.Kind),
		LocalPath: p.LocalPath, RemoteURL: p.RemoteURL,
		RefreshInterval: time.Duration(p.RefreshInterval) * time.Second,
		DefaultWidth:    p.DefaultWidth, DefaultHeight: p.DefaultHeight,
	}
}

func assetView(a model.Asset) assetPayload {
	return assetPayload{
		ID: a.ID, Name: a.Name, Kind: string(a.Kind), LocalPath: a.LocalPath,
		RemoteURL: a.RemoteURL, RefreshInterval: int(a.RefreshInterval.Seconds()),
		DefaultWidth: a.DefaultWidth, DefaultHeight: a.DefaultHeight,
	}
}
