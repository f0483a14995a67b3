// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package model holds the appliance's domain types: cameras, presets,
// destinations, timelines and their execution state. Persistence lives in
// internal/store; this package is storage-agnostic.
package model

import "time"

// Camera is one configured video source.
type Camera struct {
	ID          int64
	Name        string
	Address     string
	Username    string
	Password    string // opaque; encrypted at rest, never logged
	Protocol    Protocol
	StreamPath  string
	SnapshotURL string
	Type        CameraType
	// ONVIFEndpoint is the device-service URL for PTZ cameras. Non-standard
	// ports are common (e.g. :8899).
	ONVIFEndpoint string
	Enabled       bool
	Status        string
}

// SourceURL assembles the ingest URL with embedded credentials, per
// device convention.
func (c Camera) SourceURL() string {
	scheme := string(c.Protocol)
	if scheme == "" {
		scheme = string(ProtocolRTSP)
	}
	auth := ""
	if c.Username != "" {
		auth = c.Username + ":" + c.Password + "@"
	}
	path := c.StreamPath
	if path != "" && path[0] != '/' {
		path = "/" + path
	}
	return scheme + "://" + auth + c.Address + path
}

// Preset is a stored PTZ position, captured from the camera's current
// pose. Pan/tilt are normalized to [-1,1], zoom to [0,1].
type Preset struct {
	ID       int64
	CameraID int64
	Name     string
	Pan      float64
	Tilt     float64
	Zoom     float64
}

// WatchdogConfig is the per-destination health policy.
type WatchdogConfig struct {
	Enabled          bool
	CheckInterval    time.Duration // default 30s
	FailureThreshold int           // consecutive failures before recovery, default 3
	LiveURL          string        // optional public live-verification URL
}

// Destination is one external RTMP endpoint.
type Destination struct {
	ID        int64
	Name      string
	Platform  Platform
	RTMPURL   string
	StreamKey string // opaque; exposed only to the encoder builder
	// Platform-specific identifiers, used by external broadcast-lifecycle
	// integrations.
	ChannelID   string
	StreamID    string
	BroadcastID string
	Watchdog    WatchdogConfig
	LastUsed    time.Time
}

// PublishURL is the full RTMP publish target including the stream key.
func (d Destination) PublishURL() string {
	if d.StreamKey == "" {
		return d.RTMPURL
	}
	url := d.RTMPURL
	if url != "" && url[len(url)-1] != '/' {
		url += "/"
	}
	return url + d.StreamKey
}

// Timeline is a named composition of tracks with an output profile.
type Timeline struct {
	ID       int64
	Name     string
	FPS      int
	Width    int
	Height   int
	Loop     bool
	Duration float64 // seconds
	Tracks   []Track
}

// Track is an ordered sequence of non-overlapping cues of one kind.
// Layer defines overlay z-order; higher layers render on top.
type Track struct {
	ID         int64
	TimelineID int64
	Kind       TrackKind
	Layer      int
	Enabled    bool
	Cues       []Cue
}

// Cue is a time-bounded instruction on a track.
type Cue struct {
	ID            int64
	TrackID       int64
	Order         int
	Start         float64 // seconds from timeline zero
	Duration      float64 // seconds, > 0
	Action        CueAction
	TransitionIn  string
	TransitionOut string
}

// End returns the exclusive end of the cue's interval.
func (c Cue) End() float64 { return c.Start + c.Duration }

// Asset is an overlay source owned by the asset subsystem.
type Asset struct {
	ID        int64
	Name      string
	Kind      AssetKind
	LocalPath string // absolute filesystem path served to the compositor
	RemoteURL string
	// RefreshInterval applies to api_image assets that are re-fetched
	// out of band.
	RefreshInterval time.Duration
	DefaultWidth    int
	DefaultHeight   int
}

// Execution is a single run of a timeline.
type Execution struct {
	ID         string
	TimelineID int64
	StartedAt  time.Time
	Status     ExecutionStatus
	Reason     ReasonCode
	Error      string
	Metrics    ExecutionMetrics
}

// ExecutionMetrics is the coarse per-run accounting surfaced to operators.
type ExecutionMetrics struct {
	CuesExecuted    int
	CueFailures     int
	EncoderRestarts int
	LoopCount       int
}

// PlaybackPosition is the process-wide position snapshot published while
// an execution runs. Consumed by the UI at poll cadence.
type PlaybackPosition struct {
	TimelineID  int64
	CurrentTime float64
	// CueIndex maps track id to the index of the track's active cue, or -1
	// when no cue brackets the current clock.
	CueIndex  map[int64]int
	LoopCount int
	StartedAt time.Time
	UpdatedAt time.Time
}

// EncoderStats is one parsed progress sample from the encoder's stderr.
type EncoderStats struct {
	FPS           float64
	BitrateKbps   float64
	DroppedFrames int64
	Speed         float64
	At            time.Time
}

// StreamProcess is the supervisor-visible state of one encoder process.
type StreamProcess struct {
	StreamID        string
	PID             int
	State           ProcessState
	OutputURLs      []string
	HWProfile       string
	RestartAttempts int
	LastStats       EncoderStats
	StartedAt       time.Time
}

// RelayHealth is the probe-derived state of one camera relay.
type RelayHealth struct {
	State        string // "starting", "healthy", "unhealthy"
	LastFrameAge time.Duration
	Probes       int // consecutive successful probes
}
