// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

// Protocol is the camera ingest transport.
type Protocol string

const (
	ProtocolRTSP Protocol = "rtsp"
	ProtocolRTMP Protocol = "rtmp"
)

// CameraType distinguishes fixed cameras from pan/tilt/zoom heads.
type CameraType string

const (
	CameraStationary CameraType = "stationary"
	CameraPTZ        CameraType = "ptz"
)

// Platform identifies a broadcast destination family.
type Platform string

const (
	PlatformYouTube    Platform = "youtube"
	PlatformFacebook   Platform = "facebook"
	PlatformTwitch     Platform = "twitch"
	PlatformCustomRTMP Platform = "custom_rtmp"
)

// TrackKind identifies the content a track carries.
type TrackKind string

const (
	TrackVideo   TrackKind = "video"
	TrackOverlay TrackKind = "overlay"
	TrackAudio   TrackKind = "audio"
)

// AssetKind identifies how an asset is sourced and refreshed.
type AssetKind string

const (
	AssetStaticImage AssetKind = "static_image"
	AssetAPIImage    AssetKind = "api_image"
	AssetVideo       AssetKind = "video"
	AssetGraphic     AssetKind = "graphic"
)

// ExecutionStatus is the client-visible lifecycle of a timeline run.
type ExecutionStatus string

const (
	ExecIdle      ExecutionStatus = "idle"
	ExecStarting  ExecutionStatus = "starting"
	ExecRunning   ExecutionStatus = "running"
	ExecStopping  ExecutionStatus = "stopping"
	ExecStopped   ExecutionStatus = "stopped"
	ExecError     ExecutionStatus = "error"
	ExecCompleted ExecutionStatus = "completed"
)

// IsTerminal returns true once an execution can no longer change state.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecStopped, ExecError, ExecCompleted:
		return true
	}
	return false
}

// ProcessState is the lifecycle of one supervised encoder process.
type ProcessState string

const (
	ProcStarting   ProcessState = "starting"
	ProcRunning    ProcessState = "running"
	ProcStopped    ProcessState = "stopped"
	ProcError      ProcessState = "error"
	ProcRestarting ProcessState = "restarting"
)

// IsLive reports whether the state counts toward the one-process-per-id
// invariant.
func (s ProcessState) IsLive() bool {
	switch s {
	case ProcStarting, ProcRunning, ProcRestarting:
		return true
	}
	return false
}

// RouterMode is the stream router's exclusive operating mode.
type RouterMode string

const (
	ModeIdle    RouterMode = "IDLE"
	ModePreview RouterMode = "PREVIEW"
	ModeLive    RouterMode = "LIVE"
)

// ReasonCode is a compact, typed failure/decision signal.
// Keep these stable: metrics + operator UX depend on them.
type ReasonCode string

const (
	RNone                 ReasonCode = "R_NONE"
	RConfigInvalid        ReasonCode = "R_CONFIG_INVALID"
	RCameraUnreachable    ReasonCode = "R_CAMERA_UNREACHABLE"
	RPresetUnreachable    ReasonCode = "R_PRESET_UNREACHABLE"
	REncoderTransient     ReasonCode = "R_ENCODER_TRANSIENT"
	REncoderFatal         ReasonCode = "R_ENCODER_FATAL"
	RDestinationUnhealthy ReasonCode = "R_DESTINATION_UNHEALTHY"
	RPreviewServerDown    ReasonCode = "R_PREVIEW_SERVER_DOWN"
	RAlreadyStopped       ReasonCode = "R_ALREADY_STOPPED"
	RClientStop           ReasonCode = "R_CLIENT_STOP"
	RCancelled            ReasonCode = "R_CANCELLED"
	RSpawnFailed          ReasonCode = "R_SPAWN_FAILED"
	RExitedNonzero        ReasonCode = "R_EXITED_NONZERO"
	RUnresponsive         ReasonCode = "R_UNRESPONSIVE"
	RRestartsExhausted    ReasonCode = "R_RESTART_BUDGET_EXHAUSTED"
)
