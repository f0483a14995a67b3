// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

import (
	"encoding/json"
	"fmt"
)

// CueAction is a closed, tagged variant. Dispatch over it must be
// exhaustive: show_camera | show_asset | wait | stream_control.
type CueAction interface {
	ActionType() string
}

// ShowCamera switches the active video source, optionally pre-positioning
// a PTZ camera.
type ShowCamera struct {
	CameraID int64  `json:"camera_id"`
	PresetID *int64 `json:"preset_id,omitempty"`
}

func (ShowCamera) ActionType() string { return "show_camera" }

// ShowAsset composites an overlay asset. Position coordinates are
// normalized in [0,1] against the timeline's output resolution.
type ShowAsset struct {
	AssetID   int64   `json:"asset_id"`
	PositionX float64 `json:"position_x"`
	PositionY float64 `json:"position_y"`
	Opacity   float64 `json:"opacity"`
	Width     int     `json:"width,omitempty"`
	Height    int     `json:"height,omitempty"`
}

func (ShowAsset) ActionType() string { return "show_asset" }

// Wait holds the current composition for the cue's duration.
type Wait struct{}

func (Wait) ActionType() string { return "wait" }

// StreamControl is a hook point for external broadcast-lifecycle
// integrations (e.g. platform transitions). The executor emits it on the
// bus; it never acts on a destination inline.
type StreamControl struct {
	Command string `json:"command"`
}

func (StreamControl) ActionType() string { return "stream_control" }

type actionEnvelope struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

// MarshalAction serializes an action to its stored wire form.
func MarshalAction(a CueAction) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("nil cue action")
	}
	params, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return json.Marshal(actionEnvelope{Type: a.ActionType(), Params: params})
}

// UnmarshalAction decodes a stored action. Unknown types are rejected so
// schema drift fails loudly instead of producing a half-configured cue.
func UnmarshalAction(data []byte) (CueAction, error) {
	var env actionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode cue action: %w", err)
	}
	switch env.Type {
	case "show_camera":
		var a ShowCamera
		if err := json.Unmarshal(env.Params, &a); err != nil {
			return nil, fmt.Errorf("decode show_camera params: %w", err)
		}
		return a, nil
	case "show_asset":
		var a ShowAsset
		if err := json.Unmarshal(env.Params, &a); err != nil {
			return nil, fmt.Errorf("decode show_asset params: %w", err)
		}
		return a, nil
	case "wait":
		return Wait{}, nil
	case "stream_control":
		var a StreamControl
		if err := json.Unmarshal(env.Params, &a); err != nil {
			return nil, fmt.Errorf("decode stream_control params: %w", err)
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown cue action type %q", env.Type)
	}
}
