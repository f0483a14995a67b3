// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

import (
	"errors"
	"fmt"
	"sort"
)

// ErrConfigInvalid wraps all timeline schema violations. Callers map it
// to the config_invalid disposition: reject the operation.
var ErrConfigInvalid = errors.New("config invalid")

// Validate checks the structural invariants a timeline must satisfy
// before execution: positive duration, per-track cue ordering,
// non-overlap, bounds, exactly one enabled video track, and normalized
// overlay geometry.
func (t *Timeline) Validate() error {
	if t.Duration <= 0 {
		return fmt.Errorf("%w: timeline %q has duration %v", ErrConfigInvalid, t.Name, t.Duration)
	}
	if t.FPS <= 0 || t.Width <= 0 || t.Height <= 0 {
		return fmt.Errorf("%w: timeline %q has invalid output profile %dx%d@%d", ErrConfigInvalid, t.Name, t.Width, t.Height, t.FPS)
	}

	videoTracks := 0
	for i := range t.Tracks {
		tr := &t.Tracks[i]
		if tr.Kind == TrackVideo && tr.Enabled {
			videoTracks++
		}
		if err := tr.validateCues(t.Duration); err != nil {
			return err
		}
	}
	if videoTracks != 1 {
		return fmt.Errorf("%w: timeline %q has %d enabled video tracks, want exactly 1", ErrConfigInvalid, t.Name, videoTracks)
	}
	return nil
}

func (tr *Track) validateCues(timelineDuration float64) error {
	cues := make([]Cue, len(tr.Cues))
	copy(cues, tr.Cues)
	sort.Slice(cues, func(i, j int) bool { return cues[i].Start < cues[j].Start })

	var prevEnd float64
	for i, c := range cues {
		if c.Start < 0 {
			return fmt.Errorf("%w: track %d cue %d starts at %v", ErrConfigInvalid, tr.ID, c.ID, c.Start)
		}
		if c.Duration <= 0 {
			return fmt.Errorf("%w: track %d cue %d has duration %v", ErrConfigInvalid, tr.ID, c.ID, c.Duration)
		}
		if c.End() > timelineDuration {
			return fmt.Errorf("%w: track %d cue %d ends at %v beyond timeline duration %v", ErrConfigInvalid, tr.ID, c.ID, c.End(), timelineDuration)
		}
		if i > 0 && c.Start < prevEnd {
			return fmt.Errorf("%w: track %d cue %d overlaps preceding cue", ErrConfigInvalid, tr.ID, c.ID)
		}
		prevEnd = c.End()

		if c.Action == nil {
			return fmt.Errorf("%w: track %d cue %d has no action", ErrConfigInvalid, tr.ID, c.ID)
		}
		switch a := c.Action.(type) {
		case ShowCamera:
			if tr.Kind != TrackVideo {
				return fmt.Errorf("%w: show_camera cue %d on non-video track %d", ErrConfigInvalid, c.ID, tr.ID)
			}
		case ShowAsset:
			if tr.Kind != TrackOverlay {
				return fmt.Errorf("%w: show_asset cue %d on non-overlay track %d", ErrConfigInvalid, c.ID, tr.ID)
			}
			if a.PositionX < 0 || a.PositionX > 1 || a.PositionY < 0 || a.PositionY > 1 {
				return fmt.Errorf("%w: cue %d overlay position (%v,%v) outside [0,1]", ErrConfigInvalid, c.ID, a.PositionX, a.PositionY)
			}
			if a.Opacity < 0 || a.Opacity > 1 {
				return fmt.Errorf("%w: cue %d overlay opacity %v outside [0,1]", ErrConfigInvalid, c.ID, a.Opacity)
			}
		case Wait, StreamControl:
			// No structural parameters to check.
		}
	}
	return nil
}

// VideoTrack returns the single enabled video track, or nil.
func (t *Timeline) VideoTrack() *Track {
	for i := range t.Tracks {
		if t.Tracks[i].Kind == TrackVideo && t.Tracks[i].Enabled {
			return &t.Tracks[i]
		}
	}
	return nil
}

// OverlayTracks returns enabled overlay tracks ordered by layer
// (bottom first), ties broken by track id for deterministic composition.
func (t *Timeline) OverlayTracks() []*Track {
	var out []*Track
	for i := range t.Tracks {
		if t.Tracks[i].Kind == TrackOverlay && t.Tracks[i].Enabled {
			out = append(out, &t.Tracks[i])
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Layer != out[j].Layer {
			return out[i].Layer < out[j].Layer
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ActiveCue returns the index of the cue bracketing clock t, or -1.
func (tr *Track) ActiveCue(clock float64) int {
	for i, c := range tr.Cues {
		if clock >= c.Start && clock < c.End() {
			return i
		}
	}
	return -1
}
