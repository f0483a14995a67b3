// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

import "fmt"

// EncodingProfile is one recognized output profile. The set is closed;
// unknown resolution/fps pairs fall back to the nearest enumerated
// bitrate via ProfileFor.
type EncodingProfile struct {
	Name        string
	Width       int
	Height      int
	FPS         int
	BitrateKbps int
}

// The recognized profiles. Bitrates are defaults, overridable per
// timeline through configuration.
var (
	Profile1080p30 = EncodingProfile{Name: "res_1080p30", Width: 1920, Height: 1080, FPS: 30, BitrateKbps: 4500}
	Profile720p30  = EncodingProfile{Name: "res_720p30", Width: 1280, Height: 720, FPS: 30, BitrateKbps: 2500}
	Profile480p30  = EncodingProfile{Name: "res_480p30", Width: 854, Height: 480, FPS: 30, BitrateKbps: 1200}
	Profile1080p60 = EncodingProfile{Name: "res_1080p60", Width: 1920, Height: 1080, FPS: 60, BitrateKbps: 6000}
)

var profiles = []EncodingProfile{Profile1080p30, Profile720p30, Profile480p30, Profile1080p60}

// ProfileByName resolves an enumerated profile name.
func ProfileByName(name string) (EncodingProfile, error) {
	for _, p := range profiles {
		if p.Name == name {
			return p, nil
		}
	}
	return EncodingProfile{}, fmt.Errorf("%w: unknown encoding profile %q", ErrConfigInvalid, name)
}

// ProfileFor picks the enumerated profile matching the timeline's output
// dimensions, preferring an exact match and falling back to the closest
// height at the same fps class.
func ProfileFor(t *Timeline) EncodingProfile {
	for _, p := range profiles {
		if p.Width == t.Width && p.Height == t.Height && p.FPS == t.FPS {
			return p
		}
	}
	best := Profile1080p30
	bestDiff := -1
	for _, p := range profiles {
		if (t.FPS >= 50) != (p.FPS >= 50) {
			continue
		}
		diff := p.Height - t.Height
		if diff < 0 {
			diff = -diff
		}
		if bestDiff < 0 || diff < bestDiff {
			best, bestDiff = p, diff
		}
	}
	return best
}
