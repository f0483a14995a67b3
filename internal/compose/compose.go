// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package compose turns an execution plan into an encoder argv. The
// builder is pure: it reads the plan and produces arguments, no I/O.
package compose

import (
	"fmt"
	"strings"

	"github.com/vistter/vistterstream/internal/model"
)

// Overlay is one composited graphic, bottom-to-top order decided by
// (Layer, TrackID).
type Overlay struct {
	Path    string  // absolute asset path
	X       float64 // normalized [0,1], 0 = flush left
	Y       float64 // normalized [0,1], 0 = flush top
	Opacity float64 // [0,1]
	Width   int     // 0 = derive from aspect
	Height  int     // 0 = derive from aspect
	Layer   int
	TrackID int64
}

// Plan is the input to Build: what to show, how to encode it, where to
// publish it.
type Plan struct {
	// VideoURL is the local relay URL of the active camera. Empty
	// means the camera is unreachable and a black fill is composited
	// instead, keeping overlays on screen.
	VideoURL string
	Overlays []Overlay
	Profile  model.EncodingProfile
	// Encoder is the video codec name from the hardware probe,
	// e.g. "h264_v4l2m2m"; empty selects libx264.
	Encoder    string
	OutputURLs []string
}

// Build produces the encoder argv (binary excluded). The graph reads
// one video source, loops each overlay image, and always mixes a
// silent audio bed: several destinations cut sessions that go ~40s
// without audio.
func Build(p Plan) ([]string, error) {
	if len(p.OutputURLs) == 0 {
		return nil, fmt.Errorf("%w: plan has no output urls", model.ErrConfigInvalid)
	}
	if p.Profile.Width <= 0 || p.Profile.Height <= 0 || p.Profile.FPS <= 0 {
		return nil, fmt.Errorf("%w: plan profile %+v", model.ErrConfigInvalid, p.Profile)
	}
	for i, ov := range p.Overlays {
		if ov.Path == "" {
			return nil, fmt.Errorf("%w: overlay %d has no asset path", model.ErrConfigInvalid, i)
		}
		if ov.X < 0 || ov.X > 1 || ov.Y < 0 || ov.Y > 1 || ov.Opacity < 0 || ov.Opacity > 1 {
			return nil, fmt.Errorf("%w: overlay %d geometry out of range", model.ErrConfigInvalid, i)
		}
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-progress", "pipe:2",
	}

	// Input 0: active camera via its relay, or a black fill.
	if p.VideoURL != "" {
		args = append(args, "-i", p.VideoURL)
	} else {
		args = append(args,
			"-f", "lavfi",
			"-i", fmt.Sprintf("color=c=black:s=%dx%d:r=%d", p.Profile.Width, p.Profile.Height, p.Profile.FPS),
		)
	}
	// Inputs 1..n: overlay stills, looped for the cue's lifetime.
	for _, ov := range p.Overlays {
		args = append(args, "-loop", "1", "-i", ov.Path)
	}
	// Last input: the silent audio bed.
	audioIdx := 1 + len(p.Overlays)
	args = append(args, "-f", "lavfi", "-i", "anullsrc=channel_layout=stereo:sample_rate=44100")

	args = append(args, "-filter_complex", filterGraph(p))

	encoder := p.Encoder
	if encoder == "" {
		encoder = "libx264"
	}
	bitrate := fmt.Sprintf("%dk", p.Profile.BitrateKbps)
	args = append(args,
		"-map", "[vout]",
		"-map", fmt.Sprintf("%d:a", audioIdx),
		"-c:v", encoder,
		"-b:v", bitrate,
		"-maxrate", bitrate,
		"-bufsize", fmt.Sprintf("%dk", 2*p.Profile.BitrateKbps),
		"-pix_fmt", "yuv420p",
		"-g", fmt.Sprintf("%d", 2*p.Profile.FPS), // 2s keyframe interval, what RTMP ingests want
		"-c:a", "aac",
		"-b:a", "128k",
		"-ar", "44100",
	)

	// One logical output. Multiple destinations share a tee muxer with
	// onfail=ignore so a single destination dropping does not kill the
	// encoder.
	if len(p.OutputURLs) == 1 {
		args = append(args, "-f", "flv", p.OutputURLs[0])
	} else {
		sinks := make([]string, len(p.OutputURLs))
		for i, u := range p.OutputURLs {
			sinks[i] = "[f=flv:onfail=ignore]" + u
		}
		args = append(args,
			"-flags", "+global_header",
			"-f", "tee",
			strings.Join(sinks, "|"),
		)
	}
	return args, nil
}

// filterGraph builds the filter_complex string: scale the base video
// to the profile, then stack overlays bottom-to-top with per-overlay
// scaling and opacity.
func filterGraph(p Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[0:v]scale=%d:%d,fps=%d[base]", p.Profile.Width, p.Profile.Height, p.Profile.FPS)

	// Prepare each overlay: optional scale, alpha multiply.
	for i, ov := range p.Overlays {
		fmt.Fprintf(&b, ";[%d:v]", i+1)
		if s := scaleExpr(ov); s != "" {
			b.WriteString(s)
			b.WriteString(",")
		}
		fmt.Fprintf(&b, "format=rgba,colorchannelmixer=aa=%g[ov%d]", ov.Opacity, i)
	}

	// Chain overlays onto the base. Position is normalized against the
	// free space, so (1,1) sits flush bottom-right.
	prev := "base"
	for i := range p.Overlays {
		out := fmt.Sprintf("v%d", i)
		if i == len(p.Overlays)-1 {
			out = "vout"
		}
		fmt.Fprintf(&b, ";[%s][ov%d]overlay=x=round((main_w-overlay_w)*%g):y=round((main_h-overlay_h)*%g)[%s]",
			prev, i, p.Overlays[i].X, p.Overlays[i].Y, out)
		prev = out
	}
	if len(p.Overlays) == 0 {
		b.WriteString(";[base]null[vout]")
	}
	return b.String()
}

// scaleExpr applies the fixed-point scaling rule: both dimensions set
// stretches, one set preserves aspect, none leaves the source size.
func scaleExpr(ov Overlay) string {
	switch {
	case ov.Width > 0 && ov.Height > 0:
		return fmt.Sprintf("scale=%d:%d", ov.Width, ov.Height)
	case ov.Width > 0:
		return fmt.Sprintf("scale=%d:-1", ov.Width)
	case ov.Height > 0:
		return fmt.Sprintf("scale=-1:%d", ov.Height)
	default:
		return ""
	}
}
