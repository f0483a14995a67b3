// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package supervisor

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/vistter/vistterstream/internal/log"
)

// SoftwareEncoder is the always-available fallback.
const SoftwareEncoder = "libx264"

const probeTimeout = 3 * time.Second

// HWProbe runs the hardware encoder detection exactly once per daemon
// lifetime. Each candidate gets a short dry-run encode; the first one
// that completes wins. Fail-closed: anything other than a clean exit
// selects software encoding.
type HWProbe struct {
	BinPath string

	once   sync.Once
	result string
}

// Encoder returns the probed encoder name, running the probe on first use.
func (h *HWProbe) Encoder(ctx context.Context) string {
	h.once.Do(func() {
		h.result = h.probe(ctx)
	})
	return h.result
}

func (h *HWProbe) probe(ctx context.Context) string {
	logger := log.WithComponent("hwprobe")
	bin := h.BinPath
	if bin == "" {
		bin = "ffmpeg"
	}
	for _, enc := range candidateEncoders() {
		if ok := dryRun(ctx, bin, enc); ok {
			logger.Info().Str(log.FieldEncoder, enc).Msg("hardware encoder verified")
			return enc
		}
		logger.Debug().Str(log.FieldEncoder, enc).Msg("hardware encoder rejected")
	}
	logger.Info().Str(log.FieldEncoder, SoftwareEncoder).Msg("no hardware encoder available, using software")
	return SoftwareEncoder
}

// candidateEncoders lists platform-plausible hardware encoders in
// preference order.
func candidateEncoders() []string {
	switch {
	case runtime.GOOS == "linux" && (runtime.GOARCH == "arm" || runtime.GOARCH == "arm64"):
		// Raspberry Pi class appliance
		return []string{"h264_v4l2m2m"}
	case runtime.GOOS == "linux":
		out := []string{"h264_nvenc", "h264_qsv"}
		if _, err := os.Stat("/dev/dri/renderD128"); err == nil {
			out = append(out, "h264_vaapi")
		}
		return out
	case runtime.GOOS == "darwin":
		return []string{"h264_videotoolbox"}
	default:
		return nil
	}
}

// dryRun encodes one second of synthetic video through the candidate.
func dryRun(ctx context.Context, bin, encoder string) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	args := []string{
		"-hide_banner", "-nostdin", "-loglevel", "error",
		"-f", "lavfi", "-i", "testsrc=duration=1:size=640x360:rate=30",
		"-c:v", encoder,
		"-frames:v", "30",
		"-f", "null", "-",
	}
	cmd := exec.CommandContext(ctx, bin, args...) // #nosec G204 -- fixed candidate list
	return cmd.Run() == nil
}
