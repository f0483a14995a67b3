// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package supervisor

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vistter/vistterstream/internal/model"
)

// progressParser consumes the encoder's stderr line stream and extracts
// the running stats sample. FFmpeg emits two shapes we accept: the
// -progress key=value pipe ("fps=30.1", "bitrate=4521.3kbits/s",
// "drop_frames=0", "speed=1.01x") and the classic single-line stats
// ("frame= 900 fps= 30 ... bitrate=4500.1kbits/s speed=1x").
type progressParser struct {
	mu       sync.Mutex
	cur      model.EncoderStats
	lastBeat time.Time
	dirty    bool
}

func newProgressParser() *progressParser {
	return &progressParser{lastBeat: time.Now()}
}

// ParseLine ingests one stderr line. It returns true when the line
// carried progress information (a liveness heartbeat).
func (p *progressParser) ParseLine(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	if strings.Contains(line, "=") && !strings.HasPrefix(line, "frame=") {
		return p.parseKV(line)
	}
	if strings.HasPrefix(line, "frame=") {
		return p.parseStatsLine(line)
	}
	return false
}

func (p *progressParser) parseKV(line string) bool {
	idx := strings.Index(line, "=")
	key := strings.TrimSpace(line[:idx])
	val := strings.TrimSpace(line[idx+1:])

	p.mu.Lock()
	defer p.mu.Unlock()
	switch key {
	case "fps":
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			p.cur.FPS = f
			p.beatLocked()
			return true
		}
	case "bitrate":
		if kbps, ok := parseBitrate(val); ok {
			p.cur.BitrateKbps = kbps
			p.beatLocked()
			return true
		}
	case "drop_frames":
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			p.cur.DroppedFrames = n
			p.beatLocked()
			return true
		}
	case "speed":
		if f, ok := parseSpeed(val); ok {
			p.cur.Speed = f
			p.beatLocked()
			return true
		}
	case "out_time_ms", "total_size", "frame":
		// Progress without a stat we surface; still a heartbeat.
		p.beatLocked()
		return true
	case "progress":
		p.beatLocked()
		return true
	}
	return false
}

// parseStatsLine handles the classic "frame= 900 fps= 30 q=28.0 ..." form.
func (p *progressParser) parseStatsLine(line string) bool {
	fields := splitStatsFields(line)
	p.mu.Lock()
	defer p.mu.Unlock()
	got := false
	if v, ok := fields["fps"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			p.cur.FPS = f
			got = true
		}
	}
	if v, ok := fields["bitrate"]; ok {
		if kbps, ok := parseBitrate(v); ok {
			p.cur.BitrateKbps = kbps
			got = true
		}
	}
	if v, ok := fields["drop"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			p.cur.DroppedFrames = n
			got = true
		}
	}
	if v, ok := fields["speed"]; ok {
		if f, ok := parseSpeed(v); ok {
			p.cur.Speed = f
			got = true
		}
	}
	if got {
		p.beatLocked()
	}
	return got
}

// splitStatsFields tolerates ffmpeg's "key= value" spacing.
func splitStatsFields(line string) map[string]string {
	out := make(map[string]string)
	parts := strings.Fields(strings.ReplaceAll(line, "= ", "="))
	for _, part := range parts {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 || kv[1] == "" {
			continue
		}
		out[kv[0]] = kv[1]
	}
	return out
}

func parseBitrate(val string) (float64, bool) {
	val = strings.TrimSuffix(val, "kbits/s")
	f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func parseSpeed(val string) (float64, bool) {
	val = strings.TrimSuffix(strings.TrimSpace(val), "x")
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func (p *progressParser) beatLocked() {
	p.lastBeat = time.Now()
	p.dirty = true
}

// Snapshot returns the current sample and whether new data arrived since
// the previous snapshot.
func (p *progressParser) Snapshot() (model.EncoderStats, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.cur
	s.At = p.lastBeat
	fresh := p.dirty
	p.dirty = false
	return s, fresh
}

// Reset restamps the heartbeat for a fresh child. Without it a respawn
// after a long backoff inherits the previous child's last beat and is
// killed as unresponsive before it can print a line.
func (p *progressParser) Reset() {
	p.mu.Lock()
	p.lastBeat = time.Now()
	p.mu.Unlock()
}

// LastBeat returns the time of the most recent progress heartbeat.
func (p *progressParser) LastBeat() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastBeat
}
