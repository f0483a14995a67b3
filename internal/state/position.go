// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package state holds the process-wide mutable registries shared between
// the executor, router and watchdog. The position store is the only
// cross-task mutable state: one writer per timeline, any number of
// readers, reads never block writes.
package state

import (
	"sync"
	"time"

	"github.com/vistter/vistterstream/internal/model"
)

// PositionStore publishes playback positions keyed by timeline id.
// Writers store immutable snapshots; readers receive copies.
type PositionStore struct {
	positions sync.Map // int64 -> *model.PlaybackPosition
}

func NewPositionStore() *PositionStore {
	return &PositionStore{}
}

// Publish stores a snapshot for the timeline. The caller must not mutate
// pos after publishing; the executor always builds a fresh value.
func (s *PositionStore) Publish(pos model.PlaybackPosition) {
	pos.UpdatedAt = time.Now()
	s.positions.Store(pos.TimelineID, &pos)
}

// Get returns the last published position for the timeline.
func (s *PositionStore) Get(timelineID int64) (model.PlaybackPosition, bool) {
	v, ok := s.positions.Load(timelineID)
	if !ok {
		return model.PlaybackPosition{}, false
	}
	p := v.(*model.PlaybackPosition)
	out := *p
	if p.CueIndex != nil {
		out.CueIndex = make(map[int64]int, len(p.CueIndex))
		for k, idx := range p.CueIndex {
			out.CueIndex[k] = idx
		}
	}
	return out, true
}

// Clear removes the timeline's position once its execution finishes.
func (s *PositionStore) Clear(timelineID int64) {
	s.positions.Delete(timelineID)
}
