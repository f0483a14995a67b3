// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package state

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vistter/vistterstream/internal/model"
)

func TestPositionPublishGetClear(t *testing.T) {
	s := NewPositionStore()

	_, ok := s.Get(1)
	require.False(t, ok)

	s.Publish(model.PlaybackPosition{TimelineID: 1, CurrentTime: 12.5, CueIndex: map[int64]int{10: 2}})
	got, ok := s.Get(1)
	require.True(t, ok)
	require.Equal(t, 12.5, got.CurrentTime)
	require.Equal(t, 2, got.CueIndex[10])
	require.False(t, got.UpdatedAt.IsZero())

	s.Clear(1)
	_, ok = s.Get(1)
	require.False(t, ok)
}

func TestPositionGetReturnsCopy(t *testing.T) {
	s := NewPositionStore()
	s.Publish(model.PlaybackPosition{TimelineID: 7, CueIndex: map[int64]int{1: 0}})

	a, _ := s.Get(7)
	a.CueIndex[1] = 99

	b, _ := s.Get(7)
	require.Equal(t, 0, b.CueIndex[1])
}
