// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ptz

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vistter/vistterstream/internal/model"
)

type fakeDevice struct {
	mu     sync.Mutex
	moves  []Position
	status Position
	delay  time.Duration
}

func (f *fakeDevice) ProfileToken(context.Context) (string, error) { return "profile_1", nil }

func (f *fakeDevice) AbsoluteMove(ctx context.Context, _ string, pos Position) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	f.moves = append(f.moves, pos)
	f.mu.Unlock()
	return nil
}

func (f *fakeDevice) GetStatus(context.Context, string) (Position, error) {
	return f.status, nil
}

func (f *fakeDevice) recorded() []Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Position(nil), f.moves...)
}

func ptzCamera(id int64) model.Camera {
	return model.Camera{
		ID:            id,
		Type:          model.CameraPTZ,
		ONVIFEndpoint: "http://10.0.0.4:8899/onvif/device_service",
	}
}

func TestMoveToPresetStationaryNoop(t *testing.T) {
	defer goleak.VerifyNone(t)
	dialed := false
	c := New(Config{Dial: func(model.Camera) (device, error) {
		dialed = true
		return &fakeDevice{}, nil
	}})
	defer c.Close()

	err := c.MoveToPreset(context.Background(), model.Camera{ID: 1, Type: model.CameraStationary}, model.Preset{})
	require.NoError(t, err)
	require.False(t, dialed)
}

func TestMoveToPresetDrivesDeviceAndSettles(t *testing.T) {
	defer goleak.VerifyNone(t)
	dev := &fakeDevice{}
	c := New(Config{
		SettleDelay: 30 * time.Millisecond,
		Dial:        func(model.Camera) (device, error) { return dev, nil },
	})
	defer c.Close()

	start := time.Now()
	err := c.MoveToPreset(context.Background(), ptzCamera(1), model.Preset{Pan: 0.5, Tilt: -0.25, Zoom: 0.1})
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	require.Equal(t, []Position{{Pan: 0.5, Tilt: -0.25, Zoom: 0.1}}, dev.recorded())
}

func TestGoToDrivesAbsoluteVector(t *testing.T) {
	defer goleak.VerifyNone(t)
	dev := &fakeDevice{}
	c := New(Config{
		SettleDelay: time.Millisecond,
		Dial:        func(model.Camera) (device, error) { return dev, nil },
	})
	defer c.Close()

	err := c.GoTo(context.Background(), ptzCamera(5), 0.3, -0.6, 0.9)
	require.NoError(t, err)
	require.Equal(t, []Position{{Pan: 0.3, Tilt: -0.6, Zoom: 0.9}}, dev.recorded())

	// the operator asked for motion; a stationary camera is an error
	err = c.GoTo(context.Background(), model.Camera{ID: 6, Type: model.CameraStationary}, 0, 0, 0)
	require.ErrorIs(t, err, model.ErrConfigInvalid)
}

func TestMoveCoalescingLatestWins(t *testing.T) {
	defer goleak.VerifyNone(t)
	dev := &fakeDevice{delay: 50 * time.Millisecond}
	c := New(Config{
		SettleDelay: time.Millisecond,
		Dial:        func(model.Camera) (device, error) { return dev, nil },
	})
	defer c.Close()

	cam := ptzCamera(2)
	ctx := context.Background()

	results := make(chan error, 3)
	var wg sync.WaitGroup
	first := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(first)
		results <- c.MoveToPreset(ctx, cam, model.Preset{Pan: 0.1})
	}()
	<-first
	time.Sleep(10 * time.Millisecond) // let the first move start executing

	// Two quick follow-ups: the middle one must be evicted.
	wg.Add(2)
	go func() {
		defer wg.Done()
		results <- c.MoveToPreset(ctx, cam, model.Preset{Pan: 0.2})
	}()
	time.Sleep(10 * time.Millisecond)
	go func() {
		defer wg.Done()
		results <- c.MoveToPreset(ctx, cam, model.Preset{Pan: 0.3})
	}()
	wg.Wait()
	close(results)

	superseded := 0
	for err := range results {
		if err == ErrSuperseded {
			superseded++
		} else {
			require.NoError(t, err)
		}
	}
	require.Equal(t, 1, superseded)

	moves := dev.recorded()
	require.Len(t, moves, 2)
	require.Equal(t, 0.1, moves[0].Pan)
	require.Equal(t, 0.3, moves[1].Pan)
}

func TestCapturePosition(t *testing.T) {
	defer goleak.VerifyNone(t)
	dev := &fakeDevice{status: Position{Pan: 0.7, Tilt: 0.2, Zoom: 0.9}}
	c := New(Config{Dial: func(model.Camera) (device, error) { return dev, nil }})
	defer c.Close()

	pos, err := c.CapturePosition(context.Background(), ptzCamera(3))
	require.NoError(t, err)
	require.Equal(t, Position{Pan: 0.7, Tilt: 0.2, Zoom: 0.9}, pos)

	_, err = c.CapturePosition(context.Background(), model.Camera{ID: 4, Type: model.CameraStationary})
	require.ErrorIs(t, err, model.ErrConfigInvalid)
}
