// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package bus is the one-way, in-process event channel between the
// executor, router and watchdog. Delivery is best-effort and ordered per
// topic. encoder.stats is lossy: messages are dropped when a subscriber
// lags, every other topic blocks the publisher until the subscriber
// drains or the publish context expires.
package bus

import (
	"context"
	"time"

	"github.com/vistter/vistterstream/internal/model"
)

// Topic names. Keep these stable: subscribers match on exact topic.
type Topic string

const (
	TopicExecutionStarted   Topic = "execution.started"
	TopicExecutionStopped   Topic = "execution.stopped"
	TopicExecutionErrored   Topic = "execution.errored"
	TopicCueEntered         Topic = "cue.entered"
	TopicEncoderStats       Topic = "encoder.stats"
	TopicRelayHealthChanged Topic = "relay.health_changed"
	TopicWatchdogUnhealthy  Topic = "watchdog.unhealthy"
	TopicWatchdogRecovered  Topic = "watchdog.recovered"
)

// Lossy reports whether messages on the topic may be dropped on overflow.
func (t Topic) Lossy() bool { return t == TopicEncoderStats }

// Message is any event payload published on the bus.
type Message any

// Bus is the publish side plus subscription management.
type Bus interface {
	Publish(ctx context.Context, topic Topic, msg Message) error
	Subscribe(ctx context.Context, topic Topic) (Subscriber, error)
}

// Subscriber is a single ordered consumer of one topic.
type Subscriber interface {
	C() <-chan Message
	Close() error
}

// ExecutionEvent is published on execution.{started,stopped,errored}.
type ExecutionEvent struct {
	ExecutionID string
	TimelineID  int64
	Status      model.ExecutionStatus
	Reason      model.ReasonCode
	Detail      string
	At          time.Time
}

// CueEvent is published on cue.entered.
type CueEvent struct {
	ExecutionID string
	TimelineID  int64
	TrackID     int64
	CueID       int64
	CueIndex    int
	Action      string
	Reason      model.ReasonCode // R_NONE, or the cue-scoped failure kind
	At          time.Time
}

// StatsEvent is published on encoder.stats at >= 1 Hz per stream.
type StatsEvent struct {
	StreamID string
	Stats    model.EncoderStats
}

// RelayHealthEvent is published on relay.health_changed.
type RelayHealthEvent struct {
	CameraID int64
	Health   model.RelayHealth
	At       time.Time
}

// WatchdogEvent is published on watchdog.{unhealthy,recovered}.
type WatchdogEvent struct {
	DestinationID int64
	StreamID      string
	Consecutive   int
	Detail        string
	At            time.Time
}
