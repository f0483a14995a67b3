// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package metrics holds the appliance's Prometheus collectors. Counters
// are registered via promauto at package load; components increment them
// through the exported helpers or directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Bus
	BusDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vs_bus_drops_total",
		Help: "Total number of dropped bus messages by topic",
	}, []string{"topic"})
	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vs_bus_dropped_total",
		Help: "Total number of dropped bus messages by topic and reason",
	}, []string{"topic", "reason"})

	// Supervisor
	EncoderStartTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vs_encoder_start_total",
		Help: "Total number of encoder process starts",
	}, []string{"result"})
	EncoderExitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vs_encoder_exit_total",
		Help: "Total number of encoder process exits by reason",
	}, []string{"reason"})
	EncoderRestartTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vs_encoder_restart_total",
		Help: "Total number of encoder restarts by stream",
	}, []string{"stream_id"})
	OrphansReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vs_orphans_reaped_total",
		Help: "Total number of orphan encoder processes reaped at startup",
	})
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vs_active_streams",
		Help: "Number of encoder processes currently supervised",
	})

	// Relay
	RelayRestartTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vs_relay_restart_total",
		Help: "Total number of camera relay restarts",
	}, []string{"camera_id"})
	RelayHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vs_relay_healthy",
		Help: "Relay health by camera (1 healthy, 0 not)",
	}, []string{"camera_id"})

	// Executor
	CueTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vs_cue_transitions_total",
		Help: "Total number of cue boundary transitions",
	}, []string{"result"})
	ExecutionLoopsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vs_execution_loops_total",
		Help: "Total number of timeline loop boundaries crossed",
	})

	// Router
	RouterTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vs_router_transitions_total",
		Help: "Stream router mode transitions",
	}, []string{"from", "to"})

	// Watchdog
	WatchdogChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vs_watchdog_checks_total",
		Help: "Watchdog checks by destination and outcome",
	}, []string{"destination", "outcome"})
	WatchdogRecoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vs_watchdog_recoveries_total",
		Help: "Watchdog recoveries triggered per destination",
	}, []string{"destination"})

	// PTZ
	PTZMovesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vs_ptz_moves_total",
		Help: "PTZ move requests by camera and result",
	}, []string{"camera_id", "result"})
)

// IncBusDrop records a dropped bus message for the given topic.
func IncBusDrop(topic string) {
	IncBusDropReason(topic, "full")
}

// IncBusDropReason records a dropped bus message with a concrete reason.
func IncBusDropReason(topic, reason string) {
	BusDropsTotal.WithLabelValues(topic).Inc()
	BusDroppedTotal.WithLabelValues(topic, reason).Inc()
}
