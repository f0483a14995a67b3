// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, counter prometheus.Counter) float64 {
	t.Helper()
	metric := &dto.Metric{}
	require.NoError(t, counter.Write(metric))
	return metric.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, gauge prometheus.Gauge) float64 {
	t.Helper()
	metric := &dto.Metric{}
	require.NoError(t, gauge.Write(metric))
	return metric.GetGauge().GetValue()
}

func TestIncBusDropRecordsBothCounters(t *testing.T) {
	topic := "test.topic.drop"

	before := counterValue(t, BusDropsTotal.WithLabelValues(topic))
	IncBusDrop(topic)
	IncBusDrop(topic)

	require.Equal(t, before+2, counterValue(t, BusDropsTotal.WithLabelValues(topic)))
	require.Equal(t, float64(2), counterValue(t, BusDroppedTotal.WithLabelValues(topic, "full")))
}

func TestIncBusDropReasonLabelsSeparately(t *testing.T) {
	topic := "test.topic.reason"

	IncBusDropReason(topic, "timeout")
	IncBusDropReason(topic, "timeout")
	IncBusDropReason(topic, "canceled")

	require.Equal(t, float64(2), counterValue(t, BusDroppedTotal.WithLabelValues(topic, "timeout")))
	require.Equal(t, float64(1), counterValue(t, BusDroppedTotal.WithLabelValues(topic, "canceled")))
}

func TestActiveStreamsGauge(t *testing.T) {
	before := gaugeValue(t, ActiveStreams)
	ActiveStreams.Inc()
	ActiveStreams.Inc()
	ActiveStreams.Dec()
	require.Equal(t, before+1, gaugeValue(t, ActiveStreams))
}

func TestCollectorsAreRegistered(t *testing.T) {
	// promauto registers against the default registry; the /metrics
	// endpoint serves whatever Gather returns.
	RouterTransitions.WithLabelValues("IDLE", "PREVIEW").Inc()

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	for _, want := range []string{
		"vs_bus_drops_total",
		"vs_encoder_start_total",
		"vs_active_streams",
		"vs_router_transitions_total",
	} {
		require.True(t, names[want], "metric family %s not registered", want)
	}
}
