// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ============================================================================
// METRICS
// ============================================================================

// Metrics holds the server's prometheus collectors. Each Server registers
// its own set so several can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	streams         *prometheus.CounterVec
	activeStreams   prometheus.Gauge
	chunks          *prometheus.CounterVec
	completions     *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		streams: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fern_streams_total",
			Help: "Streamed chat turns by provider and outcome (ok, error, disconnected)",
		}, []string{"provider", "outcome"}),
		activeStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fern_streams_active",
			Help: "Websocket chat streams currently open",
		}),
		chunks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fern_stream_chunks_total",
			Help: "Text frames forwarded to websocket clients",
		}, []string{"provider"}),
		completions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fern_fallback_completions_total",
			Help: "Non-streaming chat calls by provider and outcome",
		}, []string{"provider", "outcome"}),
		providerLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fern_provider_first_chunk_seconds",
			Help:    "Time from request to first chunk (streams) or full reply (completions)",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"provider", "mode"}),
	}
}

// Handler serves the collectors in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gather exposes the registry for tests.
func (m *Metrics) Gather() prometheus.Gatherer {
	return m.registry
}
