// Copyright (C) 2026 Makalah App (dev@makalah.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides metrics and instrumentation for the
// orchestrator.
//
// # Description
//
// This package implements Prometheus metrics for monitoring streaming chat
// operations. Metrics include:
//   - Request counters (by status and deny reason)
//   - Token usage (input/output tokens by model)
//   - Latency histograms (time to first token, total duration)
//   - Tool execution and fallback counters
//   - Active stream gauges
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "makalah"

// Subsystem for streaming metrics
const streamingSubsystem = "streaming"

// StreamingMetrics holds all Prometheus metrics for streaming chat
// operations.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring streaming
// performance and resource usage. Initialize once at startup via
// InitMetrics().
//
// # Thread Safety
//
// All operations are thread-safe.
type StreamingMetrics struct {
	// RequestsTotal counts streaming requests by status.
	// Labels: status (success, error, rejected, needs_approval, rate_limited)
	RequestsTotal *prometheus.CounterVec

	// TokensTotal counts tokens processed by direction and model.
	// Labels: direction (input, output), model
	TokensTotal *prometheus.CounterVec

	// TimeToFirstChunkSeconds measures latency to the first text chunk.
	// Labels: mode (enhanced, fallback)
	TimeToFirstChunkSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures total stream duration.
	// Labels: mode (enhanced, fallback), status (success, error)
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently active streaming connections.
	ActiveStreams prometheus.Gauge

	// ErrorsTotal counts errors by category.
	// Labels: error_code (validation, gate_rejected, network, rate_limit,
	// backend, internal, client_disconnect)
	ErrorsTotal *prometheus.CounterVec

	// ToolExecutionsTotal counts tool invocations by tool and outcome.
	// Labels: tool, status (success, error)
	ToolExecutionsTotal *prometheus.CounterVec

	// FallbacksTotal counts fallback attempts after a primary failure.
	FallbacksTotal prometheus.Counter

	// KeepAlivesTotal counts keepalive pings sent.
	KeepAlivesTotal prometheus.Counter

	// RateLimitDeniesTotal counts admission denials.
	// Labels: reason (rate_limit_exceeded, temporarily_banned, origin)
	RateLimitDeniesTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of StreamingMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *StreamingMetrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics. Should be called once at
// application startup.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *StreamingMetrics {
	DefaultMetrics = &StreamingMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "requests_total",
				Help:      "Total number of chat requests by terminal status",
			},
			[]string{"status"},
		),

		TokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "tokens_total",
				Help:      "Total tokens processed by direction and model",
			},
			[]string{"direction", "model"},
		),

		TimeToFirstChunkSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "time_to_first_chunk_seconds",
				Help:      "Time from request to first text chunk in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"mode"},
		),

		StreamDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"mode", "status"},
		),

		ActiveStreams: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently active streaming connections",
			},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "errors_total",
				Help:      "Total errors by category",
			},
			[]string{"error_code"},
		),

		ToolExecutionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "tool_executions_total",
				Help:      "Total tool invocations by tool and outcome",
			},
			[]string{"tool", "status"},
		),

		FallbacksTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "fallbacks_total",
				Help:      "Total fallback attempts after a primary backend failure",
			},
		),

		KeepAlivesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive pings sent",
			},
		),

		RateLimitDeniesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "admission_denies_total",
				Help:      "Total admission denials by reason",
			},
			[]string{"reason"},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	// ErrorCodeValidation indicates request validation failure.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeGateRejected indicates the approval gate rejected the request.
	ErrorCodeGateRejected ErrorCode = "gate_rejected"

	// ErrorCodeNetwork indicates a backend network failure.
	ErrorCodeNetwork ErrorCode = "network"

	// ErrorCodeRateLimit indicates the backend rate limited us.
	ErrorCodeRateLimit ErrorCode = "rate_limit"

	// ErrorCodeBackend indicates a non-network backend failure.
	ErrorCodeBackend ErrorCode = "backend"

	// ErrorCodeInternal indicates an internal server error.
	ErrorCodeInternal ErrorCode = "internal"

	// ErrorCodeClientDisconnect indicates the client disconnected.
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records one terminal request outcome.
func (m *StreamingMetrics) RecordRequest(status string) {
	m.RequestsTotal.WithLabelValues(status).Inc()
}

// RecordError records a categorized error.
func (m *StreamingMetrics) RecordError(code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(code)).Inc()
}

// RecordTokens records token usage for one stream.
func (m *StreamingMetrics) RecordTokens(inputTokens, outputTokens int, model string) {
	m.TokensTotal.WithLabelValues("input", model).Add(float64(inputTokens))
	m.TokensTotal.WithLabelValues("output", model).Add(float64(outputTokens))
}

// StreamStarted increments the active streams gauge.
func (m *StreamingMetrics) StreamStarted() {
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *StreamingMetrics) StreamEnded() {
	m.ActiveStreams.Dec()
}

// RecordTimeToFirstChunk records the first-chunk latency for one stream.
func (m *StreamingMetrics) RecordTimeToFirstChunk(mode string, seconds float64) {
	m.TimeToFirstChunkSeconds.WithLabelValues(mode).Observe(seconds)
}

// RecordStreamDuration records the total stream duration.
func (m *StreamingMetrics) RecordStreamDuration(mode string, seconds float64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.StreamDurationSeconds.WithLabelValues(mode, status).Observe(seconds)
}

// RecordToolExecution records one terminal tool outcome.
func (m *StreamingMetrics) RecordToolExecution(tool string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.ToolExecutionsTotal.WithLabelValues(tool, status).Inc()
}

// RecordFallback records one fallback attempt.
func (m *StreamingMetrics) RecordFallback() {
	m.FallbacksTotal.Inc()
}

// RecordKeepAlive increments the keepalive counter.
func (m *StreamingMetrics) RecordKeepAlive() {
	m.KeepAlivesTotal.Inc()
}

// RecordAdmissionDeny records one admission denial.
func (m *StreamingMetrics) RecordAdmissionDeny(reason string) {
	m.RateLimitDeniesTotal.WithLabelValues(reason).Inc()
}
