// Copyright (C) 2026 Makalah App (dev@makalah.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package streaming implements the Streaming Orchestrator: the phase state
// machine, tool execution, adaptive chunk sizing, and fallback control.
package streaming

import (
	"sync"
	"time"

	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/datatypes"
)

// Monitor is the Adaptive Performance Controller interface.
//
// The orchestrator records per-chunk delivery observations and reads back
// snapshots to size subsequent chunks. Implementations must be safe for
// concurrent use.
type Monitor interface {
	// RecordChunk records one delivered chunk: its write latency and size.
	RecordChunk(latency time.Duration, chars int)

	// Snapshot returns the controller's current view of the connection.
	Snapshot() datatypes.PerformanceSnapshot
}

// Latency thresholds classifying the connection, and the chunk/buffer
// sizes each class maps to.
const (
	fastLatencyThreshold     = 50 * time.Millisecond
	moderateLatencyThreshold = 200 * time.Millisecond

	fastChunkSize     = 512
	moderateChunkSize = 256
	slowChunkSize     = 128

	fastBufferSize     = 8192
	moderateBufferSize = 4096
	slowBufferSize     = 2048
)

// perfWindowSize is how many chunk observations the rolling window keeps.
const perfWindowSize = 32

// RollingMonitor is the default Monitor: a fixed-size rolling window of
// chunk observations with median-latency classification.
//
// # Thread Safety
//
// Safe for concurrent use; a single mutex guards the window.
type RollingMonitor struct {
	mu        sync.Mutex
	latencies []time.Duration
	next      int
	filled    bool

	totalChars int
	start      time.Time

	// now is injectable for tests.
	now func() time.Time
}

// NewRollingMonitor creates a monitor with an empty window.
func NewRollingMonitor() *RollingMonitor {
	m := &RollingMonitor{
		latencies: make([]time.Duration, perfWindowSize),
		now:       time.Now,
	}
	m.start = m.now()
	return m
}

// RecordChunk implements Monitor.
func (m *RollingMonitor) RecordChunk(latency time.Duration, chars int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.latencies[m.next] = latency
	m.next = (m.next + 1) % perfWindowSize
	if m.next == 0 {
		m.filled = true
	}
	m.totalChars += chars
}

// Snapshot implements Monitor.
//
// With no observations yet the snapshot reports the moderate defaults so
// the first chunks are conservatively sized.
func (m *RollingMonitor) Snapshot() datatypes.PerformanceSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := m.next
	if m.filled {
		count = perfWindowSize
	}
	if count == 0 {
		return datatypes.PerformanceSnapshot{
			OptimalChunkSize:  moderateChunkSize,
			OptimalBufferSize: moderateBufferSize,
			NetworkCondition:  datatypes.NetworkModerate,
		}
	}

	var sum time.Duration
	for i := 0; i < count; i++ {
		sum += m.latencies[i]
	}
	avg := sum / time.Duration(count)

	snap := datatypes.PerformanceSnapshot{
		ChunkLatencyMs: float64(avg) / float64(time.Millisecond),
	}
	switch {
	case avg < fastLatencyThreshold:
		snap.NetworkCondition = datatypes.NetworkFast
		snap.OptimalChunkSize = fastChunkSize
		snap.OptimalBufferSize = fastBufferSize
	case avg < moderateLatencyThreshold:
		snap.NetworkCondition = datatypes.NetworkModerate
		snap.OptimalChunkSize = moderateChunkSize
		snap.OptimalBufferSize = moderateBufferSize
	default:
		snap.NetworkCondition = datatypes.NetworkSlow
		snap.OptimalChunkSize = slowChunkSize
		snap.OptimalBufferSize = slowBufferSize
	}

	if elapsed := m.now().Sub(m.start).Seconds(); elapsed > 0 {
		snap.ThroughputCharsPerSec = float64(m.totalChars) / elapsed
	}
	return snap
}

// Throughput thresholds for the end-of-stream classification.
const (
	excellentThroughput = 800.0
	goodThroughput      = 300.0
)

// ClassifyThroughput maps chars/sec to the coarse completion-summary
// performance classification.
func ClassifyThroughput(charsPerSec float64) string {
	switch {
	case charsPerSec >= excellentThroughput:
		return datatypes.PerformanceExcellent
	case charsPerSec >= goodThroughput:
		return datatypes.PerformanceGood
	default:
		return datatypes.PerformanceNeedsOptimization
	}
}

var _ Monitor = (*RollingMonitor)(nil)
