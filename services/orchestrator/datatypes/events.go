// Copyright (C) 2026 Makalah App (dev@makalah.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "encoding/json"

// =============================================================================
// Streaming Phases
// =============================================================================

// StreamingPhase identifies the orchestrator's current position in the
// phase state machine. Exactly one phase is current at any instant for a
// given request.
//
// Transitions are one-directional forward
// (thinking -> tool-execution/text-streaming -> idle) except for
// PhaseReconnecting and PhaseWaiting, which are recoverable detours back
// toward text-streaming or terminate the request.
type StreamingPhase string

const (
	PhaseThinking      StreamingPhase = "thinking"
	PhaseToolExecution StreamingPhase = "tool-execution"
	PhaseTextStreaming StreamingPhase = "text-streaming"
	PhaseReconnecting  StreamingPhase = "reconnecting"
	PhaseWaiting       StreamingPhase = "waiting"
	PhaseIdle          StreamingPhase = "idle"
)

// =============================================================================
// Stream Event Union
// =============================================================================

// EventType discriminates the stream event union.
type EventType string

const (
	EventProgressStatus    EventType = "progress-status"
	EventTextChunk         EventType = "text-chunk"
	EventToolLifecycle     EventType = "tool-lifecycle"
	EventWorkflowProgress  EventType = "workflow-progress"
	EventFinalMessage      EventType = "final-message"
	EventCompletionSummary EventType = "completion-summary"
	EventError             EventType = "error"
)

// ProgressStatusPayload is a transient phase/status update.
type ProgressStatusPayload struct {
	Phase   StreamingPhase `json:"phase"`
	Message string         `json:"message,omitempty"`
}

// TextChunkPayload is a transient slice of generated text. Chunk sizing is
// driven by the adaptive performance controller; the concatenation of all
// chunks equals the final message content.
type TextChunkPayload struct {
	Delta     string `json:"delta"`
	ChunkSize int    `json:"chunk_size"`
}

// ToolStatus is the lifecycle state of one tool invocation.
type ToolStatus string

const (
	ToolStatusStart    ToolStatus = "start"
	ToolStatusProgress ToolStatus = "progress"
	ToolStatusSuccess  ToolStatus = "success"
	ToolStatusError    ToolStatus = "error"
)

// ToolExecutionRecord is one entry in the append-only per-request tool log.
//
// One record chain exists per tool invocation: a start record, zero or more
// progress records, and exactly one terminal record (success xor error) —
// even when an invocation never completes, in which case an error record is
// synthesized.
type ToolExecutionRecord struct {
	Tool       string          `json:"tool"`
	CallID     string          `json:"call_id,omitempty"`
	Status     ToolStatus      `json:"status"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Progress   float64         `json:"progress,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
	Timestamp  int64           `json:"timestamp"`
}

// WorkflowProgressPayload reports guided-workflow position to the client.
type WorkflowProgressPayload struct {
	Type     string `json:"type"`
	Phase    string `json:"phase,omitempty"`
	Step     int    `json:"step"`
	MaxSteps int    `json:"max_steps,omitempty"`
}

// FinalMessagePayload is the single non-transient message event of a
// successful stream. This is what conversation history persists.
type FinalMessagePayload struct {
	MessageID string `json:"message_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
}

// CompletionSummaryPayload is the transient end-of-stream accounting event.
type CompletionSummaryPayload struct {
	SessionID             string  `json:"session_id,omitempty"`
	TokenCount            int     `json:"token_count"`
	ToolSteps             int     `json:"tool_steps"`
	DurationMs            int64   `json:"duration_ms"`
	ThroughputCharsPerSec float64 `json:"throughput_chars_per_sec"`
	Classification        string  `json:"classification"`
	NetworkCondition      string  `json:"network_condition"`
	StreamingMode         string  `json:"streaming_mode"`
}

// ErrorPayload is the in-band stream error event. Error is always a message
// understandable without internal stack traces; internal detail goes in
// Details, never in the primary Error string (SEC-005).
type ErrorPayload struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

// StreamEvent is the tagged union written to the outbound event stream.
//
// # Description
//
// Exactly one payload pointer is non-nil, matching Type. Each event is
// automatically assigned by the SSE writer:
//   - ID: UUID v4 for ordering and deduplication
//   - CreatedAt: Unix timestamp in milliseconds
//   - Hash: SHA-256 of event content for integrity
//   - PrevHash: hash of the previous event for chain verification
//
// Transient events are consumed for display only and are not persisted in
// conversation history; the final-message event is the one non-transient
// message event per successful stream.
type StreamEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	CreatedAt int64     `json:"created_at"`
	Transient bool      `json:"transient"`
	Hash      string    `json:"hash,omitempty"`
	PrevHash  string    `json:"prev_hash,omitempty"`

	Progress   *ProgressStatusPayload    `json:"progress,omitempty"`
	Chunk      *TextChunkPayload         `json:"chunk,omitempty"`
	Tool       *ToolExecutionRecord      `json:"tool,omitempty"`
	Workflow   *WorkflowProgressPayload  `json:"workflow,omitempty"`
	Final      *FinalMessagePayload      `json:"final,omitempty"`
	Completion *CompletionSummaryPayload `json:"completion,omitempty"`
	Err        *ErrorPayload             `json:"error,omitempty"`
}

// =============================================================================
// Performance Types
// =============================================================================

// NetworkCondition classifications produced by the performance controller.
const (
	NetworkFast     = "fast"
	NetworkModerate = "moderate"
	NetworkSlow     = "slow"
)

// Coarse end-of-stream performance classifications.
const (
	PerformanceExcellent         = "excellent"
	PerformanceGood              = "good"
	PerformanceNeedsOptimization = "needs-optimization"
)

// PerformanceSnapshot is the adaptive controller's current view of the
// connection. Recomputed continuously during text-streaming; not persisted.
type PerformanceSnapshot struct {
	ChunkLatencyMs        float64 `json:"chunk_latency_ms"`
	OptimalChunkSize      int     `json:"optimal_chunk_size"`
	OptimalBufferSize     int     `json:"optimal_buffer_size"`
	NetworkCondition      string  `json:"network_condition"`
	ThroughputCharsPerSec float64 `json:"throughput_chars_per_sec"`
}
