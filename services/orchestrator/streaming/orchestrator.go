// Copyright (C) 2026 Makalah App (dev@makalah.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package streaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/makalah-app/makalah-aisdk-sub000/services/llm"
	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/datatypes"
	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/observability"
)

// EventSink receives stream events in emission order.
//
// The SSE writer is the production implementation. Emit must be safe for
// concurrent use: the tool runner emits lifecycle records from worker
// goroutines while the orchestrator emits phase updates.
type EventSink interface {
	Emit(event datatypes.StreamEvent) error
}

// ClientResolver resolves a model handle to its backend client.
type ClientResolver func(handle datatypes.ModelHandle) (llm.LLMClient, error)

// RunInput is everything one streaming attempt needs.
type RunInput struct {
	Request   *datatypes.ChatRequest
	Messages  []datatypes.CanonicalMessage
	Selection datatypes.BackendSelection
}

// RunResult is the accounting of one completed streaming attempt.
type RunResult struct {
	Content        string
	TokenCount     int
	ToolSteps      int
	DurationMs     int64
	Classification string
	Snapshot       datatypes.PerformanceSnapshot
}

// maxRoundsUnbounded caps generation rounds when the selection carries no
// explicit tool-step ceiling. Purely a runaway guard.
const maxRoundsUnbounded = 25

// Orchestrator drives the streaming phase state machine for one request.
//
// # Description
//
// Phases advance thinking -> (tool-execution <-> text-streaming) -> idle.
// Tool rounds alternate with generation rounds until the backend completes
// naturally or the selection's tool-step ceiling is reached. Errors are
// classified (network, rate-limit, other); network errors surface as a
// reconnecting phase and rate limits as a waiting phase before the attempt
// fails over to the Fallback Controller.
//
// # Thread Safety
//
// Safe for concurrent use across requests; all per-request state lives in
// the run.
type Orchestrator struct {
	resolve ClientResolver
	runner  *ToolRunner
	tracer  trace.Tracer
	logger  *slog.Logger
}

// NewOrchestrator creates an orchestrator over the given collaborators.
func NewOrchestrator(resolve ClientResolver, runner *ToolRunner, tracer trace.Tracer, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{resolve: resolve, runner: runner, tracer: tracer, logger: logger}
}

// run is the mutable state of one streaming attempt.
type run struct {
	input      RunInput
	sink       EventSink
	perf       Monitor
	phase      datatypes.StreamingPhase
	content    strings.Builder
	buffer     strings.Builder
	tokens     int
	steps      int
	started    time.Time
	lastEmit   time.Time
	firstChunk bool
}

// Run executes one streaming attempt against the input's selection.
//
// # Outputs
//
//   - *RunResult: Accounting for a successful attempt; nil on error.
//   - error: Classified attempt failure. The caller (Fallback Controller)
//     decides whether a second attempt runs; this method never retries.
func (o *Orchestrator) Run(ctx context.Context, input RunInput, sink EventSink) (*RunResult, error) {
	ctx, span := o.tracer.Start(ctx, "streaming.run",
		trace.WithAttributes(
			attribute.String("selection.kind", string(input.Selection.Kind)),
			attribute.String("model.provider", input.Selection.Model.Provider),
			attribute.String("model.name", input.Selection.Model.Name),
		))
	defer span.End()

	client, err := o.resolve(input.Selection.Model)
	if err != nil {
		return nil, fmt.Errorf("resolving backend client: %w", err)
	}

	r := &run{
		input:   input,
		sink:    sink,
		perf:    NewRollingMonitor(),
		phase:   datatypes.PhaseThinking,
		started: time.Now(),
	}
	r.lastEmit = r.started
	r.emitPhase(datatypes.PhaseThinking, "")

	messages := make([]llm.ChatMessage, 0, len(input.Messages)+1)
	if input.Selection.SystemPrompt != "" {
		messages = append(messages, llm.ChatMessage{Role: "system", Content: input.Selection.SystemPrompt})
	}
	messages = append(messages, llm.FromCanonical(input.Messages)...)

	params := llm.GenerationParams{
		Temperature: &input.Selection.Temperature,
		Stop:        input.Selection.StopSequences,
		Tools:       input.Selection.Tools,
	}

	ceiling := input.Selection.MaxToolSteps
	maxRounds := ceiling
	if maxRounds <= 0 {
		maxRounds = maxRoundsUnbounded
	}

	for round := 0; round <= maxRounds; round++ {
		var pending []llm.ToolCall

		err := client.ChatStream(ctx, input.Selection.Model.Name, messages, params,
			func(ev llm.StreamEvent) error {
				switch ev.Type {
				case llm.StreamEventThinking:
					// Reasoning text is surfaced as transient status, never
					// as answer content.
					r.emitPhase(datatypes.PhaseThinking, ev.Content)
				case llm.StreamEventToken:
					return r.onToken(ev.Content)
				case llm.StreamEventToolCall:
					if ev.ToolCall != nil {
						pending = append(pending, *ev.ToolCall)
					}
				case llm.StreamEventDone:
					if ev.Usage != nil {
						r.tokens += ev.Usage.OutputTokens
					}
				}
				return nil
			})
		if err != nil {
			return nil, o.failAttempt(r, err)
		}

		if len(pending) == 0 {
			break
		}

		// Ceiling reached: stop tool-calling and force a final answer round.
		if ceiling > 0 && r.steps+len(pending) > ceiling {
			o.logger.Warn("tool-step ceiling reached, forcing completion",
				slog.String("request_id", input.Request.RequestID),
				slog.Int("steps", r.steps),
				slog.Int("ceiling", ceiling),
			)
			break
		}

		messages = o.runToolRound(ctx, r, messages, pending)
	}

	return o.finish(r), nil
}

// runToolRound executes one round of tool calls and returns the message
// list extended with the assistant call and each tool result.
func (o *Orchestrator) runToolRound(ctx context.Context, r *run, messages []llm.ChatMessage, pending []llm.ToolCall) []llm.ChatMessage {
	r.flushBuffer()
	r.emitPhase(datatypes.PhaseToolExecution, "")

	outcomes := o.runner.RunRound(ctx, pending, r.input.Selection.Tools, r.sink)
	r.steps += len(pending)

	messages = append(messages, llm.ChatMessage{Role: "assistant", ToolCalls: pending})
	for _, out := range outcomes {
		messages = append(messages, toolResultMessage(out))
	}

	if wf := r.input.Request.WorkflowState; wf != nil && wf.Type != "" {
		r.emit(datatypes.StreamEvent{
			Type:      datatypes.EventWorkflowProgress,
			Transient: true,
			Workflow: &datatypes.WorkflowProgressPayload{
				Type:     wf.Type,
				Phase:    wf.Phase,
				Step:     r.steps,
				MaxSteps: r.input.Selection.MaxToolSteps,
			},
		})
	}
	return messages
}

// finish flushes remaining text and emits the terminal event sequence:
// final-message, idle, completion-summary.
func (o *Orchestrator) finish(r *run) *RunResult {
	r.flushBuffer()

	content := r.content.String()
	r.emit(datatypes.StreamEvent{
		Type: datatypes.EventFinalMessage,
		Final: &datatypes.FinalMessagePayload{
			MessageID: uuid.New().String(),
			Role:      "assistant",
			Content:   content,
		},
	})

	snap := r.perf.Snapshot()
	duration := time.Since(r.started)
	throughput := snap.ThroughputCharsPerSec
	classification := ClassifyThroughput(throughput)

	// Idle precedes the summary: the completion-summary event closes the
	// stream.
	r.emitPhase(datatypes.PhaseIdle, "")
	r.emit(datatypes.StreamEvent{
		Type:      datatypes.EventCompletionSummary,
		Transient: true,
		Completion: &datatypes.CompletionSummaryPayload{
			SessionID:             r.input.Request.SessionID(),
			TokenCount:            r.tokens,
			ToolSteps:             r.steps,
			DurationMs:            duration.Milliseconds(),
			ThroughputCharsPerSec: throughput,
			Classification:        classification,
			NetworkCondition:      snap.NetworkCondition,
			StreamingMode:         r.mode(),
		},
	})

	return &RunResult{
		Content:        content,
		TokenCount:     r.tokens,
		ToolSteps:      r.steps,
		DurationMs:     duration.Milliseconds(),
		Classification: classification,
		Snapshot:       snap,
	}
}

// failAttempt classifies the backend error, surfaces the recoverable
// phases to the client, and returns the wrapped error for the Fallback
// Controller.
func (o *Orchestrator) failAttempt(r *run, err error) error {
	class := ClassifyError(err)
	switch class {
	case ErrorClassNetwork:
		r.emitPhase(datatypes.PhaseReconnecting, "connection to the model was interrupted")
	case ErrorClassRateLimit:
		r.emitPhase(datatypes.PhaseWaiting, "model is rate limited, retrying shortly")
	}

	o.logger.Error("streaming attempt failed",
		slog.String("request_id", r.input.Request.RequestID),
		slog.String("selection", string(r.input.Selection.Kind)),
		slog.String("class", string(class)),
		slog.String("error", err.Error()),
	)
	return &AttemptError{Class: class, Selection: r.input.Selection.Kind, Err: err}
}

// =============================================================================
// Run helpers
// =============================================================================

// onToken buffers generated text and flushes adaptively sized chunks.
func (r *run) onToken(text string) error {
	if text == "" {
		return nil
	}
	if r.phase != datatypes.PhaseTextStreaming {
		r.emitPhase(datatypes.PhaseTextStreaming, "")
	}
	r.content.WriteString(text)
	r.buffer.WriteString(text)

	if r.buffer.Len() >= r.perf.Snapshot().OptimalChunkSize {
		return r.flushBuffer()
	}
	return nil
}

// flushBuffer emits the buffered text as one chunk and records the write
// latency with the performance monitor.
func (r *run) flushBuffer() error {
	if r.buffer.Len() == 0 {
		return nil
	}
	delta := r.buffer.String()
	r.buffer.Reset()

	before := time.Now()
	err := r.emit(datatypes.StreamEvent{
		Type:      datatypes.EventTextChunk,
		Transient: true,
		Chunk:     &datatypes.TextChunkPayload{Delta: delta, ChunkSize: len(delta)},
	})
	r.perf.RecordChunk(time.Since(before)+before.Sub(r.lastEmit), len(delta))
	r.lastEmit = time.Now()

	if !r.firstChunk {
		r.firstChunk = true
		if m := observability.DefaultMetrics; m != nil {
			m.RecordTimeToFirstChunk(r.mode(), time.Since(r.started).Seconds())
		}
	}
	return err
}

// mode returns the streaming-mode label for this attempt.
func (r *run) mode() string {
	if r.input.Selection.Kind == datatypes.SelectionFallback {
		return datatypes.StreamingModeFallback
	}
	return datatypes.StreamingModeEnhanced
}

func (r *run) emitPhase(phase datatypes.StreamingPhase, message string) {
	r.phase = phase
	r.emit(datatypes.StreamEvent{
		Type:      datatypes.EventProgressStatus,
		Transient: true,
		Progress:  &datatypes.ProgressStatusPayload{Phase: phase, Message: message},
	})
}

func (r *run) emit(event datatypes.StreamEvent) error {
	return r.sink.Emit(event)
}

// =============================================================================
// Error Classification
// =============================================================================

// ErrorClass buckets attempt failures for phase signaling and fallback
// policy.
type ErrorClass string

const (
	ErrorClassNetwork   ErrorClass = "network"
	ErrorClassRateLimit ErrorClass = "rate-limit"
	ErrorClassOther     ErrorClass = "other"
)

// AttemptError is a classified streaming attempt failure.
type AttemptError struct {
	Class     ErrorClass
	Selection datatypes.SelectionKind
	Err       error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("%s attempt failed (%s): %v", e.Selection, e.Class, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }

// ClassifyError buckets a backend error.
//
// Network errors (timeouts, resets, refused connections) map to the
// reconnecting phase; rate-limit errors map to the waiting phase;
// everything else fails over directly.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassOther
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorClassNetwork
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "status code: 429"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "too many requests"):
		return ErrorClassRateLimit
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "unexpected eof"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "timeout"):
		return ErrorClassNetwork
	}
	return ErrorClassOther
}
