// Copyright (C) 2026 Makalah App (dev@makalah.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the HTTP layer of the orchestrator: the
// streaming chat endpoint and the SSE writer it streams through.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/approval"
	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/datatypes"
	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/normalize"
	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/observability"
	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/selector"
	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/streaming"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// heartbeatInterval is the interval for sending keepalive pings.
	// Set to 15s to stay well under typical LB timeouts (60s for ALB/Nginx).
	heartbeatInterval = 15 * time.Second
)

// =============================================================================
// Interface Definition
// =============================================================================

// StreamingChatHandler defines the contract for the streaming chat endpoint.
//
// # Description
//
// StreamingChatHandler abstracts the chat endpoint, enabling different
// implementations and facilitating testing via mocks.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use by multiple goroutines.
// HTTP handlers are called concurrently by the Gin framework.
type StreamingChatHandler interface {
	// HandleChatStream processes POST /chat requests with SSE streaming.
	//
	// # Outputs
	//
	// SSE stream with events:
	//   - progress-status: Phase updates (thinking, tool-execution, ...)
	//   - text-chunk: Adaptively sized slices of generated text
	//   - tool-lifecycle: Tool invocation records
	//   - workflow-progress: Guided workflow position
	//   - final-message: The persisted assistant message
	//   - completion-summary: End-of-stream accounting
	//   - error: In-band failure (once streaming has started)
	//
	// HTTP status (before streaming starts):
	//   - 202 Accepted: Request parked for human approval
	//   - 400 Bad Request: Invalid body, validation or normalization failure
	//   - 403 Forbidden: Approval gate rejected the request
	//   - 500 Internal Server Error: Gate failure, selection failure, or
	//     both backends failed before any SSE bytes were flushed
	HandleChatStream(c *gin.Context)
}

// =============================================================================
// Struct Definition
// =============================================================================

// chatStreamHandler implements StreamingChatHandler for production use.
//
// # Description
//
// chatStreamHandler coordinates between the HTTP layer and the streaming
// pipeline: binding and validation, normalization, the approval gate,
// backend selection, SSE setup, and the fallback-controlled streaming run.
//
// # Thread Safety
//
// Thread-safe. All fields are read-only after construction; no shared
// mutable state between requests.
type chatStreamHandler struct {
	coordinator *approval.Coordinator
	selector    *selector.Selector
	fallback    *streaming.FallbackController
	tracer      trace.Tracer
}

// NewStreamingChatHandler creates a StreamingChatHandler with the provided
// dependencies. Panics on nil dependencies (programming errors).
func NewStreamingChatHandler(
	coordinator *approval.Coordinator,
	sel *selector.Selector,
	fallback *streaming.FallbackController,
) StreamingChatHandler {
	if coordinator == nil {
		panic("NewStreamingChatHandler: coordinator must not be nil")
	}
	if sel == nil {
		panic("NewStreamingChatHandler: selector must not be nil")
	}
	if fallback == nil {
		panic("NewStreamingChatHandler: fallback controller must not be nil")
	}

	return &chatStreamHandler{
		coordinator: coordinator,
		selector:    sel,
		fallback:    fallback,
		tracer:      otel.Tracer("makalah.orchestrator.handlers.chat_streaming"),
	}
}

// =============================================================================
// Handler Methods
// =============================================================================

// HandleChatStream processes POST /chat requests with SSE streaming.
//
// # Description
//
// The flow is:
//  1. Parse request body, apply defaults, validate
//  2. Normalize messages (parts/content resolution, sanitization)
//  3. Run the approval gate once (202 / 403 / continue)
//  4. Select the primary backend
//  5. Set informational and SSE headers, create the writer
//  6. Start the heartbeat goroutine
//  7. Stream via the fallback controller (at most two attempts)
//  8. Report terminal outcome (in-band error event after first flush)
//
// # Security References
//
//   - SEC-003: Message size limits enforced via validation
//   - SEC-005: Internal errors not exposed to client
func (h *chatStreamHandler) HandleChatStream(c *gin.Context) {
	startTime := time.Now()

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChatStream")
	defer span.End()

	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted()
		defer m.StreamEnded()
	}

	// Step 1: Parse request body
	var req datatypes.ChatRequest
	if err := c.BindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		slog.Error("Failed to parse chat request", "error", err)
		recordError(observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	req.EnsureDefaults()
	span.SetAttributes(
		attribute.String("request.id", req.RequestID),
		attribute.Int("request.message_count", len(req.Messages)),
		attribute.String("request.chat_mode", req.ChatMode),
	)

	// Step 2: Validate request
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		slog.Error("Chat request validation failed",
			"error", err,
			"requestId", req.RequestID,
		)
		recordError(observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: validation failed"})
		return
	}

	// Step 3: Normalize messages
	msgs, err := normalize.Normalize(&req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "normalization failed")
		slog.Error("Chat request normalization failed",
			"error", err,
			"requestId", req.RequestID,
		)
		recordError(observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: empty or malformed message"})
		return
	}

	// Step 4: Approval gate (exactly once per request, fail closed)
	decision, err := h.coordinator.Decide(ctx, &req, msgs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "approval gate failed")
		recordError(observability.ErrorCodeInternal)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "request could not be evaluated"})
		return
	}
	switch decision.Action {
	case datatypes.ApprovalReject:
		span.SetStatus(codes.Error, "approval gate rejected")
		recordError(observability.ErrorCodeGateRejected)
		recordRequest("rejected")
		c.JSON(http.StatusForbidden, gin.H{
			"error":           "request rejected by content policy",
			"triggered_rules": decision.TriggeredRules,
		})
		return
	case datatypes.ApprovalNeedsApproval:
		span.SetAttributes(attribute.String("approval.id", decision.ApprovalID))
		recordRequest("needs_approval")
		c.JSON(http.StatusAccepted, gin.H{
			"approval_required": true,
			"status":            "pending_approval",
			"approval_id":       decision.ApprovalID,
			"triggered_rules":   decision.TriggeredRules,
			"message":           "This request is awaiting human review before the assistant can continue.",
		})
		return
	}

	// Step 5: Select the primary backend
	selection, err := h.selector.Select(ctx, &req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "backend selection failed")
		slog.Error("Backend selection failed",
			"error", err,
			"requestId", req.RequestID,
		)
		recordError(observability.ErrorCodeInternal)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "no backend available"})
		return
	}
	span.SetAttributes(
		attribute.String("selection.model", selection.Model.Name),
		attribute.String("selection.provider", selection.Model.Provider),
	)

	// Step 6: Informational headers, then SSE headers and writer.
	// Sizing headers reflect the controller's initial view; the stream
	// adapts afterwards without renegotiating headers.
	setStreamInfoHeaders(c, selection)
	SetSSEHeaders(c.Writer)
	sseWriter, err := NewSSEWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "SSE setup failed")
		slog.Error("Failed to create SSE writer",
			"error", err,
			"requestId", req.RequestID,
		)
		recordError(observability.ErrorCodeInternal)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	// Step 7: Heartbeat goroutine to prevent connection timeouts
	heartbeatDone := make(chan struct{})
	go runHeartbeat(ctx, sseWriter, heartbeatDone)

	// Step 8: Stream with automatic failover
	result, streamErr := h.fallback.Run(ctx, streaming.RunInput{
		Request:   &req,
		Messages:  msgs,
		Selection: selection,
	}, sseWriter)

	close(heartbeatDone)

	if streamErr != nil {
		h.reportStreamFailure(span, sseWriter, &req, streamErr, startTime)
		return
	}

	// Success accounting
	span.SetAttributes(
		attribute.Int("stream.token_count", result.TokenCount),
		attribute.Int("stream.tool_steps", result.ToolSteps),
		attribute.String("stream.classification", result.Classification),
	)
	if m := observability.DefaultMetrics; m != nil {
		mode := datatypes.StreamingModeEnhanced
		if selection.Kind == datatypes.SelectionFallback {
			mode = datatypes.StreamingModeFallback
		}
		m.RecordRequest("success")
		m.RecordTokens(0, result.TokenCount, selection.Model.Name)
		m.RecordStreamDuration(mode, time.Since(startTime).Seconds(), true)
	}
	slog.Info("Chat stream completed",
		"requestId", req.RequestID,
		"tokenCount", result.TokenCount,
		"toolSteps", result.ToolSteps,
		"durationMs", result.DurationMs,
		"classification", result.Classification,
	)
}

// reportStreamFailure emits the terminal error for a failed stream.
//
// SSE bytes have already been flushed by this point, so the failure is
// delivered in-band as an error event rather than an HTTP status. Internal
// error text stays out of the primary message (SEC-005); the details map
// carries only coarse per-attempt classifications.
func (h *chatStreamHandler) reportStreamFailure(span trace.Span, w SSEWriter, req *datatypes.ChatRequest, streamErr error, startTime time.Time) {
	span.RecordError(streamErr)
	span.SetStatus(codes.Error, "streaming failed")

	if errors.Is(streamErr, context.Canceled) {
		recordError(observability.ErrorCodeClientDisconnect)
		slog.Info("Client disconnected during stream", "requestId", req.RequestID)
		return
	}

	details := map[string]string{}
	var combined *streaming.CombinedError
	if errors.As(streamErr, &combined) {
		details["primary_error"] = string(streaming.ClassifyError(combined.Primary))
		details["fallback_error"] = string(streaming.ClassifyError(combined.Fallback))
	}

	switch streaming.ClassifyError(streamErr) {
	case streaming.ErrorClassNetwork:
		recordError(observability.ErrorCodeNetwork)
	case streaming.ErrorClassRateLimit:
		recordError(observability.ErrorCodeRateLimit)
	default:
		recordError(observability.ErrorCodeBackend)
	}
	recordRequest("error")
	if m := observability.DefaultMetrics; m != nil {
		m.RecordStreamDuration(datatypes.StreamingModeFallback, time.Since(startTime).Seconds(), false)
	}

	slog.Error("Chat stream failed",
		"error", streamErr,
		"requestId", req.RequestID,
	)

	writeErr := w.Emit(datatypes.StreamEvent{
		Type: datatypes.EventError,
		Err: &datatypes.ErrorPayload{
			Error:   "The assistant is temporarily unavailable. Please try again.",
			Details: details,
		},
	})
	if writeErr != nil {
		slog.Debug("Failed to write error event", "error", writeErr, "requestId", req.RequestID)
	}
}

// =============================================================================
// Helpers
// =============================================================================

// setStreamInfoHeaders sets the informational X- headers describing the
// stream's initial adaptive parameters.
func setStreamInfoHeaders(c *gin.Context, selection datatypes.BackendSelection) {
	snap := streaming.NewRollingMonitor().Snapshot()
	mode := datatypes.StreamingModeEnhanced
	if selection.Kind == datatypes.SelectionFallback {
		mode = datatypes.StreamingModeFallback
	}

	c.Header("X-Buffer-Size", strconv.Itoa(snap.OptimalBufferSize))
	c.Header("X-Chunk-Size", strconv.Itoa(snap.OptimalChunkSize))
	c.Header("X-Network-Condition", snap.NetworkCondition)
	c.Header("X-Streaming-Mode", mode)
}

// runHeartbeat sends keepalive pings until the stream finishes or the
// request context dies. Write failures stop the loop: the client is gone
// and the orchestrator will notice via its own writes.
func runHeartbeat(ctx context.Context, w SSEWriter, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.WriteKeepAlive(); err != nil {
				return
			}
			if m := observability.DefaultMetrics; m != nil {
				m.RecordKeepAlive()
			}
		}
	}
}

func recordError(code observability.ErrorCode) {
	if m := observability.DefaultMetrics; m != nil {
		m.RecordError(code)
	}
}

func recordRequest(status string) {
	if m := observability.DefaultMetrics; m != nil {
		m.RecordRequest(status)
	}
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ StreamingChatHandler = (*chatStreamHandler)(nil)
