// Copyright (C) 2026 Makalah App (dev@makalah.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/datatypes"
	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/streaming"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes Server-Sent Events to an HTTP response.
//
// # Description
//
// SSEWriter abstracts SSE event serialization and writing, enabling
// testability and separation from HTTP response mechanics. Implementations
// handle the SSE wire format (event: type\ndata: json\n\n) internally.
//
// Each event is automatically assigned:
//   - ID: UUID v4 for ordering and deduplication
//   - CreatedAt: Unix timestamp in milliseconds
//   - Hash: SHA-256 hash of event content for integrity
//   - PrevHash: hash of the previous event for chain verification
//
// # Thread Safety
//
// Implementations must be safe for concurrent use by multiple goroutines:
// the orchestrator, the tool runner workers, and the keepalive goroutine
// all write to the same stream.
//
// # Assumptions
//
//   - Caller has set SSE headers via SetSSEHeaders before the first write
type SSEWriter interface {
	streaming.EventSink

	// WriteKeepAlive sends an SSE comment line (": ping") to keep the
	// connection alive through proxies and load balancers. Comments are
	// ignored by clients and do not participate in the hash chain.
	WriteKeepAlive() error
}

// =============================================================================
// Struct Definition
// =============================================================================

// sseWriter implements SSEWriter for HTTP SSE responses.
//
// # Description
//
// sseWriter wraps an http.ResponseWriter to emit SSE-formatted events:
//
//	event: {type}
//	data: {json}
//
// The writer maintains a hash chain for integrity verification: each
// event's Hash is SHA-256 of its content and PrevHash links to the
// previous event. Ordering holds even under concurrent emitters because
// the chain is updated under the same mutex that serializes writes.
//
// # Limitations
//
//   - Cannot be reused across requests
type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	mu       sync.Mutex
}

// NewSSEWriter creates an SSEWriter over the given ResponseWriter.
//
// Returns an error when the ResponseWriter does not support http.Flusher;
// SSE without flushing buffers indefinitely behind gin's writer.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}

	return &sseWriter{
		writer:  w,
		flusher: flusher,
	}, nil
}

// =============================================================================
// Methods
// =============================================================================

// Emit writes a single SSE event to the response.
//
// # Description
//
// Populates event metadata (ID, CreatedAt, Hash, PrevHash), serializes to
// JSON, and writes in SSE format. Flushes immediately after writing so
// chunks reach the client without buffering.
func (w *sseWriter) Emit(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event.ID = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = w.prevHash
	event.Hash = computeEventHash(event)
	w.prevHash = event.Hash

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// WriteKeepAlive sends a comment line to keep the connection alive.
func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// SSE comment format: colon followed by text, then double newline
	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// computeEventHash computes the SHA-256 hash of an event's content.
//
// The hash covers metadata and the type-specific payload (serialized to
// JSON for consistent hashing). Called before event.Hash is set.
func computeEventHash(event datatypes.StreamEvent) string {
	payload := ""
	if data, err := json.Marshal(eventPayload(event)); err == nil {
		payload = string(data)
	}

	hashInput := fmt.Sprintf("%s|%s|%d|%s|%s",
		event.ID,
		event.Type,
		event.CreatedAt,
		event.PrevHash,
		payload,
	)

	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

// eventPayload returns the single non-nil payload of the union, or nil.
func eventPayload(event datatypes.StreamEvent) any {
	switch event.Type {
	case datatypes.EventProgressStatus:
		return event.Progress
	case datatypes.EventTextChunk:
		return event.Chunk
	case datatypes.EventToolLifecycle:
		return event.Tool
	case datatypes.EventWorkflowProgress:
		return event.Workflow
	case datatypes.EventFinalMessage:
		return event.Final
	case datatypes.EventCompletionSummary:
		return event.Completion
	case datatypes.EventError:
		return event.Err
	}
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures HTTP response headers for SSE streaming.
//
// Sets Content-Type, disables caching and nginx buffering. Must be called
// before writing any response body.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ SSEWriter = (*sseWriter)(nil)
