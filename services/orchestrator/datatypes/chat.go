// Copyright (C) 2026 Makalah App (dev@makalah.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the orchestrator service.
//
// This file contains the inbound chat request types and their validation.
// For stream event types see events.go, for backend selection see
// selection.go, for approval types see approval.go.
package datatypes

import (
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message content.
	// Per SEC-003: Unbounded message input mitigation.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxMessagesPerRequest is the maximum number of messages in a request.
	// Per SEC-004: Unbounded message history mitigation.
	MaxMessagesPerRequest = 100
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()

	// Register custom validator for message content size (SEC-003)
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes validates that a string field does not exceed
// MaxMessageContentBytes. Checks byte length (not rune count) to prevent
// memory exhaustion with large payloads.
func validateMaxBytes(fl validator.FieldLevel) bool {
	content := fl.Field().String()
	return len(content) <= MaxMessageContentBytes
}

// =============================================================================
// Inbound Message Types
// =============================================================================

// MessagePart is one element of a structured message body.
//
// # Description
//
// Clients may send messages either as a flat "content" string (legacy) or as
// an ordered sequence of typed parts. Text parts carry display text; tool
// parts carry a tool call id with its arguments or result.
//
// # Fields
//
//   - Type: Part discriminant ("text", "tool-call", "tool-result").
//   - Text: Display text. Only set when Type == "text".
//   - ToolCallID: Correlates tool-call and tool-result parts.
//   - Args: Tool call arguments (raw JSON).
//   - Result: Tool result payload (raw JSON).
type MessagePart struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// InboundMessage is one message of the client's conversation turn.
//
// # Description
//
// Produced once per client turn and immutable after normalization. Textual
// content resolves from Parts when present, otherwise from the legacy flat
// Content string. Content is limited to 32KB (SEC-003).
type InboundMessage struct {
	ID      string        `json:"id,omitempty"`
	Role    string        `json:"role" validate:"required,oneof=user assistant system tool"`
	Parts   []MessagePart `json:"parts,omitempty"`
	Content string        `json:"content,omitempty" validate:"maxbytes"`
}

// CanonicalMessage is the normalized, sanitized form of an InboundMessage.
//
// # Description
//
// The Request Normalizer produces exactly one CanonicalMessage per inbound
// message. Content is plain text with HTML and script content stripped.
// Immutable after creation; this is the shape handed to backend clients.
type CanonicalMessage struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// =============================================================================
// Chat Request Types
// =============================================================================

// SessionContext carries optional session metadata sent by the client.
type SessionContext struct {
	SessionID      string `json:"session_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	IsFirstMessage bool   `json:"is_first_message,omitempty"`
}

// WorkflowState describes the client's position in a guided workflow.
//
// Bounded workflow types (e.g. the 8-phase academic paper workflow) cause
// the Backend Selector to apply a hard tool-step ceiling to the selection.
type WorkflowState struct {
	Type  string `json:"type,omitempty"`
	Phase string `json:"phase,omitempty"`
	Step  int    `json:"step,omitempty"`
}

// WorkflowTypeAcademic is the bounded 8-phase academic paper workflow.
const WorkflowTypeAcademic = "academic-8-phase"

// AcademicWorkflowMaxSteps is the hard ceiling on reasoning/tool steps for
// the academic workflow. The backend must stop after this many steps
// regardless of natural completion, preventing runaway tool-calling loops.
const AcademicWorkflowMaxSteps = 8

// ChatRequest represents the POST /chat request body.
//
// # Description
//
// ChatRequest contains the conversation messages plus optional persona,
// chat-mode, session and workflow context. Every request carries a unique ID
// and timestamp for tracing; both are generated server-side when absent
// (see EnsureDefaults).
//
// # Validation
//
// Uses go-playground/validator:
//   - RequestID: optional, must be UUID v4 when present
//   - Messages: required, 1-100 elements, each element validated
//   - Messages[].Content: max 32768 bytes (32KB) per SEC-003
//
// # Examples
//
//	req := ChatRequest{
//	    Messages: []InboundMessage{
//	        {Role: "user", Parts: []MessagePart{{Type: "text", Text: "Hello"}}},
//	    },
//	}
//
// # Limitations
//
//   - Maximum 100 messages per request (history truncation may be needed)
type ChatRequest struct {
	RequestID      string           `json:"request_id" validate:"omitempty,uuid4"`
	Timestamp      int64            `json:"timestamp"`
	Messages       []InboundMessage `json:"messages" validate:"required,min=1,max=100,dive"`
	Persona        string           `json:"persona,omitempty"`
	ChatMode       string           `json:"chat_mode,omitempty"`
	SessionContext *SessionContext  `json:"session_context,omitempty"`
	WorkflowState  *WorkflowState   `json:"workflow_state,omitempty"`
}

// Validate validates the ChatRequest fields.
//
// Performs validation using go-playground/validator tags and custom
// validators. Call after binding the JSON request and EnsureDefaults.
func (r *ChatRequest) Validate() error {
	return chatValidate.Struct(r)
}

// EnsureDefaults populates default values for optional fields.
//
// Generates RequestID and Timestamp when the client did not provide them so
// that all requests have proper identifiers for tracing and auditing.
func (r *ChatRequest) EnsureDefaults() {
	if r.RequestID == "" {
		r.RequestID = generateUUID()
	}
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UnixMilli()
	}
}

// SessionID returns the session id from the request context, or "".
func (r *ChatRequest) SessionID() string {
	if r.SessionContext == nil {
		return ""
	}
	return r.SessionContext.SessionID
}

// generateUUID returns a new UUID v4 string.
func generateUUID() string {
	return uuid.New().String()
}
