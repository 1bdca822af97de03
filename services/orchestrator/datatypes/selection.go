// Copyright (C) 2026 Makalah App (dev@makalah.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"context"
	"encoding/json"
)

// =============================================================================
// Model Handles
// =============================================================================

// ModelHandle identifies one backend model resolvable to a client.
type ModelHandle struct {
	// Provider names the backend family ("openai", "ollama").
	Provider string `json:"provider"`

	// Name is the provider-specific model identifier.
	Name string `json:"name"`
}

// =============================================================================
// Tools
// =============================================================================

// Tool is one invokable tool handed to the backend.
//
// # Description
//
// InputSchema is a JSON Schema object describing the arguments the backend
// may pass. Run executes the tool; it must honor ctx cancellation and
// deadline — a hung Run surfaces as a synthesized error record rather than
// blocking the phase machine.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`

	Run func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) `json:"-"`
}

// =============================================================================
// Backend Selection
// =============================================================================

// SelectionKind discriminates primary from fallback selections. Call sites
// branch on this field, never on the structural shape of the resolved model.
type SelectionKind string

const (
	SelectionPrimary  SelectionKind = "primary"
	SelectionFallback SelectionKind = "fallback"
)

// Streaming modes reported in the informational response headers.
const (
	StreamingModeEnhanced = "enhanced"
	StreamingModeFallback = "fallback"
)

// BackendSelection binds one streaming attempt to a concrete backend.
//
// # Description
//
// Immutable for the lifetime of one streaming attempt. Exactly one
// BackendSelection is active per in-flight request; the Fallback Controller
// constructs a second, independent BackendSelection rather than mutating
// the first.
//
// # Fields
//
//   - Kind: primary or fallback; set by the Backend Selector.
//   - Model: resolved model handle from the provider registry.
//   - SystemPrompt: persona > chat-mode default > global fallback.
//   - Temperature: persona-configured or default decoding temperature.
//   - StopSequences: persona-configured stop condition, if any.
//   - Tools: tool set from the Tool Set Builder; fallback runs carry the
//     reduced default set.
//   - MaxToolSteps: hard ceiling on tool/reasoning steps for bounded
//     workflows; 0 means no ceiling.
type BackendSelection struct {
	Kind          SelectionKind `json:"kind"`
	Model         ModelHandle   `json:"model"`
	SystemPrompt  string        `json:"-"`
	Temperature   float32       `json:"temperature"`
	StopSequences []string      `json:"stop_sequences,omitempty"`
	Tools         []Tool        `json:"-"`
	MaxToolSteps  int           `json:"max_tool_steps,omitempty"`
}
