// Copyright (C) 2026 Makalah App (dev@makalah.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides backend model clients with a streaming interface.
package llm

import (
	"context"
	"encoding/json"

	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/datatypes"
)

// GenerationParams tunes one generation round.
type GenerationParams struct {
	Temperature *float32 `json:"temperature,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`

	// Tools are forwarded to the backend as invokable function definitions.
	Tools []datatypes.Tool `json:"-"`
}

// ToolCall is a backend request to invoke one tool.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ChatMessage is the wire shape of one conversation message sent to a
// backend. It extends the canonical message with the fields needed to carry
// tool rounds: an assistant message may hold ToolCalls, and a tool-result
// message holds the ToolCallID it answers.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// FromCanonical converts normalized messages to backend chat messages.
func FromCanonical(msgs []datatypes.CanonicalMessage) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// StreamEventType discriminates events produced by ChatStream.
type StreamEventType string

const (
	// StreamEventToken carries a slice of generated text.
	StreamEventToken StreamEventType = "token"

	// StreamEventThinking carries reasoning text emitted before the answer.
	StreamEventThinking StreamEventType = "thinking"

	// StreamEventToolCall signals the backend wants a tool invoked. The
	// round ends after all tool calls of the round were delivered.
	StreamEventToolCall StreamEventType = "tool_call"

	// StreamEventDone closes the round and carries usage when available.
	StreamEventDone StreamEventType = "done"
)

// TokenUsage contains token consumption statistics for one round.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// StreamEvent is one event of a backend token stream.
type StreamEvent struct {
	Type     StreamEventType `json:"type"`
	Content  string          `json:"content,omitempty"`
	ToolCall *ToolCall       `json:"tool_call,omitempty"`
	Usage    *TokenUsage     `json:"usage,omitempty"`
}

// StreamCallback receives stream events in generation order.
//
// Return a non-nil error to abort streaming (e.g. on client disconnect);
// the client must stop consuming backend output promptly and return that
// error from ChatStream.
type StreamCallback func(event StreamEvent) error

// LLMClient defines the standard interface for any model backend.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; one client serves many
// in-flight requests.
type LLMClient interface {
	// Generate produces a complete response for a single prompt.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// ChatStream streams one conversation round. Events arrive strictly in
	// generation order; the final event of a successful round has type
	// StreamEventDone. A round that requests tools delivers its tool-call
	// events before done; the caller executes them and starts the next
	// round with the results appended to messages.
	ChatStream(ctx context.Context, model string, messages []ChatMessage,
		params GenerationParams, callback StreamCallback) error
}
