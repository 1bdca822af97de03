// Copyright (C) 2026 Makalah App (dev@makalah.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package normalize implements the Request Normalizer.
//
// # Description
//
// The normalizer converts a validated ChatRequest into the canonical
// message list consumed by the rest of the pipeline. Each inbound message
// must resolve to non-empty textual content from either the structured
// "parts" representation or the legacy flat "content" string; whichever is
// present is sanitized (HTML/script stripping) before being wrapped into
// the canonical shape.
//
// Normalization failures are client errors (HTTP 400) and are never
// retried.
package normalize

import (
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/datatypes"
)

// Sentinel errors returned by Normalize. All wrap into ValidationError.
var (
	// ErrNoMessages indicates the body lacked a messages collection.
	ErrNoMessages = errors.New("request has no messages")

	// ErrEmptyMessage indicates a message resolved to no textual content.
	ErrEmptyMessage = errors.New("message has no textual content")
)

// sanitizer strips every HTML element; chat content is plain text.
// StrictPolicy escapes entities, so sanitized output is unescaped back to
// plain text afterwards.
var sanitizer = bluemonday.StrictPolicy()

// Normalize validates and sanitizes the inbound payload into the canonical
// message list.
//
// # Description
//
// For each message, textual content resolves from the ordered text parts
// when present, otherwise from the legacy Content field. The resolved text
// is stripped of HTML and script content. Message ids are preserved when
// the client provided them and generated otherwise.
//
// # Inputs
//
//   - req: Bound and validated chat request. Must not be nil.
//
// # Outputs
//
//   - []datatypes.CanonicalMessage: One canonical message per inbound
//     message, immutable after return.
//   - error: ErrNoMessages or a wrapped ErrEmptyMessage naming the index.
func Normalize(req *datatypes.ChatRequest) ([]datatypes.CanonicalMessage, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, ErrNoMessages
	}

	out := make([]datatypes.CanonicalMessage, 0, len(req.Messages))
	for i, msg := range req.Messages {
		text := resolveText(msg)
		text = Sanitize(text)
		if text == "" {
			return nil, fmt.Errorf("message %d: %w", i, ErrEmptyMessage)
		}

		id := msg.ID
		if id == "" {
			id = uuid.New().String()
		}
		out = append(out, datatypes.CanonicalMessage{
			ID:      id,
			Role:    msg.Role,
			Content: text,
		})
	}
	return out, nil
}

// resolveText extracts raw textual content from a message, preferring the
// structured parts representation over the legacy flat content string.
func resolveText(msg datatypes.InboundMessage) string {
	if len(msg.Parts) > 0 {
		var b strings.Builder
		for _, part := range msg.Parts {
			if part.Type == "text" && part.Text != "" {
				if b.Len() > 0 {
					b.WriteString("\n")
				}
				b.WriteString(part.Text)
			}
		}
		if b.Len() > 0 {
			return b.String()
		}
	}
	return msg.Content
}

// Sanitize strips HTML elements and script content, returning plain text.
func Sanitize(text string) string {
	cleaned := sanitizer.Sanitize(text)
	// StrictPolicy escapes entities; restore plain text for the backend.
	cleaned = html.UnescapeString(cleaned)
	return strings.TrimSpace(cleaned)
}

// LastUserText returns the content of the last user-role message, or "".
// The approval gate evaluates this text.
func LastUserText(msgs []datatypes.CanonicalMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}
