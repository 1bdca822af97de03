// Copyright (C) 2026 Makalah App (dev@makalah.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tools provides the Tool Set Builder collaborator.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/datatypes"
)

// BuildInput carries the conversation context a builder may key on.
type BuildInput struct {
	ChatMode string
	Persona  string
	Workflow *datatypes.WorkflowState
}

// Builder is the Tool Set Builder collaborator interface.
//
// Given conversation/persona context, Build returns the set of invokable
// tools for one streaming attempt. Implementations must not retain or
// mutate the returned slice after Build returns.
type Builder interface {
	Build(ctx context.Context, in BuildInput) []datatypes.Tool
}

// DefaultBuilder builds the academic writing tool set.
//
// The full set is persona/workflow aware; fallback runs use MinimalToolSet
// instead (availability over feature completeness).
type DefaultBuilder struct {
	logger *slog.Logger
}

// NewDefaultBuilder creates the production tool set builder.
func NewDefaultBuilder(logger *slog.Logger) *DefaultBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultBuilder{logger: logger}
}

// Build implements Builder.
func (b *DefaultBuilder) Build(_ context.Context, in BuildInput) []datatypes.Tool {
	set := []datatypes.Tool{
		searchReferencesTool(),
		formatCitationTool(),
	}

	// Outline drafting only makes sense inside the guided paper workflow.
	if in.Workflow != nil && in.Workflow.Type == datatypes.WorkflowTypeAcademic {
		set = append(set, outlineSectionTool())
	}

	b.logger.Debug("built tool set",
		slog.String("chat_mode", in.ChatMode),
		slog.Int("tool_count", len(set)),
	)
	return set
}

// MinimalToolSet is the reduced set used by fallback streaming attempts.
func MinimalToolSet() []datatypes.Tool {
	return []datatypes.Tool{searchReferencesTool()}
}

// =============================================================================
// Tool Definitions
// =============================================================================

func searchReferencesTool() datatypes.Tool {
	return datatypes.Tool{
		Name:        "search_references",
		Description: "Search the reference index for academic sources matching a query.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "Search query"}
			},
			"required": ["query"]
		}`),
		Run: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in struct {
				Query string `json:"query"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("invalid search_references args: %w", err)
			}
			if strings.TrimSpace(in.Query) == "" {
				return nil, fmt.Errorf("search_references: empty query")
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			// The reference index is an external service; without one
			// configured the tool reports no matches rather than failing
			// the stream.
			out := map[string]any{"query": in.Query, "results": []any{}}
			return json.Marshal(out)
		},
	}
}

func formatCitationTool() datatypes.Tool {
	return datatypes.Tool{
		Name:        "format_citation",
		Description: "Format a citation in the requested style (apa, mla, chicago).",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"authors": {"type": "string"},
				"title": {"type": "string"},
				"year": {"type": "integer"},
				"style": {"type": "string", "enum": ["apa", "mla", "chicago"]}
			},
			"required": ["title", "style"]
		}`),
		Run: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in struct {
				Authors string `json:"authors"`
				Title   string `json:"title"`
				Year    int    `json:"year"`
				Style   string `json:"style"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("invalid format_citation args: %w", err)
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			var citation string
			switch in.Style {
			case "apa":
				citation = fmt.Sprintf("%s (%d). %s.", in.Authors, in.Year, in.Title)
			case "mla":
				citation = fmt.Sprintf("%s. \"%s.\" %d.", in.Authors, in.Title, in.Year)
			case "chicago":
				citation = fmt.Sprintf("%s. %s. %d.", in.Authors, in.Title, in.Year)
			default:
				return nil, fmt.Errorf("format_citation: unsupported style %q", in.Style)
			}
			return json.Marshal(map[string]string{"citation": citation})
		},
	}
}

func outlineSectionTool() datatypes.Tool {
	return datatypes.Tool{
		Name:        "outline_section",
		Description: "Produce a skeletal outline for one section of the paper.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"topic": {"type": "string"},
				"section": {"type": "string"}
			},
			"required": ["topic", "section"]
		}`),
		Run: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in struct {
				Topic   string `json:"topic"`
				Section string `json:"section"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("invalid outline_section args: %w", err)
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			out := map[string]any{
				"section": in.Section,
				"points": []string{
					fmt.Sprintf("Context: why %s matters for %s", in.Section, in.Topic),
					"Key claims with supporting references",
					"Transition to the next section",
				},
			}
			return json.Marshal(out)
		},
	}
}

var _ Builder = (*DefaultBuilder)(nil)
