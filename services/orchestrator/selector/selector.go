// Copyright (C) 2026 Makalah App (dev@makalah.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package selector implements the Backend Selector.
//
// # Description
//
// The selector binds one streaming attempt to a concrete backend: a model
// handle from the provider registry, a system prompt resolved with
// persona > chat-mode > global precedence, decoding parameters, a tool set
// from the Tool Set Builder, and a tool-step ceiling for bounded workflows.
// The resulting BackendSelection is immutable for the attempt; the
// Fallback Controller requests a second, independent selection instead of
// mutating the first.
package selector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/datatypes"
	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/registry"
	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/tools"
)

// Persona is one named prompt/decoding configuration.
type Persona struct {
	ID            string
	SystemPrompt  string
	Temperature   float32
	StopSequences []string
}

// PersonaStore resolves persona ids to configurations.
type PersonaStore interface {
	// Lookup returns the persona and true, or the zero value and false when
	// the id is unknown.
	Lookup(id string) (Persona, bool)
}

// StaticPersonaStore is an in-memory PersonaStore. Immutable after
// construction and therefore safe for concurrent use.
type StaticPersonaStore struct {
	personas map[string]Persona
}

// NewStaticPersonaStore creates a store over the given personas.
func NewStaticPersonaStore(personas []Persona) *StaticPersonaStore {
	m := make(map[string]Persona, len(personas))
	for _, p := range personas {
		m[p.ID] = p
	}
	return &StaticPersonaStore{personas: m}
}

// Lookup implements PersonaStore.
func (s *StaticPersonaStore) Lookup(id string) (Persona, bool) {
	p, ok := s.personas[id]
	return p, ok
}

// DefaultPersonas returns the built-in persona configurations.
func DefaultPersonas() []Persona {
	return []Persona{
		{
			ID:           "academic-mentor",
			SystemPrompt: "You are an academic writing mentor. Guide the user through structuring, drafting, and revising their paper. Always cite sources honestly and never fabricate references.",
			Temperature:  0.4,
		},
		{
			ID:           "copy-editor",
			SystemPrompt: "You are a meticulous copy editor. Improve clarity, grammar, and style while preserving the author's voice and meaning.",
			Temperature:  0.2,
		},
	}
}

// Global and chat-mode default prompts, used when no persona resolves.
const (
	globalSystemPrompt = "You are a helpful assistant for academic writing."

	defaultTemperature  = 0.7
	fallbackTemperature = 0.2
)

var chatModePrompts = map[string]string{
	"research": "You are a research assistant. Help the user find, evaluate, and synthesize academic sources.",
	"drafting": "You are a drafting assistant. Help the user turn outlines and notes into clear prose.",
}

// Selector is the Backend Selector.
type Selector struct {
	registry registry.Registry
	personas PersonaStore
	tools    tools.Builder
	logger   *slog.Logger
}

// NewSelector creates a selector over the given collaborators.
func NewSelector(reg registry.Registry, personas PersonaStore, builder tools.Builder, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{registry: reg, personas: personas, tools: builder, logger: logger}
}

// Select produces the primary BackendSelection for one request.
//
// # Description
//
// System prompt precedence is persona > chat-mode default > global
// fallback. An unknown persona id degrades with a warning rather than
// failing the request. Bounded workflows get a hard tool-step ceiling.
//
// # Outputs
//
//   - datatypes.BackendSelection: Immutable selection for this attempt.
//   - error: Registry resolution failure only.
func (s *Selector) Select(ctx context.Context, req *datatypes.ChatRequest) (datatypes.BackendSelection, error) {
	model, err := s.registry.Resolve(ctx, registry.ResolveInput{
		ChatMode: req.ChatMode,
		Persona:  req.Persona,
	})
	if err != nil {
		return datatypes.BackendSelection{}, fmt.Errorf("resolving model: %w", err)
	}

	sel := datatypes.BackendSelection{
		Kind:         datatypes.SelectionPrimary,
		Model:        model,
		SystemPrompt: globalSystemPrompt,
		Temperature:  defaultTemperature,
	}

	if prompt, ok := chatModePrompts[req.ChatMode]; ok {
		sel.SystemPrompt = prompt
	}

	if req.Persona != "" {
		if p, ok := s.personas.Lookup(req.Persona); ok {
			sel.SystemPrompt = p.SystemPrompt
			sel.Temperature = p.Temperature
			sel.StopSequences = p.StopSequences
		} else {
			// Degrade, don't fail: an unknown persona keeps the chat-mode
			// or global prompt.
			s.logger.Warn("unknown persona, using default prompt",
				slog.String("request_id", req.RequestID),
				slog.String("persona", req.Persona),
			)
		}
	}

	sel.Tools = s.tools.Build(ctx, tools.BuildInput{
		ChatMode: req.ChatMode,
		Persona:  req.Persona,
		Workflow: req.WorkflowState,
	})

	if req.WorkflowState != nil && req.WorkflowState.Type == datatypes.WorkflowTypeAcademic {
		sel.MaxToolSteps = datatypes.AcademicWorkflowMaxSteps
	}

	return sel, nil
}

// SelectFallback produces an independent fallback selection.
//
// The fallback carries the reduced default tool set and conservative
// decoding parameters: availability over feature completeness. It never
// inherits mutations from the failed primary selection.
func (s *Selector) SelectFallback(_ context.Context, req *datatypes.ChatRequest) datatypes.BackendSelection {
	sel := datatypes.BackendSelection{
		Kind:         datatypes.SelectionFallback,
		Model:        s.registry.FallbackModel(),
		SystemPrompt: globalSystemPrompt,
		Temperature:  fallbackTemperature,
		Tools:        tools.MinimalToolSet(),
	}
	if req.WorkflowState != nil && req.WorkflowState.Type == datatypes.WorkflowTypeAcademic {
		sel.MaxToolSteps = datatypes.AcademicWorkflowMaxSteps
	}
	return sel
}

var _ PersonaStore = (*StaticPersonaStore)(nil)
