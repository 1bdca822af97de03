// Copyright (C) 2026 Makalah App (dev@makalah.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/datatypes"
)

func toolNames(set []datatypes.Tool) []string {
	names := make([]string, 0, len(set))
	for _, t := range set {
		names = append(names, t.Name)
	}
	return names
}

// TestBuild_BaseSet verifies the default build outside a workflow.
func TestBuild_BaseSet(t *testing.T) {
	b := NewDefaultBuilder(nil)

	set := b.Build(context.Background(), BuildInput{ChatMode: "research"})

	assert.ElementsMatch(t, []string{"search_references", "format_citation"}, toolNames(set))
}

// TestBuild_AcademicWorkflowAddsOutline verifies the guided workflow gets
// the outline tool.
func TestBuild_AcademicWorkflowAddsOutline(t *testing.T) {
	b := NewDefaultBuilder(nil)

	set := b.Build(context.Background(), BuildInput{
		Workflow: &datatypes.WorkflowState{Type: datatypes.WorkflowTypeAcademic},
	})

	assert.Contains(t, toolNames(set), "outline_section")
}

// TestMinimalToolSet verifies the reduced fallback set.
func TestMinimalToolSet(t *testing.T) {
	set := MinimalToolSet()
	assert.Equal(t, []string{"search_references"}, toolNames(set))
}

// TestFormatCitation_Styles verifies the supported citation styles.
func TestFormatCitation_Styles(t *testing.T) {
	tool := formatCitationTool()

	args := json.RawMessage(`{"authors":"Doe, J.","title":"On Testing","year":2024,"style":"apa"}`)
	out, err := tool.Run(context.Background(), args)
	require.NoError(t, err)

	var result map[string]string
	require.NoError(t, json.Unmarshal(out, &result))
	assert.Equal(t, "Doe, J. (2024). On Testing.", result["citation"])
}

// TestFormatCitation_UnsupportedStyle verifies unknown styles error.
func TestFormatCitation_UnsupportedStyle(t *testing.T) {
	tool := formatCitationTool()

	_, err := tool.Run(context.Background(), json.RawMessage(`{"title":"X","style":"vancouver"}`))
	assert.Error(t, err)
}

// TestSearchReferences_EmptyQuery verifies input validation.
func TestSearchReferences_EmptyQuery(t *testing.T) {
	tool := searchReferencesTool()

	_, err := tool.Run(context.Background(), json.RawMessage(`{"query":"  "}`))
	assert.Error(t, err)
}

// TestSearchReferences_HonorsCancellation verifies ctx checks.
func TestSearchReferences_HonorsCancellation(t *testing.T) {
	tool := searchReferencesTool()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tool.Run(ctx, json.RawMessage(`{"query":"distributed systems"}`))
	assert.ErrorIs(t, err, context.Canceled)
}

// TestTools_InvalidArgs verifies malformed JSON args error cleanly.
func TestTools_InvalidArgs(t *testing.T) {
	for _, tool := range []datatypes.Tool{searchReferencesTool(), formatCitationTool(), outlineSectionTool()} {
		_, err := tool.Run(context.Background(), json.RawMessage(`{broken`))
		assert.Error(t, err, "tool %s should reject malformed args", tool.Name)
	}
}
