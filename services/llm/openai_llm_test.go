// Copyright (C) 2026 Makalah App (dev@makalah.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collectToolCalls drains emitAccumulatedToolCalls into a slice.
func collectToolCalls(t *testing.T, pending map[int]*toolCallAccumulator) []ToolCall {
	t.Helper()
	var out []ToolCall
	err := emitAccumulatedToolCalls(pending, func(ev StreamEvent) error {
		require.Equal(t, StreamEventToolCall, ev.Type)
		require.NotNil(t, ev.ToolCall)
		out = append(out, *ev.ToolCall)
		return nil
	})
	require.NoError(t, err)
	return out
}

// TestEmitAccumulatedToolCalls_NonContiguousIndexes verifies every
// accumulated call is delivered even when the provider skips delta
// indexes, and that delivery follows ascending index order.
func TestEmitAccumulatedToolCalls_NonContiguousIndexes(t *testing.T) {
	pending := map[int]*toolCallAccumulator{
		3: {id: "c3", name: "cite", args: []byte(`{"doi":"x"}`)},
		1: {id: "c1", name: "lookup", args: []byte(`{"q":"y"}`)},
	}

	calls := collectToolCalls(t, pending)
	require.Len(t, calls, 2)
	assert.Equal(t, "c1", calls[0].ID)
	assert.Equal(t, "lookup", calls[0].Name)
	assert.Equal(t, "c3", calls[1].ID)
	assert.Equal(t, "cite", calls[1].Name)
}

// TestEmitAccumulatedToolCalls_EmptyArgsDefault verifies argument-less
// calls carry an empty JSON object instead of a zero-length payload.
func TestEmitAccumulatedToolCalls_EmptyArgsDefault(t *testing.T) {
	pending := map[int]*toolCallAccumulator{
		0: {id: "c0", name: "refresh"},
	}

	calls := collectToolCalls(t, pending)
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{}`, string(calls[0].Args))
}

// TestEmitAccumulatedToolCalls_CallbackError verifies a callback failure
// stops delivery and propagates.
func TestEmitAccumulatedToolCalls_CallbackError(t *testing.T) {
	pending := map[int]*toolCallAccumulator{
		0: {id: "c0", name: "lookup"},
		1: {id: "c1", name: "cite"},
	}

	sinkErr := errors.New("client gone")
	delivered := 0
	err := emitAccumulatedToolCalls(pending, func(StreamEvent) error {
		delivered++
		return sinkErr
	})
	assert.ErrorIs(t, err, sinkErr)
	assert.Equal(t, 1, delivered)
}
