// Copyright (C) 2026 Makalah App (dev@makalah.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makalah-app/makalah-aisdk-sub000/services/llm"
	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/datatypes"
	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/observability"
)

// testMetrics initializes the metrics singleton once for the package.
func testMetrics() *observability.StreamingMetrics {
	if observability.DefaultMetrics == nil {
		observability.InitMetrics()
	}
	return observability.DefaultMetrics
}

// collectingSink is an EventSink accumulating events for assertions.
type collectingSink struct {
	mu     sync.Mutex
	events []datatypes.StreamEvent
}

func (s *collectingSink) Emit(event datatypes.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *collectingSink) all() []datatypes.StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]datatypes.StreamEvent, len(s.events))
	copy(out, s.events)
	return out
}

// toolRecords filters the sink down to tool-lifecycle records for one call id.
func (s *collectingSink) toolRecords(callID string) []datatypes.ToolExecutionRecord {
	var records []datatypes.ToolExecutionRecord
	for _, ev := range s.all() {
		if ev.Type == datatypes.EventToolLifecycle && ev.Tool != nil && ev.Tool.CallID == callID {
			records = append(records, *ev.Tool)
		}
	}
	return records
}

func okTool(name string) datatypes.Tool {
	return datatypes.Tool{
		Name: name,
		Run: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"ok":true}`), nil
		},
	}
}

// TestRunRound_SuccessEmitsStartAndSuccess verifies the lifecycle record
// pair for a clean invocation.
func TestRunRound_SuccessEmitsStartAndSuccess(t *testing.T) {
	sink := &collectingSink{}
	r := NewToolRunner(time.Second, nil)

	calls := []llm.ToolCall{{ID: "c1", Name: "lookup", Args: json.RawMessage(`{}`)}}
	outcomes := r.RunRound(context.Background(), calls, []datatypes.Tool{okTool("lookup")}, sink)

	require.Len(t, outcomes, 1)
	assert.NoError(t, outcomes[0].err)
	assert.JSONEq(t, `{"ok":true}`, string(outcomes[0].result))

	records := sink.toolRecords("c1")
	require.Len(t, records, 2)
	assert.Equal(t, datatypes.ToolStatusStart, records[0].Status)
	assert.Equal(t, datatypes.ToolStatusSuccess, records[1].Status)
}

// TestRunRound_UnknownToolSynthesizesError verifies an unknown tool still
// gets its terminal error record.
func TestRunRound_UnknownToolSynthesizesError(t *testing.T) {
	sink := &collectingSink{}
	r := NewToolRunner(time.Second, nil)

	calls := []llm.ToolCall{{ID: "c1", Name: "nope"}}
	outcomes := r.RunRound(context.Background(), calls, nil, sink)

	require.Len(t, outcomes, 1)
	require.Error(t, outcomes[0].err)
	assert.Contains(t, outcomes[0].err.Error(), "unknown tool")

	records := sink.toolRecords("c1")
	require.Len(t, records, 2)
	assert.Equal(t, datatypes.ToolStatusError, records[1].Status)
	assert.NotEmpty(t, records[1].Error)
}

// TestRunRound_PanicRecovered verifies a panicking tool surfaces as an
// error record, never as a crashed request.
func TestRunRound_PanicRecovered(t *testing.T) {
	sink := &collectingSink{}
	r := NewToolRunner(time.Second, nil)

	panicky := datatypes.Tool{
		Name: "boom",
		Run: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			panic("kaboom")
		},
	}

	calls := []llm.ToolCall{{ID: "c1", Name: "boom"}}
	outcomes := r.RunRound(context.Background(), calls, []datatypes.Tool{panicky}, sink)

	require.Error(t, outcomes[0].err)
	assert.Contains(t, outcomes[0].err.Error(), "panicked")

	records := sink.toolRecords("c1")
	require.Len(t, records, 2)
	assert.Equal(t, datatypes.ToolStatusError, records[1].Status)
}

// TestRunRound_TimeoutSynthesizesError verifies a hung tool is cut off by
// the per-invocation timeout.
func TestRunRound_TimeoutSynthesizesError(t *testing.T) {
	sink := &collectingSink{}
	r := NewToolRunner(20*time.Millisecond, nil)

	hung := datatypes.Tool{
		Name: "sleepy",
		Run: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	calls := []llm.ToolCall{{ID: "c1", Name: "sleepy"}}
	outcomes := r.RunRound(context.Background(), calls, []datatypes.Tool{hung}, sink)

	require.Error(t, outcomes[0].err)
	assert.ErrorIs(t, outcomes[0].err, context.DeadlineExceeded)

	records := sink.toolRecords("c1")
	require.Len(t, records, 2, "hung invocation must still get exactly one terminal record")
	assert.Equal(t, datatypes.ToolStatusError, records[1].Status)
}

// TestRunRound_ContextIgnoringToolDoesNotBlock verifies the round is
// released at the deadline even when the tool never checks its context.
func TestRunRound_ContextIgnoringToolDoesNotBlock(t *testing.T) {
	sink := &collectingSink{}
	r := NewToolRunner(20*time.Millisecond, nil)

	stubborn := datatypes.Tool{
		Name: "stubborn",
		Run: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			time.Sleep(3 * time.Second)
			return json.RawMessage(`{}`), nil
		},
	}

	started := time.Now()
	calls := []llm.ToolCall{{ID: "c1", Name: "stubborn"}}
	outcomes := r.RunRound(context.Background(), calls, []datatypes.Tool{stubborn}, sink)
	elapsed := time.Since(started)

	assert.Less(t, elapsed, 500*time.Millisecond,
		"a tool ignoring its context must not stall the round past the deadline")
	require.Error(t, outcomes[0].err)
	assert.ErrorIs(t, outcomes[0].err, context.DeadlineExceeded)

	records := sink.toolRecords("c1")
	require.Len(t, records, 2)
	assert.Equal(t, datatypes.ToolStatusError, records[1].Status)
}

// TestRunRound_RecordsToolExecutionMetrics verifies terminal outcomes land
// in the tool-execution counter.
func TestRunRound_RecordsToolExecutionMetrics(t *testing.T) {
	m := testMetrics()
	successBefore := testutil.ToFloat64(m.ToolExecutionsTotal.WithLabelValues("lookup", "success"))
	errorBefore := testutil.ToFloat64(m.ToolExecutionsTotal.WithLabelValues("missing", "error"))

	sink := &collectingSink{}
	r := NewToolRunner(time.Second, nil)
	calls := []llm.ToolCall{
		{ID: "c1", Name: "lookup", Args: json.RawMessage(`{}`)},
		{ID: "c2", Name: "missing"},
	}
	r.RunRound(context.Background(), calls, []datatypes.Tool{okTool("lookup")}, sink)

	assert.Equal(t, successBefore+1,
		testutil.ToFloat64(m.ToolExecutionsTotal.WithLabelValues("lookup", "success")))
	assert.Equal(t, errorBefore+1,
		testutil.ToFloat64(m.ToolExecutionsTotal.WithLabelValues("missing", "error")))
}

// TestRunRound_ExactlyOneTerminalRecordPerCall verifies the record
// invariant across a mixed round.
func TestRunRound_ExactlyOneTerminalRecordPerCall(t *testing.T) {
	sink := &collectingSink{}
	r := NewToolRunner(time.Second, nil)

	failing := datatypes.Tool{
		Name: "flaky",
		Run: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("backend unavailable")
		},
	}

	calls := []llm.ToolCall{
		{ID: "c1", Name: "lookup"},
		{ID: "c2", Name: "flaky"},
		{ID: "c3", Name: "missing"},
	}
	outcomes := r.RunRound(context.Background(), calls,
		[]datatypes.Tool{okTool("lookup"), failing}, sink)

	require.Len(t, outcomes, 3, "outcomes must stay in call order")
	assert.NoError(t, outcomes[0].err)
	assert.Error(t, outcomes[1].err)
	assert.Error(t, outcomes[2].err)

	for _, id := range []string{"c1", "c2", "c3"} {
		records := sink.toolRecords(id)
		require.Len(t, records, 2, "call %s should have start + terminal", id)
		assert.Equal(t, datatypes.ToolStatusStart, records[0].Status)

		terminal := records[1].Status
		assert.True(t, terminal == datatypes.ToolStatusSuccess || terminal == datatypes.ToolStatusError,
			"terminal record must be success xor error, got %s", terminal)
	}
}

// TestToolResultMessage verifies the tool-result message shape handed to
// the next generation round.
func TestToolResultMessage(t *testing.T) {
	ok := toolOutcome{
		call:   llm.ToolCall{ID: "c1", Name: "lookup"},
		result: json.RawMessage(`{"hits":3}`),
	}
	msg := toolResultMessage(ok)
	assert.Equal(t, "tool", msg.Role)
	assert.Equal(t, "c1", msg.ToolCallID)
	assert.JSONEq(t, `{"hits":3}`, msg.Content)

	failed := toolOutcome{
		call: llm.ToolCall{ID: "c2", Name: "lookup"},
		err:  errors.New("nope"),
	}
	msg = toolResultMessage(failed)
	assert.JSONEq(t, `{"error":"nope"}`, msg.Content)
}
