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
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/makalah-app/makalah-aisdk-sub000/services/llm"
	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/datatypes"
)

// scriptedClient is an LLMClient replaying one scripted event sequence per
// ChatStream round. It records the messages of each round for assertions.
type scriptedClient struct {
	mu     sync.Mutex
	rounds [][]llm.StreamEvent
	err    error

	calls    int
	messages [][]llm.ChatMessage
}

func (c *scriptedClient) Generate(context.Context, string, llm.GenerationParams) (string, error) {
	return "", errors.New("not used")
}

func (c *scriptedClient) ChatStream(_ context.Context, _ string, messages []llm.ChatMessage,
	_ llm.GenerationParams, callback llm.StreamCallback) error {
	c.mu.Lock()
	round := c.calls
	c.calls++
	snapshot := make([]llm.ChatMessage, len(messages))
	copy(snapshot, messages)
	c.messages = append(c.messages, snapshot)
	c.mu.Unlock()

	if c.err != nil {
		return c.err
	}
	if round >= len(c.rounds) {
		return fmt.Errorf("unscripted round %d", round)
	}
	for _, ev := range c.rounds[round] {
		if err := callback(ev); err != nil {
			return err
		}
	}
	return nil
}

var _ llm.LLMClient = (*scriptedClient)(nil)

func newTestOrchestrator(client llm.LLMClient) *Orchestrator {
	resolve := func(datatypes.ModelHandle) (llm.LLMClient, error) { return client, nil }
	runner := NewToolRunner(time.Second, nil)
	return NewOrchestrator(resolve, runner, otel.Tracer("test"), nil)
}

func testRunInput(selection datatypes.BackendSelection) RunInput {
	return RunInput{
		Request: &datatypes.ChatRequest{
			RequestID: "req-1",
			Messages:  []datatypes.InboundMessage{{Role: "user", Content: "hi"}},
		},
		Messages:  []datatypes.CanonicalMessage{{Role: "user", Content: "hi"}},
		Selection: selection,
	}
}

// phases returns the phase sequence of the emitted progress events.
func phases(events []datatypes.StreamEvent) []datatypes.StreamingPhase {
	var out []datatypes.StreamingPhase
	for _, ev := range events {
		if ev.Type == datatypes.EventProgressStatus && ev.Progress != nil {
			out = append(out, ev.Progress.Phase)
		}
	}
	return out
}

func chunkText(events []datatypes.StreamEvent) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == datatypes.EventTextChunk && ev.Chunk != nil {
			b.WriteString(ev.Chunk.Delta)
		}
	}
	return b.String()
}

func eventOfType(events []datatypes.StreamEvent, typ datatypes.EventType) *datatypes.StreamEvent {
	for i := range events {
		if events[i].Type == typ {
			return &events[i]
		}
	}
	return nil
}

// TestRun_TextOnlyStream verifies a plain generation round: thinking first,
// chunks that concatenate to the final content, a completion summary, and
// idle as the terminal phase.
func TestRun_TextOnlyStream(t *testing.T) {
	client := &scriptedClient{rounds: [][]llm.StreamEvent{{
		{Type: llm.StreamEventThinking, Content: "planning the answer"},
		{Type: llm.StreamEventToken, Content: "Hello, "},
		{Type: llm.StreamEventToken, Content: "world."},
		{Type: llm.StreamEventDone, Usage: &llm.TokenUsage{OutputTokens: 7}},
	}}}
	o := newTestOrchestrator(client)
	sink := &collectingSink{}

	result, err := o.Run(context.Background(), testRunInput(datatypes.BackendSelection{
		Kind:        datatypes.SelectionPrimary,
		Model:       datatypes.ModelHandle{Provider: "openai", Name: "gpt-4o"},
		Temperature: 0.4,
	}), sink)
	require.NoError(t, err)

	assert.Equal(t, "Hello, world.", result.Content)
	assert.Equal(t, 7, result.TokenCount)
	assert.Zero(t, result.ToolSteps)

	events := sink.all()
	seq := phases(events)
	require.NotEmpty(t, seq)
	assert.Equal(t, datatypes.PhaseThinking, seq[0])
	assert.Contains(t, seq, datatypes.PhaseTextStreaming)
	assert.Equal(t, datatypes.PhaseIdle, seq[len(seq)-1])

	assert.Equal(t, result.Content, chunkText(events),
		"chunk concatenation must equal final content")

	final := eventOfType(events, datatypes.EventFinalMessage)
	require.NotNil(t, final)
	assert.False(t, final.Transient)
	assert.Equal(t, "assistant", final.Final.Role)
	assert.Equal(t, result.Content, final.Final.Content)
	assert.NotEmpty(t, final.Final.MessageID)

	summary := eventOfType(events, datatypes.EventCompletionSummary)
	require.NotNil(t, summary)
	assert.Equal(t, 7, summary.Completion.TokenCount)
	assert.Equal(t, datatypes.StreamingModeEnhanced, summary.Completion.StreamingMode)
}

// TestRun_TerminalEventOrder verifies the closing sequence of a stream:
// the persistent final message, then the idle progress signal, then the
// completion summary as the very last event.
func TestRun_TerminalEventOrder(t *testing.T) {
	client := &scriptedClient{rounds: [][]llm.StreamEvent{{
		{Type: llm.StreamEventToken, Content: "done"},
		{Type: llm.StreamEventDone},
	}}}
	o := newTestOrchestrator(client)
	sink := &collectingSink{}

	_, err := o.Run(context.Background(), testRunInput(datatypes.BackendSelection{
		Kind:  datatypes.SelectionPrimary,
		Model: datatypes.ModelHandle{Provider: "openai", Name: "gpt-4o"},
	}), sink)
	require.NoError(t, err)

	events := sink.all()
	require.GreaterOrEqual(t, len(events), 3)

	last := events[len(events)-1]
	assert.Equal(t, datatypes.EventCompletionSummary, last.Type,
		"completion summary closes the stream")

	idle := events[len(events)-2]
	require.Equal(t, datatypes.EventProgressStatus, idle.Type)
	require.NotNil(t, idle.Progress)
	assert.Equal(t, datatypes.PhaseIdle, idle.Progress.Phase)

	assert.Equal(t, datatypes.EventFinalMessage, events[len(events)-3].Type)
}

// histogramSampleCount reads the observation count of one histogram child.
func histogramSampleCount(t *testing.T, obs prometheus.Observer) uint64 {
	t.Helper()
	metric, ok := obs.(prometheus.Metric)
	require.True(t, ok)
	var pb dto.Metric
	require.NoError(t, metric.Write(&pb))
	return pb.GetHistogram().GetSampleCount()
}

// TestRun_RecordsTimeToFirstChunk verifies first-chunk latency lands in the
// histogram under the stream's mode label.
func TestRun_RecordsTimeToFirstChunk(t *testing.T) {
	m := testMetrics()
	child := m.TimeToFirstChunkSeconds.WithLabelValues(datatypes.StreamingModeEnhanced)
	before := histogramSampleCount(t, child)

	client := &scriptedClient{rounds: [][]llm.StreamEvent{{
		{Type: llm.StreamEventToken, Content: "Hello"},
		{Type: llm.StreamEventToken, Content: " again"},
		{Type: llm.StreamEventDone},
	}}}
	o := newTestOrchestrator(client)

	_, err := o.Run(context.Background(), testRunInput(datatypes.BackendSelection{
		Kind:  datatypes.SelectionPrimary,
		Model: datatypes.ModelHandle{Provider: "openai", Name: "gpt-4o"},
	}), &collectingSink{})
	require.NoError(t, err)

	assert.Equal(t, before+1, histogramSampleCount(t, child),
		"one stream observes first-chunk latency exactly once")
}

// TestRun_ToolRoundThenAnswer verifies the tool-execution detour: tool
// lifecycle records are emitted, results feed the next round, and the
// conversation resumes into text-streaming.
func TestRun_ToolRoundThenAnswer(t *testing.T) {
	client := &scriptedClient{rounds: [][]llm.StreamEvent{
		{
			{Type: llm.StreamEventToolCall, ToolCall: &llm.ToolCall{
				ID: "c1", Name: "lookup", Args: json.RawMessage(`{}`),
			}},
			{Type: llm.StreamEventDone},
		},
		{
			{Type: llm.StreamEventToken, Content: "Found it."},
			{Type: llm.StreamEventDone, Usage: &llm.TokenUsage{OutputTokens: 3}},
		},
	}}
	o := newTestOrchestrator(client)
	sink := &collectingSink{}

	input := testRunInput(datatypes.BackendSelection{
		Kind:  datatypes.SelectionPrimary,
		Model: datatypes.ModelHandle{Provider: "openai", Name: "gpt-4o"},
		Tools: []datatypes.Tool{okTool("lookup")},
	})
	input.Request.WorkflowState = &datatypes.WorkflowState{
		Type:  datatypes.WorkflowTypeAcademic,
		Phase: "research",
	}

	result, err := o.Run(context.Background(), input, sink)
	require.NoError(t, err)

	assert.Equal(t, "Found it.", result.Content)
	assert.Equal(t, 1, result.ToolSteps)
	assert.Equal(t, 2, client.calls)

	events := sink.all()
	assert.Contains(t, phases(events), datatypes.PhaseToolExecution)

	records := sink.toolRecords("c1")
	require.Len(t, records, 2)
	assert.Equal(t, datatypes.ToolStatusSuccess, records[1].Status)

	progress := eventOfType(events, datatypes.EventWorkflowProgress)
	require.NotNil(t, progress, "workflow requests report tool progress")
	assert.Equal(t, 1, progress.Workflow.Step)

	// The second round must see the assistant tool-call message and the
	// tool result appended.
	require.Len(t, client.messages, 2)
	secondRound := client.messages[1]
	assert.Len(t, secondRound, len(client.messages[0])+2)
	assert.Equal(t, "tool", secondRound[len(secondRound)-1].Role)
}

// TestRun_ToolStepCeilingForcesCompletion verifies the step ceiling stops
// tool-calling instead of looping forever.
func TestRun_ToolStepCeilingForcesCompletion(t *testing.T) {
	toolRound := []llm.StreamEvent{
		{Type: llm.StreamEventToolCall, ToolCall: &llm.ToolCall{
			ID: "c1", Name: "lookup", Args: json.RawMessage(`{}`),
		}},
		{Type: llm.StreamEventDone},
	}
	client := &scriptedClient{rounds: [][]llm.StreamEvent{toolRound, toolRound, toolRound}}
	o := newTestOrchestrator(client)
	sink := &collectingSink{}

	input := testRunInput(datatypes.BackendSelection{
		Kind:         datatypes.SelectionPrimary,
		Model:        datatypes.ModelHandle{Provider: "openai", Name: "gpt-4o"},
		Tools:        []datatypes.Tool{okTool("lookup")},
		MaxToolSteps: 1,
	})

	result, err := o.Run(context.Background(), input, sink)
	require.NoError(t, err)

	assert.Equal(t, 1, result.ToolSteps, "ceiling caps executed tool steps")
	assert.Equal(t, 2, client.calls, "second round's tool request is refused")

	seq := phases(sink.all())
	assert.Equal(t, datatypes.PhaseIdle, seq[len(seq)-1])
}

// TestRun_NetworkErrorSurfacesReconnecting verifies the recoverable phase
// signal and the classified attempt error for network failures.
func TestRun_NetworkErrorSurfacesReconnecting(t *testing.T) {
	client := &scriptedClient{err: errors.New("dial tcp: connection refused")}
	o := newTestOrchestrator(client)
	sink := &collectingSink{}

	_, err := o.Run(context.Background(), testRunInput(datatypes.BackendSelection{
		Kind:  datatypes.SelectionPrimary,
		Model: datatypes.ModelHandle{Provider: "openai", Name: "gpt-4o"},
	}), sink)
	require.Error(t, err)

	var attemptErr *AttemptError
	require.ErrorAs(t, err, &attemptErr)
	assert.Equal(t, ErrorClassNetwork, attemptErr.Class)
	assert.Equal(t, datatypes.SelectionPrimary, attemptErr.Selection)

	assert.Contains(t, phases(sink.all()), datatypes.PhaseReconnecting)
}

// TestRun_RateLimitSurfacesWaiting verifies rate-limit classification maps
// to the waiting phase.
func TestRun_RateLimitSurfacesWaiting(t *testing.T) {
	client := &scriptedClient{err: errors.New("error, status code: 429, message: slow down")}
	o := newTestOrchestrator(client)
	sink := &collectingSink{}

	_, err := o.Run(context.Background(), testRunInput(datatypes.BackendSelection{
		Kind:  datatypes.SelectionFallback,
		Model: datatypes.ModelHandle{Provider: "ollama", Name: "llama3.1:8b"},
	}), sink)
	require.Error(t, err)

	var attemptErr *AttemptError
	require.ErrorAs(t, err, &attemptErr)
	assert.Equal(t, ErrorClassRateLimit, attemptErr.Class)
	assert.Contains(t, phases(sink.all()), datatypes.PhaseWaiting)
}

// TestRun_ResolveFailure verifies unresolvable backends fail before any
// phase is emitted beyond the span.
func TestRun_ResolveFailure(t *testing.T) {
	resolve := func(datatypes.ModelHandle) (llm.LLMClient, error) {
		return nil, errors.New("no client for provider")
	}
	o := NewOrchestrator(resolve, NewToolRunner(time.Second, nil), otel.Tracer("test"), nil)
	sink := &collectingSink{}

	_, err := o.Run(context.Background(), testRunInput(datatypes.BackendSelection{
		Model: datatypes.ModelHandle{Provider: "unknown", Name: "x"},
	}), sink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolving backend client")
	assert.Empty(t, sink.all())
}

// TestRun_FallbackSelectionReportsFallbackMode verifies the completion
// summary labels fallback streams.
func TestRun_FallbackSelectionReportsFallbackMode(t *testing.T) {
	client := &scriptedClient{rounds: [][]llm.StreamEvent{{
		{Type: llm.StreamEventToken, Content: "ok"},
		{Type: llm.StreamEventDone},
	}}}
	o := newTestOrchestrator(client)
	sink := &collectingSink{}

	_, err := o.Run(context.Background(), testRunInput(datatypes.BackendSelection{
		Kind:  datatypes.SelectionFallback,
		Model: datatypes.ModelHandle{Provider: "ollama", Name: "llama3.1:8b"},
	}), sink)
	require.NoError(t, err)

	summary := eventOfType(sink.all(), datatypes.EventCompletionSummary)
	require.NotNil(t, summary)
	assert.Equal(t, datatypes.StreamingModeFallback, summary.Completion.StreamingMode)
}

// TestClassifyError covers the classification buckets used for phase
// signaling and fallback policy.
func TestClassifyError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ErrorClassOther},
		{"deadline", context.DeadlineExceeded, ErrorClassNetwork},
		{"connection refused", errors.New("dial tcp 127.0.0.1:11434: connection refused"), ErrorClassNetwork},
		{"connection reset", errors.New("read: connection reset by peer"), ErrorClassNetwork},
		{"unexpected eof", errors.New("unexpected EOF"), ErrorClassNetwork},
		{"429 status", errors.New("error, status code: 429, message: quota"), ErrorClassRateLimit},
		{"rate limit text", errors.New("rate limit exceeded"), ErrorClassRateLimit},
		{"too many requests", errors.New("Too Many Requests"), ErrorClassRateLimit},
		{"other", errors.New("model not found"), ErrorClassOther},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyError(tc.err))
		})
	}
}
