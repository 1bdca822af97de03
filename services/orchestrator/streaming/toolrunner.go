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
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/makalah-app/makalah-aisdk-sub000/services/llm"
	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/datatypes"
	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/observability"
)

// defaultToolTimeout bounds one tool invocation. A hung tool surfaces as a
// synthesized error record, never as a stuck phase machine.
const defaultToolTimeout = 30 * time.Second

// toolOutcome is the result of one tool invocation handed back to the
// generation loop.
type toolOutcome struct {
	call   llm.ToolCall
	result json.RawMessage
	err    error
}

// ToolRunner executes the tool calls of one generation round.
//
// # Description
//
// For every call the runner emits a start record, runs the tool under a
// per-invocation timeout with panic recovery, and emits exactly one
// terminal record (success xor error). Unknown tools and panics synthesize
// error records so the invariant holds on every path.
//
// # Thread Safety
//
// Safe for concurrent use. Calls within one round run concurrently; record
// emission is serialized by the sink.
type ToolRunner struct {
	timeout time.Duration
	logger  *slog.Logger

	// now is injectable for tests.
	now func() time.Time
}

// NewToolRunner creates a runner. A zero timeout uses the default.
func NewToolRunner(timeout time.Duration, logger *slog.Logger) *ToolRunner {
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolRunner{timeout: timeout, logger: logger, now: time.Now}
}

// RunRound executes all tool calls of one round and returns their outcomes
// in call order.
//
// # Inputs
//
//   - ctx: Request context. Cancellation aborts in-flight tools; each
//     aborted call still gets its terminal error record.
//   - calls: The round's tool calls, in backend order.
//   - available: The selection's tool set, keyed lookup by name.
//   - sink: Receives lifecycle records as events.
//
// # Outputs
//
//   - []toolOutcome: One outcome per call, in call order. Failed calls
//     carry their error; the round still continues so the backend can see
//     the failure and adapt.
func (r *ToolRunner) RunRound(ctx context.Context, calls []llm.ToolCall, available []datatypes.Tool, sink EventSink) []toolOutcome {
	byName := make(map[string]datatypes.Tool, len(available))
	for _, t := range available {
		byName[t.Name] = t
	}

	outcomes := make([]toolOutcome, len(calls))
	g, gctx := errgroup.WithContext(ctx)

	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			outcomes[i] = r.runOne(gctx, call, byName, sink)
			return nil
		})
	}
	// Workers never return errors; failures live in the outcomes.
	_ = g.Wait()
	return outcomes
}

// runOne executes a single call, guaranteeing the start record and exactly
// one terminal record.
func (r *ToolRunner) runOne(ctx context.Context, call llm.ToolCall, byName map[string]datatypes.Tool, sink EventSink) toolOutcome {
	started := r.now()
	emitToolRecord(sink, datatypes.ToolExecutionRecord{
		Tool:      call.Name,
		CallID:    call.ID,
		Status:    datatypes.ToolStatusStart,
		Args:      call.Args,
		Timestamp: started.UnixMilli(),
	})

	out := toolOutcome{call: call}
	tool, ok := byName[call.Name]
	if !ok {
		out.err = fmt.Errorf("unknown tool %q", call.Name)
	} else {
		out.result, out.err = r.invoke(ctx, tool, call.Args)
	}

	record := datatypes.ToolExecutionRecord{
		Tool:       call.Name,
		CallID:     call.ID,
		DurationMs: r.now().Sub(started).Milliseconds(),
		Timestamp:  r.now().UnixMilli(),
	}
	if out.err != nil {
		record.Status = datatypes.ToolStatusError
		record.Error = out.err.Error()
		r.logger.Warn("tool invocation failed",
			slog.String("tool", call.Name),
			slog.String("call_id", call.ID),
			slog.String("error", out.err.Error()),
		)
	} else {
		record.Status = datatypes.ToolStatusSuccess
		record.Result = out.result
	}
	emitToolRecord(sink, record)
	if m := observability.DefaultMetrics; m != nil {
		m.RecordToolExecution(call.Name, out.err == nil)
	}
	return out
}

// invokeResult carries one tool invocation's outcome across the worker
// goroutine boundary.
type invokeResult struct {
	result json.RawMessage
	err    error
}

// invoke runs the tool under the per-invocation timeout, converting panics
// to errors.
//
// The tool runs in its own goroutine so a Run that ignores its context
// cannot stall the round: when the deadline fires the timeout error is
// synthesized immediately. A runaway tool leaks its goroutine until it
// returns; its late result is discarded via the buffered channel.
func (r *ToolRunner) invoke(ctx context.Context, tool datatypes.Tool, args json.RawMessage) (json.RawMessage, error) {
	if tool.Run == nil {
		return nil, fmt.Errorf("tool %s has no runner", tool.Name)
	}

	tctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- invokeResult{err: fmt.Errorf("tool %s panicked: %v", tool.Name, rec)}
			}
		}()
		result, err := tool.Run(tctx, args)
		done <- invokeResult{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-tctx.Done():
		return nil, fmt.Errorf("tool %s: %w", tool.Name, tctx.Err())
	}
}

// emitToolRecord wraps a record into a transient tool-lifecycle event.
// Sink failures here mean the client is gone; the record log itself is
// still consistent, so the error is dropped.
func emitToolRecord(sink EventSink, record datatypes.ToolExecutionRecord) {
	_ = sink.Emit(datatypes.StreamEvent{
		Type:      datatypes.EventToolLifecycle,
		Transient: true,
		Tool:      &record,
	})
}

// toolResultMessage converts one outcome into the tool-result message
// appended before the next generation round.
func toolResultMessage(out toolOutcome) llm.ChatMessage {
	msg := llm.ChatMessage{
		Role:       "tool",
		ToolCallID: out.call.ID,
		Name:       out.call.Name,
	}
	if out.err != nil {
		errBody, _ := json.Marshal(map[string]string{"error": out.err.Error()})
		msg.Content = string(errBody)
		return msg
	}
	msg.Content = string(out.result)
	return msg
}
