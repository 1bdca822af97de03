// Copyright (C) 2026 Makalah App (dev@makalah.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package approval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/datatypes"
	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/normalize"
)

// Coordinator owns the single gate evaluation per request.
//
// # Description
//
// The coordinator assembles the ApprovalContext from the validated request
// and its normalized messages, invokes the gate engine exactly once, and
// logs the decision. It never mutates the context after creation and never
// re-evaluates: the result is terminal for the request.
type Coordinator struct {
	engine GateEngine
	logger *slog.Logger
}

// NewCoordinator creates a coordinator over the given engine.
func NewCoordinator(engine GateEngine, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{engine: engine, logger: logger}
}

// BuildContext assembles the immutable gate input for one request.
func BuildContext(req *datatypes.ChatRequest, msgs []datatypes.CanonicalMessage) datatypes.ApprovalContext {
	ac := datatypes.ApprovalContext{
		SessionID:       req.SessionID(),
		MessageText:     normalize.LastUserText(msgs),
		ChatMode:        req.ChatMode,
		PersonaTemplate: req.Persona,
		IsFirstMessage:  len(msgs) <= 1,
	}
	if req.SessionContext != nil {
		ac.UserID = req.SessionContext.UserID
	}
	if req.WorkflowState != nil {
		ac.WorkflowPhase = req.WorkflowState.Phase
	}
	return ac
}

// Decide runs the gate once and returns its terminal result.
//
// # Outputs
//
//   - datatypes.ApprovalResult: Terminal decision for this request.
//   - error: Engine failure. Callers must fail closed (reject the
//     request) on error, never default to allow.
func (c *Coordinator) Decide(ctx context.Context, req *datatypes.ChatRequest, msgs []datatypes.CanonicalMessage) (datatypes.ApprovalResult, error) {
	ac := BuildContext(req, msgs)

	result, err := c.engine.Evaluate(ctx, ac)
	if err != nil {
		c.logger.Error("approval gate evaluation failed",
			slog.String("request_id", req.RequestID),
			slog.String("error", err.Error()),
		)
		return datatypes.ApprovalResult{}, fmt.Errorf("approval gate: %w", err)
	}

	if result.Action != datatypes.ApprovalAllow {
		names := make([]string, 0, len(result.TriggeredRules))
		for _, r := range result.TriggeredRules {
			names = append(names, r.Name)
		}
		c.logger.Warn("approval gate restricted request",
			slog.String("request_id", req.RequestID),
			slog.String("action", string(result.Action)),
			slog.Any("triggered_rules", names),
		)
	}
	return result, nil
}
