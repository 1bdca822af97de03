// Copyright (C) 2026 Makalah App (dev@makalah.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package streaming

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/registry"
	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/selector"
)

// CombinedError carries both attempt failures when primary and fallback
// both fail. The handler reports it without internal stack traces.
type CombinedError struct {
	Primary  error
	Fallback error
}

func (e *CombinedError) Error() string {
	return fmt.Sprintf("primary and fallback attempts failed: primary: %v; fallback: %v",
		e.Primary, e.Fallback)
}

// FallbackController owns the primary-then-fallback attempt sequence.
//
// # Description
//
// At most two attempts run per request, strictly sequential. A primary
// failure marks the shared registry flag so subsequent requests resolve
// the fallback directly, then a second, independent BackendSelection is
// built and streamed over the same sink. A fallback failure is terminal:
// the controller returns a CombinedError and never loops back to the
// primary.
type FallbackController struct {
	registry registry.Registry
	selector *selector.Selector
	orch     *Orchestrator
	logger   *slog.Logger

	// onFallback is an optional hook invoked when a fallback attempt
	// starts; metrics registration uses it.
	onFallback func()
}

// NewFallbackController creates a controller over the given collaborators.
func NewFallbackController(reg registry.Registry, sel *selector.Selector, orch *Orchestrator, logger *slog.Logger) *FallbackController {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackController{registry: reg, selector: sel, orch: orch, logger: logger}
}

// OnFallback registers a hook invoked once per fallback attempt.
func (c *FallbackController) OnFallback(fn func()) { c.onFallback = fn }

// Run streams the request with automatic failover.
//
// # Outputs
//
//   - *RunResult: Accounting of whichever attempt succeeded.
//   - error: A *CombinedError when both attempts fail, or the primary
//     error alone when the request context is already dead (a client
//     disconnect is not a backend failure and must not trigger failover).
func (c *FallbackController) Run(ctx context.Context, input RunInput, sink EventSink) (*RunResult, error) {
	result, primaryErr := c.orch.Run(ctx, input, sink)
	if primaryErr == nil {
		return result, nil
	}

	// Client gone or request canceled: failing over would stream into the
	// void and poison the registry flag for a non-backend failure.
	if ctx.Err() != nil {
		return nil, primaryErr
	}

	c.registry.MarkPrimaryFailed()
	c.logger.Warn("primary backend failed, attempting fallback",
		slog.String("request_id", input.Request.RequestID),
		slog.String("error", primaryErr.Error()),
	)
	if c.onFallback != nil {
		c.onFallback()
	}

	fbInput := RunInput{
		Request:   input.Request,
		Messages:  input.Messages,
		Selection: c.selector.SelectFallback(ctx, input.Request),
	}
	result, fallbackErr := c.orch.Run(ctx, fbInput, sink)
	if fallbackErr == nil {
		return result, nil
	}
	return nil, &CombinedError{Primary: primaryErr, Fallback: fallbackErr}
}

var _ error = (*CombinedError)(nil)
var _ error = (*AttemptError)(nil)
