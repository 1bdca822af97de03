// Copyright (C) 2026 Makalah App (dev@makalah.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package registry provides the Model Provider Registry collaborator.
//
// The registry owns the shared "primary failed" flag. The flag is shared
// across concurrent requests and is therefore an explicit atomic resource,
// never an ambient module-level variable: one request's failure must not
// race a concurrent success into corrupting registry state.
package registry

import (
	"context"
	"sync/atomic"

	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/datatypes"
)

// ResolveInput carries the selection context used to resolve a model.
type ResolveInput struct {
	ChatMode string
	Persona  string
}

// Registry is the Model Provider Registry collaborator interface.
//
// # Thread Safety
//
// All methods must be safe for concurrent use. MarkPrimaryFailed must be a
// single atomic operation; PrimaryFailed reads must be safe under
// concurrent writes.
type Registry interface {
	// Resolve returns the model handle for this request. While the primary
	// is marked failed, Resolve returns the fallback handle directly so
	// subsequent requests skip the known-bad backend.
	Resolve(ctx context.Context, in ResolveInput) (datatypes.ModelHandle, error)

	// MarkPrimaryFailed records a primary backend failure.
	MarkPrimaryFailed()

	// PrimaryFailed reports whether the primary is currently marked failed.
	PrimaryFailed() bool

	// FallbackModel returns the secondary model handle.
	FallbackModel() datatypes.ModelHandle
}

// StaticRegistry is an in-memory Registry with a fixed primary/fallback
// pair. Recovery of a failed primary (health-checked re-enable) is the
// registry operator's policy; ResetPrimary exposes the hook.
type StaticRegistry struct {
	primary  datatypes.ModelHandle
	fallback datatypes.ModelHandle
	failed   atomic.Bool
}

// NewStaticRegistry creates a registry with the given handles.
func NewStaticRegistry(primary, fallback datatypes.ModelHandle) *StaticRegistry {
	return &StaticRegistry{primary: primary, fallback: fallback}
}

// Resolve implements Registry.
func (r *StaticRegistry) Resolve(_ context.Context, _ ResolveInput) (datatypes.ModelHandle, error) {
	if r.failed.Load() {
		return r.fallback, nil
	}
	return r.primary, nil
}

// MarkPrimaryFailed implements Registry with a single atomic store.
func (r *StaticRegistry) MarkPrimaryFailed() {
	r.failed.Store(true)
}

// PrimaryFailed implements Registry.
func (r *StaticRegistry) PrimaryFailed() bool {
	return r.failed.Load()
}

// FallbackModel implements Registry.
func (r *StaticRegistry) FallbackModel() datatypes.ModelHandle {
	return r.fallback
}

// ResetPrimary clears the failed flag. Called by recovery checks, not by
// the request path.
func (r *StaticRegistry) ResetPrimary() {
	r.failed.Store(false)
}

var _ Registry = (*StaticRegistry)(nil)
