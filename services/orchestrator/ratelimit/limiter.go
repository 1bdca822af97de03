// Copyright (C) 2026 Makalah App (dev@makalah.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ratelimit provides the Rate Limiter collaborator consumed by the
// Admission Gate.
//
// The default implementation keeps a token bucket per client identity and
// escalates repeated violations to a temporary ban. Ban duration and retry
// policy are tunables handed in at construction, not a contract of this
// package.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the structured outcome of one admission check.
type Decision struct {
	// Allowed is true when the request may proceed.
	Allowed bool `json:"allowed"`

	// Reason is a machine-readable deny reason ("rate_limit_exceeded",
	// "temporarily_banned"). Empty when allowed.
	Reason string `json:"reason,omitempty"`

	// IsBanned is true when the client is in a temporary-ban state.
	IsBanned bool `json:"is_banned,omitempty"`

	// RetryAfter hints when the client may retry. Zero when allowed.
	RetryAfter time.Duration `json:"-"`
}

// Limiter is the Rate Limiter collaborator interface.
//
// Implementations must be safe for concurrent use; the Admission Gate calls
// Check on every inbound request.
type Limiter interface {
	Check(identity, fingerprint string) Decision
}

// Config tunes the default token-bucket limiter.
type Config struct {
	// RequestsPerSecond is the sustained per-identity rate.
	RequestsPerSecond float64

	// Burst is the per-identity burst allowance.
	Burst int

	// BanThreshold is the number of consecutive violations that trigger a
	// temporary ban.
	BanThreshold int

	// BanDuration is how long a temporary ban lasts.
	BanDuration time.Duration

	// IdleEviction is how long an idle client entry survives before the
	// janitor removes it.
	IdleEviction time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 2,
		Burst:             6,
		BanThreshold:      5,
		BanDuration:       10 * time.Minute,
		IdleEviction:      30 * time.Minute,
	}
}

// clientState tracks one identity's bucket, strikes and ban expiry.
type clientState struct {
	bucket      *rate.Limiter
	strikes     int
	bannedUntil time.Time
	lastSeen    time.Time
}

// TokenBucketLimiter is the default Limiter implementation.
//
// # Thread Safety
//
// Safe for concurrent use; a single mutex guards the client table. Bucket
// arithmetic is delegated to golang.org/x/time/rate.
type TokenBucketLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientState
	cfg     Config

	// now is injectable for tests.
	now func() time.Time
}

// NewTokenBucketLimiter creates a limiter with the given config.
func NewTokenBucketLimiter(cfg Config) *TokenBucketLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg = DefaultConfig()
	}
	return &TokenBucketLimiter{
		clients: make(map[string]*clientState),
		cfg:     cfg,
		now:     time.Now,
	}
}

// Check implements Limiter.
//
// The identity keys the bucket; the fingerprint disambiguates identities
// behind shared NAT by extending the key when present. Repeated violations
// escalate to a temporary ban whose remaining time is reported via
// RetryAfter.
func (l *TokenBucketLimiter) Check(identity, fingerprint string) Decision {
	key := identity
	if fingerprint != "" {
		key = identity + "|" + fingerprint
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	state, ok := l.clients[key]
	if !ok {
		state = &clientState{
			bucket: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst),
		}
		l.clients[key] = state
	}
	state.lastSeen = now

	if state.bannedUntil.After(now) {
		return Decision{
			Allowed:    false,
			Reason:     "temporarily_banned",
			IsBanned:   true,
			RetryAfter: state.bannedUntil.Sub(now),
		}
	}

	if state.bucket.AllowN(now, 1) {
		state.strikes = 0
		return Decision{Allowed: true}
	}

	state.strikes++
	if state.strikes >= l.cfg.BanThreshold {
		state.bannedUntil = now.Add(l.cfg.BanDuration)
		state.strikes = 0
		return Decision{
			Allowed:    false,
			Reason:     "temporarily_banned",
			IsBanned:   true,
			RetryAfter: l.cfg.BanDuration,
		}
	}

	return Decision{
		Allowed:    false,
		Reason:     "rate_limit_exceeded",
		RetryAfter: time.Second,
	}
}

// EvictIdle removes client entries idle longer than the configured
// eviction window and returns how many were removed. Run periodically by
// the janitor to bound memory under client churn.
func (l *TokenBucketLimiter) EvictIdle() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, state := range l.clients {
		if now.Sub(state.lastSeen) > l.cfg.IdleEviction && !state.bannedUntil.After(now) {
			delete(l.clients, key)
			removed++
		}
	}
	return removed
}

var _ Limiter = (*TokenBucketLimiter)(nil)
