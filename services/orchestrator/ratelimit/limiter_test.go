// Copyright (C) 2026 Makalah App (dev@makalah.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig is a small config for deterministic tests.
func testConfig() Config {
	return Config{
		RequestsPerSecond: 1,
		Burst:             2,
		BanThreshold:      3,
		BanDuration:       time.Minute,
		IdleEviction:      time.Hour,
	}
}

// newTestLimiter creates a limiter with a controllable clock.
func newTestLimiter(cfg Config) (*TokenBucketLimiter, *time.Time) {
	l := NewTokenBucketLimiter(cfg)
	now := time.Unix(1700000000, 0)
	l.now = func() time.Time { return now }
	return l, &now
}

// TestCheck_AllowsWithinBurst verifies requests within the burst pass.
func TestCheck_AllowsWithinBurst(t *testing.T) {
	l, _ := newTestLimiter(testConfig())

	for i := 0; i < 2; i++ {
		d := l.Check("10.0.0.1", "")
		assert.True(t, d.Allowed, "request %d within burst should be allowed", i)
	}
}

// TestCheck_DeniesOverBurst verifies the first over-limit request is
// denied with the rate_limit_exceeded reason, not a ban.
func TestCheck_DeniesOverBurst(t *testing.T) {
	l, _ := newTestLimiter(testConfig())

	l.Check("10.0.0.1", "")
	l.Check("10.0.0.1", "")
	d := l.Check("10.0.0.1", "")

	require.False(t, d.Allowed)
	assert.Equal(t, "rate_limit_exceeded", d.Reason)
	assert.False(t, d.IsBanned)
	assert.Equal(t, time.Second, d.RetryAfter)
}

// TestCheck_EscalatesToBan verifies repeated violations trip the ban.
func TestCheck_EscalatesToBan(t *testing.T) {
	l, _ := newTestLimiter(testConfig())

	// Exhaust the burst, then strike until the threshold.
	l.Check("10.0.0.1", "")
	l.Check("10.0.0.1", "")

	var last Decision
	for i := 0; i < 3; i++ {
		last = l.Check("10.0.0.1", "")
	}

	require.False(t, last.Allowed)
	assert.True(t, last.IsBanned, "third consecutive violation should ban")
	assert.Equal(t, "temporarily_banned", last.Reason)
	assert.Equal(t, time.Minute, last.RetryAfter)
}

// TestCheck_BanExpires verifies the client is admitted again after the
// ban window passes.
func TestCheck_BanExpires(t *testing.T) {
	l, now := newTestLimiter(testConfig())

	l.Check("10.0.0.1", "")
	l.Check("10.0.0.1", "")
	for i := 0; i < 3; i++ {
		l.Check("10.0.0.1", "")
	}
	require.True(t, l.Check("10.0.0.1", "").IsBanned)

	// Advance past the ban; the bucket has also refilled by then.
	*now = now.Add(2 * time.Minute)
	d := l.Check("10.0.0.1", "")
	assert.True(t, d.Allowed, "client should be admitted after ban expiry")
}

// TestCheck_FingerprintSeparatesClients verifies two fingerprints behind
// one IP get independent buckets.
func TestCheck_FingerprintSeparatesClients(t *testing.T) {
	l, _ := newTestLimiter(testConfig())

	l.Check("10.0.0.1", "fp-a")
	l.Check("10.0.0.1", "fp-a")
	denied := l.Check("10.0.0.1", "fp-a")
	require.False(t, denied.Allowed)

	other := l.Check("10.0.0.1", "fp-b")
	assert.True(t, other.Allowed, "distinct fingerprint should have its own bucket")
}

// TestCheck_SuccessResetsStrikes verifies an admitted request clears the
// strike counter.
func TestCheck_SuccessResetsStrikes(t *testing.T) {
	l, now := newTestLimiter(testConfig())

	l.Check("10.0.0.1", "")
	l.Check("10.0.0.1", "")
	l.Check("10.0.0.1", "") // strike 1
	l.Check("10.0.0.1", "") // strike 2

	// Refill exactly one token; the allowed request must reset strikes.
	*now = now.Add(time.Second)
	require.True(t, l.Check("10.0.0.1", "").Allowed)

	d := l.Check("10.0.0.1", "")
	require.False(t, d.Allowed)
	assert.False(t, d.IsBanned, "strike count should have been reset by the allowed request")
}

// TestEvictIdle verifies idle entries are removed and banned entries
// survive eviction.
func TestEvictIdle(t *testing.T) {
	cfg := testConfig()
	cfg.IdleEviction = time.Minute
	l, now := newTestLimiter(cfg)

	l.Check("10.0.0.1", "")

	// Ban a second client.
	l.Check("10.0.0.2", "")
	l.Check("10.0.0.2", "")
	for i := 0; i < 3; i++ {
		l.Check("10.0.0.2", "")
	}

	*now = now.Add(45 * time.Second)
	assert.Equal(t, 0, l.EvictIdle(), "nothing idle long enough yet")

	*now = now.Add(30 * time.Second)
	removed := l.EvictIdle()
	assert.Equal(t, 1, removed, "only the non-banned idle entry should be evicted")
}

// TestNewTokenBucketLimiter_ZeroConfigFallsBack verifies an invalid
// config falls back to defaults instead of a zero-rate limiter.
func TestNewTokenBucketLimiter_ZeroConfigFallsBack(t *testing.T) {
	l := NewTokenBucketLimiter(Config{})
	d := l.Check("10.0.0.1", "")
	assert.True(t, d.Allowed)
}
