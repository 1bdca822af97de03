// Copyright (C) 2026 Makalah App (dev@makalah.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// Janitor periodically evicts idle client entries from a limiter.
//
// # Description
//
// Without eviction the client table grows without bound under IP churn.
// The janitor runs on a fixed interval until its context is canceled.
//
// # Example
//
//	j := NewJanitor(limiter, 5*time.Minute, logger)
//	go j.Run(ctx)
type Janitor struct {
	limiter  *TokenBucketLimiter
	interval time.Duration
	logger   *slog.Logger
}

// NewJanitor creates a janitor for the given limiter. A zero interval
// defaults to five minutes.
func NewJanitor(limiter *TokenBucketLimiter, interval time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{limiter: limiter, interval: interval, logger: logger}
}

// Run blocks, evicting idle entries every interval until ctx is canceled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := j.limiter.EvictIdle(); removed > 0 {
				j.logger.Debug("evicted idle rate-limit entries",
					slog.Int("removed", removed),
				)
			}
		}
	}
}
