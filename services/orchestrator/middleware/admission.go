// Copyright (C) 2026 Makalah App (dev@makalah.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the orchestrator service.
//
// # Admission Flow
//
// The admission gate is the single outermost checkpoint. Every request,
// allowed or denied, leaves with CORS headers so browser clients can read
// denial bodies instead of seeing an opaque CORS failure.
//
//	Request
//	   │
//	   ▼
//	Admission
//	   │
//	   ├─► Resolve allowed origin, set CORS headers (always)
//	   │
//	   ├─► OPTIONS? ─► 204 No Content
//	   │
//	   ├─► Rate limit check ─► 429 Too Many Requests (logged)
//	   │
//	   └─► c.Next()
package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/observability"
	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/ratelimit"
)

// =============================================================================
// Origin Configuration
// =============================================================================

// OriginConfig describes which browser origins the gate admits.
//
// # Fields
//
//   - AllowedOrigins: Exact origins admitted in any environment.
//   - PreviewPattern: Wildcard pattern for preview deployments, with at
//     most one "*" ("https://*.preview.makalah.app"). Empty disables it.
//   - DefaultDevOrigin: Origin echoed for unmatched requests outside
//     production, so local tooling works without configuration.
//   - Production: When true, unmatched origins get no CORS origin header.
type OriginConfig struct {
	AllowedOrigins   []string
	PreviewPattern   string
	DefaultDevOrigin string
	Production       bool
}

// DefaultOriginConfig returns the development-friendly defaults.
func DefaultOriginConfig() OriginConfig {
	return OriginConfig{
		AllowedOrigins:   []string{"https://makalah.app", "https://www.makalah.app"},
		PreviewPattern:   "https://*.preview.makalah.app",
		DefaultDevOrigin: "http://localhost:3000",
	}
}

// ResolveOrigin returns the Access-Control-Allow-Origin value for a
// request origin, or "" when no header should be set.
//
// # Description
//
// Matching order: exact allowed origins, then the single-wildcard preview
// pattern, then the development default (non-production only). The
// wildcard matches exactly one non-empty, dot-free label.
func (cfg OriginConfig) ResolveOrigin(origin string) string {
	for _, allowed := range cfg.AllowedOrigins {
		if origin == allowed {
			return origin
		}
	}

	if cfg.PreviewPattern != "" && matchWildcard(cfg.PreviewPattern, origin) {
		return origin
	}

	if !cfg.Production {
		return cfg.DefaultDevOrigin
	}
	return ""
}

// matchWildcard matches a pattern containing at most one "*" against a
// candidate. The wildcard must consume one non-empty segment without dots
// or slashes, so "https://*.preview.makalah.app" admits one subdomain
// level and nothing deeper.
func matchWildcard(pattern, candidate string) bool {
	star := strings.Index(pattern, "*")
	if star < 0 {
		return pattern == candidate
	}

	prefix, suffix := pattern[:star], pattern[star+1:]
	if !strings.HasPrefix(candidate, prefix) || !strings.HasSuffix(candidate, suffix) {
		return false
	}

	middle := candidate[len(prefix) : len(candidate)-len(suffix)]
	if middle == "" {
		return false
	}
	return !strings.ContainsAny(middle, "./")
}

// =============================================================================
// Admission Middleware
// =============================================================================

// Admission returns the combined CORS + rate-limit gin middleware.
//
// # Description
//
// CORS headers are set before any outcome is decided, so denial responses
// (429) carry them too. Preflight OPTIONS requests short-circuit with 204.
// Rate limiting keys on client IP plus the optional X-Client-Fingerprint
// header; every deny is logged with identity and reason.
//
// # Thread Safety
//
// Safe for concurrent use; all state lives in the limiter.
func Admission(cfg OriginConfig, limiter ratelimit.Limiter, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}

	return func(c *gin.Context) {
		// CORS headers first: they apply to every response, including
		// the denials below.
		if origin := cfg.ResolveOrigin(c.GetHeader("Origin")); origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Client-Fingerprint")
		c.Header("Access-Control-Expose-Headers", "X-Buffer-Size, X-Chunk-Size, X-Network-Condition, X-Streaming-Mode, Retry-After")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		identity := c.ClientIP()
		fingerprint := c.GetHeader("X-Client-Fingerprint")

		decision := limiter.Check(identity, fingerprint)
		if !decision.Allowed {
			logger.Warn("admission denied",
				slog.String("identity", identity),
				slog.String("reason", decision.Reason),
				slog.Bool("is_banned", decision.IsBanned),
				slog.String("path", c.Request.URL.Path),
			)
			if m := observability.DefaultMetrics; m != nil {
				m.RecordAdmissionDeny(decision.Reason)
			}

			if decision.RetryAfter > 0 {
				c.Header("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())))
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":     "too many requests",
				"reason":    decision.Reason,
				"is_banned": decision.IsBanned,
			})
			return
		}

		c.Next()
	}
}
