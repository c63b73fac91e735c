// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/chaterr"
)

// errRateLimited is the cause attached to rejected requests.
var errRateLimited = errors.New("per-user request rate exceeded")

// RateLimitConfig bounds how fast one user may send chat messages.
//
// # Fields
//
//   - RequestsPerMinute: Sustained rate. Zero or negative disables limiting.
//   - Burst: Requests allowed at once. Defaults to 1 when RequestsPerMinute
//     is set.
//   - IdleTTL: Limiters unused for this long are forgotten. Default 10m.
type RateLimitConfig struct {
	RequestsPerMinute float64       `yaml:"requests_per_minute"`
	Burst             int           `yaml:"burst"`
	IdleTTL           time.Duration `yaml:"idle_ttl"`
}

// Enabled reports whether any limit applies.
func (c RateLimitConfig) Enabled() bool { return c.RequestsPerMinute > 0 }

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per user.
//
// # Thread Safety
//
// Safe for concurrent use.
type RateLimiter struct {
	cfg RateLimitConfig
	now func() time.Time

	mu        sync.Mutex
	limiters  map[string]*userLimiter
	lastSweep time.Time
}

// NewRateLimiter applies defaults to cfg.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	return &RateLimiter{cfg: cfg, now: time.Now, limiters: map[string]*userLimiter{}}
}

// Allow reports whether key may make a request now.
func (l *RateLimiter) Allow(key string) bool {
	if !l.cfg.Enabled() {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > l.cfg.IdleTTL {
		for k, ul := range l.limiters {
			if now.Sub(ul.lastSeen) > l.cfg.IdleTTL {
				delete(l.limiters, k)
			}
		}
		l.lastSweep = now
	}

	ul, ok := l.limiters[key]
	if !ok {
		ul = &userLimiter{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerMinute/60), l.cfg.Burst)}
		l.limiters[key] = ul
	}
	ul.lastSeen = now
	return ul.limiter.AllowN(now, 1)
}

// Middleware rejects over-limit requests with the rate limit error. The key
// is the authenticated user, or the client IP when AuthMiddleware has not
// run.
func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if info := GetAuthInfo(c); info != nil {
			key = info.UserID
		}
		if !l.Allow(key) {
			ce := chaterr.New(chaterr.KindRateLimited, errRateLimited)
			c.AbortWithStatusJSON(ce.HTTPStatus(), ce.Response())
			return
		}
		c.Next()
	}
}
