// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware holds the gin middleware for the data plane API.
package middleware

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/dataplane/services/dataplane/ratelimit"
)

// TierHeader lets a caller request a named rate limit tier.
const TierHeader = "X-RateLimit-Tier"

// subjectFor identifies the caller: API key when present, client IP
// otherwise.
func subjectFor(c *gin.Context) string {
	if key := c.GetHeader("X-API-Key"); key != "" {
		return key
	}
	return c.ClientIP()
}

// RateLimit enforces the fixed-window limiter on every request.
//
// Allowed and rejected responses both carry X-RateLimit-* headers;
// rejections are 429 with a Retry-After. When the limiter's cache is
// unreachable the limiter fails open and traffic passes.
func RateLimit(limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		res := limiter.Allow(c.Request.Context(), subjectFor(c), c.GetHeader(TierHeader))

		remaining := res.Limit - res.CurrentCount
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

		if !res.Allowed {
			retryAfter := int64(math.Ceil(res.ResetAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests,
				gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
