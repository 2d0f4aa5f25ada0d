// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/dataplane/services/dataplane/cache"
)

// CacheStats reports hit/miss counters, evictions, and memory usage.
func CacheStats(cm *cache.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := cm.Stats(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "cache stats unavailable"})
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

// InvalidateCache removes every cached entry tagged with the named
// pattern.
func InvalidateCache(cm *cache.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		pattern := c.Param("pattern")
		removed, err := cm.InvalidatePattern(c.Request.Context(), pattern)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "invalidation failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"pattern": pattern, "removed": removed})
	}
}

// WarmCache runs every registered warmer and reports how many loaded.
func WarmCache(cm *cache.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		warmed := cm.WarmUp(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"warmed": warmed})
	}
}
