// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers holds the gin handlers for the data plane API.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/dataplane/services/dataplane/pool"
)

// HealthCheck reports process liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readiness pings every managed backend and reports per-backend status.
// Any backend that is not healthy degrades the response to 503.
func Readiness(pm *pool.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		reports := pm.CheckHealth(c.Request.Context())

		status := http.StatusOK
		for _, r := range reports {
			if r.Status != "healthy" {
				status = http.StatusServiceUnavailable
				break
			}
		}
		c.JSON(status, gin.H{"backends": reports})
	}
}
