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

	"github.com/AleutianAI/dataplane/services/dataplane/recovery"
)

// RecoveryStatus reports per-operation failure counts and in-flight
// recoveries.
func RecoveryStatus(rm *recovery.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"operations": rm.Status()})
	}
}

// ResetRecovery clears an operation's failure counter, readmitting it
// after the retry ceiling was hit.
func ResetRecovery(rm *recovery.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		operation := c.Param("operation")
		if err := rm.ResetFailures(operation); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"operation": operation, "status": "reset"})
	}
}
