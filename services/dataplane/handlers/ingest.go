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

	"github.com/AleutianAI/dataplane/services/dataplane/pipeline"
	"github.com/AleutianAI/dataplane/services/dataplane/pool"
)

// IngestRequest is the POST /v1/ingest body: records to deliver to one
// destination, outside of any pipeline.
type IngestRequest struct {
	Destination pipeline.DestinationConfig `json:"destination" binding:"required"`
	Records     []pipeline.Record          `json:"records" binding:"required"`
}

// Ingest writes a batch of records straight to a backend. Records before
// the first failure stay written.
func Ingest(sinks pipeline.SinkOpener) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req IngestRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if len(req.Records) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no records"})
			return
		}

		snk, err := sinks.OpenSink(c.Request.Context(), req.Destination)
		if err != nil {
			status := http.StatusBadGateway
			if pool.IsUnavailable(err) {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		defer snk.Close()

		written := 0
		for _, rec := range req.Records {
			if err := snk.Write(c.Request.Context(), rec); err != nil {
				c.JSON(http.StatusBadGateway, gin.H{
					"error":   err.Error(),
					"written": written,
				})
				return
			}
			written++
		}
		c.JSON(http.StatusOK, gin.H{"written": written})
	}
}
