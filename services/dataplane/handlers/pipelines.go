// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/dataplane/services/dataplane/pipeline"
)

// CreatePipelineRequest is the POST /v1/pipelines body.
type CreatePipelineRequest struct {
	Name   string          `json:"name" binding:"required"`
	Type   pipeline.Type   `json:"type" binding:"required"`
	Config pipeline.Config `json:"config"`
}

// CreatePipeline registers a new pipeline definition.
func CreatePipeline(exec *pipeline.Executor) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreatePipelineRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		p, err := exec.Create(c.Request.Context(), req.Name, req.Type, req.Config)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, p)
	}
}

// ListPipelines returns every pipeline definition.
func ListPipelines(store pipeline.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := store.List(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list pipelines"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"pipelines": list})
	}
}

// GetPipeline returns one pipeline definition.
func GetPipeline(store pipeline.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := store.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			pipelineError(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

// StartPipeline launches a run.
func StartPipeline(exec *pipeline.Executor) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := exec.Start(c.Request.Context(), id); err != nil {
			pipelineError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"id": id, "status": pipeline.StatusRunning})
	}
}

// StopPipeline cancels a run and waits for it to drain.
func StopPipeline(exec *pipeline.Executor) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := exec.Stop(c.Request.Context(), id); err != nil {
			pipelineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id, "status": pipeline.StatusStopped})
	}
}

// PipelineStatus reports persisted state plus live run counters.
func PipelineStatus(exec *pipeline.Executor) gin.HandlerFunc {
	return func(c *gin.Context) {
		rep, err := exec.Status(c.Request.Context(), c.Param("id"))
		if err != nil {
			pipelineError(c, err)
			return
		}
		c.JSON(http.StatusOK, rep)
	}
}

// PipelineLogs returns the newest run log entries.
func PipelineLogs(store pipeline.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		logs, err := store.Logs(c.Request.Context(), c.Param("id"), limit)
		if err != nil {
			pipelineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"logs": logs})
	}
}

// pipelineError maps pipeline errors onto HTTP statuses.
func pipelineError(c *gin.Context, err error) {
	var are *pipeline.AlreadyRunningError
	var nre *pipeline.NotRunningError

	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "pipeline not found"})
	case errors.As(err, &are), errors.As(err, &nre), pipeline.IsInvalidTransition(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
