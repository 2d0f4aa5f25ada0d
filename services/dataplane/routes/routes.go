// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes wires the data plane API onto a gin engine.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/dataplane/pkg/extensions"
	"github.com/AleutianAI/dataplane/services/dataplane/cache"
	"github.com/AleutianAI/dataplane/services/dataplane/handlers"
	"github.com/AleutianAI/dataplane/services/dataplane/middleware"
	"github.com/AleutianAI/dataplane/services/dataplane/pipeline"
	"github.com/AleutianAI/dataplane/services/dataplane/pool"
	"github.com/AleutianAI/dataplane/services/dataplane/ratelimit"
	"github.com/AleutianAI/dataplane/services/dataplane/recovery"
)

// Deps are the components the routes expose.
type Deps struct {
	Pool     *pool.Manager
	Executor *pipeline.Executor
	Store    pipeline.Store
	Sinks    pipeline.SinkOpener
	Cache    *cache.Manager
	Recovery *recovery.Manager
	Limiter  *ratelimit.Limiter
	Registry *prometheus.Registry
	Options  extensions.ServiceOptions
}

// SetupRoutes registers every endpoint. Health and metrics bypass the
// rate limiter; everything under /v1 is limited.
func SetupRoutes(router *gin.Engine, d Deps) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/readyz", handlers.Readiness(d.Pool))
	router.GET("/metrics", gin.WrapH(
		promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{})))

	v1 := router.Group("/v1")
	v1.Use(middleware.Auth(d.Options.AuthProvider))
	v1.Use(middleware.RateLimit(d.Limiter))
	v1.Use(middleware.Audit(d.Options.AuditLogger))
	{
		pipelines := v1.Group("/pipelines")
		{
			pipelines.POST("", handlers.CreatePipeline(d.Executor))
			pipelines.GET("", handlers.ListPipelines(d.Store))
			pipelines.GET("/:id", handlers.GetPipeline(d.Store))
			pipelines.POST("/:id/start", handlers.StartPipeline(d.Executor))
			pipelines.POST("/:id/stop", handlers.StopPipeline(d.Executor))
			pipelines.GET("/:id/status", handlers.PipelineStatus(d.Executor))
			pipelines.GET("/:id/logs", handlers.PipelineLogs(d.Store))
		}

		v1.POST("/ingest", handlers.Ingest(d.Sinks))

		cacheAdmin := v1.Group("/cache")
		{
			cacheAdmin.GET("/stats", handlers.CacheStats(d.Cache))
			cacheAdmin.POST("/warm", handlers.WarmCache(d.Cache))
			cacheAdmin.DELETE("/patterns/:pattern", handlers.InvalidateCache(d.Cache))
		}

		recoveryAdmin := v1.Group("/recovery")
		{
			recoveryAdmin.GET("/status", handlers.RecoveryStatus(d.Recovery))
			recoveryAdmin.POST("/:operation/reset", handlers.ResetRecovery(d.Recovery))
		}
	}
}
