// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package livewire

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/livewire/services/livewire/telemetry"
)

// RegisterRoutes registers the admin routes with the router.
//
// Description:
//
//	Registers all /v1/livewire/* endpoints with the given Gin router group.
//	The router group should already have any required middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Endpoints:
//
//	GET  /v1/livewire/health - Health check
//	GET  /v1/livewire/probes - Probe states
//	POST /v1/livewire/reload - Re-read and apply the probe file
//	GET  /v1/livewire/dependencies - Declared and satisfied requirements
//	GET  /v1/livewire/snapshots/stream - Websocket snapshot stream
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	lw := rg.Group("/livewire")
	{
		lw.GET("/health", handlers.HandleHealth)

		// Probes
		lw.GET("/probes", handlers.HandleProbes)
		lw.POST("/reload", handlers.HandleReload)

		lw.GET("/dependencies", handlers.HandleDependencies)
		lw.GET("/snapshots/stream", handlers.HandleSnapshotStream)
	}
}

// NewRouter builds the admin server: tracing middleware, /metrics and the
// /v1/livewire routes.
func NewRouter(svc *Service) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("livewire"))

	metrics := telemetry.MetricsHandler()
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	router.GET("/metrics", gin.WrapH(metrics))

	v1 := router.Group("/v1")
	RegisterRoutes(v1, NewHandlers(svc))
	return router
}
