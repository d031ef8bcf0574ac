// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/warden/services/warden"
	"github.com/AleutianAI/warden/services/warden/handlers"
	"github.com/AleutianAI/warden/services/warden/observability"
	"github.com/AleutianAI/warden/services/warden/zerotrust"
)

// Options configures the optional parts of the router.
type Options struct {
	// ZeroTrust guards /v1. Nil leaves /v1 open.
	ZeroTrust *zerotrust.Evaluator

	// Metrics records zero-trust decisions. May be nil.
	Metrics *observability.Metrics

	// MetricsHandler serves /metrics. promhttp.Handler() if nil.
	MetricsHandler http.Handler

	// Hub serves /v1/events/ws. The route is omitted if nil.
	Hub *handlers.Hub

	Logger *slog.Logger
}

// SetupRoutes registers the warden API on router.
func SetupRoutes(router *gin.Engine, svc *warden.Service, opts Options) {
	metricsHandler := opts.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(metricsHandler))

	v1 := router.Group("/v1")
	if opts.ZeroTrust != nil {
		v1.Use(zerotrust.Middleware(opts.ZeroTrust, opts.Metrics, opts.Logger))
	}
	{
		workers := v1.Group("/workers")
		{
			workers.POST("", handlers.RegisterWorker(svc))
			workers.DELETE("/:id", handlers.DeregisterWorker(svc))
			workers.GET("/:id/usage", handlers.GetWorkerUsage(svc))
			workers.POST("/:id/samples", handlers.RecordSample(svc))
			workers.POST("/:id/anomalies", handlers.ReportAnomaly(svc))
			workers.PUT("/:id/communication", handlers.UpdateCommunication(svc))
			workers.POST("/:id/sessions", handlers.IssueSession(svc))
		}

		v1.POST("/operations/validate", handlers.ValidateOperation(svc))
		v1.GET("/status", handlers.GetStatus(svc))
		v1.GET("/audit", handlers.PerformAudit(svc))
		v1.GET("/audit/log", handlers.GetAuditLog(svc))
		v1.PUT("/config", handlers.UpdateConfig(svc))

		if opts.Hub != nil {
			v1.GET("/events/ws", opts.Hub.ServeWS())
		}
	}
}
