// Copyright (C) 2025 FundScout Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes registers the HTTP routes on a gin engine.
package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fundscout/fundscout/services/discovery/handlers"
)

// Register mounts all discovery routes. metricsHandler may be nil when
// telemetry is disabled.
func Register(router *gin.Engine, h *handlers.Handlers, metricsHandler http.Handler) {
	router.GET("/health", h.Health)
	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	v1 := router.Group("/v1/discovery")
	{
		v1.POST("/trigger", h.TriggerDiscovery)
		v1.GET("/requests/:requestId", h.GetRequestStatus)
		v1.GET("/sessions/:sessionId", h.GetSession)
		v1.GET("/dead-letters", h.GetDeadLetters)
	}
}
