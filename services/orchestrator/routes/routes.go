// Copyright (C) 2026 Makalah App (dev@makalah.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/makalah-app/makalah-aisdk-sub000/services/orchestrator/handlers"
)

// SetupRoutes registers all orchestrator routes on the router.
//
// The chat endpoint registers OPTIONS explicitly so CORS preflight passes
// through the admission middleware instead of gin's 404 handler.
func SetupRoutes(router *gin.Engine, chat handlers.StreamingChatHandler) {
	router.GET("/health", HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/chat", chat.HandleChatStream)
	router.OPTIONS("/chat", func(c *gin.Context) {
		// Admission middleware answers preflight with 204 before this
		// handler runs; reaching it means no middleware was installed.
		c.Status(http.StatusNoContent)
	})
}

// HealthCheck reports service liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
