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
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/middleware"
)

// Options carries what the routes need beyond the chat handler.
type Options struct {
	Auth      extensions.AuthProvider
	RateLimit middleware.RateLimitConfig
	Health    map[string]handlers.Pinger
}

// SetupRoutes registers the public and authenticated routes on router.
// A nil Auth falls back to NopAuthProvider.
func SetupRoutes(router *gin.Engine, chat *handlers.ChatHandler, opts Options) {
	if opts.Auth == nil {
		opts.Auth = &extensions.NopAuthProvider{}
	}

	router.GET("/health", handlers.HealthCheck(opts.Health))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	limiter := middleware.NewRateLimiter(opts.RateLimit)
	api := router.Group("/api", middleware.AuthMiddleware(opts.Auth))
	{
		api.POST("/chat", limiter.Middleware(), chat.HandleSend)
		api.GET("/chat/ws", limiter.Middleware(), chat.HandleWebSocket)
		api.DELETE("/chat", chat.HandleDelete)
		api.GET("/chat/:id/messages", chat.HandleMessages)
	}
}
