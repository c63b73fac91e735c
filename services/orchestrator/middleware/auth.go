// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides the gin middleware in front of the chat API:
// authentication, correlation ids and per-user rate limiting.
//
// # Authentication Flow
//
//	Request
//	   │
//	   ▼
//	AuthMiddleware
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>" or the
//	   │   session cookie
//	   │
//	   ├─► provider.Validate(ctx, token)
//	   │
//	   ├─► failure: browsers are redirected to /login, API callers get 401
//	   │
//	   └─► Store AuthInfo in context
//	           │
//	           ▼
//	       Handler (retrieves via GetAuthInfo)
package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/chaterr"
)

const (
	authInfoKey = "aleutian_auth_info"

	// SessionCookie carries the bearer token for browser clients, which
	// cannot set headers on WebSocket upgrades.
	SessionCookie = "aleutian_session"

	// LoginPath is where unauthenticated browsers are sent.
	LoginPath = "/login"
)

// SetAuthInfo stores the authenticated caller in the gin context.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo returns the authenticated caller, or nil if the request did
// not pass through AuthMiddleware.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// AuthMiddleware authenticates every request with provider.
//
// # Description
//
// The token comes from the Authorization header, falling back to the
// session cookie. On failure the response depends on the caller: a browser
// navigation (Accept includes text/html) is redirected to LoginPath, every
// other caller receives 401 with the unauthorized error body.
//
// # Inputs
//
//   - provider: Token validator. Must not be nil.
//
// # Thread Safety
//
// The returned middleware is safe for concurrent use.
func AuthMiddleware(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)
		if token == "" {
			token, _ = c.Cookie(SessionCookie)
		}

		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err == nil && (authInfo == nil || authInfo.UserID == "") {
			err = errors.New("provider returned no identity")
		}
		if err != nil {
			if !errors.Is(err, extensions.ErrUnauthorized) {
				slog.Warn("auth provider failed", "path", c.Request.URL.Path, "error", err)
			}
			rejectUnauthorized(c, err)
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

func rejectUnauthorized(c *gin.Context, cause error) {
	if wantsHTML(c.Request) {
		c.Redirect(http.StatusFound, LoginPath)
		c.Abort()
		return
	}
	ce := chaterr.New(chaterr.KindUnauthorized, cause)
	c.AbortWithStatusJSON(ce.HTTPStatus(), ce.Response())
}

// wantsHTML reports whether the request is a browser page navigation.
func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// extractBearerToken returns the token from "Authorization: Bearer <token>".
// The scheme is case-insensitive per RFC 7235. Anything else yields "".
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
