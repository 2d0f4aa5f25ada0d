// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/dataplane/pkg/extensions"
)

// authInfoKey is the context key for storing AuthInfo. A typed key
// prevents collisions with other context values.
const authInfoKey = "dataplane_auth_info"

// SetAuthInfo stores the authenticated user info in the gin context.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo retrieves the authenticated user info, or nil when the
// request was not authenticated.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// Auth authenticates every request with the injected provider.
//
// With the open source NopAuthProvider every request passes as
// "local-user". Deployments with a real provider get 401s for missing
// or invalid bearer tokens.
func Auth(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)

		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, extensions.ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "unauthorized",
				})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication failed",
			})
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// Audit records one event per state-changing request after it completes.
func Audit(logger extensions.AuditLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead {
			return
		}
		event := extensions.AuditEvent{
			Timestamp: time.Now().UTC(),
			Action:    c.Request.Method + " " + c.FullPath(),
			Resource:  c.Param("id"),
			Status:    c.Writer.Status(),
		}
		if info := GetAuthInfo(c); info != nil {
			event.UserID = info.UserID
		}
		logger.Record(c.Request.Context(), event)
	}
}

// extractBearerToken parses "Authorization: Bearer <token>", returning
// "" when the header is missing or malformed. The scheme is
// case-insensitive per RFC 7235.
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
