// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package zerotrust

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/warden/services/warden/observability"
	"github.com/AleutianAI/warden/services/warden/risk"
)

// DeviceHeader carries the caller's device identifier.
const DeviceHeader = "X-Warden-Device"

// identityKey is the gin context key for the admitted identity.
const identityKey = "warden_identity"

// GetIdentity returns the identity admitted by Middleware, or "".
func GetIdentity(c *gin.Context) string {
	return c.GetString(identityKey)
}

// Middleware admits requests through e.
//
// # Description
//
// The identity is the bearer token of the Authorization header. Denied
// requests are aborted with 429 when the rate limit is the blocking
// reason and 403 otherwise. The response lists the risk factors but never
// echoes the identity.
//
// # Inputs
//
//   - e: Must not be nil.
//   - metrics: May be nil.
//   - logger: slog.Default() if nil.
func Middleware(e *Evaluator, metrics *observability.Metrics, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		req := Request{
			Identity:   extractBearerToken(c),
			DeviceID:   c.GetHeader(DeviceHeader),
			RemoteAddr: c.ClientIP(),
			Method:     c.Request.Method,
			Path:       c.FullPath(),
		}

		out, assessment := e.Evaluate(c.Request.Context(), req)
		metrics.RecordZeroTrust(assessment.Allowed)

		if !assessment.Allowed {
			logger.Warn("API request denied",
				"path", req.Path,
				"method", req.Method,
				"remote_addr", req.RemoteAddr,
				"identity_present", req.Identity != "",
				"risk_score", assessment.RiskScore,
				"risk_factors", out.RiskFactors)

			status := http.StatusForbidden
			if out.HasFactor(risk.FactorRateLimitExceeded) {
				status = http.StatusTooManyRequests
			}
			c.AbortWithStatusJSON(status, gin.H{
				"error":        "request denied",
				"risk_score":   assessment.RiskScore,
				"risk_factors": out.RiskFactors,
			})
			return
		}

		c.Set(identityKey, req.Identity)
		c.Next()
	}
}

// extractBearerToken returns the token of "Authorization: Bearer <token>".
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
