// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides the HTTP handlers of the warden API.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/warden/services/warden"
	"github.com/AleutianAI/warden/services/warden/audit"
	"github.com/AleutianAI/warden/services/warden/config"
	"github.com/AleutianAI/warden/services/warden/datatypes"
)

// maxAuditLogLimit bounds one audit log page.
const maxAuditLogLimit = 1000

type registerWorkerRequest struct {
	ID     string            `json:"id" binding:"required"`
	PID    int               `json:"pid"`
	Labels map[string]string `json:"labels,omitempty"`
}

type issueSessionRequest struct {
	UserID string `json:"user_id"`
}

type sessionResponse struct {
	Token     string    `json:"token"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type auditLogResponse struct {
	Events       []audit.Event                 `json:"events"`
	Verification audit.ChainVerificationResult `json:"verification"`
}

// errorStatus maps service errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, warden.ErrWorkerNotFound), errors.Is(err, warden.ErrPolicyMissing):
		return http.StatusNotFound
	case errors.Is(err, warden.ErrWorkerExists):
		return http.StatusConflict
	case errors.Is(err, warden.ErrMaxWorkersReached):
		return http.StatusServiceUnavailable
	case errors.Is(err, warden.ErrInvalidWorker),
		errors.Is(err, warden.ErrInvalidInput),
		errors.Is(err, config.ErrInvalidConfig):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// =============================================================================
// Workers
// =============================================================================

func RegisterWorker(svc *warden.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerWorkerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		w := datatypes.Worker{ID: req.ID, PID: req.PID, Labels: req.Labels}
		if err := svc.RegisterWorker(c.Request.Context(), w); err != nil {
			abortWithError(c, err)
			return
		}
		registered, err := svc.Worker(req.ID)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, registered)
	}
}

func DeregisterWorker(svc *warden.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := svc.DeregisterWorker(c.Request.Context(), id); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deregistered", "worker_id": id})
	}
}

func GetWorkerUsage(svc *warden.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		usage, err := svc.ResourceUsage(id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"worker_id": id,
			"usage":     usage,
			"throttled": svc.Throttled(id),
		})
	}
}

func RecordSample(svc *warden.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var raw datatypes.RawMetrics
		if err := c.ShouldBindJSON(&raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		id := c.Param("id")
		if err := svc.RecordSample(c.Request.Context(), id, raw); err != nil {
			abortWithError(c, err)
			return
		}
		usage, err := svc.ResourceUsage(id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, usage)
	}
}

func ReportAnomaly(svc *warden.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var a datatypes.BehaviorAnomaly
		if err := c.ShouldBindJSON(&a); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		if a.Source == "" {
			a.Source = "api"
		}
		if err := svc.ReportAnomaly(c.Request.Context(), c.Param("id"), a); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "recorded"})
	}
}

func UpdateCommunication(svc *warden.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var st datatypes.CommunicationState
		if err := c.ShouldBindJSON(&st); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		if err := svc.UpdateCommunicationState(c.Request.Context(), c.Param("id"), st); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "updated"})
	}
}

func IssueSession(svc *warden.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req issueSessionRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
				return
			}
		}
		token, sess, err := svc.IssueSession(c.Param("id"), req.UserID)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, sessionResponse{Token: token, SessionID: sess.ID, ExpiresAt: sess.ExpiresAt})
	}
}

// =============================================================================
// Decisions
// =============================================================================

// ValidateOperation returns the decision with 200 whether or not the
// operation is allowed. Only a malformed body is rejected.
func ValidateOperation(svc *warden.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.OperationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		c.JSON(http.StatusOK, svc.ValidateOperation(c.Request.Context(), req))
	}
}

// =============================================================================
// Administration
// =============================================================================

func GetStatus(svc *warden.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, svc.GetStatus())
	}
}

func PerformAudit(svc *warden.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, svc.PerformAudit(c.Request.Context()))
	}
}

// GetAuditLog returns audit events and the chain verification.
//
// Query parameters: worker_id, type, since (RFC 3339) and limit.
func GetAuditLog(svc *warden.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		f := audit.Filter{
			WorkerID: c.Query("worker_id"),
			Type:     audit.EventType(c.Query("type")),
			Limit:    100,
		}
		if s := c.Query("since"); s != "" {
			since, err := time.Parse(time.RFC3339, s)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC 3339"})
				return
			}
			f.Since = since
		}
		if s := c.Query("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 || n > maxAuditLogLimit {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
				return
			}
			f.Limit = n
		}
		events := svc.AuditLog(f)
		if events == nil {
			events = []audit.Event{}
		}
		c.JSON(http.StatusOK, auditLogResponse{Events: events, Verification: svc.VerifyAuditChain()})
	}
}

func UpdateConfig(svc *warden.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := svc.SecurityConfig()
		if err := c.ShouldBindJSON(&cfg); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		if err := svc.UpdateConfig(c.Request.Context(), cfg); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, svc.SecurityConfig())
	}
}
