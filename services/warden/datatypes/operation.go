// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// OperationType names what a worker asks to do.
type OperationType string

const (
	OperationExecute     OperationType = "execute"
	OperationCommunicate OperationType = "communicate"
	OperationTerminate   OperationType = "terminate"
	OperationMonitor     OperationType = "monitor"
)

// Valid reports whether op is a known operation type.
func (op OperationType) Valid() bool {
	switch op {
	case OperationExecute, OperationCommunicate, OperationTerminate, OperationMonitor:
		return true
	default:
		return false
	}
}

// OperationRequest asks whether a worker may perform an operation.
//
// # Fields
//
//   - WorkerID: The worker requesting the operation. Required.
//   - Operation: The operation type. Required.
//   - UserID: Optional caller identity, recorded in the audit trail.
//   - SessionID: Optional session token issued by IssueSession. When set it
//     must verify, otherwise the request carries invalid-session.
//   - Endpoint: Optional target endpoint for communicate operations. When
//     set it is recorded as a recent message before validation.
//   - Metadata: Free-form caller context, copied into the audit summary.
type OperationRequest struct {
	WorkerID  string            `json:"worker_id" validate:"required,max=128"`
	Operation OperationType     `json:"operation" validate:"required,oneof=execute communicate terminate monitor"`
	UserID    string            `json:"user_id,omitempty" validate:"omitempty,max=128"`
	SessionID string            `json:"session_id,omitempty"`
	Endpoint  string            `json:"endpoint,omitempty" validate:"omitempty,max=253"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// WorkerSecurityResult is the decision for one OperationRequest.
//
// Success is false only when the pipeline itself failed (error, panic or
// timeout); in that case the result is fail-closed.
type WorkerSecurityResult struct {
	EventID         string          `json:"event_id"`
	WorkerID        string          `json:"worker_id"`
	Operation       OperationType   `json:"operation"`
	Success         bool            `json:"success"`
	Allowed         bool            `json:"allowed"`
	RiskScore       int             `json:"risk_score"`
	RiskLevel       RiskLevel       `json:"risk_level"`
	RiskFactors     []string        `json:"risk_factors"`
	BlockedActions  []string        `json:"blocked_actions"`
	AllowedActions  []string        `json:"allowed_actions"`
	ModifiedActions []string        `json:"modified_actions"`
	LoggedActions   []string        `json:"logged_actions"`
	Recommendations []string        `json:"recommendations"`
	ResourceLimits  *ResourceLimits `json:"resource_limits,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
	Duration        time.Duration   `json:"duration_ns"`
}

// AuditGrade is the letter grade of a security audit.
type AuditGrade string

const (
	GradeA AuditGrade = "A"
	GradeB AuditGrade = "B"
	GradeC AuditGrade = "C"
	GradeD AuditGrade = "D"
	GradeF AuditGrade = "F"
)

// GradeFor maps an overall score in [0,100] to a letter grade.
func GradeFor(score int) AuditGrade {
	switch {
	case score >= 90:
		return GradeA
	case score >= 80:
		return GradeB
	case score >= 70:
		return GradeC
	case score >= 60:
		return GradeD
	default:
		return GradeF
	}
}

// ComponentScore is one checklist of a security audit.
type ComponentScore struct {
	Component string   `json:"component"`
	Score     int      `json:"score"`
	Issues    []string `json:"issues,omitempty"`
}

// AuditReport is the result of PerformAudit.
type AuditReport struct {
	Components      []ComponentScore `json:"components"`
	OverallScore    int              `json:"overall_score"`
	Grade           AuditGrade       `json:"grade"`
	Issues          []string         `json:"issues"`
	Recommendations []string         `json:"recommendations"`
	Timestamp       time.Time        `json:"timestamp"`
}
