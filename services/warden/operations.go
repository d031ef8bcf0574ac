// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package warden

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/warden/services/warden/audit"
	"github.com/AleutianAI/warden/services/warden/behavior"
	"github.com/AleutianAI/warden/services/warden/datatypes"
	"github.com/AleutianAI/warden/services/warden/resources"
	"github.com/AleutianAI/warden/services/warden/session"
	"github.com/AleutianAI/warden/services/warden/state"
)

// =============================================================================
// Resource Usage
// =============================================================================

// SampleWorker pulls one sample from the metrics source and records it.
//
// Terminated workers are skipped.
func (s *Service) SampleWorker(ctx context.Context, id string) error {
	st, ok := s.store.Snapshot(id)
	if !ok {
		return ErrWorkerNotFound
	}
	if st.Worker.Status == datatypes.WorkerTerminated {
		return nil
	}
	raw, err := s.tracker.Sample(ctx, st.Worker)
	if err != nil {
		return err
	}
	return s.RecordSample(ctx, id, raw)
}

// RecordSample applies raw to the worker's usage and enforces overages.
//
// # Description
//
// current becomes raw, average is the running mean and peak the running
// maximum, so current never exceeds peak. With resource monitoring on, any
// overage is handed to the actuator: soft and hard cpu, memory, disk and
// network overages throttle, a hard execution overage terminates. Usage
// back under the soft thresholds releases the throttle.
func (s *Service) RecordSample(ctx context.Context, id string, raw datatypes.RawMetrics) error {
	if err := datatypes.Validate(raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	cfg := s.SecurityConfig()
	now := s.now()

	var worker datatypes.Worker
	limits := cfg.ResourceLimits
	err := s.store.Update(id, func(st *state.WorkerSecurityState) error {
		resources.Record(&st.Usage, raw, now)
		worker = st.Worker
		if st.Policy != nil {
			limits = st.Policy.Limits
		}
		return nil
	})
	if err != nil {
		return err
	}

	if cfg.EnableResourceMonitoring {
		s.enforce(ctx, worker, resources.Overages(raw, limits, cfg.SoftLimitRatio))
	}
	return nil
}

// ResourceUsage returns the worker's usage metrics.
func (s *Service) ResourceUsage(id string) (datatypes.ResourceUsageMetrics, error) {
	st, ok := s.store.Snapshot(id)
	if !ok {
		return datatypes.ResourceUsageMetrics{}, ErrWorkerNotFound
	}
	return st.Usage, nil
}

// Throttled returns the worker's throttled dimensions.
func (s *Service) Throttled(id string) []datatypes.Dimension {
	return s.actuator.Throttled(id)
}

// =============================================================================
// Isolation Policies
// =============================================================================

// Policy returns the worker's isolation policy, renewing it if expired.
//
// # Outputs
//
//   - error: ErrWorkerNotFound, or ErrPolicyMissing when the worker was
//     registered with sandboxing disabled.
func (s *Service) Policy(ctx context.Context, id string) (datatypes.IsolationPolicy, error) {
	iso := s.policies()
	var (
		p       datatypes.IsolationPolicy
		renewed bool
	)
	err := s.store.Update(id, func(st *state.WorkerSecurityState) error {
		if st.Policy == nil {
			return ErrPolicyMissing
		}
		renewed = iso.RenewIfExpired(st.Policy)
		p = *st.Policy
		return nil
	})
	if err != nil {
		return datatypes.IsolationPolicy{}, fmt.Errorf("policy of worker %s: %w", id, err)
	}
	if renewed {
		s.policyCreated(ctx, p, audit.EventPolicyRenewed)
	}
	return p, nil
}

// RenewExpiredPolicies renews every expired policy and returns the count.
func (s *Service) RenewExpiredPolicies(ctx context.Context) (int, error) {
	iso := s.policies()
	var renewed []datatypes.IsolationPolicy
	for _, id := range s.store.IDs() {
		if err := ctx.Err(); err != nil {
			return len(renewed), err
		}
		_ = s.store.Update(id, func(st *state.WorkerSecurityState) error {
			if st.Policy != nil && iso.RenewIfExpired(st.Policy) {
				renewed = append(renewed, *st.Policy)
			}
			return nil
		})
	}
	for _, p := range renewed {
		s.logger.Info("Isolation policy renewed",
			"worker_id", p.WorkerID,
			"generation", p.Generation,
			"expires_at", p.ExpiresAt)
		s.policyCreated(ctx, p, audit.EventPolicyRenewed)
	}
	return len(renewed), nil
}

// =============================================================================
// Behavior
// =============================================================================

// AnalyzeBehavior runs periodic anomaly analysis for one worker.
//
// The analysis snapshot is appended to history and the result kept as
// the worker's latest anomalies. Detected anomalies are audited.
func (s *Service) AnalyzeBehavior(ctx context.Context, id string) error {
	cfg := s.SecurityConfig()
	if !cfg.EnableBehaviorAnalysis {
		return nil
	}
	now := s.now()

	var analysis behavior.Analysis
	err := s.store.Update(id, func(st *state.WorkerSecurityState) error {
		limits := cfg.ResourceLimits
		if st.Policy != nil {
			limits = st.Policy.Limits
		}
		snap := behavior.Capture(datatypes.OperationMonitor, st.Usage.Current(), st.Communication, now)
		reported := behavior.PruneAnomalies(st.Reported, now.Add(-AnomalyWindow))
		analysis = s.profiler.Analyze(st.History, snap, reported,
			behavior.DefaultThresholds(limits, cfg.AllowedEndpoints))

		st.History = behavior.AppendHistory(st.History, snap, s.maxHistory)
		st.LastAnomalies = analysis.Anomalies
		st.LastAnalyzedAt = now
		return nil
	})
	if err != nil {
		return err
	}

	if len(analysis.Anomalies) == 0 {
		return nil
	}
	types := make([]string, len(analysis.Anomalies))
	for i, a := range analysis.Anomalies {
		types[i] = string(a.Type)
	}
	s.logger.Warn("Behavior anomalies detected",
		"worker_id", id,
		"risk_level", string(analysis.RiskLevel),
		"anomalies", types)
	s.record(ctx, audit.Event{
		Type:     audit.EventAnomaly,
		WorkerID: id,
		Factors:  types,
		Details: map[string]string{
			"risk_level": string(analysis.RiskLevel),
			"confidence": fmt.Sprintf("%.1f", analysis.Confidence),
			"score":      fmt.Sprintf("%.1f", analysis.Score),
		},
	})
	return nil
}

// LastAnalysis returns the anomalies of the latest periodic analysis.
func (s *Service) LastAnalysis(id string) ([]datatypes.BehaviorAnomaly, error) {
	st, ok := s.store.Snapshot(id)
	if !ok {
		return nil, ErrWorkerNotFound
	}
	return st.LastAnomalies, nil
}

// ReportAnomaly records an anomaly from an external detector.
//
// A zero severity or confidence is filled from the threat table. The
// anomaly takes part in analysis for AnomalyWindow.
func (s *Service) ReportAnomaly(ctx context.Context, id string, a datatypes.BehaviorAnomaly) error {
	if err := datatypes.Validate(a); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = s.now()
	}
	if a.Source == "" {
		a.Source = "external"
	}
	a = s.profiler.Grade(a)

	err := s.store.Update(id, func(st *state.WorkerSecurityState) error {
		st.Reported = append(st.Reported, a)
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Warn("Anomaly reported",
		"worker_id", id,
		"type", string(a.Type),
		"severity", a.Severity,
		"source", a.Source)
	s.record(ctx, audit.Event{
		Type:     audit.EventAnomaly,
		WorkerID: id,
		Factors:  []string{string(a.Type)},
		Details: map[string]string{
			"severity": fmt.Sprint(a.Severity),
			"source":   a.Source,
		},
	})
	return nil
}

// =============================================================================
// Communication
// =============================================================================

// UpdateCommunicationState replaces the worker's channel flags and
// channels. Recent messages are kept.
func (s *Service) UpdateCommunicationState(ctx context.Context, id string, c datatypes.CommunicationState) error {
	err := s.store.Update(id, func(st *state.WorkerSecurityState) error {
		st.Communication.Encrypted = c.Encrypted
		st.Communication.Authenticated = c.Authenticated
		st.Communication.Integrity = c.Integrity
		st.Communication.Channels = append([]string(nil), c.Channels...)
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("Communication state updated",
		"worker_id", id,
		"encrypted", c.Encrypted,
		"authenticated", c.Authenticated,
		"channels", len(c.Channels))
	return nil
}

// RecordMessage appends one outbound message to the worker's window.
func (s *Service) RecordMessage(id string, m datatypes.Message) error {
	if err := datatypes.Validate(m); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now()
	}
	return s.store.Update(id, func(st *state.WorkerSecurityState) error {
		st.Communication.AppendMessage(m)
		return nil
	})
}

// =============================================================================
// Sessions
// =============================================================================

// IssueSession issues a session token bound to a registered worker.
func (s *Service) IssueSession(workerID, userID string) (string, session.Session, error) {
	if _, ok := s.store.Snapshot(workerID); !ok {
		return "", session.Session{}, ErrWorkerNotFound
	}
	token, sess, err := s.sessions.Issue(workerID, userID)
	if err != nil {
		return "", session.Session{}, fmt.Errorf("issue session: %w", err)
	}
	s.logger.Info("Session issued", "worker_id", workerID, "session_id", sess.ID)
	return token, sess, nil
}

// RevokeSession revokes a token or session id. Returns false if unknown.
func (s *Service) RevokeSession(tokenOrID string) bool {
	ok := s.sessions.Revoke(tokenOrID)
	if ok {
		id, _, _ := strings.Cut(tokenOrID, ".")
		s.logger.Info("Session revoked", "session_id", id)
	}
	return ok
}

// =============================================================================
// Audit Trail
// =============================================================================

// PruneAudit drops audit events past retention, snapshot history older
// than retention, expired reported anomalies and expired sessions.
//
// Returns the number of audit events dropped.
func (s *Service) PruneAudit(ctx context.Context) (int, error) {
	now := s.now()
	historyCutoff := now.Add(-s.retention)
	anomalyCutoff := now.Add(-AnomalyWindow)

	for _, id := range s.store.IDs() {
		_ = s.store.Update(id, func(st *state.WorkerSecurityState) error {
			st.History = behavior.PruneHistory(st.History, historyCutoff)
			st.Reported = behavior.PruneAnomalies(st.Reported, anomalyCutoff)
			return nil
		})
	}
	expired := s.sessions.PruneExpired()
	if expired > 0 {
		s.logger.Debug("Expired sessions pruned", "count", expired)
	}

	n, err := s.auditLog.Prune(ctx, s.retention)
	s.metrics.SetAuditEvents(s.auditLog.Len())
	return n, err
}

// AuditLog returns retained audit events matching f, oldest first.
func (s *Service) AuditLog(f audit.Filter) []audit.Event {
	return s.auditLog.Entries(f)
}

// VerifyAuditChain verifies the retained hash chain.
func (s *Service) VerifyAuditChain() audit.ChainVerificationResult {
	return s.auditLog.Verify()
}

// IsNotFound reports whether err means the worker is unknown.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWorkerNotFound)
}
