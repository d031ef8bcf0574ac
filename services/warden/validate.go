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

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/warden/services/warden/audit"
	"github.com/AleutianAI/warden/services/warden/behavior"
	"github.com/AleutianAI/warden/services/warden/config"
	"github.com/AleutianAI/warden/services/warden/datatypes"
	"github.com/AleutianAI/warden/services/warden/enforcement"
	"github.com/AleutianAI/warden/services/warden/resources"
	"github.com/AleutianAI/warden/services/warden/risk"
	"github.com/AleutianAI/warden/services/warden/state"
	"github.com/AleutianAI/warden/services/warden/telemetry"
	"github.com/AleutianAI/warden/services/warden/validation"
)

// errInvalidOperation fails an unknown operation type closed.
var errInvalidOperation = errors.New("invalid operation type")

// evaluation is the outcome of one chain run.
type evaluation struct {
	outcome    risk.Outcome
	assessment risk.Assessment
	registered bool
	worker     datatypes.Worker
	usage      datatypes.ResourceUsageMetrics
	limits     datatypes.ResourceLimits
	snapshot   datatypes.BehaviorSnapshot
	renewed    *datatypes.IsolationPolicy
	err        error
}

// ValidateOperation decides one worker operation.
//
// # Description
//
// One snapshot of the worker's state is captured and every validator runs
// against it. The merged outcome is scored and allowed only when the score
// is below risk.Threshold and nothing was blocked. An allowed operation
// on a worker over its soft limits is throttled; the applied actions are
// appended to ModifiedActions.
//
// The whole evaluation is bounded by ValidationTimeout. A timeout yields
// validation-timeout; a validator error or panic yields validation-error.
// Both fail closed with Success=false, RiskScore=100 and Allowed=false.
//
// Exactly one audit event and one sink OnSecurityEvent follow every call.
//
// # Inputs
//
//   - ctx: Cancellation also fails the call closed.
//   - req: WorkerID and Operation are required.
//
// # Outputs
//
//   - datatypes.WorkerSecurityResult: Always populated; never an error.
func (s *Service) ValidateOperation(ctx context.Context, req datatypes.OperationRequest) datatypes.WorkerSecurityResult {
	start := s.now()
	ctx, span := telemetry.StartSpan(ctx, "warden.ValidateOperation",
		trace.WithAttributes(
			attribute.String("worker_id", req.WorkerID),
			attribute.String("operation", string(req.Operation)),
		))
	defer span.End()

	cfg := s.SecurityConfig()
	res := datatypes.WorkerSecurityResult{
		EventID:   uuid.NewString(),
		WorkerID:  req.WorkerID,
		Operation: req.Operation,
		Timestamp: start,
	}

	ev, failure := s.evaluateBounded(ctx, req, cfg)
	if ev.renewed != nil {
		s.policyCreated(ctx, *ev.renewed, audit.EventPolicyRenewed)
	}
	if failure != "" {
		out, a := risk.FailClosed(failure)
		fill(&res, out, a)
		res.Success = false
		telemetry.RecordError(span, ev.err)
		s.logger.Error("Operation validation failed closed",
			"worker_id", req.WorkerID,
			"operation", string(req.Operation),
			"factor", failure,
			"error", ev.err)
	} else {
		fill(&res, ev.outcome, ev.assessment)
		res.Success = true
		if ev.registered {
			limits := ev.limits
			res.ResourceLimits = &limits
			s.commitSnapshot(req.WorkerID, ev.snapshot, cfg)
			if res.Allowed && cfg.EnableResourceMonitoring && ev.usage.Samples > 0 {
				over := resources.Overages(ev.usage.Current(), ev.limits, cfg.SoftLimitRatio)
				res.ModifiedActions = append(res.ModifiedActions, s.enforce(ctx, ev.worker, over)...)
			}
		}
	}
	res.Duration = s.now().Sub(start)

	span.SetAttributes(
		attribute.Bool("allowed", res.Allowed),
		attribute.Int("risk_score", res.RiskScore),
		attribute.StringSlice("risk_factors", res.RiskFactors),
	)
	s.metrics.RecordDecision(res)
	s.inst.RecordValidation(ctx, string(res.Operation), res.Allowed)

	allowed := res.Allowed
	s.record(ctx, audit.Event{
		ID:        res.EventID,
		Type:      audit.EventSecurityDecision,
		WorkerID:  res.WorkerID,
		UserID:    req.UserID,
		Allowed:   &allowed,
		RiskScore: res.RiskScore,
		Factors:   res.RiskFactors,
		Details: map[string]string{
			"operation":  string(res.Operation),
			"risk_level": string(res.RiskLevel),
		},
	})
	s.emit("worker-security-event", func() error { return s.sink.OnSecurityEvent(ctx, res) })

	if !res.Allowed {
		s.logger.Warn("Operation denied",
			"worker_id", res.WorkerID,
			"operation", string(res.Operation),
			"risk_score", res.RiskScore,
			"risk_factors", res.RiskFactors,
			"blocked_actions", res.BlockedActions)
	} else {
		s.logger.Debug("Operation allowed",
			"worker_id", res.WorkerID,
			"operation", string(res.Operation),
			"risk_score", res.RiskScore)
	}
	return res
}

// evaluateBounded captures the worker's state and runs the chain under
// ValidationTimeout.
//
// The returned failure is the fail-closed factor, or "" on success.
func (s *Service) evaluateBounded(ctx context.Context, req datatypes.OperationRequest, cfg config.WorkerSecurityConfig) (evaluation, string) {
	if !req.Operation.Valid() {
		return evaluation{err: fmt.Errorf("%w: %q", errInvalidOperation, req.Operation)}, risk.FactorValidationError
	}

	// A policy renewed by capture is reported even if the chain times out.
	ev, in := s.capture(req, cfg)

	ctx, cancel := context.WithTimeout(ctx, cfg.ValidationTimeout)
	defer cancel()

	type chainResult struct {
		outcome    risk.Outcome
		assessment risk.Assessment
		err        error
	}
	ch := make(chan chainResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- chainResult{err: fmt.Errorf("%w: %v", risk.ErrValidatorPanic, r)}
			}
		}()
		out, err := s.chain.Run(ctx, in)
		if err != nil {
			ch <- chainResult{err: err}
			return
		}
		ch <- chainResult{outcome: out, assessment: s.aggregator.Assess(out)}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			ev.err = r.err
			return ev, risk.FactorValidationError
		}
		ev.outcome = r.outcome
		ev.assessment = r.assessment
		return ev, ""
	case <-ctx.Done():
		ev.err = fmt.Errorf("validate operation: %w", ctx.Err())
		return ev, risk.FactorValidationTimeout
	}
}

// capture builds the validator input from one consistent copy of the
// worker's state. An expired policy is renewed first.
func (s *Service) capture(req datatypes.OperationRequest, cfg config.WorkerSecurityConfig) (evaluation, validation.Input) {
	now := s.now()
	in := validation.Input{WorkerID: req.WorkerID, Operation: req.Operation}
	var ev evaluation

	var snap state.WorkerSecurityState
	iso := s.policies()
	err := s.store.Update(req.WorkerID, func(st *state.WorkerSecurityState) error {
		if st.Policy != nil && iso.RenewIfExpired(st.Policy) {
			p := *st.Policy
			ev.renewed = &p
		}
		snap = st.Clone()
		return nil
	})
	if err != nil {
		return ev, in
	}

	limits := cfg.ResourceLimits
	if snap.Policy != nil {
		limits = snap.Policy.Limits
	}

	ev.registered = true
	ev.worker = snap.Worker
	ev.usage = snap.Usage
	ev.limits = limits
	ev.snapshot = behavior.Capture(req.Operation, snap.Usage.Current(), snap.Communication, now)

	in.Auth = validation.AuthContext{
		Registered:       true,
		Status:           snap.Worker.Status,
		SessionPresented: req.SessionID != "",
	}
	if req.SessionID != "" {
		_, in.Auth.SessionErr = s.sessions.Verify(req.SessionID, req.WorkerID)
	}
	in.Resource = validation.ResourceContext{
		Enabled:   cfg.EnableResourceMonitoring,
		Usage:     snap.Usage,
		Limits:    limits,
		SoftRatio: cfg.SoftLimitRatio,
	}
	in.Communication = validation.CommunicationContext{
		RequireEncryption: cfg.EnableCommunicationEncryption,
		State:             snap.Communication,
	}
	in.Behavior = validation.BehaviorContext{
		Enabled:    cfg.EnableBehaviorAnalysis,
		History:    snap.History,
		Snapshot:   ev.snapshot,
		Reported:   behavior.PruneAnomalies(snap.Reported, now.Add(-AnomalyWindow)),
		Thresholds: behavior.DefaultThresholds(limits, cfg.AllowedEndpoints),
	}
	in.Sandbox = validation.SandboxContext{
		Enabled: cfg.EnableSandboxing,
		Policy:  snap.Policy,
	}
	return ev, in
}

// commitSnapshot appends the decision's behavior snapshot to history.
func (s *Service) commitSnapshot(id string, snap datatypes.BehaviorSnapshot, cfg config.WorkerSecurityConfig) {
	if !cfg.EnableBehaviorAnalysis {
		return
	}
	_ = s.store.Update(id, func(st *state.WorkerSecurityState) error {
		st.History = behavior.AppendHistory(st.History, snap, s.maxHistory)
		return nil
	})
}

// enforce applies overages through the actuator and mirrors the result
// into the worker status. It returns the newly applied actions.
func (s *Service) enforce(ctx context.Context, w datatypes.Worker, over []resources.Overage) []string {
	if _, ok := s.store.Snapshot(w.ID); !ok {
		return nil
	}
	eff, err := s.actuator.Apply(ctx, w, over)
	if errors.Is(err, enforcement.ErrWorkerNotTracked) {
		s.logger.Debug("Skipped enforcement for deregistered worker", "worker_id", w.ID)
		return nil
	}
	if err != nil {
		s.logger.Error("Enforcement action failed", "worker_id", w.ID, "error", err)
	}
	if !eff.Changed() {
		return nil
	}

	status := datatypes.WorkerActive
	switch {
	case s.actuator.Terminated(w.ID):
		status = datatypes.WorkerTerminated
	case len(s.actuator.Throttled(w.ID)) > 0:
		status = datatypes.WorkerThrottled
	}
	_ = s.store.Update(w.ID, func(st *state.WorkerSecurityState) error {
		st.Worker.Status = status
		return nil
	})

	actions := eff.ModifiedActions()
	details := map[string]string{"status": string(status)}
	if eff.Released {
		details["released"] = "true"
	}
	s.metrics.RecordEnforcement(actions)
	s.record(ctx, audit.Event{
		Type:     audit.EventEnforcement,
		WorkerID: w.ID,
		Factors:  actions,
		Details:  details,
	})
	s.publishCounts()
	return actions
}

// fill copies an outcome and its assessment into res.
func fill(res *datatypes.WorkerSecurityResult, out risk.Outcome, a risk.Assessment) {
	res.RiskScore = a.RiskScore
	res.Allowed = a.Allowed
	res.RiskLevel = a.Level
	res.Recommendations = nonNil(a.Recommendations)
	res.RiskFactors = nonNil(out.RiskFactors)
	res.BlockedActions = nonNil(out.BlockedActions)
	res.AllowedActions = nonNil(out.AllowedActions)
	res.ModifiedActions = nonNil(out.ModifiedActions)
	res.LoggedActions = nonNil(out.LoggedActions)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
