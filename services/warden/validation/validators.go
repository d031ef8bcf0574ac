// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation holds the worker operation validators.
//
// # Description
//
// Each validator reads only its own typed context from Input, so a
// validator can be tested without building the others' state. The chain
// built by NewChain runs, in order:
//
//  1. authentication
//  2. resource
//  3. communication
//  4. behavior
//  5. sandbox
//
// When the worker is not registered only the authentication validator
// contributes; the rest have no state to inspect and pass silently.
package validation

import (
	"context"
	"fmt"

	"github.com/AleutianAI/warden/services/warden/behavior"
	"github.com/AleutianAI/warden/services/warden/datatypes"
	"github.com/AleutianAI/warden/services/warden/resources"
	"github.com/AleutianAI/warden/services/warden/risk"
)

// Validator names.
const (
	NameAuthentication = "authentication"
	NameResource       = "resource"
	NameCommunication  = "communication"
	NameBehavior       = "behavior"
	NameSandbox        = "sandbox"
)

// Action names recorded in outcomes.
const (
	ActionWorkerNotRegistered   = "worker-not-registered"
	ActionWorkerTerminated      = "worker-terminated"
	ActionSessionRejected       = "session-rejected"
	ActionWorkerAuthenticated   = "worker-authenticated"
	ActionSessionVerified       = "session-verified"
	ActionResourceDisabled      = "resource-monitoring-disabled"
	ActionNoUsageData           = "no-usage-data"
	ActionResourceWithinLimits  = "resource-within-limits"
	ActionExecutionLimit        = "execution-time-limit-exceeded"
	ActionCommunicationBlocked  = "communication-blocked"
	ActionCommunicationDegraded = "communication-degraded"
	ActionCommunicationSecure   = "communication-secure"
	ActionBehaviorDisabled      = "behavior-analysis-disabled"
	ActionBehaviorBlocked       = "behavior-blocked"
	ActionAnomalousLogged       = "anomalous-behavior-logged"
	ActionBehaviorNormal        = "behavior-normal"
	ActionSandboxingDisabled    = "sandboxing-disabled"
	ActionSandboxPolicyMissing  = "sandbox-policy-missing"
	ActionIsolationLevelInvalid = "isolation-level-invalid"
	ActionSandboxCompliant      = "sandbox-compliant"
	ActionSandboxPolicyActive   = "sandbox-policy-active"
)

// LimitExceededAction returns the blocked action for a hard overage of d.
func LimitExceededAction(d datatypes.Dimension) string {
	if d == datatypes.DimensionExecution {
		return ActionExecutionLimit
	}
	return fmt.Sprintf("%s-limit-exceeded", d)
}

// OverageFactor returns the risk factor for a hard overage of d.
func OverageFactor(d datatypes.Dimension) string {
	switch d {
	case datatypes.DimensionCPU:
		return risk.FactorCPUOverage
	case datatypes.DimensionMemory:
		return risk.FactorMemoryOverage
	case datatypes.DimensionDisk:
		return risk.FactorDiskOverage
	case datatypes.DimensionNetwork:
		return risk.FactorNetworkOverage
	default:
		return risk.FactorExecutionTimeout
	}
}

// =============================================================================
// Inputs
// =============================================================================

// Input is one operation as seen by the chain.
type Input struct {
	WorkerID  string
	Operation datatypes.OperationType

	Auth          AuthContext
	Resource      ResourceContext
	Communication CommunicationContext
	Behavior      BehaviorContext
	Sandbox       SandboxContext
}

// AuthContext is what the authentication validator sees.
type AuthContext struct {
	Registered bool
	Status     datatypes.WorkerStatus
	// SessionPresented is true when the request carried a session token.
	SessionPresented bool
	// SessionErr is the verification error of the presented token.
	SessionErr error
}

// ResourceContext is what the resource validator sees.
type ResourceContext struct {
	Enabled   bool
	Usage     datatypes.ResourceUsageMetrics
	Limits    datatypes.ResourceLimits
	SoftRatio float64
}

// CommunicationContext is what the communication validator sees.
type CommunicationContext struct {
	RequireEncryption bool
	State             datatypes.CommunicationState
}

// BehaviorContext is what the behavior validator sees.
type BehaviorContext struct {
	Enabled    bool
	History    []datatypes.BehaviorSnapshot
	Snapshot   datatypes.BehaviorSnapshot
	Reported   []datatypes.BehaviorAnomaly
	Thresholds behavior.Thresholds
}

// SandboxContext is what the sandbox validator sees.
type SandboxContext struct {
	Enabled bool
	Policy  *datatypes.IsolationPolicy
}

// =============================================================================
// Chain
// =============================================================================

// NewChain returns the worker operation chain.
//
// # Inputs
//
//   - profiler: Used by the behavior validator. Must not be nil.
func NewChain(profiler *behavior.Profiler) *risk.Chain[Input] {
	return risk.NewChain[Input](
		Authentication(),
		Resource(),
		Communication(),
		Behavior(profiler),
		Sandbox(),
	)
}

// Authentication checks registration, termination and the session.
func Authentication() risk.Validator[Input] {
	return risk.Func(NameAuthentication, func(_ context.Context, in Input) (risk.Outcome, error) {
		var o risk.Outcome
		a := in.Auth
		if !a.Registered {
			o.AddFactor(risk.FactorUnknownWorker)
			o.Block(ActionWorkerNotRegistered)
			return o, nil
		}
		if a.Status == datatypes.WorkerTerminated {
			o.AddFactor(risk.FactorWorkerTerminated)
			o.Block(ActionWorkerTerminated)
			return o, nil
		}
		if a.SessionPresented && a.SessionErr != nil {
			o.AddFactor(risk.FactorInvalidSession)
			o.Block(ActionSessionRejected)
			return o, nil
		}
		o.Allow(ActionWorkerAuthenticated)
		if a.SessionPresented {
			o.Allow(ActionSessionVerified)
		}
		return o, nil
	})
}

// Resource checks the latest sample against the hard limits.
//
// Only the first hard overage in dimension order is reported. A worker
// with no samples yet passes with no-usage-data.
func Resource() risk.Validator[Input] {
	return risk.Func(NameResource, func(_ context.Context, in Input) (risk.Outcome, error) {
		var o risk.Outcome
		if !in.Auth.Registered {
			return o, nil
		}
		r := in.Resource
		if !r.Enabled {
			o.Log(ActionResourceDisabled)
			return o, nil
		}
		if r.Usage.Samples == 0 {
			o.AddFactor(risk.FactorNoUsageData)
			o.Log(ActionNoUsageData)
			return o, nil
		}
		over := resources.Overages(r.Usage.Current(), r.Limits, r.SoftRatio)
		if hard, ok := resources.FirstHard(over); ok {
			o.AddFactor(OverageFactor(hard.Dimension))
			o.Block(LimitExceededAction(hard.Dimension))
			return o, nil
		}
		o.Allow(ActionResourceWithinLimits)
		return o, nil
	})
}

// Communication checks channel encryption and authentication.
//
// The factors always count toward the score, but only a communicate
// operation is blocked outright.
func Communication() risk.Validator[Input] {
	return risk.Func(NameCommunication, func(_ context.Context, in Input) (risk.Outcome, error) {
		var o risk.Outcome
		if !in.Auth.Registered {
			return o, nil
		}
		c := in.Communication
		if c.RequireEncryption && !c.State.Encrypted {
			o.AddFactor(risk.FactorUnencryptedCommunication)
		}
		if !c.State.Authenticated {
			o.AddFactor(risk.FactorUnauthenticatedComm)
		}
		switch {
		case len(o.RiskFactors) == 0:
			o.Allow(ActionCommunicationSecure)
		case in.Operation == datatypes.OperationCommunicate:
			o.Block(ActionCommunicationBlocked)
		default:
			o.Log(ActionCommunicationDegraded)
		}
		return o, nil
	})
}

// Behavior runs anomaly detection over the worker's history and the
// snapshot of this operation.
func Behavior(profiler *behavior.Profiler) risk.Validator[Input] {
	return risk.Func(NameBehavior, func(_ context.Context, in Input) (risk.Outcome, error) {
		var o risk.Outcome
		if !in.Auth.Registered {
			return o, nil
		}
		b := in.Behavior
		if !b.Enabled {
			o.Log(ActionBehaviorDisabled)
			return o, nil
		}
		analysis := profiler.Analyze(b.History, b.Snapshot, b.Reported, b.Thresholds)
		if len(analysis.Anomalies) == 0 {
			o.Allow(ActionBehaviorNormal)
			return o, nil
		}
		o.AddFactor(risk.FactorAnomalousBehavior)
		o.Raise(analysis.RiskLevel)
		o.Recommend(analysis.Recommendations...)
		if analysis.Critical() {
			o.AddFactor(risk.FactorCriticalBehaviorBlock)
			o.Block(ActionBehaviorBlocked)
			return o, nil
		}
		o.Log(ActionAnomalousLogged)
		return o, nil
	})
}

// Sandbox checks the worker holds a valid isolation policy.
func Sandbox() risk.Validator[Input] {
	return risk.Func(NameSandbox, func(_ context.Context, in Input) (risk.Outcome, error) {
		var o risk.Outcome
		if !in.Auth.Registered {
			return o, nil
		}
		s := in.Sandbox
		if !s.Enabled {
			o.Log(ActionSandboxingDisabled)
			return o, nil
		}
		if s.Policy == nil {
			o.AddFactor(risk.FactorNoSandboxPolicy)
			o.Block(ActionSandboxPolicyMissing)
			return o, nil
		}
		if !s.Policy.Level.Valid() {
			o.AddFactor(risk.FactorInvalidIsolationLevel)
			o.Block(ActionIsolationLevelInvalid)
			return o, nil
		}
		o.Log(ActionSandboxCompliant)
		o.Allow(ActionSandboxPolicyActive)
		return o, nil
	})
}
