// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/warden/services/warden/behavior"
	"github.com/AleutianAI/warden/services/warden/datatypes"
	"github.com/AleutianAI/warden/services/warden/resources"
	"github.com/AleutianAI/warden/services/warden/risk"
)

var testLimits = datatypes.ResourceLimits{
	MaxCPUPercent:       80,
	MaxMemoryMB:         512,
	MaxDiskMB:           1024,
	MaxNetworkMBps:      10,
	MaxExecutionTimeSec: 300,
}

// healthyInput is a registered worker with one in-limit sample, secure
// channels and a standard policy.
func healthyInput() Input {
	now := time.Now()
	var usage datatypes.ResourceUsageMetrics
	raw := datatypes.RawMetrics{CPUPercent: 10, MemoryMB: 64, DiskMB: 10, NetworkMBps: 1, ExecutionSec: 5}
	resources.Record(&usage, raw, now)
	comm := datatypes.CommunicationState{Encrypted: true, Authenticated: true, Integrity: true}
	return Input{
		WorkerID:  "w1",
		Operation: datatypes.OperationExecute,
		Auth:      AuthContext{Registered: true, Status: datatypes.WorkerActive},
		Resource:  ResourceContext{Enabled: true, Usage: usage, Limits: testLimits, SoftRatio: 0.9},
		Communication: CommunicationContext{
			RequireEncryption: true,
			State:             comm,
		},
		Behavior: BehaviorContext{
			Enabled:    true,
			Snapshot:   behavior.Capture(datatypes.OperationExecute, raw, comm, now),
			Thresholds: behavior.DefaultThresholds(testLimits, nil),
		},
		Sandbox: SandboxContext{
			Enabled: true,
			Policy:  &datatypes.IsolationPolicy{WorkerID: "w1", Level: datatypes.IsolationStandard},
		},
	}
}

func run(t *testing.T, in Input) (risk.Outcome, risk.Assessment) {
	t.Helper()
	out, err := NewChain(behavior.NewProfiler(nil)).Run(context.Background(), in)
	require.NoError(t, err)
	return out, risk.NewAggregator(nil).Assess(out)
}

func TestNewChain_Order(t *testing.T) {
	chain := NewChain(behavior.NewProfiler(nil))
	assert.Equal(t, []string{NameAuthentication, NameResource, NameCommunication, NameBehavior, NameSandbox}, chain.Names())
}

func TestChain_HealthyWorkerAllowed(t *testing.T) {
	out, a := run(t, healthyInput())
	assert.True(t, a.Allowed)
	assert.Zero(t, a.RiskScore)
	assert.Empty(t, out.RiskFactors)
	assert.Contains(t, out.AllowedActions, ActionWorkerAuthenticated)
	assert.Contains(t, out.AllowedActions, ActionResourceWithinLimits)
	assert.Contains(t, out.LoggedActions, ActionSandboxCompliant)
}

func TestChain_UnregisteredWorker(t *testing.T) {
	out, a := run(t, Input{WorkerID: "w9", Operation: datatypes.OperationExecute})
	assert.False(t, a.Allowed)
	assert.Equal(t, []string{risk.FactorUnknownWorker}, out.RiskFactors)
	assert.Equal(t, []string{ActionWorkerNotRegistered}, out.BlockedActions)
	assert.Empty(t, out.LoggedActions)
}

func TestAuthentication(t *testing.T) {
	tests := []struct {
		name    string
		auth    AuthContext
		factor  string
		blocked string
		allowed []string
	}{
		{"registered", AuthContext{Registered: true, Status: datatypes.WorkerActive}, "", "", []string{ActionWorkerAuthenticated}},
		{"throttled still authenticates", AuthContext{Registered: true, Status: datatypes.WorkerThrottled}, "", "", []string{ActionWorkerAuthenticated}},
		{"session ok", AuthContext{Registered: true, SessionPresented: true}, "", "", []string{ActionWorkerAuthenticated, ActionSessionVerified}},
		{"session bad", AuthContext{Registered: true, SessionPresented: true, SessionErr: errors.New("bad")}, risk.FactorInvalidSession, ActionSessionRejected, nil},
		{"terminated", AuthContext{Registered: true, Status: datatypes.WorkerTerminated}, risk.FactorWorkerTerminated, ActionWorkerTerminated, nil},
		{"unknown", AuthContext{}, risk.FactorUnknownWorker, ActionWorkerNotRegistered, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := Authentication().Validate(context.Background(), Input{Auth: tt.auth})
			require.NoError(t, err)
			if tt.factor == "" {
				assert.Empty(t, o.RiskFactors)
				assert.Empty(t, o.BlockedActions)
				assert.Equal(t, tt.allowed, o.AllowedActions)
				return
			}
			assert.Equal(t, []string{tt.factor}, o.RiskFactors)
			assert.Equal(t, []string{tt.blocked}, o.BlockedActions)
		})
	}
}

func TestResource_FirstHardOverageInOrder(t *testing.T) {
	in := healthyInput()
	var usage datatypes.ResourceUsageMetrics
	resources.Record(&usage, datatypes.RawMetrics{CPUPercent: 10, MemoryMB: 600, DiskMB: 2000, ExecutionSec: 400}, time.Now())
	in.Resource.Usage = usage

	o, err := Resource().Validate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []string{risk.FactorMemoryOverage}, o.RiskFactors)
	assert.Equal(t, []string{"memory-limit-exceeded"}, o.BlockedActions)
}

func TestResource_ExecutionTimeout(t *testing.T) {
	in := healthyInput()
	var usage datatypes.ResourceUsageMetrics
	resources.Record(&usage, datatypes.RawMetrics{ExecutionSec: 301}, time.Now())
	in.Resource.Usage = usage

	o, err := Resource().Validate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []string{risk.FactorExecutionTimeout}, o.RiskFactors)
	assert.Equal(t, []string{ActionExecutionLimit}, o.BlockedActions)
}

func TestResource_SoftOverageIsNotBlocked(t *testing.T) {
	in := healthyInput()
	var usage datatypes.ResourceUsageMetrics
	resources.Record(&usage, datatypes.RawMetrics{CPUPercent: 75}, time.Now())
	in.Resource.Usage = usage

	o, err := Resource().Validate(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, o.RiskFactors)
	assert.Equal(t, []string{ActionResourceWithinLimits}, o.AllowedActions)
}

func TestResource_NoUsageDataFailsOpen(t *testing.T) {
	in := healthyInput()
	in.Resource.Usage = datatypes.ResourceUsageMetrics{}

	out, a := run(t, in)
	assert.True(t, a.Allowed)
	assert.Contains(t, out.RiskFactors, risk.FactorNoUsageData)
	assert.Contains(t, out.LoggedActions, ActionNoUsageData)
}

func TestResource_Disabled(t *testing.T) {
	in := healthyInput()
	in.Resource.Enabled = false
	o, err := Resource().Validate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []string{ActionResourceDisabled}, o.LoggedActions)
}

func TestCommunication(t *testing.T) {
	t.Run("degraded non-communicate op is logged", func(t *testing.T) {
		in := healthyInput()
		in.Communication.State = datatypes.CommunicationState{}
		out, a := run(t, in)
		assert.ElementsMatch(t, []string{risk.FactorUnencryptedCommunication, risk.FactorUnauthenticatedComm}, out.RiskFactors)
		assert.Contains(t, out.LoggedActions, ActionCommunicationDegraded)
		assert.Equal(t, 55, a.RiskScore)
		assert.True(t, a.Allowed)
	})

	t.Run("degraded communicate op is blocked", func(t *testing.T) {
		in := healthyInput()
		in.Operation = datatypes.OperationCommunicate
		in.Communication.State.Authenticated = false
		out, a := run(t, in)
		assert.Equal(t, []string{risk.FactorUnauthenticatedComm}, out.RiskFactors)
		assert.Contains(t, out.BlockedActions, ActionCommunicationBlocked)
		assert.False(t, a.Allowed)
	})

	t.Run("encryption not required", func(t *testing.T) {
		in := healthyInput()
		in.Communication.RequireEncryption = false
		in.Communication.State.Encrypted = false
		o, err := Communication().Validate(context.Background(), in)
		require.NoError(t, err)
		assert.Empty(t, o.RiskFactors)
		assert.Equal(t, []string{ActionCommunicationSecure}, o.AllowedActions)
	})
}

func TestBehavior_CriticalBlocks(t *testing.T) {
	in := healthyInput()
	now := time.Now()
	in.Behavior.Reported = []datatypes.BehaviorAnomaly{
		{Type: datatypes.AnomalyPrivilegeEscalation, Severity: 9, Confidence: 90, Timestamp: now},
		{Type: datatypes.AnomalyNetworkAbuse, Severity: 8, Confidence: 80, Timestamp: now},
		{Type: datatypes.AnomalyResourceAbuse, Severity: 7, Confidence: 70, Timestamp: now},
	}

	out, a := run(t, in)
	assert.Contains(t, out.RiskFactors, risk.FactorAnomalousBehavior)
	assert.Contains(t, out.RiskFactors, risk.FactorCriticalBehaviorBlock)
	assert.Contains(t, out.BlockedActions, ActionBehaviorBlocked)
	assert.Equal(t, 80, a.RiskScore)
	assert.False(t, a.Allowed)
	assert.Equal(t, datatypes.RiskCritical, out.Level)
	assert.Equal(t, datatypes.RiskCritical, a.Level)
	assert.Contains(t, a.Recommendations, "Terminate the worker and rotate any credentials it could reach")
}

func TestBehavior_NonCriticalLogged(t *testing.T) {
	in := healthyInput()
	in.Behavior.Reported = []datatypes.BehaviorAnomaly{
		{Type: datatypes.AnomalyMemoryLeak, Severity: 4, Confidence: 60, Timestamp: time.Now()},
	}

	out, a := run(t, in)
	assert.Equal(t, []string{risk.FactorAnomalousBehavior}, out.RiskFactors)
	assert.Contains(t, out.LoggedActions, ActionAnomalousLogged)
	assert.True(t, a.Allowed)
}

func TestBehavior_Disabled(t *testing.T) {
	in := healthyInput()
	in.Behavior.Enabled = false
	in.Behavior.Reported = []datatypes.BehaviorAnomaly{{Type: datatypes.AnomalyPrivilegeEscalation, Severity: 10}}
	o, err := Behavior(behavior.NewProfiler(nil)).Validate(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, o.RiskFactors)
	assert.Equal(t, []string{ActionBehaviorDisabled}, o.LoggedActions)
}

func TestSandbox(t *testing.T) {
	t.Run("missing policy", func(t *testing.T) {
		in := healthyInput()
		in.Sandbox.Policy = nil
		out, a := run(t, in)
		assert.Equal(t, []string{risk.FactorNoSandboxPolicy}, out.RiskFactors)
		assert.Contains(t, out.BlockedActions, ActionSandboxPolicyMissing)
		assert.False(t, a.Allowed)
	})

	t.Run("invalid level", func(t *testing.T) {
		in := healthyInput()
		in.Sandbox.Policy.Level = "paranoid"
		o, err := Sandbox().Validate(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, []string{risk.FactorInvalidIsolationLevel}, o.RiskFactors)
		assert.Equal(t, []string{ActionIsolationLevelInvalid}, o.BlockedActions)
	})

	t.Run("basic level is compliant", func(t *testing.T) {
		in := healthyInput()
		in.Sandbox.Policy.Level = datatypes.IsolationBasic
		o, err := Sandbox().Validate(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, []string{ActionSandboxCompliant}, o.LoggedActions)
	})

	t.Run("disabled", func(t *testing.T) {
		in := healthyInput()
		in.Sandbox = SandboxContext{}
		o, err := Sandbox().Validate(context.Background(), in)
		require.NoError(t, err)
		assert.Empty(t, o.RiskFactors)
		assert.Equal(t, []string{ActionSandboxingDisabled}, o.LoggedActions)
	})
}

func TestChain_AllValidatorsContribute(t *testing.T) {
	in := healthyInput()
	in.Operation = datatypes.OperationCommunicate
	in.Auth.SessionPresented = true
	in.Auth.SessionErr = errors.New("expired")
	in.Communication.State = datatypes.CommunicationState{}
	in.Sandbox.Policy = nil

	out, a := run(t, in)
	assert.Contains(t, out.RiskFactors, risk.FactorInvalidSession)
	assert.Contains(t, out.RiskFactors, risk.FactorUnauthenticatedComm)
	assert.Contains(t, out.RiskFactors, risk.FactorNoSandboxPolicy)
	assert.Len(t, out.BlockedActions, 3)
	assert.Equal(t, risk.MaxScore, a.RiskScore)
}

func TestLimitExceededAction(t *testing.T) {
	assert.Equal(t, "cpu-limit-exceeded", LimitExceededAction(datatypes.DimensionCPU))
	assert.Equal(t, ActionExecutionLimit, LimitExceededAction(datatypes.DimensionExecution))
	assert.Equal(t, risk.FactorNetworkOverage, OverageFactor(datatypes.DimensionNetwork))
}
