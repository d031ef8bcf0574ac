// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package warden

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/warden/services/warden/audit"
	"github.com/AleutianAI/warden/services/warden/config"
	"github.com/AleutianAI/warden/services/warden/datatypes"
	"github.com/AleutianAI/warden/services/warden/enforcement"
	"github.com/AleutianAI/warden/services/warden/monitor"
	"github.com/AleutianAI/warden/services/warden/observability"
	"github.com/AleutianAI/warden/services/warden/resources"
	"github.com/AleutianAI/warden/services/warden/risk"
	"github.com/AleutianAI/warden/services/warden/validation"
)

var _ monitor.Target = (*Service)(nil)

// =============================================================================
// Test Helpers
// =============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	audit.NopSink
	mu     sync.Mutex
	events []string
}

func (r *recordingSink) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingSink) OnWorkerRegistered(_ context.Context, w datatypes.Worker, _ datatypes.IsolationPolicy) error {
	r.add("worker-registered:" + w.ID)
	return nil
}

func (r *recordingSink) OnWorkerDeregistered(_ context.Context, id string) error {
	r.add("worker-deregistered:" + id)
	return nil
}

func (r *recordingSink) OnIsolationPolicyCreated(_ context.Context, p datatypes.IsolationPolicy) error {
	r.add(fmt.Sprintf("isolation-policy-created:%s:%d", p.WorkerID, p.Generation))
	return nil
}

func (r *recordingSink) OnSecurityEvent(_ context.Context, res datatypes.WorkerSecurityResult) error {
	r.add("worker-security-event:" + res.WorkerID)
	return nil
}

func (r *recordingSink) OnConfigUpdated(context.Context, config.WorkerSecurityConfig) error {
	r.add("config-updated")
	return nil
}

func (r *recordingSink) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type testEnv struct {
	svc     *Service
	backend *enforcement.RecordingBackend
	source  *resources.StaticSource
	clock   *fakeClock
	sink    *recordingSink
	metrics *observability.Metrics
}

func newTestEnv(t *testing.T, mutate func(o *Options)) *testEnv {
	t.Helper()
	env := &testEnv{
		backend: enforcement.NewRecordingBackend(),
		source:  resources.NewStaticSource(),
		clock:   newFakeClock(),
		sink:    &recordingSink{},
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}
	opts := Options{
		Security: config.DefaultSecurityConfig(),
		Source:   env.source,
		Backend:  env.backend,
		Sink:     env.sink,
		Metrics:  env.metrics,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:      env.clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	svc, err := NewService(context.Background(), opts)
	require.NoError(t, err)
	env.svc = svc
	return env
}

func (e *testEnv) register(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, e.svc.RegisterWorker(context.Background(), datatypes.Worker{ID: id, PID: 4242}))
}

func (e *testEnv) validate(id string, op datatypes.OperationType) datatypes.WorkerSecurityResult {
	return e.svc.ValidateOperation(context.Background(), datatypes.OperationRequest{WorkerID: id, Operation: op})
}

func assertDecisionInvariant(t *testing.T, r datatypes.WorkerSecurityResult) {
	t.Helper()
	assert.Equal(t, r.RiskScore < risk.Threshold && len(r.BlockedActions) == 0, r.Allowed,
		"allowed must follow score and blocked actions: %+v", r)
	assert.GreaterOrEqual(t, r.RiskScore, 0)
	assert.LessOrEqual(t, r.RiskScore, risk.MaxScore)
}

// =============================================================================
// Scenarios
// =============================================================================

func TestValidateOperation_BasicWorkerNoSamples(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.Security.IsolationLevel = datatypes.IsolationBasic
	})
	env.register(t, "W1")

	res := env.validate("W1", datatypes.OperationExecute)

	assert.True(t, res.Success)
	assert.True(t, res.Allowed)
	assert.Contains(t, res.LoggedActions, validation.ActionSandboxCompliant)
	assert.Contains(t, res.LoggedActions, validation.ActionNoUsageData)
	assert.Equal(t, 0, res.RiskScore)
	assert.NotEmpty(t, res.EventID)
	require.NotNil(t, res.ResourceLimits)
	assertDecisionInvariant(t, res)
}

func TestValidateOperation_CPUOverLimitBlocks(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.Security.ResourceLimits.MaxCPUPercent = 80
	})
	env.register(t, "W1")
	require.NoError(t, env.svc.RecordSample(context.Background(), "W1", datatypes.RawMetrics{CPUPercent: 95}))

	res := env.validate("W1", datatypes.OperationExecute)

	assert.Contains(t, res.RiskFactors, risk.FactorCPUOverage)
	assert.Contains(t, res.BlockedActions, "cpu-limit-exceeded")
	assert.False(t, res.Allowed)
	assertDecisionInvariant(t, res)
}

func TestValidateOperation_CriticalAnomaliesBlock(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "W1")
	ctx := context.Background()

	for _, a := range []datatypes.BehaviorAnomaly{
		{Type: datatypes.AnomalyPrivilegeEscalation, Severity: 9, Confidence: 90},
		{Type: datatypes.AnomalyNetworkAbuse, Severity: 8, Confidence: 85},
		{Type: datatypes.AnomalyResourceAbuse, Severity: 7, Confidence: 80},
	} {
		require.NoError(t, env.svc.ReportAnomaly(ctx, "W1", a))
	}

	res := env.validate("W1", datatypes.OperationExecute)

	assert.Contains(t, res.RiskFactors, risk.FactorAnomalousBehavior)
	assert.Contains(t, res.RiskFactors, risk.FactorCriticalBehaviorBlock)
	assert.Contains(t, res.BlockedActions, validation.ActionBehaviorBlocked)
	assert.False(t, res.Allowed)
	assert.Equal(t, 80, res.RiskScore)
	assert.Equal(t, datatypes.RiskCritical, res.RiskLevel, "behavior grade outranks the score bucket")
	assert.Contains(t, res.Recommendations, "Terminate the worker and rotate any credentials it could reach")
	assert.Contains(t, res.Recommendations, "Rate limit the worker's egress and inspect destinations")
	assert.Contains(t, res.Recommendations, "Quarantine the worker and inspect it for compromise")
	assertDecisionInvariant(t, res)

	// Reported anomalies age out of the analysis window.
	env.clock.Advance(AnomalyWindow + time.Second)
	res = env.validate("W1", datatypes.OperationExecute)
	assert.NotContains(t, res.RiskFactors, risk.FactorCriticalBehaviorBlock)
}

func TestValidateOperation_UnknownWorker(t *testing.T) {
	env := newTestEnv(t, nil)

	res := env.validate("W9", datatypes.OperationExecute)

	assert.True(t, res.Success)
	assert.False(t, res.Allowed)
	assert.Equal(t, []string{risk.FactorUnknownWorker}, res.RiskFactors)
	assert.Nil(t, res.ResourceLimits)
	assertDecisionInvariant(t, res)
}

// =============================================================================
// Fail Closed
// =============================================================================

func TestValidateOperation_FailsClosed(t *testing.T) {
	tests := []struct {
		name       string
		validator  risk.Validator[validation.Input]
		timeout    time.Duration
		wantFactor string
	}{
		{
			name: "validator panics",
			validator: risk.Func("exploding", func(context.Context, validation.Input) (risk.Outcome, error) {
				panic("boom")
			}),
			wantFactor: risk.FactorValidationError,
		},
		{
			name: "validator errors",
			validator: risk.Func("failing", func(context.Context, validation.Input) (risk.Outcome, error) {
				return risk.Outcome{}, errors.New("backend unreachable")
			}),
			wantFactor: risk.FactorValidationError,
		},
		{
			name: "validator hangs",
			validator: risk.Func("slow", func(context.Context, validation.Input) (risk.Outcome, error) {
				time.Sleep(500 * time.Millisecond)
				return risk.Outcome{}, nil
			}),
			timeout:    20 * time.Millisecond,
			wantFactor: risk.FactorValidationTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(o *Options) {
				o.ExtraValidators = []risk.Validator[validation.Input]{tt.validator}
				if tt.timeout > 0 {
					o.Security.ValidationTimeout = tt.timeout
				}
			})
			env.register(t, "W1")

			res := env.validate("W1", datatypes.OperationExecute)

			assert.False(t, res.Success)
			assert.False(t, res.Allowed)
			assert.Equal(t, 100, res.RiskScore)
			assert.Equal(t, []string{tt.wantFactor}, res.RiskFactors)
			assert.Equal(t, []string{risk.ActionOperationBlocked}, res.BlockedActions)
			assert.Equal(t, datatypes.RiskCritical, res.RiskLevel)
			assertDecisionInvariant(t, res)
		})
	}
}

func TestValidateOperation_InvalidOperationFailsClosed(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "W1")

	res := env.validate("W1", datatypes.OperationType("delete-everything"))
	assert.False(t, res.Allowed)
	assert.Equal(t, 100, res.RiskScore)
	assert.Equal(t, []string{risk.FactorValidationError}, res.RiskFactors)
}

// =============================================================================
// Sessions and Communication
// =============================================================================

func TestValidateOperation_Sessions(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "W1")
	env.register(t, "W2")

	token, _, err := env.svc.IssueSession("W1", "alice")
	require.NoError(t, err)

	ok := env.svc.ValidateOperation(context.Background(), datatypes.OperationRequest{
		WorkerID: "W1", Operation: datatypes.OperationExecute, SessionID: token,
	})
	assert.True(t, ok.Allowed)
	assert.Contains(t, ok.AllowedActions, validation.ActionSessionVerified)

	for name, req := range map[string]datatypes.OperationRequest{
		"garbage":      {WorkerID: "W1", Operation: datatypes.OperationExecute, SessionID: "not-a-token"},
		"other worker": {WorkerID: "W2", Operation: datatypes.OperationExecute, SessionID: token},
	} {
		res := env.svc.ValidateOperation(context.Background(), req)
		assert.Contains(t, res.RiskFactors, risk.FactorInvalidSession, name)
		assert.Contains(t, res.BlockedActions, validation.ActionSessionRejected, name)
		assert.False(t, res.Allowed, name)
	}

	assert.True(t, env.svc.RevokeSession(token))
	res := env.svc.ValidateOperation(context.Background(), datatypes.OperationRequest{
		WorkerID: "W1", Operation: datatypes.OperationExecute, SessionID: token,
	})
	assert.Contains(t, res.RiskFactors, risk.FactorInvalidSession)

	_, _, err = env.svc.IssueSession("nobody", "")
	assert.ErrorIs(t, err, ErrWorkerNotFound)
}

func TestValidateOperation_UnencryptedChannel(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "W1")
	require.NoError(t, env.svc.UpdateCommunicationState(context.Background(), "W1",
		datatypes.CommunicationState{Encrypted: false, Authenticated: true, Integrity: true, Channels: []string{"grpc"}}))

	exec := env.validate("W1", datatypes.OperationExecute)
	assert.True(t, exec.Allowed)
	assert.Equal(t, 25, exec.RiskScore)
	assert.Contains(t, exec.LoggedActions, validation.ActionCommunicationDegraded)

	comm := env.validate("W1", datatypes.OperationCommunicate)
	assert.False(t, comm.Allowed)
	assert.Contains(t, comm.BlockedActions, validation.ActionCommunicationBlocked)

	assert.Equal(t, 1, env.svc.GetStatus().CommunicationChannelCount)
}

func TestRecordMessage_UnapprovedEndpointsFlagged(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.Security.AllowedEndpoints = []string{"*.internal.example"}
	})
	env.register(t, "W1")
	for i := 0; i < 10; i++ {
		endpoint := "api.internal.example"
		if i%2 == 0 {
			endpoint = "exfil.attacker.test"
		}
		require.NoError(t, env.svc.RecordMessage("W1", datatypes.Message{Endpoint: endpoint}))
	}
	assert.ErrorIs(t, env.svc.RecordMessage("W1", datatypes.Message{}), ErrInvalidInput)

	res := env.validate("W1", datatypes.OperationCommunicate)
	assert.Contains(t, res.RiskFactors, risk.FactorAnomalousBehavior)
	assert.Contains(t, res.LoggedActions, validation.ActionAnomalousLogged)
	assert.True(t, res.Allowed)
}

func TestRecordMessage_DefaultAllowlistFlagsExternalTraffic(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "W1")
	for _, endpoint := range []string{"localhost:8080", "db.internal", "cache.local", "paste.example.net", "exfil.attacker.test"} {
		require.NoError(t, env.svc.RecordMessage("W1", datatypes.Message{Endpoint: endpoint}))
	}

	res := env.validate("W1", datatypes.OperationCommunicate)
	assert.Contains(t, res.RiskFactors, risk.FactorAnomalousBehavior)
	assert.True(t, res.Allowed)

	clean := newTestEnv(t, nil)
	clean.register(t, "W2")
	for _, endpoint := range []string{"localhost", "127.0.0.1:9000", "api.internal"} {
		require.NoError(t, clean.svc.RecordMessage("W2", datatypes.Message{Endpoint: endpoint}))
	}
	assert.NotContains(t, clean.validate("W2", datatypes.OperationCommunicate).RiskFactors, risk.FactorAnomalousBehavior)
}

// =============================================================================
// Resources and Enforcement
// =============================================================================

func TestRecordSample_CurrentNeverExceedsPeak(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.Security.EnableResourceMonitoring = false
	})
	env.register(t, "W1")
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		raw := datatypes.RawMetrics{
			CPUPercent:   rng.Float64() * 100,
			MemoryMB:     rng.Float64() * 1024,
			DiskMB:       rng.Float64() * 2048,
			NetworkMBps:  rng.Float64() * 20,
			ExecutionSec: float64(i),
		}
		require.NoError(t, env.svc.RecordSample(context.Background(), "W1", raw))

		usage, err := env.svc.ResourceUsage("W1")
		require.NoError(t, err)
		for _, d := range datatypes.Dimensions {
			st := usage.Stat(d)
			require.LessOrEqual(t, st.Current, st.Peak, "dimension %s sample %d", d, i)
		}
		require.Equal(t, i+1, usage.Samples)
	}

	_, err := env.svc.ResourceUsage("nobody")
	assert.ErrorIs(t, err, ErrWorkerNotFound)
	assert.ErrorIs(t, env.svc.RecordSample(context.Background(), "W1", datatypes.RawMetrics{CPUPercent: -1}), ErrInvalidInput)
}

func TestEnforcement_ThrottleIsIdempotentAndReleases(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "W1")
	ctx := context.Background()
	soft := datatypes.RawMetrics{CPUPercent: 75}

	require.NoError(t, env.svc.RecordSample(ctx, "W1", soft))
	require.NoError(t, env.svc.RecordSample(ctx, "W1", soft))

	calls := env.backend.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "throttle", calls[0].Action)
	assert.Equal(t, datatypes.DimensionCPU, calls[0].Dimension)
	assert.Equal(t, []datatypes.Dimension{datatypes.DimensionCPU}, env.svc.Throttled("W1"))

	w, err := env.svc.Worker("W1")
	require.NoError(t, err)
	assert.Equal(t, datatypes.WorkerThrottled, w.Status)

	res := env.validate("W1", datatypes.OperationExecute)
	assert.True(t, res.Allowed, "soft overage is allowed")
	assert.Empty(t, res.ModifiedActions, "already throttled")

	require.NoError(t, env.svc.RecordSample(ctx, "W1", datatypes.RawMetrics{CPUPercent: 10}))
	assert.Empty(t, env.svc.Throttled("W1"))
	w, _ = env.svc.Worker("W1")
	assert.Equal(t, datatypes.WorkerActive, w.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.EnforcementActionsTotal.WithLabelValues("throttle-cpu")))
}

func TestValidateOperation_AllowedSoftOverageThrottles(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "W1")

	// The sampler's attempt fails, so the decision applies the throttle.
	env.backend.FailWith(errors.New("cgroup busy"))
	require.NoError(t, env.svc.RecordSample(context.Background(), "W1", datatypes.RawMetrics{CPUPercent: 75}))
	env.backend.FailWith(nil)

	res := env.validate("W1", datatypes.OperationExecute)
	assert.True(t, res.Allowed)
	assert.Equal(t, []string{"throttle-cpu"}, res.ModifiedActions)

	again := env.validate("W1", datatypes.OperationExecute)
	assert.Empty(t, again.ModifiedActions)
}

func TestEnforcement_HardExecutionOverageTerminates(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "W1")

	require.NoError(t, env.svc.RecordSample(context.Background(), "W1", datatypes.RawMetrics{ExecutionSec: 301}))

	calls := env.backend.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "terminate", calls[0].Action)

	res := env.validate("W1", datatypes.OperationExecute)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.RiskFactors, risk.FactorWorkerTerminated)
	assert.Contains(t, res.RiskFactors, risk.FactorExecutionTimeout)
	assert.Equal(t, 1, env.svc.GetStatus().Workers.Terminated)

	// Terminated workers are no longer sampled.
	env.source.Set("W1", datatypes.RawMetrics{CPUPercent: 10})
	require.NoError(t, env.svc.SampleWorker(context.Background(), "W1"))
	usage, _ := env.svc.ResourceUsage("W1")
	assert.Equal(t, 1, usage.Samples)
}

func TestEnforcement_SoftExecutionNeverTerminates(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "W1")
	require.NoError(t, env.svc.RecordSample(context.Background(), "W1", datatypes.RawMetrics{ExecutionSec: 290}))
	assert.Empty(t, env.backend.Calls())
}

// =============================================================================
// Policies
// =============================================================================

func TestRenewExpiredPolicies_KeepsPoliciesFresh(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.Security.PolicyTTL = time.Hour
	})
	env.register(t, "W1")
	env.register(t, "W2")
	ctx := context.Background()

	n, err := env.svc.RenewExpiredPolicies(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	for tick := 0; tick < 5; tick++ {
		env.clock.Advance(40 * time.Minute)
		_, err := env.svc.RenewExpiredPolicies(ctx)
		require.NoError(t, err)

		for _, id := range env.svc.WorkerIDs() {
			p, err := env.svc.Policy(ctx, id)
			require.NoError(t, err)
			assert.True(t, p.ExpiresAt.After(env.clock.Now()), "tick %d worker %s", tick, id)
		}
	}

	p, err := env.svc.Policy(ctx, "W1")
	require.NoError(t, err)
	assert.Greater(t, p.Generation, 1)
	assert.Equal(t, datatypes.IsolationStandard, p.Level)
	assert.Contains(t, env.sink.Events(), "isolation-policy-created:W1:2")
}

func TestValidateOperation_RenewsExpiredPolicyLazily(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.Security.PolicyTTL = time.Hour
	})
	env.register(t, "W1")
	env.clock.Advance(2 * time.Hour)

	res := env.validate("W1", datatypes.OperationExecute)
	assert.Contains(t, res.LoggedActions, validation.ActionSandboxCompliant)

	p, err := env.svc.Policy(context.Background(), "W1")
	require.NoError(t, err)
	assert.Equal(t, 2, p.Generation)
}

func TestValidateOperation_RenewalReportedOnTimeout(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.Security.PolicyTTL = time.Hour
		o.Security.ValidationTimeout = 20 * time.Millisecond
		o.ExtraValidators = []risk.Validator[validation.Input]{
			risk.Func("slow", func(context.Context, validation.Input) (risk.Outcome, error) {
				time.Sleep(500 * time.Millisecond)
				return risk.Outcome{}, nil
			}),
		}
	})
	env.register(t, "W1")
	env.clock.Advance(2 * time.Hour)

	res := env.validate("W1", datatypes.OperationExecute)
	require.Equal(t, []string{risk.FactorValidationTimeout}, res.RiskFactors)

	renewed := env.svc.AuditLog(audit.Filter{WorkerID: "W1", Type: audit.EventPolicyRenewed})
	require.Len(t, renewed, 1)
	assert.Equal(t, "2", renewed[0].Details["generation"])
	assert.Contains(t, env.sink.Events(), "isolation-policy-created:W1:2")

	p, err := env.svc.Policy(context.Background(), "W1")
	require.NoError(t, err)
	assert.Equal(t, 2, p.Generation)
}

func TestPolicy_MissingWhenSandboxingDisabled(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.Security.EnableSandboxing = false
	})
	env.register(t, "W1")

	_, err := env.svc.Policy(context.Background(), "W1")
	assert.ErrorIs(t, err, ErrPolicyMissing)

	res := env.validate("W1", datatypes.OperationExecute)
	assert.Contains(t, res.LoggedActions, validation.ActionSandboxingDisabled)
	assert.True(t, res.Allowed)

	// Enabling sandboxing attaches a policy to existing workers.
	cfg := env.svc.SecurityConfig()
	cfg.EnableSandboxing = true
	require.NoError(t, env.svc.UpdateConfig(context.Background(), cfg))
	_, err = env.svc.Policy(context.Background(), "W1")
	assert.NoError(t, err)
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestRegisterWorker_Errors(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.Security.MaxWorkers = 1
	})
	ctx := context.Background()

	assert.ErrorIs(t, env.svc.RegisterWorker(ctx, datatypes.Worker{}), ErrInvalidWorker)
	require.NoError(t, env.svc.RegisterWorker(ctx, datatypes.Worker{ID: "W1"}))
	assert.ErrorIs(t, env.svc.RegisterWorker(ctx, datatypes.Worker{ID: "W1"}), ErrWorkerExists)
	assert.ErrorIs(t, env.svc.RegisterWorker(ctx, datatypes.Worker{ID: "W2"}), ErrMaxWorkersReached)
}

func TestDeregisterWorker_ReleasesState(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.register(t, "W1")
	token, _, err := env.svc.IssueSession("W1", "")
	require.NoError(t, err)
	require.NoError(t, env.svc.RecordSample(ctx, "W1", datatypes.RawMetrics{CPUPercent: 75}))
	require.NotEmpty(t, env.svc.Throttled("W1"))

	require.NoError(t, env.svc.DeregisterWorker(ctx, "W1"))
	assert.ErrorIs(t, env.svc.DeregisterWorker(ctx, "W1"), ErrWorkerNotFound)
	_, err = env.svc.ResourceUsage("W1")
	assert.True(t, IsNotFound(err))
	assert.Empty(t, env.svc.Throttled("W1"))
	assert.Zero(t, env.svc.GetStatus().Workers.Total)

	// A re-registered worker starts clean and old sessions stay dead.
	env.register(t, "W1")
	usage, err := env.svc.ResourceUsage("W1")
	require.NoError(t, err)
	assert.Zero(t, usage.Samples)
	res := env.svc.ValidateOperation(ctx, datatypes.OperationRequest{
		WorkerID: "W1", Operation: datatypes.OperationExecute, SessionID: token,
	})
	assert.Contains(t, res.RiskFactors, risk.FactorInvalidSession)
}

func TestEnforce_SkipsDeregisteredWorker(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.register(t, "W1")
	w, err := env.svc.Worker("W1")
	require.NoError(t, err)
	over := []resources.Overage{{Dimension: datatypes.DimensionExecution, Current: 999, Limit: 300, Hard: true}}

	require.NoError(t, env.svc.DeregisterWorker(ctx, "W1"))
	assert.Empty(t, env.svc.enforce(ctx, w, over))

	// An Apply that got past the store check before the worker left.
	_, err = env.svc.actuator.Apply(ctx, w, over)
	assert.ErrorIs(t, err, enforcement.ErrWorkerNotTracked)
	assert.Empty(t, env.backend.Calls())
	assert.False(t, env.svc.actuator.Terminated("W1"))
}

func TestRegisterWorker_DuplicateKeepsEnforcementState(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.register(t, "W1")
	require.NoError(t, env.svc.RecordSample(ctx, "W1", datatypes.RawMetrics{CPUPercent: 75}))

	assert.ErrorIs(t, env.svc.RegisterWorker(ctx, datatypes.Worker{ID: "W1"}), ErrWorkerExists)
	assert.Equal(t, []datatypes.Dimension{datatypes.DimensionCPU}, env.svc.Throttled("W1"))
}

func TestSinkReceivesLifecycleEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.register(t, "W1")
	env.validate("W1", datatypes.OperationMonitor)
	require.NoError(t, env.svc.UpdateConfig(ctx, env.svc.SecurityConfig()))
	require.NoError(t, env.svc.DeregisterWorker(ctx, "W1"))

	assert.Equal(t, []string{
		"worker-registered:W1",
		"isolation-policy-created:W1:1",
		"worker-security-event:W1",
		"config-updated",
		"worker-deregistered:W1",
	}, env.sink.Events())
}

type panickingSink struct{ audit.NopSink }

func (panickingSink) OnSecurityEvent(context.Context, datatypes.WorkerSecurityResult) error {
	panic("dashboard gone")
}

func TestSinkFailureNeverChangesDecision(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.Sink = panickingSink{}
	})
	env.register(t, "W1")

	res := env.validate("W1", datatypes.OperationExecute)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.SinkErrorsTotal))
}

// =============================================================================
// Configuration, Status and Audit
// =============================================================================

func TestUpdateConfig(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.register(t, "W1")

	bad := env.svc.SecurityConfig()
	bad.IsolationLevel = "paranoid"
	assert.ErrorIs(t, env.svc.UpdateConfig(ctx, bad), config.ErrInvalidConfig)
	assert.Equal(t, datatypes.IsolationStandard, env.svc.SecurityConfig().IsolationLevel)

	cfg := env.svc.SecurityConfig()
	cfg.IsolationLevel = datatypes.IsolationEnhanced
	cfg.ResourceLimits.MaxCPUPercent = 50
	require.NoError(t, env.svc.UpdateConfig(ctx, cfg))

	p, err := env.svc.Policy(ctx, "W1")
	require.NoError(t, err)
	assert.Equal(t, datatypes.IsolationEnhanced, p.Level)
	assert.Equal(t, 2, p.Generation)
	assert.True(t, p.FileSystemIsolation)
	assert.Equal(t, 50.0, p.Limits.MaxCPUPercent)

	events := env.svc.AuditLog(audit.Filter{Type: audit.EventConfigUpdated})
	assert.Len(t, events, 1)
}

func TestGetStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "W1")
	env.register(t, "W2")
	require.NoError(t, env.svc.RecordSample(context.Background(), "W2", datatypes.RawMetrics{DiskMB: 1000}))

	st := env.svc.GetStatus()
	assert.Equal(t, datatypes.WorkerCounts{Total: 2, Active: 1, Throttled: 1}, st.Workers)
	assert.Equal(t, 2, st.IsolationPolicyCount)
	assert.Equal(t, 6, st.ThreatPatternCount)
	assert.Positive(t, st.AuditLogSize)
	assert.Equal(t, env.clock.Now(), st.Timestamp)
}

func TestPerformAudit(t *testing.T) {
	t.Run("hardened defaults", func(t *testing.T) {
		env := newTestEnv(t, func(o *Options) {
			o.Security.AllowedEndpoints = []string{"*.internal.example"}
		})
		report := env.svc.PerformAudit(context.Background())
		assert.Len(t, report.Components, 6)
		assert.Equal(t, 100, report.OverallScore)
		assert.Equal(t, datatypes.GradeA, report.Grade)
		assert.Empty(t, report.Issues)
	})

	t.Run("weak configuration", func(t *testing.T) {
		env := newTestEnv(t, func(o *Options) {
			o.Security.EnableSandboxing = false
			o.Security.EnableCommunicationEncryption = false
			o.Security.AllowedEndpoints = nil
		})
		report := env.svc.PerformAudit(context.Background())
		// 100 + 100 + 0 + 0 + 100 + 90
		assert.Equal(t, 65, report.OverallScore)
		assert.Equal(t, datatypes.GradeD, report.Grade)
		assert.Contains(t, report.Issues, issueSandboxingDisabled)
		assert.Contains(t, report.Issues, issueNoAllowedEndpoints)
		assert.Contains(t, report.Recommendations, "Enable sandboxing")
		assert.Len(t, env.svc.AuditLog(audit.Filter{Type: audit.EventAuditPerformed}), 1)
	})
}

func TestAuditChain_VerifiesAndPrunes(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.register(t, "W1")
	for i := 0; i < 5; i++ {
		env.validate("W1", datatypes.OperationExecute)
	}

	v := env.svc.VerifyAuditChain()
	assert.True(t, v.IsValid, v.Message)
	decisions := env.svc.AuditLog(audit.Filter{WorkerID: "W1", Type: audit.EventSecurityDecision})
	require.Len(t, decisions, 5)
	require.NotNil(t, decisions[0].Allowed)
	assert.True(t, *decisions[0].Allowed)

	env.clock.Advance(8 * 24 * time.Hour)
	env.validate("W1", datatypes.OperationExecute)

	dropped, err := env.svc.PruneAudit(ctx)
	require.NoError(t, err)
	assert.Positive(t, dropped)
	assert.Len(t, env.svc.AuditLog(audit.Filter{Type: audit.EventSecurityDecision}), 1)
	assert.Len(t, env.svc.AuditLog(audit.Filter{Type: audit.EventPolicyRenewed}), 1, "policy outlived its ttl")
	assert.True(t, env.svc.VerifyAuditChain().IsValid)
}

func TestAnalyzeBehavior(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.register(t, "W1")
	require.NoError(t, env.svc.RecordSample(ctx, "W1", datatypes.RawMetrics{CPUPercent: 97}))

	require.NoError(t, env.svc.AnalyzeBehavior(ctx, "W1"))
	anomalies, err := env.svc.LastAnalysis("W1")
	require.NoError(t, err)
	require.NotEmpty(t, anomalies)
	assert.Equal(t, datatypes.AnomalyResourceAbuse, anomalies[0].Type)
	assert.Len(t, env.svc.AuditLog(audit.Filter{Type: audit.EventAnomaly}), 1)

	assert.ErrorIs(t, env.svc.AnalyzeBehavior(ctx, "nobody"), ErrWorkerNotFound)
}

// =============================================================================
// Monitor Integration
// =============================================================================

func TestMonitorSweep_IsolatesWorkerFailures(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, id := range []string{"W1", "W2", "W3"} {
		env.register(t, id)
		env.source.Set(id, datatypes.RawMetrics{CPUPercent: 20})
	}
	env.source.Fail("W2", errors.New("proc vanished"))

	m := monitor.New(env.svc, config.MonitorConfig{}, monitor.Options{Metrics: env.metrics})
	err := m.RunNow(context.Background(), monitor.TaskSample)
	require.Error(t, err)

	for id, want := range map[string]int{"W1": 1, "W2": 0, "W3": 1} {
		usage, err := env.svc.ResourceUsage(id)
		require.NoError(t, err)
		assert.Equal(t, want, usage.Samples, id)
	}
}

// =============================================================================
// Concurrency
// =============================================================================

func TestConcurrentOperations(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.Security.MaxWorkers = 100
	})
	ctx := context.Background()
	const workers = 8
	for i := 0; i < workers; i++ {
		env.register(t, fmt.Sprintf("W%d", i))
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		id := fmt.Sprintf("W%d", i)
		wg.Add(3)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				res := env.validate(id, datatypes.OperationExecute)
				assert.Equal(t, res.RiskScore < risk.Threshold && len(res.BlockedActions) == 0, res.Allowed)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = env.svc.RecordSample(ctx, id, datatypes.RawMetrics{CPUPercent: float64(j % 100)})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, _ = env.svc.PruneAudit(ctx)
				_ = env.svc.AnalyzeBehavior(ctx, id)
			}
		}()
	}
	wg.Wait()

	assert.True(t, env.svc.VerifyAuditChain().IsValid)
	decisions := env.svc.AuditLog(audit.Filter{Type: audit.EventSecurityDecision})
	assert.Len(t, decisions, workers*50)
	for i := 0; i < workers; i++ {
		usage, err := env.svc.ResourceUsage(fmt.Sprintf("W%d", i))
		require.NoError(t, err)
		assert.Equal(t, 50, usage.Samples)
	}
}
