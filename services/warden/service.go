// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package warden is the operation admission service for sandboxed workers.
//
// # Description
//
// Service decides, for every requested worker operation, whether it is
// allowed, what risk it carries and which corrective action follows. Each
// decision runs the five worker validators against one captured snapshot
// of the worker's state, scores the merged outcome and applies throttling
// or termination through an enforcement backend.
//
// Every failure inside the decision path fails closed: the caller gets a
// structured result with allowed=false and riskScore=100, never an error.
//
// # Thread Safety
//
// Service is safe for concurrent use. Per-worker state lives in one
// state.Store; decisions for different workers never contend.
package warden

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/warden/services/warden/audit"
	"github.com/AleutianAI/warden/services/warden/behavior"
	"github.com/AleutianAI/warden/services/warden/behavior/patterns"
	"github.com/AleutianAI/warden/services/warden/config"
	"github.com/AleutianAI/warden/services/warden/datatypes"
	"github.com/AleutianAI/warden/services/warden/enforcement"
	"github.com/AleutianAI/warden/services/warden/isolation"
	"github.com/AleutianAI/warden/services/warden/observability"
	"github.com/AleutianAI/warden/services/warden/resources"
	"github.com/AleutianAI/warden/services/warden/risk"
	"github.com/AleutianAI/warden/services/warden/session"
	"github.com/AleutianAI/warden/services/warden/state"
	"github.com/AleutianAI/warden/services/warden/telemetry"
	"github.com/AleutianAI/warden/services/warden/validation"
)

// AnomalyWindow is how long an externally reported anomaly takes part in
// analysis.
const AnomalyWindow = 5 * time.Minute

var (
	// ErrWorkerExists is returned when registering a known worker id.
	ErrWorkerExists = state.ErrWorkerExists

	// ErrWorkerNotFound is returned for unknown worker ids.
	ErrWorkerNotFound = state.ErrWorkerNotFound

	// ErrMaxWorkersReached is returned when MaxWorkers are registered.
	ErrMaxWorkersReached = state.ErrCapacity

	// ErrInvalidWorker is returned for a worker that fails validation.
	ErrInvalidWorker = errors.New("invalid worker")

	// ErrInvalidInput is returned for samples, messages and anomalies that
	// fail validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrPolicyMissing is returned when a worker holds no isolation policy.
	ErrPolicyMissing = errors.New("isolation policy missing")
)

// Options configure a Service.
//
// Only Security is required; every other zero value selects a default.
type Options struct {
	Security config.WorkerSecurityConfig

	// Source produces resource samples. Default: a time-seeded
	// resources.SimulatedSource.
	Source        resources.MetricsSource
	SampleTimeout time.Duration

	// Backend applies throttle and terminate. Default: enforcement.LogBackend.
	Backend       enforcement.Backend
	ActionTimeout time.Duration

	// Sink receives lifecycle and decision events. Default: audit.DefaultSink.
	Sink audit.Sink

	// AuditStore persists the audit chain. nil keeps it in memory.
	AuditStore audit.Store
	Retention  time.Duration
	MaxHistory int

	// Patterns grades anomalies. Default: the embedded threat table.
	Patterns patterns.Table

	// ExtraValidators run after the five worker validators and share their
	// weight table.
	ExtraValidators []risk.Validator[validation.Input]

	// SessionKey signs session tokens. A random key is used if empty.
	SessionKey []byte
	SessionTTL time.Duration

	Metrics     *observability.Metrics
	Instruments *telemetry.Instruments
	Logger      *slog.Logger
	Now         func() time.Time
}

// Service is the admission service.
type Service struct {
	store      *state.Store
	tracker    *resources.Tracker
	source     resources.MetricsSource
	profiler   *behavior.Profiler
	chain      *risk.Chain[validation.Input]
	aggregator *risk.Aggregator
	actuator   *enforcement.Actuator
	sessions   *session.Manager
	auditLog   *audit.Log
	sink       audit.Sink

	retention  time.Duration
	maxHistory int

	metrics *observability.Metrics
	inst    *telemetry.Instruments
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.RWMutex
	cfg       config.WorkerSecurityConfig
	isolation *isolation.Manager
}

// NewService builds a service and restores the persisted audit chain.
//
// # Inputs
//
//   - ctx: Bounds the audit restore.
//   - opts: Security must pass config.ValidateSecurity.
//
// # Outputs
//
//   - *Service: Ready for RegisterWorker.
//   - error: config.ErrInvalidConfig, or a restore failure.
func NewService(ctx context.Context, opts Options) (*Service, error) {
	if err := config.ValidateSecurity(opts.Security); err != nil {
		return nil, err
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "warden")

	source := opts.Source
	if source == nil {
		source = resources.NewSimulatedSource(now().UnixNano())
	}
	backend := opts.Backend
	if backend == nil {
		backend = enforcement.NewLogBackend(logger)
	}
	sink := opts.Sink
	if sink == nil {
		sink = audit.DefaultSink
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = audit.DefaultRetention
	}
	maxHistory := opts.MaxHistory
	if maxHistory <= 0 {
		maxHistory = behavior.DefaultMaxHistory
	}

	profiler := behavior.NewProfiler(opts.Patterns)
	validators := []risk.Validator[validation.Input]{
		validation.Authentication(),
		validation.Resource(),
		validation.Communication(),
		validation.Behavior(profiler),
		validation.Sandbox(),
	}
	validators = append(validators, opts.ExtraValidators...)

	s := &Service{
		store:      state.NewStore(),
		tracker:    resources.NewTracker(source, opts.SampleTimeout),
		source:     source,
		profiler:   profiler,
		chain:      risk.NewChain(validators...),
		aggregator: risk.NewAggregator(nil),
		actuator:   enforcement.NewActuator(backend, opts.ActionTimeout, logger),
		sessions:   session.NewManager(opts.SessionKey, opts.SessionTTL, now),
		auditLog:   audit.NewLog(opts.AuditStore, now, logger),
		sink:       sink,
		retention:  retention,
		maxHistory: maxHistory,
		metrics:    opts.Metrics,
		inst:       opts.Instruments,
		logger:     logger,
		now:        now,
		cfg:        opts.Security,
		isolation:  isolation.NewManager(opts.Security.PolicyTTL, now),
	}

	restored, err := s.auditLog.Restore(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore audit log: %w", err)
	}
	if restored > 0 {
		logger.Info("Audit log restored", "events", restored, "head", s.auditLog.Head())
	}
	s.metrics.SetAuditEvents(s.auditLog.Len())
	return s, nil
}

// SecurityConfig returns the active security configuration.
func (s *Service) SecurityConfig() config.WorkerSecurityConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg := s.cfg
	cfg.AllowedEndpoints = append([]string(nil), s.cfg.AllowedEndpoints...)
	return cfg
}

func (s *Service) policies() *isolation.Manager {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isolation
}

// =============================================================================
// Worker Lifecycle
// =============================================================================

// RegisterWorker allocates all per-worker state in one step.
//
// # Description
//
// The worker starts active with empty usage and history. When sandboxing
// is enabled an isolation policy of the configured level is attached. The
// communication channel starts authenticated with integrity, and encrypted
// as configured.
//
// # Outputs
//
//   - error: ErrInvalidWorker, ErrWorkerExists or ErrMaxWorkersReached.
func (s *Service) RegisterWorker(ctx context.Context, w datatypes.Worker) error {
	if err := datatypes.Validate(w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWorker, err)
	}
	cfg := s.SecurityConfig()

	w = w.Clone()
	w.Status = datatypes.WorkerActive
	if w.RegisteredAt.IsZero() {
		w.RegisteredAt = s.now()
	}

	st := state.WorkerSecurityState{
		Worker: w,
		Communication: datatypes.CommunicationState{
			Encrypted:     cfg.EnableCommunicationEncryption,
			Authenticated: true,
			Integrity:     true,
		},
	}
	var policy datatypes.IsolationPolicy
	if cfg.EnableSandboxing {
		policy = s.policies().CreatePolicy(w.ID, cfg.IsolationLevel, cfg.ResourceLimits)
		st.Policy = &policy
	}

	tracked := s.actuator.Track(w.ID)
	if err := s.store.Insert(st, cfg.MaxWorkers); err != nil {
		if tracked {
			s.actuator.Forget(w.ID)
		}
		return fmt.Errorf("register worker %s: %w", w.ID, err)
	}

	s.logger.Info("Worker registered",
		"worker_id", w.ID,
		"pid", w.PID,
		"isolation_level", string(policy.Level))
	s.record(ctx, audit.Event{
		Type:     audit.EventWorkerRegistered,
		WorkerID: w.ID,
		Details:  map[string]string{"pid": fmt.Sprint(w.PID)},
	})
	s.emit("worker-registered", func() error { return s.sink.OnWorkerRegistered(ctx, w, policy) })
	if st.Policy != nil {
		s.policyCreated(ctx, policy, audit.EventPolicyCreated)
	}
	s.publishCounts()
	return nil
}

// DeregisterWorker releases every piece of state held for id.
//
// Sessions are revoked and enforcement bookkeeping is dropped. Returns
// ErrWorkerNotFound for unknown ids.
func (s *Service) DeregisterWorker(ctx context.Context, id string) error {
	st, ok := s.store.Delete(id)
	if !ok {
		return fmt.Errorf("deregister worker %s: %w", id, ErrWorkerNotFound)
	}
	s.actuator.Forget(id)
	revoked := s.sessions.RevokeWorker(id)
	if f, ok := s.source.(interface{ Forget(pid int) }); ok && st.Worker.PID > 0 {
		f.Forget(st.Worker.PID)
	}

	s.logger.Info("Worker deregistered", "worker_id", id, "sessions_revoked", revoked)
	s.record(ctx, audit.Event{Type: audit.EventWorkerDeregistered, WorkerID: id})
	s.emit("worker-deregistered", func() error { return s.sink.OnWorkerDeregistered(ctx, id) })
	s.publishCounts()
	return nil
}

// Worker returns the registered worker id.
func (s *Service) Worker(id string) (datatypes.Worker, error) {
	st, ok := s.store.Snapshot(id)
	if !ok {
		return datatypes.Worker{}, ErrWorkerNotFound
	}
	return st.Worker, nil
}

// WorkerIDs returns every registered worker id, sorted.
func (s *Service) WorkerIDs() []string {
	return s.store.IDs()
}

// =============================================================================
// Configuration
// =============================================================================

// UpdateConfig validates and applies cfg.
//
// # Description
//
// When the isolation level or resource limits change, or sandboxing is
// switched on, every worker gets a fresh policy matching cfg. Workers keep
// their usage, history and enforcement state.
//
// # Outputs
//
//   - error: config.ErrInvalidConfig. The active config is unchanged.
func (s *Service) UpdateConfig(ctx context.Context, cfg config.WorkerSecurityConfig) error {
	if err := config.ValidateSecurity(cfg); err != nil {
		return err
	}
	cfg.AllowedEndpoints = append([]string(nil), cfg.AllowedEndpoints...)

	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	if cfg.PolicyTTL != prev.PolicyTTL {
		s.isolation = isolation.NewManager(cfg.PolicyTTL, s.now)
	}
	iso := s.isolation
	s.mu.Unlock()

	reissue := cfg.EnableSandboxing &&
		(!prev.EnableSandboxing || cfg.IsolationLevel != prev.IsolationLevel || cfg.ResourceLimits != prev.ResourceLimits)
	if reissue {
		for _, id := range s.store.IDs() {
			var created *datatypes.IsolationPolicy
			_ = s.store.Update(id, func(st *state.WorkerSecurityState) error {
				p := iso.CreatePolicy(id, cfg.IsolationLevel, cfg.ResourceLimits)
				if st.Policy != nil {
					p.Generation = st.Policy.Generation + 1
				}
				st.Policy = &p
				created = &p
				return nil
			})
			if created != nil {
				s.policyCreated(ctx, *created, audit.EventPolicyCreated)
			}
		}
	}

	s.logger.Info("Security configuration updated",
		"max_workers", cfg.MaxWorkers,
		"isolation_level", string(cfg.IsolationLevel),
		"sandboxing", cfg.EnableSandboxing,
		"policies_reissued", reissue)
	s.record(ctx, audit.Event{
		Type: audit.EventConfigUpdated,
		Details: map[string]string{
			"isolation_level": string(cfg.IsolationLevel),
			"max_workers":     fmt.Sprint(cfg.MaxWorkers),
		},
	})
	s.emit("config-updated", func() error { return s.sink.OnConfigUpdated(ctx, cfg) })
	return nil
}

// =============================================================================
// Event Helpers
// =============================================================================

// record appends e to the audit chain. Failures are logged only.
func (s *Service) record(ctx context.Context, e audit.Event) {
	if _, err := s.auditLog.Append(ctx, e); err != nil {
		s.logger.Error("Failed to record audit event", "type", string(e.Type), "error", err)
	}
	s.metrics.SetAuditEvents(s.auditLog.Len())
}

// emit delivers one sink event. Sink errors and panics never reach the
// caller.
func (s *Service) emit(event string, fn func() error) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("sink panicked: %v", r)
			}
		}()
		return fn()
	}()
	if err != nil {
		s.metrics.RecordSinkError()
		s.logger.Warn("Event sink delivery failed", "event", event, "error", err)
	}
}

func (s *Service) policyCreated(ctx context.Context, p datatypes.IsolationPolicy, t audit.EventType) {
	s.record(ctx, audit.Event{
		Type:     t,
		WorkerID: p.WorkerID,
		Details: map[string]string{
			"isolation_level": string(p.Level),
			"generation":      fmt.Sprint(p.Generation),
			"expires_at":      p.ExpiresAt.UTC().Format(time.RFC3339),
		},
	})
	s.emit("isolation-policy-created", func() error { return s.sink.OnIsolationPolicyCreated(ctx, p) })
}

// counts tallies workers by status.
func (s *Service) counts() (datatypes.WorkerCounts, int, int) {
	var c datatypes.WorkerCounts
	policies, channels := 0, 0
	s.store.Range(func(st state.WorkerSecurityState) bool {
		c.Total++
		switch st.Worker.Status {
		case datatypes.WorkerThrottled:
			c.Throttled++
		case datatypes.WorkerTerminated:
			c.Terminated++
		default:
			c.Active++
		}
		if st.Policy != nil {
			policies++
		}
		channels += len(st.Communication.Channels)
		return true
	})
	return c, policies, channels
}

func (s *Service) publishCounts() {
	if s.metrics == nil {
		return
	}
	c, _, _ := s.counts()
	s.metrics.SetWorkerCounts(c)
}
