// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package monitor runs warden's periodic background loops.
//
// # Description
//
// Four independent loops run on their own tickers:
//
//	sample          refresh resource usage of every worker (30s)
//	behavior        run anomaly analysis for every worker (5min)
//	policy-renewal  renew expired isolation policies (30s)
//	audit-prune     drop audit entries past retention (1h)
//
// Every tick is a failure-isolated unit: an error for one worker is logged
// and counted and the sweep continues with the next worker. A slow loop
// never delays another loop or the request path.
//
// # Thread Safety
//
// Monitor is safe for concurrent use. Start and Stop may be called from
// different goroutines.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/warden/services/warden/config"
	"github.com/AleutianAI/warden/services/warden/observability"
	"github.com/AleutianAI/warden/services/warden/telemetry"
)

// Task names one loop.
type Task string

const (
	TaskSample        Task = "sample"
	TaskBehavior      Task = "behavior"
	TaskPolicyRenewal Task = "policy-renewal"
	TaskAuditPrune    Task = "audit-prune"
)

// Tasks lists every loop in start order.
var Tasks = []Task{TaskSample, TaskBehavior, TaskPolicyRenewal, TaskAuditPrune}

// ErrAlreadyRunning is returned by Start on a running monitor.
var ErrAlreadyRunning = errors.New("monitor is already running")

// ErrUnknownTask is returned by RunNow for an unrecognized task.
var ErrUnknownTask = errors.New("unknown monitor task")

// Target is the state the loops operate on.
//
// Per-worker methods must return an error only for that worker, so that the
// sweep can continue.
type Target interface {
	WorkerIDs() []string
	SampleWorker(ctx context.Context, workerID string) error
	AnalyzeBehavior(ctx context.Context, workerID string) error
	RenewExpiredPolicies(ctx context.Context) (int, error)
	PruneAudit(ctx context.Context) (int, error)
}

// Monitor owns the loop goroutines.
type Monitor struct {
	target  Target
	cfg     config.MonitorConfig
	metrics *observability.Metrics
	inst    *telemetry.Instruments
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// Options configure a Monitor. Zero values are valid.
type Options struct {
	Metrics     *observability.Metrics
	Instruments *telemetry.Instruments
	Logger      *slog.Logger
}

// New returns a stopped monitor.
//
// # Inputs
//
//   - target: Must not be nil.
//   - cfg: Loop intervals. Non-positive intervals take the defaults.
func New(target Target, cfg config.MonitorConfig, opts Options) *Monitor {
	def := config.DefaultConfig().Monitor
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = def.SampleInterval
	}
	if cfg.BehaviorInterval <= 0 {
		cfg.BehaviorInterval = def.BehaviorInterval
	}
	if cfg.PolicyRenewalInterval <= 0 {
		cfg.PolicyRenewalInterval = def.PolicyRenewalInterval
	}
	if cfg.AuditPruneInterval <= 0 {
		cfg.AuditPruneInterval = def.AuditPruneInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		target:  target,
		cfg:     cfg,
		metrics: opts.Metrics,
		inst:    opts.Instruments,
		logger:  logger,
	}
}

// Interval returns the tick interval of task.
func (m *Monitor) Interval(task Task) time.Duration {
	switch task {
	case TaskSample:
		return m.cfg.SampleInterval
	case TaskBehavior:
		return m.cfg.BehaviorInterval
	case TaskPolicyRenewal:
		return m.cfg.PolicyRenewalInterval
	case TaskAuditPrune:
		return m.cfg.AuditPruneInterval
	default:
		return 0
	}
}

// Start launches every loop.
//
// # Description
//
// Loops stop when ctx is cancelled or Stop is called. Loops do not run an
// immediate tick on start; the first run happens one interval later.
//
// # Outputs
//
//   - error: ErrAlreadyRunning if Start was already called without Stop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	for _, task := range Tasks {
		task := task
		g.Go(func() error {
			m.runLoop(gctx, done, task)
			return nil
		})
	}

	m.running = true
	m.done = done
	m.cancel = cancel
	m.group = g

	m.logger.Info("Monitor started",
		"sample_interval", m.cfg.SampleInterval.String(),
		"behavior_interval", m.cfg.BehaviorInterval.String(),
		"policy_renewal_interval", m.cfg.PolicyRenewalInterval.String(),
		"audit_prune_interval", m.cfg.AuditPruneInterval.String())
	return nil
}

// Stop signals every loop and waits for in-flight ticks to finish.
//
// Safe to call multiple times and on a monitor that was never started.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	close(m.done)
	m.cancel()
	g := m.group
	m.running = false
	m.mu.Unlock()

	_ = g.Wait()
	m.logger.Info("Monitor stopped")
}

// Running reports whether the loops are active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// RunNow runs one tick of task synchronously.
//
// The scheduled timing is unaffected.
func (m *Monitor) RunNow(ctx context.Context, task Task) error {
	switch task {
	case TaskSample, TaskBehavior, TaskPolicyRenewal, TaskAuditPrune:
		return m.tick(ctx, task)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownTask, task)
	}
}

// =============================================================================
// Internal Methods
// =============================================================================

func (m *Monitor) runLoop(ctx context.Context, done <-chan struct{}, task Task) {
	ticker := time.NewTicker(m.Interval(task))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = m.tick(ctx, task)
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick runs one loop iteration and records its outcome.
func (m *Monitor) tick(ctx context.Context, task Task) error {
	ctx, span := telemetry.StartSpan(ctx, "monitor."+string(task),
		trace.WithAttributes(attribute.String("task", string(task))))
	defer span.End()

	start := time.Now()
	err := m.run(ctx, task)
	elapsed := time.Since(start)

	m.metrics.RecordTick(string(task), elapsed, err)
	m.inst.RecordTick(ctx, string(task), elapsed.Seconds())
	if err != nil {
		telemetry.RecordError(span, err)
		m.logger.Warn("Monitor tick completed with errors",
			"task", string(task),
			"duration_ms", elapsed.Milliseconds(),
			"error", err)
	}
	return err
}

func (m *Monitor) run(ctx context.Context, task Task) error {
	switch task {
	case TaskSample:
		return m.sweep(ctx, task, m.target.SampleWorker)
	case TaskBehavior:
		return m.sweep(ctx, task, m.target.AnalyzeBehavior)
	case TaskPolicyRenewal:
		n, err := m.target.RenewExpiredPolicies(ctx)
		if n > 0 {
			m.logger.Info("Isolation policies renewed", "count", n)
		}
		return err
	case TaskAuditPrune:
		n, err := m.target.PruneAudit(ctx)
		if n > 0 {
			m.logger.Info("Audit entries pruned", "count", n)
		}
		return err
	}
	return nil
}

// sweep applies fn to every worker, continuing past failures.
func (m *Monitor) sweep(ctx context.Context, task Task, fn func(context.Context, string) error) error {
	var errs []error
	for _, id := range m.target.WorkerIDs() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := fn(ctx, id); err != nil {
			m.logger.Debug("Worker tick failed",
				"task", string(task),
				"worker_id", id,
				"error", err)
			errs = append(errs, fmt.Errorf("%s %s: %w", task, id, err))
		}
	}
	return errors.Join(errs...)
}
