// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for warden.
//
// # Description
//
// Metrics cover admission decisions, risk factors, enforcement actions,
// worker counts, monitor loop health and the audit trail size. They are
// exposed on /metrics by the HTTP server.
//
// A nil *Metrics is valid and records nothing, so library users that do
// not want Prometheus can pass nil.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/warden/services/warden/datatypes"
)

// Namespace for all metrics
const metricsNamespace = "warden"

// Subsystems
const (
	admissionSubsystem   = "admission"
	enforcementSubsystem = "enforcement"
	monitorSubsystem     = "monitor"
	auditSubsystem       = "audit"
	zeroTrustSubsystem   = "zero_trust"
)

// Decision outcome label values.
const (
	OutcomeAllowed = "allowed"
	OutcomeBlocked = "blocked"
	OutcomeFailed  = "failed"
)

// Metrics holds every warden metric.
type Metrics struct {
	// DecisionsTotal counts decisions.
	// Labels: operation, outcome (allowed, blocked, failed)
	DecisionsTotal *prometheus.CounterVec

	// RiskScore is the distribution of risk scores.
	// Labels: operation
	RiskScore *prometheus.HistogramVec

	// ValidationDurationSeconds measures the whole validation pipeline.
	ValidationDurationSeconds prometheus.Histogram

	// RiskFactorsTotal counts reported factors.
	// Labels: factor
	RiskFactorsTotal *prometheus.CounterVec

	// EnforcementActionsTotal counts applied actions.
	// Labels: action (throttle-cpu, terminate-worker, ...)
	EnforcementActionsTotal *prometheus.CounterVec

	// Workers is the number of registered workers.
	// Labels: status
	Workers *prometheus.GaugeVec

	// MonitorTicksTotal counts periodic loop runs.
	// Labels: loop, status (success, error)
	MonitorTicksTotal *prometheus.CounterVec

	// MonitorTickDurationSeconds measures periodic loop runs.
	// Labels: loop
	MonitorTickDurationSeconds *prometheus.HistogramVec

	// AuditEvents is the number of retained audit events.
	AuditEvents prometheus.Gauge

	// SinkErrorsTotal counts failed sink deliveries.
	SinkErrorsTotal prometheus.Counter

	// ZeroTrustDecisionsTotal counts API request decisions.
	// Labels: outcome (allowed, blocked)
	ZeroTrustDecisionsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers every metric with reg.
//
// # Limitations
//
//   - Panics if called twice with the same registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DecisionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: admissionSubsystem,
			Name:      "decisions_total",
			Help:      "Total operation decisions by operation and outcome",
		}, []string{"operation", "outcome"}),

		RiskScore: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: admissionSubsystem,
			Name:      "risk_score",
			Help:      "Distribution of aggregated risk scores",
			Buckets:   []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		}, []string{"operation"}),

		ValidationDurationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: admissionSubsystem,
			Name:      "validation_duration_seconds",
			Help:      "Time spent validating one operation",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 5},
		}),

		RiskFactorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: admissionSubsystem,
			Name:      "risk_factors_total",
			Help:      "Total risk factors reported by the validator chain",
		}, []string{"factor"}),

		EnforcementActionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: enforcementSubsystem,
			Name:      "actions_total",
			Help:      "Total enforcement actions applied",
		}, []string{"action"}),

		Workers: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "workers",
			Help:      "Registered workers by status",
		}, []string{"status"}),

		MonitorTicksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: monitorSubsystem,
			Name:      "ticks_total",
			Help:      "Total periodic loop runs by loop and status",
		}, []string{"loop", "status"}),

		MonitorTickDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: monitorSubsystem,
			Name:      "tick_duration_seconds",
			Help:      "Duration of one periodic loop run",
			Buckets:   prometheus.DefBuckets,
		}, []string{"loop"}),

		AuditEvents: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: auditSubsystem,
			Name:      "events",
			Help:      "Retained audit events",
		}),

		SinkErrorsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: auditSubsystem,
			Name:      "sink_errors_total",
			Help:      "Total failed sink deliveries",
		}),

		ZeroTrustDecisionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: zeroTrustSubsystem,
			Name:      "decisions_total",
			Help:      "Total API request decisions by outcome",
		}, []string{"outcome"}),
	}
}

// =============================================================================
// Recording Functions
// =============================================================================

// RecordDecision records one ValidateOperation result.
func (m *Metrics) RecordDecision(r datatypes.WorkerSecurityResult) {
	if m == nil {
		return
	}
	outcome := OutcomeBlocked
	switch {
	case !r.Success:
		outcome = OutcomeFailed
	case r.Allowed:
		outcome = OutcomeAllowed
	}
	op := string(r.Operation)
	m.DecisionsTotal.WithLabelValues(op, outcome).Inc()
	m.RiskScore.WithLabelValues(op).Observe(float64(r.RiskScore))
	m.ValidationDurationSeconds.Observe(r.Duration.Seconds())
	for _, f := range r.RiskFactors {
		m.RiskFactorsTotal.WithLabelValues(f).Inc()
	}
}

// RecordEnforcement counts applied enforcement actions.
func (m *Metrics) RecordEnforcement(actions []string) {
	if m == nil {
		return
	}
	for _, a := range actions {
		m.EnforcementActionsTotal.WithLabelValues(a).Inc()
	}
}

// SetWorkerCounts publishes the worker gauge.
func (m *Metrics) SetWorkerCounts(c datatypes.WorkerCounts) {
	if m == nil {
		return
	}
	m.Workers.WithLabelValues(string(datatypes.WorkerActive)).Set(float64(c.Active))
	m.Workers.WithLabelValues(string(datatypes.WorkerThrottled)).Set(float64(c.Throttled))
	m.Workers.WithLabelValues(string(datatypes.WorkerTerminated)).Set(float64(c.Terminated))
}

// RecordTick records one periodic loop run.
func (m *Metrics) RecordTick(loop string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.MonitorTicksTotal.WithLabelValues(loop, status).Inc()
	m.MonitorTickDurationSeconds.WithLabelValues(loop).Observe(d.Seconds())
}

// SetAuditEvents publishes the audit trail size.
func (m *Metrics) SetAuditEvents(n int) {
	if m == nil {
		return
	}
	m.AuditEvents.Set(float64(n))
}

// RecordSinkError counts a failed sink delivery.
func (m *Metrics) RecordSinkError() {
	if m == nil {
		return
	}
	m.SinkErrorsTotal.Inc()
}

// RecordZeroTrust counts an API request decision.
func (m *Metrics) RecordZeroTrust(allowed bool) {
	if m == nil {
		return
	}
	outcome := OutcomeBlocked
	if allowed {
		outcome = OutcomeAllowed
	}
	m.ZeroTrustDecisionsTotal.WithLabelValues(outcome).Inc()
}
