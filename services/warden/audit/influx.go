// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"context"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/AleutianAI/warden/services/warden/config"
	"github.com/AleutianAI/warden/services/warden/datatypes"
)

// Influx measurement names.
const (
	MeasurementDecision  = "warden_decisions"
	MeasurementLifecycle = "warden_worker_lifecycle"
	MeasurementPolicy    = "warden_isolation_policies"
	MeasurementConfig    = "warden_config_updates"
)

// InfluxSink writes events as InfluxDB points.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	now      func() time.Time
}

// NewInfluxSink connects to the InfluxDB described by cfg.
func NewInfluxSink(cfg config.InfluxConfig) *InfluxSink {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		now:      time.Now,
	}
}

// NewInfluxSinkWithWriter writes through w. Used by tests.
func NewInfluxSinkWithWriter(w api.WriteAPIBlocking) *InfluxSink {
	return &InfluxSink{writeAPI: w, now: time.Now}
}

// Close releases the client.
func (s *InfluxSink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

func (s *InfluxSink) OnWorkerRegistered(ctx context.Context, w datatypes.Worker, p datatypes.IsolationPolicy) error {
	pt := influxdb2.NewPointWithMeasurement(MeasurementLifecycle).
		AddTag("worker_id", w.ID).
		AddTag("event", "registered").
		AddTag("isolation_level", string(p.Level)).
		AddField("pid", w.PID).
		SetTime(w.RegisteredAt)
	return s.writeAPI.WritePoint(ctx, pt)
}

func (s *InfluxSink) OnWorkerDeregistered(ctx context.Context, workerID string) error {
	pt := influxdb2.NewPointWithMeasurement(MeasurementLifecycle).
		AddTag("worker_id", workerID).
		AddTag("event", "deregistered").
		AddField("count", 1).
		SetTime(s.now())
	return s.writeAPI.WritePoint(ctx, pt)
}

func (s *InfluxSink) OnIsolationPolicyCreated(ctx context.Context, p datatypes.IsolationPolicy) error {
	pt := influxdb2.NewPointWithMeasurement(MeasurementPolicy).
		AddTag("worker_id", p.WorkerID).
		AddTag("isolation_level", string(p.Level)).
		AddField("generation", p.Generation).
		AddField("expires_at", p.ExpiresAt.Unix()).
		SetTime(p.CreatedAt)
	return s.writeAPI.WritePoint(ctx, pt)
}

func (s *InfluxSink) OnSecurityEvent(ctx context.Context, r datatypes.WorkerSecurityResult) error {
	pt := influxdb2.NewPointWithMeasurement(MeasurementDecision).
		AddTag("worker_id", r.WorkerID).
		AddTag("operation", string(r.Operation)).
		AddTag("allowed", strconv.FormatBool(r.Allowed)).
		AddTag("risk_level", string(r.RiskLevel)).
		AddField("risk_score", r.RiskScore).
		AddField("success", r.Success).
		AddField("factors", strings.Join(r.RiskFactors, ",")).
		AddField("duration_ms", float64(r.Duration)/float64(time.Millisecond)).
		AddField("event_id", r.EventID).
		SetTime(r.Timestamp)
	return s.writeAPI.WritePoint(ctx, pt)
}

func (s *InfluxSink) OnConfigUpdated(ctx context.Context, cfg config.WorkerSecurityConfig) error {
	pt := influxdb2.NewPointWithMeasurement(MeasurementConfig).
		AddTag("isolation_level", string(cfg.IsolationLevel)).
		AddField("max_workers", cfg.MaxWorkers).
		AddField("sandboxing", cfg.EnableSandboxing).
		AddField("max_cpu_percent", cfg.ResourceLimits.MaxCPUPercent).
		AddField("max_memory_mb", cfg.ResourceLimits.MaxMemoryMB).
		SetTime(s.now())
	return s.writeAPI.WritePoint(ctx, pt)
}
