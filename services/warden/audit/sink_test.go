// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/warden/services/warden/config"
	"github.com/AleutianAI/warden/services/warden/datatypes"
)

// --- Mock InfluxDB WriteAPIBlocking ---

type mockWriteAPI struct {
	mu     sync.Mutex
	points []*write.Point
	err    error
}

func (m *mockWriteAPI) WritePoint(_ context.Context, point ...*write.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.points = append(m.points, point...)
	return nil
}

func (m *mockWriteAPI) WriteRecord(context.Context, ...string) error { return nil }
func (m *mockWriteAPI) EnableBatching()                              {}
func (m *mockWriteAPI) Flush(context.Context) error                  { return nil }

func (m *mockWriteAPI) names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.points))
	for i, p := range m.points {
		out[i] = p.Name()
	}
	return out
}

// --- Recording sink ---

type recordingSink struct {
	NopSink
	mu     sync.Mutex
	events []string
}

func (r *recordingSink) OnSecurityEvent(_ context.Context, res datatypes.WorkerSecurityResult) error {
	r.mu.Lock()
	r.events = append(r.events, res.WorkerID)
	r.mu.Unlock()
	return nil
}

type panickingSink struct{ NopSink }

func (panickingSink) OnSecurityEvent(context.Context, datatypes.WorkerSecurityResult) error {
	panic("sink exploded")
}

type failingSink struct{ NopSink }

func (failingSink) OnSecurityEvent(context.Context, datatypes.WorkerSecurityResult) error {
	return errors.New("unavailable")
}

func TestMultiSink_DeliversPastFailures(t *testing.T) {
	rec := &recordingSink{}
	m := MultiSink{panickingSink{}, failingSink{}, rec}

	err := m.OnSecurityEvent(context.Background(), datatypes.WorkerSecurityResult{WorkerID: "w1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink panicked")
	assert.Contains(t, err.Error(), "unavailable")
	assert.Equal(t, []string{"w1"}, rec.events)

	assert.NoError(t, m.OnWorkerDeregistered(context.Background(), "w1"))
}

func TestNopSink(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, DefaultSink.OnWorkerRegistered(ctx, datatypes.Worker{}, datatypes.IsolationPolicy{}))
	assert.NoError(t, DefaultSink.OnConfigUpdated(ctx, config.DefaultSecurityConfig()))
}

func TestInfluxSink_WritesPoints(t *testing.T) {
	w := &mockWriteAPI{}
	s := NewInfluxSinkWithWriter(w)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.OnWorkerRegistered(ctx,
		datatypes.Worker{ID: "w1", PID: 42, RegisteredAt: now},
		datatypes.IsolationPolicy{WorkerID: "w1", Level: datatypes.IsolationStandard}))
	require.NoError(t, s.OnIsolationPolicyCreated(ctx, datatypes.IsolationPolicy{WorkerID: "w1", Generation: 2, CreatedAt: now}))
	require.NoError(t, s.OnSecurityEvent(ctx, datatypes.WorkerSecurityResult{
		WorkerID:    "w1",
		Operation:   datatypes.OperationExecute,
		RiskScore:   25,
		RiskFactors: []string{"cpu-overage"},
		Timestamp:   now,
	}))
	require.NoError(t, s.OnWorkerDeregistered(ctx, "w1"))
	require.NoError(t, s.OnConfigUpdated(ctx, config.DefaultSecurityConfig()))

	assert.Equal(t, []string{
		MeasurementLifecycle,
		MeasurementPolicy,
		MeasurementDecision,
		MeasurementLifecycle,
		MeasurementConfig,
	}, w.names())
}

func TestInfluxSink_PropagatesErrors(t *testing.T) {
	w := &mockWriteAPI{err: errors.New("influx down")}
	s := NewInfluxSinkWithWriter(w)
	err := s.OnWorkerDeregistered(context.Background(), "w1")
	assert.EqualError(t, err, "influx down")
}
