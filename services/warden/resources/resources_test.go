// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package resources

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/warden/services/warden/datatypes"
)

var testLimits = datatypes.ResourceLimits{
	MaxCPUPercent:       80,
	MaxMemoryMB:         512,
	MaxDiskMB:           1024,
	MaxNetworkMBps:      10,
	MaxExecutionTimeSec: 300,
}

func TestRecord_CurrentNeverExceedsPeak(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var m datatypes.ResourceUsageMetrics
	now := time.Now()

	for i := 0; i < 1000; i++ {
		raw := datatypes.RawMetrics{
			CPUPercent:   rng.Float64() * 120,
			MemoryMB:     rng.Float64() * 800,
			DiskMB:       rng.Float64() * 2000,
			NetworkMBps:  rng.Float64() * 20,
			ExecutionSec: rng.Float64() * 400,
		}
		Record(&m, raw, now)
		for _, d := range datatypes.Dimensions {
			s := m.Stat(d)
			require.LessOrEqual(t, s.Current, s.Peak, "dimension %s sample %d", d, i)
		}
	}
	assert.Equal(t, 1000, m.Samples)
}

func TestRecord_RunningMean(t *testing.T) {
	var m datatypes.ResourceUsageMetrics
	now := time.Now()
	for _, v := range []float64{10, 20, 30, 40} {
		Record(&m, datatypes.RawMetrics{CPUPercent: v}, now)
	}

	assert.InDelta(t, 25.0, m.CPU.Average, 1e-9)
	assert.Equal(t, 40.0, m.CPU.Current)
	assert.Equal(t, 40.0, m.CPU.Peak)
	assert.Equal(t, now, m.LastSampledAt)
}

func TestRecord_ClampsNegative(t *testing.T) {
	var m datatypes.ResourceUsageMetrics
	Record(&m, datatypes.RawMetrics{MemoryMB: -5}, time.Now())
	assert.Zero(t, m.Memory.Current)
	assert.Zero(t, m.Memory.Peak)
}

func TestOverages(t *testing.T) {
	tests := []struct {
		name string
		raw  datatypes.RawMetrics
		want []Overage
	}{
		{
			name: "within limits",
			raw:  datatypes.RawMetrics{CPUPercent: 50, MemoryMB: 100},
		},
		{
			name: "soft cpu",
			raw:  datatypes.RawMetrics{CPUPercent: 75},
			want: []Overage{{Dimension: datatypes.DimensionCPU, Current: 75, Limit: 80}},
		},
		{
			name: "hard memory and soft disk keep order",
			raw:  datatypes.RawMetrics{MemoryMB: 600, DiskMB: 1000},
			want: []Overage{
				{Dimension: datatypes.DimensionMemory, Current: 600, Limit: 512, Hard: true},
				{Dimension: datatypes.DimensionDisk, Current: 1000, Limit: 1024},
			},
		},
		{
			name: "exactly at limit is soft",
			raw:  datatypes.RawMetrics{ExecutionSec: 300},
			want: []Overage{{Dimension: datatypes.DimensionExecution, Current: 300, Limit: 300}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Overages(tt.raw, testLimits, 0.9))
		})
	}
}

func TestFirstHard(t *testing.T) {
	_, ok := FirstHard([]Overage{{Dimension: datatypes.DimensionCPU}})
	assert.False(t, ok)

	o, ok := FirstHard([]Overage{
		{Dimension: datatypes.DimensionCPU},
		{Dimension: datatypes.DimensionDisk, Hard: true},
		{Dimension: datatypes.DimensionNetwork, Hard: true},
	})
	require.True(t, ok)
	assert.Equal(t, datatypes.DimensionDisk, o.Dimension)
}

func TestTracker_SampleErrorsAreWrapped(t *testing.T) {
	src := NewStaticSource()
	tr := NewTracker(src, time.Second)
	w := datatypes.Worker{ID: "w1"}

	_, err := tr.Sample(context.Background(), w)
	assert.ErrorIs(t, err, ErrNoSample)

	boom := errors.New("boom")
	src.Fail("w1", boom)
	_, err = tr.Sample(context.Background(), w)
	assert.ErrorIs(t, err, boom)

	src.Set("w1", datatypes.RawMetrics{CPUPercent: 12})
	raw, err := tr.Sample(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, 12.0, raw.CPUPercent)
}

type blockingSource struct{}

func (blockingSource) Sample(ctx context.Context, _ datatypes.Worker) (datatypes.RawMetrics, error) {
	<-ctx.Done()
	return datatypes.RawMetrics{}, ctx.Err()
}

func TestTracker_Timeout(t *testing.T) {
	tr := NewTracker(blockingSource{}, 20*time.Millisecond)
	_, err := tr.Sample(context.Background(), datatypes.Worker{ID: "slow"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSimulatedSource_ExecutionFromRegistration(t *testing.T) {
	src := NewSimulatedSource(1)
	now := time.Now()
	src.now = func() time.Time { return now }

	raw, err := src.Sample(context.Background(), datatypes.Worker{ID: "w", RegisteredAt: now.Add(-90 * time.Second)})
	require.NoError(t, err)
	assert.InDelta(t, 90.0, raw.ExecutionSec, 1e-9)
	assert.Greater(t, raw.CPUPercent, 0.0)
	assert.Less(t, raw.CPUPercent, testLimits.MaxCPUPercent)
}

func TestProcfsSource_SelfProcess(t *testing.T) {
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skip("procfs not available")
	}
	src, err := NewProcfsSource("")
	require.NoError(t, err)

	w := datatypes.Worker{ID: "self", PID: os.Getpid()}
	first, err := src.Sample(context.Background(), w)
	require.NoError(t, err)
	assert.Greater(t, first.MemoryMB, 0.0)
	assert.Zero(t, first.CPUPercent, "first sample has no rate baseline")
	assert.Zero(t, first.DiskMB, "first sample has no disk baseline")

	second, err := src.Sample(context.Background(), w)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, second.CPUPercent, 0.0)
	assert.GreaterOrEqual(t, second.DiskMB, 0.0)

	_, err = src.Sample(context.Background(), datatypes.Worker{ID: "nopid"})
	assert.ErrorIs(t, err, ErrNoProcess)
}

func TestDeltas(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	base := procSample{at: t0, start: 100, cpuSec: 10, diskBytes: 50 * bytesPerMB, netBytes: 4 * bytesPerMB}

	tests := []struct {
		name string
		cur  procSample
		want datatypes.RawMetrics
	}{
		{
			name: "interval deltas",
			cur:  procSample{at: t0.Add(2 * time.Second), start: 100, cpuSec: 11, diskBytes: 53 * bytesPerMB, netBytes: 8 * bytesPerMB},
			want: datatypes.RawMetrics{CPUPercent: 50, DiskMB: 3, NetworkMBps: 2},
		},
		{
			name: "reused pid starts over",
			cur:  procSample{at: t0.Add(2 * time.Second), start: 900, cpuSec: 0.5, diskBytes: 1 * bytesPerMB, netBytes: 9 * bytesPerMB},
			want: datatypes.RawMetrics{},
		},
		{
			name: "counters going backwards clamp to zero",
			cur:  procSample{at: t0.Add(2 * time.Second), start: 100, cpuSec: 2, diskBytes: 10 * bytesPerMB, netBytes: 1},
			want: datatypes.RawMetrics{},
		},
		{
			name: "no elapsed time",
			cur:  procSample{at: t0, start: 100, cpuSec: 20, diskBytes: 60 * bytesPerMB, netBytes: 5 * bytesPerMB},
			want: datatypes.RawMetrics{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var raw datatypes.RawMetrics
			deltas(&raw, base, tt.cur)
			assert.InDelta(t, tt.want.CPUPercent, raw.CPUPercent, 1e-9)
			assert.InDelta(t, tt.want.DiskMB, raw.DiskMB, 1e-9)
			assert.InDelta(t, tt.want.NetworkMBps, raw.NetworkMBps, 1e-9)
			assert.NoError(t, datatypes.Validate(raw), "sample is always recordable")
		})
	}
}
