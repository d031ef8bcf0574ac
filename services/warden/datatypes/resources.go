// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// Dimension names one governed resource.
type Dimension string

const (
	DimensionCPU       Dimension = "cpu"
	DimensionMemory    Dimension = "memory"
	DimensionDisk      Dimension = "disk"
	DimensionNetwork   Dimension = "network"
	DimensionExecution Dimension = "execution"
)

// Dimensions lists every governed dimension in evaluation order.
//
// The order is significant: the resource validator reports the first hard
// overage in this order.
var Dimensions = []Dimension{
	DimensionCPU,
	DimensionMemory,
	DimensionDisk,
	DimensionNetwork,
	DimensionExecution,
}

// ResourceStat tracks one dimension across samples.
//
// After every sample Current <= Peak holds, and Average is the cumulative
// running mean of all samples seen so far.
type ResourceStat struct {
	Current float64 `json:"current"`
	Average float64 `json:"average"`
	Peak    float64 `json:"peak"`
}

// ResourceUsageMetrics is the per-worker usage record.
//
// Units: CPU in percent, Memory and Disk in MB, Network in MB/s,
// Execution in seconds since the worker started.
type ResourceUsageMetrics struct {
	CPU           ResourceStat `json:"cpu"`
	Memory        ResourceStat `json:"memory"`
	Disk          ResourceStat `json:"disk"`
	Network       ResourceStat `json:"network"`
	Execution     ResourceStat `json:"execution"`
	Samples       int          `json:"samples"`
	LastSampledAt time.Time    `json:"last_sampled_at,omitempty"`
}

// Stat returns the stat for the given dimension.
func (m ResourceUsageMetrics) Stat(d Dimension) ResourceStat {
	switch d {
	case DimensionCPU:
		return m.CPU
	case DimensionMemory:
		return m.Memory
	case DimensionDisk:
		return m.Disk
	case DimensionNetwork:
		return m.Network
	case DimensionExecution:
		return m.Execution
	default:
		return ResourceStat{}
	}
}

// StatPtr returns a pointer to the stat for d, or nil for an unknown dimension.
func (m *ResourceUsageMetrics) StatPtr(d Dimension) *ResourceStat {
	switch d {
	case DimensionCPU:
		return &m.CPU
	case DimensionMemory:
		return &m.Memory
	case DimensionDisk:
		return &m.Disk
	case DimensionNetwork:
		return &m.Network
	case DimensionExecution:
		return &m.Execution
	default:
		return nil
	}
}

// Current returns the latest sample of every dimension.
func (m ResourceUsageMetrics) Current() RawMetrics {
	return RawMetrics{
		CPUPercent:   m.CPU.Current,
		MemoryMB:     m.Memory.Current,
		DiskMB:       m.Disk.Current,
		NetworkMBps:  m.Network.Current,
		ExecutionSec: m.Execution.Current,
	}
}

// RawMetrics is one sample as produced by a metrics source.
type RawMetrics struct {
	CPUPercent   float64 `json:"cpu_percent" validate:"gte=0"`
	MemoryMB     float64 `json:"memory_mb" validate:"gte=0"`
	DiskMB       float64 `json:"disk_mb" validate:"gte=0"`
	NetworkMBps  float64 `json:"network_mbps" validate:"gte=0"`
	ExecutionSec float64 `json:"execution_sec" validate:"gte=0"`
}

// Value returns the sampled value of dimension d.
func (r RawMetrics) Value(d Dimension) float64 {
	switch d {
	case DimensionCPU:
		return r.CPUPercent
	case DimensionMemory:
		return r.MemoryMB
	case DimensionDisk:
		return r.DiskMB
	case DimensionNetwork:
		return r.NetworkMBps
	case DimensionExecution:
		return r.ExecutionSec
	default:
		return 0
	}
}

// ResourceLimits are the hard per-worker ceilings.
type ResourceLimits struct {
	MaxCPUPercent       float64 `yaml:"max_cpu_percent" json:"max_cpu_percent" validate:"gt=0,lte=100"`
	MaxMemoryMB         float64 `yaml:"max_memory_mb" json:"max_memory_mb" validate:"gt=0"`
	MaxDiskMB           float64 `yaml:"max_disk_mb" json:"max_disk_mb" validate:"gt=0"`
	MaxNetworkMBps      float64 `yaml:"max_network_mbps" json:"max_network_mbps" validate:"gt=0"`
	MaxExecutionTimeSec float64 `yaml:"max_execution_time_sec" json:"max_execution_time_sec" validate:"gt=0"`
}

// Limit returns the ceiling for dimension d.
func (l ResourceLimits) Limit(d Dimension) float64 {
	switch d {
	case DimensionCPU:
		return l.MaxCPUPercent
	case DimensionMemory:
		return l.MaxMemoryMB
	case DimensionDisk:
		return l.MaxDiskMB
	case DimensionNetwork:
		return l.MaxNetworkMBps
	case DimensionExecution:
		return l.MaxExecutionTimeSec
	default:
		return 0
	}
}
