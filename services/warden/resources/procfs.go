// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resources

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/procfs"

	"github.com/AleutianAI/warden/services/warden/datatypes"
)

const bytesPerMB = 1024 * 1024

// ProcfsSource samples real worker processes from /proc.
//
// # Description
//
// CPU percent, disk and network are measured against the previous sample
// of the same process: CPU and network as rates, disk as the read plus
// write bytes of the interval. The first sample of a process reports zero
// for all three. A PID whose start time changed is a new process and
// starts a new baseline. Counters that went backwards report zero. Memory
// is the resident set and execution time is the process age.
//
// # Thread Safety
//
// Safe for concurrent use.
type ProcfsSource struct {
	fs  procfs.FS
	now func() time.Time

	mu   sync.Mutex
	last map[int]procSample
}

type procSample struct {
	at        time.Time
	start     uint64
	cpuSec    float64
	diskBytes uint64
	netBytes  uint64
}

// deltas fills the interval fields of raw from two samples of one PID.
func deltas(raw *datatypes.RawMetrics, prev, cur procSample) {
	if prev.start != cur.start {
		return
	}
	elapsed := cur.at.Sub(prev.at).Seconds()
	if elapsed <= 0 {
		return
	}
	if cpu := cur.cpuSec - prev.cpuSec; cpu > 0 {
		raw.CPUPercent = cpu / elapsed * 100
	}
	if cur.diskBytes > prev.diskBytes {
		raw.DiskMB = float64(cur.diskBytes-prev.diskBytes) / bytesPerMB
	}
	if cur.netBytes > prev.netBytes {
		raw.NetworkMBps = float64(cur.netBytes-prev.netBytes) / bytesPerMB / elapsed
	}
}

// NewProcfsSource opens the procfs mounted at mountPoint ("/proc" if empty).
func NewProcfsSource(mountPoint string) (*ProcfsSource, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("open procfs %s: %w", mountPoint, err)
	}
	return &ProcfsSource{fs: fs, now: time.Now, last: make(map[int]procSample)}, nil
}

// Sample implements MetricsSource.
func (s *ProcfsSource) Sample(ctx context.Context, w datatypes.Worker) (datatypes.RawMetrics, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.RawMetrics{}, err
	}
	if w.PID <= 0 {
		return datatypes.RawMetrics{}, ErrNoProcess
	}

	proc, err := s.fs.Proc(w.PID)
	if err != nil {
		return datatypes.RawMetrics{}, fmt.Errorf("open process %d: %w", w.PID, err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return datatypes.RawMetrics{}, fmt.Errorf("read stat of %d: %w", w.PID, err)
	}

	now := s.now()
	raw := datatypes.RawMetrics{
		MemoryMB: float64(stat.ResidentMemory()) / bytesPerMB,
	}
	if start, err := stat.StartTime(); err == nil {
		raw.ExecutionSec = max(0, now.Sub(time.Unix(int64(start), 0)).Seconds())
	}

	cur := procSample{at: now, start: stat.Starttime, cpuSec: stat.CPUTime()}
	if io, err := proc.IO(); err == nil {
		cur.diskBytes = io.ReadBytes + io.WriteBytes
	}
	if dev, err := proc.NetDev(); err == nil {
		total := dev.Total()
		cur.netBytes = total.RxBytes + total.TxBytes
	}

	s.mu.Lock()
	prev, seen := s.last[w.PID]
	s.last[w.PID] = cur
	s.mu.Unlock()

	if seen {
		deltas(&raw, prev, cur)
	}
	return raw, nil
}

// Forget drops the rate baseline of pid, for use after deregistration.
func (s *ProcfsSource) Forget(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.last, pid)
}
