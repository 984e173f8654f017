// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package process provides utilities for supervising child processes:
// graceful termination and resource usage sampling.
package process

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Stats is a resource usage sample of a running process.
type Stats struct {
	PID        int32     `json:"pid"`
	Running    bool      `json:"running"`
	RSSBytes   uint64    `json:"rssBytes"`
	CPUPercent float64   `json:"cpuPercent"`
	StartedAt  time.Time `json:"startedAt,omitzero"`
}

// Alive reports whether a process with the given pid exists.
func Alive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExistsWithContext(ctx, int32(pid))
	return err == nil && ok
}

// Sample collects resource usage for pid.
func Sample(ctx context.Context, pid int) (*Stats, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("invalid pid %d", pid)
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, fmt.Errorf("failed to find process %d: %w", pid, err)
	}

	stats := &Stats{PID: p.Pid}
	stats.Running, _ = p.IsRunningWithContext(ctx)

	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = cpu
	}
	if created, err := p.CreateTimeWithContext(ctx); err == nil {
		stats.StartedAt = time.UnixMilli(created)
	}
	return stats, nil
}
