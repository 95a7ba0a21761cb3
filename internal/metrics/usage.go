package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Usage is the resource footprint of a service's process tree.
type Usage struct {
	PIDs       []int     `json:"pids"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// SampleTree sums CPU and memory over pids, usually a service root and its
// descendants. Pids that exit during sampling are skipped; an error is
// returned only if none could be sampled.
func SampleTree(ctx context.Context, pids []int) (Usage, error) {
	u := Usage{Timestamp: time.Now()}
	var firstErr error
	for _, pid := range pids {
		proc, err := process.NewProcessWithContext(ctx, int32(pid))
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("open process %d: %w", pid, err)
			}
			continue
		}
		memInfo, err := proc.MemoryInfoWithContext(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("memory info %d: %w", pid, err)
			}
			continue
		}
		u.PIDs = append(u.PIDs, pid)
		u.MemoryRSS += memInfo.RSS
		u.MemoryVMS += memInfo.VMS

		// CPUPercent is averaged over the process lifetime when called once.
		if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
			u.CPUPercent += cpu
		} else {
			slog.Debug("Failed to get CPU percent", "pid", pid, "error", err)
		}
		if n, err := proc.NumThreadsWithContext(ctx); err == nil {
			u.NumThreads += n
		}
		if runtime.GOOS != "windows" {
			if n, err := proc.NumFDsWithContext(ctx); err == nil {
				u.NumFDs += n
			}
		}
	}
	if len(u.PIDs) == 0 && firstErr != nil {
		return u, firstErr
	}
	u.MemoryMB = float64(u.MemoryRSS) / 1024 / 1024
	return u, nil
}
