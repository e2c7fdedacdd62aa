// Package hoststats samples the health of the host the monitor runs on.
// The numbers feed the diagnostic entities published next to the
// occupancy telemetry.
package hoststats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

const mib = 1024 * 1024

// Stats is one snapshot of host health.
type Stats struct {
	CPUPercent    float64       `json:"cpu_percent"`
	MemoryPercent float64       `json:"memory_percent"`
	MemoryUsedMB  float64       `json:"memory_used_mb"`
	MemoryTotalMB float64       `json:"memory_total_mb"`
	DiskPercent   float64       `json:"disk_percent"`
	ProcessRSSMB  float64       `json:"process_rss_mb"`
	HostUptime    time.Duration `json:"host_uptime"`
}

// Collector gathers Stats through gopsutil.
type Collector struct {
	diskPath string
	pid      int32
	logger   *slog.Logger
}

// NewCollector creates a collector reporting disk usage for diskPath
// (usually "/") and memory for the current process.
func NewCollector(diskPath string, logger *slog.Logger) *Collector {
	if diskPath == "" {
		diskPath = "/"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		diskPath: diskPath,
		pid:      int32(os.Getpid()),
		logger:   logger,
	}
}

// Collect takes a snapshot. A failing probe leaves its fields at zero
// and is reported in the joined error; the other fields are still
// filled in.
func (c *Collector) Collect(ctx context.Context) (Stats, error) {
	var (
		s    Stats
		errs []error
	)

	// Interval 0 compares against the previous call, so this never sleeps.
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		errs = append(errs, fmt.Errorf("read cpu: %w", err))
	} else if len(pct) > 0 {
		s.CPUPercent = pct[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("read memory: %w", err))
	} else {
		// Total minus Available leaves page cache out of "used".
		used := vm.Total - vm.Available
		s.MemoryUsedMB = float64(used) / mib
		s.MemoryTotalMB = float64(vm.Total) / mib
		if vm.Total > 0 {
			s.MemoryPercent = float64(used) / float64(vm.Total) * 100
		}
	}

	if du, err := disk.UsageWithContext(ctx, c.diskPath); err != nil {
		errs = append(errs, fmt.Errorf("read disk %s: %w", c.diskPath, err))
	} else {
		s.DiskPercent = du.UsedPercent
	}

	if p, err := process.NewProcessWithContext(ctx, c.pid); err != nil {
		errs = append(errs, fmt.Errorf("open process %d: %w", c.pid, err))
	} else if mi, err := p.MemoryInfoWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("read process memory: %w", err))
	} else {
		s.ProcessRSSMB = float64(mi.RSS) / mib
	}

	if up, err := host.UptimeWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("read host uptime: %w", err))
	} else {
		s.HostUptime = time.Duration(up) * time.Second
	}

	err := errors.Join(errs...)
	if err != nil {
		c.logger.Debug("host stats incomplete", "error", err)
	}
	return s, err
}
