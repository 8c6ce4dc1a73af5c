// Package hostinfo captures a description of the machine a benchmark ran on.
package hostinfo

import (
	"context"
	"errors"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot is a point-in-time view of the host. Fields the platform cannot
// report are left zero.
type Snapshot struct {
	Hostname      string  `json:"hostname,omitempty"`
	OS            string  `json:"os"`
	Platform      string  `json:"platform,omitempty"`
	KernelVersion string  `json:"kernel_version,omitempty"`
	Arch          string  `json:"arch"`
	LogicalCPUs   int     `json:"logical_cpus"`
	GOMAXPROCS    int     `json:"gomaxprocs"`
	MemoryTotal   uint64  `json:"memory_total_bytes"`
	MemoryUsedPct float64 `json:"memory_used_percent"`
	Load1         float64 `json:"load1"`
	Load5         float64 `json:"load5"`
	Load15        float64 `json:"load15"`
}

// Collect samples the host. Partial failures are joined into the returned
// error while the snapshot still carries every field that could be read.
func Collect(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		LogicalCPUs: runtime.NumCPU(),
		GOMAXPROCS:  runtime.GOMAXPROCS(0),
	}
	var errs []error
	if info, err := host.InfoWithContext(ctx); err == nil {
		snap.Hostname = info.Hostname
		snap.Platform = info.Platform
		snap.KernelVersion = info.KernelVersion
		if info.KernelArch != "" {
			snap.Arch = info.KernelArch
		}
	} else {
		errs = append(errs, err)
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
		snap.LogicalCPUs = n
	} else if err != nil {
		errs = append(errs, err)
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryTotal = vm.Total
		snap.MemoryUsedPct = vm.UsedPercent
	} else {
		errs = append(errs, err)
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		snap.Load1 = avg.Load1
		snap.Load5 = avg.Load5
		snap.Load15 = avg.Load15
	} else {
		errs = append(errs, err)
	}
	return snap, errors.Join(errs...)
}
