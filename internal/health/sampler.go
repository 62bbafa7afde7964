package health

import (
	"context"
	"errors"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

type Sample struct {
	CPUPercent  float64
	MemPercent  float64
	MemUsed     uint64
	DiskPercent float64
	DiskFree    uint64
	Load1       float64
}

type Sampler interface {
	Sample(ctx context.Context, diskPath string) (Sample, error)
}

// HostSampler reads the local host through gopsutil. CPU percent is measured
// since the previous call.
type HostSampler struct{}

func (HostSampler) Sample(ctx context.Context, diskPath string) (Sample, error) {
	var (
		s    Sample
		errs []error
	)
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		errs = append(errs, err)
	} else if len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, err)
	} else {
		s.MemPercent = vm.UsedPercent
		s.MemUsed = vm.Used
	}
	if du, err := disk.UsageWithContext(ctx, diskPath); err != nil {
		errs = append(errs, err)
	} else {
		s.DiskPercent = du.UsedPercent
		s.DiskFree = du.Free
	}
	// Load average is informational and missing on some platforms.
	if avg, err := load.AvgWithContext(ctx); err == nil {
		s.Load1 = avg.Load1
	}
	return s, errors.Join(errs...)
}
