package metrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Usage is a point-in-time resource sample of one service process.
type Usage struct {
	PID        int32
	CPUPercent float64
	RSS        uint64
	NumThreads int32
	Uptime     time.Duration
}

// MemoryMB returns RSS in mebibytes.
func (u Usage) MemoryMB() float64 { return float64(u.RSS) / 1024 / 1024 }

// Sample reads CPU and memory for pid. The name labels the resident memory
// gauge when metrics are registered.
func Sample(ctx context.Context, name string, pid int) (Usage, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Usage{}, err
	}
	u := Usage{PID: p.Pid}
	if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		u.RSS = mi.RSS
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		u.CPUPercent = cpu
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		u.NumThreads = n
	}
	if ms, err := p.CreateTimeWithContext(ctx); err == nil && ms > 0 {
		u.Uptime = time.Since(time.UnixMilli(ms)).Truncate(time.Second)
	}
	SetResidentMemory(name, u.RSS)
	return u, nil
}
