package health

import (
	"context"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessSample is one reading of the relay's own resource usage.
type ProcessSample struct {
	RSSMB      float64 `json:"rssMB"`
	CPUPercent float64 `json:"cpuPercent"`
}

// Sampler reads process resource usage.
type Sampler interface {
	Sample(ctx context.Context) (ProcessSample, error)
}

type processSampler struct {
	proc *process.Process
}

// NewProcessSampler samples the current process.
func NewProcessSampler(ctx context.Context) (Sampler, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())) // #nosec G115 -- pids fit in int32.
	if err != nil {
		return nil, fmt.Errorf("open process %d: %w", os.Getpid(), err)
	}
	return &processSampler{proc: proc}, nil
}

func (s *processSampler) Sample(ctx context.Context) (ProcessSample, error) {
	mem, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return ProcessSample{}, fmt.Errorf("memory info: %w", err)
	}
	// interval 0 compares against the previous call
	cpu, err := s.proc.PercentWithContext(ctx, 0)
	if err != nil {
		return ProcessSample{}, fmt.Errorf("cpu percent: %w", err)
	}
	return ProcessSample{RSSMB: float64(mem.RSS) / (1 << 20), CPUPercent: cpu}, nil
}
