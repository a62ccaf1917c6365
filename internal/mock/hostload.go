package mock

import (
	"context"
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Load is one sample of host utilisation, in percent.
type Load struct {
	CPU    float64
	Memory float64
}

// Health maps load onto a 0-100 score. CPU pressure weighs more than memory.
func (l Load) Health() float64 {
	score := 100 - (0.6*l.CPU + 0.4*l.Memory)
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

type HostSampler interface {
	Sample(ctx context.Context) (Load, error)
}

// HostLoad samples the machine the hub runs on.
type HostLoad struct{}

func (HostLoad) Sample(ctx context.Context) (Load, error) {
	// Zero interval compares against the previous call, so the first
	// sample after start may read low.
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Load{}, fmt.Errorf("cpu percent: %w", err)
	}
	if len(pct) == 0 {
		return Load{}, errors.New("cpu percent: no samples")
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Load{}, fmt.Errorf("virtual memory: %w", err)
	}
	return Load{CPU: pct[0], Memory: vm.UsedPercent}, nil
}
