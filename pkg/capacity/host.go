package capacity

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// HostResources are the totals of the machine running a container runtime.
type HostResources struct {
	CPUs        float64
	MemoryBytes float64
}

// ProbeHost reads the logical CPU count and total memory of this host.
func ProbeHost(ctx context.Context) (*HostResources, error) {
	cpus, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("counting cpus: %w", err)
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading memory: %w", err)
	}

	return &HostResources{
		CPUs:        float64(cpus),
		MemoryBytes: float64(vm.Total),
	}, nil
}
