// Package host reads resources of the machine pgtuner runs on.
package host

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"
)

// Memory reports physical memory through gopsutil. It assumes the database
// shares the host; set SYSTEM_MEMORY_BYTES otherwise.
type Memory struct{}

func (Memory) TotalMemory(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading virtual memory: %w", err)
	}
	return vm.Total, nil
}
