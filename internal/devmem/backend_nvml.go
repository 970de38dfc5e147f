//go:build nvml

package devmem

import (
	"fmt"
	"os"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// nvmlBuilt reports whether this binary links NVML support.
const nvmlBuilt = true

type nvmlBackend struct {
	mu      sync.Mutex
	ok      bool
	count   int
	devices []nvml.Device
	pid     uint32
}

// NewNVMLBackend initializes NVML. Initialization failure is not an error:
// the returned backend reports Available() == false and the collector
// degrades to empty snapshots.
func NewNVMLBackend() Backend {
	b := &nvmlBackend{pid: uint32(os.Getpid())}
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return b
	}
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS || count <= 0 {
		_ = nvml.Shutdown()
		return b
	}
	b.devices = make([]nvml.Device, count)
	for i := 0; i < count; i++ {
		dev, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			_ = nvml.Shutdown()
			return &nvmlBackend{pid: b.pid}
		}
		b.devices[i] = dev
	}
	b.count = count
	b.ok = true
	return b
}

func (b *nvmlBackend) Name() string { return "nvml" }
func (b *nvmlBackend) Available() bool { return b.ok }
func (b *nvmlBackend) DeviceCount() int { return b.count }

func (b *nvmlBackend) MemInfo(device int) (uint64, uint64, error) {
	dev, err := b.device(device)
	if err != nil {
		return 0, 0, err
	}
	mem, ret := dev.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return 0, 0, fmt.Errorf("nvml memory info device %d: %s", device, nvml.ErrorString(ret))
	}
	return mem.Free, mem.Total, nil
}

// AllocatorStats reports this process's footprint. NVML cannot distinguish
// allocated from reserved, so both carry the process usage.
func (b *nvmlBackend) AllocatorStats(device int) (uint64, uint64, error) {
	dev, err := b.device(device)
	if err != nil {
		return 0, 0, err
	}
	procs, ret := dev.GetComputeRunningProcesses()
	if ret != nvml.SUCCESS {
		return 0, 0, fmt.Errorf("nvml processes device %d: %s", device, nvml.ErrorString(ret))
	}
	var used uint64
	for _, p := range procs {
		if p.Pid == b.pid {
			used += p.UsedGpuMemory
		}
	}
	return used, used, nil
}

// EmptyCache is a no-op: NVML does not own allocator caches. Runtimes
// register their own eviction through Collector.AddFlushHook.
func (b *nvmlBackend) EmptyCache() {}

func (b *nvmlBackend) device(i int) (nvml.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ok || i < 0 || i >= len(b.devices) {
		return nil, fmt.Errorf("nvml: no device %d", i)
	}
	return b.devices[i], nil
}
