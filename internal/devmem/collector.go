package devmem

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Backend is the accelerator runtime the collector reads from.
type Backend interface {
	// Name identifies the backend in logs and status output.
	Name() string
	// Available reports whether the runtime could be initialized.
	Available() bool
	// DeviceCount returns the number of visible devices.
	DeviceCount() int
	// MemInfo returns free and total bytes for a device.
	MemInfo(device int) (free, total uint64, err error)
	// AllocatorStats returns bytes allocated and reserved by this process.
	AllocatorStats(device int) (allocated, reserved uint64, err error)
	// EmptyCache flushes any runtime-level allocator caches.
	EmptyCache()
}

// NoneBackend is used when no accelerator runtime exists.
type NoneBackend struct{}

func (NoneBackend) Name() string { return "none" }
func (NoneBackend) Available() bool { return false }
func (NoneBackend) DeviceCount() int { return 0 }
func (NoneBackend) MemInfo(int) (uint64, uint64, error) { return 0, 0, nil }
func (NoneBackend) AllocatorStats(int) (uint64, uint64, error) { return 0, 0, nil }
func (NoneBackend) EmptyCache() {}

// Collector produces Snapshots for a set of device ids.
type Collector struct {
	mu      sync.Mutex
	backend Backend
	log     zerolog.Logger
	now     func() time.Time
	hooks   []func()
}

// NewCollector wraps b. A nil backend behaves like NoneBackend.
func NewCollector(b Backend, log zerolog.Logger) *Collector {
	if b == nil {
		b = NoneBackend{}
	}
	return &Collector{backend: b, log: log, now: time.Now}
}

// Backend returns the wrapped backend name.
func (c *Collector) Backend() string { return c.backend.Name() }

// DeviceCount returns 0 when the backend is unavailable.
func (c *Collector) DeviceCount() int {
	if !c.backend.Available() {
		return 0
	}
	return c.backend.DeviceCount()
}

// Collect returns one snapshot per requested device. It never fails: an
// unavailable backend or zero devices yields an empty map, and devices that
// cannot be read are skipped.
func (c *Collector) Collect(devices []int) map[int]Snapshot {
	out := make(map[int]Snapshot, len(devices))
	if len(devices) == 0 || !c.backend.Available() {
		return out
	}
	count := c.backend.DeviceCount()
	if count <= 0 {
		return out
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range devices {
		if d < 0 || d >= count {
			c.log.Debug().Int("device", d).Int("device_count", count).Msg("devmem: device out of range")
			continue
		}
		free, total, err := c.backend.MemInfo(d)
		if err != nil {
			c.log.Debug().Int("device", d).Err(err).Msg("devmem: mem info failed")
			continue
		}
		alloc, reserved, err := c.backend.AllocatorStats(d)
		if err != nil {
			c.log.Debug().Int("device", d).Err(err).Msg("devmem: allocator stats failed")
			alloc, reserved = 0, 0
		}
		out[d] = Snapshot{
			Device:         d,
			TotalBytes:     total,
			FreeBytes:      free,
			AllocatedBytes: alloc,
			ReservedBytes:  reserved,
			CapturedAt:     c.now(),
		}
	}
	return out
}

// AddFlushHook registers a cache eviction callback owned by an encode
// runtime. Hooks run on every Flush, even without an accelerator backend.
func (c *Collector) AddFlushHook(fn func()) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

// Flush drops allocator caches in the backend and in registered runtimes.
func (c *Collector) Flush() {
	c.mu.Lock()
	hooks := append([]func(){}, c.hooks...)
	if c.backend.Available() {
		c.backend.EmptyCache()
	}
	c.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// AllDevices returns [0, DeviceCount).
func (c *Collector) AllDevices() []int {
	n := c.DeviceCount()
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
