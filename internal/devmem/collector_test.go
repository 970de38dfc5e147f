package devmem

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeBackend serves fixed counters per device.
type fakeBackend struct {
	count     int
	free      map[int]uint64
	total     map[int]uint64
	allocated map[int]uint64
	memErr    map[int]error
	flushes   int
}

func (f *fakeBackend) Name() string { return "fake" }
func (f *fakeBackend) Available() bool { return true }
func (f *fakeBackend) DeviceCount() int { return f.count }
func (f *fakeBackend) MemInfo(d int) (uint64, uint64, error) {
	if err := f.memErr[d]; err != nil {
		return 0, 0, err
	}
	return f.free[d], f.total[d], nil
}
func (f *fakeBackend) AllocatorStats(d int) (uint64, uint64, error) {
	return f.allocated[d], f.allocated[d] * 2, nil
}
func (f *fakeBackend) EmptyCache() { f.flushes++ }

func TestCollect_NoBackendReturnsEmpty(t *testing.T) {
	c := NewCollector(nil, zerolog.Nop())
	for n := 0; n < 5; n++ {
		devs := make([]int, n)
		for i := range devs {
			devs[i] = i
		}
		got := c.Collect(devs)
		if got == nil || len(got) != 0 {
			t.Fatalf("devices=%d: expected empty map, got %v", n, got)
		}
	}
	if c.DeviceCount() != 0 {
		t.Fatalf("expected 0 devices, got %d", c.DeviceCount())
	}
	if len(c.AllDevices()) != 0 {
		t.Fatalf("expected no devices")
	}
	// Flush must be safe without an accelerator.
	c.Flush()
}

func TestCollect_ZeroDeviceCount(t *testing.T) {
	c := NewCollector(&fakeBackend{count: 0}, zerolog.Nop())
	if got := c.Collect([]int{0, 1}); len(got) != 0 {
		t.Fatalf("expected empty map, got %v", got)
	}
}

func TestCollect_OneSnapshotPerDevice(t *testing.T) {
	fb := &fakeBackend{
		count:     2,
		free:      map[int]uint64{0: 6 << 30, 1: 1 << 30},
		total:     map[int]uint64{0: 8 << 30, 1: 8 << 30},
		allocated: map[int]uint64{0: 1 << 30, 1: 5 << 30},
	}
	c := NewCollector(fb, zerolog.Nop())
	fixed := time.Unix(1700000000, 0)
	c.now = func() time.Time { return fixed }

	got := c.Collect([]int{0, 1, 7})
	if len(got) != 2 {
		t.Fatalf("expected 2 snapshots (out-of-range skipped), got %d", len(got))
	}
	s0 := got[0]
	if s0.Device != 0 || s0.FreeBytes != 6<<30 || s0.TotalBytes != 8<<30 || s0.AllocatedBytes != 1<<30 || s0.ReservedBytes != 2<<30 {
		t.Fatalf("unexpected snapshot: %+v", s0)
	}
	if !s0.CapturedAt.Equal(fixed) {
		t.Fatalf("unexpected capture time: %v", s0.CapturedAt)
	}
	if s0.UsedBytes() != 2<<30 {
		t.Fatalf("used=%d", s0.UsedBytes())
	}
	if u := s0.Utilization(); u != 0.25 {
		t.Fatalf("utilization=%v", u)
	}
}

func TestCollect_SkipsUnreadableDevice(t *testing.T) {
	fb := &fakeBackend{
		count:  2,
		free:   map[int]uint64{0: 1, 1: 1},
		total:  map[int]uint64{0: 2, 1: 2},
		memErr: map[int]error{1: errors.New("boom")},
	}
	c := NewCollector(fb, zerolog.Nop())
	got := c.Collect([]int{0, 1})
	if _, ok := got[1]; ok {
		t.Fatalf("device 1 should be skipped")
	}
	if _, ok := got[0]; !ok {
		t.Fatalf("device 0 missing")
	}
}

func TestFlush_RunsBackendAndHooks(t *testing.T) {
	fb := &fakeBackend{count: 1}
	c := NewCollector(fb, zerolog.Nop())
	hooked := 0
	c.AddFlushHook(func() { hooked++ })
	c.AddFlushHook(nil)
	c.Flush()
	c.Flush()
	if fb.flushes != 2 || hooked != 2 {
		t.Fatalf("flushes=%d hooks=%d", fb.flushes, hooked)
	}

	none := NewCollector(nil, zerolog.Nop())
	cpu := 0
	none.AddFlushHook(func() { cpu++ })
	none.Flush()
	if cpu != 1 {
		t.Fatalf("hooks must run without a backend, got %d", cpu)
	}
}

func TestSnapshot_DerivedValuesClamp(t *testing.T) {
	s := Snapshot{TotalBytes: 0, FreeBytes: 10}
	if s.UsedBytes() != 0 || s.Utilization() != 0 {
		t.Fatalf("expected zero derived values, got used=%d util=%v", s.UsedBytes(), s.Utilization())
	}
}

func TestNewBackend(t *testing.T) {
	if b, err := NewBackend(""); err != nil || b.Name() != "none" {
		t.Fatalf("default backend: %v %v", b, err)
	}
	if _, err := NewBackend("tpu"); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
	b, err := NewBackend("nvml")
	if nvmlBuilt {
		if err != nil || b == nil {
			t.Fatalf("nvml build: %v", err)
		}
	} else if err == nil {
		t.Fatalf("expected error when nvml tag is missing")
	}
}
