// Package lease implements the device lease: an acquire/release guard that
// gives one model exclusive occupancy of a set of accelerator devices.
//
// Lifecycle: idle -> acquiring -> active -> releasing -> idle. Acquire on a
// lease that is not idle and Release on one that is not active are no-ops. Callers should
// pair them with defer (see Hold) so release runs on every exit path.
package lease

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"ensembled/internal/devmem"
	"ensembled/internal/telemetry"
)

// State is the lease lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateAcquiring State = "acquiring"
	StateActive    State = "active"
	StateReleasing State = "releasing"
)

// Memory is the slice of the snapshot collector a lease needs.
type Memory interface {
	Collect(devices []int) map[int]devmem.Snapshot
	Flush()
}

// Lease is exclusive occupancy of a device list by one model.
type Lease struct {
	mu     sync.Mutex
	model  string
	mem    Memory
	sink   telemetry.Sink
	log    zerolog.Logger
	state  State
	active bool

	devices []int // current holding; cleared on release
	leased  []int // devices of the last acquire, kept for Summarize
	before  map[int]devmem.Snapshot
	after   map[int]devmem.Snapshot
}

// New returns an idle lease for model. A nil sink drops events.
func New(model string, mem Memory, sink telemetry.Sink, log zerolog.Logger) *Lease {
	return &Lease{
		model: model,
		mem:   mem,
		sink:  telemetry.Safe(sink, log),
		log:   log.With().Str("model", model).Logger(),
		state: StateIdle,
	}
}

// Acquire takes the devices. It returns false, changing nothing, unless the
// lease is idle.
func (l *Lease) Acquire(devices []int) bool {
	l.mu.Lock()
	if l.state != StateIdle {
		held, state := append([]int(nil), l.devices...), l.state
		l.mu.Unlock()
		l.log.Warn().Ints("devices", held).Ints("requested", devices).Str("state", string(state)).
			Msg("lease not idle; acquire ignored")
		return false
	}
	l.state = StateAcquiring
	devs := append([]int(nil), devices...)
	l.mu.Unlock()

	var before map[int]devmem.Snapshot
	if l.mem != nil {
		before = l.mem.Collect(devs)
		l.mem.Flush()
	}

	l.mu.Lock()
	l.devices = devs
	l.leased = append([]int(nil), devs...)
	l.before = before
	l.after = nil
	l.active = true
	l.state = StateActive
	l.mu.Unlock()

	l.log.Debug().Ints("devices", devs).Str("allocated", humanize.IBytes(allocated(before))).Msg("lease acquired")
	l.sink.RecordLease(telemetry.LeaseEvent{
		Action:    telemetry.LeaseAcquired,
		Model:     l.model,
		Devices:   devs,
		Snapshots: before,
	})
	return true
}

// Release gives the devices back. It returns false when the lease was not
// active, including while another acquire or release is in progress.
func (l *Lease) Release() bool {
	l.mu.Lock()
	if l.state != StateActive {
		l.mu.Unlock()
		return false
	}
	l.state = StateReleasing
	devs := l.devices
	l.mu.Unlock()

	var after map[int]devmem.Snapshot
	if l.mem != nil {
		after = l.mem.Collect(devs)
		l.mem.Flush()
	}

	l.mu.Lock()
	l.after = after
	l.active = false
	l.devices = nil
	l.state = StateIdle
	l.mu.Unlock()

	l.log.Debug().Ints("devices", devs).Str("allocated", humanize.IBytes(allocated(after))).Msg("lease released")
	l.sink.RecordLease(telemetry.LeaseEvent{
		Action:    telemetry.LeaseReleased,
		Model:     l.model,
		Devices:   devs,
		Snapshots: after,
	})
	return true
}

// Hold acquires devices and returns the matching release, meant to be
// deferred:
//
//	defer l.Hold(devices)()
func (l *Lease) Hold(devices []int) func() {
	l.Acquire(devices)
	return func() { l.Release() }
}

// Summarize returns, per device of the last acquire, the change in
// allocated bytes between the before and after snapshots. Devices missing
// either snapshot are omitted. Diagnostic only.
func (l *Lease) Summarize() map[int]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[int]int64)
	for _, d := range l.leased {
		b, okB := l.before[d]
		a, okA := l.after[d]
		if !okB || !okA {
			continue
		}
		out[d] = int64(a.AllocatedBytes) - int64(b.AllocatedBytes)
	}
	return out
}

func (l *Lease) Model() string { return l.model }

func (l *Lease) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Devices returns the currently held device ids; empty when idle.
func (l *Lease) Devices() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.devices...)
}

func (l *Lease) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func allocated(snaps map[int]devmem.Snapshot) uint64 {
	var n uint64
	for _, s := range snaps {
		n += s.AllocatedBytes
	}
	return n
}
