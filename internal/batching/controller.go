// Package batching implements the adaptive batch controller used for one
// model pass. The controller only ever shrinks the batch: reductions are
// irreversible for its lifetime and a fresh controller is built per pass.
package batching

import (
	"math"

	"ensembled/internal/devmem"
)

// Tunables. Both are hardware dependent and overridable through Config.
const (
	DefaultShrinkFactor   = 0.75
	DefaultSoftLimitRatio = 0.90
)

// Reason names the stimulus behind a mitigation.
type Reason string

const (
	ReasonMemoryPressure Reason = "memory_pressure"
	ReasonOOM            Reason = "oom"
)

// Action names what the controller did about it.
type Action string

const (
	ActionBatchReduced      Action = "batch_reduced"
	ActionCompanionDisabled Action = "companion_disabled"
	// ActionNone means pressure was detected but nothing was left to give up.
	ActionNone Action = "none"
)

// Mitigation describes one controller decision.
type Mitigation struct {
	Reason        Reason
	Action        Action
	PreviousBatch int
	NewBatch      int
	TotalBatch    int
	Companion     bool

	// Reference device readings, set for memory pressure only.
	Device         int
	AllocatedBytes uint64
	FreeBytes      uint64
}

// Applied reports whether the controller changed its state.
func (m *Mitigation) Applied() bool {
	return m != nil && m.Action != ActionNone
}

// Config seeds a Controller.
type Config struct {
	// BatchHint is the model's recommended primary batch size; values
	// below 1 become 1.
	BatchHint int
	// DeviceCount is the number of leased devices. Zero (CPU only) counts
	// as one for total batch purposes.
	DeviceCount int
	// SoftLimitBytes is the memory threshold on the reference device.
	// Zero disables pressure detection.
	SoftLimitBytes uint64
	// ShrinkFactor multiplies the primary batch on memory pressure.
	// Values outside (0,1) fall back to DefaultShrinkFactor.
	ShrinkFactor float64
	// Companion enables the secondary encoding path.
	Companion bool
	// ReferenceDevice is the device whose snapshot drives pressure checks.
	ReferenceDevice int
}

// State is a read-only view of the controller.
type State struct {
	PrimaryBatch   int     `json:"primary_batch"`
	TotalBatch     int     `json:"total_batch"`
	DeviceCount    int     `json:"device_count"`
	SoftLimitBytes uint64  `json:"soft_limit_bytes"`
	ShrinkFactor   float64 `json:"shrink_factor"`
	Companion      bool    `json:"companion"`
	OOMEvents      int     `json:"oom_events"`
	Reductions     int     `json:"reductions"`
}

// Controller is owned by a single model pass and is not safe for
// concurrent use.
type Controller struct {
	primary    int
	total      int
	devices    int
	softLimit  uint64
	shrink     float64
	companion  bool
	refDevice  int
	oomEvents  int
	reductions int
}

// New builds a controller from cfg.
func New(cfg Config) *Controller {
	c := &Controller{
		primary:   cfg.BatchHint,
		devices:   cfg.DeviceCount,
		softLimit: cfg.SoftLimitBytes,
		shrink:    cfg.ShrinkFactor,
		companion: cfg.Companion,
		refDevice: cfg.ReferenceDevice,
	}
	if c.primary < 1 {
		c.primary = 1
	}
	if c.devices < 0 {
		c.devices = 0
	}
	if c.shrink <= 0 || c.shrink >= 1 {
		c.shrink = DefaultShrinkFactor
	}
	c.recompute()
	return c
}

// DeriveSoftLimit returns ratio × total for the reference snapshot, or 0
// when either is unusable.
func DeriveSoftLimit(ratio float64, ref devmem.Snapshot) uint64 {
	if ratio <= 0 || ref.TotalBytes == 0 {
		return 0
	}
	if ratio > 1 {
		ratio = 1
	}
	return uint64(math.Floor(float64(ref.TotalBytes) * ratio))
}

func (c *Controller) recompute() {
	n := c.devices
	if n < 1 {
		n = 1
	}
	c.total = c.primary * n
}

// PrimaryBatch returns the per-device batch size.
func (c *Controller) PrimaryBatch() int { return c.primary }

// TotalBatch returns primary batch × max(1, device count).
func (c *Controller) TotalBatch() int { return c.total }

// CompanionEnabled reports whether the companion path is still on.
func (c *Controller) CompanionEnabled() bool { return c.companion }

func (c *Controller) State() State {
	return State{
		PrimaryBatch:   c.primary,
		TotalBatch:     c.total,
		DeviceCount:    c.devices,
		SoftLimitBytes: c.softLimit,
		ShrinkFactor:   c.shrink,
		Companion:      c.companion,
		OOMEvents:      c.oomEvents,
		Reductions:     c.reductions,
	}
}

// lowMemory applies the soft limit to the reference snapshot.
func (c *Controller) lowMemory(s devmem.Snapshot) bool {
	if s.AllocatedBytes >= c.softLimit {
		return true
	}
	return s.TotalBytes > c.softLimit && s.FreeBytes <= s.TotalBytes-c.softLimit
}

// RegisterSnapshot checks the reference device against the soft limit.
// It returns nil when memory is within bounds or there is nothing to
// check. Under pressure it shrinks the primary batch, or failing that
// disables the companion path; when neither is possible it returns a
// Mitigation with ActionNone.
func (c *Controller) RegisterSnapshot(snaps map[int]devmem.Snapshot) *Mitigation {
	if c.softLimit == 0 {
		return nil
	}
	ref, ok := snaps[c.refDevice]
	if !ok || !c.lowMemory(ref) {
		return nil
	}
	m := &Mitigation{
		Reason:         ReasonMemoryPressure,
		Action:         ActionNone,
		PreviousBatch:  c.primary,
		Device:         c.refDevice,
		AllocatedBytes: ref.AllocatedBytes,
		FreeBytes:      ref.FreeBytes,
	}
	next := int(math.Floor(float64(c.primary) * c.shrink))
	if next < 1 {
		next = 1
	}
	switch {
	case next < c.primary:
		c.primary = next
		c.reductions++
		m.Action = ActionBatchReduced
	case c.companion:
		c.companion = false
		m.Action = ActionCompanionDisabled
	}
	c.recompute()
	m.NewBatch = c.primary
	m.TotalBatch = c.total
	m.Companion = c.companion
	return m
}

// RegisterOOM reacts to an out-of-memory failure. It halves the primary
// batch while above 1, then disables the companion path, then returns nil
// to tell the caller the failure must propagate.
func (c *Controller) RegisterOOM() *Mitigation {
	c.oomEvents++
	m := &Mitigation{Reason: ReasonOOM, PreviousBatch: c.primary, Device: c.refDevice}
	switch {
	case c.primary > 1:
		c.primary /= 2
		c.reductions++
		m.Action = ActionBatchReduced
	case c.companion:
		c.companion = false
		m.Action = ActionCompanionDisabled
	default:
		return nil
	}
	c.recompute()
	m.NewBatch = c.primary
	m.TotalBatch = c.total
	m.Companion = c.companion
	return m
}
