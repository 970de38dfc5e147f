// Package devmem reads per-device accelerator memory counters.
//
// A Collector wraps a Backend. When no accelerator runtime is present the
// NoneBackend is used and every collection returns an empty map; callers
// treat that as CPU-only execution rather than an error.
package devmem

import "time"

// Snapshot is a point-in-time view of one device's memory. Values are
// captured fresh on every poll and never mutated afterwards.
type Snapshot struct {
	Device         int       `json:"device"`
	TotalBytes     uint64    `json:"total_bytes"`
	FreeBytes      uint64    `json:"free_bytes"`
	AllocatedBytes uint64    `json:"allocated_bytes"`
	ReservedBytes  uint64    `json:"reserved_bytes"`
	CapturedAt     time.Time `json:"captured_at"`
}

// UsedBytes is total minus free, clamped at zero.
func (s Snapshot) UsedBytes() uint64 {
	if s.FreeBytes >= s.TotalBytes {
		return 0
	}
	return s.TotalBytes - s.FreeBytes
}

// Utilization returns used/total in [0,1]; 0 when total is unknown.
func (s Snapshot) Utilization() float64 {
	if s.TotalBytes == 0 {
		return 0
	}
	return float64(s.UsedBytes()) / float64(s.TotalBytes)
}
