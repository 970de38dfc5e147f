// Package telemetry records scheduling decisions for later audit.
//
// The Recorder keeps four bounded, append-only logs (lease, rotation,
// mitigation, batch progress) plus a bounded log of background samples.
// Every event gets a capture sequence number that is strictly increasing
// across all logs of one recorder, so consumers can rebuild causal order.
package telemetry

import (
	"time"

	"ensembled/internal/devmem"
)

// LeaseAction tags a lease event.
type LeaseAction string

const (
	LeaseAcquired LeaseAction = "lease_acquired"
	LeaseReleased LeaseAction = "lease_released"
)

// LeaseEvent is emitted by a device lease on acquire and release.
type LeaseEvent struct {
	Seq       uint64                  `json:"seq"`
	At        time.Time               `json:"at"`
	Action    LeaseAction             `json:"action"`
	Model     string                  `json:"model"`
	Devices   []int                   `json:"devices"`
	Snapshots map[int]devmem.Snapshot `json:"snapshots,omitempty"`
}

// RotationKind tags a rotation event.
type RotationKind string

const (
	RotationModelStarted      RotationKind = "model_started"
	RotationStagedIdle        RotationKind = "staged_to_idle"
	RotationStageSkipped      RotationKind = "stage_skipped"
	RotationHydrated          RotationKind = "hydrated"
	RotationModelCompleted    RotationKind = "model_completed"
	RotationModelFailed       RotationKind = "model_failed"
	RotationDimensionAdjusted RotationKind = "dimension_adjusted"
	RotationAggregated        RotationKind = "aggregated"
)

// Status is the lifecycle state carried by a rotation event.
type Status string

const (
	StatusInFlight  Status = "in_flight"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s ends a logical entry.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// RotationEvent records a step of the rotation over the model roster.
type RotationEvent struct {
	Seq    uint64         `json:"seq"`
	At     time.Time      `json:"at"`
	Kind   RotationKind   `json:"kind"`
	Model  string         `json:"model"`
	Status Status         `json:"status"`
	Detail map[string]any `json:"detail,omitempty"`
}

// MitigationEvent records a batch controller decision.
type MitigationEvent struct {
	Seq            uint64    `json:"seq"`
	At             time.Time `json:"at"`
	Model          string    `json:"model"`
	Reason         string    `json:"reason"`
	Action         string    `json:"action"`
	PreviousBatch  int       `json:"previous_batch"`
	NewBatch       int       `json:"new_batch"`
	TotalBatch     int       `json:"total_batch"`
	Companion      bool      `json:"companion"`
	Device         int       `json:"device"`
	AllocatedBytes uint64    `json:"allocated_bytes,omitempty"`
	FreeBytes      uint64    `json:"free_bytes,omitempty"`
}

// BatchProgressEvent records one successfully encoded slice.
type BatchProgressEvent struct {
	Seq       uint64    `json:"seq"`
	At        time.Time `json:"at"`
	Model     string    `json:"model"`
	Device    int       `json:"device"`
	Start     int       `json:"start"`
	End       int       `json:"end"`
	Attempts  int       `json:"attempts"`
	BatchSize int       `json:"batch_size"`
	Final     bool      `json:"final"`
	SampleIDs []string  `json:"sample_ids,omitempty"`
}

// Sample is one background observation of device and process memory.
type Sample struct {
	Seq            uint64                  `json:"seq"`
	At             time.Time               `json:"at"`
	Devices        map[int]devmem.Snapshot `json:"devices,omitempty"`
	HeapAllocBytes uint64                  `json:"heap_alloc_bytes"`
	HeapSysBytes   uint64                  `json:"heap_sys_bytes"`
	Goroutines     int                     `json:"goroutines"`
	NumGC          uint32                  `json:"num_gc"`
}

// Sink receives telemetry from the scheduler and leases. Implementations
// must not block for long and should not panic; callers guard anyway.
type Sink interface {
	RecordLease(LeaseEvent)
	RecordRotation(RotationEvent)
	RecordMitigation(MitigationEvent)
	RecordBatchProgress(BatchProgressEvent)
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) RecordLease(LeaseEvent)                 {}
func (NopSink) RecordRotation(RotationEvent)           {}
func (NopSink) RecordMitigation(MitigationEvent)       {}
func (NopSink) RecordBatchProgress(BatchProgressEvent) {}
