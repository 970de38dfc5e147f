package telemetry

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ensembled/internal/devmem"
)

// Defaults applied when corresponding Limits fields are unset.
const (
	defaultMaxLeaseEvents      = 512
	defaultMaxRotationEvents   = 256
	defaultMaxMitigationEvents = 512
	defaultMaxBatchEvents      = 4096
	defaultMaxSamples          = 2048
	defaultSampleIDs           = 4
)

// Limits caps each log of a Recorder.
type Limits struct {
	LeaseEvents      int
	RotationEvents   int
	MitigationEvents int
	BatchEvents      int
	Samples          int
	// SampleIDs caps the chunk ids carried by one batch progress event.
	SampleIDs int
}

func (l Limits) withDefaults() Limits {
	if l.LeaseEvents <= 0 {
		l.LeaseEvents = defaultMaxLeaseEvents
	}
	if l.RotationEvents <= 0 {
		l.RotationEvents = defaultMaxRotationEvents
	}
	if l.MitigationEvents <= 0 {
		l.MitigationEvents = defaultMaxMitigationEvents
	}
	if l.BatchEvents <= 0 {
		l.BatchEvents = defaultMaxBatchEvents
	}
	if l.Samples <= 0 {
		l.Samples = defaultMaxSamples
	}
	if l.SampleIDs <= 0 {
		l.SampleIDs = defaultSampleIDs
	}
	return l
}

// Overflow counts events lost to the caps, per log. Replaced counts
// in-flight entries displaced by a terminal event in a full log.
type Overflow struct {
	Leases      uint64 `json:"leases"`
	Rotations   uint64 `json:"rotations"`
	Mitigations uint64 `json:"mitigations"`
	Batches     uint64 `json:"batches"`
	Samples     uint64 `json:"samples"`
	Replaced    uint64 `json:"replaced"`
}

// Log is a copy of everything a Recorder holds.
type Log struct {
	RunID       string               `json:"run_id"`
	Leases      []LeaseEvent         `json:"leases"`
	Rotations   []RotationEvent      `json:"rotations"`
	Mitigations []MitigationEvent    `json:"mitigations"`
	Batches     []BatchProgressEvent `json:"batches"`
	Samples     []Sample             `json:"samples"`
	Overflow    Overflow             `json:"overflow"`
}

// Recorder is the run-scoped telemetry store. It is safe for concurrent
// appends from the scheduler and the background sampler.
type Recorder struct {
	mu     sync.Mutex
	runID  string
	limits Limits
	seq    uint64
	now    func() time.Time
	log    zerolog.Logger

	leases      boundedLog[LeaseEvent]
	rotations   boundedLog[RotationEvent]
	mitigations boundedLog[MitigationEvent]
	batches     boundedLog[BatchProgressEvent]
	samples     boundedLog[Sample]
}

// NewRecorder creates an empty recorder for runID.
func NewRecorder(runID string, limits Limits, log zerolog.Logger) *Recorder {
	limits = limits.withDefaults()
	return &Recorder{
		runID:       runID,
		limits:      limits,
		now:         time.Now,
		log:         log,
		leases: newBoundedLog(limits.LeaseEvents,
			func(e LeaseEvent) string { return e.Model },
			func(e LeaseEvent) bool { return e.Action == LeaseReleased }),
		rotations: newBoundedLog(limits.RotationEvents,
			func(e RotationEvent) string { return e.Model },
			func(e RotationEvent) bool { return e.Status.Terminal() }),
		mitigations: newBoundedLog[MitigationEvent](limits.MitigationEvents, nil, nil),
		batches: newBoundedLog(limits.BatchEvents,
			func(e BatchProgressEvent) string { return e.Model },
			func(e BatchProgressEvent) bool { return e.Final }),
		samples: newBoundedLog[Sample](limits.Samples, nil, nil),
	}
}

// RunID returns the run this recorder belongs to.
func (r *Recorder) RunID() string { return r.runID }

// Limits returns the effective caps.
func (r *Recorder) Limits() Limits { return r.limits }

// stamp assigns the next sequence number and a capture time when unset.
// Callers hold r.mu.
func (r *Recorder) stamp(at time.Time) (uint64, time.Time) {
	r.seq++
	if at.IsZero() {
		at = r.now()
	}
	return r.seq, at
}

func (r *Recorder) RecordLease(e LeaseEvent) {
	e.Devices = append([]int(nil), e.Devices...)
	e.Snapshots = copySnapshots(e.Snapshots)
	r.mu.Lock()
	e.Seq, e.At = r.stamp(e.At)
	stored := r.leases.add(e)
	r.mu.Unlock()
	observeLease(e)
	if !stored {
		r.dropped("lease")
	}
}

func (r *Recorder) RecordRotation(e RotationEvent) {
	if e.Status == "" {
		e.Status = StatusInFlight
	}
	if e.Detail != nil {
		d := make(map[string]any, len(e.Detail))
		for k, v := range e.Detail {
			d[k] = v
		}
		e.Detail = d
	}
	r.mu.Lock()
	e.Seq, e.At = r.stamp(e.At)
	stored := r.rotations.add(e)
	r.mu.Unlock()
	observeRotation(e)
	if !stored {
		r.dropped("rotation")
	}
}

func (r *Recorder) RecordMitigation(e MitigationEvent) {
	r.mu.Lock()
	e.Seq, e.At = r.stamp(e.At)
	stored := r.mitigations.add(e)
	r.mu.Unlock()
	observeMitigation(e)
	if !stored {
		r.dropped("mitigation")
	}
}

func (r *Recorder) RecordBatchProgress(e BatchProgressEvent) {
	if len(e.SampleIDs) > r.limits.SampleIDs {
		e.SampleIDs = e.SampleIDs[:r.limits.SampleIDs]
	}
	e.SampleIDs = append([]string(nil), e.SampleIDs...)
	r.mu.Lock()
	e.Seq, e.At = r.stamp(e.At)
	stored := r.batches.add(e)
	r.mu.Unlock()
	observeBatch(e)
	if !stored {
		r.dropped("batch")
	}
}

// RecordSample appends a background sample.
func (r *Recorder) RecordSample(s Sample) {
	s.Devices = copySnapshots(s.Devices)
	r.mu.Lock()
	s.Seq, s.At = r.stamp(s.At)
	stored := r.samples.add(s)
	r.mu.Unlock()
	observeSample(s)
	if !stored {
		r.dropped("sample")
	}
}

// Overflow returns the drop counters.
func (r *Recorder) Overflow() Overflow {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overflowLocked()
}

func (r *Recorder) overflowLocked() Overflow {
	return Overflow{
		Leases:      r.leases.dropped,
		Rotations:   r.rotations.dropped,
		Mitigations: r.mitigations.dropped,
		Batches:     r.batches.dropped,
		Samples:     r.samples.dropped,
		Replaced: r.leases.replaced + r.rotations.replaced + r.mitigations.replaced +
			r.batches.replaced + r.samples.replaced,
	}
}

// Snapshot returns a copy of every log.
func (r *Recorder) Snapshot() Log {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Log{
		RunID:       r.runID,
		Leases:      r.leases.list(),
		Rotations:   r.rotations.list(),
		Mitigations: r.mitigations.list(),
		Batches:     r.batches.list(),
		Samples:     r.samples.list(),
		Overflow:    r.overflowLocked(),
	}
}

func copySnapshots(in map[int]devmem.Snapshot) map[int]devmem.Snapshot {
	if in == nil {
		return nil
	}
	out := make(map[int]devmem.Snapshot, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (r *Recorder) dropped(name string) {
	observeDrop(name)
	r.log.Debug().Str("run_id", r.runID).Str("log", name).Msg("telemetry: log full, event dropped")
}
