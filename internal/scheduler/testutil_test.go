package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"ensembled/internal/devmem"
	"ensembled/internal/encoder"
	"ensembled/internal/staging"
	"ensembled/internal/telemetry"
)

func makeItems(n int) []encoder.Item {
	out := make([]encoder.Item, n)
	for i := range out {
		out[i] = encoder.Item{ID: fmt.Sprintf("chunk-%d", i), Text: fmt.Sprintf("passage %d about devices", i)}
	}
	return out
}

// fakeStager wraps MemoryStager with scripted failures and a call trace.
type fakeStager struct {
	*staging.MemoryStager
	mu      sync.Mutex
	noModel map[string]bool
	err     map[string]error
	trace   []string
}

func newFakeStager() *fakeStager {
	return &fakeStager{
		MemoryStager: staging.NewMemoryStager(zerolog.Nop()),
		noModel:      map[string]bool{},
		err:          map[string]error{},
	}
}

func (f *fakeStager) Hydrate(ctx context.Context, model string, devices []int) (*staging.Hydrated, error) {
	f.mu.Lock()
	f.trace = append(f.trace, "hydrate:"+model)
	noModel, err := f.noModel[model], f.err[model]
	f.mu.Unlock()
	if noModel {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return f.MemoryStager.Hydrate(ctx, model, devices)
}

func (f *fakeStager) StageToIdle(ctx context.Context, model string) error {
	f.mu.Lock()
	f.trace = append(f.trace, "stage:"+model)
	f.mu.Unlock()
	return f.MemoryStager.StageToIdle(ctx, model)
}

func (f *fakeStager) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.trace...)
}

// fakeMemory reports memory pressure on device 0 until it has been flushed
// pressureUntil times. A negative value means pressure forever.
type fakeMemory struct {
	mu            sync.Mutex
	pressureUntil int
	flushes       int
}

func (f *fakeMemory) Collect(devices []int) map[int]devmem.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int]devmem.Snapshot, len(devices))
	for _, d := range devices {
		s := devmem.Snapshot{Device: d, TotalBytes: 1000, FreeBytes: 900, AllocatedBytes: 100}
		if f.pressureUntil < 0 || f.flushes < f.pressureUntil {
			s.FreeBytes, s.AllocatedBytes = 10, 990
		}
		out[d] = s
	}
	return out
}

func (f *fakeMemory) Flush() {
	f.mu.Lock()
	f.flushes++
	f.mu.Unlock()
}

// shortEncoder returns one row fewer than requested.
type shortEncoder struct{}

func (shortEncoder) Encode(_ context.Context, _ *staging.Hydrated, items []encoder.Item, _ encoder.Options) (encoder.Matrix, error) {
	out := make(encoder.Matrix, 0, len(items))
	for i := 1; i < len(items); i++ {
		out = append(out, []float32{1})
	}
	return out, nil
}

// blockingEncoder waits on release before delegating.
type blockingEncoder struct {
	next    encoder.Encoder
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingEncoder) Encode(ctx context.Context, m *staging.Hydrated, items []encoder.Item, o encoder.Options) (encoder.Matrix, error) {
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return b.next.Encode(ctx, m, items, o)
}

type panickySink struct{}

func (panickySink) RecordLease(telemetry.LeaseEvent)                 { panic("lease sink") }
func (panickySink) RecordRotation(telemetry.RotationEvent)           { panic("rotation sink") }
func (panickySink) RecordMitigation(telemetry.MitigationEvent)       { panic("mitigation sink") }
func (panickySink) RecordBatchProgress(telemetry.BatchProgressEvent) { panic("batch sink") }

func twoModelConfig() Config {
	return Config{
		Primary: "modelA",
		Models: []ModelSpec{
			{Name: "modelA", BatchHint: 2},
			{Name: "modelB", BatchHint: 2},
		},
	}
}

func newRecorder() *telemetry.Recorder {
	return telemetry.NewRecorder("test", telemetry.Limits{}, zerolog.Nop())
}

func rotationKinds(l telemetry.Log) []string {
	out := make([]string, 0, len(l.Rotations))
	for _, r := range l.Rotations {
		out = append(out, string(r.Kind)+":"+r.Model)
	}
	return out
}
