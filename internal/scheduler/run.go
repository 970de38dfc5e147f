package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"ensembled/internal/batching"
	"ensembled/internal/devmem"
	"ensembled/internal/encoder"
	"ensembled/internal/lease"
	"ensembled/internal/staging"
	"ensembled/internal/telemetry"
)

// Deps are the collaborators of a Scheduler.
type Deps struct {
	// Memory provides snapshots and cache flushes; nil means no
	// accelerator backend.
	Memory  lease.Memory
	Stager  staging.Stager
	Encoder encoder.Encoder
	Sink    telemetry.Sink
	Log     zerolog.Logger
}

// Scheduler executes rotations. It holds no per-run state; concurrent Run
// calls on one Scheduler would break the one-lease-at-a-time rule, so
// callers serialize them (Service does).
type Scheduler struct {
	cfg     Config
	mem     lease.Memory
	stager  staging.Stager
	enc     encoder.Encoder
	sink    telemetry.Sink
	log     zerolog.Logger
	roster  []ModelSpec
	weights map[string]float64
}

// New builds a scheduler. Stager and Encoder are required.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if deps.Stager == nil || deps.Encoder == nil {
		return nil, errors.New("scheduler: stager and encoder are required")
	}
	cfg = cfg.withDefaults()
	roster := Roster(cfg)
	if len(roster) == 0 {
		return nil, ErrEmptyRoster
	}
	weights := make(map[string]float64, len(roster))
	for _, m := range roster {
		weights[m.Name] = m.Weight
	}
	return &Scheduler{
		cfg:     cfg,
		mem:     deps.Memory,
		stager:  deps.Stager,
		enc:     deps.Encoder,
		sink:    telemetry.Safe(deps.Sink, deps.Log),
		log:     deps.Log,
		roster:  roster,
		weights: weights,
	}, nil
}

// Roster returns the rotation order.
func (s *Scheduler) Roster() []ModelSpec { return append([]ModelSpec(nil), s.roster...) }

// ModelSummary describes one completed model pass.
type ModelSummary struct {
	Model       string
	Devices     []int
	Placement   staging.Kind
	Batches     int
	Attempts    int
	Mitigations int
	OOMEvents   int
	FinalBatch  int
	Companion   bool
	Dims        int
	MemoryDelta map[int]int64
	Duration    time.Duration
}

// Result is the outcome of a successful rotation.
type Result struct {
	Embeddings encoder.Matrix
	PerModel   map[string]encoder.Matrix
	Models     []ModelSummary
	// Weights are the normalized aggregation weights.
	Weights map[string]float64
	Dims    int
}

// runContext is the state of one rotation. It is created by Run and never
// outlives it.
type runContext struct {
	items    []encoder.Item
	order    []string
	outputs  map[string]encoder.Matrix
	models   []ModelSummary
	previous string
}

func newRunContext(items []encoder.Item) *runContext {
	return &runContext{items: items, outputs: make(map[string]encoder.Matrix)}
}

func (rc *runContext) complete(sum ModelSummary, m encoder.Matrix) {
	rc.order = append(rc.order, sum.Model)
	rc.outputs[sum.Model] = m
	rc.models = append(rc.models, sum)
	rc.previous = sum.Model
}

// Run executes one rotation over items. Only fatal errors are returned,
// always as *RunError; the lease of the failing model is released first.
func (s *Scheduler) Run(ctx context.Context, items []encoder.Item) (*Result, error) {
	rc := newRunContext(items)
	s.log.Info().Int("items", len(items)).Strs("roster", RosterNames(s.cfg)).Msg("rotation start")

	for i, spec := range s.roster {
		if i > 0 {
			s.stagePrevious(ctx, rc.previous)
		}
		sum, m, err := s.runModel(ctx, rc, i, spec)
		if err != nil {
			s.sink.RecordRotation(telemetry.RotationEvent{
				Kind:   telemetry.RotationModelFailed,
				Model:  spec.Name,
				Status: telemetry.StatusFailed,
				Detail: map[string]any{"error": err.Error(), "kind": string(kindOf(err))},
			})
			s.log.Error().Err(err).Str("model", spec.Name).Msg("rotation aborted")
			s.stagePrevious(ctx, spec.Name)
			return nil, err
		}
		rc.complete(sum, m)
	}
	s.stagePrevious(ctx, rc.previous)

	out, info, err := Aggregate(rc.order, rc.outputs, AggregateOptions{
		Weights:   s.weights,
		TargetDim: s.cfg.TargetDim,
		Sink:      s.sink,
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Int("rows", out.Rows()).Int("dims", info.Dims).Int("models", len(rc.order)).Msg("rotation complete")
	return &Result{
		Embeddings: out,
		PerModel:   rc.outputs,
		Models:     rc.models,
		Weights:    info.Weights,
		Dims:       info.Dims,
	}, nil
}

// stagePrevious moves model off the devices unless warm cache is on.
// Staging errors are logged; they never fail the run.
func (s *Scheduler) stagePrevious(ctx context.Context, model string) {
	if model == "" {
		return
	}
	if s.cfg.WarmCache {
		s.sink.RecordRotation(telemetry.RotationEvent{Kind: telemetry.RotationStageSkipped, Model: model})
		return
	}
	// Staging must run even when the run is being canceled.
	err := s.stager.StageToIdle(context.WithoutCancel(ctx), model)
	ev := telemetry.RotationEvent{Kind: telemetry.RotationStagedIdle, Model: model}
	if err != nil {
		s.log.Warn().Err(err).Str("model", model).Msg("stage to idle failed")
		ev.Detail = map[string]any{"error": err.Error()}
	}
	s.sink.RecordRotation(ev)
}

func (s *Scheduler) devicesFor(spec ModelSpec) []int {
	if len(spec.Devices) > 0 {
		return append([]int(nil), spec.Devices...)
	}
	return append([]int(nil), s.cfg.Devices...)
}

func (s *Scheduler) collect(devices []int) map[int]devmem.Snapshot {
	if s.mem == nil {
		return nil
	}
	return s.mem.Collect(devices)
}

func (s *Scheduler) flush() {
	if s.mem != nil {
		s.mem.Flush()
	}
}

// softLimit resolves the pressure threshold for a pass on devices.
func (s *Scheduler) softLimit(devices []int) uint64 {
	if s.cfg.SoftLimitBytes > 0 {
		return s.cfg.SoftLimitBytes
	}
	if len(devices) == 0 {
		return 0
	}
	ref, ok := s.collect(devices[:1])[devices[0]]
	if !ok {
		return 0
	}
	return batching.DeriveSoftLimit(s.cfg.SoftLimitRatio, ref)
}

// runModel is one model pass. The lease is held for the whole pass and
// released before returning on every path.
func (s *Scheduler) runModel(ctx context.Context, rc *runContext, index int, spec ModelSpec) (ModelSummary, encoder.Matrix, error) {
	start := time.Now()
	devices := s.devicesFor(spec)
	log := s.log.With().Str("model", spec.Name).Ints("devices", devices).Logger()
	sum := ModelSummary{Model: spec.Name, Devices: devices, FinalBatch: spec.BatchHint}

	if err := ctx.Err(); err != nil {
		return sum, nil, &RunError{Model: spec.Name, BatchSize: spec.BatchHint, Kind: KindCanceled, Err: err}
	}
	s.sink.RecordRotation(telemetry.RotationEvent{
		Kind:  telemetry.RotationModelStarted,
		Model: spec.Name,
		Detail: map[string]any{
			"index":      index,
			"devices":    devices,
			"batch_hint": spec.BatchHint,
		},
	})

	l := lease.New(spec.Name, s.mem, s.sink, s.log)
	release := l.Hold(devices)
	defer release()

	hyd, err := s.stager.Hydrate(ctx, spec.Name, devices)
	if err == nil && hyd == nil {
		err = errNoHandle
	}
	if err != nil {
		return sum, nil, &RunError{Model: spec.Name, BatchSize: spec.BatchHint, Kind: KindHydration, Err: err}
	}
	sum.Placement = hyd.Kind()
	s.sink.RecordRotation(telemetry.RotationEvent{
		Kind:   telemetry.RotationHydrated,
		Model:  spec.Name,
		Detail: map[string]any{"placement": hyd.Kind().String(), "devices": hyd.Devices()},
	})

	ref := staging.CPUDevice
	if len(devices) > 0 {
		ref = devices[0]
	}
	ctrl := batching.New(batching.Config{
		BatchHint:       spec.BatchHint,
		DeviceCount:     len(devices),
		SoftLimitBytes:  s.softLimit(devices),
		ShrinkFactor:    s.cfg.ShrinkFactor,
		Companion:       s.cfg.Companion,
		ReferenceDevice: ref,
	})
	log.Debug().Int("primary", ctrl.PrimaryBatch()).Int("total", ctrl.TotalBatch()).
		Str("soft_limit", humanize.IBytes(ctrl.State().SoftLimitBytes)).Msg("pass start")

	items := rc.items
	out := make(encoder.Matrix, 0, len(items))
	cursor, attempts := 0, 0
	fail := func(kind ErrorKind, err error) (ModelSummary, encoder.Matrix, error) {
		return sum, nil, &RunError{Model: spec.Name, BatchSize: ctrl.PrimaryBatch(), Kind: kind, Err: err}
	}

	for cursor < len(items) {
		if err := ctx.Err(); err != nil {
			return fail(KindCanceled, err)
		}
		attempts++
		sum.Attempts++

		if m := ctrl.RegisterSnapshot(s.collect(devices)); m != nil {
			s.recordMitigation(log, spec.Name, m)
			if m.Applied() {
				sum.Mitigations++
				s.flush()
				continue
			}
			// Persistent pressure: nothing left to give up, submit anyway.
		}

		end := cursor + ctrl.TotalBatch()
		if end > len(items) {
			end = len(items)
		}
		slice := items[cursor:end]
		m, err := s.enc.Encode(ctx, hyd, slice, encoder.Options{
			BatchSize: ctrl.TotalBatch(),
			Device:    hyd.PrimaryDevice(),
			Companion: ctrl.CompanionEnabled(),
		})
		if err != nil {
			if ctx.Err() != nil {
				return fail(KindCanceled, ctx.Err())
			}
			if !encoder.IsOutOfMemory(err) {
				return fail(KindEncode, err)
			}
			mit := ctrl.RegisterOOM()
			if mit == nil {
				return fail(KindOOMExhausted, err)
			}
			s.recordMitigation(log, spec.Name, mit)
			sum.Mitigations++
			s.flush()
			continue
		}
		if m.Rows() != len(slice) {
			return fail(KindEncode, fmt.Errorf("encoder returned %d rows for %d items", m.Rows(), len(slice)))
		}
		out = append(out, m...)
		sum.Batches++
		s.sink.RecordBatchProgress(telemetry.BatchProgressEvent{
			Model:     spec.Name,
			Device:    hyd.PrimaryDevice(),
			Start:     cursor,
			End:       end,
			Attempts:  attempts,
			BatchSize: len(slice),
			Final:     end == len(items),
			SampleIDs: sampleIDs(slice, cursor, s.cfg.SampleIDs),
		})
		log.Debug().Int("start", cursor).Int("end", end).Int("attempts", attempts).Msg("batch encoded")
		cursor = end
		attempts = 0
	}

	release()
	st := ctrl.State()
	sum.FinalBatch = st.PrimaryBatch
	sum.OOMEvents = st.OOMEvents
	sum.Companion = st.Companion
	sum.Dims = out.Dims()
	sum.MemoryDelta = l.Summarize()
	sum.Duration = time.Since(start)
	s.sink.RecordRotation(telemetry.RotationEvent{
		Kind:   telemetry.RotationModelCompleted,
		Model:  spec.Name,
		Status: telemetry.StatusCompleted,
		Detail: map[string]any{
			"batches":     sum.Batches,
			"attempts":    sum.Attempts,
			"final_batch": sum.FinalBatch,
			"dims":        sum.Dims,
		},
	})
	return sum, out, nil
}

func (s *Scheduler) recordMitigation(log zerolog.Logger, model string, m *batching.Mitigation) {
	log.Info().
		Str("reason", string(m.Reason)).
		Str("action", string(m.Action)).
		Int("from", m.PreviousBatch).
		Int("to", m.NewBatch).
		Bool("companion", m.Companion).
		Str("allocated", humanize.IBytes(m.AllocatedBytes)).
		Str("free", humanize.IBytes(m.FreeBytes)).
		Msg("batch mitigation")
	s.sink.RecordMitigation(telemetry.MitigationEvent{
		Model:          model,
		Reason:         string(m.Reason),
		Action:         string(m.Action),
		PreviousBatch:  m.PreviousBatch,
		NewBatch:       m.NewBatch,
		TotalBatch:     m.TotalBatch,
		Companion:      m.Companion,
		Device:         m.Device,
		AllocatedBytes: m.AllocatedBytes,
		FreeBytes:      m.FreeBytes,
	})
}

// sampleIDs returns up to n ids from the slice starting at offset; items
// without an id are named by their queue position.
func sampleIDs(items []encoder.Item, offset, n int) []string {
	if n > len(items) {
		n = len(items)
	}
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := items[i].ID
		if id == "" {
			id = strconv.Itoa(offset + i)
		}
		ids = append(ids, id)
	}
	return ids
}
