package scheduler

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ensembled/internal/devmem"
	"ensembled/internal/encoder"
	"ensembled/internal/staging"
	"ensembled/internal/telemetry"
	"ensembled/pkg/types"
)

// ServiceOptions configure a Service.
type ServiceOptions struct {
	Config    Config
	Collector *devmem.Collector
	Stager    staging.Stager
	Encoder   encoder.Encoder
	// Limits cap each run's telemetry recorder.
	Limits telemetry.Limits
	// SampleInterval is the background sampler period; zero uses the
	// sampler default.
	SampleInterval time.Duration
	// Store, when set, receives every run's telemetry after it finishes.
	Store *telemetry.Store
	// Backend names the encoder backend for status reporting.
	Backend string
	Log     zerolog.Logger
}

// Service runs rotations one at a time and keeps the last outcome for
// reporting.
type Service struct {
	opts    ServiceOptions
	started time.Time

	mu       sync.Mutex
	closing  bool
	current  *types.RunSummary
	rec      *telemetry.Recorder
	last     *types.RunSummary
	result   *Result
	runs     uint64
	failures uint64
	wg       sync.WaitGroup
}

// NewService validates the configuration by building a scheduler once.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Collector == nil {
		opts.Collector = devmem.NewCollector(nil, opts.Log)
	}
	if opts.Backend == "" {
		opts.Backend = "hash"
	}
	if _, err := New(opts.Config, Deps{Stager: opts.Stager, Encoder: opts.Encoder}); err != nil {
		return nil, err
	}
	return &Service{opts: opts, started: time.Now()}, nil
}

// begin claims the single run slot.
func (s *Service) begin(items int) (string, *telemetry.Recorder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return "", nil, ErrRunInProgress("service closing")
	}
	if s.current != nil {
		return "", nil, ErrRunInProgress(s.current.RunID)
	}
	id := uuid.NewString()
	rec := telemetry.NewRecorder(id, s.opts.Limits, s.opts.Log)
	s.current = &types.RunSummary{
		RunID:       id,
		State:       "running",
		StartedUnix: time.Now().Unix(),
		Items:       items,
	}
	s.rec = rec
	s.wg.Add(1)
	runInProgress.Set(1)
	return id, rec, nil
}

// Start launches a rotation in the background and returns its run id.
// ctx governs the run itself, not just the call.
func (s *Service) Start(ctx context.Context, items []encoder.Item) (string, error) {
	id, rec, err := s.begin(len(items))
	if err != nil {
		return "", err
	}
	go func() { _, _ = s.execute(ctx, id, rec, items) }()
	return id, nil
}

// RunSync runs a rotation and waits for it.
func (s *Service) RunSync(ctx context.Context, items []encoder.Item) (*Result, string, error) {
	id, rec, err := s.begin(len(items))
	if err != nil {
		return nil, "", err
	}
	res, err := s.execute(ctx, id, rec, items)
	return res, id, err
}

func (s *Service) execute(ctx context.Context, id string, rec *telemetry.Recorder, items []encoder.Item) (*Result, error) {
	defer s.wg.Done()
	log := s.opts.Log.With().Str("run_id", id).Logger()
	start := time.Now()

	sampler := telemetry.StartSampler(ctx, s.opts.Collector, UsedDevices(s.opts.Config), s.opts.SampleInterval, rec)
	var res *Result
	sched, err := New(s.opts.Config, Deps{
		Memory:  s.opts.Collector,
		Stager:  s.opts.Stager,
		Encoder: s.opts.Encoder,
		Sink:    rec,
		Log:     log,
	})
	if err == nil {
		res, err = sched.Run(ctx, items)
	}
	sampler.Stop()

	outcome := "completed"
	if err != nil {
		outcome = "failed"
	}
	runsTotal.WithLabelValues(outcome).Inc()
	runDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	runInProgress.Set(0)

	snap := rec.Snapshot()
	if s.opts.Store != nil {
		if serr := s.opts.Store.SaveRun(context.WithoutCancel(ctx), snap); serr != nil {
			log.Warn().Err(serr).Msg("telemetry export failed")
		}
	}

	s.mu.Lock()
	sum := *s.current
	sum.FinishedUnix = time.Now().Unix()
	fillSummary(&sum, res, err, snap.Overflow)
	s.last = &sum
	s.current = nil
	s.runs++
	if err != nil {
		s.failures++
	} else {
		s.result = res
	}
	s.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Dur("dur", time.Since(start)).Msg("rotation failed")
	} else {
		log.Info().Dur("dur", time.Since(start)).Int("rows", res.Embeddings.Rows()).Msg("rotation finished")
	}
	return res, err
}

func fillSummary(sum *types.RunSummary, res *Result, err error, o telemetry.Overflow) {
	if err != nil {
		sum.State = "failed"
		sum.Error = err.Error()
		if re, ok := err.(*RunError); ok {
			sum.ErrorKind = string(re.Kind)
			sum.ErrorModel = re.Model
		}
	} else {
		sum.State = "completed"
	}
	dropped := map[string]uint64{
		"leases":      o.Leases,
		"rotations":   o.Rotations,
		"mitigations": o.Mitigations,
		"batches":     o.Batches,
		"samples":     o.Samples,
	}
	for k, v := range dropped {
		if v == 0 {
			delete(dropped, k)
		}
	}
	if len(dropped) > 0 {
		sum.Dropped = dropped
	}
	if res == nil {
		return
	}
	sum.Rows = res.Embeddings.Rows()
	sum.Dims = res.Dims
	sum.Weights = res.Weights
	for _, m := range res.Models {
		sum.Models = append(sum.Models, modelRun(m))
	}
}

func modelRun(m ModelSummary) types.ModelRun {
	mr := types.ModelRun{
		Model:       m.Model,
		Devices:     m.Devices,
		Placement:   m.Placement.String(),
		Batches:     m.Batches,
		Attempts:    m.Attempts,
		Mitigations: m.Mitigations,
		OOMEvents:   m.OOMEvents,
		FinalBatch:  m.FinalBatch,
		Dims:        m.Dims,
		Companion:   m.Companion,
		DurationMS:  m.Duration.Milliseconds(),
	}
	if len(m.MemoryDelta) > 0 {
		mr.MemoryDeltaBytes = make(map[string]int64, len(m.MemoryDelta))
		for d, v := range m.MemoryDelta {
			mr.MemoryDeltaBytes[strconv.Itoa(d)] = v
		}
	}
	return mr
}

// Status reports the running and last runs.
func (s *Service) Status() types.StatusResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := types.StatusResponse{
		State:          "idle",
		Roster:         RosterNames(s.opts.Config),
		Backend:        s.opts.Backend,
		MemoryBackend:  s.opts.Collector.Backend(),
		Devices:        append([]int(nil), s.opts.Config.Devices...),
		RunsTotal:      s.runs,
		FailuresTotal:  s.failures,
		UptimeSeconds:  int64(time.Since(s.started).Seconds()),
		ServerTimeUnix: time.Now().Unix(),
	}
	if s.current != nil {
		cur := *s.current
		st.State = "running"
		st.Current = &cur
	}
	if s.last != nil {
		last := *s.last
		st.Last = &last
	}
	return st
}

// Telemetry returns the log of the running run, or of the last one.
func (s *Service) Telemetry() (telemetry.Log, bool) {
	s.mu.Lock()
	rec := s.rec
	s.mu.Unlock()
	if rec == nil {
		return telemetry.Log{}, false
	}
	return rec.Snapshot(), true
}

// LastResult returns the result of the last successful run.
func (s *Service) LastResult() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Devices returns live snapshots of all visible devices.
func (s *Service) Devices() types.DevicesResponse {
	c := s.opts.Collector
	snaps := c.Collect(c.AllDevices())
	resp := types.DevicesResponse{Backend: c.Backend(), Devices: make([]types.DeviceInfo, 0, len(snaps))}
	for _, d := range c.AllDevices() {
		sn, ok := snaps[d]
		if !ok {
			continue
		}
		resp.Devices = append(resp.Devices, DeviceInfo(sn))
	}
	return resp
}

// DeviceInfo converts a snapshot for reporting.
func DeviceInfo(sn devmem.Snapshot) types.DeviceInfo {
	return types.DeviceInfo{
		Device:         sn.Device,
		TotalBytes:     sn.TotalBytes,
		FreeBytes:      sn.FreeBytes,
		AllocatedBytes: sn.AllocatedBytes,
		ReservedBytes:  sn.ReservedBytes,
		Utilization:    sn.Utilization(),
		Total:          humanize.IBytes(sn.TotalBytes),
		Free:           humanize.IBytes(sn.FreeBytes),
	}
}

// Ready reports whether the service accepts runs.
func (s *Service) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closing
}

// Close stops accepting runs and waits for the running one to finish.
func (s *Service) Close() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.wg.Wait()
}
