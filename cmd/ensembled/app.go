package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ensembled/internal/common/fsutil"
	"ensembled/internal/config"
	"ensembled/internal/devmem"
	"ensembled/internal/encoder"
	"ensembled/internal/registry"
	"ensembled/internal/scheduler"
	"ensembled/internal/staging"
	"ensembled/internal/telemetry"
	"ensembled/pkg/types"
)

// app is the wired service plus what must be closed with it.
type app struct {
	svc       *scheduler.Service
	collector *devmem.Collector
	store     *telemetry.Store
}

func (a *app) Close() {
	a.svc.Close()
	if a.store != nil {
		_ = a.store.Close()
	}
}

// schedulerConfig maps the file config onto the scheduler's.
func schedulerConfig(cfg config.Config) scheduler.Config {
	sc := scheduler.Config{
		Primary:        cfg.PrimaryModel,
		Devices:        append([]int(nil), cfg.Devices...),
		WarmCache:      cfg.WarmCache,
		Companion:      cfg.Companion,
		SoftLimitBytes: cfg.SoftLimitBytes(),
		SoftLimitRatio: cfg.SoftLimitRatio,
		ShrinkFactor:   cfg.ShrinkFactor,
		TargetDim:      cfg.TargetDim,
		SampleIDs:      cfg.Telemetry.SampleChunkIDs,
	}
	for _, m := range cfg.Models {
		sc.Models = append(sc.Models, scheduler.ModelSpec{
			Name:      m.Name,
			BatchHint: m.BatchHint,
			Weight:    m.Weight,
			Devices:   append([]int(nil), m.Devices...),
		})
	}
	return sc
}

func telemetryLimits(t config.Telemetry) telemetry.Limits {
	return telemetry.Limits{
		LeaseEvents:      t.MaxLeaseEvents,
		RotationEvents:   t.MaxRotationEvents,
		MitigationEvents: t.MaxMitigationEvents,
		BatchEvents:      t.MaxBatchEvents,
		Samples:          t.MaxSamples,
		SampleIDs:        t.SampleChunkIDs,
	}
}

// modelPaths resolves weight files for the disk-backed backends. The hash
// backend needs none.
func modelPaths(cfg config.Config, roster []string) (map[string]string, error) {
	if cfg.Backend == "hash" {
		return nil, nil
	}
	entries := make([]types.Model, 0, len(roster))
	byName := make(map[string]config.Model, len(cfg.Models))
	for _, m := range cfg.Models {
		byName[m.Name] = m
	}
	needScan := false
	for _, name := range roster {
		m := byName[name]
		entries = append(entries, types.Model{Name: name, Path: m.Path})
		if m.Path == "" {
			needScan = true
		}
	}
	var found []types.Model
	if needScan {
		f, err := registry.LoadDir(cfg.ModelsDir)
		if err != nil {
			return nil, fmt.Errorf("scan models dir: %w", err)
		}
		found = f
	}
	ext := ".gguf"
	if cfg.Backend == "onnx" {
		ext = ".onnx"
	}
	return registry.Resolve(found, entries, ext)
}

func newApp(cfg config.Config, log zerolog.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	backend, err := devmem.NewBackend(cfg.MemoryBackend)
	if err != nil {
		return nil, err
	}
	collector := devmem.NewCollector(backend, log.With().Str("component", "devmem").Logger())

	sc := schedulerConfig(cfg)
	roster := scheduler.RosterNames(sc)
	paths, err := modelPaths(cfg, roster)
	if err != nil {
		return nil, err
	}
	stager, err := staging.New(cfg.Backend, paths, staging.Options{
		ContextSize:     cfg.Runtime.ContextSize,
		GPULayers:       cfg.Runtime.GPULayers,
		ONNXLibraryPath: cfg.Runtime.ONNXLibrary,
		InputNames:      cfg.Runtime.ONNXInputs,
		OutputName:      cfg.Runtime.ONNXOutput,
		MaxTokens:       cfg.Runtime.MaxTokens,
		Dims:            cfg.DimsByModel(),
	}, log.With().Str("component", "staging").Logger())
	if err != nil {
		return nil, err
	}
	enc, err := encoder.New(cfg.Backend, cfg.TargetDim, cfg.DimsByModel())
	if err != nil {
		return nil, err
	}
	if h, ok := enc.(*encoder.HashEncoder); ok {
		collector.AddFlushHook(h.ResetCache)
	}

	a := &app{collector: collector}
	if p := cfg.Telemetry.DBPath; p != "" {
		if p, err = fsutil.ExpandHome(p); err != nil {
			return nil, err
		}
		if err := fsutil.EnsureParentDir(p); err != nil {
			return nil, err
		}
		if a.store, err = telemetry.OpenStore(p); err != nil {
			return nil, err
		}
	}

	a.svc, err = scheduler.NewService(scheduler.ServiceOptions{
		Config:         sc,
		Collector:      collector,
		Stager:         stager,
		Encoder:        enc,
		Limits:         telemetryLimits(cfg.Telemetry),
		SampleInterval: time.Duration(cfg.Telemetry.SampleIntervalMS) * time.Millisecond,
		Store:          a.store,
		Backend:        cfg.Backend,
		Log:            log,
	})
	if err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		return nil, err
	}
	log.Info().
		Strs("roster", roster).
		Ints("devices", cfg.Devices).
		Str("backend", cfg.Backend).
		Str("memory_backend", collector.Backend()).
		Msg("service ready")
	return a, nil
}
