package scheduler

import (
	"ensembled/internal/batching"
)

// ModelSpec is one roster entry.
type ModelSpec struct {
	Name string
	// BatchHint seeds the per-device batch size of the controller.
	BatchHint int
	// Weight is the aggregation weight; zero means the default of 1.
	Weight float64
	// Devices overrides Config.Devices for this model.
	Devices []int
}

// Config drives one Scheduler.
type Config struct {
	// Primary runs first; the rest of Models follow in configured order.
	Primary string
	Models  []ModelSpec
	// Devices leased by default. Empty means CPU only.
	Devices []int
	// WarmCache skips staging the previous model to idle between models.
	WarmCache bool
	// Companion enables the secondary encoding path at the start of each
	// pass.
	Companion bool
	// SoftLimitBytes is the pressure threshold on the reference device.
	// When zero it is derived as SoftLimitRatio × device total.
	SoftLimitBytes uint64
	SoftLimitRatio float64
	ShrinkFactor   float64
	// TargetDim fixes the aggregated width; zero uses the widest model.
	TargetDim int
	// SampleIDs caps the item ids attached to a batch progress event.
	SampleIDs int
}

const (
	defaultBatchHint = 32
	defaultSampleIDs = 4
)

func (c Config) withDefaults() Config {
	if c.SoftLimitRatio == 0 {
		c.SoftLimitRatio = batching.DefaultSoftLimitRatio
	}
	if c.ShrinkFactor == 0 {
		c.ShrinkFactor = batching.DefaultShrinkFactor
	}
	if c.SampleIDs <= 0 {
		c.SampleIDs = defaultSampleIDs
	}
	return c
}

// Roster orders the configured models: the primary first, then the rest
// in configured order, each name once. A primary missing from Models is
// added with default settings.
func Roster(cfg Config) []ModelSpec {
	seen := make(map[string]bool, len(cfg.Models)+1)
	out := make([]ModelSpec, 0, len(cfg.Models)+1)
	add := func(m ModelSpec) {
		if m.Name == "" || seen[m.Name] {
			return
		}
		seen[m.Name] = true
		if m.BatchHint <= 0 {
			m.BatchHint = defaultBatchHint
		}
		out = append(out, m)
	}
	if cfg.Primary != "" {
		found := false
		for _, m := range cfg.Models {
			if m.Name == cfg.Primary {
				add(m)
				found = true
				break
			}
		}
		if !found {
			add(ModelSpec{Name: cfg.Primary})
		}
	}
	for _, m := range cfg.Models {
		add(m)
	}
	return out
}

// RosterNames returns the names of Roster(cfg).
func RosterNames(cfg Config) []string {
	r := Roster(cfg)
	names := make([]string, len(r))
	for i, m := range r {
		names[i] = m.Name
	}
	return names
}

// UsedDevices returns every device a run may lease: the defaults followed
// by per-model overrides, each id once, in first-seen order.
func UsedDevices(cfg Config) []int {
	var out []int
	seen := make(map[int]bool)
	add := func(ds []int) {
		for _, d := range ds {
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
			}
		}
	}
	add(cfg.Devices)
	for _, m := range Roster(cfg) {
		add(m.Devices)
	}
	return out
}
