package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Model is one roster entry.
type Model struct {
	Name string `json:"name" yaml:"name" toml:"name"`
	// Path to the weights; empty resolves through models_dir.
	Path      string  `json:"path" yaml:"path" toml:"path"`
	BatchHint int     `json:"batch_hint" yaml:"batch_hint" toml:"batch_hint"`
	Weight    float64 `json:"weight" yaml:"weight" toml:"weight"`
	Devices   []int   `json:"devices" yaml:"devices" toml:"devices"`
	// Dims is the embedding width reported by the hash backend.
	Dims int `json:"dims" yaml:"dims" toml:"dims"`
}

// Runtime carries backend settings passed to the stagers and encoders.
type Runtime struct {
	ContextSize int      `json:"context_size" yaml:"context_size" toml:"context_size"`
	GPULayers   int      `json:"gpu_layers" yaml:"gpu_layers" toml:"gpu_layers"`
	MaxTokens   int      `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
	ONNXLibrary string   `json:"onnx_library" yaml:"onnx_library" toml:"onnx_library"`
	ONNXInputs  []string `json:"onnx_inputs" yaml:"onnx_inputs" toml:"onnx_inputs"`
	ONNXOutput  string   `json:"onnx_output" yaml:"onnx_output" toml:"onnx_output"`
}

// Telemetry bounds the per-run recorder and configures export.
// Zero limits use the recorder's defaults.
type Telemetry struct {
	MaxLeaseEvents      int    `json:"max_lease_events" yaml:"max_lease_events" toml:"max_lease_events"`
	MaxRotationEvents   int    `json:"max_rotation_events" yaml:"max_rotation_events" toml:"max_rotation_events"`
	MaxMitigationEvents int    `json:"max_mitigation_events" yaml:"max_mitigation_events" toml:"max_mitigation_events"`
	MaxBatchEvents      int    `json:"max_batch_events" yaml:"max_batch_events" toml:"max_batch_events"`
	MaxSamples          int    `json:"max_samples" yaml:"max_samples" toml:"max_samples"`
	SampleChunkIDs      int    `json:"sample_chunk_ids" yaml:"sample_chunk_ids" toml:"sample_chunk_ids"`
	SampleIntervalMS    int    `json:"sample_interval_ms" yaml:"sample_interval_ms" toml:"sample_interval_ms"`
	DBPath              string `json:"db_path" yaml:"db_path" toml:"db_path"`
}

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	Addr           string    `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir      string    `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	Devices        []int     `json:"devices" yaml:"devices" toml:"devices"`
	PrimaryModel   string    `json:"primary_model" yaml:"primary_model" toml:"primary_model"`
	Models         []Model   `json:"models" yaml:"models" toml:"models"`
	WarmCache      bool      `json:"warm_cache" yaml:"warm_cache" toml:"warm_cache"`
	Companion      bool      `json:"companion" yaml:"companion" toml:"companion"`
	SoftLimitMB    int       `json:"soft_limit_mb" yaml:"soft_limit_mb" toml:"soft_limit_mb"`
	SoftLimitRatio float64   `json:"soft_limit_ratio" yaml:"soft_limit_ratio" toml:"soft_limit_ratio"`
	ShrinkFactor   float64   `json:"shrink_factor" yaml:"shrink_factor" toml:"shrink_factor"`
	TargetDim      int       `json:"target_dim" yaml:"target_dim" toml:"target_dim"`
	Backend        string    `json:"backend" yaml:"backend" toml:"backend"`
	MemoryBackend  string    `json:"memory_backend" yaml:"memory_backend" toml:"memory_backend"`
	LogLevel       string    `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat      string    `json:"log_format" yaml:"log_format" toml:"log_format"`
	Runtime        Runtime   `json:"runtime" yaml:"runtime" toml:"runtime"`
	Telemetry      Telemetry `json:"telemetry" yaml:"telemetry" toml:"telemetry"`
}

const (
	DefaultAddr             = ":8080"
	DefaultModelsDir        = "~/models/embed"
	DefaultBatchHint        = 32
	DefaultSoftLimitRatio   = 0.90
	DefaultShrinkFactor     = 0.75
	DefaultSampleChunkIDs   = 4
	DefaultSampleIntervalMS = 500
)

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// ApplyDefaults fills unspecified fields in place.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.ModelsDir == "" {
		c.ModelsDir = DefaultModelsDir
	}
	if c.SoftLimitRatio == 0 {
		c.SoftLimitRatio = DefaultSoftLimitRatio
	}
	if c.ShrinkFactor == 0 {
		c.ShrinkFactor = DefaultShrinkFactor
	}
	if c.Backend == "" {
		c.Backend = "hash"
	}
	if c.MemoryBackend == "" {
		c.MemoryBackend = "none"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
	if c.PrimaryModel == "" && len(c.Models) > 0 {
		c.PrimaryModel = c.Models[0].Name
	}
	for i := range c.Models {
		if c.Models[i].BatchHint == 0 {
			c.Models[i].BatchHint = DefaultBatchHint
		}
	}
	if c.Telemetry.SampleChunkIDs == 0 {
		c.Telemetry.SampleChunkIDs = DefaultSampleChunkIDs
	}
	if c.Telemetry.SampleIntervalMS == 0 {
		c.Telemetry.SampleIntervalMS = DefaultSampleIntervalMS
	}
}

var (
	backends       = map[string]bool{"hash": true, "llama": true, "onnx": true}
	memoryBackends = map[string]bool{"none": true, "nvml": true}
	logLevels      = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	logFormats     = map[string]bool{"console": true, "json": true}
)

// Validate reports every problem found; call it after ApplyDefaults.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if len(c.Models) == 0 && c.PrimaryModel == "" {
		add("no models configured")
	}
	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		switch {
		case m.Name == "":
			add("models[%d]: empty name", i)
		case seen[m.Name]:
			add("models[%d]: duplicate name %q", i, m.Name)
		}
		seen[m.Name] = true
		if m.BatchHint < 1 {
			add("model %q: batch_hint must be >= 1", m.Name)
		}
		if m.Weight < 0 {
			add("model %q: weight must be >= 0", m.Name)
		}
		if m.Dims < 0 {
			add("model %q: dims must be >= 0", m.Name)
		}
		if err := checkDevices(m.Devices); err != nil {
			add("model %q: %v", m.Name, err)
		}
	}
	if err := checkDevices(c.Devices); err != nil {
		add("devices: %v", err)
	}
	if c.SoftLimitRatio <= 0 || c.SoftLimitRatio > 1 {
		add("soft_limit_ratio must be in (0,1], got %v", c.SoftLimitRatio)
	}
	if c.ShrinkFactor <= 0 || c.ShrinkFactor >= 1 {
		add("shrink_factor must be in (0,1), got %v", c.ShrinkFactor)
	}
	if c.SoftLimitMB < 0 {
		add("soft_limit_mb must be >= 0")
	}
	if c.TargetDim < 0 {
		add("target_dim must be >= 0")
	}
	if !backends[c.Backend] {
		add("unknown backend %q", c.Backend)
	}
	if !memoryBackends[c.MemoryBackend] {
		add("unknown memory_backend %q", c.MemoryBackend)
	}
	if !logLevels[c.LogLevel] {
		add("unknown log_level %q", c.LogLevel)
	}
	if !logFormats[c.LogFormat] {
		add("unknown log_format %q", c.LogFormat)
	}
	return errors.Join(errs...)
}

func checkDevices(devs []int) error {
	seen := make(map[int]bool, len(devs))
	for _, d := range devs {
		if d < 0 {
			return fmt.Errorf("negative device index %d", d)
		}
		if seen[d] {
			return fmt.Errorf("device %d listed twice", d)
		}
		seen[d] = true
	}
	return nil
}

// SoftLimitBytes converts soft_limit_mb.
func (c Config) SoftLimitBytes() uint64 {
	if c.SoftLimitMB <= 0 {
		return 0
	}
	return uint64(c.SoftLimitMB) << 20
}

// DimsByModel returns the configured widths, omitting unset ones.
func (c Config) DimsByModel() map[string]int {
	out := make(map[string]int)
	for _, m := range c.Models {
		if m.Dims > 0 {
			out[m.Name] = m.Dims
		}
	}
	return out
}
