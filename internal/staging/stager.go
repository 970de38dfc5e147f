package staging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Stager hydrates models onto leased devices and stages them back to idle
// storage. Hydrate returning a nil model or an error is a fatal hydration
// failure for the caller. StageToIdle is idempotent.
type Stager interface {
	Hydrate(ctx context.Context, model string, devices []int) (*Hydrated, error)
	StageToIdle(ctx context.Context, model string) error
}

// unknownModelError reports a hydrate request for a model the stager
// cannot load.
type unknownModelError struct{ model string }

func (e unknownModelError) Error() string { return "unknown model: " + e.model }

// IsUnknownModel reports whether err is an unknown-model hydrate failure.
func IsUnknownModel(err error) bool {
	var u unknownModelError
	return errors.As(err, &u)
}

// dependencyUnavailableError signals a backend that was not compiled in or
// failed to initialize.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing runtime.
func IsDependencyUnavailable(err error) bool {
	var d dependencyUnavailableError
	return errors.As(err, &d)
}

// memoryHandle is the handle produced by MemoryStager.
type memoryHandle struct{ model string }

func (h memoryHandle) Model() string { return h.model }
func (h memoryHandle) Close() error  { return nil }

// MemoryStager keeps residency bookkeeping in process. It backs the hash
// encoder and tests; nothing is actually moved.
type MemoryStager struct {
	mu       sync.Mutex
	known    map[string]bool
	resident map[string][]int
	log      zerolog.Logger

	hydrations int
	stages     int
}

// NewMemoryStager returns a stager that accepts the given models, or any
// model when none are listed.
func NewMemoryStager(log zerolog.Logger, models ...string) *MemoryStager {
	s := &MemoryStager{resident: make(map[string][]int), log: log}
	if len(models) > 0 {
		s.known = make(map[string]bool, len(models))
		for _, m := range models {
			s.known[m] = true
		}
	}
	return s
}

func (s *MemoryStager) Hydrate(ctx context.Context, model string, devices []int) (*Hydrated, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.known != nil && !s.known[model] {
		return nil, unknownModelError{model: model}
	}
	s.resident[model] = append([]int(nil), devices...)
	s.hydrations++
	s.log.Debug().Str("model", model).Ints("devices", devices).Msg("hydrated")
	return ForDevices(memoryHandle{model: model}, devices), nil
}

func (s *MemoryStager) StageToIdle(ctx context.Context, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resident[model]; !ok {
		return nil
	}
	delete(s.resident, model)
	s.stages++
	s.log.Debug().Str("model", model).Msg("staged to idle")
	return nil
}

// Resident lists models currently on devices, sorted.
func (s *MemoryStager) Resident() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.resident))
	for m := range s.resident {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Counts returns how many hydrations and stage-to-idle moves happened.
func (s *MemoryStager) Counts() (hydrations, stages int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hydrations, s.stages
}

// New builds the stager for a backend name. paths maps model names to
// files for backends that load from disk.
func New(backend string, paths map[string]string, opts Options, log zerolog.Logger) (Stager, error) {
	switch backend {
	case "", "hash":
		names := make([]string, 0, len(paths))
		for n := range paths {
			names = append(names, n)
		}
		return NewMemoryStager(log, names...), nil
	case "llama":
		return NewLlamaStager(paths, opts, log)
	case "onnx":
		return NewONNXStager(paths, opts, log)
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

// Backends reports which backends this binary was built with.
func Backends() map[string]bool {
	return map[string]bool{"hash": true, "llama": llamaBuilt, "onnx": onnxBuilt}
}

// Options tune the disk-backed stagers.
type Options struct {
	// ContextSize is the llama context length.
	ContextSize int
	// GPULayers offloads this many layers; 0 keeps the model on CPU.
	GPULayers int
	// ONNXLibraryPath points at the onnxruntime shared library.
	ONNXLibraryPath string
	// InputNames and OutputName describe the onnx graph.
	InputNames []string
	OutputName string
	// MaxTokens and Dims size onnx tensors per model.
	MaxTokens int
	Dims      map[string]int
}
