//go:build llama

package staging

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"
	"github.com/rs/zerolog"
)

// llamaBuilt indicates this binary was compiled with real llama support.
const llamaBuilt = true

// LlamaHandle owns a loaded GGUF model with embeddings enabled.
type LlamaHandle struct {
	name    string
	LLama   *llama.LLama
	Devices []int
}

func (h *LlamaHandle) Model() string { return h.name }

func (h *LlamaHandle) Close() error {
	if h.LLama != nil {
		h.LLama.Free()
		h.LLama = nil
	}
	return nil
}

type llamaStager struct {
	mu     sync.Mutex
	paths  map[string]string
	opts   Options
	log    zerolog.Logger
	loaded map[string]*LlamaHandle
}

// NewLlamaStager loads models through go-llama.cpp. Idle storage is the
// model file on disk: staging to idle frees the runtime copy.
func NewLlamaStager(paths map[string]string, opts Options, log zerolog.Logger) (Stager, error) {
	return &llamaStager{paths: paths, opts: opts, log: log, loaded: make(map[string]*LlamaHandle)}, nil
}

func (s *llamaStager) modelOptions(devices []int) []llama.ModelOption {
	mo := []llama.ModelOption{llama.EnableEmbeddings}
	if s.opts.ContextSize > 0 {
		mo = append(mo, llama.SetContext(s.opts.ContextSize))
	}
	var gpus []int
	for _, d := range devices {
		if d >= 0 {
			gpus = append(gpus, d)
		}
	}
	if len(gpus) == 0 || s.opts.GPULayers <= 0 {
		return mo
	}
	mo = append(mo, llama.SetGPULayers(s.opts.GPULayers), llama.SetMainGPU(strconv.Itoa(gpus[0])))
	if len(gpus) > 1 {
		// even split across the leased devices
		parts := make([]string, len(gpus))
		for i := range parts {
			parts[i] = "1"
		}
		mo = append(mo, llama.SetTensorSplit(strings.Join(parts, ",")))
	}
	return mo
}

func (s *llamaStager) Hydrate(ctx context.Context, model string, devices []int) (*Hydrated, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.loaded[model]; ok {
		return ForDevices(h, h.Devices), nil
	}
	path := strings.TrimSpace(s.paths[model])
	if path == "" {
		return nil, unknownModelError{model: model}
	}
	m, err := llama.New(path, s.modelOptions(devices)...)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("llama: nil model for " + model)
	}
	h := &LlamaHandle{name: model, LLama: m, Devices: append([]int(nil), devices...)}
	s.loaded[model] = h
	s.log.Info().Str("model", model).Str("path", path).Ints("devices", devices).Msg("llama model hydrated")
	return ForDevices(h, devices), nil
}

func (s *llamaStager) StageToIdle(ctx context.Context, model string) error {
	s.mu.Lock()
	h, ok := s.loaded[model]
	delete(s.loaded, model)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	s.log.Info().Str("model", model).Msg("llama model staged to idle")
	return h.Close()
}
