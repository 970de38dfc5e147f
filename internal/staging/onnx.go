//go:build onnx

package staging

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	ort "github.com/yalue/onnxruntime_go"
)

const onnxBuilt = true

var (
	ortOnce    sync.Once
	ortInitErr error
)

// Default graph layout for BERT-style sentence encoders.
var defaultONNXInputs = []string{"input_ids", "attention_mask", "token_type_ids"}

const (
	defaultONNXOutput    = "output"
	defaultONNXMaxTokens = 256
	defaultONNXDims      = 384
)

// ONNXHandle owns an onnxruntime session bound to one device.
type ONNXHandle struct {
	name       string
	Session    *ort.DynamicAdvancedSession
	InputNames []string
	OutputName string
	Dims       int
	MaxTokens  int
	Device     int
}

func (h *ONNXHandle) Model() string { return h.name }

func (h *ONNXHandle) Close() error {
	if h.Session == nil {
		return nil
	}
	err := h.Session.Destroy()
	h.Session = nil
	return err
}

type onnxStager struct {
	mu     sync.Mutex
	paths  map[string]string
	opts   Options
	log    zerolog.Logger
	loaded map[string]*ONNXHandle
}

// NewONNXStager initializes onnxruntime once and returns a stager that
// opens one session per model, with the CUDA execution provider on the
// primary leased device.
func NewONNXStager(paths map[string]string, opts Options, log zerolog.Logger) (Stager, error) {
	ortOnce.Do(func() {
		if opts.ONNXLibraryPath != "" {
			ort.SetSharedLibraryPath(opts.ONNXLibraryPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, ErrDependencyUnavailable(fmt.Sprintf("onnxruntime init: %v", ortInitErr))
	}
	if len(opts.InputNames) == 0 {
		opts.InputNames = defaultONNXInputs
	}
	if opts.OutputName == "" {
		opts.OutputName = defaultONNXOutput
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultONNXMaxTokens
	}
	return &onnxStager{paths: paths, opts: opts, log: log, loaded: make(map[string]*ONNXHandle)}, nil
}

func (s *onnxStager) sessionOptions(device int) (*ort.SessionOptions, error) {
	so, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	if device < 0 {
		return so, nil
	}
	cuda, err := ort.NewCUDAProviderOptions()
	if err != nil {
		_ = so.Destroy()
		return nil, err
	}
	defer cuda.Destroy()
	if err := cuda.Update(map[string]string{"device_id": strconv.Itoa(device)}); err != nil {
		_ = so.Destroy()
		return nil, err
	}
	if err := so.AppendExecutionProviderCUDA(cuda); err != nil {
		_ = so.Destroy()
		return nil, err
	}
	return so, nil
}

func (s *onnxStager) Hydrate(ctx context.Context, model string, devices []int) (*Hydrated, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// A session binds a single device, so multi-device leases run on the
	// primary one.
	want := firstOr(devices, CPUDevice)
	if h, ok := s.loaded[model]; ok && h.Device == want {
		return SingleDevice(h, h.Device), nil
	}
	path := strings.TrimSpace(s.paths[model])
	if path == "" {
		return nil, unknownModelError{model: model}
	}
	so, err := s.sessionOptions(want)
	if err != nil {
		return nil, fmt.Errorf("onnx session options: %w", err)
	}
	defer so.Destroy()
	sess, err := ort.NewDynamicAdvancedSession(path, s.opts.InputNames, []string{s.opts.OutputName}, so)
	if err != nil {
		return nil, fmt.Errorf("onnx session %s: %w", model, err)
	}
	dims := s.opts.Dims[model]
	if dims <= 0 {
		dims = defaultONNXDims
	}
	h := &ONNXHandle{
		name:       model,
		Session:    sess,
		InputNames: s.opts.InputNames,
		OutputName: s.opts.OutputName,
		Dims:       dims,
		MaxTokens:  s.opts.MaxTokens,
		Device:     want,
	}
	if old, ok := s.loaded[model]; ok {
		_ = old.Close()
	}
	s.loaded[model] = h
	s.log.Info().Str("model", model).Int("device", want).Msg("onnx session hydrated")
	return SingleDevice(h, want), nil
}

func (s *onnxStager) StageToIdle(ctx context.Context, model string) error {
	s.mu.Lock()
	h, ok := s.loaded[model]
	delete(s.loaded, model)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return h.Close()
}
