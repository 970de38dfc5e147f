//go:build onnx

package encoder

import (
	"context"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"ensembled/internal/staging"
)

type onnxEncoder struct{}

// NewONNXEncoder returns an encoder for staging.ONNXHandle sessions. Each
// submission becomes one batched Run with [batch, maxTokens] inputs.
func NewONNXEncoder() (Encoder, error) { return onnxEncoder{}, nil }

func (onnxEncoder) Encode(ctx context.Context, m *staging.Hydrated, items []Item, opts Options) (Matrix, error) {
	h, ok := m.Handle().(*staging.ONNXHandle)
	if !ok || h.Session == nil {
		return nil, backendMismatchError{want: "onnx", got: m.Handle()}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return Matrix{}, nil
	}
	n, t := len(items), h.MaxTokens
	ids := make([]int64, 0, n*t)
	mask := make([]int64, 0, n*t)
	types := make([]int64, 0, n*t)
	for _, it := range items {
		a, b, c := tokenize(it.Text, t)
		ids = append(ids, a...)
		mask = append(mask, b...)
		types = append(types, c...)
	}
	shape := ort.NewShape(int64(n), int64(t))
	var inputs []ort.ArbitraryTensor
	var destroy []interface{ Destroy() error }
	defer func() {
		for _, d := range destroy {
			_ = d.Destroy()
		}
	}()
	for i, data := range [][]int64{ids, mask, types} {
		if i >= len(h.InputNames) {
			break
		}
		tensor, err := ort.NewTensor(shape, data)
		if err != nil {
			return nil, fmt.Errorf("onnx input %s: %w", h.InputNames[i], err)
		}
		destroy = append(destroy, tensor)
		inputs = append(inputs, tensor)
	}
	out, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(n), int64(h.Dims)))
	if err != nil {
		return nil, ClassifyError(h.Model(), n, err)
	}
	destroy = append(destroy, out)
	if err := h.Session.Run(inputs, []ort.ArbitraryTensor{out}); err != nil {
		return nil, ClassifyError(h.Model(), n, err)
	}
	data := out.GetData()
	res := make(Matrix, n)
	for i := range res {
		row := make([]float32, h.Dims)
		copy(row, data[i*h.Dims:(i+1)*h.Dims])
		normalizeL2(row)
		res[i] = row
	}
	return res, nil
}
