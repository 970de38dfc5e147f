//go:build llama

package encoder

import (
	"context"

	"ensembled/internal/staging"
)

type llamaEncoder struct{}

// NewLlamaEncoder returns an encoder that drives staging.LlamaHandle
// models through the go-llama.cpp embeddings call.
func NewLlamaEncoder() (Encoder, error) { return llamaEncoder{}, nil }

func (llamaEncoder) Encode(ctx context.Context, m *staging.Hydrated, items []Item, opts Options) (Matrix, error) {
	h, ok := m.Handle().(*staging.LlamaHandle)
	if !ok || h.LLama == nil {
		return nil, backendMismatchError{want: "llama", got: m.Handle()}
	}
	out := make(Matrix, 0, len(items))
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := h.LLama.Embeddings(it.Text)
		if err != nil {
			return nil, ClassifyError(h.Model(), len(items), err)
		}
		normalizeL2(v)
		out = append(out, v)
	}
	return out, nil
}
