//go:build !llama

package encoder

import "ensembled/internal/staging"

// NewLlamaEncoder reports that llama support was not compiled in.
func NewLlamaEncoder() (Encoder, error) {
	return nil, staging.ErrDependencyUnavailable("llama support not compiled in; rebuild with -tags llama")
}
