//go:build !llama

package staging

import "github.com/rs/zerolog"

// llamaBuilt is false when the binary is compiled without the llama tag.
const llamaBuilt = false

// NewLlamaStager reports that llama support was not compiled in.
func NewLlamaStager(_ map[string]string, _ Options, _ zerolog.Logger) (Stager, error) {
	return nil, ErrDependencyUnavailable("llama support not compiled in; rebuild with -tags llama")
}
