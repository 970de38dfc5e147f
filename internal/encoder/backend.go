package encoder

import "fmt"

// New returns the encoder for a backend name. The hash backend uses
// defaultDims and dims; the disk-backed backends read widths from their
// handles.
func New(backend string, defaultDims int, dims map[string]int) (Encoder, error) {
	switch backend {
	case "", "hash":
		return NewHashEncoder(defaultDims, dims), nil
	case "llama":
		return NewLlamaEncoder()
	case "onnx":
		return NewONNXEncoder()
	default:
		return nil, fmt.Errorf("unknown encoder backend %q", backend)
	}
}
