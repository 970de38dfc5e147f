//go:build !onnx

package encoder

import "ensembled/internal/staging"

// NewONNXEncoder reports that onnxruntime support was not compiled in.
func NewONNXEncoder() (Encoder, error) {
	return nil, staging.ErrDependencyUnavailable("onnx support not compiled in; rebuild with -tags onnx")
}
