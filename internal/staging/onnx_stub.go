//go:build !onnx

package staging

import "github.com/rs/zerolog"

const onnxBuilt = false

// NewONNXStager reports that onnxruntime support was not compiled in.
func NewONNXStager(_ map[string]string, _ Options, _ zerolog.Logger) (Stager, error) {
	return nil, ErrDependencyUnavailable("onnx support not compiled in; rebuild with -tags onnx")
}
