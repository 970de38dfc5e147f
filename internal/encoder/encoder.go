// Package encoder is the opaque numeric work the scheduler drives: it turns
// a slice of work items into an embedding matrix for a hydrated model.
// Backends report device memory exhaustion as a typed out-of-memory error
// so the scheduler can shrink and retry; any other error is fatal.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ensembled/internal/staging"
)

// Item is one unit of work.
type Item struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Matrix holds one embedding row per item.
type Matrix [][]float32

// Rows returns the row count.
func (m Matrix) Rows() int { return len(m) }

// Dims returns the width of the widest row.
func (m Matrix) Dims() int {
	w := 0
	for _, r := range m {
		if len(r) > w {
			w = len(r)
		}
	}
	return w
}

// Options describe one submission.
type Options struct {
	BatchSize int
	Device    int
	Companion bool
}

// Encoder encodes items with a hydrated model.
type Encoder interface {
	Encode(ctx context.Context, m *staging.Hydrated, items []Item, opts Options) (Matrix, error)
}

// ErrOutOfMemory is matched by every out-of-memory error from this package.
var ErrOutOfMemory = errors.New("out of memory")

// oomError carries the submission that ran out of memory.
type oomError struct {
	model string
	batch int
	cause error
}

func (e *oomError) Error() string {
	msg := fmt.Sprintf("out of memory: model %s batch %d", e.model, e.batch)
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *oomError) Unwrap() error { return e.cause }

func (e *oomError) Is(target error) bool { return target == ErrOutOfMemory }

// OutOfMemory builds an out-of-memory error.
func OutOfMemory(model string, batch int, cause error) error {
	return &oomError{model: model, batch: batch, cause: cause}
}

// IsOutOfMemory reports whether err signals device memory exhaustion.
func IsOutOfMemory(err error) bool {
	return err != nil && errors.Is(err, ErrOutOfMemory)
}

// Runtime messages that mean allocation failure on the device.
var oomMarkers = []string{
	"out of memory",
	"cuda error 2",
	"cudamalloc failed",
	"cublas_status_alloc_failed",
	"failed to allocate",
	"ggml_cuda_pool_malloc",
}

// ClassifyError translates a backend error into an out-of-memory error
// when its message matches a known allocation failure. Other errors are
// returned unchanged.
func ClassifyError(model string, batch int, err error) error {
	if err == nil || IsOutOfMemory(err) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, m := range oomMarkers {
		if strings.Contains(msg, m) {
			return OutOfMemory(model, batch, err)
		}
	}
	return err
}

// backendMismatchError signals a handle the encoder cannot drive.
type backendMismatchError struct {
	want string
	got  staging.Handle
}

func (e backendMismatchError) Error() string {
	return fmt.Sprintf("encoder: expected %s handle, got %T", e.want, e.got)
}
