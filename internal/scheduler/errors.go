package scheduler

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a fatal run error.
type ErrorKind string

const (
	KindHydration    ErrorKind = "hydration_failure"
	KindOOMExhausted ErrorKind = "oom_exhausted"
	KindEncode       ErrorKind = "encode_failure"
	KindCanceled     ErrorKind = "canceled"
	KindShape        ErrorKind = "shape_mismatch"
)

// RunError is a fatal failure that aborted a rotation. It names the model
// and the last known primary batch size.
type RunError struct {
	Model     string
	BatchSize int
	Kind      ErrorKind
	Err       error
}

func (e *RunError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: model %s (batch %d)", e.Kind, e.Model, e.BatchSize)
	}
	return fmt.Sprintf("%s: model %s (batch %d): %v", e.Kind, e.Model, e.BatchSize, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

func kindOf(err error) ErrorKind {
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// IsHydrationFailure reports whether a model could not be hydrated.
func IsHydrationFailure(err error) bool { return kindOf(err) == KindHydration }

// IsOOMExhausted reports whether out-of-memory recovery ran out of options.
func IsOOMExhausted(err error) bool { return kindOf(err) == KindOOMExhausted }

// IsEncodeFailure reports a non-memory encode error or a bad encoder result.
func IsEncodeFailure(err error) bool { return kindOf(err) == KindEncode }

// IsCanceled reports whether the run stopped on context cancellation.
func IsCanceled(err error) bool { return kindOf(err) == KindCanceled }

// errNoHandle is used when a stager returns neither a model nor an error.
var errNoHandle = errors.New("stager returned no model handle")

// ErrEmptyRoster is returned when no model is configured.
var ErrEmptyRoster = errors.New("scheduler: empty model roster")

// busyError signals that a run is already in progress (HTTP 409).
type busyError struct{ runID string }

func (e busyError) Error() string { return "rotation already in progress: " + e.runID }

// StatusCode maps to HTTP 409 Conflict.
func (e busyError) StatusCode() int { return 409 }

// IsBusy reports whether err is a run-in-progress rejection.
func IsBusy(err error) bool {
	var b busyError
	return errors.As(err, &b)
}

// ErrRunInProgress constructs the rejection returned while runID is active.
func ErrRunInProgress(runID string) error { return busyError{runID: runID} }
