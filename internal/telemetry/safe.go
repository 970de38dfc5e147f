package telemetry

import "github.com/rs/zerolog"

// safeSink shields callers from a misbehaving sink: a panic inside the
// wrapped sink is logged and swallowed.
type safeSink struct {
	next Sink
	log  zerolog.Logger
}

// Safe wraps s so that sink failures never propagate to the caller.
// A nil s yields NopSink.
func Safe(s Sink, log zerolog.Logger) Sink {
	if s == nil {
		return NopSink{}
	}
	if _, ok := s.(safeSink); ok {
		return s
	}
	return safeSink{next: s, log: log}
}

func (s safeSink) guard(kind string) {
	if r := recover(); r != nil {
		s.log.Error().Str("event", kind).Interface("panic", r).Msg("telemetry sink panicked; event lost")
	}
}

func (s safeSink) RecordLease(e LeaseEvent) {
	defer s.guard("lease")
	s.next.RecordLease(e)
}

func (s safeSink) RecordRotation(e RotationEvent) {
	defer s.guard("rotation")
	s.next.RecordRotation(e)
}

func (s safeSink) RecordMitigation(e MitigationEvent) {
	defer s.guard("mitigation")
	s.next.RecordMitigation(e)
}

func (s safeSink) RecordBatchProgress(e BatchProgressEvent) {
	defer s.guard("batch")
	s.next.RecordBatchProgress(e)
}
