package scheduler

import (
	"fmt"

	"ensembled/internal/encoder"
	"ensembled/internal/telemetry"
)

// AggregateOptions tune Aggregate.
type AggregateOptions struct {
	// Weights per model before normalization; missing or non-positive
	// entries count as 1.
	Weights map[string]float64
	// TargetDim fixes the output width; zero uses the widest matrix.
	TargetDim int
	// Sink receives dimension adjustments and the final aggregation event.
	Sink telemetry.Sink
}

// AggregateInfo describes how Aggregate combined its inputs.
type AggregateInfo struct {
	Weights map[string]float64
	Dims    int
}

// Aggregate blends per-model matrices, in order, into one. A single model
// is returned as is. Otherwise every matrix must have the same row count;
// widths are zero-padded or truncated to the target width, each
// adjustment is recorded, and rows are combined as a weighted average with
// weights normalized to sum to 1.
func Aggregate(order []string, outputs map[string]encoder.Matrix, opts AggregateOptions) (encoder.Matrix, AggregateInfo, error) {
	sink := opts.Sink
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	if len(order) == 0 {
		return nil, AggregateInfo{}, ErrEmptyRoster
	}
	if len(order) == 1 {
		m := outputs[order[0]]
		info := AggregateInfo{Weights: map[string]float64{order[0]: 1}, Dims: m.Dims()}
		sink.RecordRotation(aggregatedEvent(order, m.Rows(), info.Dims))
		return m, info, nil
	}

	rows := outputs[order[0]].Rows()
	target := opts.TargetDim
	for _, name := range order {
		m := outputs[name]
		if m.Rows() != rows {
			return nil, AggregateInfo{}, &RunError{
				Model: name,
				Kind:  KindShape,
				Err:   fmt.Errorf("%d rows, expected %d", m.Rows(), rows),
			}
		}
		if opts.TargetDim <= 0 && m.Dims() > target {
			target = m.Dims()
		}
	}

	weights := normalizeWeights(order, opts.Weights)
	out := make(encoder.Matrix, rows)
	for r := range out {
		out[r] = make([]float32, target)
	}
	for _, name := range order {
		m := outputs[name]
		if d := m.Dims(); d != target {
			action := "pad"
			if d > target {
				action = "truncate"
			}
			sink.RecordRotation(telemetry.RotationEvent{
				Kind:   telemetry.RotationDimensionAdjusted,
				Model:  name,
				Detail: map[string]any{"from": d, "to": target, "action": action},
			})
		}
		w := float32(weights[name])
		for r, row := range m {
			n := len(row)
			if n > target {
				n = target
			}
			dst := out[r]
			for c := 0; c < n; c++ {
				dst[c] += w * row[c]
			}
		}
	}
	info := AggregateInfo{Weights: weights, Dims: target}
	sink.RecordRotation(aggregatedEvent(order, rows, target))
	return out, info, nil
}

func aggregatedEvent(order []string, rows, dims int) telemetry.RotationEvent {
	return telemetry.RotationEvent{
		Kind:   telemetry.RotationAggregated,
		Status: telemetry.StatusCompleted,
		Detail: map[string]any{"models": append([]string(nil), order...), "rows": rows, "dims": dims},
	}
}

func normalizeWeights(order []string, raw map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(order))
	var total float64
	for _, name := range order {
		w := raw[name]
		if w <= 0 {
			w = 1
		}
		out[name] = w
		total += w
	}
	for name := range out {
		out[name] /= total
	}
	return out
}
