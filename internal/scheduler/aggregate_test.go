package scheduler

import (
	"errors"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"ensembled/internal/encoder"
	"ensembled/internal/telemetry"
)

func TestAggregate_WeightedAverage(t *testing.T) {
	outputs := map[string]encoder.Matrix{
		"a": {{1, 0}, {2, 2}},
		"b": {{0, 1}, {2, 2}},
	}
	out, info, err := Aggregate([]string{"a", "b"}, outputs, AggregateOptions{Weights: map[string]float64{"a": 3, "b": 1}})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	want := encoder.Matrix{{0.75, 0.25}, {2, 2}}
	if !reflect.DeepEqual(out, want) {
		t.Fatalf("out = %v, want %v", out, want)
	}
	if info.Weights["a"] != 0.75 || info.Weights["b"] != 0.25 || info.Dims != 2 {
		t.Fatalf("info = %+v", info)
	}
}

func TestAggregate_PadsNarrowModels(t *testing.T) {
	rec := telemetry.NewRecorder("agg", telemetry.Limits{}, zerolog.Nop())
	outputs := map[string]encoder.Matrix{
		"a": {{1, 1}},
		"b": {{1, 1, 1}},
	}
	out, info, err := Aggregate([]string{"a", "b"}, outputs, AggregateOptions{Sink: rec})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if info.Dims != 3 || !reflect.DeepEqual(out, encoder.Matrix{{1, 1, 0.5}}) {
		t.Fatalf("out = %v dims=%d", out, info.Dims)
	}
	rots := rec.Snapshot().Rotations
	if len(rots) != 2 {
		t.Fatalf("rotations = %+v", rots)
	}
	adj := rots[0]
	if adj.Kind != telemetry.RotationDimensionAdjusted || adj.Model != "a" || adj.Detail["action"] != "pad" {
		t.Fatalf("adjustment = %+v", adj)
	}
	if rots[1].Kind != telemetry.RotationAggregated {
		t.Fatalf("last event = %+v", rots[1])
	}
}

func TestAggregate_TruncatesToTarget(t *testing.T) {
	rec := telemetry.NewRecorder("agg", telemetry.Limits{}, zerolog.Nop())
	outputs := map[string]encoder.Matrix{
		"a": {{1, 4}},
		"b": {{3, 8, 9}},
	}
	out, _, err := Aggregate([]string{"a", "b"}, outputs, AggregateOptions{TargetDim: 1, Sink: rec})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if !reflect.DeepEqual(out, encoder.Matrix{{2}}) {
		t.Fatalf("out = %v", out)
	}
	adjusted := 0
	for _, r := range rec.Snapshot().Rotations {
		if r.Kind == telemetry.RotationDimensionAdjusted {
			adjusted++
			if r.Detail["action"] != "truncate" {
				t.Fatalf("detail = %v", r.Detail)
			}
		}
	}
	if adjusted != 2 {
		t.Fatalf("expected 2 adjustments, got %d", adjusted)
	}
}

func TestAggregate_RowMismatch(t *testing.T) {
	outputs := map[string]encoder.Matrix{
		"a": {{1}, {1}},
		"b": {{1}},
	}
	_, _, err := Aggregate([]string{"a", "b"}, outputs, AggregateOptions{})
	var re *RunError
	if !errors.As(err, &re) || re.Kind != KindShape || re.Model != "b" {
		t.Fatalf("expected shape mismatch on b, got %v", err)
	}
}

func TestAggregate_SingleModelPassesThrough(t *testing.T) {
	m := encoder.Matrix{{0.1, 0.2}}
	out, info, err := Aggregate([]string{"a"}, map[string]encoder.Matrix{"a": m}, AggregateOptions{TargetDim: 8})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if !reflect.DeepEqual(out, m) || info.Dims != 2 || info.Weights["a"] != 1 {
		t.Fatalf("out=%v info=%+v", out, info)
	}
}

func TestNormalizeWeights(t *testing.T) {
	got := normalizeWeights([]string{"a", "b", "c"}, map[string]float64{"a": -2, "c": 2})
	want := map[string]float64{"a": 0.25, "b": 0.25, "c": 0.5}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("weights = %v", got)
	}
}
