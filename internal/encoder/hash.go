package encoder

import (
	"context"
	"math"
	"sync"

	"ensembled/internal/staging"
)

const (
	defaultHashDims  = 384
	defaultCacheSize = 4096
)

// HashEncoder produces deterministic feature-hashed embeddings. Each model
// gets its own width and hash salt, so different models give different
// but reproducible vectors. A per-model row capacity simulates device
// memory: submissions with more rows than the capacity fail with an
// out-of-memory error. With the companion path on, each row costs double.
type HashEncoder struct {
	mu          sync.Mutex
	defaultDims int
	dims        map[string]int
	capacity    map[string]int
	failures    map[string]error
	calls       int
	cache       *vectorCache
}

// NewHashEncoder returns an encoder with per-model widths; models not in
// dims use defaultDims.
func NewHashEncoder(defaultDims int, dims map[string]int) *HashEncoder {
	if defaultDims <= 0 {
		defaultDims = defaultHashDims
	}
	d := make(map[string]int, len(dims))
	for k, v := range dims {
		d[k] = v
	}
	return &HashEncoder{
		defaultDims: defaultDims,
		dims:        d,
		capacity:    make(map[string]int),
		failures:    make(map[string]error),
		cache:       newVectorCache(defaultCacheSize),
	}
}

// SetCapacity limits the rows one submission for model may carry.
// Zero removes the limit.
func (e *HashEncoder) SetCapacity(model string, rows int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rows <= 0 {
		delete(e.capacity, model)
		return
	}
	e.capacity[model] = rows
}

// FailWith makes every submission for model return err.
func (e *HashEncoder) FailWith(model string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.failures, model)
		return
	}
	e.failures[model] = err
}

// Calls returns the number of Encode invocations.
func (e *HashEncoder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Dims returns the width used for model.
func (e *HashEncoder) Dims(model string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dimsLocked(model)
}

func (e *HashEncoder) dimsLocked(model string) int {
	if d, ok := e.dims[model]; ok && d > 0 {
		return d
	}
	return e.defaultDims
}

// ResetCache empties the row cache. It is registered as a collector flush
// hook so lease boundaries and mitigations start from a clean cache.
func (e *HashEncoder) ResetCache() { e.cache.Purge() }

func (e *HashEncoder) Encode(ctx context.Context, m *staging.Hydrated, items []Item, opts Options) (Matrix, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	model := m.Model()
	e.mu.Lock()
	e.calls++
	dims := e.dimsLocked(model)
	limit := e.capacity[model]
	fail := e.failures[model]
	e.mu.Unlock()

	if fail != nil {
		return nil, ClassifyError(model, len(items), fail)
	}
	cost := len(items)
	if opts.Companion {
		cost *= 2
	}
	if limit > 0 && cost > limit {
		return nil, OutOfMemory(model, len(items), nil)
	}

	out := make(Matrix, len(items))
	for i, it := range items {
		key := model + "\x00" + it.Text
		if v, ok := e.cache.get(key); ok {
			out[i] = append([]float32(nil), v...)
			continue
		}
		v := hashVector(model, it.Text, dims)
		e.cache.set(key, v)
		out[i] = append([]float32(nil), v...)
	}
	return out, nil
}

// hashVector feature-hashes the words of text into dims buckets, salted by
// model, and L2-normalizes the result. Empty text falls back to a
// sinusoid of the text hash.
func hashVector(model, text string, dims int) []float32 {
	v := make([]float32, dims)
	words := splitWords(text)
	for _, w := range words {
		h := hashString(model + ":" + w)
		sign := float32(1)
		if (h>>16)&1 == 1 {
			sign = -1
		}
		v[h%dims] += sign
	}
	if len(words) == 0 {
		h := hashString(model + ":" + text)
		for i := range v {
			v[i] = float32(math.Sin(float64(h*(i+1)))*0.1 + 0.01)
		}
	}
	normalizeL2(v)
	return v
}

func normalizeL2(x []float32) {
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(1 / math.Sqrt(sum))
	for i := range x {
		x[i] *= norm
	}
}
