package telemetry

import (
	"context"
	"runtime"
	"sync"
	"time"

	"ensembled/internal/devmem"
)

const defaultSampleInterval = time.Second

// Sampler periodically reads device and process memory and hands samples
// to a Recorder. A producer goroutine polls and sends over a channel; a
// consumer goroutine drains the channel into the recorder. It never
// touches scheduler state.
type Sampler struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// StartSampler begins sampling devices every interval until Stop is called
// or ctx is canceled. One sample is taken immediately.
func StartSampler(ctx context.Context, c *devmem.Collector, devices []int, interval time.Duration, rec *Recorder) *Sampler {
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Sampler{cancel: cancel, done: make(chan struct{})}
	devs := append([]int(nil), devices...)
	ch := make(chan Sample, 16)

	go func() {
		defer close(ch)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case ch <- takeSample(c, devs):
			case <-ctx.Done():
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()

	go func() {
		defer close(s.done)
		for smp := range ch {
			rec.RecordSample(smp)
		}
	}()
	return s
}

// Stop cancels sampling and waits until every produced sample is recorded.
func (s *Sampler) Stop() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

func takeSample(c *devmem.Collector, devices []int) Sample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Sample{
		At:             time.Now(),
		Devices:        c.Collect(devices),
		HeapAllocBytes: ms.HeapAlloc,
		HeapSysBytes:   ms.HeapSys,
		Goroutines:     runtime.NumGoroutine(),
		NumGC:          ms.NumGC,
	}
}
