package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ensembled/internal/devmem"
)

func TestSampler_RecordsUntilStopped(t *testing.T) {
	rec := NewRecorder("run", Limits{}, zerolog.Nop())
	c := devmem.NewCollector(nil, zerolog.Nop())
	s := StartSampler(context.Background(), c, []int{0}, 5*time.Millisecond, rec)
	time.Sleep(30 * time.Millisecond)
	s.Stop()
	s.Stop() // idempotent

	n := len(rec.Snapshot().Samples)
	if n == 0 {
		t.Fatalf("expected at least one sample")
	}
	smp := rec.Snapshot().Samples[0]
	if smp.HeapSysBytes == 0 || smp.Goroutines == 0 {
		t.Fatalf("process metrics missing: %+v", smp)
	}
	if len(smp.Devices) != 0 {
		t.Fatalf("no accelerator: expected empty device map, got %v", smp.Devices)
	}
	time.Sleep(20 * time.Millisecond)
	if after := len(rec.Snapshot().Samples); after != n {
		t.Fatalf("sampler kept running after Stop: %d -> %d", n, after)
	}
}

func TestSampler_StopsOnContextCancel(t *testing.T) {
	rec := NewRecorder("run", Limits{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	s := StartSampler(ctx, devmem.NewCollector(nil, zerolog.Nop()), nil, time.Hour, rec)
	cancel()
	done := make(chan struct{})
	go func() { s.Stop(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop did not return after cancel")
	}
}
