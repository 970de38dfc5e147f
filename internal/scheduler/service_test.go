package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"ensembled/internal/encoder"
	"ensembled/internal/staging"
	"ensembled/internal/telemetry"
)

func newTestService(t *testing.T, enc encoder.Encoder, store *telemetry.Store) *Service {
	t.Helper()
	svc, err := NewService(ServiceOptions{
		Config:  twoModelConfig(),
		Stager:  staging.NewMemoryStager(zerolog.Nop()),
		Encoder: enc,
		Store:   store,
		Log:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestService_RunSyncRecordsSummary(t *testing.T) {
	svc := newTestService(t, encoder.NewHashEncoder(8, nil), nil)
	res, id, err := svc.RunSync(context.Background(), makeItems(4))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Embeddings.Rows() != 4 || id == "" {
		t.Fatalf("res rows=%d id=%q", res.Embeddings.Rows(), id)
	}
	st := svc.Status()
	if st.State != "idle" || st.Last == nil || st.Last.State != "completed" || st.Last.RunID != id {
		t.Fatalf("status = %+v", st)
	}
	if st.Last.Rows != 4 || len(st.Last.Models) != 2 || st.RunsTotal != 1 {
		t.Fatalf("last = %+v", st.Last)
	}
	if st.MemoryBackend != "none" || st.Backend != "hash" {
		t.Fatalf("backends = %q %q", st.Backend, st.MemoryBackend)
	}
	log, ok := svc.Telemetry()
	if !ok || log.RunID != id || len(log.Leases) != 4 {
		t.Fatalf("telemetry ok=%v log=%+v", ok, log)
	}
	if svc.LastResult() != res {
		t.Fatalf("last result not kept")
	}
}

func TestService_FailureIsReported(t *testing.T) {
	enc := encoder.NewHashEncoder(8, nil)
	enc.FailWith("modelB", errors.New("bad tokenizer"))
	svc := newTestService(t, enc, nil)
	if _, _, err := svc.RunSync(context.Background(), makeItems(2)); !IsEncodeFailure(err) {
		t.Fatalf("expected encode failure, got %v", err)
	}
	st := svc.Status()
	if st.Last.State != "failed" || st.Last.ErrorKind != string(KindEncode) || st.Last.ErrorModel != "modelB" {
		t.Fatalf("last = %+v", st.Last)
	}
	if st.FailuresTotal != 1 || svc.LastResult() != nil {
		t.Fatalf("failure accounting wrong: %+v", st)
	}
}

func TestService_RejectsConcurrentRuns(t *testing.T) {
	blk := &blockingEncoder{
		next:    encoder.NewHashEncoder(8, nil),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	svc := newTestService(t, blk, nil)
	id, err := svc.Start(context.Background(), makeItems(2))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-blk.entered

	_, err = svc.Start(context.Background(), makeItems(2))
	if !IsBusy(err) {
		t.Fatalf("expected busy, got %v", err)
	}
	var hs interface{ StatusCode() int }
	if !errors.As(err, &hs) || hs.StatusCode() != 409 {
		t.Fatalf("busy error should map to 409")
	}
	if st := svc.Status(); st.State != "running" || st.Current == nil || st.Current.RunID != id {
		t.Fatalf("status while running = %+v", st)
	}
	if _, ok := svc.Telemetry(); !ok {
		t.Fatalf("telemetry should be visible mid-run")
	}

	close(blk.release)
	svc.Close()
	st := svc.Status()
	if st.Last == nil || st.Last.RunID != id || st.Last.State != "completed" {
		t.Fatalf("status after close = %+v", st)
	}
}

func TestService_ClosedRejectsRuns(t *testing.T) {
	svc := newTestService(t, encoder.NewHashEncoder(8, nil), nil)
	svc.Close()
	if svc.Ready() {
		t.Fatalf("closed service reports ready")
	}
	if _, err := svc.Start(context.Background(), makeItems(1)); !IsBusy(err) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestService_ExportsTelemetry(t *testing.T) {
	store, err := telemetry.OpenStore(filepath.Join(t.TempDir(), "telemetry.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	svc := newTestService(t, encoder.NewHashEncoder(8, nil), store)
	_, id, err := svc.RunSync(context.Background(), makeItems(4))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	counts, err := store.EventCounts(context.Background(), id)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts["lease_events"] != 4 || counts["batch_progress"] != 4 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestService_DevicesWithoutBackend(t *testing.T) {
	svc := newTestService(t, encoder.NewHashEncoder(8, nil), nil)
	d := svc.Devices()
	if d.Backend != "none" || len(d.Devices) != 0 {
		t.Fatalf("devices = %+v", d)
	}
}

func TestNewService_InvalidConfig(t *testing.T) {
	_, err := NewService(ServiceOptions{Stager: staging.NewMemoryStager(zerolog.Nop()), Encoder: encoder.NewHashEncoder(4, nil)})
	if !errors.Is(err, ErrEmptyRoster) {
		t.Fatalf("expected empty roster, got %v", err)
	}
}
