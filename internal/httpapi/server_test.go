package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"ensembled/internal/encoder"
	"ensembled/internal/scheduler"
	"ensembled/internal/staging"
	"ensembled/internal/telemetry"
	"ensembled/pkg/types"
)

type mockService struct {
	mu       sync.Mutex
	status   types.StatusResponse
	log      *telemetry.Log
	devices  types.DevicesResponse
	ready    bool
	startErr error
	runErr   error
	started  [][]encoder.Item
	startCtx context.Context
}

func (m *mockService) Status() types.StatusResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *mockService) Telemetry() (telemetry.Log, bool) {
	if m.log == nil {
		return telemetry.Log{}, false
	}
	return *m.log, true
}

func (m *mockService) Devices() types.DevicesResponse { return m.devices }
func (m *mockService) Ready() bool                    { return m.ready }

func (m *mockService) Start(ctx context.Context, items []encoder.Item) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return "", m.startErr
	}
	m.started = append(m.started, items)
	m.startCtx = ctx
	return "run-1", nil
}

func (m *mockService) RunSync(ctx context.Context, items []encoder.Item) (*scheduler.Result, string, error) {
	if m.startErr != nil {
		return nil, "", m.startErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	state := "completed"
	var errMsg string
	if m.runErr != nil {
		state, errMsg = "failed", m.runErr.Error()
	}
	m.status.Last = &types.RunSummary{RunID: "run-sync", State: state, Items: len(items), Error: errMsg}
	if m.runErr != nil {
		return nil, "run-sync", m.runErr
	}
	return &scheduler.Result{}, "run-sync", nil
}

type mockHTTPError struct {
	msg  string
	code int
}

func (e mockHTTPError) Error() string   { return e.msg }
func (e mockHTTPError) StatusCode() int { return e.code }

func postRotation(t *testing.T, h http.Handler, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

const twoItems = `{"items":[{"id":"a","text":"first"},{"id":"b","text":"second"}]}`

func TestStatusHandler(t *testing.T) {
	svc := &mockService{status: types.StatusResponse{State: "idle", Roster: []string{"m1", "m2"}}}
	r := NewMux(svc)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%s", ct)
	}
	var body types.StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.State != "idle" || len(body.Roster) != 2 {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestTelemetryHandler(t *testing.T) {
	svc := &mockService{}
	r := NewMux(svc)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/telemetry", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any run, got %d", w.Code)
	}

	svc.log = &telemetry.Log{
		RunID:  "run-1",
		Leases: []telemetry.LeaseEvent{{Seq: 1, Action: telemetry.LeaseAcquired, Model: "m1"}},
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/telemetry", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var body telemetry.Log
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.RunID != "run-1" || len(body.Leases) != 1 || body.Leases[0].Action != telemetry.LeaseAcquired {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestDevicesHandler(t *testing.T) {
	svc := &mockService{devices: types.DevicesResponse{Backend: "nvml", Devices: []types.DeviceInfo{{Device: 0, TotalBytes: 1 << 30}}}}
	r := NewMux(svc)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/devices", nil))
	var body types.DevicesResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.Backend != "nvml" || len(body.Devices) != 1 || body.Devices[0].TotalBytes != 1<<30 {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestRotationAccepted(t *testing.T) {
	svc := &mockService{}
	w := postRotation(t, NewMux(svc), "/rotations", twoItems)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var body types.RunAccepted
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.RunID != "run-1" {
		t.Fatalf("run id = %q", body.RunID)
	}
	if len(svc.started) != 1 || len(svc.started[0]) != 2 || svc.started[0][1].ID != "b" {
		t.Fatalf("items not forwarded: %+v", svc.started)
	}
	if svc.startCtx != serverBaseCtx {
		t.Fatalf("async runs must not be tied to the request context")
	}
}

func TestRotationBusyMaps409(t *testing.T) {
	svc := &mockService{startErr: scheduler.ErrRunInProgress("run-0")}
	w := postRotation(t, NewMux(svc), "/rotations", twoItems)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	var body types.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.Code != http.StatusConflict || !strings.Contains(body.Error, "run-0") {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestRotationHTTPErrorMapping(t *testing.T) {
	svc := &mockService{startErr: mockHTTPError{msg: "too busy", code: http.StatusTooManyRequests}}
	w := postRotation(t, NewMux(svc), "/rotations", twoItems)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestRotationDependencyUnavailableMaps503(t *testing.T) {
	svc := &mockService{startErr: staging.ErrDependencyUnavailable("onnx support not built")}
	w := postRotation(t, NewMux(svc), "/rotations", twoItems)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestRotationGenericErrorMaps500(t *testing.T) {
	svc := &mockService{startErr: errors.New("boom")}
	w := postRotation(t, NewMux(svc), "/rotations", twoItems)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestRotationBadJSON(t *testing.T) {
	w := postRotation(t, NewMux(&mockService{}), "/rotations", "not-json")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestRotationItemsRequired(t *testing.T) {
	w := postRotation(t, NewMux(&mockService{}), "/rotations", `{"items":[]}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty items, got %d", w.Code)
	}
}

func TestRotationUnsupportedMediaType(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/rotations", bytes.NewBufferString(twoItems))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	NewMux(&mockService{}).ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestRotationBodyTooLarge(t *testing.T) {
	SetMaxBodyBytes(64)
	defer SetMaxBodyBytes(0)
	w := postRotation(t, NewMux(&mockService{}), "/rotations", `{"items":[{"text":"`+strings.Repeat("a", 200)+`"}]}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for too-large body, got %d", w.Code)
	}
}

func TestRotationWaitReturnsSummary(t *testing.T) {
	svc := &mockService{}
	w := postRotation(t, NewMux(svc), "/rotations?wait=1", twoItems)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var body types.RunSummary
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.RunID != "run-sync" || body.State != "completed" || body.Items != 2 {
		t.Fatalf("unexpected summary: %+v", body)
	}
}

func TestRotationWaitFailureCarriesSummary(t *testing.T) {
	svc := &mockService{runErr: &scheduler.RunError{Model: "m2", BatchSize: 1, Kind: scheduler.KindOOMExhausted}}
	w := postRotation(t, NewMux(svc), "/rotations?wait=true", twoItems)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
	var body types.RunSummary
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.State != "failed" || !strings.Contains(body.Error, "oom_exhausted") {
		t.Fatalf("unexpected summary: %+v", body)
	}
}

func TestRotationWaitBusy(t *testing.T) {
	svc := &mockService{startErr: scheduler.ErrRunInProgress("run-0")}
	w := postRotation(t, NewMux(svc), "/rotations?wait=1", twoItems)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestReadyz(t *testing.T) {
	r := NewMux(&mockService{ready: true})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestReadyz_NotReady(t *testing.T) {
	r := NewMux(&mockService{ready: false})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "closing") {
		t.Fatalf("body=%q", w.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	r := NewMux(&mockService{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	r := NewMux(&mockService{})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/status", nil))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `ensembled_http_requests_total{method="GET",path="/status"`) {
		t.Fatalf("request metrics missing route label")
	}
}

func TestCORSPreflight(t *testing.T) {
	SetCORSOptions(true, []string{"https://dash.example"}, []string{"GET", "POST"}, []string{"Content-Type"})
	defer SetCORSOptions(false, nil, nil, nil)
	r := NewMux(&mockService{})
	req := httptest.NewRequest(http.MethodOptions, "/rotations", nil)
	req.Header.Set("Origin", "https://dash.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://dash.example" {
		t.Fatalf("allow-origin=%q status=%d", got, w.Code)
	}
}
