package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ensembled/internal/encoder"
	"ensembled/internal/scheduler"
	"ensembled/internal/telemetry"
	"ensembled/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Status() types.StatusResponse
	Telemetry() (telemetry.Log, bool)
	Devices() types.DevicesResponse
	Start(ctx context.Context, items []encoder.Item) (string, error)
	RunSync(ctx context.Context, items []encoder.Item) (*scheduler.Result, string, error)
	Ready() bool
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			MaxAge:         300,
		}))
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	})

	r.Get("/telemetry", func(w http.ResponseWriter, r *http.Request) {
		l, ok := svc.Telemetry()
		if !ok {
			writeJSONError(w, http.StatusNotFound, "no rotation has run yet")
			return
		}
		writeJSON(w, http.StatusOK, l)
	})

	r.Get("/devices", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Devices())
	})

	r.Post("/rotations", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ct := r.Header.Get("Content-Type")
		if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req types.RunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			// If exceeded size, MaxBytesReader may cause an error; still return 400 to avoid size leak details
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if len(req.Items) == 0 {
			writeJSONError(w, http.StatusBadRequest, "items are required")
			return
		}
		items := make([]encoder.Item, len(req.Items))
		for i, it := range req.Items {
			items[i] = encoder.Item{ID: it.ID, Text: it.Text}
		}

		if wait := r.URL.Query().Get("wait"); wait == "1" || wait == "true" {
			runSync(w, r, svc, items, start)
			return
		}

		// The run outlives the request; only shutdown cancels it.
		id, err := svc.Start(serverBaseCtx, items)
		if err != nil {
			status := statusFor(err)
			if scheduler.IsBusy(err) {
				IncrementRejection("busy")
			}
			writeJSONError(w, status, err.Error())
			logRequestEnd(r, status, start, "", err)
			return
		}
		writeJSON(w, http.StatusAccepted, types.RunAccepted{RunID: id})
		logRequestEnd(r, http.StatusAccepted, start, id, nil)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("closing"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}

// runSync serves POST /rotations?wait=1. The run is canceled when either
// the client goes away or the server shuts down.
func runSync(w http.ResponseWriter, r *http.Request, svc Service, items []encoder.Item, start time.Time) {
	ctx, cancel := rotationContext(serverBaseCtx, r.Context())
	defer cancel()
	if runTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, time.Duration(runTimeout)*time.Second)
		defer tcancel()
	}
	_, id, err := svc.RunSync(ctx, items)
	if err != nil && r.Context().Err() != nil {
		// client disconnected
		return
	}
	if scheduler.IsBusy(err) {
		IncrementRejection("busy")
		writeJSONError(w, http.StatusConflict, err.Error())
		logRequestEnd(r, http.StatusConflict, start, "", err)
		return
	}
	if last := svc.Status().Last; last != nil && id != "" && last.RunID == id {
		status := http.StatusOK
		if err != nil {
			status = statusFor(err)
		}
		writeJSON(w, status, last)
		logRequestEnd(r, status, start, id, err)
		return
	}
	if err != nil {
		status := statusFor(err)
		writeJSONError(w, status, err.Error())
		logRequestEnd(r, status, start, id, err)
		return
	}
	writeJSON(w, http.StatusOK, types.RunAccepted{RunID: id})
	logRequestEnd(r, http.StatusOK, start, id, nil)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && zlog != nil {
		zlog.Warn().Err(err).Msg("encode response")
	}
}
