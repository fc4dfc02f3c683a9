package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"landmarkd/internal/errs"
	"landmarkd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels() []types.ModelConfig
	Status() types.StatusResponse
	Ready() bool
	CheckAdmission(costMB int) types.AdmissionResponse
	LoadModel(ctx context.Context, t types.ModelType, opts types.InferenceOptions) (types.LoadResponse, error)
	UnloadModel(t types.ModelType) error
	SwitchModel(ctx context.Context, from, to types.ModelType, opts types.InferenceOptions) (types.LoadResponse, error)
	RunBatch(ctx context.Context, req types.BatchRequest, onProgress func(types.Progress)) (types.RunResponse, error)
	Jobs() []types.JobStatus
	Job(id string) (types.JobStatus, error)
	AbortJob(id string) error
	Performance(t types.ModelType) (types.PerformanceMetrics, error)
	Compare(ctx context.Context, resultIDs []string) (types.ComparisonRecord, error)
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			MaxAge:         300,
		}))
	}
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	h := &handlers{svc: svc}

	r.Get("/models", h.listModels)
	r.Post("/models/switch", h.switchModel)
	r.Post("/models/{type}/load", h.loadModel)
	r.Delete("/models/{type}", h.unloadModel)
	r.Get("/status", h.status)
	r.Get("/admission", h.admission)
	r.Post("/batches", h.runBatch)
	r.Get("/jobs", h.listJobs)
	r.Get("/jobs/{id}", h.getJob)
	r.Delete("/jobs/{id}", h.abortJob)
	r.Get("/performance/{type}", h.performance)
	r.Post("/compare", h.compare)

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
		_, _ = w.Write([]byte("shutting down"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}

type handlers struct {
	svc Service
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a JSON body into v. When optional is set an empty body is
// accepted and leaves v untouched. It writes the error response itself and
// reports whether the handler should continue.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	if optional && r.ContentLength == 0 {
		return true
	}
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	// Limit body size (configurable, default 1MiB)
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if optional && err == io.EOF {
			return true
		}
		// an oversized body also lands here; report it as a bad body
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func modelParam(w http.ResponseWriter, r *http.Request) (types.ModelType, bool) {
	t, err := types.ParseModelType(chi.URLParam(r, "type"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return t, true
}

func (h *handlers) listModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: h.svc.ListModels()})
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status())
}

func (h *handlers) admission(w http.ResponseWriter, r *http.Request) {
	cost, err := strconv.Atoi(r.URL.Query().Get("cost_mb"))
	if err != nil || cost < 0 {
		writeJSONError(w, http.StatusBadRequest, "cost_mb must be a non-negative integer")
		return
	}
	writeJSON(w, http.StatusOK, h.svc.CheckAdmission(cost))
}

func (h *handlers) loadModel(w http.ResponseWriter, r *http.Request) {
	t, ok := modelParam(w, r)
	if !ok {
		return
	}
	var req types.LoadRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}
	start := time.Now()
	resp, err := h.svc.LoadModel(r.Context(), t, req.Options)
	lvl := requestLogLevel(r)
	if err != nil {
		status := writeError(w, err)
		logRequest(r, lvl, "load", status, err, map[string]any{"model": string(t)})
		return
	}
	logRequest(r, lvl, "load", http.StatusOK, nil, map[string]any{"model": string(t), "dur": time.Since(start).String()})
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) unloadModel(w http.ResponseWriter, r *http.Request) {
	t, ok := modelParam(w, r)
	if !ok {
		return
	}
	if err := h.svc.UnloadModel(t); err != nil {
		status := writeError(w, err)
		logRequest(r, requestLogLevel(r), "unload", status, err, map[string]any{"model": string(t)})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) switchModel(w http.ResponseWriter, r *http.Request) {
	var req types.SwitchRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if !req.From.Valid() || !req.To.Valid() {
		writeJSONError(w, http.StatusBadRequest, "from and to must be one of pose|hand|face|holistic")
		return
	}
	resp, err := h.svc.SwitchModel(r.Context(), req.From, req.To, req.Options)
	if err != nil {
		status := writeError(w, err)
		logRequest(r, requestLogLevel(r), "switch", status, err, map[string]any{"from": string(req.From), "to": string(req.To)})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// runBatch streams NDJSON: one types.Progress per line, then a final
// types.RunResponse line. Errors before the first line get a regular JSON
// error response; later errors become an ErrorResponse line.
func (h *handlers) runBatch(w http.ResponseWriter, r *http.Request) {
	var req types.BatchRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.VideoPath) == "" {
		writeJSONError(w, http.StatusBadRequest, "video_path is required")
		return
	}
	if len(req.ModelTypes) == 0 {
		writeJSONError(w, http.StatusBadRequest, "model_types is required")
		return
	}

	var flush func()
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	writer := io.Writer(w)
	lvl := requestLogLevel(r)
	if lvl >= LevelDebug {
		writer = io.MultiWriter(w, &loggingLineWriter{})
	}
	enc := json.NewEncoder(writer)
	started := false
	emit := func(kind string, v any) {
		if !started {
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		_ = enc.Encode(v)
		if flush != nil {
			flush()
		}
		streamLinesTotal.WithLabelValues(kind).Inc()
	}

	// Join server base context with request context so shutdown cancels work too.
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	if batchTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, batchTimeout)
		defer tcancel()
	}
	start := time.Now()
	resp, err := h.svc.RunBatch(ctx, req, func(p types.Progress) { emit("progress", p) })
	if err != nil {
		// If the client went away there is nobody to tell.
		if r.Context().Err() != nil {
			return
		}
		body := errorResponse(err)
		if started {
			emit("error", body)
		} else {
			writeError(w, err)
		}
		logRequest(r, lvl, "batch", body.Code, err, nil)
		return
	}
	emit("result", resp)
	logRequest(r, lvl, "batch", http.StatusOK, nil, map[string]any{
		"run_id": resp.RunID, "models": len(resp.Results), "dur": time.Since(start).String(),
	})
}

func (h *handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": h.svc.Jobs()})
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	js, err := h.svc.Job(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, js)
}

func (h *handlers) abortJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.AbortJob(id); err != nil {
		writeError(w, err)
		return
	}
	logRequest(r, requestLogLevel(r), "abort", http.StatusAccepted, nil, map[string]any{"job_id": id})
	w.WriteHeader(http.StatusAccepted)
}

func (h *handlers) performance(w http.ResponseWriter, r *http.Request) {
	t, ok := modelParam(w, r)
	if !ok {
		return
	}
	m, err := h.svc.Performance(t)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *handlers) compare(w http.ResponseWriter, r *http.Request) {
	var req types.CompareRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	rec, err := h.svc.Compare(r.Context(), req.ResultIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ensure the taxonomy type satisfies HTTPError
var _ HTTPError = (*errs.Error)(nil)
