package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"landmarkd/internal/errs"
	"landmarkd/pkg/types"
)

type mockService struct {
	models   []types.ModelConfig
	status   types.StatusResponse
	ready    bool
	batchErr error
	// midErr fails the batch after progress was streamed
	midErr   error
	loadErr  error
	unloaded []types.ModelType
	aborted  []string
	jobs     map[string]types.JobStatus
	compared []string
}

func (m *mockService) ListModels() []types.ModelConfig {
	return append([]types.ModelConfig(nil), m.models...)
}
func (m *mockService) Status() types.StatusResponse { return m.status }
func (m *mockService) Ready() bool                  { return m.ready }
func (m *mockService) CheckAdmission(costMB int) types.AdmissionResponse {
	return types.AdmissionResponse{Allowed: costMB <= 100, RequestedMB: costMB, ThresholdMB: 100}
}
func (m *mockService) LoadModel(ctx context.Context, t types.ModelType, opts types.InferenceOptions) (types.LoadResponse, error) {
	if m.loadErr != nil {
		return types.LoadResponse{}, m.loadErr
	}
	return types.LoadResponse{ModelType: t, Success: true, MemoryUsedMB: 64}, nil
}
func (m *mockService) UnloadModel(t types.ModelType) error {
	m.unloaded = append(m.unloaded, t)
	return m.loadErr
}
func (m *mockService) SwitchModel(ctx context.Context, from, to types.ModelType, opts types.InferenceOptions) (types.LoadResponse, error) {
	return types.LoadResponse{ModelType: to, Success: true}, nil
}
func (m *mockService) RunBatch(ctx context.Context, req types.BatchRequest, onProgress func(types.Progress)) (types.RunResponse, error) {
	if m.batchErr != nil {
		return types.RunResponse{}, m.batchErr
	}
	onProgress(types.Progress{Phase: types.JobExtracting, Progress: 0.1, CurrentStep: "extracting frames"})
	onProgress(types.Progress{Phase: types.JobProcessing, Progress: 0.5, CurrentStep: "frame 1 of 2"})
	if m.midErr != nil {
		return types.RunResponse{}, m.midErr
	}
	return types.RunResponse{Done: true, RunID: "run-1", Results: []types.BatchProcessingResult{
		{JobID: "j1", ModelType: req.ModelTypes[0], State: types.JobComplete},
	}}, nil
}
func (m *mockService) Jobs() []types.JobStatus {
	out := make([]types.JobStatus, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	return out
}
func (m *mockService) Job(id string) (types.JobStatus, error) {
	j, ok := m.jobs[id]
	if !ok {
		return types.JobStatus{}, errs.NotFound("job " + id)
	}
	return j, nil
}
func (m *mockService) AbortJob(id string) error {
	if _, ok := m.jobs[id]; !ok {
		return errs.NotFound("job " + id)
	}
	m.aborted = append(m.aborted, id)
	return nil
}
func (m *mockService) Performance(t types.ModelType) (types.PerformanceMetrics, error) {
	return types.PerformanceMetrics{ModelType: t, Samples: 3, FrameRate: 12}, nil
}
func (m *mockService) Compare(ctx context.Context, ids []string) (types.ComparisonRecord, error) {
	if len(ids) < 2 {
		return types.ComparisonRecord{}, errs.InvalidRequest("at least two result ids are required")
	}
	m.compared = ids
	return types.ComparisonRecord{VideoID: "v1", BestOverall: types.ModelPose}, nil
}

type mockHTTPError struct {
	msg  string
	code int
}

func (e mockHTTPError) Error() string   { return e.msg }
func (e mockHTTPError) StatusCode() int { return e.code }

func postJSON(h http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

const batchBody = `{"video_path":"/data/clip.mp4","model_types":["pose"]}`

func TestModelsHandler(t *testing.T) {
	svc := &mockService{models: []types.ModelConfig{{Type: types.ModelPose}, {Type: types.ModelHand}}}
	r := NewMux(svc)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/models", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%s", ct)
	}
	var body types.ModelsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(body.Models) != 2 {
		t.Fatalf("models len=%d", len(body.Models))
	}
}

func TestStatusHandler(t *testing.T) {
	svc := &mockService{status: types.StatusResponse{Workers: 4, Memory: types.MemoryStatus{ThresholdMB: 10}}}
	r := NewMux(svc)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var body types.StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.Memory.ThresholdMB != 10 || body.Workers != 4 {
		t.Fatalf("unexpected body: %+v", body)
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
	if !strings.Contains(w.Body.String(), "shutting down") {
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

func TestAdmissionHandler(t *testing.T) {
	r := NewMux(&mockService{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admission?cost_mb=150", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var body types.AdmissionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.Allowed || body.RequestedMB != 150 {
		t.Fatalf("unexpected body: %+v", body)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admission?cost_mb=lots", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-numeric cost, got %d", w.Code)
	}
}

func TestLoadWithoutBody(t *testing.T) {
	r := NewMux(&mockService{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/models/pose/load", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var body types.LoadResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if !body.Success || body.ModelType != types.ModelPose {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestLoadUnknownModelType(t *testing.T) {
	r := NewMux(&mockService{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/models/iris/load", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestUnloadInUseMaps409(t *testing.T) {
	svc := &mockService{loadErr: errs.ModelInUse("hand", 1)}
	r := NewMux(svc)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/models/hand", nil))
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	var body types.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.Kind != string(errs.KindModelInUse) || len(body.Suggestions) == 0 {
		t.Fatalf("unexpected body: %+v", body)
	}
	if len(svc.unloaded) != 1 || svc.unloaded[0] != types.ModelHand {
		t.Fatalf("unloaded=%v", svc.unloaded)
	}
}

func TestSwitchRequiresValidTypes(t *testing.T) {
	r := NewMux(&mockService{})
	if w := postJSON(r, "/models/switch", `{"from":"pose","to":"iris"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if w := postJSON(r, "/models/switch", `{"from":"pose","to":"holistic"}`); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestBatchStreams(t *testing.T) {
	r := NewMux(&mockService{})
	w := postJSON(r, "/batches", batchBody)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content-type=%s", ct)
	}
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 ndjson lines, got %d", len(lines))
	}
	var final types.RunResponse
	if err := json.Unmarshal([]byte(lines[2]), &final); err != nil {
		t.Fatalf("json: %v", err)
	}
	if !final.Done || final.RunID != "run-1" || len(final.Results) != 1 {
		t.Fatalf("unexpected final line: %+v", final)
	}
}

func TestBatchErrorAfterProgressIsStreamed(t *testing.T) {
	r := NewMux(&mockService{midErr: errs.WorkerPoolDegraded("too many dropped frames")})
	w := postJSON(r, "/batches", batchBody)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	var last types.ErrorResponse
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &last); err != nil {
		t.Fatalf("json: %v", err)
	}
	if last.Code != http.StatusServiceUnavailable || last.Kind != string(errs.KindWorkerPoolDegraded) {
		t.Fatalf("unexpected error line: %+v", last)
	}
}

func TestBatchBadJSON(t *testing.T) {
	r := NewMux(&mockService{})
	if w := postJSON(r, "/batches", "not-json"); w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestBatchRequiresFields(t *testing.T) {
	r := NewMux(&mockService{})
	if w := postJSON(r, "/batches", `{"video_path":"   ","model_types":["pose"]}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing video_path, got %d", w.Code)
	}
	if w := postJSON(r, "/batches", `{"video_path":"/x.mp4"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing model_types, got %d", w.Code)
	}
}

func TestBatchErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{mockHTTPError{msg: "too busy", code: http.StatusTooManyRequests}, http.StatusTooManyRequests},
		{errs.AdmissionDenied("file too large", "reduce file size or duration"), http.StatusTooManyRequests},
		{errs.DependencyUnavailable("no engine"), http.StatusServiceUnavailable},
		{errs.InvalidRequest("bad path"), http.StatusBadRequest},
		{io.EOF, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		r := NewMux(&mockService{batchErr: tc.err})
		w := postJSON(r, "/batches", batchBody)
		if w.Code != tc.want {
			t.Fatalf("%v: status=%d want %d", tc.err, w.Code, tc.want)
		}
	}
}

func TestAdmissionDeniedCarriesSuggestions(t *testing.T) {
	r := NewMux(&mockService{batchErr: errs.AdmissionDenied("file too large", "reduce file size or duration")})
	w := postJSON(r, "/batches", batchBody)
	var body types.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.Kind != "admission_denied" || len(body.Suggestions) != 1 || body.Error != "file too large" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestBatchUnsupportedMediaType(t *testing.T) {
	r := NewMux(&mockService{})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/batches", bytes.NewBufferString(batchBody))
	req.Header.Set("Content-Type", "text/plain")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestBatchBodyTooLarge(t *testing.T) {
	r := NewMux(&mockService{})
	// Create >1MiB body
	big := make([]byte, (1<<20)+10)
	for i := range big {
		big[i] = 'a'
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/batches", bytes.NewReader(big))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for too-large body, got %d", w.Code)
	}
}

func TestJobsLookupAndAbort(t *testing.T) {
	svc := &mockService{jobs: map[string]types.JobStatus{
		"j1": {JobID: "j1", ModelType: types.ModelPose, State: types.JobProcessing},
	}}
	r := NewMux(svc)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/jobs/j1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/jobs/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/jobs/j1", nil))
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if len(svc.aborted) != 1 {
		t.Fatalf("aborted=%v", svc.aborted)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	var list map[string][]types.JobStatus
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(list["jobs"]) != 1 {
		t.Fatalf("jobs=%v", list)
	}
}

func TestPerformanceHandler(t *testing.T) {
	r := NewMux(&mockService{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/performance/face", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var body types.PerformanceMetrics
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.ModelType != types.ModelFace || body.Samples != 3 {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestCompareHandler(t *testing.T) {
	svc := &mockService{}
	r := NewMux(svc)
	if w := postJSON(r, "/compare", `{"result_ids":["a"]}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a single id, got %d", w.Code)
	}
	w := postJSON(r, "/compare", `{"result_ids":["a","b"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if len(svc.compared) != 2 {
		t.Fatalf("compared=%v", svc.compared)
	}
}

func TestSwaggerDocServed(t *testing.T) {
	r := NewMux(&mockService{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/swagger/doc.json", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"/batches"`) {
		t.Fatalf("doc missing /batches path")
	}
}
