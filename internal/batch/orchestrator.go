package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"landmarkd/internal/admission"
	"landmarkd/internal/compare"
	"landmarkd/internal/dispatch"
	"landmarkd/internal/errs"
	"landmarkd/internal/events"
	"landmarkd/internal/frames"
	"landmarkd/internal/manager"
	"landmarkd/internal/metrics"
	"landmarkd/internal/store"
	"landmarkd/pkg/types"
)

const (
	mb                = 1 << 20
	defaultMaxHistory = 256
)

// ProgressFunc receives progress updates in non-decreasing order.
type ProgressFunc func(types.Progress)

// Config wires the Orchestrator to its collaborators.
type Config struct {
	Manager    *manager.Manager
	Dispatcher *dispatch.Dispatcher
	Admission  *admission.Controller
	Frames     frames.Source
	// FrameOptions bound every extraction.
	FrameOptions frames.Options
	// Store receives batch and comparison records; defaults to an in-memory store.
	Store     store.Store
	Publisher events.Publisher
	Logger    *zerolog.Logger
	Metrics   *metrics.Pipeline
	// MaxHistory bounds how many finished jobs Jobs reports.
	MaxHistory int
}

// Run is the outcome of RunBatch. Results are in the requested model order.
type Run struct {
	ID           string
	VideoID      string
	Results      []types.BatchProcessingResult
	Comparison   *types.ComparisonRecord
	ComparisonID string
}

// Orchestrator drives batch runs. It is safe for concurrent use.
type Orchestrator struct {
	manager    *manager.Manager
	dispatcher *dispatch.Dispatcher
	admission  *admission.Controller
	frames     frames.Source
	frameOpts  frames.Options
	store      store.Store
	compare    *compare.Engine
	publisher  events.Publisher
	log        zerolog.Logger
	metrics    *metrics.Pipeline
	maxHistory int
	now        func() time.Time

	mu    sync.Mutex
	jobs  map[string]*job
	order []string
	runs  map[string]*run
}

func New(cfg Config) *Orchestrator {
	if cfg.Manager == nil || cfg.Dispatcher == nil || cfg.Admission == nil {
		panic("batch: Manager, Dispatcher and Admission are required")
	}
	o := &Orchestrator{
		manager:    cfg.Manager,
		dispatcher: cfg.Dispatcher,
		admission:  cfg.Admission,
		frames:     cfg.Frames,
		frameOpts:  cfg.FrameOptions.WithDefaults(),
		store:      cfg.Store,
		compare:    compare.New(cfg.Manager.Catalog()),
		publisher:  events.OrNoop(cfg.Publisher),
		metrics:    cfg.Metrics,
		maxHistory: cfg.MaxHistory,
		now:        time.Now,
		jobs:       make(map[string]*job),
		runs:       make(map[string]*run),
	}
	if o.frames == nil {
		o.frames = frames.Auto{}
	}
	if o.store == nil {
		o.store = store.NewMemory()
	}
	if o.maxHistory <= 0 {
		o.maxHistory = defaultMaxHistory
	}
	if cfg.Logger != nil {
		o.log = cfg.Logger.With().Str("component", "batch").Logger()
	} else {
		o.log = zerolog.Nop()
	}
	return o
}

// Store returns the store that receives results.
func (o *Orchestrator) Store() store.Store { return o.store }

// ActiveRuns returns the number of runs in progress.
func (o *Orchestrator) ActiveRuns() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.runs)
}

// RunBatch processes video with each model type in turn. Pre-run denials
// (invalid input, admission) return an error before any job is created; after
// that, failures are reported per model in Run.Results and the returned error
// is nil.
func (o *Orchestrator) RunBatch(ctx context.Context, video types.VideoRef, models []types.ModelType, opts types.InferenceOptions, onProgress ProgressFunc) (Run, error) {
	if err := validateRun(video, models, opts); err != nil {
		return Run{}, err
	}
	r, err := o.admit(ctx, video, models, opts)
	if err != nil {
		return Run{}, err
	}
	defer o.finishRun(r)

	r.progress = newReporter(len(models), o.now, onProgress)
	out := Run{ID: r.id, VideoID: video.ID, Results: make([]types.BatchProcessingResult, 0, len(models))}
	var completed []types.BatchResult
	for k, j := range r.jobs {
		res := o.runJob(r, k, j)
		out.Results = append(out.Results, res)
		if res.State == types.JobComplete && res.Result != nil {
			completed = append(completed, *res.Result)
		}
	}
	if len(completed) >= 2 {
		o.compareResults(r.ctx, &out, completed)
	}
	o.log.Info().Str("run_id", r.id).Str("video", video.ID).Int("models", len(models)).
		Int("complete", len(completed)).Msg("run finished")
	return out, nil
}

// RunSingle runs one model type and returns its result with the job's error,
// if any.
func (o *Orchestrator) RunSingle(ctx context.Context, video types.VideoRef, t types.ModelType, opts types.InferenceOptions, onProgress ProgressFunc) (types.BatchProcessingResult, error) {
	run, err := o.RunBatch(ctx, video, []types.ModelType{t}, opts, onProgress)
	if err != nil {
		return types.BatchProcessingResult{}, err
	}
	res := run.Results[0]
	o.mu.Lock()
	j := o.jobs[res.JobID]
	o.mu.Unlock()
	if j != nil {
		return res, j.err
	}
	return res, nil
}

// Compare scores results of the same video against each other.
func (o *Orchestrator) Compare(results []types.BatchResult) (types.ComparisonRecord, error) {
	return o.compare.Compare(results)
}

func (o *Orchestrator) compareResults(ctx context.Context, out *Run, completed []types.BatchResult) {
	rec, err := o.compare.Compare(completed)
	if err != nil {
		o.log.Warn().Err(err).Str("run_id", out.ID).Msg("comparison skipped")
		return
	}
	out.Comparison = &rec
	id, err := o.store.Persist(context.WithoutCancel(ctx), store.ComparisonRecord(rec))
	if err != nil {
		o.log.Error().Err(err).Str("run_id", out.ID).Msg("persist comparison")
		return
	}
	out.ComparisonID = id
	o.publisher.Publish(events.Event{Name: "comparison_ready", Fields: map[string]any{
		"run_id": out.ID, "video_id": rec.VideoID, "best_overall": string(rec.BestOverall),
	}})
}

func validateRun(video types.VideoRef, models []types.ModelType, opts types.InferenceOptions) error {
	if video.Path == "" {
		return errs.InvalidRequest("video path is required")
	}
	if len(models) == 0 {
		return errs.InvalidRequest("at least one model type is required")
	}
	seen := make(map[types.ModelType]bool, len(models))
	for _, t := range models {
		if !t.Valid() {
			return errs.InvalidRequest(fmt.Sprintf("unknown model type %q", t))
		}
		if seen[t] {
			return errs.InvalidRequest(fmt.Sprintf("duplicate model type %q", t))
		}
		seen[t] = true
	}
	if err := opts.Validate(); err != nil {
		return errs.InvalidRequest(err.Error())
	}
	return nil
}

// admit applies the pre-run checks and registers the run with one pending job
// per model type.
func (o *Orchestrator) admit(ctx context.Context, video types.VideoRef, models []types.ModelType, opts types.InferenceOptions) (*run, error) {
	limits := o.admission.Limits()
	sizeMB := int((video.SizeBytes + mb - 1) / mb)
	if video.SizeBytes > int64(limits.MaxFileSizeMB)*mb {
		o.metrics.AdmissionDenied("file_size")
		return nil, errs.AdmissionDenied(
			fmt.Sprintf("video is %d MB, the current limit is %d MB", sizeMB, limits.MaxFileSizeMB),
			"reduce file size or duration", "process one model at a time", "unload unused models")
	}

	id := uuid.NewString()
	o.mu.Lock()
	if active := len(o.runs); active >= limits.MaxConcurrentJobs {
		o.mu.Unlock()
		o.metrics.AdmissionDenied("concurrency")
		return nil, errs.AdmissionDenied(
			fmt.Sprintf("%d job(s) already running, the current limit is %d", active, limits.MaxConcurrentJobs),
			"wait for running jobs to finish")
	}
	// placeholder keeps concurrent admits counted while the reservation is taken
	o.runs[id] = nil
	o.mu.Unlock()

	rid, err := o.admission.Reserve("run/"+id, max(sizeMB, 1), admission.BestEffort)
	if err != nil {
		o.mu.Lock()
		delete(o.runs, id)
		o.mu.Unlock()
		return nil, err
	}

	rctx, cancel := context.WithCancelCause(ctx)
	r := &run{id: id, video: video, ctx: rctx, cancel: cancel, reservation: rid}
	now := o.now()
	o.mu.Lock()
	for _, t := range models {
		j := &job{
			status: types.JobStatus{
				JobID: uuid.NewString(), RunID: id, ModelType: t, VideoID: video.ID,
				State: types.JobPending, Options: opts, CreatedAt: now, UpdatedAt: now,
			},
			run: r,
		}
		r.jobs = append(r.jobs, j)
		o.jobs[j.status.JobID] = j
		o.order = append(o.order, j.status.JobID)
	}
	o.runs[id] = r
	o.mu.Unlock()

	o.log.Info().Str("run_id", id).Str("video", video.Path).Int("models", len(models)).Msg("run admitted")
	o.publisher.Publish(events.Event{Name: "run_start", Fields: map[string]any{"run_id": id, "video_id": video.ID}})
	return r, nil
}

func (o *Orchestrator) finishRun(r *run) {
	r.cancel(nil)
	if err := o.admission.Release(r.reservation); err != nil {
		o.log.Warn().Err(err).Str("run_id", r.id).Msg("release working set")
	}
	o.mu.Lock()
	delete(o.runs, r.id)
	o.pruneLocked()
	o.mu.Unlock()
	o.publisher.Publish(events.Event{Name: "run_done", Fields: map[string]any{"run_id": r.id}})
}
