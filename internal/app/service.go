package app

import (
	"context"
	"time"

	"landmarkd/internal/errs"
	"landmarkd/internal/frames"
	"landmarkd/internal/manager"
	"landmarkd/internal/store"
	"landmarkd/pkg/types"
)

// ListModels returns the catalog in display order.
func (a *App) ListModels() []types.ModelConfig { return a.Catalog.List() }

// Ready reports whether the service accepts work.
func (a *App) Ready() bool { return a.Manager.Ready() }

// Status aggregates resident models, the memory budget and job counts.
func (a *App) Status() types.StatusResponse {
	loads, coalesced := a.Manager.LoadCounters()
	now := time.Now()
	return types.StatusResponse{
		Models:              a.Manager.Status(),
		Memory:              a.Admission.Usage(),
		LoadsInFlight:       a.Manager.LoadsInFlight(),
		ActiveJobs:          a.Orchestrator.ActiveRuns(),
		Workers:             a.Dispatcher.PoolSize(0),
		UptimeSeconds:       int64(now.Sub(a.started).Seconds()),
		ServerTimeUnix:      now.Unix(),
		LoadsTotal:          loads,
		CoalescedLoadsTotal: coalesced,
	}
}

// CheckAdmission answers whether costMB could be reserved now.
func (a *App) CheckAdmission(costMB int) types.AdmissionResponse {
	d := a.Admission.CanAdmit(costMB)
	return types.AdmissionResponse{
		Allowed:     d.Allowed,
		Reason:      d.Reason,
		Suggestions: d.Suggestions,
		RequestedMB: d.RequestedMB,
		UsedMB:      d.UsedMB,
		ThresholdMB: d.ThresholdMB,
	}
}

func loadResponse(t types.ModelType, res manager.LoadResult) (types.LoadResponse, error) {
	if !res.Success {
		return types.LoadResponse{ModelType: t}, res.Err
	}
	return types.LoadResponse{
		ModelType:    t,
		Success:      true,
		Cached:       res.Cached,
		Coalesced:    res.Coalesced,
		LoadTimeMs:   res.LoadTimeMs,
		MemoryUsedMB: res.MemoryUsedMB,
	}, nil
}

func (a *App) LoadModel(ctx context.Context, t types.ModelType, opts types.InferenceOptions) (types.LoadResponse, error) {
	return loadResponse(t, a.Manager.Load(ctx, t, opts))
}

func (a *App) UnloadModel(t types.ModelType) error {
	if !t.Valid() {
		return errs.InvalidRequest("unknown model type " + string(t))
	}
	return a.Manager.Unload(t)
}

func (a *App) SwitchModel(ctx context.Context, from, to types.ModelType, opts types.InferenceOptions) (types.LoadResponse, error) {
	if !from.Valid() || !to.Valid() {
		return types.LoadResponse{ModelType: to}, errs.InvalidRequest("from and to must be valid model types")
	}
	return loadResponse(to, a.Manager.SwitchModel(ctx, from, to, opts))
}

// RunBatch resolves the video on the server host and runs it through the
// requested models. Per-frame landmarks are stripped unless requested.
func (a *App) RunBatch(ctx context.Context, req types.BatchRequest, onProgress func(types.Progress)) (types.RunResponse, error) {
	if req.VideoPath == "" {
		return types.RunResponse{}, errs.InvalidRequest("video_path is required")
	}
	video, err := frames.NewVideoRef(req.VideoPath)
	if err != nil {
		return types.RunResponse{}, errs.InvalidRequest("cannot read video: " + err.Error())
	}
	run, err := a.Orchestrator.RunBatch(ctx, video, req.ModelTypes, req.Options, onProgress)
	if err != nil {
		return types.RunResponse{}, err
	}
	if !req.IncludeFrames {
		for i := range run.Results {
			if r := run.Results[i].Result; r != nil {
				stripped := *r
				stripped.Frames = nil
				run.Results[i].Result = &stripped
			}
		}
	}
	return types.RunResponse{Done: true, RunID: run.ID, Results: run.Results, Comparison: run.Comparison}, nil
}

func (a *App) Jobs() []types.JobStatus { return a.Orchestrator.Jobs() }

func (a *App) Job(id string) (types.JobStatus, error) { return a.Orchestrator.Job(id) }

// AbortJob cancels a running job or run.
func (a *App) AbortJob(id string) error {
	if a.Orchestrator.Abort(id) {
		return nil
	}
	if _, err := a.Orchestrator.Job(id); err != nil {
		return err
	}
	return errs.InvalidRequest("job " + id + " has already finished")
}

// Performance returns the rolling metrics of t.
func (a *App) Performance(t types.ModelType) (types.PerformanceMetrics, error) {
	if !t.Valid() {
		return types.PerformanceMetrics{}, errs.InvalidRequest("unknown model type " + string(t))
	}
	return a.Tracker.Metrics(t), nil
}

// Compare scores stored batch results against each other and stores the comparison.
func (a *App) Compare(ctx context.Context, ids []string) (types.ComparisonRecord, error) {
	if len(ids) < 2 {
		return types.ComparisonRecord{}, errs.InvalidRequest("at least two result ids are required")
	}
	results := make([]types.BatchResult, 0, len(ids))
	for _, id := range ids {
		rec, err := a.Store.Get(ctx, id)
		if err != nil {
			return types.ComparisonRecord{}, err
		}
		if rec.Kind != store.KindBatch || rec.Batch == nil {
			return types.ComparisonRecord{}, errs.InvalidRequest("record " + id + " is not a batch result")
		}
		results = append(results, *rec.Batch)
	}
	cmp, err := a.Orchestrator.Compare(results)
	if err != nil {
		return types.ComparisonRecord{}, err
	}
	if _, err := a.Store.Persist(ctx, store.ComparisonRecord(cmp)); err != nil {
		return cmp, err
	}
	return cmp, nil
}
