package batch

import (
	"context"
	"fmt"
	"time"

	"landmarkd/internal/dispatch"
	"landmarkd/internal/errs"
	"landmarkd/internal/events"
	"landmarkd/internal/store"
	"landmarkd/pkg/types"
)

// runJob drives model k of r through extract, load, process and export. It
// never returns an error; the outcome is carried in the result.
func (o *Orchestrator) runJob(r *run, k int, j *job) types.BatchProcessingResult {
	t := j.status.ModelType
	id := j.status.JobID
	log := o.log.With().Str("job_id", id).Str("model", string(t)).Logger()
	out := types.BatchProcessingResult{JobID: id, ModelType: t}
	startedAt := o.now()

	report := func(phase types.JobState, fraction float64, step string) {
		o.setProgress(j, modelProgress(phase, fraction))
		r.progress.report(k, id, t, phase, fraction, step)
	}
	finish := func(err error) types.BatchProcessingResult {
		state := types.JobComplete
		if err != nil {
			state = o.fail(j, err)
			log.Warn().Err(err).Str("state", string(state)).Msg("job ended")
		}
		report(state, 1, string(state))
		o.metrics.JobFinished(string(t), string(state))
		o.publisher.Publish(events.Event{Name: "job_" + string(state), Fields: map[string]any{
			"job_id": id, "run_id": r.id, "model": string(t),
		}})
		out.State = state
		out.Error = errorInfo(err)
		return out
	}

	if r.aborted() {
		return finish(errs.Aborted(fmt.Sprintf("run aborted before %s started", t)))
	}

	// extracting
	o.setState(j, types.JobExtracting)
	report(types.JobExtracting, 0, "extracting frames")
	frames, err := o.extract(r)
	if err != nil {
		return finish(err)
	}
	o.setFrames(j, len(frames))
	report(types.JobExtracting, 1, fmt.Sprintf("extracted %d frames", len(frames)))

	// loading
	if r.aborted() {
		return finish(errs.Aborted(fmt.Sprintf("run aborted before %s was loaded", t)))
	}
	o.setState(j, types.JobLoading)
	report(types.JobLoading, 0, "loading "+string(t))
	opts := j.status.Options
	lr := o.manager.Acquire(r.ctx, t, opts)
	if !lr.Success {
		if r.aborted() {
			return finish(errs.Aborted(fmt.Sprintf("run aborted while loading %s", t)))
		}
		return finish(lr.Err)
	}
	h := lr.Handle
	defer h.Release()
	report(types.JobLoading, 1, string(t)+" ready")

	// processing
	o.setState(j, types.JobProcessing)
	report(types.JobProcessing, 0, "processing frames")
	replicas := o.manager.Replicas(id, h)
	procStart := o.now()
	res, derr := o.dispatcher.Submit(r.ctx, dispatch.Job{
		ID:          id,
		ModelType:   t,
		Frames:      frames,
		Options:     h.Options,
		Provisioner: replicas,
	}, dispatch.Hooks{
		OnProgress: func(done, total int) {
			report(types.JobProcessing, float64(done)/float64(max(total, 1)),
				fmt.Sprintf("frame %d of %d", done, total))
		},
	})
	if cerr := replicas.Close(); cerr != nil {
		log.Warn().Err(cerr).Msg("close worker copies")
	}
	wall := o.now().Sub(procStart)
	if derr != nil && len(res.Frames) == 0 && res.Dropped == 0 {
		return finish(derr)
	}

	smooth(res.Frames, h.Options.SmoothingFactor)
	br := &types.BatchResult{
		JobID:             id,
		ModelType:         t,
		Frames:            res.Frames,
		Performance:       summarize(res.Frames, res.Dropped, len(frames), wall, lr.LoadTimeMs, h.MemoryMB),
		DroppedFrameCount: res.Dropped,
		Metadata: types.BatchMetadata{
			VideoID:         r.video.ID,
			Source:          r.video.Path,
			SubmittedFrames: len(frames),
			Workers:         res.Workers,
			DropReasons:     res.DropReasons,
			StartedAt:       startedAt,
		},
	}
	out.Result = br
	if derr != nil {
		// aborted or degraded: keep the partial result
		br.Metadata.State = types.JobFailed
		if errs.IsAborted(derr) {
			br.Metadata.State = types.JobAborted
		}
		br.Metadata.CompletedAt = o.now()
		return finish(derr)
	}

	// exporting
	o.setState(j, types.JobExporting)
	report(types.JobExporting, 0, "storing results")
	br.Metadata.State = types.JobComplete
	br.Metadata.CompletedAt = o.now()
	storedID, err := o.store.Persist(context.WithoutCancel(r.ctx), store.BatchRecord(*br))
	if err != nil {
		return finish(fmt.Errorf("persist %s result: %w", t, err))
	}
	out.StoredID = storedID
	o.setState(j, types.JobComplete)
	log.Info().Int("frames", len(br.Frames)).Int("dropped", br.DroppedFrameCount).
		Dur("dur", o.now().Sub(startedAt)).Str("stored_id", storedID).Msg("job complete")
	return finish(nil)
}

// extract runs the frame source once per run; later jobs reuse the frames.
func (o *Orchestrator) extract(r *run) ([]types.FrameInput, error) {
	if r.extracted {
		return r.frames, r.frameErr
	}
	r.extracted = true
	start := time.Now()
	frames, err := o.frames.ExtractFrames(r.ctx, r.video, o.frameOpts)
	if err != nil {
		if r.aborted() {
			err = errs.Aborted("run aborted during frame extraction")
		} else if errs.KindOf(err) == "" {
			err = errs.Extraction(err)
		}
		r.frameErr = err
		return nil, err
	}
	if len(frames) == 0 {
		r.frameErr = errs.Extraction(fmt.Errorf("no frames extracted from %s", r.video.Path))
		return nil, r.frameErr
	}
	var bytes int
	for _, f := range frames {
		bytes += len(f.Image)
	}
	if err := o.admission.Adjust(r.reservation, max((bytes+mb-1)/mb, 1)); err != nil {
		o.log.Warn().Err(err).Str("run_id", r.id).Msg("adjust working set")
	}
	o.log.Debug().Str("run_id", r.id).Int("frames", len(frames)).Int("bytes", bytes).
		Dur("dur", time.Since(start)).Msg("frames extracted")
	r.frames = frames
	return frames, nil
}
