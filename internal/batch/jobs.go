package batch

import (
	"context"
	"errors"
	"sort"

	"landmarkd/internal/admission"
	"landmarkd/internal/errs"
	"landmarkd/pkg/types"
)

var errAbortRequested = errors.New("abort requested")

// run groups the jobs of one RunBatch call. Jobs run sequentially and share
// the extracted frames.
type run struct {
	id          string
	video       types.VideoRef
	ctx         context.Context
	cancel      context.CancelCauseFunc
	reservation admission.ReservationID
	jobs        []*job
	progress    *reporter

	extracted bool
	frames    []types.FrameInput
	frameErr  error
}

func (r *run) aborted() bool { return r.ctx.Err() != nil }

// job is one model type within a run. status is guarded by Orchestrator.mu.
type job struct {
	status types.JobStatus
	run    *run
	err    error
}

var transitions = map[types.JobState][]types.JobState{
	types.JobPending:    {types.JobExtracting},
	types.JobExtracting: {types.JobLoading},
	types.JobLoading:    {types.JobProcessing},
	types.JobProcessing: {types.JobExporting},
	types.JobExporting:  {types.JobComplete},
}

func canTransition(from, to types.JobState) bool {
	if from.Terminal() {
		return false
	}
	if to == types.JobFailed || to == types.JobAborted {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// setState moves j to state, ignoring transitions the state machine does not allow.
func (o *Orchestrator) setState(j *job, state types.JobState) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	from := j.status.State
	if !canTransition(from, state) {
		o.log.Warn().Str("job_id", j.status.JobID).Str("from", string(from)).Str("to", string(state)).
			Msg("invalid job transition")
		return false
	}
	j.status.State = state
	j.status.UpdatedAt = o.now()
	return true
}

func (o *Orchestrator) setProgress(j *job, p float64) {
	o.mu.Lock()
	if p > j.status.Progress {
		j.status.Progress = p
	}
	o.mu.Unlock()
}

func (o *Orchestrator) setFrames(j *job, n int) {
	o.mu.Lock()
	j.status.Frames = n
	o.mu.Unlock()
}

// fail records err on j and moves it to failed, or aborted when err is an abort.
func (o *Orchestrator) fail(j *job, err error) types.JobState {
	state := types.JobFailed
	if errs.IsAborted(err) {
		state = types.JobAborted
	}
	o.mu.Lock()
	j.err = err
	j.status.Error = errorInfo(err)
	o.mu.Unlock()
	o.setState(j, state)
	return state
}

func errorInfo(err error) *types.ErrorInfo {
	if err == nil {
		return nil
	}
	kind := string(errs.KindOf(err))
	if kind == "" {
		kind = "internal_error"
	}
	return &types.ErrorInfo{Kind: kind, Message: errs.Message(err), Suggestions: errs.Suggestions(err)}
}

// Abort cancels the run owning id, which may be a job id or a run id. The
// running job keeps its partial result; jobs not yet started are marked
// aborted without work. Reports whether a running job was found.
func (o *Orchestrator) Abort(id string) bool {
	o.mu.Lock()
	r := o.runs[id]
	if r == nil {
		if j, ok := o.jobs[id]; ok && !j.status.State.Terminal() {
			r = j.run
		}
	}
	o.mu.Unlock()
	if r == nil {
		return false
	}
	r.cancel(errAbortRequested)
	for _, j := range r.jobs {
		o.dispatcher.Abort(j.status.JobID)
	}
	o.log.Info().Str("run_id", r.id).Str("id", id).Msg("abort requested")
	return true
}

// Job returns a snapshot of a job's status.
func (o *Orchestrator) Job(id string) (types.JobStatus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	j, ok := o.jobs[id]
	if !ok {
		return types.JobStatus{}, errs.NotFound("job " + id)
	}
	return j.status, nil
}

// Jobs returns all known jobs, oldest first.
func (o *Orchestrator) Jobs() []types.JobStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]types.JobStatus, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.jobs[id].status)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out
}

// pruneLocked drops the oldest finished jobs beyond maxHistory.
func (o *Orchestrator) pruneLocked() {
	excess := len(o.order) - o.maxHistory
	if excess <= 0 {
		return
	}
	kept := o.order[:0]
	for _, id := range o.order {
		if excess > 0 && o.jobs[id].status.State.Terminal() {
			delete(o.jobs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	o.order = kept
}
