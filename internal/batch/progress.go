package batch

import (
	"sync"
	"time"

	"landmarkd/pkg/types"
)

// phaseRange is the share of one model's progress covered by a phase.
type phaseRange struct{ start, end float64 }

var phases = map[types.JobState]phaseRange{
	types.JobPending:    {0, 0},
	types.JobExtracting: {0, 0.20},
	types.JobLoading:    {0.20, 0.30},
	types.JobProcessing: {0.30, 0.80},
	types.JobExporting:  {0.80, 1.0},
	types.JobComplete:   {1.0, 1.0},
}

// reporter maps per-model phase progress onto [0,1] for the whole run. Each of
// n models gets an equal slice; values never decrease.
type reporter struct {
	mu      sync.Mutex
	n       int
	last    float64
	started time.Time
	now     func() time.Time
	sink    ProgressFunc
}

func newReporter(n int, now func() time.Time, sink ProgressFunc) *reporter {
	return &reporter{n: max(n, 1), started: now(), now: now, sink: sink}
}

// overall converts model k's position within phase into run progress.
func (r *reporter) overall(k int, phase types.JobState, fraction float64) float64 {
	pr, ok := phases[phase]
	if !ok {
		// failed or aborted: the model's slice is finished
		pr = phaseRange{1, 1}
	}
	fraction = min(max(fraction, 0), 1)
	within := pr.start + fraction*(pr.end-pr.start)
	return (float64(k) + within) / float64(r.n)
}

// report emits progress for model k and returns the value emitted.
func (r *reporter) report(k int, jobID string, t types.ModelType, phase types.JobState, fraction float64, step string) float64 {
	r.mu.Lock()
	p := r.overall(k, phase, fraction)
	if p < r.last {
		p = r.last
	}
	p = min(p, 1)
	r.last = p
	var eta int64
	if p > 0 && p < 1 {
		elapsed := r.now().Sub(r.started)
		eta = int64(float64(elapsed.Milliseconds()) * (1 - p) / p)
	}
	sink := r.sink
	if sink != nil {
		// the sink runs under the lock so updates arrive in order
		sink(types.Progress{JobID: jobID, ModelType: t, Phase: phase, Progress: p, CurrentStep: step, ETAMs: eta})
	}
	r.mu.Unlock()
	return p
}

// modelProgress is the model's own [0,1] progress for its job status.
func modelProgress(phase types.JobState, fraction float64) float64 {
	pr, ok := phases[phase]
	if !ok {
		return 1
	}
	fraction = min(max(fraction, 0), 1)
	return pr.start + fraction*(pr.end-pr.start)
}
