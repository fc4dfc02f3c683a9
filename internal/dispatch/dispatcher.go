// Package dispatch runs per-frame inference on a pool of isolated workers and
// hands results back in frame order.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"landmarkd/internal/engine"
	"landmarkd/internal/errs"
	"landmarkd/internal/metrics"
	"landmarkd/internal/perf"
	"landmarkd/pkg/types"
)

const (
	maxPoolSize             = 4
	defaultMaxRetries       = 2
	defaultDegradedFraction = 0.25
	defaultFrameTimeout     = 30 * time.Second
	minDerivedFrameTimeout  = time.Second
)

var errAbortRequested = errors.New("abort requested")

// Provisioner supplies a detector to a worker. It is called again for the same
// worker after a crash or timeout and must then return a fresh detector.
type Provisioner interface {
	Provision(ctx context.Context, worker int) (engine.Detector, error)
}

// Config holds tunables for the Dispatcher.
type Config struct {
	// Workers is the requested pool size, bounded by NumCPU and 4.
	Workers int
	// MaxRetries bounds how often a frame is requeued after a worker crash.
	MaxRetries int
	// DegradedFraction is the share of frames that may exhaust retries before
	// the job fails with WorkerPoolDegraded.
	DegradedFraction float64
	// FrameTimeout overrides the derived per-frame timeout.
	FrameTimeout time.Duration
	Tracker      *perf.Tracker
	Logger       *zerolog.Logger
	Metrics      *metrics.Pipeline
}

// Job is one model type over one ordered frame sequence.
type Job struct {
	ID          string
	ModelType   types.ModelType
	Frames      []types.FrameInput
	Options     types.InferenceOptions
	Provisioner Provisioner
}

// Hooks are invoked from the dispatch loop in increasing frame order.
type Hooks struct {
	OnResult   func(types.FrameResult)
	OnDrop     func(frameIndex int, reason string)
	OnProgress func(done, total int)
}

// Result is the ordered outcome of a job. len(Frames)+Dropped equals the
// number of submitted frames.
type Result struct {
	Frames      []types.FrameResult
	Dropped     int
	DropReasons map[string]int
	Aborted     bool
	Workers     int
	Respawns    int
}

// Dispatcher runs jobs. One dispatcher serves many concurrent jobs; each job
// gets its own pool.
type Dispatcher struct {
	cfg Config
	log zerolog.Logger

	mu   sync.Mutex
	jobs map[string]context.CancelCauseFunc
}

func New(cfg Config) *Dispatcher {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.DegradedFraction <= 0 || cfg.DegradedFraction > 1 {
		cfg.DegradedFraction = defaultDegradedFraction
	}
	d := &Dispatcher{cfg: cfg, jobs: make(map[string]context.CancelCauseFunc)}
	if cfg.Logger != nil {
		d.log = *cfg.Logger
	} else {
		d.log = zerolog.Nop()
	}
	return d
}

// PoolSize returns the number of workers a job of n frames would get.
func (d *Dispatcher) PoolSize(n int) int {
	size := d.cfg.Workers
	if size <= 0 {
		size = maxPoolSize
	}
	size = min(size, runtime.NumCPU(), maxPoolSize)
	if n > 0 {
		size = min(size, n)
	}
	return max(size, 1)
}

// Abort cancels a running job. Queued frames are dropped; frames already in a
// worker may still complete. Reports whether the job was running.
func (d *Dispatcher) Abort(jobID string) bool {
	d.mu.Lock()
	cancel, ok := d.jobs[jobID]
	d.mu.Unlock()
	if ok {
		cancel(errAbortRequested)
	}
	return ok
}

// Running reports the number of jobs in flight.
func (d *Dispatcher) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}

// FrameTimeout returns the per-frame timeout for job: configured, else twice
// the frame budget, else twice the rolling latency, else 30s. Derived values
// are at least one second.
func (d *Dispatcher) FrameTimeout(job Job) time.Duration {
	if d.cfg.FrameTimeout > 0 {
		return d.cfg.FrameTimeout
	}
	if ms := job.Options.MaxProcessingTimeMsPerFrame; ms > 0 {
		return max(time.Duration(2*ms*float64(time.Millisecond)), minDerivedFrameTimeout)
	}
	if d.cfg.Tracker != nil {
		if l := d.cfg.Tracker.ExpectedLatency(job.ModelType); l > 0 {
			return max(2*l, minDerivedFrameTimeout)
		}
	}
	return defaultFrameTimeout
}

// Submit runs job to completion. On abort it returns the partial result with
// Aborted set and an AbortedByUser error; when too many frames exhausted their
// retries it returns the partial result and a WorkerPoolDegraded error.
func (d *Dispatcher) Submit(ctx context.Context, job Job, hooks Hooks) (Result, error) {
	if err := validateFrames(job.Frames); err != nil {
		return Result{}, errs.InvalidRequest(err.Error())
	}
	if job.Provisioner == nil {
		return Result{}, errs.InvalidRequest("job has no detector provisioner")
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if job.ID != "" {
		d.mu.Lock()
		if _, dup := d.jobs[job.ID]; dup {
			d.mu.Unlock()
			return Result{}, errs.InvalidRequest("job " + job.ID + " is already running")
		}
		d.jobs[job.ID] = cancel
		d.mu.Unlock()
		defer func() {
			d.mu.Lock()
			delete(d.jobs, job.ID)
			d.mu.Unlock()
		}()
	}

	l := newLoop(d, job, hooks)
	return l.run(ctx)
}

func validateFrames(frames []types.FrameInput) error {
	for i := 1; i < len(frames); i++ {
		if frames[i].Index != frames[0].Index+i {
			return fmt.Errorf("frame indices must be contiguous and increasing: position %d has index %d after %d",
				i, frames[i].Index, frames[i-1].Index)
		}
	}
	return nil
}
