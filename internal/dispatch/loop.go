package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"landmarkd/internal/errs"
	"landmarkd/pkg/types"
)

type slot struct {
	pos      int
	deadline time.Time
}

// loop is the per-job event loop. All of its state is touched only by the
// goroutine running run.
type loop struct {
	d       *Dispatcher
	job     Job
	hooks   Hooks
	log     zerolog.Logger
	timeout time.Duration
	maxMs   float64

	workers  map[int]*worker
	idle     []int
	inflight map[int]slot
	queue    []int
	retries  map[int]int
	gen      uint64
	resps    chan response
	done     chan struct{}
	seq      *sequencer

	res       Result
	exhausted int
	skipNext  bool
	aborted   bool
}

func newLoop(d *Dispatcher, job Job, hooks Hooks) *loop {
	l := &loop{
		d:        d,
		job:      job,
		hooks:    hooks,
		log:      d.log.With().Str("job_id", job.ID).Str("model", string(job.ModelType)).Logger(),
		timeout:  d.FrameTimeout(job),
		maxMs:    job.Options.MaxProcessingTimeMsPerFrame,
		workers:  make(map[int]*worker),
		inflight: make(map[int]slot),
		retries:  make(map[int]int),
		done:     make(chan struct{}),
	}
	l.seq = newSequencer(l.emit)
	return l
}

func (l *loop) run(ctx context.Context) (Result, error) {
	n := len(l.job.Frames)
	l.res.DropReasons = make(map[string]int)
	l.res.Frames = make([]types.FrameResult, 0, n)
	if n == 0 {
		return l.res, nil
	}
	size := l.d.PoolSize(n)
	l.resps = make(chan response, size)
	defer l.shutdown()

	for id := 0; id < size; id++ {
		if err := l.spawn(ctx, id); err != nil {
			if id == 0 {
				return l.res, err
			}
			l.log.Warn().Err(err).Int("worker", id).Msg("worker unavailable, continuing with a smaller pool")
			break
		}
	}
	l.res.Workers = len(l.workers)
	l.log.Debug().Int("frames", n).Int("workers", l.res.Workers).Dur("frame_timeout", l.timeout).Msg("dispatch start")

	l.queue = make([]int, n)
	for i := range l.queue {
		l.queue[i] = i
	}

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	abortCh := ctx.Done()
	for {
		l.dispatch(ctx)
		if l.aborted {
			abortCh = nil
		}
		if len(l.workers) == 0 && len(l.queue) > 0 {
			l.log.Error().Int("frames", len(l.queue)).Msg("no workers left")
			for _, pos := range l.queue {
				l.drop(pos, DropNoWorkers)
			}
			l.queue = nil
		}
		if len(l.inflight) == 0 && len(l.queue) == 0 {
			break
		}
		l.armTimer(timer)
		select {
		case r := <-l.resps:
			l.handle(ctx, r)
		case <-timer.C:
			l.expire(ctx)
		case <-abortCh:
			l.abort()
		}
	}
	return l.finish()
}

func (l *loop) finish() (Result, error) {
	n := len(l.job.Frames)
	l.log.Debug().Int("kept", len(l.res.Frames)).Int("dropped", l.res.Dropped).
		Int("respawns", l.res.Respawns).Bool("aborted", l.res.Aborted).Msg("dispatch done")
	if l.res.Aborted {
		return l.res, errs.Aborted(fmt.Sprintf("job %s aborted after %d of %d frames", l.job.ID, len(l.res.Frames), n))
	}
	if l.res.DropReasons[DropNoWorkers] > 0 ||
		float64(l.exhausted) > l.d.cfg.DegradedFraction*float64(n) {
		return l.res, errs.WorkerPoolDegraded(fmt.Sprintf("%d of %d frames failed after retries",
			l.exhausted+l.res.DropReasons[DropNoWorkers], n))
	}
	return l.res, nil
}

// dispatch hands queued frames to idle workers, checking for abort before each.
func (l *loop) dispatch(ctx context.Context) {
	for len(l.idle) > 0 && len(l.queue) > 0 {
		if ctx.Err() != nil {
			l.abort()
			return
		}
		pos := l.queue[0]
		l.queue = l.queue[1:]
		if l.skipNext {
			l.skipNext = false
			l.drop(pos, DropSkippedOverload)
			continue
		}
		wid := l.idle[len(l.idle)-1]
		l.idle = l.idle[:len(l.idle)-1]
		l.workers[wid].cmds <- command{kind: cmdInfer, pos: pos, frame: l.job.Frames[pos]}
		l.inflight[wid] = slot{pos: pos, deadline: time.Now().Add(l.timeout)}
	}
}

func (l *loop) armTimer(t *time.Timer) {
	var earliest time.Time
	for _, s := range l.inflight {
		if earliest.IsZero() || s.deadline.Before(earliest) {
			earliest = s.deadline
		}
	}
	if earliest.IsZero() {
		t.Stop()
		return
	}
	t.Reset(time.Until(earliest))
}

func (l *loop) handle(ctx context.Context, r response) {
	w, ok := l.workers[r.worker]
	if !ok || w.gen != r.gen {
		return
	}
	s, ok := l.inflight[r.worker]
	if !ok || s.pos != r.pos {
		return
	}
	delete(l.inflight, r.worker)
	frame := l.job.Frames[r.pos]

	switch r.kind {
	case respResult:
		l.idle = append(l.idle, r.worker)
		l.d.cfg.Tracker.Record(l.job.ModelType, r.elapsed, r.result.Confidence)
		l.d.cfg.Metrics.FrameProcessed(string(l.job.ModelType), r.elapsed.Seconds())
		if l.job.Options.SkipFramesOnOverload && l.maxMs > 0 && r.result.ProcessingTimeMs > l.maxMs {
			l.skipNext = true
		}
		res := r.result
		l.seq.complete(outcome{pos: r.pos, result: &res})
	case respFrameError:
		l.idle = append(l.idle, r.worker)
		reason := DropFrameError
		if l.aborted || ctx.Err() != nil {
			reason = DropAborted
		}
		l.log.Warn().Err(errs.FrameProcessing(frame.Index, r.err)).Int("worker", r.worker).Msg("frame dropped")
		l.drop(r.pos, reason)
	case respCrashed:
		// the worker has exited
		delete(l.workers, r.worker)
		l.log.Warn().Err(r.err).Int("worker", r.worker).Int("frame", frame.Index).Msg("worker crashed")
		l.reschedule(ctx, r.worker, r.pos, "crash")
	}
}

// expire abandons workers whose frame outlived the timeout.
func (l *loop) expire(ctx context.Context) {
	now := time.Now()
	for wid, s := range l.inflight {
		if now.Before(s.deadline) {
			continue
		}
		w := l.workers[wid]
		delete(l.inflight, wid)
		delete(l.workers, wid)
		w.cancel()
		close(w.abandoned)
		l.log.Warn().Int("worker", wid).Int("frame", l.job.Frames[s.pos].Index).Dur("timeout", l.timeout).
			Msg("frame timed out, abandoning worker")
		l.reschedule(ctx, wid, s.pos, "timeout")
	}
}

// reschedule requeues or drops the frame a lost worker held, then respawns it.
func (l *loop) reschedule(ctx context.Context, wid, pos int, cause string) {
	l.d.cfg.Metrics.WorkerRespawn(string(l.job.ModelType), cause)
	l.retries[pos]++
	switch {
	case l.aborted:
		l.drop(pos, DropAborted)
	case l.retries[pos] <= l.d.cfg.MaxRetries:
		l.queue = append([]int{pos}, l.queue...)
	default:
		l.exhausted++
		l.drop(pos, DropRetriesExhausted)
	}
	if l.aborted {
		return
	}
	if err := l.spawn(ctx, wid); err != nil {
		l.log.Error().Err(err).Int("worker", wid).Msg("respawn failed")
		return
	}
	l.res.Respawns++
}

func (l *loop) abort() {
	if l.aborted {
		return
	}
	l.aborted = true
	l.res.Aborted = true
	l.log.Info().Int("queued", len(l.queue)).Int("in_flight", len(l.inflight)).Msg("abort")
	for _, pos := range l.queue {
		l.drop(pos, DropAborted)
	}
	l.queue = nil
}

func (l *loop) drop(pos int, reason string) {
	l.seq.complete(outcome{pos: pos, reason: reason})
}

// emit receives outcomes from the sequencer in position order.
func (l *loop) emit(o outcome) {
	frame := l.job.Frames[o.pos]
	if o.result != nil {
		l.res.Frames = append(l.res.Frames, *o.result)
		if l.hooks.OnResult != nil {
			l.hooks.OnResult(*o.result)
		}
	} else {
		l.res.Dropped++
		l.res.DropReasons[o.reason]++
		l.d.cfg.Tracker.RecordDrop(l.job.ModelType, 1)
		l.d.cfg.Metrics.FramesDropped(string(l.job.ModelType), o.reason, 1)
		if l.hooks.OnDrop != nil {
			l.hooks.OnDrop(frame.Index, o.reason)
		}
	}
	if l.hooks.OnProgress != nil {
		l.hooks.OnProgress(len(l.res.Frames)+l.res.Dropped, len(l.job.Frames))
	}
}

func (l *loop) spawn(ctx context.Context, id int) error {
	det, err := l.job.Provisioner.Provision(ctx, id)
	if err != nil {
		return err
	}
	l.gen++
	wctx, cancel := context.WithCancel(ctx)
	w := &worker{
		id:        id,
		gen:       l.gen,
		model:     l.job.ModelType,
		det:       det,
		cmds:      make(chan command, 1),
		cancel:    cancel,
		abandoned: make(chan struct{}),
		exited:    make(chan struct{}),
		log:       l.log.With().Int("worker", id).Logger(),
	}
	l.workers[id] = w
	l.idle = append(l.idle, id)
	go w.run(wctx, l.resps, l.done)
	return nil
}

// shutdown stops live workers and waits for them to close their detectors.
// Abandoned workers are not waited for.
func (l *loop) shutdown() {
	close(l.done)
	for _, w := range l.workers {
		w.cmds <- command{kind: cmdStop}
	}
	for _, w := range l.workers {
		<-w.exited
		w.cancel()
	}
}
