package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"landmarkd/internal/engine"
	"landmarkd/internal/errs"
	"landmarkd/pkg/types"
)

// worker owns one detector and processes one frame at a time. It shares nothing
// with the loop except its command and response channels.
type worker struct {
	id     int
	gen    uint64
	model  types.ModelType
	det    engine.Detector
	cmds   chan command
	cancel context.CancelFunc
	// abandoned is closed by the loop when it stops waiting for this worker.
	abandoned chan struct{}
	exited    chan struct{}
	log       zerolog.Logger
}

func (w *worker) run(ctx context.Context, resps chan<- response, done <-chan struct{}) {
	defer close(w.exited)
	defer func() {
		if err := w.det.Close(); err != nil {
			w.log.Warn().Err(err).Msg("detector close")
		}
	}()
	for cmd := range w.cmds {
		if cmd.kind == cmdStop {
			return
		}
		r := w.infer(ctx, cmd)
		select {
		case resps <- r:
		case <-w.abandoned:
			return
		case <-done:
			return
		}
		if r.kind == respCrashed {
			return
		}
	}
}

func (w *worker) infer(ctx context.Context, cmd command) (r response) {
	r = response{worker: w.id, gen: w.gen, pos: cmd.pos}
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.kind = respCrashed
			r.err = errs.WorkerCommunication(fmt.Sprintf("worker %d panicked", w.id), fmt.Errorf("%v", p))
			r.elapsed = time.Since(start)
		}
	}()
	payload, err := w.det.Detect(ctx, cmd.frame.Image, cmd.frame.TimestampMs)
	r.elapsed = time.Since(start)
	if err != nil {
		r.err = err
		if errs.IsWorkerCommunication(err) {
			r.kind = respCrashed
		} else {
			r.kind = respFrameError
		}
		return r
	}
	if payload.Type == "" {
		payload.Type = w.model
	}
	r.kind = respResult
	r.result = types.FrameResult{
		FrameIndex:       cmd.frame.Index,
		TimestampMs:      cmd.frame.TimestampMs,
		ProcessingTimeMs: float64(r.elapsed) / float64(time.Millisecond),
		Confidence:       payload.Confidence(),
		Landmarks:        payload,
	}
	return r
}
