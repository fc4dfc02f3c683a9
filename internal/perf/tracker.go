// Package perf keeps rolling per-model-type latency and confidence statistics.
// State is in-memory only.
package perf

import (
	"sync"
	"time"

	"landmarkd/pkg/types"
)

const (
	DefaultWindow = 50
	MinWindow     = 20
	MaxWindow     = 100
)

type sample struct {
	processingMs float64
	confidence   float64
}

// ring is a fixed-size window of the most recent samples.
type ring struct {
	buf     []sample
	next    int
	full    bool
	dropped int
	total   int
}

func (r *ring) add(s sample) {
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) samples() []sample {
	if r.full {
		return r.buf
	}
	return r.buf[:r.next]
}

// Tracker is safe for concurrent use. A nil *Tracker records nothing.
type Tracker struct {
	mu     sync.Mutex
	window int
	byType map[types.ModelType]*ring
}

// New returns a Tracker keeping window samples per type, clamped to [MinWindow, MaxWindow].
// Zero selects DefaultWindow.
func New(window int) *Tracker {
	if window == 0 {
		window = DefaultWindow
	}
	window = min(max(window, MinWindow), MaxWindow)
	return &Tracker{window: window, byType: make(map[types.ModelType]*ring)}
}

// Window returns the effective window size.
func (t *Tracker) Window() int { return t.window }

func (t *Tracker) ringLocked(mt types.ModelType) *ring {
	r := t.byType[mt]
	if r == nil {
		r = &ring{buf: make([]sample, t.window)}
		t.byType[mt] = r
	}
	return r
}

// Record adds a processed frame.
func (t *Tracker) Record(mt types.ModelType, processing time.Duration, confidence float64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.ringLocked(mt)
	r.add(sample{processingMs: float64(processing) / float64(time.Millisecond), confidence: confidence})
	r.total++
}

// RecordDrop counts n dropped frames.
func (t *Tracker) RecordDrop(mt types.ModelType, n int) {
	if t == nil || n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.ringLocked(mt)
	r.dropped += n
	r.total += n
}

// Metrics computes the rolling view for mt. FrameRate is 1000/average latency.
func (t *Tracker) Metrics(mt types.ModelType) types.PerformanceMetrics {
	out := types.PerformanceMetrics{ModelType: mt}
	if t == nil {
		return out
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.byType[mt]
	if r == nil {
		return out
	}
	ss := r.samples()
	out.DroppedFrames = r.dropped
	out.TotalFrames = r.total
	out.Samples = len(ss)
	if len(ss) == 0 {
		return out
	}
	var lat, conf float64
	for _, s := range ss {
		lat += s.processingMs
		conf += s.confidence
	}
	out.AverageProcessingTimeMs = lat / float64(len(ss))
	out.Accuracy = conf / float64(len(ss))
	if out.AverageProcessingTimeMs > 0 {
		out.FrameRate = 1000 / out.AverageProcessingTimeMs
	}
	return out
}

// ExpectedLatency returns the rolling average latency, or 0 without samples.
func (t *Tracker) ExpectedLatency(mt types.ModelType) time.Duration {
	m := t.Metrics(mt)
	return time.Duration(m.AverageProcessingTimeMs * float64(time.Millisecond))
}

// Reset forgets everything recorded for mt.
func (t *Tracker) Reset(mt types.ModelType) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byType, mt)
}
