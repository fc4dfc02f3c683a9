package manager

import (
	"context"
	"fmt"
	"sync"

	"landmarkd/internal/admission"
	"landmarkd/internal/engine"
	"landmarkd/pkg/types"
)

// Replicas hands out per-worker detectors for one job. Worker 0 first borrows
// the primary handle; every other provision loads a private copy through a
// manager scoped to that worker, sharing the admission controller. Copies are
// best-effort reservations and are refused under critical memory pressure.
type Replicas struct {
	parent  *Manager
	primary *Handle
	job     string

	mu       sync.Mutex
	borrowed bool
	gen      int
	scoped   []*Manager
}

// Replicas returns a provisioner of detectors of the same type and options as primary.
func (m *Manager) Replicas(job string, primary *Handle) *Replicas {
	return &Replicas{parent: m, primary: primary, job: job}
}

// Provision returns a detector for worker. Each call after the first for a
// worker yields a fresh copy, so a crashed or hung detector is never reused.
func (r *Replicas) Provision(ctx context.Context, worker int) (engine.Detector, error) {
	r.mu.Lock()
	if worker == 0 && !r.borrowed {
		r.borrowed = true
		r.mu.Unlock()
		return borrowedDetector{h: r.primary}, nil
	}
	r.gen++
	p := r.parent
	sm := New(Config{
		Catalog:      p.catalog,
		Engine:       p.engine,
		Admission:    p.admission,
		Publisher:    p.publisher,
		Logger:       &p.log,
		Metrics:      p.metrics,
		DrainTimeout: p.drainTimeout,
		Scope:        fmt.Sprintf("%s/worker-%d.%d", r.job, worker, r.gen),
		Class:        admission.BestEffort,
	})
	r.scoped = append(r.scoped, sm)
	r.mu.Unlock()

	res := sm.Load(ctx, r.primary.Type, r.primary.Options)
	if !res.Success {
		_ = sm.Close()
		return nil, res.Err
	}
	return scopedDetector{m: sm, h: res.Handle}, nil
}

// Close tears down every copy that is still resident.
func (r *Replicas) Close() error {
	r.mu.Lock()
	scoped := r.scoped
	r.scoped = nil
	r.mu.Unlock()
	for _, sm := range scoped {
		_ = sm.Close()
	}
	return nil
}

// borrowedDetector shares the primary handle; closing it leaves the handle resident.
type borrowedDetector struct{ h *Handle }

func (b borrowedDetector) Detect(ctx context.Context, frame []byte, ts int64) (types.LandmarkPayload, error) {
	return b.h.Detect(ctx, frame, ts)
}

func (borrowedDetector) Close() error { return nil }

// scopedDetector owns a worker-scoped manager; closing it unloads the copy.
type scopedDetector struct {
	m *Manager
	h *Handle
}

func (s scopedDetector) Detect(ctx context.Context, frame []byte, ts int64) (types.LandmarkPayload, error) {
	return s.h.Detect(ctx, frame, ts)
}

func (s scopedDetector) Close() error { return s.m.Close() }
