package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"landmarkd/internal/admission"
	"landmarkd/internal/engine"
	"landmarkd/internal/errs"
	"landmarkd/pkg/types"
)

// State represents the lifecycle state of a resident handle.
type State string

const (
	StateReady    State = "ready"
	StateDraining State = "draining"
	// StateBroken marks a handle whose detector died underneath it. The next
	// Load retires it and loads a fresh one.
	StateBroken State = "broken"
)

// Handle is a loaded detector owned by the Manager. Jobs reference it through
// Manager.Acquire and drop the reference with Release; it is closed only when no
// references remain.
type Handle struct {
	Type     types.ModelType
	Config   types.ModelConfig
	Options  types.InferenceOptions
	LoadedAt time.Time
	LoadTime time.Duration
	MemoryMB int

	mu          sync.Mutex // serializes Detect
	det         engine.Detector
	refs        atomic.Int32
	lastUsed    atomic.Int64
	state       atomic.Value // State
	broken      atomic.Bool
	reservation admission.ReservationID
}

func newHandle(cfg types.ModelConfig, opts types.InferenceOptions, det engine.Detector, rid admission.ReservationID) *Handle {
	h := &Handle{Type: cfg.Type, Config: cfg, Options: opts, det: det, reservation: rid, LoadedAt: time.Now()}
	h.state.Store(StateReady)
	h.touch()
	return h
}

// Release drops a job reference taken by Manager.Acquire.
func (h *Handle) Release() {
	if h.refs.Add(-1) < 0 {
		panic("manager: Handle.Release without Acquire")
	}
}

// Refs returns the number of job references.
func (h *Handle) Refs() int { return int(h.refs.Load()) }

// State returns the lifecycle state. Broken takes precedence over the stored state.
func (h *Handle) State() State {
	if h.broken.Load() {
		return StateBroken
	}
	return h.state.Load().(State)
}

// Broken reports whether the detector can no longer serve frames.
func (h *Handle) Broken() bool { return h.broken.Load() }

// LastUsed returns when the handle was last acquired or used.
func (h *Handle) LastUsed() time.Time { return time.Unix(0, h.lastUsed.Load()) }

func (h *Handle) touch() { h.lastUsed.Store(time.Now().UnixNano()) }

// Detect runs the underlying detector. Calls are serialized per handle.
func (h *Handle) Detect(ctx context.Context, frame []byte, timestampMs int64) (types.LandmarkPayload, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.touch()
	p, err := h.det.Detect(ctx, frame, timestampMs)
	if err != nil {
		h.noteHealth(err)
	}
	return p, err
}

// noteHealth marks the handle broken after a failure that killed the detector,
// such as a cancelled round trip on an engine process.
func (h *Handle) noteHealth(err error) {
	if hr, ok := h.det.(engine.HealthReporter); ok {
		if !hr.Healthy() {
			h.broken.Store(true)
		}
		return
	}
	if errs.IsWorkerCommunication(err) {
		h.broken.Store(true)
	}
}

func (h *Handle) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.det.Close()
}

// LoadResult is the outcome of Load and SwitchModel.
type LoadResult struct {
	Success      bool
	Handle       *Handle
	Err          error
	LoadTimeMs   float64
	MemoryUsedMB int
	// Cached is set when the model was already resident.
	Cached bool
	// Coalesced is set when the call joined a load started by another caller.
	Coalesced bool
}

func failed(err error) LoadResult { return LoadResult{Err: err} }
