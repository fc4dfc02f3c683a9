package manager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"landmarkd/internal/admission"
	"landmarkd/internal/engine"
	"landmarkd/internal/events"
	"landmarkd/internal/registry"
	"landmarkd/pkg/types"
)

// fakeEngine is an in-memory engine used for tests.
type fakeEngine struct {
	mu        sync.Mutex
	created   map[types.ModelType]int
	dets      []*fakeDetector
	failOn    map[types.ModelType]error
	footprint map[types.ModelType]int
	gate      chan struct{} // when set, CreateDetector blocks until closed
	calls     atomic.Int32
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		created:   make(map[types.ModelType]int),
		failOn:    make(map[types.ModelType]error),
		footprint: make(map[types.ModelType]int),
	}
}

func (f *fakeEngine) CreateDetector(ctx context.Context, cfg types.ModelConfig, _ types.InferenceOptions) (engine.Detector, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[cfg.Type]; err != nil {
		return nil, err
	}
	f.created[cfg.Type]++
	d := &fakeDetector{model: cfg.Type, footprint: f.footprint[cfg.Type]}
	f.dets = append(f.dets, d)
	return d, nil
}

func (f *fakeEngine) createdCount(t types.ModelType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[t]
}

func (f *fakeEngine) detectors() []*fakeDetector {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeDetector(nil), f.dets...)
}

type fakeDetector struct {
	model     types.ModelType
	footprint int
	closeErr  error
	closed    atomic.Bool
	detectErr error
}

func (d *fakeDetector) Detect(ctx context.Context, frame []byte, ts int64) (types.LandmarkPayload, error) {
	if d.detectErr != nil {
		return types.LandmarkPayload{}, d.detectErr
	}
	pts := []types.Landmark{{X: 0.1, Y: 0.2, Visibility: 0.8}}
	switch d.model {
	case types.ModelHand:
		return types.HandPayload(types.HandLandmarks{Hands: []types.Hand{{Handedness: "Left", Score: 0.9, Landmarks: pts}}}), nil
	case types.ModelFace:
		return types.FacePayload(types.FaceLandmarks{Faces: []types.Face{{Landmarks: pts}}}), nil
	}
	return types.PosePayload(types.PoseLandmarks{Landmarks: pts}), nil
}

func (d *fakeDetector) Close() error {
	d.closed.Store(true)
	return d.closeErr
}

func (d *fakeDetector) FootprintMB() int { return d.footprint }

// testCatalog uses round memory figures so budgets are easy to reason about.
func testCatalog() registry.Catalog {
	return registry.NewCatalog([]types.ModelConfig{
		{Type: types.ModelPose, MemoryMB: 60},
		{Type: types.ModelHand, MemoryMB: 40},
		{Type: types.ModelFace, MemoryMB: 50},
		{Type: types.ModelHolistic, MemoryMB: 150},
	})
}

func newTestManager(t *testing.T, thresholdMB int, eng *fakeEngine) (*Manager, *admission.Controller, *events.Memory) {
	t.Helper()
	pub := events.NewMemory(0)
	ac := newTestAdmission(thresholdMB)
	m := New(Config{
		Catalog:      testCatalog(),
		Engine:       eng,
		Admission:    ac,
		Publisher:    pub,
		DrainTimeout: 100 * time.Millisecond,
	})
	t.Cleanup(func() { _ = m.Close() })
	return m, ac, pub
}

// testCtx returns a context with a short timeout, canceled on test cleanup.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return c
}

var errBoom = errors.New("engine init failed")

func newTestAdmission(thresholdMB int) *admission.Controller {
	return admission.New(admission.Config{ThresholdMB: thresholdMB, Reclaim: func() {}})
}
