package manager

import (
	"errors"
	"testing"
	"time"

	"landmarkd/internal/errs"
	"landmarkd/pkg/types"
)

func TestCommunicationFailureRetiresHandle(t *testing.T) {
	eng := newFakeEngine()
	m, ac, pub := newTestManager(t, 1000, eng)
	ctx := testCtx(t)

	res := m.Acquire(ctx, types.ModelPose, types.InferenceOptions{})
	if !res.Success {
		t.Fatalf("acquire: %v", res.Err)
	}
	old := res.Handle
	eng.detectors()[0].detectErr = errs.WorkerCommunication("engine process exited", nil)
	if _, err := old.Detect(ctx, []byte{1}, 0); !errs.IsWorkerCommunication(err) {
		t.Fatalf("expected communication error, got %v", err)
	}
	if old.State() != StateBroken {
		t.Fatalf("expected broken handle, got %s", old.State())
	}
	if m.IsLoaded(types.ModelPose) {
		t.Fatalf("broken handle must not count as loaded")
	}
	old.Release()

	next := m.Load(ctx, types.ModelPose, types.InferenceOptions{})
	if !next.Success || next.Cached {
		t.Fatalf("expected a fresh load, got %+v", next)
	}
	if next.Handle == old {
		t.Fatalf("broken handle was handed out again")
	}
	if got := eng.createdCount(types.ModelPose); got != 2 {
		t.Fatalf("expected reload, got %d engine loads", got)
	}
	if !eng.detectors()[0].closed.Load() {
		t.Fatalf("dead detector not closed")
	}
	if u := ac.Usage(); u.Reservations != 1 || u.UsedMB != 60 {
		t.Fatalf("expected only the fresh reservation, got %+v", u)
	}
	if pub.Count("model_broken") != 1 {
		t.Fatalf("expected model_broken event, got %v", pub.Names())
	}
}

func TestBrokenHandleWaitsForReferences(t *testing.T) {
	eng := newFakeEngine()
	m, ac, _ := newTestManager(t, 1000, eng)
	ctx := testCtx(t)

	res := m.Acquire(ctx, types.ModelHand, types.InferenceOptions{})
	if !res.Success {
		t.Fatalf("acquire: %v", res.Err)
	}
	eng.detectors()[0].detectErr = errs.WorkerCommunication("engine process exited", nil)
	_, _ = res.Handle.Detect(ctx, []byte{1}, 0)

	again := m.Acquire(ctx, types.ModelHand, types.InferenceOptions{})
	if !again.Success || again.Handle == res.Handle {
		t.Fatalf("expected a replacement handle, got %+v", again)
	}
	defer again.Handle.Release()
	if eng.detectors()[0].closed.Load() {
		t.Fatalf("broken detector closed while still referenced")
	}
	if ac.Usage().Reservations != 2 {
		t.Fatalf("expected both reservations held, got %d", ac.Usage().Reservations)
	}

	res.Handle.Release()
	deadline := time.Now().Add(time.Second)
	for !eng.detectors()[0].closed.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !eng.detectors()[0].closed.Load() {
		t.Fatalf("broken detector not closed after release")
	}
	for ac.Usage().Reservations != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if ac.Usage().Reservations != 1 {
		t.Fatalf("expected the broken reservation released")
	}
}

func TestFrameErrorKeepsHandle(t *testing.T) {
	eng := newFakeEngine()
	m, _, _ := newTestManager(t, 1000, eng)
	ctx := testCtx(t)

	res := m.Load(ctx, types.ModelFace, types.InferenceOptions{})
	if !res.Success {
		t.Fatalf("load: %v", res.Err)
	}
	eng.detectors()[0].detectErr = errors.New("no face found")
	if _, err := res.Handle.Detect(ctx, []byte{1}, 0); err == nil {
		t.Fatalf("expected frame error")
	}
	if res.Handle.State() != StateReady || !m.IsLoaded(types.ModelFace) {
		t.Fatalf("a frame error must leave the handle ready")
	}
}

func TestCloseDuringLoadDiscardsHandle(t *testing.T) {
	eng := newFakeEngine()
	eng.gate = make(chan struct{})
	m, ac, pub := newTestManager(t, 1000, eng)
	ctx := testCtx(t)

	done := make(chan LoadResult, 1)
	go func() { done <- m.Load(ctx, types.ModelPose, types.InferenceOptions{}) }()
	deadline := time.Now().Add(time.Second)
	for eng.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	close(eng.gate)

	res := <-done
	if res.Success || !errs.IsDependencyUnavailable(res.Err) {
		t.Fatalf("expected closed manager error, got %+v", res)
	}
	dets := eng.detectors()
	if len(dets) != 1 || !dets[0].closed.Load() {
		t.Fatalf("detector created after close was not torn down")
	}
	if _, ok := m.Handle(types.ModelPose); ok {
		t.Fatalf("handle registered on a closed manager")
	}
	if u := ac.Usage(); u.UsedMB != 0 || u.Reservations != 0 {
		t.Fatalf("expected budget released, got %+v", u)
	}
	if pub.Count("load_discarded") != 1 {
		t.Fatalf("expected load_discarded event, got %v", pub.Names())
	}
}
