package manager

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"landmarkd/internal/errs"
	"landmarkd/pkg/types"
)

func TestLoadReturnsCachedHandle(t *testing.T) {
	eng := newFakeEngine()
	m, _, _ := newTestManager(t, 1000, eng)
	ctx := testCtx(t)

	first := m.Load(ctx, types.ModelPose, types.InferenceOptions{})
	if !first.Success {
		t.Fatalf("load: %v", first.Err)
	}
	if first.Cached {
		t.Fatalf("first load must not be cached")
	}
	second := m.Load(ctx, types.ModelPose, types.InferenceOptions{})
	if !second.Success || !second.Cached {
		t.Fatalf("expected cached success, got %+v", second)
	}
	if second.Handle != first.Handle {
		t.Fatalf("cache hit returned a different handle")
	}
	if got := eng.createdCount(types.ModelPose); got != 1 {
		t.Fatalf("expected 1 engine load, got %d", got)
	}
	if !m.IsLoaded(types.ModelPose) {
		t.Fatalf("expected pose loaded")
	}
}

func TestConcurrentLoadsCoalesce(t *testing.T) {
	eng := newFakeEngine()
	eng.gate = make(chan struct{})
	m, _, pub := newTestManager(t, 1000, eng)
	ctx := testCtx(t)

	const callers = 8
	results := make([]LoadResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.Load(ctx, types.ModelHand, types.InferenceOptions{})
		}(i)
	}
	// wait until the single engine call is blocked, and every caller has had a chance to join
	deadline := time.Now().Add(time.Second)
	for eng.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(eng.gate)
	wg.Wait()

	if got := eng.createdCount(types.ModelHand); got != 1 {
		t.Fatalf("expected exactly one underlying load, got %d", got)
	}
	coalesced := 0
	for i, r := range results {
		if !r.Success {
			t.Fatalf("caller %d failed: %v", i, r.Err)
		}
		if r.Handle != results[0].Handle {
			t.Fatalf("caller %d observed a different handle", i)
		}
		if r.Coalesced {
			coalesced++
		}
	}
	if coalesced == 0 {
		t.Fatalf("expected coalesced callers")
	}
	if pub.Count("load_ready") != 1 {
		t.Fatalf("expected one load_ready event, got %v", pub.Names())
	}
	if _, c := m.LoadCounters(); c != uint64(coalesced) {
		t.Fatalf("coalesced counter %d != %d", c, coalesced)
	}
}

func TestConcurrentLoadsShareError(t *testing.T) {
	eng := newFakeEngine()
	eng.gate = make(chan struct{})
	eng.failOn[types.ModelFace] = errBoom
	m, _, _ := newTestManager(t, 1000, eng)
	ctx := testCtx(t)

	var wg sync.WaitGroup
	errsSeen := make([]error, 4)
	for i := range errsSeen {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errsSeen[i] = m.Load(ctx, types.ModelFace, types.InferenceOptions{}).Err
		}(i)
	}
	for eng.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(eng.gate)
	wg.Wait()
	for i, err := range errsSeen {
		if !errs.IsModelLoad(err) {
			t.Fatalf("caller %d: expected ModelLoad error, got %v", i, err)
		}
	}
	if m.IsLoaded(types.ModelFace) {
		t.Fatalf("failed load must not register a handle")
	}
}

func TestLoadDeniedByAdmission(t *testing.T) {
	eng := newFakeEngine()
	m, ac, _ := newTestManager(t, 100, eng)

	res := m.Load(testCtx(t), types.ModelHolistic, types.InferenceOptions{})
	if res.Success {
		t.Fatalf("expected denial for 150MB model under 100MB threshold")
	}
	if !errs.IsAdmissionDenied(res.Err) {
		t.Fatalf("expected AdmissionDenied, got %v", res.Err)
	}
	if len(errs.Suggestions(res.Err)) == 0 {
		t.Fatalf("expected suggestions")
	}
	if eng.calls.Load() != 0 {
		t.Fatalf("engine must not be called on denial")
	}
	if m.IsLoaded(types.ModelHolistic) || ac.Usage().UsedMB != 0 {
		t.Fatalf("no handle or reservation may remain")
	}
}

func TestLoadReconcilesMeasuredFootprint(t *testing.T) {
	eng := newFakeEngine()
	eng.footprint[types.ModelPose] = 80
	m, ac, _ := newTestManager(t, 1000, eng)

	res := m.Load(testCtx(t), types.ModelPose, types.InferenceOptions{})
	if !res.Success {
		t.Fatalf("load: %v", res.Err)
	}
	if res.MemoryUsedMB != 80 || res.Handle.MemoryMB != 80 {
		t.Fatalf("expected measured 80MB, got %d", res.MemoryUsedMB)
	}
	if used := ac.Usage().UsedMB; used != 80 {
		t.Fatalf("expected reservation reconciled to 80, got %d", used)
	}
}

func TestLoadFailureReleasesReservation(t *testing.T) {
	eng := newFakeEngine()
	eng.failOn[types.ModelPose] = errBoom
	m, ac, pub := newTestManager(t, 1000, eng)

	res := m.Load(testCtx(t), types.ModelPose, types.InferenceOptions{})
	if res.Success || !errs.IsModelLoad(res.Err) {
		t.Fatalf("expected ModelLoad error, got %+v", res)
	}
	if ac.Usage().UsedMB != 0 {
		t.Fatalf("reservation leaked: %d", ac.Usage().UsedMB)
	}
	if pub.Count("load_fail") != 1 {
		t.Fatalf("expected load_fail event, got %v", pub.Names())
	}
}

func TestLoadRejectsInvalidInput(t *testing.T) {
	m, _, _ := newTestManager(t, 1000, newFakeEngine())
	if res := m.Load(testCtx(t), types.ModelType("tail"), types.InferenceOptions{}); !errs.IsInvalidRequest(res.Err) {
		t.Fatalf("expected invalid request, got %v", res.Err)
	}
	if res := m.Load(testCtx(t), types.ModelPose, types.InferenceOptions{ConfidenceThreshold: 2}); !errs.IsInvalidRequest(res.Err) {
		t.Fatalf("expected invalid options, got %v", res.Err)
	}
}

func TestCallerCancelDoesNotAbortLoad(t *testing.T) {
	eng := newFakeEngine()
	eng.gate = make(chan struct{})
	m, _, _ := newTestManager(t, 1000, eng)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan LoadResult, 1)
	go func() { done <- m.Load(ctx, types.ModelPose, types.InferenceOptions{}) }()
	for eng.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	res := <-done
	if res.Err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", res.Err)
	}
	close(eng.gate)
	deadline := time.Now().Add(time.Second)
	for !m.IsLoaded(types.ModelPose) {
		if time.Now().After(deadline) {
			t.Fatalf("detached load never completed")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStatusListsResidentModels(t *testing.T) {
	m, _, _ := newTestManager(t, 1000, newFakeEngine())
	ctx := testCtx(t)
	_ = m.Load(ctx, types.ModelHand, types.InferenceOptions{})
	_ = m.Load(ctx, types.ModelPose, types.InferenceOptions{})
	st := m.Status()
	if len(st) != 2 || st[0].ModelType != types.ModelPose || st[1].ModelType != types.ModelHand {
		t.Fatalf("expected pose,hand in catalog order, got %+v", st)
	}
	if st[0].State != string(StateReady) || st[0].MemoryMB != 60 {
		t.Fatalf("unexpected status %+v", st[0])
	}
	if m.LoadsInFlight() != 0 {
		t.Fatalf("expected no loads in flight")
	}
}

func TestCloseTearsDownAndRejectsLoads(t *testing.T) {
	eng := newFakeEngine()
	m, ac, _ := newTestManager(t, 1000, eng)
	ctx := testCtx(t)
	_ = m.Load(ctx, types.ModelPose, types.InferenceOptions{})
	_ = m.Load(ctx, types.ModelHand, types.InferenceOptions{})

	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	for _, d := range eng.detectors() {
		if !d.closed.Load() {
			t.Fatalf("detector %s not closed", d.model)
		}
	}
	if ac.Usage().UsedMB != 0 {
		t.Fatalf("expected budget released")
	}
	res := m.Load(ctx, types.ModelPose, types.InferenceOptions{})
	if !errs.IsDependencyUnavailable(res.Err) {
		t.Fatalf("expected closed manager to refuse, got %v", res.Err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestHolisticRollsBackOnPartFailure(t *testing.T) {
	eng := newFakeEngine()
	eng.failOn[types.ModelFace] = errBoom
	m, ac, _ := newTestManager(t, 1000, eng)

	res := m.Load(testCtx(t), types.ModelHolistic, types.InferenceOptions{})
	if res.Success || !errs.IsModelLoad(res.Err) {
		t.Fatalf("expected ModelLoad error, got %+v", res)
	}
	if !strings.Contains(res.Err.Error(), "face") {
		t.Fatalf("error should name the failing part: %v", res.Err)
	}
	dets := eng.detectors()
	if len(dets) != 2 {
		t.Fatalf("expected pose and hand loaded before failure, got %d", len(dets))
	}
	for _, d := range dets {
		if !d.closed.Load() {
			t.Fatalf("%s sub-detector not rolled back", d.model)
		}
	}
	if ac.Usage().UsedMB != 0 || m.IsLoaded(types.ModelHolistic) {
		t.Fatalf("holistic failure left state behind")
	}
}

func TestHolisticComposesParts(t *testing.T) {
	eng := newFakeEngine()
	m, _, _ := newTestManager(t, 1000, eng)

	res := m.Load(testCtx(t), types.ModelHolistic, types.InferenceOptions{})
	if !res.Success {
		t.Fatalf("load: %v", res.Err)
	}
	p, err := res.Handle.Detect(testCtx(t), []byte{1}, 0)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if err := p.Validate(); err != nil || p.Type != types.ModelHolistic {
		t.Fatalf("bad holistic payload: %v", err)
	}
	if p.Holistic.Pose == nil || p.Holistic.Hands == nil || p.Holistic.Face == nil {
		t.Fatalf("expected all three parts, got %+v", p.Holistic)
	}
	if err := m.Unload(types.ModelHolistic); err != nil {
		t.Fatalf("unload: %v", err)
	}
	for _, d := range eng.detectors() {
		if !d.closed.Load() {
			t.Fatalf("%s part not closed on unload", d.model)
		}
	}
}
