package manager

import (
	"slices"
	"testing"

	"landmarkd/internal/errs"
	"landmarkd/pkg/types"
)

func TestSwitchLoadsDestinationThenUnloadsSource(t *testing.T) {
	m, ac, pub := newTestManager(t, 200, newFakeEngine())
	ctx := testCtx(t)
	if res := m.Load(ctx, types.ModelPose, types.InferenceOptions{}); !res.Success {
		t.Fatalf("load: %v", res.Err)
	}
	res := m.SwitchModel(ctx, types.ModelPose, types.ModelHand, types.InferenceOptions{})
	if !res.Success {
		t.Fatalf("switch: %v", res.Err)
	}
	if m.IsLoaded(types.ModelPose) || !m.IsLoaded(types.ModelHand) {
		t.Fatalf("expected only hand resident")
	}
	if used := ac.Usage().UsedMB; used != 40 {
		t.Fatalf("expected 40MB used, got %d", used)
	}
	want := []string{"load_start", "load_ready", "load_start", "load_ready", "unload_start", "unload_done", "switch_done"}
	if got := pub.Names(); !slices.Equal(got, want) {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestSwitchIsStrictAboutBudget(t *testing.T) {
	eng := newFakeEngine()
	// pose (60) + holistic (150) would overshoot 200
	m, ac, _ := newTestManager(t, 200, eng)
	ctx := testCtx(t)
	if res := m.Load(ctx, types.ModelPose, types.InferenceOptions{}); !res.Success {
		t.Fatalf("load: %v", res.Err)
	}
	res := m.SwitchModel(ctx, types.ModelPose, types.ModelHolistic, types.InferenceOptions{})
	if res.Success || !errs.IsAdmissionDenied(res.Err) {
		t.Fatalf("expected AdmissionDenied, got %+v", res)
	}
	if !slices.Contains(errs.Suggestions(res.Err), "unload pose before switching") {
		t.Fatalf("expected unload suggestion, got %v", errs.Suggestions(res.Err))
	}
	if !m.IsLoaded(types.ModelPose) {
		t.Fatalf("source must stay resident when switch fails")
	}
	if ac.Usage().UsedMB > ac.ThresholdMB() {
		t.Fatalf("threshold exceeded")
	}
	if eng.createdCount(types.ModelHand) != 0 {
		t.Fatalf("no holistic part may load on denial")
	}
}

func TestSwitchKeepsReferencedSource(t *testing.T) {
	m, _, _ := newTestManager(t, 1000, newFakeEngine())
	ctx := testCtx(t)
	src := m.Acquire(ctx, types.ModelPose, types.InferenceOptions{})
	if !src.Success {
		t.Fatalf("acquire: %v", src.Err)
	}
	defer src.Handle.Release()

	res := m.SwitchModel(ctx, types.ModelPose, types.ModelFace, types.InferenceOptions{})
	if !res.Success {
		t.Fatalf("switch: %v", res.Err)
	}
	if !m.IsLoaded(types.ModelPose) || !m.IsLoaded(types.ModelFace) {
		t.Fatalf("referenced source must stay resident")
	}
}

func TestSwitchToSameTypeIsLoad(t *testing.T) {
	eng := newFakeEngine()
	m, _, _ := newTestManager(t, 1000, eng)
	res := m.SwitchModel(testCtx(t), types.ModelFace, types.ModelFace, types.InferenceOptions{})
	if !res.Success || !m.IsLoaded(types.ModelFace) {
		t.Fatalf("expected face loaded: %v", res.Err)
	}
}
