package manager

import (
	"context"
	"errors"
	"fmt"

	"landmarkd/internal/engine"
	"landmarkd/internal/errs"
	"landmarkd/internal/registry"
	"landmarkd/pkg/types"
)

func (m *Manager) createDetector(ctx context.Context, cfg types.ModelConfig, opts types.InferenceOptions) (engine.Detector, error) {
	if cfg.Type != types.ModelHolistic {
		return m.engine.CreateDetector(ctx, cfg, opts)
	}
	h, err := newHolistic(ctx, m.engine, m.catalog, opts)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// holisticDetector owns one detector per part and runs them on the same frame.
type holisticDetector struct {
	parts []types.ModelType
	dets  []engine.Detector
}

// newHolistic loads the parts sequentially. If any part fails, the parts that
// were loaded are closed and the whole load fails.
func newHolistic(ctx context.Context, eng engine.Engine, catalog registry.Catalog, opts types.InferenceOptions) (*holisticDetector, error) {
	h := &holisticDetector{}
	for _, part := range registry.HolisticParts() {
		cfg, ok := catalog.Lookup(part)
		if !ok {
			_ = h.Close()
			return nil, fmt.Errorf("holistic part %s not in catalog", part)
		}
		det, err := eng.CreateDetector(ctx, cfg, opts.WithDefaults(cfg.Defaults))
		if err != nil {
			if cerr := h.Close(); cerr != nil {
				err = errors.Join(err, cerr)
			}
			return nil, fmt.Errorf("holistic part %s: %w", part, err)
		}
		h.parts = append(h.parts, part)
		h.dets = append(h.dets, det)
	}
	return h, nil
}

// Detect runs every part. A part that finds nothing leaves its field empty; a
// communication failure in any part fails the frame.
func (h *holisticDetector) Detect(ctx context.Context, frame []byte, timestampMs int64) (types.LandmarkPayload, error) {
	var out types.HolisticLandmarks
	var firstErr error
	ok := 0
	for i, det := range h.dets {
		p, err := det.Detect(ctx, frame, timestampMs)
		if err != nil {
			if errs.IsWorkerCommunication(err) || ctx.Err() != nil {
				return types.LandmarkPayload{}, err
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", h.parts[i], err)
			}
			continue
		}
		ok++
		switch h.parts[i] {
		case types.ModelPose:
			out.Pose = p.Pose
		case types.ModelHand:
			out.Hands = p.Hand
		case types.ModelFace:
			out.Face = p.Face
		}
	}
	if ok == 0 && firstErr != nil {
		return types.LandmarkPayload{}, firstErr
	}
	return types.HolisticPayload(out), nil
}

// FootprintMB sums the parts' reported footprints; 0 unless every part reports.
func (h *holisticDetector) FootprintMB() int {
	total := 0
	for _, det := range h.dets {
		fr, ok := det.(engine.FootprintReporter)
		if !ok || fr.FootprintMB() <= 0 {
			return 0
		}
		total += fr.FootprintMB()
	}
	return total
}

// Healthy is false once any part reports itself unusable.
func (h *holisticDetector) Healthy() bool {
	for _, det := range h.dets {
		if hr, ok := det.(engine.HealthReporter); ok && !hr.Healthy() {
			return false
		}
	}
	return true
}

// Close closes the parts in reverse load order.
func (h *holisticDetector) Close() error {
	var errList []error
	for i := len(h.dets) - 1; i >= 0; i-- {
		if err := h.dets[i].Close(); err != nil {
			errList = append(errList, fmt.Errorf("close %s: %w", h.parts[i], err))
		}
	}
	h.dets = nil
	h.parts = nil
	return errors.Join(errList...)
}
