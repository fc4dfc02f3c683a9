// Package engine defines the inference-engine collaborator: something that can
// turn a ModelConfig into a Detector producing landmarks for one frame at a time.
package engine

import (
	"context"

	"landmarkd/internal/errs"
	"landmarkd/pkg/types"
)

// Detector produces landmarks for a single encoded frame. Implementations are
// not required to be safe for concurrent use.
type Detector interface {
	Detect(ctx context.Context, frame []byte, timestampMs int64) (types.LandmarkPayload, error)
	Close() error
}

// Engine creates detectors.
type Engine interface {
	CreateDetector(ctx context.Context, cfg types.ModelConfig, opts types.InferenceOptions) (Detector, error)
}

// FootprintReporter is implemented by detectors that can report their measured
// resident memory after initialization.
type FootprintReporter interface {
	FootprintMB() int
}

// HealthReporter is implemented by detectors that can die underneath their
// owner, such as a killed engine process. A detector reporting false must not
// be used again.
type HealthReporter interface {
	Healthy() bool
}

// Func adapts a function to the Engine interface.
type Func func(ctx context.Context, cfg types.ModelConfig, opts types.InferenceOptions) (Detector, error)

func (f Func) CreateDetector(ctx context.Context, cfg types.ModelConfig, opts types.InferenceOptions) (Detector, error) {
	return f(ctx, cfg, opts)
}

// Unavailable is used when no engine command is configured.
type Unavailable struct {
	Reason string
}

func (u Unavailable) CreateDetector(context.Context, types.ModelConfig, types.InferenceOptions) (Detector, error) {
	msg := u.Reason
	if msg == "" {
		msg = "no inference engine configured"
	}
	return nil, errs.DependencyUnavailable(msg)
}
