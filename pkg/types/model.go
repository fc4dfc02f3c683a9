package types

import (
	"fmt"
	"strings"
)

// ModelType identifies one of the supported landmark detectors.
type ModelType string

const (
	ModelPose     ModelType = "pose"
	ModelHand     ModelType = "hand"
	ModelFace     ModelType = "face"
	ModelHolistic ModelType = "holistic"
)

// AllModelTypes returns the closed set of model types in catalog order.
func AllModelTypes() []ModelType {
	return []ModelType{ModelPose, ModelHand, ModelFace, ModelHolistic}
}

// Valid reports whether t is a member of the closed set.
func (t ModelType) Valid() bool {
	switch t {
	case ModelPose, ModelHand, ModelFace, ModelHolistic:
		return true
	}
	return false
}

func (t ModelType) String() string { return string(t) }

// ParseModelType parses a case-insensitive model type name.
func ParseModelType(s string) (ModelType, error) {
	t := ModelType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown model type %q (want pose|hand|face|holistic)", s)
	}
	return t, nil
}

// ParseModelTypes parses a comma separated list, rejecting duplicates.
func ParseModelTypes(s string) ([]ModelType, error) {
	var out []ModelType
	seen := make(map[ModelType]bool)
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		t, err := ParseModelType(part)
		if err != nil {
			return nil, err
		}
		if seen[t] {
			return nil, fmt.Errorf("duplicate model type %q", t)
		}
		seen[t] = true
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no model types given")
	}
	return out, nil
}

// ModelConfig is the static descriptor of a model type.
type ModelConfig struct {
	// example: pose
	Type ModelType `json:"type" example:"pose"`
	// example: pose_landmarker_full
	Name        string `json:"name" example:"pose_landmarker_full"`
	Description string `json:"description,omitempty"`
	// Number of landmarks produced per detected subject.
	// example: 33
	LandmarkCount int `json:"landmark_count" example:"33"`
	// Nominal accuracy in [0,1].
	NominalAccuracy float64 `json:"nominal_accuracy"`
	// Nominal speed in [0,1] (1 = fastest).
	NominalSpeed float64 `json:"nominal_speed"`
	// Estimated resident memory in MB.
	// example: 60
	MemoryMB int `json:"memory_mb" example:"60"`
	// Usability prior in [0,100] used by comparisons.
	Usability float64 `json:"usability"`
	// Optional path to the model asset on disk.
	AssetPath string `json:"asset_path,omitempty"`
	// Default inference options for this model.
	Defaults InferenceOptions `json:"defaults"`
}

// InferenceOptions is the per-job configuration surface.
type InferenceOptions struct {
	UseHardwareAcceleration     bool    `json:"use_hardware_acceleration,omitempty"`
	MaxProcessingTimeMsPerFrame float64 `json:"max_processing_time_ms_per_frame,omitempty"`
	ConfidenceThreshold         float64 `json:"confidence_threshold,omitempty"`
	NumHands                    int     `json:"num_hands,omitempty"`
	NumFaces                    int     `json:"num_faces,omitempty"`
	SmoothingFactor             float64 `json:"smoothing_factor,omitempty"`
	SkipFramesOnOverload        bool    `json:"skip_frames_on_overload,omitempty"`
}

// Validate rejects out-of-range values.
func (o InferenceOptions) Validate() error {
	if o.MaxProcessingTimeMsPerFrame < 0 {
		return fmt.Errorf("max_processing_time_ms_per_frame must be >= 0, got %v", o.MaxProcessingTimeMsPerFrame)
	}
	if o.ConfidenceThreshold < 0 || o.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be within [0,1], got %v", o.ConfidenceThreshold)
	}
	if o.SmoothingFactor < 0 || o.SmoothingFactor > 1 {
		return fmt.Errorf("smoothing_factor must be within [0,1], got %v", o.SmoothingFactor)
	}
	if o.NumHands < 0 || o.NumFaces < 0 {
		return fmt.Errorf("num_hands and num_faces must be >= 0")
	}
	return nil
}

// WithDefaults fills unset numeric fields from d. Booleans are taken as given.
func (o InferenceOptions) WithDefaults(d InferenceOptions) InferenceOptions {
	if o.MaxProcessingTimeMsPerFrame == 0 {
		o.MaxProcessingTimeMsPerFrame = d.MaxProcessingTimeMsPerFrame
	}
	if o.ConfidenceThreshold == 0 {
		o.ConfidenceThreshold = d.ConfidenceThreshold
	}
	if o.NumHands == 0 {
		o.NumHands = d.NumHands
	}
	if o.NumFaces == 0 {
		o.NumFaces = d.NumFaces
	}
	if o.SmoothingFactor == 0 {
		o.SmoothingFactor = d.SmoothingFactor
	}
	return o
}
