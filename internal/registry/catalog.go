package registry

import (
	"fmt"

	"landmarkd/pkg/types"
)

// Catalog is the immutable set of model descriptors, keyed by type.
type Catalog struct {
	models map[types.ModelType]types.ModelConfig
}

// Default returns the built-in catalog. Memory figures are conservative
// estimates of a resident detector including runtime buffers.
func Default() Catalog {
	return NewCatalog([]types.ModelConfig{
		{
			Type: types.ModelPose, Name: "pose_landmarker_full",
			Description:     "Full-body pose, 33 landmarks",
			LandmarkCount:   33,
			NominalAccuracy: 0.85, NominalSpeed: 0.80,
			MemoryMB: 60, Usability: 90,
			Defaults: types.InferenceOptions{MaxProcessingTimeMsPerFrame: 50, ConfidenceThreshold: 0.5},
		},
		{
			Type: types.ModelHand, Name: "hand_landmarker",
			Description:     "Up to N hands, 21 landmarks each",
			LandmarkCount:   21,
			NominalAccuracy: 0.90, NominalSpeed: 0.85,
			MemoryMB: 40, Usability: 80,
			Defaults: types.InferenceOptions{MaxProcessingTimeMsPerFrame: 40, ConfidenceThreshold: 0.5, NumHands: 2},
		},
		{
			Type: types.ModelFace, Name: "face_landmarker",
			Description:     "Face mesh, 478 landmarks with blendshapes",
			LandmarkCount:   478,
			NominalAccuracy: 0.92, NominalSpeed: 0.75,
			MemoryMB: 50, Usability: 75,
			Defaults: types.InferenceOptions{MaxProcessingTimeMsPerFrame: 60, ConfidenceThreshold: 0.5, NumFaces: 1},
		},
		{
			Type: types.ModelHolistic, Name: "holistic_landmarker",
			Description:     "Pose + hands + face composed from three detectors",
			LandmarkCount:   33 + 2*21 + 478,
			NominalAccuracy: 0.88, NominalSpeed: 0.55,
			MemoryMB: 150, Usability: 85,
			Defaults: types.InferenceOptions{MaxProcessingTimeMsPerFrame: 120, ConfidenceThreshold: 0.5, NumHands: 2, NumFaces: 1},
		},
	})
}

// NewCatalog copies models into a new Catalog. Later entries override earlier
// ones of the same type.
func NewCatalog(models []types.ModelConfig) Catalog {
	c := Catalog{models: make(map[types.ModelType]types.ModelConfig, len(models))}
	for _, m := range models {
		c.models[m.Type] = m
	}
	return c
}

// Lookup returns the descriptor for t.
func (c Catalog) Lookup(t types.ModelType) (types.ModelConfig, bool) {
	m, ok := c.models[t]
	return m, ok
}

// MustLookup is Lookup for types the caller has already validated.
func (c Catalog) MustLookup(t types.ModelType) types.ModelConfig {
	m, ok := c.models[t]
	if !ok {
		panic(fmt.Sprintf("registry: model type %q not in catalog", t))
	}
	return m
}

// List returns the descriptors in catalog order.
func (c Catalog) List() []types.ModelConfig {
	out := make([]types.ModelConfig, 0, len(c.models))
	for _, t := range types.AllModelTypes() {
		if m, ok := c.models[t]; ok {
			out = append(out, m)
		}
	}
	return out
}

// With returns a copy of the catalog with m replacing the entry of the same type.
func (c Catalog) With(m types.ModelConfig) Catalog {
	return NewCatalog(append(c.List(), m))
}

// HolisticParts lists the sub-models the holistic detector is composed of, in load order.
func HolisticParts() []types.ModelType {
	return []types.ModelType{types.ModelPose, types.ModelHand, types.ModelFace}
}
