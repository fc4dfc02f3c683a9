package types

import "fmt"

// Landmark is a normalized point with optional visibility and presence.
type Landmark struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Visibility float64 `json:"visibility,omitempty"`
	Presence   float64 `json:"presence,omitempty"`
}

// PoseLandmarks is the output of the pose detector.
type PoseLandmarks struct {
	Landmarks      []Landmark `json:"landmarks"`
	WorldLandmarks []Landmark `json:"world_landmarks,omitempty"`
}

// Hand is a single detected hand.
type Hand struct {
	Handedness string     `json:"handedness"`
	Score      float64    `json:"score"`
	Landmarks  []Landmark `json:"landmarks"`
}

// HandLandmarks is the output of the hand detector.
type HandLandmarks struct {
	Hands []Hand `json:"hands"`
}

// Face is a single detected face mesh.
type Face struct {
	Landmarks   []Landmark         `json:"landmarks"`
	Blendshapes map[string]float64 `json:"blendshapes,omitempty"`
}

// FaceLandmarks is the output of the face detector.
type FaceLandmarks struct {
	Faces []Face `json:"faces"`
}

// HolisticLandmarks aggregates the three sub-detector outputs.
type HolisticLandmarks struct {
	Pose  *PoseLandmarks `json:"pose,omitempty"`
	Hands *HandLandmarks `json:"hands,omitempty"`
	Face  *FaceLandmarks `json:"face,omitempty"`
}

// LandmarkPayload is a tagged union: Type selects which variant is set.
type LandmarkPayload struct {
	Type     ModelType          `json:"type"`
	Pose     *PoseLandmarks     `json:"pose,omitempty"`
	Hand     *HandLandmarks     `json:"hand,omitempty"`
	Face     *FaceLandmarks     `json:"face,omitempty"`
	Holistic *HolisticLandmarks `json:"holistic,omitempty"`
}

func PosePayload(p PoseLandmarks) LandmarkPayload { return LandmarkPayload{Type: ModelPose, Pose: &p} }
func HandPayload(h HandLandmarks) LandmarkPayload { return LandmarkPayload{Type: ModelHand, Hand: &h} }
func FacePayload(f FaceLandmarks) LandmarkPayload { return LandmarkPayload{Type: ModelFace, Face: &f} }
func HolisticPayload(h HolisticLandmarks) LandmarkPayload {
	return LandmarkPayload{Type: ModelHolistic, Holistic: &h}
}

// Validate checks that exactly the variant named by Type is present.
func (p LandmarkPayload) Validate() error {
	set := 0
	for _, v := range []bool{p.Pose != nil, p.Hand != nil, p.Face != nil, p.Holistic != nil} {
		if v {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("landmark payload must carry exactly one variant, has %d", set)
	}
	var ok bool
	switch p.Type {
	case ModelPose:
		ok = p.Pose != nil
	case ModelHand:
		ok = p.Hand != nil
	case ModelFace:
		ok = p.Face != nil
	case ModelHolistic:
		ok = p.Holistic != nil
	}
	if !ok {
		return fmt.Errorf("landmark payload tagged %q carries a different variant", p.Type)
	}
	return nil
}

// Confidence derives a [0,1] score from the variant. Missing detections score 0.
func (p LandmarkPayload) Confidence() float64 {
	switch p.Type {
	case ModelPose:
		return poseConfidence(p.Pose)
	case ModelHand:
		return handConfidence(p.Hand)
	case ModelFace:
		return faceConfidence(p.Face)
	case ModelHolistic:
		if p.Holistic == nil {
			return 0
		}
		var sum float64
		n := 0
		if p.Holistic.Pose != nil {
			sum += poseConfidence(p.Holistic.Pose)
			n++
		}
		if p.Holistic.Hands != nil {
			sum += handConfidence(p.Holistic.Hands)
			n++
		}
		if p.Holistic.Face != nil {
			sum += faceConfidence(p.Holistic.Face)
			n++
		}
		if n == 0 {
			return 0
		}
		return clamp01(sum / float64(n))
	}
	return 0
}

// LandmarkCount returns the number of points carried by the payload.
func (p LandmarkPayload) LandmarkCount() int {
	n := 0
	p.EachLandmark(func(*Landmark) { n++ })
	return n
}

// EachLandmark calls fn for every landmark in a stable order. fn may modify the point.
func (p LandmarkPayload) EachLandmark(fn func(*Landmark)) {
	walkPose := func(pl *PoseLandmarks) {
		if pl == nil {
			return
		}
		for i := range pl.Landmarks {
			fn(&pl.Landmarks[i])
		}
	}
	walkHands := func(hl *HandLandmarks) {
		if hl == nil {
			return
		}
		for h := range hl.Hands {
			for i := range hl.Hands[h].Landmarks {
				fn(&hl.Hands[h].Landmarks[i])
			}
		}
	}
	walkFaces := func(fl *FaceLandmarks) {
		if fl == nil {
			return
		}
		for f := range fl.Faces {
			for i := range fl.Faces[f].Landmarks {
				fn(&fl.Faces[f].Landmarks[i])
			}
		}
	}
	walkPose(p.Pose)
	walkHands(p.Hand)
	walkFaces(p.Face)
	if p.Holistic != nil {
		walkPose(p.Holistic.Pose)
		walkHands(p.Holistic.Hands)
		walkFaces(p.Holistic.Face)
	}
}

func poseConfidence(p *PoseLandmarks) float64 {
	if p == nil || len(p.Landmarks) == 0 {
		return 0
	}
	var sum float64
	for _, l := range p.Landmarks {
		sum += l.Visibility
	}
	return clamp01(sum / float64(len(p.Landmarks)))
}

func handConfidence(h *HandLandmarks) float64 {
	if h == nil || len(h.Hands) == 0 {
		return 0
	}
	var sum float64
	for _, hand := range h.Hands {
		sum += hand.Score
	}
	return clamp01(sum / float64(len(h.Hands)))
}

// Face meshes carry no per-point score; a mesh with points counts as a full detection
// unless presence values were provided.
func faceConfidence(f *FaceLandmarks) float64 {
	if f == nil || len(f.Faces) == 0 {
		return 0
	}
	var sum float64
	for _, face := range f.Faces {
		if len(face.Landmarks) == 0 {
			continue
		}
		var pres float64
		scored := 0
		for _, l := range face.Landmarks {
			if l.Presence > 0 {
				pres += l.Presence
				scored++
			}
		}
		if scored == 0 {
			sum += 1
			continue
		}
		sum += pres / float64(scored)
	}
	return clamp01(sum / float64(len(f.Faces)))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
