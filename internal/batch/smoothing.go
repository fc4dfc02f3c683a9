package batch

import "landmarkd/pkg/types"

// smooth applies exponential smoothing to landmark coordinates across the
// ordered frames: p' = alpha*prev' + (1-alpha)*p. The filter restarts whenever
// the landmark count changes between frames, so points of different subjects
// are never blended. Visibility and presence are left as detected.
func smooth(frames []types.FrameResult, alpha float64) {
	if alpha <= 0 || len(frames) < 2 {
		return
	}
	alpha = min(alpha, 1)
	var prev []types.Landmark
	for i := range frames {
		var cur []*types.Landmark
		frames[i].Landmarks.EachLandmark(func(l *types.Landmark) { cur = append(cur, l) })
		if len(prev) == len(cur) {
			for k, l := range cur {
				l.X = alpha*prev[k].X + (1-alpha)*l.X
				l.Y = alpha*prev[k].Y + (1-alpha)*l.Y
				l.Z = alpha*prev[k].Z + (1-alpha)*l.Z
			}
		}
		prev = prev[:0]
		for _, l := range cur {
			prev = append(prev, *l)
		}
	}
}
