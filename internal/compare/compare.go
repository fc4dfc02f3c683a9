// Package compare scores batch results of the same video against each other.
package compare

import (
	"fmt"
	"math"
	"strings"

	"landmarkd/internal/errs"
	"landmarkd/internal/registry"
	"landmarkd/pkg/types"
)

// Weights of the overall score.
const (
	WeightAccuracy    = 0.35
	WeightSpeed       = 0.25
	WeightReliability = 0.20
	WeightUsability   = 0.20
)

// Engine computes ComparisonRecords. It is pure: equal inputs yield equal records.
type Engine struct {
	catalog registry.Catalog
}

// New returns an Engine taking usability priors from catalog.
func New(catalog registry.Catalog) *Engine {
	return &Engine{catalog: catalog}
}

// Compare scores two or more results of the same video. Best-per-metric ties go
// to the result that comes first in results.
func (e *Engine) Compare(results []types.BatchResult) (types.ComparisonRecord, error) {
	if len(results) < 2 {
		return types.ComparisonRecord{}, errs.InvalidRequest(fmt.Sprintf("comparison needs at least 2 results, got %d", len(results)))
	}
	video := results[0].Metadata.VideoID
	for _, r := range results[1:] {
		if r.Metadata.VideoID != video {
			return types.ComparisonRecord{}, errs.InvalidRequest(
				fmt.Sprintf("results belong to different videos (%q, %q)", video, r.Metadata.VideoID))
		}
	}

	fastest := math.Inf(1)
	for _, r := range results {
		if avg := r.Performance.AverageProcessingTimeMs; avg > 0 && avg < fastest {
			fastest = avg
		}
	}

	rec := types.ComparisonRecord{VideoID: video, Scores: make([]types.ModelScore, len(results))}
	for i, r := range results {
		s := types.ModelScore{ModelType: r.ModelType, JobID: r.JobID}
		s.Accuracy = clamp100(r.Performance.AverageConfidence * 100)
		if avg := r.Performance.AverageProcessingTimeMs; avg > 0 && !math.IsInf(fastest, 1) {
			s.Speed = clamp100(100 * fastest / avg)
		}
		if total := len(r.Frames) + r.DroppedFrameCount; total > 0 {
			s.Reliability = clamp100((1 - float64(r.DroppedFrameCount)/float64(total)) * 100)
		}
		if cfg, ok := e.catalog.Lookup(r.ModelType); ok {
			s.Usability = clamp100(cfg.Usability)
		}
		s.Overall = WeightAccuracy*s.Accuracy + WeightSpeed*s.Speed +
			WeightReliability*s.Reliability + WeightUsability*s.Usability
		s.Accuracy, s.Speed, s.Reliability, s.Usability, s.Overall =
			round2(s.Accuracy), round2(s.Speed), round2(s.Reliability), round2(s.Usability), round2(s.Overall)
		rec.Scores[i] = s
	}

	rec.BestForAccuracy = best(rec.Scores, func(s types.ModelScore) float64 { return s.Accuracy })
	rec.BestForSpeed = best(rec.Scores, func(s types.ModelScore) float64 { return s.Speed })
	rec.BestForReliability = best(rec.Scores, func(s types.ModelScore) float64 { return s.Reliability })
	rec.BestOverall = best(rec.Scores, func(s types.ModelScore) float64 { return s.Overall })
	rec.Recommendation = recommend(rec)
	return rec, nil
}

// best returns the model with the highest metric; the first wins ties.
func best(scores []types.ModelScore, metric func(types.ModelScore) float64) types.ModelType {
	idx := 0
	for i := 1; i < len(scores); i++ {
		if metric(scores[i]) > metric(scores[idx]) {
			idx = i
		}
	}
	return scores[idx].ModelType
}

func recommend(rec types.ComparisonRecord) string {
	var overall types.ModelScore
	for _, s := range rec.Scores {
		if s.ModelType == rec.BestOverall {
			overall = s
			break
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s offers the best overall balance (score %.1f).", rec.BestOverall, overall.Overall)
	if rec.BestForSpeed != rec.BestOverall {
		fmt.Fprintf(&b, " Use %s when speed matters most.", rec.BestForSpeed)
	}
	if rec.BestForAccuracy != rec.BestOverall {
		fmt.Fprintf(&b, " Use %s when accuracy matters most.", rec.BestForAccuracy)
	}
	if rec.BestForReliability != rec.BestOverall {
		fmt.Fprintf(&b, " %s dropped the fewest frames.", rec.BestForReliability)
	}
	return b.String()
}

func clamp100(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
