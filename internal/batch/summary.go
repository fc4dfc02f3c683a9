package batch

import (
	"time"

	"landmarkd/pkg/types"
)

func summarize(frames []types.FrameResult, dropped, submitted int, wall time.Duration, loadMs float64, memMB int) types.PerformanceSummary {
	s := types.PerformanceSummary{
		DroppedFrames: dropped,
		TotalFrames:   submitted,
		WallTimeMs:    float64(wall) / float64(time.Millisecond),
		LoadTimeMs:    loadMs,
		MemoryUsedMB:  memMB,
	}
	if len(frames) == 0 {
		return s
	}
	var proc, conf float64
	for _, f := range frames {
		proc += f.ProcessingTimeMs
		conf += f.Confidence
	}
	n := float64(len(frames))
	s.AverageProcessingTimeMs = proc / n
	s.AverageConfidence = conf / n
	if secs := wall.Seconds(); secs > 0 {
		s.FrameRate = n / secs
	}
	return s
}
