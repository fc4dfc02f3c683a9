package types

import "time"

// JobState is the lifecycle state of a processing job.
type JobState string

const (
	JobPending    JobState = "pending"
	JobExtracting JobState = "extracting"
	JobLoading    JobState = "loading"
	JobProcessing JobState = "processing"
	JobExporting  JobState = "exporting"
	JobComplete   JobState = "complete"
	JobFailed     JobState = "failed"
	JobAborted    JobState = "aborted"
)

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	return s == JobComplete || s == JobFailed || s == JobAborted
}

// VideoRef identifies the input video (or image sequence directory).
type VideoRef struct {
	ID        string `json:"id"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// FrameInput is a single extracted frame.
type FrameInput struct {
	Index       int    `json:"frame_index"`
	TimestampMs int64  `json:"timestamp_ms"`
	Image       []byte `json:"-"`
}

// FrameResult is the inference output for one frame.
type FrameResult struct {
	FrameIndex       int             `json:"frame_index"`
	TimestampMs      int64           `json:"timestamp_ms"`
	ProcessingTimeMs float64         `json:"processing_time_ms"`
	Confidence       float64         `json:"confidence"`
	Landmarks        LandmarkPayload `json:"landmarks"`
}

// PerformanceSummary describes a finished batch.
type PerformanceSummary struct {
	AverageProcessingTimeMs float64 `json:"average_processing_time_ms"`
	FrameRate               float64 `json:"frame_rate"`
	AverageConfidence       float64 `json:"average_confidence"`
	DroppedFrames           int     `json:"dropped_frames"`
	TotalFrames             int     `json:"total_frames"`
	WallTimeMs              float64 `json:"wall_time_ms"`
	LoadTimeMs              float64 `json:"load_time_ms"`
	MemoryUsedMB            int     `json:"memory_used_mb"`
}

// BatchMetadata carries provenance of a batch.
type BatchMetadata struct {
	VideoID         string         `json:"video_id"`
	Source          string         `json:"source,omitempty"`
	SubmittedFrames int            `json:"submitted_frames"`
	Workers         int            `json:"workers"`
	State           JobState       `json:"state"`
	DropReasons     map[string]int `json:"drop_reasons,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     time.Time      `json:"completed_at"`
}

// BatchResult is the ordered output of one model over one video.
type BatchResult struct {
	JobID             string             `json:"job_id"`
	ModelType         ModelType          `json:"model_type"`
	Frames            []FrameResult      `json:"frames"`
	Performance       PerformanceSummary `json:"performance"`
	DroppedFrameCount int                `json:"dropped_frame_count"`
	Metadata          BatchMetadata      `json:"metadata"`
}

// PerformanceMetrics is the rolling view kept per model type.
type PerformanceMetrics struct {
	ModelType               ModelType `json:"model_type"`
	AverageProcessingTimeMs float64   `json:"average_processing_time_ms"`
	FrameRate               float64   `json:"frame_rate"`
	Accuracy                float64   `json:"accuracy"`
	DroppedFrames           int       `json:"dropped_frames"`
	TotalFrames             int       `json:"total_frames"`
	Samples                 int       `json:"samples"`
}

// ModelScore holds the normalized sub-scores of one model, all in [0,100].
type ModelScore struct {
	ModelType   ModelType `json:"model_type"`
	JobID       string    `json:"job_id"`
	Accuracy    float64   `json:"accuracy"`
	Speed       float64   `json:"speed"`
	Reliability float64   `json:"reliability"`
	Usability   float64   `json:"usability"`
	Overall     float64   `json:"overall"`
}

// ComparisonRecord is derived from two or more BatchResults of the same video.
type ComparisonRecord struct {
	VideoID            string       `json:"video_id"`
	Scores             []ModelScore `json:"scores"`
	BestForAccuracy    ModelType    `json:"best_for_accuracy"`
	BestForSpeed       ModelType    `json:"best_for_speed"`
	BestForReliability ModelType    `json:"best_for_reliability"`
	BestOverall        ModelType    `json:"best_overall"`
	Recommendation     string       `json:"recommendation"`
}

// Progress is delivered to the progress sink.
type Progress struct {
	JobID       string    `json:"job_id,omitempty"`
	ModelType   ModelType `json:"model_type,omitempty"`
	Phase       JobState  `json:"phase"`
	Progress    float64   `json:"progress"`
	CurrentStep string    `json:"current_step"`
	ETAMs       int64     `json:"eta_ms,omitempty"`
}

// ErrorInfo is the user-visible form of a failure.
type ErrorInfo struct {
	Kind        string   `json:"kind"`
	Message     string   `json:"message"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// BatchProcessingResult is the outcome of one model type within a run.
type BatchProcessingResult struct {
	JobID     string       `json:"job_id"`
	ModelType ModelType    `json:"model_type"`
	State     JobState     `json:"state"`
	Result    *BatchResult `json:"result,omitempty"`
	Error     *ErrorInfo   `json:"error,omitempty"`
	StoredID  string       `json:"stored_id,omitempty"`
}

// JobStatus is a read-only projection of a processing job.
type JobStatus struct {
	JobID       string           `json:"job_id"`
	RunID       string           `json:"run_id"`
	ModelType   ModelType        `json:"model_type"`
	VideoID     string           `json:"video_id"`
	State       JobState         `json:"state"`
	Frames      int              `json:"frames"`
	Progress    float64          `json:"progress"`
	Options     InferenceOptions `json:"options"`
	Error       *ErrorInfo       `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}
