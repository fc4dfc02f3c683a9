package types

// ModelsResponse wraps the catalog returned by GET /models.
type ModelsResponse struct {
	// Static model descriptors.
	Models []ModelConfig `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
	// Error taxonomy kind, when known.
	// example: admission_denied
	Kind string `json:"kind,omitempty" example:"admission_denied"`
	// Actionable suggestions for the caller.
	Suggestions []string `json:"suggestions,omitempty"`
}

// ResidentModelStatus summarizes a loaded model for /status.
type ResidentModelStatus struct {
	// example: pose
	ModelType ModelType `json:"model_type" example:"pose"`
	// Lifecycle state (loading, ready, draining).
	// example: ready
	State string `json:"state" example:"ready"`
	// Load completion time (unix seconds).
	// example: 1700000000
	LoadedAt int64 `json:"loaded_at_unix" example:"1700000000"`
	// Last time a job acquired this model (unix seconds).
	LastUsed int64 `json:"last_used_unix"`
	// Measured memory footprint in MB.
	// example: 64
	MemoryMB int `json:"memory_mb" example:"64"`
	// Time spent loading in milliseconds.
	LoadTimeMs float64 `json:"load_time_ms"`
	// Number of jobs currently referencing the model.
	// example: 1
	References int `json:"references" example:"1"`
}

// MemoryStatus reports the admission controller's view.
type MemoryStatus struct {
	// example: 1024
	ThresholdMB int `json:"threshold_mb" example:"1024"`
	// example: 210
	UsedMB int `json:"used_mb" example:"210"`
	// example: 0.2
	Ratio float64 `json:"ratio" example:"0.2"`
	// normal, warning or critical.
	// example: normal
	Pressure string `json:"pressure" example:"normal"`
	// Host memory available when last sampled, in MB.
	HostAvailableMB int `json:"host_available_mb"`
	// Whether host statistics were readable (false means fallback estimate).
	HostStatsOK bool `json:"host_stats_ok"`
	// Open reservations.
	Reservations int `json:"reservations"`
	// Derived limits.
	Limits Limits `json:"limits"`
}

// Limits are derived from available memory headroom.
type Limits struct {
	MaxConcurrentJobs    int `json:"max_concurrent_jobs"`
	MaxFileSizeMB        int `json:"max_file_size_mb"`
	RecommendedChunkSize int `json:"recommended_chunk_size"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Resident models.
	Models []ResidentModelStatus `json:"models"`
	// Memory budget view.
	Memory MemoryStatus `json:"memory"`
	// Loads currently in flight.
	LoadsInFlight int `json:"loads_in_flight"`
	// Active processing jobs.
	ActiveJobs int `json:"active_jobs"`
	// Worker pool size.
	// example: 4
	Workers int `json:"workers" example:"4"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	ServerTimeUnix int64 `json:"server_time_unix"`
	// Total number of completed model loads.
	LoadsTotal uint64 `json:"loads_total"`
	// Total number of loads served by joining an in-flight load.
	CoalescedLoadsTotal uint64 `json:"coalesced_loads_total"`
}

// LoadRequest is the optional body of POST /models/{type}/load.
type LoadRequest struct {
	Options InferenceOptions `json:"options"`
}

// SwitchRequest is the body of POST /models/switch.
type SwitchRequest struct {
	// example: pose
	From ModelType `json:"from" example:"pose"`
	// example: holistic
	To      ModelType        `json:"to" example:"holistic"`
	Options InferenceOptions `json:"options"`
}

// LoadResponse reports a load or switch.
type LoadResponse struct {
	ModelType    ModelType `json:"model_type"`
	Success      bool      `json:"success"`
	Cached       bool      `json:"cached"`
	Coalesced    bool      `json:"coalesced"`
	LoadTimeMs   float64   `json:"load_time_ms"`
	MemoryUsedMB int       `json:"memory_used_mb"`
}

// AdmissionResponse is returned by GET /admission.
type AdmissionResponse struct {
	Allowed     bool     `json:"allowed"`
	Reason      string   `json:"reason,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	RequestedMB int      `json:"requested_mb"`
	UsedMB      int      `json:"used_mb"`
	ThresholdMB int      `json:"threshold_mb"`
}

// BatchRequest is the body of POST /batches.
type BatchRequest struct {
	// Path to a video file or a directory of frames on the server host.
	// example: /data/clip.mp4
	VideoPath string `json:"video_path" example:"/data/clip.mp4"`
	// Model types to run.
	// example: ["pose","hand"]
	ModelTypes []ModelType       `json:"model_types"`
	Options    InferenceOptions `json:"options"`
	// Include per-frame landmarks in the response (can be large).
	IncludeFrames bool `json:"include_frames,omitempty"`
}

// RunResponse is the final line of a POST /batches stream.
type RunResponse struct {
	Done       bool                    `json:"done"`
	RunID      string                  `json:"run_id"`
	Results    []BatchProcessingResult `json:"results"`
	Comparison *ComparisonRecord       `json:"comparison,omitempty"`
}

// CompareRequest is the body of POST /compare.
type CompareRequest struct {
	// Stored batch result ids.
	ResultIDs []string `json:"result_ids"`
}
