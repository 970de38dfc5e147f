package types

// RunRequest is the body of POST /rotations.
type RunRequest struct {
	// Work items to encode with every model of the roster.
	Items []Item `json:"items"`
}

// RunAccepted is returned when a rotation is started asynchronously.
type RunAccepted struct {
	// Identifier of the started run.
	// example: 3f0c9a4e-1b7d-4a34-9d3c-3c3f1e1f2a10
	RunID string `json:"run_id" example:"3f0c9a4e-1b7d-4a34-9d3c-3c3f1e1f2a10"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// ModelRun summarizes one model pass.
type ModelRun struct {
	// example: bge-m3
	Model   string `json:"model" example:"bge-m3"`
	Devices []int  `json:"devices"`
	// Hydrated variant: single or multi_device.
	// example: multi_device
	Placement string `json:"placement" example:"multi_device"`
	// example: 4
	Batches int `json:"batches" example:"4"`
	// Submissions including retries.
	// example: 5
	Attempts int `json:"attempts" example:"5"`
	// example: 1
	Mitigations int `json:"mitigations" example:"1"`
	// example: 1
	OOMEvents int `json:"oom_events" example:"1"`
	// Primary batch at the end of the pass.
	// example: 16
	FinalBatch int `json:"final_batch" example:"16"`
	// example: 1024
	Dims int `json:"dims" example:"1024"`
	// example: true
	Companion bool `json:"companion" example:"true"`
	// Allocated-bytes delta per device between lease acquire and release.
	MemoryDeltaBytes map[string]int64 `json:"memory_delta_bytes,omitempty"`
	// example: 1530
	DurationMS int64 `json:"duration_ms" example:"1530"`
}

// RunSummary describes a finished or running rotation.
type RunSummary struct {
	// example: 3f0c9a4e-1b7d-4a34-9d3c-3c3f1e1f2a10
	RunID string `json:"run_id" example:"3f0c9a4e-1b7d-4a34-9d3c-3c3f1e1f2a10"`
	// running, completed or failed.
	// example: completed
	State string `json:"state" example:"completed"`
	// example: 1700000000
	StartedUnix int64 `json:"started_unix" example:"1700000000"`
	// example: 1700000042
	FinishedUnix int64 `json:"finished_unix,omitempty" example:"1700000042"`
	// example: 128
	Items int `json:"items" example:"128"`
	// Rows and width of the aggregated matrix.
	// example: 128
	Rows int `json:"rows" example:"128"`
	// example: 1024
	Dims    int                `json:"dims" example:"1024"`
	Models  []ModelRun         `json:"models"`
	Weights map[string]float64 `json:"weights,omitempty"`
	// Fatal error, when the run failed.
	Error string `json:"error,omitempty"`
	// example: oom_exhausted
	ErrorKind  string `json:"error_kind,omitempty" example:"oom_exhausted"`
	ErrorModel string `json:"error_model,omitempty"`
	// Events dropped by the bounded telemetry logs.
	Dropped map[string]uint64 `json:"dropped,omitempty"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// idle or running.
	// example: idle
	State   string      `json:"state" example:"idle"`
	Current *RunSummary `json:"current,omitempty"`
	Last    *RunSummary `json:"last,omitempty"`
	// Roster in rotation order.
	Roster []string `json:"roster"`
	// example: hash
	Backend string `json:"backend" example:"hash"`
	// example: nvml
	MemoryBackend string `json:"memory_backend" example:"nvml"`
	Devices       []int  `json:"devices"`
	// example: 3
	RunsTotal uint64 `json:"runs_total" example:"3"`
	// example: 1
	FailuresTotal uint64 `json:"failures_total" example:"1"`
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}

// DeviceInfo is one live memory snapshot.
type DeviceInfo struct {
	// example: 0
	Device int `json:"device" example:"0"`
	// example: 25769803776
	TotalBytes uint64 `json:"total_bytes" example:"25769803776"`
	// example: 21474836480
	FreeBytes      uint64 `json:"free_bytes" example:"21474836480"`
	AllocatedBytes uint64 `json:"allocated_bytes"`
	ReservedBytes  uint64 `json:"reserved_bytes"`
	// example: 0.17
	Utilization float64 `json:"utilization" example:"0.17"`
	// Human-readable total.
	// example: 24 GiB
	Total string `json:"total" example:"24 GiB"`
	// example: 20 GiB
	Free string `json:"free" example:"20 GiB"`
}

// DevicesResponse is returned by GET /devices.
type DevicesResponse struct {
	// example: nvml
	Backend string       `json:"backend" example:"nvml"`
	Devices []DeviceInfo `json:"devices"`
}
