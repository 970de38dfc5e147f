package types

// Item is one unit of work submitted for encoding.
type Item struct {
	// Stable identifier carried into batch-progress telemetry.
	// example: doc-17#3
	ID string `json:"id" example:"doc-17#3"`
	// Text to encode.
	// example: The quick brown fox.
	Text string `json:"text" example:"The quick brown fox."`
}

// Model is a roster entry as resolved from config and the models directory.
type Model struct {
	// Roster name of the model.
	// example: bge-m3
	Name string `json:"name" example:"bge-m3"`
	// Path to the model file; empty for the hash backend.
	// example: /models/bge-m3.Q8_0.gguf
	Path string `json:"path,omitempty" example:"/models/bge-m3.Q8_0.gguf"`
	// Recommended per-device batch size.
	// example: 32
	BatchHint int `json:"batch_hint" example:"32"`
	// Aggregation weight before normalization.
	// example: 1
	Weight float64 `json:"weight" example:"1"`
	// Device override; empty means all configured devices.
	Devices []int `json:"devices,omitempty"`
}
