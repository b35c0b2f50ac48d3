package model

// WebSocket message types
const (
	WSMessageTypeStatus   = "status"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSStatusMessage represents a job status change
type WSStatusMessage struct {
	Type     string    `json:"type"`
	JobID    string    `json:"jobId"`
	Status   JobStatus `json:"status"`
	Attempts int       `json:"attempts"`
}

// WSCompleteMessage represents job completion
type WSCompleteMessage struct {
	Type      string         `json:"type"`
	JobID     string         `json:"jobId"`
	ModelUsed string         `json:"modelUsed,omitempty"`
	Result    *ProductBundle `json:"result"`
}

// WSErrorMessage represents a job failure
type WSErrorMessage struct {
	Type  string   `json:"type"`
	JobID string   `json:"jobId"`
	Error JobError `json:"error"`
}
