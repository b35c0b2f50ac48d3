package model

import "time"

// Job represents one asynchronous identification request and its lifecycle
type Job struct {
	ID         string           `json:"id"`
	Status     JobStatus        `json:"status"`
	Attempts   int              `json:"attempts"`
	Payload    JobPayload       `json:"payload"`
	ModelUsed  string           `json:"modelUsed,omitempty"`
	Result     *ProductBundle   `json:"result,omitempty"`
	Trace      []ToolCallRecord `json:"trace,omitempty"`
	Error      *JobError        `json:"error,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
	UpdatedAt  time.Time        `json:"updatedAt"`
	StartedAt  *time.Time       `json:"startedAt,omitempty"`
	FinishedAt *time.Time       `json:"finishedAt,omitempty"`
}

// JobPayload is the evidence submitted with a job
type JobPayload struct {
	Images   []FileRef `json:"images"`
	Barcodes string    `json:"barcodes"`
	Locale   string    `json:"locale"`
	Model    string    `json:"model,omitempty"`
}

// FileRef points at an uploaded image in the blob store
type FileRef struct {
	Key         string `json:"key"`
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// ImageSizes returns the byte size of every attached image.
func (p JobPayload) ImageSizes() []int64 {
	sizes := make([]int64, len(p.Images))
	for i, img := range p.Images {
		sizes[i] = img.Size
	}
	return sizes
}

// JobError is the terminal error of a failed job
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToolCallRecord is one search invocation made while identifying a product
type ToolCallRecord struct {
	Engine   string          `json:"engine"`
	Query    string          `json:"query"`
	Snippets []SearchSnippet `json:"snippets"`
	Error    string          `json:"error,omitempty"`
}

// SearchSnippet is a single ranked search hit
type SearchSnippet struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// JobStatus is the lifecycle state of a job
type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}
