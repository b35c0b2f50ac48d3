package model

import "time"

// IdentifyForm holds the non-file fields of a submission or synchronous identify request
type IdentifyForm struct {
	Barcodes string `form:"barcodes" validate:"max=4096"`
	Locale   string `form:"locale" validate:"omitempty,bcp47_language_tag"`
	Model    string `form:"model" validate:"omitempty,max=128,printascii"`
}

// JobSubmitResponse is returned when a job has been accepted
type JobSubmitResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// JobStatusResponse is the polling view of a job
type JobStatusResponse struct {
	ID         string            `json:"id"`
	Status     JobStatus         `json:"status"`
	Attempts   int               `json:"attempts"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
	StartedAt  *time.Time        `json:"startedAt,omitempty"`
	FinishedAt *time.Time        `json:"finishedAt,omitempty"`
	ModelUsed  string            `json:"modelUsed,omitempty"`
	Result     *ProductBundle    `json:"result,omitempty"`
	Trace      *[]ToolCallRecord `json:"trace,omitempty"`
	Error      *JobError         `json:"error,omitempty"`
}

// NewJobStatusResponse exposes result and trace only for done jobs and error only for failed ones.
func NewJobStatusResponse(job *Job) *JobStatusResponse {
	resp := &JobStatusResponse{
		ID:         job.ID,
		Status:     job.Status,
		Attempts:   job.Attempts,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
		ModelUsed:  job.ModelUsed,
	}
	switch job.Status {
	case JobStatusDone:
		resp.Result = job.Result
		trace := job.Trace
		if trace == nil {
			trace = []ToolCallRecord{}
		}
		resp.Trace = &trace
	case JobStatusFailed:
		resp.Error = job.Error
	}
	return resp
}

// IdentifyResponse is the synchronous identification result
type IdentifyResponse struct {
	OK        bool              `json:"ok"`
	Products  []Product         `json:"products"`
	Hints     StringMap         `json:"hints,omitempty"`
	Trace     []ToolCallRecord  `json:"trace"`
	ModelUsed string            `json:"modelUsed"`
}

// IdentifyErrorResponse is the synchronous identification failure envelope
type IdentifyErrorResponse struct {
	OK    bool          `json:"ok"`
	Error IdentifyError `json:"error"`
}

// IdentifyError carries the partial trace and model id for diagnosis
type IdentifyError struct {
	Code      string           `json:"code"`
	Message   string           `json:"message"`
	ModelUsed string           `json:"modelUsed,omitempty"`
	Trace     []ToolCallRecord `json:"trace,omitempty"`
}
