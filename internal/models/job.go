package models

import "time"

// JobStatus is the formal lifecycle state of a transcription job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job tracks one upload from intake to transcript or failure.
type Job struct {
	ID        string      `json:"id"`
	UploadID  string      `json:"upload_id"`
	Status    JobStatus   `json:"status"`
	Progress  string      `json:"progress,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	FilePath  string      `json:"-"`
	FileName  string      `json:"file_name,omitempty"`
	FileSize  int64       `json:"file_size,omitempty"`
	Email     string      `json:"-"`
	Retries   int         `json:"retry_count"`
	Result    *JobResult  `json:"result,omitempty"`
	Failure   *JobFailure `json:"error,omitempty"`
}

// JobResult is attached only when the job completes.
type JobResult struct {
	Text             string  `json:"text"`
	Language         string  `json:"language,omitempty"`
	Model            string  `json:"model,omitempty"`
	DurationSeconds  float64 `json:"duration_seconds"`
	RetryCount       int     `json:"retry_count"`
	ProcessingMillis int64   `json:"processing_ms"`
	Cost             float64 `json:"cost"`
	CostEstimated    bool    `json:"cost_estimated"`
	WasConverted     bool    `json:"was_converted"`
	ConversionMillis int64   `json:"conversion_ms,omitempty"`
}

// JobFailure is attached only when the job fails.
type JobFailure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
}

// Clone returns a deep copy safe to hand out of the store.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Result != nil {
		r := *j.Result
		cp.Result = &r
	}
	if j.Failure != nil {
		f := *j.Failure
		cp.Failure = &f
	}
	return &cp
}
