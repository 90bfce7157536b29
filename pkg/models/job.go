package models

// JobStatus is the lifecycle state of a comparison job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// IsValid returns true if the status is a valid JobStatus.
func (s JobStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the edge s -> next is legal.
// pending -> running | cancelled; running -> completed | failed | cancelled.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusCancelled
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed || next == StatusCancelled
	}
	return false
}

// Scores carries the summary metric values of a completed job. Secondary
// metrics stay nil when the analyzer did not emit them.
type Scores struct {
	Overall *float64 `dynamodbav:"overall,omitempty" json:"overall,omitempty"`
	PSNR    *float64 `dynamodbav:"psnr,omitempty" json:"psnr,omitempty"`
	SSIM    *float64 `dynamodbav:"ssim,omitempty" json:"ssim,omitempty"`
}

// Job is one reference-vs-distorted comparison. Only the scheduler mutates a
// job after creation; everything else reads snapshots from the store.
type Job struct {
	ID          string    `dynamodbav:"job_id" json:"jobId"`
	BatchID     string    `dynamodbav:"batch_id,omitempty" json:"batchId,omitempty"`
	ReferenceID string    `dynamodbav:"reference_id" json:"referenceId"`
	DistortedID string    `dynamodbav:"distorted_id" json:"distortedId"`
	Status      JobStatus `dynamodbav:"status" json:"status"`
	Progress    float64   `dynamodbav:"progress" json:"progress"`
	CurrentUnit int       `dynamodbav:"current_unit" json:"currentUnit"`
	TotalUnits  int       `dynamodbav:"total_units" json:"totalUnits"`
	Scores      Scores    `dynamodbav:"scores" json:"scores"`
	Error       string    `dynamodbav:"error_message,omitempty" json:"error,omitempty"`
	CreatedAt   string    `dynamodbav:"created_at" json:"createdAt"`
	StartedAt   string    `dynamodbav:"started_at,omitempty" json:"startedAt,omitempty"`
	CompletedAt string    `dynamodbav:"completed_at,omitempty" json:"completedAt,omitempty"`
}

// UnitQuality is one per-frame record of a job's analyzer output stream.
// Append-only, ordered by Index, immutable once the job is terminal.
type UnitQuality struct {
	JobID     string   `dynamodbav:"job_id" json:"jobId"`
	Index     int      `dynamodbav:"idx" json:"index"`
	Timestamp float64  `dynamodbav:"timestamp" json:"timestamp"`
	Overall   *float64 `dynamodbav:"overall,omitempty" json:"overall,omitempty"`
	PSNR      *float64 `dynamodbav:"psnr,omitempty" json:"psnr,omitempty"`
	SSIM      *float64 `dynamodbav:"ssim,omitempty" json:"ssim,omitempty"`
}

// Batch groups jobs that share one reference asset. Aggregate state is always
// derived from the member jobs, never stored.
type Batch struct {
	ID          string   `dynamodbav:"batch_id" json:"batchId"`
	ReferenceID string   `dynamodbav:"reference_id" json:"referenceId"`
	JobIDs      []string `dynamodbav:"job_ids" json:"jobIds"`
	CreatedAt   string   `dynamodbav:"created_at" json:"createdAt"`
}

// BatchView is the derived status of a batch at read time.
type BatchView struct {
	Batch          Batch   `json:"batch"`
	PendingCount   int     `json:"pendingCount"`
	RunningCount   int     `json:"runningCount"`
	CompletedCount int     `json:"completedCount"`
	FailedCount    int     `json:"failedCount"`
	CancelledCount int     `json:"cancelledCount"`
	TotalCount     int     `json:"totalCount"`
	Progress       float64 `json:"progress"`
	Done           bool    `json:"done"`
}
