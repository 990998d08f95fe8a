package jobqueue

import (
	"context"
	"time"
)

// JobStatus is the state of a job in the pool.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRejected   JobStatus = "rejected"
)

// Job is one unit of background work.
type Job struct {
	ID        string
	Type      string
	Run       func(ctx context.Context) error
	CreatedAt time.Time
}

// Stats counts jobs by final status since the pool started.
type Stats struct {
	Workers   int   `json:"workers"`
	Queued    int   `json:"queued"`
	Capacity  int   `json:"capacity"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}
