package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobKind selects the worker pool that claims a job.
type JobKind string

const (
	JobKindExecuteSearch JobKind = "execute_search"
	JobKindDeepContent   JobKind = "deep_content"
	JobKindDetectChanges JobKind = "detect_changes"
)

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusDead    JobStatus = "dead"
)

// Job is a durable unit of pipeline work. Jobs sharing a SequenceKey never run
// concurrently and are claimed in ScheduledTime order.
type Job struct {
	ID            uuid.UUID       `json:"id"`
	TenantID      uuid.UUID       `json:"tenant_id"`
	SearchID      uuid.UUID       `json:"search_id"`
	Kind          JobKind         `json:"kind"`
	ScheduledTime time.Time       `json:"scheduled_time"`
	SequenceKey   string          `json:"sequence_key"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	RunAt         time.Time       `json:"run_at"`
	Status        JobStatus       `json:"status"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// DeadLetter preserves a job that exhausted its attempts.
type DeadLetter struct {
	ID            uuid.UUID       `json:"id"`
	JobID         uuid.UUID       `json:"job_id"`
	TenantID      uuid.UUID       `json:"tenant_id"`
	SearchID      uuid.UUID       `json:"search_id"`
	Kind          JobKind         `json:"kind"`
	ScheduledTime time.Time       `json:"scheduled_time"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Attempts      int             `json:"attempts"`
	Error         string          `json:"error"`
	CreatedAt     time.Time       `json:"created_at"`
}

// DeepContentPayload lists the result items to fetch for one snapshot.
type DeepContentPayload struct {
	SnapshotID uuid.UUID    `json:"snapshot_id"`
	Items      []ResultItem `json:"items"`
}

// DetectPayload names the snapshot to compare against its predecessor.
type DetectPayload struct {
	SnapshotID uuid.UUID `json:"snapshot_id"`
}
