package models

import "time"

// Sync job actions.
const (
	ActionCreate = "CREATE"
	ActionUpdate = "UPDATE"
	ActionDelete = "DELETE"
)

// Sync job statuses.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// SyncJob is a row in the outbound sync queue: one intended mutation to
// propagate to the remote system. Jobs are never deleted, only marked
// completed or failed, so the table doubles as an audit trail.
type SyncJob struct {
	ID           int64      `json:"id"`
	TaskID       int64      `json:"task_id"`
	UserEmail    string     `json:"user_email"`
	ActionType   string     `json:"action_type"`
	Payload      string     `json:"payload"`
	Status       string     `json:"status"`
	RetryCount   int        `json:"retry_count"`
	ErrorMessage *string    `json:"error_message"`
	ClaimedBy    *string    `json:"claimed_by"`
	ClaimedAt    *time.Time `json:"claimed_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	NextRetryAt  *time.Time `json:"next_retry_at"`
}
