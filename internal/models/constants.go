package models

// Task statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusWaiting    = "waiting"
	StatusDeferred   = "deferred"
	StatusCompleted  = "completed"
)

// Task priority labels as stored locally.
const (
	PriorityLow    = "Düşük"
	PriorityMedium = "Orta"
	PriorityHigh   = "Yüksek"
	PriorityUrgent = "Acil"
)

const (
	// DefaultFolderName is the folder created on first remote import.
	DefaultFolderName = "Inbox"

	// DefaultListName is the list created inside the default folder.
	DefaultListName = "Tasks"

	// MaxErrorMessageLen bounds error_message in the sync queue.
	MaxErrorMessageLen = 4000

	// DefaultMaxRetries before a job goes terminally failed.
	DefaultMaxRetries = 3

	// WorkerQueueSize is the in-memory fast-path queue size.
	WorkerQueueSize = 1000
)
