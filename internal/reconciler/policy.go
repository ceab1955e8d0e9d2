package reconciler

import (
	"tasksync/internal/models"
	"tasksync/internal/zimbra"
)

// MergeResult says what the reconciler should write back to the local task.
// Changed=false means the two sides already agree.
type MergeResult struct {
	Changed     bool
	Status      string
	IsCompleted bool
}

// MergePolicy decides which side wins for a linked (local task, remote
// snapshot) pair.
type MergePolicy interface {
	Name() string
	Merge(local *models.Task, remote *zimbra.TaskSnapshot) MergeResult
}

// RemoteAuthoritative is the default policy: once a task is linked, the
// remote completion state and status win. Title, notes, due date and
// priority stay local; those flow outward through the sync queue only.
type RemoteAuthoritative struct{}

func (RemoteAuthoritative) Name() string { return "remote_authoritative" }

func (RemoteAuthoritative) Merge(local *models.Task, remote *zimbra.TaskSnapshot) MergeResult {
	if local.Status == remote.Status && local.IsCompleted == remote.IsCompleted {
		return MergeResult{}
	}
	return MergeResult{Changed: true, Status: remote.Status, IsCompleted: remote.IsCompleted}
}
