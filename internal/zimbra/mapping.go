package zimbra

import (
	"time"

	"tasksync/internal/models"
)

// Remote task status codes.
const (
	remoteStatusNeed      = "NEED"
	remoteStatusInProcess = "INPR"
	remoteStatusWaiting   = "WAITING"
	remoteStatusDeferred  = "DEFERRED"
	remoteStatusCompleted = "COMP"
)

const dueDateFormat = "20060102"

// priorityToRemote maps every local priority label (and its common English
// alias) to the remote 1..9 scale. The mapping is total: anything missing
// falls back to the mid value.
var priorityToRemote = map[string]string{
	models.PriorityUrgent: "1",
	"urgent":              "1",
	models.PriorityHigh:   "2",
	"high":                "2",
	models.PriorityMedium: "5",
	"medium":              "5",
	"normal":              "5",
	models.PriorityLow:    "9",
	"low":                 "9",
}

var statusToRemote = map[string]string{
	models.StatusPending:    remoteStatusNeed,
	models.StatusInProgress: remoteStatusInProcess,
	models.StatusWaiting:    remoteStatusWaiting,
	models.StatusDeferred:   remoteStatusDeferred,
	models.StatusCompleted:  remoteStatusCompleted,
}

var statusFromRemote = map[string]string{
	remoteStatusNeed:      models.StatusPending,
	remoteStatusInProcess: models.StatusInProgress,
	remoteStatusWaiting:   models.StatusWaiting,
	remoteStatusDeferred:  models.StatusDeferred,
	remoteStatusCompleted: models.StatusCompleted,
}

// PriorityToRemote converts a local priority label to the remote numeric
// value, defaulting to "5" for unmapped or empty labels.
func PriorityToRemote(label string) string {
	if v, ok := priorityToRemote[label]; ok {
		return v
	}
	return "5"
}

// PriorityFromRemote converts a remote numeric priority back to a local
// label. 1 is urgent, 2-4 high, 5 medium, 6-9 low; anything else defaults
// to the mid value.
func PriorityFromRemote(v string) string {
	switch v {
	case "1":
		return models.PriorityUrgent
	case "2", "3", "4":
		return models.PriorityHigh
	case "5":
		return models.PriorityMedium
	case "6", "7", "8", "9":
		return models.PriorityLow
	default:
		return models.PriorityMedium
	}
}

// StatusToRemote converts a local status label to the remote code,
// defaulting to NEED.
func StatusToRemote(label string) string {
	if v, ok := statusToRemote[label]; ok {
		return v
	}
	return remoteStatusNeed
}

// StatusFromRemote converts a remote status code to the local label,
// defaulting to pending.
func StatusFromRemote(code string) string {
	if v, ok := statusFromRemote[code]; ok {
		return v
	}
	return models.StatusPending
}

func formatDueDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(dueDateFormat)
}

func parseDueDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(dueDateFormat, s)
	if err != nil {
		return nil
	}
	return &t
}
