package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tasksync/internal/config"
	"tasksync/internal/database"
	"tasksync/internal/events"
	"tasksync/internal/metrics"
	"tasksync/internal/models"
	"tasksync/internal/zimbra"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RemoteClient is the surface of the remote task service the worker needs.
type RemoteClient interface {
	CreateTask(ctx context.Context, account string, fields zimbra.TaskFields) (zimbra.UpsertResult, error)
	UpdateTask(ctx context.Context, account, remoteID string, fields zimbra.TaskFields) (zimbra.UpsertResult, error)
	DeleteTask(ctx context.Context, account, remoteID string) error
}

// JobPayload is the task snapshot persisted in SyncJob.Payload as JSON.
// CREATE/UPDATE jobs carry the field set; DELETE jobs carry the remote id
// (when known) and the account, since the local task row may already be gone.
type JobPayload struct {
	Title         string     `json:"title,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	DueDate       *time.Time `json:"due_date,omitempty"`
	Priority      string     `json:"priority,omitempty"`
	Status        string     `json:"status,omitempty"`
	IsCompleted   bool       `json:"is_completed,omitempty"`
	ZimbraTaskID  string     `json:"zimbra_task_id,omitempty"`
	Email         string     `json:"email,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
}

func (p JobPayload) fields() zimbra.TaskFields {
	return zimbra.TaskFields{
		Title:       p.Title,
		Notes:       p.Notes,
		DueDate:     p.DueDate,
		Priority:    p.Priority,
		Status:      p.Status,
		IsCompleted: p.IsCompleted,
	}
}

// TaskSyncWorker consumes the outbound sync queue and applies each job to
// the remote system. Claims go through a compare-and-swap on the job row, so
// several instances can share one queue; each instance identifies itself by
// a random id recorded in claimed_by.
type TaskSyncWorker struct {
	db          *database.DB
	remote      RemoteClient
	redis       *redis.Client
	retryPolicy RetryPolicy
	instanceID  string

	queue         chan int64
	redisQueueKey string
	deadLetterKey string

	pollInterval  time.Duration
	errorInterval time.Duration
	claimLease    time.Duration
	sweepEvery    time.Duration
	lastSweep     time.Time

	logger zerolog.Logger
}

// NewTaskSyncWorker builds a worker with defaults filled in from config.
func NewTaskSyncWorker(db *database.DB, remote RemoteClient, redisClient *redis.Client, syncCfg config.SyncConfig, retry RetryPolicy, logger *zerolog.Logger) *TaskSyncWorker {
	if retry.MaxRetries == 0 {
		retry.MaxRetries = syncCfg.MaxRetries
	}
	if retry.MaxRetries == 0 {
		retry.MaxRetries = models.DefaultMaxRetries
	}
	if retry.InitialDelay == 0 {
		retry.InitialDelay = 2 * time.Second
	}
	if retry.MaxDelay == 0 {
		retry.MaxDelay = 5 * time.Minute
	}
	if retry.BackoffFactor == 0 {
		retry.BackoffFactor = 2
	}

	pollInterval := time.Duration(syncCfg.PollIntervalSeconds) * time.Second
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	errorInterval := time.Duration(syncCfg.ErrorIntervalSeconds) * time.Second
	if errorInterval <= 0 {
		errorInterval = 30 * time.Second
	}
	claimLease := time.Duration(syncCfg.ClaimLeaseSeconds) * time.Second
	if claimLease <= 0 {
		claimLease = 10 * time.Minute
	}

	instanceID := uuid.NewString()
	workerLogger := logger.With().Str("component", "task_worker").Str("instance", instanceID).Logger()

	return &TaskSyncWorker{
		db:            db,
		remote:        remote,
		redis:         redisClient,
		retryPolicy:   retry,
		instanceID:    instanceID,
		queue:         make(chan int64, models.WorkerQueueSize),
		redisQueueKey: "tasksync:queue",
		deadLetterKey: "tasksync:deadletter",
		pollInterval:  pollInterval,
		errorInterval: errorInterval,
		claimLease:    claimLease,
		sweepEvery:    claimLease / 2,
		logger:        workerLogger,
	}
}

// InstanceID returns the worker's claim id.
func (w *TaskSyncWorker) InstanceID() string {
	return w.instanceID
}

// EnqueueTask persists a job in the sync queue and schedules it via redis or
// the in-memory channel. The database row is the source of truth; the fast
// paths only shorten pickup latency, and a dropped hint is still found by
// the polling fallback.
func (w *TaskSyncWorker) EnqueueTask(ctx context.Context, action string, taskID int64, userEmail string, payload JobPayload) error {
	switch action {
	case models.ActionCreate, models.ActionUpdate, models.ActionDelete:
	default:
		return fmt.Errorf("unknown action type: %s", action)
	}
	if userEmail == "" {
		return errors.New("user email is required")
	}

	if action == models.ActionCreate && payload.CorrelationID == "" {
		payload.CorrelationID = uuid.NewString()
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	job := models.SyncJob{
		TaskID:     taskID,
		UserEmail:  userEmail,
		ActionType: action,
		Payload:    string(payloadBytes),
		Status:     models.JobPending,
	}
	if err := w.db.CreateSyncJob(ctx, &job); err != nil {
		return fmt.Errorf("persist sync job: %w", err)
	}

	if w.redis != nil {
		if err := w.redis.LPush(ctx, w.redisQueueKey, job.ID).Err(); err != nil {
			w.logger.Warn().Err(err).Int64("job_id", job.ID).Msg("redis push failed, falling back to memory queue")
		} else {
			return nil
		}
	}

	select {
	case w.queue <- job.ID:
	default:
		w.logger.Warn().Int64("job_id", job.ID).Msg("memory queue full, job left to polling")
	}
	return nil
}

// SubscribeTaskEvents wires the outbound queue to the task event bus: every
// mutation event from a sync-enabled user becomes a sync job. Handlers never
// fail the publisher; a mutation that committed locally stays committed even
// when the enqueue does not.
func (w *TaskSyncWorker) SubscribeTaskEvents(ctx context.Context, bus *events.EventBus) {
	if bus == nil {
		return
	}

	handler := func(action string) events.EventHandler {
		return func(ev *events.Event) error {
			var payload events.TaskEventPayload
			if err := json.Unmarshal(ev.Payload, &payload); err != nil {
				w.logger.Error().Err(err).Str("event", ev.Type).Msg("event bus: decode payload")
				return nil
			}
			if !payload.SyncEnabled {
				return nil
			}

			var job JobPayload
			if action == models.ActionDelete {
				job = JobPayload{ZimbraTaskID: payload.RemoteTaskID, Email: payload.UserEmail}
			} else {
				job = JobPayload{
					Title:       payload.Title,
					Notes:       payload.Notes,
					DueDate:     payload.DueDate,
					Priority:    payload.Priority,
					Status:      payload.Status,
					IsCompleted: payload.IsCompleted,
				}
			}

			if err := w.EnqueueTask(ctx, action, payload.TaskID, payload.UserEmail, job); err != nil {
				w.logger.Error().Err(err).Str("event", ev.Type).Int64("task_id", payload.TaskID).
					Msg("event bus: enqueue sync job")
			}
			return nil
		}
	}

	bus.Subscribe(events.EventTaskCreated, handler(models.ActionCreate))
	bus.Subscribe(events.EventTaskUpdated, handler(models.ActionUpdate))
	bus.Subscribe(events.EventTaskCompleted, handler(models.ActionUpdate))
	bus.Subscribe(events.EventTaskDeleted, handler(models.ActionDelete))
}

// Start runs the main loop until ctx is done. The loop never exits on an
// error; failures sleep out the error interval and try again.
func (w *TaskSyncWorker) Start(ctx context.Context) {
	w.logger.Info().Msg("task worker started")
	defer w.logger.Info().Msg("task worker stopped")

	w.sweepStale(ctx, true)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.sweepStale(ctx, false)

		if id, ok := w.tryLocalQueue(); ok {
			w.claimAndProcess(ctx, id)
			continue
		}
		if id, ok := w.tryRedis(ctx); ok {
			w.claimAndProcess(ctx, id)
			continue
		}

		job, err := w.db.ClaimNextPendingJob(ctx, w.instanceID)
		if err != nil {
			w.logger.Error().Err(err).Msg("claim pending job")
			w.sleep(ctx, w.errorInterval)
			continue
		}
		if job == nil {
			w.sleep(ctx, w.pollInterval)
			continue
		}
		w.processJob(ctx, job)
	}
}

func (w *TaskSyncWorker) tryLocalQueue() (int64, bool) {
	select {
	case id := <-w.queue:
		return id, true
	default:
		return 0, false
	}
}

func (w *TaskSyncWorker) tryRedis(ctx context.Context) (int64, bool) {
	if w.redis == nil {
		return 0, false
	}
	res, err := w.redis.BRPop(ctx, time.Second, w.redisQueueKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return 0, false
		}
		w.logger.Warn().Err(err).Msg("redis BRPOP")
		return 0, false
	}
	if len(res) != 2 {
		return 0, false
	}
	var id int64
	if _, err := fmt.Sscan(res[1], &id); err != nil {
		w.logger.Warn().Str("value", res[1]).Msg("discarding malformed redis queue entry")
		return 0, false
	}
	return id, true
}

// claimAndProcess claims a fast-path hint. A nil claim is normal: another
// instance got there first, or the job is waiting out its retry delay.
func (w *TaskSyncWorker) claimAndProcess(ctx context.Context, id int64) {
	job, err := w.db.ClaimSyncJob(ctx, id, w.instanceID)
	if err != nil {
		w.logger.Error().Err(err).Int64("job_id", id).Msg("claim job")
		return
	}
	if job == nil {
		return
	}
	w.processJob(ctx, job)
}

func (w *TaskSyncWorker) processJob(ctx context.Context, job *models.SyncJob) {
	var payload JobPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		w.failJob(ctx, job, job.RetryCount, fmt.Errorf("decode payload: %w", err))
		return
	}

	log := w.logger.With().Int64("job_id", job.ID).Int64("task_id", job.TaskID).
		Str("action", job.ActionType).Str("account", job.UserEmail).Logger()

	if err := w.handleJob(ctx, job, payload); err != nil {
		log.Warn().Err(err).Int("retry_count", job.RetryCount).Msg("sync job failed")
		w.retryOrFail(ctx, job, err)
		return
	}

	if err := w.db.CompleteSyncJob(ctx, job.ID); err != nil {
		log.Error().Err(err).Msg("mark job completed")
		return
	}
	metrics.IncJobProcessed(job.ActionType, "completed")
	log.Info().Msg("sync job completed")
}

func (w *TaskSyncWorker) handleJob(ctx context.Context, job *models.SyncJob, payload JobPayload) error {
	switch job.ActionType {
	case models.ActionCreate:
		return w.applyCreate(ctx, job, payload)
	case models.ActionUpdate:
		return w.applyUpdate(ctx, job, payload)
	case models.ActionDelete:
		return w.applyDelete(ctx, job, payload)
	default:
		return fmt.Errorf("unknown action type: %s", job.ActionType)
	}
}

// applyCreate pushes a new remote task and records the assigned id on the
// assignment row so later updates and the reconciler can find it.
func (w *TaskSyncWorker) applyCreate(ctx context.Context, job *models.SyncJob, payload JobPayload) error {
	res, err := w.remote.CreateTask(ctx, job.UserEmail, payload.fields())
	if err != nil {
		return err
	}
	return w.storeLinkage(ctx, job, res)
}

// applyUpdate modifies the linked remote task. Without a linkage (the CREATE
// never ran, or the remote id was cleared) the update degrades to a create.
// When the remote side had to recreate the task the new id replaces the old
// linkage.
func (w *TaskSyncWorker) applyUpdate(ctx context.Context, job *models.SyncJob, payload JobPayload) error {
	user, err := w.db.GetUserByEmail(ctx, job.UserEmail)
	if err != nil {
		return fmt.Errorf("lookup user: %w", err)
	}

	remoteID, err := w.db.GetAssignmentRemoteID(ctx, job.TaskID, user.ID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return err
	}
	if remoteID == "" {
		w.logger.Info().Int64("job_id", job.ID).Int64("task_id", job.TaskID).
			Msg("no remote linkage, update degrades to create")
		return w.applyCreate(ctx, job, payload)
	}

	res, err := w.remote.UpdateTask(ctx, job.UserEmail, remoteID, payload.fields())
	if err != nil {
		return err
	}
	if newID := remoteIDFromResult(res); newID != "" && newID != remoteID {
		return w.storeLinkage(ctx, job, res)
	}
	return nil
}

// applyDelete resolves the remote id from the payload first, then from the
// assignment. Nothing to resolve means the task was never synced; the job
// succeeds as a no-op.
func (w *TaskSyncWorker) applyDelete(ctx context.Context, job *models.SyncJob, payload JobPayload) error {
	remoteID := payload.ZimbraTaskID
	if remoteID == "" {
		user, err := w.db.GetUserByEmail(ctx, job.UserEmail)
		if err == nil {
			remoteID, err = w.db.GetAssignmentRemoteID(ctx, job.TaskID, user.ID)
			if err != nil && !errors.Is(err, database.ErrNotFound) {
				return err
			}
		} else if !errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("lookup user: %w", err)
		}
	}
	if remoteID == "" {
		w.logger.Info().Int64("job_id", job.ID).Int64("task_id", job.TaskID).
			Msg("no remote id to delete, treating as done")
		return nil
	}
	return w.remote.DeleteTask(ctx, job.UserEmail, remoteID)
}

func (w *TaskSyncWorker) storeLinkage(ctx context.Context, job *models.SyncJob, res zimbra.UpsertResult) error {
	remoteID := remoteIDFromResult(res)
	if remoteID == "" {
		return errors.New("remote system returned no task id")
	}

	user, err := w.db.GetUserByEmail(ctx, job.UserEmail)
	if err != nil {
		return fmt.Errorf("lookup user: %w", err)
	}

	err = w.db.SetAssignmentRemoteID(ctx, job.TaskID, user.ID, remoteID)
	if errors.Is(err, database.ErrNotFound) {
		// The assignment row is missing; recreate it rather than orphan the
		// remote task we just made.
		return w.db.CreateAssignment(ctx, &models.Assignment{
			TaskID:       job.TaskID,
			UserID:       user.ID,
			RemoteTaskID: remoteID,
		})
	}
	return err
}

func remoteIDFromResult(res zimbra.UpsertResult) string {
	if res.ItemID != "" {
		return res.ItemID
	}
	return res.UID
}

// retryOrFail sends a failed attempt back to pending with backoff, or marks
// it terminally failed once the attempt budget is spent. The third failure
// lands the job in failed with retry_count 3.
func (w *TaskSyncWorker) retryOrFail(ctx context.Context, job *models.SyncJob, cause error) {
	attempt := job.RetryCount + 1
	if attempt >= w.retryPolicy.MaxRetries {
		w.failJob(ctx, job, attempt, cause)
		return
	}

	nextRetryAt := time.Now().Add(w.retryPolicy.NextDelay(attempt))
	if err := w.db.RetrySyncJob(ctx, job.ID, cause.Error(), nextRetryAt); err != nil {
		w.logger.Error().Err(err).Int64("job_id", job.ID).Msg("mark job for retry")
		return
	}
	metrics.IncJobRetry()
	metrics.IncJobProcessed(job.ActionType, "retried")
}

func (w *TaskSyncWorker) failJob(ctx context.Context, job *models.SyncJob, retryCount int, cause error) {
	if err := w.db.FailSyncJob(ctx, job.ID, cause.Error(), retryCount); err != nil {
		w.logger.Error().Err(err).Int64("job_id", job.ID).Msg("mark job failed")
		return
	}
	metrics.IncJobProcessed(job.ActionType, "failed")
	w.logger.Error().Err(cause).Int64("job_id", job.ID).Int64("task_id", job.TaskID).
		Str("action", job.ActionType).Msg("sync job terminally failed")
	w.pushDeadLetter(ctx, job, cause)
}

func (w *TaskSyncWorker) pushDeadLetter(ctx context.Context, job *models.SyncJob, cause error) {
	if w.redis == nil {
		return
	}
	msg := cause.Error()
	job.ErrorMessage = &msg
	data, err := json.Marshal(job)
	if err != nil {
		w.logger.Error().Err(err).Int64("job_id", job.ID).Msg("encode dead letter")
		return
	}
	if err := w.redis.LPush(ctx, w.deadLetterKey, data).Err(); err != nil {
		w.logger.Warn().Err(err).Int64("job_id", job.ID).Msg("dead letter push")
		return
	}
	metrics.IncDeadLettered()
}

// sweepStale requeues processing jobs whose claim outlived the lease and
// refreshes the queue depth gauges. Runs at startup and then on a fraction
// of the lease.
func (w *TaskSyncWorker) sweepStale(ctx context.Context, force bool) {
	if !force && time.Since(w.lastSweep) < w.sweepEvery {
		return
	}
	w.lastSweep = time.Now()

	n, err := w.db.RequeueStaleProcessing(ctx, w.claimLease)
	if err != nil {
		w.logger.Error().Err(err).Msg("stale processing sweep")
	} else if n > 0 {
		w.logger.Warn().Int64("requeued", n).Msg("requeued stale processing jobs")
	}

	counts, err := w.db.CountJobsByStatus(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("count queue depth")
		return
	}
	for _, status := range []string{models.JobPending, models.JobProcessing, models.JobCompleted, models.JobFailed} {
		metrics.SetQueueDepth(status, counts[status])
	}
}

func (w *TaskSyncWorker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
