package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tasksync/internal/config"
	"tasksync/internal/database"
	"tasksync/internal/events"
	"tasksync/internal/models"
	"tasksync/internal/zimbra"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestWorkerCreateJob(t *testing.T) {
	db := newTestDB(t)
	remote := &fakeRemote{createResult: zimbra.UpsertResult{ItemID: "301", UID: "uid-301"}}
	w := newTestWorker(t, db, remote, nil)

	ctx := context.Background()
	user, task := seedUserTask(t, db, "alice@example.com", "")

	err := w.EnqueueTask(ctx, models.ActionCreate, task.ID, user.Email, JobPayload{Title: task.Title, Priority: task.Priority, Status: task.Status})
	require.NoError(t, err)

	id, ok := w.tryLocalQueue()
	require.True(t, ok)
	w.claimAndProcess(ctx, id)

	job, err := db.GetSyncJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.JobCompleted, job.Status)
	require.Equal(t, 0, job.RetryCount)
	require.Equal(t, 1, remote.createCalls)

	// Enqueue stamps a correlation id into every CREATE payload.
	var payload JobPayload
	require.NoError(t, json.Unmarshal([]byte(job.Payload), &payload))
	require.NotEmpty(t, payload.CorrelationID)

	remoteID, err := db.GetAssignmentRemoteID(ctx, task.ID, user.ID)
	require.NoError(t, err)
	require.Equal(t, "301", remoteID)
}

func TestWorkerUpdateWithoutLinkageDegradesToCreate(t *testing.T) {
	db := newTestDB(t)
	remote := &fakeRemote{createResult: zimbra.UpsertResult{ItemID: "42"}}
	w := newTestWorker(t, db, remote, nil)

	ctx := context.Background()
	user, task := seedUserTask(t, db, "bob@example.com", "")

	require.NoError(t, w.EnqueueTask(ctx, models.ActionUpdate, task.ID, user.Email, JobPayload{Title: "renamed"}))
	id, _ := w.tryLocalQueue()
	w.claimAndProcess(ctx, id)

	require.Equal(t, 1, remote.createCalls)
	require.Equal(t, 0, remote.updateCalls)

	remoteID, err := db.GetAssignmentRemoteID(ctx, task.ID, user.ID)
	require.NoError(t, err)
	require.Equal(t, "42", remoteID)

	job, err := db.GetSyncJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.JobCompleted, job.Status)
}

func TestWorkerUpdateLinkage(t *testing.T) {
	ctx := context.Background()

	t.Run("InPlaceKeepsLinkage", func(t *testing.T) {
		db := newTestDB(t)
		remote := &fakeRemote{}
		w := newTestWorker(t, db, remote, nil)
		user, task := seedUserTask(t, db, "carol@example.com", "17")

		require.NoError(t, w.EnqueueTask(ctx, models.ActionUpdate, task.ID, user.Email, JobPayload{Title: "renamed"}))
		id, _ := w.tryLocalQueue()
		w.claimAndProcess(ctx, id)

		require.Equal(t, 1, remote.updateCalls)
		remoteID, err := db.GetAssignmentRemoteID(ctx, task.ID, user.ID)
		require.NoError(t, err)
		require.Equal(t, "17", remoteID)
	})

	t.Run("RecreateRewritesLinkage", func(t *testing.T) {
		db := newTestDB(t)
		remote := &fakeRemote{updateResult: zimbra.UpsertResult{ItemID: "99", UID: "uid-99"}}
		w := newTestWorker(t, db, remote, nil)
		user, task := seedUserTask(t, db, "carol@example.com", "17")

		require.NoError(t, w.EnqueueTask(ctx, models.ActionUpdate, task.ID, user.Email, JobPayload{Title: "renamed"}))
		id, _ := w.tryLocalQueue()
		w.claimAndProcess(ctx, id)

		remoteID, err := db.GetAssignmentRemoteID(ctx, task.ID, user.ID)
		require.NoError(t, err)
		require.Equal(t, "99", remoteID)
	})
}

func TestWorkerDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("PayloadID", func(t *testing.T) {
		db := newTestDB(t)
		remote := &fakeRemote{}
		w := newTestWorker(t, db, remote, nil)
		user, task := seedUserTask(t, db, "dave@example.com", "55")

		require.NoError(t, w.EnqueueTask(ctx, models.ActionDelete, task.ID, user.Email, JobPayload{ZimbraTaskID: "55", Email: user.Email}))
		id, _ := w.tryLocalQueue()
		w.claimAndProcess(ctx, id)

		require.Equal(t, []string{"55"}, remote.deletedIDs)
		job, err := db.GetSyncJob(ctx, id)
		require.NoError(t, err)
		require.Equal(t, models.JobCompleted, job.Status)
	})

	t.Run("FallsBackToAssignment", func(t *testing.T) {
		db := newTestDB(t)
		remote := &fakeRemote{}
		w := newTestWorker(t, db, remote, nil)
		user, task := seedUserTask(t, db, "dave@example.com", "56")

		require.NoError(t, w.EnqueueTask(ctx, models.ActionDelete, task.ID, user.Email, JobPayload{Email: user.Email}))
		id, _ := w.tryLocalQueue()
		w.claimAndProcess(ctx, id)

		require.Equal(t, []string{"56"}, remote.deletedIDs)
	})

	t.Run("NothingToDeleteIsSuccess", func(t *testing.T) {
		db := newTestDB(t)
		remote := &fakeRemote{}
		w := newTestWorker(t, db, remote, nil)
		user, task := seedUserTask(t, db, "dave@example.com", "")

		require.NoError(t, w.EnqueueTask(ctx, models.ActionDelete, task.ID, user.Email, JobPayload{Email: user.Email}))
		id, _ := w.tryLocalQueue()
		w.claimAndProcess(ctx, id)

		require.Empty(t, remote.deletedIDs)
		job, err := db.GetSyncJob(ctx, id)
		require.NoError(t, err)
		require.Equal(t, models.JobCompleted, job.Status)
	})
}

func TestWorkerRetryExhaustion(t *testing.T) {
	db := newTestDB(t)
	remote := &fakeRemote{err: errors.New("remote unavailable")}
	w := newTestWorker(t, db, remote, nil)

	ctx := context.Background()
	user, task := seedUserTask(t, db, "erin@example.com", "")

	require.NoError(t, w.EnqueueTask(ctx, models.ActionCreate, task.ID, user.Email, JobPayload{Title: task.Title}))
	id, _ := w.tryLocalQueue()

	// First two failures go back to pending with backoff; the third is
	// terminal at retry_count 3. A fourth attempt never happens.
	for attempt, want := range []struct {
		status     string
		retryCount int
	}{
		{models.JobPending, 1},
		{models.JobPending, 2},
		{models.JobFailed, 3},
	} {
		job, err := db.GetSyncJob(ctx, id)
		require.NoError(t, err)
		w.processJob(ctx, job)

		job, err = db.GetSyncJob(ctx, id)
		require.NoError(t, err)
		require.Equal(t, want.status, job.Status, "attempt %d", attempt+1)
		require.Equal(t, want.retryCount, job.RetryCount, "attempt %d", attempt+1)
		require.NotNil(t, job.ErrorMessage)
		if want.status == models.JobPending {
			require.NotNil(t, job.NextRetryAt)
			require.True(t, job.NextRetryAt.After(time.Now()))
		}
	}
	require.Equal(t, 3, remote.createCalls)

	// Terminal failure is out of reach for the claim paths.
	claimed, err := db.ClaimSyncJob(ctx, id, w.instanceID)
	require.NoError(t, err)
	require.Nil(t, claimed)
}

func TestWorkerClaimIsExclusive(t *testing.T) {
	db := newTestDB(t)
	w := newTestWorker(t, db, &fakeRemote{}, nil)

	ctx := context.Background()
	user, task := seedUserTask(t, db, "frank@example.com", "")
	require.NoError(t, w.EnqueueTask(ctx, models.ActionCreate, task.ID, user.Email, JobPayload{Title: task.Title}))
	id, _ := w.tryLocalQueue()

	first, err := db.ClaimSyncJob(ctx, id, "worker-a")
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, models.JobProcessing, first.Status)
	require.Equal(t, "worker-a", *first.ClaimedBy)

	second, err := db.ClaimSyncJob(ctx, id, "worker-b")
	require.NoError(t, err)
	require.Nil(t, second)
}

func TestWorkerPoisonPayload(t *testing.T) {
	db := newTestDB(t)
	w := newTestWorker(t, db, &fakeRemote{}, nil)

	ctx := context.Background()
	job := models.SyncJob{TaskID: 1, UserEmail: "x@example.com", ActionType: models.ActionCreate, Payload: "not json", Status: models.JobPending}
	require.NoError(t, db.CreateSyncJob(ctx, &job))

	w.processJob(ctx, &job)

	stored, err := db.GetSyncJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobFailed, stored.Status)
	require.Equal(t, 0, stored.RetryCount)
}

func TestWorkerEnqueueValidation(t *testing.T) {
	db := newTestDB(t)
	w := newTestWorker(t, db, &fakeRemote{}, nil)
	ctx := context.Background()

	require.Error(t, w.EnqueueTask(ctx, "rename", 1, "a@example.com", JobPayload{}))
	require.Error(t, w.EnqueueTask(ctx, models.ActionCreate, 1, "", JobPayload{}))
}

func TestWorkerRedisFastPath(t *testing.T) {
	db := newTestDB(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	remote := &fakeRemote{createResult: zimbra.UpsertResult{ItemID: "7"}}
	w := newTestWorker(t, db, remote, client)

	ctx := context.Background()
	user, task := seedUserTask(t, db, "gail@example.com", "")
	require.NoError(t, w.EnqueueTask(ctx, models.ActionCreate, task.ID, user.Email, JobPayload{Title: task.Title}))

	// The hint went to redis, not the local channel.
	_, ok := w.tryLocalQueue()
	require.False(t, ok)

	id, ok := w.tryRedis(ctx)
	require.True(t, ok)
	w.claimAndProcess(ctx, id)

	job, err := db.GetSyncJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.JobCompleted, job.Status)
}

func TestWorkerSubscribesTaskEvents(t *testing.T) {
	db := newTestDB(t)
	w := newTestWorker(t, db, &fakeRemote{}, nil)

	ctx := context.Background()
	user, task := seedUserTask(t, db, "ivy@example.com", "")

	bus := events.NewEventBus()
	w.SubscribeTaskEvents(ctx, bus)

	// A mutation event becomes a pending sync job carrying the task fields.
	require.NoError(t, bus.PublishJSON(events.EventTaskCreated, events.TaskEventPayload{
		TaskID:      task.ID,
		UserEmail:   user.Email,
		Title:       task.Title,
		Priority:    task.Priority,
		Status:      task.Status,
		SyncEnabled: true,
	}))

	id, ok := w.tryLocalQueue()
	require.True(t, ok)
	job, err := db.GetSyncJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.ActionCreate, job.ActionType)
	require.Equal(t, models.JobPending, job.Status)

	var payload JobPayload
	require.NoError(t, json.Unmarshal([]byte(job.Payload), &payload))
	require.Equal(t, task.Title, payload.Title)
	require.NotEmpty(t, payload.CorrelationID)

	// Deletion events carry the remote id captured before the row died.
	require.NoError(t, bus.PublishJSON(events.EventTaskDeleted, events.TaskEventPayload{
		TaskID:       task.ID,
		UserEmail:    user.Email,
		RemoteTaskID: "321",
		SyncEnabled:  true,
	}))

	id, ok = w.tryLocalQueue()
	require.True(t, ok)
	job, err = db.GetSyncJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.ActionDelete, job.ActionType)
	require.NoError(t, json.Unmarshal([]byte(job.Payload), &payload))
	require.Equal(t, "321", payload.ZimbraTaskID)
	require.Equal(t, user.Email, payload.Email)

	// Events from sync-disabled users never reach the queue.
	require.NoError(t, bus.PublishJSON(events.EventTaskUpdated, events.TaskEventPayload{
		TaskID:    task.ID,
		UserEmail: user.Email,
		Title:     "local only",
	}))
	_, ok = w.tryLocalQueue()
	require.False(t, ok)
}

func TestWorkerStaleSweep(t *testing.T) {
	db := newTestDB(t)
	w := newTestWorker(t, db, &fakeRemote{}, nil)

	ctx := context.Background()
	user, task := seedUserTask(t, db, "hank@example.com", "")
	require.NoError(t, w.EnqueueTask(ctx, models.ActionCreate, task.ID, user.Email, JobPayload{Title: task.Title}))
	id, _ := w.tryLocalQueue()

	claimed, err := db.ClaimSyncJob(ctx, id, "crashed-worker")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Age the claim past the lease.
	_, err = db.ExecContext(ctx, `UPDATE sync_queue SET claimed_at = ? WHERE id = ?`, time.Now().Add(-time.Hour), id)
	require.NoError(t, err)

	w.claimLease = 10 * time.Minute
	w.sweepStale(ctx, true)

	job, err := db.GetSyncJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.JobPending, job.Status)
	require.Equal(t, 1, job.RetryCount)
	require.Nil(t, job.ClaimedBy)
}

// Helpers

type fakeRemote struct {
	err          error
	createResult zimbra.UpsertResult
	updateResult zimbra.UpsertResult
	createCalls  int
	updateCalls  int
	deletedIDs   []string
}

func (f *fakeRemote) CreateTask(ctx context.Context, account string, fields zimbra.TaskFields) (zimbra.UpsertResult, error) {
	f.createCalls++
	return f.createResult, f.err
}

func (f *fakeRemote) UpdateTask(ctx context.Context, account, remoteID string, fields zimbra.TaskFields) (zimbra.UpsertResult, error) {
	f.updateCalls++
	return f.updateResult, f.err
}

func (f *fakeRemote) DeleteTask(ctx context.Context, account, remoteID string) error {
	if f.err != nil {
		return f.err
	}
	f.deletedIDs = append(f.deletedIDs, remoteID)
	return nil
}

func newTestWorker(t *testing.T, db *database.DB, remote RemoteClient, redisClient *redis.Client) *TaskSyncWorker {
	t.Helper()
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	return NewTaskSyncWorker(db, remote, redisClient, config.SyncConfig{MaxRetries: 3}, RetryPolicy{InitialDelay: time.Second}, &logger)
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.db")
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	db, err := database.NewDB(path, &logger)
	if err != nil {
		t.Fatalf("new db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedUserTask(t *testing.T, db *database.DB, email, remoteID string) (*models.User, *models.Task) {
	t.Helper()
	ctx := context.Background()

	user := &models.User{Email: email, DisplayName: "Tester", SyncEnabled: true}
	require.NoError(t, db.CreateOrUpdateUser(ctx, user))

	list, err := db.FindOrCreateDefaultList(ctx, user.ID)
	require.NoError(t, err)

	task := &models.Task{
		ListID:   list.ID,
		Title:    "write report",
		Priority: models.PriorityMedium,
		Status:   models.StatusPending,
	}
	require.NoError(t, db.CreateTask(ctx, task))

	require.NoError(t, db.CreateAssignment(ctx, &models.Assignment{TaskID: task.ID, UserID: user.ID, RemoteTaskID: remoteID}))
	return user, task
}
