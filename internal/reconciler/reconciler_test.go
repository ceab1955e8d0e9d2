package reconciler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"tasksync/internal/config"
	"tasksync/internal/database"
	"tasksync/internal/models"
	"tasksync/internal/zimbra"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestReconcilerMergesRemoteCompletion(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	user := seedUser(t, db, "alice@example.com")
	task := seedLinkedTask(t, db, user, "10")

	lister := &fakeLister{byAccount: map[string][]zimbra.TaskSnapshot{
		user.Email: {{ItemID: "10", UID: "uid-10", Title: task.Title, Status: models.StatusCompleted, IsCompleted: true}},
	}}
	r := newTestReconciler(t, db, lister)
	r.RunCycle(ctx)

	got, err := db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, got.Status)
	require.True(t, got.IsCompleted)

	// Only status and completion move; the rest stays local.
	require.Equal(t, task.Title, got.Title)
	require.Equal(t, task.Priority, got.Priority)
}

func TestReconcilerResolvesCompositeLinkage(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	user := seedUser(t, db, "bob@example.com")
	task := seedLinkedTask(t, db, user, "abc-uid:1234-1233")

	// The linked snapshot is recognized through the compound item id; the
	// other snapshot is genuinely new and gets imported.
	lister := &fakeLister{byAccount: map[string][]zimbra.TaskSnapshot{
		user.Email: {
			{ItemID: "1234", UID: "abc-uid", Status: models.StatusCompleted, IsCompleted: true},
			{ItemID: "77", UID: "uid-77", Title: "from remote", Status: models.StatusPending, Priority: models.PriorityMedium},
		},
	}}
	r := newTestReconciler(t, db, lister)
	r.RunCycle(ctx)

	got, err := db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, got.IsCompleted)

	assignments, err := db.GetLinkedAssignments(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, assignments, 2)

	imported := findAssignment(t, assignments, "77")
	importedTask, err := db.GetTask(ctx, imported.TaskID)
	require.NoError(t, err)
	require.Equal(t, "from remote", importedTask.Title)
}

func TestReconcilerImportsOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	user := seedUser(t, db, "carol@example.com")

	lister := &fakeLister{byAccount: map[string][]zimbra.TaskSnapshot{
		user.Email: {{ItemID: "300", UID: "uid-300", Title: "quarterly report", Status: models.StatusPending, Priority: models.PriorityHigh}},
	}}
	r := newTestReconciler(t, db, lister)

	r.RunCycle(ctx)
	r.RunCycle(ctx)

	assignments, err := db.GetLinkedAssignments(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	require.Equal(t, "300", assignments[0].RemoteTaskID)

	task, err := db.GetTask(ctx, assignments[0].TaskID)
	require.NoError(t, err)
	require.Equal(t, "quarterly report", task.Title)
	require.Equal(t, models.PriorityHigh, task.Priority)

	// The default container was created lazily, exactly once.
	list, err := db.FindOrCreateDefaultList(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, list.ID, task.ListID)
}

func TestReconcilerIsolatesUserFailures(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	broken := seedUser(t, db, "broken@example.com")
	healthy := seedUser(t, db, "healthy@example.com")

	lister := &fakeLister{
		byAccount: map[string][]zimbra.TaskSnapshot{
			healthy.Email: {{ItemID: "5", UID: "uid-5", Title: "survives", Status: models.StatusPending, Priority: models.PriorityMedium}},
		},
		errs: map[string]error{broken.Email: errors.New("listing unavailable")},
	}
	r := newTestReconciler(t, db, lister)
	r.RunCycle(ctx)

	brokenAssignments, err := db.GetLinkedAssignments(ctx, broken.ID)
	require.NoError(t, err)
	require.Empty(t, brokenAssignments)

	healthyAssignments, err := db.GetLinkedAssignments(ctx, healthy.ID)
	require.NoError(t, err)
	require.Len(t, healthyAssignments, 1)
}

func TestReconcilerSkipsEmptyListing(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	user := seedUser(t, db, "dave@example.com")
	task := seedLinkedTask(t, db, user, "10")

	lister := &fakeLister{byAccount: map[string][]zimbra.TaskSnapshot{user.Email: {}}}
	r := newTestReconciler(t, db, lister)
	r.RunCycle(ctx)

	// No snapshots must never look like mass remote deletion.
	got, err := db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, task.Status, got.Status)
	require.False(t, got.IsCompleted)
}

func TestReconcilerUnresolvableLinkageLeavesTaskAlone(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	user := seedUser(t, db, "erin@example.com")
	task := seedLinkedTask(t, db, user, "stale-uid:999")

	lister := &fakeLister{byAccount: map[string][]zimbra.TaskSnapshot{
		user.Email: {{ItemID: "50", UID: "uid-50", Title: "new one", Status: models.StatusPending, Priority: models.PriorityMedium}},
	}}
	r := newTestReconciler(t, db, lister)
	r.RunCycle(ctx)

	got, err := db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, task.Status, got.Status)

	assignments, err := db.GetLinkedAssignments(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, assignments, 2)
	findAssignment(t, assignments, "50")
}

func TestRemoteAuthoritativePolicy(t *testing.T) {
	policy := RemoteAuthoritative{}

	local := &models.Task{Status: models.StatusPending, IsCompleted: false}
	remote := &zimbra.TaskSnapshot{Status: models.StatusCompleted, IsCompleted: true}

	res := policy.Merge(local, remote)
	require.True(t, res.Changed)
	require.Equal(t, models.StatusCompleted, res.Status)
	require.True(t, res.IsCompleted)

	agreeing := &zimbra.TaskSnapshot{Status: models.StatusPending, IsCompleted: false}
	require.False(t, policy.Merge(local, agreeing).Changed)
}

// Helpers

type fakeLister struct {
	byAccount map[string][]zimbra.TaskSnapshot
	errs      map[string]error
}

func (f *fakeLister) ListTasks(ctx context.Context, account string) ([]zimbra.TaskSnapshot, error) {
	if err := f.errs[account]; err != nil {
		return nil, err
	}
	return f.byAccount[account], nil
}

func newTestReconciler(t *testing.T, db *database.DB, lister RemoteLister) *Reconciler {
	t.Helper()
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	return NewReconciler(db, lister, nil, config.SyncConfig{ReconcileIntervalSeconds: 300}, &logger)
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reconciler.db")
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	db, err := database.NewDB(path, &logger)
	if err != nil {
		t.Fatalf("new db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedUser(t *testing.T, db *database.DB, email string) *models.User {
	t.Helper()
	user := &models.User{Email: email, DisplayName: "Tester", SyncEnabled: true}
	require.NoError(t, db.CreateOrUpdateUser(context.Background(), user))
	return user
}

func seedLinkedTask(t *testing.T, db *database.DB, user *models.User, remoteID string) *models.Task {
	t.Helper()
	ctx := context.Background()

	list, err := db.FindOrCreateDefaultList(ctx, user.ID)
	require.NoError(t, err)

	task := &models.Task{
		ListID:   list.ID,
		Title:    "linked task",
		Priority: models.PriorityMedium,
		Status:   models.StatusPending,
	}
	require.NoError(t, db.CreateTask(ctx, task))
	require.NoError(t, db.CreateAssignment(ctx, &models.Assignment{TaskID: task.ID, UserID: user.ID, RemoteTaskID: remoteID}))
	return task
}

func findAssignment(t *testing.T, assignments []models.Assignment, remoteID string) models.Assignment {
	t.Helper()
	for _, a := range assignments {
		if a.RemoteTaskID == remoteID {
			return a
		}
	}
	t.Fatalf("no assignment with remote id %s", remoteID)
	return models.Assignment{}
}
