package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"tasksync/internal/config"
	"tasksync/internal/database"
	"tasksync/internal/models"
	"tasksync/internal/service"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*HTTPServer, *database.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "api.db")
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	db, err := database.NewDB(path, &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tasks := service.NewTaskService(db, nil, &logger)
	return NewHTTPServer(config.MonitoringConfig{PrometheusPort: 0}, db, tasks, &logger), db
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
}

func TestQueueEndpoint(t *testing.T) {
	srv, db := newTestServer(t)
	ctx := context.Background()

	job := &models.SyncJob{TaskID: 1, UserEmail: "a@example.com", ActionType: models.ActionCreate, Payload: "{}", Status: models.JobPending}
	require.NoError(t, db.CreateSyncJob(ctx, job))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/queue", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Queue map[string]int64 `json:"queue"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, int64(1), body.Queue[models.JobPending])

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/queue", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestFailedJobsEndpoint(t *testing.T) {
	srv, db := newTestServer(t)
	ctx := context.Background()

	job := &models.SyncJob{TaskID: 2, UserEmail: "b@example.com", ActionType: models.ActionUpdate, Payload: "{}", Status: models.JobPending}
	require.NoError(t, db.CreateSyncJob(ctx, job))
	require.NoError(t, db.FailSyncJob(ctx, job.ID, "remote rejected", 3))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/failed", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Jobs []models.SyncJob `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Jobs, 1)
	require.Equal(t, 3, body.Jobs[0].RetryCount)
	require.Equal(t, "remote rejected", *body.Jobs[0].ErrorMessage)
}
