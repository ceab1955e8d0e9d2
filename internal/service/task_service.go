package service

import (
	"context"
	"errors"
	"time"

	"tasksync/internal/database"
	"tasksync/internal/events"
	"tasksync/internal/models"

	"github.com/rs/zerolog"
)

// TaskInput carries the caller-editable task fields. Empty strings and nil
// due date mean "keep the current value" on update.
type TaskInput struct {
	Title    string
	Notes    string
	DueDate  *time.Time
	Priority string
	Status   string
}

// TaskService is the mutation entry point: every local change lands in the
// database and is published on the event bus. The outbound sync worker
// subscribes to those events, so a publish failure must not undo a committed
// local change; it is logged and swallowed.
type TaskService struct {
	db       *database.DB
	eventBus *events.EventBus
	logger   *zerolog.Logger
}

func NewTaskService(db *database.DB, eventBus *events.EventBus, logger *zerolog.Logger) *TaskService {
	return &TaskService{db: db, eventBus: eventBus, logger: logger}
}

func (s *TaskService) CreateTask(ctx context.Context, userEmail string, input TaskInput) (*models.Task, error) {
	user, err := s.db.GetUserByEmail(ctx, userEmail)
	if err != nil {
		return nil, err
	}

	list, err := s.db.FindOrCreateDefaultList(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	task := &models.Task{
		ListID:   list.ID,
		Title:    input.Title,
		Notes:    input.Notes,
		DueDate:  input.DueDate,
		Priority: input.Priority,
		Status:   input.Status,
	}
	if task.Priority == "" {
		task.Priority = models.PriorityMedium
	}
	if task.Status == "" {
		task.Status = models.StatusPending
	}

	if err := s.db.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	if err := s.db.CreateAssignment(ctx, &models.Assignment{TaskID: task.ID, UserID: user.ID}); err != nil {
		return nil, err
	}

	s.publishEvent(events.EventTaskCreated, task, user, "")
	return task, nil
}

func (s *TaskService) UpdateTask(ctx context.Context, taskID int64, userEmail string, input TaskInput) (*models.Task, error) {
	user, err := s.db.GetUserByEmail(ctx, userEmail)
	if err != nil {
		return nil, err
	}

	task, err := s.db.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if input.Title != "" {
		task.Title = input.Title
	}
	if input.Notes != "" {
		task.Notes = input.Notes
	}
	if input.DueDate != nil {
		task.DueDate = input.DueDate
	}
	if input.Priority != "" {
		task.Priority = input.Priority
	}
	if input.Status != "" {
		task.Status = input.Status
		task.IsCompleted = input.Status == models.StatusCompleted
	}

	if err := s.db.UpdateTaskFields(ctx, task); err != nil {
		return nil, err
	}

	s.publishEvent(events.EventTaskUpdated, task, user, "")
	return task, nil
}

func (s *TaskService) CompleteTask(ctx context.Context, taskID int64, userEmail string) (*models.Task, error) {
	user, err := s.db.GetUserByEmail(ctx, userEmail)
	if err != nil {
		return nil, err
	}

	task, err := s.db.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	task.Status = models.StatusCompleted
	task.IsCompleted = true
	if err := s.db.UpdateTaskSyncState(ctx, task.ID, task.Status, task.IsCompleted); err != nil {
		return nil, err
	}

	s.publishEvent(events.EventTaskCompleted, task, user, "")
	return task, nil
}

// DeleteTask removes the local task and publishes the deletion. The remote
// id is captured into the event payload first, because the assignment row is
// gone by the time any subscriber runs.
func (s *TaskService) DeleteTask(ctx context.Context, taskID int64, userEmail string) error {
	user, err := s.db.GetUserByEmail(ctx, userEmail)
	if err != nil {
		return err
	}

	task, err := s.db.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	remoteID, err := s.db.GetAssignmentRemoteID(ctx, taskID, user.ID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return err
	}

	if err := s.db.DeleteTask(ctx, taskID); err != nil {
		return err
	}

	s.publishEvent(events.EventTaskDeleted, task, user, remoteID)
	return nil
}

func (s *TaskService) publishEvent(eventType string, task *models.Task, user *models.User, remoteID string) {
	if s.eventBus == nil {
		return
	}
	payload := events.TaskEventPayload{
		TaskID:       task.ID,
		UserID:       user.ID,
		UserEmail:    user.Email,
		Title:        task.Title,
		Notes:        task.Notes,
		DueDate:      task.DueDate,
		Priority:     task.Priority,
		Status:       task.Status,
		IsCompleted:  task.IsCompleted,
		RemoteTaskID: remoteID,
		SyncEnabled:  user.SyncEnabled,
	}
	if err := s.eventBus.PublishJSON(eventType, payload); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Int64("task_id", task.ID).Msg("publish event")
	}
}
