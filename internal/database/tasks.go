package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tasksync/internal/models"
)

var ErrNotFound = errors.New("not found")

const taskColumns = `id, list_id, title, notes, due_date, priority, status, is_completed, created_at, updated_at`

func (db *DB) CreateTask(ctx context.Context, task *models.Task) error {
	query := `INSERT INTO tasks (list_id, title, notes, due_date, priority, status, is_completed, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	now := time.Now()
	result, err := db.ExecContext(ctx, query,
		task.ListID,
		task.Title,
		task.Notes,
		task.DueDate,
		task.Priority,
		task.Status,
		task.IsCompleted,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	task.ID = id
	task.CreatedAt = now
	task.UpdatedAt = now
	return nil
}

func (db *DB) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	row := db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)

	var task models.Task
	err := row.Scan(
		&task.ID, &task.ListID, &task.Title, &task.Notes, &task.DueDate,
		&task.Priority, &task.Status, &task.IsCompleted, &task.CreatedAt, &task.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %d: %w", id, err)
	}
	return &task, nil
}

func (db *DB) UpdateTaskFields(ctx context.Context, task *models.Task) error {
	query := `UPDATE tasks SET title = ?, notes = ?, due_date = ?, priority = ?, status = ?, is_completed = ?, updated_at = ?
              WHERE id = ?`
	_, err := db.ExecContext(ctx, query,
		task.Title, task.Notes, task.DueDate, task.Priority, task.Status, task.IsCompleted, time.Now(), task.ID)
	if err != nil {
		return fmt.Errorf("failed to update task %d: %w", task.ID, err)
	}
	return nil
}

// UpdateTaskSyncState is the reconciler's targeted write: it touches only
// status and completion, never the other task fields.
func (db *DB) UpdateTaskSyncState(ctx context.Context, taskID int64, status string, isCompleted bool) error {
	query := `UPDATE tasks SET status = ?, is_completed = ?, updated_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, status, isCompleted, time.Now(), taskID)
	if err != nil {
		return fmt.Errorf("failed to update task %d sync state: %w", taskID, err)
	}
	return nil
}

func (db *DB) DeleteTask(ctx context.Context, id int64) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete task %d: %w", id, err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM assignments WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete assignments for task %d: %w", id, err)
	}
	return nil
}
