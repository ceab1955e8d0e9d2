package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tasksync/internal/models"
)

const assignmentColumns = `id, task_id, user_id, remote_task_id, created_at, updated_at`

func (db *DB) CreateAssignment(ctx context.Context, a *models.Assignment) error {
	query := `INSERT INTO assignments (task_id, user_id, remote_task_id, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?)`
	now := time.Now()

	var remoteID interface{}
	if a.RemoteTaskID != "" {
		remoteID = a.RemoteTaskID
	}
	result, err := db.ExecContext(ctx, query, a.TaskID, a.UserID, remoteID, now, now)
	if err != nil {
		return fmt.Errorf("failed to create assignment: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	a.ID = id
	a.CreatedAt = now
	return nil
}

func (db *DB) GetAssignment(ctx context.Context, taskID, userID int64) (*models.Assignment, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM assignments WHERE task_id = ? AND user_id = ?`, taskID, userID)
	return scanAssignment(row)
}

// GetAssignmentRemoteID reads the remote linkage for a (task, user) pair.
// An empty string means the pair has never been synced.
func (db *DB) GetAssignmentRemoteID(ctx context.Context, taskID, userID int64) (string, error) {
	var remoteID sql.NullString
	err := db.QueryRowContext(ctx,
		`SELECT remote_task_id FROM assignments WHERE task_id = ? AND user_id = ?`,
		taskID, userID).Scan(&remoteID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get remote id for task %d user %d: %w", taskID, userID, err)
	}
	return remoteID.String, nil
}

// SetAssignmentRemoteID overwrites the remote linkage for exactly one
// (task, user) row. Both the outbound worker and the reconciler write
// through here; the keyed WHERE keeps them from clobbering anything else.
func (db *DB) SetAssignmentRemoteID(ctx context.Context, taskID, userID int64, remoteID string) error {
	res, err := db.ExecContext(ctx,
		`UPDATE assignments SET remote_task_id = ?, updated_at = ? WHERE task_id = ? AND user_id = ?`,
		remoteID, time.Now(), taskID, userID)
	if err != nil {
		return fmt.Errorf("failed to set remote id for task %d user %d: %w", taskID, userID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetLinkedAssignments returns the user's assignments that already carry a
// remote id, ordered stably for the reconciliation pass.
func (db *DB) GetLinkedAssignments(ctx context.Context, userID int64) ([]models.Assignment, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+assignmentColumns+` FROM assignments
         WHERE user_id = ? AND remote_task_id IS NOT NULL AND remote_task_id != ''
         ORDER BY task_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get linked assignments for user %d: %w", userID, err)
	}
	defer rows.Close()

	var assignments []models.Assignment
	for rows.Next() {
		a, err := scanAssignmentRows(rows)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, *a)
	}
	return assignments, rows.Err()
}

// HasAssignmentWithRemoteID reports whether any of the user's assignments
// references one of the given identifier forms. Used as a defensive
// re-check before importing a remote task.
func (db *DB) HasAssignmentWithRemoteID(ctx context.Context, userID int64, remoteIDs []string) (bool, error) {
	for _, remoteID := range remoteIDs {
		if remoteID == "" {
			continue
		}
		var n int
		err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM assignments WHERE user_id = ? AND remote_task_id = ?`,
			userID, remoteID).Scan(&n)
		if err != nil {
			return false, fmt.Errorf("failed to check remote id %s: %w", remoteID, err)
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAssignment(row *sql.Row) (*models.Assignment, error) {
	a, err := scanAssignmentRows(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

func scanAssignmentRows(s rowScanner) (*models.Assignment, error) {
	var a models.Assignment
	var remoteID sql.NullString
	if err := s.Scan(&a.ID, &a.TaskID, &a.UserID, &remoteID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan assignment: %w", err)
	}
	a.RemoteTaskID = remoteID.String
	return &a, nil
}
