package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tasksync/internal/models"
)

const userColumns = `id, email, display_name, sync_enabled, created_at, updated_at`

func (db *DB) CreateOrUpdateUser(ctx context.Context, user *models.User) error {
	query := `INSERT INTO users (email, display_name, sync_enabled, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?)
              ON CONFLICT(email) DO UPDATE SET
                display_name = excluded.display_name,
                sync_enabled = excluded.sync_enabled,
                updated_at = excluded.updated_at`
	now := time.Now()
	if _, err := db.ExecContext(ctx, query, user.Email, user.DisplayName, user.SyncEnabled, now, now); err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}

	row := db.QueryRowContext(ctx, `SELECT id FROM users WHERE email = ?`, user.Email)
	if err := row.Scan(&user.ID); err != nil {
		return fmt.Errorf("failed to read user id: %w", err)
	}
	return nil
}

func (db *DB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	row := db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email)

	var user models.User
	err := row.Scan(&user.ID, &user.Email, &user.DisplayName, &user.SyncEnabled, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", email, err)
	}
	return &user, nil
}

// GetSyncEnabledUsers lists the users the reconciliation cycle iterates.
func (db *DB) GetSyncEnabledUsers(ctx context.Context) ([]models.User, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE sync_enabled = 1 ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("failed to get sync-enabled users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var user models.User
		if err := rows.Scan(&user.ID, &user.Email, &user.DisplayName, &user.SyncEnabled, &user.CreatedAt, &user.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}
