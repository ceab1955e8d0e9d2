package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tasksync/internal/models"
)

// FindOrCreateDefaultList returns the user's default list, creating the
// default folder and list on first use. The reconciler calls this lazily
// when it imports the first remote task for a user.
func (db *DB) FindOrCreateDefaultList(ctx context.Context, userID int64) (*models.List, error) {
	var folderID int64
	err := db.QueryRowContext(ctx,
		`SELECT id FROM folders WHERE user_id = ? AND name = ?`,
		userID, models.DefaultFolderName).Scan(&folderID)
	if errors.Is(err, sql.ErrNoRows) {
		res, err := db.ExecContext(ctx,
			`INSERT INTO folders (user_id, name, created_at) VALUES (?, ?, ?)`,
			userID, models.DefaultFolderName, time.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to create default folder: %w", err)
		}
		folderID, err = res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to get folder id: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to find default folder: %w", err)
	}

	var list models.List
	err = db.QueryRowContext(ctx,
		`SELECT id, folder_id, name, created_at FROM lists WHERE folder_id = ? AND name = ?`,
		folderID, models.DefaultListName).Scan(&list.ID, &list.FolderID, &list.Name, &list.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		now := time.Now()
		res, err := db.ExecContext(ctx,
			`INSERT INTO lists (folder_id, name, created_at) VALUES (?, ?, ?)`,
			folderID, models.DefaultListName, now)
		if err != nil {
			return nil, fmt.Errorf("failed to create default list: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to get list id: %w", err)
		}
		return &models.List{ID: id, FolderID: folderID, Name: models.DefaultListName, CreatedAt: now}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find default list: %w", err)
	}
	return &list, nil
}
