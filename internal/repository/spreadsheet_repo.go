package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"tracker-realtime/internal/models"

	"gorm.io/gorm"
)

/*
SPREADSHEET AUTOSAVE PERSISTENCE

One row per autosave flush. A row holds the change sets collected during one
debounce window, so replaying rows in created_at order rebuilds the edit
history of a sheet.
*/

// SpreadsheetRepositoryImpl handles spreadsheet change storage
type SpreadsheetRepositoryImpl struct {
	db *gorm.DB
}

func NewSpreadsheetRepository(db *gorm.DB) *SpreadsheetRepositoryImpl {
	return &SpreadsheetRepositoryImpl{db: db}
}

// SaveSpreadsheetChanges stores one batch of change sets for a session.
func (r *SpreadsheetRepositoryImpl) SaveSpreadsheetChanges(ctx context.Context, sessionID string, changes []json.RawMessage) error {
	if len(changes) == 0 {
		return nil
	}

	row := &models.SpreadsheetChange{
		SessionID:   sessionID,
		Changes:     changes,
		ChangeCount: len(changes),
	}

	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to save spreadsheet changes: %w", err)
	}

	return nil
}

// ListChanges returns the most recent autosave batches for a session, oldest first.
func (r *SpreadsheetRepositoryImpl) ListChanges(ctx context.Context, sessionID string, limit int) ([]*models.SpreadsheetChange, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows []*models.SpreadsheetChange
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list spreadsheet changes: %w", err)
	}

	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}

	return rows, nil
}

// GetLatestChange gets the most recent batch for a session, or nil if none.
func (r *SpreadsheetRepositoryImpl) GetLatestChange(ctx context.Context, sessionID string) (*models.SpreadsheetChange, error) {
	var row models.SpreadsheetChange

	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest spreadsheet change: %w", err)
	}

	return &row, nil
}
