package models

import (
	"encoding/json"
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// SpreadsheetChange stores one autosave flush: every change set received for
// a session during a debounce window, in arrival order.
type SpreadsheetChange struct {
	ID          string            `gorm:"type:varchar(27);primaryKey" json:"id"`
	SessionID   string            `gorm:"type:varchar(128);not null;index:idx_sheet_time" json:"sessionId"`
	Changes     []json.RawMessage `gorm:"type:jsonb;serializer:json;not null" json:"changes"`
	ChangeCount int               `gorm:"not null" json:"changeCount"`
	CreatedAt   time.Time         `gorm:"index:idx_sheet_time" json:"createdAt"`
}

// BeforeCreate generates KSUID
func (s *SpreadsheetChange) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = ksuid.New().String()
	}
	return nil
}

func (SpreadsheetChange) TableName() string {
	return "spreadsheet_changes"
}
