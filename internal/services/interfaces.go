package services

import (
	"context"
	"encoding/json"
)

/*
Interfaces are defined where they are used, not where they are implemented.
The repository package never imports this one; it only happens to satisfy
what is declared here.
*/

// SpreadsheetStore is what the autosave pool needs from storage.
type SpreadsheetStore interface {
	SaveSpreadsheetChanges(ctx context.Context, sessionID string, changes []json.RawMessage) error
}
