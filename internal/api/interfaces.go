package api

import (
	"context"
	"net/http"
	"time"

	"tracker-realtime/internal/models"
	"tracker-realtime/internal/services/collaboration"
)

/*
CONSUMER-DRIVEN INTERFACES

The api package only declares what its handlers call. The hub, the
repositories and the autosave pool satisfy these without knowing about them,
and handler tests swap in small fakes.
*/

// LiveState is the in-memory collaboration state the handlers project.
type LiveState interface {
	OnlineUsers() []models.UserPresence
	RoomUsers(roomID string) []models.ConnectedUser
	ActiveCall(roomID string) (*collaboration.Call, bool)
	SessionCollaborators(sessionID string) ([]models.Collaborator, bool)
	Stats() collaboration.Stats
}

// ConversationStore backs conversation creation and message history.
type ConversationStore interface {
	CreateConversation(ctx context.Context, title string, participantIDs []string) (*models.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*models.ChatMessage, error)
}

// ChangeHistory lists persisted autosave batches.
type ChangeHistory interface {
	ListChanges(ctx context.Context, sessionID string, limit int) ([]*models.SpreadsheetChange, error)
}

// LastSeenStore answers last-seen lookups for users that are not connected.
type LastSeenStore interface {
	LastSeen(ctx context.Context, userID string) (time.Time, bool, error)
}

// QueueMonitor reports autosave backlog for the health check.
type QueueMonitor interface {
	GetQueueLength() int
}

// WebSocketRoutes builds the upgrade handler for one channel scope.
type WebSocketRoutes interface {
	Handle(scope collaboration.Scope) http.HandlerFunc
}
