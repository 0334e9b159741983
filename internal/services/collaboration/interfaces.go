package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"tracker-realtime/internal/auth"
	"tracker-realtime/internal/models"
)

// Errors reported to the requesting connection only.
var (
	ErrInvalidIdentity  = errors.New("invalid identity")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrMessageDelivery  = errors.New("message delivery failed")
	ErrInvalidMessage   = errors.New("invalid message")
	ErrNoSuchCall       = errors.New("no such call")
	ErrCallInProgress   = errors.New("call already in progress")
	ErrInvalidCallType  = errors.New("invalid call type")
	ErrInvalidRequest   = errors.New("invalid request")
)

// Consumer-side interfaces. Implementations live in repository/ and services/.

// MessageStore is everything the chat path needs from persistence.
type MessageStore interface {
	CreateMessage(ctx context.Context, data *models.ChatMessageCreate) (*models.ChatMessage, error)
	GetUserConversations(ctx context.Context, userID string) ([]*models.Conversation, error)
}

// ChangeSaver queues a batch of spreadsheet change sets for persistence.
// done is called once the write finished, with its error.
type ChangeSaver interface {
	SubmitSave(sessionID string, changes []json.RawMessage, done func(error)) error
}

// PresenceRecorder mirrors presence transitions outside the process.
type PresenceRecorder interface {
	MarkOnline(ctx context.Context, userID, displayName string) error
	MarkOffline(ctx context.Context, userID string, lastSeen time.Time) error
}

// TokenVerifier validates the token carried by authenticate.
type TokenVerifier interface {
	Verify(token string) (*auth.Identity, error)
}

// Peer is one live transport connection.
type Peer interface {
	ID() string
	// Send queues msg without blocking. It returns false when the peer
	// cannot take more data.
	Send(msg []byte) bool
	Close()
}

// emitter delivers outbound events to connections by id.
type emitter interface {
	Emit(connID, event string, payload any)
	EmitMany(connIDs []string, event string, payload any)
	EmitAll(exceptConnID, event string, payload any)
}
