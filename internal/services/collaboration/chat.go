package collaboration

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"tracker-realtime/internal/models"
	"tracker-realtime/internal/scheduler"
)

const (
	DefaultTypingTimeout = 3 * time.Second
	MaxMessageLength     = 4096
)

// ChatManager owns chat room membership, message relay and typing state.
type ChatManager struct {
	mu    sync.Mutex
	rooms map[string]*chatRoom
	seq   uint64

	registry      *Registry
	emit          emitter
	store         MessageStore
	timers        *scheduler.Timers
	typingTimeout time.Duration
	metrics       *Metrics
	log           *slog.Logger
}

type chatRoom struct {
	id           string
	participants map[string]struct{}
	active       map[string]struct{}
	typing       map[string]typingState // userID ->
}

type typingState struct {
	seq         uint64
	connID      string
	displayName string
}

func NewChatManager(registry *Registry, emit emitter, store MessageStore, typingTimeout time.Duration, metrics *Metrics, logger *slog.Logger) *ChatManager {
	if typingTimeout <= 0 {
		typingTimeout = DefaultTypingTimeout
	}
	return &ChatManager{
		rooms:         make(map[string]*chatRoom),
		registry:      registry,
		emit:          emit,
		store:         store,
		timers:        scheduler.New(),
		typingTimeout: typingTimeout,
		metrics:       metrics,
		log:           logger,
	}
}

func typingKey(roomID, userID string) string {
	return roomID + "\x00" + userID
}

// room returns the room, creating it. Caller holds m.mu.
func (m *ChatManager) room(roomID string) *chatRoom {
	room, ok := m.rooms[roomID]
	if !ok {
		room = &chatRoom{
			id:           roomID,
			participants: make(map[string]struct{}),
			active:       make(map[string]struct{}),
			typing:       make(map[string]typingState),
		}
		m.rooms[roomID] = room
	}
	return room
}

// others lists the room's active connections except connID.
func (r *chatRoom) others(connID string) []string {
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		if id != connID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

type roomUserPayload struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

// JoinRoom subscribes connID to roomID. It reports false when the connection
// was already subscribed.
func (m *ChatManager) JoinRoom(connID, roomID string) (bool, error) {
	if roomID == "" {
		return false, fmt.Errorf("%w: roomId is required", ErrInvalidRequest)
	}
	user, ok := m.registry.Lookup(connID)
	if !ok {
		return false, ErrNotAuthenticated
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	room := m.room(roomID)
	if _, joined := room.active[connID]; joined {
		return false, nil
	}
	room.active[connID] = struct{}{}
	room.participants[user.UserID] = struct{}{}
	m.registry.TrackRoom(connID, roomID)

	m.emit.EmitMany(room.others(connID), EventUserJoined, roomUserPayload{
		RoomID:      roomID,
		UserID:      user.UserID,
		DisplayName: user.DisplayName,
	})
	return true, nil
}

// LeaveRoom unsubscribes connID from roomID. It reports false when there was
// nothing to leave.
func (m *ChatManager) LeaveRoom(connID, roomID string) bool {
	user, _ := m.registry.Lookup(connID)

	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return false
	}
	if _, joined := room.active[connID]; !joined {
		return false
	}
	delete(room.active, connID)
	m.registry.UntrackRoom(connID, roomID)

	if ts, typing := room.typing[user.UserID]; typing && ts.connID == connID {
		delete(room.typing, user.UserID)
		m.timers.Cancel(typingKey(roomID, user.UserID))
	}

	m.emit.EmitMany(room.others(connID), EventUserLeft, roomUserPayload{
		RoomID:      roomID,
		UserID:      user.UserID,
		DisplayName: user.DisplayName,
	})

	if len(room.active) == 0 {
		for userID := range room.typing {
			m.timers.Cancel(typingKey(roomID, userID))
		}
		delete(m.rooms, roomID)
	}
	return true
}

type messagePayload struct {
	*models.ChatMessage
	Sender userRef `json:"sender"`
}

type messageSentPayload struct {
	Message *models.ChatMessage `json:"message"`
}

type messageErrorPayload struct {
	RoomID string `json:"roomId"`
	Error  string `json:"error"`
}

// SendMessage persists a message, acknowledges it to the sender and relays it
// to every other connection in the room. Nothing is relayed if persistence
// fails.
func (m *ChatManager) SendMessage(ctx context.Context, connID string, req *SendMessage) error {
	user, ok := m.registry.Lookup(connID)
	if !ok {
		return ErrNotAuthenticated
	}

	if err := validateMessage(req); err != nil {
		m.emit.Emit(connID, EventMessageError, messageErrorPayload{RoomID: req.RoomID, Error: err.Error()})
		return err
	}

	msg, err := m.store.CreateMessage(ctx, &models.ChatMessageCreate{
		ConversationID: req.RoomID,
		SenderID:       user.UserID,
		SenderName:     user.DisplayName,
		Content:        req.Content,
		MessageType:    models.MessageType(req.MessageType),
		Metadata:       req.Metadata,
	})
	if err != nil {
		m.metrics.messageFailed(ctx)
		m.log.Error("failed to persist message", "room_id", req.RoomID, "user_id", user.UserID, "error", err)
		m.emit.Emit(connID, EventMessageError, messageErrorPayload{RoomID: req.RoomID, Error: "failed to send message"})
		return fmt.Errorf("%w: %v", ErrMessageDelivery, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.emit.Emit(connID, EventMessageSent, messageSentPayload{Message: msg})

	if room, ok := m.rooms[req.RoomID]; ok {
		m.emit.EmitMany(room.others(connID), EventMessage, messagePayload{
			ChatMessage: msg,
			Sender:      userRef{UserID: user.UserID, DisplayName: user.DisplayName},
		})
	}
	m.metrics.messageSent(ctx)
	return nil
}

func validateMessage(req *SendMessage) error {
	if req.RoomID == "" {
		return fmt.Errorf("%w: roomId is required", ErrInvalidMessage)
	}
	if strings.TrimSpace(req.Content) == "" {
		return fmt.Errorf("%w: message cannot be empty", ErrInvalidMessage)
	}
	if len(req.Content) > MaxMessageLength {
		return fmt.Errorf("%w: message exceeds %d bytes", ErrInvalidMessage, MaxMessageLength)
	}
	if req.MessageType != "" && !models.MessageType(req.MessageType).Valid() {
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidMessage, req.MessageType)
	}
	return nil
}

// SetTyping marks the user typing in roomID and arms the auto-clear. A newer
// typing or stop event for the same user supersedes the pending clear.
func (m *ChatManager) SetTyping(connID, roomID string) error {
	user, ok := m.registry.Lookup(connID)
	if !ok {
		return ErrNotAuthenticated
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	if _, joined := room.active[connID]; !joined {
		return nil
	}

	m.seq++
	seq := m.seq
	room.typing[user.UserID] = typingState{seq: seq, connID: connID, displayName: user.DisplayName}

	m.emit.EmitMany(room.others(connID), EventTyping, roomUserPayload{
		RoomID:      roomID,
		UserID:      user.UserID,
		DisplayName: user.DisplayName,
	})

	userID := user.UserID
	m.timers.Schedule(typingKey(roomID, userID), m.typingTimeout, func() {
		m.expireTyping(roomID, userID, seq)
	})
	return nil
}

func (m *ChatManager) expireTyping(roomID, userID string, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return
	}
	ts, ok := room.typing[userID]
	if !ok || ts.seq != seq {
		return
	}
	delete(room.typing, userID)

	m.emit.EmitMany(room.others(ts.connID), EventStopTyping, roomUserPayload{
		RoomID:      roomID,
		UserID:      userID,
		DisplayName: ts.displayName,
	})
}

// StopTyping clears the typing state explicitly. Nothing is broadcast if the
// user was not typing.
func (m *ChatManager) StopTyping(connID, roomID string) error {
	user, ok := m.registry.Lookup(connID)
	if !ok {
		return ErrNotAuthenticated
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	if _, typing := room.typing[user.UserID]; !typing {
		return nil
	}
	delete(room.typing, user.UserID)
	m.timers.Cancel(typingKey(roomID, user.UserID))

	m.emit.EmitMany(room.others(connID), EventStopTyping, roomUserPayload{
		RoomID:      roomID,
		UserID:      user.UserID,
		DisplayName: user.DisplayName,
	})
	return nil
}

// SeedParticipants records the durable membership of a room.
func (m *ChatManager) SeedParticipants(roomID string, participantIDs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room := m.room(roomID)
	for _, id := range participantIDs {
		room.participants[id] = struct{}{}
	}
}

// Participants returns the durable membership known for roomID.
func (m *ChatManager) Participants(roomID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(room.participants))
	for id := range room.participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Roster returns the users connected to roomID.
func (m *ChatManager) Roster(roomID string) []models.ConnectedUser {
	return m.registry.GetUsersInRoom(roomID)
}

// ActiveConnections returns the number of connections subscribed to roomID.
func (m *ChatManager) ActiveConnections(roomID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if room, ok := m.rooms[roomID]; ok {
		return len(room.active)
	}
	return 0
}

// IsTyping reports whether userID is marked typing in roomID.
func (m *ChatManager) IsTyping(roomID, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if room, ok := m.rooms[roomID]; ok {
		_, typing := room.typing[userID]
		return typing
	}
	return false
}

func (m *ChatManager) Shutdown() {
	m.timers.Stop()
}
