package collaboration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tracker-realtime/internal/middleware"
	"tracker-realtime/internal/models"

	"go.opentelemetry.io/otel/attribute"
)

/*
HUB

The hub is the dispatch boundary between transport and the managers:

	client read pump -> Decode -> Hub.Dispatch -> Registry / Chat / Calls / Spreadsheets
	managers -> Hub.Emit* -> Peer.Send (non-blocking) -> client write pump

Disconnect runs the cleanup cascade in a fixed order: chat rooms, calls,
spreadsheet sessions, then the registry entry itself (which may announce the
user offline). Every step is isolated so one failure never blocks the rest.
*/

// HubConfig wires a Hub. Messages and Saver are required.
type HubConfig struct {
	Messages      MessageStore
	Saver         ChangeSaver
	Presence      PresenceRecorder
	Verifier      TokenVerifier
	TypingTimeout time.Duration
	AutosaveDelay time.Duration
	Metrics       *Metrics
	Logger        *slog.Logger
}

// Hub owns the peer map and the four managers.
type Hub struct {
	mu    sync.RWMutex
	peers map[string]Peer

	registry *Registry
	presence *PresenceBroadcaster
	chat     *ChatManager
	calls    *CallManager
	sheets   *SpreadsheetManager

	messages MessageStore
	verifier TokenVerifier
	metrics  *Metrics
	log      *slog.Logger
}

func NewHub(cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Hub{
		peers:    make(map[string]Peer),
		registry: NewRegistry(),
		messages: cfg.Messages,
		verifier: cfg.Verifier,
		metrics:  cfg.Metrics,
		log:      logger,
	}
	h.presence = NewPresenceBroadcaster(h, cfg.Presence, logger.With("component", "presence"))
	h.chat = NewChatManager(h.registry, h, cfg.Messages, cfg.TypingTimeout, cfg.Metrics, logger.With("component", "chat"))
	h.calls = NewCallManager(h.registry, h, cfg.Metrics, logger.With("component", "calls"))
	h.sheets = NewSpreadsheetManager(h.registry, h, cfg.Saver, cfg.AutosaveDelay, cfg.Metrics, logger.With("component", "spreadsheet"))
	return h
}

func (h *Hub) Registry() *Registry { return h.registry }
func (h *Hub) Chat() *ChatManager { return h.chat }
func (h *Hub) Calls() *CallManager { return h.calls }
func (h *Hub) Spreadsheets() *SpreadsheetManager { return h.sheets }

// Attach registers a new connection.
func (h *Hub) Attach(peer Peer) {
	h.mu.Lock()
	h.peers[peer.ID()] = peer
	h.mu.Unlock()

	h.registry.Open(peer.ID())
	h.metrics.connected(context.Background(), 1)
}

// Detach removes a connection and runs the cleanup cascade. Safe to call
// more than once.
func (h *Hub) Detach(connID string) {
	h.mu.Lock()
	_, attached := h.peers[connID]
	delete(h.peers, connID)
	h.mu.Unlock()

	if attached {
		h.metrics.connected(context.Background(), -1)
	}

	h.leaveAll(connID)

	var closed CloseResult
	h.isolate("registry", connID, func() {
		closed = h.registry.Close(connID)
	})
	if closed.WentOffline {
		h.isolate("presence", connID, func() {
			h.presence.Offline(*closed.User)
		})
	}
}

// leaveAll removes connID from every room, call and session it belongs to.
func (h *Hub) leaveAll(connID string) {
	rooms, sessions := h.registry.Memberships(connID)

	for _, roomID := range rooms {
		h.isolate("chat", connID, func() { h.chat.LeaveRoom(connID, roomID) })
	}
	h.isolate("calls", connID, func() { h.calls.HandleDisconnect(connID) })
	for _, sessionID := range sessions {
		h.isolate("spreadsheet", connID, func() {
			if userID, ok := h.sheets.CollaboratorFor(sessionID, connID); ok {
				h.sheets.LeaveSession(sessionID, userID)
			}
		})
	}
}

func (h *Hub) isolate(step, connID string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("cleanup step panicked", "step", step, "conn_id", connID, "panic", r)
		}
	}()
	fn()
}

// Emit sends one event to one connection. A peer that cannot take the frame
// is closed; its read pump then detaches it.
func (h *Hub) Emit(connID, event string, payload any) {
	msg, err := Encode(event, payload)
	if err != nil {
		h.log.Error("failed to encode event", "event", event, "error", err)
		return
	}
	h.deliver(connID, msg)
}

func (h *Hub) EmitMany(connIDs []string, event string, payload any) {
	if len(connIDs) == 0 {
		return
	}
	msg, err := Encode(event, payload)
	if err != nil {
		h.log.Error("failed to encode event", "event", event, "error", err)
		return
	}
	for _, id := range connIDs {
		h.deliver(id, msg)
	}
}

func (h *Hub) EmitAll(exceptConnID, event string, payload any) {
	h.mu.RLock()
	ids := make([]string, 0, len(h.peers))
	for id := range h.peers {
		if id != exceptConnID {
			ids = append(ids, id)
		}
	}
	h.mu.RUnlock()

	h.EmitMany(ids, event, payload)
}

func (h *Hub) deliver(connID string, msg []byte) {
	h.mu.RLock()
	peer, ok := h.peers[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	if !peer.Send(msg) {
		h.log.Warn("⚠️  send buffer full, closing connection", "conn_id", connID)
		h.metrics.slowConsumer(context.Background())
		peer.Close()
	}
}

// Dispatch handles one decoded event from connID. scope is the channel set
// of the route the connection was opened on.
func (h *Hub) Dispatch(ctx context.Context, connID string, scope Scope, ev Event) {
	ctx, span := middleware.StartSpan(ctx, "collab."+ev.Name(),
		attribute.String("conn.id", connID),
		attribute.String("event", ev.Name()),
		attribute.String("scope", scope.String()),
	)
	defer span.End()

	h.metrics.eventDispatched(ctx, ev.Name())

	if !scope.Accepts(ev.channel()) {
		h.Emit(connID, EventError, errorPayload{Error: fmt.Sprintf("event %s is not available on this channel", ev.Name())})
		return
	}

	var err error
	switch e := ev.(type) {
	case *Authenticate:
		err = h.authenticate(ctx, connID, e)
	case *JoinChat:
		_, err = h.chat.JoinRoom(connID, e.RoomID)
	case *LeaveChat:
		h.chat.LeaveRoom(connID, e.RoomID)
	case *SendMessage:
		err = h.chat.SendMessage(ctx, connID, e)
	case *Typing:
		err = h.chat.SetTyping(connID, e.RoomID)
	case *StopTyping:
		err = h.chat.StopTyping(connID, e.RoomID)
	case *GetRoomUsers:
		h.Emit(connID, EventRoomUsers, roomUsersPayload{RoomID: e.RoomID, Users: h.chat.Roster(e.RoomID)})
	case *StartCall:
		participants := e.ParticipantIDs
		if len(participants) == 0 {
			// no explicit list: ring everyone in the room
			participants = h.chat.Participants(e.RoomID)
		}
		_, err = h.calls.StartCall(ctx, connID, e.RoomID, participants, CallType(e.Type))
		err = h.callError(connID, e.RoomID, err)
	case *AcceptCall:
		err = h.callError(connID, e.RoomID, h.calls.AcceptCall(connID, e.RoomID))
	case *RejectCall:
		err = h.callError(connID, e.RoomID, h.calls.RejectCall(connID, e.RoomID))
	case *EndCall:
		err = h.callError(connID, e.RoomID, h.calls.EndCall(connID, e.RoomID))
	case *JoinSpreadsheet:
		err = h.joinSpreadsheet(connID, e)
	case *CursorUpdate:
		if userID, ok := h.sheets.CollaboratorFor(e.SessionID, connID); ok {
			h.sheets.UpdateCursor(e.SessionID, userID, e.Cursor)
		}
	case *SelectionUpdate:
		if userID, ok := h.sheets.CollaboratorFor(e.SessionID, connID); ok {
			h.sheets.UpdateSelection(e.SessionID, userID, e.Selection)
		}
	case *ContentChange:
		if userID, ok := h.sheets.CollaboratorFor(e.SessionID, connID); ok {
			h.sheets.ApplyContentChange(e.SessionID, userID, e.Changes)
		}
	case *LeaveSpreadsheet:
		// only the connection editing as that user may leave on its behalf
		if userID, ok := h.sheets.CollaboratorFor(e.SessionID, connID); ok {
			h.sheets.LeaveSession(e.SessionID, userID)
		}
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Name())
	}

	if err == nil {
		return
	}
	middleware.AddSpanError(ctx, err)

	switch {
	case errors.Is(err, ErrMessageDelivery), errors.Is(err, ErrInvalidMessage), errors.Is(err, errReported):
		// already reported to the sender
	case errors.Is(err, ErrNotAuthenticated):
		h.Emit(connID, EventError, errorPayload{Error: "authenticate first"})
	default:
		h.Emit(connID, EventError, errorPayload{Error: err.Error()})
	}
}

// errReported marks errors already delivered to the requester.
var errReported = errors.New("reported")

// callError reports call errors to the requester as callError.
func (h *Hub) callError(connID, roomID string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNoSuchCall) || errors.Is(err, ErrCallInProgress) || errors.Is(err, ErrInvalidCallType) {
		h.Emit(connID, EventCallError, messageErrorPayload{RoomID: roomID, Error: err.Error()})
		return fmt.Errorf("%w: %w", errReported, err)
	}
	return err
}

type authenticatedPayload struct {
	Success     bool   `json:"success"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type roomUsersPayload struct {
	RoomID string                 `json:"roomId"`
	Users  []models.ConnectedUser `json:"users"`
}

func (h *Hub) authenticate(ctx context.Context, connID string, e *Authenticate) error {
	userID, displayName := e.UserID, e.DisplayName

	if h.verifier != nil {
		id, err := h.verifier.Verify(e.Token)
		if err != nil {
			h.Emit(connID, EventAuthenticationError, errorPayload{Error: err.Error()})
			return fmt.Errorf("%w: %w", errReported, err)
		}
		if userID != "" && strings.TrimSpace(userID) != id.UserID {
			err := fmt.Errorf("%w: userId does not match token", ErrInvalidIdentity)
			h.Emit(connID, EventAuthenticationError, errorPayload{Error: err.Error()})
			return fmt.Errorf("%w: %w", errReported, err)
		}
		userID = id.UserID
		if displayName == "" {
			displayName = id.DisplayName
		}
	}

	if prev, ok := h.registry.Lookup(connID); ok && prev.UserID != strings.TrimSpace(userID) {
		h.leaveAll(connID)
	}

	res, err := h.registry.Authenticate(connID, userID, displayName)
	if err != nil {
		h.Emit(connID, EventAuthenticationError, errorPayload{Error: err.Error()})
		return fmt.Errorf("%w: %w", errReported, err)
	}

	h.Emit(connID, EventAuthenticated, authenticatedPayload{
		Success:     true,
		UserID:      res.User.UserID,
		DisplayName: res.User.DisplayName,
	})
	middleware.AddSpanEvent(ctx, "authenticated", attribute.String("user.id", res.User.UserID))

	if res.Replaced != nil {
		h.presence.Offline(*res.Replaced)
	}
	if res.CameOnline {
		h.presence.Online(res.User)
	}

	h.joinConversations(ctx, connID, res.User.UserID)
	return nil
}

// joinConversations subscribes a freshly authenticated connection to the
// user's existing conversations.
func (h *Hub) joinConversations(ctx context.Context, connID, userID string) {
	if h.messages == nil {
		return
	}

	convs, err := h.messages.GetUserConversations(ctx, userID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		h.log.Warn("⚠️  failed to load conversations", "user_id", userID, "error", err)
		return
	}

	for _, conv := range convs {
		h.chat.SeedParticipants(conv.ID, conv.ParticipantIDs())
		if _, err := h.chat.JoinRoom(connID, conv.ID); err != nil {
			h.log.Warn("⚠️  failed to join conversation", "room_id", conv.ID, "error", err)
		}
	}
}

func (h *Hub) joinSpreadsheet(connID string, e *JoinSpreadsheet) error {
	userID, displayName := e.UserID, e.DisplayName
	// an authenticated connection always edits as itself
	if user, ok := h.registry.Lookup(connID); ok {
		if userID != "" && strings.TrimSpace(userID) != user.UserID {
			return fmt.Errorf("%w: userId does not match the authenticated user", ErrInvalidIdentity)
		}
		userID = user.UserID
		if displayName == "" {
			displayName = user.DisplayName
		}
	}
	_, err := h.sheets.JoinSession(connID, e.SessionID, userID, displayName)
	return err
}

// PeerCount returns the number of attached connections.
func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Read-only projections for the HTTP API.

func (h *Hub) OnlineUsers() []models.UserPresence {
	return h.registry.OnlineUsers()
}

func (h *Hub) RoomUsers(roomID string) []models.ConnectedUser {
	return h.chat.Roster(roomID)
}

func (h *Hub) ActiveCall(roomID string) (*Call, bool) {
	return h.calls.Get(roomID)
}

func (h *Hub) SessionCollaborators(sessionID string) ([]models.Collaborator, bool) {
	return h.sheets.Collaborators(sessionID)
}

// Stats is a point-in-time snapshot of the hub.
type Stats struct {
	Connections  int `json:"connections"`
	OnlineUsers  int `json:"onlineUsers"`
	ActiveCalls  int `json:"activeCalls"`
	OpenSessions int `json:"openSessions"`
}

func (h *Hub) Stats() Stats {
	return Stats{
		Connections:  h.PeerCount(),
		OnlineUsers:  len(h.registry.OnlineUsers()),
		ActiveCalls:  h.calls.Count(),
		OpenSessions: h.sheets.Count(),
	}
}

// Shutdown detaches every connection, which writes the pending changes of
// each session it leaves, then stops timers and closes the peers. Call it
// before stopping the autosave workers.
func (h *Hub) Shutdown() {
	h.log.Info("🛑 Shutting down collaboration hub...")

	h.mu.RLock()
	peers := make([]Peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.RUnlock()

	// Detach before Close so the cascade only emits to peers still open.
	for _, p := range peers {
		h.Detach(p.ID())
	}
	for _, p := range peers {
		p.Close()
	}

	h.chat.Shutdown()
	h.sheets.Shutdown()

	h.log.Info("✓ Collaboration hub shutdown complete", "connections", len(peers))
}
