package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tracker-realtime/internal/middleware"
	"tracker-realtime/internal/models"

	"github.com/gorilla/mux"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Handler serves the HTTP side of the collaboration server. Everything it
// reads from LiveState is a projection; all mutation happens over WebSocket
// except conversation creation.
type Handler struct {
	live          LiveState
	conversations ConversationStore
	changes       ChangeHistory
	lastSeen      LastSeenStore // nil when Redis is not configured
	queue         QueueMonitor
	log           *slog.Logger
}

func NewHandler(
	live LiveState,
	conversations ConversationStore,
	changes ChangeHistory,
	lastSeen LastSeenStore,
	queue QueueMonitor,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		live:          live,
		conversations: conversations,
		changes:       changes,
		lastSeen:      lastSeen,
		queue:         queue,
		log:           logger,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// parseLimit reads ?limit=, falling back to the default for missing or
// invalid values and capping at maxHistoryLimit.
func parseLimit(r *http.Request) int {
	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	return min(limit, maxHistoryLimit)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status        string `json:"status"`
		AutosaveQueue int    `json:"autosaveQueue"`
		Stats         any    `json:"stats"`
	}{
		Status: "ok",
		Stats:  h.live.Stats(),
	}
	if h.queue != nil {
		resp.AutosaveQueue = h.queue.GetQueueLength()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Presence

func (h *Handler) ListOnlineUsers(w http.ResponseWriter, r *http.Request) {
	users := h.live.OnlineUsers()
	writeJSON(w, http.StatusOK, map[string]any{
		"users": users,
		"count": len(users),
	})
}

func (h *Handler) GetLastSeen(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]

	for _, u := range h.live.OnlineUsers() {
		if u.UserID == userID {
			writeJSON(w, http.StatusOK, map[string]any{"userId": userID, "isOnline": true, "lastSeen": u.LastSeen})
			return
		}
	}

	if h.lastSeen == nil {
		writeError(w, http.StatusNotFound, "user not seen")
		return
	}

	seen, ok, err := h.lastSeen.LastSeen(r.Context(), userID)
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		h.log.Error("last seen lookup failed", "user_id", userID, "request_id", middleware.GetRequestID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "presence store unavailable")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "user not seen")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": userID, "isOnline": false, "lastSeen": seen})
}

// Chat

func (h *Handler) GetRoomUsers(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]
	writeJSON(w, http.StatusOK, map[string]any{
		"roomId": roomID,
		"users":  h.live.RoomUsers(roomID),
	})
}

func (h *Handler) ListRoomMessages(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]

	messages, err := h.conversations.ListMessages(r.Context(), roomID, parseLimit(r))
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if messages == nil {
		messages = []*models.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"roomId":   roomID,
		"messages": messages,
	})
}

type createConversationRequest struct {
	Title          string   `json:"title"`
	ParticipantIDs []string `json:"participantIds"`
}

func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ids := make([]string, 0, len(req.ParticipantIDs))
	for _, id := range req.ParticipantIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "participantIds is required")
		return
	}

	conv, err := h.conversations.CreateConversation(r.Context(), strings.TrimSpace(req.Title), ids)
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

// Calls

func (h *Handler) GetActiveCall(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]

	call, ok := h.live.ActiveCall(roomID)
	if !ok {
		writeError(w, http.StatusNotFound, "no active call")
		return
	}
	writeJSON(w, http.StatusOK, call)
}

// Spreadsheets

func (h *Handler) GetCollaborators(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	roster, ok := h.live.SessionCollaborators(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "no open session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId":     sessionID,
		"collaborators": roster,
	})
}

func (h *Handler) ListSpreadsheetChanges(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	changes, err := h.changes.ListChanges(r.Context(), sessionID, parseLimit(r))
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if changes == nil {
		changes = []*models.SpreadsheetChange{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"changes":   changes,
		"asOf":      time.Now().UTC(),
	})
}
