package api

import (
	"log/slog"

	"tracker-realtime/internal/middleware"
	"tracker-realtime/internal/services/collaboration"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler, ws WebSocketRoutes, allowedOrigins []string, logger *slog.Logger) *mux.Router {
	r := mux.NewRouter()

	// tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware(logger))
	r.Use(middleware.ErrorRecoveryMiddleware(logger))
	r.Use(middleware.CORSMiddleware(allowedOrigins))

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", h.Health).Methods("GET")

	// Presence
	api.HandleFunc("/presence", h.ListOnlineUsers).Methods("GET")
	api.HandleFunc("/users/{id}/last-seen", h.GetLastSeen).Methods("GET")

	// Chat
	api.HandleFunc("/conversations", h.CreateConversation).Methods("POST", "OPTIONS")
	api.HandleFunc("/rooms/{id}/users", h.GetRoomUsers).Methods("GET")
	api.HandleFunc("/rooms/{id}/messages", h.ListRoomMessages).Methods("GET")

	// Calls
	api.HandleFunc("/calls/{roomId}", h.GetActiveCall).Methods("GET")

	// Spreadsheets
	api.HandleFunc("/spreadsheets/{id}/collaborators", h.GetCollaborators).Methods("GET")
	api.HandleFunc("/spreadsheets/{id}/changes", h.ListSpreadsheetChanges).Methods("GET")

	// WebSocket routes
	r.HandleFunc("/ws", ws.Handle(collaboration.ScopeAll))
	r.HandleFunc("/ws/chat", ws.Handle(collaboration.ScopeChat))
	r.HandleFunc("/ws/spreadsheet", ws.Handle(collaboration.ScopeSpreadsheet))

	return r
}
