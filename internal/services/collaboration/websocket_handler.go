package collaboration

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"slices"

	"tracker-realtime/internal/middleware"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

// WebSocketHandler upgrades HTTP requests into hub connections.
type WebSocketHandler struct {
	hub        *Hub
	upgrader   websocket.Upgrader
	bufferSize int
	log        *slog.Logger
}

// NewWebSocketHandler creates the handler. An empty allowedOrigins accepts
// any origin.
func NewWebSocketHandler(hub *Hub, allowedOrigins []string, bufferSize int, logger *slog.Logger) *WebSocketHandler {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &WebSocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		bufferSize: bufferSize,
		log:        logger,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return slices.Contains(allowed, u.Scheme+"://"+u.Host)
	}
}

// Handle returns the upgrade handler for one route scope.
//
// A client may pass its identity as userId/displayName/token query
// parameters, which is the same as sending authenticate right after connecting.
func (h *WebSocketHandler) Handle(scope Scope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connID := uuid.NewString()

		ctx, span := middleware.StartSpan(r.Context(), "WebSocket.Connect",
			attribute.String("conn.id", connID),
			attribute.String("scope", scope.String()),
		)
		defer span.End()

		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn("failed to upgrade websocket", "error", err)
			middleware.AddSpanError(ctx, err)
			return
		}

		client := NewClient(connID, conn, h.hub, scope, h.bufferSize, h.log)
		h.hub.Attach(client)

		// The request context ends with the handler; pumps get their own.
		pumpCtx := context.WithoutCancel(ctx)

		go client.WritePump()

		q := r.URL.Query()
		if userID := q.Get("userId"); userID != "" || q.Get("token") != "" {
			h.hub.Dispatch(pumpCtx, connID, scope, &Authenticate{
				UserID:      userID,
				DisplayName: q.Get("displayName"),
				Token:       q.Get("token"),
			})
		}

		go client.ReadPump(pumpCtx)

		h.log.Info("✓ WebSocket connection established", "conn_id", connID, "scope", scope.String(), "remote", r.RemoteAddr)
	}
}
