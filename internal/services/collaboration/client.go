package collaboration

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tracker-realtime/internal/middleware"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Client is one WebSocket connection. Reads run on ReadPump, writes on
// WritePump; nothing else touches the socket except Close.
type Client struct {
	id    string
	conn  *websocket.Conn
	send  chan []byte
	done  chan struct{}
	once  sync.Once
	hub   *Hub
	scope Scope
	log   *slog.Logger
}

func NewClient(id string, conn *websocket.Conn, hub *Hub, scope Scope, bufferSize int, logger *slog.Logger) *Client {
	return &Client{
		id:    id,
		conn:  conn,
		send:  make(chan []byte, bufferSize),
		done:  make(chan struct{}),
		hub:   hub,
		scope: scope,
		log:   logger,
	}
}

func (c *Client) ID() string { return c.id }

// Send queues msg for the write pump without blocking.
func (c *Client) Send(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close stops the write pump, which sends a close frame and closes the socket.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

// ReadPump reads frames until the connection fails, dispatching each one to
// the hub, then detaches the client.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Detach(c.id)
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read error", "conn_id", c.id, "error", err)
			}
			return
		}

		ev, err := Decode(message)
		if err != nil {
			middleware.AddSpanError(ctx, err)
			c.hub.Emit(c.id, EventError, errorPayload{Error: err.Error()})
			continue
		}

		c.hub.Dispatch(ctx, c.id, c.scope, ev)
	}
}

// WritePump drains the send buffer to the socket and keeps the connection
// alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Drain whatever else is queued, one frame per event
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
