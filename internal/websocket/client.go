package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"blogcore/internal/infrastructure"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4096
)

// inbound is a frame sent by a client. Target selects a single recipient.
type inbound struct {
	Type   string          `json:"type"`
	Target string          `json:"target,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Client is a middleman between the websocket connection and the hub
type Client struct {
	hub  *Hub
	conn Connection

	// Buffered channel of outbound messages, closed by the hub
	send chan []byte

	id          string
	traceID     string
	remoteAddr  string
	connectedAt time.Time

	logger *slog.Logger
}

// NewClient creates a client for conn. The trace id ties the client's log
// lines to the upgrade request.
func NewClient(hub *Hub, conn Connection, traceID string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	id := uuid.New().String()
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, hub.sendBuffer),
		id:          id,
		traceID:     traceID,
		remoteAddr:  conn.RemoteAddr(),
		connectedAt: time.Now(),
		logger: logger.With(
			slog.String("component", "websocket.client"),
			slog.String("client_id", id)),
	}
}

// ID returns the client id announced in the connection message.
func (c *Client) ID() string {
	return c.id
}

func (c *Client) ctx() context.Context {
	if c.traceID == "" {
		return context.Background()
	}
	return infrastructure.WithTraceID(context.Background(), c.traceID)
}

// ReadPump reads client frames until the connection fails, then unregisters.
func (c *Client) ReadPump() {
	ctx := c.ctx()
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
		c.logger.DebugContext(ctx, "read pump stopped",
			slog.Duration("connection_duration", time.Since(c.connectedAt)))
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WarnContext(ctx, "unexpected websocket close", slog.String("error", err.Error()))
			}
			return
		}

		if err := c.handle(ctx, data); err != nil {
			c.logger.DebugContext(ctx, "rejected client frame", slog.String("error", err.Error()))
			reply := map[string]any{"message": err.Error()}
			if sendErr := c.hub.SendTo(ctx, c.id, TypeError, reply); sendErr != nil && !errors.Is(sendErr, ErrClientNotFound) {
				c.logger.DebugContext(ctx, "could not report frame error", slog.String("error", sendErr.Error()))
			}
		}
	}
}

func (c *Client) handle(ctx context.Context, data []byte) error {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return errMalformedEnvelope
	}

	switch in.Type {
	case TypeHeartbeat:
		return nil
	case TypeMessage:
		if in.Target != "" {
			return c.hub.sendFrom(ctx, in.Target, TypeMessage, c.id, in.Data)
		}
		c.hub.broadcastFrom(ctx, TypeMessage, c.id, in.Data)
		return nil
	default:
		return fmt.Errorf("%w: %q", errUnsupportedFrame, in.Type)
	}
}

// WritePump writes queued messages and keepalive pings to the connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.WarnContext(c.ctx(), "error writing message", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.DebugContext(c.ctx(), "failed to send ping", slog.String("error", err.Error()))
				return
			}
		}
	}
}
