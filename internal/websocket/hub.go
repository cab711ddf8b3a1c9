package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	apierrors "blogcore/internal/errors"
	"blogcore/internal/infrastructure"
)

// Message types pushed to clients.
const (
	TypeConnection = "connection"
	TypeMessage    = "message"
	TypeRequest    = "request"
	TypeHeartbeat  = "heartbeat"
	TypeError      = "error"
)

const defaultSendBuffer = 256

var (
	ErrHubStopped        = errors.New("hub is not running")
	ErrClientNotFound    = errors.New("client not connected")
	ErrClientBufferFull  = errors.New("client send buffer full")
	errUnsupportedFrame  = errors.New("unsupported message type")
	errMalformedEnvelope = errors.New("malformed message")
)

// Message is the envelope written to clients.
type Message struct {
	Type      string `json:"type"`
	From      string `json:"from,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id,omitempty"`
}

// Stats is a point-in-time view of hub counters.
type Stats struct {
	Clients          int   `json:"clients"`
	TotalConnections int64 `json:"total_connections"`
	MessagesSent     int64 `json:"messages_sent"`
	MessagesDropped  int64 `json:"messages_dropped"`
}

// Hub keeps the set of connected chat clients and fans messages out to them.
// All client channel closes happen under mu, so senders holding the read
// lock never write to a closed channel.
type Hub struct {
	clients map[string]*Client

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu     sync.RWMutex
	logger *slog.Logger

	upgrader   websocket.Upgrader
	sendBuffer int

	totalConnections atomic.Int64
	messagesSent     atomic.Int64
	messagesDropped  atomic.Int64

	startOnce sync.Once
	started   atomic.Bool
	quitOnce  sync.Once
	quit      chan struct{}
	done      chan struct{}
}

// Option configures a Hub.
type Option func(*Hub)

// WithCheckOrigin sets the origin check applied during the upgrade.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Hub) { h.upgrader.CheckOrigin = fn }
}

// WithSendBuffer sets the per-client outbound queue length.
func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// NewHub creates a stopped hub.
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		clients:    make(map[string]*Client),
		broadcast:  make(chan []byte, defaultSendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     infrastructure.WithComponent(logger, "websocket.hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		sendBuffer: defaultSendBuffer,
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start runs the hub loop until ctx is cancelled or Stop is called. A
// stopped hub cannot be restarted.
func (h *Hub) Start(ctx context.Context) {
	h.startOnce.Do(func() {
		h.started.Store(true)
		go h.run(ctx)
	})
}

// Stop ends the hub loop and disconnects every client.
func (h *Hub) Stop() {
	h.closeQuit()
	if h.started.Load() {
		<-h.done
	}
}

// Running reports whether the hub accepts clients.
func (h *Hub) Running() bool {
	if !h.started.Load() {
		return false
	}
	select {
	case <-h.quit:
		return false
	default:
		return true
	}
}

func (h *Hub) closeQuit() {
	h.quitOnce.Do(func() { close(h.quit) })
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	defer h.disconnectAll()

	for {
		select {
		case <-ctx.Done():
			h.closeQuit()
			h.logger.Info("hub shutting down", slog.String("reason", ctx.Err().Error()))
			return
		case <-h.quit:
			h.logger.Info("hub shutting down")
			return
		case client := <-h.register:
			h.add(client)
		case client := <-h.unregister:
			h.remove(client)
		case data := <-h.broadcast:
			h.deliver(data)
		}
	}
}

func (h *Hub) add(c *Client) {
	welcome, err := encode(c.ctx(), TypeConnection, "", map[string]any{
		"status":    "connected",
		"client_id": c.id,
	})

	h.mu.Lock()
	h.clients[c.id] = c
	count := len(h.clients)
	if err == nil {
		select {
		case c.send <- welcome:
		default:
		}
	}
	h.mu.Unlock()

	h.totalConnections.Add(1)
	h.logger.InfoContext(c.ctx(), "client registered",
		slog.String("client_id", c.id),
		slog.String("remote_addr", c.remoteAddr),
		slog.Int("total_clients", count))
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	current, ok := h.clients[c.id]
	if ok && current == c {
		delete(h.clients, c.id)
		close(c.send)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.logger.InfoContext(c.ctx(), "client unregistered",
			slog.String("client_id", c.id),
			slog.Int("total_clients", count),
			slog.Duration("connection_duration", time.Since(c.connectedAt)))
	}
}

func (h *Hub) deliver(data []byte) {
	var dropped []string

	h.mu.Lock()
	for id, c := range h.clients {
		select {
		case c.send <- data:
			h.messagesSent.Add(1)
		default:
			delete(h.clients, id)
			close(c.send)
			dropped = append(dropped, id)
		}
	}
	h.mu.Unlock()

	for _, id := range dropped {
		h.logger.Warn("client send buffer full, disconnecting", slog.String("client_id", id))
	}
}

func (h *Hub) disconnectAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		close(c.send)
		delete(h.clients, id)
	}
}

// Broadcast queues a message for every connected client. When the hub is
// stopped or its queue is full the message is dropped.
func (h *Hub) Broadcast(ctx context.Context, msgType string, data any) {
	h.broadcastFrom(ctx, msgType, "", data)
}

func (h *Hub) broadcastFrom(ctx context.Context, msgType, from string, data any) {
	payload, err := encode(ctx, msgType, from, data)
	if err != nil {
		h.logger.ErrorContext(ctx, "error marshaling message",
			slog.String("message_type", msgType),
			slog.String("error", err.Error()))
		return
	}

	select {
	case <-h.quit:
		h.messagesDropped.Add(1)
		return
	default:
	}

	select {
	case h.broadcast <- payload:
	default:
		h.messagesDropped.Add(1)
		h.logger.WarnContext(ctx, "broadcast queue full, dropping message",
			slog.String("message_type", msgType))
	}
}

// SendTo delivers a message to a single client without blocking.
func (h *Hub) SendTo(ctx context.Context, clientID, msgType string, data any) error {
	return h.sendFrom(ctx, clientID, msgType, "", data)
}

func (h *Hub) sendFrom(ctx context.Context, clientID, msgType, from string, data any) error {
	payload, err := encode(ctx, msgType, from, data)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.clients[clientID]
	if !ok {
		return ErrClientNotFound
	}
	select {
	case c.send <- payload:
		h.messagesSent.Add(1)
		return nil
	default:
		h.messagesDropped.Add(1)
		return ErrClientBufferFull
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns the hub counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Clients:          h.ClientCount(),
		TotalConnections: h.totalConnections.Load(),
		MessagesSent:     h.messagesSent.Load(),
		MessagesDropped:  h.messagesDropped.Load(),
	}
}

// Register hands a client to the hub loop.
func (h *Hub) Register(c *Client) error {
	select {
	case h.register <- c:
		return nil
	case <-h.quit:
		return ErrHubStopped
	}
}

// Unregister removes a client. It is a no-op once the hub has stopped.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

// ServeHTTP upgrades the request and attaches the connection as a client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.Running() {
		apierrors.WriteError(w, r, apierrors.ErrServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		h.logger.WarnContext(r.Context(), "websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	traceID := infrastructure.GetTraceID(r.Context())
	if traceID == "" {
		traceID = infrastructure.GenerateTraceID()
	}

	client := NewClient(h, NewConnectionWrapper(conn), traceID, h.logger)
	if err := h.Register(client); err != nil {
		_ = conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

func encode(ctx context.Context, msgType, from string, data any) ([]byte, error) {
	return json.Marshal(Message{
		Type:      msgType,
		From:      from,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		TraceID:   infrastructure.GetTraceID(ctx),
	})
}
