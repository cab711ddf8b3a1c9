package websocket

import (
	"context"
	"time"
)

// Connection is the subset of a websocket connection used by Client.
// Tests substitute it to drive the pumps without a network.
type Connection interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(string) error)
	RemoteAddr() string
}

// Notifier pushes messages to connected hub clients. Request handlers reach
// it through NotifierFromContext.
type Notifier interface {
	// Broadcast queues a message for every client. It never blocks.
	Broadcast(ctx context.Context, msgType string, data any)

	// SendTo delivers a message to one client.
	SendTo(ctx context.Context, clientID, msgType string, data any) error

	// ClientCount returns the number of connected clients.
	ClientCount() int
}

type notifierKey struct{}

// WithNotifier returns a copy of ctx carrying n.
func WithNotifier(ctx context.Context, n Notifier) context.Context {
	return context.WithValue(ctx, notifierKey{}, n)
}

// NotifierFromContext returns the notifier attached to ctx, if any.
func NotifierFromContext(ctx context.Context) (Notifier, bool) {
	n, ok := ctx.Value(notifierKey{}).(Notifier)
	return n, ok && n != nil
}
