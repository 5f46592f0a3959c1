// Package transport abstracts the bidirectional text-frame stream a call
// session runs over, and provides the websocket implementation used in
// production.
//
// The session core only sees the [Conn] interface; tests substitute
// channel-backed fakes to drive the reader and writer deterministically.
package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// Conn is a bidirectional text-frame stream.
//
// RecvText and SendText must respect ctx cancellation. Implementations are
// used under the single-writer rule: only one goroutine calls SendText.
type Conn interface {
	// RecvText blocks until the next inbound text frame arrives.
	RecvText(ctx context.Context) (string, error)

	// SendText writes one outbound text frame.
	SendText(ctx context.Context, text string) error

	// Close terminates the connection with a status code and reason.
	Close(code int, reason string) error
}

// WSConn adapts a coder/websocket connection to [Conn].
type WSConn struct {
	conn *websocket.Conn
}

var _ Conn = (*WSConn)(nil)

// Accept upgrades an HTTP request to a websocket and wraps it as a [Conn].
func Accept(w http.ResponseWriter, r *http.Request) (*WSConn, error) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The platform dials from its own infrastructure; origin checking is
		// handled by the shared-secret header at the HTTP layer.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: websocket accept: %w", err)
	}
	return &WSConn{conn: c}, nil
}

// RecvText implements [Conn]. Binary frames are rejected: the platform
// protocol is JSON text only.
func (c *WSConn) RecvText(ctx context.Context) (string, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		return "", fmt.Errorf("transport: read: %w", err)
	}
	if typ != websocket.MessageText {
		return "", fmt.Errorf("transport: unexpected %v frame", typ)
	}
	return string(data), nil
}

// SendText implements [Conn].
func (c *WSConn) SendText(ctx context.Context, text string) error {
	if err := c.conn.Write(ctx, websocket.MessageText, []byte(text)); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// Close implements [Conn].
func (c *WSConn) Close(code int, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), reason)
}
