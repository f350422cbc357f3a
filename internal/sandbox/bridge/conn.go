package bridge

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Conn is the bridge's view of one websocket session. IsOpen reflects
// whether the last read or write succeeded; the bridge consults it before
// attempting a write so buffering decisions never race a dead socket.
type Conn interface {
	WriteJSON(v any) error
	ReadMessage() ([]byte, error)
	Close() error
	IsOpen() bool
}

// Dialer establishes a new Conn. Swapped out in tests.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

type gorillaDialer struct{}

// NewDialer returns the production websocket dialer.
func NewDialer() Dialer {
	return gorillaDialer{}
}

func (gorillaDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		// Surface the rejection status so the bridge can tell a permanent
		// refusal from a transient failure.
		if resp != nil {
			return nil, fmt.Errorf("server rejected websocket connection: HTTP %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return &gorillaConn{conn: conn, open: true}, nil
}

type gorillaConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	mu      sync.Mutex
	open    bool
}

func (c *gorillaConn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(v); err != nil {
		c.markClosed()
		return err
	}
	return nil
}

func (c *gorillaConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.markClosed()
		return nil, err
	}
	return data, nil
}

func (c *gorillaConn) Close() error {
	c.markClosed()
	return c.conn.Close()
}

func (c *gorillaConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *gorillaConn) markClosed() {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
}
