// ABOUTME: Connection abstraction for relay sessions and its gorilla/websocket implementation.
// ABOUTME: Writes are serialized per connection; Close and StopReading are safe from any goroutine.

package relay

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Conn is one client connection as seen by a session.
type Conn interface {
	// Send writes one frame. Safe for concurrent use.
	Send(data []byte) error
	// Close closes the connection. Idempotent.
	Close() error
	// ReadFrame blocks for the next inbound frame. Only the session calls it.
	ReadFrame() ([]byte, error)
	// Exclusive runs fn while holding the connection's write lock. Frames
	// written through send are delivered before any concurrent Send.
	Exclusive(fn func(send func([]byte) error) error) error
	// StopReading unblocks a pending ReadFrame without closing the
	// connection, so the session can finish and run its close path.
	StopReading()
	// ID identifies the connection in logs.
	ID() string
}

const closeGrace = time.Second

// NewUpgrader builds an upgrader that accepts any origin when allowedOrigins
// is empty or "*", and otherwise only the listed origins. Requests without an
// Origin header come from non-browser clients and are always accepted.
func NewUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return originSet[origin]
		},
	}
}

// WSConn adapts a gorilla websocket connection to Conn.
type WSConn struct {
	id           string
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu        sync.Mutex // serializes data frames
	closeOnce sync.Once
	closeErr  error
}

// NewWSConn wraps ws. A zero writeTimeout disables write deadlines; a
// positive maxMessageBytes caps inbound frame size.
func NewWSConn(ws *websocket.Conn, writeTimeout time.Duration, maxMessageBytes int64) *WSConn {
	if maxMessageBytes > 0 {
		ws.SetReadLimit(maxMessageBytes)
	}
	return &WSConn{
		id:           uuid.New().String(),
		ws:           ws,
		writeTimeout: writeTimeout,
	}
}

func (c *WSConn) ID() string { return c.id }

func (c *WSConn) ReadFrame() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *WSConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.write(data)
}

func (c *WSConn) Exclusive(fn func(send func([]byte) error) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn(c.write)
}

// write must be called with mu held.
func (c *WSConn) write(data []byte) error {
	if c.writeTimeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *WSConn) StopReading() {
	_ = c.ws.SetReadDeadline(time.Now())
}

// Close sends a normal-closure control frame and closes the socket.
// WriteControl may run concurrently with a data write.
func (c *WSConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGrace))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
