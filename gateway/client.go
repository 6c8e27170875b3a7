package gateway

import (
	"sync"
	"time"

	"github.com/Swind/go-runqueue/core"
	"github.com/gorilla/websocket"
)

// client owns one websocket connection. Reads happen on the HTTP handler
// goroutine, writes on writePump; everything else talks to it through send.
type client struct {
	conn         *websocket.Conn
	logger       core.Logger
	writeTimeout time.Duration

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newClient(conn *websocket.Conn, logger core.Logger, buffer int, writeTimeout time.Duration) *client {
	return &client{
		conn:         conn,
		logger:       logger,
		writeTimeout: writeTimeout,
		send:         make(chan []byte, buffer),
	}
}

// enqueue hands data to the writer. It never blocks: a client that cannot
// keep up loses the message.
func (c *client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn("gateway send buffer full, dropping reply",
			core.F("remote", c.conn.RemoteAddr().String()))
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) writePump() {
	defer c.conn.Close()

	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.logger.Debug("gateway write failed", core.F("error", err))
			c.close()
			// Drain so pending enqueues see closed instead of a full buffer.
			for range c.send {
			}
			return
		}
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
