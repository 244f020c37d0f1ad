package signal

import (
	"sync"
	"time"

	"rillcast/internal/core/domain"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// client is one signaling connection. The reader goroutine owns the request
// flow; writePump is the only goroutine writing to conn.
type client struct {
	id      domain.ConnectionID
	user    domain.User
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter
	logger  *zap.SugaredLogger

	closeOnce sync.Once

	mu       sync.Mutex
	streamID domain.StreamID
	role     domain.Role
}

func newClient(id domain.ConnectionID, user domain.User, conn *websocket.Conn, queueSize int, limiter *rate.Limiter, logger *zap.SugaredLogger) *client {
	return &client{
		id:      id,
		user:    user,
		conn:    conn,
		send:    make(chan []byte, queueSize),
		done:    make(chan struct{}),
		limiter: limiter,
		logger:  logger,
	}
}

func (c *client) anonymous() bool {
	return c.user.ID == ""
}

// enqueue hands msg to the writer. A full queue means the peer stopped
// reading; the connection is closed instead of blocking the sender.
func (c *client) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	default:
		c.logger.Warnw("send queue full, dropping connection", "queue_size", cap(c.send))
		c.close()
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *client) joined() (domain.StreamID, domain.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamID, c.role
}

func (c *client) setJoined(streamID domain.StreamID, role domain.Role) {
	c.mu.Lock()
	c.streamID = streamID
	c.role = role
	c.mu.Unlock()
}

func (c *client) writePump(pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debugw("write failed", "error", err)
				c.close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debugw("ping failed", "error", err)
				c.close()
				return
			}

		case <-c.done:
			c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout),
			)
			return
		}
	}
}
