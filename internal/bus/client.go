package bus

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/webproxy/internal/msg"
)

type client struct {
	hub   *Hub
	conn  *websocket.Conn
	id    string
	frame string

	queue chan []byte
	done  chan struct{}
	once  sync.Once

	mu  sync.RWMutex
	url string
}

func newClient(h *Hub, conn *websocket.Conn, id, frame, url string) *client {
	return &client{
		hub:   h,
		conn:  conn,
		id:    id,
		frame: frame,
		url:   url,
		queue: make(chan []byte, sendQueue),
		done:  make(chan struct{}),
	}
}

func (c *client) pageURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.url
}

func (c *client) setPageURL(u string) {
	c.mu.Lock()
	c.url = u
	c.mu.Unlock()
}

// send encodes and queues a message for this page.
func (c *client) send(cmd msg.Command, payload any) {
	data, err := msg.Encode(cmd, payload)
	if err != nil {
		c.hub.log.Error("Message encode failed", zap.String("cmd", string(cmd)), zap.Error(err))
		return
	}
	c.enqueue(cmd, data)
}

func (c *client) enqueue(cmd msg.Command, data []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.queue <- data:
		if m := c.hub.opts.Metrics; m != nil {
			m.RecordWSMessage("out", string(cmd))
		}
	case <-c.done:
	default:
		c.hub.log.Warn("Page send queue full, dropping message",
			zap.String("client", c.id),
			zap.String("cmd", string(cmd)))
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump dispatches inbound messages until the connection fails.
func (c *client) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("WebSocket read error", zap.String("client", c.id), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		m, err := msg.Decode(data)
		if err != nil {
			c.hub.log.Debug("Ignoring malformed message", zap.String("client", c.id), zap.Error(err))
			continue
		}
		c.hub.dispatch(c, m)
	}
}

// writePump is the only writer on the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data := <-c.queue:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
