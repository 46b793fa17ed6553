package handler

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/paperhub/chat-platform/internal/middleware"
	"github.com/paperhub/chat-platform/internal/model"
	"github.com/paperhub/chat-platform/pkg/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Oversized frames up to this size are answered with an error frame;
	// beyond it the connection is closed.
	maxReadSize = 4 * middleware.MaxFrameSize
)

// conn is one websocket connection. Frames reach it through its bounded send
// buffer and are written by a single writer goroutine.
type conn struct {
	id     string
	user   model.User
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *logger.Logger
}

func newConn(ws *websocket.Conn, user model.User, buffer int, log *logger.Logger) *conn {
	return &conn{
		id:     uuid.NewString(),
		user:   user,
		ws:     ws,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		logger: log,
	}
}

func (c *conn) ID() string { return c.id }

func (c *conn) UserID() string { return c.user.ID }

// Enqueue never blocks. A full buffer reports false and the router drops the
// connection.
func (c *conn) Enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Drop closes the connection. The read pump then returns and the handler
// cleans up.
func (c *conn) Drop() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// sendEvent queues an event for this connection only.
func (c *conn) sendEvent(event *model.Event) {
	frame, err := json.Marshal(event)
	if err != nil {
		c.logger.Error("failed to encode event", zap.String("type", string(event.Type)), zap.Error(err))
		return
	}
	if !c.Enqueue(frame) {
		c.logger.Warn("send buffer full, dropping connection")
		c.Drop()
	}
}

func (c *conn) sendError(err error) {
	c.sendEvent(model.NewErrorEvent(errorText(err)))
}

// writePump drains the send buffer and keeps the peer alive with pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Drop()
	}()

	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump calls handle for every inbound frame until the peer goes away.
// Frames are handled in order on the calling goroutine.
func (c *conn) readPump(handle func(frame []byte)) {
	c.ws.SetReadLimit(maxReadSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Info("connection closed unexpectedly", zap.Error(err))
			}
			return
		}
		if err := middleware.ValidateFrame(frame); err != nil {
			c.sendError(err)
			continue
		}
		handle(frame)
	}
}

// closeNormally sends a close frame and drops the connection.
func (c *conn) closeNormally(reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.Drop()
}
