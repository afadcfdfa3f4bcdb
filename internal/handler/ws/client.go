package ws

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"callcore-backend/internal/signaling"
	"callcore-backend/pkg/constants"
	"callcore-backend/pkg/logger"
)

// Client is one device connection. It implements presence.Handle.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	userID   uuid.UUID
	deviceID string

	send    chan []byte
	inbound chan *signaling.Envelope

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	release   func()
}

func newClient(h *Hub, conn *websocket.Conn, userID uuid.UUID, deviceID string, queue int) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		hub:      h,
		conn:     conn,
		userID:   userID,
		deviceID: deviceID,
		send:     make(chan []byte, queue),
		inbound:  make(chan *signaling.Envelope, queue),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// UserID returns the authenticated owner of the connection
func (c *Client) UserID() uuid.UUID { return c.userID }

// DeviceID returns the device the connection registered as
func (c *Client) DeviceID() string { return c.deviceID }

// Send queues frame without blocking. A full queue drops the frame.
func (c *Client) Send(frame []byte) bool {
	if frame == nil {
		return false
	}
	select {
	case <-c.ctx.Done():
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	case <-c.ctx.Done():
		return false
	default:
		c.hub.metrics.RecordWebSocketError("send_queue_full")
		logger.Warn("Send queue full, dropping frame",
			zap.String("user_id", c.userID.String()),
			zap.String("device_id", c.deviceID))
		return false
	}
}

// Close terminates the connection. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
	})
}

// readPump reads frames and hands them to the worker in arrival order
func (c *Client) readPump() {
	defer func() {
		c.Close()
		c.hub.disconnected(c)
		if c.release != nil {
			c.release()
		}
	}()

	c.conn.SetReadLimit(constants.MaxSignalingMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
		c.hub.refresh(c)
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("user_id", c.userID.String()),
					zap.String("device_id", c.deviceID),
					zap.Error(err))
			}
			return
		}

		env, err := signaling.Decode(message)
		if err != nil {
			c.hub.metrics.RecordWebSocketError("malformed")
			c.hub.dispatcher.reject(c, "", err)
			continue
		}
		c.hub.metrics.RecordWebSocketMessage(string(env.Type), "inbound")

		select {
		case c.inbound <- env:
		case <-c.ctx.Done():
			return
		}
	}
}

// worker processes inbound envelopes one at a time
func (c *Client) worker() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case env := <-c.inbound:
			c.hub.dispatcher.Dispatch(c.ctx, c, env)
		}
	}
}

// writePump drains the send queue and keeps the connection alive
func (c *Client) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
