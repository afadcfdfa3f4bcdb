package ws

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"callcore-backend/internal/presence"
	"callcore-backend/internal/signaling"
	"callcore-backend/pkg/constants"
	"callcore-backend/pkg/logger"
	"callcore-backend/pkg/metrics"
)

// ICEDirectory lists STUN/TURN servers for a client region
type ICEDirectory interface {
	List(ctx context.Context, region string) []webrtc.ICEServer
}

// HubConfig holds connection limits
type HubConfig struct {
	MaxConnections int
	SendQueueSize  int
	AllowedOrigins []string
}

// Hub accepts device connections and registers them with the presence registry
type Hub struct {
	registry   *presence.Registry
	dispatcher *Dispatcher
	ice        ICEDirectory
	mirror     presence.Mirror
	metrics    *metrics.Metrics

	upgrader       websocket.Upgrader
	semaphore      chan struct{}
	maxConnections int
	sendQueueSize  int
}

// NewHub creates a hub. ice and mirror may be nil.
func NewHub(registry *presence.Registry, dispatcher *Dispatcher, ice ICEDirectory, mirror presence.Mirror, cfg HubConfig, m *metrics.Metrics) *Hub {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1000
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 256
	}

	h := &Hub{
		registry:       registry,
		dispatcher:     dispatcher,
		ice:            ice,
		mirror:         mirror,
		metrics:        m,
		semaphore:      make(chan struct{}, cfg.MaxConnections),
		maxConnections: cfg.MaxConnections,
		sendQueueSize:  cfg.SendQueueSize,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

// originChecker accepts native clients without an Origin header and browser
// clients from the allowed list. "*" allows any origin.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := lo.SliceToMap(allowed, func(o string) (string, struct{}) { return o, struct{}{} })
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set["*"]; ok {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// ServeWS upgrades an authenticated request to a device connection.
// Query parameters: deviceId (generated when absent), region.
func (h *Hub) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		h.metrics.RecordWebSocketError("capacity")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}
	release := func() { <-h.semaphore }

	userIDVal, exists := c.Get("user_id")
	userID, ok := userIDVal.(uuid.UUID)
	if !exists || !ok || userID == uuid.Nil {
		release()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	deviceID := c.Query("deviceId")
	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	if len(deviceID) > 128 {
		release()
		c.JSON(http.StatusBadRequest, gin.H{"error": "deviceId is too long"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		release()
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		h.metrics.RecordWebSocketError("upgrade")
		return
	}

	client := newClient(h, conn, userID, deviceID, h.sendQueueSize)
	client.release = release

	if old := h.registry.Register(userID, deviceID, client); old != nil {
		old.Close()
	}
	h.metrics.SetWebSocketConnections(h.registry.Count())

	logger.Info("Device connected",
		zap.String("user_id", userID.String()),
		zap.String("device_id", deviceID))

	go client.writePump()
	go client.worker()
	go client.readPump()

	client.Send(h.ready(c.Request.Context(), client, c.Query("region")))
}

// ready builds the presence.ready frame
func (h *Hub) ready(ctx context.Context, c *Client, region string) []byte {
	payload := signaling.PresenceReadyPayload{
		UserID:       c.userID,
		DeviceID:     c.deviceID,
		ConnectionID: c.deviceID,
	}
	if h.ice != nil {
		payload.ICEServers = h.ice.List(ctx, region)
	}
	frame, err := signaling.MustEnvelope(signaling.KindPresenceReady, payload).Encode()
	if err != nil {
		logger.Error("Failed to encode presence.ready", zap.Error(err))
		return nil
	}
	return frame
}

// disconnected removes c from the registry unless it was already superseded
func (h *Hub) disconnected(c *Client) {
	h.registry.UnregisterHandle(c.deviceID, c)
	h.metrics.SetWebSocketConnections(h.registry.Count())

	logger.Info("Device disconnected",
		zap.String("user_id", c.userID.String()),
		zap.String("device_id", c.deviceID))
}

// refresh extends the device's entry in the cluster mirror
func (h *Hub) refresh(c *Client) {
	if h.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), constants.ShortTimeout)
	defer cancel()
	if err := h.mirror.DeviceOnline(ctx, c.userID, c.deviceID); err != nil {
		logger.Debug("Presence refresh failed",
			zap.String("device_id", c.deviceID),
			zap.Error(err))
	}
}
