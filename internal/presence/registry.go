// Package presence tracks which devices of which users hold a live signaling
// connection on this node.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"callcore-backend/pkg/constants"
	"callcore-backend/pkg/logger"
	"callcore-backend/pkg/metrics"
)

// Handle is the transport side of a device connection
type Handle interface {
	// Send queues a frame for delivery. It returns false when the frame was dropped.
	Send(frame []byte) bool
	// Close terminates the connection
	Close()
}

// Connection is one registered device
type Connection struct {
	UserID   uuid.UUID
	DeviceID string
	Handle   Handle
	JoinedAt time.Time
}

// Mirror publishes device presence to other nodes
type Mirror interface {
	DeviceOnline(ctx context.Context, userID uuid.UUID, deviceID string) error
	DeviceOffline(ctx context.Context, userID uuid.UUID, deviceID string) error
}

// ChangeFunc is called when a user gains their first device (online=true)
// or loses their last one (online=false)
type ChangeFunc func(userID uuid.UUID, online bool)

// Registry maps users to their connected devices
type Registry struct {
	mu       sync.RWMutex
	byUser   map[uuid.UUID]map[string]*Connection
	byDevice map[string]*Connection

	mirror   Mirror
	metrics  *metrics.Metrics
	onChange []ChangeFunc
	now      func() time.Time
}

// NewRegistry creates an empty registry. mirror and m may be nil.
func NewRegistry(mirror Mirror, m *metrics.Metrics) *Registry {
	return &Registry{
		byUser:   make(map[uuid.UUID]map[string]*Connection),
		byDevice: make(map[string]*Connection),
		mirror:   mirror,
		metrics:  m,
		now:      time.Now,
	}
}

// OnChange subscribes fn to online/offline edges. Not safe to call concurrently with Register.
func (r *Registry) OnChange(fn ChangeFunc) {
	r.onChange = append(r.onChange, fn)
}

type edge struct {
	userID   uuid.UUID
	deviceID string
	online   bool
	// userEdge is set when the user as a whole went online or offline
	userEdge bool
}

// Register records handle as the connection of deviceID. A previous handle
// for the same device is returned so the caller can close it.
func (r *Registry) Register(userID uuid.UUID, deviceID string, handle Handle) Handle {
	var superseded Handle
	var edges []edge

	r.mu.Lock()
	_, wasOnline := r.byUser[userID]
	if old, ok := r.byDevice[deviceID]; ok {
		if old.Handle != handle {
			superseded = old.Handle
		}
		if e, removed := r.removeLocked(deviceID); removed && old.UserID != userID {
			edges = append(edges, e)
		}
	}

	conn := &Connection{UserID: userID, DeviceID: deviceID, Handle: handle, JoinedAt: r.now()}
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]*Connection)
	}
	r.byUser[userID][deviceID] = conn
	r.byDevice[deviceID] = conn
	edges = append(edges, edge{userID: userID, deviceID: deviceID, online: true, userEdge: !wasOnline})
	users, devices := len(r.byUser), len(r.byDevice)
	r.mu.Unlock()

	r.metrics.SetPresence(users, devices)
	r.publish(edges)

	logger.Debug("Device registered",
		zap.String("user_id", userID.String()),
		zap.String("device_id", deviceID),
		zap.Bool("superseded", superseded != nil))
	return superseded
}

// Unregister removes deviceID. offline is true when its owner has no devices left.
func (r *Registry) Unregister(deviceID string) (uuid.UUID, bool) {
	r.mu.Lock()
	e, removed := r.removeLocked(deviceID)
	users, devices := len(r.byUser), len(r.byDevice)
	r.mu.Unlock()

	if !removed {
		return uuid.Nil, false
	}
	r.metrics.SetPresence(users, devices)
	r.publish([]edge{e})
	return e.userID, e.userEdge
}

// UnregisterHandle removes deviceID only while handle is still its registered
// connection, so a superseded connection cannot remove its replacement.
func (r *Registry) UnregisterHandle(deviceID string, handle Handle) bool {
	r.mu.Lock()
	conn, ok := r.byDevice[deviceID]
	if !ok || conn.Handle != handle {
		r.mu.Unlock()
		return false
	}
	e, _ := r.removeLocked(deviceID)
	users, devices := len(r.byUser), len(r.byDevice)
	r.mu.Unlock()

	r.metrics.SetPresence(users, devices)
	r.publish([]edge{e})
	return true
}

func (r *Registry) removeLocked(deviceID string) (edge, bool) {
	conn, ok := r.byDevice[deviceID]
	if !ok {
		return edge{}, false
	}
	delete(r.byDevice, deviceID)

	devices := r.byUser[conn.UserID]
	delete(devices, deviceID)
	offline := len(devices) == 0
	if offline {
		delete(r.byUser, conn.UserID)
	}
	return edge{userID: conn.UserID, deviceID: deviceID, online: false, userEdge: offline}, true
}

// ConnectionsFor returns a snapshot of the user's connections
func (r *Registry) ConnectionsFor(userID uuid.UUID) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices := r.byUser[userID]
	out := make([]Connection, 0, len(devices))
	for _, c := range devices {
		out = append(out, *c)
	}
	return out
}

// Lookup returns the connection registered for deviceID
func (r *Registry) Lookup(deviceID string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.byDevice[deviceID]
	if !ok {
		return Connection{}, false
	}
	return *c, true
}

// IsOnline reports whether the user has at least one device on this node
func (r *Registry) IsOnline(userID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byUser[userID]
	return ok
}

// Devices returns the device IDs of the user
func (r *Registry) Devices(userID uuid.UUID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.byUser[userID])
}

// Count returns the number of registered devices
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byDevice)
}

// CloseAll closes every registered connection
func (r *Registry) CloseAll() {
	r.mu.RLock()
	handles := make([]Handle, 0, len(r.byDevice))
	for _, c := range r.byDevice {
		handles = append(handles, c.Handle)
	}
	r.mu.RUnlock()

	for _, h := range handles {
		h.Close()
	}
}

func (r *Registry) publish(edges []edge) {
	for _, e := range edges {
		if r.mirror != nil {
			r.mirrorEdge(e)
		}
		if e.userEdge {
			for _, fn := range r.onChange {
				fn(e.userID, e.online)
			}
		}
	}
}

func (r *Registry) mirrorEdge(e edge) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.ShortTimeout)
	defer cancel()

	var err error
	if e.online {
		err = r.mirror.DeviceOnline(ctx, e.userID, e.deviceID)
	} else {
		err = r.mirror.DeviceOffline(ctx, e.userID, e.deviceID)
	}
	if err != nil {
		logger.Warn("Presence mirror update failed",
			zap.String("user_id", e.userID.String()),
			zap.String("device_id", e.deviceID),
			zap.Bool("online", e.online),
			zap.Error(err))
	}
}
