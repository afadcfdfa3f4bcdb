package signaling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callcore-backend/internal/domain"
	"callcore-backend/internal/presence"
	"callcore-backend/pkg/logger"
	"callcore-backend/pkg/metrics"
	"callcore-backend/pkg/push"
)

// Relay reaches devices connected to other nodes
type Relay interface {
	// RemoteDevices maps the user's devices to the node holding their connection
	RemoteDevices(ctx context.Context, userID uuid.UUID) (map[string]string, error)
	// LocateDevice returns the node holding deviceID
	LocateDevice(ctx context.Context, deviceID string) (string, error)
	// Publish hands a frame to another node for local delivery to deviceID
	Publish(ctx context.Context, nodeID, deviceID string, frame []byte) error
}

// Pusher queues push notifications
type Pusher interface {
	Enqueue(job push.Job) bool
}

// Delivery reports where an envelope went
type Delivery struct {
	Local  int
	Remote int
	Pushed bool
}

// Delivered reports whether at least one live connection received the envelope
func (d Delivery) Delivered() bool {
	return d.Local+d.Remote > 0
}

// Router delivers envelopes to users and devices
type Router struct {
	registry *presence.Registry
	relay    Relay
	pusher   Pusher
	nodeID   string
	metrics  *metrics.Metrics
}

// NewRouter creates a router. relay and pusher may be nil.
func NewRouter(registry *presence.Registry, relay Relay, pusher Pusher, nodeID string, m *metrics.Metrics) *Router {
	return &Router{
		registry: registry,
		relay:    relay,
		pusher:   pusher,
		nodeID:   nodeID,
		metrics:  m,
	}
}

// NodeID returns the identifier of this node on the relay
func (r *Router) NodeID() string {
	return r.nodeID
}

// Route sends env to every device of userID, or only to targetDeviceID when set.
// It never fails; undeliverable pushable envelopes fall back to push.
func (r *Router) Route(ctx context.Context, userID uuid.UUID, env *Envelope, targetDeviceID string) Delivery {
	return r.route(ctx, userID, env, func(deviceID string) bool {
		return targetDeviceID == "" || deviceID == targetDeviceID
	})
}

// RouteExcept sends env to every device of userID except exceptDeviceID
func (r *Router) RouteExcept(ctx context.Context, userID uuid.UUID, env *Envelope, exceptDeviceID string) Delivery {
	return r.route(ctx, userID, env, func(deviceID string) bool {
		return deviceID != exceptDeviceID
	})
}

// RouteDevice sends env to a single connection regardless of its owner
func (r *Router) RouteDevice(ctx context.Context, deviceID string, env *Envelope) Delivery {
	frame, err := env.Encode()
	if err != nil {
		logger.Error("Failed to encode envelope", zap.String("type", string(env.Type)), zap.Error(err))
		return Delivery{}
	}

	var d Delivery
	if conn, ok := r.registry.Lookup(deviceID); ok {
		if conn.Handle.Send(frame) {
			d.Local++
		}
	} else if r.relay != nil {
		nodeID, err := r.relay.LocateDevice(ctx, deviceID)
		if err == nil && nodeID != "" && nodeID != r.nodeID {
			if err := r.relay.Publish(ctx, nodeID, deviceID, frame); err == nil {
				d.Remote++
			} else {
				logger.Warn("Relay publish failed",
					zap.String("device_id", deviceID),
					zap.String("node_id", nodeID),
					zap.Error(err))
			}
		}
	}
	r.record(env.Type, d)
	return d
}

// DeliverLocal hands a frame received from the relay to a local connection
func (r *Router) DeliverLocal(deviceID string, frame []byte) bool {
	conn, ok := r.registry.Lookup(deviceID)
	if !ok {
		return false
	}
	return conn.Handle.Send(frame)
}

func (r *Router) route(ctx context.Context, userID uuid.UUID, env *Envelope, match func(string) bool) Delivery {
	frame, err := env.Encode()
	if err != nil {
		logger.Error("Failed to encode envelope", zap.String("type", string(env.Type)), zap.Error(err))
		return Delivery{}
	}

	var d Delivery
	local := make(map[string]struct{})
	for _, conn := range r.registry.ConnectionsFor(userID) {
		local[conn.DeviceID] = struct{}{}
		if !match(conn.DeviceID) {
			continue
		}
		if conn.Handle.Send(frame) {
			d.Local++
		}
	}

	if r.relay != nil {
		d.Remote = r.routeRemote(ctx, userID, frame, local, match)
	}

	if !d.Delivered() && env.Type.Pushable() {
		d.Pushed = r.pushFallback(userID, env)
	}

	r.record(env.Type, d)
	return d
}

func (r *Router) routeRemote(ctx context.Context, userID uuid.UUID, frame []byte, local map[string]struct{}, match func(string) bool) int {
	remote, err := r.relay.RemoteDevices(ctx, userID)
	if err != nil {
		logger.Warn("Remote presence lookup failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return 0
	}

	sent := 0
	for deviceID, nodeID := range remote {
		if nodeID == r.nodeID || !match(deviceID) {
			continue
		}
		if _, ok := local[deviceID]; ok {
			continue
		}
		if err := r.relay.Publish(ctx, nodeID, deviceID, frame); err != nil {
			logger.Warn("Relay publish failed",
				zap.String("device_id", deviceID),
				zap.String("node_id", nodeID),
				zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

func (r *Router) pushFallback(userID uuid.UUID, env *Envelope) bool {
	if r.pusher == nil {
		return false
	}
	notification, err := notificationFor(env)
	if err != nil {
		logger.Warn("Cannot build push notification",
			zap.String("type", string(env.Type)),
			zap.Error(err))
		return false
	}

	return r.pusher.Enqueue(push.Job{
		UserID:       userID,
		Kind:         string(env.Type),
		Notification: notification,
	})
}

func (r *Router) record(kind Kind, d Delivery) {
	switch {
	case d.Local > 0:
		r.metrics.RecordDelivery(string(kind), "local")
	case d.Remote > 0:
		r.metrics.RecordDelivery(string(kind), "remote")
	case d.Pushed:
		r.metrics.RecordDelivery(string(kind), "push")
	default:
		r.metrics.RecordDelivery(string(kind), "undelivered")
	}
}

// notificationFor summarises a pushable envelope
func notificationFor(env *Envelope) (*push.Notification, error) {
	n := &push.Notification{
		Priority: "high",
		Data:     map[string]string{"type": string(env.Type)},
	}

	switch env.Type {
	case KindCallInitiate:
		var p CallInitiatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		n.Title = "Incoming " + string(p.Kind) + " call"
		n.Body = callerName(p.Caller) + " is calling you"
		n.Sound = "ringtone"
		n.Category = "incoming_call"
		n.TTL = 60 * time.Second
		n.Data["callId"] = p.CallID
		n.Data["kind"] = string(p.Kind)
		if p.Caller != nil {
			n.Data["callerId"] = p.Caller.UserID.String()
		}
	case KindGroupInvite:
		var p GroupInvitePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		n.Title = "Group " + string(p.Kind) + " call"
		n.Body = callerName(p.Initiator) + " started a group call"
		n.Sound = "ringtone"
		n.Category = "incoming_call"
		n.TTL = 45 * time.Second
		n.Data["groupCallId"] = p.GroupCallID.String()
		n.Data["conversationId"] = p.ConversationID.String()
		n.Data["kind"] = string(p.Kind)
	case KindCallMissed:
		var p CallMissedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		n.Priority = "normal"
		n.Title = "Missed call"
		n.Body = "You missed a " + string(p.Kind) + " call from " + callerName(p.Caller)
		n.Category = "missed_call"
		n.Data["callId"] = p.CallID.String()
		n.Data["kind"] = string(p.Kind)
	default:
		return nil, fmt.Errorf("%s is not pushable", env.Type)
	}
	return n, nil
}

func callerName(c *domain.CallerSummary) string {
	if c == nil || c.DisplayName == "" {
		return "Someone"
	}
	return c.DisplayName
}
