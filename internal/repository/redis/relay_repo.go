package redis

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"callcore-backend/internal/database"
	"callcore-backend/pkg/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const resubscribeDelay = 5 * time.Second

// relayFrame is what travels between nodes on a node channel
type relayFrame struct {
	DeviceID string `json:"deviceId"`
	Frame    []byte `json:"frame"`
}

// DeliverFunc hands a relayed frame to a local connection
type DeliverFunc func(deviceID string, frame []byte) bool

// RelayRepository forwards signaling frames to the node holding a device
// over Redis pub/sub. Each node listens on signal:node:{nodeID}.
type RelayRepository struct {
	*PresenceRepository
	client *database.RedisClient
}

// NewRelayRepository creates a relay on top of the presence mirror
func NewRelayRepository(client *database.RedisClient, presence *PresenceRepository) *RelayRepository {
	return &RelayRepository{PresenceRepository: presence, client: client}
}

func nodeChannel(nodeID string) string {
	return fmt.Sprintf("signal:node:%s", nodeID)
}

// Publish sends frame to deviceID on nodeID
func (r *RelayRepository) Publish(ctx context.Context, nodeID, deviceID string, frame []byte) error {
	data, err := json.Marshal(relayFrame{DeviceID: deviceID, Frame: frame})
	if err != nil {
		return fmt.Errorf("failed to marshal relay frame: %w", err)
	}
	n, err := r.client.SafePublish(ctx, nodeChannel(nodeID), data).Result()
	if err != nil {
		return fmt.Errorf("failed to publish relay frame: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("node %s is not listening", nodeID)
	}
	return nil
}

// Subscribe delivers frames addressed to this node until ctx is cancelled.
// It resubscribes after Redis leaves degraded mode.
func (r *RelayRepository) Subscribe(ctx context.Context, deliver DeliverFunc) {
	channel := nodeChannel(r.nodeID)
	for {
		if pubsub := r.client.SafeSubscribe(ctx, channel); pubsub != nil {
			logger.Info("Relay subscribed", zap.String("channel", channel))
			r.consume(ctx, pubsub, deliver)
			pubsub.Close()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(resubscribeDelay):
			logger.Warn("Relay subscription lost, retrying", zap.String("channel", channel))
		}
	}
}

func (r *RelayRepository) consume(ctx context.Context, pubsub *redis.PubSub, deliver DeliverFunc) {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var rf relayFrame
			if err := json.Unmarshal([]byte(msg.Payload), &rf); err != nil {
				logger.Warn("Dropping malformed relay frame", zap.Error(err))
				continue
			}
			if !deliver(rf.DeviceID, rf.Frame) {
				logger.Debug("Relayed device is no longer connected here",
					zap.String("device_id", rf.DeviceID))
			}
		}
	}
}
