package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix  = "session:"
	globalChannel  = "realtime:global"
	userChannel    = "realtime:user"
	sessionPattern = channelPrefix + "*"
	eventTTL       = 5 * time.Second
)

// RedisPubSub is a Bus over Redis pub/sub, so every instance sees every group event.
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPubSub creates a Redis pub/sub bridge for realtime events.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPubSub{client: client, logger: logger}
}

func channelFor(m BusMessage) string {
	switch m.Scope {
	case ScopeGroup:
		return channelPrefix + m.SessionID.String()
	case ScopeUser:
		return userChannel
	default:
		return globalChannel
	}
}

// Publish sends m to the channel for its scope.
func (r *RedisPubSub) Publish(ctx context.Context, m BusMessage) error {
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, eventTTL)
		defer cancel()
	}
	return r.client.Publish(ctx, channelFor(m), body).Err()
}

// Subscribe listens on every session channel plus the global and user channels and calls
// handler for each message until ctx is done.
func (r *RedisPubSub) Subscribe(ctx context.Context, handler func(BusMessage)) error {
	pubsub := r.client.PSubscribe(ctx, sessionPattern, globalChannel, userChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var m BusMessage
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					r.logger.Warn("drop malformed bus message", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				handler(m)
			}
		}
	}()
	return nil
}
