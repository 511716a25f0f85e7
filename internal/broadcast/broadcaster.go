package broadcast

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"fsas/internal/session"
)

// Channel is the Redis Pub/Sub channel bridging events across API instances.
const Channel = "fsas:events"

type envelope struct {
	Topic string        `json:"topic"`
	Event session.Event `json:"event"`
}

// Broadcaster implements session.Publisher. With a Redis client attached,
// events travel through Pub/Sub so every API instance's local hub sees them;
// without one (dev, tests) they go straight to the local hub.
type Broadcaster struct {
	hub   *Hub
	redis *redis.Client
	log   *zap.Logger
}

// New creates a broadcaster. redisClient may be nil.
func New(hub *Hub, redisClient *redis.Client, log *zap.Logger) *Broadcaster {
	return &Broadcaster{hub: hub, redis: redisClient, log: log}
}

// Publish is fire-and-forget. Errors are logged, never returned: the caller
// already committed its state change and must not fail on fan-out.
func (b *Broadcaster) Publish(topic string, event session.Event) {
	env := envelope{Topic: topic, Event: event}
	raw, err := json.Marshal(env)
	if err != nil {
		b.log.Warn("event marshal failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	if b.redis == nil {
		b.deliver(env)
		return
	}
	if err := b.redis.Publish(context.Background(), Channel, raw).Err(); err != nil {
		b.log.Warn("redis publish failed, delivering locally",
			zap.String("topic", topic), zap.Error(err))
		b.deliver(env)
	}
}

// Run consumes the Redis channel and forwards events to the local hub.
// Returns immediately when no Redis client is attached. Blocks until ctx is
// cancelled otherwise.
func (b *Broadcaster) Run(ctx context.Context) {
	if b.redis == nil {
		return
	}
	pubsub := b.redis.Subscribe(ctx, Channel)
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Warn("bad event payload on bridge", zap.Error(err))
				continue
			}
			b.deliver(env)
		}
	}
}

// Hub returns the local hub, for wiring dashboard sockets.
func (b *Broadcaster) Hub() *Hub { return b.hub }

func (b *Broadcaster) deliver(env envelope) {
	raw, err := json.Marshal(env.Event)
	if err != nil {
		return
	}
	b.hub.publish(env.Topic, raw)
}
