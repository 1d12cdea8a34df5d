package realtime

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fluxion-engine/fluxion/types"
)

// RedisPublisher fans execution events out over Redis pub/sub so
// observers in other processes can follow a run. Each execution gets its
// own channel under the configured prefix.
type RedisPublisher struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisPublisher wraps an existing client. An empty prefix defaults
// to "fluxion:".
func NewRedisPublisher(client *redis.Client, keyPrefix string, logger *zap.Logger) *RedisPublisher {
	if keyPrefix == "" {
		keyPrefix = "fluxion:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPublisher{
		client:    client,
		keyPrefix: keyPrefix + "events:",
		logger:    logger.With(zap.String("component", "redis_publisher")),
	}
}

// Publish sends one event on the execution's channel.
func (p *RedisPublisher) Publish(ctx context.Context, ev types.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return types.NewError(types.ErrKindRuntime, "event is not serializable").WithCause(err)
	}
	if err := p.client.Publish(ctx, p.channel(ev.ExecutionID), payload).Err(); err != nil {
		return types.NewError(types.ErrKindNetwork, "publishing event failed").WithCause(err)
	}
	return nil
}

// Subscribe follows one execution's events until the context ends. The
// returned channel closes when the subscription does.
func (p *RedisPublisher) Subscribe(ctx context.Context, executionID string) (<-chan types.Event, error) {
	sub := p.client.Subscribe(ctx, p.channel(executionID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, types.NewError(types.ErrKindNetwork, "subscribing to events failed").WithCause(err)
	}

	out := make(chan types.Event, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var ev types.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					p.logger.Warn("discarding malformed event payload", zap.Error(err))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (p *RedisPublisher) channel(executionID string) string {
	return p.keyPrefix + executionID
}
