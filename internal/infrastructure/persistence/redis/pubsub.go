package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alem-hub/course-capacity/internal/infrastructure/messaging"
)

// PubSubClient adapts a go-redis client to messaging.RedisClient.
type PubSubClient struct {
	client *redis.Client
}

// NewPubSubClient creates an adapter over the cache's client.
func NewPubSubClient(cache *Cache) *PubSubClient {
	return &PubSubClient{client: cache.rdb}
}

// Publish sends message as-is; the bus has already serialized it.
func (p *PubSubClient) Publish(ctx context.Context, channel string, message interface{}) error {
	return p.client.Publish(ctx, channel, message).Err()
}

// Subscribe waits for the subscription to be confirmed and then forwards
// messages until ctx is cancelled.
func (p *PubSubClient) Subscribe(ctx context.Context, channels ...string) (<-chan messaging.RedisMessage, error) {
	ps := p.client.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: subscribe: %v", ErrUnavailable, err)
	}

	out := make(chan messaging.RedisMessage, 64)
	go func() {
		defer close(out)
		defer ps.Close()

		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- messaging.RedisMessage{Channel: msg.Channel, Payload: msg.Payload}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close is a no-op: the client belongs to the Cache and is closed with it.
func (p *PubSubClient) Close() error {
	return nil
}
