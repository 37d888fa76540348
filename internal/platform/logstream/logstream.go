// Package logstream fans build output out to live subscribers. Lines are
// published to a per-identity channel; delivery is best effort and the
// database never sees them.
package logstream

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Publisher emits one output line for one streamed entity.
type Publisher interface {
	Publish(ctx context.Context, namespace, identity, line string) error
}

// RedisPublisher publishes to the channel "<namespace>.<identity>".
type RedisPublisher struct {
	client redis.UniversalClient
}

func NewRedisPublisher(client redis.UniversalClient) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func Channel(namespace, identity string) string {
	return namespace + "." + identity
}

func (p *RedisPublisher) Publish(ctx context.Context, namespace, identity, line string) error {
	if err := p.client.Publish(ctx, Channel(namespace, identity), line).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", Channel(namespace, identity), err)
	}
	return nil
}

// Subscribe returns a channel of lines for one identity. Close the
// returned PubSub to stop receiving.
func Subscribe(ctx context.Context, client redis.UniversalClient, namespace, identity string) (*redis.PubSub, <-chan string) {
	ps := client.Subscribe(ctx, Channel(namespace, identity))
	out := make(chan string, 64)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ps, out
}
