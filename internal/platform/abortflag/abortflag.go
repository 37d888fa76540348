// Package abortflag carries abort requests from the API to running
// tasks. A flag is a plain Redis key; workers poll it between units of
// work, so an abort takes effect at the next line boundary rather than
// by killing anything.
package abortflag

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TTL keeps orphaned flags from accumulating when a task dies before
// observing its abort.
const TTL = 24 * time.Hour

type Store struct {
	client redis.UniversalClient
	prefix string
}

func NewStore(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "atelier:abort:"
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(identity string) string {
	return s.prefix + identity
}

// Set raises the abort flag for a task identity.
func (s *Store) Set(ctx context.Context, identity string) error {
	if err := s.client.Set(ctx, s.key(identity), "1", TTL).Err(); err != nil {
		return fmt.Errorf("set abort flag %s: %w", identity, err)
	}
	return nil
}

// IsSet reports whether an abort was requested for identity.
func (s *Store) IsSet(ctx context.Context, identity string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(identity)).Result()
	if err != nil {
		return false, fmt.Errorf("check abort flag %s: %w", identity, err)
	}
	return n > 0, nil
}

// Clear removes the flag once the task has settled.
func (s *Store) Clear(ctx context.Context, identity string) error {
	if err := s.client.Del(ctx, s.key(identity)).Err(); err != nil {
		return fmt.Errorf("clear abort flag %s: %w", identity, err)
	}
	return nil
}
