// Package redisstate keeps state records in Redis so multiple service
// instances can share one single-use namespace.
package redisstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linkhub-dev/linkhub/internal/oauth"
)

const keyPrefix = "lhs"

var errRedisUnavailable = errors.New("state redis unavailable")

// Store implements the state store over Redis. Expiry is enforced by
// key TTLs, so SweepExpiredStates has nothing to delete.
type Store struct {
	redis *redis.Client
	clock func() time.Time
}

// New creates a Redis-backed state store.
func New(client *redis.Client) *Store {
	return &Store{redis: client, clock: time.Now}
}

func (s *Store) key(token string) string {
	return keyPrefix + ":" + token
}

// PutState stores the state under its token with a TTL matching its
// expiry.
func (s *Store) PutState(ctx context.Context, state oauth.State) error {
	if err := state.Validate(); err != nil {
		return err
	}
	encoded, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	ttl := state.ExpiresAt.Sub(s.clock())
	if ttl <= 0 {
		return fmt.Errorf("state already expired")
	}
	if err := s.redis.Set(ctx, s.key(state.Token), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", errRedisUnavailable, err)
	}
	return nil
}

// ConsumeState removes and returns the state in one GETDEL, so
// concurrent callbacks with the same token cannot both succeed.
func (s *Store) ConsumeState(ctx context.Context, token string) (oauth.State, error) {
	data, err := s.redis.GetDel(ctx, s.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return oauth.State{}, oauth.ErrStateNotFound
	}
	if err != nil {
		return oauth.State{}, fmt.Errorf("%w: %v", errRedisUnavailable, err)
	}
	var state oauth.State
	if err := json.Unmarshal(data, &state); err != nil {
		return oauth.State{}, fmt.Errorf("decode state: %w", err)
	}
	return state, nil
}

// SweepExpiredStates is a no-op; Redis expires keys on its own.
func (s *Store) SweepExpiredStates(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}
