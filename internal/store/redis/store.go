// Package redis is a FindingsStore backed by Redis, for deployments that
// share continuation state across daemon instances. TTL handling is native
// to the keys.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arbiter-dev/arbiterd/internal/domain"
)

const keyPrefix = "arbiter:findings:"

// Store is a Redis implementation of FindingsStore.
type Store struct {
	client *redis.Client
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return &Store{client: client}, nil
}

// Load returns the findings for a continuation id, or nil on a miss. An
// expired key is a natural miss in Redis.
func (s *Store) Load(ctx context.Context, continuationID string) (*domain.ConsolidatedFindings, error) {
	payload, err := s.client.Get(ctx, keyPrefix+continuationID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load findings: %w", err)
	}

	var findings domain.ConsolidatedFindings
	if err := json.Unmarshal(payload, &findings); err != nil {
		return nil, fmt.Errorf("failed to decode findings payload: %w", err)
	}
	return &findings, nil
}

// Save stores findings with the given TTL.
func (s *Store) Save(ctx context.Context, continuationID string, findings *domain.ConsolidatedFindings, ttl time.Duration) error {
	payload, err := json.Marshal(findings)
	if err != nil {
		return fmt.Errorf("failed to encode findings: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+continuationID, payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save findings: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
