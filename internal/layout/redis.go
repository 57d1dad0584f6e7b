package layout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/tabula/model"
)

const redisKeyPrefix = "tabula:layout:"

// RedisStore keeps layouts as JSON values in Redis, one key per layout.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a RedisStore. A zero ttl keeps layouts forever.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Load(ctx context.Context, key Key) (*model.Layout, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("layout: redis get: %w", err)
	}
	var l model.Layout
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("layout: decoding %s: %w", key, err)
	}
	return &l, nil
}

func (s *RedisStore) Save(ctx context.Context, key Key, l model.Layout) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("layout: encoding: %w", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+key.String(), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("layout: redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key Key) error {
	if err := s.client.Del(ctx, redisKeyPrefix+key.String()).Err(); err != nil {
		return fmt.Errorf("layout: redis del: %w", err)
	}
	return nil
}

func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
