package util

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"carechat/internal/config"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned by Get and GetJSON when the key does not exist.
var ErrCacheMiss = errors.New("cache miss")

type RedisClient struct {
	client *redis.Client
}

func NewRedisClient(cfg *config.Config) (*RedisClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisClient{client: rdb}, nil
}

// NewRedisClientFrom wraps an existing go-redis client.
func NewRedisClientFrom(rdb *redis.Client) *RedisClient {
	return &RedisClient{client: rdb}
}

// Get retrieves a value from Redis by key
func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// GetJSON decodes a JSON value stored by Set into dest.
func (r *RedisClient) GetJSON(ctx context.Context, key string, dest interface{}) error {
	val, err := r.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(val), dest)
}

// Set stores a value in Redis with expiration. Non-string values are
// stored as JSON.
func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	var val string
	switch v := value.(type) {
	case string:
		val = v
	default:
		jsonBytes, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal value: %w", err)
		}
		val = string(jsonBytes)
	}

	return r.client.Set(ctx, key, val, expiration).Err()
}

// MGetJSON fetches several keys at once and decodes each hit with decode.
// Misses are skipped.
func (r *RedisClient) MGetJSON(ctx context.Context, keys []string, decode func(key string, raw []byte) error) error {
	if len(keys) == 0 {
		return nil
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return err
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if err := decode(keys[i], []byte(s)); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes keys from Redis
func (r *RedisClient) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}
