// Package redis implements the coordination store on a Redis server.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/listing-image-dedup/internal/pipeline"
)

// Config captures the connection parameters for Redis.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// compareAndSet swaps a hash field when it matches ARGV[2]; an empty ARGV[2] matches an absent field.
var compareAndSet = goredis.NewScript(`
local current = redis.call('HGET', KEYS[1], ARGV[1])
if (current == false and ARGV[2] == '') or (current ~= false and ARGV[2] ~= '' and current == ARGV[2]) then
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
	return 1
end
return 0
`)

// Store implements pipeline.Store with one hash per run and one list per run queue.
// Queue items are pushed and popped from the list head (LPUSH/LPOP).
type Store struct {
	client goredis.UniversalClient
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			return nil, fmt.Errorf("ping redis: %w (close client: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Store{client: client}, nil
}

// NewWithClient wraps an existing client (primarily for testing).
func NewWithClient(client goredis.UniversalClient) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &Store{client: client}, nil
}

// Ping checks that Redis answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close releases the client connection.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

// GetFlag reads a run hash field.
func (s *Store) GetFlag(ctx context.Context, run, key string) (string, bool, error) {
	v, err := s.client.HGet(ctx, run, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("hget %s %s: %w", run, key, err)
	}
	return v, true, nil
}

// SetFlag writes a run hash field.
func (s *Store) SetFlag(ctx context.Context, run, key, value string) error {
	if err := s.client.HSet(ctx, run, key, value).Err(); err != nil {
		return fmt.Errorf("hset %s %s: %w", run, key, err)
	}
	return nil
}

// CompareAndSetFlag atomically swaps a run hash field using a Lua script.
func (s *Store) CompareAndSetFlag(ctx context.Context, run, key, old, value string) (bool, error) {
	n, err := compareAndSet.Run(ctx, s.client, []string{run}, key, old, value).Int()
	if err != nil {
		return false, fmt.Errorf("compare and set %s %s: %w", run, key, err)
	}
	return n == 1, nil
}

// Increment runs HINCRBY on a run hash field.
func (s *Store) Increment(ctx context.Context, run, key string, delta int64) (int64, error) {
	n, err := s.client.HIncrBy(ctx, run, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("hincrby %s %s: %w", run, key, err)
	}
	return n, nil
}

// Enqueue pushes a JSON encoded work item onto the head of the run queue.
func (s *Store) Enqueue(ctx context.Context, item pipeline.ImageWorkItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal work item: %w", err)
	}
	if err := s.client.LPush(ctx, pipeline.QueueKey(item.RunName), data).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", pipeline.QueueKey(item.RunName), err)
	}
	return nil
}

// Dequeue pops the head of the run queue.
func (s *Store) Dequeue(ctx context.Context, run string) (pipeline.ImageWorkItem, bool, error) {
	data, err := s.client.LPop(ctx, pipeline.QueueKey(run)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return pipeline.ImageWorkItem{}, false, nil
	}
	if err != nil {
		return pipeline.ImageWorkItem{}, false, fmt.Errorf("lpop %s: %w", pipeline.QueueKey(run), err)
	}
	var item pipeline.ImageWorkItem
	if err := json.Unmarshal(data, &item); err != nil {
		return pipeline.ImageWorkItem{}, false, fmt.Errorf("decode work item: %w", err)
	}
	return item, true, nil
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}
