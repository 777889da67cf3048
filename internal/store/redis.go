package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pilot-net/vpnmon/pkg/types"
)

const redisKeyPrefix = "vpnmon:series:"

// RedisStore keeps one JSON document per tunnel under vpnmon:series:<name>.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to redis and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Get(ctx context.Context, tunnel string) (*types.SeriesDocument, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+tunnel).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading series for %q: %w", tunnel, err)
	}
	var doc types.SeriesDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing series for %q: %w", tunnel, err)
	}
	return &doc, nil
}

func (s *RedisStore) Put(ctx context.Context, doc *types.SeriesDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding series for %q: %w", doc.TunnelName, err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+doc.TunnelName, data, 0).Err(); err != nil {
		return fmt.Errorf("writing series for %q: %w", doc.TunnelName, err)
	}
	return nil
}

// List scans rather than using KEYS so a shared redis stays responsive.
func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	var tunnels []string
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		tunnels = append(tunnels, iter.Val()[len(redisKeyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning series keys: %w", err)
	}
	return tunnels, nil
}

func (s *RedisStore) Delete(ctx context.Context, tunnel string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+tunnel).Err(); err != nil {
		return fmt.Errorf("deleting series for %q: %w", tunnel, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
