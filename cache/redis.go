package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"audiosplit/config"
	"audiosplit/core/splitter"
	"audiosplit/logger"
	"audiosplit/model"

	"github.com/redis/go-redis/v9"
)

const manifestKeyPrefix = "manifest:"

// ManifestCache stores reference-delivery envelopes in Redis with a TTL.
type ManifestCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewClient builds a Redis client from cfg and pings it.
func NewClient(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewManifestCache wraps client. A non-positive ttl means one hour.
func NewManifestCache(client *redis.Client, ttl time.Duration) *ManifestCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ManifestCache{client: client, ttl: ttl}
}

// ManifestKey is the Redis key of a session manifest.
func ManifestKey(sessionID string) string {
	return manifestKeyPrefix + sessionID
}

// SaveManifest stores resp under its session id.
func (c *ManifestCache) SaveManifest(ctx context.Context, resp *model.SplitResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	if err := c.client.Set(ctx, ManifestKey(resp.SessionID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store manifest %s: %w", resp.SessionID, err)
	}

	logger.Debug("Manifest cached",
		logger.SessionID(resp.SessionID),
		logger.Int("dataSize", len(data)),
		logger.Duration("ttl", c.ttl))
	return nil
}

// LoadManifest returns splitter.ErrManifestNotFound when the key is missing or expired.
func (c *ManifestCache) LoadManifest(ctx context.Context, sessionID string) (*model.SplitResponse, error) {
	data, err := c.client.Get(ctx, ManifestKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, splitter.ErrManifestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest %s: %w", sessionID, err)
	}

	var resp model.SplitResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode manifest %s: %w", sessionID, err)
	}
	return &resp, nil
}

// DeleteManifest removes a cached manifest. Missing keys are fine.
func (c *ManifestCache) DeleteManifest(ctx context.Context, sessionID string) error {
	if err := c.client.Del(ctx, ManifestKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete manifest %s: %w", sessionID, err)
	}
	return nil
}

// Check performs a set/get/delete round trip, used by the redis command.
func Check(ctx context.Context, client *redis.Client) error {
	const key = "audiosplit:healthcheck"
	const want = "ok"

	if err := client.Set(ctx, key, want, time.Minute).Err(); err != nil {
		return fmt.Errorf("failed to set Redis key: %w", err)
	}
	got, err := client.Get(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to get Redis key: %w", err)
	}
	if got != want {
		return fmt.Errorf("unexpected value from Redis: got %s", got)
	}
	if err := client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete Redis key: %w", err)
	}
	return nil
}
