/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cache provides a Redis-based caching layer for frequently accessed data.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/airwave/internal/logging"
)

// Default TTL values for different cache types
const (
	DefaultMediaItemTTL = 1 * time.Hour
	DefaultMediaURLTTL  = 30 * time.Minute
)

// Key prefixes for Redis cache
const (
	keyPrefix    = "airwave:cache:"
	KeyMediaItem = keyPrefix + "media:"     // + media_id
	KeyMediaURL  = keyPrefix + "media_url:" // + media_id
)

// Config contains cache configuration.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// TTL overrides
	MediaItemTTL time.Duration
	MediaURLTTL  time.Duration

	// Fallback behavior
	DisableOnError bool // If true, disable caching on Redis errors
}

// DefaultConfig returns default cache configuration.
func DefaultConfig() Config {
	return Config{
		RedisAddr:      "localhost:6379",
		MediaItemTTL:   DefaultMediaItemTTL,
		MediaURLTTL:    DefaultMediaURLTTL,
		DisableOnError: true,
	}
}

// Cache provides Redis-backed caching with graceful fallback.
// A nil *Cache is valid and behaves as a disabled cache.
type Cache struct {
	client *redis.Client
	logger zerolog.Logger
	config Config

	mu       sync.RWMutex
	disabled bool // Circuit breaker state
}

// New creates a new cache instance. An unreachable Redis yields a disabled cache, not an error.
func New(cfg Config, logger zerolog.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		logger.Warn().Err(err).Msg("Redis cache unavailable, running without caching")
		return &Cache{
			logger:   logging.Component(logger, "cache"),
			config:   cfg,
			disabled: true,
		}, nil
	}

	logger.Info().Str("addr", cfg.RedisAddr).Msg("Redis cache initialized")

	return &Cache{
		client: client,
		logger: logging.Component(logger, "cache"),
		config: cfg,
	}, nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c != nil && c.client != nil {
		return c.client.Close()
	}
	return nil
}

// IsAvailable returns true if the cache is operational.
func (c *Cache) IsAvailable() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.disabled && c.client != nil
}

// handleError handles Redis errors with circuit breaker logic.
func (c *Cache) handleError(err error, operation string) {
	if err == nil || errors.Is(err, redis.Nil) {
		return
	}

	c.logger.Debug().Err(err).Str("operation", operation).Msg("cache operation failed")

	if c.config.DisableOnError {
		c.mu.Lock()
		c.disabled = true
		c.mu.Unlock()
		c.logger.Warn().Msg("disabling cache due to Redis error")
	}
}

func (c *Cache) get(ctx context.Context, key string, dest any) (bool, error) {
	if !c.IsAvailable() {
		return false, nil
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		c.handleError(err, "get")
		return false, err
	}

	if err := json.Unmarshal(data, dest); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("failed to unmarshal cached value")
		return false, nil
	}

	return true, nil
}

func (c *Cache) set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if !c.IsAvailable() {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.handleError(err, "set")
		return err
	}

	return nil
}

func (c *Cache) delete(ctx context.Context, keys ...string) error {
	if !c.IsAvailable() {
		return nil
	}

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.handleError(err, "delete")
		return err
	}

	return nil
}

// deletePattern deletes all keys matching a pattern.
func (c *Cache) deletePattern(ctx context.Context, pattern string) error {
	if !c.IsAvailable() {
		return nil
	}

	// Use SCAN to find keys (safer than KEYS for production)
	var cursor uint64
	for {
		keys, nextCursor, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			c.handleError(err, "scan")
			return err
		}

		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.handleError(err, "delete_batch")
				return err
			}
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	return nil
}

// CachedMediaItem is the subset of a media record the locator needs.
type CachedMediaItem struct {
	ID              string `json:"id"`
	OwnerID         string `json:"owner_id"`
	Title           string `json:"title"`
	StorageKey      string `json:"storage_key"`
	DurationSeconds int    `json:"duration_seconds"`
}

// GetMediaItem retrieves a cached media item by ID.
func (c *Cache) GetMediaItem(ctx context.Context, mediaID string) (*CachedMediaItem, bool) {
	var item CachedMediaItem
	found, err := c.get(ctx, KeyMediaItem+mediaID, &item)
	if err != nil || !found {
		return nil, false
	}
	c.logger.Debug().Str("media_id", mediaID).Msg("media item cache hit")
	return &item, true
}

// SetMediaItem caches a media item.
func (c *Cache) SetMediaItem(ctx context.Context, item *CachedMediaItem) error {
	if c == nil {
		return nil
	}
	return c.set(ctx, KeyMediaItem+item.ID, item, c.config.MediaItemTTL)
}

// GetMediaURL retrieves a previously resolved playable URL.
func (c *Cache) GetMediaURL(ctx context.Context, mediaID string) (string, bool) {
	var url string
	found, err := c.get(ctx, KeyMediaURL+mediaID, &url)
	if err != nil || !found || url == "" {
		return "", false
	}
	return url, true
}

// SetMediaURL caches a resolved URL. ttl caps the configured TTL so a presigned
// URL is never served after it expires.
func (c *Cache) SetMediaURL(ctx context.Context, mediaID, url string, ttl time.Duration) error {
	if c == nil {
		return nil
	}
	if c.config.MediaURLTTL > 0 && (ttl <= 0 || c.config.MediaURLTTL < ttl) {
		ttl = c.config.MediaURLTTL
	}
	return c.set(ctx, KeyMediaURL+mediaID, url, ttl)
}

// InvalidateMedia removes every cached entry for a media item.
func (c *Cache) InvalidateMedia(ctx context.Context, mediaID string) error {
	return c.delete(ctx, KeyMediaItem+mediaID, KeyMediaURL+mediaID)
}

// FlushAll removes all cached data (use sparingly).
func (c *Cache) FlushAll(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.logger.Warn().Msg("flushing all cache data")
	return c.deletePattern(ctx, keyPrefix+"*")
}
