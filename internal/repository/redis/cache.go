// Package redis provides the Redis backed plan cache.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/limiquantix/replan/internal/config"
	"github.com/limiquantix/replan/internal/domain"
	"github.com/limiquantix/replan/internal/plan"
)

const keyPrefix = "replan:plan:"

// PlanCache keeps computed plans keyed by request fingerprint.
type PlanCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewCache creates a new Redis cache connection.
func NewCache(cfg config.RedisConfig, logger *zap.Logger) (*PlanCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis", zap.String("addr", cfg.Address()))

	return &PlanCache{
		client: client,
		ttl:    cfg.TTL,
		logger: logger.With(zap.String("component", "redis")),
	}, nil
}

// Close closes the Redis connection.
func (c *PlanCache) Close() error {
	return c.client.Close()
}

// Health checks if Redis is reachable.
func (c *PlanCache) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func cacheKey(fingerprint string) string {
	return keyPrefix + fingerprint
}

// Get returns the plan cached for a fingerprint, or domain.ErrNotFound.
func (c *PlanCache) Get(ctx context.Context, fingerprint string) (plan.Record, error) {
	val, err := c.client.Get(ctx, cacheKey(fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return plan.Record{}, domain.ErrNotFound
	}
	if err != nil {
		return plan.Record{}, fmt.Errorf("redis get error: %w", err)
	}

	var rec plan.Record
	if err := json.Unmarshal(val, &rec); err != nil {
		c.logger.Warn("Dropping unreadable cache entry", zap.String("key", fingerprint), zap.Error(err))
		c.client.Del(ctx, cacheKey(fingerprint))
		return plan.Record{}, domain.ErrNotFound
	}
	return rec, nil
}

// Set caches a plan. A zero TTL keeps it until evicted.
func (c *PlanCache) Set(ctx context.Context, fingerprint string, rec plan.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	return c.client.Set(ctx, cacheKey(fingerprint), data, c.ttl).Err()
}

// Invalidate removes every cached plan.
func (c *PlanCache) Invalidate(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			c.logger.Warn("Failed to delete key", zap.String("key", iter.Val()), zap.Error(err))
		}
	}
	return iter.Err()
}
