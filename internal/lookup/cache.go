// Package lookup serves configurable lookup values (deal stages, lead
// sources, industries) with an optional Redis read-through cache.
package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"salescrm/api/internal/metrics"
	"salescrm/api/internal/store"
)

// Source is the authoritative lookup storage.
type Source interface {
	ListLookups(ctx context.Context, category string, includeInactive bool) ([]store.LookupValue, error)
	UpsertLookup(ctx context.Context, value store.LookupValue) (store.LookupValue, error)
}

type Cache struct {
	source Source
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisClient parses redisURL and checks the server answers.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// NewCache wraps source. A nil client disables caching.
func NewCache(source Source, client *redis.Client, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{source: source, client: client, prefix: "lookup:", ttl: ttl, logger: logger}
}

func (c *Cache) key(category string) string {
	return c.prefix + category
}

// Active returns the active values of category in display order.
func (c *Cache) Active(ctx context.Context, category string) ([]store.LookupValue, error) {
	if c.client != nil {
		raw, err := c.client.Get(ctx, c.key(category)).Bytes()
		switch {
		case err == nil:
			var values []store.LookupValue
			if err := json.Unmarshal(raw, &values); err == nil {
				metrics.RecordLookupCache(true)
				return values, nil
			}
		case !errors.Is(err, redis.Nil):
			c.logger.Warn("lookup cache read failed", zap.String("category", category), zap.Error(err))
		}
		metrics.RecordLookupCache(false)
	}

	values, err := c.source.ListLookups(ctx, category, false)
	if err != nil {
		return nil, err
	}
	if c.client != nil {
		if raw, err := json.Marshal(values); err == nil {
			if err := c.client.Set(ctx, c.key(category), raw, c.ttl).Err(); err != nil {
				c.logger.Warn("lookup cache write failed", zap.String("category", category), zap.Error(err))
			}
		}
	}
	return values, nil
}

// All returns every value of category, inactive included, bypassing the cache.
func (c *Cache) All(ctx context.Context, category string) ([]store.LookupValue, error) {
	return c.source.ListLookups(ctx, category, true)
}

// Valid reports whether code is an active value of category.
func (c *Cache) Valid(ctx context.Context, category, code string) (bool, error) {
	values, err := c.Active(ctx, category)
	if err != nil {
		return false, err
	}
	for _, value := range values {
		if value.Code == code {
			return true, nil
		}
	}
	return false, nil
}

// Upsert writes through to the source and drops the cached category.
func (c *Cache) Upsert(ctx context.Context, value store.LookupValue) (store.LookupValue, error) {
	saved, err := c.source.UpsertLookup(ctx, value)
	if err != nil {
		return store.LookupValue{}, err
	}
	c.Invalidate(ctx, value.Category)
	return saved, nil
}

func (c *Cache) Invalidate(ctx context.Context, category string) {
	if c.client == nil {
		return
	}
	if err := c.client.Del(ctx, c.key(category)).Err(); err != nil {
		c.logger.Warn("lookup cache invalidate failed", zap.String("category", category), zap.Error(err))
	}
}

func (c *Cache) Ping(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
