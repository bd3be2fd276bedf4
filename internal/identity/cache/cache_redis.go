package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	id "gatekeeper/pkg/domain"
)

const (
	// Redis key prefix for verification state per platform user
	verifiedKeyPrefix = "gk:verified:"

	verifiedMarker   = "1"
	unverifiedMarker = "0"
)

// RedisCache caches the "is this user globally verified" answer with a long
// positive TTL and a short negative TTL.
type RedisCache struct {
	client      *redis.Client
	positiveTTL time.Duration
	negativeTTL time.Duration
}

// RedisCacheOption configures a RedisCache instance.
type RedisCacheOption func(*RedisCache)

func WithTTLs(positive, negative time.Duration) RedisCacheOption {
	return func(c *RedisCache) {
		c.positiveTTL = positive
		c.negativeTTL = negative
	}
}

// NewRedis constructs a Redis-backed verification cache.
func NewRedis(client *redis.Client, opts ...RedisCacheOption) *RedisCache {
	c := &RedisCache{
		client:      client,
		positiveTTL: time.Hour,
		negativeTTL: 30 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Get returns (verified, found). A miss is not an error.
func (c *RedisCache) Get(ctx context.Context, user id.UserID) (bool, bool, error) {
	val, err := c.client.Get(ctx, verifiedKeyPrefix+user.String()).Result()
	if errors.Is(err, redis.Nil) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("read verified cache: %w", err)
	}
	return val == verifiedMarker, true, nil
}

func (c *RedisCache) Set(ctx context.Context, user id.UserID, verified bool) error {
	marker, ttl := unverifiedMarker, c.negativeTTL
	if verified {
		marker, ttl = verifiedMarker, c.positiveTTL
	}
	return c.client.Set(ctx, verifiedKeyPrefix+user.String(), marker, ttl).Err()
}

// Invalidate drops the cached answer so the next read goes to the store.
func (c *RedisCache) Invalidate(ctx context.Context, user id.UserID) error {
	return c.client.Del(ctx, verifiedKeyPrefix+user.String()).Err()
}
