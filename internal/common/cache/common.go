package cache

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"
)

// NullCacheValue is a sentinel value to represent null/empty data in cache.
// This prevents cache penetration by caching the absence of data.
const NullCacheValue = "$NULL$"

// GetWithCached implements the cache-aside pattern with null value caching.
// It tries the cache first; on a miss it calls fn and stores the result.
// Empty results are cached with emptyTTL to prevent cache penetration.
func GetWithCached[T any](
	ctx context.Context,
	cache Cache,
	key string,
	ttl time.Duration,
	emptyTTL time.Duration,
	isEmpty func(T) bool,
	marshal func(T) string,
	unmarshal func(string) (T, error),
	fn func(context.Context) (T, error),
) (T, error) {
	var zero T

	if cached, err := cache.Get(ctx, key); err == nil && cached != "" {
		if cached == NullCacheValue {
			return zero, nil
		}
		if result, err := unmarshal(cached); err == nil {
			return result, nil
		}
	}

	data, err := fn(ctx)
	if err != nil {
		return zero, err
	}

	if isEmpty(data) {
		_ = cache.Set(ctx, key, NullCacheValue, emptyTTL)
		return zero, nil
	}

	_ = cache.Set(ctx, key, marshal(data), ttl)
	return data, nil
}

// UpdateCached updates data and invalidates the cache key.
func UpdateCached(
	ctx context.Context,
	cache Cache,
	key string,
	fn func(context.Context) error,
) error {
	if err := fn(ctx); err != nil {
		return err
	}
	_ = cache.Del(ctx, key)
	return nil
}

// JitterTTL adds up to 10% random jitter to a TTL so that keys written
// together do not all expire at the same instant.
func JitterTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return ttl
	}
	max := int64(ttl / 10)
	if max <= 0 {
		return ttl
	}
	n, err := rand.Int(rand.Reader, big.NewInt(max))
	if err != nil {
		return ttl
	}
	return ttl + time.Duration(n.Int64())
}
