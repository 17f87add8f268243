package statusgate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var errEmptyCacheKey = errors.New("status_cache.empty_key")

// Cache is a string key-value store with TTL semantics.
type Cache interface {
	// Get returns the cached value and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// CacheKey formats the status cache key for a guard and user.
func CacheKey(guard string, userID string) string {
	return fmt.Sprintf("status:%s:%s", guard, userID)
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryCache is an in-process Cache.
type MemoryCache struct {
	mutex   sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache constructs an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (cache *MemoryCache) Get(ctx context.Context, key string) (string, bool, error) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	entry, ok := cache.entries[key]
	if !ok {
		return "", false, nil
	}
	if !cache.now().Before(entry.expiresAt) {
		delete(cache.entries, key)
		return "", false, nil
	}
	return entry.value, true, nil
}

func (cache *MemoryCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if key == "" {
		return errEmptyCacheKey
	}
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	cache.purgeExpiredLocked()
	cache.entries[key] = memoryEntry{value: value, expiresAt: cache.now().Add(ttl)}
	return nil
}

func (cache *MemoryCache) Delete(ctx context.Context, key string) error {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	delete(cache.entries, key)
	return nil
}

func (cache *MemoryCache) purgeExpiredLocked() {
	if len(cache.entries) == 0 {
		return
	}
	now := cache.now()
	for key, entry := range cache.entries {
		if !now.Before(entry.expiresAt) {
			delete(cache.entries, key)
		}
	}
}

// RedisCache implements Cache on Redis.
type RedisCache struct {
	client redis.UniversalClient
}

// NewRedisCache wraps a Redis client.
func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

func (cache *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, errEmptyCacheKey
	}
	value, err := cache.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("status_cache.redis.get: %w", err)
	}
	return value, true, nil
}

func (cache *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if key == "" {
		return errEmptyCacheKey
	}
	if err := cache.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("status_cache.redis.set: %w", err)
	}
	return nil
}

func (cache *RedisCache) Delete(ctx context.Context, key string) error {
	if key == "" {
		return errEmptyCacheKey
	}
	if err := cache.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("status_cache.redis.del: %w", err)
	}
	return nil
}
