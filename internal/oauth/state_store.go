package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStateTTL bounds the provider round-trip.
const DefaultStateTTL = 10 * time.Minute

const stateTokenSize = 32

var (
	// ErrStateNotFound indicates the state was never issued or already consumed.
	ErrStateNotFound = errors.New("oauth.state.not_found")
	// ErrStateExpired indicates the state outlived its TTL.
	ErrStateExpired = errors.New("oauth.state.expired")
)

// StateStore issues one-time state values binding a callback to its login.
type StateStore interface {
	Issue(ctx context.Context) (string, error)
	// Consume validates and invalidates an issued state.
	Consume(ctx context.Context, state string) error
}

// MemoryStateStore keeps issued states in process.
type MemoryStateStore struct {
	mutex   sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStateStore constructs a MemoryStateStore; a non-positive ttl selects DefaultStateTTL.
func NewMemoryStateStore(ttl time.Duration) *MemoryStateStore {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &MemoryStateStore{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (store *MemoryStateStore) Issue(ctx context.Context) (string, error) {
	state, err := randomState()
	if err != nil {
		return "", err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.entries[state] = store.now().Add(store.ttl)
	return state, nil
}

func (store *MemoryStateStore) Consume(ctx context.Context, state string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	expiry, ok := store.entries[state]
	if !ok || state == "" {
		store.purgeExpiredLocked()
		return ErrStateNotFound
	}
	delete(store.entries, state)
	if store.now().After(expiry) {
		store.purgeExpiredLocked()
		return ErrStateExpired
	}
	store.purgeExpiredLocked()
	return nil
}

func (store *MemoryStateStore) purgeExpiredLocked() {
	if len(store.entries) == 0 {
		return
	}
	now := store.now()
	for state, expiry := range store.entries {
		if now.After(expiry) {
			delete(store.entries, state)
		}
	}
}

// RedisStateStore keeps issued states in Redis; expiry is enforced by key TTL.
type RedisStateStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisStateStore constructs a RedisStateStore.
func NewRedisStateStore(client redis.UniversalClient, ttl time.Duration) *RedisStateStore {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &RedisStateStore{client: client, ttl: ttl, prefix: "oauth_state:"}
}

func (store *RedisStateStore) Issue(ctx context.Context) (string, error) {
	state, err := randomState()
	if err != nil {
		return "", err
	}
	if err := store.client.Set(ctx, store.prefix+state, "1", store.ttl).Err(); err != nil {
		return "", fmt.Errorf("oauth.state.redis.set: %w", err)
	}
	return state, nil
}

func (store *RedisStateStore) Consume(ctx context.Context, state string) error {
	if state == "" {
		return ErrStateNotFound
	}
	_, err := store.client.GetDel(ctx, store.prefix+state).Result()
	if errors.Is(err, redis.Nil) {
		return ErrStateNotFound
	}
	if err != nil {
		return fmt.Errorf("oauth.state.redis.getdel: %w", err)
	}
	return nil
}

func randomState() (string, error) {
	buffer := make([]byte, stateTokenSize)
	if _, err := rand.Read(buffer); err != nil {
		return "", fmt.Errorf("oauth.state.random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}
