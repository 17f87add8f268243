package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps session records in Redis with a TTL matching their expiry.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a RedisStore using the "session:" key prefix.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "session:"}
}

func (store *RedisStore) key(sessionID string) string {
	return store.prefix + sessionID
}

// Save writes the record; expired records are refused.
func (store *RedisStore) Save(ctx context.Context, record Record) error {
	if record.ID == "" {
		return ErrEmptySessionID
	}
	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session_store.redis.save: %w", ErrSessionExpired)
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("session_store.redis.marshal: %w", err)
	}
	if err := store.client.Set(ctx, store.key(record.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("session_store.redis.save: %w", err)
	}
	return nil
}

// Get loads the record for sessionID.
func (store *RedisStore) Get(ctx context.Context, sessionID string) (Record, error) {
	if sessionID == "" {
		return Record{}, ErrSessionNotFound
	}
	data, err := store.client.Get(ctx, store.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, ErrSessionNotFound
		}
		return Record{}, fmt.Errorf("session_store.redis.get: %w", err)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, fmt.Errorf("session_store.redis.unmarshal: %w", err)
	}
	return record, nil
}

// Delete removes the record.
func (store *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	if err := store.client.Del(ctx, store.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("session_store.redis.delete: %w", err)
	}
	return nil
}
