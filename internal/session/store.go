package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrSessionNotFound indicates the session record was never issued or was destroyed.
	ErrSessionNotFound = errors.New("session_store.not_found")
	// ErrSessionExpired indicates the record outlived its expiry.
	ErrSessionExpired = errors.New("session_store.expired")
	// ErrEmptySessionID indicates a record without identifier was supplied.
	ErrEmptySessionID = errors.New("session_store.empty_id")
)

// Record is the server-side half of an authenticated session.
type Record struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Guard     string    `json:"guard"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store persists session records.
type Store interface {
	Save(ctx context.Context, record Record) error
	Get(ctx context.Context, sessionID string) (Record, error)
	Delete(ctx context.Context, sessionID string) error
}

// MemoryStore is an in-memory Store intended for tests and single-instance runs.
type MemoryStore struct {
	mutex   sync.Mutex
	records map[string]Record
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Save stores the record, replacing any record with the same ID.
func (store *MemoryStore) Save(ctx context.Context, record Record) error {
	if record.ID == "" {
		return ErrEmptySessionID
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.records[record.ID] = record
	return nil
}

// Get returns the record for sessionID.
func (store *MemoryStore) Get(ctx context.Context, sessionID string) (Record, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.records[sessionID]
	if !ok {
		return Record{}, ErrSessionNotFound
	}
	if store.now().After(record.ExpiresAt) {
		delete(store.records, sessionID)
		return Record{}, ErrSessionExpired
	}
	return record, nil
}

// Delete removes the record; deleting an unknown ID is not an error.
func (store *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.records, sessionID)
	return nil
}

// Len returns the number of live records.
func (store *MemoryStore) Len() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	return len(store.records)
}

func (store *MemoryStore) purgeExpiredLocked() {
	now := store.now()
	for sessionID, record := range store.records {
		if now.After(record.ExpiresAt) {
			delete(store.records, sessionID)
		}
	}
}
