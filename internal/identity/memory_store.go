package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory RecordStore intended for tests and local runs.
type MemoryStore struct {
	mutex    sync.RWMutex
	byID     map[string]LocalIdentity
	sequence []string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]LocalIdentity)}
}

// FindBy scans records in insertion order and returns the first match.
func (store *MemoryStore) FindBy(ctx context.Context, key LookupKey, value string) (LocalIdentity, error) {
	if !validLookupKey(key) {
		return LocalIdentity{}, fmt.Errorf("identity_store.find.%s: %w", key, ErrUnsupportedLookupKey)
	}
	if value == "" {
		return LocalIdentity{}, ErrIdentityNotFound
	}
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	for _, identityID := range store.sequence {
		record := store.byID[identityID]
		if keyValue(record, key) == value {
			return cloneIdentity(record), nil
		}
	}
	return LocalIdentity{}, ErrIdentityNotFound
}

// FindByID returns the identity stored under identityID.
func (store *MemoryStore) FindByID(ctx context.Context, identityID string) (LocalIdentity, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	record, ok := store.byID[identityID]
	if !ok {
		return LocalIdentity{}, ErrIdentityNotFound
	}
	return cloneIdentity(record), nil
}

// Create assigns a UUID and stores the identity.
func (store *MemoryStore) Create(ctx context.Context, localIdentity *LocalIdentity) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if localIdentity.ID == "" {
		localIdentity.ID = uuid.NewString()
	}
	if _, exists := store.byID[localIdentity.ID]; exists {
		return fmt.Errorf("identity_store.create: duplicate id %s", localIdentity.ID)
	}
	store.byID[localIdentity.ID] = cloneIdentity(*localIdentity)
	store.sequence = append(store.sequence, localIdentity.ID)
	return nil
}

// Update replaces the stored identity.
func (store *MemoryStore) Update(ctx context.Context, localIdentity *LocalIdentity) error {
	if localIdentity.ID == "" {
		return ErrMissingIdentityID
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.byID[localIdentity.ID]; !exists {
		return ErrIdentityNotFound
	}
	store.byID[localIdentity.ID] = cloneIdentity(*localIdentity)
	return nil
}

// SetStatus changes a stored status, as an administrator would.
func (store *MemoryStore) SetStatus(identityID string, status string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.byID[identityID]
	if !ok {
		return ErrIdentityNotFound
	}
	record.Status = status
	store.byID[identityID] = record
	return nil
}

// Len returns the number of stored identities.
func (store *MemoryStore) Len() int {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	return len(store.byID)
}

// LookupStatus supports the "status" attribute only.
func (store *MemoryStore) LookupStatus(ctx context.Context, identityID string, statusField string) (string, error) {
	if !strings.EqualFold(strings.TrimSpace(statusField), "status") {
		return "", fmt.Errorf("identity_store.status.%s: %w", statusField, ErrUnsupportedStatusField)
	}
	record, err := store.FindByID(ctx, identityID)
	if err != nil {
		return "", err
	}
	return record.Status, nil
}

func keyValue(record LocalIdentity, key LookupKey) string {
	switch key {
	case LookupByCIB:
		return record.CIB
	case LookupByGoogleID:
		return record.GoogleID
	case LookupByEmail:
		return record.Email
	default:
		return ""
	}
}

func cloneIdentity(record LocalIdentity) LocalIdentity {
	record.ProfileData = ProfileData{
		StaffPositions:  append([]any{}, record.ProfileData.StaffPositions...),
		Departments:     append([]any{}, record.ProfileData.Departments...),
		DepartmentTeams: append([]any{}, record.ProfileData.DepartmentTeams...),
	}
	return record
}
