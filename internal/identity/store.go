package identity

import (
	"context"
	"errors"
)

// LookupKey names an identifier column usable for matching.
type LookupKey string

const (
	LookupByCIB      LookupKey = "cib"
	LookupByGoogleID LookupKey = "google_id"
	LookupByEmail    LookupKey = "email"
)

var (
	// ErrIdentityNotFound indicates no identity matched the lookup.
	ErrIdentityNotFound = errors.New("identity_store.not_found")
	// ErrUnsupportedLookupKey indicates an unknown identifier column was requested.
	ErrUnsupportedLookupKey = errors.New("identity_store.unsupported_lookup_key")
	// ErrUnsupportedStatusField indicates the configured status attribute does not exist.
	ErrUnsupportedStatusField = errors.New("identity_store.unsupported_status_field")
	// ErrMissingIdentityID indicates an update was attempted without a primary key.
	ErrMissingIdentityID = errors.New("identity_store.missing_id")
)

// RecordStore persists local identities.
type RecordStore interface {
	// FindBy returns the first identity whose key column equals value.
	FindBy(ctx context.Context, key LookupKey, value string) (LocalIdentity, error)
	// FindByID returns the identity with the given primary key.
	FindByID(ctx context.Context, identityID string) (LocalIdentity, error)
	// Create inserts a new identity and assigns its ID.
	Create(ctx context.Context, localIdentity *LocalIdentity) error
	// Update overwrites the stored identity with the same ID.
	Update(ctx context.Context, localIdentity *LocalIdentity) error
}

// StatusReader reads the current status attribute of an identity.
type StatusReader interface {
	LookupStatus(ctx context.Context, identityID string, statusField string) (string, error)
}

func validLookupKey(key LookupKey) bool {
	switch key {
	case LookupByCIB, LookupByGoogleID, LookupByEmail:
		return true
	default:
		return false
	}
}
