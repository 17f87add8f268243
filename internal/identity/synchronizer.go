package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const placeholderSecretBytes = 30

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// SynchronizerConfig configures a Synchronizer.
type SynchronizerConfig struct {
	// CredentialRequired is set when the record store demands a non-null credential
	// column. New identities then receive an unusable random bcrypt hash.
	CredentialRequired bool
	Clock              Clock
	Logger             *zap.Logger
}

// Synchronizer reconciles external profiles with local identities.
type Synchronizer struct {
	store              RecordStore
	credentialRequired bool
	clock              Clock
	logger             *zap.Logger
}

// NewSynchronizer constructs a Synchronizer backed by store.
func NewSynchronizer(store RecordStore, configuration SynchronizerConfig) *Synchronizer {
	if store == nil {
		panic("identity record store is required")
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		store:              store,
		credentialRequired: configuration.CredentialRequired,
		clock:              clock,
		logger:             logger,
	}
}

// Sync resolves the local identity for profile (cib, then google id, then email),
// merges the profile and claims into it, and persists the result.
func (synchronizer *Synchronizer) Sync(ctx context.Context, profile ExternalProfile, claims OAuthClaims) (LocalIdentity, error) {
	merged := mergeFields(profile, claims)

	existing, found, resolveErr := synchronizer.resolve(ctx, merged)
	if resolveErr != nil {
		return LocalIdentity{}, resolveErr
	}

	now := synchronizer.clock.Now().UTC()
	if found {
		updated := applyMerge(existing, merged, profile, now)
		if updateErr := synchronizer.store.Update(ctx, &updated); updateErr != nil {
			return LocalIdentity{}, fmt.Errorf("identity.sync.update: %w", updateErr)
		}
		synchronizer.logger.Debug("identity updated",
			zap.String("code", "identity.sync.updated"),
			zap.String("identity_id", updated.ID))
		return updated, nil
	}

	created := applyMerge(LocalIdentity{Status: DefaultStatus}, merged, profile, now)
	if synchronizer.credentialRequired {
		placeholder, placeholderErr := newCredentialPlaceholder()
		if placeholderErr != nil {
			return LocalIdentity{}, fmt.Errorf("identity.sync.credential: %w", placeholderErr)
		}
		created.CredentialPlaceholder = placeholder
	}
	if createErr := synchronizer.store.Create(ctx, &created); createErr != nil {
		return LocalIdentity{}, fmt.Errorf("identity.sync.create: %w", createErr)
	}
	synchronizer.logger.Info("identity created",
		zap.String("code", "identity.sync.created"),
		zap.String("identity_id", created.ID))
	return created, nil
}

// mergedFields holds the coalesced identifier and name values.
type mergedFields struct {
	cib       string
	googleID  string
	email     string
	firstName string
	lastName  string
}

func mergeFields(profile ExternalProfile, claims OAuthClaims) mergedFields {
	return mergedFields{
		cib:       profile.CIB,
		googleID:  coalesce(profile.GoogleID, claims.ID),
		email:     coalesce(profile.Email, claims.Email),
		firstName: coalesce(profile.FirstName, claims.GivenName),
		lastName:  coalesce(profile.LastName, claims.FamilyName),
	}
}

func (synchronizer *Synchronizer) resolve(ctx context.Context, merged mergedFields) (LocalIdentity, bool, error) {
	candidates := []struct {
		key   LookupKey
		value string
	}{
		{key: LookupByCIB, value: merged.cib},
		{key: LookupByGoogleID, value: merged.googleID},
		{key: LookupByEmail, value: merged.email},
	}
	for _, candidate := range candidates {
		if candidate.value == "" {
			continue
		}
		localIdentity, err := synchronizer.store.FindBy(ctx, candidate.key, candidate.value)
		if err == nil {
			return localIdentity, true, nil
		}
		if !errors.Is(err, ErrIdentityNotFound) {
			return LocalIdentity{}, false, fmt.Errorf("identity.sync.lookup.%s: %w", candidate.key, err)
		}
	}
	return LocalIdentity{}, false, nil
}

// applyMerge writes merged values onto target. Absent values never clear stored ones.
func applyMerge(target LocalIdentity, merged mergedFields, profile ExternalProfile, now time.Time) LocalIdentity {
	target.CIB = coalesce(merged.cib, target.CIB)
	target.GoogleID = coalesce(merged.googleID, target.GoogleID)
	target.Email = coalesce(merged.email, target.Email)
	target.FirstName = coalesce(merged.firstName, target.FirstName)
	target.LastName = coalesce(merged.lastName, target.LastName)
	target.Status = coalesce(profile.Status, target.Status, DefaultStatus)
	target.ProfileData = profileDataFrom(profile)
	target.LastLoginAt = now
	return target
}

// coalesce returns the first non-empty value.
func coalesce(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

func newCredentialPlaceholder() (string, error) {
	secret := make([]byte, placeholderSecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", err
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(base64.RawURLEncoding.EncodeToString(secret)), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}
