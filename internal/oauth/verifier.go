package oauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/oremis/atlas/internal/identity"
	"google.golang.org/api/idtoken"
)

var (
	// ErrInvalidIssuer indicates an ID token from an unexpected issuer.
	ErrInvalidIssuer = errors.New("oauth.invalid_issuer")
	// ErrMissingSubject indicates an ID token without a subject.
	ErrMissingSubject = errors.New("oauth.missing_subject")
)

// TokenVerifier turns a raw ID token into provider claims.
type TokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (identity.OAuthClaims, error)
}

// GoogleTokenValidator is satisfied by *idtoken.Validator.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error)
}

// GoogleVerifier validates Google-issued ID tokens.
type GoogleVerifier struct {
	validator GoogleTokenValidator
	audience  string
}

// NewGoogleVerifier builds a GoogleVerifier backed by Google's published certificates.
func NewGoogleVerifier(ctx context.Context, audience string) (*GoogleVerifier, error) {
	validator, err := idtoken.NewValidator(ctx)
	if err != nil {
		return nil, fmt.Errorf("oauth.google.validator: %w", err)
	}
	return NewGoogleVerifierWithValidator(validator, audience), nil
}

// NewGoogleVerifierWithValidator wraps a custom validator.
func NewGoogleVerifierWithValidator(validator GoogleTokenValidator, audience string) *GoogleVerifier {
	return &GoogleVerifier{validator: validator, audience: audience}
}

func (verifier *GoogleVerifier) Verify(ctx context.Context, rawIDToken string) (identity.OAuthClaims, error) {
	payload, err := verifier.validator.Validate(ctx, rawIDToken, verifier.audience)
	if err != nil {
		return identity.OAuthClaims{}, err
	}
	issuer, _ := payload.Claims["iss"].(string)
	if issuer != "https://accounts.google.com" && issuer != "accounts.google.com" {
		return identity.OAuthClaims{}, ErrInvalidIssuer
	}
	subject, _ := payload.Claims["sub"].(string)
	if subject == "" {
		subject = payload.Subject
	}
	if subject == "" {
		return identity.OAuthClaims{}, ErrMissingSubject
	}
	email, _ := payload.Claims["email"].(string)
	givenName, _ := payload.Claims["given_name"].(string)
	familyName, _ := payload.Claims["family_name"].(string)
	return identity.OAuthClaims{
		ID:         subject,
		Email:      email,
		GivenName:  givenName,
		FamilyName: familyName,
	}, nil
}

// OIDCVerifier validates ID tokens with go-oidc.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier wraps a go-oidc verifier.
func NewOIDCVerifier(verifier *oidc.IDTokenVerifier) *OIDCVerifier {
	return &OIDCVerifier{verifier: verifier}
}

func (verifier *OIDCVerifier) Verify(ctx context.Context, rawIDToken string) (identity.OAuthClaims, error) {
	idToken, err := verifier.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return identity.OAuthClaims{}, err
	}
	var claims struct {
		Email      string `json:"email"`
		GivenName  string `json:"given_name"`
		FamilyName string `json:"family_name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return identity.OAuthClaims{}, fmt.Errorf("oauth.oidc.claims: %w", err)
	}
	if idToken.Subject == "" {
		return identity.OAuthClaims{}, ErrMissingSubject
	}
	return identity.OAuthClaims{
		ID:         idToken.Subject,
		Email:      claims.Email,
		GivenName:  claims.GivenName,
		FamilyName: claims.FamilyName,
	}, nil
}
