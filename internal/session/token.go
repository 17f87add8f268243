package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken indicates the session cookie was absent or empty.
	ErrMissingToken = errors.New("session.missing_token")
	// ErrInvalidToken indicates the session cookie failed signature or claim checks.
	ErrInvalidToken = errors.New("session.invalid_token")
	// ErrGuardMismatch indicates the token was issued for another guard.
	ErrGuardMismatch = errors.New("session.guard_mismatch")
)

// Claims are embedded in the signed session cookie.
type Claims struct {
	SessionID string `json:"sid"`
	UserID    string `json:"uid"`
	Guard     string `json:"guard"`
	jwt.RegisteredClaims
}

func mintToken(record Record, issuer string, signingKey []byte) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		SessionID: record.ID,
		UserID:    record.UserID,
		Guard:     record.Guard,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   record.UserID,
			IssuedAt:  jwt.NewNumericDate(record.IssuedAt),
			NotBefore: jwt.NewNumericDate(record.IssuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(record.ExpiresAt),
		},
	})
	return token.SignedString(signingKey)
}

func parseToken(tokenString string, issuer string, guard string, signingKey []byte, now func() time.Time) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, ErrMissingToken
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &Claims{}, func(parsed *jwt.Token) (interface{}, error) {
		return signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer), jwt.WithTimeFunc(now))
	if parseErr != nil || parsedToken == nil || !parsedToken.Valid {
		return nil, fmt.Errorf("session.parse_token: %w", ErrInvalidToken)
	}
	claims, ok := parsedToken.Claims.(*Claims)
	if !ok || claims.SessionID == "" || claims.UserID == "" {
		return nil, fmt.Errorf("session.parse_token: %w", ErrInvalidToken)
	}
	if claims.Guard != guard {
		return nil, fmt.Errorf("session.parse_token: %w", ErrGuardMismatch)
	}
	return claims, nil
}
