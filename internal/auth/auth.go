// Package auth authenticates callers of the evaluation endpoint by service key.
package auth

import (
	"context"
	"errors"
	"strings"
)

// KeyPrefix starts every service key.
const KeyPrefix = "gsk_"

var (
	ErrMissingAPIKey   = errors.New("missing authorization header")
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrAuthUnavailable = errors.New("auth backend unavailable")
)

// Principal is the identity behind a valid service key.
type Principal struct {
	KeyID    string
	TenantID string
	Name     string
}

// Authenticator validates a service key.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (*Principal, error)
}

// ExtractBearer pulls the key out of an Authorization header value and checks
// its format. The "Bearer" scheme is case-insensitive (RFC 6750).
func ExtractBearer(header string) (string, error) {
	if header == "" {
		return "", ErrMissingAPIKey
	}
	token := header
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = token[7:]
	}
	token = strings.TrimSpace(token)

	if !strings.HasPrefix(token, KeyPrefix) || len(token) <= len(KeyPrefix) {
		return "", ErrInvalidAPIKey
	}
	return token, nil
}
