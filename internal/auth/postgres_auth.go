package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/triage-ai/agentguard/internal/store"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// KeyStore abstracts DB queries for testability.
type KeyStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*store.ServiceKey, error)
}

// PostgresAuthenticator validates service keys against the service_keys table,
// with a KeyCache in front.
type PostgresAuthenticator struct {
	store  KeyStore
	cache  *KeyCache
	logger *zap.Logger
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration // Default: 30s
	Logger   *zap.Logger
}

// NewPostgresAuthenticator creates a new authenticator backed by PostgreSQL.
func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &PostgresAuthenticator{
		store:  store.NewStore(cfg.DB),
		cache:  NewKeyCache(ttl),
		logger: cfg.Logger,
	}
}

func newPostgresAuthenticatorWithStore(ks KeyStore, cache *KeyCache, logger *zap.Logger) *PostgresAuthenticator {
	return &PostgresAuthenticator{
		store:  ks,
		cache:  cache,
		logger: logger,
	}
}

// Authenticate returns the principal for apiKey. Unknown, revoked and
// mismatched keys give ErrInvalidAPIKey; database failures give an error
// wrapping ErrAuthUnavailable. Neither outcome is cached.
func (a *PostgresAuthenticator) Authenticate(ctx context.Context, apiKey string) (*Principal, error) {
	if p, found, refresh := a.cache.Lookup(apiKey); found {
		if refresh {
			go a.refresh(apiKey)
		}
		return p, nil
	}

	p, err := a.verify(ctx, apiKey)
	switch {
	case errors.Is(err, ErrInvalidAPIKey):
		return nil, err
	case err != nil:
		a.logger.Warn("service key lookup failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}
	a.cache.Store(apiKey, p)
	return p, nil
}

// refresh re-verifies a stale entry. Any failure evicts it, so a revoked key
// stops working and an outage falls back to synchronous lookups.
func (a *PostgresAuthenticator) refresh(apiKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := a.verify(ctx, apiKey)
	if err != nil {
		a.logger.Info("evicting service key from cache", zap.Error(err))
		a.cache.Forget(apiKey)
		return
	}
	a.cache.Store(apiKey, p)
}

// verify finds the active key by its clear prefix and checks the bcrypt hash.
func (a *PostgresAuthenticator) verify(ctx context.Context, apiKey string) (*Principal, error) {
	if len(apiKey) < store.KeyPrefixLength {
		return nil, ErrInvalidAPIKey
	}

	row, err := a.store.LookupByPrefix(ctx, apiKey[:store.KeyPrefixLength])
	if err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}
	if row == nil {
		return nil, ErrInvalidAPIKey
	}

	if err := bcrypt.CompareHashAndPassword([]byte(row.KeyHash), []byte(apiKey)); err != nil {
		return nil, ErrInvalidAPIKey
	}

	return &Principal{KeyID: row.ID, TenantID: row.TenantID, Name: row.Name}, nil
}
