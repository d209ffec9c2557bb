package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// KeyPrefixLength is how much of a key is stored in clear for lookup.
const KeyPrefixLength = 12

// ServiceKey represents a row in the service_keys table. A key authenticates
// calls to the evaluation endpoint for exactly one tenant.
type ServiceKey struct {
	ID        string
	TenantID  string
	Name      string
	KeyHash   string
	KeyPrefix string
	CreatedAt time.Time
	RevokedAt *time.Time
}

const keyColumns = `id, tenant_id, name, key_hash, key_prefix, created_at, revoked_at`

func scanKey(row interface{ Scan(...any) error }) (*ServiceKey, error) {
	var k ServiceKey
	if err := row.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix,
		&k.CreatedAt, &k.RevokedAt); err != nil {
		return nil, err
	}
	return &k, nil
}

// GenerateAPIKey creates a new gsk_ key with its bcrypt hash and prefix.
// Returns (fullKey, hash, prefix, error). The fullKey is shown to the operator once.
func GenerateAPIKey() (string, string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}
	fullKey := "gsk_" + hex.EncodeToString(raw) // 68 chars total

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(fullKey), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}

	return fullKey, string(hashBytes), fullKey[:KeyPrefixLength], nil
}

// CreateServiceKey issues a key for the tenant.
// Returns the key row and the plaintext key (shown once).
func (s *Store) CreateServiceKey(ctx context.Context, tenantID, name string) (*ServiceKey, string, error) {
	fullKey, keyHash, keyPrefix, err := GenerateAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("CreateServiceKey: %w", err)
	}

	k, err := scanKey(s.db.QueryRowContext(ctx, `
		INSERT INTO service_keys (tenant_id, name, key_hash, key_prefix)
		VALUES ($1, $2, $3, $4)
		RETURNING `+keyColumns,
		tenantID, name, keyHash, keyPrefix))
	if err != nil {
		return nil, "", fmt.Errorf("CreateServiceKey: %w", err)
	}
	return k, fullKey, nil
}

// ListServiceKeys returns the tenant's keys, newest first, revoked ones included.
func (s *Store) ListServiceKeys(ctx context.Context, tenantID string) ([]*ServiceKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+keyColumns+`
		FROM service_keys
		WHERE tenant_id = $1
		ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("ListServiceKeys: %w", err)
	}
	defer rows.Close()

	var keys []*ServiceKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("ListServiceKeys: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeServiceKey marks a key revoked. Returns sql.ErrNoRows if the tenant
// has no active key with that ID.
func (s *Store) RevokeServiceKey(ctx context.Context, tenantID, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE service_keys SET revoked_at = now()
		WHERE tenant_id = $1 AND id = $2 AND revoked_at IS NULL`, tenantID, id)
	if err != nil {
		return fmt.Errorf("RevokeServiceKey: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// LookupByPrefix finds an active key by its clear-text prefix.
// Used by auth to narrow candidates before bcrypt verify.
func (s *Store) LookupByPrefix(ctx context.Context, prefix string) (*ServiceKey, error) {
	k, err := scanKey(s.db.QueryRowContext(ctx, `
		SELECT `+keyColumns+`
		FROM service_keys
		WHERE key_prefix = $1 AND revoked_at IS NULL`, prefix))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LookupByPrefix: %w", err)
	}
	return k, nil
}
