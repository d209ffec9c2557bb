package controls

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

const controlColumns = `id, tenant_id, control_type, target_agent_id, is_engaged,
	config, triggered_by, triggered_at, created_at, updated_at`

// Store provides access to the emergency_controls table. Every query is
// scoped by tenant_id.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by the given database connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateParams holds the fields for a new control.
type CreateParams struct {
	TenantID      string
	Type          Type
	TargetAgentID *string
	IsEngaged     bool
	Config        json.RawMessage
	TriggeredBy   *string
}

type scanner interface {
	Scan(dest ...any) error
}

func scanControl(row scanner) (*Control, error) {
	var c Control
	var cfg []byte
	if err := row.Scan(&c.ID, &c.TenantID, &c.Type, &c.TargetAgentID, &c.IsEngaged,
		&cfg, &c.TriggeredBy, &c.TriggeredAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Config = json.RawMessage(cfg)
	return &c, nil
}

func (s *Store) query(ctx context.Context, op, q string, args ...any) ([]*Control, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []*Control
	for rows.Next() {
		c, err := scanControl(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// ListEngaged returns every engaged control of the tenant.
func (s *Store) ListEngaged(ctx context.Context, tenantID string) ([]*Control, error) {
	return s.query(ctx, "ListEngaged", `
		SELECT `+controlColumns+`
		FROM emergency_controls
		WHERE tenant_id = $1 AND is_engaged
		ORDER BY created_at`, tenantID)
}

// List returns all controls of the tenant, engaged or not.
func (s *Store) List(ctx context.Context, tenantID string) ([]*Control, error) {
	return s.query(ctx, "List", `
		SELECT `+controlColumns+`
		FROM emergency_controls
		WHERE tenant_id = $1
		ORDER BY created_at`, tenantID)
}

// Get returns the control of the given type and target, or nil if none exists.
// A nil targetAgentID selects the tenant-wide control.
func (s *Store) Get(ctx context.Context, tenantID string, typ Type, targetAgentID *string) (*Control, error) {
	c, err := scanControl(s.db.QueryRowContext(ctx, `
		SELECT `+controlColumns+`
		FROM emergency_controls
		WHERE tenant_id = $1 AND control_type = $2
		  AND target_agent_id IS NOT DISTINCT FROM $3
		ORDER BY created_at
		LIMIT 1`, tenantID, string(typ), targetAgentID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return c, nil
}

// GetByID returns a control by ID, or nil if not found.
func (s *Store) GetByID(ctx context.Context, tenantID, id string) (*Control, error) {
	c, err := scanControl(s.db.QueryRowContext(ctx, `
		SELECT `+controlColumns+`
		FROM emergency_controls
		WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return c, nil
}

// Create inserts a new control.
func (s *Store) Create(ctx context.Context, p CreateParams) (*Control, error) {
	cfg := p.Config
	if len(cfg) == 0 {
		cfg = json.RawMessage(`{}`)
	}
	c, err := scanControl(s.db.QueryRowContext(ctx, `
		INSERT INTO emergency_controls
			(tenant_id, control_type, target_agent_id, is_engaged, config, triggered_by, triggered_at)
		VALUES ($1, $2, $3, $4, $5, $6, CASE WHEN $4 THEN now() END)
		RETURNING `+controlColumns,
		p.TenantID, string(p.Type), p.TargetAgentID, p.IsEngaged, []byte(cfg), p.TriggeredBy))
	if err != nil {
		return nil, fmt.Errorf("Create: %w", err)
	}
	return c, nil
}

// SetEngaged flips a control on or off and records who did it.
// Returns nil if the control does not exist for the tenant.
func (s *Store) SetEngaged(ctx context.Context, tenantID, id string, engaged bool, triggeredBy *string) (*Control, error) {
	c, err := scanControl(s.db.QueryRowContext(ctx, `
		UPDATE emergency_controls SET
			is_engaged   = $3,
			triggered_by = $4,
			triggered_at = now(),
			updated_at   = now()
		WHERE tenant_id = $1 AND id = $2
		RETURNING `+controlColumns,
		tenantID, id, engaged, triggeredBy))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("SetEngaged: %w", err)
	}
	return c, nil
}

// Delete removes a control. Returns sql.ErrNoRows if it does not exist.
func (s *Store) Delete(ctx context.Context, tenantID, id string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM emergency_controls WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("Delete: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
