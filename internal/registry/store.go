package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// ToolStore abstracts DB queries for testability.
type ToolStore interface {
	FindTool(ctx context.Context, tenantID, name string) (*Tool, error)
	GetTool(ctx context.Context, tenantID, id string) (*Tool, error)
	ListTools(ctx context.Context, tenantID string) ([]*Tool, error)
	CreateTool(ctx context.Context, p CreateParams) (*Tool, error)
	UpdateTool(ctx context.Context, tenantID, id string, p UpdateParams) (*Tool, error)
	DeleteTool(ctx context.Context, tenantID, id string) (*Tool, error)
	IncrementInvocations(ctx context.Context, tenantID, id string) error
}

const toolColumns = `id, tenant_id, name, description, risk_level, max_calls_per_minute,
	is_active, is_verified, total_invocations, data_scope, created_at, updated_at`

// sqlToolStore is the real implementation using *sql.DB.
// Lookups return nil, nil when no row matches.
type sqlToolStore struct {
	db *sql.DB
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTool(row scanner) (*Tool, error) {
	var t Tool
	var scope []byte
	if err := row.Scan(&t.ID, &t.TenantID, &t.Name, &t.Description, &t.RiskLevel,
		&t.MaxCallsPerMinute, &t.IsActive, &t.IsVerified, &t.TotalInvocations,
		&scope, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if len(scope) > 0 {
		if err := json.Unmarshal(scope, &t.DataScope); err != nil {
			return nil, fmt.Errorf("data_scope: %w", err)
		}
	}
	return &t, nil
}

func scopeJSON(scope []string) ([]byte, error) {
	if scope == nil {
		scope = []string{}
	}
	return json.Marshal(scope)
}

func (s *sqlToolStore) one(op string, row *sql.Row) (*Tool, error) {
	t, err := scanTool(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return t, nil
}

func (s *sqlToolStore) FindTool(ctx context.Context, tenantID, name string) (*Tool, error) {
	return s.one("FindTool", s.db.QueryRowContext(ctx, `
		SELECT `+toolColumns+`
		FROM tool_registry
		WHERE tenant_id = $1 AND name = $2`, tenantID, name))
}

func (s *sqlToolStore) GetTool(ctx context.Context, tenantID, id string) (*Tool, error) {
	return s.one("GetTool", s.db.QueryRowContext(ctx, `
		SELECT `+toolColumns+`
		FROM tool_registry
		WHERE tenant_id = $1 AND id = $2`, tenantID, id))
}

func (s *sqlToolStore) ListTools(ctx context.Context, tenantID string) ([]*Tool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+toolColumns+`
		FROM tool_registry
		WHERE tenant_id = $1
		ORDER BY name`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("ListTools: %w", err)
	}
	defer rows.Close()

	var tools []*Tool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, fmt.Errorf("ListTools: %w", err)
		}
		tools = append(tools, t)
	}
	return tools, rows.Err()
}

func (s *sqlToolStore) CreateTool(ctx context.Context, p CreateParams) (*Tool, error) {
	scope, err := scopeJSON(p.DataScope)
	if err != nil {
		return nil, fmt.Errorf("CreateTool: %w", err)
	}
	t, err := scanTool(s.db.QueryRowContext(ctx, `
		INSERT INTO tool_registry
			(tenant_id, name, description, risk_level, max_calls_per_minute,
			 is_active, is_verified, data_scope)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+toolColumns,
		p.TenantID, p.Name, p.Description, string(p.RiskLevel), p.MaxCallsPerMinute,
		p.IsActive, p.IsVerified, scope))
	if err != nil {
		return nil, fmt.Errorf("CreateTool: %w", err)
	}
	return t, nil
}

// UpdateTool applies a partial update. Only non-nil fields are changed.
func (s *sqlToolStore) UpdateTool(ctx context.Context, tenantID, id string, p UpdateParams) (*Tool, error) {
	var risk *string
	if p.RiskLevel != nil {
		r := string(*p.RiskLevel)
		risk = &r
	}
	var scope any
	if p.DataScope != nil {
		b, err := scopeJSON(*p.DataScope)
		if err != nil {
			return nil, fmt.Errorf("UpdateTool: %w", err)
		}
		scope = b
	}
	return s.one("UpdateTool", s.db.QueryRowContext(ctx, `
		UPDATE tool_registry SET
			name                 = COALESCE($3, name),
			description          = COALESCE($4, description),
			risk_level           = COALESCE($5, risk_level),
			max_calls_per_minute = COALESCE($6, max_calls_per_minute),
			is_active            = COALESCE($7, is_active),
			is_verified          = COALESCE($8, is_verified),
			data_scope           = COALESCE($9, data_scope),
			updated_at           = now()
		WHERE tenant_id = $1 AND id = $2
		RETURNING `+toolColumns,
		tenantID, id, p.Name, p.Description, risk, p.MaxCallsPerMinute,
		p.IsActive, p.IsVerified, scope))
}

// DeleteTool removes a tool and returns the deleted row, or nil if none matched.
func (s *sqlToolStore) DeleteTool(ctx context.Context, tenantID, id string) (*Tool, error) {
	return s.one("DeleteTool", s.db.QueryRowContext(ctx, `
		DELETE FROM tool_registry
		WHERE tenant_id = $1 AND id = $2
		RETURNING `+toolColumns, tenantID, id))
}

// IncrementInvocations adds one to total_invocations in a single statement so
// concurrent evaluations never lose an update. A tool deleted in the meantime
// is a no-op.
func (s *sqlToolStore) IncrementInvocations(ctx context.Context, tenantID, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tool_registry
		SET total_invocations = total_invocations + 1
		WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("IncrementInvocations: %w", err)
	}
	return nil
}
