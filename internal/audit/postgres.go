package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PostgresStore persists the audit trail in the audit_log table.
// The table itself rejects UPDATE and DELETE through a trigger.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgresStore backed by the given pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append inserts a record; id and created_at come from column defaults.
func (s *PostgresStore) Append(ctx context.Context, e Entry) (*Record, error) {
	if e.Kind == "" {
		e.Kind = KindDecision
	}
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("Append: %w", err)
	}

	rec := &Record{Entry: e}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO audit_log (tenant_id, agent_id, agent_identifier, tool_used,
		                       action, risk_flag, human_approval, kind, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`,
		e.TenantID, e.AgentID, e.AgentIdentifier, e.ToolUsed,
		e.Action, string(e.RiskFlag), string(e.HumanApproval), string(e.Kind), raw,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("Append: %w", err)
	}
	rec.Payload = payload
	return rec, nil
}

// Count implements Sink.
func (s *PostgresStore) Count(ctx context.Context, tenantID string, since time.Time, toolName string) (int, error) {
	var tool *string
	if toolName != "" {
		tool = &toolName
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM audit_log
		WHERE tenant_id = $1 AND created_at >= $2 AND kind = 'decision'
		  AND ($3::text IS NULL OR tool_used = $3)`,
		tenantID, since, tool,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("Count: %w", err)
	}
	return n, nil
}

// List returns a page of records for the tenant, newest first, with the total count.
func (s *PostgresStore) List(ctx context.Context, params ListParams) ([]*Record, int, error) {
	conditions := []string{"tenant_id = $1"}
	args := []any{params.TenantID}

	if params.RiskFlag != nil {
		args = append(args, string(*params.RiskFlag))
		conditions = append(conditions, fmt.Sprintf("risk_flag = $%d", len(args)))
	}
	if params.ToolName != nil {
		args = append(args, *params.ToolName)
		conditions = append(conditions, fmt.Sprintf("tool_used = $%d", len(args)))
	}
	if params.Since != nil {
		args = append(args, *params.Since)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT count(*) FROM audit_log WHERE "+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("List count: %w", err)
	}

	offset := (params.Page - 1) * params.PageSize
	args = append(args, params.PageSize, offset)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, tenant_id, agent_id, agent_identifier, tool_used, action,
		       risk_flag, human_approval, kind, payload, created_at
		FROM audit_log WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("List query: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var (
			r   Record
			raw []byte
		)
		if err := rows.Scan(&r.ID, &r.TenantID, &r.AgentID, &r.AgentIdentifier, &r.ToolUsed,
			&r.Action, &r.RiskFlag, &r.HumanApproval, &r.Kind, &raw, &r.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("List scan: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &r.Payload); err != nil {
				return nil, 0, fmt.Errorf("List payload: %w", err)
			}
		}
		records = append(records, &r)
	}
	return records, total, rows.Err()
}
