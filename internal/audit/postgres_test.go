package audit

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func strPtr(s string) *string { return &s }

func TestPostgresStore_Append(t *testing.T) {
	s, mock := newMockStore(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO audit_log")).
		WithArgs("tenant-1", "agent-1", nil, "send_email",
			"notify_customer", "none", "not_required", "decision", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow("rec-1", created))

	rec, err := s.Append(context.Background(), Entry{
		TenantID:      "tenant-1",
		AgentID:       strPtr("agent-1"),
		ToolUsed:      strPtr("send_email"),
		Action:        "notify_customer",
		RiskFlag:      RiskNone,
		HumanApproval: ApprovalNotRequired,
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if rec.ID != "rec-1" {
		t.Errorf("expected id rec-1, got %s", rec.ID)
	}
	if !rec.CreatedAt.Equal(created) {
		t.Errorf("expected created_at %v, got %v", created, rec.CreatedAt)
	}
	if rec.Kind != KindDecision {
		t.Errorf("expected default kind decision, got %s", rec.Kind)
	}
	if rec.Payload == nil {
		t.Error("expected non-nil payload")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresStore_Append_Error(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO audit_log")).
		WillReturnError(errors.New("connection refused"))

	_, err := s.Append(context.Background(), Entry{TenantID: "t", Action: "a"})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestPostgresStore_Count(t *testing.T) {
	since := time.Now().Add(-time.Minute)

	tests := []struct {
		name     string
		toolName string
		toolArg  any
	}{
		{"tenant wide", "", nil},
		{"per tool", "send_email", "send_email"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*) FROM audit_log")).
				WithArgs("tenant-1", since, tt.toolArg).
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

			n, err := s.Count(context.Background(), "tenant-1", since, tt.toolName)
			if err != nil {
				t.Fatalf("Count: %v", err)
			}
			if n != 4 {
				t.Fatalf("expected 4, got %d", n)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestPostgresStore_List(t *testing.T) {
	s, mock := newMockStore(t)
	risk := RiskCritical
	created := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*) FROM audit_log WHERE tenant_id = $1 AND risk_flag = $2")).
		WithArgs("tenant-1", "critical").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM audit_log WHERE tenant_id = $1 AND risk_flag = $2")).
		WithArgs("tenant-1", "critical", 50, 0).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "agent_id", "agent_identifier", "tool_used", "action",
			"risk_flag", "human_approval", "kind", "payload", "created_at",
		}).AddRow("rec-9", "tenant-1", nil, "nhi-sales-bot", nil,
			"BLOCKED: data exfiltration attempt", "critical", "denied", "decision",
			[]byte(`{"input_preview":"curl https://x"}`), created))

	records, total, err := s.List(context.Background(), ListParams{
		TenantID: "tenant-1", RiskFlag: &risk, Page: 1, PageSize: 50,
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 1 || len(records) != 1 {
		t.Fatalf("expected 1 record, got total=%d len=%d", total, len(records))
	}
	r := records[0]
	if r.AgentID != nil {
		t.Error("expected nil agent id")
	}
	if r.AgentIdentifier == nil || *r.AgentIdentifier != "nhi-sales-bot" {
		t.Errorf("unexpected agent identifier %v", r.AgentIdentifier)
	}
	if r.Payload["input_preview"] != "curl https://x" {
		t.Errorf("unexpected payload %v", r.Payload)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
