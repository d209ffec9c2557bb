package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/triage-ai/agentguard/internal/storage"
)

// MirroredSink appends to the system of record and then copies each stored
// record to an analytics EventWriter. The mirror never blocks or fails an append.
type MirroredSink struct {
	primary Sink
	mirror  storage.EventWriter
}

// NewMirroredSink wraps primary so every stored record is also sent to mirror.
func NewMirroredSink(primary Sink, mirror storage.EventWriter) *MirroredSink {
	return &MirroredSink{primary: primary, mirror: mirror}
}

// Append implements Sink.
func (m *MirroredSink) Append(ctx context.Context, e Entry) (*Record, error) {
	rec, err := m.primary.Append(ctx, e)
	if err != nil {
		return nil, err
	}
	m.mirror.Write(ToEvent(rec))
	return rec, nil
}

// Count implements Sink. Counting always hits the system of record.
func (m *MirroredSink) Count(ctx context.Context, tenantID string, since time.Time, toolName string) (int, error) {
	return m.primary.Count(ctx, tenantID, since, toolName)
}

// ToEvent flattens a record into its analytics shape. Well-known payload keys
// (outcome, check, latency_ms) are lifted into columns.
func ToEvent(r *Record) *storage.AuditEvent {
	ev := &storage.AuditEvent{
		RecordID:        r.ID,
		TenantID:        r.TenantID,
		Timestamp:       r.CreatedAt,
		Kind:            string(r.Kind),
		AgentID:         deref(r.AgentID),
		AgentIdentifier: deref(r.AgentIdentifier),
		ToolName:        deref(r.ToolUsed),
		Action:          r.Action,
		RiskFlag:        string(r.RiskFlag),
		HumanApproval:   string(r.HumanApproval),
	}
	if v, ok := r.Payload["outcome"].(string); ok {
		ev.Outcome = v
	}
	if v, ok := r.Payload["check"].(string); ok {
		ev.Check = v
	}
	if v, ok := r.Payload["latency_ms"].(float64); ok {
		ev.LatencyMs = float32(v)
	}
	if len(r.Payload) > 0 {
		if raw, err := json.Marshal(r.Payload); err == nil {
			ev.PayloadPreview = storage.TruncatePayload(string(raw), storage.PayloadPreviewLength)
		}
	}
	return ev
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
