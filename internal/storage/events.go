package storage

import "time"

// EventWriter is the interface for mirroring audit events to the analytics store.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *AuditEvent)
	Close()
}

// AuditEvent is the analytics copy of one audit_log row.
// Field tags name the audit_events columns.
type AuditEvent struct {
	RecordID        string    `ch:"record_id"`
	TenantID        string    `ch:"tenant_id"`
	Timestamp       time.Time `ch:"timestamp"`
	Kind            string    `ch:"kind"` // "decision" or "warning"
	AgentID         string    `ch:"agent_id"`
	AgentIdentifier string    `ch:"agent_identifier"`
	ToolName        string    `ch:"tool_name"`
	Action          string    `ch:"action"`
	Outcome         string    `ch:"outcome"`
	Check           string    `ch:"check_name"`
	RiskFlag        string    `ch:"risk_flag"`
	HumanApproval   string    `ch:"human_approval"`
	PayloadPreview  string    `ch:"payload_preview"`
	LatencyMs       float32   `ch:"latency_ms"`
}

// PayloadPreviewLength is the max chars stored in payload_preview.
const PayloadPreviewLength = 500

// TruncatePayload returns the first N characters (runes) of a payload for
// preview storage. It never splits a multi-byte UTF-8 character.
func TruncatePayload(payload string, maxLen int) string {
	runes := []rune(payload)
	if len(runes) <= maxLen {
		return payload
	}
	return string(runes[:maxLen])
}
