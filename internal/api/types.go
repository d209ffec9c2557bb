package api

import (
	"encoding/json"
	"time"

	"github.com/triage-ai/agentguard/internal/gateway"
)

// ErrorResp is the body of every non-2xx response.
type ErrorResp struct {
	Detail string `json:"detail"`
}

// --- POST /v1/evaluate ---

// EvaluateReq is the JSON body for POST /v1/evaluate.
type EvaluateReq struct {
	TenantID        string            `json:"tenant_id"`
	AgentID         string            `json:"agent_id,omitempty"`
	AgentIdentifier string            `json:"agent_identifier,omitempty"`
	ToolName        string            `json:"tool_name,omitempty"`
	Action          string            `json:"action"`
	UserInput       string            `json:"user_input,omitempty"`
	Messages        []gateway.Message `json:"messages,omitempty"`
}

// EvaluateResp is returned for every decision, allowed or not.
type EvaluateResp struct {
	Allowed  bool    `json:"allowed"`
	Reason   *string `json:"reason,omitempty"`
	Message  *string `json:"message,omitempty"`
	RecordID *string `json:"record_id,omitempty"`
}

// --- Emergency controls ---

// CreateControlReq is the JSON body for POST .../controls.
type CreateControlReq struct {
	ControlType   string          `json:"control_type"`
	TargetAgentID *string         `json:"target_agent_id,omitempty"`
	IsEngaged     bool            `json:"is_engaged"`
	Config        json.RawMessage `json:"config,omitempty"`
	TriggeredBy   *string         `json:"triggered_by,omitempty"`
}

// SetEngagedReq is the optional body for engage/disengage.
type SetEngagedReq struct {
	TriggeredBy *string `json:"triggered_by,omitempty"`
}

// ControlResp is the JSON shape of an emergency control.
type ControlResp struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	ControlType   string          `json:"control_type"`
	TargetAgentID *string         `json:"target_agent_id"`
	IsEngaged     bool            `json:"is_engaged"`
	Config        json.RawMessage `json:"config"`
	TriggeredBy   *string         `json:"triggered_by"`
	TriggeredAt   *time.Time      `json:"triggered_at"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// --- Tool registry ---

// CreateToolReq is the JSON body for POST .../tools.
type CreateToolReq struct {
	Name              string   `json:"name"`
	Description       *string  `json:"description,omitempty"`
	RiskLevel         string   `json:"risk_level,omitempty"`
	MaxCallsPerMinute *int     `json:"max_calls_per_minute,omitempty"`
	IsActive          *bool    `json:"is_active,omitempty"`
	IsVerified        bool     `json:"is_verified"`
	DataScope         []string `json:"data_scope,omitempty"`
}

// UpdateToolReq is the JSON body for PATCH .../tools/{tool_id}.
type UpdateToolReq struct {
	Name              *string   `json:"name,omitempty"`
	Description       *string   `json:"description,omitempty"`
	RiskLevel         *string   `json:"risk_level,omitempty"`
	MaxCallsPerMinute *int      `json:"max_calls_per_minute,omitempty"`
	IsActive          *bool     `json:"is_active,omitempty"`
	IsVerified        *bool     `json:"is_verified,omitempty"`
	DataScope         *[]string `json:"data_scope,omitempty"`
}

// ToolResp is the JSON shape of a registered tool.
type ToolResp struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenant_id"`
	Name              string    `json:"name"`
	Description       *string   `json:"description"`
	RiskLevel         string    `json:"risk_level"`
	MaxCallsPerMinute int       `json:"max_calls_per_minute"`
	IsActive          bool      `json:"is_active"`
	IsVerified        bool      `json:"is_verified"`
	TotalInvocations  int64     `json:"total_invocations"`
	DataScope         []string  `json:"data_scope"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// --- Audit ---

// AuditRecordResp is the JSON shape of an audit_log row.
type AuditRecordResp struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	AgentID         *string        `json:"agent_id"`
	AgentIdentifier *string        `json:"agent_identifier"`
	ToolUsed        *string        `json:"tool_used"`
	Action          string         `json:"action"`
	RiskFlag        string         `json:"risk_flag"`
	HumanApproval   string         `json:"human_approval"`
	Kind            string         `json:"kind"`
	Payload         map[string]any `json:"payload"`
	CreatedAt       time.Time      `json:"created_at"`
}

// AuditListResp is a page of audit records.
type AuditListResp struct {
	Records  []AuditRecordResp `json:"records"`
	Total    int               `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
}

// --- Service keys ---

// CreateServiceKeyReq is the JSON body for POST .../service-keys.
type CreateServiceKeyReq struct {
	Name string `json:"name"`
}

// ServiceKeyResp describes a key without its secret.
type ServiceKeyResp struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	Name      string     `json:"name"`
	KeyPrefix string     `json:"key_prefix"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at"`
}

// CreateServiceKeyResp includes the plaintext key (shown once).
type CreateServiceKeyResp struct {
	ServiceKeyResp
	APIKey string `json:"api_key"`
}
