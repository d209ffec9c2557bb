package gateway

import (
	"strings"

	"github.com/triage-ai/agentguard/internal/audit"
)

// Message is one turn of a conversation submitted for evaluation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request asks whether an agent may perform an action. Empty optional fields
// are treated as absent.
type Request struct {
	TenantID        string
	AgentID         string
	AgentIdentifier string // human-readable external name of the agent
	ToolName        string
	Action          string
	UserInput       string
	Messages        []Message // scanned when UserInput is empty
}

// Validate reports the first missing required field.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.TenantID) == "" {
		return &ValidationError{Field: "tenant_id", Reason: "is required"}
	}
	if strings.TrimSpace(r.Action) == "" {
		return &ValidationError{Field: "action", Reason: "is required"}
	}
	return nil
}

// inputText is the text the threat detectors scan.
func (r *Request) inputText() string {
	if r.UserInput != "" {
		return r.UserInput
	}
	if len(r.Messages) == 0 {
		return ""
	}
	parts := make([]string, len(r.Messages))
	for i, m := range r.Messages {
		parts[i] = m.Content
	}
	return strings.Join(parts, "\n")
}

// Outcome classifies a decision for the transport layer.
type Outcome string

const (
	OutcomeAllow           Outcome = "allow"
	OutcomePolicyDenied    Outcome = "policy_denied"
	OutcomeRateLimited     Outcome = "rate_limited"
	OutcomeDependencyError Outcome = "dependency_error"
)

// User-facing messages. The precise reason stays in the audit trail.
const (
	MessageBlocked     = "This action was blocked by security policy."
	MessageRateLimited = "Too many requests, please try again shortly."
	MessageUnavailable = "The security service is temporarily unavailable."
)

// Decision is the gateway's verdict on a Request.
type Decision struct {
	Allowed  bool
	Reason   string // precise reason, as written to the audit record
	Message  string // safe to show to end users; empty when allowed
	Outcome  Outcome
	Check    string // check that decided a denial; empty when allowed
	RiskFlag audit.RiskFlag
	RecordID string // terminal audit record, empty if it could not be written
}
