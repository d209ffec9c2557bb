// Package audit is the append-only trail of policy decisions.
package audit

import (
	"context"
	"time"
)

// RiskFlag grades how dangerous the audited action was judged to be.
type RiskFlag string

const (
	RiskNone     RiskFlag = "none"
	RiskLow      RiskFlag = "low"
	RiskMedium   RiskFlag = "medium"
	RiskHigh     RiskFlag = "high"
	RiskCritical RiskFlag = "critical"
)

// Valid reports whether f is a known risk flag.
func (f RiskFlag) Valid() bool {
	switch f {
	case RiskNone, RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// Approval records whether a human needs to, or did, sign off on the action.
type Approval string

const (
	ApprovalApproved    Approval = "approved"
	ApprovalDenied      Approval = "denied"
	ApprovalPending     Approval = "pending"
	ApprovalNotRequired Approval = "not_required"
)

// Kind separates terminal decisions from the advisory records written along
// the way. Only decisions are counted by the throttle and rate checks.
type Kind string

const (
	KindDecision Kind = "decision"
	KindWarning  Kind = "warning"
)

// Entry is a record before the store assigns its identity.
type Entry struct {
	TenantID        string
	AgentID         *string
	AgentIdentifier *string
	ToolUsed        *string
	Action          string
	RiskFlag        RiskFlag
	HumanApproval   Approval
	Kind            Kind
	Payload         map[string]any
}

// Record is a persisted audit_log row.
type Record struct {
	ID string
	Entry
	CreatedAt time.Time
}

// Sink is the write side of the audit trail. It deliberately has no way to
// change or remove a record once appended.
type Sink interface {
	// Append stores e and returns it with the server-assigned id and timestamp.
	Append(ctx context.Context, e Entry) (*Record, error)

	// Count returns the number of decision records for the tenant created at or
	// after since. A non-empty toolName narrows the count to that tool.
	Count(ctx context.Context, tenantID string, since time.Time, toolName string) (int, error)
}

// ListParams holds filters and pagination for the read-only audit viewer.
type ListParams struct {
	TenantID string
	RiskFlag *RiskFlag
	ToolName *string
	Since    *time.Time
	Page     int
	PageSize int
}
