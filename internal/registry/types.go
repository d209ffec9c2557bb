package registry

import "time"

// RiskLevel is the operator-assigned danger rating of a tool.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Valid reports whether r is a known risk level.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// Tool represents a tool registered for a tenant.
// Loaded from the tool_registry table.
type Tool struct {
	ID                string
	TenantID          string
	Name              string
	Description       *string
	RiskLevel         RiskLevel
	MaxCallsPerMinute int
	IsActive          bool
	IsVerified        bool
	TotalInvocations  int64
	DataScope         []string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// CreateParams holds the fields for registering a tool.
type CreateParams struct {
	TenantID          string
	Name              string
	Description       *string
	RiskLevel         RiskLevel
	MaxCallsPerMinute int
	IsActive          bool
	IsVerified        bool
	DataScope         []string
}

// UpdateParams holds optional fields for partial tool updates.
type UpdateParams struct {
	Name              *string
	Description       *string
	RiskLevel         *RiskLevel
	MaxCallsPerMinute *int
	IsActive          *bool
	IsVerified        *bool
	DataScope         *[]string
}
