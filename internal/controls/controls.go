// Package controls is the registry of per-tenant emergency controls: kill
// switches, the global throttle and the AI battery.
package controls

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies what an emergency control governs.
type Type string

const (
	TypeKillSwitch     Type = "kill_switch"
	TypeGlobalThrottle Type = "global_throttle"
	TypeAIBattery      Type = "ai_battery"
)

// Valid reports whether t is a known control type.
func (t Type) Valid() bool {
	switch t {
	case TypeKillSwitch, TypeGlobalThrottle, TypeAIBattery:
		return true
	}
	return false
}

// Control represents a row in the emergency_controls table.
type Control struct {
	ID            string
	TenantID      string
	Type          Type
	TargetAgentID *string // nil = tenant-wide
	IsEngaged     bool
	Config        json.RawMessage // JSONB
	TriggeredBy   *string
	TriggeredAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TenantWide reports whether the control applies to every agent of the tenant.
func (c *Control) TenantWide() bool {
	return c.TargetAgentID == nil || *c.TargetAgentID == ""
}

// Targets reports whether the control is aimed at the given agent.
func (c *Control) Targets(agentID string) bool {
	return !c.TenantWide() && agentID != "" && *c.TargetAgentID == agentID
}

// BatteryConfig is the config of an ai_battery control.
type BatteryConfig struct {
	MaxCredits  float64 `json:"max_credits"`
	UsedCredits float64 `json:"used_credits"`
	AutoDisable bool    `json:"auto_disable"`
}

// Depleted reports whether the battery should veto agent actions.
func (b BatteryConfig) Depleted() bool {
	return b.AutoDisable && b.UsedCredits >= b.MaxCredits
}

// ThrottleConfig is the config of a global_throttle control.
type ThrottleConfig struct {
	MaxRPM *int `json:"max_rpm"` // nil = not set
}

// Battery decodes the control's config as a BatteryConfig.
func (c *Control) Battery() (BatteryConfig, error) {
	var b BatteryConfig
	if err := decodeConfig(c.Config, &b); err != nil {
		return BatteryConfig{}, fmt.Errorf("control %s: %w", c.ID, err)
	}
	return b, nil
}

// Throttle decodes the control's config as a ThrottleConfig.
func (c *Control) Throttle() (ThrottleConfig, error) {
	var th ThrottleConfig
	if err := decodeConfig(c.Config, &th); err != nil {
		return ThrottleConfig{}, fmt.Errorf("control %s: %w", c.ID, err)
	}
	return th, nil
}

func decodeConfig(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
