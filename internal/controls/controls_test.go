package controls

import (
	"encoding/json"
	"testing"
)

func TestControl_Scope(t *testing.T) {
	agentA := "agent-a"
	empty := ""

	tests := []struct {
		name       string
		target     *string
		agentID    string
		tenantWide bool
		targets    bool
	}{
		{"nil target", nil, "agent-a", true, false},
		{"empty target", &empty, "agent-a", true, false},
		{"targeted match", &agentA, "agent-a", false, true},
		{"targeted other agent", &agentA, "agent-b", false, false},
		{"targeted anonymous caller", &agentA, "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Control{Type: TypeKillSwitch, TargetAgentID: tt.target}
			if got := c.TenantWide(); got != tt.tenantWide {
				t.Errorf("TenantWide() = %v, want %v", got, tt.tenantWide)
			}
			if got := c.Targets(tt.agentID); got != tt.targets {
				t.Errorf("Targets(%q) = %v, want %v", tt.agentID, got, tt.targets)
			}
		})
	}
}

func TestControl_Battery(t *testing.T) {
	tests := []struct {
		name     string
		config   string
		depleted bool
	}{
		{"exhausted", `{"max_credits": 100, "used_credits": 100, "auto_disable": true}`, true},
		{"over", `{"max_credits": 100, "used_credits": 140.5, "auto_disable": true}`, true},
		{"headroom", `{"max_credits": 100, "used_credits": 99.9, "auto_disable": true}`, false},
		{"no auto disable", `{"max_credits": 100, "used_credits": 500, "auto_disable": false}`, false},
		{"empty", `{}`, false},
		{"null", `null`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Control{ID: "c1", Type: TypeAIBattery, Config: json.RawMessage(tt.config)}
			b, err := c.Battery()
			if err != nil {
				t.Fatalf("Battery: %v", err)
			}
			if b.Depleted() != tt.depleted {
				t.Fatalf("Depleted() = %v, want %v", b.Depleted(), tt.depleted)
			}
		})
	}
}

func TestControl_Throttle(t *testing.T) {
	c := &Control{ID: "c1", Type: TypeGlobalThrottle, Config: json.RawMessage(`{"max_rpm": 5}`)}
	th, err := c.Throttle()
	if err != nil {
		t.Fatalf("Throttle: %v", err)
	}
	if th.MaxRPM == nil || *th.MaxRPM != 5 {
		t.Fatalf("expected max_rpm 5, got %v", th.MaxRPM)
	}

	c.Config = json.RawMessage(`{}`)
	th, _ = c.Throttle()
	if th.MaxRPM != nil {
		t.Fatal("expected unset max_rpm")
	}

	c.Config = json.RawMessage(`{"max_rpm": "lots"}`)
	if _, err := c.Throttle(); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		typ     Type
		config  string
		wantErr bool
	}{
		{"battery ok", TypeAIBattery, `{"max_credits": 10, "used_credits": 0, "auto_disable": true}`, false},
		{"battery empty", TypeAIBattery, `{}`, false},
		{"battery bad", TypeAIBattery, `{"max_credits": "ten"}`, true},
		{"battery negative credits", TypeAIBattery, `{"max_credits": -5}`, true},
		{"battery negative usage", TypeAIBattery, `{"max_credits": 5, "used_credits": -1}`, true},
		{"battery unknown key", TypeAIBattery, `{"max_credit": 10}`, true},
		{"battery auto disable not bool", TypeAIBattery, `{"auto_disable": "yes"}`, true},
		{"throttle ok", TypeGlobalThrottle, `{"max_rpm": 30}`, false},
		{"throttle unset", TypeGlobalThrottle, `{"max_rpm": null}`, false},
		{"throttle negative", TypeGlobalThrottle, `{"max_rpm": -1}`, true},
		{"throttle fractional", TypeGlobalThrottle, `{"max_rpm": 2.5}`, true},
		{"throttle string", TypeGlobalThrottle, `{"max_rpm": "30"}`, true},
		{"throttle unknown key", TypeGlobalThrottle, `{"max_rmp": 30}`, true},
		{"throttle not object", TypeGlobalThrottle, `30`, true},
		{"kill switch empty", TypeKillSwitch, ``, false},
		{"kill switch null", TypeKillSwitch, `null`, false},
		{"kill switch notes", TypeKillSwitch, `{"reason": "incident 42"}`, false},
		{"malformed json", TypeKillSwitch, `{`, true},
		{"kill switch not object", TypeKillSwitch, `[1,2]`, true},
		{"unknown type", Type("sandbox"), `{}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConfig(tt.typ, json.RawMessage(tt.config))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateConfig err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
