package gateway

import (
	"context"
	"time"

	"github.com/triage-ai/agentguard/internal/audit"
	"github.com/triage-ai/agentguard/internal/controls"
	"github.com/triage-ai/agentguard/internal/registry"
	"github.com/triage-ai/agentguard/internal/threat"
)

// Check names, as reported in decisions, metrics and audit payloads.
const (
	CheckControls     = "controls"
	CheckKillSwitch   = "kill_switch"
	CheckAgentKill    = "agent_kill_switch"
	CheckBattery      = "ai_battery"
	CheckThrottle     = "global_throttle"
	CheckTool         = "tool"
	CheckInjection    = "injection"
	CheckExfiltration = "exfiltration"
	CheckAudit        = "audit"
)

const previewLength = 200

// evaluation carries per-call state between checks.
type evaluation struct {
	req      *Request
	controls []*controls.Control // engaged controls, loaded once
	tool     *registry.Tool
	text     string
	start    time.Time
}

// denial ends the evaluation. A nil denial means continue.
type denial struct {
	outcome Outcome
	risk    audit.RiskFlag
	reason  string
	payload map[string]any
}

type check struct {
	name string
	run  func(ctx context.Context, ev *evaluation) (*denial, error)
}

// checks returns the evaluation pipeline. Order matters: first denial wins.
func (g *Gateway) checks() []check {
	return []check{
		{CheckKillSwitch, g.checkTenantKillSwitch},
		{CheckAgentKill, g.checkAgentKillSwitch},
		{CheckBattery, g.checkBattery},
		{CheckThrottle, g.checkThrottle},
		{CheckTool, g.checkTool},
		{CheckInjection, g.checkInjection},
		{CheckExfiltration, g.checkExfiltration},
	}
}

func (g *Gateway) checkTenantKillSwitch(_ context.Context, ev *evaluation) (*denial, error) {
	for _, c := range ev.controls {
		if c.Type == controls.TypeKillSwitch && c.TenantWide() {
			return &denial{
				outcome: OutcomePolicyDenied,
				risk:    audit.RiskCritical,
				reason:  "BLOCKED: global kill switch - " + ev.req.Action,
				payload: map[string]any{"control_id": c.ID},
			}, nil
		}
	}
	return nil, nil
}

func (g *Gateway) checkAgentKillSwitch(_ context.Context, ev *evaluation) (*denial, error) {
	if ev.req.AgentID == "" {
		return nil, nil
	}
	for _, c := range ev.controls {
		if c.Type == controls.TypeKillSwitch && c.Targets(ev.req.AgentID) {
			return &denial{
				outcome: OutcomePolicyDenied,
				risk:    audit.RiskHigh,
				reason:  "BLOCKED: agent kill switch - " + ev.req.Action,
				payload: map[string]any{"control_id": c.ID},
			}, nil
		}
	}
	return nil, nil
}

func (g *Gateway) checkBattery(_ context.Context, ev *evaluation) (*denial, error) {
	for _, c := range ev.controls {
		if c.Type != controls.TypeAIBattery {
			continue
		}
		// An engaged battery that cannot be read might be depleted.
		b, err := c.Battery()
		if err != nil {
			return nil, err
		}
		if b.Depleted() {
			return &denial{
				outcome: OutcomePolicyDenied,
				risk:    audit.RiskHigh,
				reason:  "BLOCKED: AI battery depleted - " + ev.req.Action,
				payload: map[string]any{
					"control_id":   c.ID,
					"max_credits":  b.MaxCredits,
					"used_credits": b.UsedCredits,
				},
			}, nil
		}
	}
	return nil, nil
}

func (g *Gateway) checkThrottle(ctx context.Context, ev *evaluation) (*denial, error) {
	// Several engaged throttles: the strictest wins.
	limit := -1
	for _, c := range ev.controls {
		if c.Type != controls.TypeGlobalThrottle {
			continue
		}
		th, err := c.Throttle()
		if err != nil {
			return nil, err
		}
		if th.MaxRPM != nil && (limit < 0 || *th.MaxRPM < limit) {
			limit = *th.MaxRPM
		}
	}
	if limit < 0 {
		return nil, nil
	}

	count, err := g.count(ctx, ev, "")
	if err != nil {
		return nil, err
	}
	if count >= limit {
		return &denial{
			outcome: OutcomeRateLimited,
			risk:    audit.RiskMedium,
			reason:  "THROTTLED: " + ev.req.Action,
			payload: map[string]any{"max_rpm": limit, "count": count},
		}, nil
	}
	return nil, nil
}

func (g *Gateway) checkTool(ctx context.Context, ev *evaluation) (*denial, error) {
	req := ev.req
	if req.ToolName == "" {
		return nil, nil
	}

	var tool *registry.Tool
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		tool, err = g.tools.Find(ctx, req.TenantID, req.ToolName)
		return err
	})
	if err != nil {
		return nil, err
	}
	if tool == nil {
		// Unregistered tools are not governed by the registry.
		return nil, nil
	}
	ev.tool = tool

	if !tool.IsActive {
		return &denial{
			outcome: OutcomePolicyDenied,
			risk:    audit.RiskMedium,
			reason:  "BLOCKED: tool disabled - " + req.Action,
			payload: map[string]any{"tool_id": tool.ID},
		}, nil
	}

	if !tool.IsVerified {
		if err := g.appendWarning(ctx, audit.Entry{
			TenantID:        req.TenantID,
			AgentID:         optional(req.AgentID),
			AgentIdentifier: optional(req.AgentIdentifier),
			ToolUsed:        optional(req.ToolName),
			Action:          "WARNING: unverified tool used - " + req.Action,
			RiskFlag:        audit.RiskHigh,
			HumanApproval:   audit.ApprovalPending,
			Kind:            audit.KindWarning,
			Payload:         map[string]any{"tool_id": tool.ID, "risk_level": string(tool.RiskLevel)},
		}); err != nil {
			return nil, err
		}
	}

	count, err := g.count(ctx, ev, req.ToolName)
	if err != nil {
		return nil, err
	}
	if count >= tool.MaxCallsPerMinute {
		return &denial{
			outcome: OutcomeRateLimited,
			risk:    audit.RiskMedium,
			reason:  "RATE LIMITED: " + req.ToolName,
			payload: map[string]any{
				"tool_id":              tool.ID,
				"max_calls_per_minute": tool.MaxCallsPerMinute,
				"count":                count,
			},
		}, nil
	}

	// Counted even if a later threat check denies. Not retried: a lost
	// acknowledgement would double-count.
	wctx, cancel := g.writeContext(ctx)
	defer cancel()
	if err := g.tools.IncrementInvocations(wctx, req.TenantID, tool.ID); err != nil {
		return nil, err
	}
	return nil, nil
}

func (g *Gateway) appendWarning(ctx context.Context, e audit.Entry) error {
	wctx, cancel := g.writeContext(ctx)
	defer cancel()
	_, err := g.audit.Append(wctx, e)
	return err
}

func (g *Gateway) checkInjection(_ context.Context, ev *evaluation) (*denial, error) {
	m := threat.DetectInjection(ev.text)
	if !m.Detected {
		return nil, nil
	}
	return &denial{
		outcome: OutcomePolicyDenied,
		risk:    audit.RiskCritical,
		reason:  "BLOCKED: prompt injection detected - pattern: " + m.Pattern,
		payload: map[string]any{
			"pattern":       m.Pattern,
			"input_preview": preview(ev.text, previewLength),
		},
	}, nil
}

func (g *Gateway) checkExfiltration(_ context.Context, ev *evaluation) (*denial, error) {
	if !threat.DetectExfiltration(ev.text) {
		return nil, nil
	}
	return &denial{
		outcome: OutcomePolicyDenied,
		risk:    audit.RiskCritical,
		reason:  "BLOCKED: data exfiltration attempt",
		payload: map[string]any{"input_preview": preview(ev.text, previewLength)},
	}, nil
}

// count returns the decision records in the trailing window, optionally for one tool.
func (g *Gateway) count(ctx context.Context, ev *evaluation, toolName string) (int, error) {
	since := g.now().Add(-g.window)
	var n int
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		n, err = g.audit.Count(ctx, ev.req.TenantID, since, toolName)
		return err
	})
	return n, err
}

// preview returns at most n runes of s.
func preview(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
