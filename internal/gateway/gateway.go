// Package gateway is the policy enforcement point every agent action passes
// through before it runs. It sequences the security checks, decides allow or
// deny, and writes exactly one terminal audit record per evaluation.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/triage-ai/agentguard/internal/audit"
	"github.com/triage-ai/agentguard/internal/controls"
	"github.com/triage-ai/agentguard/internal/metrics"
	"github.com/triage-ai/agentguard/internal/registry"
	"go.uber.org/zap"
)

// ControlLister returns the engaged emergency controls of a tenant.
type ControlLister interface {
	ListEngaged(ctx context.Context, tenantID string) ([]*controls.Control, error)
}

// ToolFinder resolves tools and bumps their invocation counters.
type ToolFinder interface {
	Find(ctx context.Context, tenantID, name string) (*registry.Tool, error)
	IncrementInvocations(ctx context.Context, tenantID, id string) error
}

// Executor runs idempotent store reads, typically with retries behind a
// circuit breaker.
type Executor interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
}

// Config wires the gateway's dependencies.
type Config struct {
	Controls ControlLister
	Tools    ToolFinder
	Audit    audit.Sink
	Executor Executor         // optional; reads run directly when nil
	Metrics  *metrics.Metrics // optional
	Logger   *zap.Logger
	Window   time.Duration    // counting window, default 60s
	Now      func() time.Time // default time.Now

	// WriteTimeout bounds each audit append and counter increment, which run
	// detached from the caller's cancellation. Default 5s.
	WriteTimeout time.Duration
}

// Gateway evaluates agent actions against tenant policy.
type Gateway struct {
	controls ControlLister
	tools    ToolFinder
	audit    audit.Sink
	exec     Executor
	metrics  *metrics.Metrics
	logger   *zap.Logger
	window   time.Duration
	now      func() time.Time
	writeTTL time.Duration
	pipeline []check
}

// New creates a Gateway.
func New(cfg Config) *Gateway {
	g := &Gateway{
		controls: cfg.Controls,
		tools:    cfg.Tools,
		audit:    cfg.Audit,
		exec:     cfg.Executor,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		window:   cfg.Window,
		now:      cfg.Now,
		writeTTL: cfg.WriteTimeout,
	}
	if g.metrics == nil {
		g.metrics = metrics.New(nil)
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	if g.window == 0 {
		g.window = 60 * time.Second
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.writeTTL == 0 {
		g.writeTTL = 5 * time.Second
	}
	g.pipeline = g.checks()
	return g
}

// Evaluate runs the checks in order and returns the decision.
//
// Denials are returned as decisions, not errors. The error is non-nil only
// for a *ValidationError (nothing audited) or a *DependencyError, in which
// case the returned decision is a denial: the gateway fails closed.
func (g *Gateway) Evaluate(ctx context.Context, req *Request) (*Decision, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ev := &evaluation{req: req, text: req.inputText(), start: g.now()}

	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		ev.controls, err = g.controls.ListEngaged(ctx, req.TenantID)
		return err
	})
	if err != nil {
		return g.failClosed(ctx, ev, CheckControls, err)
	}

	for _, c := range g.pipeline {
		d, err := c.run(ctx, ev)
		if err != nil {
			return g.failClosed(ctx, ev, c.name, err)
		}
		if d != nil {
			return g.recordDecision(ctx, ev, c.name, d)
		}
	}
	return g.recordDecision(ctx, ev, "", nil)
}

// recordDecision writes the terminal audit record. A nil denial records an allow.
func (g *Gateway) recordDecision(ctx context.Context, ev *evaluation, checkName string, d *denial) (*Decision, error) {
	req := ev.req
	dec := &Decision{Outcome: OutcomeAllow}

	entry := audit.Entry{
		TenantID:        req.TenantID,
		AgentID:         optional(req.AgentID),
		AgentIdentifier: optional(req.AgentIdentifier),
		ToolUsed:        optional(req.ToolName),
		Kind:            audit.KindDecision,
	}

	if d == nil {
		dec.Allowed = true
		dec.Reason = "ALLOWED: " + req.Action
		dec.RiskFlag = audit.RiskLow
		if req.ToolName != "" {
			dec.RiskFlag = audit.RiskNone
		}
		entry.Action = req.Action
		entry.HumanApproval = audit.ApprovalNotRequired
		entry.Payload = map[string]any{}
		if ev.tool != nil {
			entry.Payload["tool_id"] = ev.tool.ID
		}
	} else {
		dec.Reason = d.reason
		dec.Outcome = d.outcome
		dec.Check = checkName
		dec.RiskFlag = d.risk
		dec.Message = MessageBlocked
		if d.outcome == OutcomeRateLimited {
			dec.Message = MessageRateLimited
		}
		entry.Action = d.reason
		entry.HumanApproval = audit.ApprovalDenied
		entry.Payload = d.payload
		if entry.Payload == nil {
			entry.Payload = map[string]any{}
		}
		entry.Payload["check"] = checkName
	}
	entry.RiskFlag = dec.RiskFlag
	entry.Payload["outcome"] = string(dec.Outcome)
	entry.Payload["latency_ms"] = float64(g.now().Sub(ev.start).Microseconds()) / 1000

	// Appends are not retried: a lost acknowledgement would duplicate the record.
	wctx, cancel := g.writeContext(ctx)
	defer cancel()
	rec, err := g.audit.Append(wctx, entry)
	if err != nil {
		return g.failClosed(ctx, ev, CheckAudit, err)
	}
	dec.RecordID = rec.ID

	g.observe(ev, dec)
	return dec, nil
}

// failClosed denies the request after a store failure and still attempts a
// terminal audit record describing the failure.
func (g *Gateway) failClosed(ctx context.Context, ev *evaluation, checkName string, cause error) (*Decision, error) {
	req := ev.req
	g.logger.Error("policy dependency failed, denying",
		zap.String("tenant_id", req.TenantID),
		zap.String("check", checkName),
		zap.String("action", req.Action),
		zap.Error(cause),
	)
	g.metrics.DependencyErrors.WithLabelValues(checkName).Inc()

	dec := &Decision{
		Allowed:  false,
		Reason:   fmt.Sprintf("BLOCKED: policy dependency unavailable - %s", req.Action),
		Message:  MessageUnavailable,
		Outcome:  OutcomeDependencyError,
		Check:    checkName,
		RiskFlag: audit.RiskHigh,
	}

	wctx, cancel := g.writeContext(ctx)
	defer cancel()
	rec, err := g.audit.Append(wctx, audit.Entry{
		TenantID:        req.TenantID,
		AgentID:         optional(req.AgentID),
		AgentIdentifier: optional(req.AgentIdentifier),
		ToolUsed:        optional(req.ToolName),
		Action:          dec.Reason,
		RiskFlag:        dec.RiskFlag,
		HumanApproval:   audit.ApprovalDenied,
		Kind:            audit.KindDecision,
		Payload: map[string]any{
			"outcome": string(OutcomeDependencyError),
			"check":   checkName,
			"error":   cause.Error(),
		},
	})
	if err != nil {
		g.logger.Error("audit append failed for fail-closed decision",
			zap.String("tenant_id", req.TenantID),
			zap.Error(err),
		)
	} else {
		dec.RecordID = rec.ID
	}

	g.observe(ev, dec)
	return dec, &DependencyError{Check: checkName, Err: cause}
}

func (g *Gateway) observe(ev *evaluation, dec *Decision) {
	label := dec.Check
	if label == "" {
		label = "none"
	}
	g.metrics.Decisions.WithLabelValues(string(dec.Outcome), label).Inc()
	g.metrics.EvaluateDuration.WithLabelValues(string(dec.Outcome)).Observe(g.now().Sub(ev.start).Seconds())
}

// writeContext detaches a side-effect write from the caller's cancellation so
// a client that hangs up mid-evaluation still leaves its audit trail.
func (g *Gateway) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), g.writeTTL)
}

// call runs an idempotent read through the executor, if any.
func (g *Gateway) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if g.exec == nil {
		return fn(ctx)
	}
	return g.exec.Execute(ctx, fn)
}
