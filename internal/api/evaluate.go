package api

import (
	"errors"
	"net/http"

	"github.com/triage-ai/agentguard/internal/gateway"
	"go.uber.org/zap"
)

func (d *Dependencies) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateReq
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	// A service key is bound to one tenant.
	if p := principalFromContext(r.Context()); p != nil {
		if req.TenantID == "" {
			req.TenantID = p.TenantID
		} else if req.TenantID != p.TenantID {
			writeJSON(w, http.StatusForbidden, ErrorResp{Detail: "API key is not valid for this tenant"})
			return
		}
	}

	dec, err := d.Gateway.Evaluate(r.Context(), &gateway.Request{
		TenantID:        req.TenantID,
		AgentID:         req.AgentID,
		AgentIdentifier: req.AgentIdentifier,
		ToolName:        req.ToolName,
		Action:          req.Action,
		UserInput:       req.UserInput,
		Messages:        req.Messages,
	})

	var verr *gateway.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: verr.Error()})
		return
	}
	if err != nil {
		// Already logged by the gateway; dec is a fail-closed denial.
		d.Logger.Debug("evaluate dependency error", zap.Error(err))
	}
	if dec == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: gateway.MessageUnavailable})
		return
	}

	writeJSON(w, decisionStatus(dec.Outcome), decisionToResp(dec))
}

// decisionStatus maps a decision outcome onto an HTTP status.
func decisionStatus(o gateway.Outcome) int {
	switch o {
	case gateway.OutcomeAllow:
		return http.StatusOK
	case gateway.OutcomeRateLimited:
		return http.StatusTooManyRequests
	case gateway.OutcomeDependencyError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusForbidden
	}
}

func decisionToResp(dec *gateway.Decision) EvaluateResp {
	resp := EvaluateResp{Allowed: dec.Allowed}
	if dec.RecordID != "" {
		resp.RecordID = &dec.RecordID
	}
	if !dec.Allowed {
		resp.Reason = &dec.Reason
		resp.Message = &dec.Message
	}
	return resp
}
