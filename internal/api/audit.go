package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/triage-ai/agentguard/internal/audit"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

func (d *Dependencies) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page := queryInt(q.Get("page"), 1)
	if page < 1 {
		page = 1
	}
	pageSize := queryInt(q.Get("page_size"), defaultPageSize)
	if pageSize < 1 || pageSize > maxPageSize {
		pageSize = defaultPageSize
	}

	params := audit.ListParams{
		TenantID: r.PathValue("tenant_id"),
		Page:     page,
		PageSize: pageSize,
	}
	if v := q.Get("risk_flag"); v != "" {
		rf := audit.RiskFlag(v)
		if !rf.Valid() {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "risk_flag must be one of: none, low, medium, high, critical"})
			return
		}
		params.RiskFlag = &rf
	}
	if v := q.Get("tool"); v != "" {
		params.ToolName = &v
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "since must be an RFC 3339 timestamp"})
			return
		}
		params.Since = &since
	}

	records, total, err := d.Audit.List(r.Context(), params)
	if err != nil {
		d.Logger.Error("failed to list audit records", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list audit records"})
		return
	}

	resp := AuditListResp{
		Records:  make([]AuditRecordResp, 0, len(records)),
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}
	for _, rec := range records {
		resp.Records = append(resp.Records, recordToResp(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleGetAnalytics(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Analytics not available (ClickHouse not configured)"})
		return
	}
	days := queryInt(r.URL.Query().Get("days"), 7)

	result, err := d.Reader.GetAnalytics(r.Context(), r.PathValue("tenant_id"), days)
	if err != nil {
		d.Logger.Error("failed to get analytics", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get analytics"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func recordToResp(rec *audit.Record) AuditRecordResp {
	payload := rec.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return AuditRecordResp{
		ID:              rec.ID,
		TenantID:        rec.TenantID,
		AgentID:         rec.AgentID,
		AgentIdentifier: rec.AgentIdentifier,
		ToolUsed:        rec.ToolUsed,
		Action:          rec.Action,
		RiskFlag:        string(rec.RiskFlag),
		HumanApproval:   string(rec.HumanApproval),
		Kind:            string(rec.Kind),
		Payload:         payload,
		CreatedAt:       rec.CreatedAt,
	}
}
