package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/triage-ai/agentguard/internal/registry"
	"go.uber.org/zap"
)

const defaultMaxCallsPerMinute = 60

func (d *Dependencies) handleListTools(w http.ResponseWriter, r *http.Request) {
	tools, err := d.Tools.List(r.Context(), r.PathValue("tenant_id"))
	if err != nil {
		d.Logger.Error("failed to list tools", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list tools"})
		return
	}
	resp := make([]ToolResp, 0, len(tools))
	for _, t := range tools {
		resp = append(resp, toolToResp(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleCreateTool(w http.ResponseWriter, r *http.Request) {
	var req CreateToolReq
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "name is required"})
		return
	}

	p := registry.CreateParams{
		TenantID:          r.PathValue("tenant_id"),
		Name:              req.Name,
		Description:       req.Description,
		RiskLevel:         registry.RiskMedium,
		MaxCallsPerMinute: defaultMaxCallsPerMinute,
		IsActive:          true,
		IsVerified:        req.IsVerified,
		DataScope:         req.DataScope,
	}
	if req.RiskLevel != "" {
		p.RiskLevel = registry.RiskLevel(req.RiskLevel)
	}
	if req.MaxCallsPerMinute != nil {
		p.MaxCallsPerMinute = *req.MaxCallsPerMinute
	}
	if req.IsActive != nil {
		p.IsActive = *req.IsActive
	}
	if detail := validateTool(p.RiskLevel, p.MaxCallsPerMinute, p.DataScope); detail != "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: detail})
		return
	}

	t, err := d.Tools.Create(r.Context(), p)
	if isUniqueViolation(err) {
		writeJSON(w, http.StatusConflict, ErrorResp{Detail: "A tool with this name is already registered."})
		return
	}
	if err != nil {
		d.Logger.Error("failed to create tool", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to create tool"})
		return
	}
	writeJSON(w, http.StatusCreated, toolToResp(t))
}

func (d *Dependencies) handleGetTool(w http.ResponseWriter, r *http.Request) {
	t, err := d.Tools.Get(r.Context(), r.PathValue("tenant_id"), r.PathValue("tool_id"))
	if err != nil {
		d.Logger.Error("failed to get tool", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get tool"})
		return
	}
	if t == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Tool not found."})
		return
	}
	writeJSON(w, http.StatusOK, toolToResp(t))
}

func (d *Dependencies) handleUpdateTool(w http.ResponseWriter, r *http.Request) {
	var req UpdateToolReq
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	params := registry.UpdateParams{
		Description:       req.Description,
		MaxCallsPerMinute: req.MaxCallsPerMinute,
		IsActive:          req.IsActive,
		IsVerified:        req.IsVerified,
		DataScope:         req.DataScope,
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "name must not be empty"})
			return
		}
		params.Name = &name
	}
	if req.RiskLevel != nil {
		risk := registry.RiskLevel(*req.RiskLevel)
		params.RiskLevel = &risk
	}
	if detail := validateToolUpdate(params); detail != "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: detail})
		return
	}

	t, err := d.Tools.Update(r.Context(), r.PathValue("tenant_id"), r.PathValue("tool_id"), params)
	if isUniqueViolation(err) {
		writeJSON(w, http.StatusConflict, ErrorResp{Detail: "A tool with this name is already registered."})
		return
	}
	if err != nil {
		d.Logger.Error("failed to update tool", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to update tool"})
		return
	}
	if t == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Tool not found."})
		return
	}
	writeJSON(w, http.StatusOK, toolToResp(t))
}

func (d *Dependencies) handleDeleteTool(w http.ResponseWriter, r *http.Request) {
	err := d.Tools.Delete(r.Context(), r.PathValue("tenant_id"), r.PathValue("tool_id"))
	if errors.Is(err, sql.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Tool not found."})
		return
	}
	if err != nil {
		d.Logger.Error("failed to delete tool", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to delete tool"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func validateTool(risk registry.RiskLevel, maxCalls int, scope []string) string {
	if !risk.Valid() {
		return "risk_level must be one of: low, medium, high, critical"
	}
	if maxCalls < 0 {
		return "max_calls_per_minute must not be negative"
	}
	if err := registry.ValidateDataScope(scope); err != nil {
		return err.Error()
	}
	return ""
}

func validateToolUpdate(p registry.UpdateParams) string {
	if p.RiskLevel != nil && !p.RiskLevel.Valid() {
		return "risk_level must be one of: low, medium, high, critical"
	}
	if p.MaxCallsPerMinute != nil && *p.MaxCallsPerMinute < 0 {
		return "max_calls_per_minute must not be negative"
	}
	if p.DataScope != nil {
		if err := registry.ValidateDataScope(*p.DataScope); err != nil {
			return err.Error()
		}
	}
	return ""
}

// isUniqueViolation reports a Postgres unique_violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func toolToResp(t *registry.Tool) ToolResp {
	scope := t.DataScope
	if scope == nil {
		scope = []string{}
	}
	return ToolResp{
		ID:                t.ID,
		TenantID:          t.TenantID,
		Name:              t.Name,
		Description:       t.Description,
		RiskLevel:         string(t.RiskLevel),
		MaxCallsPerMinute: t.MaxCallsPerMinute,
		IsActive:          t.IsActive,
		IsVerified:        t.IsVerified,
		TotalInvocations:  t.TotalInvocations,
		DataScope:         scope,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
}
