package api

import (
	"database/sql"
	"errors"
	"io"
	"net/http"

	"github.com/triage-ai/agentguard/internal/controls"
	"go.uber.org/zap"
)

func (d *Dependencies) handleListControls(w http.ResponseWriter, r *http.Request) {
	list, err := d.Controls.List(r.Context(), r.PathValue("tenant_id"))
	if err != nil {
		d.Logger.Error("failed to list controls", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list controls"})
		return
	}
	resp := make([]ControlResp, 0, len(list))
	for _, c := range list {
		resp = append(resp, controlToResp(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleCreateControl(w http.ResponseWriter, r *http.Request) {
	var req CreateControlReq
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	typ := controls.Type(req.ControlType)
	if !typ.Valid() {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "control_type must be one of: kill_switch, global_throttle, ai_battery"})
		return
	}
	if err := controls.ValidateConfig(typ, req.Config); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid config: " + err.Error()})
		return
	}
	if req.TargetAgentID != nil && *req.TargetAgentID == "" {
		req.TargetAgentID = nil
	}

	c, err := d.Controls.Create(r.Context(), controls.CreateParams{
		TenantID:      r.PathValue("tenant_id"),
		Type:          typ,
		TargetAgentID: req.TargetAgentID,
		IsEngaged:     req.IsEngaged,
		Config:        req.Config,
		TriggeredBy:   req.TriggeredBy,
	})
	if err != nil {
		d.Logger.Error("failed to create control", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to create control"})
		return
	}
	d.Logger.Info("control created",
		zap.String("tenant_id", c.TenantID),
		zap.String("control_id", c.ID),
		zap.String("control_type", string(c.Type)),
		zap.Bool("engaged", c.IsEngaged),
	)
	writeJSON(w, http.StatusCreated, controlToResp(c))
}

func (d *Dependencies) handleGetControl(w http.ResponseWriter, r *http.Request) {
	c, err := d.Controls.GetByID(r.Context(), r.PathValue("tenant_id"), r.PathValue("control_id"))
	if err != nil {
		d.Logger.Error("failed to get control", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get control"})
		return
	}
	if c == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Control not found."})
		return
	}
	writeJSON(w, http.StatusOK, controlToResp(c))
}

func (d *Dependencies) handleDeleteControl(w http.ResponseWriter, r *http.Request) {
	err := d.Controls.Delete(r.Context(), r.PathValue("tenant_id"), r.PathValue("control_id"))
	if errors.Is(err, sql.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Control not found."})
		return
	}
	if err != nil {
		d.Logger.Error("failed to delete control", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to delete control"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Dependencies) handleEngageControl(w http.ResponseWriter, r *http.Request) {
	d.setEngaged(w, r, true)
}

func (d *Dependencies) handleDisengageControl(w http.ResponseWriter, r *http.Request) {
	d.setEngaged(w, r, false)
}

func (d *Dependencies) setEngaged(w http.ResponseWriter, r *http.Request, engaged bool) {
	// The body is optional.
	var req SetEngagedReq
	if err := readJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	tenantID := r.PathValue("tenant_id")
	c, err := d.Controls.SetEngaged(r.Context(), tenantID, r.PathValue("control_id"), engaged, req.TriggeredBy)
	if err != nil {
		d.Logger.Error("failed to set control state", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to update control"})
		return
	}
	if c == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Control not found."})
		return
	}
	d.Logger.Warn("control state changed",
		zap.String("tenant_id", tenantID),
		zap.String("control_id", c.ID),
		zap.String("control_type", string(c.Type)),
		zap.Bool("engaged", engaged),
	)
	writeJSON(w, http.StatusOK, controlToResp(c))
}

func controlToResp(c *controls.Control) ControlResp {
	cfg := c.Config
	if len(cfg) == 0 {
		cfg = []byte(`{}`)
	}
	return ControlResp{
		ID:            c.ID,
		TenantID:      c.TenantID,
		ControlType:   string(c.Type),
		TargetAgentID: c.TargetAgentID,
		IsEngaged:     c.IsEngaged,
		Config:        cfg,
		TriggeredBy:   c.TriggeredBy,
		TriggeredAt:   c.TriggeredAt,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}
