package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/triage-ai/agentguard/internal/store"
	"go.uber.org/zap"
)

func (d *Dependencies) handleCreateServiceKey(w http.ResponseWriter, r *http.Request) {
	var req CreateServiceKeyReq
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "name is required"})
		return
	}

	k, fullKey, err := d.Keys.CreateServiceKey(r.Context(), r.PathValue("tenant_id"), req.Name)
	if err != nil {
		d.Logger.Error("failed to create service key", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to create service key"})
		return
	}
	d.Logger.Info("service key issued",
		zap.String("tenant_id", k.TenantID),
		zap.String("key_id", k.ID),
		zap.String("key_prefix", k.KeyPrefix),
	)
	writeJSON(w, http.StatusCreated, CreateServiceKeyResp{
		ServiceKeyResp: keyToResp(k),
		APIKey:         fullKey,
	})
}

func (d *Dependencies) handleListServiceKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := d.Keys.ListServiceKeys(r.Context(), r.PathValue("tenant_id"))
	if err != nil {
		d.Logger.Error("failed to list service keys", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list service keys"})
		return
	}
	resp := make([]ServiceKeyResp, 0, len(keys))
	for _, k := range keys {
		resp = append(resp, keyToResp(k))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleRevokeServiceKey(w http.ResponseWriter, r *http.Request) {
	tenantID, keyID := r.PathValue("tenant_id"), r.PathValue("key_id")
	err := d.Keys.RevokeServiceKey(r.Context(), tenantID, keyID)
	if errors.Is(err, sql.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Service key not found."})
		return
	}
	if err != nil {
		d.Logger.Error("failed to revoke service key", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to revoke service key"})
		return
	}
	d.Logger.Info("service key revoked", zap.String("tenant_id", tenantID), zap.String("key_id", keyID))
	w.WriteHeader(http.StatusNoContent)
}

func keyToResp(k *store.ServiceKey) ServiceKeyResp {
	return ServiceKeyResp{
		ID:        k.ID,
		TenantID:  k.TenantID,
		Name:      k.Name,
		KeyPrefix: k.KeyPrefix,
		CreatedAt: k.CreatedAt,
		RevokedAt: k.RevokedAt,
	}
}
