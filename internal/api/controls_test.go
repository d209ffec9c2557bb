package api

import (
	"errors"
	"net/http"
	"testing"
)

func TestControls_Lifecycle(t *testing.T) {
	h := newAPIHarness(t, nil)
	base := "/api/guard/tenants/t-1/controls"

	rec := h.do(t, http.MethodPost, base, `{"control_type":"global_throttle","config":{"max_rpm":5}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d (%s)", rec.Code, rec.Body.String())
	}
	created := decodeBody[ControlResp](t, rec)
	if created.IsEngaged || created.ControlType != "global_throttle" {
		t.Fatalf("unexpected control %+v", created)
	}

	rec = h.do(t, http.MethodPost, base+"/"+created.ID+"/engage", `{"triggered_by":"ops@acme"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("engage status = %d", rec.Code)
	}
	engaged := decodeBody[ControlResp](t, rec)
	if !engaged.IsEngaged || engaged.TriggeredBy == nil || *engaged.TriggeredBy != "ops@acme" {
		t.Fatalf("unexpected engaged control %+v", engaged)
	}

	// Body is optional.
	rec = h.do(t, http.MethodPost, base+"/"+created.ID+"/disengage", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("disengage status = %d (%s)", rec.Code, rec.Body.String())
	}
	if decodeBody[ControlResp](t, rec).IsEngaged {
		t.Fatal("control still engaged")
	}

	rec = h.do(t, http.MethodGet, base, "")
	if list := decodeBody[[]ControlResp](t, rec); len(list) != 1 {
		t.Fatalf("list len = %d", len(list))
	}

	rec = h.do(t, http.MethodDelete, base+"/"+created.ID, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = h.do(t, http.MethodGet, base+"/"+created.ID, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", rec.Code)
	}
}

func TestControls_TenantIsolation(t *testing.T) {
	h := newAPIHarness(t, nil)
	rec := h.do(t, http.MethodPost, "/api/guard/tenants/t-1/controls", `{"control_type":"kill_switch","is_engaged":true}`)
	id := decodeBody[ControlResp](t, rec).ID

	for _, tt := range []struct{ method, path string }{
		{http.MethodGet, "/api/guard/tenants/t-2/controls/" + id},
		{http.MethodPost, "/api/guard/tenants/t-2/controls/" + id + "/disengage"},
		{http.MethodDelete, "/api/guard/tenants/t-2/controls/" + id},
	} {
		if rec := h.do(t, tt.method, tt.path, ""); rec.Code != http.StatusNotFound {
			t.Errorf("%s %s = %d, want 404", tt.method, tt.path, rec.Code)
		}
	}
	rec = h.do(t, http.MethodGet, "/api/guard/tenants/t-2/controls", "")
	if list := decodeBody[[]ControlResp](t, rec); len(list) != 0 {
		t.Fatalf("t-2 sees %d controls", len(list))
	}
}

func TestControls_CreateValidation(t *testing.T) {
	h := newAPIHarness(t, nil)
	tests := []struct {
		name string
		body string
	}{
		{"unknown type", `{"control_type":"nuke"}`},
		{"battery config wrong shape", `{"control_type":"ai_battery","config":{"max_credits":"lots"}}`},
		{"negative max_rpm", `{"control_type":"global_throttle","config":{"max_rpm":-1}}`},
		{"negative credits", `{"control_type":"ai_battery","config":{"max_credits":-10}}`},
		{"unknown battery key", `{"control_type":"ai_battery","config":{"credits":10}}`},
		{"fractional max_rpm", `{"control_type":"global_throttle","config":{"max_rpm":1.5}}`},
		{"invalid json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/api/guard/tenants/t-1/controls", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestControls_StoreError(t *testing.T) {
	mc := newMemControls()
	mc.err = errors.New("db down")
	h := newAPIHarness(t, func(d *Dependencies) { d.Controls = mc })
	rec := h.do(t, http.MethodGet, "/api/guard/tenants/t-1/controls", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}
