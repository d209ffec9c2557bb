package api

import (
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/triage-ai/agentguard/internal/metrics"
	"golang.org/x/time/rate"
)

func TestAdminToken(t *testing.T) {
	h := newAPIHarness(t, func(d *Dependencies) { d.AdminToken = "s3cret" })
	path := "/api/guard/tenants/t-1/tools"

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "Bearer nope", http.StatusUnauthorized},
		{"no scheme", "s3cret", http.StatusUnauthorized},
		{"ok", "Bearer s3cret", http.StatusOK},
		{"lowercase scheme", "bearer s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hdr []string
			if tt.header != "" {
				hdr = []string{"Authorization", tt.header}
			}
			if rec := h.do(t, http.MethodGet, path, "", hdr...); rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	// The evaluation endpoint is not behind the admin token.
	if rec := h.do(t, http.MethodPost, "/v1/evaluate", `{"tenant_id":"t-1","action":"x"}`); rec.Code != http.StatusOK {
		t.Fatalf("evaluate status = %d", rec.Code)
	}
}

func TestRateLimit_Management(t *testing.T) {
	h := newAPIHarness(t, func(d *Dependencies) { d.Limiter = rate.NewLimiter(rate.Every(1<<62), 2) })
	path := "/api/guard/tenants/t-1/controls"

	for i := 0; i < 2; i++ {
		if rec := h.do(t, http.MethodGet, path, ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, rec.Code)
		}
	}
	rec := h.do(t, http.MethodGet, path, "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}

	// Evaluation traffic does not draw from the management bucket.
	if rec := h.do(t, http.MethodPost, "/v1/evaluate", `{"tenant_id":"t-1","action":"x"}`); rec.Code != http.StatusOK {
		t.Fatalf("evaluate status = %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newAPIHarness(t, nil)
	rec := h.do(t, http.MethodOptions, "/api/guard/tenants/t-1/tools", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestRequestMetrics(t *testing.T) {
	m := metrics.New(nil)
	h := newAPIHarness(t, func(d *Dependencies) { d.Metrics = m })

	h.do(t, http.MethodGet, "/healthz", "")
	h.do(t, http.MethodGet, "/api/guard/tenants/t-1/tools/missing", "")
	h.do(t, http.MethodGet, "/nope", "")

	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET /healthz", "200")); got != 1 {
		t.Errorf("healthz count = %v", got)
	}
	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET /api/guard/tenants/{tenant_id}/tools/{tool_id}", "404")); got != 1 {
		t.Errorf("tool 404 count = %v", got)
	}
	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("unmatched", "404")); got != 1 {
		t.Errorf("unmatched count = %v", got)
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"BEARER abc ", "abc", true},
		{"Bearer ", "", false},
		{"Basic abc", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		req, _ := http.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		got, ok := extractBearerToken(req)
		if got != tt.want || ok != tt.ok {
			t.Errorf("extractBearerToken(%q) = %q, %v; want %q, %v", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}

func TestRequestID(t *testing.T) {
	h := newAPIHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/healthz", "")
	if _, err := uuid.Parse(rec.Header().Get(requestIDHeader)); err != nil {
		t.Fatalf("generated request id %q: %v", rec.Header().Get(requestIDHeader), err)
	}

	rec = h.do(t, http.MethodGet, "/healthz", "", requestIDHeader, "trace-abc")
	if got := rec.Header().Get(requestIDHeader); got != "trace-abc" {
		t.Fatalf("request id = %q, want echo", got)
	}
}
