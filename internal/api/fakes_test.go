package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/triage-ai/agentguard/internal/audit"
	"github.com/triage-ai/agentguard/internal/auth"
	"github.com/triage-ai/agentguard/internal/chread"
	"github.com/triage-ai/agentguard/internal/controls"
	"github.com/triage-ai/agentguard/internal/gateway"
	"github.com/triage-ai/agentguard/internal/registry"
	"github.com/triage-ai/agentguard/internal/store"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// --- gateway ---

type stubEvaluator struct {
	mu   sync.Mutex
	reqs []*gateway.Request
	dec  *gateway.Decision
	err  error
}

func (s *stubEvaluator) Evaluate(_ context.Context, req *gateway.Request) (*gateway.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.dec, s.err
}

func (s *stubEvaluator) last() *gateway.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reqs) == 0 {
		return nil
	}
	return s.reqs[len(s.reqs)-1]
}

// --- controls ---

type memControls struct {
	mu    sync.Mutex
	items map[string]*controls.Control
	seq   int
	err   error
}

func newMemControls() *memControls {
	return &memControls{items: map[string]*controls.Control{}}
}

func (m *memControls) List(_ context.Context, tenantID string) ([]*controls.Control, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []*controls.Control
	for _, c := range m.items {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memControls) GetByID(_ context.Context, tenantID, id string) (*controls.Control, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	c, ok := m.items[id]
	if !ok || c.TenantID != tenantID {
		return nil, nil
	}
	return c, nil
}

func (m *memControls) Create(_ context.Context, p controls.CreateParams) (*controls.Control, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.seq++
	c := &controls.Control{
		ID:            fmt.Sprintf("ctl-%d", m.seq),
		TenantID:      p.TenantID,
		Type:          p.Type,
		TargetAgentID: p.TargetAgentID,
		IsEngaged:     p.IsEngaged,
		Config:        p.Config,
		TriggeredBy:   p.TriggeredBy,
		CreatedAt:     testNow,
		UpdatedAt:     testNow,
	}
	m.items[c.ID] = c
	return c, nil
}

func (m *memControls) SetEngaged(_ context.Context, tenantID, id string, engaged bool, by *string) (*controls.Control, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	c, ok := m.items[id]
	if !ok || c.TenantID != tenantID {
		return nil, nil
	}
	c.IsEngaged = engaged
	c.TriggeredBy = by
	at := testNow
	c.TriggeredAt = &at
	return c, nil
}

func (m *memControls) Delete(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	c, ok := m.items[id]
	if !ok || c.TenantID != tenantID {
		return sql.ErrNoRows
	}
	delete(m.items, id)
	return nil
}

// --- tools ---

type memTools struct {
	mu        sync.Mutex
	items     map[string]*registry.Tool
	seq       int
	createErr error
}

func newMemTools() *memTools {
	return &memTools{items: map[string]*registry.Tool{}}
}

func (m *memTools) List(_ context.Context, tenantID string) ([]*registry.Tool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*registry.Tool
	for _, t := range m.items {
		if t.TenantID == tenantID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memTools) Get(_ context.Context, tenantID, id string) (*registry.Tool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.items[id]
	if !ok || t.TenantID != tenantID {
		return nil, nil
	}
	return t, nil
}

func (m *memTools) Create(_ context.Context, p registry.CreateParams) (*registry.Tool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.seq++
	t := &registry.Tool{
		ID:                fmt.Sprintf("tool-%d", m.seq),
		TenantID:          p.TenantID,
		Name:              p.Name,
		Description:       p.Description,
		RiskLevel:         p.RiskLevel,
		MaxCallsPerMinute: p.MaxCallsPerMinute,
		IsActive:          p.IsActive,
		IsVerified:        p.IsVerified,
		DataScope:         p.DataScope,
		CreatedAt:         testNow,
		UpdatedAt:         testNow,
	}
	m.items[t.ID] = t
	return t, nil
}

func (m *memTools) Update(_ context.Context, tenantID, id string, p registry.UpdateParams) (*registry.Tool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.items[id]
	if !ok || t.TenantID != tenantID {
		return nil, nil
	}
	if p.Name != nil {
		t.Name = *p.Name
	}
	if p.RiskLevel != nil {
		t.RiskLevel = *p.RiskLevel
	}
	if p.MaxCallsPerMinute != nil {
		t.MaxCallsPerMinute = *p.MaxCallsPerMinute
	}
	if p.IsActive != nil {
		t.IsActive = *p.IsActive
	}
	if p.IsVerified != nil {
		t.IsVerified = *p.IsVerified
	}
	if p.DataScope != nil {
		t.DataScope = *p.DataScope
	}
	return t, nil
}

func (m *memTools) Delete(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.items[id]
	if !ok || t.TenantID != tenantID {
		return sql.ErrNoRows
	}
	delete(m.items, id)
	return nil
}

// --- audit ---

type stubAudit struct {
	params  audit.ListParams
	records []*audit.Record
	total   int
	err     error
}

func (s *stubAudit) List(_ context.Context, p audit.ListParams) ([]*audit.Record, int, error) {
	s.params = p
	return s.records, s.total, s.err
}

// --- keys ---

type memKeys struct {
	mu    sync.Mutex
	items map[string]*store.ServiceKey
	seq   int
}

func newMemKeys() *memKeys {
	return &memKeys{items: map[string]*store.ServiceKey{}}
}

func (m *memKeys) CreateServiceKey(_ context.Context, tenantID, name string) (*store.ServiceKey, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	full := fmt.Sprintf("gsk_%064d", m.seq)
	k := &store.ServiceKey{
		ID:        fmt.Sprintf("key-%d", m.seq),
		TenantID:  tenantID,
		Name:      name,
		KeyHash:   "hash",
		KeyPrefix: full[:store.KeyPrefixLength],
		CreatedAt: testNow,
	}
	m.items[k.ID] = k
	return k, full, nil
}

func (m *memKeys) ListServiceKeys(_ context.Context, tenantID string) ([]*store.ServiceKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.ServiceKey
	for _, k := range m.items {
		if k.TenantID == tenantID {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *memKeys) RevokeServiceKey(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.items[id]
	if !ok || k.TenantID != tenantID || k.RevokedAt != nil {
		return sql.ErrNoRows
	}
	at := testNow
	k.RevokedAt = &at
	return nil
}

// --- auth ---

type stubAuth struct {
	keys map[string]*auth.Principal
	err  error
}

func (s *stubAuth) Authenticate(_ context.Context, key string) (*auth.Principal, error) {
	if s.err != nil {
		return nil, s.err
	}
	if p, ok := s.keys[key]; ok {
		return p, nil
	}
	return nil, auth.ErrInvalidAPIKey
}

// --- analytics ---

type stubReader struct {
	days   int
	result *chread.AnalyticsResult
	err    error
}

func (s *stubReader) GetAnalytics(_ context.Context, _ string, days int) (*chread.AnalyticsResult, error) {
	s.days = days
	return s.result, s.err
}

// --- harness ---

type apiHarness struct {
	deps    *Dependencies
	handler http.Handler
}

func newAPIHarness(t *testing.T, mutate func(*Dependencies)) *apiHarness {
	t.Helper()
	deps := &Dependencies{
		Gateway:  &stubEvaluator{dec: &gateway.Decision{Allowed: true, Outcome: gateway.OutcomeAllow, RecordID: "rec-1"}},
		Controls: newMemControls(),
		Tools:    newMemTools(),
		Audit:    &stubAudit{},
		Keys:     newMemKeys(),
		Logger:   zap.NewNop(),
	}
	if mutate != nil {
		mutate(deps)
	}
	return &apiHarness{deps: deps, handler: NewRouter(deps)}
}

func (h *apiHarness) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}
