package api

import (
	"context"
	"net/http"

	"github.com/triage-ai/agentguard/internal/audit"
	"github.com/triage-ai/agentguard/internal/auth"
	"github.com/triage-ai/agentguard/internal/chread"
	"github.com/triage-ai/agentguard/internal/controls"
	"github.com/triage-ai/agentguard/internal/gateway"
	"github.com/triage-ai/agentguard/internal/metrics"
	"github.com/triage-ai/agentguard/internal/registry"
	"github.com/triage-ai/agentguard/internal/store"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Evaluator decides agent actions. Implemented by *gateway.Gateway.
type Evaluator interface {
	Evaluate(ctx context.Context, req *gateway.Request) (*gateway.Decision, error)
}

// ControlStore is implemented by *controls.Store.
type ControlStore interface {
	List(ctx context.Context, tenantID string) ([]*controls.Control, error)
	GetByID(ctx context.Context, tenantID, id string) (*controls.Control, error)
	Create(ctx context.Context, p controls.CreateParams) (*controls.Control, error)
	SetEngaged(ctx context.Context, tenantID, id string, engaged bool, triggeredBy *string) (*controls.Control, error)
	Delete(ctx context.Context, tenantID, id string) error
}

// ToolStore is implemented by *registry.Registry, which also invalidates the
// gateway's tool cache on every mutation.
type ToolStore interface {
	List(ctx context.Context, tenantID string) ([]*registry.Tool, error)
	Get(ctx context.Context, tenantID, id string) (*registry.Tool, error)
	Create(ctx context.Context, p registry.CreateParams) (*registry.Tool, error)
	Update(ctx context.Context, tenantID, id string, p registry.UpdateParams) (*registry.Tool, error)
	Delete(ctx context.Context, tenantID, id string) error
}

// AuditLister is implemented by *audit.PostgresStore.
type AuditLister interface {
	List(ctx context.Context, params audit.ListParams) ([]*audit.Record, int, error)
}

// KeyStore is implemented by *store.Store.
type KeyStore interface {
	CreateServiceKey(ctx context.Context, tenantID, name string) (*store.ServiceKey, string, error)
	ListServiceKeys(ctx context.Context, tenantID string) ([]*store.ServiceKey, error)
	RevokeServiceKey(ctx context.Context, tenantID, id string) error
}

// AnalyticsReader is implemented by *chread.Reader.
type AnalyticsReader interface {
	GetAnalytics(ctx context.Context, tenantID string, days int) (*chread.AnalyticsResult, error)
}

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Gateway  Evaluator
	Controls ControlStore
	Tools    ToolStore
	Audit    AuditLister
	Keys     KeyStore
	Auth     auth.Authenticator // nil disables service-key auth on /v1/evaluate
	Reader   AnalyticsReader    // nil if ClickHouse unavailable
	Metrics  *metrics.Metrics
	Logger   *zap.Logger

	// Management API guards. An empty AdminToken leaves the routes open,
	// which is only appropriate behind a trusted network boundary.
	AdminToken string
	Limiter    *rate.Limiter
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}

	mux := http.NewServeMux()

	// Evaluation (Bearer gsk_ key when auth is enabled)
	mux.HandleFunc("POST /v1/evaluate", deps.serviceKeyAuth(deps.handleEvaluate))

	manage := func(pattern string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, deps.rateLimit(deps.adminAuth(h)))
	}

	// Emergency controls
	manage("GET /api/guard/tenants/{tenant_id}/controls", deps.handleListControls)
	manage("POST /api/guard/tenants/{tenant_id}/controls", deps.handleCreateControl)
	manage("GET /api/guard/tenants/{tenant_id}/controls/{control_id}", deps.handleGetControl)
	manage("DELETE /api/guard/tenants/{tenant_id}/controls/{control_id}", deps.handleDeleteControl)
	manage("POST /api/guard/tenants/{tenant_id}/controls/{control_id}/engage", deps.handleEngageControl)
	manage("POST /api/guard/tenants/{tenant_id}/controls/{control_id}/disengage", deps.handleDisengageControl)

	// Tool registry
	manage("GET /api/guard/tenants/{tenant_id}/tools", deps.handleListTools)
	manage("POST /api/guard/tenants/{tenant_id}/tools", deps.handleCreateTool)
	manage("GET /api/guard/tenants/{tenant_id}/tools/{tool_id}", deps.handleGetTool)
	manage("PATCH /api/guard/tenants/{tenant_id}/tools/{tool_id}", deps.handleUpdateTool)
	manage("DELETE /api/guard/tenants/{tenant_id}/tools/{tool_id}", deps.handleDeleteTool)

	// Audit trail (read-only) and analytics
	manage("GET /api/guard/tenants/{tenant_id}/audit", deps.handleListAudit)
	manage("GET /api/guard/tenants/{tenant_id}/analytics", deps.handleGetAnalytics)

	// Service keys
	manage("POST /api/guard/tenants/{tenant_id}/service-keys", deps.handleCreateServiceKey)
	manage("GET /api/guard/tenants/{tenant_id}/service-keys", deps.handleListServiceKeys)
	manage("DELETE /api/guard/tenants/{tenant_id}/service-keys/{key_id}", deps.handleRevokeServiceKey)

	// Health check
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return corsMiddleware(requestLogging(mux, deps.Logger, deps.Metrics))
}
