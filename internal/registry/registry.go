// Package registry is the per-tenant tool registry: metadata, verification
// state, per-tool rate limits and invocation counters.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Registry serves tool lookups from a short-lived cache backed by Postgres.
type Registry struct {
	store  ToolStore
	cache  *ToolCache
	bus    Invalidator // nil on single-instance deployments
	logger *zap.Logger
}

// Config configures the Registry.
type Config struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Bus      Invalidator
	Logger   *zap.Logger
}

// New creates a Registry over the tool_registry table.
func New(cfg Config) *Registry {
	return newRegistryWithStore(&sqlToolStore{db: cfg.DB}, cfg.CacheTTL, cfg.Bus, cfg.Logger)
}

// newRegistryWithStore creates a registry with a custom store (for testing).
func newRegistryWithStore(store ToolStore, cacheTTL time.Duration, bus Invalidator, logger *zap.Logger) *Registry {
	if cacheTTL == 0 {
		cacheTTL = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:  store,
		cache:  NewToolCache(cacheTTL),
		bus:    bus,
		logger: logger,
	}
}

// Find returns the tool registered under name for the tenant, or nil if none.
// Expired cache entries are reloaded before answering.
func (r *Registry) Find(ctx context.Context, tenantID, name string) (*Tool, error) {
	tool, hit, version := r.cache.Get(tenantID, name)
	if hit {
		return tool, nil
	}

	t, err := r.store.FindTool(ctx, tenantID, name)
	if err != nil {
		return nil, fmt.Errorf("Find: %w", err)
	}
	if !r.cache.Set(tenantID, name, t, version) {
		r.logger.Debug("tool invalidated during lookup, not caching",
			zap.String("tenant_id", tenantID),
			zap.String("tool", name),
		)
	}
	return t, nil
}

// IncrementInvocations atomically bumps the tool's invocation counter.
func (r *Registry) IncrementInvocations(ctx context.Context, tenantID, id string) error {
	return r.store.IncrementInvocations(ctx, tenantID, id)
}

// Get returns a tool by ID, bypassing the cache.
func (r *Registry) Get(ctx context.Context, tenantID, id string) (*Tool, error) {
	return r.store.GetTool(ctx, tenantID, id)
}

// List returns every tool of the tenant.
func (r *Registry) List(ctx context.Context, tenantID string) ([]*Tool, error) {
	return r.store.ListTools(ctx, tenantID)
}

// Create registers a tool.
func (r *Registry) Create(ctx context.Context, p CreateParams) (*Tool, error) {
	t, err := r.store.CreateTool(ctx, p)
	if err != nil {
		return nil, err
	}
	// A negative entry may be cached from lookups before registration.
	r.invalidate(ctx, t.TenantID, t.Name)
	return t, nil
}

// Update applies a partial update. Returns nil if the tool does not exist.
func (r *Registry) Update(ctx context.Context, tenantID, id string, p UpdateParams) (*Tool, error) {
	before, err := r.store.GetTool(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if before == nil {
		return nil, nil
	}
	after, err := r.store.UpdateTool(ctx, tenantID, id, p)
	if err != nil {
		return nil, err
	}
	r.invalidate(ctx, tenantID, before.Name)
	if after != nil && after.Name != before.Name {
		r.invalidate(ctx, tenantID, after.Name)
	}
	return after, nil
}

// Delete removes a tool. Returns sql.ErrNoRows if it does not exist.
func (r *Registry) Delete(ctx context.Context, tenantID, id string) error {
	t, err := r.store.DeleteTool(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if t == nil {
		return sql.ErrNoRows
	}
	r.invalidate(ctx, tenantID, t.Name)
	return nil
}

// Listen applies invalidations from other instances until ctx is done.
// No-op without a bus.
func (r *Registry) Listen(ctx context.Context) {
	if r.bus == nil {
		return
	}
	r.bus.Subscribe(ctx, r.cache.Delete, r.cache.Clear)
}

func (r *Registry) invalidate(ctx context.Context, tenantID, name string) {
	r.cache.Delete(tenantID, name)
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, tenantID, name); err != nil {
		r.logger.Warn("tool invalidation publish failed",
			zap.String("tenant_id", tenantID),
			zap.String("tool", name),
			zap.Error(err),
		)
	}
}
