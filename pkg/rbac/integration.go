package rbac

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/warden/pkg/audit"
)

// Config holds RBAC configuration
type Config struct {
	// Cache sizes the decision cache. A zero Size disables it.
	Cache CheckerConfig

	// Seed is applied by Initialize. Nil means DefaultSeed.
	Seed *Seed

	// SkipSeed leaves the role catalogue untouched on Initialize.
	SkipSeed bool

	// AuditRetention enables audit pruning during sweeps.
	AuditRetention *audit.RetentionPolicy
}

// DefaultConfig returns default RBAC configuration
func DefaultConfig() Config {
	return Config{
		Cache: DefaultCheckerConfig(),
	}
}

// Manager wires every RBAC component around one store.
type Manager struct {
	store  Store
	core   *core
	config Config

	Roles       *RoleService
	Permissions *PermissionService
	Hierarchy   *HierarchyService
	Assignments *AssignmentService
	Elevations  *ElevationService
	Resolver    *Resolver
	Checker     *Checker
	Sweeper     *Sweeper

	handlers   *Handlers
	middleware *PermissionMiddleware
}

// NewManager creates a new RBAC manager. Mutations made through any of its
// services invalidate the manager's decision cache.
func NewManager(store Store, config Config, opts Options) *Manager {
	c := newCore(store, opts)
	m := &Manager{
		store:  store,
		core:   c,
		config: config,
	}

	m.Hierarchy = &HierarchyService{core: c}
	m.Roles = &RoleService{core: c, hierarchy: m.Hierarchy}
	m.Permissions = &PermissionService{core: c}
	m.Assignments = &AssignmentService{core: c}
	m.Elevations = &ElevationService{core: c}
	m.Resolver = &Resolver{core: c}
	m.Checker = NewChecker(m.Resolver, config.Cache)
	m.Sweeper = &Sweeper{core: c, elevations: m.Elevations, retention: config.AuditRetention}
	c.invalidator = m.Checker

	m.middleware = NewPermissionMiddleware(m.Checker, c.logger)
	m.handlers = NewHandlers(m)
	return m
}

// Initialize sets up RBAC system
func (m *Manager) Initialize(ctx context.Context) error {
	if s, ok := m.store.(*SQLStore); ok && s.db != nil {
		if err := RunMigrations(ctx, s.db); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	if m.config.SkipSeed {
		return nil
	}
	seed := m.config.Seed
	if seed == nil {
		seed = DefaultSeed()
	}
	result, err := ApplySeed(ctx, m.store, seed, m.core.now())
	if err != nil {
		return fmt.Errorf("failed to apply role seed: %w", err)
	}
	m.Checker.InvalidateAll()
	m.core.logger.WithFields(map[string]interface{}{
		"roles_created":       result.RolesCreated,
		"roles_updated":       result.RolesUpdated,
		"permissions_created": result.PermissionsCreated,
		"edges_created":       result.EdgesCreated,
	}).Info("role seed applied")
	return nil
}

// RegisterRoutes registers RBAC routes with a router
func (m *Manager) RegisterRoutes(router *mux.Router) {
	m.handlers.RegisterRoutes(router)
}

// Store returns the RBAC store
func (m *Manager) Store() Store {
	return m.store
}

// Middleware returns the permission middleware
func (m *Manager) Middleware() *PermissionMiddleware {
	return m.middleware
}

// ResolvePermission decides req through the decision cache.
func (m *Manager) ResolvePermission(ctx context.Context, req Request) (*Decision, error) {
	return m.Checker.Resolve(ctx, req)
}

// CheckPermission is a convenience method for checking permissions
func (m *Manager) CheckPermission(ctx context.Context, userID, resourceType string, action Action, resourceID string) (bool, error) {
	dec, err := m.Checker.Resolve(ctx, Request{
		UserID:       userID,
		ResourceType: resourceType,
		Action:       action,
		ResourceID:   resourceID,
	})
	if err != nil {
		return false, err
	}
	return dec.Allowed, nil
}

// EffectiveRolesForUser returns the usable roles the user currently holds.
func (m *Manager) EffectiveRolesForUser(ctx context.Context, userID string) ([]*Role, error) {
	return m.Assignments.EffectiveRolesForUser(ctx, userID)
}

// EffectiveAssignmentsForRole returns the assignments currently granting
// roleID.
func (m *Manager) EffectiveAssignmentsForRole(ctx context.Context, roleID string) ([]*UserRole, error) {
	return m.Assignments.EffectiveAssignmentsForRole(ctx, roleID)
}

// RoleHierarchy lists roles below root, or the whole forest when root is
// nil.
func (m *Manager) RoleHierarchy(ctx context.Context, root *string) ([]*Role, error) {
	return m.Hierarchy.RoleHierarchy(ctx, root)
}

// Sweep runs one expiry sweep.
func (m *Manager) Sweep(ctx context.Context) (*SweepResult, error) {
	return m.Sweeper.Sweep(ctx)
}

// Stats returns statistics about the RBAC system
type Stats struct {
	Roles       *RoleStatistics       `json:"roles"`
	Assignments *AssignmentStatistics `json:"assignments"`
	Cache       CacheStats            `json:"cache"`
	GeneratedAt time.Time             `json:"generated_at"`
}

// GetStats returns RBAC statistics
func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	roles, err := m.Roles.RoleStatistics(ctx)
	if err != nil {
		return nil, err
	}
	assignments, err := m.Assignments.Statistics(ctx, AssignmentFilter{})
	if err != nil {
		return nil, err
	}
	return &Stats{
		Roles:       roles,
		Assignments: assignments,
		Cache:       m.Checker.Stats(),
		GeneratedAt: m.core.now(),
	}, nil
}
