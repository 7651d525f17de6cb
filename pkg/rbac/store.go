package rbac

import (
	"context"
)

// RoleFilter narrows ListRoles. Zero fields match everything.
type RoleFilter struct {
	Name         string // case-insensitive exact match
	RoleType     RoleType
	ParentRoleID *string
	SystemOnly   *bool
	ActiveOnly   bool
}

// PermissionFilter narrows ListPermissions.
type PermissionFilter struct {
	RoleID       string
	ResourceType string
	ActiveOnly   bool
}

// EdgeFilter narrows ListEdges.
type EdgeFilter struct {
	ParentRoleID string
	ChildRoleID  string
	ActiveOnly   bool
}

// AssignmentFilter narrows ListAssignments.
type AssignmentFilter struct {
	UserID             string
	RoleID             string
	Status             AssignmentStatus
	ElevationRequestID string
}

// ElevationFilter narrows ListElevations.
type ElevationFilter struct {
	UserID         string
	ElevatedRoleID string
	Status         ElevationStatus
}

// Store persists RBAC entities. Every collection is keyed by id and can be
// scanned by the attributes in its filter type.
//
// Get* methods return an error wrapping ErrNotFound for a missing id. Create
// methods return an error wrapping ErrConflict for a duplicate key. WithTx runs
// fn against a transactional view of the store: either every write made
// through the view is applied or none is.
type Store interface {
	CreateRole(ctx context.Context, role *Role) error
	GetRole(ctx context.Context, id string) (*Role, error)
	UpdateRole(ctx context.Context, role *Role) error
	DeleteRole(ctx context.Context, id string) error
	ListRoles(ctx context.Context, filter RoleFilter) ([]*Role, error)

	CreatePermission(ctx context.Context, perm *Permission) error
	GetPermission(ctx context.Context, id string) (*Permission, error)
	UpdatePermission(ctx context.Context, perm *Permission) error
	DeletePermission(ctx context.Context, id string) error
	ListPermissions(ctx context.Context, filter PermissionFilter) ([]*Permission, error)

	CreateEdge(ctx context.Context, edge *RoleHierarchy) error
	GetEdge(ctx context.Context, parentRoleID, childRoleID string) (*RoleHierarchy, error)
	UpdateEdge(ctx context.Context, edge *RoleHierarchy) error
	DeleteEdge(ctx context.Context, parentRoleID, childRoleID string) error
	ListEdges(ctx context.Context, filter EdgeFilter) ([]*RoleHierarchy, error)

	CreateAssignment(ctx context.Context, a *UserRole) error
	GetAssignment(ctx context.Context, id string) (*UserRole, error)
	UpdateAssignment(ctx context.Context, a *UserRole) error
	DeleteAssignment(ctx context.Context, id string) error
	ListAssignments(ctx context.Context, filter AssignmentFilter) ([]*UserRole, error)

	CreateElevation(ctx context.Context, e *TempRoleElevation) error
	GetElevation(ctx context.Context, id string) (*TempRoleElevation, error)
	UpdateElevation(ctx context.Context, e *TempRoleElevation) error
	ListElevations(ctx context.Context, filter ElevationFilter) ([]*TempRoleElevation, error)

	WithTx(ctx context.Context, fn func(tx Store) error) error
}
