package rbac

import (
	"encoding/json"
	"time"
)

// Role is a named bundle of permissions that can be assigned to users and
// arranged into a hierarchy.
type Role struct {
	ID            string     `json:"id"`
	Name          string     `json:"name" validate:"required,max=100"`
	Description   string     `json:"description,omitempty" validate:"max=500"`
	RoleType      RoleType   `json:"role_type" validate:"enum"`
	IsSystemRole  bool       `json:"is_system_role"`
	PermissionIDs []string   `json:"permission_ids"`
	ParentRoleID  *string    `json:"parent_role_id,omitempty"`
	Priority      int32      `json:"priority"`
	Active        bool       `json:"active"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	MaxUsers      *int32     `json:"max_users,omitempty" validate:"omitempty,gt=0"`
	CreatedBy     string     `json:"created_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// IsExpired reports whether the role's expiry has passed at now.
func (r *Role) IsExpired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// IsUsable reports whether the role can currently confer permissions.
func (r *Role) IsUsable(now time.Time) bool {
	return r.Active && !r.IsExpired(now)
}

// HasPermission reports whether permissionID is in the role's permission set.
func (r *Role) HasPermission(permissionID string) bool {
	for _, id := range r.PermissionIDs {
		if id == permissionID {
			return true
		}
	}
	return false
}

// Permission grants a set of actions on one resource type. Every permission
// belongs to exactly one role.
type Permission struct {
	ID              string          `json:"id"`
	RoleID          string          `json:"role_id" validate:"required"`
	ResourceType    string          `json:"resource_type" validate:"required,max=100"`
	Actions         []Action        `json:"actions" validate:"required,min=1,dive,enum"`
	Scope           PermissionScope `json:"scope" validate:"enum"`
	Conditions      json.RawMessage `json:"conditions,omitempty"`
	ResourceFilters json.RawMessage `json:"resource_filters,omitempty"`
	Active          bool            `json:"active"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	CreatedBy       string          `json:"created_by,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// IsExpired reports whether the permission's expiry has passed at now.
func (p *Permission) IsExpired(now time.Time) bool {
	return p.ExpiresAt != nil && !now.Before(*p.ExpiresAt)
}

// IsUsable reports whether the permission is active and unexpired at now.
func (p *Permission) IsUsable(now time.Time) bool {
	return p.Active && !p.IsExpired(now)
}

// Allows reports whether the permission lists action.
func (p *Permission) Allows(action Action) bool {
	for _, a := range p.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// Matches reports whether the permission covers resourceType and action.
// Conditions and resource filters are evaluated separately.
func (p *Permission) Matches(resourceType string, action Action) bool {
	return p.ResourceType == resourceType && p.Allows(action)
}

// RoleHierarchy is a parent to child edge. A child role inherits the
// permissions of its ancestors unless an edge on the path stops it.
type RoleHierarchy struct {
	ID                   string          `json:"id"`
	ParentRoleID         string          `json:"parent_role_id" validate:"required"`
	ChildRoleID          string          `json:"child_role_id" validate:"required"`
	HierarchyType        HierarchyType   `json:"hierarchy_type" validate:"enum"`
	InheritedPermissions bool            `json:"inherited_permissions"`
	PermissionOverrides  []string        `json:"permission_overrides"`
	DepthLevel           int32           `json:"depth_level" validate:"gte=0"`
	Active               bool            `json:"active"`
	Priority             int32           `json:"priority"`
	Conditions           json.RawMessage `json:"conditions,omitempty"`
	DelegationExpiresAt  *time.Time      `json:"delegation_expires_at,omitempty"`
	CreatedBy            string          `json:"created_by,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// IsExpired reports whether a delegation window has closed at now.
func (e *RoleHierarchy) IsExpired(now time.Time) bool {
	return e.DelegationExpiresAt != nil && !now.Before(*e.DelegationExpiresAt)
}

// IsEffective reports whether the edge participates in traversal at now.
func (e *RoleHierarchy) IsEffective(now time.Time) bool {
	return e.Active && !e.IsExpired(now)
}

// Overrides reports whether permissionID is listed in the edge's overrides.
func (e *RoleHierarchy) Overrides(permissionID string) bool {
	for _, id := range e.PermissionOverrides {
		if id == permissionID {
			return true
		}
	}
	return false
}

// UserRole binds a user to a role for a validity window.
type UserRole struct {
	ID                 string            `json:"id"`
	UserID             string            `json:"user_id" validate:"required"`
	RoleID             string            `json:"role_id" validate:"required"`
	AssignmentSource   AssignmentSource  `json:"assignment_source" validate:"enum"`
	IsPrimaryRole      bool              `json:"is_primary_role"`
	AssignedAt         time.Time         `json:"assigned_at"`
	AssignedByUserID   string            `json:"assigned_by_user_id,omitempty"`
	EffectiveFrom      time.Time         `json:"effective_from"`
	ExpiresAt          *time.Time        `json:"expires_at,omitempty"`
	Status             AssignmentStatus  `json:"status" validate:"enum"`
	LastUsedAt         *time.Time        `json:"last_used_at,omitempty"`
	Conditions         json.RawMessage   `json:"conditions,omitempty"`
	ElevationRequestID *string           `json:"elevation_request_id,omitempty"`
	RevokedAt          *time.Time        `json:"revoked_at,omitempty"`
	RevokedByUserID    string            `json:"revoked_by_user_id,omitempty"`
	RevocationReason   string            `json:"revocation_reason,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// IsEffective reports whether the assignment grants its role at now:
// status active and now within [EffectiveFrom, ExpiresAt).
func (a *UserRole) IsEffective(now time.Time) bool {
	if a.Status != AssignmentActive {
		return false
	}
	if now.Before(a.EffectiveFrom) {
		return false
	}
	return a.ExpiresAt == nil || now.Before(*a.ExpiresAt)
}

// IsExpired reports whether the assignment window has closed at now.
func (a *UserRole) IsExpired(now time.Time) bool {
	return a.ExpiresAt != nil && !now.Before(*a.ExpiresAt)
}

// EffectiveStatus returns the status as observed at now. An active
// assignment whose window has closed reads as expired even if nothing has
// rewritten the stored status.
func (a *UserRole) EffectiveStatus(now time.Time) AssignmentStatus {
	if a.Status == AssignmentActive && a.IsExpired(now) {
		return AssignmentExpired
	}
	return a.Status
}

// isLive reports whether the assignment still occupies its window, i.e. it
// has not been revoked or expired.
func (a *UserRole) isLive(now time.Time) bool {
	switch a.Status {
	case AssignmentActive, AssignmentSuspended, AssignmentPending:
		return !a.IsExpired(now)
	}
	return false
}

// overlaps reports whether the assignment window intersects [from, until).
// A nil until is open ended.
func (a *UserRole) overlaps(from time.Time, until *time.Time) bool {
	if until != nil && !a.EffectiveFrom.Before(*until) {
		return false
	}
	if a.ExpiresAt != nil && !from.Before(*a.ExpiresAt) {
		return false
	}
	return true
}

// TempRoleElevation is a time boxed request to hold a higher privilege role.
type TempRoleElevation struct {
	ID                string            `json:"id"`
	UserID            string            `json:"user_id" validate:"required"`
	OriginalRoleID    string            `json:"original_role_id" validate:"required"`
	ElevatedRoleID    string            `json:"elevated_role_id" validate:"required,nefield=OriginalRoleID"`
	Reason            string            `json:"reason,omitempty" validate:"max=500"`
	Justification     string            `json:"justification,omitempty" validate:"max=2000"`
	RequestedByUserID string            `json:"requested_by_user_id" validate:"required"`
	ApprovedByUserID  *string           `json:"approved_by_user_id,omitempty"`
	StartTime         time.Time         `json:"start_time" validate:"required"`
	EndTime           time.Time         `json:"end_time" validate:"required,gtfield=StartTime"`
	ActualStartTime   *time.Time        `json:"actual_start_time,omitempty"`
	ActualEndTime     *time.Time        `json:"actual_end_time,omitempty"`
	Status            ElevationStatus   `json:"status" validate:"enum"`
	Priority          ElevationPriority `json:"priority" validate:"enum"`
	AutoRevoke        bool              `json:"auto_revoke"`
	ApprovalRequired  bool              `json:"approval_required"`
	ApprovalDeadline  *time.Time        `json:"approval_deadline,omitempty"`
	RevokedByUserID   string            `json:"revoked_by_user_id,omitempty"`
	RevocationReason  string            `json:"revocation_reason,omitempty"`
	DeniedReason      string            `json:"denied_reason,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// IsTerminal reports whether no further transition is possible.
func (e *TempRoleElevation) IsTerminal() bool {
	switch e.Status {
	case ElevationExpired, ElevationRevoked, ElevationDenied, ElevationCancelled:
		return true
	}
	return false
}

// IsOverdue reports whether an active elevation has passed its end time.
func (e *TempRoleElevation) IsOverdue(now time.Time) bool {
	return e.Status == ElevationActive && !now.Before(e.EndTime)
}

// Duration is the requested elevation length.
func (e *TempRoleElevation) Duration() time.Duration {
	return e.EndTime.Sub(e.StartTime)
}

// RoleStatistics summarises the role catalogue.
type RoleStatistics struct {
	TotalRoles   int              `json:"total_roles"`
	ActiveRoles  int              `json:"active_roles"`
	SystemRoles  int              `json:"system_roles"`
	ExpiredRoles int              `json:"expired_roles"`
	ByType       map[RoleType]int `json:"by_type"`
}

// AssignmentStatistics summarises assignments for a user or a role.
type AssignmentStatistics struct {
	Total     int                      `json:"total"`
	Effective int                      `json:"effective"`
	ByStatus  map[AssignmentStatus]int `json:"by_status"`
	BySource  map[AssignmentSource]int `json:"by_source"`
}
