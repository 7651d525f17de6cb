package rbac

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/warden/pkg/async"
)

// RoleService manages the role catalogue.
type RoleService struct {
	*core
	hierarchy *HierarchyService
}

// CreateRoleInput describes a new role. Active defaults to true.
type CreateRoleInput struct {
	ID            string     `json:"id,omitempty"`
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	RoleType      RoleType   `json:"role_type"`
	IsSystemRole  bool       `json:"is_system_role"`
	PermissionIDs []string   `json:"permission_ids,omitempty"`
	ParentRoleID  *string    `json:"parent_role_id,omitempty"`
	Priority      int32      `json:"priority"`
	Active        *bool      `json:"active,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	MaxUsers      *int32     `json:"max_users,omitempty"`
}

// UpdateRoleInput carries the fields to change. Nil fields are left alone;
// ClearParent detaches the role from its parent.
type UpdateRoleInput struct {
	Name         *string   `json:"name,omitempty"`
	Description  *string   `json:"description,omitempty"`
	RoleType     *RoleType `json:"role_type,omitempty"`
	Priority     *int32    `json:"priority,omitempty"`
	ParentRoleID *string   `json:"parent_role_id,omitempty"`
	ClearParent  bool      `json:"clear_parent,omitempty"`
	MaxUsers     *int32    `json:"max_users,omitempty"`
}

// CreateRole validates and stores a role. A parent role also gets a direct
// hierarchy edge to the new role.
func (s *RoleService) CreateRole(ctx context.Context, in CreateRoleInput) (_ *Role, err error) {
	now := s.now()
	role := &Role{
		ID:            in.ID,
		Name:          strings.TrimSpace(in.Name),
		Description:   in.Description,
		RoleType:      in.RoleType,
		IsSystemRole:  in.IsSystemRole,
		PermissionIDs: normalizeIDs(in.PermissionIDs),
		ParentRoleID:  copyString(in.ParentRoleID),
		Priority:      in.Priority,
		Active:        in.Active == nil || *in.Active,
		ExpiresAt:     copyTime(in.ExpiresAt),
		MaxUsers:      in.MaxUsers,
		CreatedBy:     actor(ctx),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if role.ID == "" {
		role.ID = newID()
	}
	if role.RoleType == "" {
		role.RoleType = RoleTypeCustom
	}

	ch := roleChange("role.create", role.ID)
	defer s.track(ctx, ch, &err)

	if err := ValidateRole(role); err != nil {
		return nil, err
	}

	err = s.store.WithTx(ctx, func(tx Store) error {
		if err := requirePermissions(ctx, tx, role.PermissionIDs); err != nil {
			return err
		}
		if role.ParentRoleID != nil {
			if _, err := tx.GetRole(ctx, *role.ParentRoleID); err != nil {
				return err
			}
		}
		if err := tx.CreateRole(ctx, role); err != nil {
			return err
		}
		if role.ParentRoleID != nil {
			// A brand new role has no descendants, so this edge cannot close a cycle.
			return createEdge(ctx, tx, directEdge(*role.ParentRoleID, role.ID, role.CreatedBy, now))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return role, nil
}

// UpdateRole changes a non-system role. Moving the role to a new parent
// replaces its direct hierarchy edge under the hierarchy lock.
func (s *RoleService) UpdateRole(ctx context.Context, id string, in UpdateRoleInput) (_ *Role, err error) {
	defer s.track(ctx, roleChange("role.update", id), &err)

	parentChange := in.ClearParent || in.ParentRoleID != nil
	if parentChange {
		unlock, err := s.locker.Lock(ctx, hierarchyLockKey)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire hierarchy lock: %w", err)
		}
		defer unlock()
	}

	var out *Role
	err = s.store.WithTx(ctx, func(tx Store) error {
		role, err := mutableRole(ctx, tx, id)
		if err != nil {
			return err
		}
		oldParent := copyString(role.ParentRoleID)

		if in.Name != nil {
			role.Name = strings.TrimSpace(*in.Name)
		}
		if in.Description != nil {
			role.Description = *in.Description
		}
		if in.RoleType != nil {
			role.RoleType = *in.RoleType
		}
		if in.Priority != nil {
			role.Priority = *in.Priority
		}
		if in.MaxUsers != nil {
			role.MaxUsers = in.MaxUsers
		}
		if in.ClearParent {
			role.ParentRoleID = nil
		} else if in.ParentRoleID != nil {
			role.ParentRoleID = copyString(in.ParentRoleID)
		}
		role.UpdatedAt = s.now()

		if err := ValidateRole(role); err != nil {
			return err
		}
		if err := tx.UpdateRole(ctx, role); err != nil {
			return err
		}
		if parentChange && !sameString(oldParent, role.ParentRoleID) {
			if err := s.reparent(ctx, tx, role, oldParent); err != nil {
				return err
			}
		}
		out = role
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// reparent swaps the direct edge from the old parent for one from the new.
func (s *RoleService) reparent(ctx context.Context, tx Store, role *Role, oldParent *string) error {
	if oldParent != nil {
		edge, err := tx.GetEdge(ctx, *oldParent, role.ID)
		switch {
		case err == nil && edge.HierarchyType == HierarchyDirect:
			if err := tx.DeleteEdge(ctx, *oldParent, role.ID); err != nil {
				return err
			}
		case err != nil && !IsNotFound(err):
			return err
		}
	}
	if role.ParentRoleID == nil {
		return nil
	}
	if _, err := tx.GetRole(ctx, *role.ParentRoleID); err != nil {
		return err
	}
	edge := directEdge(*role.ParentRoleID, role.ID, actor(ctx), role.UpdatedAt)
	if err := checkAcyclic(ctx, tx, edge.ParentRoleID, edge.ChildRoleID); err != nil {
		return err
	}
	if existing, err := tx.GetEdge(ctx, edge.ParentRoleID, edge.ChildRoleID); err == nil {
		existing.Active = true
		existing.UpdatedAt = role.UpdatedAt
		return tx.UpdateEdge(ctx, existing)
	} else if !IsNotFound(err) {
		return err
	}
	return createEdge(ctx, tx, edge)
}

// AddPermissionToRole adds permissionID to the role's set. Adding an id that
// is already present changes nothing.
func (s *RoleService) AddPermissionToRole(ctx context.Context, roleID, permissionID string) (*Role, error) {
	return s.editPermissions(ctx, "role.add_permission", roleID, func(ctx context.Context, tx Store, role *Role) error {
		if err := requirePermissions(ctx, tx, []string{permissionID}); err != nil {
			return err
		}
		role.PermissionIDs = normalizeIDs(append(role.PermissionIDs, permissionID))
		return nil
	})
}

// RemovePermissionFromRole removes permissionID from the role's set. Removing
// an absent id changes nothing.
func (s *RoleService) RemovePermissionFromRole(ctx context.Context, roleID, permissionID string) (*Role, error) {
	return s.editPermissions(ctx, "role.remove_permission", roleID, func(ctx context.Context, tx Store, role *Role) error {
		role.PermissionIDs = removeID(role.PermissionIDs, permissionID)
		return nil
	})
}

// SetRolePermissions replaces the role's permission set.
func (s *RoleService) SetRolePermissions(ctx context.Context, roleID string, permissionIDs []string) (*Role, error) {
	return s.editPermissions(ctx, "role.set_permissions", roleID, func(ctx context.Context, tx Store, role *Role) error {
		ids := normalizeIDs(permissionIDs)
		if err := requirePermissions(ctx, tx, ids); err != nil {
			return err
		}
		role.PermissionIDs = ids
		return nil
	})
}

func (s *RoleService) editPermissions(ctx context.Context, op, roleID string,
	edit func(ctx context.Context, tx Store, role *Role) error) (_ *Role, err error) {

	defer s.track(ctx, roleChange(op, roleID), &err)

	var out *Role
	err = s.store.WithTx(ctx, func(tx Store) error {
		role, err := mutableRole(ctx, tx, roleID)
		if err != nil {
			return err
		}
		before := strings.Join(role.PermissionIDs, ",")
		if err := edit(ctx, tx, role); err != nil {
			return err
		}
		out = role
		if strings.Join(role.PermissionIDs, ",") == before {
			return nil
		}
		role.UpdatedAt = s.now()
		return tx.UpdateRole(ctx, role)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BulkUpdateRolePermissions applies op with permissionIDs to every role.
// Each role is edited in its own transaction; system roles are reported as
// failures and left untouched.
func (s *RoleService) BulkUpdateRolePermissions(ctx context.Context, roleIDs, permissionIDs []string, op BulkOperation) ([]BulkResult, error) {
	if !op.Valid() {
		return nil, NewValidationError("bulk_operation", "operation", CodeInvalid, fmt.Sprintf("unknown operation %q", op))
	}
	ids := normalizeIDs(permissionIDs)

	errs := async.Batch(ctx, roleIDs, s.bulkWorkers, 30*time.Second, func(ctx context.Context, _ int, roleID string) error {
		var err error
		switch op {
		case BulkAdd:
			_, err = s.editPermissions(ctx, "role.bulk_add_permissions", roleID, func(ctx context.Context, tx Store, role *Role) error {
				if err := requirePermissions(ctx, tx, ids); err != nil {
					return err
				}
				role.PermissionIDs = normalizeIDs(append(role.PermissionIDs, ids...))
				return nil
			})
		case BulkRemove:
			_, err = s.editPermissions(ctx, "role.bulk_remove_permissions", roleID, func(ctx context.Context, tx Store, role *Role) error {
				for _, id := range ids {
					role.PermissionIDs = removeID(role.PermissionIDs, id)
				}
				return nil
			})
		case BulkSet:
			_, err = s.SetRolePermissions(ctx, roleID, ids)
		}
		return err
	})
	return bulkResults(roleIDs, errs), nil
}

// ActivateRole marks a role active.
func (s *RoleService) ActivateRole(ctx context.Context, id string) (*Role, error) {
	return s.setActive(ctx, "role.activate", id, true)
}

// DeactivateRole archives a non-system role. Its assignments stay in place
// but confer nothing while it is inactive.
func (s *RoleService) DeactivateRole(ctx context.Context, id string) (*Role, error) {
	return s.setActive(ctx, "role.deactivate", id, false)
}

func (s *RoleService) setActive(ctx context.Context, op, id string, active bool) (_ *Role, err error) {
	defer s.track(ctx, roleChange(op, id), &err)

	var out *Role
	err = s.store.WithTx(ctx, func(tx Store) error {
		role, err := tx.GetRole(ctx, id)
		if err != nil {
			return err
		}
		if role.IsSystemRole && !active {
			return NewValidationError("role", "active", CodeSystemRole, "system roles cannot be deactivated")
		}
		out = role
		if role.Active == active {
			return nil
		}
		role.Active = active
		role.UpdatedAt = s.now()
		return tx.UpdateRole(ctx, role)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ExtendRoleExpiration moves a role's expiry strictly later.
func (s *RoleService) ExtendRoleExpiration(ctx context.Context, id string, expiresAt time.Time) (_ *Role, err error) {
	defer s.track(ctx, roleChange("role.extend_expiration", id), &err)

	var out *Role
	err = s.store.WithTx(ctx, func(tx Store) error {
		role, err := mutableRole(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := validateForward("role", role.ExpiresAt, expiresAt); err != nil {
			return err
		}
		role.ExpiresAt = timePtr(expiresAt.UTC())
		role.UpdatedAt = s.now()
		out = role
		return tx.UpdateRole(ctx, role)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CloneRole copies a role's permission set and its place in the hierarchy
// under a new name. The clone is always an active, non-system role.
func (s *RoleService) CloneRole(ctx context.Context, sourceID, name string) (_ *Role, err error) {
	now := s.now()
	clone := &Role{ID: newID()}

	ch := roleChange("role.clone", clone.ID)
	defer s.track(ctx, ch, &err)

	unlock, err := s.locker.Lock(ctx, hierarchyLockKey)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire hierarchy lock: %w", err)
	}
	defer unlock()

	err = s.store.WithTx(ctx, func(tx Store) error {
		src, err := tx.GetRole(ctx, sourceID)
		if err != nil {
			return err
		}
		*clone = Role{
			ID:            clone.ID,
			Name:          strings.TrimSpace(name),
			Description:   src.Description,
			RoleType:      src.RoleType,
			PermissionIDs: append([]string(nil), src.PermissionIDs...),
			ParentRoleID:  copyString(src.ParentRoleID),
			Priority:      src.Priority,
			Active:        true,
			ExpiresAt:     copyTime(src.ExpiresAt),
			MaxUsers:      src.MaxUsers,
			CreatedBy:     actor(ctx),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if clone.RoleType == RoleTypeSystem {
			clone.RoleType = RoleTypeCustom
		}
		if err := ValidateRole(clone); err != nil {
			return err
		}
		if err := tx.CreateRole(ctx, clone); err != nil {
			return err
		}

		parents, err := tx.ListEdges(ctx, EdgeFilter{ChildRoleID: sourceID})
		if err != nil {
			return err
		}
		for _, p := range parents {
			edge := copyEdge(p)
			edge.ID = newID()
			edge.ChildRoleID = clone.ID
			edge.CreatedBy = clone.CreatedBy
			edge.CreatedAt = now
			edge.UpdatedAt = now
			if err := tx.CreateEdge(ctx, edge); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return clone, nil
}

// DeleteRole removes a non-system role along with the permissions it owns
// and every hierarchy edge touching it. Live assignments or child roles block
// the delete unless force is set, in which case assignments are deleted and
// children lose their parent. Unfinished elevations to the role are revoked.
func (s *RoleService) DeleteRole(ctx context.Context, id string, force bool) (err error) {
	ch := roleChange("role.delete", id)
	defer s.track(ctx, ch, &err)

	unlock, err := s.locker.Lock(ctx, hierarchyLockKey)
	if err != nil {
		return fmt.Errorf("failed to acquire hierarchy lock: %w", err)
	}
	defer unlock()

	now := s.now()
	return s.store.WithTx(ctx, func(tx Store) error {
		if _, err := mutableRole(ctx, tx, id); err != nil {
			return err
		}

		assignments, err := tx.ListAssignments(ctx, AssignmentFilter{RoleID: id})
		if err != nil {
			return err
		}
		children, err := tx.ListRoles(ctx, RoleFilter{ParentRoleID: &id})
		if err != nil {
			return err
		}
		if !force {
			for _, a := range assignments {
				if a.isLive(now) {
					return NewConflictError("role %s has live assignments", id)
				}
			}
			if len(children) > 0 {
				return NewConflictError("role %s has %d child role(s)", id, len(children))
			}
		}

		for _, a := range assignments {
			if err := tx.DeleteAssignment(ctx, a.ID); err != nil {
				return err
			}
			ch.users = append(ch.users, a.UserID)
		}
		elevations, err := tx.ListElevations(ctx, ElevationFilter{ElevatedRoleID: id})
		if err != nil {
			return err
		}
		for _, e := range elevations {
			if err := revokeElevation(ctx, tx, e, actor(ctx), "elevated role deleted", now); err != nil {
				return err
			}
		}
		for _, child := range children {
			child.ParentRoleID = nil
			child.UpdatedAt = now
			if err := tx.UpdateRole(ctx, child); err != nil {
				return err
			}
		}
		if err := deleteEdgesTouching(ctx, tx, id); err != nil {
			return err
		}
		if err := deleteOwnedPermissions(ctx, tx, id, now); err != nil {
			return err
		}
		return tx.DeleteRole(ctx, id)
	})
}

func deleteEdgesTouching(ctx context.Context, tx Store, roleID string) error {
	up, err := tx.ListEdges(ctx, EdgeFilter{ChildRoleID: roleID})
	if err != nil {
		return err
	}
	down, err := tx.ListEdges(ctx, EdgeFilter{ParentRoleID: roleID})
	if err != nil {
		return err
	}
	for _, e := range append(up, down...) {
		if err := tx.DeleteEdge(ctx, e.ParentRoleID, e.ChildRoleID); err != nil {
			return err
		}
	}
	return nil
}

// deleteOwnedPermissions deletes the role's permissions and detaches them
// from any other role that references them.
func deleteOwnedPermissions(ctx context.Context, tx Store, roleID string, now time.Time) error {
	owned, err := tx.ListPermissions(ctx, PermissionFilter{RoleID: roleID})
	if err != nil {
		return err
	}
	for _, p := range owned {
		if err := detachPermission(ctx, tx, p.ID, roleID, now); err != nil {
			return err
		}
		if err := tx.DeletePermission(ctx, p.ID); err != nil {
			return err
		}
	}
	return nil
}

// detachPermission removes permissionID from every role except skipRoleID.
func detachPermission(ctx context.Context, tx Store, permissionID, skipRoleID string, now time.Time) error {
	roles, err := tx.ListRoles(ctx, RoleFilter{})
	if err != nil {
		return err
	}
	for _, r := range roles {
		if r.ID == skipRoleID || !r.HasPermission(permissionID) {
			continue
		}
		r.PermissionIDs = removeID(r.PermissionIDs, permissionID)
		r.UpdatedAt = now
		if err := tx.UpdateRole(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// GetRole returns a role by id.
func (s *RoleService) GetRole(ctx context.Context, id string) (*Role, error) {
	return s.store.GetRole(ctx, id)
}

// ListRoles returns roles matching filter ordered by name.
func (s *RoleService) ListRoles(ctx context.Context, filter RoleFilter) ([]*Role, error) {
	return s.store.ListRoles(ctx, filter)
}

// SystemRoles returns the built-in roles.
func (s *RoleService) SystemRoles(ctx context.Context) ([]*Role, error) {
	yes := true
	return s.store.ListRoles(ctx, RoleFilter{SystemOnly: &yes})
}

// CustomRoles returns every non-system role.
func (s *RoleService) CustomRoles(ctx context.Context) ([]*Role, error) {
	no := false
	return s.store.ListRoles(ctx, RoleFilter{SystemOnly: &no})
}

// RolesWithPermission returns the roles whose set contains permissionID.
func (s *RoleService) RolesWithPermission(ctx context.Context, permissionID string) ([]*Role, error) {
	roles, err := s.store.ListRoles(ctx, RoleFilter{})
	if err != nil {
		return nil, err
	}
	out := roles[:0]
	for _, r := range roles {
		if r.HasPermission(permissionID) {
			out = append(out, r)
		}
	}
	return out, nil
}

// ChildRoles returns the roles directly below roleID in the hierarchy.
func (s *RoleService) ChildRoles(ctx context.Context, roleID string) ([]*Role, error) {
	edges, err := s.store.ListEdges(ctx, EdgeFilter{ParentRoleID: roleID})
	if err != nil {
		return nil, err
	}
	out := make([]*Role, 0, len(edges))
	for _, e := range edges {
		child, err := s.store.GetRole(ctx, e.ChildRoleID)
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, child)
	}
	return out, nil
}

// RoleStatistics counts roles by state and type.
func (s *RoleService) RoleStatistics(ctx context.Context) (*RoleStatistics, error) {
	roles, err := s.store.ListRoles(ctx, RoleFilter{})
	if err != nil {
		return nil, err
	}
	now := s.now()
	stats := &RoleStatistics{ByType: make(map[RoleType]int)}
	for _, r := range roles {
		stats.TotalRoles++
		stats.ByType[r.RoleType]++
		if r.IsSystemRole {
			stats.SystemRoles++
		}
		if r.IsExpired(now) {
			stats.ExpiredRoles++
		}
		if r.IsUsable(now) {
			stats.ActiveRoles++
		}
	}
	return stats, nil
}

// mutableRole loads a role and rejects it if it is a system role.
func mutableRole(ctx context.Context, tx Store, id string) (*Role, error) {
	role, err := tx.GetRole(ctx, id)
	if err != nil {
		return nil, err
	}
	if role.IsSystemRole {
		return nil, NewValidationError("role", "is_system_role", CodeSystemRole, "system roles cannot be modified")
	}
	return role, nil
}

func requirePermissions(ctx context.Context, tx Store, ids []string) error {
	for _, id := range ids {
		if _, err := tx.GetPermission(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func sameString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
