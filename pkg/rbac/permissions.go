package rbac

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// PermissionService manages permissions and their attachment to roles.
type PermissionService struct {
	*core
}

// CreatePermissionInput describes a new permission. Scope defaults to
// global and Active to true.
type CreatePermissionInput struct {
	ID              string          `json:"id,omitempty"`
	RoleID          string          `json:"role_id"`
	ResourceType    string          `json:"resource_type"`
	Actions         []Action        `json:"actions"`
	Scope           PermissionScope `json:"scope,omitempty"`
	Conditions      json.RawMessage `json:"conditions,omitempty"`
	ResourceFilters json.RawMessage `json:"resource_filters,omitempty"`
	Active          *bool           `json:"active,omitempty"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
}

// UpdatePermissionInput replaces the given fields. An empty, non-nil
// Conditions or ResourceFilters clears it.
type UpdatePermissionInput struct {
	ResourceType    *string          `json:"resource_type,omitempty"`
	Scope           *PermissionScope `json:"scope,omitempty"`
	Conditions      *json.RawMessage `json:"conditions,omitempty"`
	ResourceFilters *json.RawMessage `json:"resource_filters,omitempty"`
}

// CreatePermission stores a permission and attaches it to its owning role in
// the same transaction.
func (s *PermissionService) CreatePermission(ctx context.Context, in CreatePermissionInput) (_ *Permission, err error) {
	now := s.now()
	perm := &Permission{
		ID:              in.ID,
		RoleID:          in.RoleID,
		ResourceType:    strings.TrimSpace(in.ResourceType),
		Actions:         normalizeActions(in.Actions),
		Scope:           in.Scope,
		Conditions:      in.Conditions,
		ResourceFilters: in.ResourceFilters,
		Active:          in.Active == nil || *in.Active,
		ExpiresAt:       copyTime(in.ExpiresAt),
		CreatedBy:       actor(ctx),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if perm.ID == "" {
		perm.ID = newID()
	}
	if perm.Scope == "" {
		perm.Scope = ScopeGlobal
	}

	defer s.track(ctx, permissionChange("permission.create", perm.ID), &err)

	if err := ValidatePermission(perm); err != nil {
		return nil, err
	}

	err = s.store.WithTx(ctx, func(tx Store) error {
		role, err := mutableRole(ctx, tx, perm.RoleID)
		if err != nil {
			return err
		}
		return attachNewPermission(ctx, tx, role, perm, now)
	})
	if err != nil {
		return nil, err
	}
	return perm, nil
}

func attachNewPermission(ctx context.Context, tx Store, role *Role, perm *Permission, now time.Time) error {
	if err := tx.CreatePermission(ctx, perm); err != nil {
		return err
	}
	role.PermissionIDs = normalizeIDs(append(role.PermissionIDs, perm.ID))
	role.UpdatedAt = now
	return tx.UpdateRole(ctx, role)
}

// UpdatePermission replaces scope, resource type or the JSON predicates and
// re-validates the result.
func (s *PermissionService) UpdatePermission(ctx context.Context, id string, in UpdatePermissionInput) (*Permission, error) {
	return s.edit(ctx, "permission.update", id, func(p *Permission) error {
		if in.ResourceType != nil {
			p.ResourceType = strings.TrimSpace(*in.ResourceType)
		}
		if in.Scope != nil {
			p.Scope = *in.Scope
		}
		if in.Conditions != nil {
			p.Conditions = *in.Conditions
		}
		if in.ResourceFilters != nil {
			p.ResourceFilters = *in.ResourceFilters
		}
		return nil
	})
}

// AddActionToPermission adds action to the permission's action set.
func (s *PermissionService) AddActionToPermission(ctx context.Context, id string, action Action) (*Permission, error) {
	return s.edit(ctx, "permission.add_action", id, func(p *Permission) error {
		p.Actions = normalizeActions(append(p.Actions, action))
		return nil
	})
}

// RemoveActionFromPermission removes action. The last action cannot be
// removed; deactivate or delete the permission instead.
func (s *PermissionService) RemoveActionFromPermission(ctx context.Context, id string, action Action) (*Permission, error) {
	return s.edit(ctx, "permission.remove_action", id, func(p *Permission) error {
		if !p.Allows(action) {
			return nil
		}
		if len(p.Actions) == 1 {
			return NewValidationError("permission", "actions", CodeLastAction, "cannot remove the last action")
		}
		kept := p.Actions[:0]
		for _, a := range p.Actions {
			if a != action {
				kept = append(kept, a)
			}
		}
		p.Actions = kept
		return nil
	})
}

// ActivatePermission marks a permission active.
func (s *PermissionService) ActivatePermission(ctx context.Context, id string) (*Permission, error) {
	return s.edit(ctx, "permission.activate", id, func(p *Permission) error {
		p.Active = true
		return nil
	})
}

// DeactivatePermission marks a permission inactive.
func (s *PermissionService) DeactivatePermission(ctx context.Context, id string) (*Permission, error) {
	return s.edit(ctx, "permission.deactivate", id, func(p *Permission) error {
		p.Active = false
		return nil
	})
}

// ExtendPermissionExpiration moves a permission's expiry strictly later.
func (s *PermissionService) ExtendPermissionExpiration(ctx context.Context, id string, expiresAt time.Time) (*Permission, error) {
	return s.edit(ctx, "permission.extend_expiration", id, func(p *Permission) error {
		if err := validateForward("permission", p.ExpiresAt, expiresAt); err != nil {
			return err
		}
		p.ExpiresAt = timePtr(expiresAt.UTC())
		return nil
	})
}

func (s *PermissionService) edit(ctx context.Context, op, id string, fn func(p *Permission) error) (_ *Permission, err error) {
	defer s.track(ctx, permissionChange(op, id), &err)

	var out *Permission
	err = s.store.WithTx(ctx, func(tx Store) error {
		p, err := mutablePermission(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
		if err := ValidatePermission(p); err != nil {
			return err
		}
		p.UpdatedAt = s.now()
		out = p
		return tx.UpdatePermission(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ClonePermission copies a permission onto another role.
func (s *PermissionService) ClonePermission(ctx context.Context, id, toRoleID string) (_ *Permission, err error) {
	clone := &Permission{ID: newID()}
	defer s.track(ctx, permissionChange("permission.clone", clone.ID), &err)

	err = s.store.WithTx(ctx, func(tx Store) error {
		src, err := tx.GetPermission(ctx, id)
		if err != nil {
			return err
		}
		role, err := mutableRole(ctx, tx, toRoleID)
		if err != nil {
			return err
		}
		*clone = *s.copyFor(src, role.ID, clone.ID, actor(ctx))
		return attachNewPermission(ctx, tx, role, clone, clone.CreatedAt)
	})
	if err != nil {
		return nil, err
	}
	return clone, nil
}

// CopyPermissionsToRole clones every permission in fromRoleID's set onto
// toRoleID in one transaction.
func (s *PermissionService) CopyPermissionsToRole(ctx context.Context, fromRoleID, toRoleID string) (_ []*Permission, err error) {
	defer s.track(ctx, roleChange("permission.copy_to_role", toRoleID), &err)

	var out []*Permission
	err = s.store.WithTx(ctx, func(tx Store) error {
		from, err := tx.GetRole(ctx, fromRoleID)
		if err != nil {
			return err
		}
		to, err := mutableRole(ctx, tx, toRoleID)
		if err != nil {
			return err
		}
		for _, pid := range from.PermissionIDs {
			src, err := tx.GetPermission(ctx, pid)
			if IsNotFound(err) {
				continue
			}
			if err != nil {
				return err
			}
			clone := s.copyFor(src, to.ID, newID(), actor(ctx))
			if err := attachNewPermission(ctx, tx, to, clone, clone.CreatedAt); err != nil {
				return err
			}
			out = append(out, clone)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PermissionService) copyFor(src *Permission, roleID, id, createdBy string) *Permission {
	now := s.now()
	c := copyPermission(src)
	c.ID = id
	c.RoleID = roleID
	c.CreatedBy = createdBy
	c.CreatedAt = now
	c.UpdatedAt = now
	return c
}

// DeletePermission detaches a permission from every role and deletes it.
func (s *PermissionService) DeletePermission(ctx context.Context, id string) (err error) {
	defer s.track(ctx, permissionChange("permission.delete", id), &err)

	return s.store.WithTx(ctx, func(tx Store) error {
		if _, err := mutablePermission(ctx, tx, id); err != nil {
			return err
		}
		if err := detachPermission(ctx, tx, id, "", s.now()); err != nil {
			return err
		}
		return tx.DeletePermission(ctx, id)
	})
}

// GetPermission returns a permission by id.
func (s *PermissionService) GetPermission(ctx context.Context, id string) (*Permission, error) {
	return s.store.GetPermission(ctx, id)
}

// PermissionsForRole returns the permissions in the role's set, skipping
// ids that no longer resolve.
func (s *PermissionService) PermissionsForRole(ctx context.Context, roleID string) ([]*Permission, error) {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	out := make([]*Permission, 0, len(role.PermissionIDs))
	for _, id := range role.PermissionIDs {
		p, err := s.store.GetPermission(ctx, id)
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// PermissionsByResourceType returns every permission on resourceType.
func (s *PermissionService) PermissionsByResourceType(ctx context.Context, resourceType string) ([]*Permission, error) {
	return s.store.ListPermissions(ctx, PermissionFilter{ResourceType: resourceType})
}

// ListPermissions returns permissions matching filter.
func (s *PermissionService) ListPermissions(ctx context.Context, filter PermissionFilter) ([]*Permission, error) {
	return s.store.ListPermissions(ctx, filter)
}

// mutablePermission loads a permission and rejects it when its owning role
// is a system role.
func mutablePermission(ctx context.Context, tx Store, id string) (*Permission, error) {
	p, err := tx.GetPermission(ctx, id)
	if err != nil {
		return nil, err
	}
	owner, err := tx.GetRole(ctx, p.RoleID)
	if err != nil && !IsNotFound(err) {
		return nil, err
	}
	if owner != nil && owner.IsSystemRole {
		return nil, NewValidationError("permission", "role_id", CodeSystemRole, "permissions of system roles cannot be modified")
	}
	return p, nil
}
