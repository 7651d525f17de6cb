package rbac

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Resource types guarding the RBAC admin API. The default seed grants them.
const (
	ResourceRole       = "rbac.role"
	ResourcePermission = "rbac.permission"
	ResourceHierarchy  = "rbac.hierarchy"
	ResourceAssignment = "rbac.assignment"
	ResourceElevation  = "rbac.elevation"
	ResourceDecision   = "rbac.decision"
)

//go:embed default_seed.yaml
var defaultSeed []byte

// Seed declares system roles and their permissions.
type Seed struct {
	Roles []SeedRole `yaml:"roles"`
}

// SeedRole is one declared role. Parent names another role's id; the
// hierarchy edge is created when missing. System defaults to true.
type SeedRole struct {
	ID          string           `yaml:"id"`
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	RoleType    RoleType         `yaml:"role_type"`
	System      *bool            `yaml:"system"`
	Priority    int32            `yaml:"priority"`
	Parent      string           `yaml:"parent"`
	MaxUsers    *int32           `yaml:"max_users"`
	Permissions []SeedPermission `yaml:"permissions"`
}

// SeedPermission is one declared permission. Conditions and filters are
// written as YAML maps and stored as JSON.
type SeedPermission struct {
	ID              string                 `yaml:"id"`
	ResourceType    string                 `yaml:"resource_type"`
	Actions         []Action               `yaml:"actions"`
	Scope           PermissionScope        `yaml:"scope"`
	Conditions      map[string]interface{} `yaml:"conditions"`
	ResourceFilters map[string]interface{} `yaml:"resource_filters"`
}

// SeedResult counts what ApplySeed wrote.
type SeedResult struct {
	RolesCreated       int `json:"roles_created"`
	RolesUpdated       int `json:"roles_updated"`
	PermissionsCreated int `json:"permissions_created"`
	PermissionsUpdated int `json:"permissions_updated"`
	EdgesCreated       int `json:"edges_created"`
}

// DefaultSeed returns the built-in system roles.
func DefaultSeed() *Seed {
	seed, err := ParseSeed(defaultSeed)
	if err != nil {
		panic(fmt.Sprintf("rbac: invalid default seed: %v", err))
	}
	return seed
}

// LoadSeed reads a seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes a YAML seed document.
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed: %w", err)
	}
	seen := make(map[string]bool)
	for i, r := range seed.Roles {
		if r.ID == "" {
			return nil, fmt.Errorf("seed role %d: id is required", i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("seed role %s: declared twice", r.ID)
		}
		seen[r.ID] = true
	}
	for _, r := range seed.Roles {
		if r.Parent != "" && !seen[r.Parent] {
			return nil, fmt.Errorf("seed role %s: unknown parent %s", r.ID, r.Parent)
		}
	}
	return &seed, nil
}

// ApplySeed creates or refreshes every declared role, permission and parent
// edge in one transaction. It writes the store directly because system roles
// are immutable through the services. Applying a seed is idempotent.
func ApplySeed(ctx context.Context, store Store, seed *Seed, now time.Time) (*SeedResult, error) {
	now = now.UTC()
	result := &SeedResult{}
	err := store.WithTx(ctx, func(tx Store) error {
		for i := range seed.Roles {
			if err := applySeedRole(ctx, tx, &seed.Roles[i], now, result); err != nil {
				return fmt.Errorf("seed role %s: %w", seed.Roles[i].ID, err)
			}
		}
		for i := range seed.Roles {
			if err := applySeedParent(ctx, tx, &seed.Roles[i], now, result); err != nil {
				return fmt.Errorf("seed role %s: %w", seed.Roles[i].ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func applySeedRole(ctx context.Context, tx Store, sr *SeedRole, now time.Time, result *SeedResult) error {
	permIDs := make([]string, 0, len(sr.Permissions))
	for _, sp := range sr.Permissions {
		id := sp.ID
		if id == "" {
			id = sr.ID + "." + sp.ResourceType
		}
		permIDs = append(permIDs, id)
	}

	role, err := tx.GetRole(ctx, sr.ID)
	created := false
	switch {
	case IsNotFound(err):
		role = &Role{ID: sr.ID, Active: true, CreatedAt: now}
		created = true
	case err != nil:
		return err
	}

	role.Name = sr.Name
	role.Description = sr.Description
	role.RoleType = sr.RoleType
	if role.RoleType == "" {
		role.RoleType = RoleTypeSystem
	}
	role.IsSystemRole = sr.System == nil || *sr.System
	role.Priority = sr.Priority
	role.MaxUsers = sr.MaxUsers
	role.PermissionIDs = normalizeIDs(permIDs)
	role.UpdatedAt = now
	if err := ValidateRole(role); err != nil {
		return err
	}

	// The role must exist before its permissions can reference it.
	if created {
		result.RolesCreated++
		err = tx.CreateRole(ctx, role)
	} else {
		result.RolesUpdated++
		err = tx.UpdateRole(ctx, role)
	}
	if err != nil {
		return err
	}

	for i, sp := range sr.Permissions {
		if err := applySeedPermission(ctx, tx, role.ID, permIDs[i], &sp, now, result); err != nil {
			return fmt.Errorf("permission %s: %w", permIDs[i], err)
		}
	}
	return nil
}

func applySeedPermission(ctx context.Context, tx Store, roleID, id string, sp *SeedPermission, now time.Time, result *SeedResult) error {
	conditions, err := seedJSON(sp.Conditions)
	if err != nil {
		return err
	}
	filters, err := seedJSON(sp.ResourceFilters)
	if err != nil {
		return err
	}

	perm, err := tx.GetPermission(ctx, id)
	created := false
	switch {
	case IsNotFound(err):
		perm = &Permission{ID: id, Active: true, CreatedAt: now}
		created = true
	case err != nil:
		return err
	}

	perm.RoleID = roleID
	perm.ResourceType = sp.ResourceType
	perm.Actions = normalizeActions(sp.Actions)
	perm.Scope = sp.Scope
	if perm.Scope == "" {
		perm.Scope = ScopeGlobal
	}
	perm.Conditions = conditions
	perm.ResourceFilters = filters
	perm.UpdatedAt = now
	if err := ValidatePermission(perm); err != nil {
		return err
	}

	if created {
		result.PermissionsCreated++
		return tx.CreatePermission(ctx, perm)
	}
	result.PermissionsUpdated++
	return tx.UpdatePermission(ctx, perm)
}

func applySeedParent(ctx context.Context, tx Store, sr *SeedRole, now time.Time, result *SeedResult) error {
	if sr.Parent == "" {
		return nil
	}
	role, err := tx.GetRole(ctx, sr.ID)
	if err != nil {
		return err
	}
	if role.ParentRoleID == nil || *role.ParentRoleID != sr.Parent {
		role.ParentRoleID = stringPtr(sr.Parent)
		role.UpdatedAt = now
		if err := tx.UpdateRole(ctx, role); err != nil {
			return err
		}
	}

	if _, err := tx.GetEdge(ctx, sr.Parent, sr.ID); err == nil {
		return nil
	} else if !IsNotFound(err) {
		return err
	}
	depth, err := ancestorDepth(ctx, tx, sr.Parent, sr.ID)
	if err != nil {
		return err
	}
	edge := directEdge(sr.Parent, sr.ID, "", now)
	edge.DepthLevel = int32(depth + 1)
	if err := createEdge(ctx, tx, edge); err != nil {
		return err
	}
	result.EdgesCreated++
	return nil
}

func seedJSON(m map[string]interface{}) (json.RawMessage, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode seed document: %w", err)
	}
	return b, nil
}
