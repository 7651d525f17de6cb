package rbac

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const supportSeed = `
roles:
  - id: support
    name: Support
    role_type: custom
    system: false
    priority: 20
    permissions:
      - resource_type: ticket
        actions: [update, read]
        conditions:
          department: support
  - id: support-lead
    name: Support Lead
    role_type: custom
    system: false
    priority: 30
    parent: support
    max_users: 3
    permissions:
      - id: lead.escalate
        resource_type: ticket
        actions: [approve]
`

func TestDefaultSeed(t *testing.T) {
	seed := DefaultSeed()
	ids := make([]string, 0, len(seed.Roles))
	for _, r := range seed.Roles {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{"rbac-viewer", "security-auditor", "rbac-admin", "elevation-requester"}, ids)
}

func TestParseSeed(t *testing.T) {
	seed, err := ParseSeed([]byte(supportSeed))
	require.NoError(t, err)
	require.Len(t, seed.Roles, 2)
	assert.Equal(t, "support", seed.Roles[1].Parent)
	require.NotNil(t, seed.Roles[1].MaxUsers)
	assert.Equal(t, int32(3), *seed.Roles[1].MaxUsers)

	tests := []struct {
		name string
		doc  string
	}{
		{"malformed", "roles: [\n"},
		{"missing id", "roles:\n  - name: x\n"},
		{"duplicate id", "roles:\n  - id: a\n    name: a\n  - id: a\n    name: b\n"},
		{"unknown parent", "roles:\n  - id: a\n    name: a\n    parent: b\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSeed([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(supportSeed), 0o600))

	seed, err := LoadSeed(path)
	require.NoError(t, err)
	assert.Len(t, seed.Roles, 2)

	_, err = LoadSeed(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplySeed(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			seed, err := ParseSeed([]byte(supportSeed))
			require.NoError(t, err)

			result, err := ApplySeed(ctx, store, seed, baseTime)
			require.NoError(t, err)
			assert.Equal(t, SeedResult{RolesCreated: 2, PermissionsCreated: 2, EdgesCreated: 1}, *result)

			support, err := store.GetRole(ctx, "support")
			require.NoError(t, err)
			assert.False(t, support.IsSystemRole)
			assert.Equal(t, []string{"support.ticket"}, support.PermissionIDs)

			perm, err := store.GetPermission(ctx, "support.ticket")
			require.NoError(t, err)
			assert.Equal(t, "support", perm.RoleID)
			assert.Equal(t, ScopeGlobal, perm.Scope)
			assert.ElementsMatch(t, []Action{ActionRead, ActionUpdate}, perm.Actions)
			assert.JSONEq(t, `{"department":"support"}`, string(perm.Conditions))

			lead, err := store.GetRole(ctx, "support-lead")
			require.NoError(t, err)
			require.NotNil(t, lead.ParentRoleID)
			assert.Equal(t, "support", *lead.ParentRoleID)
			edge, err := store.GetEdge(ctx, "support", "support-lead")
			require.NoError(t, err)
			assert.True(t, edge.InheritedPermissions)

			again, err := ApplySeed(ctx, store, seed, baseTime)
			require.NoError(t, err)
			assert.Equal(t, SeedResult{RolesUpdated: 2, PermissionsUpdated: 2}, *again, "reapplying changes nothing new")

			edges, err := store.ListEdges(ctx, EdgeFilter{})
			require.NoError(t, err)
			assert.Len(t, edges, 1)
		})
	}
}

func TestInitialize_SeedsSystemRoles(t *testing.T) {
	f := newFixture(t, withSeed())
	require.NoError(t, f.m.Initialize(f.ctx))
	require.NoError(t, f.m.Initialize(f.ctx), "initialize is repeatable")

	admin, err := f.m.Roles.GetRole(f.ctx, "rbac-admin")
	require.NoError(t, err)
	assert.True(t, admin.IsSystemRole)

	_, err = f.m.Roles.UpdateRole(f.ctx, "rbac-admin", UpdateRoleInput{Description: ptr("mine now")})
	assert.Equal(t, CodeSystemRole, ValidationCode(err))

	f.assign("u1", "rbac-admin")
	dec := f.resolve("u1", ResourceRole, ActionRead)
	require.True(t, dec.Allowed, dec.Reason)
	assert.Equal(t, "rbac-viewer.roles", dec.MatchedPermissionID)
	assert.Equal(t, []string{"rbac-admin", "security-auditor", "rbac-viewer"}, dec.Chain)

	f.assign("u2", "elevation-requester")
	assert.False(t, f.resolve("u2", ResourceRole, ActionRead).Allowed)
}

func TestInitialize_CustomSeed(t *testing.T) {
	seed, err := ParseSeed([]byte(supportSeed))
	require.NoError(t, err)
	f := newFixture(t, func(_ *Options, c *Config) {
		c.SkipSeed = false
		c.Seed = seed
	})
	require.NoError(t, f.m.Initialize(f.ctx))

	_, err = f.m.Roles.GetRole(f.ctx, "rbac-admin")
	assert.True(t, IsNotFound(err), "a custom seed replaces the default one")

	f.assign("u1", "support-lead")
	dec := f.resolveReq(Request{
		UserID: "u1", ResourceType: "ticket", Action: ActionRead,
		Attributes: map[string]interface{}{"department": "support"},
	})
	require.True(t, dec.Allowed, dec.Reason)
	assert.Equal(t, "support.ticket", dec.MatchedPermissionID)
}
