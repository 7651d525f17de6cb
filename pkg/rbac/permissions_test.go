package rbac

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatePermission(t *testing.T) {
	f := newFixture(t)
	f.role("r", 1)

	p, err := f.m.Permissions.CreatePermission(f.ctx, CreatePermissionInput{
		RoleID:       "r",
		ResourceType: " invoice ",
		Actions:      []Action{ActionRead, ActionExport, ActionRead},
	})
	require.NoError(t, err)
	assert.Equal(t, "invoice", p.ResourceType)
	assert.Equal(t, ScopeGlobal, p.Scope)
	assert.Equal(t, []Action{ActionRead, ActionExport}, p.Actions)
	assert.True(t, p.Active)

	role, err := f.m.Roles.GetRole(f.ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, []string{p.ID}, role.PermissionIDs, "a new permission joins its owner's set")

	tests := []struct {
		name string
		in   CreatePermissionInput
		code string
	}{
		{"no actions", CreatePermissionInput{RoleID: "r", ResourceType: "doc"}, CodeInvalid},
		{"unknown action", CreatePermissionInput{RoleID: "r", ResourceType: "doc", Actions: []Action{"fly"}}, CodeInvalid},
		{"no resource type", CreatePermissionInput{RoleID: "r", Actions: []Action{ActionRead}}, CodeRequired},
		{"unknown scope", CreatePermissionInput{RoleID: "r", ResourceType: "doc", Actions: []Action{ActionRead}, Scope: "galaxy"}, CodeInvalid},
		{"bad conditions", CreatePermissionInput{RoleID: "r", ResourceType: "doc", Actions: []Action{ActionRead}, Conditions: json.RawMessage(`{`)}, CodeInvalidJSON},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.m.Permissions.CreatePermission(f.ctx, tt.in)
			require.Error(t, err)
			var ves ValidationErrors
			require.ErrorAs(t, err, &ves)
			assert.True(t, ves.Has(tt.code), "codes: %v", ves)
		})
	}

	t.Run("unknown role", func(t *testing.T) {
		_, err := f.m.Permissions.CreatePermission(f.ctx, CreatePermissionInput{RoleID: "nope", ResourceType: "doc", Actions: []Action{ActionRead}})
		assert.True(t, IsNotFound(err))
	})
}

func TestPermissionActions(t *testing.T) {
	f := newFixture(t)
	f.role("r", 1)
	f.perm("p", "r", "doc", ActionRead)

	p, err := f.m.Permissions.AddActionToPermission(f.ctx, "p", ActionUpdate)
	require.NoError(t, err)
	assert.Equal(t, []Action{ActionRead, ActionUpdate}, p.Actions)

	p, err = f.m.Permissions.AddActionToPermission(f.ctx, "p", ActionUpdate)
	require.NoError(t, err)
	assert.Len(t, p.Actions, 2)

	_, err = f.m.Permissions.AddActionToPermission(f.ctx, "p", "teleport")
	assert.True(t, IsValidationError(err))

	p, err = f.m.Permissions.RemoveActionFromPermission(f.ctx, "p", ActionRead)
	require.NoError(t, err)
	assert.Equal(t, []Action{ActionUpdate}, p.Actions)

	_, err = f.m.Permissions.RemoveActionFromPermission(f.ctx, "p", ActionUpdate)
	assert.Equal(t, CodeLastAction, ValidationCode(err))

	p, err = f.m.Permissions.RemoveActionFromPermission(f.ctx, "p", ActionDelete)
	require.NoError(t, err, "removing an absent action is a no-op")
	assert.Equal(t, []Action{ActionUpdate}, p.Actions)
}

func TestUpdatePermission(t *testing.T) {
	f := newFixture(t)
	f.role("r", 1)
	_, err := f.m.Permissions.CreatePermission(f.ctx, CreatePermissionInput{
		ID:           "p",
		RoleID:       "r",
		ResourceType: "doc",
		Actions:      []Action{ActionRead},
		Conditions:   json.RawMessage(`{"region":"eu"}`),
	})
	require.NoError(t, err)

	empty := json.RawMessage{}
	p, err := f.m.Permissions.UpdatePermission(f.ctx, "p", UpdatePermissionInput{
		ResourceType: ptr("report"),
		Scope:        ptr(ScopeOwn),
		Conditions:   &empty,
	})
	require.NoError(t, err)
	assert.Equal(t, "report", p.ResourceType)
	assert.Equal(t, ScopeOwn, p.Scope)
	assert.Empty(t, p.Conditions)

	bad := json.RawMessage(`[`)
	_, err = f.m.Permissions.UpdatePermission(f.ctx, "p", UpdatePermissionInput{ResourceFilters: &bad})
	assert.Equal(t, CodeInvalidJSON, ValidationCode(err))

	stored, err := f.m.Permissions.GetPermission(f.ctx, "p")
	require.NoError(t, err)
	assert.Empty(t, stored.ResourceFilters, "rejected update is not persisted")
}

func TestPermissionLifecycle(t *testing.T) {
	f := newFixture(t)
	f.role("r", 1)
	f.perm("p", "r", "doc", ActionRead)

	p, err := f.m.Permissions.DeactivatePermission(f.ctx, "p")
	require.NoError(t, err)
	assert.False(t, p.Active)
	assert.False(t, p.IsUsable(baseTime))

	p, err = f.m.Permissions.ActivatePermission(f.ctx, "p")
	require.NoError(t, err)
	assert.True(t, p.Active)

	until := baseTime.Add(time.Hour)
	p, err = f.m.Permissions.ExtendPermissionExpiration(f.ctx, "p", until)
	require.NoError(t, err)
	assert.True(t, p.IsUsable(baseTime))
	assert.False(t, p.IsUsable(until))

	_, err = f.m.Permissions.ExtendPermissionExpiration(f.ctx, "p", until.Add(-time.Minute))
	assert.Equal(t, CodeNotForward, ValidationCode(err))
}

func TestClonePermission(t *testing.T) {
	f := newFixture(t)
	f.role("src", 1)
	f.role("dst", 1)
	f.perm("p1", "src", "doc", ActionRead)
	f.perm("p2", "src", "doc", ActionUpdate)

	clone, err := f.m.Permissions.ClonePermission(f.ctx, "p1", "dst")
	require.NoError(t, err)
	assert.NotEqual(t, "p1", clone.ID)
	assert.Equal(t, "dst", clone.RoleID)
	assert.Equal(t, []Action{ActionRead}, clone.Actions)

	copies, err := f.m.Permissions.CopyPermissionsToRole(f.ctx, "src", "dst")
	require.NoError(t, err)
	assert.Len(t, copies, 2)

	owned, err := f.m.Permissions.PermissionsForRole(f.ctx, "dst")
	require.NoError(t, err)
	assert.Len(t, owned, 3)
	for _, p := range owned {
		assert.Equal(t, "dst", p.RoleID)
	}

	byType, err := f.m.Permissions.PermissionsByResourceType(f.ctx, "doc")
	require.NoError(t, err)
	assert.Len(t, byType, 5)

	_, err = f.m.Permissions.ClonePermission(f.ctx, "p1", "nope")
	assert.True(t, IsNotFound(err))
}

func TestDeletePermission(t *testing.T) {
	f := newFixture(t)
	f.role("owner", 1)
	f.role("borrower", 1)
	f.perm("p", "owner", "doc", ActionRead)
	_, err := f.m.Roles.AddPermissionToRole(f.ctx, "borrower", "p")
	require.NoError(t, err)

	require.NoError(t, f.m.Permissions.DeletePermission(f.ctx, "p"))

	for _, id := range []string{"owner", "borrower"} {
		role, err := f.m.Roles.GetRole(f.ctx, id)
		require.NoError(t, err)
		assert.Empty(t, role.PermissionIDs, id)
	}
	_, err = f.m.Permissions.GetPermission(f.ctx, "p")
	assert.True(t, IsNotFound(err))
	assert.True(t, IsNotFound(f.m.Permissions.DeletePermission(f.ctx, "p")))
}
