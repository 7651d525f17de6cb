package rbac

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/audit"
)

// countingStore counts assignment scans, which every uncached resolution
// performs exactly once.
type countingStore struct {
	Store
	scans atomic.Int64
}

func (s *countingStore) ListAssignments(ctx context.Context, filter AssignmentFilter) ([]*UserRole, error) {
	s.scans.Add(1)
	return s.Store.ListAssignments(ctx, filter)
}

func newCheckerFixture(t *testing.T) (*fixture, *countingStore) {
	store := &countingStore{Store: NewMemoryStore()}
	f := newFixtureWithStore(t, store, withCache(100, time.Hour))
	f.role("r", 1)
	f.perm("p", "r", "doc", ActionRead)
	f.assign("u1", "r")
	return f, store
}

func (f *fixture) check(userID, resourceType string, action Action) *Decision {
	f.t.Helper()
	dec, err := f.m.Checker.Resolve(f.ctx, Request{UserID: userID, ResourceType: resourceType, Action: action})
	require.NoError(f.t, err)
	return dec
}

func TestChecker_CachesDecisions(t *testing.T) {
	f, store := newCheckerFixture(t)
	require.True(t, f.m.Checker.Enabled())
	before := store.scans.Load()

	first := f.check("u1", "doc", ActionRead)
	second := f.check("u1", "doc", ActionRead)
	assert.True(t, first.Allowed)
	assert.True(t, second.Allowed)
	assert.Equal(t, int64(1), store.scans.Load()-before)

	stats := f.m.Checker.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)

	second.Chain[0] = "tampered"
	third := f.check("u1", "doc", ActionRead)
	assert.Equal(t, []string{"r"}, third.Chain, "callers get private copies")
}

func TestChecker_AuditsCacheHits(t *testing.T) {
	f, _ := newCheckerFixture(t)

	f.check("u1", "doc", ActionRead)
	f.check("u1", "doc", ActionRead)
	f.check("u1", "doc", ActionRead)

	assert.Eventually(t, func() bool {
		return len(f.auditEvents(audit.EventTypePermissionCheck)) == 3
	}, time.Second, 10*time.Millisecond)
}

func TestChecker_AssignmentChangeInvalidatesUser(t *testing.T) {
	f, _ := newCheckerFixture(t)
	f.role("writer", 1)
	f.perm("w", "writer", "doc", ActionUpdate)

	assert.False(t, f.check("u1", "doc", ActionUpdate).Allowed)
	assert.False(t, f.check("u2", "doc", ActionRead).Allowed)

	f.assign("u1", "writer")
	assert.True(t, f.check("u1", "doc", ActionUpdate).Allowed, "new grant is visible at once")

	assignments, err := f.m.Assignments.AssignmentsForUser(f.ctx, "u1")
	require.NoError(t, err)
	for _, a := range assignments {
		_, err := f.m.Assignments.Revoke(f.ctx, a.ID, "admin", "offboarding")
		require.NoError(t, err)
	}
	assert.False(t, f.check("u1", "doc", ActionRead).Allowed, "revocation is visible at once")
}

func TestChecker_DirectoryChangeNeedsInvalidation(t *testing.T) {
	dir := staticDirectory{"u1": true}
	f := newFixtureWithStore(t, NewMemoryStore(), withCache(100, time.Hour), withDirectory(dir))
	f.role("r", 1)
	f.perm("p", "r", "doc", ActionRead)
	f.assign("u1", "r")

	require.True(t, f.check("u1", "doc", ActionRead).Allowed)

	dir["u1"] = false
	assert.True(t, f.check("u1", "doc", ActionRead).Allowed, "the cache does not watch the directory")

	f.m.Checker.InvalidateUser("u1")
	dec := f.check("u1", "doc", ActionRead)
	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonUserInactive, dec.Reason)
}

func TestChecker_CatalogueChangeInvalidatesEveryone(t *testing.T) {
	f, _ := newCheckerFixture(t)
	f.assign("u2", "r")

	assert.True(t, f.check("u1", "doc", ActionRead).Allowed)
	assert.True(t, f.check("u2", "doc", ActionRead).Allowed)

	_, err := f.m.Permissions.DeactivatePermission(f.ctx, "p")
	require.NoError(t, err)

	assert.False(t, f.check("u1", "doc", ActionRead).Allowed)
	assert.False(t, f.check("u2", "doc", ActionRead).Allowed)
	assert.Equal(t, 2, f.m.Checker.Stats().Entries, "purged, then refilled by the two checks")
}

func TestChecker_HonoursValidUntil(t *testing.T) {
	store := &countingStore{Store: NewMemoryStore()}
	f := newFixtureWithStore(t, store, withCache(100, time.Hour))
	f.role("r", 1)
	f.perm("p", "r", "doc", ActionRead)
	end := baseTime.Add(30 * time.Second)
	_, err := f.m.Assignments.AssignRole(f.ctx, AssignRoleInput{UserID: "u1", RoleID: "r", ExpiresAt: &end})
	require.NoError(t, err)

	assert.True(t, f.check("u1", "doc", ActionRead).Allowed)
	f.clock.Advance(10 * time.Second)
	assert.True(t, f.check("u1", "doc", ActionRead).Allowed)
	assert.Equal(t, int64(1), f.m.Checker.Stats().Hits)

	f.clock.Advance(20 * time.Second)
	assert.False(t, f.check("u1", "doc", ActionRead).Allowed, "a cached grant never outlives its assignment")
}

func TestChecker_ExplicitNowBypassesCache(t *testing.T) {
	f, _ := newCheckerFixture(t)

	dec, err := f.m.Checker.Resolve(f.ctx, Request{UserID: "u1", ResourceType: "doc", Action: ActionRead, Now: baseTime.Add(-time.Hour)})
	require.NoError(t, err)
	assert.False(t, dec.Allowed, "the assignment did not exist yet")

	stats := f.m.Checker.Stats()
	assert.Zero(t, stats.Hits+stats.Misses)
}

func TestChecker_AttributesArePartOfTheKey(t *testing.T) {
	f := newFixture(t, withCache(100, time.Hour))
	f.role("author", 1)
	_, err := f.m.Permissions.CreatePermission(f.ctx, CreatePermissionInput{
		ID: "own", RoleID: "author", ResourceType: "post", Actions: []Action{ActionUpdate}, Scope: ScopeOwn,
	})
	require.NoError(t, err)
	f.assign("u1", "author")

	resolve := func(owner string) bool {
		dec, err := f.m.Checker.Resolve(f.ctx, Request{UserID: "u1", ResourceType: "post", Action: ActionUpdate,
			Attributes: map[string]interface{}{"owner_id": owner}})
		require.NoError(t, err)
		return dec.Allowed
	}
	assert.True(t, resolve("u1"))
	assert.False(t, resolve("u2"))
	assert.True(t, resolve("u1"))
}

func TestChecker_Disabled(t *testing.T) {
	f := newFixture(t)
	f.role("r", 1)
	f.perm("p", "r", "doc", ActionRead)
	f.assign("u1", "r")

	assert.False(t, f.m.Checker.Enabled())
	assert.True(t, f.check("u1", "doc", ActionRead).Allowed)
	assert.Equal(t, CacheStats{}, f.m.Checker.Stats())
}

func TestChecker_Concurrent(t *testing.T) {
	f, _ := newCheckerFixture(t)

	const n = 32
	var wg sync.WaitGroup
	var allowed atomic.Int64
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dec, err := f.m.Checker.Resolve(f.ctx, Request{UserID: "u1", ResourceType: "doc", Action: ActionRead})
			if err == nil && dec.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(n), allowed.Load())
	stats := f.m.Checker.Stats()
	assert.Equal(t, int64(n), stats.Hits+stats.Misses)
}

func TestManager_CheckPermission(t *testing.T) {
	f, _ := newCheckerFixture(t)

	ok, err := f.m.CheckPermission(f.ctx, "u1", "doc", ActionRead, "doc-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.m.CheckPermission(f.ctx, "u1", "doc", ActionDelete, "")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.m.CheckPermission(f.ctx, "", "doc", ActionRead, "")
	assert.True(t, IsValidationError(err))
}
