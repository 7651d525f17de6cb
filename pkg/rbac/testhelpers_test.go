package rbac

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/audit"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// testClock is a settable clock shared by a fixture's services.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock {
	return &testClock{now: t}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fixture is a Manager over one store with a fixed clock and an in-memory
// audit sink.
type fixture struct {
	t     *testing.T
	ctx   context.Context
	store Store
	clock *testClock
	audit *audit.MemoryLogger
	m     *Manager
}

type fixtureOption func(*Options, *Config)

func withCache(size int, ttl time.Duration) fixtureOption {
	return func(_ *Options, c *Config) {
		c.Cache = CheckerConfig{Size: size, TTL: ttl}
	}
}

func withDirectory(d UserDirectory) fixtureOption {
	return func(o *Options, _ *Config) {
		o.Directory = d
	}
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	return newFixtureWithStore(t, NewMemoryStore(), opts...)
}

func newFixtureWithStore(t *testing.T, store Store, opts ...fixtureOption) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: store,
		clock: newTestClock(baseTime),
		audit: audit.NewMemoryLogger(0),
	}
	o := Options{Audit: f.audit, Clock: f.clock.Now}
	cfg := Config{SkipSeed: true}
	for _, opt := range opts {
		opt(&o, &cfg)
	}
	f.m = NewManager(store, cfg, o)
	return f
}

func (f *fixture) role(id string, priority int32) *Role {
	f.t.Helper()
	r, err := f.m.Roles.CreateRole(f.ctx, CreateRoleInput{ID: id, Name: id, RoleType: RoleTypeCustom, Priority: priority})
	require.NoError(f.t, err)
	return r
}

func (f *fixture) perm(id, roleID, resourceType string, actions ...Action) *Permission {
	f.t.Helper()
	p, err := f.m.Permissions.CreatePermission(f.ctx, CreatePermissionInput{
		ID:           id,
		RoleID:       roleID,
		ResourceType: resourceType,
		Actions:      actions,
	})
	require.NoError(f.t, err)
	return p
}

func (f *fixture) edge(parent, child string) *RoleHierarchy {
	f.t.Helper()
	e, err := f.m.Hierarchy.AddEdge(f.ctx, AddEdgeInput{ParentRoleID: parent, ChildRoleID: child})
	require.NoError(f.t, err)
	return e
}

func (f *fixture) assign(userID, roleID string) *UserRole {
	f.t.Helper()
	a, err := f.m.Assignments.AssignRole(f.ctx, AssignRoleInput{UserID: userID, RoleID: roleID})
	require.NoError(f.t, err)
	return a
}

func (f *fixture) resolve(userID, resourceType string, action Action) *Decision {
	f.t.Helper()
	return f.resolveReq(Request{UserID: userID, ResourceType: resourceType, Action: action})
}

func (f *fixture) resolveReq(req Request) *Decision {
	f.t.Helper()
	dec, err := f.m.Resolver.Resolve(f.ctx, req)
	require.NoError(f.t, err)
	return dec
}

// auditEvents returns the audit records of one event type.
func (f *fixture) auditEvents(eventType audit.EventType) []*audit.Record {
	var out []*audit.Record
	for _, r := range f.audit.Records() {
		if r.EventType == eventType {
			out = append(out, r)
		}
	}
	return out
}

// openSQLiteStore returns a migrated SQLite store backed by a temp file.
func openSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "rbac.db")+"?_busy_timeout=5000")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, RunMigrations(context.Background(), db))
	return NewSQLStore(db, DialectSQLite)
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func ptr[T any](v T) *T {
	return &v
}

type staticDirectory map[string]bool

func (d staticDirectory) IsActive(ctx context.Context, userID string) (bool, error) {
	active, ok := d[userID]
	return !ok || active, nil
}
