// Package rbac decides whether a user may perform an action on a resource
// type, and manages the role catalogue those decisions are made from.
//
// # Overview
//
// The model has five entities:
//
//  1. Role: a named, prioritised bundle of permissions
//  2. Permission: a resource type, a set of actions and a scope, owned by one role
//  3. RoleHierarchy: a parent to child edge; children inherit from parents
//  4. UserRole: the assignment of a role to a user, with its own lifecycle
//  5. TempRoleElevation: a time-boxed request that becomes an assignment once activated
//
// Every entity carries an Active flag and, except hierarchy edges without
// one, an optional expiry. A record is usable at time t only when it is
// active and t is inside its validity window. Nothing is trusted to have
// been swept: the resolver derives usability from the window every time.
//
// # Resolution
//
// Resolver.Resolve answers a Request:
//
//	dec, err := m.Resolver.Resolve(ctx, rbac.Request{
//		UserID:       "u-123",
//		ResourceType: "document",
//		Action:       rbac.ActionRead,
//		ResourceID:   "doc-9",
//		Attributes:   map[string]interface{}{"owner_id": "u-123"},
//	})
//
// For each effective assignment of the user the resolver walks the role and
// its usable ancestors. A permission held by an ancestor reaches the user
// only when every edge on the path inherits, no edge overrides it, and the
// conditions on the assignment, the edges and the permission all hold. A
// permission scoped "own" also requires the owner_id attribute to equal the
// user. The first match by role priority (then permission id) grants and is
// reported with its role chain. When nothing matches, the decision carries
// the most specific reason a candidate was rejected.
//
// Decisions also carry ValidUntil, the earliest moment an expiry or a
// future effective date could change the answer. Checker caches decisions
// no longer than that.
//
// # Conditions
//
// Condition documents are JSON objects matched against request attributes:
//
//	{"department": "finance"}                exact match
//	{"region": ["eu", "us"]}                 membership
//	{"tier": {"ne": "trial"}}                operators: eq ne in not_in exists
//	{"owner_id": "$user_id"}                 the requesting user
//
// Resource filters accept the same document plus "resource_ids". A document
// that cannot be evaluated fails closed.
//
// # Caching
//
// Checker wraps the resolver with an expirable LRU and coalesces concurrent
// identical requests. Every mutation made through a Manager's services
// invalidates the users it affects; catalogue changes invalidate everyone.
//
// # Persistence
//
// Store has three implementations: MemoryStore for tests and single-process
// use, and SQLStore over PostgreSQL or SQLite. RunMigrations creates the
// schema. Writes that must stay consistent run inside Store.WithTx, and
// checks that span records (cycles, duplicate assignments, user limits) also
// hold a locks.Locker key so concurrent writers serialise across replicas.
//
// # Usage
//
//	store := rbac.NewSQLStore(db, rbac.DialectPostgres)
//	m := rbac.NewManager(store, rbac.DefaultConfig(), rbac.Options{
//		Locker: locker,
//		Audit:  auditLogger,
//		Logger: logger,
//	})
//	if err := m.Initialize(ctx); err != nil {
//		return err
//	}
//	m.RegisterRoutes(router)
//
// Initialize applies the built-in seed, which defines the roles guarding the
// admin API itself (rbac-viewer, security-auditor, rbac-admin and
// elevation-requester).
//
// # HTTP
//
// Routes live under /rbac. All of them expect an authenticated user id in
// the request context, set by middleware.TrustedIdentity. Users may resolve
// their own access, list their own roles and request their own elevations;
// everything else is guarded by PermissionMiddleware.
package rbac
