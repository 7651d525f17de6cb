package rbac

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

type edgeKey struct {
	parent string
	child  string
}

// memoryState holds every collection. It is copied wholesale at the start of
// a transaction so that a failed transaction leaves no trace.
type memoryState struct {
	roles       map[string]*Role
	permissions map[string]*Permission
	edges       map[edgeKey]*RoleHierarchy
	assignments map[string]*UserRole
	elevations  map[string]*TempRoleElevation
}

func newMemoryState() *memoryState {
	return &memoryState{
		roles:       make(map[string]*Role),
		permissions: make(map[string]*Permission),
		edges:       make(map[edgeKey]*RoleHierarchy),
		assignments: make(map[string]*UserRole),
		elevations:  make(map[string]*TempRoleElevation),
	}
}

func (s *memoryState) clone() *memoryState {
	c := newMemoryState()
	for k, v := range s.roles {
		c.roles[k] = v
	}
	for k, v := range s.permissions {
		c.permissions[k] = v
	}
	for k, v := range s.edges {
		c.edges[k] = v
	}
	for k, v := range s.assignments {
		c.assignments[k] = v
	}
	for k, v := range s.elevations {
		c.elevations[k] = v
	}
	return c
}

// MemoryStore is an in-process Store. Records are stored as private copies,
// so callers can never mutate stored state through a returned pointer.
type MemoryStore struct {
	memoryOps
	mu    sync.RWMutex
	state *memoryState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{state: newMemoryState()}
	m.memoryOps = memoryOps{m}
	return m
}

// WithTx runs fn against a private copy of the state while holding the write
// lock, and publishes the copy only if fn succeeds. Readers keep seeing the
// previous state until then.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{state: m.state.clone()}
	tx.memoryOps = memoryOps{tx}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.state = tx.state
	return nil
}

func (m *MemoryStore) read(fn func(s *memoryState) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.state)
}

func (m *MemoryStore) write(fn func(s *memoryState) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.state)
}

// memoryTx is the Store view handed to WithTx callbacks. The outer store's
// lock is already held, so it works on its state directly.
type memoryTx struct {
	memoryOps
	state *memoryState
}

func (t *memoryTx) read(fn func(s *memoryState) error) error  { return fn(t.state) }
func (t *memoryTx) write(fn func(s *memoryState) error) error { return fn(t.state) }

func (t *memoryTx) WithTx(ctx context.Context, fn func(tx Store) error) error {
	return fn(t)
}

type stateAccess interface {
	read(fn func(s *memoryState) error) error
	write(fn func(s *memoryState) error) error
}

// memoryOps implements the Store methods over any stateAccess so the locked
// store and the transaction view share one code path.
type memoryOps struct{ stateAccess }

func copyRole(r *Role) *Role {
	c := *r
	c.PermissionIDs = append([]string(nil), r.PermissionIDs...)
	c.ParentRoleID = copyString(r.ParentRoleID)
	c.ExpiresAt = copyTime(r.ExpiresAt)
	if r.MaxUsers != nil {
		v := *r.MaxUsers
		c.MaxUsers = &v
	}
	return &c
}

func copyPermission(p *Permission) *Permission {
	c := *p
	c.Actions = append([]Action(nil), p.Actions...)
	c.Conditions = append(json.RawMessage(nil), p.Conditions...)
	c.ResourceFilters = append(json.RawMessage(nil), p.ResourceFilters...)
	c.ExpiresAt = copyTime(p.ExpiresAt)
	return &c
}

func copyEdge(e *RoleHierarchy) *RoleHierarchy {
	c := *e
	c.PermissionOverrides = append([]string(nil), e.PermissionOverrides...)
	c.Conditions = append(json.RawMessage(nil), e.Conditions...)
	c.DelegationExpiresAt = copyTime(e.DelegationExpiresAt)
	return &c
}

func copyAssignment(a *UserRole) *UserRole {
	c := *a
	c.ExpiresAt = copyTime(a.ExpiresAt)
	c.LastUsedAt = copyTime(a.LastUsedAt)
	c.RevokedAt = copyTime(a.RevokedAt)
	c.ElevationRequestID = copyString(a.ElevationRequestID)
	c.Conditions = append(json.RawMessage(nil), a.Conditions...)
	if a.Metadata != nil {
		c.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func copyElevation(e *TempRoleElevation) *TempRoleElevation {
	c := *e
	c.ApprovedByUserID = copyString(e.ApprovedByUserID)
	c.ActualStartTime = copyTime(e.ActualStartTime)
	c.ActualEndTime = copyTime(e.ActualEndTime)
	c.ApprovalDeadline = copyTime(e.ApprovalDeadline)
	return &c
}

// Roles

func (o memoryOps) CreateRole(ctx context.Context, role *Role) error {
	return o.write(func(s *memoryState) error {
		if _, ok := s.roles[role.ID]; ok {
			return NewConflictError("role %s already exists", role.ID)
		}
		for _, r := range s.roles {
			if strings.EqualFold(r.Name, role.Name) {
				return NewConflictError("role name %q already in use", role.Name)
			}
		}
		s.roles[role.ID] = copyRole(role)
		return nil
	})
}

func (o memoryOps) GetRole(ctx context.Context, id string) (*Role, error) {
	var out *Role
	err := o.read(func(s *memoryState) error {
		r, ok := s.roles[id]
		if !ok {
			return NewNotFoundError("role", id)
		}
		out = copyRole(r)
		return nil
	})
	return out, err
}

func (o memoryOps) UpdateRole(ctx context.Context, role *Role) error {
	return o.write(func(s *memoryState) error {
		if _, ok := s.roles[role.ID]; !ok {
			return NewNotFoundError("role", role.ID)
		}
		for id, r := range s.roles {
			if id != role.ID && strings.EqualFold(r.Name, role.Name) {
				return NewConflictError("role name %q already in use", role.Name)
			}
		}
		s.roles[role.ID] = copyRole(role)
		return nil
	})
}

func (o memoryOps) DeleteRole(ctx context.Context, id string) error {
	return o.write(func(s *memoryState) error {
		if _, ok := s.roles[id]; !ok {
			return NewNotFoundError("role", id)
		}
		delete(s.roles, id)
		return nil
	})
}

func (o memoryOps) ListRoles(ctx context.Context, f RoleFilter) ([]*Role, error) {
	var out []*Role
	err := o.read(func(s *memoryState) error {
		for _, r := range s.roles {
			if f.Name != "" && !strings.EqualFold(r.Name, f.Name) {
				continue
			}
			if f.RoleType != "" && r.RoleType != f.RoleType {
				continue
			}
			if f.ParentRoleID != nil && (r.ParentRoleID == nil || *r.ParentRoleID != *f.ParentRoleID) {
				continue
			}
			if f.SystemOnly != nil && r.IsSystemRole != *f.SystemOnly {
				continue
			}
			if f.ActiveOnly && !r.Active {
				continue
			}
			out = append(out, copyRole(r))
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, err
}

// Permissions

func (o memoryOps) CreatePermission(ctx context.Context, p *Permission) error {
	return o.write(func(s *memoryState) error {
		if _, ok := s.permissions[p.ID]; ok {
			return NewConflictError("permission %s already exists", p.ID)
		}
		s.permissions[p.ID] = copyPermission(p)
		return nil
	})
}

func (o memoryOps) GetPermission(ctx context.Context, id string) (*Permission, error) {
	var out *Permission
	err := o.read(func(s *memoryState) error {
		p, ok := s.permissions[id]
		if !ok {
			return NewNotFoundError("permission", id)
		}
		out = copyPermission(p)
		return nil
	})
	return out, err
}

func (o memoryOps) UpdatePermission(ctx context.Context, p *Permission) error {
	return o.write(func(s *memoryState) error {
		if _, ok := s.permissions[p.ID]; !ok {
			return NewNotFoundError("permission", p.ID)
		}
		s.permissions[p.ID] = copyPermission(p)
		return nil
	})
}

func (o memoryOps) DeletePermission(ctx context.Context, id string) error {
	return o.write(func(s *memoryState) error {
		if _, ok := s.permissions[id]; !ok {
			return NewNotFoundError("permission", id)
		}
		delete(s.permissions, id)
		return nil
	})
}

func (o memoryOps) ListPermissions(ctx context.Context, f PermissionFilter) ([]*Permission, error) {
	var out []*Permission
	err := o.read(func(s *memoryState) error {
		for _, p := range s.permissions {
			if f.RoleID != "" && p.RoleID != f.RoleID {
				continue
			}
			if f.ResourceType != "" && p.ResourceType != f.ResourceType {
				continue
			}
			if f.ActiveOnly && !p.Active {
				continue
			}
			out = append(out, copyPermission(p))
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// Hierarchy edges

func (o memoryOps) CreateEdge(ctx context.Context, e *RoleHierarchy) error {
	return o.write(func(s *memoryState) error {
		k := edgeKey{e.ParentRoleID, e.ChildRoleID}
		if _, ok := s.edges[k]; ok {
			return NewConflictError("edge %s -> %s already exists", e.ParentRoleID, e.ChildRoleID)
		}
		s.edges[k] = copyEdge(e)
		return nil
	})
}

func (o memoryOps) GetEdge(ctx context.Context, parentRoleID, childRoleID string) (*RoleHierarchy, error) {
	var out *RoleHierarchy
	err := o.read(func(s *memoryState) error {
		e, ok := s.edges[edgeKey{parentRoleID, childRoleID}]
		if !ok {
			return NewNotFoundError("role_hierarchy", parentRoleID+"->"+childRoleID)
		}
		out = copyEdge(e)
		return nil
	})
	return out, err
}

func (o memoryOps) UpdateEdge(ctx context.Context, e *RoleHierarchy) error {
	return o.write(func(s *memoryState) error {
		k := edgeKey{e.ParentRoleID, e.ChildRoleID}
		if _, ok := s.edges[k]; !ok {
			return NewNotFoundError("role_hierarchy", e.ParentRoleID+"->"+e.ChildRoleID)
		}
		s.edges[k] = copyEdge(e)
		return nil
	})
}

func (o memoryOps) DeleteEdge(ctx context.Context, parentRoleID, childRoleID string) error {
	return o.write(func(s *memoryState) error {
		k := edgeKey{parentRoleID, childRoleID}
		if _, ok := s.edges[k]; !ok {
			return NewNotFoundError("role_hierarchy", parentRoleID+"->"+childRoleID)
		}
		delete(s.edges, k)
		return nil
	})
}

func (o memoryOps) ListEdges(ctx context.Context, f EdgeFilter) ([]*RoleHierarchy, error) {
	var out []*RoleHierarchy
	err := o.read(func(s *memoryState) error {
		for _, e := range s.edges {
			if f.ParentRoleID != "" && e.ParentRoleID != f.ParentRoleID {
				continue
			}
			if f.ChildRoleID != "" && e.ChildRoleID != f.ChildRoleID {
				continue
			}
			if f.ActiveOnly && !e.Active {
				continue
			}
			out = append(out, copyEdge(e))
		}
		return nil
	})
	sortEdges(out)
	return out, err
}

// sortEdges orders edges by priority descending, then by parent id, so that
// traversal order is deterministic across stores.
func sortEdges(edges []*RoleHierarchy) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Priority != edges[j].Priority {
			return edges[i].Priority > edges[j].Priority
		}
		if edges[i].ParentRoleID != edges[j].ParentRoleID {
			return edges[i].ParentRoleID < edges[j].ParentRoleID
		}
		return edges[i].ChildRoleID < edges[j].ChildRoleID
	})
}

// Assignments

func (o memoryOps) CreateAssignment(ctx context.Context, a *UserRole) error {
	return o.write(func(s *memoryState) error {
		if _, ok := s.assignments[a.ID]; ok {
			return NewConflictError("assignment %s already exists", a.ID)
		}
		s.assignments[a.ID] = copyAssignment(a)
		return nil
	})
}

func (o memoryOps) GetAssignment(ctx context.Context, id string) (*UserRole, error) {
	var out *UserRole
	err := o.read(func(s *memoryState) error {
		a, ok := s.assignments[id]
		if !ok {
			return NewNotFoundError("user_role", id)
		}
		out = copyAssignment(a)
		return nil
	})
	return out, err
}

func (o memoryOps) UpdateAssignment(ctx context.Context, a *UserRole) error {
	return o.write(func(s *memoryState) error {
		if _, ok := s.assignments[a.ID]; !ok {
			return NewNotFoundError("user_role", a.ID)
		}
		s.assignments[a.ID] = copyAssignment(a)
		return nil
	})
}

func (o memoryOps) DeleteAssignment(ctx context.Context, id string) error {
	return o.write(func(s *memoryState) error {
		if _, ok := s.assignments[id]; !ok {
			return NewNotFoundError("user_role", id)
		}
		delete(s.assignments, id)
		return nil
	})
}

func (o memoryOps) ListAssignments(ctx context.Context, f AssignmentFilter) ([]*UserRole, error) {
	var out []*UserRole
	err := o.read(func(s *memoryState) error {
		for _, a := range s.assignments {
			if f.UserID != "" && a.UserID != f.UserID {
				continue
			}
			if f.RoleID != "" && a.RoleID != f.RoleID {
				continue
			}
			if f.Status != "" && a.Status != f.Status {
				continue
			}
			if f.ElevationRequestID != "" && (a.ElevationRequestID == nil || *a.ElevationRequestID != f.ElevationRequestID) {
				continue
			}
			out = append(out, copyAssignment(a))
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AssignedAt.Equal(out[j].AssignedAt) {
			return out[i].AssignedAt.Before(out[j].AssignedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}

// Elevations

func (o memoryOps) CreateElevation(ctx context.Context, e *TempRoleElevation) error {
	return o.write(func(s *memoryState) error {
		if _, ok := s.elevations[e.ID]; ok {
			return NewConflictError("elevation %s already exists", e.ID)
		}
		s.elevations[e.ID] = copyElevation(e)
		return nil
	})
}

func (o memoryOps) GetElevation(ctx context.Context, id string) (*TempRoleElevation, error) {
	var out *TempRoleElevation
	err := o.read(func(s *memoryState) error {
		e, ok := s.elevations[id]
		if !ok {
			return NewNotFoundError("temp_role_elevation", id)
		}
		out = copyElevation(e)
		return nil
	})
	return out, err
}

func (o memoryOps) UpdateElevation(ctx context.Context, e *TempRoleElevation) error {
	return o.write(func(s *memoryState) error {
		if _, ok := s.elevations[e.ID]; !ok {
			return NewNotFoundError("temp_role_elevation", e.ID)
		}
		s.elevations[e.ID] = copyElevation(e)
		return nil
	})
}

func (o memoryOps) ListElevations(ctx context.Context, f ElevationFilter) ([]*TempRoleElevation, error) {
	var out []*TempRoleElevation
	err := o.read(func(s *memoryState) error {
		for _, e := range s.elevations {
			if f.UserID != "" && e.UserID != f.UserID {
				continue
			}
			if f.ElevatedRoleID != "" && e.ElevatedRoleID != f.ElevatedRoleID {
				continue
			}
			if f.Status != "" && e.Status != f.Status {
				continue
			}
			out = append(out, copyElevation(e))
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}
