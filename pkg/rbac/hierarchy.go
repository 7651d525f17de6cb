package rbac

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// HierarchyService manages parent to child edges between roles.
type HierarchyService struct {
	*core
}

// AddEdgeInput describes a new hierarchy edge. HierarchyType defaults to
// direct and InheritedPermissions to true.
type AddEdgeInput struct {
	ParentRoleID         string          `json:"parent_role_id"`
	ChildRoleID          string          `json:"child_role_id"`
	HierarchyType        HierarchyType   `json:"hierarchy_type,omitempty"`
	InheritedPermissions *bool           `json:"inherited_permissions,omitempty"`
	PermissionOverrides  []string        `json:"permission_overrides,omitempty"`
	Priority             int32           `json:"priority"`
	Conditions           json.RawMessage `json:"conditions,omitempty"`
	DelegationExpiresAt  *time.Time      `json:"delegation_expires_at,omitempty"`
}

// Ancestor is one role reached by walking up the hierarchy.
type Ancestor struct {
	RoleID string `json:"role_id"`
	Depth  int    `json:"depth"`
	// Edge is the edge that led here from the previous role on Path.
	Edge *RoleHierarchy `json:"edge"`
	// Inherits is false once any edge on the path stops inheritance.
	Inherits bool `json:"inherits"`
	// Overrides is the union of permission overrides on every path that
	// reaches RoleID.
	Overrides []string `json:"overrides,omitempty"`
	// Conditions holds the predicates of conditional edges on the path.
	Conditions []json.RawMessage `json:"conditions,omitempty"`
	// Path lists role ids from the starting role up to RoleID.
	Path []string `json:"path"`
	// ValidUntil is the earliest delegation expiry along the path.
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

// HierarchyEntry is one role in a downward hierarchy listing.
type HierarchyEntry struct {
	Role         *Role  `json:"role"`
	Depth        int    `json:"depth"`
	ParentRoleID string `json:"parent_role_id,omitempty"`
}

func directEdge(parent, child, createdBy string, now time.Time) *RoleHierarchy {
	return &RoleHierarchy{
		ID:                   newID(),
		ParentRoleID:         parent,
		ChildRoleID:          child,
		HierarchyType:        HierarchyDirect,
		InheritedPermissions: true,
		PermissionOverrides:  []string{},
		DepthLevel:           1,
		Active:               true,
		CreatedBy:            createdBy,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

func createEdge(ctx context.Context, tx Store, edge *RoleHierarchy) error {
	if err := ValidateEdge(edge); err != nil {
		return err
	}
	return tx.CreateEdge(ctx, edge)
}

// AddEdge inserts parent -> child. Self loops are a validation error; an
// edge whose child is already an ancestor of parent is a conflict. The
// reachability check and the insert run under the hierarchy lock in one
// transaction.
func (s *HierarchyService) AddEdge(ctx context.Context, in AddEdgeInput) (_ *RoleHierarchy, err error) {
	defer s.track(ctx, hierarchyChange("hierarchy.add_edge", in.ParentRoleID, in.ChildRoleID), &err)

	now := s.now()
	edge := &RoleHierarchy{
		ID:                   newID(),
		ParentRoleID:         in.ParentRoleID,
		ChildRoleID:          in.ChildRoleID,
		HierarchyType:        in.HierarchyType,
		InheritedPermissions: in.InheritedPermissions == nil || *in.InheritedPermissions,
		PermissionOverrides:  normalizeIDs(in.PermissionOverrides),
		Active:               true,
		Priority:             in.Priority,
		Conditions:           in.Conditions,
		DelegationExpiresAt:  copyTime(in.DelegationExpiresAt),
		CreatedBy:            actor(ctx),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if edge.HierarchyType == "" {
		edge.HierarchyType = HierarchyDirect
	}
	if err := ValidateEdge(edge); err != nil {
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, hierarchyLockKey)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire hierarchy lock: %w", err)
	}
	defer unlock()

	err = s.store.WithTx(ctx, func(tx Store) error {
		if _, err := tx.GetRole(ctx, edge.ParentRoleID); err != nil {
			return err
		}
		if _, err := tx.GetRole(ctx, edge.ChildRoleID); err != nil {
			return err
		}
		if _, err := tx.GetEdge(ctx, edge.ParentRoleID, edge.ChildRoleID); err == nil {
			return NewConflictError("edge %s -> %s already exists", edge.ParentRoleID, edge.ChildRoleID)
		} else if !IsNotFound(err) {
			return err
		}
		depth, err := ancestorDepth(ctx, tx, edge.ParentRoleID, edge.ChildRoleID)
		if err != nil {
			return err
		}
		edge.DepthLevel = int32(depth + 1)
		return tx.CreateEdge(ctx, edge)
	})
	if err != nil {
		return nil, err
	}
	return edge, nil
}

// checkAcyclic fails with a conflict if parent -> child would close a cycle.
func checkAcyclic(ctx context.Context, tx Store, parent, child string) error {
	_, err := ancestorDepth(ctx, tx, parent, child)
	return err
}

// ancestorDepth walks every edge above parent, active or not, so that a
// later reactivation can never close a cycle. It returns the number of
// levels above parent, or a conflict if child is among them.
func ancestorDepth(ctx context.Context, tx Store, parent, child string) (int, error) {
	if parent == child {
		return 0, NewConflictError("edge %s -> %s would create a cycle", parent, child)
	}
	visited := map[string]bool{parent: true}
	frontier := []string{parent}
	depth := 0
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			edges, err := tx.ListEdges(ctx, EdgeFilter{ChildRoleID: id})
			if err != nil {
				return 0, err
			}
			for _, e := range edges {
				if e.ParentRoleID == child {
					return 0, NewConflictError("edge %s -> %s would create a cycle", parent, child)
				}
				if visited[e.ParentRoleID] {
					continue
				}
				visited[e.ParentRoleID] = true
				next = append(next, e.ParentRoleID)
			}
		}
		if len(next) > 0 {
			depth++
		}
		frontier = next
	}
	return depth, nil
}

// SetOverrides replaces the edge's permission overrides.
func (s *HierarchyService) SetOverrides(ctx context.Context, parent, child string, permissionIDs []string) (*RoleHierarchy, error) {
	return s.editEdge(ctx, "hierarchy.set_overrides", parent, child, func(e *RoleHierarchy) {
		e.PermissionOverrides = normalizeIDs(permissionIDs)
	})
}

// AddOverride adds one permission id to the edge's overrides.
func (s *HierarchyService) AddOverride(ctx context.Context, parent, child, permissionID string) (*RoleHierarchy, error) {
	return s.editEdge(ctx, "hierarchy.add_override", parent, child, func(e *RoleHierarchy) {
		e.PermissionOverrides = normalizeIDs(append(e.PermissionOverrides, permissionID))
	})
}

// RemoveOverride removes one permission id from the edge's overrides.
func (s *HierarchyService) RemoveOverride(ctx context.Context, parent, child, permissionID string) (*RoleHierarchy, error) {
	return s.editEdge(ctx, "hierarchy.remove_override", parent, child, func(e *RoleHierarchy) {
		e.PermissionOverrides = removeID(e.PermissionOverrides, permissionID)
	})
}

// DeactivateEdge stops traversal through the edge without deleting it.
func (s *HierarchyService) DeactivateEdge(ctx context.Context, parent, child string) (*RoleHierarchy, error) {
	return s.editEdge(ctx, "hierarchy.deactivate_edge", parent, child, func(e *RoleHierarchy) {
		e.Active = false
	})
}

// ActivateEdge resumes traversal through the edge. Inactive edges already
// took part in the cycle check, so no new check is needed.
func (s *HierarchyService) ActivateEdge(ctx context.Context, parent, child string) (*RoleHierarchy, error) {
	return s.editEdge(ctx, "hierarchy.activate_edge", parent, child, func(e *RoleHierarchy) {
		e.Active = true
	})
}

func (s *HierarchyService) editEdge(ctx context.Context, op, parent, child string, fn func(e *RoleHierarchy)) (_ *RoleHierarchy, err error) {
	defer s.track(ctx, hierarchyChange(op, parent, child), &err)

	var out *RoleHierarchy
	err = s.store.WithTx(ctx, func(tx Store) error {
		e, err := tx.GetEdge(ctx, parent, child)
		if err != nil {
			return err
		}
		fn(e)
		if err := ValidateEdge(e); err != nil {
			return err
		}
		e.UpdatedAt = s.now()
		out = e
		return tx.UpdateEdge(ctx, e)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RemoveEdge deletes parent -> child. A direct edge also clears the child's
// ParentRoleID.
func (s *HierarchyService) RemoveEdge(ctx context.Context, parent, child string) (err error) {
	defer s.track(ctx, hierarchyChange("hierarchy.remove_edge", parent, child), &err)

	return s.store.WithTx(ctx, func(tx Store) error {
		e, err := tx.GetEdge(ctx, parent, child)
		if err != nil {
			return err
		}
		if err := tx.DeleteEdge(ctx, parent, child); err != nil {
			return err
		}
		if e.HierarchyType != HierarchyDirect {
			return nil
		}
		role, err := tx.GetRole(ctx, child)
		if IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if role.ParentRoleID == nil || *role.ParentRoleID != parent {
			return nil
		}
		role.ParentRoleID = nil
		role.UpdatedAt = s.now()
		return tx.UpdateRole(ctx, role)
	})
}

// GetEdge returns the edge between parent and child.
func (s *HierarchyService) GetEdge(ctx context.Context, parent, child string) (*RoleHierarchy, error) {
	return s.store.GetEdge(ctx, parent, child)
}

// ListEdges returns edges matching filter, highest priority first.
func (s *HierarchyService) ListEdges(ctx context.Context, filter EdgeFilter) ([]*RoleHierarchy, error) {
	return s.store.ListEdges(ctx, filter)
}

// Ancestors walks breadth first up from roleID over edges effective at now.
// Parents are visited in edge priority order. A role appears once for every
// distinct way of reaching it unless an earlier entry covers it, and its
// Overrides hold every override on any path that reaches it. A role already
// on the current path is not revisited, so malformed cyclic data still
// terminates.
func (s *HierarchyService) Ancestors(ctx context.Context, roleID string, now time.Time) ([]Ancestor, error) {
	return walkAncestors(ctx, func(ctx context.Context, child string) ([]*RoleHierarchy, error) {
		return s.store.ListEdges(ctx, EdgeFilter{ChildRoleID: child, ActiveOnly: true})
	}, roleID, now)
}

type edgeLister func(ctx context.Context, childRoleID string) ([]*RoleHierarchy, error)

func walkAncestors(ctx context.Context, list edgeLister, roleID string, now time.Time) ([]Ancestor, error) {
	nodes := []Ancestor{{RoleID: roleID, Inherits: true, Path: []string{roleID}}}
	byRole := map[string][]int{roleID: {0}}
	overrides := make(map[string][]string)
	queue := []int{0}

	for len(queue) > 0 {
		cur := nodes[queue[0]]
		queue = queue[1:]

		edges, err := list(ctx, cur.RoleID)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			if !e.IsEffective(now) || containsID(cur.Path, e.ParentRoleID) {
				continue
			}
			parent := e.ParentRoleID

			// Overrides are shared by every entry for a role. When the set
			// grows the role is walked again so its ancestors see it too.
			merged := normalizeIDs(append(append(append([]string(nil), overrides[parent]...), cur.Overrides...), e.PermissionOverrides...))
			overrides[parent] = merged
			for _, i := range byRole[parent] {
				if len(nodes[i].Overrides) < len(merged) {
					nodes[i].Overrides = merged
					queue = append(queue, i)
				}
			}

			next := Ancestor{
				RoleID:     parent,
				Depth:      cur.Depth + 1,
				Edge:       e,
				Inherits:   cur.Inherits && e.InheritedPermissions,
				Overrides:  merged,
				Conditions: append([]json.RawMessage(nil), cur.Conditions...),
				Path:       append(append([]string(nil), cur.Path...), parent),
				ValidUntil: earliest(cur.ValidUntil, e.DelegationExpiresAt),
			}
			if e.HierarchyType == HierarchyConditional && len(e.Conditions) > 0 {
				next.Conditions = append(next.Conditions, e.Conditions)
			}

			covered := false
			for _, i := range byRole[parent] {
				if nodes[i].covers(next) {
					covered = true
					break
				}
			}
			if covered {
				continue
			}
			byRole[parent] = append(byRole[parent], len(nodes))
			nodes = append(nodes, next)
			queue = append(queue, len(nodes)-1)
		}
	}

	return append([]Ancestor(nil), nodes[1:]...), nil
}

// covers reports whether a grants at least what b grants: it inherits
// whenever b does, needs no condition b lacks and lasts at least as long.
func (a Ancestor) covers(b Ancestor) bool {
	if b.Inherits && !a.Inherits {
		return false
	}
	if a.ValidUntil != nil && (b.ValidUntil == nil || a.ValidUntil.Before(*b.ValidUntil)) {
		return false
	}
	for _, c := range a.Conditions {
		found := false
		for _, d := range b.Conditions {
			if bytes.Equal(c, d) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// RoleHierarchy lists the roles reachable downward from root over edges
// effective now, ordered by depth then priority. A nil root starts from every
// role that has no effective parent edge.
func (s *HierarchyService) RoleHierarchy(ctx context.Context, root *string) ([]*Role, error) {
	entries, err := s.Tree(ctx, root)
	if err != nil {
		return nil, err
	}
	out := make([]*Role, len(entries))
	for i, e := range entries {
		out[i] = e.Role
	}
	return out, nil
}

// Tree is RoleHierarchy with the depth and parent of every entry.
func (s *HierarchyService) Tree(ctx context.Context, root *string) ([]HierarchyEntry, error) {
	now := s.now()
	edges, err := s.store.ListEdges(ctx, EdgeFilter{ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	children := make(map[string][]string)
	hasParent := make(map[string]bool)
	for _, e := range edges {
		if !e.IsEffective(now) {
			continue
		}
		children[e.ParentRoleID] = append(children[e.ParentRoleID], e.ChildRoleID)
		hasParent[e.ChildRoleID] = true
	}

	roles, err := s.store.ListRoles(ctx, RoleFilter{})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*Role, len(roles))
	for _, r := range roles {
		byID[r.ID] = r
	}

	var starts []string
	if root != nil {
		if _, ok := byID[*root]; !ok {
			return nil, NewNotFoundError("role", *root)
		}
		starts = []string{*root}
	} else {
		for _, r := range roles {
			if !hasParent[r.ID] {
				starts = append(starts, r.ID)
			}
		}
	}

	var out []HierarchyEntry
	visited := make(map[string]bool)
	type item struct {
		id, parent string
		depth      int
	}
	queue := make([]item, 0, len(starts))
	for _, id := range starts {
		queue = append(queue, item{id: id})
		visited[id] = true
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if r, ok := byID[cur.id]; ok {
			out = append(out, HierarchyEntry{Role: r, Depth: cur.depth, ParentRoleID: cur.parent})
		}
		for _, c := range children[cur.id] {
			if visited[c] {
				continue
			}
			visited[c] = true
			queue = append(queue, item{id: c, parent: cur.id, depth: cur.depth + 1})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Depth != out[j].Depth {
			return out[i].Depth < out[j].Depth
		}
		if out[i].Role.Priority != out[j].Role.Priority {
			return out[i].Role.Priority > out[j].Role.Priority
		}
		return out[i].Role.Name < out[j].Role.Name
	})
	return out, nil
}
