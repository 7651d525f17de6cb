package rbac

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/warden/pkg/contextkeys"
	"github.com/platinummonkey/warden/pkg/httputil"
)

// Handlers provides HTTP handlers for RBAC operations. Every route except
// the self-service ones is guarded by PermissionMiddleware.
type Handlers struct {
	manager    *Manager
	middleware *PermissionMiddleware
}

// NewHandlers creates new RBAC handlers
func NewHandlers(m *Manager) *Handlers {
	return &Handlers{
		manager:    m,
		middleware: m.middleware,
	}
}

// RegisterRoutes registers all RBAC routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	// Decisions and the query surface
	router.HandleFunc("/rbac/resolve", h.Resolve).Methods("POST")
	router.HandleFunc("/rbac/users/{user_id}/roles", h.UserRoles).Methods("GET")
	router.HandleFunc("/rbac/users/{user_id}/assignments", h.UserAssignments).Methods("GET")
	router.Handle("/rbac/hierarchy", h.guard(ResourceHierarchy, ActionRead, h.Hierarchy)).Methods("GET")
	router.Handle("/rbac/stats", h.guard(ResourceRole, ActionView, h.Stats)).Methods("GET")
	router.Handle("/rbac/sweep", h.guard(ResourceElevation, ActionUpdate, h.Sweep)).Methods("POST")

	// Role management
	router.Handle("/rbac/roles", h.guard(ResourceRole, ActionCreate, h.CreateRole)).Methods("POST")
	router.Handle("/rbac/roles", h.guard(ResourceRole, ActionRead, h.ListRoles)).Methods("GET")
	router.Handle("/rbac/roles/bulk-permissions", h.guard(ResourceRole, ActionUpdate, h.BulkUpdateRolePermissions)).Methods("POST")
	router.Handle("/rbac/roles/{id}", h.guard(ResourceRole, ActionRead, byID(h.manager.Roles.GetRole))).Methods("GET")
	router.Handle("/rbac/roles/{id}", h.guard(ResourceRole, ActionUpdate, h.UpdateRole)).Methods("PATCH")
	router.Handle("/rbac/roles/{id}", h.guard(ResourceRole, ActionDelete, h.DeleteRole)).Methods("DELETE")
	router.Handle("/rbac/roles/{id}/activate", h.guard(ResourceRole, ActionUpdate, byID(h.manager.Roles.ActivateRole))).Methods("POST")
	router.Handle("/rbac/roles/{id}/deactivate", h.guard(ResourceRole, ActionUpdate, byID(h.manager.Roles.DeactivateRole))).Methods("POST")
	router.Handle("/rbac/roles/{id}/extend", h.guard(ResourceRole, ActionUpdate, h.ExtendRole)).Methods("POST")
	router.Handle("/rbac/roles/{id}/clone", h.guard(ResourceRole, ActionCreate, h.CloneRole)).Methods("POST")
	router.Handle("/rbac/roles/{id}/children", h.guard(ResourceRole, ActionRead, byID(h.manager.Roles.ChildRoles))).Methods("GET")
	router.Handle("/rbac/roles/{id}/ancestors", h.guard(ResourceHierarchy, ActionRead, h.Ancestors)).Methods("GET")
	router.Handle("/rbac/roles/{id}/assignments", h.guard(ResourceAssignment, ActionRead, byID(h.manager.Assignments.EffectiveAssignmentsForRole))).Methods("GET")
	router.Handle("/rbac/roles/{id}/permissions", h.guard(ResourcePermission, ActionRead, byID(h.manager.Permissions.PermissionsForRole))).Methods("GET")
	router.Handle("/rbac/roles/{id}/permissions", h.guard(ResourceRole, ActionUpdate, h.SetRolePermissions)).Methods("PUT")
	router.Handle("/rbac/roles/{id}/permissions/{permission_id}", h.guard(ResourceRole, ActionUpdate, h.AddPermissionToRole)).Methods("POST")
	router.Handle("/rbac/roles/{id}/permissions/{permission_id}", h.guard(ResourceRole, ActionUpdate, h.RemovePermissionFromRole)).Methods("DELETE")

	// Permission management
	router.Handle("/rbac/permissions", h.guard(ResourcePermission, ActionCreate, h.CreatePermission)).Methods("POST")
	router.Handle("/rbac/permissions", h.guard(ResourcePermission, ActionRead, h.ListPermissions)).Methods("GET")
	router.Handle("/rbac/permissions/{id}", h.guard(ResourcePermission, ActionRead, byID(h.manager.Permissions.GetPermission))).Methods("GET")
	router.Handle("/rbac/permissions/{id}", h.guard(ResourcePermission, ActionUpdate, h.UpdatePermission)).Methods("PATCH")
	router.Handle("/rbac/permissions/{id}", h.guard(ResourcePermission, ActionDelete, h.DeletePermission)).Methods("DELETE")
	router.Handle("/rbac/permissions/{id}/actions", h.guard(ResourcePermission, ActionUpdate, h.AddAction)).Methods("POST")
	router.Handle("/rbac/permissions/{id}/actions/{action}", h.guard(ResourcePermission, ActionUpdate, h.RemoveAction)).Methods("DELETE")
	router.Handle("/rbac/permissions/{id}/activate", h.guard(ResourcePermission, ActionUpdate, byID(h.manager.Permissions.ActivatePermission))).Methods("POST")
	router.Handle("/rbac/permissions/{id}/deactivate", h.guard(ResourcePermission, ActionUpdate, byID(h.manager.Permissions.DeactivatePermission))).Methods("POST")
	router.Handle("/rbac/permissions/{id}/extend", h.guard(ResourcePermission, ActionUpdate, h.ExtendPermission)).Methods("POST")
	router.Handle("/rbac/permissions/{id}/clone", h.guard(ResourcePermission, ActionCreate, h.ClonePermission)).Methods("POST")

	// Hierarchy edges
	router.Handle("/rbac/hierarchy/edges", h.guard(ResourceHierarchy, ActionCreate, h.AddEdge)).Methods("POST")
	router.Handle("/rbac/hierarchy/edges", h.guard(ResourceHierarchy, ActionRead, h.ListEdges)).Methods("GET")
	router.Handle("/rbac/hierarchy/edges/{parent}/{child}", h.guard(ResourceHierarchy, ActionRead, h.GetEdge)).Methods("GET")
	router.Handle("/rbac/hierarchy/edges/{parent}/{child}", h.guard(ResourceHierarchy, ActionDelete, h.RemoveEdge)).Methods("DELETE")
	router.Handle("/rbac/hierarchy/edges/{parent}/{child}/overrides", h.guard(ResourceHierarchy, ActionUpdate, h.SetOverrides)).Methods("PUT")
	router.Handle("/rbac/hierarchy/edges/{parent}/{child}/activate", h.guard(ResourceHierarchy, ActionUpdate, h.ActivateEdge)).Methods("POST")
	router.Handle("/rbac/hierarchy/edges/{parent}/{child}/deactivate", h.guard(ResourceHierarchy, ActionUpdate, h.DeactivateEdge)).Methods("POST")

	// Assignments
	router.Handle("/rbac/assignments", h.guard(ResourceAssignment, ActionAssign, h.AssignRole)).Methods("POST")
	router.Handle("/rbac/assignments", h.guard(ResourceAssignment, ActionRead, h.ListAssignments)).Methods("GET")
	router.Handle("/rbac/assignments/bulk", h.guard(ResourceAssignment, ActionAssign, h.BulkAssign)).Methods("POST")
	router.Handle("/rbac/assignments/bulk-revoke", h.guard(ResourceAssignment, ActionUpdate, h.BulkRevoke)).Methods("POST")
	router.Handle("/rbac/assignments/{id}", h.guard(ResourceAssignment, ActionRead, byID(h.manager.Assignments.GetAssignment))).Methods("GET")
	router.Handle("/rbac/assignments/{id}", h.guard(ResourceAssignment, ActionDelete, h.DeleteAssignment)).Methods("DELETE")
	router.Handle("/rbac/assignments/{id}/revoke", h.guard(ResourceAssignment, ActionUpdate, h.RevokeAssignment)).Methods("POST")
	router.Handle("/rbac/assignments/{id}/suspend", h.guard(ResourceAssignment, ActionUpdate, byID(h.manager.Assignments.Suspend))).Methods("POST")
	router.Handle("/rbac/assignments/{id}/reactivate", h.guard(ResourceAssignment, ActionUpdate, byID(h.manager.Assignments.Reactivate))).Methods("POST")
	router.Handle("/rbac/assignments/{id}/approve", h.guard(ResourceAssignment, ActionUpdate, h.ApproveAssignment)).Methods("POST")
	router.Handle("/rbac/assignments/{id}/extend", h.guard(ResourceAssignment, ActionUpdate, h.ExtendAssignment)).Methods("POST")
	router.Handle("/rbac/assignments/{id}/primary", h.guard(ResourceAssignment, ActionUpdate, byID(h.manager.Assignments.SetPrimary))).Methods("POST")

	// Elevations
	router.HandleFunc("/rbac/elevations", h.RequestElevation).Methods("POST")
	router.Handle("/rbac/elevations", h.guard(ResourceElevation, ActionRead, h.ListElevations)).Methods("GET")
	router.Handle("/rbac/elevations/pending", h.guard(ResourceElevation, ActionApprove, h.PendingElevations)).Methods("GET")
	router.Handle("/rbac/elevations/expire-due", h.guard(ResourceElevation, ActionUpdate, h.ExpireDueElevations)).Methods("POST")
	router.Handle("/rbac/elevations/{id}", h.guard(ResourceElevation, ActionRead, byID(h.manager.Elevations.GetElevation))).Methods("GET")
	router.Handle("/rbac/elevations/{id}/approve", h.guard(ResourceElevation, ActionApprove, h.ApproveElevation)).Methods("POST")
	router.Handle("/rbac/elevations/{id}/deny", h.guard(ResourceElevation, ActionApprove, h.DenyElevation)).Methods("POST")
	router.Handle("/rbac/elevations/{id}/cancel", h.guard(ResourceElevation, ActionUpdate, byID(h.manager.Elevations.Cancel))).Methods("POST")
	router.Handle("/rbac/elevations/{id}/activate", h.guard(ResourceElevation, ActionUpdate, byID(h.manager.Elevations.Activate))).Methods("POST")
	router.Handle("/rbac/elevations/{id}/revoke", h.guard(ResourceElevation, ActionUpdate, h.RevokeElevation)).Methods("POST")
	router.Handle("/rbac/elevations/{id}/expire", h.guard(ResourceElevation, ActionUpdate, byID(h.manager.Elevations.Expire))).Methods("POST")
}

func (h *Handlers) guard(resourceType string, action Action, fn http.HandlerFunc) http.Handler {
	return h.middleware.Require(resourceType, action)(fn)
}

// byID serves routes that pass the {id} path variable to one service call.
func byID[T any](fn func(ctx context.Context, id string) (T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := httputil.ParsePathStringOrError(w, r, "id")
		if !ok {
			return
		}
		out, err := fn(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		httputil.WriteSuccess(w, out)
	}
}

// allowSelfOr lets callers act on their own behalf and otherwise requires
// action on resourceType. It writes the response when access is refused.
func (h *Handlers) allowSelfOr(w http.ResponseWriter, r *http.Request, subjectID, resourceType string, action Action, attrs map[string]interface{}) bool {
	caller := contextkeys.GetUserID(r.Context())
	if caller == "" {
		httputil.WriteUnauthorized(w, "authentication required")
		return false
	}
	if caller == subjectID {
		return true
	}
	dec, err := h.manager.Checker.Resolve(r.Context(), Request{
		UserID:       caller,
		ResourceType: resourceType,
		Action:       action,
		Attributes:   attrs,
	})
	if err != nil {
		writeServiceError(w, err)
		return false
	}
	if !dec.Allowed {
		httputil.WriteForbidden(w, "insufficient permissions: "+dec.Reason)
		return false
	}
	return true
}

// writeServiceError maps service errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case IsValidationError(err):
		var details interface{}
		var list ValidationErrors
		var single *ValidationError
		if errors.As(err, &list) {
			details = list
		} else if errors.As(err, &single) {
			details = []*ValidationError{single}
		}
		httputil.WriteDetailedError(w, http.StatusBadRequest, err, ValidationCode(err), details)
	case IsNotFound(err):
		httputil.WriteDetailedError(w, http.StatusNotFound, err, "not_found", nil)
	case IsConflict(err):
		httputil.WriteDetailedError(w, http.StatusConflict, err, "conflict", nil)
	case IsTransient(err):
		httputil.WriteDetailedError(w, http.StatusServiceUnavailable, err, "transient", nil)
	default:
		httputil.WriteInternalError(w, err)
	}
}

// decodeJSON reads the request body into dest. Unknown enum values come
// back coded like any other validation failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	err := httputil.ParseJSON(r, dest)
	switch {
	case err == nil:
		return true
	case IsValidationError(err):
		writeServiceError(w, err)
	default:
		httputil.WriteBadRequest(w, err.Error())
	}
	return false
}

// Resolve decides a request. Callers may always check their own access;
// checking someone else's needs execute on decisions.
func (h *Handlers) Resolve(w http.ResponseWriter, r *http.Request) {
	var req Request
	if !decodeJSON(w, r, &req) {
		return
	}
	if !h.allowSelfOr(w, r, req.UserID, ResourceDecision, ActionExecute, nil) {
		return
	}
	dec, err := h.manager.ResolvePermission(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, dec)
}

// UserRoles lists the usable roles a user currently holds.
func (h *Handlers) UserRoles(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "user_id")
	if !ok || !h.allowSelfOr(w, r, userID, ResourceAssignment, ActionRead, nil) {
		return
	}
	roles, err := h.manager.EffectiveRolesForUser(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, roles)
}

// UserAssignments lists a user's assignments. effective=true limits the
// list to assignments granting their role right now.
func (h *Handlers) UserAssignments(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "user_id")
	if !ok || !h.allowSelfOr(w, r, userID, ResourceAssignment, ActionRead, nil) {
		return
	}
	effective, err := httputil.ParseQueryBool(r, "effective", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	var out []*UserRole
	if effective {
		out, err = h.manager.Assignments.EffectiveAssignmentsForUser(r.Context(), userID)
	} else {
		out, err = h.manager.Assignments.AssignmentsForUser(r.Context(), userID)
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, out)
}

// Hierarchy lists the hierarchy below ?root, or the whole forest.
func (h *Handlers) Hierarchy(w http.ResponseWriter, r *http.Request) {
	var root *string
	if v := httputil.ParseQueryString(r, "root", ""); v != "" {
		root = &v
	}
	tree, err := h.manager.Hierarchy.Tree(r.Context(), root)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, tree)
}

// Ancestors lists the roles above {id} as of ?at, default now.
func (h *Handlers) Ancestors(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	at, err := httputil.ParseQueryTime(r, "at")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if at.IsZero() {
		at = h.manager.core.now()
	}
	if _, err := h.manager.Roles.GetRole(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	ancestors, err := h.manager.Hierarchy.Ancestors(r.Context(), id, at)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, ancestors)
}

// Stats reports catalogue, ledger and cache statistics.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.manager.GetStats(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, stats)
}

// Sweep runs one expiry sweep.
func (h *Handlers) Sweep(w http.ResponseWriter, r *http.Request) {
	result, err := h.manager.Sweep(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// CreateRole creates a new role
func (h *Handlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	var in CreateRoleInput
	if !decodeJSON(w, r, &in) {
		return
	}
	role, err := h.manager.Roles.CreateRole(r.Context(), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteCreated(w, role)
}

// ListRoles lists roles filtered by ?name, ?type, ?parent, ?system and
// ?active.
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	filter := RoleFilter{
		Name:     httputil.ParseQueryString(r, "name", ""),
		RoleType: RoleType(httputil.ParseQueryString(r, "type", "")),
	}
	if filter.RoleType != "" && !filter.RoleType.Valid() {
		httputil.WriteBadRequest(w, "invalid role type: "+string(filter.RoleType))
		return
	}
	if parent := httputil.ParseQueryString(r, "parent", ""); parent != "" {
		filter.ParentRoleID = &parent
	}
	if r.URL.Query().Has("system") {
		system, err := httputil.ParseQueryBool(r, "system", false)
		if err != nil {
			httputil.WriteBadRequest(w, err.Error())
			return
		}
		filter.SystemOnly = &system
	}
	active, err := httputil.ParseQueryBool(r, "active", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	filter.ActiveOnly = active

	roles, err := h.manager.Roles.ListRoles(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, roles)
}

// UpdateRole applies a partial update
func (h *Handlers) UpdateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var in UpdateRoleInput
	if !decodeJSON(w, r, &in) {
		return
	}
	role, err := h.manager.Roles.UpdateRole(r.Context(), id, in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// DeleteRole deletes a role. ?force=true also removes its assignments.
func (h *Handlers) DeleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	force, err := httputil.ParseQueryBool(r, "force", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if err := h.manager.Roles.DeleteRole(r.Context(), id, force); err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

type extendRequest struct {
	ExpiresAt time.Time `json:"expires_at"`
}

// ExtendRole moves a role's expiry later
func (h *Handlers) ExtendRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req extendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	role, err := h.manager.Roles.ExtendRoleExpiration(r.Context(), id, req.ExpiresAt)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// CloneRole copies a role under a new name
func (h *Handlers) CloneRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if !decodeJSON(w, r, &req) || !httputil.RequireNonEmpty(w, req.Name, "name") {
		return
	}
	role, err := h.manager.Roles.CloneRole(r.Context(), id, req.Name)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteCreated(w, role)
}

// SetRolePermissions replaces a role's permission set
func (h *Handlers) SetRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		PermissionIDs []string `json:"permission_ids"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	role, err := h.manager.Roles.SetRolePermissions(r.Context(), id, req.PermissionIDs)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// AddPermissionToRole attaches an existing permission
func (h *Handlers) AddPermissionToRole(w http.ResponseWriter, r *http.Request) {
	h.editRolePermission(w, r, h.manager.Roles.AddPermissionToRole)
}

// RemovePermissionFromRole detaches a permission
func (h *Handlers) RemovePermissionFromRole(w http.ResponseWriter, r *http.Request) {
	h.editRolePermission(w, r, h.manager.Roles.RemovePermissionFromRole)
}

func (h *Handlers) editRolePermission(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, roleID, permissionID string) (*Role, error)) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	permissionID, ok := httputil.ParsePathStringOrError(w, r, "permission_id")
	if !ok {
		return
	}
	role, err := fn(r.Context(), id, permissionID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// BulkUpdateRolePermissions edits the permission sets of many roles
func (h *Handlers) BulkUpdateRolePermissions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoleIDs       []string      `json:"role_ids"`
		PermissionIDs []string      `json:"permission_ids"`
		Operation     BulkOperation `json:"operation"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	results, err := h.manager.Roles.BulkUpdateRolePermissions(r.Context(), req.RoleIDs, req.PermissionIDs, req.Operation)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, results)
}

// CreatePermission creates a permission on its owning role
func (h *Handlers) CreatePermission(w http.ResponseWriter, r *http.Request) {
	var in CreatePermissionInput
	if !decodeJSON(w, r, &in) {
		return
	}
	perm, err := h.manager.Permissions.CreatePermission(r.Context(), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteCreated(w, perm)
}

// ListPermissions lists permissions filtered by ?role_id, ?resource_type
// and ?active.
func (h *Handlers) ListPermissions(w http.ResponseWriter, r *http.Request) {
	active, err := httputil.ParseQueryBool(r, "active", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	perms, err := h.manager.Permissions.ListPermissions(r.Context(), PermissionFilter{
		RoleID:       httputil.ParseQueryString(r, "role_id", ""),
		ResourceType: httputil.ParseQueryString(r, "resource_type", ""),
		ActiveOnly:   active,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, perms)
}

// UpdatePermission applies a partial update
func (h *Handlers) UpdatePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var in UpdatePermissionInput
	if !decodeJSON(w, r, &in) {
		return
	}
	perm, err := h.manager.Permissions.UpdatePermission(r.Context(), id, in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, perm)
}

// DeletePermission deletes a permission and detaches it everywhere
func (h *Handlers) DeletePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	if err := h.manager.Permissions.DeletePermission(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// AddAction adds one action to a permission
func (h *Handlers) AddAction(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Action Action `json:"action"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	perm, err := h.manager.Permissions.AddActionToPermission(r.Context(), id, req.Action)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, perm)
}

// RemoveAction removes one action from a permission
func (h *Handlers) RemoveAction(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	action, ok := httputil.ParsePathStringOrError(w, r, "action")
	if !ok {
		return
	}
	perm, err := h.manager.Permissions.RemoveActionFromPermission(r.Context(), id, Action(action))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, perm)
}

// ExtendPermission moves a permission's expiry later
func (h *Handlers) ExtendPermission(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req extendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	perm, err := h.manager.Permissions.ExtendPermissionExpiration(r.Context(), id, req.ExpiresAt)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, perm)
}

// ClonePermission copies a permission onto another role
func (h *Handlers) ClonePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		RoleID string `json:"role_id"`
	}
	if !decodeJSON(w, r, &req) || !httputil.RequireNonEmpty(w, req.RoleID, "role_id") {
		return
	}
	perm, err := h.manager.Permissions.ClonePermission(r.Context(), id, req.RoleID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteCreated(w, perm)
}

// AddEdge inserts a hierarchy edge
func (h *Handlers) AddEdge(w http.ResponseWriter, r *http.Request) {
	var in AddEdgeInput
	if !decodeJSON(w, r, &in) {
		return
	}
	edge, err := h.manager.Hierarchy.AddEdge(r.Context(), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteCreated(w, edge)
}

// ListEdges lists edges filtered by ?parent, ?child and ?active
func (h *Handlers) ListEdges(w http.ResponseWriter, r *http.Request) {
	active, err := httputil.ParseQueryBool(r, "active", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	edges, err := h.manager.Hierarchy.ListEdges(r.Context(), EdgeFilter{
		ParentRoleID: httputil.ParseQueryString(r, "parent", ""),
		ChildRoleID:  httputil.ParseQueryString(r, "child", ""),
		ActiveOnly:   active,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, edges)
}

func edgePathParams(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	parent, ok := httputil.ParsePathStringOrError(w, r, "parent")
	if !ok {
		return "", "", false
	}
	child, ok := httputil.ParsePathStringOrError(w, r, "child")
	return parent, child, ok
}

// GetEdge returns one edge
func (h *Handlers) GetEdge(w http.ResponseWriter, r *http.Request) {
	h.withEdge(w, r, h.manager.Hierarchy.GetEdge)
}

// ActivateEdge re-enables an edge
func (h *Handlers) ActivateEdge(w http.ResponseWriter, r *http.Request) {
	h.withEdge(w, r, h.manager.Hierarchy.ActivateEdge)
}

// DeactivateEdge disables an edge without deleting it
func (h *Handlers) DeactivateEdge(w http.ResponseWriter, r *http.Request) {
	h.withEdge(w, r, h.manager.Hierarchy.DeactivateEdge)
}

func (h *Handlers) withEdge(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, parent, child string) (*RoleHierarchy, error)) {
	parent, child, ok := edgePathParams(w, r)
	if !ok {
		return
	}
	edge, err := fn(r.Context(), parent, child)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, edge)
}

// RemoveEdge deletes an edge
func (h *Handlers) RemoveEdge(w http.ResponseWriter, r *http.Request) {
	parent, child, ok := edgePathParams(w, r)
	if !ok {
		return
	}
	if err := h.manager.Hierarchy.RemoveEdge(r.Context(), parent, child); err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// SetOverrides replaces an edge's permission overrides
func (h *Handlers) SetOverrides(w http.ResponseWriter, r *http.Request) {
	parent, child, ok := edgePathParams(w, r)
	if !ok {
		return
	}
	var req struct {
		PermissionIDs []string `json:"permission_ids"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	edge, err := h.manager.Hierarchy.SetOverrides(r.Context(), parent, child, req.PermissionIDs)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, edge)
}

// AssignRole grants a role to a user
func (h *Handlers) AssignRole(w http.ResponseWriter, r *http.Request) {
	var in AssignRoleInput
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.AssignedByUserID == "" {
		in.AssignedByUserID = contextkeys.GetUserID(r.Context())
	}
	a, err := h.manager.Assignments.AssignRole(r.Context(), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteCreated(w, a)
}

// ListAssignments lists assignments filtered by ?user_id, ?role_id and
// ?status
func (h *Handlers) ListAssignments(w http.ResponseWriter, r *http.Request) {
	filter := AssignmentFilter{
		UserID: httputil.ParseQueryString(r, "user_id", ""),
		RoleID: httputil.ParseQueryString(r, "role_id", ""),
		Status: AssignmentStatus(httputil.ParseQueryString(r, "status", "")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		httputil.WriteBadRequest(w, "invalid status: "+string(filter.Status))
		return
	}
	out, err := h.manager.Assignments.ListAssignments(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, out)
}

// BulkAssign grants many assignments, each independently
func (h *Handlers) BulkAssign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Assignments []AssignRoleInput `json:"assignments"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	caller := contextkeys.GetUserID(r.Context())
	for i := range req.Assignments {
		if req.Assignments[i].AssignedByUserID == "" {
			req.Assignments[i].AssignedByUserID = caller
		}
	}
	httputil.WriteSuccess(w, h.manager.Assignments.BulkAssign(r.Context(), req.Assignments))
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

// BulkRevoke revokes many assignments, each independently
func (h *Handlers) BulkRevoke(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs    []string `json:"ids"`
		Reason string   `json:"reason"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	results := h.manager.Assignments.BulkRevoke(r.Context(), req.IDs, contextkeys.GetUserID(r.Context()), req.Reason)
	httputil.WriteSuccess(w, results)
}

// DeleteAssignment removes an assignment outright
func (h *Handlers) DeleteAssignment(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	if err := h.manager.Assignments.DeleteAssignment(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// RevokeAssignment revokes an assignment
func (h *Handlers) RevokeAssignment(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req revokeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	a, err := h.manager.Assignments.Revoke(r.Context(), id, contextkeys.GetUserID(r.Context()), req.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, a)
}

// ApproveAssignment activates a pending assignment
func (h *Handlers) ApproveAssignment(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	a, err := h.manager.Assignments.Approve(r.Context(), id, contextkeys.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, a)
}

// ExtendAssignment moves an assignment's expiry later
func (h *Handlers) ExtendAssignment(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req extendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	a, err := h.manager.Assignments.ExtendExpiration(r.Context(), id, req.ExpiresAt)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, a)
}

// RequestElevation files an elevation request. Users may request for
// themselves; requesting for someone else needs create on elevations.
func (h *Handlers) RequestElevation(w http.ResponseWriter, r *http.Request) {
	var in RequestElevationInput
	if !decodeJSON(w, r, &in) {
		return
	}
	if !h.allowSelfOr(w, r, in.UserID, ResourceElevation, ActionCreate, map[string]interface{}{"owner_id": in.UserID}) {
		return
	}
	if in.RequestedByUserID == "" {
		in.RequestedByUserID = contextkeys.GetUserID(r.Context())
	}
	e, err := h.manager.Elevations.RequestElevation(r.Context(), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteCreated(w, e)
}

// ListElevations lists elevations filtered by ?user_id and ?status
func (h *Handlers) ListElevations(w http.ResponseWriter, r *http.Request) {
	filter := ElevationFilter{
		UserID: httputil.ParseQueryString(r, "user_id", ""),
		Status: ElevationStatus(httputil.ParseQueryString(r, "status", "")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		httputil.WriteBadRequest(w, "invalid status: "+string(filter.Status))
		return
	}
	out, err := h.manager.Elevations.ListElevations(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, out)
}

// PendingElevations lists requests awaiting a decision
func (h *Handlers) PendingElevations(w http.ResponseWriter, r *http.Request) {
	out, err := h.manager.Elevations.PendingElevations(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, out)
}

// ExpireDueElevations expires every auto-revoking elevation past its end
func (h *Handlers) ExpireDueElevations(w http.ResponseWriter, r *http.Request) {
	n, err := h.manager.Elevations.ExpireDue(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]int{"expired": n})
}

// ApproveElevation approves a pending request as the caller
func (h *Handlers) ApproveElevation(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	e, err := h.manager.Elevations.Approve(r.Context(), id, contextkeys.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, e)
}

// DenyElevation rejects a pending request
func (h *Handlers) DenyElevation(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req revokeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	e, err := h.manager.Elevations.Deny(r.Context(), id, req.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, e)
}

// RevokeElevation ends an elevation early
func (h *Handlers) RevokeElevation(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req revokeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	e, err := h.manager.Elevations.Revoke(r.Context(), id, contextkeys.GetUserID(r.Context()), req.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.WriteSuccess(w, e)
}
