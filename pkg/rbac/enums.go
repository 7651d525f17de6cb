package rbac

import (
	"fmt"
	"strings"
)

// RoleType classifies a role.
type RoleType string

const (
	RoleTypeSystem    RoleType = "system"
	RoleTypeCustom    RoleType = "custom"
	RoleTypeGroup     RoleType = "group"
	RoleTypeTemporary RoleType = "temporary"
)

// Action is an operation a permission may allow.
type Action string

const (
	ActionCreate  Action = "create"
	ActionRead    Action = "read"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionExecute Action = "execute"
	ActionApprove Action = "approve"
	ActionAssign  Action = "assign"
	ActionView    Action = "view"
	ActionExport  Action = "export"
	ActionImport  Action = "import"
)

// PermissionScope bounds the resources a permission applies to.
type PermissionScope string

const (
	ScopeGlobal       PermissionScope = "global"
	ScopeOrganization PermissionScope = "organization"
	ScopeLocation     PermissionScope = "location"
	ScopeAsset        PermissionScope = "asset"
	ScopeOwn          PermissionScope = "own" // only resources owned by the caller
)

// HierarchyType is the relationship carried by a hierarchy edge.
type HierarchyType string

const (
	HierarchyDirect      HierarchyType = "direct"
	HierarchyInherited   HierarchyType = "inherited"
	HierarchyDelegated   HierarchyType = "delegated"
	HierarchyConditional HierarchyType = "conditional"
)

// AssignmentSource records how an assignment came to exist.
type AssignmentSource string

const (
	SourceManual      AssignmentSource = "manual"
	SourceAutomatic   AssignmentSource = "automatic"
	SourceElevation   AssignmentSource = "elevation"
	SourceInheritance AssignmentSource = "inheritance"
	SourceImport      AssignmentSource = "import"
	SourceBulk        AssignmentSource = "bulk"
)

// AssignmentStatus is the lifecycle state of a UserRole.
type AssignmentStatus string

const (
	AssignmentActive    AssignmentStatus = "active"
	AssignmentSuspended AssignmentStatus = "suspended"
	AssignmentExpired   AssignmentStatus = "expired"
	AssignmentRevoked   AssignmentStatus = "revoked"
	AssignmentPending   AssignmentStatus = "pending"
)

// ElevationStatus is the lifecycle state of a TempRoleElevation.
type ElevationStatus string

const (
	ElevationPending   ElevationStatus = "pending"
	ElevationApproved  ElevationStatus = "approved"
	ElevationActive    ElevationStatus = "active"
	ElevationExpired   ElevationStatus = "expired"
	ElevationRevoked   ElevationStatus = "revoked"
	ElevationDenied    ElevationStatus = "denied"
	ElevationCancelled ElevationStatus = "cancelled"
)

// ElevationPriority is the urgency attached to an elevation request.
type ElevationPriority string

const (
	PriorityLow       ElevationPriority = "low"
	PriorityNormal    ElevationPriority = "normal"
	PriorityHigh      ElevationPriority = "high"
	PriorityEmergency ElevationPriority = "emergency"
)

// BulkOperation selects how BulkUpdateRolePermissions edits each role.
type BulkOperation string

const (
	BulkAdd    BulkOperation = "add"
	BulkRemove BulkOperation = "remove"
	BulkSet    BulkOperation = "set"
)

var (
	roleTypes          = []RoleType{RoleTypeSystem, RoleTypeCustom, RoleTypeGroup, RoleTypeTemporary}
	actions            = []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionExecute, ActionApprove, ActionAssign, ActionView, ActionExport, ActionImport}
	scopes             = []PermissionScope{ScopeGlobal, ScopeOrganization, ScopeLocation, ScopeAsset, ScopeOwn}
	hierarchyTypes     = []HierarchyType{HierarchyDirect, HierarchyInherited, HierarchyDelegated, HierarchyConditional}
	assignmentSources  = []AssignmentSource{SourceManual, SourceAutomatic, SourceElevation, SourceInheritance, SourceImport, SourceBulk}
	assignmentStatuses = []AssignmentStatus{AssignmentActive, AssignmentSuspended, AssignmentExpired, AssignmentRevoked, AssignmentPending}
	elevationStatuses  = []ElevationStatus{ElevationPending, ElevationApproved, ElevationActive, ElevationExpired, ElevationRevoked, ElevationDenied, ElevationCancelled}
	elevationPriority  = []ElevationPriority{PriorityLow, PriorityNormal, PriorityHigh, PriorityEmergency}
	bulkOperations     = []BulkOperation{BulkAdd, BulkRemove, BulkSet}
)

// enumValue is implemented by every closed string enumeration in this
// package. The validator's "enum" tag and the text/SQL adapters below are
// the only places values are converted to and from strings.
type enumValue interface {
	~string
	Valid() bool
}

func oneOf[T ~string](v T, set []T) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func parseEnum[T enumValue](kind string, raw string) (T, error) {
	v := T(strings.ToLower(strings.TrimSpace(raw)))
	if !v.Valid() {
		var zero T
		return zero, &ValidationError{Entity: kind, Code: CodeInvalid, Message: fmt.Sprintf("unknown value %q", raw)}
	}
	return v, nil
}

func scanEnum[T enumValue](kind string, dst *T, src interface{}) error {
	var raw string
	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("cannot scan %T into %s", src, kind)
	}
	parsed, err := parseEnum[T](kind, raw)
	if err != nil {
		return err
	}
	*dst = parsed
	return nil
}

func (t RoleType) Valid() bool { return oneOf(t, roleTypes) }
func (t *RoleType) UnmarshalText(b []byte) (err error) {
	*t, err = parseEnum[RoleType]("role type", string(b))
	return err
}
func (t *RoleType) Scan(src interface{}) error { return scanEnum("role type", t, src) }

func (a Action) Valid() bool { return oneOf(a, actions) }
func (a *Action) UnmarshalText(b []byte) (err error) {
	*a, err = parseEnum[Action]("action", string(b))
	return err
}
func (a *Action) Scan(src interface{}) error { return scanEnum("action", a, src) }

func (s PermissionScope) Valid() bool { return oneOf(s, scopes) }
func (s *PermissionScope) UnmarshalText(b []byte) (err error) {
	*s, err = parseEnum[PermissionScope]("permission scope", string(b))
	return err
}
func (s *PermissionScope) Scan(src interface{}) error { return scanEnum("permission scope", s, src) }

func (h HierarchyType) Valid() bool { return oneOf(h, hierarchyTypes) }
func (h *HierarchyType) UnmarshalText(b []byte) (err error) {
	*h, err = parseEnum[HierarchyType]("hierarchy type", string(b))
	return err
}
func (h *HierarchyType) Scan(src interface{}) error { return scanEnum("hierarchy type", h, src) }

func (s AssignmentSource) Valid() bool { return oneOf(s, assignmentSources) }
func (s *AssignmentSource) UnmarshalText(b []byte) (err error) {
	*s, err = parseEnum[AssignmentSource]("assignment source", string(b))
	return err
}
func (s *AssignmentSource) Scan(src interface{}) error { return scanEnum("assignment source", s, src) }

func (s AssignmentStatus) Valid() bool { return oneOf(s, assignmentStatuses) }
func (s *AssignmentStatus) UnmarshalText(b []byte) (err error) {
	*s, err = parseEnum[AssignmentStatus]("assignment status", string(b))
	return err
}
func (s *AssignmentStatus) Scan(src interface{}) error { return scanEnum("assignment status", s, src) }

func (s ElevationStatus) Valid() bool { return oneOf(s, elevationStatuses) }
func (s *ElevationStatus) UnmarshalText(b []byte) (err error) {
	*s, err = parseEnum[ElevationStatus]("elevation status", string(b))
	return err
}
func (s *ElevationStatus) Scan(src interface{}) error { return scanEnum("elevation status", s, src) }

func (p ElevationPriority) Valid() bool { return oneOf(p, elevationPriority) }
func (p *ElevationPriority) UnmarshalText(b []byte) (err error) {
	*p, err = parseEnum[ElevationPriority]("elevation priority", string(b))
	return err
}
func (p *ElevationPriority) Scan(src interface{}) error { return scanEnum("elevation priority", p, src) }

func (o BulkOperation) Valid() bool { return oneOf(o, bulkOperations) }
func (o *BulkOperation) UnmarshalText(b []byte) (err error) {
	*o, err = parseEnum[BulkOperation]("bulk operation", string(b))
	return err
}
