package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/observability"
)

// Decision reasons. Denials report the most specific reason found.
const (
	ReasonGranted              = "granted"
	ReasonUserInactive         = "user inactive"
	ReasonNoEffectiveRole      = "no effective role"
	ReasonNoMatchingPermission = "no matching permission"
	ReasonNoUsableRole         = "no usable role"
	ReasonInheritanceBlocked   = "inheritance blocked"
	ReasonOverridden           = "permission overridden by hierarchy"
	ReasonConditionsNotMet     = "conditions not satisfied"
	ReasonNotOwner             = "resource not owned by user"
)

var reasonRank = map[string]int{
	ReasonNoMatchingPermission: 0,
	ReasonNoUsableRole:         1,
	ReasonInheritanceBlocked:   2,
	ReasonOverridden:           3,
	ReasonConditionsNotMet:     4,
	ReasonNotOwner:             5,
}

// Request asks whether a user may perform an action on a resource. A zero
// Now means the resolver's clock.
type Request struct {
	UserID       string                 `json:"user_id"`
	ResourceType string                 `json:"resource_type"`
	Action       Action                 `json:"action"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	Attributes   map[string]interface{} `json:"attributes,omitempty"`
	Now          time.Time              `json:"now,omitempty"`
}

// Decision is the outcome of a Request.
type Decision struct {
	Allowed             bool      `json:"allowed"`
	Reason              string    `json:"reason"`
	MatchedPermissionID string    `json:"matched_permission_id,omitempty"`
	MatchedRoleID       string    `json:"matched_role_id,omitempty"`
	AssignmentID        string    `json:"assignment_id,omitempty"`
	Chain               []string  `json:"chain,omitempty"`
	EvaluatedAt         time.Time `json:"evaluated_at"`
	// ValidUntil is the earliest later instant at which a validity window
	// seen during resolution opens or closes. Nil means no such instant.
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

// UserDirectory reports whether a user account may hold permissions at all,
// e.g. false for suspended or terminated users.
// Whoever changes that answer should call Checker.InvalidateUser so cached
// decisions follow.
type UserDirectory interface {
	IsActive(ctx context.Context, userID string) (bool, error)
}

// PermissionResolver is satisfied by Resolver and by Checker.
type PermissionResolver interface {
	Resolve(ctx context.Context, req Request) (*Decision, error)
}

// Resolver computes decisions from assignments, roles, the hierarchy and
// permissions. It only reads and takes no locks.
type Resolver struct {
	*core
}

// Resolve decides req and emits its permission log record. A plain denial
// is a Decision, not an error; errors are reserved for invalid requests and
// store failures.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Decision, error) {
	dec, err := r.decide(ctx, &req)
	if err != nil {
		return nil, err
	}
	r.recordDecision(ctx, &req, dec)
	return dec, nil
}

// decide resolves req without auditing it. req is normalised in place.
func (r *Resolver) decide(ctx context.Context, req *Request) (*Decision, error) {
	start := time.Now()
	ctx, span := observability.Tracer().Start(ctx, "rbac.Resolve", trace.WithAttributes(
		attribute.String("rbac.user_id", req.UserID),
		attribute.String("rbac.resource_type", req.ResourceType),
		attribute.String("rbac.action", string(req.Action)),
	))
	defer span.End()

	if err := validateRequest(req); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	now := req.Now.UTC()
	if req.Now.IsZero() {
		now = r.now()
	}

	dec, err := r.resolve(ctx, req, now)
	if err != nil {
		kind := "store"
		if IsTransient(err) {
			kind = "transient"
		}
		r.metrics.RecordResolveError(kind)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	elapsed := time.Since(start)
	r.metrics.RecordDecision(dec.Allowed, dec.Reason, elapsed)
	r.otel.RecordDecision(ctx, dec.Allowed, dec.Reason, elapsed)
	span.SetAttributes(
		attribute.Bool("rbac.allowed", dec.Allowed),
		attribute.String("rbac.reason", dec.Reason),
	)
	return dec, nil
}

func validateRequest(req *Request) error {
	var errs ValidationErrors
	if req.UserID == "" {
		errs = append(errs, &ValidationError{Entity: "request", Field: "user_id", Code: CodeRequired, Message: "is required"})
	}
	if req.ResourceType == "" {
		errs = append(errs, &ValidationError{Entity: "request", Field: "resource_type", Code: CodeRequired, Message: "is required"})
	}
	if !req.Action.Valid() {
		errs = append(errs, &ValidationError{Entity: "request", Field: "action", Code: CodeInvalid, Message: fmt.Sprintf("unknown action %q", req.Action)})
	}
	return finish(errs)
}

// recordDecision emits the permission log entry for one decision.
func (c *core) recordDecision(ctx context.Context, req *Request, dec *Decision) {
	record := &audit.Record{
		EventType:    audit.EventTypePermissionCheck,
		Status:       audit.EventStatusDenied,
		UserID:       req.UserID,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Action:       string(req.Action),
		AttemptedAt:  dec.EvaluatedAt,
		RoleAtTime:   dec.MatchedRoleID,
		PermissionID: dec.MatchedPermissionID,
		AssignmentID: dec.AssignmentID,
		Chain:        append([]string(nil), dec.Chain...),
		ActorUserID:  actor(ctx),
	}
	if dec.Allowed {
		record.Status = audit.EventStatusGranted
		record.GrantedAt = timePtr(dec.EvaluatedAt)
	} else {
		record.DeniedReason = dec.Reason
	}
	c.emit(ctx, record)
}

// match is one permission that grants the request.
type match struct {
	permission *Permission
	role       *Role
	assignment *UserRole
	path       []string
}

// evaluation collects what one effective assignment contributes.
type evaluation struct {
	now        time.Time
	matches    []match
	reason     string
	chain      []string
	validUntil *time.Time
}

func (e *evaluation) note(reason string) {
	if e.reason == "" || reasonRank[reason] > reasonRank[e.reason] {
		e.reason = reason
	}
}

// bound lowers validUntil to t when t is still ahead.
func (e *evaluation) bound(t *time.Time) {
	if t != nil && t.After(e.now) {
		e.validUntil = earliest(e.validUntil, t)
	}
}

func (r *Resolver) resolve(ctx context.Context, req *Request, now time.Time) (*Decision, error) {
	if r.directory != nil {
		var active bool
		err := r.retryRead(ctx, func() (err error) {
			active, err = r.directory.IsActive(ctx, req.UserID)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to look up user %s: %w", req.UserID, err)
		}
		if !active {
			return &Decision{Reason: ReasonUserInactive, EvaluatedAt: now}, nil
		}
	}

	var assignments []*UserRole
	err := r.retryRead(ctx, func() (err error) {
		assignments, err = r.store.ListAssignments(ctx, AssignmentFilter{UserID: req.UserID, Status: AssignmentActive})
		return err
	})
	if err != nil {
		return nil, err
	}

	top := &evaluation{now: now}
	var effective []*UserRole
	for _, a := range assignments {
		if a.IsEffective(now) {
			effective = append(effective, a)
			top.bound(a.ExpiresAt)
		} else if now.Before(a.EffectiveFrom) {
			top.bound(timePtr(a.EffectiveFrom))
		}
	}
	if len(effective) == 0 {
		return &Decision{Reason: ReasonNoEffectiveRole, EvaluatedAt: now, ValidUntil: top.validUntil}, nil
	}

	l := newLookup(r.core)
	evals := make([]*evaluation, len(effective))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, a := range effective {
		i, a := i, a
		g.Go(func() error {
			ev, err := r.evaluate(gctx, l, req, a, now)
			evals[i] = ev
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var matches []match
	seen := make(map[string]bool)
	for _, ev := range evals {
		matches = append(matches, ev.matches...)
		if ev.reason != "" {
			top.note(ev.reason)
		}
		top.bound(ev.validUntil)
		for _, id := range ev.chain {
			if !seen[id] {
				seen[id] = true
				top.chain = append(top.chain, id)
			}
		}
	}

	dec := &Decision{EvaluatedAt: now, ValidUntil: top.validUntil}
	if len(matches) == 0 {
		dec.Reason = top.reason
		if dec.Reason == "" {
			dec.Reason = ReasonNoMatchingPermission
		}
		dec.Chain = top.chain
		return dec, nil
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].role.Priority != matches[j].role.Priority {
			return matches[i].role.Priority > matches[j].role.Priority
		}
		return matches[i].permission.ID < matches[j].permission.ID
	})
	best := matches[0]
	dec.Allowed = true
	dec.Reason = ReasonGranted
	dec.MatchedPermissionID = best.permission.ID
	dec.MatchedRoleID = best.role.ID
	dec.AssignmentID = best.assignment.ID
	dec.Chain = best.path
	return dec, nil
}

// evaluate walks one assignment's role closure and collects the matching
// permissions.
func (r *Resolver) evaluate(ctx context.Context, l *lookup, req *Request, a *UserRole, now time.Time) (*evaluation, error) {
	ev := &evaluation{now: now}

	if !r.holds(ctx, a.Conditions, req, "assignment", a.ID) {
		ev.note(ReasonConditionsNotMet)
		return ev, nil
	}

	role, err := l.role(ctx, a.RoleID)
	if IsNotFound(err) {
		ev.note(ReasonNoUsableRole)
		return ev, nil
	}
	if err != nil {
		return nil, err
	}
	if !role.IsUsable(now) {
		ev.note(ReasonNoUsableRole)
		return ev, nil
	}

	ancestors, err := walkAncestors(ctx, l.parentEdges, role.ID, now)
	if err != nil {
		return nil, err
	}
	nodes := append([]Ancestor{{RoleID: role.ID, Inherits: true, Path: []string{role.ID}}}, ancestors...)

	for _, n := range nodes {
		ev.chain = append(ev.chain, n.RoleID)
		ev.bound(n.ValidUntil)

		nodeRole, err := l.role(ctx, n.RoleID)
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !nodeRole.IsUsable(now) {
			continue
		}
		ev.bound(nodeRole.ExpiresAt)

		for _, pid := range nodeRole.PermissionIDs {
			p, err := l.permission(ctx, pid)
			if IsNotFound(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if !p.IsUsable(now) || !p.Matches(req.ResourceType, req.Action) {
				continue
			}
			ev.bound(p.ExpiresAt)

			switch {
			case !n.Inherits:
				ev.note(ReasonInheritanceBlocked)
			case containsID(n.Overrides, p.ID):
				ev.note(ReasonOverridden)
			case !r.pathHolds(ctx, n.Conditions, req) || !r.permissionHolds(ctx, p, req):
				ev.note(ReasonConditionsNotMet)
			case p.Scope == ScopeOwn && !ownedBy(req):
				ev.note(ReasonNotOwner)
			default:
				ev.matches = append(ev.matches, match{permission: p, role: nodeRole, assignment: a, path: n.Path})
			}
		}
	}
	return ev, nil
}

func (r *Resolver) pathHolds(ctx context.Context, conditions []json.RawMessage, req *Request) bool {
	for _, c := range conditions {
		if !r.holds(ctx, c, req, "role_hierarchy", "") {
			return false
		}
	}
	return true
}

func (r *Resolver) permissionHolds(ctx context.Context, p *Permission, req *Request) bool {
	if !r.holds(ctx, p.Conditions, req, "permission", p.ID) {
		return false
	}
	if len(p.ResourceFilters) == 0 {
		return true
	}
	ok, err := r.evaluator.Filters(ctx, p.ResourceFilters, req)
	if err != nil {
		r.logger.WithError(err).WithField("permission_id", p.ID).Warn("resource filter evaluation failed")
		return false
	}
	return ok
}

// holds evaluates a condition document. Evaluation errors fail closed.
func (r *Resolver) holds(ctx context.Context, conditions json.RawMessage, req *Request, entity, id string) bool {
	if len(conditions) == 0 {
		return true
	}
	ok, err := r.evaluator.Conditions(ctx, conditions, req)
	if err != nil {
		r.logger.WithError(err).WithFields(map[string]interface{}{"entity": entity, "entity_id": id}).
			Warn("condition evaluation failed")
		return false
	}
	return ok
}

func ownedBy(req *Request) bool {
	owner, ok := req.Attributes["owner_id"]
	if !ok {
		return false
	}
	s, ok := owner.(string)
	return ok && s == req.UserID
}

// lookup memoises store reads for one resolution. Reads are retried while
// they fail transiently.
type lookup struct {
	c     *core
	mu    sync.Mutex
	roles map[string]*Role
	perms map[string]*Permission
	edges map[string][]*RoleHierarchy
}

func newLookup(c *core) *lookup {
	return &lookup{
		c:     c,
		roles: make(map[string]*Role),
		perms: make(map[string]*Permission),
		edges: make(map[string][]*RoleHierarchy),
	}
}

func (l *lookup) role(ctx context.Context, id string) (*Role, error) {
	l.mu.Lock()
	cached, ok := l.roles[id]
	l.mu.Unlock()
	if ok {
		return cached, nil
	}

	var role *Role
	err := l.c.retryRead(ctx, func() (err error) {
		role, err = l.c.store.GetRole(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.roles[id] = role
	l.mu.Unlock()
	return role, nil
}

func (l *lookup) permission(ctx context.Context, id string) (*Permission, error) {
	l.mu.Lock()
	cached, ok := l.perms[id]
	l.mu.Unlock()
	if ok {
		return cached, nil
	}

	var perm *Permission
	err := l.c.retryRead(ctx, func() (err error) {
		perm, err = l.c.store.GetPermission(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.perms[id] = perm
	l.mu.Unlock()
	return perm, nil
}

func (l *lookup) parentEdges(ctx context.Context, childRoleID string) ([]*RoleHierarchy, error) {
	l.mu.Lock()
	cached, ok := l.edges[childRoleID]
	l.mu.Unlock()
	if ok {
		return cached, nil
	}

	var edges []*RoleHierarchy
	err := l.c.retryRead(ctx, func() (err error) {
		edges, err = l.c.store.ListEdges(ctx, EdgeFilter{ChildRoleID: childRoleID, ActiveOnly: true})
		return err
	})
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.edges[childRoleID] = edges
	l.mu.Unlock()
	return edges, nil
}
