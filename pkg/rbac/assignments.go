package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/platinummonkey/warden/pkg/async"
)

// AssignmentService manages the user role ledger.
type AssignmentService struct {
	*core
}

// AssignRoleInput describes a new assignment. Source defaults to manual and
// EffectiveFrom to now. RequireApproval creates the assignment pending.
type AssignRoleInput struct {
	UserID           string            `json:"user_id"`
	RoleID           string            `json:"role_id"`
	Source           AssignmentSource  `json:"assignment_source,omitempty"`
	IsPrimary        bool              `json:"is_primary_role"`
	AssignedByUserID string            `json:"assigned_by_user_id,omitempty"`
	EffectiveFrom    *time.Time        `json:"effective_from,omitempty"`
	ExpiresAt        *time.Time        `json:"expires_at,omitempty"`
	Conditions       json.RawMessage   `json:"conditions,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	RequireApproval  bool              `json:"require_approval,omitempty"`
}

// BulkAssignResult reports one item of BulkAssign.
type BulkAssignResult struct {
	Assignment *UserRole `json:"assignment,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// AssignRole grants a role to a user. It fails with a conflict when the user
// already holds a live assignment for the role whose window overlaps, when
// it would give the user a second primary role, or when the role is full.
func (s *AssignmentService) AssignRole(ctx context.Context, in AssignRoleInput) (_ *UserRole, err error) {
	now := s.now()
	a := &UserRole{
		ID:               newID(),
		UserID:           in.UserID,
		RoleID:           in.RoleID,
		AssignmentSource: in.Source,
		IsPrimaryRole:    in.IsPrimary,
		AssignedAt:       now,
		AssignedByUserID: in.AssignedByUserID,
		EffectiveFrom:    now,
		ExpiresAt:        copyTime(in.ExpiresAt),
		Status:           AssignmentActive,
		Conditions:       in.Conditions,
		Metadata:         in.Metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if a.AssignmentSource == "" {
		a.AssignmentSource = SourceManual
	}
	if a.AssignedByUserID == "" {
		a.AssignedByUserID = actor(ctx)
	}
	if in.EffectiveFrom != nil {
		a.EffectiveFrom = in.EffectiveFrom.UTC()
	}
	if in.RequireApproval {
		a.Status = AssignmentPending
	}

	defer s.track(ctx, assignmentChange("assignment.create", a.ID, a.UserID), &err)

	if a.AssignmentSource == SourceElevation {
		return nil, NewValidationError("user_role", "assignment_source", CodeInvalid,
			"elevation assignments are created by activating an elevation")
	}
	if err := ValidateAssignment(a); err != nil {
		return nil, err
	}
	err = s.store.WithTx(ctx, func(tx Store) error {
		return s.insert(ctx, tx, a, now)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// insert runs the assignment preconditions and writes a inside tx.
func (s *AssignmentService) insert(ctx context.Context, tx Store, a *UserRole, now time.Time) error {
	role, err := tx.GetRole(ctx, a.RoleID)
	if err != nil {
		return err
	}
	if !role.IsUsable(now) {
		return NewValidationError("user_role", "role_id", CodeUnusable, fmt.Sprintf("role %s is inactive or expired", role.ID))
	}
	if err := checkLedger(ctx, tx, role, a, now); err != nil {
		return err
	}
	return tx.CreateAssignment(ctx, a)
}

// checkLedger enforces the ledger invariants for a over its window: no other
// live assignment of the same role overlaps it, no other live primary
// overlaps a primary, and the role's user limit holds. a itself is ignored
// so an existing assignment can be rechecked after its window changes.
func checkLedger(ctx context.Context, tx Store, role *Role, a *UserRole, now time.Time) error {
	held, err := tx.ListAssignments(ctx, AssignmentFilter{UserID: a.UserID})
	if err != nil {
		return err
	}
	for _, h := range held {
		if h.ID == a.ID || !h.isLive(now) || !h.overlaps(a.EffectiveFrom, a.ExpiresAt) {
			continue
		}
		if h.RoleID == a.RoleID {
			return NewConflictError("user %s already holds role %s (assignment %s)", a.UserID, a.RoleID, h.ID)
		}
		if a.IsPrimaryRole && h.IsPrimaryRole {
			return NewConflictError("user %s already has primary assignment %s", a.UserID, h.ID)
		}
	}

	if role.MaxUsers != nil {
		members, err := tx.ListAssignments(ctx, AssignmentFilter{RoleID: role.ID, Status: AssignmentActive})
		if err != nil {
			return err
		}
		users := make(map[string]bool)
		for _, m := range members {
			if m.ID != a.ID && m.IsEffective(now) {
				users[m.UserID] = true
			}
		}
		if !users[a.UserID] && len(users) >= int(*role.MaxUsers) {
			return NewConflictError("role %s is limited to %d user(s)", role.ID, *role.MaxUsers)
		}
	}
	return nil
}

// elevationManaged rejects op on an assignment that backs an elevation. Its
// window and status follow the elevation and change only through
// ElevationService.
func elevationManaged(a *UserRole, op string) error {
	if a.ElevationRequestID == nil {
		return nil
	}
	return NewValidationError("user_role", "elevation_request_id", CodeElevationManaged,
		fmt.Sprintf("assignment %s backs elevation %s; %s it through the elevation", a.ID, *a.ElevationRequestID, op))
}

// endBackedElevation revokes the elevation a backs, if any, so the two never
// disagree once the assignment is gone.
func endBackedElevation(ctx context.Context, tx Store, a *UserRole, by, reason string, now time.Time) error {
	if a.ElevationRequestID == nil {
		return nil
	}
	e, err := tx.GetElevation(ctx, *a.ElevationRequestID)
	if IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return revokeElevation(ctx, tx, e, by, reason, now)
}

// revokeElevation moves a non-terminal elevation to revoked.
func revokeElevation(ctx context.Context, tx Store, e *TempRoleElevation, by, reason string, now time.Time) error {
	if e.IsTerminal() {
		return nil
	}
	if e.Status == ElevationActive {
		e.ActualEndTime = timePtr(now)
	}
	e.Status = ElevationRevoked
	e.RevokedByUserID = by
	e.RevocationReason = reason
	e.UpdatedAt = now
	return tx.UpdateElevation(ctx, e)
}

// Revoke ends an assignment for good. Revoking the assignment behind an
// elevation revokes the elevation as well.
func (s *AssignmentService) Revoke(ctx context.Context, id, by, reason string) (*UserRole, error) {
	return s.transition(ctx, "assignment.revoke", id, func(ctx context.Context, tx Store, a *UserRole, now time.Time) error {
		if a.Status == AssignmentRevoked {
			return invalidTransition("user_role", string(a.Status), "revoke")
		}
		revoke(a, by, reason, now)
		return endBackedElevation(ctx, tx, a, by, reason, now)
	})
}

func revoke(a *UserRole, by, reason string, now time.Time) {
	a.Status = AssignmentRevoked
	a.RevokedAt = timePtr(now)
	a.RevokedByUserID = by
	a.RevocationReason = reason
}

// Suspend pauses an active assignment.
func (s *AssignmentService) Suspend(ctx context.Context, id string) (*UserRole, error) {
	return s.transition(ctx, "assignment.suspend", id, func(ctx context.Context, tx Store, a *UserRole, now time.Time) error {
		if err := elevationManaged(a, "suspend"); err != nil {
			return err
		}
		if a.EffectiveStatus(now) != AssignmentActive {
			return invalidTransition("user_role", string(a.EffectiveStatus(now)), "suspend")
		}
		a.Status = AssignmentSuspended
		return nil
	})
}

// Reactivate resumes a suspended assignment.
func (s *AssignmentService) Reactivate(ctx context.Context, id string) (*UserRole, error) {
	return s.transition(ctx, "assignment.reactivate", id, func(ctx context.Context, tx Store, a *UserRole, now time.Time) error {
		if err := elevationManaged(a, "reactivate"); err != nil {
			return err
		}
		if a.Status != AssignmentSuspended {
			return invalidTransition("user_role", string(a.Status), "reactivate")
		}
		a.Status = AssignmentActive
		return nil
	})
}

// Approve activates a pending assignment.
func (s *AssignmentService) Approve(ctx context.Context, id, by string) (*UserRole, error) {
	return s.transition(ctx, "assignment.approve", id, func(ctx context.Context, tx Store, a *UserRole, now time.Time) error {
		if a.Status != AssignmentPending {
			return invalidTransition("user_role", string(a.Status), "approve")
		}
		a.Status = AssignmentActive
		if a.Metadata == nil {
			a.Metadata = make(map[string]string)
		}
		a.Metadata["approved_by"] = by
		return nil
	})
}

// ExtendExpiration moves a live assignment's expiry strictly later. The
// longer window must still satisfy the ledger invariants.
func (s *AssignmentService) ExtendExpiration(ctx context.Context, id string, expiresAt time.Time) (*UserRole, error) {
	return s.transition(ctx, "assignment.extend_expiration", id, func(ctx context.Context, tx Store, a *UserRole, now time.Time) error {
		if err := elevationManaged(a, "extend"); err != nil {
			return err
		}
		switch a.Status {
		case AssignmentRevoked, AssignmentExpired:
			return invalidTransition("user_role", string(a.Status), "extend")
		}
		if err := validateForward("user_role", a.ExpiresAt, expiresAt); err != nil {
			return err
		}
		a.ExpiresAt = timePtr(expiresAt.UTC())

		role, err := tx.GetRole(ctx, a.RoleID)
		if err != nil {
			return err
		}
		return checkLedger(ctx, tx, role, a, now)
	})
}

// MarkUsed stamps the assignment's last use.
func (s *AssignmentService) MarkUsed(ctx context.Context, id string) (*UserRole, error) {
	return s.transition(ctx, "assignment.mark_used", id, func(ctx context.Context, tx Store, a *UserRole, now time.Time) error {
		a.LastUsedAt = timePtr(now)
		return nil
	})
}

func (s *AssignmentService) transition(ctx context.Context, op, id string,
	fn func(ctx context.Context, tx Store, a *UserRole, now time.Time) error) (_ *UserRole, err error) {

	ch := assignmentChange(op, id)
	defer s.track(ctx, ch, &err)

	var out *UserRole
	err = s.store.WithTx(ctx, func(tx Store) error {
		a, err := tx.GetAssignment(ctx, id)
		if err != nil {
			return err
		}
		ch.users = []string{a.UserID}
		now := s.now()
		if err := fn(ctx, tx, a, now); err != nil {
			return err
		}
		a.UpdatedAt = now
		out = a
		return tx.UpdateAssignment(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetPrimary makes id the user's only primary assignment. Clearing the old
// primary and setting the new one commit together.
func (s *AssignmentService) SetPrimary(ctx context.Context, id string) (_ *UserRole, err error) {
	ch := assignmentChange("assignment.set_primary", id)
	defer s.track(ctx, ch, &err)

	var out *UserRole
	err = s.store.WithTx(ctx, func(tx Store) error {
		target, err := tx.GetAssignment(ctx, id)
		if err != nil {
			return err
		}
		ch.users = []string{target.UserID}
		now := s.now()
		if !target.IsEffective(now) {
			return NewValidationError("user_role", "status", CodeUnusable, "only an effective assignment can become primary")
		}

		held, err := tx.ListAssignments(ctx, AssignmentFilter{UserID: target.UserID})
		if err != nil {
			return err
		}
		for _, h := range held {
			if h.ID == target.ID || !h.IsPrimaryRole {
				continue
			}
			h.IsPrimaryRole = false
			h.UpdatedAt = now
			if err := tx.UpdateAssignment(ctx, h); err != nil {
				return err
			}
		}

		target.IsPrimaryRole = true
		target.UpdatedAt = now
		out = target
		return tx.UpdateAssignment(ctx, target)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteAssignment removes an assignment record. Deleting the assignment
// behind an elevation revokes the elevation in the same transaction.
func (s *AssignmentService) DeleteAssignment(ctx context.Context, id string) (err error) {
	ch := assignmentChange("assignment.delete", id)
	defer s.track(ctx, ch, &err)

	return s.store.WithTx(ctx, func(tx Store) error {
		a, err := tx.GetAssignment(ctx, id)
		if err != nil {
			return err
		}
		ch.users = []string{a.UserID}
		if err := endBackedElevation(ctx, tx, a, actor(ctx), "backing assignment deleted", s.now()); err != nil {
			return err
		}
		return tx.DeleteAssignment(ctx, id)
	})
}

// BulkAssign assigns every input in its own transaction and reports each
// outcome in input order.
func (s *AssignmentService) BulkAssign(ctx context.Context, inputs []AssignRoleInput) []BulkAssignResult {
	results := make([]BulkAssignResult, len(inputs))
	errs := async.Batch(ctx, inputs, s.bulkWorkers, 30*time.Second, func(ctx context.Context, i int, in AssignRoleInput) error {
		if in.Source == "" {
			in.Source = SourceBulk
		}
		a, err := s.AssignRole(ctx, in)
		results[i].Assignment = a
		return err
	})
	for i, err := range errs {
		if err != nil {
			results[i].Error = err.Error()
		}
	}
	return results
}

// BulkRevoke revokes every id in its own transaction.
func (s *AssignmentService) BulkRevoke(ctx context.Context, ids []string, by, reason string) []BulkResult {
	errs := async.Batch(ctx, ids, s.bulkWorkers, 30*time.Second, func(ctx context.Context, _ int, id string) error {
		_, err := s.Revoke(ctx, id, by, reason)
		return err
	})
	return bulkResults(ids, errs)
}

// GetAssignment returns an assignment by id.
func (s *AssignmentService) GetAssignment(ctx context.Context, id string) (*UserRole, error) {
	return s.store.GetAssignment(ctx, id)
}

// ListAssignments returns assignments matching filter.
func (s *AssignmentService) ListAssignments(ctx context.Context, filter AssignmentFilter) ([]*UserRole, error) {
	return s.store.ListAssignments(ctx, filter)
}

// AssignmentsForUser returns every assignment the user has ever held.
func (s *AssignmentService) AssignmentsForUser(ctx context.Context, userID string) ([]*UserRole, error) {
	return s.store.ListAssignments(ctx, AssignmentFilter{UserID: userID})
}

// EffectiveAssignmentsForUser returns the user's assignments effective now.
func (s *AssignmentService) EffectiveAssignmentsForUser(ctx context.Context, userID string) ([]*UserRole, error) {
	all, err := s.store.ListAssignments(ctx, AssignmentFilter{UserID: userID, Status: AssignmentActive})
	if err != nil {
		return nil, err
	}
	return effectiveOnly(all, s.now()), nil
}

// EffectiveRolesForUser returns the usable roles of the user's effective
// assignments, each once.
func (s *AssignmentService) EffectiveRolesForUser(ctx context.Context, userID string) ([]*Role, error) {
	assignments, err := s.EffectiveAssignmentsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	seen := make(map[string]bool)
	var out []*Role
	for _, a := range assignments {
		if seen[a.RoleID] {
			continue
		}
		seen[a.RoleID] = true
		role, err := s.store.GetRole(ctx, a.RoleID)
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if role.IsUsable(now) {
			out = append(out, role)
		}
	}
	return out, nil
}

// EffectiveAssignmentsForRole returns the role's assignments effective now.
func (s *AssignmentService) EffectiveAssignmentsForRole(ctx context.Context, roleID string) ([]*UserRole, error) {
	if _, err := s.store.GetRole(ctx, roleID); err != nil {
		return nil, err
	}
	all, err := s.store.ListAssignments(ctx, AssignmentFilter{RoleID: roleID, Status: AssignmentActive})
	if err != nil {
		return nil, err
	}
	return effectiveOnly(all, s.now()), nil
}

// PrimaryAssignment returns the user's effective primary assignment.
func (s *AssignmentService) PrimaryAssignment(ctx context.Context, userID string) (*UserRole, error) {
	assignments, err := s.EffectiveAssignmentsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, a := range assignments {
		if a.IsPrimaryRole {
			return a, nil
		}
	}
	return nil, NewNotFoundError("primary user_role for user", userID)
}

// UserHasRole reports whether the user holds roleID through an effective
// assignment. Inherited roles do not count.
func (s *AssignmentService) UserHasRole(ctx context.Context, userID, roleID string) (bool, error) {
	all, err := s.store.ListAssignments(ctx, AssignmentFilter{UserID: userID, RoleID: roleID, Status: AssignmentActive})
	if err != nil {
		return false, err
	}
	return len(effectiveOnly(all, s.now())) > 0, nil
}

// Statistics summarises the assignments matching filter.
func (s *AssignmentService) Statistics(ctx context.Context, filter AssignmentFilter) (*AssignmentStatistics, error) {
	all, err := s.store.ListAssignments(ctx, filter)
	if err != nil {
		return nil, err
	}
	now := s.now()
	stats := &AssignmentStatistics{
		ByStatus: make(map[AssignmentStatus]int),
		BySource: make(map[AssignmentSource]int),
	}
	for _, a := range all {
		stats.Total++
		stats.ByStatus[a.EffectiveStatus(now)]++
		stats.BySource[a.AssignmentSource]++
		if a.IsEffective(now) {
			stats.Effective++
		}
	}
	return stats, nil
}

func effectiveOnly(all []*UserRole, now time.Time) []*UserRole {
	out := make([]*UserRole, 0, len(all))
	for _, a := range all {
		if a.IsEffective(now) {
			out = append(out, a)
		}
	}
	return out
}
