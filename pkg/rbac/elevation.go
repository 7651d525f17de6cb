package rbac

import (
	"context"
	"fmt"
	"time"
)

// ElevationService runs the temporary elevation workflow:
//
//	pending --approve--> approved --activate--> active --(end_time | revoke)--> expired | revoked
//	pending --deny--> denied
//	pending --cancel--> cancelled
//
// Activation materializes a UserRole for the elevated role bounded by the
// request window. Revoking or expiring the elevation retires that assignment
// in the same transaction.
type ElevationService struct {
	*core
}

// RequestElevationInput describes an elevation request. AutoRevoke defaults
// to true and Priority to normal.
type RequestElevationInput struct {
	UserID            string            `json:"user_id"`
	OriginalRoleID    string            `json:"original_role_id"`
	ElevatedRoleID    string            `json:"elevated_role_id"`
	Reason            string            `json:"reason,omitempty"`
	Justification     string            `json:"justification,omitempty"`
	RequestedByUserID string            `json:"requested_by_user_id,omitempty"`
	StartTime         time.Time         `json:"start_time"`
	EndTime           time.Time         `json:"end_time"`
	Priority          ElevationPriority `json:"priority,omitempty"`
	AutoRevoke        *bool             `json:"auto_revoke,omitempty"`
	ApprovalRequired  bool              `json:"approval_required"`
	ApprovalDeadline  *time.Time        `json:"approval_deadline,omitempty"`
}

// RequestElevation records a new request. Without ApprovalRequired it starts
// out approved.
func (s *ElevationService) RequestElevation(ctx context.Context, in RequestElevationInput) (_ *TempRoleElevation, err error) {
	now := s.now()
	e := &TempRoleElevation{
		ID:                newID(),
		UserID:            in.UserID,
		OriginalRoleID:    in.OriginalRoleID,
		ElevatedRoleID:    in.ElevatedRoleID,
		Reason:            in.Reason,
		Justification:     in.Justification,
		RequestedByUserID: in.RequestedByUserID,
		StartTime:         in.StartTime.UTC(),
		EndTime:           in.EndTime.UTC(),
		Status:            ElevationPending,
		Priority:          in.Priority,
		AutoRevoke:        in.AutoRevoke == nil || *in.AutoRevoke,
		ApprovalRequired:  in.ApprovalRequired,
		ApprovalDeadline:  copyTime(in.ApprovalDeadline),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if e.RequestedByUserID == "" {
		e.RequestedByUserID = actor(ctx)
	}
	if e.Priority == "" {
		e.Priority = PriorityNormal
	}
	if !e.ApprovalRequired {
		e.Status = ElevationApproved
	}

	defer s.track(ctx, elevationChange("elevation.request", e.ID, e.UserID), &err)

	if err := ValidateElevation(e); err != nil {
		return nil, err
	}
	err = s.store.WithTx(ctx, func(tx Store) error {
		if _, err := tx.GetRole(ctx, e.OriginalRoleID); err != nil {
			return err
		}
		elevated, err := tx.GetRole(ctx, e.ElevatedRoleID)
		if err != nil {
			return err
		}
		if !elevated.IsUsable(now) {
			return NewValidationError("temp_role_elevation", "elevated_role_id", CodeUnusable,
				fmt.Sprintf("role %s is inactive or expired", elevated.ID))
		}
		return tx.CreateElevation(ctx, e)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Approve accepts a pending request before its approval deadline.
func (s *ElevationService) Approve(ctx context.Context, id, approverID string) (*TempRoleElevation, error) {
	return s.transition(ctx, "elevation.approve", id, func(ctx context.Context, tx Store, e *TempRoleElevation, now time.Time) error {
		if e.Status != ElevationPending {
			return invalidTransition("temp_role_elevation", string(e.Status), "approve")
		}
		if e.ApprovalDeadline != nil && !now.Before(*e.ApprovalDeadline) {
			return NewValidationError("temp_role_elevation", "approval_deadline", CodeInvalidTransition, "approval deadline has passed")
		}
		e.Status = ElevationApproved
		e.ApprovedByUserID = stringPtr(approverID)
		return nil
	})
}

// Deny rejects a pending request. The denying user is recorded in the audit
// trail.
func (s *ElevationService) Deny(ctx context.Context, id, reason string) (*TempRoleElevation, error) {
	return s.transition(ctx, "elevation.deny", id, func(ctx context.Context, tx Store, e *TempRoleElevation, now time.Time) error {
		if e.Status != ElevationPending {
			return invalidTransition("temp_role_elevation", string(e.Status), "deny")
		}
		e.Status = ElevationDenied
		e.DeniedReason = reason
		return nil
	})
}

// Cancel withdraws a pending request.
func (s *ElevationService) Cancel(ctx context.Context, id string) (*TempRoleElevation, error) {
	return s.transition(ctx, "elevation.cancel", id, func(ctx context.Context, tx Store, e *TempRoleElevation, now time.Time) error {
		if e.Status != ElevationPending {
			return invalidTransition("temp_role_elevation", string(e.Status), "cancel")
		}
		e.Status = ElevationCancelled
		return nil
	})
}

// Activate starts an approved elevation and creates its backing assignment
// effective over [StartTime, EndTime).
func (s *ElevationService) Activate(ctx context.Context, id string) (*TempRoleElevation, error) {
	return s.transition(ctx, "elevation.activate", id, func(ctx context.Context, tx Store, e *TempRoleElevation, now time.Time) error {
		if e.Status != ElevationApproved {
			return invalidTransition("temp_role_elevation", string(e.Status), "activate")
		}
		if !now.Before(e.EndTime) {
			return NewValidationError("temp_role_elevation", "end_time", CodeInvalidWindow, "elevation window has already ended")
		}
		role, err := tx.GetRole(ctx, e.ElevatedRoleID)
		if err != nil {
			return err
		}
		if !role.IsUsable(now) {
			return NewValidationError("temp_role_elevation", "elevated_role_id", CodeUnusable,
				fmt.Sprintf("role %s is inactive or expired", role.ID))
		}

		existing, err := tx.ListAssignments(ctx, AssignmentFilter{ElevationRequestID: e.ID})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return NewConflictError("elevation %s already has assignment %s", e.ID, existing[0].ID)
		}

		assignedBy := e.RequestedByUserID
		if e.ApprovedByUserID != nil {
			assignedBy = *e.ApprovedByUserID
		}
		a := &UserRole{
			ID:                 newID(),
			UserID:             e.UserID,
			RoleID:             e.ElevatedRoleID,
			AssignmentSource:   SourceElevation,
			AssignedAt:         now,
			AssignedByUserID:   assignedBy,
			EffectiveFrom:      e.StartTime,
			ExpiresAt:          timePtr(e.EndTime),
			Status:             AssignmentActive,
			ElevationRequestID: stringPtr(e.ID),
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := ValidateAssignment(a); err != nil {
			return err
		}
		if err := tx.CreateAssignment(ctx, a); err != nil {
			return err
		}

		e.Status = ElevationActive
		e.ActualStartTime = timePtr(now)
		return nil
	})
}

// Revoke ends an elevation early and revokes its backing assignment.
func (s *ElevationService) Revoke(ctx context.Context, id, by, reason string) (*TempRoleElevation, error) {
	return s.transition(ctx, "elevation.revoke", id, func(ctx context.Context, tx Store, e *TempRoleElevation, now time.Time) error {
		if e.IsTerminal() {
			return invalidTransition("temp_role_elevation", string(e.Status), "revoke")
		}
		if e.Status == ElevationActive {
			e.ActualEndTime = timePtr(now)
		}
		e.Status = ElevationRevoked
		e.RevokedByUserID = by
		e.RevocationReason = reason
		return retireBacking(ctx, tx, e.ID, now, func(a *UserRole) {
			revoke(a, by, reason, now)
		})
	})
}

// Expire ends an elevation whose window has passed.
func (s *ElevationService) Expire(ctx context.Context, id string) (*TempRoleElevation, error) {
	return s.transition(ctx, "elevation.expire", id, func(ctx context.Context, tx Store, e *TempRoleElevation, now time.Time) error {
		return expireElevation(ctx, tx, e, now)
	})
}

func expireElevation(ctx context.Context, tx Store, e *TempRoleElevation, now time.Time) error {
	if e.Status != ElevationActive && e.Status != ElevationApproved {
		return invalidTransition("temp_role_elevation", string(e.Status), "expire")
	}
	if now.Before(e.EndTime) {
		return NewValidationError("temp_role_elevation", "end_time", CodeInvalidWindow, "elevation window has not ended")
	}
	if e.Status == ElevationActive {
		e.ActualEndTime = timePtr(e.EndTime)
	}
	e.Status = ElevationExpired
	return retireBacking(ctx, tx, e.ID, now, func(a *UserRole) {
		a.Status = AssignmentExpired
	})
}

// retireBacking applies fn to every still-live assignment created by the
// elevation.
func retireBacking(ctx context.Context, tx Store, elevationID string, now time.Time, fn func(a *UserRole)) error {
	backing, err := tx.ListAssignments(ctx, AssignmentFilter{ElevationRequestID: elevationID})
	if err != nil {
		return err
	}
	for _, a := range backing {
		if a.Status == AssignmentRevoked || a.Status == AssignmentExpired {
			continue
		}
		fn(a)
		a.UpdatedAt = now
		if err := tx.UpdateAssignment(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

// ExpireDue rewrites every auto-revoking elevation whose window has ended.
// Correctness never depends on it: the backing assignment stops being
// effective at EndTime on its own.
func (s *ElevationService) ExpireDue(ctx context.Context) (int, error) {
	now := s.now()
	var due []*TempRoleElevation
	for _, status := range []ElevationStatus{ElevationActive, ElevationApproved} {
		list, err := s.store.ListElevations(ctx, ElevationFilter{Status: status})
		if err != nil {
			return 0, err
		}
		for _, e := range list {
			if e.AutoRevoke && !now.Before(e.EndTime) {
				due = append(due, e)
			}
		}
	}

	expired := 0
	for _, e := range due {
		_, err := s.Expire(ctx, e.ID)
		switch {
		case err == nil:
			expired++
		case IsValidationError(err) || IsNotFound(err):
			// Changed underneath us since the scan.
		default:
			return expired, err
		}
	}
	return expired, nil
}

func (s *ElevationService) transition(ctx context.Context, op, id string,
	fn func(ctx context.Context, tx Store, e *TempRoleElevation, now time.Time) error) (_ *TempRoleElevation, err error) {

	ch := elevationChange(op, id)
	defer s.track(ctx, ch, &err)

	var out *TempRoleElevation
	err = s.store.WithTx(ctx, func(tx Store) error {
		e, err := tx.GetElevation(ctx, id)
		if err != nil {
			return err
		}
		ch.users = []string{e.UserID}
		now := s.now()
		if err := fn(ctx, tx, e, now); err != nil {
			return err
		}
		e.UpdatedAt = now
		out = e
		return tx.UpdateElevation(ctx, e)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetElevation returns an elevation by id.
func (s *ElevationService) GetElevation(ctx context.Context, id string) (*TempRoleElevation, error) {
	return s.store.GetElevation(ctx, id)
}

// ElevationsForUser returns every elevation requested for the user.
func (s *ElevationService) ElevationsForUser(ctx context.Context, userID string) ([]*TempRoleElevation, error) {
	return s.store.ListElevations(ctx, ElevationFilter{UserID: userID})
}

// PendingElevations returns the requests awaiting a decision.
func (s *ElevationService) PendingElevations(ctx context.Context) ([]*TempRoleElevation, error) {
	return s.store.ListElevations(ctx, ElevationFilter{Status: ElevationPending})
}

// ListElevations returns elevations matching filter.
func (s *ElevationService) ListElevations(ctx context.Context, filter ElevationFilter) ([]*TempRoleElevation, error) {
	return s.store.ListElevations(ctx, filter)
}
