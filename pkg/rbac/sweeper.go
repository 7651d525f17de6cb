package rbac

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/warden/pkg/audit"
)

// SweepResult counts what one sweep rewrote.
type SweepResult struct {
	Elevations  int   `json:"elevations"`
	Assignments int   `json:"assignments"`
	AuditPruned int64 `json:"audit_pruned"`
}

// Sweeper brings stored status in line with derived status once validity
// windows lapse. Nothing reads through it: the resolver already treats
// lapsed records as ineffective.
type Sweeper struct {
	*core
	elevations *ElevationService
	retention  *audit.RetentionPolicy
}

// Sweep expires due elevations, marks lapsed assignments expired and, when
// a retention policy is set and the audit sink supports it, prunes old
// audit records.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{}
	err := s.sweep(ctx, result)
	s.metrics.RecordSweep(map[string]int{
		"temp_role_elevation": result.Elevations,
		"user_role":           result.Assignments,
	}, err)

	logger := s.logger.WithFields(map[string]interface{}{
		"elevations":   result.Elevations,
		"assignments":  result.Assignments,
		"audit_pruned": result.AuditPruned,
	})
	if err != nil {
		logger.WithError(err).Error("sweep failed")
		return result, err
	}
	logger.Debug("sweep finished")
	return result, nil
}

func (s *Sweeper) sweep(ctx context.Context, result *SweepResult) error {
	n, err := s.elevations.ExpireDue(ctx)
	result.Elevations = n
	if err != nil {
		return fmt.Errorf("failed to expire elevations: %w", err)
	}

	n, err = s.expireAssignments(ctx)
	result.Assignments = n
	if err != nil {
		return fmt.Errorf("failed to expire assignments: %w", err)
	}

	if s.retention == nil {
		return nil
	}
	pruner, ok := s.auditor.(audit.Pruner)
	if !ok {
		return nil
	}
	pruned, err := pruner.Prune(ctx, s.retention.Cutoff(s.now()))
	result.AuditPruned = pruned
	if err != nil {
		return fmt.Errorf("failed to prune audit records: %w", err)
	}
	return nil
}

// expireAssignments rewrites active assignments whose expiry has passed.
func (s *Sweeper) expireAssignments(ctx context.Context) (int, error) {
	active, err := s.store.ListAssignments(ctx, AssignmentFilter{Status: AssignmentActive})
	if err != nil {
		return 0, err
	}
	now := s.now()
	expired := 0
	for _, a := range active {
		if !a.IsExpired(now) {
			continue
		}
		if err := s.expireAssignment(ctx, a.ID, now); err != nil {
			if IsNotFound(err) || IsValidationError(err) {
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

func (s *Sweeper) expireAssignment(ctx context.Context, id string, now time.Time) (err error) {
	ch := assignmentChange("assignment.expire", id)
	defer s.track(ctx, ch, &err)

	return s.store.WithTx(ctx, func(tx Store) error {
		a, err := tx.GetAssignment(ctx, id)
		if err != nil {
			return err
		}
		ch.users = []string{a.UserID}
		if a.Status != AssignmentActive || !a.IsExpired(now) {
			return invalidTransition("user_role", string(a.Status), "expire")
		}
		a.Status = AssignmentExpired
		a.UpdatedAt = now
		return tx.UpdateAssignment(ctx, a)
	})
}
