package rbac

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/observability"
)

// elevationFixture has "staff" held by u1 and an "admin" role granting
// server restarts.
func elevationFixture(t *testing.T) *fixture {
	f := newFixture(t)
	f.role("staff", 10)
	f.role("admin", 100)
	f.perm("restart", "admin", "server", ActionExecute)
	f.assign("u1", "staff")
	return f
}

func (f *fixture) requestElevation(approval bool, start, end time.Time) *TempRoleElevation {
	f.t.Helper()
	e, err := f.m.Elevations.RequestElevation(f.ctx, RequestElevationInput{
		UserID:            "u1",
		OriginalRoleID:    "staff",
		ElevatedRoleID:    "admin",
		Reason:            "incident 42",
		RequestedByUserID: "u1",
		StartTime:         start,
		EndTime:           end,
		ApprovalRequired:  approval,
	})
	require.NoError(f.t, err)
	return e
}

func TestRequestElevation(t *testing.T) {
	f := elevationFixture(t)

	e := f.requestElevation(true, baseTime, baseTime.Add(time.Hour))
	assert.Equal(t, ElevationPending, e.Status)
	assert.Equal(t, PriorityNormal, e.Priority)
	assert.True(t, e.AutoRevoke)
	assert.Equal(t, time.Hour, e.Duration())

	direct := f.requestElevation(false, baseTime, baseTime.Add(time.Hour))
	assert.Equal(t, ElevationApproved, direct.Status, "no approval needed")

	tests := []struct {
		name string
		in   RequestElevationInput
		code string
	}{
		{
			name: "end before start",
			in:   RequestElevationInput{UserID: "u1", OriginalRoleID: "staff", ElevatedRoleID: "admin", StartTime: baseTime, EndTime: baseTime},
			code: CodeInvalidWindow,
		},
		{
			name: "same role",
			in:   RequestElevationInput{UserID: "u1", OriginalRoleID: "admin", ElevatedRoleID: "admin", StartTime: baseTime, EndTime: baseTime.Add(time.Hour)},
			code: CodeSelfReference,
		},
		{
			name: "deadline after end",
			in: RequestElevationInput{UserID: "u1", OriginalRoleID: "staff", ElevatedRoleID: "admin", StartTime: baseTime, EndTime: baseTime.Add(time.Hour),
				ApprovalDeadline: ptr(baseTime.Add(2 * time.Hour))},
			code: CodeInvalidWindow,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := observability.WithUserID(f.ctx, "u1")
			_, err := f.m.Elevations.RequestElevation(ctx, tt.in)
			var ves ValidationErrors
			require.ErrorAs(t, err, &ves)
			assert.True(t, ves.Has(tt.code), "codes: %v", ves)
		})
	}

	t.Run("requester defaults to caller", func(t *testing.T) {
		ctx := observability.WithUserID(f.ctx, "u1")
		e, err := f.m.Elevations.RequestElevation(ctx, RequestElevationInput{
			UserID: "u1", OriginalRoleID: "staff", ElevatedRoleID: "admin",
			StartTime: baseTime, EndTime: baseTime.Add(time.Hour),
		})
		require.NoError(t, err)
		assert.Equal(t, "u1", e.RequestedByUserID)
	})

	t.Run("unknown role", func(t *testing.T) {
		_, err := f.m.Elevations.RequestElevation(f.ctx, RequestElevationInput{
			UserID: "u1", OriginalRoleID: "staff", ElevatedRoleID: "ghost", RequestedByUserID: "u1",
			StartTime: baseTime, EndTime: baseTime.Add(time.Hour),
		})
		assert.True(t, IsNotFound(err))
	})
}

func TestElevationWorkflow(t *testing.T) {
	f := elevationFixture(t)
	e := f.requestElevation(true, baseTime, baseTime.Add(time.Hour))

	assert.False(t, f.resolve("u1", "server", ActionExecute).Allowed)

	_, err := f.m.Elevations.Activate(f.ctx, e.ID)
	assert.Equal(t, CodeInvalidTransition, ValidationCode(err), "pending requests cannot start")

	approved, err := f.m.Elevations.Approve(f.ctx, e.ID, "boss")
	require.NoError(t, err)
	assert.Equal(t, ElevationApproved, approved.Status)
	require.NotNil(t, approved.ApprovedByUserID)

	active, err := f.m.Elevations.Activate(f.ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, ElevationActive, active.Status)
	require.NotNil(t, active.ActualStartTime)

	backing, err := f.m.Assignments.ListAssignments(f.ctx, AssignmentFilter{ElevationRequestID: e.ID})
	require.NoError(t, err)
	require.Len(t, backing, 1)
	assert.Equal(t, SourceElevation, backing[0].AssignmentSource)
	assert.Equal(t, "boss", backing[0].AssignedByUserID)
	require.NotNil(t, backing[0].ExpiresAt)
	assert.True(t, backing[0].ExpiresAt.Equal(e.EndTime))

	dec := f.resolve("u1", "server", ActionExecute)
	require.True(t, dec.Allowed, dec.Reason)
	assert.Equal(t, "admin", dec.MatchedRoleID)
	require.NotNil(t, dec.ValidUntil)
	assert.True(t, dec.ValidUntil.Equal(e.EndTime), "the grant lasts only as long as the window")

	_, err = f.m.Elevations.Activate(f.ctx, e.ID)
	assert.Equal(t, CodeInvalidTransition, ValidationCode(err))

	_, err = f.m.Elevations.Expire(f.ctx, e.ID)
	assert.Equal(t, CodeInvalidWindow, ValidationCode(err), "window still open")

	f.clock.Advance(time.Hour)
	assert.False(t, f.resolve("u1", "server", ActionExecute).Allowed, "expiry needs no sweep")

	expired, err := f.m.Elevations.Expire(f.ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, ElevationExpired, expired.Status)
	require.NotNil(t, expired.ActualEndTime)

	a, err := f.m.Assignments.GetAssignment(f.ctx, backing[0].ID)
	require.NoError(t, err)
	assert.Equal(t, AssignmentExpired, a.Status)
}

func TestElevationRevoke(t *testing.T) {
	f := elevationFixture(t)
	e := f.requestElevation(false, baseTime, baseTime.Add(time.Hour))
	_, err := f.m.Elevations.Activate(f.ctx, e.ID)
	require.NoError(t, err)
	require.True(t, f.resolve("u1", "server", ActionExecute).Allowed)

	revoked, err := f.m.Elevations.Revoke(f.ctx, e.ID, "secops", "done early")
	require.NoError(t, err)
	assert.Equal(t, ElevationRevoked, revoked.Status)
	assert.Equal(t, "done early", revoked.RevocationReason)
	require.NotNil(t, revoked.ActualEndTime)

	backing, err := f.m.Assignments.ListAssignments(f.ctx, AssignmentFilter{ElevationRequestID: e.ID})
	require.NoError(t, err)
	require.Len(t, backing, 1)
	assert.Equal(t, AssignmentRevoked, backing[0].Status)
	assert.Equal(t, "secops", backing[0].RevokedByUserID)

	assert.False(t, f.resolve("u1", "server", ActionExecute).Allowed)

	_, err = f.m.Elevations.Revoke(f.ctx, e.ID, "secops", "again")
	assert.Equal(t, CodeInvalidTransition, ValidationCode(err))
}

func TestElevationDecisions(t *testing.T) {
	f := elevationFixture(t)

	denied := f.requestElevation(true, baseTime, baseTime.Add(time.Hour))
	out, err := f.m.Elevations.Deny(f.ctx, denied.ID, "not justified")
	require.NoError(t, err)
	assert.Equal(t, ElevationDenied, out.Status)
	assert.Equal(t, "not justified", out.DeniedReason)
	assert.True(t, out.IsTerminal())
	_, err = f.m.Elevations.Approve(f.ctx, denied.ID, "boss")
	assert.Equal(t, CodeInvalidTransition, ValidationCode(err))

	cancelled := f.requestElevation(true, baseTime, baseTime.Add(time.Hour))
	out, err = f.m.Elevations.Cancel(f.ctx, cancelled.ID)
	require.NoError(t, err)
	assert.Equal(t, ElevationCancelled, out.Status)
	_, err = f.m.Elevations.Cancel(f.ctx, cancelled.ID)
	assert.Equal(t, CodeInvalidTransition, ValidationCode(err))

	late, err := f.m.Elevations.RequestElevation(f.ctx, RequestElevationInput{
		UserID: "u1", OriginalRoleID: "staff", ElevatedRoleID: "admin", RequestedByUserID: "u1",
		StartTime: baseTime, EndTime: baseTime.Add(time.Hour),
		ApprovalRequired: true, ApprovalDeadline: ptr(baseTime.Add(10 * time.Minute)),
	})
	require.NoError(t, err)
	f.clock.Advance(10 * time.Minute)
	_, err = f.m.Elevations.Approve(f.ctx, late.ID, "boss")
	assert.Equal(t, CodeInvalidTransition, ValidationCode(err), "deadline passed")

	pending, err := f.m.Elevations.PendingElevations(f.ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, late.ID, pending[0].ID)

	mine, err := f.m.Elevations.ElevationsForUser(f.ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, mine, 3)

	_, err = f.m.Elevations.GetElevation(f.ctx, "missing")
	assert.True(t, IsNotFound(err))
}

func TestElevationActivateAfterWindow(t *testing.T) {
	f := elevationFixture(t)
	e := f.requestElevation(false, baseTime, baseTime.Add(time.Hour))
	f.clock.Advance(2 * time.Hour)

	_, err := f.m.Elevations.Activate(f.ctx, e.ID)
	assert.Equal(t, CodeInvalidWindow, ValidationCode(err))
}

func TestExpireDue(t *testing.T) {
	f := elevationFixture(t)
	auto := f.requestElevation(false, baseTime, baseTime.Add(time.Hour))
	_, err := f.m.Elevations.Activate(f.ctx, auto.ID)
	require.NoError(t, err)

	manual, err := f.m.Elevations.RequestElevation(f.ctx, RequestElevationInput{
		UserID: "u1", OriginalRoleID: "staff", ElevatedRoleID: "admin", RequestedByUserID: "u1",
		StartTime: baseTime, EndTime: baseTime.Add(time.Hour), AutoRevoke: ptr(false),
	})
	require.NoError(t, err)
	notYet := f.requestElevation(false, baseTime, baseTime.Add(3*time.Hour))

	f.clock.Advance(90 * time.Minute)
	n, err := f.m.Elevations.ExpireDue(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.m.Elevations.GetElevation(f.ctx, auto.ID)
	require.NoError(t, err)
	assert.Equal(t, ElevationExpired, got.Status)

	got, err = f.m.Elevations.GetElevation(f.ctx, manual.ID)
	require.NoError(t, err)
	assert.Equal(t, ElevationApproved, got.Status, "manual elevations are left for an operator")

	got, err = f.m.Elevations.GetElevation(f.ctx, notYet.ID)
	require.NoError(t, err)
	assert.Equal(t, ElevationApproved, got.Status)
}

func TestElevationBackingAssignment(t *testing.T) {
	activate := func(t *testing.T) (*fixture, *TempRoleElevation, *UserRole) {
		f := elevationFixture(t)
		e := f.requestElevation(false, baseTime, baseTime.Add(time.Hour))
		_, err := f.m.Elevations.Activate(f.ctx, e.ID)
		require.NoError(t, err)
		backing, err := f.m.Assignments.ListAssignments(f.ctx, AssignmentFilter{ElevationRequestID: e.ID})
		require.NoError(t, err)
		require.Len(t, backing, 1)
		require.True(t, f.resolve("u1", "server", ActionExecute).Allowed)
		return f, e, backing[0]
	}

	t.Run("lifecycle is owned by the elevation", func(t *testing.T) {
		f, e, a := activate(t)

		_, err := f.m.Assignments.ExtendExpiration(f.ctx, a.ID, baseTime.Add(24*time.Hour))
		assert.Equal(t, CodeElevationManaged, ValidationCode(err))
		_, err = f.m.Assignments.Suspend(f.ctx, a.ID)
		assert.Equal(t, CodeElevationManaged, ValidationCode(err))
		_, err = f.m.Assignments.Reactivate(f.ctx, a.ID)
		assert.Equal(t, CodeElevationManaged, ValidationCode(err))

		got, err := f.m.Assignments.GetAssignment(f.ctx, a.ID)
		require.NoError(t, err)
		require.NotNil(t, got.ExpiresAt)
		assert.True(t, got.ExpiresAt.Equal(e.EndTime), "window unchanged")

		f.clock.Advance(time.Hour)
		assert.False(t, f.resolve("u1", "server", ActionExecute).Allowed)
	})

	t.Run("revoking the assignment revokes the elevation", func(t *testing.T) {
		f, e, a := activate(t)

		_, err := f.m.Assignments.Revoke(f.ctx, a.ID, "secops", "compromised")
		require.NoError(t, err)

		got, err := f.m.Elevations.GetElevation(f.ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, ElevationRevoked, got.Status)
		assert.Equal(t, "secops", got.RevokedByUserID)
		assert.Equal(t, "compromised", got.RevocationReason)
		require.NotNil(t, got.ActualEndTime)
		assert.False(t, f.resolve("u1", "server", ActionExecute).Allowed)

		_, err = f.m.Elevations.Activate(f.ctx, e.ID)
		assert.Equal(t, CodeInvalidTransition, ValidationCode(err), "a revoked elevation cannot restart")
	})

	t.Run("deleting the assignment revokes the elevation", func(t *testing.T) {
		f, e, a := activate(t)

		require.NoError(t, f.m.Assignments.DeleteAssignment(f.ctx, a.ID))

		got, err := f.m.Elevations.GetElevation(f.ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, ElevationRevoked, got.Status)
		assert.Equal(t, "backing assignment deleted", got.RevocationReason)

		_, err = f.m.Elevations.Activate(f.ctx, e.ID)
		assert.Equal(t, CodeInvalidTransition, ValidationCode(err), "no second backing assignment")
		assert.False(t, f.resolve("u1", "server", ActionExecute).Allowed)
	})

	t.Run("deleting the elevated role revokes its elevations", func(t *testing.T) {
		f, e, _ := activate(t)
		pending := f.requestElevation(true, baseTime, baseTime.Add(2*time.Hour))

		require.NoError(t, f.m.Roles.DeleteRole(f.ctx, "admin", true))

		for _, id := range []string{e.ID, pending.ID} {
			got, err := f.m.Elevations.GetElevation(f.ctx, id)
			require.NoError(t, err)
			assert.Equal(t, ElevationRevoked, got.Status, id)
			assert.Equal(t, "elevated role deleted", got.RevocationReason)
		}
		active, err := f.m.Elevations.GetElevation(f.ctx, e.ID)
		require.NoError(t, err)
		assert.NotNil(t, active.ActualEndTime)

		_, err = f.m.Elevations.Approve(f.ctx, pending.ID, "boss")
		assert.Equal(t, CodeInvalidTransition, ValidationCode(err))
	})
}
