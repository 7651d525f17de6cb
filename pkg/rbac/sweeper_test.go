package rbac

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/audit"
)

func withRetention(days int) fixtureOption {
	return func(_ *Options, c *Config) {
		c.AuditRetention = &audit.RetentionPolicy{RetentionDays: days}
	}
}

func TestSweep(t *testing.T) {
	f := elevationFixture(t)
	end := baseTime.Add(time.Hour)
	lapsing, err := f.m.Assignments.AssignRole(f.ctx, AssignRoleInput{UserID: "u2", RoleID: "staff", ExpiresAt: &end})
	require.NoError(t, err)
	e := f.requestElevation(false, baseTime, end)
	_, err = f.m.Elevations.Activate(f.ctx, e.ID)
	require.NoError(t, err)

	result, err := f.m.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, *result, "nothing is due yet")

	f.clock.Advance(2 * time.Hour)
	result, err = f.m.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Elevations)
	assert.Equal(t, 1, result.Assignments, "the elevation expires its own assignment")
	assert.Zero(t, result.AuditPruned)

	a, err := f.m.Assignments.GetAssignment(f.ctx, lapsing.ID)
	require.NoError(t, err)
	assert.Equal(t, AssignmentExpired, a.Status)

	got, err := f.m.Elevations.GetElevation(f.ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, ElevationExpired, got.Status)

	result, err = f.m.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, *result, "a second sweep finds nothing")
}

func TestSweep_PrunesAudit(t *testing.T) {
	f := newFixture(t, withRetention(1))
	f.role("r", 1)
	f.assign("u1", "r")
	require.Eventually(t, func() bool {
		return len(f.audit.Records()) == 2
	}, time.Second, 10*time.Millisecond)

	f.clock.Advance(12 * time.Hour)
	result, err := f.m.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, result.AuditPruned, "still within retention")

	f.clock.Advance(24 * time.Hour)
	result, err = f.m.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.AuditPruned)
}

func TestSweep_WithoutRetentionKeepsAudit(t *testing.T) {
	f := newFixture(t)
	f.role("r", 1)
	require.Eventually(t, func() bool {
		return len(f.audit.Records()) == 1
	}, time.Second, 10*time.Millisecond)

	f.clock.Advance(365 * 24 * time.Hour)
	result, err := f.m.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, result.AuditPruned)
	assert.Len(t, f.audit.Records(), 1)
}
