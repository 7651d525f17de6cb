package audit

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock
}

func TestNewDBLogger(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS permission_logs").WillReturnResult(sqlmock.NewResult(0, 0))

		logger, err := NewDBLogger(db)
		require.NoError(t, err)
		assert.NotNil(t, logger)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nil database", func(t *testing.T) {
		logger, err := NewDBLogger(nil)
		assert.Error(t, err)
		assert.Nil(t, logger)
		assert.Contains(t, err.Error(), "database connection is required")
	})

	t.Run("table creation error", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS permission_logs").WillReturnError(errors.New("table creation failed"))

		logger, err := NewDBLogger(db)
		assert.Error(t, err)
		assert.Nil(t, logger)
		assert.Contains(t, err.Error(), "failed to ensure permission_logs table")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDBLogger_Log(t *testing.T) {
	t.Run("denied decision", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		logger := &DBLogger{db: db}
		attempted := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		mock.ExpectQuery("INSERT INTO permission_logs").
			WithArgs(
				"authz.permission_check", "denied", "",
				"u-1", "asset", "a-9", "delete",
				attempted, sqlmock.AnyArg(), "no matching permission",
				"", "", "", sqlmock.AnyArg(),
				"", "", sqlmock.AnyArg(),
			).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

		record := &Record{
			EventType:    EventTypePermissionCheck,
			Status:       EventStatusDenied,
			UserID:       "u-1",
			ResourceType: "asset",
			ResourceID:   "a-9",
			Action:       "delete",
			AttemptedAt:  attempted,
			DeniedReason: "no matching permission",
		}

		require.NoError(t, logger.Log(context.Background(), record))
		assert.Equal(t, int64(42), record.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insert error", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		logger := &DBLogger{db: db}
		mock.ExpectQuery("INSERT INTO permission_logs").WillReturnError(errors.New("connection reset"))

		err := logger.Log(context.Background(), &Record{
			EventType:   EventTypeRoleChange,
			Status:      EventStatusSuccess,
			AttemptedAt: time.Now().UTC(),
			Metadata:    map[string]interface{}{"op": "create"},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to insert permission log")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDBLogger_Search(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()

	logger := &DBLogger{db: db}
	attempted := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	granted := attempted.Add(time.Millisecond)

	columns := []string{
		"id", "event_type", "status", "request_id",
		"user_id", "resource_type", "resource_id", "action",
		"attempted_at", "granted_at", "denied_reason",
		"role_at_time", "permission_id", "assignment_id", "chain",
		"actor_user_id", "message", "metadata",
	}
	rows := sqlmock.NewRows(columns).AddRow(
		int64(7), "authz.permission_check", "granted", "req-1",
		"u-1", "asset", nil, "read",
		attempted, granted, nil,
		"r-1", "p-1", "ur-1", []byte("{r-2,r-1}"),
		nil, nil, []byte(`{"cached":false}`),
	)

	mock.ExpectQuery("SELECT (.+) FROM permission_logs WHERE 1=1 AND user_id = \\$1 AND status = \\$2 ORDER BY attempted_at DESC LIMIT \\$3").
		WithArgs("u-1", "granted", 10).
		WillReturnRows(rows)

	records, err := logger.Search(context.Background(), SearchFilter{
		UserID: "u-1",
		Status: EventStatusGranted,
		Limit:  10,
	})
	require.NoError(t, err)
	require.Len(t, records, 1)

	r := records[0]
	assert.Equal(t, int64(7), r.ID)
	assert.Equal(t, EventTypePermissionCheck, r.EventType)
	assert.Equal(t, EventStatusGranted, r.Status)
	assert.Equal(t, "", r.ResourceID)
	assert.Equal(t, []string{"r-2", "r-1"}, r.Chain)
	require.NotNil(t, r.GrantedAt)
	assert.True(t, granted.Equal(*r.GrantedAt))
	assert.Equal(t, false, r.Metadata["cached"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBLogger_Prune(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()

	logger := &DBLogger{db: db}
	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec("DELETE FROM permission_logs WHERE attempted_at < \\$1").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := logger.Prune(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
