package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// DBLogger writes audit records to the PostgreSQL permission_logs table
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a new database-based audit logger
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	logger := &DBLogger{
		db: db,
	}

	// Ensure the permission_logs table exists
	if err := logger.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure permission_logs table: %w", err)
	}

	return logger, nil
}

// ensureTable creates the permission_logs table if it doesn't exist
func (l *DBLogger) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS permission_logs (
		id BIGSERIAL PRIMARY KEY,
		event_type VARCHAR(100) NOT NULL,
		status VARCHAR(20) NOT NULL,
		request_id VARCHAR(100),
		user_id VARCHAR(64),
		resource_type VARCHAR(100),
		resource_id VARCHAR(255),
		action VARCHAR(50),
		attempted_at TIMESTAMP WITH TIME ZONE NOT NULL,
		granted_at TIMESTAMP WITH TIME ZONE,
		denied_reason TEXT,
		role_at_time VARCHAR(64),
		permission_id VARCHAR(64),
		assignment_id VARCHAR(64),
		chain TEXT[],
		actor_user_id VARCHAR(64),
		message TEXT,
		metadata JSONB,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_permission_logs_attempted_at ON permission_logs(attempted_at DESC);
	CREATE INDEX IF NOT EXISTS idx_permission_logs_user_id ON permission_logs(user_id);
	CREATE INDEX IF NOT EXISTS idx_permission_logs_resource ON permission_logs(resource_type, resource_id);
	CREATE INDEX IF NOT EXISTS idx_permission_logs_status ON permission_logs(status);
	`

	_, err := l.db.Exec(query)
	return err
}

// Log inserts a record and stores the generated id on it
func (l *DBLogger) Log(ctx context.Context, record *Record) error {
	var metadataJSON []byte
	if record.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(record.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	query := `
		INSERT INTO permission_logs (
			event_type, status, request_id,
			user_id, resource_type, resource_id, action,
			attempted_at, granted_at, denied_reason,
			role_at_time, permission_id, assignment_id, chain,
			actor_user_id, message, metadata
		) VALUES (
			$1, $2, $3,
			$4, $5, $6, $7,
			$8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17
		) RETURNING id
	`

	err := l.db.QueryRowContext(ctx, query,
		string(record.EventType), string(record.Status), record.RequestID,
		record.UserID, record.ResourceType, record.ResourceID, record.Action,
		record.AttemptedAt, record.GrantedAt, record.DeniedReason,
		record.RoleAtTime, record.PermissionID, record.AssignmentID, pq.Array(record.Chain),
		record.ActorUserID, record.Message, metadataJSON,
	).Scan(&record.ID)

	if err != nil {
		return fmt.Errorf("failed to insert permission log: %w", err)
	}

	return nil
}

// SearchFilter narrows Search. Zero fields match everything.
type SearchFilter struct {
	UserID     string
	EventTypes []EventType
	Status     EventStatus
	StartTime  *time.Time
	EndTime    *time.Time
	Limit      int
}

// Search returns records matching filter, newest first
func (l *DBLogger) Search(ctx context.Context, filter SearchFilter) ([]*Record, error) {
	query := `
		SELECT
			id, event_type, status, request_id,
			user_id, resource_type, resource_id, action,
			attempted_at, granted_at, denied_reason,
			role_at_time, permission_id, assignment_id, chain,
			actor_user_id, message, metadata
		FROM permission_logs
		WHERE 1=1
	`

	args := []interface{}{}
	argCount := 1

	if filter.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argCount)
		args = append(args, filter.UserID)
		argCount++
	}

	if len(filter.EventTypes) > 0 {
		query += fmt.Sprintf(" AND event_type = ANY($%d)", argCount)
		eventTypeStrs := make([]string, len(filter.EventTypes))
		for i, et := range filter.EventTypes {
			eventTypeStrs[i] = string(et)
		}
		args = append(args, pq.Array(eventTypeStrs))
		argCount++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argCount)
		args = append(args, string(filter.Status))
		argCount++
	}

	if filter.StartTime != nil {
		query += fmt.Sprintf(" AND attempted_at >= $%d", argCount)
		args = append(args, *filter.StartTime)
		argCount++
	}

	if filter.EndTime != nil {
		query += fmt.Sprintf(" AND attempted_at <= $%d", argCount)
		args = append(args, *filter.EndTime)
		argCount++
	}

	query += " ORDER BY attempted_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search permission logs: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var (
			r            Record
			requestID    sql.NullString
			userID       sql.NullString
			resourceType sql.NullString
			resourceID   sql.NullString
			action       sql.NullString
			grantedAt    sql.NullTime
			deniedReason sql.NullString
			roleAtTime   sql.NullString
			permissionID sql.NullString
			assignmentID sql.NullString
			actorUserID  sql.NullString
			message      sql.NullString
			metadataJSON []byte
		)

		err := rows.Scan(
			&r.ID, &r.EventType, &r.Status, &requestID,
			&userID, &resourceType, &resourceID, &action,
			&r.AttemptedAt, &grantedAt, &deniedReason,
			&roleAtTime, &permissionID, &assignmentID, pq.Array(&r.Chain),
			&actorUserID, &message, &metadataJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan permission log: %w", err)
		}

		r.RequestID = requestID.String
		r.UserID = userID.String
		r.ResourceType = resourceType.String
		r.ResourceID = resourceID.String
		r.Action = action.String
		if grantedAt.Valid {
			t := grantedAt.Time
			r.GrantedAt = &t
		}
		r.DeniedReason = deniedReason.String
		r.RoleAtTime = roleAtTime.String
		r.PermissionID = permissionID.String
		r.AssignmentID = assignmentID.String
		r.ActorUserID = actorUserID.String
		r.Message = message.String

		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &r.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}

		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating permission logs: %w", err)
	}

	return records, nil
}

// Prune deletes records attempted before the cutoff
func (l *DBLogger) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := l.db.ExecContext(ctx, "DELETE FROM permission_logs WHERE attempted_at < $1", before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune permission logs: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to prune permission logs: %w", err)
	}

	return rowsAffected, nil
}

// Close is a no-op; the caller owns the database handle
func (l *DBLogger) Close() error {
	return nil
}
