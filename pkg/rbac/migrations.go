package rbac

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all RBAC migrations. The DDL sticks to types both
// PostgreSQL and SQLite understand; JSON columns are stored as TEXT.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					id VARCHAR(64) PRIMARY KEY,
					name VARCHAR(100) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					role_type VARCHAR(20) NOT NULL,
					is_system_role BOOLEAN NOT NULL DEFAULT FALSE,
					permission_ids TEXT NOT NULL DEFAULT '[]',
					parent_role_id VARCHAR(64),
					priority INTEGER NOT NULL DEFAULT 0,
					active BOOLEAN NOT NULL DEFAULT TRUE,
					expires_at TIMESTAMP,
					max_users INTEGER,
					created_by VARCHAR(64) NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_roles_name_lower ON roles (LOWER(name));
				CREATE INDEX IF NOT EXISTS idx_roles_role_type ON roles (role_type);
				CREATE INDEX IF NOT EXISTS idx_roles_parent_role_id ON roles (parent_role_id);
			`,
		},
		{
			Version:     2,
			Description: "Create permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS permissions (
					id VARCHAR(64) PRIMARY KEY,
					role_id VARCHAR(64) NOT NULL,
					resource_type VARCHAR(100) NOT NULL,
					actions TEXT NOT NULL,
					scope VARCHAR(20) NOT NULL,
					conditions TEXT,
					resource_filters TEXT,
					active BOOLEAN NOT NULL DEFAULT TRUE,
					expires_at TIMESTAMP,
					created_by VARCHAR(64) NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS idx_permissions_role_id ON permissions (role_id);
				CREATE INDEX IF NOT EXISTS idx_permissions_resource_type ON permissions (resource_type);
			`,
		},
		{
			Version:     3,
			Description: "Create role_hierarchy table",
			SQL: `
				CREATE TABLE IF NOT EXISTS role_hierarchy (
					id VARCHAR(64) PRIMARY KEY,
					parent_role_id VARCHAR(64) NOT NULL,
					child_role_id VARCHAR(64) NOT NULL,
					hierarchy_type VARCHAR(20) NOT NULL,
					inherited_permissions BOOLEAN NOT NULL DEFAULT TRUE,
					permission_overrides TEXT NOT NULL DEFAULT '[]',
					depth_level INTEGER NOT NULL DEFAULT 0,
					active BOOLEAN NOT NULL DEFAULT TRUE,
					priority INTEGER NOT NULL DEFAULT 0,
					conditions TEXT,
					delegation_expires_at TIMESTAMP,
					created_by VARCHAR(64) NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					UNIQUE (parent_role_id, child_role_id),
					CHECK (parent_role_id <> child_role_id)
				);

				CREATE INDEX IF NOT EXISTS idx_role_hierarchy_child ON role_hierarchy (child_role_id);
			`,
		},
		{
			Version:     4,
			Description: "Create user_roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_roles (
					id VARCHAR(64) PRIMARY KEY,
					user_id VARCHAR(64) NOT NULL,
					role_id VARCHAR(64) NOT NULL,
					assignment_source VARCHAR(20) NOT NULL,
					is_primary_role BOOLEAN NOT NULL DEFAULT FALSE,
					assigned_at TIMESTAMP NOT NULL,
					assigned_by_user_id VARCHAR(64) NOT NULL DEFAULT '',
					effective_from TIMESTAMP NOT NULL,
					expires_at TIMESTAMP,
					status VARCHAR(20) NOT NULL,
					last_used_at TIMESTAMP,
					conditions TEXT,
					elevation_request_id VARCHAR(64),
					revoked_at TIMESTAMP,
					revoked_by_user_id VARCHAR(64) NOT NULL DEFAULT '',
					revocation_reason TEXT NOT NULL DEFAULT '',
					metadata TEXT,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS idx_user_roles_user_id ON user_roles (user_id);
				CREATE INDEX IF NOT EXISTS idx_user_roles_role_id ON user_roles (role_id);
				CREATE INDEX IF NOT EXISTS idx_user_roles_status ON user_roles (status);
				CREATE INDEX IF NOT EXISTS idx_user_roles_elevation ON user_roles (elevation_request_id);
			`,
		},
		{
			Version:     5,
			Description: "Create temp_role_elevations table",
			SQL: `
				CREATE TABLE IF NOT EXISTS temp_role_elevations (
					id VARCHAR(64) PRIMARY KEY,
					user_id VARCHAR(64) NOT NULL,
					original_role_id VARCHAR(64) NOT NULL,
					elevated_role_id VARCHAR(64) NOT NULL,
					reason TEXT NOT NULL DEFAULT '',
					justification TEXT NOT NULL DEFAULT '',
					requested_by_user_id VARCHAR(64) NOT NULL,
					approved_by_user_id VARCHAR(64),
					start_time TIMESTAMP NOT NULL,
					end_time TIMESTAMP NOT NULL,
					actual_start_time TIMESTAMP,
					actual_end_time TIMESTAMP,
					status VARCHAR(20) NOT NULL,
					priority VARCHAR(20) NOT NULL,
					auto_revoke BOOLEAN NOT NULL DEFAULT TRUE,
					approval_required BOOLEAN NOT NULL DEFAULT TRUE,
					approval_deadline TIMESTAMP,
					revoked_by_user_id VARCHAR(64) NOT NULL DEFAULT '',
					revocation_reason TEXT NOT NULL DEFAULT '',
					denied_reason TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					CHECK (end_time > start_time)
				);

				CREATE INDEX IF NOT EXISTS idx_temp_role_elevations_user_id ON temp_role_elevations (user_id);
				CREATE INDEX IF NOT EXISTS idx_temp_role_elevations_status ON temp_role_elevations (status);
			`,
		},
	}
}

// RunMigrations executes all pending migrations
func RunMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rbac_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM rbac_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		appliedVersions[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if appliedVersions[migration.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO rbac_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}
