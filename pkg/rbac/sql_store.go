package rbac

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Dialect names the SQL backend behind an SQLStore.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// SQLStore handles RBAC data persistence in PostgreSQL or SQLite.
type SQLStore struct {
	db      *sql.DB
	q       querier
	dialect Dialect
}

// NewSQLStore creates a new SQL backed store. Run RunMigrations first.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, q: bindFor(dialect, db), dialect: dialect}
}

// bindFor adapts the PostgreSQL-style placeholders every query is written
// with to the dialect. SQLite reads $N as a named parameter numbered by first
// appearance, so queries that reuse or reorder placeholders would bind the
// wrong arguments; ?N is positional there.
func bindFor(dialect Dialect, q querier) querier {
	if dialect == DialectSQLite {
		return sqliteQuerier{q: q}
	}
	return q
}

type sqliteQuerier struct {
	q querier
}

func (s sqliteQuerier) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.q.ExecContext(ctx, rebindPositional(query), args...)
}

func (s sqliteQuerier) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.q.QueryContext(ctx, rebindPositional(query), args...)
}

func (s sqliteQuerier) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.q.QueryRowContext(ctx, rebindPositional(query), args...)
}

// rebindPositional rewrites $N placeholders to ?N.
func rebindPositional(query string) string {
	if !strings.Contains(query, "$") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			b.WriteByte('?')
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// WithTx runs fn inside a database transaction. PostgreSQL transactions run
// at SERIALIZABLE so check-then-write sequences cannot interleave.
func (s *SQLStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.db == nil {
		// Already inside a transaction.
		return fn(s)
	}

	var opts *sql.TxOptions
	if s.dialect == DialectPostgres {
		opts = &sql.TxOptions{Isolation: sql.LevelSerializable}
	}

	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return classify("begin transaction", err)
	}

	if err := fn(&SQLStore{q: bindFor(s.dialect, tx), dialect: s.dialect}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify("commit transaction", err)
	}
	return nil
}

// classify maps driver errors onto the package's error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return NewConflictError("%s: %s", op, pqErr.Message)
		case pqErr.Code == "40001", pqErr.Code == "40P01", pqErr.Code.Class() == "08":
			return NewTransientError(op, err)
		}
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch {
		case liteErr.ExtendedCode == sqlite3.ErrConstraintUnique, liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return NewConflictError("%s: %s", op, liteErr.Error())
		case liteErr.Code == sqlite3.ErrBusy, liteErr.Code == sqlite3.ErrLocked:
			return NewTransientError(op, err)
		}
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return NewTransientError(op, err)
	}

	return fmt.Errorf("failed to %s: %w", op, err)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func marshalList(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func rawJSON(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timeFromNull(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringFromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// where accumulates numbered predicates for list queries.
type where struct {
	clauses []string
	args    []interface{}
}

func (w *where) add(clause string, arg interface{}) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, fmt.Sprintf(clause, fmt.Sprintf("$%d", len(w.args))))
}

func (w *where) addRaw(clause string) {
	w.clauses = append(w.clauses, clause)
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func expectOneRow(res sql.Result, op, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return classify(op, err)
	}
	if n == 0 {
		return NewNotFoundError(entity, id)
	}
	return nil
}

// Roles

const roleColumns = `id, name, description, role_type, is_system_role, permission_ids, parent_role_id,
	priority, active, expires_at, max_users, created_by, created_at, updated_at`

func scanRole(row rowScanner) (*Role, error) {
	var (
		r         Role
		permsJSON string
		parentID  sql.NullString
		expiresAt sql.NullTime
		maxUsers  sql.NullInt32
	)
	err := row.Scan(
		&r.ID, &r.Name, &r.Description, &r.RoleType, &r.IsSystemRole, &permsJSON, &parentID,
		&r.Priority, &r.Active, &expiresAt, &maxUsers, &r.CreatedBy, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(permsJSON), &r.PermissionIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal permission ids: %w", err)
	}
	r.ParentRoleID = stringFromNull(parentID)
	r.ExpiresAt = timeFromNull(expiresAt)
	if maxUsers.Valid {
		v := maxUsers.Int32
		r.MaxUsers = &v
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

func roleArgs(r *Role) ([]interface{}, error) {
	permsJSON, err := marshalList(normalizeIDs(r.PermissionIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal permission ids: %w", err)
	}
	var maxUsers sql.NullInt32
	if r.MaxUsers != nil {
		maxUsers = sql.NullInt32{Int32: *r.MaxUsers, Valid: true}
	}
	return []interface{}{
		r.ID, r.Name, r.Description, string(r.RoleType), r.IsSystemRole, permsJSON, nullString(r.ParentRoleID),
		r.Priority, r.Active, nullTime(r.ExpiresAt), maxUsers, r.CreatedBy, r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
	}, nil
}

// CreateRole inserts a role.
func (s *SQLStore) CreateRole(ctx context.Context, role *Role) error {
	args, err := roleArgs(role)
	if err != nil {
		return err
	}
	query := `INSERT INTO roles (` + roleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return classify("create role", err)
	}
	return nil
}

// GetRole retrieves a role by ID.
func (s *SQLStore) GetRole(ctx context.Context, id string) (*Role, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id)
	r, err := scanRole(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError("role", id)
	}
	if err != nil {
		return nil, classify("get role", err)
	}
	return r, nil
}

// UpdateRole replaces a role's mutable fields.
func (s *SQLStore) UpdateRole(ctx context.Context, role *Role) error {
	args, err := roleArgs(role)
	if err != nil {
		return err
	}
	query := `UPDATE roles SET
			name = $2, description = $3, role_type = $4, is_system_role = $5, permission_ids = $6,
			parent_role_id = $7, priority = $8, active = $9, expires_at = $10, max_users = $11,
			created_by = $12, created_at = $13, updated_at = $14
		WHERE id = $1`
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return classify("update role", err)
	}
	return expectOneRow(res, "update role", "role", role.ID)
}

// DeleteRole removes a role row.
func (s *SQLStore) DeleteRole(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return classify("delete role", err)
	}
	return expectOneRow(res, "delete role", "role", id)
}

// ListRoles lists roles matching the filter ordered by name.
func (s *SQLStore) ListRoles(ctx context.Context, f RoleFilter) ([]*Role, error) {
	var w where
	if f.Name != "" {
		w.add("LOWER(name) = LOWER(%s)", f.Name)
	}
	if f.RoleType != "" {
		w.add("role_type = %s", string(f.RoleType))
	}
	if f.ParentRoleID != nil {
		w.add("parent_role_id = %s", *f.ParentRoleID)
	}
	if f.SystemOnly != nil {
		w.add("is_system_role = %s", *f.SystemOnly)
	}
	if f.ActiveOnly {
		w.add("active = %s", true)
	}

	rows, err := s.q.QueryContext(ctx, `SELECT `+roleColumns+` FROM roles`+w.String()+` ORDER BY name ASC`, w.args...)
	if err != nil {
		return nil, classify("list roles", err)
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, classify("scan role", err)
		}
		roles = append(roles, r)
	}
	return roles, classify("list roles", rows.Err())
}

// Permissions

const permissionColumns = `id, role_id, resource_type, actions, scope, conditions, resource_filters,
	active, expires_at, created_by, created_at, updated_at`

func scanPermission(row rowScanner) (*Permission, error) {
	var (
		p           Permission
		actionsJSON string
		conditions  sql.NullString
		filters     sql.NullString
		expiresAt   sql.NullTime
	)
	err := row.Scan(
		&p.ID, &p.RoleID, &p.ResourceType, &actionsJSON, &p.Scope, &conditions, &filters,
		&p.Active, &expiresAt, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(actionsJSON), &p.Actions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal actions: %w", err)
	}
	p.Conditions = rawJSON(conditions)
	p.ResourceFilters = rawJSON(filters)
	p.ExpiresAt = timeFromNull(expiresAt)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func permissionArgs(p *Permission) ([]interface{}, error) {
	actionsJSON, err := marshalList(p.Actions)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal actions: %w", err)
	}
	return []interface{}{
		p.ID, p.RoleID, p.ResourceType, actionsJSON, string(p.Scope), nullJSON(p.Conditions), nullJSON(p.ResourceFilters),
		p.Active, nullTime(p.ExpiresAt), p.CreatedBy, p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	}, nil
}

// CreatePermission inserts a permission.
func (s *SQLStore) CreatePermission(ctx context.Context, p *Permission) error {
	args, err := permissionArgs(p)
	if err != nil {
		return err
	}
	query := `INSERT INTO permissions (` + permissionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return classify("create permission", err)
	}
	return nil
}

// GetPermission retrieves a permission by ID.
func (s *SQLStore) GetPermission(ctx context.Context, id string) (*Permission, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE id = $1`, id)
	p, err := scanPermission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError("permission", id)
	}
	if err != nil {
		return nil, classify("get permission", err)
	}
	return p, nil
}

// UpdatePermission replaces a permission's mutable fields.
func (s *SQLStore) UpdatePermission(ctx context.Context, p *Permission) error {
	args, err := permissionArgs(p)
	if err != nil {
		return err
	}
	query := `UPDATE permissions SET
			role_id = $2, resource_type = $3, actions = $4, scope = $5, conditions = $6, resource_filters = $7,
			active = $8, expires_at = $9, created_by = $10, created_at = $11, updated_at = $12
		WHERE id = $1`
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return classify("update permission", err)
	}
	return expectOneRow(res, "update permission", "permission", p.ID)
}

// DeletePermission removes a permission row.
func (s *SQLStore) DeletePermission(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM permissions WHERE id = $1`, id)
	if err != nil {
		return classify("delete permission", err)
	}
	return expectOneRow(res, "delete permission", "permission", id)
}

// ListPermissions lists permissions matching the filter ordered by id.
func (s *SQLStore) ListPermissions(ctx context.Context, f PermissionFilter) ([]*Permission, error) {
	var w where
	if f.RoleID != "" {
		w.add("role_id = %s", f.RoleID)
	}
	if f.ResourceType != "" {
		w.add("resource_type = %s", f.ResourceType)
	}
	if f.ActiveOnly {
		w.add("active = %s", true)
	}

	rows, err := s.q.QueryContext(ctx, `SELECT `+permissionColumns+` FROM permissions`+w.String()+` ORDER BY id ASC`, w.args...)
	if err != nil {
		return nil, classify("list permissions", err)
	}
	defer rows.Close()

	var perms []*Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, classify("scan permission", err)
		}
		perms = append(perms, p)
	}
	return perms, classify("list permissions", rows.Err())
}

// Hierarchy edges

const edgeColumns = `id, parent_role_id, child_role_id, hierarchy_type, inherited_permissions, permission_overrides,
	depth_level, active, priority, conditions, delegation_expires_at, created_by, created_at, updated_at`

func scanEdge(row rowScanner) (*RoleHierarchy, error) {
	var (
		e             RoleHierarchy
		overridesJSON string
		conditions    sql.NullString
		delegation    sql.NullTime
	)
	err := row.Scan(
		&e.ID, &e.ParentRoleID, &e.ChildRoleID, &e.HierarchyType, &e.InheritedPermissions, &overridesJSON,
		&e.DepthLevel, &e.Active, &e.Priority, &conditions, &delegation, &e.CreatedBy, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(overridesJSON), &e.PermissionOverrides); err != nil {
		return nil, fmt.Errorf("failed to unmarshal permission overrides: %w", err)
	}
	e.Conditions = rawJSON(conditions)
	e.DelegationExpiresAt = timeFromNull(delegation)
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}

func edgeArgs(e *RoleHierarchy) ([]interface{}, error) {
	overridesJSON, err := marshalList(normalizeIDs(e.PermissionOverrides))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal permission overrides: %w", err)
	}
	return []interface{}{
		e.ID, e.ParentRoleID, e.ChildRoleID, string(e.HierarchyType), e.InheritedPermissions, overridesJSON,
		e.DepthLevel, e.Active, e.Priority, nullJSON(e.Conditions), nullTime(e.DelegationExpiresAt), e.CreatedBy,
		e.CreatedAt.UTC(), e.UpdatedAt.UTC(),
	}, nil
}

// CreateEdge inserts a hierarchy edge.
func (s *SQLStore) CreateEdge(ctx context.Context, e *RoleHierarchy) error {
	args, err := edgeArgs(e)
	if err != nil {
		return err
	}
	query := `INSERT INTO role_hierarchy (` + edgeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return classify("create role hierarchy edge", err)
	}
	return nil
}

// GetEdge retrieves the edge between parent and child.
func (s *SQLStore) GetEdge(ctx context.Context, parentRoleID, childRoleID string) (*RoleHierarchy, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+edgeColumns+` FROM role_hierarchy WHERE parent_role_id = $1 AND child_role_id = $2`,
		parentRoleID, childRoleID)
	e, err := scanEdge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError("role_hierarchy", parentRoleID+"->"+childRoleID)
	}
	if err != nil {
		return nil, classify("get role hierarchy edge", err)
	}
	return e, nil
}

// UpdateEdge replaces an edge's mutable fields.
func (s *SQLStore) UpdateEdge(ctx context.Context, e *RoleHierarchy) error {
	args, err := edgeArgs(e)
	if err != nil {
		return err
	}
	query := `UPDATE role_hierarchy SET
			id = $1, hierarchy_type = $4, inherited_permissions = $5, permission_overrides = $6,
			depth_level = $7, active = $8, priority = $9, conditions = $10, delegation_expires_at = $11,
			created_by = $12, created_at = $13, updated_at = $14
		WHERE parent_role_id = $2 AND child_role_id = $3`
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return classify("update role hierarchy edge", err)
	}
	return expectOneRow(res, "update role hierarchy edge", "role_hierarchy", e.ParentRoleID+"->"+e.ChildRoleID)
}

// DeleteEdge removes the edge between parent and child.
func (s *SQLStore) DeleteEdge(ctx context.Context, parentRoleID, childRoleID string) error {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM role_hierarchy WHERE parent_role_id = $1 AND child_role_id = $2`, parentRoleID, childRoleID)
	if err != nil {
		return classify("delete role hierarchy edge", err)
	}
	return expectOneRow(res, "delete role hierarchy edge", "role_hierarchy", parentRoleID+"->"+childRoleID)
}

// ListEdges lists edges matching the filter, highest priority first.
func (s *SQLStore) ListEdges(ctx context.Context, f EdgeFilter) ([]*RoleHierarchy, error) {
	var w where
	if f.ParentRoleID != "" {
		w.add("parent_role_id = %s", f.ParentRoleID)
	}
	if f.ChildRoleID != "" {
		w.add("child_role_id = %s", f.ChildRoleID)
	}
	if f.ActiveOnly {
		w.add("active = %s", true)
	}

	rows, err := s.q.QueryContext(ctx,
		`SELECT `+edgeColumns+` FROM role_hierarchy`+w.String()+
			` ORDER BY priority DESC, parent_role_id ASC, child_role_id ASC`, w.args...)
	if err != nil {
		return nil, classify("list role hierarchy edges", err)
	}
	defer rows.Close()

	var edges []*RoleHierarchy
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, classify("scan role hierarchy edge", err)
		}
		edges = append(edges, e)
	}
	return edges, classify("list role hierarchy edges", rows.Err())
}

// Assignments

const assignmentColumns = `id, user_id, role_id, assignment_source, is_primary_role, assigned_at, assigned_by_user_id,
	effective_from, expires_at, status, last_used_at, conditions, elevation_request_id, revoked_at,
	revoked_by_user_id, revocation_reason, metadata, created_at, updated_at`

func scanAssignment(row rowScanner) (*UserRole, error) {
	var (
		a           UserRole
		expiresAt   sql.NullTime
		lastUsedAt  sql.NullTime
		conditions  sql.NullString
		elevationID sql.NullString
		revokedAt   sql.NullTime
		metadata    sql.NullString
	)
	err := row.Scan(
		&a.ID, &a.UserID, &a.RoleID, &a.AssignmentSource, &a.IsPrimaryRole, &a.AssignedAt, &a.AssignedByUserID,
		&a.EffectiveFrom, &expiresAt, &a.Status, &lastUsedAt, &conditions, &elevationID, &revokedAt,
		&a.RevokedByUserID, &a.RevocationReason, &metadata, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.ExpiresAt = timeFromNull(expiresAt)
	a.LastUsedAt = timeFromNull(lastUsedAt)
	a.Conditions = rawJSON(conditions)
	a.ElevationRequestID = stringFromNull(elevationID)
	a.RevokedAt = timeFromNull(revokedAt)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &a.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	a.AssignedAt = a.AssignedAt.UTC()
	a.EffectiveFrom = a.EffectiveFrom.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

func assignmentArgs(a *UserRole) ([]interface{}, error) {
	var metadata sql.NullString
	if len(a.Metadata) > 0 {
		b, err := json.Marshal(a.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}
	return []interface{}{
		a.ID, a.UserID, a.RoleID, string(a.AssignmentSource), a.IsPrimaryRole, a.AssignedAt.UTC(), a.AssignedByUserID,
		a.EffectiveFrom.UTC(), nullTime(a.ExpiresAt), string(a.Status), nullTime(a.LastUsedAt), nullJSON(a.Conditions),
		nullString(a.ElevationRequestID), nullTime(a.RevokedAt), a.RevokedByUserID, a.RevocationReason, metadata,
		a.CreatedAt.UTC(), a.UpdatedAt.UTC(),
	}, nil
}

// CreateAssignment inserts a user role assignment.
func (s *SQLStore) CreateAssignment(ctx context.Context, a *UserRole) error {
	args, err := assignmentArgs(a)
	if err != nil {
		return err
	}
	query := `INSERT INTO user_roles (` + assignmentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return classify("create user role", err)
	}
	return nil
}

// GetAssignment retrieves an assignment by ID.
func (s *SQLStore) GetAssignment(ctx context.Context, id string) (*UserRole, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM user_roles WHERE id = $1`, id)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError("user_role", id)
	}
	if err != nil {
		return nil, classify("get user role", err)
	}
	return a, nil
}

// UpdateAssignment replaces an assignment's mutable fields.
func (s *SQLStore) UpdateAssignment(ctx context.Context, a *UserRole) error {
	args, err := assignmentArgs(a)
	if err != nil {
		return err
	}
	query := `UPDATE user_roles SET
			user_id = $2, role_id = $3, assignment_source = $4, is_primary_role = $5, assigned_at = $6,
			assigned_by_user_id = $7, effective_from = $8, expires_at = $9, status = $10, last_used_at = $11,
			conditions = $12, elevation_request_id = $13, revoked_at = $14, revoked_by_user_id = $15,
			revocation_reason = $16, metadata = $17, created_at = $18, updated_at = $19
		WHERE id = $1`
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return classify("update user role", err)
	}
	return expectOneRow(res, "update user role", "user_role", a.ID)
}

// DeleteAssignment removes an assignment row.
func (s *SQLStore) DeleteAssignment(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM user_roles WHERE id = $1`, id)
	if err != nil {
		return classify("delete user role", err)
	}
	return expectOneRow(res, "delete user role", "user_role", id)
}

// ListAssignments lists assignments matching the filter, oldest first.
func (s *SQLStore) ListAssignments(ctx context.Context, f AssignmentFilter) ([]*UserRole, error) {
	var w where
	if f.UserID != "" {
		w.add("user_id = %s", f.UserID)
	}
	if f.RoleID != "" {
		w.add("role_id = %s", f.RoleID)
	}
	if f.Status != "" {
		w.add("status = %s", string(f.Status))
	}
	if f.ElevationRequestID != "" {
		w.add("elevation_request_id = %s", f.ElevationRequestID)
	}

	rows, err := s.q.QueryContext(ctx,
		`SELECT `+assignmentColumns+` FROM user_roles`+w.String()+` ORDER BY assigned_at ASC, id ASC`, w.args...)
	if err != nil {
		return nil, classify("list user roles", err)
	}
	defer rows.Close()

	var out []*UserRole
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, classify("scan user role", err)
		}
		out = append(out, a)
	}
	return out, classify("list user roles", rows.Err())
}

// Elevations

const elevationColumns = `id, user_id, original_role_id, elevated_role_id, reason, justification, requested_by_user_id,
	approved_by_user_id, start_time, end_time, actual_start_time, actual_end_time, status, priority, auto_revoke,
	approval_required, approval_deadline, revoked_by_user_id, revocation_reason, denied_reason, created_at, updated_at`

func scanElevation(row rowScanner) (*TempRoleElevation, error) {
	var (
		e           TempRoleElevation
		approvedBy  sql.NullString
		actualStart sql.NullTime
		actualEnd   sql.NullTime
		deadline    sql.NullTime
	)
	err := row.Scan(
		&e.ID, &e.UserID, &e.OriginalRoleID, &e.ElevatedRoleID, &e.Reason, &e.Justification, &e.RequestedByUserID,
		&approvedBy, &e.StartTime, &e.EndTime, &actualStart, &actualEnd, &e.Status, &e.Priority, &e.AutoRevoke,
		&e.ApprovalRequired, &deadline, &e.RevokedByUserID, &e.RevocationReason, &e.DeniedReason, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.ApprovedByUserID = stringFromNull(approvedBy)
	e.ActualStartTime = timeFromNull(actualStart)
	e.ActualEndTime = timeFromNull(actualEnd)
	e.ApprovalDeadline = timeFromNull(deadline)
	e.StartTime = e.StartTime.UTC()
	e.EndTime = e.EndTime.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}

func elevationArgs(e *TempRoleElevation) []interface{} {
	return []interface{}{
		e.ID, e.UserID, e.OriginalRoleID, e.ElevatedRoleID, e.Reason, e.Justification, e.RequestedByUserID,
		nullString(e.ApprovedByUserID), e.StartTime.UTC(), e.EndTime.UTC(), nullTime(e.ActualStartTime),
		nullTime(e.ActualEndTime), string(e.Status), string(e.Priority), e.AutoRevoke, e.ApprovalRequired,
		nullTime(e.ApprovalDeadline), e.RevokedByUserID, e.RevocationReason, e.DeniedReason,
		e.CreatedAt.UTC(), e.UpdatedAt.UTC(),
	}
}

// CreateElevation inserts an elevation request.
func (s *SQLStore) CreateElevation(ctx context.Context, e *TempRoleElevation) error {
	query := `INSERT INTO temp_role_elevations (` + elevationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`
	if _, err := s.q.ExecContext(ctx, query, elevationArgs(e)...); err != nil {
		return classify("create elevation", err)
	}
	return nil
}

// GetElevation retrieves an elevation by ID.
func (s *SQLStore) GetElevation(ctx context.Context, id string) (*TempRoleElevation, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+elevationColumns+` FROM temp_role_elevations WHERE id = $1`, id)
	e, err := scanElevation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError("temp_role_elevation", id)
	}
	if err != nil {
		return nil, classify("get elevation", err)
	}
	return e, nil
}

// UpdateElevation replaces an elevation's mutable fields.
func (s *SQLStore) UpdateElevation(ctx context.Context, e *TempRoleElevation) error {
	query := `UPDATE temp_role_elevations SET
			user_id = $2, original_role_id = $3, elevated_role_id = $4, reason = $5, justification = $6,
			requested_by_user_id = $7, approved_by_user_id = $8, start_time = $9, end_time = $10,
			actual_start_time = $11, actual_end_time = $12, status = $13, priority = $14, auto_revoke = $15,
			approval_required = $16, approval_deadline = $17, revoked_by_user_id = $18, revocation_reason = $19,
			denied_reason = $20, created_at = $21, updated_at = $22
		WHERE id = $1`
	res, err := s.q.ExecContext(ctx, query, elevationArgs(e)...)
	if err != nil {
		return classify("update elevation", err)
	}
	return expectOneRow(res, "update elevation", "temp_role_elevation", e.ID)
}

// ListElevations lists elevations matching the filter, oldest first.
func (s *SQLStore) ListElevations(ctx context.Context, f ElevationFilter) ([]*TempRoleElevation, error) {
	var w where
	if f.UserID != "" {
		w.add("user_id = %s", f.UserID)
	}
	if f.ElevatedRoleID != "" {
		w.add("elevated_role_id = %s", f.ElevatedRoleID)
	}
	if f.Status != "" {
		w.add("status = %s", string(f.Status))
	}

	rows, err := s.q.QueryContext(ctx,
		`SELECT `+elevationColumns+` FROM temp_role_elevations`+w.String()+` ORDER BY created_at ASC, id ASC`, w.args...)
	if err != nil {
		return nil, classify("list elevations", err)
	}
	defer rows.Close()

	var out []*TempRoleElevation
	for rows.Next() {
		e, err := scanElevation(rows)
		if err != nil {
			return nil, classify("scan elevation", err)
		}
		out = append(out, e)
	}
	return out, classify("list elevations", rows.Err())
}
