package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/soyeahso/livechat/internal/domain"
)

// SQLiteDirectory stores workspaces, departments, agents and visitor sessions.
type SQLiteDirectory struct {
	db *DB
}

// NewSQLiteDirectory creates a directory using the given database.
func NewSQLiteDirectory(db *DB) *SQLiteDirectory {
	return &SQLiteDirectory{db: db}
}

func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, domain.ErrNotFound)
	}
	return fmt.Errorf("loading %s %s: %w", what, id, err)
}

// CreateWorkspace inserts ws, assigning an id when empty.
func (d *SQLiteDirectory) CreateWorkspace(ctx context.Context, ws *domain.Workspace) error {
	if ws.ID == "" {
		ws.ID = uuid.NewString()
	}
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = time.Now()
	}
	_, err := d.db.sql.ExecContext(ctx,
		`INSERT INTO workspaces (id, name, active, created_at) VALUES (?, ?, ?, ?)`,
		ws.ID, ws.Name, boolInt(ws.Active), toNanos(ws.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("creating workspace: %w", err)
	}
	return nil
}

// GetWorkspace returns a workspace by id.
func (d *SQLiteDirectory) GetWorkspace(ctx context.Context, id string) (*domain.Workspace, error) {
	var ws domain.Workspace
	var active int
	var created int64
	err := d.db.sql.QueryRowContext(ctx,
		`SELECT id, name, active, created_at FROM workspaces WHERE id = ?`, id,
	).Scan(&ws.ID, &ws.Name, &active, &created)
	if err != nil {
		return nil, notFound(err, "workspace", id)
	}
	ws.Active = active == 1
	ws.CreatedAt = fromNanos(created)
	return &ws, nil
}

// CreateDepartment inserts dept, assigning an id when empty.
func (d *SQLiteDirectory) CreateDepartment(ctx context.Context, dept *domain.Department) error {
	if dept.ID == "" {
		dept.ID = uuid.NewString()
	}
	if dept.Status == "" {
		dept.Status = domain.DepartmentOffline
	}
	_, err := d.db.sql.ExecContext(ctx,
		`INSERT INTO departments (id, workspace_id, name, status, active) VALUES (?, ?, ?, ?, ?)`,
		dept.ID, dept.WorkspaceID, dept.Name, string(dept.Status), boolInt(dept.Active),
	)
	if err != nil {
		return fmt.Errorf("creating department: %w", err)
	}
	return nil
}

const departmentColumns = `id, workspace_id, name, status, active`

func scanDepartment(row interface{ Scan(...any) error }) (*domain.Department, error) {
	var dept domain.Department
	var status string
	var active int
	if err := row.Scan(&dept.ID, &dept.WorkspaceID, &dept.Name, &status, &active); err != nil {
		return nil, err
	}
	dept.Status = domain.DepartmentStatus(status)
	dept.Active = active == 1
	return &dept, nil
}

// GetDepartment returns a department by id.
func (d *SQLiteDirectory) GetDepartment(ctx context.Context, id string) (*domain.Department, error) {
	dept, err := scanDepartment(d.db.sql.QueryRowContext(ctx,
		`SELECT `+departmentColumns+` FROM departments WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "department", id)
	}
	return dept, nil
}

// ListDepartments returns the departments of a workspace ordered by name.
func (d *SQLiteDirectory) ListDepartments(ctx context.Context, workspaceID string) ([]*domain.Department, error) {
	rows, err := d.db.sql.QueryContext(ctx,
		`SELECT `+departmentColumns+` FROM departments WHERE workspace_id = ? ORDER BY name`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("listing departments: %w", err)
	}
	defer rows.Close()

	var out []*domain.Department
	for rows.Next() {
		dept, err := scanDepartment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning department: %w", err)
		}
		out = append(out, dept)
	}
	return out, rows.Err()
}

// UpdateDepartmentStatus sets a department's online status.
func (d *SQLiteDirectory) UpdateDepartmentStatus(ctx context.Context, id string, status domain.DepartmentStatus) error {
	res, err := d.db.sql.ExecContext(ctx, `UPDATE departments SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("updating department %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("department %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// CreateAgent inserts an agent and its department memberships.
func (d *SQLiteDirectory) CreateAgent(ctx context.Context, a *domain.Agent) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return d.db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agents (id, workspace_id, name, email, active) VALUES (?, ?, ?, ?, ?)`,
			a.ID, a.WorkspaceID, a.Name, a.Email, boolInt(a.Active),
		); err != nil {
			return fmt.Errorf("creating agent: %w", err)
		}
		for _, dept := range a.DepartmentIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO agent_departments (workspace_id, agent_id, department_id) VALUES (?, ?, ?)`,
				a.WorkspaceID, a.ID, dept,
			); err != nil {
				return fmt.Errorf("adding agent to department %s: %w", dept, err)
			}
		}
		return nil
	})
}

// GetAgent returns an agent of a workspace with its department ids.
func (d *SQLiteDirectory) GetAgent(ctx context.Context, userID, workspaceID string) (*domain.Agent, error) {
	var a domain.Agent
	var active int
	err := d.db.sql.QueryRowContext(ctx,
		`SELECT id, workspace_id, name, email, active FROM agents WHERE workspace_id = ? AND id = ?`,
		workspaceID, userID,
	).Scan(&a.ID, &a.WorkspaceID, &a.Name, &a.Email, &active)
	if err != nil {
		return nil, notFound(err, "agent", userID)
	}
	a.Active = active == 1

	depts, err := d.strings(ctx,
		`SELECT department_id FROM agent_departments WHERE workspace_id = ? AND agent_id = ? ORDER BY department_id`,
		workspaceID, userID)
	if err != nil {
		return nil, err
	}
	a.DepartmentIDs = depts
	return &a, nil
}

// DepartmentAgentIDs returns the ids of the active agents in a department.
func (d *SQLiteDirectory) DepartmentAgentIDs(ctx context.Context, departmentID string) ([]string, error) {
	return d.strings(ctx,
		`SELECT ad.agent_id FROM agent_departments ad
		 JOIN agents a ON a.workspace_id = ad.workspace_id AND a.id = ad.agent_id
		 WHERE ad.department_id = ? AND a.active = 1 ORDER BY ad.agent_id`,
		departmentID)
}

func (d *SQLiteDirectory) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	return queryStrings(ctx, d.db, query, args...)
}

func queryStrings(ctx context.Context, db *DB, query string, args ...any) ([]string, error) {
	rows, err := db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scanning: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CreateVisitorSession inserts a session, assigning an id when empty.
func (d *SQLiteDirectory) CreateVisitorSession(ctx context.Context, s *domain.VisitorSession) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	if s.Status == "" {
		s.Status = domain.StatusActive
	}
	_, err := d.db.sql.ExecContext(ctx,
		`INSERT INTO visitor_sessions (id, visitor_id, workspace_id, department_id, name, email, phone, status, created_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.VisitorID, s.WorkspaceID, s.DepartmentID, s.Name, s.Email, s.Phone,
		string(s.Status), toNanos(s.CreatedAt), nullNanos(s.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("creating visitor session: %w", err)
	}
	return nil
}

// GetVisitorSession returns a visitor session by id.
func (d *SQLiteDirectory) GetVisitorSession(ctx context.Context, id string) (*domain.VisitorSession, error) {
	var s domain.VisitorSession
	var status string
	var created int64
	var ended sql.NullInt64
	err := d.db.sql.QueryRowContext(ctx,
		`SELECT id, visitor_id, workspace_id, department_id, name, email, phone, status, created_at, ended_at
		 FROM visitor_sessions WHERE id = ?`, id,
	).Scan(&s.ID, &s.VisitorID, &s.WorkspaceID, &s.DepartmentID, &s.Name, &s.Email, &s.Phone,
		&status, &created, &ended)
	if err != nil {
		return nil, notFound(err, "visitor session", id)
	}
	s.Status = domain.Status(status)
	s.CreatedAt = fromNanos(created)
	s.EndedAt = timePtr(ended)
	return &s, nil
}

func (d *SQLiteDirectory) updateSession(ctx context.Context, id, set string, args ...any) error {
	res, err := d.db.sql.ExecContext(ctx, `UPDATE visitor_sessions SET `+set+` WHERE id = ?`, append(args, id)...)
	if err != nil {
		return fmt.Errorf("updating visitor session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("visitor session %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// EndVisitorSession marks the session ended and AWAY. Ending twice keeps the
// first end time.
func (d *SQLiteDirectory) EndVisitorSession(ctx context.Context, id string, at time.Time) error {
	return d.updateSession(ctx, id, `status = ?, ended_at = COALESCE(ended_at, ?)`,
		string(domain.StatusAway), toNanos(at))
}

// UpdateVisitorSessionStatus persists the session's status.
func (d *SQLiteDirectory) UpdateVisitorSessionStatus(ctx context.Context, id string, status domain.Status) error {
	return d.updateSession(ctx, id, `status = ?`, string(status))
}

// SetSessionDepartment records the department a session is routed to.
func (d *SQLiteDirectory) SetSessionDepartment(ctx context.Context, id, departmentID string) error {
	return d.updateSession(ctx, id, `department_id = ?`, departmentID)
}

// IdentifyVisitor stores the contact details a visitor supplied. Empty
// values leave the stored field unchanged.
func (d *SQLiteDirectory) IdentifyVisitor(ctx context.Context, id, name, email, phone string) (*domain.VisitorSession, error) {
	err := d.updateSession(ctx, id,
		`name = CASE WHEN ? = '' THEN name ELSE ? END,
		 email = CASE WHEN ? = '' THEN email ELSE ? END,
		 phone = CASE WHEN ? = '' THEN phone ELSE ? END`,
		name, name, email, email, phone, phone)
	if err != nil {
		return nil, err
	}
	return d.GetVisitorSession(ctx, id)
}
