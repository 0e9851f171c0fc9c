package storage

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/vibedev/vibedev/internal/common/errors"
	v1 "github.com/vibedev/vibedev/pkg/api/v1"
)

// sqlRepository implements Repository over database/sql. Statements are
// written with ? placeholders; bind translates them for drivers that use
// positional parameters.
type sqlRepository struct {
	db   *sql.DB
	bind func(query string) string
}

func identityBind(query string) string { return query }

// dollarBind rewrites ? placeholders to $1..$n for pgx
func dollarBind(query string) string {
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	active_session_id TEXT,
	working_dir TEXT NOT NULL,
	preview_port INTEGER,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	backend_kind TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	ended_at TIMESTAMP,
	end_reason TEXT,
	FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_sessions_project_id ON sessions(project_id);
CREATE INDEX IF NOT EXISTS idx_messages_project_id ON messages(project_id);
`

func (r *sqlRepository) initSchema() error {
	_, err := r.db.Exec(schema)
	return err
}

// Close closes the database connection
func (r *sqlRepository) Close() error {
	return r.db.Close()
}

// Project operations

// CreateProject creates a new project record
func (r *sqlRepository) CreateProject(ctx context.Context, project *v1.Project) error {
	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	project.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.bind(`
		INSERT INTO projects (id, name, status, active_session_id, working_dir, preview_port, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), project.ID, project.Name, project.Status, project.ActiveSessionID, project.WorkingDir, project.PreviewPort, project.CreatedAt, project.UpdatedAt)

	return err
}

// GetProject retrieves a project by ID
func (r *sqlRepository) GetProject(ctx context.Context, id string) (*v1.Project, error) {
	row := r.db.QueryRowContext(ctx, r.bind(`
		SELECT id, name, status, active_session_id, working_dir, preview_port, created_at, updated_at
		FROM projects WHERE id = ?
	`), id)

	project, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("project", id)
	}
	return project, err
}

// UpdateProject updates an existing project record
func (r *sqlRepository) UpdateProject(ctx context.Context, project *v1.Project) error {
	project.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, r.bind(`
		UPDATE projects SET name = ?, status = ?, active_session_id = ?, working_dir = ?, preview_port = ?, updated_at = ?
		WHERE id = ?
	`), project.Name, project.Status, project.ActiveSessionID, project.WorkingDir, project.PreviewPort, project.UpdatedAt, project.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("project", project.ID)
	}
	return nil
}

// DeleteProject deletes a project by ID
func (r *sqlRepository) DeleteProject(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.bind(`DELETE FROM projects WHERE id = ?`), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("project", id)
	}
	return nil
}

// ListProjects returns all projects ordered by creation time
func (r *sqlRepository) ListProjects(ctx context.Context) ([]*v1.Project, error) {
	rows, err := r.db.QueryContext(ctx, r.bind(`
		SELECT id, name, status, active_session_id, working_dir, preview_port, created_at, updated_at
		FROM projects ORDER BY created_at
	`))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*v1.Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, project)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProject(row rowScanner) (*v1.Project, error) {
	project := &v1.Project{}
	var activeSession sql.NullString
	var previewPort sql.NullInt64

	err := row.Scan(&project.ID, &project.Name, &project.Status, &activeSession, &project.WorkingDir, &previewPort, &project.CreatedAt, &project.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if activeSession.Valid {
		project.ActiveSessionID = &activeSession.String
	}
	if previewPort.Valid {
		port := int(previewPort.Int64)
		project.PreviewPort = &port
	}
	return project, nil
}

// Session operations

// CreateSession creates a new session record
func (r *sqlRepository) CreateSession(ctx context.Context, session *v1.Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, r.bind(`
		INSERT INTO sessions (id, project_id, backend_kind, started_at, ended_at, end_reason)
		VALUES (?, ?, ?, ?, ?, ?)
	`), session.ID, session.ProjectID, session.BackendKind, session.StartedAt, session.EndedAt, session.EndReason)

	return err
}

// FinishSession marks a session as ended with the given reason
func (r *sqlRepository) FinishSession(ctx context.Context, id string, reason string) error {
	result, err := r.db.ExecContext(ctx, r.bind(`
		UPDATE sessions SET ended_at = ?, end_reason = ? WHERE id = ?
	`), time.Now().UTC(), reason, id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("session", id)
	}
	return nil
}

// ListSessions returns all sessions for a project, oldest first
func (r *sqlRepository) ListSessions(ctx context.Context, projectID string) ([]*v1.Session, error) {
	rows, err := r.db.QueryContext(ctx, r.bind(`
		SELECT id, project_id, backend_kind, started_at, ended_at, end_reason
		FROM sessions WHERE project_id = ? ORDER BY started_at
	`), projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*v1.Session
	for rows.Next() {
		session := &v1.Session{}
		var endedAt sql.NullTime
		var endReason sql.NullString

		err := rows.Scan(&session.ID, &session.ProjectID, &session.BackendKind, &session.StartedAt, &endedAt, &endReason)
		if err != nil {
			return nil, err
		}
		if endedAt.Valid {
			session.EndedAt = &endedAt.Time
		}
		if endReason.Valid {
			session.EndReason = &endReason.String
		}
		result = append(result, session)
	}
	return result, rows.Err()
}

// Message operations

// AppendMessage appends a conversation message for a project
func (r *sqlRepository) AppendMessage(ctx context.Context, message *v1.Message) error {
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, r.bind(`
		INSERT INTO messages (id, project_id, session_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), message.ID, message.ProjectID, message.SessionID, message.Role, message.Content, message.CreatedAt)

	return err
}

// ListMessages returns the most recent messages for a project in append
// order. A limit of 0 returns everything.
func (r *sqlRepository) ListMessages(ctx context.Context, projectID string, limit int) ([]*v1.Message, error) {
	query := `
		SELECT id, project_id, session_id, role, content, created_at
		FROM messages WHERE project_id = ? ORDER BY created_at`
	args := []interface{}{projectID}
	if limit > 0 {
		// Take the newest N, then re-sort ascending below
		query = `
		SELECT id, project_id, session_id, role, content, created_at
		FROM messages WHERE project_id = ? ORDER BY created_at DESC LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, r.bind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*v1.Message
	for rows.Next() {
		message := &v1.Message{}
		err := rows.Scan(&message.ID, &message.ProjectID, &message.SessionID, &message.Role, &message.Content, &message.CreatedAt)
		if err != nil {
			return nil, err
		}
		result = append(result, message)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if limit > 0 {
		for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
			result[i], result[j] = result[j], result[i]
		}
	}
	return result, nil
}
