package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/davrud/nodeflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Projects ---

func (s *LibSQLStore) CreateProject(ctx context.Context, p *Project) error {
	def, err := json.Marshal(p.Definition)
	if err != nil {
		return fmt.Errorf("marshal graph definition: %w", err)
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, definition, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, string(def), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetProject(ctx context.Context, id string) (*Project, error) {
	p := &Project{}
	var def string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, definition, created_at, updated_at FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &def, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "project %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(def), &p.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal graph definition: %w", err)
	}
	return p, nil
}

func (s *LibSQLStore) SaveGraph(ctx context.Context, projectID string, def *schema.GraphDefinition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal graph definition: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET definition = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now().UTC(), projectID,
	)
	if err != nil {
		return fmt.Errorf("update project graph: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "project %s not found", projectID)
	}
	return nil
}

func (s *LibSQLStore) ListProjects(ctx context.Context, filter ProjectFilter) ([]*Project, error) {
	query := `SELECT id, name, definition, created_at, updated_at FROM projects`
	args := []any{}
	if filter.Name != "" {
		query += ` WHERE name = ?`
		args = append(args, filter.Name)
	}
	query += ` ORDER BY updated_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		p := &Project{}
		var def string
		if err := rows.Scan(&p.ID, &p.Name, &def, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(def), &p.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal graph definition: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "project %s not found", id)
	}
	return nil
}

// --- Events ---

// AppendEvent inserts an event. Most callers should go through EventLog,
// which assigns the per-node sequence.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload := nullRaw(event.Payload)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (node_id, session_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.NodeID, nullStr(event.SessionID), event.Type, payload, event.Timestamp, event.Sequence,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetEvents returns events for a node with sequence > since, ordered by sequence ASC.
func (s *LibSQLStore) GetEvents(ctx context.Context, nodeID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, node_id, session_id, event_type, payload, timestamp, sequence
		 FROM events WHERE node_id = ? AND sequence > ? ORDER BY sequence ASC`,
		nodeID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetEventsByType returns events of a specific type matching the filter.
func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	query := `SELECT id, node_id, session_id, event_type, payload, timestamp, sequence
	          FROM events WHERE event_type = ?`
	args := []any{eventType}
	if filter.NodeID != "" {
		query += ` AND node_id = ?`
		args = append(args, filter.NodeID)
	}
	if filter.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	query += ` ORDER BY id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var out []*Event
	for rows.Next() {
		e := &Event{}
		var sessionID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.NodeID, &sessionID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.SessionID = sessionID.String
		if payload.Valid && payload.String != "" {
			e.Payload = json.RawMessage(payload.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- helpers ---

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

var _ Store = (*LibSQLStore)(nil)
