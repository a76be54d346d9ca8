package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/TobiSchelling/KeywordPlanner/internal/keyword"
)

// CreateProject inserts a project together with its initial business context.
func (db *DB) CreateProject(name, description string, bctx keyword.BusinessContext) (*Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("project name is required")
	}
	existing, err := db.GetProjectByName(name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("project %q: %w", name, ErrConflict)
	}

	ts := now()
	p := &Project{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		CreatedAt:   parseTime(ts),
		UpdatedAt:   parseTime(ts),
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO projects (id, name, description, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, ts, ts,
	); err != nil {
		return nil, fmt.Errorf("inserting project: %w", err)
	}
	if err := upsertContext(tx, p.ID, bctx); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return p, nil
}

// GetProject returns a project by ID, or nil if not found.
func (db *DB) GetProject(id string) (*Project, error) {
	row := db.conn.QueryRow(
		`SELECT id, name, description, created_at, updated_at FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

// GetProjectByName returns a project by name (case-insensitive), or nil.
func (db *DB) GetProjectByName(name string) (*Project, error) {
	row := db.conn.QueryRow(
		`SELECT id, name, description, created_at, updated_at FROM projects WHERE name = ? COLLATE NOCASE`,
		strings.TrimSpace(name))
	return scanProject(row)
}

// ResolveProject finds a project by ID or name, or returns nil.
func (db *DB) ResolveProject(ref string) (*Project, error) {
	p, err := db.GetProject(ref)
	if err != nil || p != nil {
		return p, err
	}
	return db.GetProjectByName(ref)
}

// ListProjects returns all projects, most recently updated first.
func (db *DB) ListProjects() ([]Project, error) {
	rows, err := db.conn.Query(
		`SELECT id, name, description, created_at, updated_at FROM projects ORDER BY updated_at DESC, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var p Project
		var created, updated string
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &created, &updated); err != nil {
			return nil, err
		}
		p.CreatedAt = parseTime(created)
		p.UpdatedAt = parseTime(updated)
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// DeleteProject removes a project and everything stored for it.
func (db *DB) DeleteProject(id string) error {
	result, err := db.conn.Exec("DELETE FROM projects WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetContext returns the business context of a project, or nil.
func (db *DB) GetContext(projectID string) (*keyword.BusinessContext, error) {
	var c keyword.BusinessContext
	err := db.conn.QueryRow(
		`SELECT conversion_rate, average_order_value, business_description, brand, category,
			current_sessions, required_volume, sales_goal, language
		FROM business_contexts WHERE project_id = ?`, projectID,
	).Scan(&c.ConversionRate, &c.AverageOrderValue, &c.Description, &c.Brand, &c.Category,
		&c.CurrentSessions, &c.RequiredVolume, &c.SalesGoal, &c.Language)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SetContext replaces the business context of a project.
func (db *DB) SetContext(projectID string, bctx keyword.BusinessContext) error {
	if err := bctx.Validate(); err != nil {
		return err
	}
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := upsertContext(tx, projectID, bctx); err != nil {
		return err
	}
	if err := touchProject(tx, projectID); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertContext(tx *sql.Tx, projectID string, c keyword.BusinessContext) error {
	_, err := tx.Exec(
		`INSERT INTO business_contexts (project_id, conversion_rate, average_order_value,
			business_description, brand, category, current_sessions, required_volume, sales_goal, language)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			conversion_rate = excluded.conversion_rate,
			average_order_value = excluded.average_order_value,
			business_description = excluded.business_description,
			brand = excluded.brand,
			category = excluded.category,
			current_sessions = excluded.current_sessions,
			required_volume = excluded.required_volume,
			sales_goal = excluded.sales_goal,
			language = excluded.language`,
		projectID, c.ConversionRate, c.AverageOrderValue, c.Description, c.Brand, c.Category,
		c.CurrentSessions, c.RequiredVolume, c.SalesGoal, c.Language,
	)
	if err != nil {
		return fmt.Errorf("saving business context: %w", err)
	}
	return nil
}

func touchProject(tx *sql.Tx, projectID string) error {
	result, err := tx.Exec("UPDATE projects SET updated_at = ? WHERE id = ?", now(), projectID)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	return nil
}

func scanProject(row *sql.Row) (*Project, error) {
	var p Project
	var created, updated string
	err := row.Scan(&p.ID, &p.Name, &p.Description, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	return &p, nil
}
