package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// CreateProject inserts a new project and returns it.
func (s *Store) CreateProject(name string, settings json.RawMessage) (*Project, error) {
	p := &Project{
		ID:        uuid.NewString(),
		Name:      name,
		Settings:  settings,
		CreatedAt: nowUTC(),
		UpdatedAt: nowUTC(),
	}
	err := s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO projects (id, name, settings, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			p.ID, p.Name, rawOr(p.Settings, "{}"), p.CreatedAt, p.UpdatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: create project: %w", err)
	}
	return p, nil
}

// GetProject returns the project by id, or ErrNotFound.
func (s *Store) GetProject(id string) (*Project, error) {
	row := s.db.QueryRow(`SELECT id, name, settings, created_at, updated_at FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

// ListProjects returns all projects, most recently updated first.
func (s *Store) ListProjects() ([]*Project, error) {
	rows, err := s.db.Query(`SELECT id, name, settings, created_at, updated_at FROM projects ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list projects: %w", err)
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProject replaces name and/or settings and bumps updated_at.
// Empty name keeps the current one; nil settings keep the current ones.
func (s *Store) UpdateProject(id, name string, settings json.RawMessage) (*Project, error) {
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE projects SET
			name = CASE WHEN ? != '' THEN ? ELSE name END,
			settings = CASE WHEN ? != '' THEN ? ELSE settings END,
			updated_at = ?
			WHERE id = ?`,
			name, name, string(settings), string(settings), nowUTC(), id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: update project: %w", err)
	}
	return s.GetProject(id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(r rowScanner) (*Project, error) {
	var p Project
	var settings string
	err := r.Scan(&p.ID, &p.Name, &settings, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan project: %w", err)
	}
	p.Settings = json.RawMessage(settings)
	return &p, nil
}
