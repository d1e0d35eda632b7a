package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AddSources inserts the sources found by a skill for a run/task.
func (s *Store) AddSources(runID, taskID string, sources []*Source) error {
	if len(sources) == 0 {
		return nil
	}
	return s.withTx(func(tx *sql.Tx) error {
		for _, src := range sources {
			if src.ID == "" {
				src.ID = uuid.NewString()
			}
			src.RunID = runID
			src.TaskID = taskID
			var fetched any
			if src.FetchedAt != nil {
				fetched = src.FetchedAt.UTC()
			}
			if _, err := tx.Exec(`INSERT INTO sources (id, run_id, task_id, url, title, snippet, fetched_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				src.ID, src.RunID, src.TaskID, src.URL, src.Title, src.Snippet, fetched); err != nil {
				return fmt.Errorf("store: insert source: %w", err)
			}
		}
		return nil
	})
}

// AddFacts inserts the facts extracted by a skill for a run/task.
func (s *Store) AddFacts(runID, taskID string, facts []*Fact) error {
	if len(facts) == 0 {
		return nil
	}
	return s.withTx(func(tx *sql.Tx) error {
		for _, f := range facts {
			if f.ID == "" {
				f.ID = uuid.NewString()
			}
			f.RunID = runID
			f.TaskID = taskID
			if _, err := tx.Exec(`INSERT INTO facts (id, run_id, task_id, text, source_id, confidence) VALUES (?, ?, ?, ?, ?, ?)`,
				f.ID, f.RunID, f.TaskID, f.Text, f.SourceID, f.Confidence); err != nil {
				return fmt.Errorf("store: insert fact: %w", err)
			}
		}
		return nil
	})
}

// AddConflicts inserts contradiction records for a run.
func (s *Store) AddConflicts(runID string, conflicts []*Conflict) error {
	if len(conflicts) == 0 {
		return nil
	}
	return s.withTx(func(tx *sql.Tx) error {
		for _, c := range conflicts {
			if c.ID == "" {
				c.ID = uuid.NewString()
			}
			c.RunID = runID
			if _, err := tx.Exec(`INSERT INTO conflicts (id, run_id, text, details) VALUES (?, ?, ?, ?)`,
				c.ID, c.RunID, c.Text, rawOr(c.Details, "null")); err != nil {
				return fmt.Errorf("store: insert conflict: %w", err)
			}
		}
		return nil
	})
}

// AddArtifacts inserts artifact records for a run/task.
func (s *Store) AddArtifacts(runID, taskID string, artifacts []*Artifact) error {
	if len(artifacts) == 0 {
		return nil
	}
	return s.withTx(func(tx *sql.Tx) error {
		for _, a := range artifacts {
			if a.ID == "" {
				a.ID = uuid.NewString()
			}
			a.RunID = runID
			a.TaskID = taskID
			if a.CreatedAt.IsZero() {
				a.CreatedAt = nowUTC()
			}
			if _, err := tx.Exec(`INSERT INTO artifacts (id, run_id, task_id, kind, path, title, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				a.ID, a.RunID, a.TaskID, a.Kind, a.Path, a.Title, a.CreatedAt); err != nil {
				return fmt.Errorf("store: insert artifact: %w", err)
			}
		}
		return nil
	})
}

// ListSources returns the sources of a run.
func (s *Store) ListSources(runID string) ([]*Source, error) {
	rows, err := s.db.Query(`SELECT id, run_id, task_id, url, title, snippet, fetched_at FROM sources WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: list sources: %w", err)
	}
	defer rows.Close()

	var out []*Source
	for rows.Next() {
		var src Source
		var fetched sql.NullTime
		if err := rows.Scan(&src.ID, &src.RunID, &src.TaskID, &src.URL, &src.Title, &src.Snippet, &fetched); err != nil {
			return nil, fmt.Errorf("store: scan source: %w", err)
		}
		src.FetchedAt = nullTimePtr(fetched)
		out = append(out, &src)
	}
	return out, rows.Err()
}

// ListFacts returns the facts of a run.
func (s *Store) ListFacts(runID string) ([]*Fact, error) {
	rows, err := s.db.Query(`SELECT id, run_id, task_id, text, source_id, confidence FROM facts WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: list facts: %w", err)
	}
	defer rows.Close()

	var out []*Fact
	for rows.Next() {
		var f Fact
		if err := rows.Scan(&f.ID, &f.RunID, &f.TaskID, &f.Text, &f.SourceID, &f.Confidence); err != nil {
			return nil, fmt.Errorf("store: scan fact: %w", err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// ListConflicts returns the conflicts of a run.
func (s *Store) ListConflicts(runID string) ([]*Conflict, error) {
	rows, err := s.db.Query(`SELECT id, run_id, text, details FROM conflicts WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: list conflicts: %w", err)
	}
	defer rows.Close()

	var out []*Conflict
	for rows.Next() {
		var c Conflict
		var details string
		if err := rows.Scan(&c.ID, &c.RunID, &c.Text, &details); err != nil {
			return nil, fmt.Errorf("store: scan conflict: %w", err)
		}
		c.Details = json.RawMessage(details)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ListArtifacts returns the artifacts of a run, newest last.
func (s *Store) ListArtifacts(runID string) ([]*Artifact, error) {
	rows, err := s.db.Query(`SELECT id, run_id, task_id, kind, path, title, created_at FROM artifacts WHERE run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: list artifacts: %w", err)
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ID, &a.RunID, &a.TaskID, &a.Kind, &a.Path, &a.Title, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan artifact: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// SourceFreshness summarizes source timestamps for the snapshot metrics.
type SourceFreshness struct {
	Count  int        `json:"count"`
	Oldest *time.Time `json:"oldest,omitempty"`
	Newest *time.Time `json:"newest,omitempty"`
}

// SourceFreshness computes min/max/count over fetched_at of a run's sources.
func (s *Store) SourceFreshness(runID string) (*SourceFreshness, error) {
	var count int
	var oldest, newest sql.NullTime
	err := s.db.QueryRow(`SELECT COUNT(fetched_at), MIN(fetched_at), MAX(fetched_at) FROM sources WHERE run_id = ? AND fetched_at IS NOT NULL`, runID).
		Scan(&count, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("store: source freshness: %w", err)
	}
	return &SourceFreshness{Count: count, Oldest: nullTimePtr(oldest), Newest: nullTimePtr(newest)}, nil
}
