package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// AddEvent appends an event to the run log, assigning seq at write time.
// Seq is strictly increasing within a run. The enriched event is returned.
func (s *Store) AddEvent(e *Event) (*Event, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.TS.IsZero() {
		e.TS = nowUTC()
	}
	if e.Level == "" {
		e.Level = "info"
	}
	err := s.withTx(func(tx *sql.Tx) error {
		if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE run_id = ?`, e.RunID).Scan(&e.Seq); err != nil {
			return fmt.Errorf("store: next seq: %w", err)
		}
		_, err := tx.Exec(`INSERT INTO events (id, run_id, seq, ts, type, level, message, payload, task_id, step_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.RunID, e.Seq, e.TS, e.Type, e.Level, e.Message, rawOr(e.Payload, "{}"), e.TaskID, e.StepID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: add event: %w", err)
	}
	return e, nil
}

const eventCols = `id, run_id, seq, ts, type, level, message, payload, task_id, step_id`

// ListEvents returns up to limit events of a run in ascending seq order.
func (s *Store) ListEvents(runID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Query(`SELECT `+eventCols+` FROM events WHERE run_id = ? ORDER BY seq ASC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// LastEvents returns the newest limit events of a run in ascending seq order.
func (s *Store) LastEvents(runID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT `+eventCols+` FROM events WHERE run_id = ? ORDER BY seq DESC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: last events: %w", err)
	}
	defer rows.Close()
	evs, err := collectEvents(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(evs)-1; i < j; i, j = i+1, j-1 {
		evs[i], evs[j] = evs[j], evs[i]
	}
	return evs, nil
}

// ListEventsSince returns exactly the events with seq > lastSeq, ascending.
func (s *Store) ListEventsSince(runID string, lastSeq int64, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Query(`SELECT `+eventCols+` FROM events WHERE run_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		runID, lastSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list events since: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]*Event, error) {
	var out []*Event
	for rows.Next() {
		var e Event
		var payload string
		if err := rows.Scan(&e.ID, &e.RunID, &e.Seq, &e.TS, &e.Type, &e.Level, &e.Message, &payload, &e.TaskID, &e.StepID); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		out = append(out, &e)
	}
	return out, rows.Err()
}
