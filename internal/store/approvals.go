package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrApprovalResolved is returned when resolving an approval that already
// reached a terminal status.
var ErrApprovalResolved = errors.New("approval already resolved")

// CreateApproval inserts a pending approval request.
func (s *Store) CreateApproval(a *Approval) (*Approval, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Status = ApprovalPending
	a.CreatedAt = nowUTC()
	err := s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO approvals
			(id, run_id, task_id, step_id, scope, approval_type, preview, proposed_actions, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.RunID, a.TaskID, a.StepID, a.Scope, a.ApprovalType,
			rawOr(a.Preview, "{}"), rawOr(a.ProposedActions, "null"), a.Status, a.CreatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: create approval: %w", err)
	}
	return a, nil
}

const approvalCols = `id, run_id, task_id, step_id, scope, approval_type, preview, proposed_actions, status, decision, decided_by, created_at, resolved_at`

// GetApproval returns one approval by id.
func (s *Store) GetApproval(id string) (*Approval, error) {
	row := s.db.QueryRow(`SELECT `+approvalCols+` FROM approvals WHERE id = ?`, id)
	return scanApproval(row)
}

// ListApprovals returns the approvals of a run, oldest first.
func (s *Store) ListApprovals(runID string) ([]*Approval, error) {
	rows, err := s.db.Query(`SELECT `+approvalCols+` FROM approvals WHERE run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: list approvals: %w", err)
	}
	defer rows.Close()

	var out []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ResolveApproval moves a pending approval to a terminal status. Terminal
// statuses are final: a second resolution returns ErrApprovalResolved.
func (s *Store) ResolveApproval(id, status string, decision json.RawMessage, decidedBy string) error {
	return s.withTx(func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRow(`SELECT status FROM approvals WHERE id = ?`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("store: read approval status: %w", err)
		}
		if current != ApprovalPending {
			return ErrApprovalResolved
		}
		_, err = tx.Exec(`UPDATE approvals SET status = ?, decision = ?, decided_by = ?, resolved_at = ? WHERE id = ?`,
			status, rawOr(decision, "null"), decidedBy, nowUTC(), id)
		return err
	})
}

// ExpirePendingApprovals expires every pending approval of a run and returns
// the ids it touched. Used when the run is canceled.
func (s *Store) ExpirePendingApprovals(runID, decidedBy string) ([]string, error) {
	var ids []string
	err := s.withTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT id FROM approvals WHERE run_id = ? AND status = ?`, runID, ApprovalPending)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := tx.Exec(`UPDATE approvals SET status = ?, decided_by = ?, resolved_at = ? WHERE id = ?`,
				ApprovalExpired, decidedBy, nowUTC(), id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: expire approvals: %w", err)
	}
	return ids, nil
}

func scanApproval(r rowScanner) (*Approval, error) {
	var a Approval
	var preview, proposed, decision string
	var resolved sql.NullTime
	err := r.Scan(&a.ID, &a.RunID, &a.TaskID, &a.StepID, &a.Scope, &a.ApprovalType,
		&preview, &proposed, &a.Status, &decision, &a.DecidedBy, &a.CreatedAt, &resolved)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan approval: %w", err)
	}
	a.Preview = json.RawMessage(preview)
	a.ProposedActions = json.RawMessage(proposed)
	a.Decision = json.RawMessage(decision)
	a.ResolvedAt = nullTimePtr(resolved)
	return &a, nil
}
