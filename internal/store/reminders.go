package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateReminder inserts a pending reminder.
func (s *Store) CreateReminder(dueAt time.Time, text, delivery, runID string) (*Reminder, error) {
	if delivery == "" {
		delivery = DeliveryLocal
	}
	r := &Reminder{
		ID:        uuid.NewString(),
		DueAt:     dueAt.UTC(),
		Text:      text,
		Status:    ReminderPending,
		Delivery:  delivery,
		RunID:     runID,
		CreatedAt: nowUTC(),
		UpdatedAt: nowUTC(),
	}
	err := s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO reminders (id, due_at, text, status, delivery, run_id, attempts, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			r.ID, r.DueAt, r.Text, r.Status, r.Delivery, r.RunID, r.CreatedAt, r.UpdatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: create reminder: %w", err)
	}
	return r, nil
}

const reminderCols = `id, due_at, text, status, delivery, run_id, attempts, last_error, created_at, updated_at`

// GetReminder returns one reminder by id.
func (s *Store) GetReminder(id string) (*Reminder, error) {
	row := s.db.QueryRow(`SELECT `+reminderCols+` FROM reminders WHERE id = ?`, id)
	return scanReminder(row)
}

// ListReminders returns all reminders, soonest due first.
func (s *Store) ListReminders() ([]*Reminder, error) {
	rows, err := s.db.Query(`SELECT ` + reminderCols + ` FROM reminders ORDER BY due_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list reminders: %w", err)
	}
	defer rows.Close()

	var out []*Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClaimDueReminders atomically selects pending reminders with due_at <= now,
// flips them to sending and increments attempts. Two concurrent claims can
// never return the same row: the flip happens in the same transaction as the
// select, under the writer lock.
func (s *Store) ClaimDueReminders(now time.Time) ([]*Reminder, error) {
	var claimed []*Reminder
	err := s.withTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT `+reminderCols+` FROM reminders WHERE status = ? AND due_at <= ? ORDER BY due_at ASC`,
			ReminderPending, now.UTC())
		if err != nil {
			return err
		}
		for rows.Next() {
			r, err := scanReminder(rows)
			if err != nil {
				rows.Close()
				return err
			}
			claimed = append(claimed, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, r := range claimed {
			if _, err := tx.Exec(`UPDATE reminders SET status = ?, attempts = attempts + 1, updated_at = ? WHERE id = ? AND status = ?`,
				ReminderSending, nowUTC(), r.ID, ReminderPending); err != nil {
				return err
			}
			r.Status = ReminderSending
			r.Attempts++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: claim reminders: %w", err)
	}
	return claimed, nil
}

// MarkReminderSent records terminal success.
func (s *Store) MarkReminderSent(id string) error {
	return s.markReminder(id, ReminderSent, "")
}

// MarkReminderFailed records terminal failure with the last error text.
func (s *Store) MarkReminderFailed(id, lastError string) error {
	return s.markReminder(id, ReminderFailed, lastError)
}

// CancelReminder cancels a pending reminder. Reminders already sending,
// sent or failed are left untouched and ErrNotFound is returned.
func (s *Store) CancelReminder(id string) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE reminders SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			ReminderCancelled, nowUTC(), id, ReminderPending)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *Store) markReminder(id, status, lastError string) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE reminders SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			status, lastError, nowUTC(), id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func scanReminder(r rowScanner) (*Reminder, error) {
	var rem Reminder
	err := r.Scan(&rem.ID, &rem.DueAt, &rem.Text, &rem.Status, &rem.Delivery, &rem.RunID,
		&rem.Attempts, &rem.LastError, &rem.CreatedAt, &rem.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan reminder: %w", err)
	}
	return &rem, nil
}
