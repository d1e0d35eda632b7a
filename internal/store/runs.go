package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrRunCanceled is returned when a write is refused because the run has
// reached the absorbing canceled status.
var ErrRunCanceled = errors.New("run is canceled")

// CreateRun inserts a new run in status created.
func (s *Store) CreateRun(projectID, queryText, mode, parentRunID, purpose string, meta json.RawMessage) (*Run, error) {
	r := &Run{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		QueryText:   queryText,
		Mode:        mode,
		Status:      RunCreated,
		ParentRunID: parentRunID,
		Purpose:     purpose,
		Meta:        meta,
		CreatedAt:   nowUTC(),
		UpdatedAt:   nowUTC(),
	}
	err := s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO runs (id, project_id, query_text, mode, status, parent_run_id, purpose, meta, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.ProjectID, r.QueryText, r.Mode, r.Status, r.ParentRunID, r.Purpose, rawOr(r.Meta, "{}"), r.CreatedAt, r.UpdatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: create run: %w", err)
	}
	return r, nil
}

const runCols = `id, project_id, query_text, mode, status, parent_run_id, purpose, meta, created_at, updated_at, started_at, finished_at`

// GetRun returns the run by id, or ErrNotFound.
func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runCols+` FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// ListRuns returns runs for a project, newest first.
func (s *Store) ListRuns(projectID string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT `+runCols+` FROM runs WHERE project_id = ? ORDER BY created_at DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateRunStatus transitions the run to the given status. The canceled
// status is absorbing: once a run is canceled no further transition is
// applied and ErrRunCanceled is returned (unless the new status is itself
// canceled, which is a no-op success).
func (s *Store) UpdateRunStatus(id, status string) error {
	return s.withTx(func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRow(`SELECT status FROM runs WHERE id = ?`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("store: read run status: %w", err)
		}
		if current == RunCanceled {
			if status == RunCanceled {
				return nil
			}
			return ErrRunCanceled
		}

		set := `status = ?, updated_at = ?`
		args := []any{status, nowUTC()}
		switch status {
		case RunRunning:
			set += `, started_at = COALESCE(started_at, ?)`
			args = append(args, nowUTC())
		case RunDone, RunFailed, RunCanceled:
			set += `, finished_at = ?`
			args = append(args, nowUTC())
		}
		args = append(args, id)
		_, err = tx.Exec(`UPDATE runs SET `+set+` WHERE id = ?`, args...)
		return err
	})
}

// UpdateRunMeta replaces the run's meta document and optionally mode and purpose.
func (s *Store) UpdateRunMeta(id string, meta json.RawMessage, mode, purpose string) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE runs SET
			meta = ?,
			mode = CASE WHEN ? != '' THEN ? ELSE mode END,
			purpose = CASE WHEN ? != '' THEN ? ELSE purpose END,
			updated_at = ?
			WHERE id = ?`,
			rawOr(meta, "{}"), mode, mode, purpose, purpose, nowUTC(), id)
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

func scanRun(r rowScanner) (*Run, error) {
	var run Run
	var meta string
	var started, finished sql.NullTime
	err := r.Scan(&run.ID, &run.ProjectID, &run.QueryText, &run.Mode, &run.Status,
		&run.ParentRunID, &run.Purpose, &meta, &run.CreatedAt, &run.UpdatedAt, &started, &finished)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan run: %w", err)
	}
	run.Meta = json.RawMessage(meta)
	run.StartedAt = nullTimePtr(started)
	run.FinishedAt = nullTimePtr(finished)
	return &run, nil
}

// ReplacePlanSteps atomically replaces the plan of a run. Step ids are
// assigned here; step_index is re-densified in slice order.
func (s *Store) ReplacePlanSteps(runID string, steps []*PlanStep) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM plan_steps WHERE run_id = ?`, runID); err != nil {
			return fmt.Errorf("store: clear plan: %w", err)
		}
		for i, st := range steps {
			if st.ID == "" {
				st.ID = uuid.NewString()
			}
			st.RunID = runID
			st.StepIndex = i
			if st.Status == "" {
				st.Status = StepCreated
			}
			_, err := tx.Exec(`INSERT INTO plan_steps
				(id, run_id, step_index, title, skill_name, inputs, depends_on, status, kind, success_checks, danger_flags, requires_approval)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				st.ID, st.RunID, st.StepIndex, st.Title, st.SkillName,
				rawOr(st.Inputs, "{}"), marshalList(st.DependsOn), st.Status, st.Kind,
				rawOr(st.SuccessChecks, "null"), marshalList(st.DangerFlags), boolToInt(st.RequiresApproval))
			if err != nil {
				return fmt.Errorf("store: insert plan step %d: %w", i, err)
			}
		}
		return nil
	})
}

const stepCols = `id, run_id, step_index, title, skill_name, inputs, depends_on, status, kind, success_checks, danger_flags, requires_approval`

// ListPlanSteps returns the plan of a run ordered by step_index.
func (s *Store) ListPlanSteps(runID string) ([]*PlanStep, error) {
	rows, err := s.db.Query(`SELECT `+stepCols+` FROM plan_steps WHERE run_id = ? ORDER BY step_index ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: list plan steps: %w", err)
	}
	defer rows.Close()

	var out []*PlanStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// GetPlanStep returns one plan step by id.
func (s *Store) GetPlanStep(id string) (*PlanStep, error) {
	row := s.db.QueryRow(`SELECT `+stepCols+` FROM plan_steps WHERE id = ?`, id)
	return scanStep(row)
}

// UpdateStepStatus sets the status of a plan step.
func (s *Store) UpdateStepStatus(id, status string) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE plan_steps SET status = ? WHERE id = ?`, status, id)
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

func scanStep(r rowScanner) (*PlanStep, error) {
	var st PlanStep
	var inputs, dependsOn, successChecks, dangerFlags string
	var requiresApproval int
	err := r.Scan(&st.ID, &st.RunID, &st.StepIndex, &st.Title, &st.SkillName,
		&inputs, &dependsOn, &st.Status, &st.Kind, &successChecks, &dangerFlags, &requiresApproval)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan plan step: %w", err)
	}
	st.Inputs = json.RawMessage(inputs)
	st.DependsOn = unmarshalList[int](dependsOn)
	st.SuccessChecks = json.RawMessage(successChecks)
	st.DangerFlags = unmarshalList[string](dangerFlags)
	st.RequiresApproval = requiresApproval != 0
	return &st, nil
}

// CreateTaskAttempt allocates the next attempt number for the step and
// inserts the task in the same critical section, so two concurrent callers
// can never collide on (step, attempt).
func (s *Store) CreateTaskAttempt(runID, stepID string) (*Task, error) {
	t := &Task{
		ID:         uuid.NewString(),
		RunID:      runID,
		PlanStepID: stepID,
		Status:     TaskQueued,
		CreatedAt:  nowUTC(),
	}
	err := s.withTx(func(tx *sql.Tx) error {
		if err := tx.QueryRow(`SELECT COALESCE(MAX(attempt), 0) + 1 FROM tasks WHERE plan_step_id = ?`, stepID).Scan(&t.Attempt); err != nil {
			return fmt.Errorf("store: next attempt: %w", err)
		}
		_, err := tx.Exec(`INSERT INTO tasks (id, run_id, plan_step_id, attempt, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			t.ID, t.RunID, t.PlanStepID, t.Attempt, t.Status, t.CreatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: create task: %w", err)
	}
	return t, nil
}

const taskCols = `id, run_id, plan_step_id, attempt, status, error, created_at, started_at, finished_at`

// GetTask returns one task by id.
func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskCols+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ListTasks returns all tasks of a run ordered by creation.
func (s *Store) ListTasks(runID string) ([]*Task, error) {
	rows, err := s.db.Query(`SELECT `+taskCols+` FROM tasks WHERE run_id = ? ORDER BY created_at ASC, attempt ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTasksForStep returns the attempts for one step ordered by attempt.
func (s *Store) ListTasksForStep(stepID string) ([]*Task, error) {
	rows, err := s.db.Query(`SELECT `+taskCols+` FROM tasks WHERE plan_step_id = ? ORDER BY attempt ASC`, stepID)
	if err != nil {
		return nil, fmt.Errorf("store: list step tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTaskStatus sets the task status and error, stamping started/finished
// times as the task enters running or a terminal state.
func (s *Store) UpdateTaskStatus(id, status, errText string) error {
	return s.withTx(func(tx *sql.Tx) error {
		set := `status = ?, error = ?`
		args := []any{status, errText}
		switch status {
		case TaskRunning:
			set += `, started_at = COALESCE(started_at, ?)`
			args = append(args, nowUTC())
		case TaskDone, TaskFailed:
			set += `, finished_at = ?`
			args = append(args, nowUTC())
		}
		args = append(args, id)
		res, err := tx.Exec(`UPDATE tasks SET `+set+` WHERE id = ?`, args...)
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

func scanTask(r rowScanner) (*Task, error) {
	var t Task
	var started, finished sql.NullTime
	err := r.Scan(&t.ID, &t.RunID, &t.PlanStepID, &t.Attempt, &t.Status, &t.Error, &t.CreatedAt, &started, &finished)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan task: %w", err)
	}
	t.StartedAt = nullTimePtr(started)
	t.FinishedAt = nullTimePtr(finished)
	return &t, nil
}
