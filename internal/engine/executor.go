package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/antigravity-dev/sidekick/internal/approval"
	"github.com/antigravity-dev/sidekick/internal/events"
	"github.com/antigravity-dev/sidekick/internal/skills"
	"github.com/antigravity-dev/sidekick/internal/store"
)

const pausePollInterval = 500 * time.Millisecond

// StartRun launches step execution in a background worker. Starting a run
// that is not in created state is a no-op.
func (e *Engine) StartRun(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status != store.RunCreated {
		return nil
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.Execute(ctx, runID); err != nil {
			e.logger.Error("run execution failed", "run_id", runID, "error", err)
		}
	}()
	return nil
}

// Execute drives a run's plan steps to completion synchronously. Idempotent
// for runs past the created state.
func (e *Engine) Execute(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status != store.RunCreated {
		return nil
	}
	if err := e.store.UpdateRunStatus(runID, store.RunRunning); err != nil {
		if errors.Is(err, store.ErrRunCanceled) {
			return nil
		}
		return err
	}
	e.emit(runID, events.RunStarted, nil, "", "")

	// Plan-only runs stop at the plan.
	if run.Mode == store.ModePlanOnly {
		return e.finishRun(runID, store.RunDone)
	}

	steps, err := e.store.ListPlanSteps(runID)
	if err != nil {
		return err
	}
	for _, step := range steps {
		if step.Status == store.StepDone {
			continue
		}
		proceed, err := e.awaitRunnable(ctx, runID)
		if err != nil {
			return err
		}
		if !proceed {
			return nil // canceled, status already terminal
		}
		if err := e.executeStep(ctx, run, step); err != nil {
			if errors.Is(err, store.ErrRunCanceled) {
				return nil
			}
			return e.finishRun(runID, store.RunFailed)
		}
	}
	return e.finishRun(runID, store.RunDone)
}

// awaitRunnable blocks while the run is paused. It reports false when the
// run has been canceled.
func (e *Engine) awaitRunnable(ctx context.Context, runID string) (bool, error) {
	for {
		run, err := e.store.GetRun(runID)
		if err != nil {
			return false, err
		}
		switch run.Status {
		case store.RunCanceled:
			return false, nil
		case store.RunPaused:
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(pausePollInterval):
			}
		default:
			return true, nil
		}
	}
}

// executeStep creates a fresh task attempt for the step and runs its skill,
// passing the step through the scope gate first.
func (e *Engine) executeStep(ctx context.Context, run *store.Run, step *store.PlanStep) error {
	task, err := e.store.CreateTaskAttempt(run.ID, step.ID)
	if err != nil {
		return err
	}
	e.emit(run.ID, events.TaskQueued, map[string]any{"skill": step.SkillName, "step_index": step.StepIndex}, task.ID, step.ID)

	if err := e.store.UpdateTaskStatus(task.ID, store.TaskRunning, ""); err != nil {
		return err
	}
	if err := e.store.UpdateStepStatus(step.ID, store.StepRunning); err != nil {
		return err
	}
	e.emit(run.ID, events.TaskStarted, map[string]any{"skill": step.SkillName}, task.ID, step.ID)
	e.emit(run.ID, events.StepExecutionStarted, map[string]any{"title": step.Title}, task.ID, step.ID)

	rc := &skills.RunContext{
		RunID:           run.ID,
		TaskID:          task.ID,
		StepID:          step.ID,
		Mode:            run.Mode,
		Store:           e.store,
		Bus:             e.bus,
		Brain:           e.router,
		Bridge:          e.bridge,
		Search:          e.search,
		MemoryMaxChars:  e.opts.MemoryMaxChars,
		MicroStepLimit:  e.opts.MicroStepLimit,
		AutopilotBudget: e.opts.AutopilotBudget,
		Logger:          e.logger,
		RunStatus: func() (string, error) {
			r, err := e.store.GetRun(run.ID)
			if err != nil {
				return "", err
			}
			return r.Status, nil
		},
	}

	if err := e.gateStep(ctx, run, step, task, rc); err != nil {
		return e.failTask(run.ID, task.ID, step.ID, err)
	}

	res, err := e.runner.Run(ctx, step.SkillName, step.Inputs, rc)
	if err != nil {
		return e.failTask(run.ID, task.ID, step.ID, err)
	}

	if err := e.persistResult(run.ID, task.ID, step.ID, res); err != nil {
		return e.failTask(run.ID, task.ID, step.ID, err)
	}
	if err := e.store.UpdateTaskStatus(task.ID, store.TaskDone, ""); err != nil {
		return err
	}
	if err := e.store.UpdateStepStatus(step.ID, store.StepDone); err != nil {
		return err
	}
	e.emit(run.ID, events.TaskDone, map[string]any{"what_i_did": res.WhatIDid, "confidence": res.Confidence}, task.ID, step.ID)
	e.emit(run.ID, events.StepExecutionDone, map[string]any{"title": step.Title}, task.ID, step.ID)
	return nil
}

// gateStep blocks non-safe work behind an approval. Modes other than
// execute_confirm refuse to run gated steps at all.
func (e *Engine) gateStep(ctx context.Context, run *store.Run, step *store.PlanStep, task *store.Task, rc *skills.RunContext) error {
	m, err := e.runner.ManifestFor(step.SkillName)
	if err != nil {
		return err
	}
	if m.Scope == skills.ScopeSafe && !step.RequiresApproval {
		return nil
	}
	if run.Mode != store.ModeExecuteConfirm {
		return fmt.Errorf("engine: step %q needs approval but run mode is %s", step.Title, run.Mode)
	}

	scope := m.Scope
	if scope == skills.ScopeSafe {
		scope = skills.ScopeConfirmRequired
	}
	a, err := e.approvals.RequestAndWait(ctx, &approval.Request{
		RunID:        run.ID,
		TaskID:       task.ID,
		StepID:       step.ID,
		Scope:        scope,
		ApprovalType: m.ApprovalType,
		Preview: approval.Preview{
			Summary: step.Title,
			Risk:    riskFor(step),
		},
	})
	if err != nil {
		return err
	}
	rc.Approved = true
	rc.Decision = a.Decision
	return nil
}

func riskFor(step *store.PlanStep) string {
	for _, f := range step.DangerFlags {
		if f == "file_write" {
			return "high"
		}
	}
	return "medium"
}

// failTask records the failure on the task and step and emits task_failed.
// Cancellation propagates untouched so the run ends canceled, not failed.
func (e *Engine) failTask(runID, taskID, stepID string, cause error) error {
	if errors.Is(cause, store.ErrRunCanceled) || errors.Is(cause, skills.ErrRunCanceled) {
		e.emit(runID, events.StepCancelledByUser, nil, taskID, stepID)
		if err := e.store.UpdateTaskStatus(taskID, store.TaskFailed, cause.Error()); err != nil {
			e.logger.Warn("task status update failed", "task_id", taskID, "error", err)
		}
		return store.ErrRunCanceled
	}
	if err := e.store.UpdateTaskStatus(taskID, store.TaskFailed, cause.Error()); err != nil {
		e.logger.Warn("task status update failed", "task_id", taskID, "error", err)
	}
	if err := e.store.UpdateStepStatus(stepID, store.StepFailed); err != nil {
		e.logger.Warn("step status update failed", "step_id", stepID, "error", err)
	}
	e.emit(runID, events.TaskFailed, map[string]any{"error": cause.Error()}, taskID, stepID)
	return cause
}

// persistResult writes the skill outcome into the run's result tables and
// replays the skill's own events onto the log.
func (e *Engine) persistResult(runID, taskID, stepID string, res *skills.Result) error {
	if len(res.Sources) > 0 {
		if err := e.store.AddSources(runID, taskID, res.Sources); err != nil {
			return err
		}
	}
	if len(res.Facts) > 0 {
		if err := e.store.AddFacts(runID, taskID, res.Facts); err != nil {
			return err
		}
	}
	if len(res.Conflicts) > 0 {
		if err := e.store.AddConflicts(runID, res.Conflicts); err != nil {
			return err
		}
	}
	if len(res.Artifacts) > 0 {
		if err := e.store.AddArtifacts(runID, taskID, res.Artifacts); err != nil {
			return err
		}
	}
	for _, ev := range res.Events {
		if _, err := e.bus.EmitJSON(runID, ev.Type, json.RawMessage(ev.Payload), taskID, stepID); err != nil {
			e.logger.Warn("skill event rejected", "run_id", runID, "type", ev.Type, "error", err)
		}
	}
	return nil
}

// finishRun moves the run to a terminal status, emits the matching event,
// and releases per-run router state.
func (e *Engine) finishRun(runID, status string) error {
	if err := e.store.UpdateRunStatus(runID, status); err != nil {
		if errors.Is(err, store.ErrRunCanceled) {
			e.router.ReleaseRun(runID)
			return nil
		}
		return err
	}
	switch status {
	case store.RunDone:
		e.emit(runID, events.RunDone, nil, "", "")
	case store.RunFailed:
		e.emit(runID, events.RunFailed, nil, "", "")
	}
	e.router.ReleaseRun(runID)
	return nil
}

// RetryTask creates a fresh attempt for the step behind a failed task and
// executes it, then re-synthesizes the run status.
func (e *Engine) RetryTask(ctx context.Context, runID, taskID string) error {
	task, err := e.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.RunID != runID {
		return store.ErrNotFound
	}
	e.emit(runID, events.TaskRetried, map[string]any{"previous_task_id": taskID}, "", task.PlanStepID)
	return e.retryStep(ctx, runID, task.PlanStepID)
}

// RetryStep re-executes one plan step with a fresh attempt. The emitted
// task_retried references the step's latest task when one exists.
func (e *Engine) RetryStep(ctx context.Context, runID, stepID string) error {
	payload := map[string]any{"step_id": stepID}
	if tasks, err := e.store.ListTasksForStep(stepID); err == nil && len(tasks) > 0 {
		payload["previous_task_id"] = tasks[len(tasks)-1].ID
	}
	e.emit(runID, events.TaskRetried, payload, "", stepID)
	return e.retryStep(ctx, runID, stepID)
}

func (e *Engine) retryStep(ctx context.Context, runID, stepID string) error {
	run, err := e.store.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status == store.RunCanceled {
		return store.ErrRunCanceled
	}
	step, err := e.store.GetPlanStep(stepID)
	if err != nil {
		return err
	}

	stepErr := e.executeStep(ctx, run, step)
	if err := e.syncRunStatus(runID); err != nil {
		return err
	}
	return stepErr
}

// syncRunStatus recomputes the run status from its steps after a retry:
// all steps done means done, any failed means failed, otherwise running.
func (e *Engine) syncRunStatus(runID string) error {
	run, err := e.store.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status == store.RunCanceled {
		return nil
	}
	steps, err := e.store.ListPlanSteps(runID)
	if err != nil {
		return err
	}

	next := store.RunDone
	for _, s := range steps {
		switch s.Status {
		case store.StepFailed:
			return e.transitionRun(run, store.RunFailed)
		case store.StepDone:
		default:
			next = store.RunRunning
		}
	}
	return e.transitionRun(run, next)
}

func (e *Engine) transitionRun(run *store.Run, status string) error {
	if run.Status == status {
		return nil
	}
	if status == store.RunDone || status == store.RunFailed {
		return e.finishRun(run.ID, status)
	}
	return e.store.UpdateRunStatus(run.ID, status)
}

// Cancel moves the run into the absorbing canceled state. Pending approvals
// expire on the coordinator's next poll.
func (e *Engine) Cancel(runID string) error {
	if err := e.store.UpdateRunStatus(runID, store.RunCanceled); err != nil && !errors.Is(err, store.ErrRunCanceled) {
		return err
	}
	e.emit(runID, events.RunCanceled, nil, "", "")
	e.router.ReleaseRun(runID)
	return nil
}

// Pause parks a running run; workers drain at the next step boundary or
// micro-step.
func (e *Engine) Pause(runID string) error {
	run, err := e.store.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status != store.RunRunning {
		return fmt.Errorf("engine: cannot pause run in status %s", run.Status)
	}
	return e.store.UpdateRunStatus(runID, store.RunPaused)
}

// Resume lifts a pause.
func (e *Engine) Resume(runID string) error {
	run, err := e.store.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status != store.RunPaused {
		return fmt.Errorf("engine: cannot resume run in status %s", run.Status)
	}
	return e.store.UpdateRunStatus(runID, store.RunRunning)
}
