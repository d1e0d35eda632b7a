package engine

import (
	"github.com/antigravity-dev/sidekick/internal/store"
)

const snapshotEventLimit = 100

// SnapshotMetrics aggregates run health for the snapshot view.
type SnapshotMetrics struct {
	StepsDone       int                    `json:"steps_done"`
	StepsTotal      int                    `json:"steps_total"`
	Coverage        float64                `json:"coverage"`
	SourceFreshness *store.SourceFreshness `json:"source_freshness,omitempty"`
	LLMCalls        int                    `json:"llm_calls"`
	CacheHits       int                    `json:"cache_hits"`
}

// Snapshot is the one-shot materialized view of a run.
type Snapshot struct {
	Run        *store.Run        `json:"run"`
	Plan       []*store.PlanStep `json:"plan"`
	Tasks      []*store.Task     `json:"tasks"`
	Sources    []*store.Source   `json:"sources"`
	Facts      []*store.Fact     `json:"facts"`
	Conflicts  []*store.Conflict `json:"conflicts"`
	Artifacts  []*store.Artifact `json:"artifacts"`
	Approvals  []*store.Approval `json:"approvals"`
	LastEvents []*store.Event    `json:"last_events"`
	Metrics    SnapshotMetrics   `json:"metrics"`
}

// Snapshot assembles the run view. The run row is re-read after the
// collections so its status is at least as fresh as everything beneath it.
func (e *Engine) Snapshot(runID string) (*Snapshot, error) {
	if _, err := e.store.GetRun(runID); err != nil {
		return nil, err
	}

	snap := &Snapshot{}
	var err error
	if snap.Plan, err = e.store.ListPlanSteps(runID); err != nil {
		return nil, err
	}
	if snap.Tasks, err = e.store.ListTasks(runID); err != nil {
		return nil, err
	}
	if snap.Sources, err = e.store.ListSources(runID); err != nil {
		return nil, err
	}
	if snap.Facts, err = e.store.ListFacts(runID); err != nil {
		return nil, err
	}
	if snap.Conflicts, err = e.store.ListConflicts(runID); err != nil {
		return nil, err
	}
	if snap.Artifacts, err = e.store.ListArtifacts(runID); err != nil {
		return nil, err
	}
	if snap.Approvals, err = e.store.ListApprovals(runID); err != nil {
		return nil, err
	}
	if snap.LastEvents, err = e.store.LastEvents(runID, snapshotEventLimit); err != nil {
		return nil, err
	}
	if snap.Run, err = e.store.GetRun(runID); err != nil {
		return nil, err
	}

	freshness, err := e.store.SourceFreshness(runID)
	if err != nil {
		return nil, err
	}
	done, total := stepCoverage(snap.Plan, snap.Tasks)
	calls, hits := e.router.RunMetrics(runID)
	m := SnapshotMetrics{
		StepsDone:       done,
		StepsTotal:      total,
		SourceFreshness: freshness,
		LLMCalls:        calls,
		CacheHits:       hits,
	}
	if m.StepsTotal > 0 {
		m.Coverage = float64(m.StepsDone) / float64(m.StepsTotal)
	}
	snap.Metrics = m
	return snap, nil
}

// stepCoverage counts completed work over the plan, falling back to tasks
// when the run carries no plan steps.
func stepCoverage(plan []*store.PlanStep, tasks []*store.Task) (done, total int) {
	for _, s := range plan {
		if s.Status == store.StepDone {
			done++
		}
	}
	if len(plan) > 0 {
		return done, len(plan)
	}
	for _, tk := range tasks {
		if tk.Status == store.TaskDone {
			done++
		}
	}
	return done, len(tasks)
}
