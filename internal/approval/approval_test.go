package approval

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/antigravity-dev/sidekick/internal/events"
	"github.com/antigravity-dev/sidekick/internal/store"
)

type harness struct {
	store *store.Store
	coord *Coordinator
	runID string
	task  *store.Task
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p, err := s.CreateProject("P", nil)
	if err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}
	r, err := s.CreateRun(p.ID, "q", store.ModeExecuteConfirm, "", "", nil)
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := s.ReplacePlanSteps(r.ID, []*store.PlanStep{{Title: "s", SkillName: "computer_autopilot", Kind: "COMPUTER_ACTIONS"}}); err != nil {
		t.Fatalf("ReplacePlanSteps failed: %v", err)
	}
	steps, err := s.ListPlanSteps(r.ID)
	if err != nil {
		t.Fatalf("ListPlanSteps failed: %v", err)
	}
	task, err := s.CreateTaskAttempt(r.ID, steps[0].ID)
	if err != nil {
		t.Fatalf("CreateTaskAttempt failed: %v", err)
	}

	return &harness{
		store: s,
		coord: New(s, events.New(s, logger), 10*time.Millisecond, logger),
		runID: r.ID,
		task:  task,
	}
}

func (h *harness) request() *Request {
	return &Request{
		RunID:        h.runID,
		TaskID:       h.task.ID,
		StepID:       h.task.PlanStepID,
		Scope:        "confirm_required",
		ApprovalType: "computer_actions",
		Preview:      Preview{Summary: "Выполнить действия на компьютере", Risk: "medium"},
	}
}

func (h *harness) pendingApproval(t *testing.T) *store.Approval {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		as, err := h.store.ListApprovals(h.runID)
		if err != nil {
			t.Fatalf("ListApprovals failed: %v", err)
		}
		if len(as) > 0 {
			return as[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("approval never appeared")
	return nil
}

func TestApprovedPathReturnsDecision(t *testing.T) {
	h := newHarness(t)

	type outcome struct {
		a   *store.Approval
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		a, err := h.coord.RequestAndWait(context.Background(), h.request())
		done <- outcome{a, err}
	}()

	pending := h.pendingApproval(t)

	// Task parks in waiting_approval while pending.
	task, err := h.store.GetTask(h.task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if task.Status != store.TaskWaitingApproval {
		t.Fatalf("task status = %s", task.Status)
	}

	decision := json.RawMessage(`{"limit":50}`)
	if err := h.store.ResolveApproval(pending.ID, store.ApprovalApproved, decision, "user"); err != nil {
		t.Fatalf("ResolveApproval failed: %v", err)
	}

	out := <-done
	if out.err != nil {
		t.Fatalf("RequestAndWait failed: %v", out.err)
	}
	if string(out.a.Decision) != `{"limit":50}` {
		t.Fatalf("decision = %s", out.a.Decision)
	}

	types := eventTypes(t, h)
	for _, want := range []string{events.ApprovalReq, events.StepPausedApproval, events.ApprovalResolved, events.ApprovalOK} {
		if !contains(types, want) {
			t.Fatalf("missing %s in %v", want, types)
		}
	}
}

func TestRejectedPathFailsWithTypedError(t *testing.T) {
	h := newHarness(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := h.coord.RequestAndWait(context.Background(), h.request())
		errCh <- err
	}()

	pending := h.pendingApproval(t)
	if err := h.store.ResolveApproval(pending.ID, store.ApprovalRejected, nil, "user"); err != nil {
		t.Fatalf("ResolveApproval failed: %v", err)
	}

	if err := <-errCh; !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v", err)
	}
	if !contains(eventTypes(t, h), events.ApprovalNo) {
		t.Fatal("approval_rejected event missing")
	}
}

func TestRunCancellationExpiresApproval(t *testing.T) {
	h := newHarness(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := h.coord.RequestAndWait(context.Background(), h.request())
		errCh <- err
	}()

	h.pendingApproval(t)
	if err := h.store.UpdateRunStatus(h.runID, store.RunRunning); err != nil {
		t.Fatalf("UpdateRunStatus failed: %v", err)
	}
	if err := h.store.UpdateRunStatus(h.runID, store.RunCanceled); err != nil {
		t.Fatalf("UpdateRunStatus failed: %v", err)
	}

	if err := <-errCh; !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v", err)
	}

	as, err := h.store.ListApprovals(h.runID)
	if err != nil {
		t.Fatalf("ListApprovals failed: %v", err)
	}
	if as[0].Status != store.ApprovalExpired || as[0].DecidedBy != "system" {
		t.Fatalf("approval = %+v", as[0])
	}
}

func TestContextCancellationStopsWait(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := h.coord.RequestAndWait(ctx, h.request())
		errCh <- err
	}()
	h.pendingApproval(t)
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func eventTypes(t *testing.T, h *harness) []string {
	t.Helper()
	evs, err := h.store.ListEvents(h.runID, 0)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
