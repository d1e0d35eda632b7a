// Package events provides the append-only run event bus.
//
// The bus enforces a closed event-type vocabulary and delegates persistence
// to the store, which assigns the per-run monotone sequence number. Replay is
// deterministic: identical writes produce identical (seq, type, payload)
// sequences.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/antigravity-dev/sidekick/internal/store"
)

// ErrInvalidEventType is returned when emitting a type outside the vocabulary.
var ErrInvalidEventType = errors.New("invalid_event_type")

// Base vocabulary.
const (
	RunCreated       = "run_created"
	PlanCreated      = "plan_created"
	RunStarted       = "run_started"
	RunDone          = "run_done"
	RunFailed        = "run_failed"
	RunCanceled      = "run_canceled"
	TaskQueued       = "task_queued"
	TaskStarted      = "task_started"
	TaskProgress     = "task_progress"
	TaskFailed       = "task_failed"
	TaskRetried      = "task_retried"
	TaskDone         = "task_done"
	SourceFound      = "source_found"
	SourceFetched    = "source_fetched"
	FactExtracted    = "fact_extracted"
	ArtifactCreated  = "artifact_created"
	ConflictDetected = "conflict_detected"
	VerificationDone = "verification_done"
	ApprovalReq      = "approval_requested"
	ApprovalOK       = "approval_approved"
	ApprovalNo       = "approval_rejected"
)

// Extended vocabulary used by the router, intent pipeline and schedulers.
const (
	LLMRouteDecided      = "llm_route_decided"
	LLMRequestSanitized  = "llm_request_sanitized"
	LLMRequestStarted    = "llm_request_started"
	LLMRequestSucceeded  = "llm_request_succeeded"
	LLMRequestFailed     = "llm_request_failed"
	LLMBudgetExceeded    = "llm_budget_exceeded"
	IntentDecided        = "intent_decided"
	ClarifyRequested     = "clarify_requested"
	ChatResponseGen      = "chat_response_generated"
	MemorySaveRequested  = "memory_save_requested"
	MemorySaved          = "memory_saved"
	MemoryDeleted        = "memory_deleted"
	ReminderCreated      = "reminder_created"
	ReminderCancelled    = "reminder_cancelled"
	ReminderDue          = "reminder_due"
	ReminderSent         = "reminder_sent"
	ReminderFailed       = "reminder_failed"
	StepPausedApproval   = "step_paused_for_approval"
	ApprovalResolved     = "approval_resolved"
	StepCancelledByUser  = "step_cancelled_by_user"
	MicroActionProposed  = "micro_action_proposed"
	MicroActionExecuted  = "micro_action_executed"
	ObservationCaptured  = "observation_captured"
	VerificationResult   = "verification_result"
	StepExecutionStarted = "step_execution_started"
	StepExecutionDone    = "step_execution_finished"
	StepRetrying         = "step_retrying"
	StepWaiting          = "step_waiting"
	OCRCachedHit         = "ocr_cached_hit"
	OCRPerformed         = "ocr_performed"
	LocalLLMHTTPError    = "local_llm_http_error"
	UserActionRequired   = "user_action_required"
)

var allowedTypes = map[string]struct{}{}

func init() {
	for _, t := range []string{
		RunCreated, PlanCreated, RunStarted, RunDone, RunFailed, RunCanceled,
		TaskQueued, TaskStarted, TaskProgress, TaskFailed, TaskRetried, TaskDone,
		SourceFound, SourceFetched, FactExtracted, ArtifactCreated, ConflictDetected,
		VerificationDone, ApprovalReq, ApprovalOK, ApprovalNo,
		LLMRouteDecided, LLMRequestSanitized, LLMRequestStarted, LLMRequestSucceeded,
		LLMRequestFailed, LLMBudgetExceeded, IntentDecided, ClarifyRequested,
		ChatResponseGen, MemorySaveRequested, MemorySaved, MemoryDeleted,
		ReminderCreated, ReminderCancelled, ReminderDue, ReminderSent, ReminderFailed,
		StepPausedApproval, ApprovalResolved, StepCancelledByUser,
		MicroActionProposed, MicroActionExecuted, ObservationCaptured, VerificationResult,
		StepExecutionStarted, StepExecutionDone, StepRetrying, StepWaiting,
		OCRCachedHit, OCRPerformed, LocalLLMHTTPError, UserActionRequired,
	} {
		allowedTypes[t] = struct{}{}
	}
}

// Allowed reports whether typ belongs to the event vocabulary.
func Allowed(typ string) bool {
	_, ok := allowedTypes[typ]
	return ok
}

// Bus appends validated events to the store.
type Bus struct {
	store  *store.Store
	logger *slog.Logger
}

// New creates an event bus backed by the store.
func New(s *store.Store, logger *slog.Logger) *Bus {
	return &Bus{store: s, logger: logger.With("component", "events")}
}

// Emit validates the event type and appends the event, returning it enriched
// with the store-assigned seq.
func (b *Bus) Emit(e *store.Event) (*store.Event, error) {
	if !Allowed(e.Type) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEventType, e.Type)
	}
	out, err := b.store.AddEvent(e)
	if err != nil {
		return nil, err
	}
	b.logger.Debug("event emitted", "run_id", out.RunID, "seq", out.Seq, "type", out.Type)
	return out, nil
}

// EmitJSON marshals payload and emits the event. Marshal failures fall back
// to an empty payload so emission never silently drops the event itself.
func (b *Bus) EmitJSON(runID, typ string, payload any, taskID, stepID string) (*store.Event, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			b.logger.Warn("event payload marshal failed", "type", typ, "error", err)
		} else {
			raw = data
		}
	}
	return b.Emit(&store.Event{RunID: runID, Type: typ, Payload: raw, TaskID: taskID, StepID: stepID})
}

// MustEmit emits and logs instead of returning the error. For callers whose
// own failure handling must not be derailed by log-append problems.
func (b *Bus) MustEmit(e *store.Event) {
	if _, err := b.Emit(e); err != nil {
		b.logger.Error("event emit failed", "run_id", e.RunID, "type", e.Type, "error", err)
	}
}
