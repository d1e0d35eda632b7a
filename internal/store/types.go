package store

import (
	"encoding/json"
	"time"
)

// Run statuses.
const (
	RunCreated  = "created"
	RunRunning  = "running"
	RunPaused   = "paused"
	RunDone     = "done"
	RunFailed   = "failed"
	RunCanceled = "canceled"
)

// Run modes.
const (
	ModePlanOnly       = "plan_only"
	ModeResearch       = "research"
	ModeExecuteConfirm = "execute_confirm"
	ModeAutopilotSafe  = "autopilot_safe"
)

// Plan step statuses.
const (
	StepCreated = "created"
	StepRunning = "running"
	StepDone    = "done"
	StepFailed  = "failed"
)

// Task statuses.
const (
	TaskQueued          = "queued"
	TaskRunning         = "running"
	TaskWaitingApproval = "waiting_approval"
	TaskDone            = "done"
	TaskFailed          = "failed"
)

// Approval statuses.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
	ApprovalExpired  = "expired"
)

// Reminder statuses and deliveries.
const (
	ReminderPending   = "pending"
	ReminderSending   = "sending"
	ReminderSent      = "sent"
	ReminderFailed    = "failed"
	ReminderCancelled = "cancelled"

	DeliveryLocal    = "local"
	DeliveryTelegram = "telegram"
)

// Memory sources.
const (
	MemorySourceUserCommand = "user_command"
	MemorySourceImported    = "imported"
	MemorySourceSystem      = "system"
	MemorySourceAuto        = "auto"
)

// Project is a named container of runs with free-form settings.
type Project struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Settings  json.RawMessage `json:"settings"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Run is one user utterance and its execution state.
type Run struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"project_id"`
	QueryText   string          `json:"query_text"`
	Mode        string          `json:"mode"`
	Status      string          `json:"status"`
	ParentRunID string          `json:"parent_run_id,omitempty"`
	Purpose     string          `json:"purpose,omitempty"`
	Meta        json.RawMessage `json:"meta"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// PlanStep is one ordered step of a run's plan.
type PlanStep struct {
	ID               string          `json:"id"`
	RunID            string          `json:"run_id"`
	StepIndex        int             `json:"step_index"`
	Title            string          `json:"title"`
	SkillName        string          `json:"skill_name"`
	Inputs           json.RawMessage `json:"inputs"`
	DependsOn        []int           `json:"depends_on"`
	Status           string          `json:"status"`
	Kind             string          `json:"kind"`
	SuccessChecks    json.RawMessage `json:"success_checks,omitempty"`
	DangerFlags      []string        `json:"danger_flags,omitempty"`
	RequiresApproval bool            `json:"requires_approval"`
}

// Task is one attempt at one plan step.
type Task struct {
	ID         string     `json:"id"`
	RunID      string     `json:"run_id"`
	PlanStepID string     `json:"plan_step_id"`
	Attempt    int        `json:"attempt"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Approval is a human-in-the-loop checkpoint blocking a task.
type Approval struct {
	ID              string          `json:"id"`
	RunID           string          `json:"run_id"`
	TaskID          string          `json:"task_id"`
	StepID          string          `json:"step_id,omitempty"`
	Scope           string          `json:"scope"`
	ApprovalType    string          `json:"approval_type"`
	Preview         json.RawMessage `json:"preview"`
	ProposedActions json.RawMessage `json:"proposed_actions,omitempty"`
	Status          string          `json:"status"`
	Decision        json.RawMessage `json:"decision,omitempty"`
	DecidedBy       string          `json:"decided_by,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
}

// Event is an append-only log entry. Seq is assigned by the store at write
// time and is strictly increasing within a run.
type Event struct {
	Seq     int64           `json:"seq"`
	ID      string          `json:"id"`
	RunID   string          `json:"run_id"`
	TS      time.Time       `json:"ts"`
	Type    string          `json:"type"`
	Level   string          `json:"level"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TaskID  string          `json:"task_id,omitempty"`
	StepID  string          `json:"step_id,omitempty"`
}

// UserMemory is a durable user-profile item. Deletion is soft.
type UserMemory struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Content   string          `json:"content"`
	Tags      []string        `json:"tags"`
	Pinned    bool            `json:"pinned"`
	IsDeleted bool            `json:"is_deleted"`
	Source    string          `json:"source"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Reminder is a scheduled delivery of a short text.
type Reminder struct {
	ID        string    `json:"id"`
	DueAt     time.Time `json:"due_at"`
	Text      string    `json:"text"`
	Status    string    `json:"status"`
	Delivery  string    `json:"delivery"`
	RunID     string    `json:"run_id,omitempty"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Source is a reference found or fetched by a skill during a run.
type Source struct {
	ID        string     `json:"id"`
	RunID     string     `json:"run_id"`
	TaskID    string     `json:"task_id,omitempty"`
	URL       string     `json:"url"`
	Title     string     `json:"title,omitempty"`
	Snippet   string     `json:"snippet,omitempty"`
	FetchedAt *time.Time `json:"fetched_at,omitempty"`
}

// Fact is a claim extracted by a skill, optionally tied to a source.
type Fact struct {
	ID         string  `json:"id"`
	RunID      string  `json:"run_id"`
	TaskID     string  `json:"task_id,omitempty"`
	Text       string  `json:"text"`
	SourceID   string  `json:"source_id,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Conflict records contradictory findings within a run.
type Conflict struct {
	ID      string          `json:"id"`
	RunID   string          `json:"run_id"`
	Text    string          `json:"text"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Artifact is a file produced by a skill, stored under the data directory.
type Artifact struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Kind      string    `json:"kind"`
	Path      string    `json:"path"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
