// Package approval coordinates human-in-the-loop checkpoints: it creates a
// pending approval, parks the task, and polls until a human (or run
// cancellation) resolves it.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/antigravity-dev/sidekick/internal/events"
	"github.com/antigravity-dev/sidekick/internal/store"
)

// ErrRejected is returned when the approval resolves to rejected or
// expired. The enclosing task fails with reason approval_rejected.
var ErrRejected = errors.New("approval_rejected")

const defaultPollInterval = 500 * time.Millisecond

// Preview is the structured payload the UI renders for the decision.
type Preview struct {
	Summary             string          `json:"summary"`
	Details             json.RawMessage `json:"details,omitempty"`
	Risk                string          `json:"risk,omitempty"`
	SuggestedUserAction string          `json:"suggested_user_action,omitempty"`
	ExpiresInMS         int64           `json:"expires_in_ms,omitempty"`
}

// Request describes one approval checkpoint.
type Request struct {
	RunID           string
	TaskID          string
	StepID          string
	Scope           string
	ApprovalType    string
	Preview         Preview
	ProposedActions json.RawMessage
}

// Coordinator creates approvals and waits for their resolution.
type Coordinator struct {
	store        *store.Store
	bus          *events.Bus
	pollInterval time.Duration
	logger       *slog.Logger
}

// New creates a coordinator. pollInterval <= 0 uses the 500ms default.
func New(s *store.Store, bus *events.Bus, pollInterval time.Duration, logger *slog.Logger) *Coordinator {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Coordinator{store: s, bus: bus, pollInterval: pollInterval, logger: logger.With("component", "approval")}
}

// RequestAndWait creates a pending approval, parks the task in
// waiting_approval, and blocks until the approval resolves. Run
// cancellation auto-expires the approval with decided_by=system. The
// returned approval carries the decision payload on the approved path.
func (c *Coordinator) RequestAndWait(ctx context.Context, req *Request) (*store.Approval, error) {
	preview, err := json.Marshal(req.Preview)
	if err != nil {
		return nil, fmt.Errorf("approval: marshal preview: %w", err)
	}

	a, err := c.store.CreateApproval(&store.Approval{
		RunID:           req.RunID,
		TaskID:          req.TaskID,
		StepID:          req.StepID,
		Scope:           req.Scope,
		ApprovalType:    req.ApprovalType,
		Preview:         preview,
		ProposedActions: req.ProposedActions,
	})
	if err != nil {
		return nil, err
	}

	c.emit(req, events.ApprovalReq, map[string]any{
		"approval_id": a.ID, "scope": req.Scope, "approval_type": req.ApprovalType,
		"preview": req.Preview,
	})
	c.emit(req, events.StepPausedApproval, map[string]any{"approval_id": a.ID})

	if req.TaskID != "" {
		if err := c.store.UpdateTaskStatus(req.TaskID, store.TaskWaitingApproval, ""); err != nil {
			c.logger.Warn("task status update failed", "task_id", req.TaskID, "error", err)
		}
	}

	return c.wait(ctx, req, a.ID)
}

func (c *Coordinator) wait(ctx context.Context, req *Request, approvalID string) (*store.Approval, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		a, err := c.store.GetApproval(approvalID)
		if err != nil {
			return nil, err
		}
		if a.Status != store.ApprovalPending {
			return c.resolved(req, a)
		}

		run, err := c.store.GetRun(req.RunID)
		if err != nil {
			return nil, err
		}
		if run.Status == store.RunCanceled {
			if err := c.store.ResolveApproval(approvalID, store.ApprovalExpired, nil, "system"); err != nil && !errors.Is(err, store.ErrApprovalResolved) {
				return nil, err
			}
			a, err = c.store.GetApproval(approvalID)
			if err != nil {
				return nil, err
			}
			return c.resolved(req, a)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) resolved(req *Request, a *store.Approval) (*store.Approval, error) {
	c.emit(req, events.ApprovalResolved, map[string]any{
		"approval_id": a.ID, "status": a.Status, "decided_by": a.DecidedBy,
	})
	switch a.Status {
	case store.ApprovalApproved:
		c.emit(req, events.ApprovalOK, map[string]any{"approval_id": a.ID})
		return a, nil
	case store.ApprovalRejected:
		c.emit(req, events.ApprovalNo, map[string]any{"approval_id": a.ID})
		return a, fmt.Errorf("%w: approval %s rejected", ErrRejected, a.ID)
	default: // expired
		return a, fmt.Errorf("%w: approval %s expired", ErrRejected, a.ID)
	}
}

func (c *Coordinator) emit(req *Request, typ string, payload map[string]any) {
	if _, err := c.bus.EmitJSON(req.RunID, typ, payload, req.TaskID, req.StepID); err != nil {
		c.logger.Error("approval event emit failed", "type", typ, "error", err)
	}
}
