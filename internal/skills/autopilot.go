package skills

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/antigravity-dev/sidekick/internal/brain"
	"github.com/antigravity-dev/sidekick/internal/events"
	"github.com/antigravity-dev/sidekick/internal/store"
)

// Action is one desktop micro-action proposed by the model.
type Action struct {
	Type   string `json:"type"`
	Target string `json:"target,omitempty"`
	Text   string `json:"text,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Observation is what the bridge sees on screen after an action.
type Observation struct {
	Description    string `json:"description"`
	ScreenshotPath string `json:"screenshot_path,omitempty"`
}

// Bridge drives the desktop input side. The implementation is external.
type Bridge interface {
	Observe(ctx context.Context) (*Observation, error)
	Perform(ctx context.Context, a *Action) error
}

// ErrBridgeUnavailable fires when autopilot runs without a desktop bridge.
var ErrBridgeUnavailable = errors.New("desktop_bridge_unavailable")

const (
	defaultMicroStepLimit  = 40
	defaultAutopilotBudget = 600 // seconds
	pausePollInterval      = 500 * time.Millisecond
)

// actionSchema constrains the per-step model output.
const actionSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"type": "string", "enum": ["click", "type", "key", "scroll", "wait", "done"]},
    "target": {"type": "string"},
    "text": {"type": "string"},
    "reason": {"type": "string"}
  }
}`

// ComputerAutopilot executes a goal on the desktop through a micro-step
// loop: observe, propose an action with the local model, perform, repeat.
// Observations are screenshot text, so every model call is forced LOCAL.
type ComputerAutopilot struct{}

func (*ComputerAutopilot) Manifest() *Manifest {
	return &Manifest{
		Name:         "computer_autopilot",
		Title:        "Действия на компьютере",
		Scope:        ScopeConfirmRequired,
		ApprovalType: "computer_actions",
		InputSchema: `{
			"type": "object",
			"required": ["goal"],
			"properties": {
				"goal": {"type": "string", "minLength": 1},
				"surface": {"type": "string"},
				"smoke": {"type": "boolean"}
			}
		}`,
	}
}

type autopilotInputs struct {
	Goal    string `json:"goal"`
	Surface string `json:"surface"`
	Smoke   bool   `json:"smoke"`
}

func (*ComputerAutopilot) Execute(ctx context.Context, raw json.RawMessage, rc *RunContext) (*Result, error) {
	var in autopilotInputs
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	if rc.Bridge == nil {
		return nil, ErrBridgeUnavailable
	}

	limit := rc.MicroStepLimit
	if limit <= 0 {
		limit = defaultMicroStepLimit
	}
	budget := time.Duration(rc.AutopilotBudget) * time.Second
	if budget <= 0 {
		budget = defaultAutopilotBudget * time.Second
	}
	deadline := time.Now().Add(budget)

	res := &Result{Confidence: 0.8}
	var performed int
	for step := 0; step < limit; step++ {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("computer_autopilot: time budget exhausted after %d actions", performed)
		}
		if err := waitWhilePaused(ctx, rc); err != nil {
			return nil, err
		}

		obs, err := rc.Bridge.Observe(ctx)
		if err != nil {
			return nil, fmt.Errorf("computer_autopilot: observe: %w", err)
		}
		emit(rc, events.ObservationCaptured, map[string]any{
			"description": obs.Description, "screenshot": obs.ScreenshotPath,
		})
		if obs.ScreenshotPath != "" {
			res.Artifacts = append(res.Artifacts, &store.Artifact{
				Kind: "screenshot", Path: obs.ScreenshotPath, Title: "Экран на шаге",
			})
		}

		action, err := proposeAction(ctx, rc, in.Goal, obs, step)
		if err != nil {
			return nil, err
		}
		emit(rc, events.MicroActionProposed, map[string]any{
			"step": step, "type": action.Type, "target": action.Target, "reason": action.Reason,
		})

		if action.Type == "done" {
			res.WhatIDid = fmt.Sprintf("Выполнил задачу за %d действий.", performed)
			return res, nil
		}
		if in.Smoke {
			// Smoke runs only verify that the loop proposes sane actions.
			res.WhatIDid = "Проверочный прогон: действие предложено, не выполнялось."
			return res, nil
		}

		if err := rc.Bridge.Perform(ctx, action); err != nil {
			return nil, fmt.Errorf("computer_autopilot: perform %s: %w", action.Type, err)
		}
		performed++
		emit(rc, events.MicroActionExecuted, map[string]any{"step": step, "type": action.Type})
	}

	return nil, fmt.Errorf("computer_autopilot: micro-step limit %d reached", limit)
}

// waitWhilePaused blocks while the run is paused and aborts on cancellation.
func waitWhilePaused(ctx context.Context, rc *RunContext) error {
	for {
		status, err := rc.RunStatus()
		if err != nil {
			return err
		}
		switch status {
		case store.RunCanceled:
			return ErrRunCanceled
		case store.RunPaused:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pausePollInterval):
			}
		default:
			return nil
		}
	}
}

func proposeAction(ctx context.Context, rc *RunContext, goal string, obs *Observation, step int) (*Action, error) {
	resp, err := rc.Brain.Call(ctx, &brain.Request{
		Purpose:  "computer_autopilot",
		TaskKind: brain.KindChat,
		ContextItems: []brain.ContextItem{
			{Content: goal, SourceType: brain.SourceUserPrompt, Sensitivity: brain.SensitivityPublic},
			{Content: obs.Description, SourceType: brain.SourceScreenshotText},
		},
		Messages: []brain.Message{
			{Role: "system", Content: "Ты управляешь компьютером пользователя. По цели и описанию экрана предложи ровно одно следующее действие строго в JSON по схеме. Когда цель достигнута, верни {\"type\":\"done\"}."},
			{Role: "user", Content: fmt.Sprintf("Цель: %s\nШаг: %d\nЭкран: %s", goal, step, obs.Description)},
		},
		JSONSchema: json.RawMessage(actionSchema),
		RunID:      rc.RunID,
		TaskID:     rc.TaskID,
		StepID:     rc.StepID,
	})
	if err != nil {
		return nil, err
	}
	if resp.Status != brain.StatusOK {
		return nil, fmt.Errorf("computer_autopilot: router status %s", resp.Status)
	}
	var action Action
	if err := json.Unmarshal([]byte(resp.Text), &action); err != nil {
		return nil, fmt.Errorf("computer_autopilot: bad action json: %w", err)
	}
	return &action, nil
}

func emit(rc *RunContext, typ string, payload map[string]any) {
	if rc.Bus == nil {
		return
	}
	rc.Bus.EmitJSON(rc.RunID, typ, payload, rc.TaskID, rc.StepID)
}
