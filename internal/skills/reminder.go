package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/antigravity-dev/sidekick/internal/events"
	"github.com/antigravity-dev/sidekick/internal/store"
)

// ReminderCreate schedules a reminder for later delivery.
type ReminderCreate struct{}

func (*ReminderCreate) Manifest() *Manifest {
	return &Manifest{
		Name:  "reminder_create",
		Title: "Создание напоминания",
		Scope: ScopeSafe,
		InputSchema: `{
			"type": "object",
			"required": ["due_at", "text"],
			"properties": {
				"due_at": {"type": "string"},
				"text": {"type": "string", "minLength": 1},
				"delivery": {"type": "string", "enum": ["local", "telegram"]}
			}
		}`,
	}
}

type reminderInputs struct {
	DueAt    string `json:"due_at"`
	Text     string `json:"text"`
	Delivery string `json:"delivery"`
}

func (*ReminderCreate) Execute(_ context.Context, raw json.RawMessage, rc *RunContext) (*Result, error) {
	var in reminderInputs
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	dueAt, err := time.Parse(time.RFC3339, in.DueAt)
	if err != nil {
		return nil, fmt.Errorf("%w: reminder_create: bad due_at: %v", ErrInputValidation, err)
	}
	delivery := in.Delivery
	if delivery == "" {
		delivery = store.DeliveryLocal
	}

	rem, err := rc.Store.CreateReminder(dueAt, in.Text, delivery, rc.RunID)
	if err != nil {
		return nil, err
	}

	return &Result{
		WhatIDid:   "Создал напоминание на " + dueAt.Format("02.01 15:04") + ": " + in.Text,
		Confidence: 1,
		Events: []ResultEvent{{
			Type: events.ReminderCreated,
			Payload: mustMarshal(map[string]any{
				"reminder_id": rem.ID,
				"due_at":      dueAt.Format(time.RFC3339),
				"delivery":    delivery,
			}),
		}},
	}, nil
}
