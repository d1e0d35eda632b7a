package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/antigravity-dev/sidekick/internal/events"
	"github.com/antigravity-dev/sidekick/internal/memoryint"
	"github.com/antigravity-dev/sidekick/internal/store"
)

// MemorySave persists a durable user memory from either an explicit
// memory_item or a structured interpreter memory_payload.
type MemorySave struct{}

func (*MemorySave) Manifest() *Manifest {
	return &Manifest{
		Name:  "memory_save",
		Title: "Сохранение в память",
		Scope: ScopeSafe,
		InputSchema: `{
			"type": "object",
			"properties": {
				"memory_item": {
					"type": "object",
					"required": ["kind", "text"],
					"properties": {
						"kind": {"type": "string"},
						"text": {"type": "string"},
						"evidence": {"type": "string"}
					}
				},
				"memory_payload": {
					"type": "object",
					"properties": {
						"title": {"type": "string"},
						"summary": {"type": "string"}
					}
				}
			}
		}`,
	}
}

type memorySaveInputs struct {
	MemoryItem *struct {
		Kind     string `json:"kind"`
		Text     string `json:"text"`
		Evidence string `json:"evidence"`
	} `json:"memory_item"`
	MemoryPayload *struct {
		Title         string           `json:"title"`
		Summary       string           `json:"summary"`
		Facts         []memoryint.Fact `json:"facts"`
		Preferences   []memoryint.Fact `json:"preferences"`
		PossibleFacts []memoryint.Fact `json:"possible_facts"`
	} `json:"memory_payload"`
}

func (*MemorySave) Execute(_ context.Context, raw json.RawMessage, rc *RunContext) (*Result, error) {
	var in memorySaveInputs
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}

	var mem *store.UserMemory
	switch {
	case in.MemoryItem != nil:
		mem = &store.UserMemory{
			Title:   memoryTitle(in.MemoryItem.Kind),
			Content: in.MemoryItem.Text,
			Tags:    []string{in.MemoryItem.Kind},
			Source:  store.MemorySourceAuto,
			Meta:    raw,
		}
	case in.MemoryPayload != nil:
		content := in.MemoryPayload.Summary
		if content == "" {
			var lines []string
			for _, f := range in.MemoryPayload.Facts {
				lines = append(lines, f.Key+": "+f.Value)
			}
			content = strings.Join(lines, "\n")
		}
		mem = &store.UserMemory{
			Title:   in.MemoryPayload.Title,
			Content: content,
			Source:  store.MemorySourceAuto,
			Meta:    raw,
		}
	default:
		return nil, fmt.Errorf("%w: memory_save: neither memory_item nor memory_payload", ErrInputValidation)
	}

	if rc.Bus != nil {
		rc.Bus.EmitJSON(rc.RunID, events.MemorySaveRequested,
			map[string]any{"title": mem.Title}, rc.TaskID, rc.StepID)
	}

	saved, err := rc.Store.SaveMemory(mem, rc.MemoryMaxChars)
	if err != nil {
		return nil, err
	}

	return &Result{
		WhatIDid:   "Сохранил запись в память: " + saved.Title,
		Confidence: 1,
		Events: []ResultEvent{{
			Type:    events.MemorySaved,
			Payload: mustMarshal(map[string]any{"memory_id": saved.ID, "title": saved.Title}),
		}},
	}, nil
}

func memoryTitle(kind string) string {
	switch kind {
	case "user_profile":
		return "Профиль пользователя"
	case "user_preference":
		return "Предпочтение пользователя"
	case "assistant_profile":
		return "Настройка ассистента"
	default:
		return "Заметка"
	}
}
