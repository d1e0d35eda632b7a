// Package planner converts a classified query into a typed ordered list of
// plan steps. It is a pure function over its input: no store, no model calls.
package planner

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/antigravity-dev/sidekick/internal/memoryint"
	"github.com/antigravity-dev/sidekick/internal/semantic"
	"github.com/antigravity-dev/sidekick/internal/store"
)

// ErrMemoryItemMissing fires when a MEMORY_COMMIT hint arrives without a
// memory item. The planner never invents memory content.
var ErrMemoryItemMissing = errors.New("planner_memory_item_missing")

// Skill names the planner targets.
const (
	SkillChatResponse      = "chat_response"
	SkillMemorySave        = "memory_save"
	SkillReminderCreate    = "reminder_create"
	SkillWebResearch       = "web_research"
	SkillComputerAutopilot = "computer_autopilot"
)

// Input is everything the planner consumes.
type Input struct {
	Query              string
	Intent             string
	PlanHint           []string
	MemoryItem         *semantic.MemoryItem
	NeedsClarification bool
	Questions          []string
	Interpretation     *memoryint.Interpretation

	// Now and Location anchor relative time expressions in the query.
	Now      time.Time
	Location *time.Location
}

// BuildPlan maps the input onto plan steps. Hints are honored in array
// order; an interpreter-driven MEMORY_COMMIT is always appended last.
func BuildPlan(in Input) ([]*store.PlanStep, error) {
	var steps []*store.PlanStep
	add := func(s *store.PlanStep) {
		s.StepIndex = len(steps)
		s.Status = store.StepCreated
		steps = append(steps, s)
	}

	if in.NeedsClarification {
		add(clarifyStep(in.Questions))
	}

	if in.Intent == semantic.IntentChat {
		add(chatStep(in.Query))
		return steps, nil
	}

	explicitMemory := false
	seen := map[string]bool{}
	for _, hint := range in.PlanHint {
		if seen[hint] {
			continue
		}
		seen[hint] = true

		switch hint {
		case semantic.HintChatResponse:
			add(chatStep(in.Query))
		case semantic.HintClarifyQuestion:
			if !in.NeedsClarification {
				add(clarifyStep(in.Questions))
			}
		case semantic.HintWebResearch:
			add(&store.PlanStep{
				Title:     "Веб-исследование",
				SkillName: SkillWebResearch,
				Kind:      semantic.HintWebResearch,
				Inputs:    mustJSON(map[string]any{"query": in.Query, "mode": "deep"}),
			})
		case semantic.HintBrowserResearchUI:
			add(&store.PlanStep{
				Title:     "Исследование в браузере",
				SkillName: SkillComputerAutopilot,
				Kind:      semantic.HintBrowserResearchUI,
				Inputs:    mustJSON(map[string]any{"goal": in.Query, "surface": "browser"}),
			})
		case semantic.HintComputerActions:
			add(computerStep(in.Query))
		case semantic.HintDocumentWrite:
			add(&store.PlanStep{
				Title:     "Подготовка документа",
				SkillName: SkillComputerAutopilot,
				Kind:      semantic.HintDocumentWrite,
				Inputs:    mustJSON(map[string]any{"goal": in.Query, "surface": "document"}),
			})
		case semantic.HintFileOrganize:
			add(&store.PlanStep{
				Title:            "Работа с файлами",
				SkillName:        SkillComputerAutopilot,
				Kind:             semantic.HintFileOrganize,
				Inputs:           mustJSON(map[string]any{"goal": in.Query, "surface": "files"}),
				DangerFlags:      []string{"file_write"},
				RequiresApproval: true,
			})
		case semantic.HintCodeAssist:
			add(&store.PlanStep{
				Title:     "Помощь с кодом",
				SkillName: SkillChatResponse,
				Kind:      semantic.HintCodeAssist,
				Inputs:    mustJSON(map[string]any{"query": in.Query, "preferred_kind": "code"}),
			})
		case semantic.HintMemoryCommit:
			if in.MemoryItem == nil {
				return nil, ErrMemoryItemMissing
			}
			explicitMemory = true
			add(&store.PlanStep{
				Title:     "Сохранение в память",
				SkillName: SkillMemorySave,
				Kind:      semantic.HintMemoryCommit,
				Inputs:    mustJSON(map[string]any{"memory_item": in.MemoryItem}),
			})
		case semantic.HintReminderCreate:
			due, text, ok := ParseReminder(in.Query, in.Now, in.Location)
			if !ok {
				continue
			}
			add(&store.PlanStep{
				Title:     "Создание напоминания",
				SkillName: SkillReminderCreate,
				Kind:      semantic.HintReminderCreate,
				Inputs:    mustJSON(map[string]any{"due_at": due.Format(time.RFC3339), "text": text}),
			})
		case semantic.HintSmokeRun:
			add(&store.PlanStep{
				Title:     "Проверочный прогон",
				SkillName: SkillComputerAutopilot,
				Kind:      semantic.HintSmokeRun,
				Inputs:    mustJSON(map[string]any{"goal": in.Query, "smoke": true}),
			})
		}
	}

	if len(steps) == 0 {
		add(computerStep(in.Query))
	}

	if !explicitMemory && in.Interpretation != nil && in.Interpretation.ShouldStore {
		add(&store.PlanStep{
			Title:     "Сохранение в память",
			SkillName: SkillMemorySave,
			Kind:      semantic.HintMemoryCommit,
			Inputs: mustJSON(map[string]any{"memory_payload": map[string]any{
				"title":          in.Interpretation.Title,
				"summary":        in.Interpretation.Summary,
				"facts":          in.Interpretation.Facts,
				"preferences":    in.Interpretation.Preferences,
				"possible_facts": in.Interpretation.PossibleFacts,
			}}),
		})
	}

	return steps, nil
}

func chatStep(query string) *store.PlanStep {
	return &store.PlanStep{
		Title:     "Ответ пользователю",
		SkillName: SkillChatResponse,
		Kind:      semantic.HintChatResponse,
		Inputs:    mustJSON(map[string]any{"query": query}),
	}
}

func clarifyStep(questions []string) *store.PlanStep {
	return &store.PlanStep{
		Title:     "Уточняющий вопрос",
		SkillName: SkillChatResponse,
		Kind:      semantic.HintClarifyQuestion,
		Inputs:    mustJSON(map[string]any{"questions": questions}),
	}
}

func computerStep(query string) *store.PlanStep {
	return &store.PlanStep{
		Title:     "Действия на компьютере",
		SkillName: SkillComputerAutopilot,
		Kind:      semantic.HintComputerActions,
		Inputs:    mustJSON(map[string]any{"goal": query}),
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
