package skills

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/antigravity-dev/sidekick/internal/brain"
	"github.com/antigravity-dev/sidekick/internal/events"
)

// ChatResponse answers the user directly through the brain router. It also
// serves CLARIFY_QUESTION steps: with a questions list it renders them
// without a model call.
type ChatResponse struct{}

func (*ChatResponse) Manifest() *Manifest {
	return &Manifest{
		Name:  "chat_response",
		Title: "Ответ пользователю",
		Scope: ScopeSafe,
		InputSchema: `{
			"type": "object",
			"properties": {
				"query": {"type": "string"},
				"questions": {"type": "array", "items": {"type": "string"}},
				"style_hint": {"type": "string"},
				"profile": {"type": "string"},
				"preferred_kind": {"type": "string"}
			}
		}`,
	}
}

type chatInputs struct {
	Query         string   `json:"query"`
	Questions     []string `json:"questions"`
	StyleHint     string   `json:"style_hint"`
	Profile       string   `json:"profile"`
	PreferredKind string   `json:"preferred_kind"`
}

func (*ChatResponse) Execute(ctx context.Context, raw json.RawMessage, rc *RunContext) (*Result, error) {
	var in chatInputs
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}

	if len(in.Questions) > 0 {
		text := "Уточните, пожалуйста:\n- " + strings.Join(in.Questions, "\n- ")
		return &Result{
			WhatIDid:   text,
			Confidence: 1,
			Events: []ResultEvent{{
				Type:    events.ClarifyRequested,
				Payload: mustMarshal(map[string]any{"questions": in.Questions}),
			}},
		}, nil
	}

	system := "Ты — локальный ассистент. Отвечай кратко и по делу, на языке пользователя."
	if in.Profile != "" {
		system += "\nЧто известно о пользователе:\n" + in.Profile
	}
	if in.StyleHint != "" {
		system += "\nСтиль ответа: " + in.StyleHint
	}

	resp, err := rc.Brain.Call(ctx, &brain.Request{
		Purpose:       "chat_response",
		TaskKind:      brain.KindChat,
		PreferredKind: in.PreferredKind,
		ContextItems: []brain.ContextItem{
			{Content: in.Query, SourceType: brain.SourceUserPrompt, Sensitivity: brain.SensitivityPublic},
		},
		Messages: []brain.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: in.Query},
		},
		RunID:  rc.RunID,
		TaskID: rc.TaskID,
		StepID: rc.StepID,
	})
	if err != nil {
		return nil, err
	}

	text := resp.Text
	if resp.Status != brain.StatusOK || text == "" {
		text = brain.UserFacingError(resp.ErrorType)
	}

	return &Result{
		WhatIDid:   text,
		Confidence: 0.9,
		Events: []ResultEvent{{
			Type:    events.ChatResponseGen,
			Payload: mustMarshal(map[string]any{"text": text, "provider": resp.Provider, "cache_hit": resp.CacheHit}),
		}},
	}, nil
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
