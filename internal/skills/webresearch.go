package skills

import (
	"context"
	"encoding/json"
	"time"

	"github.com/antigravity-dev/sidekick/internal/brain"
	"github.com/antigravity-dev/sidekick/internal/events"
	"github.com/antigravity-dev/sidekick/internal/store"
)

// SearchHit is one search result.
type SearchHit struct {
	URL     string
	Title   string
	Snippet string
}

// SearchClient finds and fetches web pages. The implementation is external;
// a nil client degrades web_research to model-only answers.
type SearchClient interface {
	Search(ctx context.Context, query string, limit int) ([]SearchHit, error)
	Fetch(ctx context.Context, url string) (string, error)
}

// WebResearch gathers sources for a query and synthesizes findings.
type WebResearch struct{}

func (*WebResearch) Manifest() *Manifest {
	return &Manifest{
		Name:  "web_research",
		Title: "Веб-исследование",
		Scope: ScopeSafe,
		InputSchema: `{
			"type": "object",
			"required": ["query"],
			"properties": {
				"query": {"type": "string", "minLength": 1},
				"mode": {"type": "string", "enum": ["quick", "deep"]},
				"max_sources": {"type": "integer", "minimum": 1, "maximum": 10}
			}
		}`,
	}
}

type webResearchInputs struct {
	Query      string `json:"query"`
	Mode       string `json:"mode"`
	MaxSources int    `json:"max_sources"`
}

const findingsSchema = `{
  "type": "object",
  "required": ["summary"],
  "properties": {
    "summary": {"type": "string"},
    "facts": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["text"],
        "properties": {
          "text": {"type": "string"},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "source_index": {"type": "integer"}
        }
      }
    },
    "conflicts": {"type": "array", "items": {"type": "string"}}
  }
}`

type findings struct {
	Summary string `json:"summary"`
	Facts   []struct {
		Text        string  `json:"text"`
		Confidence  float64 `json:"confidence"`
		SourceIndex int     `json:"source_index"`
	} `json:"facts"`
	Conflicts []string `json:"conflicts"`
}

func (*WebResearch) Execute(ctx context.Context, raw json.RawMessage, rc *RunContext) (*Result, error) {
	var in webResearchInputs
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	if in.Mode == "" {
		in.Mode = "deep"
	}
	limit := in.MaxSources
	if limit == 0 {
		if in.Mode == "deep" {
			limit = 5
		} else {
			limit = 2
		}
	}

	res := &Result{Confidence: 0.7}
	items := []brain.ContextItem{
		{Content: in.Query, SourceType: brain.SourceUserPrompt, Sensitivity: brain.SensitivityPublic},
	}

	if rc.Search != nil {
		hits, err := rc.Search.Search(ctx, in.Query, limit)
		if err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		for _, hit := range hits {
			src := &store.Source{URL: hit.URL, Title: hit.Title, Snippet: hit.Snippet}
			res.Events = append(res.Events, ResultEvent{
				Type:    events.SourceFound,
				Payload: mustMarshal(map[string]any{"url": hit.URL, "title": hit.Title}),
			})

			page, err := rc.Search.Fetch(ctx, hit.URL)
			if err != nil {
				rc.Logger.Warn("web research fetch failed", "url", hit.URL, "error", err)
			} else {
				fetched := now
				src.FetchedAt = &fetched
				items = append(items, brain.ContextItem{
					Content:    page,
					SourceType: brain.SourceWebPageText,
					Provenance: hit.URL,
				})
				res.Events = append(res.Events, ResultEvent{
					Type:    events.SourceFetched,
					Payload: mustMarshal(map[string]any{"url": hit.URL}),
				})
			}
			res.Sources = append(res.Sources, src)
		}
	} else {
		res.Assumptions = append(res.Assumptions, "поиск недоступен, ответ без внешних источников")
	}

	resp, err := rc.Brain.Call(ctx, &brain.Request{
		Purpose:      "web_research",
		TaskKind:     brain.KindReport,
		ContextItems: items,
		JSONSchema:   json.RawMessage(findingsSchema),
		RunID:        rc.RunID,
		TaskID:       rc.TaskID,
		StepID:       rc.StepID,
	})
	if err != nil {
		return nil, err
	}
	if resp.Status != brain.StatusOK {
		res.WhatIDid = brain.UserFacingError(resp.ErrorType)
		res.Confidence = 0
		return res, nil
	}

	var f findings
	if err := json.Unmarshal([]byte(resp.Text), &f); err != nil {
		// Unstructured model output still answers the query.
		res.WhatIDid = resp.Text
		return res, nil
	}

	res.WhatIDid = f.Summary
	for _, fact := range f.Facts {
		sf := &store.Fact{Text: fact.Text, Confidence: fact.Confidence}
		if fact.SourceIndex >= 0 && fact.SourceIndex < len(res.Sources) {
			sf.SourceID = res.Sources[fact.SourceIndex].ID
		}
		res.Facts = append(res.Facts, sf)
		res.Events = append(res.Events, ResultEvent{
			Type:    events.FactExtracted,
			Payload: mustMarshal(map[string]any{"text": fact.Text, "confidence": fact.Confidence}),
		})
	}
	for _, c := range f.Conflicts {
		res.Conflicts = append(res.Conflicts, &store.Conflict{Text: c})
		res.Events = append(res.Events, ResultEvent{
			Type:    events.ConflictDetected,
			Payload: mustMarshal(map[string]any{"text": c}),
		})
	}
	return res, nil
}
