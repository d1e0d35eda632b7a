package skills

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/antigravity-dev/sidekick/internal/brain"
	"github.com/antigravity-dev/sidekick/internal/events"
	"github.com/antigravity-dev/sidekick/internal/store"
)

type stubBrain struct {
	text string
	err  error
	last *brain.Request
}

func (s *stubBrain) Call(_ context.Context, req *brain.Request) (*brain.Response, error) {
	s.last = req
	if s.err != nil {
		return nil, s.err
	}
	return &brain.Response{Text: s.text, Status: brain.StatusOK, Provider: "ollama"}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testContext(t *testing.T, s *store.Store, b Caller) *RunContext {
	t.Helper()
	p, err := s.CreateProject("P", nil)
	if err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}
	r, err := s.CreateRun(p.ID, "q", store.ModeExecuteConfirm, "", "", nil)
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	return &RunContext{
		RunID:          r.ID,
		Mode:           store.ModeExecuteConfirm,
		Store:          s,
		Bus:            events.New(s, testLogger()),
		Brain:          b,
		MemoryMaxChars: 2000,
		RunStatus: func() (string, error) {
			run, err := s.GetRun(r.ID)
			if err != nil {
				return "", err
			}
			return run.Status, nil
		},
		Logger: testLogger(),
	}
}

func testRunner(t *testing.T) *Runner {
	t.Helper()
	reg, err := DefaultRegistry(testLogger())
	if err != nil {
		t.Fatalf("DefaultRegistry failed: %v", err)
	}
	return NewRunner(reg, testLogger())
}

func TestRunnerUnknownSkill(t *testing.T) {
	r := testRunner(t)
	_, err := r.Run(context.Background(), "no_such_skill", nil, &RunContext{})
	if !errors.Is(err, ErrSkillNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestRunnerInputValidation(t *testing.T) {
	r := testRunner(t)
	s := testStore(t)
	rc := testContext(t, s, &stubBrain{})

	// reminder_create requires due_at and text.
	_, err := r.Run(context.Background(), "reminder_create", json.RawMessage(`{"text":""}`), rc)
	if !errors.Is(err, ErrInputValidation) {
		t.Fatalf("err = %v", err)
	}
}

func TestRunnerScopeGateBlocksUnapproved(t *testing.T) {
	r := testRunner(t)
	s := testStore(t)
	rc := testContext(t, s, &stubBrain{})
	rc.Bridge = &stubBridge{}

	_, err := r.Run(context.Background(), "computer_autopilot", json.RawMessage(`{"goal":"открыть браузер"}`), rc)
	if !errors.Is(err, ErrApprovalRequired) {
		t.Fatalf("err = %v", err)
	}
}

func TestRunnerSafeSkillNeedsNoApproval(t *testing.T) {
	r := testRunner(t)
	s := testStore(t)
	rc := testContext(t, s, &stubBrain{text: "ответ"})

	res, err := r.Run(context.Background(), "chat_response", json.RawMessage(`{"query":"привет"}`), rc)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.WhatIDid != "ответ" {
		t.Fatalf("res = %+v", res)
	}
}

func TestChatResponseQuestionsSkipModel(t *testing.T) {
	s := testStore(t)
	stub := &stubBrain{}
	rc := testContext(t, s, stub)

	res, err := (&ChatResponse{}).Execute(context.Background(),
		json.RawMessage(`{"questions":["Что сделать?","К какому сроку?"]}`), rc)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if stub.last != nil {
		t.Fatal("clarify path called the model")
	}
	if !strings.Contains(res.WhatIDid, "Что сделать?") {
		t.Fatalf("text = %q", res.WhatIDid)
	}
	if len(res.Events) != 1 || res.Events[0].Type != events.ClarifyRequested {
		t.Fatalf("events = %+v", res.Events)
	}
}

func TestChatResponseDegradedOnEmptyText(t *testing.T) {
	s := testStore(t)
	stub := &stubBrain{text: ""}
	rc := testContext(t, s, stub)

	res, err := (&ChatResponse{}).Execute(context.Background(), json.RawMessage(`{"query":"привет"}`), rc)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.WhatIDid == "" {
		t.Fatal("no degradation text for empty model output")
	}
}

func TestMemorySaveFromItem(t *testing.T) {
	s := testStore(t)
	rc := testContext(t, s, &stubBrain{})

	res, err := (&MemorySave{}).Execute(context.Background(),
		json.RawMessage(`{"memory_item":{"kind":"user_profile","text":"Пользователь представился как Михаил.","evidence":"меня Михаил зовут"}}`), rc)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(res.Events) != 1 || res.Events[0].Type != events.MemorySaved {
		t.Fatalf("events = %+v", res.Events)
	}

	mems, err := s.ListMemories()
	if err != nil {
		t.Fatalf("ListMemories failed: %v", err)
	}
	if len(mems) != 1 || mems[0].Content != "Пользователь представился как Михаил." {
		t.Fatalf("memories = %+v", mems)
	}
}

func TestMemorySaveFromPayload(t *testing.T) {
	s := testStore(t)
	rc := testContext(t, s, &stubBrain{})

	_, err := (&MemorySave{}).Execute(context.Background(),
		json.RawMessage(`{"memory_payload":{"title":"Имя","summary":"Пользователь представился как Михаил."}}`), rc)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	mems, _ := s.ListMemories()
	if len(mems) != 1 || mems[0].Title != "Имя" {
		t.Fatalf("memories = %+v", mems)
	}
}

func TestMemorySaveRejectsEmptyInputs(t *testing.T) {
	s := testStore(t)
	rc := testContext(t, s, &stubBrain{})
	_, err := (&MemorySave{}).Execute(context.Background(), json.RawMessage(`{}`), rc)
	if !errors.Is(err, ErrInputValidation) {
		t.Fatalf("err = %v", err)
	}
}

func TestReminderCreatePersists(t *testing.T) {
	s := testStore(t)
	rc := testContext(t, s, &stubBrain{})

	res, err := (&ReminderCreate{}).Execute(context.Background(),
		json.RawMessage(`{"due_at":"2024-01-01T11:59:00Z","text":"попить воды"}`), rc)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(res.Events) != 1 || res.Events[0].Type != events.ReminderCreated {
		t.Fatalf("events = %+v", res.Events)
	}

	rems, err := s.ListReminders()
	if err != nil {
		t.Fatalf("ListReminders failed: %v", err)
	}
	if len(rems) != 1 || rems[0].Text != "попить воды" || rems[0].Delivery != store.DeliveryLocal {
		t.Fatalf("reminders = %+v", rems)
	}
	if !rems[0].DueAt.Equal(time.Date(2024, 1, 1, 11, 59, 0, 0, time.UTC)) {
		t.Fatalf("due_at = %v", rems[0].DueAt)
	}
}

func TestWebResearchModelOnlyFallback(t *testing.T) {
	s := testStore(t)
	stub := &stubBrain{text: `{"summary":"Коротко: всё хорошо.","facts":[{"text":"факт","confidence":0.8}]}`}
	rc := testContext(t, s, stub)

	res, err := (&WebResearch{}).Execute(context.Background(), json.RawMessage(`{"query":"новости"}`), rc)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.WhatIDid != "Коротко: всё хорошо." || len(res.Facts) != 1 {
		t.Fatalf("res = %+v", res)
	}
	if len(res.Assumptions) == 0 {
		t.Fatal("model-only research should record an assumption")
	}
}

type stubSearch struct {
	hits  []SearchHit
	pages map[string]string
}

func (s *stubSearch) Search(context.Context, string, int) ([]SearchHit, error) { return s.hits, nil }
func (s *stubSearch) Fetch(_ context.Context, url string) (string, error) {
	page, ok := s.pages[url]
	if !ok {
		return "", errors.New("404")
	}
	return page, nil
}

func TestWebResearchCollectsSources(t *testing.T) {
	s := testStore(t)
	stub := &stubBrain{text: `{"summary":"Итог.","facts":[{"text":"ф1","confidence":0.9,"source_index":0}]}`}
	rc := testContext(t, s, stub)
	rc.Search = &stubSearch{
		hits:  []SearchHit{{URL: "https://example.com/a", Title: "A"}},
		pages: map[string]string{"https://example.com/a": "текст страницы"},
	}

	res, err := (&WebResearch{}).Execute(context.Background(), json.RawMessage(`{"query":"новости","mode":"deep"}`), rc)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(res.Sources) != 1 || res.Sources[0].FetchedAt == nil {
		t.Fatalf("sources = %+v", res.Sources)
	}

	var types []string
	for _, e := range res.Events {
		types = append(types, e.Type)
	}
	want := map[string]bool{events.SourceFound: false, events.SourceFetched: false, events.FactExtracted: false}
	for _, typ := range types {
		if _, ok := want[typ]; ok {
			want[typ] = true
		}
	}
	for typ, seen := range want {
		if !seen {
			t.Fatalf("missing event %s in %v", typ, types)
		}
	}

	// Page text must have reached the model as web page context.
	var gotWebPage bool
	for _, it := range stub.last.ContextItems {
		if it.SourceType == brain.SourceWebPageText {
			gotWebPage = true
		}
	}
	if !gotWebPage {
		t.Fatal("fetched page never reached the model")
	}
}

func TestManifestsSorted(t *testing.T) {
	reg, err := DefaultRegistry(testLogger())
	if err != nil {
		t.Fatalf("DefaultRegistry failed: %v", err)
	}
	ms := reg.Manifests()
	if len(ms) != 5 {
		t.Fatalf("manifests = %d", len(ms))
	}
	for i := 1; i < len(ms); i++ {
		if ms[i-1].Name >= ms[i].Name {
			t.Fatalf("not sorted: %s >= %s", ms[i-1].Name, ms[i].Name)
		}
	}
}
