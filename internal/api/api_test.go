package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/antigravity-dev/sidekick/internal/approval"
	"github.com/antigravity-dev/sidekick/internal/brain"
	"github.com/antigravity-dev/sidekick/internal/config"
	"github.com/antigravity-dev/sidekick/internal/engine"
	"github.com/antigravity-dev/sidekick/internal/events"
	"github.com/antigravity-dev/sidekick/internal/memoryint"
	"github.com/antigravity-dev/sidekick/internal/semantic"
	"github.com/antigravity-dev/sidekick/internal/skills"
	"github.com/antigravity-dev/sidekick/internal/store"
)

const testToken = "s3cret-test-token"

type stubRouter struct{ text string }

func (s *stubRouter) Call(context.Context, *brain.Request) (*brain.Response, error) {
	return &brain.Response{Text: s.text, Status: brain.StatusOK, Provider: "ollama"}, nil
}
func (s *stubRouter) RunMetrics(string) (int, int) { return 0, 0 }
func (s *stubRouter) ReleaseRun(string)            {}

type stubClassifier struct {
	d   *semantic.Decision
	err error
}

func (s *stubClassifier) Classify(context.Context, string, string, []brain.Message) (*semantic.Decision, error) {
	return s.d, s.err
}

type stubInterpreter struct{}

func (stubInterpreter) Interpret(context.Context, string, string, []brain.Message, string) (*memoryint.Interpretation, error) {
	return &memoryint.Interpretation{}, nil
}

type testServer struct {
	srv       *Server
	store     *store.Store
	handler   http.Handler
	projectID string
}

func setupTestServer(t *testing.T, cls engine.Classifier) *testServer {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.New(st, logger)
	reg, err := skills.DefaultRegistry(logger)
	if err != nil {
		t.Fatal(err)
	}
	runner := skills.NewRunner(reg, logger)
	coord := approval.New(st, bus, 10*time.Millisecond, logger)

	if cls == nil {
		cls = &stubClassifier{d: &semantic.Decision{
			Intent:       semantic.IntentChat,
			Confidence:   0.9,
			PlanHint:     []string{semantic.HintChatResponse},
			DecisionPath: semantic.PathSemantic,
		}}
	}
	eng := engine.New(st, bus, &stubRouter{text: "ответ"}, cls, stubInterpreter{}, runner, coord, nil, nil,
		engine.Options{MemoryMaxChars: 2000, MicroStepLimit: 10, AutopilotBudget: 60, Location: time.UTC}, logger)

	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(cfg, st, eng, logger)

	p, err := st.CreateProject("P", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.BootstrapToken(testToken); err != nil {
		t.Fatal(err)
	}

	return &testServer{srv: srv, store: st, handler: srv.Handler(), projectID: p.ID}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v (body %s)", err, w.Body.String())
	}
}

func TestBootstrapIdempotentAndConflict(t *testing.T) {
	ts := setupTestServer(t, nil)

	// Same token again succeeds.
	w := ts.do(t, http.MethodPost, "/api/v1/auth/bootstrap", map[string]string{"token": testToken})
	if w.Code != http.StatusOK {
		t.Fatalf("repeat bootstrap = %d", w.Code)
	}
	// Different token conflicts.
	w = ts.do(t, http.MethodPost, "/api/v1/auth/bootstrap", map[string]string{"token": "other"})
	if w.Code != http.StatusConflict {
		t.Fatalf("conflicting bootstrap = %d", w.Code)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/auth/status", nil)
	var status map[string]bool
	decode(t, w, &status)
	if !status["initialized"] {
		t.Fatal("auth status lost initialization")
	}
}

func TestAuthRejectsBadToken(t *testing.T) {
	ts := setupTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/memories", nil)
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/memories", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d", w.Code)
	}

	if ts.do(t, http.MethodGet, "/api/v1/memories", nil).Code != http.StatusOK {
		t.Fatal("valid token rejected")
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := setupTestServer(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/runs", nil)
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight = %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}
}

func TestCreateChatRun(t *testing.T) {
	ts := setupTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/projects/"+ts.projectID+"/runs",
		map[string]string{"query_text": "привет"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create run = %d: %s", w.Code, w.Body.String())
	}
	var res engine.CreateResult
	decode(t, w, &res)
	if res.Kind != engine.KindChat || res.ChatResponse != "ответ" {
		t.Fatalf("res = %+v", res)
	}
	if res.Run.Status != store.RunDone {
		t.Fatalf("run status = %s", res.Run.Status)
	}
}

func TestCreateRunDegradedChatStill2xx(t *testing.T) {
	cls := &stubClassifier{err: &semantic.Error{Code: semantic.CodeLLMFailed, Err: fmt.Errorf("down")}}
	ts := setupTestServer(t, cls)

	w := ts.do(t, http.MethodPost, "/api/v1/projects/"+ts.projectID+"/runs",
		map[string]string{"query_text": "привет"})
	if w.Code != http.StatusCreated {
		t.Fatalf("degraded run = %d: %s", w.Code, w.Body.String())
	}
	var res engine.CreateResult
	decode(t, w, &res)
	if res.ChatResponse != semantic.ResilienceNote {
		t.Fatalf("text = %q", res.ChatResponse)
	}
}

func TestCreateRunUnknownProject(t *testing.T) {
	ts := setupTestServer(t, nil)
	w := ts.do(t, http.MethodPost, "/api/v1/projects/missing/runs", map[string]string{"query_text": "q"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown project = %d", w.Code)
	}
}

func actClassifier() *stubClassifier {
	return &stubClassifier{d: &semantic.Decision{
		Intent:       semantic.IntentAct,
		Confidence:   0.9,
		PlanHint:     []string{semantic.HintWebResearch},
		DecisionPath: semantic.PathSemantic,
	}}
}

func TestRunControlsAndSnapshot(t *testing.T) {
	ts := setupTestServer(t, actClassifier())

	w := ts.do(t, http.MethodPost, "/api/v1/projects/"+ts.projectID+"/runs",
		map[string]string{"query_text": "что нового", "mode": store.ModeResearch})
	var res engine.CreateResult
	decode(t, w, &res)
	if res.Kind != engine.KindAct || len(res.Plan) == 0 {
		t.Fatalf("res = %+v", res)
	}
	runID := res.Run.ID

	w = ts.do(t, http.MethodGet, "/api/v1/runs/"+runID+"/plan", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("plan = %d", w.Code)
	}

	// Pausing a created run is a conflict.
	if w = ts.do(t, http.MethodPost, "/api/v1/runs/"+runID+"/pause", nil); w.Code != http.StatusConflict {
		t.Fatalf("pause created run = %d", w.Code)
	}

	w = ts.do(t, http.MethodPost, "/api/v1/runs/"+runID+"/cancel", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel = %d", w.Code)
	}
	var run store.Run
	decode(t, w, &run)
	if run.Status != store.RunCanceled {
		t.Fatalf("status = %s", run.Status)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/runs/"+runID+"/snapshot", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("snapshot = %d", w.Code)
	}
	var snap engine.Snapshot
	decode(t, w, &snap)
	if snap.Run.ID != runID || snap.Metrics.StepsTotal == 0 {
		t.Fatalf("snapshot = %+v", snap.Metrics)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/runs/"+runID+"/snapshot/download", nil)
	if got := w.Header().Get("Content-Disposition"); !strings.Contains(got, "attachment") {
		t.Fatalf("disposition = %q", got)
	}
}

func TestApprovalResolution(t *testing.T) {
	ts := setupTestServer(t, actClassifier())

	w := ts.do(t, http.MethodPost, "/api/v1/projects/"+ts.projectID+"/runs",
		map[string]string{"query_text": "что нового"})
	var res engine.CreateResult
	decode(t, w, &res)

	a, err := ts.store.CreateApproval(&store.Approval{
		RunID: res.Run.ID, Scope: "confirm_required", ApprovalType: "computer_actions",
	})
	if err != nil {
		t.Fatal(err)
	}

	w = ts.do(t, http.MethodPost, "/api/v1/approvals/"+a.ID+"/approve",
		map[string]any{"decision": map[string]int{"limit": 10}})
	if w.Code != http.StatusOK {
		t.Fatalf("approve = %d: %s", w.Code, w.Body.String())
	}
	var resolved store.Approval
	decode(t, w, &resolved)
	if resolved.Status != store.ApprovalApproved || string(resolved.Decision) != `{"limit":10}` {
		t.Fatalf("approval = %+v", resolved)
	}

	// Resolving again conflicts.
	w = ts.do(t, http.MethodPost, "/api/v1/approvals/"+a.ID+"/reject", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("double resolve = %d", w.Code)
	}
}

func TestMemoriesCRUD(t *testing.T) {
	ts := setupTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/memories",
		map[string]any{"title": "Имя", "content": "Пользователь представился как Михаил."})
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d", w.Code)
	}
	var m store.UserMemory
	decode(t, w, &m)

	w = ts.do(t, http.MethodPatch, "/api/v1/memories/"+m.ID, map[string]any{"pinned": true})
	if w.Code != http.StatusOK {
		t.Fatalf("patch = %d: %s", w.Code, w.Body.String())
	}
	var updated store.UserMemory
	decode(t, w, &updated)
	if !updated.Pinned || updated.Content != m.Content {
		t.Fatalf("updated = %+v", updated)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/memories?q=Михаил", nil)
	var list struct {
		Memories []*store.UserMemory `json:"memories"`
	}
	decode(t, w, &list)
	if len(list.Memories) != 1 {
		t.Fatalf("search = %+v", list.Memories)
	}

	if w = ts.do(t, http.MethodDelete, "/api/v1/memories/"+m.ID, nil); w.Code != http.StatusOK {
		t.Fatalf("delete = %d", w.Code)
	}
	if w = ts.do(t, http.MethodGet, "/api/v1/memories/"+m.ID, nil); w.Code != http.StatusNotFound {
		t.Fatalf("get deleted = %d", w.Code)
	}
}

func TestProjectMemorySearchAndUpdate(t *testing.T) {
	ts := setupTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/memories",
		map[string]any{"title": "Предпочтение", "content": "Пользователь предпочитает краткие ответы."})
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d", w.Code)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/projects/"+ts.projectID+"/memory/search?q=краткие", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("search = %d: %s", w.Code, w.Body.String())
	}
	var list struct {
		Memories []*store.UserMemory `json:"memories"`
	}
	decode(t, w, &list)
	if len(list.Memories) != 1 {
		t.Fatalf("search = %+v", list.Memories)
	}

	// Unknown project 404s before searching.
	w = ts.do(t, http.MethodGet, "/api/v1/projects/missing/memory/search?q=x", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown project search = %d", w.Code)
	}

	w = ts.do(t, http.MethodPut, "/api/v1/projects/"+ts.projectID,
		map[string]any{"name": "P2", "settings": map[string]any{"routing": map[string]bool{"strict_local": true}}})
	if w.Code != http.StatusOK {
		t.Fatalf("put = %d: %s", w.Code, w.Body.String())
	}
	var p store.Project
	decode(t, w, &p)
	if p.Name != "P2" {
		t.Fatalf("project = %+v", p)
	}
}

func TestRemindersCancel(t *testing.T) {
	ts := setupTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/reminders",
		map[string]any{"due_at": time.Now().Add(time.Hour).Format(time.RFC3339), "text": "попить воды"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", w.Code, w.Body.String())
	}
	var rem store.Reminder
	decode(t, w, &rem)
	if rem.Delivery != store.DeliveryLocal {
		t.Fatalf("delivery = %s", rem.Delivery)
	}

	w = ts.do(t, http.MethodDelete, "/api/v1/reminders/"+rem.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel = %d", w.Code)
	}
	var canceled store.Reminder
	decode(t, w, &canceled)
	if canceled.Status != store.ReminderCancelled {
		t.Fatalf("status = %s", canceled.Status)
	}
}

// parseSSEIDs extracts the id: lines from a raw SSE body.
func parseSSEIDs(body string) []string {
	var ids []string
	for _, line := range strings.Split(body, "\n") {
		if rest, ok := strings.CutPrefix(line, "id: "); ok {
			ids = append(ids, rest)
		}
	}
	return ids
}

func TestEventStreamResumes(t *testing.T) {
	ts := setupTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/projects/"+ts.projectID+"/runs",
		map[string]string{"query_text": "привет"})
	var res engine.CreateResult
	decode(t, w, &res)
	runID := res.Run.ID

	w = ts.do(t, http.MethodGet, "/api/v1/runs/"+runID+"/events?once=1", nil)
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %s", ct)
	}
	ids := parseSSEIDs(w.Body.String())
	if len(ids) < 3 {
		t.Fatalf("stream too short: %v", ids)
	}

	// Resume after the second event: only later frames come back.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+runID+"/events?once=1", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Last-Event-ID", ids[1])
	w = httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)

	resumed := parseSSEIDs(w.Body.String())
	if len(resumed) != len(ids)-2 {
		t.Fatalf("resumed %d frames, want %d", len(resumed), len(ids)-2)
	}
	if resumed[0] != ids[2] {
		t.Fatalf("resume started at %s, want %s", resumed[0], ids[2])
	}
}

func TestEventsDownloadNDJSON(t *testing.T) {
	ts := setupTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/projects/"+ts.projectID+"/runs",
		map[string]string{"query_text": "привет"})
	var res engine.CreateResult
	decode(t, w, &res)

	w = ts.do(t, http.MethodGet, "/api/v1/runs/"+res.Run.ID+"/events/download", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("download = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type = %s", ct)
	}
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	if len(lines) < 3 {
		t.Fatalf("ndjson lines = %d", len(lines))
	}
	var first store.Event
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("first line not json: %v", err)
	}
	if first.Type != events.RunCreated {
		t.Fatalf("first event = %s", first.Type)
	}
}
