// Package engine orchestrates runs: it classifies the utterance, builds the
// plan, drives step execution with attempts and approvals, and keeps the run
// status machine honest.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/antigravity-dev/sidekick/internal/approval"
	"github.com/antigravity-dev/sidekick/internal/brain"
	"github.com/antigravity-dev/sidekick/internal/events"
	"github.com/antigravity-dev/sidekick/internal/memoryint"
	"github.com/antigravity-dev/sidekick/internal/planner"
	"github.com/antigravity-dev/sidekick/internal/semantic"
	"github.com/antigravity-dev/sidekick/internal/skills"
	"github.com/antigravity-dev/sidekick/internal/store"
)

// Router is the brain router surface the engine needs.
type Router interface {
	Call(ctx context.Context, req *brain.Request) (*brain.Response, error)
	RunMetrics(runID string) (calls, cacheHits int)
	ReleaseRun(runID string)
}

// Classifier produces the semantic decision for an utterance.
type Classifier interface {
	Classify(ctx context.Context, runID, userText string, history []brain.Message) (*semantic.Decision, error)
}

// Interpreter extracts durable memory content from an utterance.
type Interpreter interface {
	Interpret(ctx context.Context, runID, userText string, history []brain.Message, knownProfile string) (*memoryint.Interpretation, error)
}

// Options carries the executor knobs.
type Options struct {
	MemoryMaxChars  int
	MicroStepLimit  int
	AutopilotBudget int // seconds
	Location        *time.Location
	HistoryDepth    int // parent-chain turns carried into chat context
}

// Engine wires the orchestration pipeline together.
type Engine struct {
	store       *store.Store
	bus         *events.Bus
	router      Router
	classifier  Classifier
	interpreter Interpreter
	runner      *skills.Runner
	approvals   *approval.Coordinator
	bridge      skills.Bridge
	search      skills.SearchClient
	opts        Options
	logger      *slog.Logger

	wg sync.WaitGroup
}

// New creates an engine. bridge and search may be nil.
func New(s *store.Store, bus *events.Bus, router Router, classifier Classifier, interpreter Interpreter,
	runner *skills.Runner, approvals *approval.Coordinator, bridge skills.Bridge, search skills.SearchClient,
	opts Options, logger *slog.Logger) *Engine {
	if opts.HistoryDepth <= 0 {
		opts.HistoryDepth = 5
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Engine{
		store:       s,
		bus:         bus,
		router:      router,
		classifier:  classifier,
		interpreter: interpreter,
		runner:      runner,
		approvals:   approvals,
		bridge:      bridge,
		search:      search,
		opts:        opts,
		logger:      logger.With("component", "engine"),
	}
}

// Wait blocks until all background run workers finish.
func (e *Engine) Wait() { e.wg.Wait() }

// Result kinds of CreateRun.
const (
	KindAct     = "act"
	KindChat    = "chat"
	KindClarify = "clarify"
)

// CreateResult is the outcome of run creation, shaped by the intent branch.
type CreateResult struct {
	Kind         string            `json:"kind"`
	Run          *store.Run        `json:"run"`
	Plan         []*store.PlanStep `json:"plan,omitempty"`
	ChatResponse string            `json:"chat_response,omitempty"`
	Questions    []string          `json:"questions,omitempty"`
}

type runtimeMetrics struct {
	LLMCalls  int `json:"llm_calls"`
	CacheHits int `json:"cache_hits"`
}

type runMeta struct {
	Intent                    string                    `json:"intent"`
	IntentPath                string                    `json:"intent_path"`
	Confidence                float64                   `json:"confidence,omitempty"`
	PlanHint                  []string                  `json:"plan_hint,omitempty"`
	MemoryItem                *semantic.MemoryItem      `json:"memory_item,omitempty"`
	StyleHint                 string                    `json:"style_hint,omitempty"`
	UserVisibleNote           string                    `json:"user_visible_note,omitempty"`
	SemanticErrorCode         string                    `json:"semantic_error_code,omitempty"`
	MemoryInterpretation      *memoryint.Interpretation `json:"memory_interpretation,omitempty"`
	MemoryInterpretationError string                    `json:"memory_interpretation_error,omitempty"`
	ChatResponse              string                    `json:"chat_response,omitempty"`
	RuntimeMetrics            runtimeMetrics            `json:"runtime_metrics"`
}

const defaultClarifyQuestion = "Уточните, пожалуйста, что именно нужно сделать?"

// CreateRun runs the create-run control path: classify, interpret, compose
// meta, then branch by intent. Classifier failures degrade to chat and
// never surface as an error.
func (e *Engine) CreateRun(ctx context.Context, projectID, queryText, mode, parentRunID, purpose string) (*CreateResult, error) {
	if mode == "" {
		mode = store.ModePlanOnly
	}
	initial, _ := json.Marshal(runMeta{Intent: semantic.IntentClarify, IntentPath: "pending"})
	run, err := e.store.CreateRun(projectID, queryText, mode, parentRunID, purpose, initial)
	if err != nil {
		return nil, err
	}
	e.emit(run.ID, events.RunCreated, map[string]any{"query_text": queryText, "mode": mode}, "", "")

	history := e.chatHistory(parentRunID)

	decision, err := e.classifier.Classify(ctx, run.ID, queryText, history)
	if err != nil {
		code := semantic.ErrorCode(err)
		e.emit(run.ID, events.LLMRequestFailed, map[string]any{"error_type": code, "purpose": "semantic_classifier"}, "", "")
		decision = semantic.ResilienceDecision(code)
	}

	var interp *memoryint.Interpretation
	if decision.DecisionPath == semantic.PathResilience {
		interp = memoryint.Skipped()
	} else {
		var ierr error
		interp, ierr = e.interpreter.Interpret(ctx, run.ID, queryText, history, e.knownProfile())
		if ierr != nil {
			e.logger.Warn("memory interpretation failed", "run_id", run.ID, "error", ierr)
		}
	}

	selMode, selPurpose := composeMode(decision, mode, purpose)
	meta := runMeta{
		Intent:               decision.Intent,
		IntentPath:           decision.DecisionPath,
		Confidence:           decision.Confidence,
		PlanHint:             decision.PlanHint,
		MemoryItem:           decision.MemoryItem,
		StyleHint:            decision.ResponseStyleHint,
		UserVisibleNote:      decision.UserVisibleNote,
		SemanticErrorCode:    decision.ErrorCode,
		MemoryInterpretation: interp,
	}
	if interp != nil {
		meta.MemoryInterpretationError = interp.Error
	}
	if err := e.updateMeta(run.ID, &meta, selMode, selPurpose); err != nil {
		return nil, err
	}
	e.emit(run.ID, events.IntentDecided, map[string]any{
		"intent": decision.Intent, "confidence": decision.Confidence,
		"intent_path": decision.DecisionPath, "plan_hint": decision.PlanHint,
	}, "", "")

	run, err = e.store.GetRun(run.ID)
	if err != nil {
		return nil, err
	}

	switch decision.Intent {
	case semantic.IntentChat:
		return e.chatBranch(ctx, run, decision, interp, history)
	case semantic.IntentClarify:
		return e.clarifyBranch(run, decision)
	default:
		return e.actBranch(run, decision, interp)
	}
}

// composeMode derives the selected mode and purpose from the intent.
func composeMode(d *semantic.Decision, requestedMode, requestedPurpose string) (string, string) {
	switch d.Intent {
	case semantic.IntentChat:
		return store.ModePlanOnly, "chat_only"
	case semantic.IntentClarify:
		return store.ModePlanOnly, "clarify"
	}
	mode := requestedMode
	if mode == store.ModePlanOnly && suggestsExecution(d.PlanHint) {
		mode = store.ModeExecuteConfirm
	}
	return mode, requestedPurpose
}

func suggestsExecution(hints []string) bool {
	for _, h := range hints {
		switch h {
		case semantic.HintComputerActions, semantic.HintBrowserResearchUI,
			semantic.HintFileOrganize, semantic.HintDocumentWrite, semantic.HintSmokeRun:
			return true
		}
	}
	return false
}

func (e *Engine) chatBranch(ctx context.Context, run *store.Run, d *semantic.Decision, interp *memoryint.Interpretation, history []brain.Message) (*CreateResult, error) {
	var text string
	degraded := d.DecisionPath == semantic.PathResilience
	if degraded {
		text = semantic.ResilienceNote
	} else {
		text = e.chatText(ctx, run, d, history)
	}
	e.emit(run.ID, events.ChatResponseGen, map[string]any{"text": text, "degraded": degraded}, "", "")

	e.saveChatMemory(run.ID, d, interp)

	if err := e.finishChatRun(run.ID, text); err != nil {
		return nil, err
	}
	run, err := e.store.GetRun(run.ID)
	if err != nil {
		return nil, err
	}
	return &CreateResult{Kind: KindChat, Run: run, ChatResponse: text}, nil
}

// chatText builds the chat context and asks the router. Router failures
// degrade to the phrasebook, never to an error.
func (e *Engine) chatText(ctx context.Context, run *store.Run, d *semantic.Decision, history []brain.Message) string {
	system := "Ты — локальный ассистент. Отвечай кратко и по делу, на языке пользователя."
	if profile := e.knownProfile(); profile != "" {
		system += "\nЧто известно о пользователе:\n" + profile
	}
	if d.ResponseStyleHint != "" {
		system += "\nСтиль ответа: " + d.ResponseStyleHint
	}

	messages := make([]brain.Message, 0, len(history)+2)
	messages = append(messages, brain.Message{Role: "system", Content: system})
	messages = append(messages, history...)
	messages = append(messages, brain.Message{Role: "user", Content: run.QueryText})

	resp, err := e.router.Call(ctx, &brain.Request{
		Purpose:  "chat_response",
		TaskKind: brain.KindChat,
		ContextItems: []brain.ContextItem{
			{Content: run.QueryText, SourceType: brain.SourceUserPrompt, Sensitivity: brain.SensitivityPublic},
		},
		Messages:      messages,
		RunID:         run.ID,
		ProjectPolicy: e.projectPolicy(run.ProjectID),
	})
	if err != nil {
		return brain.UserFacingError(brain.ErrorType(err))
	}
	if resp.Status != brain.StatusOK || resp.Text == "" {
		return brain.UserFacingError(resp.ErrorType)
	}
	return resp.Text
}

// saveChatMemory persists memory content found during a chat turn. Failures
// are reported on the event log but never fail the run.
func (e *Engine) saveChatMemory(runID string, d *semantic.Decision, interp *memoryint.Interpretation) {
	var mem *store.UserMemory
	switch {
	case interp != nil && interp.ShouldStore:
		content := interp.Summary
		if content == "" {
			var lines []string
			for _, f := range interp.Facts {
				lines = append(lines, f.Key+": "+f.Value)
			}
			content = strings.Join(lines, "\n")
		}
		meta, _ := json.Marshal(interp)
		mem = &store.UserMemory{Title: interp.Title, Content: content, Source: store.MemorySourceAuto, Meta: meta}
	case d.MemoryItem != nil:
		mem = &store.UserMemory{
			Title:   memoryTitle(d.MemoryItem.Kind),
			Content: d.MemoryItem.Text,
			Tags:    []string{d.MemoryItem.Kind},
			Source:  store.MemorySourceAuto,
		}
	default:
		return
	}

	e.emit(runID, events.MemorySaveRequested, map[string]any{"title": mem.Title}, "", "")
	saved, err := e.store.SaveMemory(mem, e.opts.MemoryMaxChars)
	if err != nil {
		e.logger.Warn("chat memory save failed", "run_id", runID, "error", err)
		e.emit(runID, events.LLMRequestFailed, map[string]any{"error_type": "memory_save_failed"}, "", "")
		return
	}
	e.emit(runID, events.MemorySaved, map[string]any{"memory_id": saved.ID, "title": saved.Title}, "", "")
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

func (e *Engine) clarifyBranch(run *store.Run, d *semantic.Decision) (*CreateResult, error) {
	questions := []string{defaultClarifyQuestion}
	if d.UserVisibleNote != "" {
		questions = []string{d.UserVisibleNote}
	}
	e.emit(run.ID, events.ClarifyRequested, map[string]any{"questions": questions}, "", "")

	if err := e.finishChatRun(run.ID, ""); err != nil {
		return nil, err
	}
	run, err := e.store.GetRun(run.ID)
	if err != nil {
		return nil, err
	}
	return &CreateResult{Kind: KindClarify, Run: run, Questions: questions}, nil
}

func (e *Engine) actBranch(run *store.Run, d *semantic.Decision, interp *memoryint.Interpretation) (*CreateResult, error) {
	steps, err := planner.BuildPlan(planner.Input{
		Query:          run.QueryText,
		Intent:         d.Intent,
		PlanHint:       d.PlanHint,
		MemoryItem:     d.MemoryItem,
		Interpretation: interp,
		Now:            time.Now(),
		Location:       e.opts.Location,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: plan: %w", err)
	}
	if err := e.store.ReplacePlanSteps(run.ID, steps); err != nil {
		return nil, err
	}
	e.emit(run.ID, events.PlanCreated, map[string]any{"steps": len(steps)}, "", "")

	plan, err := e.store.ListPlanSteps(run.ID)
	if err != nil {
		return nil, err
	}
	return &CreateResult{Kind: KindAct, Run: run, Plan: plan}, nil
}

// finishChatRun walks a chat/clarify run through running to done and emits
// run_done. The chat text lands in meta for parent-chain history.
func (e *Engine) finishChatRun(runID, chatText string) error {
	if chatText != "" {
		run, err := e.store.GetRun(runID)
		if err != nil {
			return err
		}
		var meta runMeta
		if err := json.Unmarshal(run.Meta, &meta); err == nil {
			meta.ChatResponse = chatText
			if err := e.updateMeta(runID, &meta, "", ""); err != nil {
				return err
			}
		}
	}
	if err := e.store.UpdateRunStatus(runID, store.RunRunning); err != nil {
		return err
	}
	if err := e.store.UpdateRunStatus(runID, store.RunDone); err != nil {
		return err
	}
	e.emit(runID, events.RunDone, nil, "", "")
	e.router.ReleaseRun(runID)
	return nil
}

// updateMeta refreshes the runtime metrics and writes the meta document.
func (e *Engine) updateMeta(runID string, meta *runMeta, mode, purpose string) error {
	calls, hits := e.router.RunMetrics(runID)
	meta.RuntimeMetrics = runtimeMetrics{LLMCalls: calls, CacheHits: hits}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("engine: marshal meta: %w", err)
	}
	return e.store.UpdateRunMeta(runID, data, mode, purpose)
}

// chatHistory walks the parent-run chain, oldest first, pairing each query
// with the chat response recorded in its meta.
func (e *Engine) chatHistory(parentRunID string) []brain.Message {
	var turns []brain.Message
	id := parentRunID
	for depth := 0; id != "" && depth < e.opts.HistoryDepth; depth++ {
		run, err := e.store.GetRun(id)
		if err != nil {
			break
		}
		pair := []brain.Message{{Role: "user", Content: run.QueryText}}
		var meta runMeta
		if err := json.Unmarshal(run.Meta, &meta); err == nil && meta.ChatResponse != "" {
			pair = append(pair, brain.Message{Role: "assistant", Content: meta.ChatResponse})
		}
		turns = append(pair, turns...)
		id = run.ParentRunID
	}
	return turns
}

// knownProfile renders pinned memories into a short profile block.
func (e *Engine) knownProfile() string {
	mems, err := e.store.ListMemories()
	if err != nil {
		return ""
	}
	var lines []string
	for _, m := range mems {
		if m.Pinned {
			lines = append(lines, "- "+m.Content)
		}
	}
	return strings.Join(lines, "\n")
}

// projectPolicy reads routing restrictions from the project settings.
func (e *Engine) projectPolicy(projectID string) *brain.PolicyFlags {
	p, err := e.store.GetProject(projectID)
	if err != nil || len(p.Settings) == 0 {
		return nil
	}
	var settings struct {
		Routing *struct {
			StrictLocal      bool  `json:"strict_local"`
			CloudEnabled     *bool `json:"cloud_enabled"`
			AutoCloudEnabled *bool `json:"auto_cloud_enabled"`
		} `json:"routing"`
	}
	if err := json.Unmarshal(p.Settings, &settings); err != nil || settings.Routing == nil {
		return nil
	}
	flags := &brain.PolicyFlags{CloudAllowed: true, AutoCloudEnabled: true}
	flags.StrictLocal = settings.Routing.StrictLocal
	if settings.Routing.CloudEnabled != nil {
		flags.CloudAllowed = *settings.Routing.CloudEnabled
	}
	if settings.Routing.AutoCloudEnabled != nil {
		flags.AutoCloudEnabled = *settings.Routing.AutoCloudEnabled
	}
	return flags
}

func (e *Engine) emit(runID, typ string, payload any, taskID, stepID string) {
	if _, err := e.bus.EmitJSON(runID, typ, payload, taskID, stepID); err != nil {
		e.logger.Error("engine event emit failed", "run_id", runID, "type", typ, "error", err)
	}
}
