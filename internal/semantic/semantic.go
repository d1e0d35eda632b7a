// Package semantic classifies one user utterance into an intent and plan
// hints via a single local-only model call. The output is validated against
// a JSON schema plus a literal-substring evidence check; every failure mode
// carries a typed code so the run engine can degrade to chat instead of
// failing the request.
package semantic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/antigravity-dev/sidekick/internal/brain"
)

// Intents.
const (
	IntentChat    = "CHAT"
	IntentAct     = "ACT"
	IntentClarify = "ASK_CLARIFY"
)

// Plan hints, closed set. The planner maps each to a skill step.
const (
	HintChatResponse      = "CHAT_RESPONSE"
	HintClarifyQuestion   = "CLARIFY_QUESTION"
	HintWebResearch       = "WEB_RESEARCH"
	HintBrowserResearchUI = "BROWSER_RESEARCH_UI"
	HintComputerActions   = "COMPUTER_ACTIONS"
	HintDocumentWrite     = "DOCUMENT_WRITE"
	HintFileOrganize      = "FILE_ORGANIZE"
	HintCodeAssist        = "CODE_ASSIST"
	HintMemoryCommit      = "MEMORY_COMMIT"
	HintReminderCreate    = "REMINDER_CREATE"
	HintSmokeRun          = "SMOKE_RUN"
)

// KnownHint reports whether h belongs to the closed plan-hint set.
func KnownHint(h string) bool {
	switch h {
	case HintChatResponse, HintClarifyQuestion, HintWebResearch, HintBrowserResearchUI,
		HintComputerActions, HintDocumentWrite, HintFileOrganize, HintCodeAssist,
		HintMemoryCommit, HintReminderCreate, HintSmokeRun:
		return true
	}
	return false
}

// Typed failure codes, stored in run.meta.semantic_error_code.
const (
	CodeLLMFailed              = "semantic_decision_llm_failed"
	CodeInvalidJSON            = "semantic_decision_invalid_json"
	CodeSchemaViolation        = "semantic_decision_schema_violation"
	CodeMemoryItemMustBeObject = "semantic_decision_memory_item_must_be_object"
	CodeEvidenceNotSubstring   = "semantic_decision_evidence_not_substring"
)

// ResilienceNote is shown to the user when classification is unavailable.
const ResilienceNote = "Семантическая классификация недоступна, отвечаю напрямую."

// DecisionPath values recorded in run meta.
const (
	PathSemantic   = "semantic"
	PathResilience = "semantic_resilience"
)

// Error is a typed classifier failure.
type Error struct {
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorCode extracts the typed code, falling back to the generic LLM code.
func ErrorCode(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeLLMFailed
}

// MemoryItem is a durable fact the classifier spotted in the message.
type MemoryItem struct {
	Kind     string `json:"kind"`
	Text     string `json:"text"`
	Evidence string `json:"evidence"`
}

// Decision is the validated classifier output plus engine-side annotations.
type Decision struct {
	Intent            string      `json:"intent"`
	Confidence        float64     `json:"confidence"`
	MemoryItem        *MemoryItem `json:"memory_item,omitempty"`
	PlanHint          []string    `json:"plan_hint,omitempty"`
	ResponseStyleHint string      `json:"response_style_hint,omitempty"`
	UserVisibleNote   string      `json:"user_visible_note,omitempty"`

	// DecisionPath is semantic or semantic_resilience; ErrorCode is set only
	// on the resilience path.
	DecisionPath string `json:"decision_path"`
	ErrorCode    string `json:"error_code,omitempty"`
}

// ResilienceDecision builds the degradation decision for a failed
// classification: plain chat, never an API error.
func ResilienceDecision(code string) *Decision {
	return &Decision{
		Intent:          IntentChat,
		Confidence:      0,
		PlanHint:        []string{HintChatResponse},
		UserVisibleNote: ResilienceNote,
		DecisionPath:    PathResilience,
		ErrorCode:       code,
	}
}

// Caller is the router-shaped dependency, narrowed for tests.
type Caller interface {
	Call(ctx context.Context, req *brain.Request) (*brain.Response, error)
}

// Classifier runs the semantic decision call.
type Classifier struct {
	caller Caller
	schema *jsonschema.Schema
	logger *slog.Logger
}

// NewClassifier compiles the decision schema and returns a classifier.
func NewClassifier(caller Caller, logger *slog.Logger) (*Classifier, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(decisionSchema))
	if err != nil {
		return nil, fmt.Errorf("semantic: parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("decision.json", doc); err != nil {
		return nil, fmt.Errorf("semantic: add schema resource: %w", err)
	}
	compiled, err := c.Compile("decision.json")
	if err != nil {
		return nil, fmt.Errorf("semantic: compile schema: %w", err)
	}
	return &Classifier{caller: caller, schema: compiled, logger: logger.With("component", "semantic")}, nil
}

const systemPrompt = `Ты — классификатор намерений локального ассистента. Прочитай сообщение пользователя и верни строго JSON по схеме:
- intent: CHAT (просто ответить), ACT (нужны действия или план), ASK_CLARIFY (нужно уточнение);
- confidence: число от 0 до 1;
- plan_hint: список подсказок плана из закрытого набора;
- memory_item: объект {kind, text, evidence}, только если пользователь сообщил о себе что-то долговременное; evidence — дословная цитата из сообщения;
- response_style_hint и user_visible_note — опционально.
Никакого текста вне JSON.`

// Classify runs one strict-local model call and validates the result.
func (c *Classifier) Classify(ctx context.Context, runID, userText string, history []brain.Message) (*Decision, error) {
	messages := make([]brain.Message, 0, len(history)+2)
	messages = append(messages, brain.Message{Role: "system", Content: systemPrompt})
	messages = append(messages, history...)
	messages = append(messages, brain.Message{Role: "user", Content: userText})

	resp, err := c.caller.Call(ctx, &brain.Request{
		Purpose:     "semantic_classifier",
		TaskKind:    brain.KindChat,
		Messages:    messages,
		Temperature: 0.1,
		MaxTokens:   700,
		JSONSchema:  json.RawMessage(decisionSchema),
		RunID:       runID,
		StrictLocal: true,
	})
	if err != nil {
		return nil, &Error{Code: CodeLLMFailed, Err: err}
	}
	if resp.Status != brain.StatusOK {
		return nil, &Error{Code: CodeLLMFailed, Err: fmt.Errorf("router status %s", resp.Status)}
	}

	return c.parse(userText, resp.Text)
}

func (c *Classifier) parse(userText, raw string) (*Decision, error) {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, &Error{Code: CodeInvalidJSON, Err: err}
	}

	// An array memory_item is a known model failure mode with its own code;
	// check it before the schema so the caller sees the specific reason.
	if obj, ok := doc.(map[string]any); ok {
		if _, isArray := obj["memory_item"].([]any); isArray {
			return nil, &Error{Code: CodeMemoryItemMustBeObject}
		}
	}

	if err := c.schema.Validate(doc); err != nil {
		return nil, &Error{Code: CodeSchemaViolation, Err: err}
	}

	var d Decision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, &Error{Code: CodeInvalidJSON, Err: err}
	}

	if d.MemoryItem != nil && !strings.Contains(userText, d.MemoryItem.Evidence) {
		return nil, &Error{Code: CodeEvidenceNotSubstring,
			Err: fmt.Errorf("evidence %q not found in message", d.MemoryItem.Evidence)}
	}

	if d.Confidence < 0 {
		d.Confidence = 0
	} else if d.Confidence > 1 {
		d.Confidence = 1
	}
	if len(d.PlanHint) == 0 && d.Intent == IntentChat {
		d.PlanHint = []string{HintChatResponse}
	}
	d.DecisionPath = PathSemantic
	return &d, nil
}
