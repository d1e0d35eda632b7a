// Package memoryint extracts durable user facts and preferences from a
// message with a local-only model call. Interpretation failures are recorded
// in the result, never surfaced as run errors.
package memoryint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/antigravity-dev/sidekick/internal/brain"
)

// Error codes recorded in run.meta.memory_interpretation_error.
const (
	CodeLLMFailed         = "memory_interpreter_llm_failed"
	CodeInvalidJSON       = "memory_interpreter_invalid_json"
	CodeSkippedResilience = "memory_interpreter_skipped_semantic_resilience"
)

// minConfidence is the floor below which should_store is demoted to false.
const minConfidence = 0.55

// historyWindow limits how many recent turns ride along with the message.
const historyWindow = 10

// Fact is one extracted statement with its literal evidence.
type Fact struct {
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Evidence   string  `json:"evidence"`
}

// Interpretation is the validated interpreter output.
type Interpretation struct {
	ShouldStore   bool    `json:"should_store"`
	Confidence    float64 `json:"confidence"`
	Title         string  `json:"title,omitempty"`
	Summary       string  `json:"summary,omitempty"`
	Facts         []Fact  `json:"facts,omitempty"`
	Preferences   []Fact  `json:"preferences,omitempty"`
	PossibleFacts []Fact  `json:"possible_facts,omitempty"`

	// Error holds the typed code when interpretation failed or was skipped.
	Error string `json:"error,omitempty"`
}

// Skipped builds the placeholder result used when semantic resilience is
// active for the message.
func Skipped() *Interpretation {
	return &Interpretation{Error: CodeSkippedResilience}
}

// Failed builds the placeholder result for a failed interpretation.
func Failed(code string) *Interpretation {
	return &Interpretation{Error: code}
}

// Caller is the router-shaped dependency, narrowed for tests.
type Caller interface {
	Call(ctx context.Context, req *brain.Request) (*brain.Response, error)
}

// Interpreter runs the memory interpretation call.
type Interpreter struct {
	caller Caller
	schema *jsonschema.Schema
	logger *slog.Logger
}

// NewInterpreter compiles the output schema and returns an interpreter.
func NewInterpreter(caller Caller, logger *slog.Logger) (*Interpreter, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(interpretationSchema))
	if err != nil {
		return nil, fmt.Errorf("memoryint: parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("interpretation.json", doc); err != nil {
		return nil, fmt.Errorf("memoryint: add schema resource: %w", err)
	}
	compiled, err := c.Compile("interpretation.json")
	if err != nil {
		return nil, fmt.Errorf("memoryint: compile schema: %w", err)
	}
	return &Interpreter{caller: caller, schema: compiled, logger: logger.With("component", "memoryint")}, nil
}

const systemPrompt = `Ты извлекаешь долговременные факты о пользователе из его сообщения. Верни строго JSON:
- should_store: стоит ли сохранить что-то в память;
- confidence: уверенность от 0 до 1;
- facts и preferences: списки {key, value, confidence, evidence}, где evidence — дословная цитата из сообщения;
- possible_facts: менее уверенные кандидаты;
- title и summary: короткие заголовок и описание записи.
Никакого текста вне JSON.`

// Interpret inspects the message in the context of recent turns and the
// known profile. Failures come back as a typed *Interpretation via Failed;
// the error return is for the caller's logging only.
func (i *Interpreter) Interpret(ctx context.Context, runID, userText string, history []brain.Message, knownProfile string) (*Interpretation, error) {
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}

	messages := make([]brain.Message, 0, len(history)+3)
	messages = append(messages, brain.Message{Role: "system", Content: systemPrompt})
	if knownProfile != "" {
		messages = append(messages, brain.Message{Role: "system", Content: "Известный профиль пользователя:\n" + knownProfile})
	}
	messages = append(messages, history...)
	messages = append(messages, brain.Message{Role: "user", Content: userText})

	resp, err := i.caller.Call(ctx, &brain.Request{
		Purpose:     "memory_interpreter",
		TaskKind:    brain.KindChat,
		Messages:    messages,
		Temperature: 0.1,
		MaxTokens:   700,
		JSONSchema:  json.RawMessage(interpretationSchema),
		RunID:       runID,
		StrictLocal: true,
	})
	if err != nil {
		return Failed(CodeLLMFailed), err
	}
	if resp.Status != brain.StatusOK {
		return Failed(CodeLLMFailed), fmt.Errorf("memoryint: router status %s", resp.Status)
	}

	return i.parse(userText, resp.Text)
}

func (i *Interpreter) parse(userText, raw string) (*Interpretation, error) {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return Failed(CodeInvalidJSON), err
	}
	if err := i.schema.Validate(doc); err != nil {
		return Failed(CodeInvalidJSON), err
	}

	var out Interpretation
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return Failed(CodeInvalidJSON), err
	}

	out.Facts = keepEvidenced(userText, out.Facts)
	out.Preferences = keepEvidenced(userText, out.Preferences)
	out.PossibleFacts = keepEvidenced(userText, out.PossibleFacts)

	if out.Confidence < minConfidence {
		out.ShouldStore = false
	}
	if len(out.Facts) == 0 && len(out.Preferences) == 0 {
		out.ShouldStore = false
	}
	return &out, nil
}

// keepEvidenced drops facts whose evidence is not a literal substring of the
// user message.
func keepEvidenced(userText string, facts []Fact) []Fact {
	kept := facts[:0]
	for _, f := range facts {
		if f.Evidence != "" && strings.Contains(userText, f.Evidence) {
			kept = append(kept, f)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}

// interpretationSchema constrains the interpreter output.
const interpretationSchema = `{
  "type": "object",
  "required": ["should_store", "confidence"],
  "properties": {
    "should_store": {"type": "boolean"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "title": {"type": "string"},
    "summary": {"type": "string"},
    "facts": {"type": "array", "items": {"$ref": "#/$defs/fact"}},
    "preferences": {"type": "array", "items": {"$ref": "#/$defs/fact"}},
    "possible_facts": {"type": "array", "items": {"$ref": "#/$defs/fact"}}
  },
  "$defs": {
    "fact": {
      "type": "object",
      "required": ["key", "value", "evidence"],
      "properties": {
        "key": {"type": "string"},
        "value": {"type": "string"},
        "confidence": {"type": "number", "minimum": 0, "maximum": 1},
        "evidence": {"type": "string"}
      }
    }
  }
}`
