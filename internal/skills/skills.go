// Package skills hosts the skill registry, the manifest-driven runner and
// the built-in skill bodies. Every skill returns the same Result shape so
// the run engine can persist sources, facts, artifacts and events uniformly.
package skills

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/antigravity-dev/sidekick/internal/brain"
	"github.com/antigravity-dev/sidekick/internal/events"
	"github.com/antigravity-dev/sidekick/internal/store"
)

// Scopes, in increasing order of required caution.
const (
	ScopeSafe            = "safe"
	ScopeConfirmRequired = "confirm_required"
	ScopeDangerous       = "dangerous"
)

var (
	ErrSkillNotFound    = errors.New("skill_not_found")
	ErrInputValidation  = errors.New("skill_input_validation")
	ErrApprovalRequired = errors.New("approval_required")
	ErrRunCanceled      = errors.New("run_canceled")
)

// Manifest describes a skill: its scope tier and the JSON schema its inputs
// must satisfy.
type Manifest struct {
	Name         string `json:"name"`
	Title        string `json:"title"`
	Scope        string `json:"scope"`
	ApprovalType string `json:"approval_type,omitempty"`
	InputSchema  string `json:"-"`
}

// ResultEvent is a free-form event a skill wants appended to the run log.
type ResultEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Result is the uniform skill outcome.
type Result struct {
	WhatIDid    string            `json:"what_i_did"`
	Sources     []*store.Source   `json:"sources,omitempty"`
	Facts       []*store.Fact     `json:"facts,omitempty"`
	Conflicts   []*store.Conflict `json:"conflicts,omitempty"`
	Artifacts   []*store.Artifact `json:"artifacts,omitempty"`
	Events      []ResultEvent     `json:"events,omitempty"`
	Confidence  float64           `json:"confidence"`
	Assumptions []string          `json:"assumptions,omitempty"`
}

// Caller is the brain router dependency, narrowed for tests.
type Caller interface {
	Call(ctx context.Context, req *brain.Request) (*brain.Response, error)
}

// RunContext carries everything a skill body may touch. Nil optional fields
// mean the capability is unavailable.
type RunContext struct {
	RunID  string
	TaskID string
	StepID string
	Mode   string

	Store *store.Store
	Bus   *events.Bus
	Brain Caller

	// Bridge drives the desktop for computer_autopilot; nil outside desktop
	// sessions.
	Bridge Bridge
	// Search finds and fetches web pages for web_research; nil degrades the
	// skill to model-only answers.
	Search SearchClient

	// Approved marks that a pending approval for this task resolved to
	// approved; Decision carries its free-form payload.
	Approved bool
	Decision json.RawMessage

	// RunStatus re-reads the run status for cooperative pause/cancel checks.
	RunStatus func() (string, error)

	MemoryMaxChars  int
	MicroStepLimit  int
	AutopilotBudget int // seconds

	Logger *slog.Logger
}

// Skill is one named operation with a manifest and a body.
type Skill interface {
	Manifest() *Manifest
	Execute(ctx context.Context, inputs json.RawMessage, rc *RunContext) (*Result, error)
}

// Registry maps skill names to implementations.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]Skill
	schemas map[string]*jsonschema.Schema
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: map[string]Skill{}, schemas: map[string]*jsonschema.Schema{}}
}

// Register adds a skill, compiling its input schema.
func (r *Registry) Register(s Skill) error {
	m := s.Manifest()
	if m == nil || m.Name == "" {
		return errors.New("skills: manifest without a name")
	}
	var compiled *jsonschema.Schema
	if m.InputSchema != "" {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(m.InputSchema))
		if err != nil {
			return fmt.Errorf("skills: %s: parse input schema: %w", m.Name, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(m.Name+".json", doc); err != nil {
			return fmt.Errorf("skills: %s: add schema resource: %w", m.Name, err)
		}
		compiled, err = c.Compile(m.Name + ".json")
		if err != nil {
			return fmt.Errorf("skills: %s: compile input schema: %w", m.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byName[m.Name]; dup {
		return fmt.Errorf("skills: %s already registered", m.Name)
	}
	r.byName[m.Name] = s
	if compiled != nil {
		r.schemas[m.Name] = compiled
	}
	return nil
}

// Get returns the skill by name.
func (r *Registry) Get(name string) (Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[name]
	return s, ok
}

// Manifests lists all registered manifests sorted by name.
func (r *Registry) Manifests() []*Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Manifest, 0, len(r.byName))
	for _, s := range r.byName {
		out = append(out, s.Manifest())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Runner validates inputs and invokes skills behind the scope gate.
type Runner struct {
	registry *Registry
	logger   *slog.Logger
}

// NewRunner creates a runner over the registry.
func NewRunner(registry *Registry, logger *slog.Logger) *Runner {
	return &Runner{registry: registry, logger: logger.With("component", "skills")}
}

// ManifestFor returns the manifest for a skill name.
func (r *Runner) ManifestFor(name string) (*Manifest, error) {
	s, ok := r.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSkillNotFound, name)
	}
	return s.Manifest(), nil
}

// Run validates inputs against the manifest schema, enforces the scope gate
// and executes the skill body. Non-safe scopes require rc.Approved.
func (r *Runner) Run(ctx context.Context, name string, inputs json.RawMessage, rc *RunContext) (*Result, error) {
	s, ok := r.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSkillNotFound, name)
	}
	m := s.Manifest()

	if schema, has := r.schemaFor(name); has {
		var doc any
		if len(inputs) == 0 {
			inputs = json.RawMessage("{}")
		}
		if err := json.Unmarshal(inputs, &doc); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInputValidation, name, err)
		}
		if err := schema.Validate(doc); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInputValidation, name, err)
		}
	}

	if m.Scope != ScopeSafe && !rc.Approved {
		return nil, fmt.Errorf("%w: %s requires %s approval", ErrApprovalRequired, name, m.Scope)
	}

	r.logger.Info("skill invoked", "skill", name, "run_id", rc.RunID, "task_id", rc.TaskID)
	return s.Execute(ctx, inputs, rc)
}

func (r *Runner) schemaFor(name string) (*jsonschema.Schema, bool) {
	r.registry.mu.RLock()
	defer r.registry.mu.RUnlock()
	s, ok := r.registry.schemas[name]
	return s, ok
}

// DefaultRegistry registers the built-in skills.
func DefaultRegistry(logger *slog.Logger) (*Registry, error) {
	reg := NewRegistry()
	for _, s := range []Skill{
		&ChatResponse{},
		&MemorySave{},
		&ReminderCreate{},
		&WebResearch{},
		&ComputerAutopilot{},
	} {
		if err := reg.Register(s); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
