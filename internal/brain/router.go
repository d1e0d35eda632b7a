package brain

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/antigravity-dev/sidekick/internal/events"
)

// Options configures the router. The values already reflect environment
// overrides on top of the config file; per-project settings can only
// restrict them further (never widen), which keeps privacy conservative.
type Options struct {
	LocalChatModel string
	LocalCodeModel string
	CloudModel     string

	CloudEnabled     bool
	AutoCloudEnabled bool

	MaxConcurrency int
	BudgetPerRun   int // 0 = unlimited
	BudgetPerStep  int // 0 = unlimited

	MaxCloudChars     int
	MaxCloudItemChars int

	QAMode bool
}

// Router turns an LLM request into a response through policy, sanitization,
// queuing, caching, budgets and retries. One router instance serves the
// whole process.
type Router struct {
	opts   Options
	bus    *events.Bus
	local  Provider
	cloud  Provider
	queue  *admissionQueue
	logger *slog.Logger

	mu            sync.Mutex
	cache         *runCache
	runCalls      map[string]int
	stepCalls     map[string]int
	runCacheHits  map[string]int
	localFailures map[string]int // keyed run_id|preferred_kind
}

// NewRouter creates a router over the given providers.
func NewRouter(opts Options, local, cloud Provider, bus *events.Bus, logger *slog.Logger) *Router {
	return &Router{
		opts:          opts,
		bus:           bus,
		local:         local,
		cloud:         cloud,
		queue:         newAdmissionQueue(opts.MaxConcurrency),
		logger:        logger.With("component", "brain"),
		cache:         newRunCache(),
		runCalls:      map[string]int{},
		stepCalls:     map[string]int{},
		runCacheHits:  map[string]int{},
		localFailures: map[string]int{},
	}
}

type routeDecidedPayload struct {
	Route                    string         `json:"route"`
	Reason                   string         `json:"reason"`
	Purpose                  string         `json:"purpose,omitempty"`
	TaskKind                 string         `json:"task_kind,omitempty"`
	RequiredApproval         string         `json:"required_approval,omitempty"`
	ItemsSummaryBySourceType map[string]int `json:"items_summary_by_source_type"`
}

// Call executes the routing pipeline for one request. Budget exhaustion is
// not an error: it returns a response with Status == StatusBudgetExceeded.
// Provider failures return a typed *Error after emitting llm_request_failed.
func (r *Router) Call(ctx context.Context, req *Request) (*Response, error) {
	if r.opts.QAMode {
		return r.qaShortCircuit(req), nil
	}

	flags := r.policyFor(req)
	d := decideRoute(req, flags)
	d = heuristicOverride(req, flags, d, r.failureCount(req))

	r.emit(req, events.LLMRouteDecided, routeDecidedPayload{
		Route:                    d.route,
		Reason:                   d.reason,
		Purpose:                  req.Purpose,
		TaskKind:                 req.TaskKind,
		RequiredApproval:         d.requiredApproval,
		ItemsSummaryBySourceType: itemsSummaryBySourceType(req.ContextItems),
	})

	items := req.ContextItems
	switch {
	case d.route == RouteCloud:
		sanitized, summary := sanitizeForCloud(items, req.ApprovedScopes[ApprovalCloudFinancial], flags.MaxCloudItemChars, flags.MaxCloudChars)
		if summary.changed() {
			r.emit(req, events.LLMRequestSanitized, summary)
		}
		if len(items) > 0 && len(sanitized) == 0 {
			d = decision{route: RouteLocal, reason: ReasonSanitizedEmpty, requiredApproval: d.requiredApproval}
			items, _ = dropPrivateItems(items)
		} else {
			items = sanitized
		}
	case d.reason == ReasonTelegramPresent || d.reason == ReasonScreenshotPresent:
		dropped, summary := dropPrivateItems(items)
		if summary.changed() {
			r.emit(req, events.LLMRequestSanitized, summary)
		}
		items = dropped
	}

	messages := req.Messages
	if messages == nil {
		if req.RenderMessages != nil {
			messages = req.RenderMessages(items)
		} else {
			messages = defaultRender(items)
		}
	}

	provider, providerName, modelID := r.pick(d.route, req.PreferredKind)
	key := cacheKey(d.route, modelID, req.Temperature, req.MaxTokens, messages, req.JSONSchema)

	r.mu.Lock()
	if cached, ok := r.cache.get(req.RunID, key); ok {
		r.runCacheHits[req.RunID]++
		r.mu.Unlock()
		resp := *cached
		resp.CacheHit = true
		resp.LatencyMS = 0
		resp.RouteReason = d.reason
		r.emit(req, events.LLMRequestStarted, map[string]any{"route": d.route, "model_id": modelID, "cache_hit": true})
		r.emit(req, events.LLMRequestSucceeded, map[string]any{"route": d.route, "model_id": modelID, "cache_hit": true, "latency_ms": 0})
		return &resp, nil
	}
	r.mu.Unlock()

	r.emit(req, events.LLMRequestStarted, map[string]any{
		"route": d.route, "model_id": modelID, "purpose": req.Purpose, "task_kind": req.TaskKind,
	})

	if exceeded, scope := r.budgetExceeded(req); exceeded {
		r.emit(req, events.LLMBudgetExceeded, map[string]any{"scope": scope, "route": d.route})
		return &Response{
			Provider:         providerName,
			ModelID:          modelID,
			RouteReason:      d.reason,
			Status:           StatusBudgetExceeded,
			ErrorType:        ErrBudget,
			RequiredApproval: d.requiredApproval,
		}, nil
	}

	if err := r.queue.Acquire(ctx); err != nil {
		r.emit(req, events.LLMRequestFailed, map[string]any{"error_type": ErrConnection, "detail": "queue wait canceled"})
		return nil, newError(ErrConnection, err)
	}
	defer r.queue.Release()

	inv := &Invocation{
		Model:       modelID,
		Messages:    messages,
		JSONSchema:  req.JSONSchema,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		RunID:       req.RunID,
		StepID:      req.StepID,
	}

	start := time.Now()
	result, err := provider.Invoke(ctx, inv)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		if d.route == RouteLocal {
			r.bumpFailure(req)
		}
		payload := map[string]any{"error_type": ErrorType(err), "latency_ms": latency, "route": d.route, "model_id": modelID}
		if be, ok := err.(*Error); ok {
			if be.Hint != "" {
				payload["hint"] = be.Hint
			}
			if be.ArtifactPath != "" {
				payload["artifact_path"] = be.ArtifactPath
			}
		}
		r.emit(req, events.LLMRequestFailed, payload)
		return nil, err
	}

	if d.route == RouteLocal {
		if result.Text == "" {
			r.bumpFailure(req)
		} else {
			r.resetFailure(req)
		}
	}

	resp := &Response{
		Text:             result.Text,
		Usage:            result.Usage,
		Provider:         providerName,
		ModelID:          modelID,
		LatencyMS:        latency,
		RouteReason:      d.reason,
		Status:           StatusOK,
		RetryCount:       result.Retries,
		RequiredApproval: d.requiredApproval,
	}

	r.emit(req, events.LLMRequestSucceeded, map[string]any{
		"route": d.route, "model_id": modelID, "latency_ms": latency,
		"prompt_tokens": result.Usage.PromptTokens, "completion_tokens": result.Usage.CompletionTokens,
		"cache_hit": false,
	})

	r.mu.Lock()
	r.cache.put(req.RunID, key, resp)
	r.runCalls[req.RunID]++
	if req.StepID != "" {
		r.stepCalls[req.RunID+"|"+req.StepID]++
	}
	r.mu.Unlock()

	return resp, nil
}

func (r *Router) qaShortCircuit(req *Request) *Response {
	r.emit(req, events.LLMRouteDecided, routeDecidedPayload{
		Route:                    RouteLocal,
		Reason:                   ReasonQAMode,
		Purpose:                  req.Purpose,
		ItemsSummaryBySourceType: itemsSummaryBySourceType(req.ContextItems),
	})
	r.emit(req, events.LLMRequestStarted, map[string]any{"route": RouteLocal, "qa_mode": true})
	r.emit(req, events.LLMRequestSucceeded, map[string]any{"route": RouteLocal, "qa_mode": true, "latency_ms": 0})

	text := "Ответ в QA-режиме."
	if len(req.JSONSchema) > 0 {
		text = `{"qa_mode": true}`
	}
	return &Response{
		Text:        text,
		Provider:    "qa",
		ModelID:     "qa-stub",
		RouteReason: ReasonQAMode,
		Status:      StatusOK,
	}
}

// policyFor merges the router options with per-project restrictions.
// Projects can force strict local or disable cloud/auto-cloud, but cannot
// enable what the environment disabled.
func (r *Router) policyFor(req *Request) PolicyFlags {
	flags := PolicyFlags{
		AutoCloudEnabled:  r.opts.AutoCloudEnabled,
		CloudAllowed:      r.opts.CloudEnabled,
		MaxCloudChars:     r.opts.MaxCloudChars,
		MaxCloudItemChars: r.opts.MaxCloudItemChars,
	}
	if p := req.ProjectPolicy; p != nil {
		if p.StrictLocal {
			flags.StrictLocal = true
		}
		if !p.CloudAllowed {
			flags.CloudAllowed = false
		}
		if !p.AutoCloudEnabled {
			flags.AutoCloudEnabled = false
		}
		if p.MaxCloudChars > 0 && p.MaxCloudChars < flags.MaxCloudChars {
			flags.MaxCloudChars = p.MaxCloudChars
		}
		if p.MaxCloudItemChars > 0 && p.MaxCloudItemChars < flags.MaxCloudItemChars {
			flags.MaxCloudItemChars = p.MaxCloudItemChars
		}
	}
	return flags
}

func (r *Router) pick(route, preferredKind string) (Provider, string, string) {
	if route == RouteCloud {
		return r.cloud, "openai", r.opts.CloudModel
	}
	model := r.opts.LocalChatModel
	if preferredKind == KindCode {
		model = r.opts.LocalCodeModel
	}
	return r.local, "ollama", model
}

func (r *Router) budgetExceeded(req *Request) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.opts.BudgetPerRun > 0 && r.runCalls[req.RunID] >= r.opts.BudgetPerRun {
		return true, "run"
	}
	if req.StepID != "" && r.opts.BudgetPerStep > 0 && r.stepCalls[req.RunID+"|"+req.StepID] >= r.opts.BudgetPerStep {
		return true, "step"
	}
	return false, ""
}

func (r *Router) failureKey(req *Request) string {
	kind := req.PreferredKind
	if kind == "" {
		kind = KindChat
	}
	return req.RunID + "|" + kind
}

func (r *Router) failureCount(req *Request) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.localFailures[r.failureKey(req)]
}

func (r *Router) bumpFailure(req *Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.localFailures[r.failureKey(req)]++
}

func (r *Router) resetFailure(req *Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.localFailures[r.failureKey(req)] = 0
}

// RunMetrics reports the per-run counters for the snapshot's runtime metrics.
func (r *Router) RunMetrics(runID string) (calls, cacheHits int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runCalls[runID], r.runCacheHits[runID]
}

// ReleaseRun drops the per-run cache and counters once a run is terminal.
func (r *Router) ReleaseRun(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.dropRun(runID)
	delete(r.runCalls, runID)
	delete(r.runCacheHits, runID)
	for key := range r.stepCalls {
		if len(key) > len(runID) && key[:len(runID)] == runID && key[len(runID)] == '|' {
			delete(r.stepCalls, key)
		}
	}
	for key := range r.localFailures {
		if len(key) > len(runID) && key[:len(runID)] == runID && key[len(runID)] == '|' {
			delete(r.localFailures, key)
		}
	}
}

func (r *Router) emit(req *Request, typ string, payload any) {
	if req.RunID == "" {
		return
	}
	if _, err := r.bus.EmitJSON(req.RunID, typ, payload, req.TaskID, req.StepID); err != nil {
		r.logger.Error("router event emit failed", "type", typ, "error", err)
	}
}

// defaultRender builds a minimal message list: system notes first, then the
// remaining items as user content.
func defaultRender(items []ContextItem) []Message {
	var msgs []Message
	var userParts []string
	for _, it := range items {
		if it.SourceType == SourceSystemNote {
			msgs = append(msgs, Message{Role: "system", Content: it.Content})
			continue
		}
		userParts = append(userParts, it.Content)
	}
	if len(userParts) > 0 {
		msgs = append(msgs, Message{Role: "user", Content: joinParts(userParts)})
	}
	return msgs
}

func joinParts(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\n\n"
		}
		out += p
	}
	return out
}
