// Package brain routes LLM calls between the local on-device model and an
// optional cloud model, applying privacy policy, sanitization, budgets,
// caching and retries on the way.
package brain

import (
	"context"
	"encoding/json"
)

// Routes.
const (
	RouteLocal = "LOCAL"
	RouteCloud = "CLOUD"
)

// Context item source types.
const (
	SourceUserPrompt      = "user_prompt"
	SourceSystemNote      = "system_note"
	SourceInternalSummary = "internal_summary"
	SourceWebPageText     = "web_page_text"
	SourceFileContent     = "file_content"
	SourceTelegramText    = "telegram_text"
	SourceScreenshotText  = "screenshot_text"
)

// Sensitivities.
const (
	SensitivityPublic    = "public"
	SensitivityFinancial = "financial"
)

// Task kinds the router cares about.
const (
	KindChat         = "chat"
	KindCode         = "code"
	KindHeavyWriting = "heavy_writing"
	KindLongForm     = "long_form"
	KindReport       = "report"
)

// Response statuses.
const (
	StatusOK             = "ok"
	StatusBudgetExceeded = "budget_exceeded"
	StatusError          = "error"
)

// Typed error codes.
const (
	ErrConnection    = "connection_error"
	ErrHTTP          = "http_error"
	ErrModelNotFound = "model_not_found"
	ErrInvalidJSON   = "invalid_json"
	ErrMissingAPIKey = "missing_api_key"
	ErrBudget        = "budget_exceeded"
)

// Route reasons.
const (
	ReasonQAMode                = "qa_mode"
	ReasonStrictLocal           = "strict_local"
	ReasonTelegramPresent       = "telegram_text_present"
	ReasonScreenshotPresent     = "screenshot_text_present"
	ReasonFinancialUnapproved   = "financial_file_unapproved"
	ReasonFinancialApproved     = "financial_file_approved"
	ReasonWebPageText           = "web_page_text"
	ReasonLongPublicPrompt      = "long_public_prompt"
	ReasonDefaultLocal          = "default_local"
	ReasonCloudDisabled         = "cloud_disabled"
	ReasonHeuristicTaskKind     = "heuristic_task_kind"
	ReasonHeuristicWebVolume    = "heuristic_web_volume"
	ReasonHeuristicLocalFailing = "heuristic_local_failures"
	ReasonSanitizedEmpty        = "sanitized_empty_fallback"
)

// ApprovalCloudFinancial is the approval scope that unlocks sending
// financial file content to the cloud model.
const ApprovalCloudFinancial = "cloud_financial_file"

// ContextItem is a typed unit of LLM input.
type ContextItem struct {
	Content     string `json:"content"`
	SourceType  string `json:"source_type"`
	Sensitivity string `json:"sensitivity,omitempty"`
	Provenance  string `json:"provenance,omitempty"`
}

// Message is a single chat message sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one model call.
type Request struct {
	Purpose       string
	TaskKind      string
	PreferredKind string // model family hint: chat or code
	ContextItems  []ContextItem

	// Messages, when set, is sent as-is. Otherwise RenderMessages builds the
	// message list from the (possibly sanitized) context items; when both are
	// nil a default render is used.
	Messages       []Message
	RenderMessages func(items []ContextItem) []Message

	Temperature float64
	MaxTokens   int
	JSONSchema  json.RawMessage

	RunID  string
	TaskID string
	StepID string

	// StrictLocal forces the LOCAL route regardless of policy.
	StrictLocal bool
	// ApprovedScopes carries approval scopes already granted for this call,
	// e.g. cloud_financial_file.
	ApprovedScopes map[string]bool

	// ProjectPolicy, when set, restricts the router's policy for this call.
	// A project can disable cloud or force strict local; it cannot widen
	// what the environment allows.
	ProjectPolicy *PolicyFlags
}

// Usage is the token accounting reported by a provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response is the outcome of a routed model call. Callers must branch on
// Status: the router never returns an error for budget exhaustion.
type Response struct {
	Text        string `json:"text"`
	Usage       Usage  `json:"usage"`
	Provider    string `json:"provider"`
	ModelID     string `json:"model_id"`
	LatencyMS   int64  `json:"latency_ms"`
	CacheHit    bool   `json:"cache_hit"`
	RouteReason string `json:"route_reason"`
	Status      string `json:"status"`
	ErrorType   string `json:"error_type,omitempty"`
	RetryCount  int    `json:"retry_count"`

	// RequiredApproval names the approval scope that would unlock a cloud
	// route for this request, when one applies.
	RequiredApproval string `json:"required_approval,omitempty"`
}

// Invocation is the provider-level request after routing and sanitization.
type Invocation struct {
	Model       string
	Messages    []Message
	JSONSchema  json.RawMessage
	Temperature float64
	MaxTokens   int
	RunID       string
	StepID      string
}

// Result is what a provider returns on success.
type Result struct {
	Text    string
	Usage   Usage
	Retries int
}

// Provider invokes a concrete model backend.
type Provider interface {
	Invoke(ctx context.Context, inv *Invocation) (*Result, error)
}
