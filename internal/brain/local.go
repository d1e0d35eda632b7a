package brain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalProvider talks to an Ollama-compatible server. On HTTP 5xx it retries
// once with a simplified payload (no schema); if that still fails and the
// request carries no schema it falls back to /api/generate with a flat
// prompt. Every HTTP failure is persisted as a redacted artifact under
// artifacts/local_llm_failures/ and the relative path rides on the error.
type LocalProvider struct {
	baseURL     string
	artifactDir string // DATA_DIR root; failure artifacts go below it
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewLocalProvider creates a local provider for the given base URL.
func NewLocalProvider(baseURL, dataDir string, timeout time.Duration, logger *slog.Logger) *LocalProvider {
	return &LocalProvider{
		baseURL:     strings.TrimRight(baseURL, "/"),
		artifactDir: dataDir,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger.With("component", "llm_local"),
	}
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []Message       `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   json.RawMessage `json:"format,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Response        string `json:"response"` // /api/generate
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

// Invoke implements Provider.
func (p *LocalProvider) Invoke(ctx context.Context, inv *Invocation) (*Result, error) {
	res, err := p.chat(ctx, inv, inv.JSONSchema, "chat")
	if err == nil {
		return res, nil
	}
	be, ok := err.(*Error)
	if !ok || be.Type != ErrHTTP || be.Status < 500 {
		return nil, err
	}

	// Retry once with a simplified payload.
	res, err2 := p.chat(ctx, inv, nil, "chat_simplified")
	if err2 == nil {
		return res, nil
	}

	// Last resort: /api/generate, only when the request has no schema.
	if len(inv.JSONSchema) == 0 {
		res, err3 := p.generate(ctx, inv)
		if err3 == nil {
			return res, nil
		}
		return nil, err3
	}
	return nil, err2
}

func (p *LocalProvider) chat(ctx context.Context, inv *Invocation, schema json.RawMessage, variant string) (*Result, error) {
	body := ollamaChatRequest{
		Model:    inv.Model,
		Messages: inv.Messages,
		Stream:   false,
		Format:   schema,
	}
	opts := map[string]any{}
	if inv.Temperature > 0 {
		opts["temperature"] = inv.Temperature
	}
	if inv.MaxTokens > 0 {
		opts["num_predict"] = inv.MaxTokens
	}
	if len(opts) > 0 {
		body.Options = opts
	}

	var out ollamaChatResponse
	if err := p.post(ctx, "/api/chat", body, &out, inv, variant); err != nil {
		return nil, err
	}
	return &Result{
		Text:  out.Message.Content,
		Usage: Usage{PromptTokens: out.PromptEvalCount, CompletionTokens: out.EvalCount},
	}, nil
}

func (p *LocalProvider) generate(ctx context.Context, inv *Invocation) (*Result, error) {
	body := map[string]any{
		"model":  inv.Model,
		"prompt": flattenMessages(inv.Messages),
		"stream": false,
	}
	var out ollamaChatResponse
	if err := p.post(ctx, "/api/generate", body, &out, inv, "generate"); err != nil {
		return nil, err
	}
	return &Result{
		Text:  out.Response,
		Usage: Usage{PromptTokens: out.PromptEvalCount, CompletionTokens: out.EvalCount},
	}, nil
}

func (p *LocalProvider) post(ctx context.Context, path string, body any, out *ollamaChatResponse, inv *Invocation, variant string) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return newError(ErrInvalidJSON, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return newError(ErrConnection, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return newError(ErrConnection, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return newError(ErrConnection, err)
	}

	if resp.StatusCode != http.StatusOK {
		artifact := p.writeFailureArtifact(inv, variant, path, resp.StatusCode, payload, data)
		httpErr := &Error{
			Type:         ErrHTTP,
			Status:       resp.StatusCode,
			ArtifactPath: artifact,
			Err:          fmt.Errorf("local llm %s: status %d: %s", path, resp.StatusCode, truncateForLog(data)),
		}
		if resp.StatusCode == http.StatusNotFound || strings.Contains(strings.ToLower(string(data)), "not found") {
			httpErr.Hint = ErrModelNotFound
		}
		return httpErr
	}

	if err := json.Unmarshal(data, out); err != nil {
		return newError(ErrInvalidJSON, fmt.Errorf("local llm %s: %w", path, err))
	}
	if out.Error != "" {
		e := wrapf(ErrHTTP, "local llm %s: %s", path, out.Error)
		if strings.Contains(strings.ToLower(out.Error), "not found") {
			e.Hint = ErrModelNotFound
		}
		return e
	}
	return nil
}

// writeFailureArtifact persists a redacted request/response pair and returns
// its path relative to the data directory.
func (p *LocalProvider) writeFailureArtifact(inv *Invocation, variant, path string, status int, reqBody, respBody []byte) string {
	dir := filepath.Join(p.artifactDir, "artifacts", "local_llm_failures")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		p.logger.Warn("failure artifact dir", "error", err)
		return ""
	}

	redactedReq, _ := redactSecrets(string(reqBody))
	redactedResp, _ := redactSecrets(string(respBody))
	doc := map[string]any{
		"ts":       time.Now().UTC().Format(time.RFC3339),
		"run_id":   inv.RunID,
		"step_id":  inv.StepID,
		"variant":  variant,
		"endpoint": path,
		"status":   status,
		"request":  redactedReq,
		"response": redactedResp,
	}
	name := fmt.Sprintf("%d_%s_%s_%s.json", time.Now().UnixMilli(), orDash(inv.RunID), orDash(inv.StepID), variant)
	full := filepath.Join(dir, name)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return ""
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		p.logger.Warn("failure artifact write", "error", err)
		return ""
	}
	rel, err := filepath.Rel(p.artifactDir, full)
	if err != nil {
		return full
	}
	return rel
}

// flattenMessages rebuilds a flat prompt for /api/generate.
func flattenMessages(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		switch m.Role {
		case "system":
			b.WriteString("System:\n" + m.Content + "\n\n")
		case "assistant":
			b.WriteString("Assistant:\n" + m.Content + "\n\n")
		default:
			b.WriteString("User:\n" + m.Content + "\n\n")
		}
	}
	b.WriteString("Assistant:")
	return b.String()
}

func truncateForLog(data []byte) string {
	const max = 500
	if len(data) > max {
		return string(data[:max]) + "…"
	}
	return string(data)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
