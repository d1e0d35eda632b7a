package brain

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

// CloudProvider talks to an OpenAI-compatible chat completions endpoint.
// 429 and 5xx responses are retried with exponential backoff and jitter;
// everything else surfaces immediately.
type CloudProvider struct {
	baseURL     string
	apiKey      string
	maxRetries  int
	backoffBase time.Duration
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewCloudProvider creates a cloud provider. An empty apiKey is allowed at
// construction time; Invoke fails with missing_api_key.
func NewCloudProvider(baseURL, apiKey string, maxRetries int, backoffBase, timeout time.Duration, logger *slog.Logger) *CloudProvider {
	return &CloudProvider{
		baseURL:     normalizeBaseURL(baseURL),
		apiKey:      apiKey,
		maxRetries:  maxRetries,
		backoffBase: backoffBase,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger.With("component", "llm_cloud"),
	}
}

// normalizeBaseURL strips trailing slashes and a "/chat/completions" suffix
// so the path is never doubled when the client appends it.
func normalizeBaseURL(raw string) string {
	s := strings.TrimRight(raw, "/")
	return strings.TrimSuffix(s, "/chat/completions")
}

type cloudRequest struct {
	Model          string    `json:"model"`
	Messages       []Message `json:"messages"`
	Temperature    float64   `json:"temperature,omitempty"`
	MaxTokens      int       `json:"max_tokens,omitempty"`
	ResponseFormat any       `json:"response_format,omitempty"`
}

type cloudResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Invoke implements Provider.
func (p *CloudProvider) Invoke(ctx context.Context, inv *Invocation) (*Result, error) {
	if p.apiKey == "" {
		return nil, wrapf(ErrMissingAPIKey, "cloud llm: OPENAI_API_KEY not configured")
	}

	body := cloudRequest{
		Model:       inv.Model,
		Messages:    inv.Messages,
		Temperature: inv.Temperature,
		MaxTokens:   inv.MaxTokens,
	}
	if len(inv.JSONSchema) > 0 {
		body.ResponseFormat = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   "response",
				"schema": inv.JSONSchema,
			},
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, newError(ErrInvalidJSON, err)
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		res, retryable, err := p.once(ctx, payload)
		if err == nil {
			res.Retries = attempt
			return res, nil
		}
		lastErr = err
		if !retryable || attempt >= p.maxRetries {
			return nil, lastErr
		}
		sleep := p.backoffBase<<attempt + time.Duration(rand.Int63n(int64(p.backoffBase)))
		p.logger.Warn("cloud llm retrying", "attempt", attempt+1, "sleep", sleep, "error", err)
		select {
		case <-ctx.Done():
			return nil, newError(ErrConnection, ctx.Err())
		case <-time.After(sleep):
		}
	}
}

func (p *CloudProvider) once(ctx context.Context, payload []byte) (*Result, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, false, newError(ErrConnection, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, true, newError(ErrConnection, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, newError(ErrConnection, err)
	}

	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, retryable, wrapf(ErrHTTP, "cloud llm: status %d: %s", resp.StatusCode, truncateForLog(data))
	}

	var out cloudResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, false, newError(ErrInvalidJSON, err)
	}
	if out.Error.Message != "" {
		return nil, false, wrapf(ErrHTTP, "cloud llm: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return nil, false, wrapf(ErrInvalidJSON, "cloud llm: empty choices")
	}
	return &Result{
		Text: out.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
		},
	}, false, nil
}
