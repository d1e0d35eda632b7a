package brain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// cacheKey derives the deterministic per-call cache key. The key covers
// everything that changes the provider output; run scoping happens in the
// cache map itself.
func cacheKey(route, modelID string, temperature float64, maxTokens int, messages []Message, schema json.RawMessage) string {
	payload := struct {
		Route       string          `json:"route"`
		ModelID     string          `json:"model_id"`
		Temperature float64         `json:"temperature"`
		MaxTokens   int             `json:"max_tokens"`
		Messages    []Message       `json:"messages"`
		JSONSchema  json.RawMessage `json:"json_schema,omitempty"`
	}{route, modelID, temperature, maxTokens, messages, schema}

	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// runCache holds per-run response caches. All access happens under the
// router's internal lock.
type runCache struct {
	byRun map[string]map[string]*Response
}

func newRunCache() *runCache {
	return &runCache{byRun: map[string]map[string]*Response{}}
}

func (c *runCache) get(runID, key string) (*Response, bool) {
	if key == "" || runID == "" {
		return nil, false
	}
	entries, ok := c.byRun[runID]
	if !ok {
		return nil, false
	}
	resp, ok := entries[key]
	return resp, ok
}

func (c *runCache) put(runID, key string, resp *Response) {
	if key == "" || runID == "" {
		return
	}
	entries, ok := c.byRun[runID]
	if !ok {
		entries = map[string]*Response{}
		c.byRun[runID] = entries
	}
	entries[key] = resp
}

func (c *runCache) dropRun(runID string) {
	delete(c.byRun, runID)
}
