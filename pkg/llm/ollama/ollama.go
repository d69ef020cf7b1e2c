// Package ollama implements pkg/llm's Completer and Reranker against
// Ollama's generate API.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/corridorhq/mnemo/pkg/llm"
)

const (
	// DefaultModel is the default completion model.
	DefaultModel = "llama3.1"

	// DefaultBaseURL is the default Ollama API URL.
	DefaultBaseURL = "http://localhost:11434"

	// DefaultTimeout bounds each completion call.
	DefaultTimeout = 60 * time.Second
)

// Completer wraps Ollama's generate API.
type Completer struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// Config holds configuration for the Ollama completer.
type Config struct {
	// BaseURL is the Ollama API URL (e.g., "http://localhost:11434").
	// Defaults to DefaultBaseURL if empty.
	BaseURL string

	// Model is the completion model to use. Defaults to DefaultModel.
	Model string

	// Timeout bounds each HTTP call. Defaults to DefaultTimeout.
	Timeout time.Duration
}

// generateRequest is the request body for Ollama's generate API.
type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// generateResponse is the response from Ollama's generate API.
type generateResponse struct {
	Response string `json:"response"`
}

// NewCompleter creates a new completer using Ollama's generate API.
func NewCompleter(cfg Config) (*Completer, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	return &Completer{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Complete sends the prompt and returns the model's text response.
func (c *Completer) Complete(ctx context.Context, prompt string) (string, error) {
	reqBody := generateRequest{
		Model:  c.model,
		Prompt: prompt,
		Stream: false,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/generate", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: sending request: %v", llm.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("%w: ollama returned status %d: %s", llm.ErrUnavailable, resp.StatusCode, string(body))
	}

	var genResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return "", fmt.Errorf("%w: decoding response: %v", llm.ErrBadResponse, err)
	}

	return genResp.Response, nil
}

// Rerank asks the model to order candidates by relevance to the query.
// The model returns a JSON array of zero-based indices; malformed output
// falls back to the original candidate order.
func (c *Completer) Rerank(ctx context.Context, query string, candidates []string) ([]int, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	sb.WriteString("Order the numbered passages from most to least relevant to the query.\n")
	sb.WriteString("Respond with only a JSON array of passage numbers.\n\n")
	fmt.Fprintf(&sb, "Query: %s\n\nPassages:\n", query)
	for i, cand := range candidates {
		fmt.Fprintf(&sb, "%d: %s\n", i, cand)
	}

	raw, err := c.Complete(ctx, sb.String())
	if err != nil {
		return nil, err
	}

	order, ok := parseIndexArray(raw, len(candidates))
	if !ok {
		return identityOrder(len(candidates)), nil
	}
	return order, nil
}

// Close releases resources held by the completer.
func (c *Completer) Close() error {
	// HTTP client doesn't require explicit cleanup
	return nil
}

// parseIndexArray extracts a JSON index array from model output and
// validates it as a permutation of [0,n). Missing indices are appended in
// order; out-of-range and repeated indices are dropped.
func parseIndexArray(raw string, n int) ([]int, bool) {
	start := strings.IndexByte(raw, '[')
	end := strings.LastIndexByte(raw, ']')
	if start < 0 || end <= start {
		return nil, false
	}

	var parsed []int
	if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err != nil {
		return nil, false
	}

	seen := make(map[int]bool, n)
	order := make([]int, 0, n)
	for _, idx := range parsed {
		if idx < 0 || idx >= n || seen[idx] {
			continue
		}
		seen[idx] = true
		order = append(order, idx)
	}
	for i := 0; i < n; i++ {
		if !seen[i] {
			order = append(order, i)
		}
	}
	return order, true
}

func identityOrder(n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	return order
}

// Ensure Completer implements both collaborator interfaces
var (
	_ llm.Completer = (*Completer)(nil)
	_ llm.Reranker  = (*Completer)(nil)
)
