package relevance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultOpenRouterEndpoint is the OpenAI-compatible OpenRouter API root.
const DefaultOpenRouterEndpoint = "https://openrouter.ai/api/v1"

// OpenRouterScorer asks a hosted chat model for the relevance probability.
type OpenRouterScorer struct {
	endpoint   string
	model      string
	apiKey     string
	httpClient *http.Client
}

// NewOpenRouterScorer constructs a scorer backed by /chat/completions.
// model example: "qwen/qwen-2.5-7b-instruct"
func NewOpenRouterScorer(endpoint, model, apiKey string, timeout time.Duration) (*OpenRouterScorer, error) {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = DefaultOpenRouterEndpoint
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("openrouter: model is required")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("openrouter: api key is required (relevance.api_key)")
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenRouterScorer{
		endpoint:   strings.TrimRight(ep, "/"),
		model:      strings.TrimSpace(model),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (o *OpenRouterScorer) Name() string { return "openrouter" }

func (o *OpenRouterScorer) Score(ctx context.Context, text string) (float64, error) {
	type orMsg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	type orReq struct {
		Model       string  `json:"model"`
		Messages    []orMsg `json:"messages"`
		MaxTokens   int     `json:"max_tokens,omitempty"`
		Temperature float64 `json:"temperature"`
	}
	type orResp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error,omitempty"`
	}

	data, _ := json.Marshal(orReq{
		Model: o.model,
		Messages: []orMsg{
			{Role: "system", Content: scorePrompt},
			{Role: "user", Content: text},
		},
		MaxTokens: 16,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("openrouter: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("openrouter: request error: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return 0, fmt.Errorf("openrouter: status %d: %s", resp.StatusCode, truncateString(string(body), 300))
	}

	var parsed orResp
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, fmt.Errorf("openrouter: decode response: %w", err)
	}
	if parsed.Error != nil {
		return 0, fmt.Errorf("openrouter: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return 0, fmt.Errorf("openrouter: empty choices")
	}
	return parseProbability(stripThinkingSections(parsed.Choices[0].Message.Content))
}
