package relevance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const scorePrompt = `You classify Telegram chat messages for a threat intelligence team.
Reply with a single number between 0 and 1: the probability that the message is about cyber security
(malware, phishing, exploits, vulnerabilities, leaks, attack infrastructure). Reply with the number only.`

// OllamaScorer asks a local Ollama model for the relevance probability.
type OllamaScorer struct {
	endpoint   string
	model      string
	httpClient *http.Client
}

// NewOllamaScorer constructs a scorer for an Ollama server.
// endpoint example: http://localhost:11434
// model example: qwen3:0.6b
func NewOllamaScorer(endpoint, model string, timeout time.Duration) (*OllamaScorer, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("ollama: endpoint is required")
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("ollama: model is required")
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OllamaScorer{
		endpoint:   strings.TrimRight(endpoint, "/"),
		model:      strings.TrimSpace(model),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (o *OllamaScorer) Name() string { return "ollama" }

// Score sends a non-streaming /api/chat request and parses the first number
// in the reply.
func (o *OllamaScorer) Score(ctx context.Context, text string) (float64, error) {
	type ollamaMsg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	type chatReq struct {
		Model    string                 `json:"model"`
		Messages []ollamaMsg            `json:"messages"`
		Stream   bool                   `json:"stream"`
		Options  map[string]interface{} `json:"options,omitempty"`
	}
	type chatResp struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}

	data, _ := json.Marshal(chatReq{
		Model: o.model,
		Messages: []ollamaMsg{
			{Role: "system", Content: scorePrompt},
			{Role: "user", Content: text},
		},
		Options: map[string]interface{}{"temperature": 0},
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint+"/api/chat", bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("ollama: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("ollama: request error: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return 0, fmt.Errorf("ollama: status %d: %s", resp.StatusCode, truncateString(string(body), 300))
	}

	var cr chatResp
	if err := json.Unmarshal(body, &cr); err != nil {
		return 0, fmt.Errorf("ollama: decode response: %w", err)
	}
	return parseProbability(stripThinkingSections(cr.Message.Content))
}

var (
	reThink    = regexp.MustCompile(`(?is)<\s*think\s*>.*?<\s*/\s*think\s*>`)
	reThinking = regexp.MustCompile(`(?is)<\s*thinking\s*>.*?<\s*/\s*thinking\s*>`)
	reNumber   = regexp.MustCompile(`\d+(?:\.\d+)?%?`)
)

// stripThinkingSections removes <think>...</think> style reasoning blocks
// from model output.
func stripThinkingSections(s string) string {
	s = reThink.ReplaceAllString(s, "")
	s = reThinking.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

func parseProbability(s string) (float64, error) {
	m := reNumber.FindString(s)
	if m == "" {
		return 0, fmt.Errorf("no score in reply %q", truncateString(s, 80))
	}
	pct := strings.HasSuffix(m, "%")
	v, err := strconv.ParseFloat(strings.TrimSuffix(m, "%"), 64)
	if err != nil {
		return 0, fmt.Errorf("parse score %q: %w", m, err)
	}
	if pct || v > 1 {
		v /= 100
	}
	return clamp(v), nil
}
