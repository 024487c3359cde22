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

// HTTPScorer calls a model server that accepts {"text": ...} and answers
// {"score": p} with p the probability of the cyber class.
type HTTPScorer struct {
	endpoint   string
	httpClient *http.Client
}

// NewHTTPScorer constructs a scorer for endpoint, e.g.
// http://localhost:8000/score.
func NewHTTPScorer(endpoint string, timeout time.Duration) (*HTTPScorer, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, fmt.Errorf("http scorer: endpoint is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPScorer{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (h *HTTPScorer) Name() string { return "http" }

func (h *HTTPScorer) Score(ctx context.Context, text string) (float64, error) {
	data, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return 0, fmt.Errorf("http scorer: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("http scorer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http scorer: request error: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode/100 != 2 {
		return 0, fmt.Errorf("http scorer: status %d: %s", resp.StatusCode, truncateString(string(body), 300))
	}

	var out struct {
		Score *float64 `json:"score"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("http scorer: decode response: %w", err)
	}
	if out.Score == nil {
		return 0, fmt.Errorf("http scorer: response has no score")
	}
	return clamp(*out.Score), nil
}

func truncateString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
