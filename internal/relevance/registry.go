package relevance

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Config selects and configures a Scorer.
type Config struct {
	Scorer   string        // "http" | "ollama" | "openrouter" | "keyword"
	Endpoint string        // model server, Ollama or OpenRouter base URL
	Model    string        // chat model name
	APIKey   string        // OpenRouter only
	Timeout  time.Duration // per request
}

// Build constructs the Scorer named by cfg.Scorer.
func Build(cfg Config) (Scorer, error) {
	switch normalize(cfg.Scorer) {
	case "http":
		return NewHTTPScorer(cfg.Endpoint, cfg.Timeout)
	case "ollama":
		return NewOllamaScorer(cfg.Endpoint, cfg.Model, cfg.Timeout)
	case "openrouter":
		return NewOpenRouterScorer(cfg.Endpoint, cfg.Model, cfg.APIKey, cfg.Timeout)
	case "keyword":
		return NewKeywordScorer(nil), nil
	default:
		return nil, fmt.Errorf("unknown relevance scorer: %s", cfg.Scorer)
	}
}

// HealthCheck scores a fixed probe sentence to verify the scorer answers.
func HealthCheck(ctx context.Context, s Scorer) error {
	if _, err := s.Score(ctx, "ransomware group leaked [CVE] exploit"); err != nil {
		return fmt.Errorf("%s scorer unavailable: %w", s.Name(), err)
	}
	return nil
}

func normalize(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "http", "model", "securebert", "bert":
		return "http"
	case "ollama", "llm":
		return "ollama"
	case "openrouter", "or":
		return "openrouter"
	case "keyword", "keywords", "local", "stub", "":
		return "keyword"
	default:
		return s
	}
}
