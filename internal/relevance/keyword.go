package relevance

import (
	"context"
	"strings"
)

// KeywordScorer is an offline heuristic: weighted security vocabulary plus
// the entity placeholders left by CleanAndMask. It needs no model server.
type KeywordScorer struct {
	weights map[string]float64
}

var defaultKeywords = map[string]float64{
	"[cve]":         0.45,
	"exploit":       0.35,
	"malware":       0.35,
	"ransomware":    0.40,
	"phishing":      0.35,
	"botnet":        0.35,
	"c2":            0.30,
	"backdoor":      0.30,
	"payload":       0.25,
	"vulnerability": 0.30,
	"rce":           0.30,
	"0day":          0.35,
	"zero-day":      0.35,
	"leak":          0.20,
	"dump":          0.15,
	"breach":        0.25,
	"ddos":          0.30,
	"stealer":       0.35,
	"trojan":        0.35,
	"infostealer":   0.40,
	"credentials":   0.20,
	"ioc":           0.25,
	"[ip]":          0.15,
	"[url]":         0.10,
	"[domain]":      0.10,
}

// NewKeywordScorer returns a scorer using the built-in vocabulary, extended
// or overridden by extra (lower-case terms).
func NewKeywordScorer(extra map[string]float64) *KeywordScorer {
	w := make(map[string]float64, len(defaultKeywords)+len(extra))
	for k, v := range defaultKeywords {
		w[k] = v
	}
	for k, v := range extra {
		w[strings.ToLower(k)] = v
	}
	return &KeywordScorer{weights: w}
}

func (k *KeywordScorer) Name() string { return "keyword" }

// Score sums the weight of every distinct term present, capped at 1.
func (k *KeywordScorer) Score(ctx context.Context, text string) (float64, error) {
	lower := strings.ToLower(text)
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !(r == '[' || r == ']' || r == '-' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z')
	})
	present := make(map[string]bool, len(fields))
	for _, f := range fields {
		present[f] = true
	}

	var score float64
	for term, w := range k.weights {
		if present[term] || (strings.ContainsAny(term, "[]-") && strings.Contains(lower, term)) {
			score += w
		}
	}
	return clamp(score), nil
}
