// Package relevance decides whether a chat message is security related
// enough to spend reputation quota on.
package relevance

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/forPelevin/gomoji"
	"go.uber.org/zap"

	"github.com/sentinel-dpa/telegram-sentinel/internal/metrics"
)

// DefaultThreshold is the minimum score a message needs to pass the gate.
const DefaultThreshold = 0.60

// MinTextLength is the shortest text that is scored at all.
const MinTextLength = 4

// Scorer estimates the probability that text is about cyber security.
// Implementations return a value in [0,1].
type Scorer interface {
	Name() string
	Score(ctx context.Context, text string) (float64, error)
}

// Gate filters messages by relevance score. The zero Threshold means
// DefaultThreshold.
type Gate struct {
	Scorer    Scorer
	Threshold float64
	Logger    *zap.SugaredLogger
}

// Evaluate scores text and reports whether it passes. Text shorter than
// MinTextLength and scorer failures both score 0.
func (g *Gate) Evaluate(ctx context.Context, text string) (float64, bool) {
	threshold := g.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if text == "" || utf8.RuneCountInString(text) < MinTextLength {
		metrics.RelevanceScores.Observe(0)
		return 0, false
	}

	score, err := g.Scorer.Score(ctx, CleanAndMask(text))
	if err != nil {
		if g.Logger != nil {
			g.Logger.Errorw("relevance scoring failed", "scorer", g.Scorer.Name(), "error", err)
		}
		score = 0
	}
	score = clamp(score)
	metrics.RelevanceScores.Observe(score)
	return score, score >= threshold
}

var (
	cvePattern    = regexp.MustCompile(`(?i)CVE-\d{4}-\d+`)
	tgLinkPattern = regexp.MustCompile(`(?:https?://)?(?:www\.)?(?:t\.me|telegram\.me)/[a-zA-Z0-9_]+`)
	maskURL       = regexp.MustCompile(`https?://(?:[a-zA-Z]|[0-9]|[$-_@.&+]|[!*\(\),]|(?:%[0-9a-fA-F][0-9a-fA-F]))+`)
	maskIP        = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	domainPattern = regexp.MustCompile(`\b(?:[a-zA-Z0-9-]+\.)+(?:com|org|net|io|ru|cn|it|uk|gov)\b`)
	spaceRun      = regexp.MustCompile(`\s+`)
)

// CleanAndMask normalizes text the way the relevance model was trained:
// emoji removed, entities replaced by [CVE], [TG_LINK], [URL], [IP] and
// [DOMAIN] placeholders, whitespace collapsed. Replacement order matters;
// Telegram links are masked before generic URLs.
func CleanAndMask(text string) string {
	text = gomoji.RemoveEmojis(text)
	text = cvePattern.ReplaceAllString(text, "[CVE]")
	text = tgLinkPattern.ReplaceAllString(text, "[TG_LINK]")
	text = maskURL.ReplaceAllString(text, "[URL]")
	text = maskIP.ReplaceAllString(text, "[IP]")
	text = domainPattern.ReplaceAllString(text, "[DOMAIN]")
	return strings.TrimSpace(spaceRun.ReplaceAllString(text, " "))
}

func clamp(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
