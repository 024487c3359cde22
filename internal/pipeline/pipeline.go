// Package pipeline runs one chat message through filtering, extraction,
// enrichment and delivery.
package pipeline

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sentinel-dpa/telegram-sentinel/internal/event"
	"github.com/sentinel-dpa/telegram-sentinel/internal/ioc"
	"github.com/sentinel-dpa/telegram-sentinel/internal/metrics"
	"github.com/sentinel-dpa/telegram-sentinel/internal/relevance"
	"github.com/sentinel-dpa/telegram-sentinel/internal/reputation"
	"github.com/sentinel-dpa/telegram-sentinel/internal/sink"
)

// DefaultThreshold is the malicious vote count at which an indicator is
// reported as malicious.
const DefaultThreshold = 1

// Enricher returns the reputation verdict for one indicator.
// *reputation.Service implements it.
type Enricher interface {
	Check(ctx context.Context, ind ioc.Indicator) (reputation.Result, error)
}

// Config parameterizes the pipeline.
type Config struct {
	// Threshold is the malicious vote threshold. Zero means DefaultThreshold.
	Threshold int
	// TargetChats restricts handling to chats matching by title, username or
	// id. Empty means every chat.
	TargetChats []string
}

// Outcome summarises what happened to one message.
type Outcome struct {
	Filtered   bool    `json:"filtered,omitempty"`
	Irrelevant bool    `json:"irrelevant,omitempty"`
	Score      float64 `json:"score,omitempty"`
	Indicators int     `json:"indicators"`
	Events     int     `json:"events"`
	Malicious  int     `json:"malicious"`
	Skipped    int     `json:"skipped"`
	// SinkErrors counts records at least one sink rejected. A record some
	// other sink took is still counted in Events.
	SinkErrors int     `json:"sink_errors"`
}

// Pipeline is safe for concurrent use when its Enricher and Sink are.
type Pipeline struct {
	cfg      Config
	targets  map[string]bool
	enricher Enricher
	sink     sink.Sink
	gate     *relevance.Gate
	logger   *zap.SugaredLogger
	now      func() time.Time
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithGate enables the relevance pre-filter.
func WithGate(g *relevance.Gate) Option {
	return func(p *Pipeline) { p.gate = g }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(p *Pipeline) { p.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func New(cfg Config, enricher Enricher, s sink.Sink, opts ...Option) *Pipeline {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	p := &Pipeline{
		cfg:      cfg,
		enricher: enricher,
		sink:     s,
		logger:   zap.NewNop().Sugar(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	p.logger = p.logger.Named("pipeline")
	if len(cfg.TargetChats) > 0 {
		p.targets = make(map[string]bool, len(cfg.TargetChats))
		for _, t := range cfg.TargetChats {
			if k := targetKey(t); k != "" {
				p.targets[k] = true
			}
		}
	}
	return p
}

// Threshold returns the effective malicious vote threshold.
func (p *Pipeline) Threshold() int { return p.cfg.Threshold }

// Handle processes msg end to end. Per-indicator failures are counted in the
// Outcome; the only error returned is context cancellation.
func (p *Pipeline) Handle(ctx context.Context, msg event.Message) (Outcome, error) {
	var out Outcome
	if err := ctx.Err(); err != nil {
		return out, err
	}

	if !p.wanted(msg) {
		out.Filtered = true
		metrics.MessagesHandled.WithLabelValues("filtered").Inc()
		return out, nil
	}

	var cls *event.AIClassification
	if p.gate != nil {
		score, pass := p.gate.Evaluate(ctx, msg.Text)
		out.Score = score
		if !pass {
			out.Irrelevant = true
			metrics.MessagesHandled.WithLabelValues("irrelevant").Inc()
			p.logger.Debugw("message below relevance threshold", "chat", msg.SourceName(), "score", score)
			return out, nil
		}
		cls = &event.AIClassification{CyberScore: score, IsRelevant: true}
		p.logger.Infow("relevance gate passed", "chat", msg.SourceName(), "score", score)
	}

	indicators := ioc.Extract(msg.Text)
	out.Indicators = len(indicators)
	if len(indicators) == 0 {
		metrics.MessagesHandled.WithLabelValues("no_iocs").Inc()
		return out, nil
	}
	p.logger.Infow("indicators found", "chat", msg.SourceName(), "count", len(indicators))

	for _, ind := range indicators {
		metrics.IndicatorsExtracted.WithLabelValues(string(ind.Kind)).Inc()

		res, err := p.enricher.Check(ctx, ind)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return out, ctxErr
			}
			out.Skipped++
			if errors.Is(err, reputation.ErrQuotaExceeded) {
				p.logger.Warnw("reputation quota exceeded, skipping indicator", "ioc", ind.Value)
			} else {
				p.logger.Errorw("reputation lookup failed, skipping indicator", "ioc", ind.Value, "error", err)
			}
			continue
		}

		ev, err := event.Assemble(msg, ind, res, cls, p.now())
		if err != nil {
			out.Skipped++
			p.logger.Errorw("cannot assemble event", "ioc", ind.Value, "error", err)
			continue
		}

		if err := p.sink.Append(ctx, ev); err != nil {
			out.SinkErrors++
			p.logger.Errorw("event write failed", "ioc", ind.Value, "sink", p.sink.Name(), "error", err)
			if !sink.Delivered(err) {
				continue
			}
		}
		out.Events++

		if ev.IsMalicious(p.cfg.Threshold) {
			out.Malicious++
			metrics.MaliciousDetections.Inc()
			p.logger.Warnw("malicious indicator",
				"ioc", ind.Value, "type", ind.Kind,
				"malicious", res.Malicious, "engines", res.TotalEngines,
				"chat", ev.SourceChat, "author", ev.AuthorID)
		} else {
			p.logger.Infow("indicator clean", "ioc", ind.Value, "malicious", res.Malicious, "engines", res.TotalEngines)
		}
	}
	metrics.MessagesHandled.WithLabelValues("enriched").Inc()
	return out, nil
}

func (p *Pipeline) wanted(msg event.Message) bool {
	if p.targets == nil {
		return true
	}
	candidates := []string{msg.ChatTitle, msg.ChatUsername, strconv.FormatInt(msg.ChatID, 10)}
	if id, err := event.TranslateChatID(msg.ChatCategory, msg.ChatID); err == nil {
		candidates = append(candidates, strconv.FormatInt(id, 10))
	}
	for _, c := range candidates {
		if k := targetKey(c); k != "" && p.targets[k] {
			return true
		}
	}
	return false
}

func targetKey(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "@"))
}
