package source

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/sentinel-dpa/telegram-sentinel/internal/bus"
)

const (
	DefaultStream   = "sentinel:messages"
	DefaultGroup    = "sentinel"
	DefaultConsumer = "sentinel-1"
)

// RedisSource consumes message entries from a Redis stream. Each entry
// carries the fields text, chat_title, chat_username, chat_id, chat_category
// and sender_id.
type RedisSource struct {
	consumer bus.Consumer
	stream   string
	group    string
	name     string
	logger   *zap.SugaredLogger
}

func NewRedisSource(c bus.Consumer, stream, group, consumer string, logger *zap.SugaredLogger) *RedisSource {
	if stream == "" {
		stream = DefaultStream
	}
	if group == "" {
		group = DefaultGroup
	}
	if consumer == "" {
		consumer = DefaultConsumer
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RedisSource{
		consumer: c,
		stream:   stream,
		group:    group,
		name:     consumer,
		logger:   logger.Named("redis-source"),
	}
}

func (rs *RedisSource) Name() string { return "redis" }

// Run reads until ctx ends. Malformed entries and handler failures are
// logged and acknowledged; an entry interrupted by cancellation stays
// pending for redelivery.
func (rs *RedisSource) Run(ctx context.Context, h Handler) error {
	return rs.consumer.ReadStream(ctx, rs.stream, rs.group, rs.name, func(ctx context.Context, m bus.StreamMessage) error {
		msg, err := MessageFromFields(m.Fields)
		if err != nil {
			if !errors.Is(err, ErrSkip) {
				rs.logger.Warnw("malformed stream entry", "id", m.ID, "error", err)
			}
			return nil
		}
		if err := h(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rs.logger.Warnw("handler failed", "id", m.ID, "error", err)
		}
		return nil
	})
}
