package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisBus carries inbound messages and outbound detections over Redis
// Streams.
type RedisBus struct {
	client *redis.Client
	logger *zap.SugaredLogger

	// Block is how long one XREADGROUP waits for new entries.
	Block time.Duration
	// RetryDelay is the pause after a failed read.
	RetryDelay time.Duration
}

// NewRedisBus connects to redisURL and verifies the connection.
func NewRedisBus(ctx context.Context, redisURL string, logger *zap.SugaredLogger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisBusFromClient(client, logger), nil
}

// NewRedisBusFromClient wraps an existing client.
func NewRedisBusFromClient(client *redis.Client, logger *zap.SugaredLogger) *RedisBus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RedisBus{
		client:     client,
		logger:     logger.Named("redis"),
		Block:      time.Second,
		RetryDelay: 5 * time.Second,
	}
}

// Close closes the Redis connection
func (rb *RedisBus) Close() error {
	return rb.client.Close()
}

// Publish appends fields to stream. maxLen > 0 caps the stream length
// approximately.
func (rb *RedisBus) Publish(ctx context.Context, stream string, fields map[string]interface{}, maxLen int64) (string, error) {
	args := &redis.XAddArgs{Stream: stream, Values: fields}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := rb.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	return id, nil
}

// CreateConsumerGroup creates a consumer group for a stream if it doesn't exist
func (rb *RedisBus) CreateConsumerGroup(ctx context.Context, stream, group, start string) error {
	if start == "" {
		start = "0"
	}
	if err := rb.client.XGroupCreateMkStream(ctx, stream, group, start).Err(); err != nil {
		if !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("failed to create consumer group %s for stream %s: %w", group, stream, err)
		}
	}
	rb.logger.Debugw("consumer group ready", "stream", stream, "group", group)
	return nil
}

// ReadStream consumes stream as consumer in group until ctx ends. Entries are
// acknowledged once handler returns nil; failed entries stay pending.
func (rb *RedisBus) ReadStream(ctx context.Context, stream, group, consumer string, handler StreamHandler) error {
	if err := rb.CreateConsumerGroup(ctx, stream, group, "0"); err != nil {
		return err
	}
	rb.logger.Infow("reading stream", "stream", stream, "group", group, "consumer", consumer)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := rb.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    10,
			Block:    rb.Block,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rb.logger.Warnw("stream read failed", "stream", stream, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(rb.RetryDelay):
			}
			continue
		}

		for _, s := range res {
			for _, m := range s.Messages {
				msg := StreamMessage{ID: m.ID, Fields: make(map[string]string, len(m.Values))}
				for k, v := range m.Values {
					if sv, ok := v.(string); ok {
						msg.Fields[k] = sv
					}
				}
				if err := handler(ctx, msg); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					rb.logger.Warnw("stream entry failed", "id", m.ID, "error", err)
					continue
				}
				if err := rb.client.XAck(ctx, s.Stream, group, m.ID).Err(); err != nil {
					rb.logger.Warnw("ack failed", "id", m.ID, "error", err)
				}
			}
		}
	}
}

// StreamLength reports the number of entries in stream.
func (rb *RedisBus) StreamLength(ctx context.Context, stream string) (int64, error) {
	n, err := rb.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get length of %s: %w", stream, err)
	}
	return n, nil
}

// HealthCheck performs a health check on the Redis connection
func (rb *RedisBus) HealthCheck(ctx context.Context) error {
	return rb.client.Ping(ctx).Err()
}

// DeleteStreams removes the given streams and their consumer groups and
// reports how many existed.
func (rb *RedisBus) DeleteStreams(ctx context.Context, streams ...string) (int64, error) {
	if len(streams) == 0 {
		return 0, nil
	}
	n, err := rb.client.Del(ctx, streams...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to delete streams: %w", err)
	}
	return n, nil
}
