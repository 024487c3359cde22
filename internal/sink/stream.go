package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/sentinel-dpa/telegram-sentinel/internal/bus"
	"github.com/sentinel-dpa/telegram-sentinel/internal/event"
	"github.com/sentinel-dpa/telegram-sentinel/internal/store"
)

// DefaultStream is the Redis stream detections are published to.
const DefaultStream = "sentinel:detections"

// DefaultSubject is the NATS subject detections are published to.
const DefaultSubject = "sentinel.detections"

// RedisStreamSink publishes each record to a Redis stream. The full record
// travels in the "event" field; the routing fields are duplicated so
// consumers can filter without decoding.
type RedisStreamSink struct {
	pub    bus.Publisher
	stream string
	maxLen int64
}

func NewRedisStreamSink(pub bus.Publisher, stream string, maxLen int64) *RedisStreamSink {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisStreamSink{pub: pub, stream: stream, maxLen: maxLen}
}

func (r *RedisStreamSink) Name() string { return "redis" }

func (r *RedisStreamSink) Append(ctx context.Context, ev event.DetectionEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = r.pub.Publish(ctx, r.stream, map[string]interface{}{
		"ioc":       ev.IOC,
		"ioc_type":  string(ev.IOCType),
		"malicious": strconv.Itoa(ev.VirusTotal.Malicious),
		"chat_id":   strconv.FormatInt(ev.ChatID, 10),
		"author_id": strconv.FormatInt(ev.AuthorID, 10),
		"event":     string(raw),
	}, r.maxLen)
	return err
}

// NATSPublisher is the subset of *nats.Conn the NATS sink needs.
type NATSPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes each record as JSON on a subject.
type NATSSink struct {
	conn    NATSPublisher
	subject string
}

func NewNATSSink(conn NATSPublisher, subject string) *NATSSink {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSSink{conn: conn, subject: subject}
}

// ConnectNATS dials url with reconnects enabled.
func ConnectNATS(url string, logger *zap.SugaredLogger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	conn, err := nats.Connect(url,
		nats.Name("telegram-sentinel"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnw("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Infow("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return conn, nil
}

func (n *NATSSink) Name() string { return "nats" }

func (n *NATSSink) Append(ctx context.Context, ev event.DetectionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.conn.Publish(n.subject, raw); err != nil {
		return fmt.Errorf("publish %s: %w", n.subject, err)
	}
	return nil
}

// StoreSink archives records in the SQLite store.
type StoreSink struct {
	store *store.Store
}

func NewStoreSink(s *store.Store) *StoreSink {
	return &StoreSink{store: s}
}

func (s *StoreSink) Name() string { return "archive" }

func (s *StoreSink) Append(ctx context.Context, ev event.DetectionEvent) error {
	_, err := s.store.SaveDetection(ctx, ev)
	return err
}
