// Package bus wraps the Redis Streams plumbing shared by the message source
// and the detection stream sink.
package bus

import "context"

// StreamMessage is one stream entry with its string fields.
type StreamMessage struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields"`
}

// StreamHandler processes one stream entry. Returning an error leaves the
// entry pending.
type StreamHandler func(ctx context.Context, message StreamMessage) error

// Publisher appends entries to a stream.
type Publisher interface {
	Publish(ctx context.Context, stream string, fields map[string]interface{}, maxLen int64) (string, error)
}

// Consumer reads a stream through a consumer group.
type Consumer interface {
	ReadStream(ctx context.Context, stream, group, consumer string, handler StreamHandler) error
}

var (
	_ Publisher = (*RedisBus)(nil)
	_ Consumer  = (*RedisBus)(nil)
)
