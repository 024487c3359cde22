package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) (*RedisBus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rb, err := NewRedisBus(context.Background(), "redis://"+mr.Addr(), nil)
	require.NoError(t, err)
	rb.Block = 50 * time.Millisecond
	rb.RetryDelay = 10 * time.Millisecond
	t.Cleanup(func() { _ = rb.Close() })
	return rb, mr
}

func TestNewRedisBus_BadURL(t *testing.T) {
	_, err := NewRedisBus(context.Background(), "://nope", nil)
	assert.Error(t, err)
}

func TestPublishAndLength(t *testing.T) {
	rb, _ := newTestBus(t)
	ctx := context.Background()

	id, err := rb.Publish(ctx, "detections", map[string]interface{}{"event": "{}"}, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	n, err := rb.StreamLength(ctx, "detections")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	require.NoError(t, rb.HealthCheck(ctx))
}

func TestCreateConsumerGroupTwice(t *testing.T) {
	rb, _ := newTestBus(t)
	ctx := context.Background()
	require.NoError(t, rb.CreateConsumerGroup(ctx, "messages", "sentinel", "0"))
	require.NoError(t, rb.CreateConsumerGroup(ctx, "messages", "sentinel", "0"), "BUSYGROUP is tolerated")
}

func TestReadStream_AcksHandledEntries(t *testing.T) {
	rb, mr := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, text := range []string{"one", "fail", "two"} {
		_, err := rb.Publish(ctx, "messages", map[string]interface{}{"text": text}, 0)
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen []string
	)
	done := make(chan error, 1)
	go func() {
		done <- rb.ReadStream(ctx, "messages", "sentinel", "c1", func(ctx context.Context, m StreamMessage) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, m.Fields["text"])
			if m.Fields["text"] == "fail" {
				return errors.New("handler failed")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.Equal(t, []string{"one", "fail", "two"}, seen)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	pending, err := client.XPending(context.Background(), "messages", "sentinel").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending.Count, "only the failed entry stays pending")
}

func TestDeleteStreams(t *testing.T) {
	rb, _ := newTestBus(t)
	ctx := context.Background()

	_, err := rb.Publish(ctx, "messages", map[string]interface{}{"text": "x"}, 0)
	require.NoError(t, err)

	n, err := rb.DeleteStreams(ctx, "messages", "never-created")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	length, err := rb.StreamLength(ctx, "messages")
	require.NoError(t, err)
	assert.Zero(t, length)

	n, err = rb.DeleteStreams(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
