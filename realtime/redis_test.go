package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fluxion-engine/fluxion/types"
)

func newTestRedisPublisher(t *testing.T) *RedisPublisher {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisPublisher(client, "fluxion-test:", zap.NewNop())
}

func TestRedisPublishSubscribeRoundTrip(t *testing.T) {
	pub := newTestRedisPublisher(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := pub.Subscribe(ctx, "exec-1")
	require.NoError(t, err)

	sent := types.Event{
		ExecutionID: "exec-1",
		NodeID:      "n1",
		Status:      string(types.NodeStatusSuccess),
		Timestamp:   time.Now().UTC().Truncate(time.Second),
		Data:        []types.Batch{{{"x": float64(1)}}},
	}
	require.NoError(t, pub.Publish(ctx, sent))

	select {
	case got := <-events:
		assert.Equal(t, sent.ExecutionID, got.ExecutionID)
		assert.Equal(t, sent.NodeID, got.NodeID)
		assert.Equal(t, sent.Status, got.Status)
		assert.Equal(t, sent.Data, got.Data)
	case <-ctx.Done():
		t.Fatal("event never arrived")
	}
}

func TestRedisSubscribeIsPerExecution(t *testing.T) {
	pub := newTestRedisPublisher(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := pub.Subscribe(ctx, "exec-a")
	require.NoError(t, err)

	require.NoError(t, pub.Publish(ctx, types.Event{ExecutionID: "exec-other"}))
	require.NoError(t, pub.Publish(ctx, types.Event{ExecutionID: "exec-a"}))

	select {
	case got := <-events:
		assert.Equal(t, "exec-a", got.ExecutionID, "events of other executions stay on their channel")
	case <-ctx.Done():
		t.Fatal("event never arrived")
	}
}

func TestRedisSubscribeEndsWithContext(t *testing.T) {
	pub := newTestRedisPublisher(t)
	ctx, cancel := context.WithCancel(context.Background())

	events, err := pub.Subscribe(ctx, "exec-1")
	require.NoError(t, err)

	cancel()
	select {
	case _, open := <-events:
		assert.False(t, open)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription channel never closed")
	}
}
