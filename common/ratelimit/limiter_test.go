package ratelimit

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLogger struct{ t *testing.T }

func (l testLogger) Info(msg string, kv ...interface{})  { l.t.Logf("INFO: %s %v", msg, kv) }
func (l testLogger) Error(msg string, kv ...interface{}) { l.t.Logf("ERROR: %s %v", msg, kv) }
func (l testLogger) Warn(msg string, kv ...interface{})  { l.t.Logf("WARN: %s %v", msg, kv) }
func (l testLogger) Debug(msg string, kv ...interface{}) { l.t.Logf("DEBUG: %s %v", msg, kv) }

func setupRedis(t *testing.T) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skip("redis not available:", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestCheckRenderLimit(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	limiter := NewRateLimiter(client, testLogger{t})

	require.NoError(t, limiter.ResetLimit(ctx, RenderKey("10.0.0.1")))
	defer limiter.ResetLimit(ctx, RenderKey("10.0.0.1"))

	for i := 1; i <= 3; i++ {
		res, err := limiter.CheckRenderLimit(ctx, "10.0.0.1", 3, 60)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i)
		assert.Equal(t, int64(i), res.CurrentCount)
	}

	res, err := limiter.CheckRenderLimit(ctx, "10.0.0.1", 3, 60)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfterSeconds, int64(0))

	count, err := limiter.GetCurrentCount(ctx, RenderKey("10.0.0.1"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
}
