//go:build integration

package device

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"growrules/internal/core"
)

// Runs against GROWRULES_TEST_REDIS_ADDR, e.g. a local redis:7 container.
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("GROWRULES_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("GROWRULES_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	require.NoError(t, client.Ping(context.Background()).Err())
	require.NoError(t, client.FlushDB(context.Background()).Err())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisReaderIntegration(t *testing.T) {
	client := newTestRedis(t)
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC))
	r := NewRedisReader(client, 10*time.Minute, clock)
	ctx := context.Background()

	_, err := r.CurrentValue(ctx, "sensor-1", "temperature")
	assert.ErrorIs(t, err, core.ErrDataUnavailable)

	require.NoError(t, r.SetReading(ctx, "sensor-1", "temperature", Reading{Value: 29.5, RecordedAt: clock.Now()}))
	v, err := r.CurrentValue(ctx, "sensor-1", "temperature")
	require.NoError(t, err)
	assert.Equal(t, 29.5, v)

	clock.Advance(11 * time.Minute)
	_, err = r.CurrentValue(ctx, "sensor-1", "temperature")
	assert.ErrorIs(t, err, core.ErrDataUnavailable, "stale readings are unavailable")

	up, err := r.Online(ctx, "sensor-1")
	require.NoError(t, err)
	assert.False(t, up)
	require.NoError(t, r.Heartbeat(ctx, "sensor-1", time.Minute))
	up, err = r.Online(ctx, "sensor-1")
	require.NoError(t, err)
	assert.True(t, up)
}
