package jobs

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/msglog-engine/go-core/internal/config"
	"github.com/msglog-engine/go-core/internal/metrics"
)

// setupRedisLease creates a lease on a miniredis server
func setupRedisLease(t *testing.T) (*RedisLease, *miniredis.Miniredis) {
	t.Helper()

	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: s.Addr(),
		// Disable CLIENT SETINFO for miniredis compatibility
		DisableIndentity: true,
	})
	t.Cleanup(func() { client.Close() })

	return NewRedisLease(client, "test:", zaptest.NewLogger(t)), s
}

func TestRedisLease_Exclusive(t *testing.T) {
	ctx := context.Background()
	lease, s := setupRedisLease(t)

	release, ok, err := lease.Acquire(ctx, "archiver", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, s.Exists("test:lease:archiver"))

	_, ok, err = lease.Acquire(ctx, "archiver", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// other jobs are independent
	releaseCleaner, ok, err := lease.Acquire(ctx, "cleaner", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	releaseCleaner()

	release()
	assert.False(t, s.Exists("test:lease:archiver"))

	_, ok, err = lease.Acquire(ctx, "archiver", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLease_Expires(t *testing.T) {
	ctx := context.Background()
	lease, s := setupRedisLease(t)

	_, ok, err := lease.Acquire(ctx, "archiver", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	s.FastForward(2 * time.Minute)

	_, ok, err = lease.Acquire(ctx, "archiver", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLease_ReleaseKeepsForeignLease(t *testing.T) {
	ctx := context.Background()
	lease, s := setupRedisLease(t)

	release, ok, err := lease.Acquire(ctx, "archiver", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// the lease expired and another node took it over
	s.FastForward(2 * time.Minute)
	require.NoError(t, s.Set("test:lease:archiver", "other-node"))

	release()
	value, err := s.Get("test:lease:archiver")
	require.NoError(t, err)
	assert.Equal(t, "other-node", value)
}

func TestRedisLease_ServerDown(t *testing.T) {
	lease, s := setupRedisLease(t)
	s.Close()

	_, ok, err := lease.Acquire(context.Background(), "archiver", time.Minute)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestNewRedisClient(t *testing.T) {
	s := miniredis.RunT(t)

	client, err := NewRedisClient(context.Background(), config.JobsConfig{RedisAddr: s.Addr()})
	require.NoError(t, err)
	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	got, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
	client.Close()

	addr := s.Addr()
	s.Close()
	_, err = NewRedisClient(context.Background(), config.JobsConfig{RedisAddr: addr})
	assert.Error(t, err)
}

func TestLocalLease(t *testing.T) {
	lease := NewLocalLease()

	release, ok, err := lease.Acquire(context.Background(), "archiver", 0)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = lease.Acquire(context.Background(), "archiver", 0)
	assert.False(t, ok)

	release()
	release()
	_, ok, _ = lease.Acquire(context.Background(), "archiver", 0)
	assert.True(t, ok)
}

func scrape(t *testing.T, m metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.HTTPHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}
