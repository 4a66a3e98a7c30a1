package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/msglog-engine/go-core/internal/config"
)

// Lease grants exclusive use of a named job. The release function must be
// called once the run is over; ok is false when another holder has it.
type Lease interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// LocalLease is an in-process lease
type LocalLease struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocalLease creates an in-process lease
func NewLocalLease() *LocalLease {
	return &LocalLease{held: make(map[string]bool)}
}

// Acquire implements Lease. The ttl is ignored.
func (l *LocalLease) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[name] {
		return nil, false, nil
	}
	l.held[name] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, name)
			l.mu.Unlock()
		})
	}, true, nil
}

// releaseScript deletes the lease only while it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease is a lease shared by every node using the same Redis server.
// It expires after its ttl when the holder dies.
type RedisLease struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
}

// NewRedisLease creates a lease on client with keys "<prefix>lease:<name>"
func NewRedisLease(client redis.UniversalClient, prefix string, logger *zap.Logger) *RedisLease {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLease{client: client, prefix: prefix, logger: logger}
}

func (l *RedisLease) key(name string) string {
	return l.prefix + "lease:" + name
}

// Acquire implements Lease
func (l *RedisLease) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	key := l.key(name)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to set lease %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
				l.logger.Warn("Failed to release job lease", zap.String("key", key), zap.Error(err))
			}
		})
	}, true, nil
}

// NewRedisClient connects to the Redis server of the jobs configuration
func NewRedisClient(ctx context.Context, cfg config.JobsConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		// CLIENT SETINFO is unknown before Redis 7.2 and to miniredis
		DisableIndentity: true,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}
