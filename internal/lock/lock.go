// Package lock provides the run locks that keep two settlement batches for
// the same period from executing at once, within a process (MemoryLocker)
// or across replicas (RedisLocker).
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned when another holder owns the key.
var ErrLocked = errors.New("lock: already held")

// Release gives the lock back. Calling it more than once is harmless.
type Release func()

// Locker acquires exclusive, expiring locks by key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error)
}

// --- In-process ---

// MemoryLocker is a process-local Locker. Used for testing and
// single-instance deployments.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]time.Time
	clock func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]time.Time), clock: time.Now}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if exp, ok := l.held[key]; ok && (ttl <= 0 || now.Before(exp)) {
		return nil, fmt.Errorf("%w: %s", ErrLocked, key)
	}
	exp := now.Add(ttl)
	l.held[key] = exp

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.held[key].Equal(exp) {
				delete(l.held, key)
			}
		})
	}, nil
}

// --- Redis ---

// releaseScript deletes the key only if it still holds our token, so an
// expired lock re-acquired by someone else is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker uses SET NX PX with a random token per acquisition.
type RedisLocker struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisLocker(rdb *redis.Client, prefix string) *RedisLocker {
	return &RedisLocker{rdb: rdb, prefix: prefix}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error) {
	full := l.prefix + key
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", full, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, key)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Use a fresh context: the caller's may already be cancelled.
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			releaseScript.Run(rctx, l.rdb, []string{full}, token)
		})
	}, nil
}
