// Package lock provides per-key mutual exclusion.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/governor/internal/cache"
)

// ErrLockTimeout is returned when a lock could not be acquired before the
// context was done.
var ErrLockTimeout = errors.New("lock not acquired")

// Locker serializes work per key. Lock blocks until the key is held or ctx is
// done; the returned unlock func must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// KeyedMutex is an in-process Locker. Entries are reference counted and
// removed when no goroutine holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

var _ Locker = (*KeyedMutex)(nil)

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, fmt.Errorf("%w: %s: %w", ErrLockTimeout, key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.release(key, e)
		})
	}, nil
}

func (k *KeyedMutex) release(key string, e *keyedEntry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// Len returns the number of keys currently held or awaited.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// Backend is the subset of the cache used for distributed locks.
type Backend interface {
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, token string) (bool, error)
}

var _ Backend = (cache.Cache)(nil)

// RedisLocker is a cross-process Locker backed by SET NX PX with a random
// owner token. The TTL bounds how long a crashed holder can block others.
type RedisLocker struct {
	backend  Backend
	ttl      time.Duration
	baseWait time.Duration
	maxWait  time.Duration
	logger   *slog.Logger
}

// NewRedisLocker creates a RedisLocker. ttl must exceed the longest critical section.
func NewRedisLocker(backend Backend, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{
		backend:  backend,
		ttl:      ttl,
		baseWait: 10 * time.Millisecond,
		maxWait:  250 * time.Millisecond,
		logger:   logger,
	}
}

var _ Locker = (*RedisLocker)(nil)

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := cache.LockKey(key)
	token := uuid.NewString()

	for attempt := 0; ; attempt++ {
		ok, err := r.backend.TryLock(ctx, redisKey, token, r.ttl)
		if err != nil {
			return nil, fmt.Errorf("acquiring lock %s: %w", key, err)
		}
		if ok {
			break
		}

		t := time.NewTimer(r.backoff(attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("%w: %s: %w", ErrLockTimeout, key, ctx.Err())
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's ctx may already be cancelled; release regardless.
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			released, err := r.backend.Unlock(ctx, redisKey, token)
			if err != nil {
				r.logger.Error("releasing lock", "key", key, "error", err)
				return
			}
			if !released {
				r.logger.Warn("lock expired before release", "key", key, "ttl", r.ttl)
			}
		})
	}, nil
}

// backoff doubles from baseWait up to maxWait.
func (r *RedisLocker) backoff(attempt int) time.Duration {
	if attempt > 10 {
		return r.maxWait
	}
	d := r.baseWait << attempt
	if d > r.maxWait {
		d = r.maxWait
	}
	return d
}
