// Package lease serializes create-or-reuse decisions per identifier.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when a lease could not be taken before the
// context expired.
var ErrNotAcquired = errors.New("lease not acquired")

// Locker hands out exclusive leases keyed by identifier.
type Locker interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}

// Lease is held until Release.
type Lease interface {
	Release(ctx context.Context) error
}

const keyPrefix = "orchestrator:lease:"

// Key formats the lease key for an owner.
func Key(kind, owner string) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, kind, owner)
}

// =============================================================================
// LocalLocker
// =============================================================================

// LocalLocker is an in-process Locker.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker creates an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*slot)}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		return &localLease{locker: l, key: key, slot: s}, nil
	case <-ctx.Done():
		l.unref(key, s)
		return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
	}
}

func (l *LocalLocker) unref(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

type localLease struct {
	locker *LocalLocker
	key    string
	slot   *slot
	once   sync.Once
}

func (l *localLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		<-l.slot.ch
		l.locker.unref(l.key, l.slot)
	})
	return nil
}

// =============================================================================
// RedisLocker
// =============================================================================

// RedisLocker coordinates leases across orchestrator processes.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	retry  time.Duration
}

// NewRedisLocker creates a RedisLocker on top of an existing client.
func NewRedisLocker(rdb redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLocker{
		client: redislock.New(rdb),
		ttl:    ttl,
		retry:  100 * time.Millisecond,
	}
}

// Acquire blocks until the lease is obtained or ctx ends. Without a context
// deadline the wait is bounded by the lease TTL.
func (r *RedisLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.ttl)
		defer cancel()
	}

	lock, err := r.client.Obtain(ctx, key, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(r.retry),
	})
	if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s", ErrNotAcquired, key)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lease %s: %w", key, err)
	}
	return &redisLease{lock: lock}, nil
}

type redisLease struct {
	lock *redislock.Lock
}

func (l *redisLease) Release(ctx context.Context) error {
	err := l.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}

var (
	_ Locker = (*LocalLocker)(nil)
	_ Locker = (*RedisLocker)(nil)
)
