package redisclient

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Locker hands out per-key exclusive leases. Release is a no-op once the
// lease expired and someone else took the key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

type redisLocker struct {
	client *Client
}

// NewRedisLocker builds a Locker on top of SetNX and the release script.
func NewRedisLocker(client *Client) Locker {
	return &redisLocker{client: client}
}

func (l *redisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	owner := uuid.New().String()
	ok, err := l.client.AcquireLock(ctx, key, owner, ttl)
	if err != nil || !ok {
		return func() {}, false, err
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.client.ReleaseLock(releaseCtx, key, owner)
	}, true, nil
}

type memoryLocker struct {
	mu     sync.Mutex
	leases map[string]memoryLease
}

type memoryLease struct {
	owner   string
	expires time.Time
}

// NewMemoryLocker is the single-process fallback used when Redis is unavailable.
func NewMemoryLocker() Locker {
	return &memoryLocker{leases: make(map[string]memoryLease)}
}

func (l *memoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	now := time.Now()
	owner := uuid.New().String()

	l.mu.Lock()
	defer l.mu.Unlock()

	if lease, held := l.leases[key]; held && lease.expires.After(now) {
		return func() {}, false, nil
	}
	l.leases[key] = memoryLease{owner: owner, expires: now.Add(ttl)}

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if lease, held := l.leases[key]; held && lease.owner == owner {
			delete(l.leases, key)
		}
	}, true, nil
}
