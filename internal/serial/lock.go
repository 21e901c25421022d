package serial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another holder owns the lock.
var ErrLockHeld = errors.New("serial: lock already held")

// Locker hands out named leases. The keeper uses it so only one instance
// scans for settleable positions at a time.
//
// A lease is renewed every ttl/3 until it is released or ctx passed to
// Acquire is done; after that it lapses ttl later. ttl therefore bounds
// how long a crashed holder blocks others, not how long a holder may work.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// renew calls extend every ttl/3 until stop is closed or ctx is done.
func renew(ctx context.Context, ttl time.Duration, stop <-chan struct{}, extend func() bool) {
	ticker := time.NewTicker(max(ttl/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !extend() {
				return
			}
		}
	}
}

type localLease struct {
	token uint64
	until time.Time
}

// LocalLocker is a process-local Locker.
type LocalLocker struct {
	mu   sync.Mutex
	next uint64
	held map[string]localLease
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localLease)}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	now := time.Now()
	if cur, ok := l.held[key]; ok && now.Before(cur.until) {
		l.mu.Unlock()
		return nil, ErrLockHeld
	}
	l.next++
	token := l.next
	l.held[key] = localLease{token: token, until: now.Add(ttl)}
	l.mu.Unlock()

	stop := make(chan struct{})
	go renew(ctx, ttl, stop, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		cur, ok := l.held[key]
		if !ok || cur.token != token {
			return false
		}
		cur.until = time.Now().Add(ttl)
		l.held[key] = cur
		return true
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			l.mu.Lock()
			if l.held[key].token == token {
				delete(l.held, key)
			}
			l.mu.Unlock()
		})
	}, nil
}

// unlockLua deletes the lock only if the caller still owns it.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// extendLua pushes the lock's expiry out only if the caller still owns it.
const extendLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// RedisLocker is a Locker shared across instances via SET NX with a TTL.
type RedisLocker struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	extendSc *redis.Script
	logger   *slog.Logger
}

func NewRedisLocker(rdb *redis.Client, logger *slog.Logger) *RedisLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{
		rdb:      rdb,
		unlockSc: redis.NewScript(unlockLua),
		extendSc: redis.NewScript(extendLua),
		logger:   logger,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	lk := "lock:" + key

	ok, err := l.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("serial: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	stop := make(chan struct{})
	go renew(ctx, ttl, stop, func() bool {
		rctx, cancel := context.WithTimeout(context.Background(), ttl/3+time.Second)
		defer cancel()
		n, err := l.extendSc.Run(rctx, l.rdb, []string{lk}, token, ttl.Milliseconds()).Int()
		if err != nil {
			// Transient; the next tick tries again while the lease lasts.
			l.logger.WarnContext(ctx, "extend lock failed", "key", key, "err", err)
			return true
		}
		if n == 0 {
			l.logger.WarnContext(ctx, "lock lost before release", "key", key)
			return false
		}
		return true
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			// Fresh context: the caller's may already be cancelled.
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := l.unlockSc.Run(rctx, l.rdb, []string{lk}, token).Err(); err != nil {
				l.logger.WarnContext(rctx, "release lock failed", "key", key, "err", err)
			}
		})
	}, nil
}
