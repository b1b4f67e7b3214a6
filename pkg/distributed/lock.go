package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrNotHeld        = errors.New("lock not held")
	ErrAcquireTimeout = errors.New("lock acquisition timeout")
)

const (
	defaultTTL         = 5 * time.Second
	defaultPollEvery   = 10 * time.Millisecond
	defaultWaitTimeout = 10 * time.Second
)

// Only the holder of the token may release or extend the lock.
var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`)
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)
)

// Lock is a mutex held in Redis, shared by every process using the same key.
// A holder that dies loses the lock after TTL.
type Lock struct {
	client    *redis.Client
	key       string
	ttl       time.Duration
	pollEvery time.Duration
	wait      time.Duration
}

func NewLock(client *redis.Client, key string, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Lock{
		client:    client,
		key:       key,
		ttl:       ttl,
		pollEvery: defaultPollEvery,
		wait:      defaultWaitTimeout,
	}
}

func (l *Lock) Key() string { return l.key }

// Acquire blocks until the lock is taken, ctx is done, or the wait timeout
// passes.
func (l *Lock) Acquire(ctx context.Context) (*Lease, error) {
	deadline := time.Now().Add(l.wait)
	for {
		lease, ok, err := l.TryAcquire(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			return lease, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrAcquireTimeout, l.key)
		}

		timer := time.NewTimer(l.pollEvery)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// TryAcquire takes the lock if it is free and reports whether it did.
func (l *Lock) TryAcquire(ctx context.Context) (*Lease, bool, error) {
	token := newToken()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if !ok {
		return nil, false, nil
	}

	lease := &Lease{lock: l, token: token, stop: make(chan struct{})}
	go lease.keepAlive()
	return lease, true, nil
}

// Lease is one holding of a Lock. It is extended in the background until
// Release.
type Lease struct {
	lock  *Lock
	token string
	stop  chan struct{}
	once  sync.Once
}

func (le *Lease) Release(ctx context.Context) error {
	le.once.Do(func() { close(le.stop) })

	n, err := releaseScript.Run(ctx, le.lock.client, []string{le.lock.key}, le.token).Int64()
	if err != nil {
		return fmt.Errorf("release %s: %w", le.lock.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (le *Lease) keepAlive() {
	ticker := time.NewTicker(le.lock.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-le.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), le.lock.ttl/2)
			n, err := extendScript.Run(ctx, le.lock.client, []string{le.lock.key}, le.token, le.lock.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil || n == 0 {
				return
			}
		}
	}
}

func newToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
