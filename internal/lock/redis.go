// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tomtom215/ledgerlink/internal/logging"
)

const (
	defaultKeyPrefix = "ledgerlink:lock:"
	defaultTTL       = 30 * time.Second
	releaseTimeout   = 5 * time.Second
)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// RedisLocker holds locks as Redis keys set with NX and a random token. A held
// lock is kept alive in the background until released, so work longer than
// the TTL keeps its lock while a crashed holder's lock still expires.
type RedisLocker struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// NewRedisLocker returns a Locker backed by client. A zero ttl uses 30s.
func NewRedisLocker(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisLocker {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisLocker{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

// Lease is one acquired Redis lock.
type Lease struct {
	client redis.UniversalClient
	key    string
	token  string
}

// Acquire takes the lock for key or returns ErrNotAcquired.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (*Lease, error) {
	lease := &Lease{
		client: l.client,
		key:    l.keyPrefix + key,
		token:  uuid.NewString(),
	}
	ok, err := l.client.SetNX(ctx, lease.key, lease.token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	logging.Ctx(ctx).Debug().Str("key", lease.key).Msg("Acquired lock")
	return lease, nil
}

// Release deletes the lock if this lease still owns it.
func (lease *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, lease.client, []string{lease.key}, lease.token).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Extend resets the TTL if this lease still owns the lock.
func (lease *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, lease.client, []string{lease.key}, lease.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// TryLock implements Locker. The lease is extended every ttl/3 until the
// release function runs.
func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), error) {
	lease, err := l.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(lease, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if err := lease.Release(rctx); err != nil {
				logging.Warn().Err(err).Str("key", lease.key).Msg("Failed to release lock")
			}
		})
	}, nil
}

func (l *RedisLocker) keepAlive(lease *Lease, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			err := lease.Extend(ctx, l.ttl)
			cancel()
			if err != nil {
				logging.Warn().Err(err).Str("key", lease.key).Msg("Lost lock while held")
				return
			}
		}
	}
}
