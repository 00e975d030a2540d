package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLockLease = 2 * time.Minute
	lockPollInterval = 25 * time.Millisecond
	lockReleaseWait  = 2 * time.Second
)

// releaseScript deletes the lock only if it still carries the holder's value, so a
// holder whose lease ran out cannot release the next holder's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker serializes the turns of a session across relay processes with a leased
// Redis key (SET NX PX). Waiters in the same process queue on a local Locker first so
// only one of them polls Redis per token.
type RedisLocker struct {
	client *redis.Client
	prefix string
	lease  time.Duration
	local  *Locker
}

// NewRedisLocker builds a lock over client. The lease bounds how long a crashed holder
// can block a session and must exceed the longest turn.
func NewRedisLocker(client *redis.Client, prefix string, lease time.Duration, local *Locker) *RedisLocker {
	if prefix == "" {
		prefix = "lock:parlance:transcript:"
	}
	if lease <= 0 {
		lease = defaultLockLease
	}
	if local == nil {
		local = NewLocker()
	}
	return &RedisLocker{client: client, prefix: prefix, lease: lease, local: local}
}

// TurnLocker returns a RedisLocker on the store's client. Lock keys live outside the
// transcript prefix so Len never counts them.
func (s *RedisStore) TurnLocker(lease time.Duration, local *Locker) *RedisLocker {
	return NewRedisLocker(s.client, "lock:"+s.prefix, lease, local)
}

func (l *RedisLocker) Lock(ctx context.Context, token string) (func(), error) {
	unlockLocal, err := l.local.Lock(ctx, token)
	if err != nil {
		return nil, err
	}

	key := l.prefix + token
	value := uuid.NewString()
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, key, value, l.lease).Result()
		if err != nil {
			unlockLocal()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("acquire turn lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			unlockLocal()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockReleaseWait)
			defer cancel()
			// A failed release leaves the key to its lease.
			_ = releaseScript.Run(releaseCtx, l.client, []string{key}, value).Err()
			unlockLocal()
		})
	}, nil
}

// Busy reports whether a turn of token is running or waiting in this process.
func (l *RedisLocker) Busy(token string) bool {
	return l.local.Busy(token)
}
