package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisLockers(t *testing.T, lease time.Duration) (*miniredis.Miniredis, *RedisLocker, *RedisLocker) {
	t.Helper()
	mr := miniredis.RunT(t)
	// Two clients stand in for two relay processes.
	a := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return mr, NewRedisLocker(a, "lock:test:", lease, nil), NewRedisLocker(b, "lock:test:", lease, nil)
}

func TestRedisLockerExcludesOtherProcess(t *testing.T) {
	mr, a, b := newRedisLockers(t, time.Minute)

	unlockA, err := a.Lock(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Lock(a) error = %v", err)
	}
	if !mr.Exists("lock:test:tok") {
		t.Fatalf("lock key missing while held")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	if _, err := b.Lock(ctx, "tok"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Lock(b) error = %v, want deadline while a holds the lock", err)
	}

	acquired := make(chan func(), 1)
	go func() {
		unlock, err := b.Lock(context.Background(), "tok")
		if err != nil {
			t.Errorf("Lock(b) error = %v", err)
			close(acquired)
			return
		}
		acquired <- unlock
	}()
	time.Sleep(30 * time.Millisecond)
	unlockA()

	select {
	case unlockB, ok := <-acquired:
		if !ok {
			return
		}
		unlockB()
	case <-time.After(time.Second):
		t.Fatalf("b never acquired the lock after a released it")
	}
	if mr.Exists("lock:test:tok") {
		t.Fatalf("lock key left behind after release")
	}
}

func TestRedisLockerOtherTokensDoNotBlock(t *testing.T) {
	_, a, b := newRedisLockers(t, time.Minute)
	unlockA, err := a.Lock(context.Background(), "one")
	if err != nil {
		t.Fatalf("Lock(one) error = %v", err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := b.Lock(ctx, "two")
	if err != nil {
		t.Fatalf("Lock(two) error = %v", err)
	}
	unlockB()
}

func TestRedisLockerStaleHolderCannotReleaseNewHolder(t *testing.T) {
	mr, a, b := newRedisLockers(t, time.Second)

	unlockA, err := a.Lock(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Lock(a) error = %v", err)
	}
	// a's lease runs out, as it would for a crashed or stalled process.
	mr.FastForward(2 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := b.Lock(ctx, "tok")
	if err != nil {
		t.Fatalf("Lock(b) error = %v", err)
	}
	unlockA()
	if !mr.Exists("lock:test:tok") {
		t.Fatalf("stale release deleted the new holder's lock")
	}
	unlockB()
	if mr.Exists("lock:test:tok") {
		t.Fatalf("lock key left behind after release")
	}
}

func TestRedisStoreTurnLockerKeysStayOutOfLen(t *testing.T) {
	_, store := setupMiniredis(t, 0)
	locker := store.TurnLocker(time.Minute, nil)

	unlock, err := locker.Lock(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	defer unlock()
	if !locker.Busy("tok") {
		t.Fatalf("Busy() = false while held")
	}
	if n, _ := store.Len(context.Background()); n != 0 {
		t.Fatalf("Len() = %d, want lock keys excluded", n)
	}
}
