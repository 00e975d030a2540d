package session

import (
	"context"
	"sync"
)

// TurnLocker serializes the turns of one session. Lock blocks until the token's lock is
// held or ctx ends; the returned func releases it and must be called exactly once.
type TurnLocker interface {
	Lock(ctx context.Context, token string) (func(), error)
}

// Locker serializes turns per session token so an append, the upstream call built from
// the transcript, and the commit of its reply cannot interleave with another turn of the
// same session. Different tokens never share a lock.
type Locker struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	sem  chan struct{}
	refs int
}

func NewLocker() *Locker {
	return &Locker{slots: make(map[string]*lockSlot)}
}

// Lock blocks until the token's lock is held or ctx ends. The returned func releases it
// and must be called exactly once.
func (l *Locker) Lock(ctx context.Context, token string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[token]
	if !ok {
		slot = &lockSlot{sem: make(chan struct{}, 1)}
		l.slots[token] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(token, slot)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.sem
			l.release(token, slot)
		})
	}, nil
}

func (l *Locker) release(token string, slot *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, token)
	}
}

// Busy reports whether token has a holder or waiter.
func (l *Locker) Busy(token string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.slots[token]
	return ok
}

// Held reports how many tokens currently have a holder or waiter.
func (l *Locker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
