package waitlist

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Locker provides the exclusive sections the waitlist serializes on: one per
// event for inventory and queue changes, one per entry for purchases.
// Acquisition order is always entry before event; TryLock is the only way
// to take an entry lock while holding an event lock.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
	TryLock(ctx context.Context, key string) (unlock func(), ok bool, err error)
}

func eventKey(id uuid.UUID) string { return "event:" + id.String() }
func entryKey(id uuid.UUID) string { return "entry:" + id.String() }

// LocalLocker is a keyed mutex for a single process. Idle keys are dropped.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: map[string]*keyLock{}}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	kl := l.ref(key)
	select {
	case kl.ch <- struct{}{}:
		return l.unlocker(key, kl), nil
	case <-ctx.Done():
		l.unref(key, kl)
		return nil, ctx.Err()
	}
}

func (l *LocalLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	kl := l.ref(key)
	select {
	case kl.ch <- struct{}{}:
		return l.unlocker(key, kl), true, nil
	default:
		l.unref(key, kl)
		return nil, false, nil
	}
}

func (l *LocalLocker) ref(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	return kl
}

func (l *LocalLocker) unref(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

func (l *LocalLocker) unlocker(key string, kl *keyLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.ch
			l.unref(key, kl)
		})
	}
}

// held reports the number of keys currently tracked; used by tests.
func (l *LocalLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
