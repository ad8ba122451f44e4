package waitlist

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLocalLocker_MutualExclusion(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	var mu sync.Mutex
	inside, maxInside := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "event:a")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("expected at most one holder, saw %d", maxInside)
	}
	if n := l.held(); n != 0 {
		t.Errorf("expected idle keys to be dropped, %d left", n)
	}
}

func TestLocalLocker_TryLock(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "entry:1")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, err := l.TryLock(ctx, "entry:1"); err != nil || ok {
		t.Fatalf("expected TryLock to fail while held, ok=%v err=%v", ok, err)
	}
	other, ok, err := l.TryLock(ctx, "entry:2")
	if err != nil || !ok {
		t.Fatalf("expected TryLock on another key to succeed, ok=%v err=%v", ok, err)
	}
	other()

	unlock()
	unlock() // second call is a no-op

	again, ok, err := l.TryLock(ctx, "entry:1")
	if err != nil || !ok {
		t.Fatalf("expected TryLock after unlock to succeed, ok=%v err=%v", ok, err)
	}
	again()
	if n := l.held(); n != 0 {
		t.Errorf("expected no keys held, got %d", n)
	}
}

func TestLocalLocker_ContextCancel(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Lock(context.Background(), "event:a")
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "event:a"); err == nil {
		t.Fatal("expected lock to give up when the context ends")
	}
	if n := l.held(); n != 1 {
		t.Errorf("expected only the holder's key, got %d", n)
	}
}
