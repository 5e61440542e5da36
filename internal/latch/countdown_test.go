package latch

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestCountdown_FiresOnceAfterN(t *testing.T) {
	c := New(3)
	fired := 0
	c.OnReady(func() { fired++ })

	if c.Done() || c.Done() {
		t.Fatalf("expected latch not to fire before third Done")
	}
	if c.Fired() {
		t.Fatalf("expected latch to be pending with %d remaining", c.Remaining())
	}
	if !c.Done() {
		t.Fatalf("expected third Done to fire the latch")
	}
	if c.Done() {
		t.Fatalf("expected extra Done to be ignored")
	}
	if fired != 1 {
		t.Fatalf("expected callback once, got %d", fired)
	}
}

func TestCountdown_ZeroIsFired(t *testing.T) {
	c := New(0)
	if !c.Fired() {
		t.Fatalf("expected zero latch to be fired")
	}
	called := false
	c.OnReady(func() { called = true })
	if !called {
		t.Fatalf("expected OnReady to run immediately on fired latch")
	}
}

func TestCountdown_ConcurrentDone(t *testing.T) {
	const n = 64
	c := New(n)

	var wg sync.WaitGroup
	var mu sync.Mutex
	firing := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Done() {
				mu.Lock()
				firing++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if firing != 1 {
		t.Fatalf("expected exactly one firing Done, got %d", firing)
	}
	if err := c.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestCountdown_WaitHonoursContext(t *testing.T) {
	c := New(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := c.Wait(ctx); err == nil {
		t.Fatalf("expected context error while latch pending")
	}
}
