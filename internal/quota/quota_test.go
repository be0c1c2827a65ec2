package quota

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelrelay/modelrelay/internal/kv"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	backend := kv.NewMemory()
	t.Cleanup(func() { _ = backend.Close() })
	return NewStore(backend, time.Minute)
}

func TestAllowWithinLimit(t *testing.T) {
	s := newTestStore(t)
	s.SetLimit("p", 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := s.Allow(ctx, "p", 0)
		if err != nil {
			t.Fatal(err)
		}
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	d, _ := s.Allow(ctx, "p", 0)
	if d.Allowed || d.Remaining != 0 {
		t.Fatalf("fourth request should be denied: %+v", d)
	}
}

func TestPeekDoesNotIncrement(t *testing.T) {
	s := newTestStore(t)
	s.SetLimit("p", 2)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, err := s.Peek(ctx, "p", 0)
		if err != nil {
			t.Fatal(err)
		}
		if !d.Allowed || d.Remaining != 2 {
			t.Fatalf("peek %d consumed quota: %+v", i, d)
		}
	}

	d, _ := s.Allow(ctx, "p", 0)
	if !d.Allowed || d.Remaining != 1 {
		t.Fatalf("allow after peeks: %+v", d)
	}
}

func TestUnlimitedProvider(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		d, err := s.Allow(ctx, "free", 0)
		if err != nil || !d.Allowed {
			t.Fatalf("unlimited provider denied on call %d: %+v %v", i, d, err)
		}
	}
}

func TestHintLimitOverrides(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d, _ := s.Allow(ctx, "p", 1)
	if !d.Allowed {
		t.Fatal("first request within hint should pass")
	}
	d, _ = s.Allow(ctx, "p", 1)
	if d.Allowed {
		t.Fatal("hint limit of 1 should deny the second request")
	}
}

func TestWindowRollover(t *testing.T) {
	backend := kv.NewMemory()
	defer backend.Close()
	s := NewStore(backend, time.Minute)
	s.SetLimit("p", 1)
	ctx := context.Background()

	base := time.Now().Truncate(time.Minute)
	s.nowFunc = func() time.Time { return base }

	if d, _ := s.Allow(ctx, "p", 0); !d.Allowed {
		t.Fatal("first window request denied")
	}
	if d, _ := s.Allow(ctx, "p", 0); d.Allowed {
		t.Fatal("window should be exhausted")
	}

	// The next window starts with a fresh counter.
	s.nowFunc = func() time.Time { return base.Add(time.Minute) }
	if d, _ := s.Allow(ctx, "p", 0); !d.Allowed {
		t.Fatal("new window should admit again")
	}
}

// For N concurrent Allow calls against limit L, exactly min(N, L) must pass.
func TestAllowAtomicUnderConcurrency(t *testing.T) {
	s := newTestStore(t)
	s.SetLimit("p", 25)
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := s.Allow(ctx, "p", 0)
			if err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if allowed.Load() != 25 {
		t.Fatalf("allowed %d of 100 against limit 25", allowed.Load())
	}
}
