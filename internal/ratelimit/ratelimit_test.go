package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var newsKey = Key{AgentID: "agent-1", Skill: "cryptocompare", Action: "fetch_news", CredentialSource: "agent_owner"}

func TestExactCountThenDenied(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	lim := NewMemoryWithClock(clock.Now)
	limit := &Limit{Count: 3, Window: time.Minute}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := lim.TryAcquire(ctx, newsKey, limit)
		if err != nil || !res.Allowed {
			t.Fatalf("acquire %d: %+v, %v", i, res, err)
		}
		if res.Remaining != 2-i {
			t.Errorf("acquire %d: remaining = %d", i, res.Remaining)
		}
		clock.Advance(10 * time.Second)
	}

	res, _ := lim.TryAcquire(ctx, newsKey, limit)
	if res.Allowed {
		t.Fatal("4th acquisition within the window should be denied")
	}
	// First hit at t0, now t0+30s: it expires in 30s.
	if res.RetryAfter != 30*time.Second {
		t.Errorf("retry after = %s, want 30s", res.RetryAfter)
	}

	err := res.Err(newsKey)
	var d *Denied
	if !errors.As(err, &d) || !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Err() = %v", err)
	}

	clock.Advance(30 * time.Second)
	if res, _ := lim.TryAcquire(ctx, newsKey, limit); !res.Allowed {
		t.Error("acquisition should succeed once the oldest hit leaves the window")
	}
}

func TestNilLimitIsUnlimited(t *testing.T) {
	lim := NewMemory()
	for i := 0; i < 100; i++ {
		res, err := lim.TryAcquire(context.Background(), newsKey, nil)
		if err != nil || !res.Allowed || res.Remaining != -1 {
			t.Fatalf("got %+v, %v", res, err)
		}
	}
	if lim.Len() != 0 {
		t.Error("unlimited acquisitions must not create state")
	}
}

func TestZeroCountDenies(t *testing.T) {
	res, _ := NewMemory().TryAcquire(context.Background(), newsKey, &Limit{Count: 0, Window: time.Minute})
	if res.Allowed || res.RetryAfter <= 0 {
		t.Errorf("got %+v", res)
	}
}

func TestNonPositiveWindowIsRejected(t *testing.T) {
	lim := NewMemory()
	for _, w := range []time.Duration{0, -time.Minute, time.Duration(-1 << 63)} {
		res, err := lim.TryAcquire(context.Background(), newsKey, &Limit{Count: 3, Window: w})
		if !errors.Is(err, ErrInvalidLimit) {
			t.Errorf("window %s: err = %v, want ErrInvalidLimit", w, err)
		}
		if res.Allowed {
			t.Errorf("window %s: acquisition allowed", w)
		}
	}
	if lim.Len() != 0 {
		t.Error("rejected limits must not create state")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	lim := NewMemory()
	limit := &Limit{Count: 1, Window: time.Hour}
	ctx := context.Background()
	other := newsKey
	other.CredentialSource = "platform"

	if res, _ := lim.TryAcquire(ctx, newsKey, limit); !res.Allowed {
		t.Fatal("first key denied")
	}
	if res, _ := lim.TryAcquire(ctx, other, limit); !res.Allowed {
		t.Fatal("credential sources must not share a quota")
	}
}

func TestConcurrentAcquire(t *testing.T) {
	lim := NewMemory()
	limit := &Limit{Count: 5, Window: time.Minute}

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := lim.TryAcquire(context.Background(), newsKey, limit)
			if err != nil {
				t.Error(err)
				return
			}
			if res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if allowed.Load() != 5 {
		t.Fatalf("allowed = %d, want 5", allowed.Load())
	}
}

func TestSweepDropsIdleKeys(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	lim := NewMemoryWithClock(clock.Now)
	limit := &Limit{Count: 10, Window: time.Second}
	ctx := context.Background()

	lim.TryAcquire(ctx, newsKey, limit)
	clock.Advance(2 * time.Second)

	sh := lim.shards[shardOf(newsKey.String())]
	sh.mu.Lock()
	sh.sweep(clock.Now())
	sh.mu.Unlock()
	if lim.Len() != 0 {
		t.Errorf("Len() = %d after sweep, want 0", lim.Len())
	}
	if res, _ := lim.TryAcquire(ctx, newsKey, limit); !res.Allowed {
		t.Error("swept key should start fresh")
	}
}
