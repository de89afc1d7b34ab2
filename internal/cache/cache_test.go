package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock lets tests move cache time forward without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func newTestCache(ttl, errTTL time.Duration) (*Cache[string], *fakeClock) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	c := New[string](ttl, errTTL)
	c.now = clk.now
	return c, clk
}

func TestGetOrCompute_CachesValue(t *testing.T) {
	c, _ := newTestCache(30*time.Second, 5*time.Second)

	calls := 0
	compute := func(ctx context.Context) (string, error) {
		calls++
		return "hello", nil
	}

	v, err := c.GetOrCompute(context.Background(), "k", compute)
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	if v != "hello" {
		t.Fatalf("unexpected value: %q", v)
	}

	v, err = c.GetOrCompute(context.Background(), "k", compute)
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if v != "hello" {
		t.Fatalf("unexpected cached value: %q", v)
	}
	if calls != 1 {
		t.Fatalf("expected 1 compute, got %d", calls)
	}
}

func TestGetOrCompute_TTLExpiry(t *testing.T) {
	c, clk := newTestCache(30*time.Second, 5*time.Second)

	calls := 0
	compute := func(ctx context.Context) (string, error) {
		calls++
		return "v", nil
	}

	if _, err := c.GetOrCompute(context.Background(), "k", compute); err != nil {
		t.Fatalf("get: %v", err)
	}

	// still fresh just below the TTL
	clk.advance(29 * time.Second)
	if _, err := c.GetOrCompute(context.Background(), "k", compute); err != nil {
		t.Fatalf("get: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected cache hit before expiry, computes=%d", calls)
	}

	clk.advance(2 * time.Second)
	if _, err := c.GetOrCompute(context.Background(), "k", compute); err != nil {
		t.Fatalf("get: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected recompute after expiry, computes=%d", calls)
	}
}

func TestGetOrCompute_ErrorCachedUnderShortTTL(t *testing.T) {
	c, clk := newTestCache(30*time.Second, 5*time.Second)

	boom := errors.New("backend down")
	calls := 0
	failing := func(ctx context.Context) (string, error) {
		calls++
		return "", boom
	}

	// the caller that ran the compute sees the error
	if _, err := c.GetOrCompute(context.Background(), "k", failing); !errors.Is(err, boom) {
		t.Fatalf("expected compute error, got %v", err)
	}

	// within the error TTL the zero value is served without recomputation
	v, err := c.GetOrCompute(context.Background(), "k", failing)
	if err != nil {
		t.Fatalf("expected cached zero value, got err %v", err)
	}
	if v != "" {
		t.Fatalf("expected zero value, got %q", v)
	}
	if calls != 1 {
		t.Fatalf("expected no recompute within error TTL, computes=%d", calls)
	}

	// past the error TTL but well within the success TTL: recompute
	clk.advance(6 * time.Second)
	if _, err := c.GetOrCompute(context.Background(), "k", failing); !errors.Is(err, boom) {
		t.Fatalf("expected compute error after error TTL, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected recompute after error TTL, computes=%d", calls)
	}
}

func TestGetOrCompute_SingleFlight(t *testing.T) {
	c, _ := newTestCache(30*time.Second, 5*time.Second)

	var computes int32
	started := make(chan struct{})
	release := make(chan struct{})

	compute := func(ctx context.Context) (string, error) {
		if atomic.AddInt32(&computes, 1) == 1 {
			close(started)
		}
		<-release
		return "shared", nil
	}

	const callers = 8
	results := make(chan string, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			v, err := c.GetOrCompute(context.Background(), "k", compute)
			if err != nil {
				t.Errorf("get: %v", err)
				return
			}
			results <- v
		}()
	}

	<-started
	close(release)
	wg.Wait()
	close(results)

	for v := range results {
		if v != "shared" {
			t.Fatalf("unexpected value: %q", v)
		}
	}
	if n := atomic.LoadInt32(&computes); n != 1 {
		t.Fatalf("expected exactly 1 compute across %d callers, got %d", callers, n)
	}
}

func TestGetOrCompute_KeysAreIndependent(t *testing.T) {
	c, _ := newTestCache(30*time.Second, 5*time.Second)

	calls := map[string]int{}
	computeFor := func(key string) func(ctx context.Context) (string, error) {
		return func(ctx context.Context) (string, error) {
			calls[key]++
			return "v:" + key, nil
		}
	}

	for _, key := range []string{"a", "b", "a"} {
		v, err := c.GetOrCompute(context.Background(), key, computeFor(key))
		if err != nil {
			t.Fatalf("get %s: %v", key, err)
		}
		if v != "v:"+key {
			t.Fatalf("key %s: unexpected value %q", key, v)
		}
	}
	if calls["a"] != 1 || calls["b"] != 1 {
		t.Fatalf("expected one compute per key, got a=%d b=%d", calls["a"], calls["b"])
	}
}

func TestInvalidate(t *testing.T) {
	c, _ := newTestCache(30*time.Second, 5*time.Second)

	calls := 0
	compute := func(ctx context.Context) (string, error) {
		calls++
		return "v", nil
	}

	if _, err := c.GetOrCompute(context.Background(), "k", compute); err != nil {
		t.Fatalf("get: %v", err)
	}
	c.Invalidate("k", "unknown-key")
	if _, err := c.GetOrCompute(context.Background(), "k", compute); err != nil {
		t.Fatalf("get: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected recompute after invalidate, computes=%d", calls)
	}
}
