package relay

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(rate, burst float64) (*writeLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := newWriteLimiter(rate, burst)
	l.now = clock.Now
	return l, clock
}

func mustTake(t *testing.T, l *writeLimiter, client string) {
	t.Helper()
	if ok, _ := l.take(client); !ok {
		t.Fatalf("expected %s to be allowed", client)
	}
}

func TestWriteLimiterBurst(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(1, 3)
	for range 3 {
		mustTake(t, l, "10.0.0.1")
	}
	ok, wait := l.take("10.0.0.1")
	if ok {
		t.Fatal("expected limit after burst exhaustion")
	}
	if wait != time.Second {
		t.Fatalf("expected 1s until next token, got %s", wait)
	}
}

func TestWriteLimiterPerClient(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(1, 1)
	mustTake(t, l, "10.0.0.1")
	if ok, _ := l.take("10.0.0.1"); ok {
		t.Fatal("expected first client to be limited")
	}
	mustTake(t, l, "10.0.0.2")
}

func TestWriteLimiterRefill(t *testing.T) {
	t.Parallel()

	l, clock := newTestLimiter(2, 1)
	mustTake(t, l, "k")

	clock.Advance(250 * time.Millisecond)
	ok, wait := l.take("k")
	if ok {
		t.Fatal("expected limit with half a token")
	}
	if wait != 250*time.Millisecond {
		t.Fatalf("expected 250ms until next token, got %s", wait)
	}

	clock.Advance(300 * time.Millisecond)
	mustTake(t, l, "k")
}

func TestWriteLimiterRefillCappedAtBurst(t *testing.T) {
	t.Parallel()

	l, clock := newTestLimiter(1, 2)
	mustTake(t, l, "k")
	clock.Advance(time.Hour)

	allowed := 0
	for range 5 {
		if ok, _ := l.take("k"); ok {
			allowed++
		}
	}
	if allowed != 2 {
		t.Fatalf("expected refill capped at burst 2, got %d", allowed)
	}
}

func TestWriteLimiterZeroBurstAllowsOne(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(1, 0)
	mustTake(t, l, "k")
	if ok, _ := l.take("k"); ok {
		t.Fatal("expected burst floor of one")
	}
}

func TestWriteLimiterEvictIdle(t *testing.T) {
	t.Parallel()

	l, clock := newTestLimiter(1, 10)
	mustTake(t, l, "stale")
	clock.Advance(limiterIdleAge + time.Minute)
	mustTake(t, l, "fresh")

	if removed := l.evictIdle(limiterIdleAge); removed != 1 {
		t.Fatalf("expected 1 bucket evicted, got %d", removed)
	}
	if n := l.tracked(); n != 1 {
		t.Fatalf("expected 1 tracked client, got %d", n)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	t.Parallel()

	tests := map[time.Duration]int{
		0:                       1,
		250 * time.Millisecond:  1,
		time.Second:             1,
		1500 * time.Millisecond: 2,
		17 * time.Minute:        1020,
	}
	for wait, want := range tests {
		if got := retryAfterSeconds(wait); got != want {
			t.Fatalf("retryAfterSeconds(%s) = %d, want %d", wait, got, want)
		}
	}
}

func TestWriteLimiterConcurrent(t *testing.T) {
	t.Parallel()

	l := newWriteLimiter(1, 10)
	const goroutines = 32
	const clientsPerGoroutine = 10

	var wg sync.WaitGroup
	for g := range goroutines {
		wg.Go(func() {
			for c := range clientsPerGoroutine {
				l.take(fmt.Sprintf("client-%d-%d", g, c))
			}
		})
	}
	wg.Wait()
	if n := l.tracked(); n != goroutines*clientsPerGoroutine {
		t.Fatalf("expected %d tracked clients, got %d", goroutines*clientsPerGoroutine, n)
	}
}

func BenchmarkWriteLimiterDistinctClients(b *testing.B) {
	l := newWriteLimiter(1, 10)
	clients := make([]string, 1000)
	for i := range clients {
		clients[i] = fmt.Sprintf("10.0.%d.%d", i/256, i%256)
	}
	b.ReportAllocs()
	i := 0
	for b.Loop() {
		l.take(clients[i%len(clients)])
		i++
	}
}
