package relay

import (
	"hash/fnv"
	"math"
	"sync"
	"time"
)

const (
	limiterShards = 16
	// limiterIdleAge is how long a client bucket may sit unused before the
	// janitor drops it. A full bucket carries no state worth keeping.
	limiterIdleAge = 5 * time.Minute
)

// writeLimiter throttles endpoint updates per client IP with a token bucket.
// Clients are spread over shards by FNV-1a hash, each with its own lock.
type writeLimiter struct {
	rate   float64
	burst  float64
	now    func() time.Time
	shards [limiterShards]limiterShard
}

type limiterShard struct {
	mu      sync.Mutex
	clients map[string]*tokenBucket
}

type tokenBucket struct {
	tokens float64
	seen   time.Time
}

func newWriteLimiter(rate, burst float64) *writeLimiter {
	l := &writeLimiter{rate: rate, burst: max(burst, 1), now: time.Now}
	for i := range l.shards {
		l.shards[i].clients = make(map[string]*tokenBucket)
	}
	return l
}

func (l *writeLimiter) shardFor(client string) *limiterShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(client))
	return &l.shards[h.Sum32()%limiterShards]
}

// take spends one token for client. When the bucket is empty it returns
// false and the time until the next token is available.
func (l *writeLimiter) take(client string) (bool, time.Duration) {
	sh := l.shardFor(client)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := l.now()
	b, ok := sh.clients[client]
	if !ok {
		b = &tokenBucket{tokens: l.burst, seen: now}
		sh.clients[client] = b
	}
	b.tokens = min(b.tokens+now.Sub(b.seen).Seconds()*l.rate, l.burst)
	b.seen = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
	return false, wait
}

// evictIdle drops buckets not touched for longer than maxIdle and returns
// how many were removed.
func (l *writeLimiter) evictIdle(maxIdle time.Duration) int {
	now := l.now()
	removed := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		for client, b := range sh.clients {
			if now.Sub(b.seen) > maxIdle {
				delete(sh.clients, client)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// tracked returns the number of clients with a live bucket.
func (l *writeLimiter) tracked() int {
	n := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		n += len(sh.clients)
		sh.mu.Unlock()
	}
	return n
}

// retryAfterSeconds rounds wait up to whole seconds for a Retry-After
// header, never below one.
func retryAfterSeconds(wait time.Duration) int {
	return max(1, int(math.Ceil(wait.Seconds())))
}
