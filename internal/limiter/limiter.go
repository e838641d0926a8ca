// internal/limiter/limiter.go
package limiter

import (
	"fmt"
	"sync"
	"time"

	"github.com/hexdaemon/cl-hive-sub001/internal/proto"
)

const (
	DefaultRate      = 10.0
	DefaultBurst     = 30.0
	DefaultBucketTTL = 10 * time.Minute
)

// Limiter throttles traffic per (sender, kind) with float token buckets.
// It runs before signature verification so a flooding peer pays no crypto
// cost on this node. Buckets untouched for longer than ttl are reset, which
// keeps the map bounded by the set of recently active peers.
type Limiter struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	ttl    time.Duration
	bucket map[string]*tokenBucket
}

type tokenBucket struct {
	tokens float64
	last   time.Time
}

func New(rate, burst float64, ttl time.Duration) *Limiter {
	if rate < 0 {
		rate = 0
	}
	if burst < rate {
		burst = rate
	}
	if ttl <= 0 {
		ttl = DefaultBucketTTL
	}
	return &Limiter{
		rate:   rate,
		burst:  burst,
		ttl:    ttl,
		bucket: make(map[string]*tokenBucket),
	}
}

// Allow consumes one token for the pair, refilling at the configured rate.
func (l *Limiter) Allow(sender proto.NodeID, kind proto.Kind) bool {
	return l.allow(bucketKey(sender, kind), time.Now())
}

func (l *Limiter) allow(key string, now time.Time) bool {
	if l == nil || key == "" || l.rate <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.bucket[key]
	if !ok || now.Sub(b.last) > l.ttl {
		l.bucket[key] = &tokenBucket{tokens: l.burst - 1, last: now}
		return true
	}
	delta := now.Sub(b.last).Seconds()
	b.tokens += delta * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens -= 1
	return true
}

func bucketKey(sender proto.NodeID, kind proto.Kind) string {
	return fmt.Sprintf("%s/%d", sender.Hex(), uint16(kind))
}
