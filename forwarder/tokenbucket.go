package forwarder

import (
	"context"
	"sync"
	"time"

	"github.com/sirispace/spaceserver/cmn/mono"
)

// tokenBucket rate-limits one peer link to a configured bytes-per-
// second ceiling (§4.3 "the link itself is token-bucket rate-limited").
type tokenBucket struct {
	mu         sync.Mutex
	ratePerSec float64
	burst      float64
	tokens     float64
	lastRefill int64
}

func newTokenBucket(ratePerSec float64, burst int) *tokenBucket {
	if ratePerSec <= 0 {
		ratePerSec = 1 << 30 // effectively unlimited when unconfigured
	}
	if burst <= 0 {
		burst = int(ratePerSec)
	}
	return &tokenBucket{
		ratePerSec: ratePerSec,
		burst:      float64(burst),
		tokens:     float64(burst),
		lastRefill: mono.NanoTime(),
	}
}

func (b *tokenBucket) refillLocked() {
	now := mono.NanoTime()
	elapsed := time.Duration(now - b.lastRefill).Seconds()
	b.lastRefill = now
	b.tokens += elapsed * b.ratePerSec
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
}

// Wait blocks until n bytes' worth of tokens are available or ctx is
// done.
func (b *tokenBucket) Wait(ctx context.Context, n int) error {
	for {
		b.mu.Lock()
		b.refillLocked()
		if b.tokens >= float64(n) {
			b.tokens -= float64(n)
			b.mu.Unlock()
			return nil
		}
		deficit := float64(n) - b.tokens
		wait := time.Duration(deficit / b.ratePerSec * float64(time.Second))
		b.mu.Unlock()
		if wait > 50*time.Millisecond {
			wait = 50 * time.Millisecond // re-check periodically rather than oversleeping
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
