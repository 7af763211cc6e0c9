package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"scanflow/internal/clock"
	"scanflow/logger"
)

// waitSmoothing is the factor applied to new samples of the
// exponentially smoothed average wait time.
const waitSmoothing = 0.1

// requestWindowSize caps the rolling window of recent admission times
// used to report current throughput.
const requestWindowSize = 100

// Error reports an admission that could not be granted within the
// caller's timeout. RetryAfter hints when a token should be available.
type Error struct {
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

// Limiter is a token bucket gating individual request admission.
// Tokens refill continuously at the configured rate up to the burst
// capacity. All bucket mutations happen under a single lock so that
// refill and consume form one atomic step per call.
type Limiter struct {
	mu         sync.Mutex
	rate       float64
	maxTokens  float64
	tokens     float64
	lastRefill time.Time
	clk        clock.Clock
	log        *logger.Entry

	totalRequests    int64
	rejectedRequests int64
	avgWaitSeconds   float64
	requestTimes     []time.Time
}

// NewLimiter creates a full bucket replenished at rps tokens per second
// with the given burst capacity.
func NewLimiter(rps float64, burst int, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	return &Limiter{
		rate:       rps,
		maxTokens:  float64(burst),
		tokens:     float64(burst),
		lastRefill: clk.Now(),
		clk:        clk,
		log:        logger.GetLogger().WithComponent("ratelimit"),
	}
}

// refill accrues tokens for the time elapsed since the last refill.
// Callers must hold l.mu.
func (l *Limiter) refill(now time.Time) {
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	l.tokens += elapsed * l.rate
	if l.tokens > l.maxTokens {
		l.tokens = l.maxTokens
	}
	l.lastRefill = now
}

// Acquire consumes one token, waiting for one to accrue when the bucket
// is empty. When the required wait would exceed timeout the call fails
// with *Error carrying a retry hint. A timeout <= 0 waits indefinitely,
// bounded only by ctx. The returned duration is the total time spent
// waiting for the token.
func (l *Limiter) Acquire(ctx context.Context, priority int, timeout time.Duration) (time.Duration, error) {
	var waited time.Duration

	for {
		l.mu.Lock()
		now := l.clk.Now()
		l.refill(now)

		if l.tokens >= 1 {
			l.tokens--
			l.totalRequests++
			l.avgWaitSeconds = (1-waitSmoothing)*l.avgWaitSeconds + waitSmoothing*waited.Seconds()
			l.requestTimes = append(l.requestTimes, now)
			if len(l.requestTimes) > requestWindowSize {
				l.requestTimes = l.requestTimes[len(l.requestTimes)-requestWindowSize:]
			}
			l.mu.Unlock()
			return waited, nil
		}

		needed := time.Duration((1 - l.tokens) / l.rate * float64(time.Second))
		if timeout > 0 && waited+needed > timeout {
			l.rejectedRequests++
			l.mu.Unlock()
			l.log.WithFields(logger.Fields{
				"priority":    priority,
				"retry_after": needed.String(),
			}).Debug("admission rejected, wait exceeds timeout")
			return 0, &Error{RetryAfter: needed}
		}
		l.mu.Unlock()

		timer := time.NewTimer(needed)
		select {
		case <-ctx.Done():
			timer.Stop()
			return waited, ctx.Err()
		case <-timer.C:
			waited += needed
		}
	}
}

// CheckRate reports whether a token is currently available. The only
// side effect is the refill bookkeeping.
func (l *Limiter) CheckRate() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill(l.clk.Now())
	return l.tokens >= 1
}

// Stats returns a snapshot of limiter counters. The current rate counts
// admissions timestamped within the last second.
func (l *Limiter) Stats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	l.refill(now)

	recent := 0
	for _, ts := range l.requestTimes {
		if now.Sub(ts) <= time.Second {
			recent++
		}
	}

	return map[string]interface{}{
		"total_requests":    l.totalRequests,
		"rejected_requests": l.rejectedRequests,
		"current_rate":      float64(recent),
		"average_wait_time": l.avgWaitSeconds,
		"tokens_available":  l.tokens,
	}
}
