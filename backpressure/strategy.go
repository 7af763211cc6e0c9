package backpressure

import (
	"context"
	"sync"
	"time"

	"scanflow/internal/clock"
)

// maxShortWait bounds how long a strategy will make a caller wait
// before rejecting instead.
const maxShortWait = 100 * time.Millisecond

// admissionStrategy decides whether one more request may proceed now.
// Implementations may briefly suspend the caller when a grant is close,
// but never longer than maxShortWait.
type admissionStrategy interface {
	admit(ctx context.Context) bool
	tokensAvailable() float64
	name() string
}

func newStrategy(strategyName string, rps float64, burst int, clk clock.Clock) admissionStrategy {
	switch strategyName {
	case "sliding_window":
		return &slidingWindow{rate: rps, clk: clk}
	case "adaptive":
		return newAdaptive(rps, burst, clk)
	case "fixed_window":
		// Degenerate case, same admission behaviour as the token bucket.
		return &tokenBucket{label: "fixed_window", rate: rps, maxTokens: float64(burst), tokens: float64(burst), lastRefill: clk.Now(), clk: clk}
	default:
		return &tokenBucket{label: "token_bucket", rate: rps, maxTokens: float64(burst), tokens: float64(burst), lastRefill: clk.Now(), clk: clk}
	}
}

// sleepCtx pauses for d unless ctx is cancelled first. Reports whether
// the full pause completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return false
	case <-timer.C:
		return true
	}
}

// tokenBucket admits while tokens remain and grants after a short
// suspension when the next token is less than maxShortWait away.
type tokenBucket struct {
	mu         sync.Mutex
	label      string
	rate       float64
	maxTokens  float64
	tokens     float64
	lastRefill time.Time
	clk        clock.Clock
}

func (tb *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now
}

func (tb *tokenBucket) tryConsume() (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill(tb.clk.Now())
	if tb.tokens >= 1 {
		tb.tokens--
		return true, 0
	}
	return false, time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
}

func (tb *tokenBucket) admit(ctx context.Context) bool {
	ok, wait := tb.tryConsume()
	if ok {
		return true
	}
	if wait >= maxShortWait {
		return false
	}
	if !sleepCtx(ctx, wait) {
		return false
	}
	ok, _ = tb.tryConsume()
	return ok
}

func (tb *tokenBucket) tokensAvailable() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill(tb.clk.Now())
	return tb.tokens
}

func (tb *tokenBucket) name() string { return tb.label }

// setRate changes the refill rate, accruing tokens at the old rate
// first so the change is not applied retroactively.
func (tb *tokenBucket) setRate(rate float64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill(tb.clk.Now())
	tb.rate = rate
}

func (tb *tokenBucket) currentRate() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.rate
}

// slidingWindow admits while fewer than rate requests fall inside the
// trailing one second window.
type slidingWindow struct {
	mu    sync.Mutex
	rate  float64
	clk   clock.Clock
	times []time.Time
}

func (sw *slidingWindow) tryAdmit() (bool, time.Duration) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.clk.Now()
	cutoff := now.Add(-time.Second)
	kept := sw.times[:0]
	for _, ts := range sw.times {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	sw.times = kept

	if float64(len(sw.times)) < sw.rate {
		sw.times = append(sw.times, now)
		return true, 0
	}

	// Time until the oldest in-window request ages out.
	return false, sw.times[0].Add(time.Second).Sub(now)
}

func (sw *slidingWindow) admit(ctx context.Context) bool {
	ok, wait := sw.tryAdmit()
	if ok {
		return true
	}
	if wait >= maxShortWait {
		return false
	}
	if !sleepCtx(ctx, wait) {
		return false
	}
	ok, _ = sw.tryAdmit()
	return ok
}

func (sw *slidingWindow) tokensAvailable() float64 {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	cutoff := sw.clk.Now().Add(-time.Second)
	inWindow := 0
	for _, ts := range sw.times {
		if ts.After(cutoff) {
			inWindow++
		}
	}
	remaining := sw.rate - float64(inWindow)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

func (sw *slidingWindow) name() string { return "sliding_window" }

// adaptive wraps a token bucket whose rate is adjusted from observed
// response times, between 1 req/s and twice the configured base rate.
type adaptive struct {
	bucket   *tokenBucket
	baseRate float64
}

func newAdaptive(rps float64, burst int, clk clock.Clock) *adaptive {
	return &adaptive{
		bucket:   &tokenBucket{label: "adaptive", rate: rps, maxTokens: float64(burst), tokens: float64(burst), lastRefill: clk.Now(), clk: clk},
		baseRate: rps,
	}
}

func (a *adaptive) admit(ctx context.Context) bool { return a.bucket.admit(ctx) }
func (a *adaptive) tokensAvailable() float64       { return a.bucket.tokensAvailable() }
func (a *adaptive) name() string                   { return "adaptive" }
func (a *adaptive) rate() float64                  { return a.bucket.currentRate() }

// adjust slows down when responses run much longer than target and
// speeds back up when they run well under it.
func (a *adaptive) adjust(avgResponse, target time.Duration) {
	if avgResponse <= 0 {
		return
	}
	rate := a.bucket.currentRate()
	switch {
	case avgResponse > 3*target/2:
		rate *= 0.9
		if rate < 1 {
			rate = 1
		}
	case avgResponse < target/2:
		rate *= 1.1
		if rate > 2*a.baseRate {
			rate = 2 * a.baseRate
		}
	default:
		return
	}
	a.bucket.setRate(rate)
}
