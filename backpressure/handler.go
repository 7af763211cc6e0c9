package backpressure

import (
	"context"
	"fmt"
	"sync"
	"time"

	"scanflow/config"
	"scanflow/internal/clock"
	"scanflow/logger"
)

// historyCapacity bounds the rolling request history used to compute
// throughput and latency.
const historyCapacity = 1000

// metricsWindow is the lookback over which throughput and average
// response time are recomputed.
const metricsWindow = 10 * time.Second

// requestMetrics is one observed request outcome.
type requestMetrics struct {
	timestamp time.Time
	duration  time.Duration
	success   bool
	queueTime time.Duration
}

// Handler is the admission controller in front of the scan service. A
// circuit breaker is consulted first on every acquire; past it, the
// configured strategy decides whether the request proceeds.
type Handler struct {
	cfg     config.BackpressureConfig
	strat   admissionStrategy
	adapt   *adaptive
	breaker *circuitBreaker
	clk     clock.Clock
	log     *logger.Entry

	mu          sync.Mutex
	history     []requestMetrics
	currentQPS  float64
	avgResponse time.Duration
}

// NewHandler builds a handler for the configured strategy. A nil clock
// selects the system clock.
func NewHandler(cfg config.BackpressureConfig, clk clock.Clock) *Handler {
	if clk == nil {
		clk = clock.New()
	}

	strat := newStrategy(cfg.Strategy, cfg.RequestsPerSecond, cfg.BurstSize, clk)
	h := &Handler{
		cfg:     cfg,
		strat:   strat,
		breaker: newCircuitBreaker(cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.RecoveryTimeout, clk),
		clk:     clk,
		log:     logger.GetLogger().WithComponent("backpressure"),
	}
	if a, ok := strat.(*adaptive); ok {
		h.adapt = a
	}
	return h
}

// Acquire reports whether one more request may proceed. It never
// blocks longer than the strategy's short-wait bound and never returns
// an error; a false return is the rejection signal.
func (h *Handler) Acquire(ctx context.Context, priority int) bool {
	if h.breaker.isOpen() {
		logger.IncrementAdmissionRejected()
		h.log.WithFields(logger.Fields{"priority": priority}).Debug("admission rejected, circuit open")
		return false
	}
	if !h.strat.admit(ctx) {
		logger.IncrementAdmissionRejected()
		h.log.WithFields(logger.Fields{
			"priority": priority,
			"strategy": h.strat.name(),
		}).Debug("admission rejected by strategy")
		return false
	}
	return true
}

// WaitIfNeeded retries Acquire up to three times with linearly growing
// pauses between attempts, failing loudly when admission is still
// denied.
func (h *Handler) WaitIfNeeded(ctx context.Context) error {
	const attempts = 3
	for attempt := 1; attempt <= attempts; attempt++ {
		if h.Acquire(ctx, 0) {
			return nil
		}
		if attempt < attempts {
			if !sleepCtx(ctx, time.Duration(attempt)*100*time.Millisecond) {
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("admission denied after %d attempts (strategy %s)", attempts, h.strat.name())
}

// RecordRequest feeds one request outcome back into the handler. It
// drives the circuit breaker, the rolling throughput and latency
// figures and, for the adaptive strategy, the rate adjustment.
func (h *Handler) RecordRequest(duration time.Duration, success bool, queueTime time.Duration) {
	if success {
		h.breaker.recordSuccess()
	} else if h.breaker.recordFailure() {
		h.log.WithFields(logger.Fields{
			"failures": h.breaker.failureCount(),
		}).Warn("circuit breaker opened")
	}

	now := h.clk.Now()

	h.mu.Lock()
	h.history = append(h.history, requestMetrics{
		timestamp: now,
		duration:  duration,
		success:   success,
		queueTime: queueTime,
	})
	if len(h.history) > historyCapacity {
		h.history = h.history[len(h.history)-historyCapacity:]
	}

	cutoff := now.Add(-metricsWindow)
	var (
		inWindow      int
		successes     int
		totalDuration time.Duration
	)
	for _, m := range h.history {
		if m.timestamp.Before(cutoff) {
			continue
		}
		inWindow++
		if m.success {
			successes++
			totalDuration += m.duration
		}
	}
	h.currentQPS = float64(inWindow) / metricsWindow.Seconds()
	if successes > 0 {
		h.avgResponse = totalDuration / time.Duration(successes)
	} else {
		h.avgResponse = 0
	}
	avg := h.avgResponse
	h.mu.Unlock()

	if h.adapt != nil {
		h.adapt.adjust(avg, h.cfg.TargetResponseTime)
	}
}

// Metrics returns a snapshot of handler state.
func (h *Handler) Metrics() map[string]interface{} {
	h.mu.Lock()
	qps := h.currentQPS
	avg := h.avgResponse
	h.mu.Unlock()

	m := map[string]interface{}{
		"strategy":                 h.strat.name(),
		"current_qps":              qps,
		"average_response_time":    avg.Seconds(),
		"tokens_available":         h.strat.tokensAvailable(),
		"circuit_breaker_open":     h.breaker.isOpen(),
		"circuit_breaker_failures": h.breaker.failureCount(),
	}
	if h.adapt != nil {
		m["adaptive_rate"] = h.adapt.rate()
	}
	return m
}
