package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"scanflow/backpressure"
	"scanflow/config"
	"scanflow/models"
)

type fakeScanner struct {
	calls   int32
	err     error
	spreads []models.VerticalSpread
}

func (f *fakeScanner) Scan(ctx context.Context, req models.ScanRequest) ([]models.VerticalSpread, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return f.spreads, nil
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []models.Event
}

func (f *fakeEmitter) Emit(event models.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return true
}

func (f *fakeEmitter) byType(t models.EventType) []models.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Event
	for _, e := range f.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func testHandler() *backpressure.Handler {
	return backpressure.NewHandler(config.BackpressureConfig{
		Strategy:          "token_bucket",
		RequestsPerSecond: 1000,
		BurstSize:         1000,
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 100,
			RecoveryTimeout:  time.Minute,
		},
	}, nil)
}

func startCoordinator(t *testing.T, scanner Scanner, emitter Emitter) *Coordinator {
	t.Helper()
	c := New(config.CoordinatorConfig{
		MaxConcurrentScans: 3,
		QueueSize:          10,
		CacheTTL:           5 * time.Minute,
		JanitorInterval:    time.Minute,
	}, scanner, testHandler(), emitter, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

func deltaFilters() []models.ScanFilter {
	return []models.ScanFilter{{
		Type:   models.FilterDelta,
		Params: map[string]interface{}{"min": 0.25, "max": 0.35},
	}}
}

func TestCacheIdempotence(t *testing.T) {
	scanner := &fakeScanner{spreads: []models.VerticalSpread{{Score: 0.7}}}
	emitter := &fakeEmitter{}
	c := startCoordinator(t, scanner, emitter)

	first, err := c.ScanSymbol(context.Background(), "SPY", deltaFilters(), true)
	if err != nil {
		t.Fatalf("first scan failed: %v", err)
	}
	second, err := c.ScanSymbol(context.Background(), "SPY", deltaFilters(), true)
	if err != nil {
		t.Fatalf("second scan failed: %v", err)
	}

	if len(first) != 1 || len(second) != 1 || first[0].Score != second[0].Score {
		t.Fatalf("cached result differs: %+v vs %+v", first, second)
	}
	if n := atomic.LoadInt32(&scanner.calls); n != 1 {
		t.Fatalf("expected exactly one backend scan, got %d", n)
	}

	m := c.Metrics()
	if hits := m["cache_hits"].(int64); hits != 1 {
		t.Fatalf("expected exactly one cache hit, got %d", hits)
	}
}

func TestCacheBypass(t *testing.T) {
	scanner := &fakeScanner{spreads: []models.VerticalSpread{{Score: 0.7}}}
	c := startCoordinator(t, scanner, &fakeEmitter{})

	for i := 0; i < 2; i++ {
		if _, err := c.ScanSymbol(context.Background(), "SPY", deltaFilters(), false); err != nil {
			t.Fatalf("scan %d failed: %v", i, err)
		}
	}
	if n := atomic.LoadInt32(&scanner.calls); n != 2 {
		t.Fatalf("expected two backend scans with cache bypassed, got %d", n)
	}
}

func TestScanCompletedEvent(t *testing.T) {
	scanner := &fakeScanner{spreads: []models.VerticalSpread{{Score: 0.7}, {Score: 0.5}}}
	emitter := &fakeEmitter{}
	c := startCoordinator(t, scanner, emitter)

	if _, err := c.ScanSymbol(context.Background(), "QQQ", deltaFilters(), true); err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	events := emitter.byType(models.EventScanCompleted)
	if len(events) != 1 {
		t.Fatalf("expected one scan_completed event, got %d", len(events))
	}
	data := events[0].Data
	if data["symbol"] != "QQQ" {
		t.Errorf("unexpected symbol in event: %v", data["symbol"])
	}
	if data["spreads_found"] != 2 {
		t.Errorf("unexpected spreads_found in event: %v", data["spreads_found"])
	}
	if _, ok := data["scan_time"].(float64); !ok {
		t.Errorf("scan_time missing from event: %v", data)
	}
}

func TestFailedScanEmitsErrorEvent(t *testing.T) {
	scanner := &fakeScanner{err: errors.New("service unavailable")}
	emitter := &fakeEmitter{}
	c := startCoordinator(t, scanner, emitter)

	_, err := c.ScanSymbol(context.Background(), "IWM", deltaFilters(), true)
	if err == nil {
		t.Fatal("expected scan error")
	}

	events := emitter.byType(models.EventError)
	if len(events) != 1 {
		t.Fatalf("expected one error event, got %d", len(events))
	}
	data := events[0].Data
	if data["error_type"] != "scan_failed" || data["symbol"] != "IWM" {
		t.Fatalf("unexpected error event: %v", data)
	}

	m := c.Metrics()
	if failed := m["failed_scans"].(int64); failed != 1 {
		t.Fatalf("expected one failed scan, got %d", failed)
	}
}

func TestFailureIsNotCached(t *testing.T) {
	scanner := &fakeScanner{err: errors.New("boom")}
	c := startCoordinator(t, scanner, &fakeEmitter{})

	if _, err := c.ScanSymbol(context.Background(), "SPY", deltaFilters(), true); err == nil {
		t.Fatal("expected scan error")
	}

	// Once the backend recovers, a new scan goes through.
	scanner.err = nil
	scanner.spreads = []models.VerticalSpread{{Score: 0.4}}
	spreads, err := c.ScanSymbol(context.Background(), "SPY", deltaFilters(), true)
	if err != nil {
		t.Fatalf("scan after recovery failed: %v", err)
	}
	if len(spreads) != 1 {
		t.Fatalf("unexpected result after recovery: %+v", spreads)
	}
	if n := atomic.LoadInt32(&scanner.calls); n != 2 {
		t.Fatalf("expected two backend scans, got %d", n)
	}
}

func TestFilterOrderSharesCacheEntry(t *testing.T) {
	scanner := &fakeScanner{spreads: []models.VerticalSpread{{Score: 0.7}}}
	c := startCoordinator(t, scanner, &fakeEmitter{})

	filters := []models.ScanFilter{
		{Type: models.FilterDelta, Params: map[string]interface{}{"min": 0.25}},
		{Type: models.FilterDTE, Params: map[string]interface{}{"max": 45}},
	}
	reversed := []models.ScanFilter{filters[1], filters[0]}

	if _, err := c.ScanSymbol(context.Background(), "SPY", filters, true); err != nil {
		t.Fatalf("first scan failed: %v", err)
	}
	if _, err := c.ScanSymbol(context.Background(), "SPY", reversed, true); err != nil {
		t.Fatalf("second scan failed: %v", err)
	}
	if n := atomic.LoadInt32(&scanner.calls); n != 1 {
		t.Fatalf("filter order should not defeat the cache, got %d scans", n)
	}
}

func TestStartTwiceFails(t *testing.T) {
	c := New(config.CoordinatorConfig{
		MaxConcurrentScans: 1,
		QueueSize:          1,
		CacheTTL:           time.Minute,
	}, &fakeScanner{}, testHandler(), nil, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	defer c.Stop()
	if err := c.Start(context.Background()); err == nil {
		t.Fatal("expected error starting an already running coordinator")
	}
}

func TestScanAfterStopIsRejected(t *testing.T) {
	c := New(config.CoordinatorConfig{
		MaxConcurrentScans: 1,
		QueueSize:          10,
		CacheTTL:           time.Minute,
	}, &fakeScanner{}, testHandler(), nil, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	c.Stop()

	start := time.Now()
	_, err := c.ScanSymbol(context.Background(), "SPY", deltaFilters(), true)
	if err == nil {
		t.Fatal("expected an error scanning a stopped coordinator")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("scan after Stop blocked for %v instead of rejecting", elapsed)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	c := New(config.CoordinatorConfig{
		MaxConcurrentScans: 1,
		QueueSize:          1,
		CacheTTL:           time.Minute,
	}, &fakeScanner{}, testHandler(), nil, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	c.Stop()
	c.Stop()
}

func TestMetricsSnapshot(t *testing.T) {
	scanner := &fakeScanner{spreads: []models.VerticalSpread{{Score: 0.7}}}
	c := startCoordinator(t, scanner, &fakeEmitter{})

	if _, err := c.ScanSymbol(context.Background(), "SPY", deltaFilters(), true); err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	m := c.Metrics()
	if total := m["total_scans"].(int64); total != 1 {
		t.Fatalf("expected 1 total scan, got %d", total)
	}
	if size := m["cache_size"].(int); size != 1 {
		t.Fatalf("expected 1 cache entry, got %d", size)
	}
	bp, ok := m["backpressure"].(map[string]interface{})
	if !ok {
		t.Fatal("metrics must include the nested backpressure snapshot")
	}
	if bp["strategy"].(string) != "token_bucket" {
		t.Fatalf("unexpected nested strategy: %v", bp["strategy"])
	}
}
