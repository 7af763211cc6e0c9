package coordinator

import (
	"testing"
	"time"

	"scanflow/internal/clock"
	"scanflow/models"
)

func TestCacheReturnsFreshEntries(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	c := newTTLCache(5*time.Minute, clk)

	spreads := []models.VerticalSpread{{Score: 0.9}}
	c.set("SPY|", spreads)

	got, ok := c.get("SPY|")
	if !ok || len(got) != 1 {
		t.Fatalf("expected fresh entry, got ok=%v len=%d", ok, len(got))
	}
}

func TestCacheNeverReturnsExpiredEntries(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	c := newTTLCache(5*time.Minute, clk)

	c.set("SPY|", []models.VerticalSpread{{Score: 0.9}})
	clk.Advance(5*time.Minute + time.Second)

	if _, ok := c.get("SPY|"); ok {
		t.Fatal("expired entry must never be returned")
	}
	// The expired lookup also drops the entry.
	if size := c.size(); size != 0 {
		t.Fatalf("expected lazy eviction, cache size %d", size)
	}
}

func TestCacheEvictExpired(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	c := newTTLCache(time.Minute, clk)

	c.set("a", nil)
	c.set("b", nil)
	clk.Advance(30 * time.Second)
	c.set("c", nil)
	clk.Advance(45 * time.Second)

	if evicted := c.evictExpired(); evicted != 2 {
		t.Fatalf("expected 2 evictions, got %d", evicted)
	}
	if _, ok := c.get("c"); !ok {
		t.Fatal("entry within TTL must survive the sweep")
	}
}
