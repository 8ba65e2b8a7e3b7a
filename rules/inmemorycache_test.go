package rules

import (
	"testing"
	"time"
)

// TestInMemoryRulesCache_TTL verifies entries expire after the configured TTL
func TestInMemoryRulesCache_TTL(t *testing.T) {
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := NewInMemoryRulesCache(CacheConfig{TTL: time.Minute})
	cache.now = func() time.Time { return clock }

	if cache.Get() != nil || cache.IsValid() {
		t.Fatal("Expected empty cache to miss")
	}

	cache.Set([]*Rule{validRule()})
	if got := cache.Get(); len(got) != 1 {
		t.Fatalf("Get() = %d rules, want 1", len(got))
	}

	clock = clock.Add(2 * time.Minute)
	if cache.Get() != nil || cache.IsValid() {
		t.Error("Expected expired cache to miss")
	}
}

// TestInMemoryRulesCache_Invalidate verifies Invalidate forces a miss
func TestInMemoryRulesCache_Invalidate(t *testing.T) {
	cache := NewInMemoryRulesCache(DefaultCacheConfig())
	cache.Set([]*Rule{})
	if !cache.IsValid() {
		t.Fatal("Expected cache to be valid after Set")
	}
	if cache.Get() == nil {
		t.Error("Expected empty-but-valid cache to return a non-nil slice")
	}

	cache.Invalidate()
	if cache.Get() != nil {
		t.Error("Expected miss after Invalidate")
	}
}
