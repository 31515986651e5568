package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestCache(t *testing.T, opts Options) *Cache {
	t.Helper()
	return New(NewMemStore(), zap.NewNop(), opts)
}

func TestKey_Deterministic(t *testing.T) {
	a, err := Key(map[string]any{"task": "extract", "input": map[string]any{"b": 2, "a": 1}})
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	b, err := Key(map[string]any{"input": map[string]any{"a": 1, "b": 2}, "task": "extract"})
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	if a != b {
		t.Errorf("expected equal keys for equal maps, got %s vs %s", a, b)
	}
	if len(a) != keyLength {
		t.Errorf("expected key length %d, got %d", keyLength, len(a))
	}

	c, err := Key(map[string]any{"task": "classify"})
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	if a == c {
		t.Error("expected different keys for different logical keys")
	}

	s1, _ := Key("plain")
	s2, _ := Key("plain")
	if s1 != s2 {
		t.Error("expected string keys to be deterministic")
	}
}

func TestCache_RoundTripAndExpiry(t *testing.T) {
	c := newTestCache(t, Options{})
	ctx := context.Background()

	if err := c.Set(ctx, "k1", map[string]any{"label": "invoice"}, 50*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}

	value, ok := c.Get(ctx, "k1")
	if !ok {
		t.Fatal("expected immediate hit")
	}
	m, ok := value.(map[string]any)
	if !ok || m["label"] != "invoice" {
		t.Fatalf("unexpected value: %#v", value)
	}

	time.Sleep(80 * time.Millisecond)
	if _, ok := c.Get(ctx, "k1"); ok {
		t.Error("expected miss after TTL elapsed")
	}
}

func TestCache_SharedTierPromotion(t *testing.T) {
	store := NewMemStore()
	logger := zap.NewNop()
	writer := New(store, logger, Options{})
	reader := New(store, logger, Options{})
	ctx := context.Background()

	if err := writer.Set(ctx, "shared", "value", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// The reader has a cold local tier; the hit must come from the store.
	value, ok := reader.Get(ctx, "shared")
	if !ok || value != "value" {
		t.Fatalf("expected store hit, got %v %v", value, ok)
	}
	if reader.local.Get("shared") == nil {
		t.Error("expected store hit to be promoted into the local tier")
	}
}

func TestCache_LRUOverflow(t *testing.T) {
	c := newTestCache(t, Options{MaxLocalEntries: 3})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := c.Set(ctx, fmt.Sprintf("k%d", i), "v", time.Minute); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	if got := c.local.Len(); got != 3 {
		t.Errorf("expected local tier bounded at 3, got %d", got)
	}
	if c.local.Get("k0") != nil {
		t.Error("expected oldest entry k0 to be evicted")
	}
	if c.Stats().Evictions != 1 {
		t.Errorf("expected 1 eviction, got %d", c.Stats().Evictions)
	}
}

func TestCache_GetOrSet_SecondCallUsesCache(t *testing.T) {
	c := newTestCache(t, Options{})
	ctx := context.Background()
	calls := 0

	compute := func(ctx context.Context) (any, error) {
		calls++
		if calls > 1 {
			t.Fatal("compute ran twice")
		}
		return "computed", nil
	}

	first, err := c.GetOrSet(ctx, "gos", compute, time.Minute)
	if err != nil {
		t.Fatalf("GetOrSet: %v", err)
	}
	second, err := c.GetOrSet(ctx, "gos", compute, time.Minute)
	if err != nil {
		t.Fatalf("GetOrSet second call: %v", err)
	}
	if first != "computed" || second != "computed" {
		t.Errorf("unexpected values: %v %v", first, second)
	}
}

func TestCache_GetOrSet_SingleFlight(t *testing.T) {
	c := newTestCache(t, Options{})
	ctx := context.Background()
	var computes int32

	compute := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&computes, 1)
		time.Sleep(30 * time.Millisecond)
		return "shared", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			value, err := c.GetOrSet(ctx, "flight", compute, time.Minute)
			if err != nil || value != "shared" {
				t.Errorf("GetOrSet: %v %v", value, err)
			}
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt32(&computes); n != 1 {
		t.Errorf("expected exactly one compute, got %d", n)
	}
}

func TestCache_DeleteByTags(t *testing.T) {
	c := newTestCache(t, Options{})
	ctx := context.Background()

	c.Set(ctx, "a", "1", time.Minute, "pipeline:triage")
	c.Set(ctx, "b", "2", time.Minute, "pipeline:triage", "task:extract")
	c.Set(ctx, "c", "3", time.Minute, "task:classify")

	deleted := c.DeleteByTags(ctx, "pipeline:triage")
	if deleted != 2 {
		t.Fatalf("expected 2 deletions, got %d", deleted)
	}
	if _, ok := c.Get(ctx, "a"); ok {
		t.Error("expected a to be deleted")
	}
	if _, ok := c.Get(ctx, "b"); ok {
		t.Error("expected b to be deleted")
	}
	if _, ok := c.Get(ctx, "c"); !ok {
		t.Error("expected c to survive")
	}
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, fmt.Errorf("store down")
}
func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return fmt.Errorf("store down")
}
func (failingStore) Delete(context.Context, string) error { return fmt.Errorf("store down") }
func (failingStore) ScanPrefix(context.Context, string) ([]string, error) {
	return nil, fmt.Errorf("store down")
}

func TestCache_StoreFailureDegradesToMiss(t *testing.T) {
	c := New(failingStore{}, zap.NewNop(), Options{})
	ctx := context.Background()

	// Set must not fail even though the shared tier is down.
	if err := c.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	// The local tier still serves the value.
	if value, ok := c.Get(ctx, "k"); !ok || value != "v" {
		t.Fatalf("expected local hit, got %v %v", value, ok)
	}
	// A cold key is a plain miss, not an error.
	if _, ok := c.Get(ctx, "cold"); ok {
		t.Error("expected miss for cold key")
	}
}

func TestMemoryTier_Optimize(t *testing.T) {
	tier := newMemoryTier(10)
	now := time.Now()
	for i := 0; i < 9; i++ {
		tier.Set(&Entry{
			Key:        fmt.Sprintf("k%d", i),
			ExpiresAt:  now.Add(time.Hour),
			LastAccess: now.Add(time.Duration(i) * time.Second),
		})
	}

	// 9 entries > 80% of 10 → evict down to 60% (6 entries).
	evicted := tier.Optimize()
	if evicted != 3 {
		t.Fatalf("expected 3 evictions, got %d", evicted)
	}
	if tier.Len() != 6 {
		t.Errorf("expected 6 entries after optimize, got %d", tier.Len())
	}
	// The least recently used entries were inserted first.
	if tier.Get("k0") != nil || tier.Get("k1") != nil || tier.Get("k2") != nil {
		t.Error("expected oldest entries to be evicted")
	}
	if tier.Get("k8") == nil {
		t.Error("expected newest entry to survive")
	}

	// Below the high-water mark nothing happens.
	if evicted := tier.Optimize(); evicted != 0 {
		t.Errorf("expected no evictions below high water, got %d", evicted)
	}
}

func TestCodec_Modes(t *testing.T) {
	value := map[string]any{"summary": "short", "score": 0.9}

	for _, mode := range []Mode{ModeJSON, ModeGob, ModeGobGzip} {
		data, err := encode(mode, value)
		if err != nil {
			t.Fatalf("encode %s: %v", mode, err)
		}
		decoded, err := decode(mode, data)
		if err != nil {
			t.Fatalf("decode %s: %v", mode, err)
		}
		m, ok := decoded.(map[string]any)
		if !ok || m["summary"] != "short" {
			t.Errorf("mode %s: unexpected round trip %#v", mode, decoded)
		}
	}

	// Mode none is raw strings only.
	if _, err := encode(ModeNone, 42); err == nil {
		t.Error("expected mode none to reject non-strings")
	}
	data, err := encode(ModeNone, "raw")
	if err != nil {
		t.Fatalf("encode none: %v", err)
	}
	if decoded, _ := decode(ModeNone, data); decoded != "raw" {
		t.Errorf("unexpected none round trip: %v", decoded)
	}
}
