// Copyright (C) 2025 FundScout Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package blacklist

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fundscout/fundscout/pkg/logging"
)

// fakeSource counts queries and answers from a fixed set.
type fakeSource struct {
	mu          sync.Mutex
	blacklisted map[string]bool
	queries     atomic.Int64
	err         error
	delay       time.Duration
}

func (f *fakeSource) IsBlacklisted(_ context.Context, domain string) (bool, error) {
	f.queries.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return false, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blacklisted[domain], nil
}

func quietLogger() *logging.Logger {
	return logging.New(logging.Config{Quiet: true})
}

func TestCacheReadThrough(t *testing.T) {
	src := &fakeSource{blacklisted: map[string]bool{"spam.example": true}}
	cache, err := NewCache(src, quietLogger())
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}
	ctx := context.Background()

	got, err := cache.IsBlacklisted(ctx, "spam.example")
	if err != nil {
		t.Fatalf("IsBlacklisted failed: %v", err)
	}
	if !got {
		t.Error("expected blacklisted")
	}

	// Second lookup is served from cache.
	got, err = cache.IsBlacklisted(ctx, "spam.example")
	if err != nil {
		t.Fatalf("second IsBlacklisted failed: %v", err)
	}
	if !got {
		t.Error("expected blacklisted from cache")
	}
	if n := src.queries.Load(); n != 1 {
		t.Errorf("source queried %d times, want 1", n)
	}

	stats := cache.Stats()
	if stats.Hits != 1 || stats.Size != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestCacheNegativeAnswersAreCached(t *testing.T) {
	src := &fakeSource{blacklisted: map[string]bool{}}
	cache, _ := NewCache(src, quietLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := cache.IsBlacklisted(ctx, "clean.example")
		if err != nil {
			t.Fatalf("IsBlacklisted failed: %v", err)
		}
		if got {
			t.Error("expected not blacklisted")
		}
	}
	if n := src.queries.Load(); n != 1 {
		t.Errorf("source queried %d times, want 1", n)
	}
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	src := &fakeSource{blacklisted: map[string]bool{}}
	cache, _ := NewCache(src, quietLogger(), WithCapacity(2))
	ctx := context.Background()

	cache.IsBlacklisted(ctx, "a.example")
	cache.IsBlacklisted(ctx, "b.example")
	cache.IsBlacklisted(ctx, "a.example") // a is now most recent
	cache.IsBlacklisted(ctx, "c.example") // evicts b

	before := src.queries.Load()
	cache.IsBlacklisted(ctx, "a.example") // still cached
	if src.queries.Load() != before {
		t.Error("a.example should have been cached")
	}

	cache.IsBlacklisted(ctx, "b.example") // evicted, re-queries
	if src.queries.Load() != before+1 {
		t.Error("b.example should have been evicted")
	}

	if ev := cache.Stats().Evictions; ev < 1 {
		t.Errorf("evictions = %d, want at least 1", ev)
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	src := &fakeSource{blacklisted: map[string]bool{}}
	cache, _ := NewCache(src, quietLogger(), WithTTL(10*time.Millisecond))
	ctx := context.Background()

	cache.IsBlacklisted(ctx, "stale.example")
	time.Sleep(20 * time.Millisecond)
	cache.IsBlacklisted(ctx, "stale.example")

	if n := src.queries.Load(); n != 2 {
		t.Errorf("source queried %d times, want 2 after expiry", n)
	}
}

func TestCacheInvalidate(t *testing.T) {
	src := &fakeSource{blacklisted: map[string]bool{}}
	cache, _ := NewCache(src, quietLogger())
	ctx := context.Background()

	cache.IsBlacklisted(ctx, "fresh.example")

	// The domain gets blacklisted; the stale negative answer must go.
	src.mu.Lock()
	src.blacklisted["fresh.example"] = true
	src.mu.Unlock()
	cache.Invalidate("fresh.example")

	got, err := cache.IsBlacklisted(ctx, "fresh.example")
	if err != nil {
		t.Fatalf("IsBlacklisted failed: %v", err)
	}
	if !got {
		t.Error("expected blacklisted after invalidation")
	}
}

func TestCacheSourceErrorNotCached(t *testing.T) {
	src := &fakeSource{err: fmt.Errorf("registry down")}
	cache, _ := NewCache(src, quietLogger())
	ctx := context.Background()

	if _, err := cache.IsBlacklisted(ctx, "x.example"); err == nil {
		t.Fatal("expected error")
	}

	// Source recovers; next lookup must hit it again.
	src.err = nil
	got, err := cache.IsBlacklisted(ctx, "x.example")
	if err != nil {
		t.Fatalf("IsBlacklisted after recovery failed: %v", err)
	}
	if got {
		t.Error("expected not blacklisted")
	}
}

func TestCacheCollapsesConcurrentMisses(t *testing.T) {
	src := &fakeSource{blacklisted: map[string]bool{}, delay: 20 * time.Millisecond}
	cache, _ := NewCache(src, quietLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cache.IsBlacklisted(ctx, "hot.example")
		}()
	}
	wg.Wait()

	if n := src.queries.Load(); n != 1 {
		t.Errorf("source queried %d times, want 1 via singleflight", n)
	}
}
