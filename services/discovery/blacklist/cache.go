// Copyright (C) 2025 FundScout Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package blacklist provides the read-through cache in front of the
// registry's blacklist flags. Validation checks every URL against the
// blacklist, so lookups must be cheap; the authoritative answer stays
// in the registry.
package blacklist

import (
	"container/list"
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fundscout/fundscout/pkg/logging"
)

const (
	// DefaultCapacity bounds the number of cached domains.
	DefaultCapacity = 10_000

	// DefaultTTL is how long a cached answer is trusted. Blacklist
	// changes are rare, so a day of staleness is acceptable; Invalidate
	// removes entries immediately when a domain is blacklisted in-process.
	DefaultTTL = 24 * time.Hour
)

// Source answers authoritative blacklist queries. Satisfied by the
// domain registry.
type Source interface {
	IsBlacklisted(ctx context.Context, domainName string) (bool, error)
}

// Stats is a point-in-time snapshot of cache behavior.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Size      int
}

type entry struct {
	domain      string
	blacklisted bool
	expiresAt   time.Time
}

// Cache is a bounded LRU cache with TTL expiry over a blacklist Source.
// Concurrent misses for the same domain are collapsed into a single
// source query. Safe for concurrent use.
type Cache struct {
	source   Source
	capacity int
	ttl      time.Duration
	logger   *logging.Logger

	mu      sync.Mutex
	order   *list.List               // front = most recently used
	entries map[string]*list.Element // domain -> *entry element

	hits      uint64
	misses    uint64
	evictions uint64

	group singleflight.Group
}

// Option customizes cache construction.
type Option func(*Cache)

// WithCapacity sets the entry bound.
func WithCapacity(n int) Option {
	return func(c *Cache) { c.capacity = n }
}

// WithTTL sets the entry lifetime.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) { c.ttl = d }
}

// NewCache creates a cache over the given source.
func NewCache(source Source, logger *logging.Logger, opts ...Option) (*Cache, error) {
	if source == nil {
		return nil, fmt.Errorf("blacklist source must not be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}

	c := &Cache{
		source:   source,
		capacity: DefaultCapacity,
		ttl:      DefaultTTL,
		logger:   logger,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.capacity < 1 {
		return nil, fmt.Errorf("cache capacity must be at least 1, got %d", c.capacity)
	}
	if c.ttl <= 0 {
		return nil, fmt.Errorf("cache ttl must be positive, got %s", c.ttl)
	}
	return c, nil
}

// IsBlacklisted answers from cache when possible, otherwise queries the
// source and caches the answer. A source failure is returned to the
// caller; nothing is cached in that case.
func (c *Cache) IsBlacklisted(ctx context.Context, domainName string) (bool, error) {
	if v, ok := c.get(domainName); ok {
		return v, nil
	}

	// Collapse concurrent misses for the same domain.
	v, err, _ := c.group.Do(domainName, func() (any, error) {
		if cached, ok := c.get(domainName); ok {
			return cached, nil
		}
		blacklisted, err := c.source.IsBlacklisted(ctx, domainName)
		if err != nil {
			return false, err
		}
		c.put(domainName, blacklisted)
		return blacklisted, nil
	})
	if err != nil {
		return false, fmt.Errorf("blacklist lookup %s: %w", domainName, err)
	}
	return v.(bool), nil
}

// Invalidate drops the cached answer for a domain. Called when a domain
// is blacklisted so the change takes effect before the TTL would expire.
func (c *Cache) Invalidate(domainName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[domainName]; ok {
		c.order.Remove(elem)
		delete(c.entries, domainName)
	}
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}

func (c *Cache) get(domainName string) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[domainName]
	if !ok {
		c.misses++
		return false, false
	}

	e := elem.Value.(*entry)
	if time.Now().After(e.expiresAt) {
		c.order.Remove(elem)
		delete(c.entries, domainName)
		c.misses++
		return false, false
	}

	c.order.MoveToFront(elem)
	c.hits++
	return e.blacklisted, true
}

func (c *Cache) put(domainName string, blacklisted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[domainName]; ok {
		e := elem.Value.(*entry)
		e.blacklisted = blacklisted
		e.expiresAt = time.Now().Add(c.ttl)
		c.order.MoveToFront(elem)
		return
	}

	for len(c.entries) >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		evicted := oldest.Value.(*entry)
		c.order.Remove(oldest)
		delete(c.entries, evicted.domain)
		c.evictions++
	}

	elem := c.order.PushFront(&entry{
		domain:      domainName,
		blacklisted: blacklisted,
		expiresAt:   time.Now().Add(c.ttl),
	})
	c.entries[domainName] = elem
}

// HitRate formats the hit ratio for logs, "n/a" before any lookups.
func (s Stats) HitRate() string {
	total := s.Hits + s.Misses
	if total == 0 {
		return "n/a"
	}
	return strconv.FormatFloat(float64(s.Hits)/float64(total), 'f', 3, 64)
}
