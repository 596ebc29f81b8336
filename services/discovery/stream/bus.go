// Copyright (C) 2025 FundScout Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package stream implements the ordered durable event log the pipeline
// stages communicate through, on top of Redis Streams.
//
// Each logical topic is split into a fixed number of partitions, one
// Redis stream per partition ("search-requests:0", "search-requests:1",
// ...). Events are routed to a partition by hashing their ordering key,
// so every event of one request flight lands on the same partition and
// is consumed in publication order. Events with different keys may
// interleave freely across partitions.
//
// Consumers use Redis consumer groups, which give committed offsets:
// a restarted consumer resumes from its pending entries before reading
// new ones.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/fundscout/fundscout/pkg/logging"
)

const (
	// DefaultPartitions is the partition count per topic.
	DefaultPartitions = 4

	// DefaultMaxLen caps each partition stream. Retention here is
	// length-based; the cap is sized so that a partition holds several
	// days of traffic at expected volume.
	DefaultMaxLen = 100_000

	fieldKey     = "key"
	fieldPayload = "payload"
)

// Bus wraps a Redis client with topic partitioning and JSON payload
// encoding. Safe for concurrent use.
type Bus struct {
	rdb        redis.UniversalClient
	partitions int
	maxLen     int64
	logger     *logging.Logger
}

// BusOption customizes Bus construction.
type BusOption func(*Bus)

// WithPartitions sets the per-topic partition count.
func WithPartitions(n int) BusOption {
	return func(b *Bus) { b.partitions = n }
}

// WithMaxLen sets the approximate per-partition stream length cap.
func WithMaxLen(n int64) BusOption {
	return func(b *Bus) { b.maxLen = n }
}

// NewBus creates a Bus over the given Redis client.
func NewBus(rdb redis.UniversalClient, logger *logging.Logger, opts ...BusOption) (*Bus, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client must not be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}

	b := &Bus{
		rdb:        rdb,
		partitions: DefaultPartitions,
		maxLen:     DefaultMaxLen,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.partitions < 1 {
		return nil, fmt.Errorf("partition count must be at least 1, got %d", b.partitions)
	}
	return b, nil
}

// Partitions returns the per-topic partition count.
func (b *Bus) Partitions() int {
	return b.partitions
}

// StreamName returns the Redis stream backing one partition of a topic.
func (b *Bus) StreamName(topic string, partition int) string {
	return topic + ":" + strconv.Itoa(partition)
}

// PartitionFor maps an ordering key to its partition.
func (b *Bus) PartitionFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(b.partitions))
}

// Publish JSON-encodes the event and appends it to the partition owned
// by the ordering key. The stream is trimmed approximately to the
// configured cap on every append.
func (b *Bus) Publish(ctx context.Context, topic, key string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event for %s: %w", topic, err)
	}
	return b.PublishRaw(ctx, topic, key, payload)
}

// PublishRaw appends an already-encoded payload. Used by the error
// handler to re-publish original payloads untouched.
func (b *Bus) PublishRaw(ctx context.Context, topic, key string, payload []byte) error {
	partition := b.PartitionFor(key)
	stream := b.StreamName(topic, partition)

	err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{
			fieldKey:     key,
			fieldPayload: string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}

	b.logger.Debug("event published", "topic", topic, "partition", partition, "key", key)
	return nil
}

// EnsureGroup creates the consumer group on every partition of a topic,
// creating the streams themselves if they do not exist yet. Existing
// groups are left untouched.
func (b *Bus) EnsureGroup(ctx context.Context, topic, group string) error {
	for p := 0; p < b.partitions; p++ {
		stream := b.StreamName(topic, p)
		err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return fmt.Errorf("create group %s on %s: %w", group, stream, err)
		}
	}
	return nil
}

// Lag returns the total number of unconsumed entries for a group across
// all partitions of a topic. Used as the back-pressure signal.
func (b *Bus) Lag(ctx context.Context, topic, group string) (int64, error) {
	var total int64
	for p := 0; p < b.partitions; p++ {
		stream := b.StreamName(topic, p)
		groups, err := b.rdb.XInfoGroups(ctx, stream).Result()
		if err != nil {
			return 0, fmt.Errorf("xinfo groups %s: %w", stream, err)
		}
		for _, g := range groups {
			if g.Name == group {
				total += g.Lag
			}
		}
	}
	return total, nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}
