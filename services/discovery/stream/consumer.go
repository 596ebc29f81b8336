// Copyright (C) 2025 FundScout Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/fundscout/fundscout/pkg/logging"
)

// Message is one delivered stream entry.
type Message struct {
	Topic     string
	Partition int
	ID        string
	Key       string
	Payload   []byte
}

// Handler processes one message. A nil return means the message is
// fully handled, including the case where the handler converted a
// processing failure into a workflow-error event. A non-nil return
// means the broker itself could not be reached; the message stays
// pending and is redelivered after restart.
type Handler func(ctx context.Context, msg Message) error

// ConsumerConfig tunes a Consumer. Zero values fall back to defaults.
type ConsumerConfig struct {
	// Group is the consumer-group name. Required.
	Group string

	// Consumer is this instance's name within the group. Required.
	Consumer string

	// BatchSize is the maximum entries fetched per read. Default 16.
	BatchSize int64

	// Block is how long a read waits for new entries. Default 2s.
	Block time.Duration

	// HandlerTimeout bounds a single handler invocation. Default 60s.
	HandlerTimeout time.Duration
}

func (c *ConsumerConfig) applyDefaults() error {
	if c.Group == "" || c.Consumer == "" {
		return fmt.Errorf("consumer group and name are required")
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.Block <= 0 {
		c.Block = 2 * time.Second
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 60 * time.Second
	}
	return nil
}

// Consumer reads one topic through a consumer group, running one
// goroutine per partition so that per-key ordering is preserved.
type Consumer struct {
	bus     *Bus
	topic   string
	cfg     ConsumerConfig
	handler Handler
	logger  *logging.Logger
}

// NewConsumer creates a consumer for a topic.
func NewConsumer(bus *Bus, topic string, cfg ConsumerConfig, handler Handler, logger *logging.Logger) (*Consumer, error) {
	if bus == nil {
		return nil, fmt.Errorf("bus must not be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler must not be nil")
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Consumer{
		bus:     bus,
		topic:   topic,
		cfg:     cfg,
		handler: handler,
		logger:  logger.With("topic", topic, "group", cfg.Group),
	}, nil
}

// Run creates the consumer group if needed, drains entries left pending
// by a previous run of this consumer, then reads new entries until the
// context is canceled. It always returns after all partition readers
// have stopped.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.bus.EnsureGroup(ctx, c.topic, c.cfg.Group); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for p := 0; p < c.bus.Partitions(); p++ {
		partition := p
		g.Go(func() error {
			return c.consumePartition(gctx, partition)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Consumer) consumePartition(ctx context.Context, partition int) error {
	stream := c.bus.StreamName(c.topic, partition)
	log := c.logger.With("partition", partition)

	// Pending entries first: "0" replays everything delivered to this
	// consumer but never acknowledged.
	if err := c.drainPending(ctx, stream, partition, log); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		entries, err := c.read(ctx, stream, ">")
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("stream read failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, entry := range entries {
			if err := c.dispatch(ctx, stream, partition, entry, log); err != nil {
				return err
			}
		}
	}
}

func (c *Consumer) drainPending(ctx context.Context, stream string, partition int, log *logging.Logger) error {
	cursor := "0"
	for {
		entries, err := c.read(ctx, stream, cursor)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return fmt.Errorf("drain pending on %s: %w", stream, err)
		}
		if len(entries) == 0 {
			return nil
		}

		log.Info("replaying pending entries", "count", len(entries))
		for _, entry := range entries {
			if err := c.dispatch(ctx, stream, partition, entry, log); err != nil {
				return err
			}
			// Advance past the entry either way; one that failed again
			// stays pending for the next start.
			cursor = entry.ID
		}
	}
}

func (c *Consumer) read(ctx context.Context, stream, cursor string) ([]redis.XMessage, error) {
	res, err := c.bus.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{stream, cursor},
		Count:    c.cfg.BatchSize,
		Block:    c.cfg.Block,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}
	return res[0].Messages, nil
}

func (c *Consumer) dispatch(ctx context.Context, stream string, partition int, entry redis.XMessage, log *logging.Logger) error {
	msg := Message{
		Topic:     c.topic,
		Partition: partition,
		ID:        entry.ID,
	}
	if v, ok := entry.Values[fieldKey].(string); ok {
		msg.Key = v
	}
	if v, ok := entry.Values[fieldPayload].(string); ok {
		msg.Payload = []byte(v)
	}

	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandlerTimeout)
	err := c.handler(hctx, msg)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Left pending deliberately; redelivered on the next start.
		log.Error("handler failed, leaving entry pending", "entry_id", entry.ID, "key", msg.Key, "error", err)
		return nil
	}

	if err := c.bus.rdb.XAck(ctx, stream, c.cfg.Group, entry.ID).Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error("ack failed", "entry_id", entry.ID, "error", err)
	}
	return nil
}
