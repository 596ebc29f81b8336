// Copyright (C) 2025 FundScout Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package adapter

import (
	"context"
	"math/rand"
	"time"

	"github.com/fundscout/fundscout/pkg/logging"
	"github.com/fundscout/fundscout/services/discovery/datatypes"
)

// RetryConfig tunes the in-stage retry wrapper.
type RetryConfig struct {
	// MaxAttempts counts the initial try. Default 3.
	MaxAttempts int

	// BaseDelay is the first backoff. Default 200ms.
	BaseDelay time.Duration

	// Multiplier grows the backoff per attempt. Default 2.
	Multiplier float64

	// Jitter is the random fraction applied to each delay. Default 0.25,
	// meaning delays vary by plus or minus 25 percent.
	Jitter float64
}

func (c *RetryConfig) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2
	}
	if c.Jitter <= 0 || c.Jitter > 1 {
		c.Jitter = 0.25
	}
}

// Retrying wraps an adapter with bounded retries on transient failures.
// Terminal classifications (4xx, parse, unsupported engine) fail
// immediately.
type Retrying struct {
	inner  SearchAdapter
	cfg    RetryConfig
	logger *logging.Logger
}

// WithRetry wraps an adapter in retry behavior.
func WithRetry(inner SearchAdapter, cfg RetryConfig, logger *logging.Logger) *Retrying {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.Default()
	}
	return &Retrying{
		inner:  inner,
		cfg:    cfg,
		logger: logger.With("engine", inner.EngineType()),
	}
}

// EngineType returns the wrapped adapter's engine.
func (r *Retrying) EngineType() datatypes.Engine {
	return r.inner.EngineType()
}

// Search runs the query with up to MaxAttempts tries, backing off
// exponentially with jitter between transient failures.
func (r *Retrying) Search(ctx context.Context, query Query) ([]datatypes.SearchResult, error) {
	var lastErr error
	delay := r.cfg.BaseDelay

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		results, err := r.inner.Search(ctx, query)
		if err == nil {
			return results, nil
		}
		lastErr = err

		if !Classify(err).Transient() {
			return nil, err
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}

		r.logger.Warn("search attempt failed, retrying",
			"attempt", attempt,
			"max_attempts", r.cfg.MaxAttempts,
			"delay", jittered(delay, r.cfg.Jitter),
			"error", err)

		select {
		case <-ctx.Done():
			return nil, NewError(datatypes.ErrorStageTimeout, "canceled during retry backoff", ctx.Err())
		case <-time.After(jittered(delay, r.cfg.Jitter)):
		}
		delay = time.Duration(float64(delay) * r.cfg.Multiplier)
	}

	return nil, lastErr
}

func jittered(d time.Duration, fraction float64) time.Duration {
	// Uniform in [1-fraction, 1+fraction).
	factor := 1 - fraction + 2*fraction*rand.Float64()
	return time.Duration(float64(d) * factor)
}
