// Copyright (C) 2025 FundScout Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fundscout/fundscout/pkg/logging"
	"github.com/fundscout/fundscout/services/discovery/datatypes"
	"github.com/fundscout/fundscout/services/discovery/stream"
)

// Consumer group names. Part of the operational contract: offsets are
// tracked per group, renaming one resets its position.
const (
	groupSearch     = "fundscout-search"
	groupValidation = "fundscout-validation"
	groupScoring    = "fundscout-scoring"
	groupErrors     = "fundscout-errors"
)

// Workers bundles the four stage consumers into one runnable unit.
type Workers struct {
	consumers []*stream.Consumer
	logger    *logging.Logger
}

// WorkersConfig tunes the stage consumers. Instance distinguishes
// consumer names when several processes share the groups.
type WorkersConfig struct {
	Instance string

	// Per-message deadlines. Overrunning one converts the message into a
	// stage.timeout workflow error, which the error handler treats as a
	// transient failure. Defaults: search 10s, validation 2s, scoring 2s.
	SearchTimeout     time.Duration
	ValidationTimeout time.Duration
	ScoringTimeout    time.Duration

	// ErrorTimeout bounds one error-stream message. It must exceed the
	// retry backoff ceiling, since the handler sleeps before
	// re-publishing. Default 60s.
	ErrorTimeout time.Duration
}

func (c *WorkersConfig) applyDefaults() {
	if c.Instance == "" {
		c.Instance = "fundscout-0"
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = 10 * time.Second
	}
	if c.ValidationTimeout <= 0 {
		c.ValidationTimeout = 2 * time.Second
	}
	if c.ScoringTimeout <= 0 {
		c.ScoringTimeout = 2 * time.Second
	}
	if c.ErrorTimeout <= 0 {
		c.ErrorTimeout = 60 * time.Second
	}
}

// NewWorkers builds the stage consumers around the given stages.
func NewWorkers(bus *stream.Bus, cfg WorkersConfig, search *SearchStage, validate *ValidationStage, score *ScoringStage, errStage *ErrorStage, logger *logging.Logger) (*Workers, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.Default()
	}

	build := func(topic, group string, handler stream.Handler) (*stream.Consumer, error) {
		return stream.NewConsumer(bus, topic, stream.ConsumerConfig{
			Group:    group,
			Consumer: cfg.Instance,
			// Backstop only; the per-stage deadlines below fire first.
			HandlerTimeout: cfg.ErrorTimeout,
		}, handler, logger)
	}

	searchC, err := build(datatypes.TopicSearchRequests, groupSearch,
		stageDeadline(bus, datatypes.StageSearch, cfg.SearchTimeout, search.Handle, logger))
	if err != nil {
		return nil, fmt.Errorf("build search consumer: %w", err)
	}
	validateC, err := build(datatypes.TopicSearchResultsRaw, groupValidation,
		stageDeadline(bus, datatypes.StageValidation, cfg.ValidationTimeout, validate.Handle, logger))
	if err != nil {
		return nil, fmt.Errorf("build validation consumer: %w", err)
	}
	scoreC, err := build(datatypes.TopicSearchValidated, groupScoring,
		stageDeadline(bus, datatypes.StageScoring, cfg.ScoringTimeout, score.Handle, logger))
	if err != nil {
		return nil, fmt.Errorf("build scoring consumer: %w", err)
	}
	errorC, err := build(datatypes.TopicWorkflowErrors, groupErrors, errStage.Handle)
	if err != nil {
		return nil, fmt.Errorf("build error consumer: %w", err)
	}

	return &Workers{
		consumers: []*stream.Consumer{searchC, validateC, scoreC, errorC},
		logger:    logger,
	}, nil
}

// stageDeadline bounds one handler invocation. An overrun becomes a
// stage.timeout workflow error carrying the original payload, so the
// error handler can retry the batch like any other transient failure.
func stageDeadline(bus *stream.Bus, stage datatypes.Stage, timeout time.Duration, handler stream.Handler, logger *logging.Logger) stream.Handler {
	return func(ctx context.Context, msg stream.Message) error {
		hctx, cancel := context.WithTimeout(ctx, timeout)
		err := handler(hctx, msg)
		cancel()
		if err == nil {
			return nil
		}
		if !errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return err
		}

		var envelope struct {
			RequestID  string `json:"requestId"`
			SessionID  string `json:"sessionId"`
			RetryCount int    `json:"retryCount"`
		}
		_ = json.Unmarshal(msg.Payload, &envelope)

		logger.Warn("stage deadline exceeded",
			"stage", stage, "entry_id", msg.ID, "timeout", timeout)
		return bus.Publish(ctx, datatypes.TopicWorkflowErrors, msg.Key, datatypes.WorkflowErrorEvent{
			RequestID:       envelope.RequestID,
			SessionID:       envelope.SessionID,
			Stage:           stage,
			ErrorType:       datatypes.ErrorStageTimeout,
			ErrorMessage:    fmt.Sprintf("stage deadline of %s exceeded", timeout),
			RetryCount:      envelope.RetryCount,
			OriginalPayload: msg.Payload,
			Timestamp:       time.Now().UTC(),
		})
	}
}

// Run starts every stage consumer and blocks until the context is
// canceled or a consumer fails.
func (w *Workers) Run(ctx context.Context) error {
	w.logger.Info("pipeline workers starting", "stages", len(w.consumers))

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range w.consumers {
		consumer := c
		g.Go(func() error {
			return consumer.Run(gctx)
		})
	}

	err := g.Wait()
	w.logger.Info("pipeline workers stopped")
	return err
}
