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
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fundscout/fundscout/pkg/logging"
	"github.com/fundscout/fundscout/services/discovery/adapter"
	"github.com/fundscout/fundscout/services/discovery/datatypes"
	"github.com/fundscout/fundscout/services/discovery/stream"
	"github.com/fundscout/fundscout/services/discovery/telemetry"
)

// defaultMaxResults bounds one engine call.
const defaultMaxResults = 30

// SearchStage consumes search-requests, executes the query through the
// engine adapter, and emits search-results-raw.
type SearchStage struct {
	bus        *stream.Bus
	adapters   *adapter.Registry
	metrics    *telemetry.Metrics
	logger     *logging.Logger
	maxResults int

	// One limiter per engine; engines rate-limit callers, not queries.
	limiterMu sync.Mutex
	limiters  map[datatypes.Engine]*rate.Limiter
	engineRPS rate.Limit
}

// SearchStageConfig tunes the search stage.
type SearchStageConfig struct {
	// MaxResults caps results per query. Default 30.
	MaxResults int

	// EngineRPS is the per-engine request rate. Default 2.
	EngineRPS float64
}

// NewSearchStage wires the search stage.
func NewSearchStage(bus *stream.Bus, adapters *adapter.Registry, cfg SearchStageConfig, metrics *telemetry.Metrics, logger *logging.Logger) (*SearchStage, error) {
	if bus == nil || adapters == nil {
		return nil, fmt.Errorf("bus and adapter registry are required")
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResults
	}
	if cfg.EngineRPS <= 0 {
		cfg.EngineRPS = 2
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SearchStage{
		bus:        bus,
		adapters:   adapters,
		metrics:    metrics,
		logger:     logger,
		maxResults: cfg.MaxResults,
		limiters:   make(map[datatypes.Engine]*rate.Limiter),
		engineRPS:  rate.Limit(cfg.EngineRPS),
	}, nil
}

func (s *SearchStage) limiter(engine datatypes.Engine) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	l, ok := s.limiters[engine]
	if !ok {
		l = rate.NewLimiter(s.engineRPS, 1)
		s.limiters[engine] = l
	}
	return l
}

// Handle processes one search-request event. Failures are converted to
// error-stream events; only a broker failure propagates.
func (s *SearchStage) Handle(ctx context.Context, msg stream.Message) error {
	started := time.Now()

	var event datatypes.SearchRequestEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		// Malformed events carry no ids to settle a session with; all we
		// can do is record them.
		s.logger.Error("malformed search-request event", "entry_id", msg.ID, "error", err)
		return s.publishError(ctx, msg.Key, datatypes.WorkflowErrorEvent{
			Stage:           datatypes.StageSearch,
			ErrorType:       datatypes.ErrorStageFatal,
			ErrorMessage:    fmt.Sprintf("malformed event: %v", err),
			OriginalPayload: msg.Payload,
			Timestamp:       time.Now().UTC(),
		})
	}

	log := s.logger.With("request_id", event.RequestID, "session_id", event.SessionID)

	eng, err := s.adapters.Get(event.Engine)
	if err != nil {
		log.Error("engine lookup failed", "engine", event.Engine, "error", err)
		return s.fail(ctx, msg, event, err)
	}

	if err := s.limiter(event.Engine).Wait(ctx); err != nil {
		return s.fail(ctx, msg, event, adapter.NewError(datatypes.ErrorStageTimeout, "rate limiter wait", err))
	}

	results, err := eng.Search(ctx, adapter.Query{Text: event.QueryText, MaxResults: s.maxResults})
	if err != nil {
		log.Warn("search failed", "query", event.QueryText, "error", err)
		return s.fail(ctx, msg, event, err)
	}

	for i := range results {
		results[i].SessionID = event.SessionID
		results[i].RequestID = event.RequestID
	}

	raw := datatypes.SearchResultsRawEvent{
		RequestID:       event.RequestID,
		SessionID:       event.SessionID,
		Engine:          event.Engine,
		Results:         results,
		TotalResults:    len(results),
		ExecutionTimeMs: time.Since(started).Milliseconds(),
		Timestamp:       time.Now().UTC(),
		RetryCount:      event.RetryCount,
	}
	if err := s.bus.Publish(ctx, datatypes.TopicSearchResultsRaw, msg.Key, raw); err != nil {
		return fmt.Errorf("publish raw results: %w", err)
	}

	if s.metrics != nil {
		s.metrics.SearchExecuted(ctx, event.Engine, len(results))
		s.metrics.StageObserved(ctx, datatypes.StageSearch, time.Since(started))
	}
	log.Debug("search executed", "query", event.QueryText, "results", len(results))
	return nil
}

// fail converts a stage failure into an error-stream event carrying the
// original payload for the retry policy.
func (s *SearchStage) fail(ctx context.Context, msg stream.Message, event datatypes.SearchRequestEvent, cause error) error {
	errType := adapter.Classify(cause)
	if s.metrics != nil {
		s.metrics.ErrorRecorded(ctx, errType)
	}
	return s.publishError(ctx, msg.Key, datatypes.WorkflowErrorEvent{
		RequestID:       event.RequestID,
		SessionID:       event.SessionID,
		Stage:           datatypes.StageSearch,
		ErrorType:       errType,
		ErrorMessage:    cause.Error(),
		RetryCount:      event.RetryCount,
		OriginalPayload: msg.Payload,
		Timestamp:       time.Now().UTC(),
	})
}

func (s *SearchStage) publishError(ctx context.Context, key string, event datatypes.WorkflowErrorEvent) error {
	if err := s.bus.Publish(ctx, datatypes.TopicWorkflowErrors, key, event); err != nil {
		return fmt.Errorf("publish workflow error: %w", err)
	}
	return nil
}
