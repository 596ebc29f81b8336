// Copyright (C) 2025 FundScout Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pipeline contains the staged discovery workflow: the trigger
// that turns an API request into query events, the four stage consumers
// that move batches through search, validation, and scoring, and the
// error handler that applies the retry policy.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fundscout/fundscout/pkg/logging"
	"github.com/fundscout/fundscout/services/discovery/datatypes"
	"github.com/fundscout/fundscout/services/discovery/session"
	"github.com/fundscout/fundscout/services/discovery/stream"
	"github.com/fundscout/fundscout/services/discovery/telemetry"
)

// defaultGenerateTimeout bounds one QueryGenerator call.
const defaultGenerateTimeout = 30 * time.Second

// TriggerResult is the synchronous answer of one trigger call.
type TriggerResult struct {
	RequestID      string `json:"requestId"`
	SessionID      string `json:"sessionId"`
	QueriesEmitted int    `json:"queriesEmitted"`
}

// Trigger converts an ExecutionRequest into query events on the
// search-requests stream. It is the only producer of that stream.
type Trigger struct {
	generator       QueryGenerator
	bus             *stream.Bus
	orchestrator    *session.Orchestrator
	metrics         *telemetry.Metrics
	logger          *logging.Logger
	generateTimeout time.Duration
}

// NewTrigger wires a trigger.
func NewTrigger(generator QueryGenerator, bus *stream.Bus, orchestrator *session.Orchestrator, metrics *telemetry.Metrics, logger *logging.Logger) (*Trigger, error) {
	if generator == nil || bus == nil || orchestrator == nil {
		return nil, fmt.Errorf("generator, bus, and orchestrator are required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Trigger{
		generator:       generator,
		bus:             bus,
		orchestrator:    orchestrator,
		metrics:         metrics,
		logger:          logger,
		generateTimeout: defaultGenerateTimeout,
	}, nil
}

// Execute validates the request, generates queries, opens a session,
// and publishes one SearchRequestEvent per query.
//
// Generator failure fails the whole call: no session is recorded and
// nothing is published. Publish failures after the first success are
// partial: failed queries are reported to the error stream and
// dead-lettered against the session, published ones proceed.
func (t *Trigger) Execute(ctx context.Context, req datatypes.ExecutionRequest) (*TriggerResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	log := t.logger.With("request_id", req.RequestID)

	genCtx, cancel := context.WithTimeout(ctx, t.generateTimeout)
	queries, err := t.generator.Generate(genCtx, req)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("query generation: %w", err)
	}
	if len(queries) == 0 {
		return nil, fmt.Errorf("query generation produced no queries")
	}

	sess, err := t.orchestrator.Open(ctx, req.RequestID, len(queries))
	if err != nil {
		return nil, err
	}
	log = log.With("session_id", sess.SessionID)

	key := datatypes.PartitionKey(sess.SessionID, req.RequestID, req.Engine)
	published := 0
	for _, query := range queries {
		event := datatypes.SearchRequestEvent{
			RequestID:     req.RequestID,
			SessionID:     sess.SessionID,
			QueryText:     query,
			Engine:        req.Engine,
			Category:      req.Category,
			Region:        req.Region,
			FundingType:   req.FundingType,
			RecipientType: req.RecipientType,
			Timestamp:     time.Now().UTC(),
		}
		if err := t.bus.Publish(ctx, datatypes.TopicSearchRequests, key, event); err != nil {
			log.Error("query publish failed", "query", query, "error", err)
			t.reportUnpublished(ctx, key, sess.SessionID, req.RequestID, query, err)
			continue
		}
		published++
	}

	log.Info("trigger executed", "queries_generated", len(queries), "queries_published", published)
	return &TriggerResult{
		RequestID:      req.RequestID,
		SessionID:      sess.SessionID,
		QueriesEmitted: published,
	}, nil
}

// reportUnpublished records one query that never made it onto the
// requests stream. The error handler settles the batch when it receives
// the event; if the error stream is down as well, the batch is settled
// locally so the session can still close.
func (t *Trigger) reportUnpublished(ctx context.Context, key, sessionID, requestID, query string, cause error) {
	errEvent := datatypes.WorkflowErrorEvent{
		RequestID:    requestID,
		SessionID:    sessionID,
		Stage:        datatypes.StageTrigger,
		ErrorType:    datatypes.ErrorStageFatal,
		ErrorMessage: fmt.Sprintf("publish query %q: %v", query, cause),
		Timestamp:    time.Now().UTC(),
	}
	if t.metrics != nil {
		t.metrics.ErrorRecorded(ctx, datatypes.ErrorStageFatal)
	}

	err := t.bus.Publish(ctx, datatypes.TopicWorkflowErrors, key, errEvent)
	if err == nil {
		return
	}
	t.logger.Error("error-stream publish failed for unpublished query",
		"request_id", requestID, "error", err)

	if _, err := t.orchestrator.BatchDeadLettered(ctx, sessionID); err != nil {
		t.logger.Error("dead-letter accounting failed", "session_id", sessionID, "error", err)
	}
}
