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
	"time"

	"github.com/fundscout/fundscout/pkg/logging"
	"github.com/fundscout/fundscout/services/discovery/datatypes"
	"github.com/fundscout/fundscout/services/discovery/repository"
	"github.com/fundscout/fundscout/services/discovery/session"
	"github.com/fundscout/fundscout/services/discovery/stream"
	"github.com/fundscout/fundscout/services/discovery/telemetry"
)

const (
	// maxRetries is the retry ceiling per batch.
	maxRetries = 3

	// retryBaseDelay and retryMaxDelay bound the re-publish backoff:
	// 200ms * 2^retryCount, capped at 8s.
	retryBaseDelay = 200 * time.Millisecond
	retryMaxDelay  = 8 * time.Second
)

// stageTopics maps a failed stage to the stream its original payload
// must be re-published on. Trigger failures have no input stream and
// always dead-letter.
var stageTopics = map[datatypes.Stage]string{
	datatypes.StageSearch:     datatypes.TopicSearchRequests,
	datatypes.StageValidation: datatypes.TopicSearchResultsRaw,
	datatypes.StageScoring:    datatypes.TopicSearchValidated,
}

// ErrorStage consumes workflow-errors. Every event is persisted;
// transient failures under the retry ceiling are re-published to their
// stage with backoff, everything else is dead-lettered and settled
// against the owning session.
type ErrorStage struct {
	bus          *stream.Bus
	errors       repository.ErrorRepository
	orchestrator *session.Orchestrator
	metrics      *telemetry.Metrics
	logger       *logging.Logger
}

// NewErrorStage wires the error handler.
func NewErrorStage(bus *stream.Bus, errs repository.ErrorRepository, orchestrator *session.Orchestrator, metrics *telemetry.Metrics, logger *logging.Logger) (*ErrorStage, error) {
	if bus == nil || errs == nil || orchestrator == nil {
		return nil, fmt.Errorf("bus, error repository, and orchestrator are required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ErrorStage{
		bus:          bus,
		errors:       errs,
		orchestrator: orchestrator,
		metrics:      metrics,
		logger:       logger,
	}, nil
}

// Handle processes one workflow-error event.
func (e *ErrorStage) Handle(ctx context.Context, msg stream.Message) error {
	var event datatypes.WorkflowErrorEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		e.logger.Error("malformed workflow-error event", "entry_id", msg.ID, "error", err)
		return nil // nothing to retry, nothing to settle
	}

	log := e.logger.With(
		"request_id", event.RequestID,
		"session_id", event.SessionID,
		"stage", event.Stage,
		"error_type", event.ErrorType)

	retry := e.shouldRetry(event)

	record := &datatypes.WorkflowError{
		RequestID:       event.RequestID,
		SessionID:       event.SessionID,
		Stage:           event.Stage,
		ErrorType:       event.ErrorType,
		Message:         event.ErrorMessage,
		RetryCount:      event.RetryCount,
		Timestamp:       event.Timestamp,
		OriginalPayload: event.OriginalPayload,
		DeadLettered:    !retry,
	}
	if err := e.errors.Append(ctx, record); err != nil {
		return fmt.Errorf("persist workflow error: %w", err)
	}

	if !retry {
		log.Warn("batch dead-lettered", "retry_count", event.RetryCount, "message", event.ErrorMessage)
		if e.metrics != nil {
			e.metrics.DeadLettered(ctx, event.ErrorType)
		}
		if event.SessionID != "" {
			closed, err := e.orchestrator.BatchDeadLettered(ctx, event.SessionID)
			if err != nil {
				return fmt.Errorf("settle dead letter: %w", err)
			}
			if closed != nil && e.metrics != nil {
				e.metrics.SessionClosed(ctx, closed.Status)
			}
		}
		return nil
	}

	delay := retryDelay(event.RetryCount)
	log.Info("retrying batch", "retry_count", event.RetryCount, "delay", delay)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
	}

	payload, err := bumpRetryCount(event.OriginalPayload, event.RetryCount+1)
	if err != nil {
		// The payload we were asked to retry is not valid JSON; treat as
		// permanent.
		log.Error("cannot bump retry count, dead-lettering", "error", err)
		record.DeadLettered = true
		if err := e.errors.Append(ctx, record); err != nil {
			return fmt.Errorf("persist dead letter: %w", err)
		}
		if event.SessionID != "" {
			if _, err := e.orchestrator.BatchDeadLettered(ctx, event.SessionID); err != nil {
				return fmt.Errorf("settle dead letter: %w", err)
			}
		}
		return nil
	}

	topic := stageTopics[event.Stage]
	if err := e.bus.PublishRaw(ctx, topic, msg.Key, payload); err != nil {
		return fmt.Errorf("re-publish to %s: %w", topic, err)
	}
	return nil
}

// shouldRetry applies the policy: transient error types retry while
// under the ceiling; permanent types and trigger-stage failures never
// retry.
func (e *ErrorStage) shouldRetry(event datatypes.WorkflowErrorEvent) bool {
	if _, ok := stageTopics[event.Stage]; !ok {
		return false
	}
	if len(event.OriginalPayload) == 0 {
		return false
	}
	return event.ErrorType.Transient() && event.RetryCount < maxRetries
}

func retryDelay(retryCount int) time.Duration {
	delay := retryBaseDelay << retryCount
	if delay > retryMaxDelay || delay <= 0 {
		return retryMaxDelay
	}
	return delay
}

// bumpRetryCount rewrites the retryCount field of the original event
// payload without touching anything else.
func bumpRetryCount(payload []byte, count int) ([]byte, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(payload, &generic); err != nil {
		return nil, fmt.Errorf("decode original payload: %w", err)
	}
	raw, err := json.Marshal(count)
	if err != nil {
		return nil, err
	}
	generic["retryCount"] = raw
	return json.Marshal(generic)
}
