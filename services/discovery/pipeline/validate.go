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
	"github.com/fundscout/fundscout/pkg/validation"
	"github.com/fundscout/fundscout/services/discovery/blacklist"
	"github.com/fundscout/fundscout/services/discovery/datatypes"
	"github.com/fundscout/fundscout/services/discovery/registry"
	"github.com/fundscout/fundscout/services/discovery/session"
	"github.com/fundscout/fundscout/services/discovery/stream"
	"github.com/fundscout/fundscout/services/discovery/telemetry"
)

// ValidationStage consumes search-results-raw, extracts and checks
// hosts, deduplicates within the session, filters blacklisted domains,
// registers new domains, and emits search-results-validated.
type ValidationStage struct {
	bus          *stream.Bus
	cache        *blacklist.Cache
	registry     registry.Service
	orchestrator *session.Orchestrator
	metrics      *telemetry.Metrics
	logger       *logging.Logger
}

// NewValidationStage wires the validation stage.
func NewValidationStage(bus *stream.Bus, cache *blacklist.Cache, reg registry.Service, orchestrator *session.Orchestrator, metrics *telemetry.Metrics, logger *logging.Logger) (*ValidationStage, error) {
	if bus == nil || cache == nil || reg == nil || orchestrator == nil {
		return nil, fmt.Errorf("bus, cache, registry, and orchestrator are required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ValidationStage{
		bus:          bus,
		cache:        cache,
		registry:     reg,
		orchestrator: orchestrator,
		metrics:      metrics,
		logger:       logger,
	}, nil
}

// Handle processes one raw-results batch.
//
// Per-result failures (unparseable URL) silently drop the result; a
// blacklist cache failure degrades to a direct registry read; registry
// failures convert the whole batch into an error-stream event. The
// session dedup set is only committed after the validated event has
// been published, so a failed batch leaves no dedup residue and a
// retried batch is processed cleanly.
func (v *ValidationStage) Handle(ctx context.Context, msg stream.Message) error {
	started := time.Now()

	var event datatypes.SearchResultsRawEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		v.logger.Error("malformed raw-results event", "entry_id", msg.ID, "error", err)
		return v.publishError(ctx, msg.Key, datatypes.WorkflowErrorEvent{
			Stage:           datatypes.StageValidation,
			ErrorType:       datatypes.ErrorStageFatal,
			ErrorMessage:    fmt.Sprintf("malformed event: %v", err),
			OriginalPayload: msg.Payload,
			Timestamp:       time.Now().UTC(),
		})
	}

	log := v.logger.With("request_id", event.RequestID, "session_id", event.SessionID)

	stats := datatypes.ValidationStats{TotalIn: len(event.Results)}
	var survivors []datatypes.SearchResult
	var survivorHosts []string
	batchSeen := make(map[string]struct{})

	for _, result := range event.Results {
		host, err := validation.HostFromURL(result.URL)
		if err != nil {
			// Ranked-result-level failure, not error-stream worthy.
			log.Debug("dropping result with unusable url", "url", result.URL, "error", err)
			continue
		}

		if _, dup := batchSeen[host]; dup || v.orchestrator.IsDuplicate(ctx, event.SessionID, host) {
			stats.DuplicatesDropped++
			continue
		}

		blacklisted, err := v.cache.IsBlacklisted(ctx, host)
		if err != nil {
			// Degraded mode: a cache failure is logged and the registry
			// is consulted directly, never surfaced to the error stream.
			log.Warn("blacklist cache unavailable, reading registry directly", "host", host, "error", err)
			blacklisted, err = v.registry.IsBlacklisted(ctx, host)
			if err != nil {
				log.Warn("blacklist lookup failed", "host", host, "error", err)
				return v.fail(ctx, msg, event, datatypes.ErrorRegistryContention, err)
			}
		}
		if blacklisted {
			stats.BlacklistedDropped++
			continue
		}

		created, err := v.registry.EnsureDiscovered(ctx, host)
		if err != nil {
			log.Warn("domain registration failed", "host", host, "error", err)
			return v.fail(ctx, msg, event, datatypes.ErrorRegistryContention, err)
		}
		if created {
			stats.RegisteredNew++
		}

		batchSeen[host] = struct{}{}
		survivors = append(survivors, result)
		survivorHosts = append(survivorHosts, host)
	}

	validated := datatypes.SearchResultsValidatedEvent{
		RequestID:    event.RequestID,
		SessionID:    event.SessionID,
		Engine:       event.Engine,
		ValidResults: survivors,
		Stats:        stats,
		Timestamp:    time.Now().UTC(),
		RetryCount:   event.RetryCount,
	}
	if err := v.bus.Publish(ctx, datatypes.TopicSearchValidated, msg.Key, validated); err != nil {
		return fmt.Errorf("publish validated results: %w", err)
	}

	// Commit only after the downstream event exists.
	v.orchestrator.CommitHosts(ctx, event.SessionID, survivorHosts)
	v.orchestrator.RecordValidation(ctx, event.SessionID, stats)

	if v.metrics != nil {
		v.metrics.ValidationOutcome(ctx, stats)
		v.metrics.StageObserved(ctx, datatypes.StageValidation, time.Since(started))
	}
	log.Debug("batch validated",
		"total_in", stats.TotalIn,
		"survivors", len(survivors),
		"duplicates", stats.DuplicatesDropped,
		"blacklisted", stats.BlacklistedDropped,
		"registered_new", stats.RegisteredNew)
	return nil
}

func (v *ValidationStage) fail(ctx context.Context, msg stream.Message, event datatypes.SearchResultsRawEvent, errType datatypes.ErrorType, cause error) error {
	if v.metrics != nil {
		v.metrics.ErrorRecorded(ctx, errType)
	}
	return v.publishError(ctx, msg.Key, datatypes.WorkflowErrorEvent{
		RequestID:       event.RequestID,
		SessionID:       event.SessionID,
		Stage:           datatypes.StageValidation,
		ErrorType:       errType,
		ErrorMessage:    cause.Error(),
		RetryCount:      event.RetryCount,
		OriginalPayload: msg.Payload,
		Timestamp:       time.Now().UTC(),
	})
}

func (v *ValidationStage) publishError(ctx context.Context, key string, event datatypes.WorkflowErrorEvent) error {
	if err := v.bus.Publish(ctx, datatypes.TopicWorkflowErrors, key, event); err != nil {
		return fmt.Errorf("publish workflow error: %w", err)
	}
	return nil
}
