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

	"github.com/google/uuid"

	"github.com/fundscout/fundscout/pkg/logging"
	"github.com/fundscout/fundscout/pkg/validation"
	"github.com/fundscout/fundscout/services/discovery/datatypes"
	"github.com/fundscout/fundscout/services/discovery/registry"
	"github.com/fundscout/fundscout/services/discovery/repository"
	"github.com/fundscout/fundscout/services/discovery/scoring"
	"github.com/fundscout/fundscout/services/discovery/session"
	"github.com/fundscout/fundscout/services/discovery/stream"
	"github.com/fundscout/fundscout/services/discovery/telemetry"
)

// ScoringStage consumes search-results-validated, scores every result,
// creates candidates at or above the admission threshold, updates the
// domain registry, and settles the batch against the session.
type ScoringStage struct {
	bus          *stream.Bus
	scorer       *scoring.ConfidenceScorer
	candidates   repository.CandidateRepository
	registry     registry.Service
	orchestrator *session.Orchestrator
	metrics      *telemetry.Metrics
	logger       *logging.Logger
}

// NewScoringStage wires the scoring stage.
func NewScoringStage(bus *stream.Bus, scorer *scoring.ConfidenceScorer, candidates repository.CandidateRepository, reg registry.Service, orchestrator *session.Orchestrator, metrics *telemetry.Metrics, logger *logging.Logger) (*ScoringStage, error) {
	if bus == nil || scorer == nil || candidates == nil || reg == nil || orchestrator == nil {
		return nil, fmt.Errorf("bus, scorer, candidate repository, registry, and orchestrator are required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ScoringStage{
		bus:          bus,
		scorer:       scorer,
		candidates:   candidates,
		registry:     reg,
		orchestrator: orchestrator,
		metrics:      metrics,
		logger:       logger,
	}, nil
}

// Handle processes one validated batch. Candidate writes are keyed by
// (sessionId, url) and every result leaves a judgement marker, so a
// redelivered batch neither duplicates candidates nor double-counts
// registry and session statistics.
func (s *ScoringStage) Handle(ctx context.Context, msg stream.Message) error {
	started := time.Now()

	var event datatypes.SearchResultsValidatedEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		s.logger.Error("malformed validated-results event", "entry_id", msg.ID, "error", err)
		return s.publishError(ctx, msg.Key, datatypes.WorkflowErrorEvent{
			Stage:           datatypes.StageScoring,
			ErrorType:       datatypes.ErrorStageFatal,
			ErrorMessage:    fmt.Sprintf("malformed event: %v", err),
			OriginalPayload: msg.Payload,
			Timestamp:       time.Now().UTC(),
		})
	}

	log := s.logger.With("request_id", event.RequestID, "session_id", event.SessionID)

	for _, result := range event.ValidResults {
		if err := s.judge(ctx, event, result, log); err != nil {
			return s.fail(ctx, msg, event, err)
		}
	}

	closed, err := s.orchestrator.BatchCompleted(ctx, event.SessionID)
	if err != nil {
		return s.fail(ctx, msg, event, err)
	}
	if closed != nil && s.metrics != nil {
		s.metrics.SessionClosed(ctx, closed.Status)
	}

	if s.metrics != nil {
		s.metrics.StageObserved(ctx, datatypes.StageScoring, time.Since(started))
	}
	log.Debug("batch scored", "results", len(event.ValidResults), "session_closed", closed != nil)
	return nil
}

// judge scores a single result and applies the admission decision.
// Each (sessionId, url) is judged at most once: a marker is written
// after the decision has been applied, and a retried batch skips
// marked results, so registry counters and the session mean are not
// applied twice when an earlier attempt failed part-way.
func (s *ScoringStage) judge(ctx context.Context, event datatypes.SearchResultsValidatedEvent, result datatypes.SearchResult, log *logging.Logger) error {
	host, err := validation.HostFromURL(result.URL)
	if err != nil {
		// Validation guarantees parseable URLs; a failure here means the
		// event was tampered with or versions diverge.
		log.Warn("unscorable result url", "url", result.URL, "error", err)
		return nil
	}

	judged, err := s.candidates.Judged(ctx, event.SessionID, result.URL)
	if err != nil {
		return fmt.Errorf("check judgement for %s: %w", result.URL, err)
	}
	if judged {
		log.Debug("result already judged", "url", result.URL)
		return nil
	}

	score, err := s.scorer.Score(result)
	if err != nil {
		return fmt.Errorf("score %s: %w", result.URL, err)
	}

	if score.Passing() {
		candidate := &datatypes.FundingSourceCandidate{
			CandidateID:     uuid.NewString(),
			DomainName:      host,
			URL:             result.URL,
			Title:           result.Title,
			Description:     result.Description,
			Engine:          event.Engine,
			ConfidenceScore: score,
			Status:          datatypes.CandidatePendingCrawl,
			SessionID:       event.SessionID,
			DiscoveredAt:    time.Now().UTC(),
		}
		created, err := s.candidates.Create(ctx, candidate)
		if err != nil {
			return fmt.Errorf("persist candidate for %s: %w", result.URL, err)
		}
		if created {
			if err := s.registry.RecordHighQuality(ctx, host, score); err != nil {
				return fmt.Errorf("record high quality for %s: %w", host, err)
			}
			s.orchestrator.RecordScore(ctx, event.SessionID, score, true)
			if s.metrics != nil {
				s.metrics.CandidateCreated(ctx)
			}
			log.Info("candidate created", "url", result.URL, "score", score)
		}
		return s.candidates.MarkJudged(ctx, event.SessionID, result.URL)
	}

	if err := s.registry.RecordLowQuality(ctx, host, score); err != nil {
		return fmt.Errorf("record low quality for %s: %w", host, err)
	}
	s.orchestrator.RecordScore(ctx, event.SessionID, score, false)
	return s.candidates.MarkJudged(ctx, event.SessionID, result.URL)
}

func (s *ScoringStage) fail(ctx context.Context, msg stream.Message, event datatypes.SearchResultsValidatedEvent, cause error) error {
	errType := datatypes.ErrorScoringInput
	if errors.Is(cause, registry.ErrContention) {
		errType = datatypes.ErrorRegistryContention
	}
	if s.metrics != nil {
		s.metrics.ErrorRecorded(ctx, errType)
	}
	return s.publishError(ctx, msg.Key, datatypes.WorkflowErrorEvent{
		RequestID:       event.RequestID,
		SessionID:       event.SessionID,
		Stage:           datatypes.StageScoring,
		ErrorType:       errType,
		ErrorMessage:    cause.Error(),
		RetryCount:      event.RetryCount,
		OriginalPayload: msg.Payload,
		Timestamp:       time.Now().UTC(),
	})
}

func (s *ScoringStage) publishError(ctx context.Context, key string, event datatypes.WorkflowErrorEvent) error {
	if err := s.bus.Publish(ctx, datatypes.TopicWorkflowErrors, key, event); err != nil {
		return fmt.Errorf("publish workflow error: %w", err)
	}
	return nil
}
