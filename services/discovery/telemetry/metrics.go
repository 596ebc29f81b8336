// Copyright (C) 2025 FundScout Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fundscout/fundscout/services/discovery/datatypes"
)

// Metrics carries every instrument the pipeline records into. One
// instance is shared by all stage workers.
type Metrics struct {
	searchesExecuted   metric.Int64Counter
	searchResults      metric.Int64Counter
	duplicatesDropped  metric.Int64Counter
	blacklistedDropped metric.Int64Counter
	candidatesCreated  metric.Int64Counter
	errorsRecorded     metric.Int64Counter
	deadLetters        metric.Int64Counter
	sessionsClosed     metric.Int64Counter
	stageLatency       metric.Float64Histogram
}

// NewMetrics registers the pipeline instruments on a meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.searchesExecuted, err = meter.Int64Counter("fundscout_searches_executed_total",
		metric.WithDescription("Search queries executed against engines")); err != nil {
		return nil, fmt.Errorf("create searches counter: %w", err)
	}
	if m.searchResults, err = meter.Int64Counter("fundscout_search_results_total",
		metric.WithDescription("Raw results returned by engines")); err != nil {
		return nil, fmt.Errorf("create results counter: %w", err)
	}
	if m.duplicatesDropped, err = meter.Int64Counter("fundscout_duplicates_dropped_total",
		metric.WithDescription("Results dropped by session dedup")); err != nil {
		return nil, fmt.Errorf("create duplicates counter: %w", err)
	}
	if m.blacklistedDropped, err = meter.Int64Counter("fundscout_blacklisted_dropped_total",
		metric.WithDescription("Results dropped by blacklist")); err != nil {
		return nil, fmt.Errorf("create blacklist counter: %w", err)
	}
	if m.candidatesCreated, err = meter.Int64Counter("fundscout_candidates_created_total",
		metric.WithDescription("Funding source candidates created")); err != nil {
		return nil, fmt.Errorf("create candidates counter: %w", err)
	}
	if m.errorsRecorded, err = meter.Int64Counter("fundscout_workflow_errors_total",
		metric.WithDescription("Workflow errors recorded, by type")); err != nil {
		return nil, fmt.Errorf("create errors counter: %w", err)
	}
	if m.deadLetters, err = meter.Int64Counter("fundscout_dead_letters_total",
		metric.WithDescription("Workflow errors dead-lettered")); err != nil {
		return nil, fmt.Errorf("create dead letters counter: %w", err)
	}
	if m.sessionsClosed, err = meter.Int64Counter("fundscout_sessions_closed_total",
		metric.WithDescription("Sessions reaching a terminal status, by status")); err != nil {
		return nil, fmt.Errorf("create sessions counter: %w", err)
	}
	if m.stageLatency, err = meter.Float64Histogram("fundscout_stage_latency_seconds",
		metric.WithDescription("Per-message processing latency, by stage"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("create latency histogram: %w", err)
	}

	return m, nil
}

// SearchExecuted records one engine call and its result count.
func (m *Metrics) SearchExecuted(ctx context.Context, engine datatypes.Engine, results int) {
	attrs := metric.WithAttributes(attribute.String("engine", string(engine)))
	m.searchesExecuted.Add(ctx, 1, attrs)
	m.searchResults.Add(ctx, int64(results), attrs)
}

// ValidationOutcome records the drops of one validated batch.
func (m *Metrics) ValidationOutcome(ctx context.Context, stats datatypes.ValidationStats) {
	m.duplicatesDropped.Add(ctx, int64(stats.DuplicatesDropped))
	m.blacklistedDropped.Add(ctx, int64(stats.BlacklistedDropped))
}

// CandidateCreated counts one admitted candidate.
func (m *Metrics) CandidateCreated(ctx context.Context) {
	m.candidatesCreated.Add(ctx, 1)
}

// ErrorRecorded counts one workflow error by type.
func (m *Metrics) ErrorRecorded(ctx context.Context, errType datatypes.ErrorType) {
	m.errorsRecorded.Add(ctx, 1, metric.WithAttributes(attribute.String("error_type", string(errType))))
}

// DeadLettered counts one terminally failed batch.
func (m *Metrics) DeadLettered(ctx context.Context, errType datatypes.ErrorType) {
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(attribute.String("error_type", string(errType))))
}

// SessionClosed counts one terminal session by status.
func (m *Metrics) SessionClosed(ctx context.Context, status datatypes.SessionStatus) {
	m.sessionsClosed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

// StageObserved records the processing latency of one message.
func (m *Metrics) StageObserved(ctx context.Context, stage datatypes.Stage, elapsed time.Duration) {
	m.stageLatency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("stage", string(stage))))
}
