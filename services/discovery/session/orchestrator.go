// Copyright (C) 2025 FundScout Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package session tracks the lifecycle of discovery sessions. The
// orchestrator owns session state: the outstanding batch counter, the
// session-scoped dedup set, and the running statistics. Progress is
// persisted to the session repository as batches settle, and a session
// unknown to this process is rehydrated from its snapshot, so a RUNNING
// session survives a restart and still reaches a terminal status.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fundscout/fundscout/pkg/logging"
	"github.com/fundscout/fundscout/services/discovery/datatypes"
	"github.com/fundscout/fundscout/services/discovery/repository"
)

// ErrUnknownSession is returned for operations on sessions the
// orchestrator is not tracking and the repository does not know.
var ErrUnknownSession = fmt.Errorf("unknown session")

type state struct {
	session   *datatypes.DiscoverySession
	seenHosts map[string]struct{}

	outstanding  int
	deadLettered int

	scoreSum   decimal.Decimal
	scoreCount int64
}

// Orchestrator allocates sessions and tracks their progress through
// the pipeline stages. Safe for concurrent use.
type Orchestrator struct {
	mu     sync.Mutex
	active map[string]*state

	repo   repository.SessionRepository
	logger *logging.Logger
}

// NewOrchestrator creates an orchestrator over the session repository.
func NewOrchestrator(repo repository.SessionRepository, logger *logging.Logger) (*Orchestrator, error) {
	if repo == nil {
		return nil, fmt.Errorf("session repository must not be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Orchestrator{
		active: make(map[string]*state),
		repo:   repo,
		logger: logger,
	}, nil
}

// Open allocates a RUNNING session for a trigger request and persists
// its initial snapshot. The outstanding counter starts at
// queriesEmitted; each validated or dead-lettered batch decrements it.
func (o *Orchestrator) Open(ctx context.Context, requestID string, queriesEmitted int) (*datatypes.DiscoverySession, error) {
	session := &datatypes.DiscoverySession{
		SessionID:              uuid.NewString(),
		RequestID:              requestID,
		StartedAt:              time.Now().UTC(),
		Status:                 datatypes.SessionRunning,
		QueriesEmitted:         queriesEmitted,
		AverageConfidenceScore: datatypes.ScoreZero,
	}
	if err := o.repo.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("persist new session: %w", err)
	}

	o.mu.Lock()
	o.active[session.SessionID] = &state{
		session:     session,
		seenHosts:   make(map[string]struct{}),
		outstanding: queriesEmitted,
		scoreSum:    decimal.Zero,
	}
	o.mu.Unlock()

	o.logger.Info("session opened",
		"session_id", session.SessionID,
		"request_id", requestID,
		"queries", queriesEmitted)
	return session, nil
}

// stateLocked returns the tracked state for a session, rehydrating it
// from the persisted snapshot when this process has never seen it. The
// dedup set cannot be reconstructed from a snapshot, so a resumed
// session may re-admit hosts it saw before the restart; registry and
// candidate writes stay idempotent regardless. Caller holds the mutex.
func (o *Orchestrator) stateLocked(ctx context.Context, sessionID string) *state {
	if st, ok := o.active[sessionID]; ok {
		return st
	}
	session, err := o.repo.Get(ctx, sessionID)
	if err != nil || session.Status != datatypes.SessionRunning {
		return nil
	}
	outstanding := session.QueriesEmitted - session.BatchesSettled
	if outstanding < 0 {
		outstanding = 0
	}
	st := &state{
		session:      session,
		seenHosts:    make(map[string]struct{}),
		outstanding:  outstanding,
		deadLettered: session.BatchesDeadLettered,
		scoreSum:     session.AverageConfidenceScore.Decimal().Mul(decimal.NewFromInt(session.ScoredResults)),
		scoreCount:   session.ScoredResults,
	}
	o.active[sessionID] = st
	o.logger.Info("session rehydrated",
		"session_id", sessionID,
		"outstanding", outstanding,
		"dead_lettered", st.deadLettered)
	return st
}

// IsDuplicate reports whether a host was already committed to the
// session's dedup set. It does not add the host; re-published retry
// batches therefore see the set as it was when the original batch
// last emitted a validated event.
func (o *Orchestrator) IsDuplicate(ctx context.Context, sessionID, host string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.stateLocked(ctx, sessionID)
	if st == nil {
		return false
	}
	_, seen := st.seenHosts[host]
	return seen
}

// CommitHosts adds hosts to the session dedup set. Called by the
// validation stage after the validated event has been published, so a
// failed batch leaves no dedup residue.
func (o *Orchestrator) CommitHosts(ctx context.Context, sessionID string, hosts []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.stateLocked(ctx, sessionID)
	if st == nil {
		return
	}
	for _, h := range hosts {
		st.seenHosts[h] = struct{}{}
	}
}

// RecordValidation folds a batch's validation statistics into the
// session counters.
func (o *Orchestrator) RecordValidation(ctx context.Context, sessionID string, stats datatypes.ValidationStats) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.stateLocked(ctx, sessionID)
	if st == nil {
		return
	}
	st.session.DuplicatesDetected += stats.DuplicatesDropped
	st.session.BlacklistedDropped += stats.BlacklistedDropped
}

// RecordScore contributes one result's score to the session's running
// mean, and counts a candidate when one was created.
func (o *Orchestrator) RecordScore(ctx context.Context, sessionID string, score datatypes.Score, candidateCreated bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.stateLocked(ctx, sessionID)
	if st == nil {
		return
	}
	st.scoreSum = st.scoreSum.Add(score.Decimal())
	st.scoreCount++
	st.session.ScoredResults = st.scoreCount
	if candidateCreated {
		st.session.CandidatesFound++
	}
}

// BatchCompleted marks one in-flight batch as done. When the last
// outstanding batch finishes, the session transitions to its terminal
// status, the snapshot is persisted, and in-memory state is released.
// Returns the terminal session when closure happened, nil otherwise.
func (o *Orchestrator) BatchCompleted(ctx context.Context, sessionID string) (*datatypes.DiscoverySession, error) {
	return o.finishBatch(ctx, sessionID, false)
}

// BatchDeadLettered marks one in-flight batch as terminally failed.
func (o *Orchestrator) BatchDeadLettered(ctx context.Context, sessionID string) (*datatypes.DiscoverySession, error) {
	return o.finishBatch(ctx, sessionID, true)
}

func (o *Orchestrator) finishBatch(ctx context.Context, sessionID string, deadLettered bool) (*datatypes.DiscoverySession, error) {
	o.mu.Lock()
	st := o.stateLocked(ctx, sessionID)
	if st == nil {
		o.mu.Unlock()
		return nil, nil // already closed or never tracked
	}

	if deadLettered {
		st.deadLettered++
		st.session.BatchesDeadLettered = st.deadLettered
	}
	if st.outstanding > 0 {
		st.outstanding--
	}
	st.session.BatchesSettled++

	if st.outstanding > 0 {
		progress := o.snapshotLocked(st)
		o.mu.Unlock()
		if err := o.repo.Save(ctx, progress); err != nil {
			return nil, fmt.Errorf("persist session progress %s: %w", sessionID, err)
		}
		return nil, nil
	}

	snapshot := o.closeLocked(st)
	delete(o.active, sessionID)
	o.mu.Unlock()

	if err := o.repo.Save(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("persist terminal session %s: %w", sessionID, err)
	}

	o.logger.Info("session closed",
		"session_id", sessionID,
		"status", snapshot.Status,
		"candidates", snapshot.CandidatesFound,
		"duplicates", snapshot.DuplicatesDetected,
		"avg_score", snapshot.AverageConfidenceScore)
	return snapshot, nil
}

// snapshotLocked copies the live session with the running mean folded
// in, ready to persist or return. Caller holds the mutex.
func (o *Orchestrator) snapshotLocked(st *state) *datatypes.DiscoverySession {
	snapshot := *st.session
	if st.scoreCount > 0 {
		mean := st.scoreSum.Div(decimal.NewFromInt(st.scoreCount))
		snapshot.AverageConfidenceScore = datatypes.ClampScore(mean)
	}
	return &snapshot
}

// closeLocked computes the terminal snapshot. Caller holds the mutex.
func (o *Orchestrator) closeLocked(st *state) *datatypes.DiscoverySession {
	session := st.session
	session.CompletedAt = time.Now().UTC()

	switch {
	case st.deadLettered > 0 && session.CandidatesFound == 0:
		session.Status = datatypes.SessionFailed
	case st.deadLettered > 0:
		session.Status = datatypes.SessionPartial
	default:
		session.Status = datatypes.SessionCompleted
	}

	if st.scoreCount > 0 {
		mean := st.scoreSum.Div(decimal.NewFromInt(st.scoreCount))
		session.AverageConfidenceScore = datatypes.ClampScore(mean)
	}
	return session
}

// Status returns the live session when it is still running, or the
// persisted snapshot otherwise.
func (o *Orchestrator) Status(ctx context.Context, sessionID string) (*datatypes.DiscoverySession, error) {
	o.mu.Lock()
	if st, ok := o.active[sessionID]; ok {
		snapshot := o.snapshotLocked(st)
		o.mu.Unlock()
		return snapshot, nil
	}
	o.mu.Unlock()

	session, err := o.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, ErrUnknownSession
	}
	return session, nil
}

// StatusByRequest resolves the session spawned by a trigger request.
func (o *Orchestrator) StatusByRequest(ctx context.Context, requestID string) (*datatypes.DiscoverySession, error) {
	o.mu.Lock()
	for _, st := range o.active {
		if st.session.RequestID == requestID {
			snapshot := o.snapshotLocked(st)
			o.mu.Unlock()
			return snapshot, nil
		}
	}
	o.mu.Unlock()

	session, err := o.repo.GetByRequestID(ctx, requestID)
	if err != nil {
		return nil, ErrUnknownSession
	}
	return session, nil
}

// Flush persists snapshots of all running sessions. Called on
// shutdown so a restart can report the last known counters.
func (o *Orchestrator) Flush(ctx context.Context) error {
	o.mu.Lock()
	snapshots := make([]*datatypes.DiscoverySession, 0, len(o.active))
	for _, st := range o.active {
		snapshots = append(snapshots, o.snapshotLocked(st))
	}
	o.mu.Unlock()

	for _, s := range snapshots {
		if err := o.repo.Save(ctx, s); err != nil {
			return fmt.Errorf("flush session %s: %w", s.SessionID, err)
		}
	}
	return nil
}
