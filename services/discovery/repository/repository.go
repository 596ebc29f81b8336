// Copyright (C) 2025 FundScout Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package repository persists sessions, candidates, and workflow
// errors. The pipeline depends only on the interfaces here; the Badger
// implementations share one embedded database with the domain registry,
// separated by key prefix.
package repository

import (
	"context"
	"errors"

	"github.com/fundscout/fundscout/services/discovery/datatypes"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// SessionRepository stores discovery session snapshots.
type SessionRepository interface {
	// Save writes the session snapshot, overwriting any previous one,
	// and maintains the requestId index.
	Save(ctx context.Context, session *datatypes.DiscoverySession) error

	// Get returns a session by id or ErrNotFound.
	Get(ctx context.Context, sessionID string) (*datatypes.DiscoverySession, error)

	// GetByRequestID resolves the session spawned by a trigger request.
	GetByRequestID(ctx context.Context, requestID string) (*datatypes.DiscoverySession, error)
}

// CandidateRepository stores funding source candidates.
type CandidateRepository interface {
	// Create persists a candidate unless one already exists for the same
	// (sessionId, url) pair. Reports whether a record was written, which
	// makes redelivered scoring events idempotent.
	Create(ctx context.Context, candidate *datatypes.FundingSourceCandidate) (bool, error)

	// ListBySession returns the candidates of one session.
	ListBySession(ctx context.Context, sessionID string) ([]datatypes.FundingSourceCandidate, error)

	// Judged reports whether a result was already judged within the
	// session. A retried batch skips judged results so registry counters
	// and session statistics are applied at most once per sighting.
	Judged(ctx context.Context, sessionID, url string) (bool, error)

	// MarkJudged records that a result has been judged.
	MarkJudged(ctx context.Context, sessionID, url string) error
}

// ErrorRepository stores workflow error records, append-only.
type ErrorRepository interface {
	// Append writes one error record.
	Append(ctx context.Context, record *datatypes.WorkflowError) error

	// ListBySession returns the error records of one session in append
	// order.
	ListBySession(ctx context.Context, sessionID string) ([]datatypes.WorkflowError, error)

	// ListDeadLetters returns up to limit dead-lettered records across
	// sessions, for post-mortem inspection.
	ListDeadLetters(ctx context.Context, limit int) ([]datatypes.WorkflowError, error)
}
