// Copyright (C) 2025 FundScout Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package registry owns the authoritative domain records. Every host
// the pipeline has ever seen has exactly one record here; validation
// consults it for dedup and blacklist checks, scoring reports quality
// outcomes back into it.
package registry

import (
	"context"
	"errors"

	"github.com/fundscout/fundscout/services/discovery/datatypes"
)

// ErrNotFound is returned when no record exists for a domain.
var ErrNotFound = errors.New("domain not found")

// ErrContention is returned when concurrent updates to the same domain
// could not be reconciled within the retry budget.
var ErrContention = errors.New("domain record contention")

// Service is the domain registry contract.
type Service interface {
	// Lookup returns the record for a domain or ErrNotFound.
	Lookup(ctx context.Context, domainName string) (*datatypes.Domain, error)

	// EnsureDiscovered creates a DISCOVERED record if none exists and
	// reports whether one was created. Existing records get their
	// lastProcessedAt refreshed.
	EnsureDiscovered(ctx context.Context, domainName string) (bool, error)

	// RecordHighQuality notes a candidate above the admission threshold.
	// BestConfidenceScore only ever increases.
	RecordHighQuality(ctx context.Context, domainName string, score datatypes.Score) error

	// RecordLowQuality notes a sub-threshold sighting. Enough consecutive
	// low sightings demote the domain to PROCESSED_LOW_QUALITY.
	RecordLowQuality(ctx context.Context, domainName string, score datatypes.Score) error

	// RecordFailure notes a processing error against the domain. Enough
	// consecutive failures mark it FAILED; it remains searchable.
	RecordFailure(ctx context.Context, domainName string) error

	// MarkBlacklisted excludes the domain from all future processing.
	MarkBlacklisted(ctx context.Context, domainName, reason string) error

	// IsBlacklisted reports whether the domain is blacklisted. Unknown
	// domains are not blacklisted.
	IsBlacklisted(ctx context.Context, domainName string) (bool, error)
}
