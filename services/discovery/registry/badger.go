// Copyright (C) 2025 FundScout Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/fundscout/fundscout/pkg/logging"
	"github.com/fundscout/fundscout/services/discovery/datatypes"
)

const (
	domainKeyPrefix = "domain:"

	// lowQualityCeiling demotes a domain after this many consecutive
	// sub-threshold sightings with no high-quality hit in between.
	lowQualityCeiling = 3

	// failureCeiling marks a domain FAILED after this many consecutive
	// processing errors.
	failureCeiling = 3

	// txnRetries bounds optimistic-conflict retries before surfacing
	// ErrContention.
	txnRetries = 5
)

// BadgerRegistry persists domain records in a shared Badger database.
// Updates are read-modify-write transactions retried on optimistic
// conflicts, so concurrent stage workers can touch the same domain.
type BadgerRegistry struct {
	db     *badger.DB
	logger *logging.Logger
}

// NewBadgerRegistry wraps an open Badger database.
func NewBadgerRegistry(db *badger.DB, logger *logging.Logger) (*BadgerRegistry, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db must not be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &BadgerRegistry{db: db, logger: logger}, nil
}

func domainKey(name string) []byte {
	return []byte(domainKeyPrefix + name)
}

// Lookup returns the record for a domain or ErrNotFound.
func (r *BadgerRegistry) Lookup(_ context.Context, domainName string) (*datatypes.Domain, error) {
	var domain datatypes.Domain
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(domainKey(domainName))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &domain)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup domain %s: %w", domainName, err)
	}
	return &domain, nil
}

// EnsureDiscovered creates a DISCOVERED record if none exists. An
// existing record gets its lastProcessedAt refreshed, keeping the
// recency signal accurate for domains seen again during validation.
func (r *BadgerRegistry) EnsureDiscovered(ctx context.Context, domainName string) (bool, error) {
	created := false
	err := r.update(ctx, domainName, func(domain *datatypes.Domain, exists bool) (*datatypes.Domain, error) {
		if exists {
			created = false
			domain.LastProcessedAt = time.Now().UTC()
			return domain, nil
		}
		created = true
		now := time.Now().UTC()
		return &datatypes.Domain{
			DomainName:          domainName,
			Status:              datatypes.DomainDiscovered,
			DiscoveredAt:        now,
			LastProcessedAt:     now,
			BestConfidenceScore: datatypes.ScoreZero,
		}, nil
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// RecordHighQuality raises the best score if the new one is higher and
// resets the consecutive low and failure counters.
func (r *BadgerRegistry) RecordHighQuality(ctx context.Context, domainName string, score datatypes.Score) error {
	return r.update(ctx, domainName, func(domain *datatypes.Domain, exists bool) (*datatypes.Domain, error) {
		if !exists {
			return nil, ErrNotFound
		}
		domain.BestConfidenceScore = domain.BestConfidenceScore.Max(score)
		domain.HighQualityCount++
		domain.ConsecutiveLowCount = 0
		domain.ConsecutiveErrorCount = 0
		domain.LastProcessedAt = time.Now().UTC()
		if domain.Status != datatypes.DomainBlacklisted {
			domain.Status = datatypes.DomainProcessedHighQuality
		}
		return domain, nil
	})
}

// RecordLowQuality counts a sub-threshold sighting. The best score is
// still raised if this one happens to exceed it.
func (r *BadgerRegistry) RecordLowQuality(ctx context.Context, domainName string, score datatypes.Score) error {
	return r.update(ctx, domainName, func(domain *datatypes.Domain, exists bool) (*datatypes.Domain, error) {
		if !exists {
			return nil, ErrNotFound
		}
		domain.BestConfidenceScore = domain.BestConfidenceScore.Max(score)
		domain.LowQualityCount++
		domain.ConsecutiveLowCount++
		domain.ConsecutiveErrorCount = 0
		domain.LastProcessedAt = time.Now().UTC()
		if domain.Status != datatypes.DomainBlacklisted &&
			domain.Status != datatypes.DomainProcessedHighQuality &&
			domain.ConsecutiveLowCount >= lowQualityCeiling {
			domain.Status = datatypes.DomainProcessedLowQuality
		}
		return domain, nil
	})
}

// RecordFailure counts a processing error.
func (r *BadgerRegistry) RecordFailure(ctx context.Context, domainName string) error {
	return r.update(ctx, domainName, func(domain *datatypes.Domain, exists bool) (*datatypes.Domain, error) {
		if !exists {
			return nil, ErrNotFound
		}
		domain.ConsecutiveErrorCount++
		domain.LastProcessedAt = time.Now().UTC()
		if domain.Status != datatypes.DomainBlacklisted &&
			domain.ConsecutiveErrorCount >= failureCeiling {
			domain.Status = datatypes.DomainFailed
		}
		return domain, nil
	})
}

// MarkBlacklisted sets the terminal BLACKLISTED status. Creates the
// record if the domain was never seen before.
func (r *BadgerRegistry) MarkBlacklisted(ctx context.Context, domainName, reason string) error {
	return r.update(ctx, domainName, func(domain *datatypes.Domain, exists bool) (*datatypes.Domain, error) {
		now := time.Now().UTC()
		if !exists {
			domain = &datatypes.Domain{
				DomainName:          domainName,
				DiscoveredAt:        now,
				BestConfidenceScore: datatypes.ScoreZero,
			}
		}
		domain.Status = datatypes.DomainBlacklisted
		domain.BlacklistReason = reason
		domain.LastProcessedAt = now
		return domain, nil
	})
}

// IsBlacklisted reports whether a domain is blacklisted.
func (r *BadgerRegistry) IsBlacklisted(ctx context.Context, domainName string) (bool, error) {
	domain, err := r.Lookup(ctx, domainName)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return domain.Status == datatypes.DomainBlacklisted, nil
}

// update runs a read-modify-write transaction with conflict retries.
// The mutate callback returns the record to write, or nil to skip the
// write.
func (r *BadgerRegistry) update(ctx context.Context, domainName string, mutate func(domain *datatypes.Domain, exists bool) (*datatypes.Domain, error)) error {
	key := domainKey(domainName)

	for attempt := 0; attempt < txnRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := r.db.Update(func(txn *badger.Txn) error {
			var current datatypes.Domain
			exists := true

			item, err := txn.Get(key)
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
				exists = false
			case err != nil:
				return err
			default:
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &current)
				}); err != nil {
					return err
				}
			}

			updated, err := mutate(&current, exists)
			if err != nil {
				return err
			}
			if updated == nil {
				return nil
			}

			data, err := json.Marshal(updated)
			if err != nil {
				return err
			}
			return txn.Set(key, data)
		})

		if errors.Is(err, badger.ErrConflict) {
			r.logger.Debug("domain update conflict, retrying", "domain", domainName, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return fmt.Errorf("update domain %s: %w", domainName, err)
		}
		return nil
	}

	return fmt.Errorf("update domain %s: %w", domainName, ErrContention)
}
