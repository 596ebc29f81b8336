// Copyright (C) 2025 FundScout Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/fundscout/fundscout/services/discovery/datatypes"
)

const (
	sessionPrefix    = "session:"
	sessionReqPrefix = "session_req:" // requestId -> sessionId index
	candidatePrefix  = "candidate:"
	judgedPrefix     = "judged:" // (sessionId, url) judgement markers
	errorPrefix      = "error:"
)

// Open opens the embedded database at the given path. An empty path
// opens an in-memory database for tests.
func Open(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", path, err)
	}
	return db, nil
}

// ---------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------

// BadgerSessions implements SessionRepository.
type BadgerSessions struct {
	db *badger.DB
}

// NewBadgerSessions wraps an open database.
func NewBadgerSessions(db *badger.DB) *BadgerSessions {
	return &BadgerSessions{db: db}
}

func (r *BadgerSessions) Save(_ context.Context, session *datatypes.DiscoverySession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", session.SessionID, err)
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(sessionPrefix+session.SessionID), data); err != nil {
			return err
		}
		return txn.Set([]byte(sessionReqPrefix+session.RequestID), []byte(session.SessionID))
	})
	if err != nil {
		return fmt.Errorf("save session %s: %w", session.SessionID, err)
	}
	return nil
}

func (r *BadgerSessions) Get(_ context.Context, sessionID string) (*datatypes.DiscoverySession, error) {
	var session datatypes.DiscoverySession
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(sessionPrefix + sessionID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &session)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return &session, nil
}

func (r *BadgerSessions) GetByRequestID(ctx context.Context, requestID string) (*datatypes.DiscoverySession, error) {
	var sessionID string
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(sessionReqPrefix + requestID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			sessionID = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve request %s: %w", requestID, err)
	}
	return r.Get(ctx, sessionID)
}

// ---------------------------------------------------------------------
// Candidates
// ---------------------------------------------------------------------

// BadgerCandidates implements CandidateRepository. The storage key is
// (sessionId, url), which makes creation idempotent under at-least-once
// delivery.
type BadgerCandidates struct {
	db *badger.DB
}

// NewBadgerCandidates wraps an open database.
func NewBadgerCandidates(db *badger.DB) *BadgerCandidates {
	return &BadgerCandidates{db: db}
}

func candidateKey(sessionID, url string) []byte {
	return []byte(candidatePrefix + sessionID + ":" + url)
}

func (r *BadgerCandidates) Create(_ context.Context, candidate *datatypes.FundingSourceCandidate) (bool, error) {
	key := candidateKey(candidate.SessionID, candidate.URL)
	data, err := json.Marshal(candidate)
	if err != nil {
		return false, fmt.Errorf("marshal candidate %s: %w", candidate.CandidateID, err)
	}

	created := false
	err = r.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil // already present, idempotent no-op
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		created = true
		return txn.Set(key, data)
	})
	if err != nil {
		return false, fmt.Errorf("create candidate %s: %w", candidate.CandidateID, err)
	}
	return created, nil
}

func judgedKey(sessionID, url string) []byte {
	return []byte(judgedPrefix + sessionID + ":" + url)
}

func (r *BadgerCandidates) Judged(_ context.Context, sessionID, url string) (bool, error) {
	var judged bool
	err := r.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(judgedKey(sessionID, url))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		judged = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("check judgement for %s: %w", url, err)
	}
	return judged, nil
}

func (r *BadgerCandidates) MarkJudged(_ context.Context, sessionID, url string) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(judgedKey(sessionID, url), nil)
	})
	if err != nil {
		return fmt.Errorf("mark judgement for %s: %w", url, err)
	}
	return nil
}

func (r *BadgerCandidates) ListBySession(_ context.Context, sessionID string) ([]datatypes.FundingSourceCandidate, error) {
	prefix := []byte(candidatePrefix + sessionID + ":")
	var out []datatypes.FundingSourceCandidate

	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var c datatypes.FundingSourceCandidate
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &c)
			}); err != nil {
				return err
			}
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list candidates for %s: %w", sessionID, err)
	}
	return out, nil
}

// ---------------------------------------------------------------------
// Workflow errors
// ---------------------------------------------------------------------

// BadgerErrors implements ErrorRepository. Keys embed the append
// timestamp so iteration returns records in append order.
type BadgerErrors struct {
	db *badger.DB
}

// NewBadgerErrors wraps an open database.
func NewBadgerErrors(db *badger.DB) *BadgerErrors {
	return &BadgerErrors{db: db}
}

func errorKey(sessionID string, ts time.Time, discriminator string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", errorPrefix, sessionID, ts.UnixNano(), discriminator))
}

func (r *BadgerErrors) Append(_ context.Context, record *datatypes.WorkflowError) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal error record: %w", err)
	}
	key := errorKey(record.SessionID, time.Now(), fmt.Sprintf("%s-%d", record.RequestID, record.RetryCount))
	if err := r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	}); err != nil {
		return fmt.Errorf("append error record: %w", err)
	}
	return nil
}

func (r *BadgerErrors) ListBySession(_ context.Context, sessionID string) ([]datatypes.WorkflowError, error) {
	prefix := []byte(errorPrefix + sessionID + ":")
	var out []datatypes.WorkflowError

	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec datatypes.WorkflowError
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list errors for %s: %w", sessionID, err)
	}
	return out, nil
}

func (r *BadgerErrors) ListDeadLetters(_ context.Context, limit int) ([]datatypes.WorkflowError, error) {
	prefix := []byte(errorPrefix)
	var out []datatypes.WorkflowError

	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			var rec datatypes.WorkflowError
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			if rec.DeadLettered {
				out = append(out, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return out, nil
}
