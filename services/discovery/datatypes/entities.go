// Copyright (C) 2025 FundScout Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes defines the entities and wire events of the
// discovery pipeline.
//
// Entities are persisted through the repository interfaces; events
// travel between pipeline stages as JSON payloads. No entity reference
// crosses a stream boundary except by opaque identifier.
package datatypes

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// structValidator backs Validate for callers that bypass the HTTP
// binding layer. It reads the same binding tags gin does, so the two
// paths agree on tag semantics.
var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New()
	v.SetTagName("binding")
	return v
}

// ExecutionRequest is the structured input of one discovery trigger.
// Immutable after creation.
type ExecutionRequest struct {
	RequestID     string        `json:"requestId"`
	Category      Category      `json:"category" binding:"required"`
	Region        string        `json:"region" binding:"required,iso3166_1_alpha2"`
	FundingType   FundingType   `json:"fundingType" binding:"required"`
	RecipientType RecipientType `json:"recipientType" binding:"required"`
	Engine        Engine        `json:"engine" binding:"required"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// Validate checks the binding tags and the closed enum sets. The HTTP
// layer already enforces the tags; pipeline-internal callers go through
// here so a request injected without gin gets the same treatment.
func (r ExecutionRequest) Validate() error {
	if err := structValidator.Struct(r); err != nil {
		return fmt.Errorf("invalid execution request: %w", err)
	}
	return ValidateRequestFields(r.Category, r.FundingType, r.RecipientType, r.Engine)
}

// DiscoverySession is the unit of work spawned by a single trigger.
// Mutated only by the session orchestrator; terminal statuses are final.
type DiscoverySession struct {
	SessionID              string        `json:"sessionId"`
	RequestID              string        `json:"requestId"`
	StartedAt              time.Time     `json:"startedAt"`
	CompletedAt            time.Time     `json:"completedAt,omitempty"`
	Status                 SessionStatus `json:"status"`
	QueriesEmitted         int           `json:"queriesEmitted"`
	BatchesSettled         int           `json:"batchesSettled"`
	BatchesDeadLettered    int           `json:"batchesDeadLettered"`
	ScoredResults          int64         `json:"scoredResults"`
	CandidatesFound        int           `json:"candidatesFound"`
	DuplicatesDetected     int           `json:"duplicatesDetected"`
	BlacklistedDropped     int           `json:"blacklistedDropped"`
	AverageConfidenceScore Score         `json:"averageConfidenceScore"`
}

// SearchResult is the per-result DTO traversing the pipeline. It exists
// only between stages and is never persisted directly.
type SearchResult struct {
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Engine       Engine    `json:"engine"`
	Rank         int       `json:"rank"`
	DiscoveredAt time.Time `json:"discoveredAt"`
	SessionID    string    `json:"sessionId,omitempty"`
	RequestID    string    `json:"requestId,omitempty"`
}

// Domain is the authoritative record for a host the pipeline has seen.
// Owned by the domain registry. Counters never decrease and
// BestConfidenceScore is monotonic non-decreasing.
type Domain struct {
	DomainName          string       `json:"domainName"`
	Status              DomainStatus `json:"status"`
	DiscoveredAt        time.Time    `json:"discoveredAt"`
	LastProcessedAt     time.Time    `json:"lastProcessedAt"`
	BestConfidenceScore Score        `json:"bestConfidenceScore"`
	HighQualityCount    int          `json:"highQualityCount"`
	LowQualityCount     int          `json:"lowQualityCount"`

	// ConsecutiveLowCount tracks sub-threshold sightings since the last
	// high-quality hit; drives the PROCESSED_LOW_QUALITY transition.
	ConsecutiveLowCount int `json:"consecutiveLowCount"`

	// ConsecutiveErrorCount drives the FAILED status after repeated
	// processing errors. The domain remains searchable.
	ConsecutiveErrorCount int `json:"consecutiveErrorCount"`

	BlacklistReason string     `json:"blacklistReason,omitempty"`
	RetryAfter      *time.Time `json:"retryAfter,omitempty"`
}

// FundingSourceCandidate is a search result that passed the admission
// threshold and is queued for downstream review. Never mutated by this
// service after creation.
type FundingSourceCandidate struct {
	CandidateID     string          `json:"candidateId"`
	DomainName      string          `json:"domainName"`
	URL             string          `json:"url"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	Engine          Engine          `json:"engine"`
	ConfidenceScore Score           `json:"confidenceScore"`
	Status          CandidateStatus `json:"status"`
	SessionID       string          `json:"sessionId"`
	DiscoveredAt    time.Time       `json:"discoveredAt"`
}

// WorkflowError is the append-only record of a batch-level failure.
// A record whose RetryCount has reached the policy ceiling is terminal.
type WorkflowError struct {
	RequestID       string    `json:"requestId"`
	SessionID       string    `json:"sessionId"`
	Stage           Stage     `json:"stage"`
	ErrorType       ErrorType `json:"errorType"`
	Message         string    `json:"message"`
	RetryCount      int       `json:"retryCount"`
	Timestamp       time.Time `json:"timestamp"`
	OriginalPayload []byte    `json:"originalPayload,omitempty"`
	DeadLettered    bool      `json:"deadLettered"`
}
