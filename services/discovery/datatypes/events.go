// Copyright (C) 2025 FundScout Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// Stream topic names. These are part of the wire contract; downstream
// collaborators subscribe by name.
const (
	TopicSearchRequests   = "search-requests"
	TopicSearchResultsRaw = "search-results-raw"
	TopicSearchValidated  = "search-results-validated"
	TopicWorkflowErrors   = "workflow-errors"
)

// SearchRequestEvent is published by the trigger, one per generated
// query, on the search-requests stream.
type SearchRequestEvent struct {
	RequestID     string        `json:"requestId"`
	SessionID     string        `json:"sessionId"`
	QueryText     string        `json:"queryText"`
	Engine        Engine        `json:"engine"`
	Category      Category      `json:"category"`
	Region        string        `json:"region"`
	FundingType   FundingType   `json:"fundingType"`
	RecipientType RecipientType `json:"recipientType"`
	Timestamp     time.Time     `json:"timestamp"`

	// RetryCount is zero on first publication and bumped by the error
	// handler on each re-publish.
	RetryCount int `json:"retryCount,omitempty"`
}

// SearchResultsRawEvent carries all results of one executed query from
// the search stage to validation.
type SearchResultsRawEvent struct {
	RequestID       string         `json:"requestId"`
	SessionID       string         `json:"sessionId"`
	Engine          Engine         `json:"engine"`
	Results         []SearchResult `json:"results"`
	TotalResults    int            `json:"totalResults"`
	ExecutionTimeMs int64          `json:"executionTimeMs"`
	Timestamp       time.Time      `json:"timestamp"`
	RetryCount      int            `json:"retryCount,omitempty"`
}

// ValidationStats summarizes what the validation stage did with a batch.
type ValidationStats struct {
	TotalIn            int `json:"totalIn"`
	DuplicatesDropped  int `json:"duplicatesDropped"`
	BlacklistedDropped int `json:"blacklistedDropped"`
	RegisteredNew      int `json:"registeredNew"`
}

// SearchResultsValidatedEvent carries the surviving results of a batch
// from validation to scoring.
type SearchResultsValidatedEvent struct {
	RequestID    string          `json:"requestId"`
	SessionID    string          `json:"sessionId"`
	Engine       Engine          `json:"engine"`
	ValidResults []SearchResult  `json:"validResults"`
	Stats        ValidationStats `json:"stats"`
	Timestamp    time.Time       `json:"timestamp"`
	RetryCount   int             `json:"retryCount,omitempty"`
}

// WorkflowErrorEvent is the error-stream payload emitted when a batch
// fails at any stage.
type WorkflowErrorEvent struct {
	RequestID       string    `json:"requestId"`
	SessionID       string    `json:"sessionId"`
	Stage           Stage     `json:"stage"`
	ErrorType       ErrorType `json:"errorType"`
	ErrorMessage    string    `json:"errorMessage"`
	RetryCount      int       `json:"retryCount"`
	OriginalPayload []byte    `json:"originalPayload"`
	Timestamp       time.Time `json:"timestamp"`
}

// PartitionKey returns the ordering key shared by every event of one
// request flight. Events with the same key land on the same partition
// and traverse all stages in order.
func PartitionKey(sessionID, requestID string, engine Engine) string {
	return sessionID + "|" + requestID + "|" + string(engine)
}
